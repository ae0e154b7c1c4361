// Package transport defines the JSON-RPC 2.0 messages exchanged by the MCP server
// and the Transport interface implemented by the transports.
package transport

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"
)

// JSON-RPC error codes
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// RequestId is the transport assigned id of a request,
// the id sent by the remote side is restored by the transport on the response
type RequestId int64

// JsonRpcBody is the result of a request handler
type JsonRpcBody any

// BaseJSONRPCRequest is a request that expects a response
type BaseJSONRPCRequest struct {
	Jsonrpc string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	Id      RequestId       `json:"id"`
}

// BaseJSONRPCNotification is a one-way message
type BaseJSONRPCNotification struct {
	Jsonrpc string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// BaseJSONRPCResponse is a successful response
type BaseJSONRPCResponse struct {
	Jsonrpc string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Id      RequestId       `json:"id"`
}

// BaseJSONRPCErrorInner is the error object of the error response
type BaseJSONRPCErrorInner struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// BaseJSONRPCError is an error response
type BaseJSONRPCError struct {
	Jsonrpc string                `json:"jsonrpc"`
	Error   BaseJSONRPCErrorInner `json:"error"`
	Id      RequestId             `json:"id"`
}

// BaseMessageType is the kind of the message
type BaseMessageType string

// Message types
const (
	BaseMessageTypeJSONRPCRequestType      BaseMessageType = "request"
	BaseMessageTypeJSONRPCNotificationType BaseMessageType = "notification"
	BaseMessageTypeJSONRPCResponseType     BaseMessageType = "response"
	BaseMessageTypeJSONRPCErrorType        BaseMessageType = "error"
)

// BaseJsonRpcMessage holds exactly one of the messages, according to Type
type BaseJsonRpcMessage struct {
	Type                BaseMessageType
	JsonRpcRequest      *BaseJSONRPCRequest
	JsonRpcNotification *BaseJSONRPCNotification
	JsonRpcResponse     *BaseJSONRPCResponse
	JsonRpcError        *BaseJSONRPCError
}

func NewBaseMessageRequest(request *BaseJSONRPCRequest) *BaseJsonRpcMessage {
	return &BaseJsonRpcMessage{
		Type:           BaseMessageTypeJSONRPCRequestType,
		JsonRpcRequest: request,
	}
}

func NewBaseMessageNotification(notification *BaseJSONRPCNotification) *BaseJsonRpcMessage {
	return &BaseJsonRpcMessage{
		Type:                BaseMessageTypeJSONRPCNotificationType,
		JsonRpcNotification: notification,
	}
}

func NewBaseMessageResponse(response *BaseJSONRPCResponse) *BaseJsonRpcMessage {
	return &BaseJsonRpcMessage{
		Type:            BaseMessageTypeJSONRPCResponseType,
		JsonRpcResponse: response,
	}
}

func NewBaseMessageError(response *BaseJSONRPCError) *BaseJsonRpcMessage {
	return &BaseJsonRpcMessage{
		Type:         BaseMessageTypeJSONRPCErrorType,
		JsonRpcError: response,
	}
}

// MessageID returns the id of the request, response or error, 0 for notifications
func (m *BaseJsonRpcMessage) MessageID() RequestId {
	switch m.Type {
	case BaseMessageTypeJSONRPCRequestType:
		return m.JsonRpcRequest.Id
	case BaseMessageTypeJSONRPCResponseType:
		return m.JsonRpcResponse.Id
	case BaseMessageTypeJSONRPCErrorType:
		return m.JsonRpcError.Id
	}
	return 0
}

// MarshalJSON serializes the message held by m
func (m *BaseJsonRpcMessage) MarshalJSON() ([]byte, error) {
	switch m.Type {
	case BaseMessageTypeJSONRPCRequestType:
		return json.Marshal(m.JsonRpcRequest)
	case BaseMessageTypeJSONRPCNotificationType:
		return json.Marshal(m.JsonRpcNotification)
	case BaseMessageTypeJSONRPCResponseType:
		return json.Marshal(m.JsonRpcResponse)
	case BaseMessageTypeJSONRPCErrorType:
		return json.Marshal(m.JsonRpcError)
	}
	return nil, errors.Errorf("unknown message type: %q", m.Type)
}

type probe struct {
	Jsonrpc string                 `json:"jsonrpc"`
	Method  string                 `json:"method"`
	Params  json.RawMessage        `json:"params"`
	Id      json.RawMessage        `json:"id"`
	Result  json.RawMessage        `json:"result"`
	Error   *BaseJSONRPCErrorInner `json:"error"`
}

// ParseMessage decodes a single JSON-RPC message.
// The id of the remote side is returned as is, the message carries id 0,
// the caller assigns its own id to correlate the response.
func ParseMessage(body []byte) (*BaseJsonRpcMessage, json.RawMessage, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, nil, NewError(InvalidRequest, "empty message")
	}
	if body[0] == '[' {
		return nil, nil, NewError(InvalidRequest, "batch requests are not supported")
	}

	var p probe
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, nil, NewError(ParseError, "failed to parse message")
	}
	if p.Jsonrpc != "2.0" {
		return nil, p.Id, NewError(InvalidRequest, "jsonrpc must be 2.0")
	}

	switch {
	case p.Method != "" && len(p.Id) > 0:
		return NewBaseMessageRequest(&BaseJSONRPCRequest{
			Jsonrpc: p.Jsonrpc,
			Method:  p.Method,
			Params:  p.Params,
		}), p.Id, nil
	case p.Method != "":
		return NewBaseMessageNotification(&BaseJSONRPCNotification{
			Jsonrpc: p.Jsonrpc,
			Method:  p.Method,
			Params:  p.Params,
		}), nil, nil
	case p.Error != nil:
		return NewBaseMessageError(&BaseJSONRPCError{
			Jsonrpc: p.Jsonrpc,
			Error:   *p.Error,
		}), p.Id, nil
	case len(p.Id) > 0:
		return NewBaseMessageResponse(&BaseJSONRPCResponse{
			Jsonrpc: p.Jsonrpc,
			Result:  p.Result,
		}), p.Id, nil
	}
	return nil, nil, NewError(InvalidRequest, "message is not a request, notification or response")
}

// Error is a JSON-RPC error returned by the request handlers
type Error struct {
	Code    int
	Message string
	Data    any
}

// NewError returns Error
func NewError(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithData returns a copy of the error with data
func (e *Error) WithData(data any) *Error {
	c := *e
	c.Data = data
	return &c
}

func (e *Error) Error() string {
	return e.Message
}

// Transport is the message channel of the protocol
type Transport interface {
	// Start starts the transport
	Start(ctx context.Context) error
	// Send sends a message to the remote side
	Send(ctx context.Context, message *BaseJsonRpcMessage) error
	// Close closes the transport
	Close() error
	// SetCloseHandler sets the callback for when the connection is closed for any reason.
	SetCloseHandler(handler func())
	// SetErrorHandler sets the callback for when an error occurs,
	// the errors are not necessarily fatal.
	SetErrorHandler(handler func(error))
	// SetMessageHandler sets the callback for when a message is received
	SetMessageHandler(handler func(ctx context.Context, message *BaseJsonRpcMessage))
}
