// Package localtransport provides the stateless in-process MCP transport:
// every request is handled synchronously and its response returned to the caller.
package localtransport

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/dssatmcp/mcp/transport"
	"github.com/effective-security/xlog"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/dssatmcp/mcp/transport", "localtransport")

const methodCancelled = "notifications/cancelled"

// Transport is the server side of the stateless transport
type Transport struct {
	messageHandler func(ctx context.Context, message *transport.BaseJsonRpcMessage)
	errorHandler   func(error)
	closeHandler   func()
	mu             sync.RWMutex
	responseMap    map[transport.RequestId]chan *transport.BaseJsonRpcMessage
	// in-flight transport ids by the id the client sent
	clientIDs     map[string][]transport.RequestId
	atomicCounter int64
}

// ensure Transport implements the interfaces
var (
	_ transport.Transport = (*Transport)(nil)
	_ Handler             = (*Transport)(nil)
)

func New() *Transport {
	return &Transport{
		responseMap: make(map[transport.RequestId]chan *transport.BaseJsonRpcMessage),
		clientIDs:   make(map[string][]transport.RequestId),
	}
}

func (s *Transport) Start(ctx context.Context) error {
	// Does nothing in the stateless local transport
	return nil
}

// Close closes the connection.
func (s *Transport) Close() error {
	s.mu.RLock()
	handler := s.closeHandler
	s.mu.RUnlock()
	if handler != nil {
		handler()
	}
	return nil
}

// SetErrorHandler sets the callback for when an error occurs.
func (s *Transport) SetErrorHandler(handler func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errorHandler = handler
}

// SetCloseHandler sets the callback for when the connection is closed for any reason.
func (s *Transport) SetCloseHandler(handler func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeHandler = handler
}

// SetMessageHandler sets the callback for when a message is received over the connection.
func (s *Transport) SetMessageHandler(handler func(ctx context.Context, message *transport.BaseJsonRpcMessage)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messageHandler = handler
}

// Send delivers the response to the pending HandleMessage call.
// Notifications are dropped, the stateless transport has no stream to the client.
func (s *Transport) Send(ctx context.Context, message *transport.BaseJsonRpcMessage) error {
	if message.Type == transport.BaseMessageTypeJSONRPCNotificationType {
		logger.ContextKV(ctx, xlog.DEBUG, "reason", "dropped", "method", message.JsonRpcNotification.Method)
		return nil
	}
	key := message.MessageID()

	s.mu.RLock()
	ch := s.responseMap[key]
	s.mu.RUnlock()

	if ch == nil {
		return errors.Errorf("no response channel found for key: %d", key)
	}
	select {
	case ch <- message:
		return nil
	default:
		return errors.Errorf("response already sent for key: %d", key)
	}
}

// HandleMessage processes an incoming message and returns the serialized response,
// nil when the message does not expect a response
func (s *Transport) HandleMessage(ctx context.Context, body []byte) ([]byte, error) {
	msg, rawID, err := transport.ParseMessage(body)
	if err != nil {
		var rpcErr *transport.Error
		if !errors.As(err, &rpcErr) {
			return nil, err
		}
		return errorResponse(rawID, rpcErr)
	}

	s.mu.RLock()
	handler := s.messageHandler
	s.mu.RUnlock()
	if handler == nil {
		return nil, errors.New("transport is not connected")
	}

	if msg.Type != transport.BaseMessageTypeJSONRPCRequestType {
		// notifications, and responses the stateless server never asked for
		if msg.Type == transport.BaseMessageTypeJSONRPCNotificationType {
			if msg.JsonRpcNotification.Method == methodCancelled && !s.mapCancelled(msg.JsonRpcNotification) {
				logger.ContextKV(ctx, xlog.DEBUG, "reason", "unknown_request", "method", methodCancelled)
				return nil, nil
			}
			handler(ctx, msg)
		}
		return nil, nil
	}

	key := transport.RequestId(atomic.AddInt64(&s.atomicCounter, 1))
	cid := clientKey(rawID)
	ch := make(chan *transport.BaseJsonRpcMessage, 1)
	s.mu.Lock()
	s.responseMap[key] = ch
	s.clientIDs[cid] = append(s.clientIDs[cid], key)
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.responseMap, key)
		s.untrack(cid, key)
		s.mu.Unlock()
	}()

	msg.JsonRpcRequest.Id = key
	handler(ctx, msg)

	var response *transport.BaseJsonRpcMessage
	select {
	case response = <-ch:
	case <-ctx.Done():
		return nil, errors.WithStack(ctx.Err())
	}

	data, err := json.Marshal(response)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal response")
	}
	return restoreID(data, rawID)
}

// HandleMCP implements Handler
func (s *Transport) HandleMCP(ctx context.Context, req *McpProxyRequest) (*McpProxyResponse, error) {
	body, err := s.HandleMessage(ctx, req.Body)
	if err != nil {
		return nil, err
	}
	if body == nil {
		return &McpProxyResponse{Status: http.StatusAccepted}, nil
	}
	return &McpProxyResponse{
		Status: http.StatusOK,
		Body:   body,
		Headers: map[string]string{
			"Content-Type": "application/json",
		},
	}, nil
}

// mapCancelled rewrites the client request id of a cancellation to the transport id
// of the in-flight request. It returns false when the id does not match exactly
// one in-flight request, so a cancellation never reaches another caller.
func (s *Transport) mapCancelled(n *transport.BaseJSONRPCNotification) bool {
	id := gjson.GetBytes(n.Params, "requestId")
	if !id.Exists() {
		return false
	}

	s.mu.RLock()
	keys := s.clientIDs[clientKey(json.RawMessage(id.Raw))]
	var key transport.RequestId
	if len(keys) == 1 {
		key = keys[0]
	}
	s.mu.RUnlock()
	if key == 0 {
		return false
	}

	params, err := sjson.SetBytes(n.Params, "requestId", int64(key))
	if err != nil {
		return false
	}
	n.Params = params
	return true
}

// untrack must be called with s.mu held
func (s *Transport) untrack(cid string, key transport.RequestId) {
	keys := s.clientIDs[cid]
	for i, k := range keys {
		if k == key {
			keys = append(keys[:i], keys[i+1:]...)
			break
		}
	}
	if len(keys) == 0 {
		delete(s.clientIDs, cid)
	} else {
		s.clientIDs[cid] = keys
	}
}

func clientKey(rawID json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, rawID); err != nil {
		return string(rawID)
	}
	return buf.String()
}

// restoreID replaces the transport id with the id sent by the client
func restoreID(data []byte, rawID json.RawMessage) ([]byte, error) {
	if len(rawID) == 0 {
		rawID = json.RawMessage("null")
	}
	res, err := sjson.SetRawBytes(data, "id", rawID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to restore request id")
	}
	return res, nil
}

func errorResponse(rawID json.RawMessage, rpcErr *transport.Error) ([]byte, error) {
	data, err := json.Marshal(&transport.BaseJSONRPCError{
		Jsonrpc: "2.0",
		Error: transport.BaseJSONRPCErrorInner{
			Code:    rpcErr.Code,
			Message: rpcErr.Message,
			Data:    rpcErr.Data,
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal error")
	}
	return restoreID(data, rawID)
}
