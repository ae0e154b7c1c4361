package localtransport

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/dssatmcp/mcp/transport"
)

type McpProxyRequest struct {
	Body    []byte            `json:"body"`
	Headers map[string]string `json:"headers"`
}

type McpProxyResponse struct {
	Status  int               `json:"status"`
	Body    []byte            `json:"body"`
	Headers map[string]string `json:"headers"`
}

// Handler is an interface for handling MCP requests using local transport or proxy
type Handler interface {
	HandleMCP(ctx context.Context, req *McpProxyRequest) (*McpProxyResponse, error)
}

// LocalMcpClientTransport implements a client-side transport calling Handler in process
type LocalMcpClientTransport struct {
	messageHandler func(ctx context.Context, message *transport.BaseJsonRpcMessage)
	errorHandler   func(error)
	closeHandler   func()
	mu             sync.RWMutex
	handler        Handler
	headers        map[string]string
}

// NewLocalClientTransport creates a new client transport that sends the messages to the handler
func NewLocalClientTransport(handler Handler) *LocalMcpClientTransport {
	return &LocalMcpClientTransport{
		handler: handler,
		headers: make(map[string]string),
	}
}

// WithHeader adds a header to the request
func (t *LocalMcpClientTransport) WithHeader(key, value string) *LocalMcpClientTransport {
	t.headers[key] = value
	return t
}

// Start implements Transport.Start
func (t *LocalMcpClientTransport) Start(ctx context.Context) error {
	// Does nothing in the stateless client transport
	return nil
}

// Send implements Transport.Send
func (t *LocalMcpClientTransport) Send(ctx context.Context, message *transport.BaseJsonRpcMessage) error {
	jsonData, err := json.Marshal(message)
	if err != nil {
		return errors.Wrap(err, "failed to marshal message")
	}

	resp, err := t.handler.HandleMCP(ctx, &McpProxyRequest{
		Body:    jsonData,
		Headers: t.headers,
	})
	if err != nil {
		return err
	}

	switch resp.Status {
	case http.StatusOK:
	case http.StatusAccepted, http.StatusNoContent:
		return nil
	default:
		return errors.Errorf("server returned error: %d", resp.Status)
	}
	if len(resp.Body) == 0 {
		return nil
	}

	msg, rawID, err := transport.ParseMessage(resp.Body)
	if err != nil {
		return errors.WithMessage(err, "received invalid response")
	}

	var id transport.RequestId
	if len(rawID) > 0 && string(rawID) != "null" {
		if err = json.Unmarshal(rawID, &id); err != nil {
			return errors.Errorf("received unexpected id: %s", string(rawID))
		}
	}
	switch msg.Type {
	case transport.BaseMessageTypeJSONRPCResponseType:
		msg.JsonRpcResponse.Id = id
	case transport.BaseMessageTypeJSONRPCErrorType:
		msg.JsonRpcError.Id = id
	case transport.BaseMessageTypeJSONRPCRequestType:
		msg.JsonRpcRequest.Id = id
	}

	t.mu.RLock()
	handler := t.messageHandler
	t.mu.RUnlock()
	if handler != nil {
		handler(ctx, msg)
	}
	return nil
}

// Close implements Transport.Close
func (t *LocalMcpClientTransport) Close() error {
	t.mu.RLock()
	handler := t.closeHandler
	t.mu.RUnlock()
	if handler != nil {
		handler()
	}
	return nil
}

// SetCloseHandler implements Transport.SetCloseHandler
func (t *LocalMcpClientTransport) SetCloseHandler(handler func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeHandler = handler
}

// SetErrorHandler implements Transport.SetErrorHandler
func (t *LocalMcpClientTransport) SetErrorHandler(handler func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.errorHandler = handler
}

// SetMessageHandler implements Transport.SetMessageHandler
func (t *LocalMcpClientTransport) SetMessageHandler(handler func(ctx context.Context, message *transport.BaseJsonRpcMessage)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.messageHandler = handler
}
