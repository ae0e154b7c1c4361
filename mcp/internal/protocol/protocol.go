// Package protocol implements the JSON-RPC layer of the MCP server and client.
// It handles the protocol-level concerns of JSON-RPC messaging:
// request/response correlation, request cancellation and error propagation.
//
// Thread Safety:
//   - All public methods are thread-safe
//   - Uses sync.RWMutex for state protection
//   - Safe for concurrent requests and handlers
//
// Usage:
//
//	p := protocol.NewProtocol(nil)
//	p.SetRequestHandler("ping", handler)
//	_ = p.Connect(transport)
//	defer p.Close()
//
//	res, err := p.Request(ctx, "ping", nil, nil)
package protocol

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/dssatmcp/mcp/transport"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/dssatmcp/mcp/internal", "protocol")

const DefaultRequestTimeout = 60 * time.Second

// RequestHandler handles a request, the returned error is sent as the error response.
// *transport.Error is sent with its code and data, any other error as InternalError.
type RequestHandler func(ctx context.Context, request *transport.BaseJSONRPCRequest) (transport.JsonRpcBody, error)

// NotificationHandler handles a notification
type NotificationHandler func(ctx context.Context, notification *transport.BaseJSONRPCNotification) error

// ProtocolOptions contains additional initialization options
type ProtocolOptions struct {
	// RequestTimeout is the default timeout of the outgoing requests
	RequestTimeout time.Duration
}

// RequestOptions contains options that can be given per request
type RequestOptions struct {
	// Timeout specifies a timeout for this request,
	// if not specified the protocol default is used
	Timeout time.Duration
}

// Protocol implements MCP protocol framing on top of a pluggable transport
type Protocol struct {
	transport transport.Transport
	options   ProtocolOptions

	requestMessageID transport.RequestId
	mu               sync.RWMutex

	// Maps method name to request handler
	requestHandlers map[string]RequestHandler
	// Maps request ID to cancellation function
	requestCancellers map[transport.RequestId]context.CancelFunc
	// Maps method name to notification handler
	notificationHandlers map[string]NotificationHandler
	// Maps message ID to response handler
	responseHandlers map[transport.RequestId]chan *responseEnvelope

	// Callback for when the connection is closed for any reason
	OnClose func()
	// Callback for when an error occurs
	OnError func(error)
}

type responseEnvelope struct {
	response json.RawMessage
	err      error
}

// NewProtocol creates a new Protocol instance
func NewProtocol(options *ProtocolOptions) *Protocol {
	p := &Protocol{
		requestHandlers:      make(map[string]RequestHandler),
		requestCancellers:    make(map[transport.RequestId]context.CancelFunc),
		notificationHandlers: make(map[string]NotificationHandler),
		responseHandlers:     make(map[transport.RequestId]chan *responseEnvelope),
	}
	if options != nil {
		p.options = *options
	}
	if p.options.RequestTimeout <= 0 {
		p.options.RequestTimeout = DefaultRequestTimeout
	}

	p.SetNotificationHandler("notifications/cancelled", p.handleCancelledNotification)
	return p
}

// Connect attaches to the given transport, starts it, and starts listening for messages
func (p *Protocol) Connect(tr transport.Transport) error {
	p.transport = tr

	tr.SetCloseHandler(p.handleClose)
	tr.SetErrorHandler(p.handleError)
	tr.SetMessageHandler(func(ctx context.Context, message *transport.BaseJsonRpcMessage) {
		switch message.Type {
		case transport.BaseMessageTypeJSONRPCRequestType:
			p.handleRequest(ctx, message.JsonRpcRequest)
		case transport.BaseMessageTypeJSONRPCNotificationType:
			p.handleNotification(ctx, message.JsonRpcNotification)
		case transport.BaseMessageTypeJSONRPCResponseType:
			r := message.JsonRpcResponse
			p.handleResponse(r.Id, &responseEnvelope{response: r.Result})
		case transport.BaseMessageTypeJSONRPCErrorType:
			e := message.JsonRpcError
			p.handleResponse(e.Id, &responseEnvelope{
				err: &transport.Error{Code: e.Error.Code, Message: e.Error.Message, Data: e.Error.Data},
			})
		}
	})

	return tr.Start(context.Background())
}

func (p *Protocol) handleClose() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, cancel := range p.requestCancellers {
		cancel()
	}
	for id, ch := range p.responseHandlers {
		select {
		case ch <- &responseEnvelope{err: errors.New("connection closed")}:
		default:
		}
		delete(p.responseHandlers, id)
	}

	if p.OnClose != nil {
		p.OnClose()
	}
}

func (p *Protocol) handleError(err error) {
	logger.KV(xlog.DEBUG, "err", err.Error())
	if p.OnError != nil {
		p.OnError(err)
	}
}

func (p *Protocol) handleNotification(ctx context.Context, notification *transport.BaseJSONRPCNotification) {
	logger.ContextKV(ctx, xlog.DEBUG, "method", notification.Method)

	p.mu.RLock()
	handler := p.notificationHandlers[notification.Method]
	p.mu.RUnlock()

	if handler == nil {
		return
	}

	// the notification outlives the request of a stateless transport
	ctx = context.WithoutCancel(ctx)
	go func() {
		if err := handler(ctx, notification); err != nil {
			p.handleError(errors.WithMessagef(err, "notification handler %s", notification.Method))
		}
	}()
}

func (p *Protocol) handleRequest(ctx context.Context, request *transport.BaseJSONRPCRequest) {
	logger.ContextKV(ctx, xlog.DEBUG,
		"method", request.Method,
		"id", request.Id,
	)

	p.mu.RLock()
	handler := p.requestHandlers[request.Method]
	p.mu.RUnlock()
	if handler == nil {
		handler = func(_ context.Context, req *transport.BaseJSONRPCRequest) (transport.JsonRpcBody, error) {
			return nil, transport.NewError(transport.MethodNotFound, "method not found: "+req.Method)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.requestCancellers[request.Id] = cancel
	p.mu.Unlock()

	go func() {
		defer func() {
			p.mu.Lock()
			delete(p.requestCancellers, request.Id)
			p.mu.Unlock()
			cancel()
		}()

		result, err := p.callHandler(ctx, handler, request)
		if err != nil {
			logger.ContextKV(ctx, xlog.DEBUG, "method", request.Method, "id", request.Id, "err", err.Error())
			p.sendErrorResponse(ctx, request.Id, err)
			return
		}

		jsonResult, err := json.Marshal(result)
		if err != nil {
			p.sendErrorResponse(ctx, request.Id, errors.Wrap(err, "failed to marshal result"))
			return
		}
		response := &transport.BaseJSONRPCResponse{
			Jsonrpc: "2.0",
			Id:      request.Id,
			Result:  jsonResult,
		}

		if err := p.transport.Send(ctx, transport.NewBaseMessageResponse(response)); err != nil {
			p.handleError(errors.Wrap(err, "failed to send response"))
		}
	}()
}

func (p *Protocol) callHandler(ctx context.Context, handler RequestHandler, request *transport.BaseJSONRPCRequest) (res transport.JsonRpcBody, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = errors.Errorf("panic in %s handler: %v", request.Method, rec)
		}
	}()
	return handler(ctx, request)
}

func (p *Protocol) handleCancelledNotification(_ context.Context, notification *transport.BaseJSONRPCNotification) error {
	var params struct {
		RequestId transport.RequestId `json:"requestId"`
		Reason    string              `json:"reason"`
	}

	if err := json.Unmarshal(notification.Params, &params); err != nil {
		return errors.Wrap(err, "failed to unmarshal cancelled params")
	}

	p.mu.RLock()
	cancel := p.requestCancellers[params.RequestId]
	p.mu.RUnlock()

	if cancel != nil {
		logger.KV(xlog.DEBUG, "status", "cancelled", "id", params.RequestId, "reason", params.Reason)
		cancel()
	}
	return nil
}

func (p *Protocol) handleResponse(id transport.RequestId, envelope *responseEnvelope) {
	p.mu.RLock()
	ch := p.responseHandlers[id]
	p.mu.RUnlock()

	if ch == nil {
		logger.KV(xlog.DEBUG, "reason", "no_handler", "id", id)
		return
	}
	select {
	case ch <- envelope:
	default:
		// duplicate response
	}
}

// Close closes the connection
func (p *Protocol) Close() error {
	if p.transport != nil {
		return p.transport.Close()
	}
	return nil
}

// Request sends a request and waits for a response
func (p *Protocol) Request(ctx context.Context, method string, params any, opts *RequestOptions) (json.RawMessage, error) {
	if p.transport == nil {
		return nil, errors.New("not connected")
	}

	timeout := p.options.RequestTimeout
	if opts != nil && opts.Timeout > 0 {
		timeout = opts.Timeout
	}

	p.mu.Lock()
	p.requestMessageID++
	id := p.requestMessageID
	ch := make(chan *responseEnvelope, 1)
	p.responseHandlers[id] = ch
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.responseHandlers, id)
		p.mu.Unlock()
	}()

	var marshalledParams json.RawMessage
	if params != nil {
		var err error
		marshalledParams, err = json.Marshal(params)
		if err != nil {
			return nil, errors.Wrap(err, "failed to marshal params")
		}
	}

	request := &transport.BaseJSONRPCRequest{
		Jsonrpc: "2.0",
		Method:  method,
		Params:  marshalledParams,
		Id:      id,
	}

	if err := p.transport.Send(ctx, transport.NewBaseMessageRequest(request)); err != nil {
		return nil, errors.Wrap(err, "failed to send request")
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case envelope := <-ch:
		if envelope.err != nil {
			return nil, envelope.err
		}
		return envelope.response, nil
	case <-ctx.Done():
		p.sendCancelNotification(id, ctx.Err().Error())
		return nil, ctx.Err()
	case <-timer.C:
		p.sendCancelNotification(id, "request timeout")
		return nil, errors.Errorf("request timeout after %v", timeout)
	}
}

func (p *Protocol) sendCancelNotification(requestID transport.RequestId, reason string) {
	params := map[string]any{
		"requestId": requestID,
		"reason":    reason,
	}
	if err := p.Notification("notifications/cancelled", params); err != nil {
		p.handleError(errors.WithMessage(err, "failed to send cancel notification"))
	}
}

func (p *Protocol) sendErrorResponse(ctx context.Context, requestID transport.RequestId, err error) {
	inner := transport.BaseJSONRPCErrorInner{
		Code:    transport.InternalError,
		Message: "internal error",
	}
	var rpcErr *transport.Error
	if errors.As(err, &rpcErr) {
		inner.Code = rpcErr.Code
		inner.Message = rpcErr.Message
		inner.Data = rpcErr.Data
	} else {
		logger.ContextKV(ctx, xlog.ERROR, "id", requestID, "err", err.Error())
	}

	response := &transport.BaseJSONRPCError{
		Jsonrpc: "2.0",
		Id:      requestID,
		Error:   inner,
	}
	if err := p.transport.Send(ctx, transport.NewBaseMessageError(response)); err != nil {
		p.handleError(errors.Wrap(err, "failed to send error response"))
	}
}

// Notification emits a notification, which is a one-way message that does not expect a response
func (p *Protocol) Notification(method string, params any) error {
	if p.transport == nil {
		return errors.New("not connected")
	}

	marshalled, err := json.Marshal(params)
	if err != nil {
		return errors.Wrap(err, "failed to marshal notification params")
	}

	notification := &transport.BaseJSONRPCNotification{
		Jsonrpc: "2.0",
		Method:  method,
		Params:  marshalled,
	}
	return p.transport.Send(context.Background(), transport.NewBaseMessageNotification(notification))
}

// SetRequestHandler registers a handler to invoke when this protocol object receives a request with the given method
func (p *Protocol) SetRequestHandler(method string, handler RequestHandler) {
	p.mu.Lock()
	p.requestHandlers[method] = handler
	p.mu.Unlock()
}

// RemoveRequestHandler removes the request handler for the given method
func (p *Protocol) RemoveRequestHandler(method string) {
	p.mu.Lock()
	delete(p.requestHandlers, method)
	p.mu.Unlock()
}

// SetNotificationHandler registers a handler to invoke when this protocol object receives a notification with the given method
func (p *Protocol) SetNotificationHandler(method string, handler NotificationHandler) {
	p.mu.Lock()
	p.notificationHandlers[method] = handler
	p.mu.Unlock()
}
