// Package httptransport serves the stateless MCP transport over HTTP POST
package httptransport

import (
	"io"
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/dssatmcp/mcp/transport/localtransport"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/dssatmcp/mcp/transport", "httptransport")

// DefaultMaxBodySize limits the request body
const DefaultMaxBodySize = 4 << 20

// HTTPTransport implements a stateless HTTP transport for MCP,
// every POST carries one JSON-RPC message and receives its response
type HTTPTransport struct {
	*localtransport.Transport
	maxBodySize int64
}

// ensure HTTPTransport implements http.Handler
var _ http.Handler = (*HTTPTransport)(nil)

// NewHTTPTransport creates a new HTTP transport, mount it with http.Handle
func NewHTTPTransport() *HTTPTransport {
	return &HTTPTransport{
		Transport:   localtransport.New(),
		maxBodySize: DefaultMaxBodySize,
	}
}

// WithMaxBodySize sets the limit of the request body
func (t *HTTPTransport) WithMaxBodySize(n int64) *HTTPTransport {
	if n > 0 {
		t.maxBodySize = n
	}
	return t
}

func (t *HTTPTransport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "Only POST method is supported", http.StatusMethodNotAllowed)
		return
	}

	ctx := r.Context()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, t.maxBodySize))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			http.Error(w, "request body is too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	response, err := t.HandleMessage(ctx, body)
	if err != nil {
		if ctx.Err() != nil {
			logger.ContextKV(ctx, xlog.DEBUG, "reason", "client_gone", "err", err.Error())
			return
		}
		logger.ContextKV(ctx, xlog.ERROR, "reason", "handle", "err", err.Error())
		http.Error(w, "failed to handle message", http.StatusInternalServerError)
		return
	}
	if response == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(response)
}
