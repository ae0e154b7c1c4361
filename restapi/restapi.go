// Package restapi serves the tools over plain HTTP routes:
//
//	GET  /tools/list
//	POST /tools/call/{tool}
//	GET  /healthz
//	GET  /leases
package restapi

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/dssatmcp/callbacks"
	"github.com/effective-security/dssatmcp/pkg/toolerr"
	"github.com/effective-security/dssatmcp/store"
	"github.com/effective-security/dssatmcp/tools"
	"github.com/effective-security/xlog"
	"golang.org/x/time/rate"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/dssatmcp", "restapi")

// DefaultMaxBodySize limits the tool call body
const DefaultMaxBodySize = 1 << 20

// Routes
const (
	PathListTools = "/tools/list"
	PathCallTool  = "/tools/call/{tool}"
	PathHealth    = "/healthz"
	PathLeases    = "/leases"
)

// Server is the REST surface of the tool registry
type Server struct {
	registry    *tools.Registry
	stats       *callbacks.Stats
	leases      store.LeaseStore
	limiter     *rate.Limiter
	maxBodySize int64
	started     time.Time
}

// Option configures the Server
type Option func(*Server)

// WithStats exposes the invocation stats on /healthz
func WithStats(stats *callbacks.Stats) Option {
	return func(s *Server) {
		s.stats = stats
	}
}

// WithLeases exposes the live folder leases on /leases
func WithLeases(leases store.LeaseStore) Option {
	return func(s *Server) {
		s.leases = leases
	}
}

// WithRateLimit limits the tool calls to rps requests per second,
// rps <= 0 disables the limit
func WithRateLimit(rps float64, burst int) Option {
	return func(s *Server) {
		if rps <= 0 {
			s.limiter = nil
			return
		}
		if burst < 1 {
			burst = max(1, int(rps))
		}
		s.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithMaxBodySize sets the limit of the tool call body
func WithMaxBodySize(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxBodySize = n
		}
	}
}

// New returns the REST server
func New(registry *tools.Registry, opts ...Option) *Server {
	s := &Server{
		registry:    registry,
		maxBodySize: DefaultMaxBodySize,
		started:     time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds the routes to the mux
func (s *Server) Register(mux *http.ServeMux) {
	mux.Handle("GET "+PathListTools, s.limit(http.HandlerFunc(s.listTools)))
	mux.Handle("POST "+PathCallTool, s.limit(http.HandlerFunc(s.callTool)))
	mux.HandleFunc("GET "+PathHealth, s.health)
	if s.leases != nil {
		mux.HandleFunc("GET "+PathLeases, s.listLeases)
	}
}

// Handler returns a new mux with the routes
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.Register(mux)
	return mux
}

func (s *Server) limit(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"error": map[string]string{"message": "too many requests"},
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) listTools(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.List())
}

func (s *Server) callTool(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := r.PathValue("tool")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBodySize))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, toolerr.InvalidArguments("", "request body is too large"))
			return
		}
		writeError(w, toolerr.InvalidArguments("", "failed to read request body"))
		return
	}
	if len(body) == 0 {
		body = []byte("{}")
	}

	res, err := s.registry.Invoke(ctx, tools.Invocation{
		Name:      name,
		Arguments: body,
	})
	if err != nil {
		terr := toolerr.From(err)
		if ctx.Err() != nil {
			logger.ContextKV(ctx, xlog.DEBUG, "reason", "client_gone", "tool", name)
		}
		writeError(w, terr)
		return
	}
	writeJSON(w, http.StatusOK, res.Output)
}

// HealthResponse is returned by /healthz
type HealthResponse struct {
	Status string              `json:"status"`
	Uptime string              `json:"uptime"`
	Tools  []string            `json:"tools"`
	Stats  *callbacks.RunStats `json:"stats,omitempty"`
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	res := HealthResponse{
		Status: "ok",
		Uptime: time.Since(s.started).Truncate(time.Second).String(),
	}
	for _, d := range s.registry.List() {
		res.Tools = append(res.Tools, d.Name)
	}
	if s.stats != nil {
		st := s.stats.GetStats()
		res.Stats = &st
	}
	writeJSON(w, http.StatusOK, res)
}

// LeasesResponse is returned by /leases
type LeasesResponse struct {
	Leases []store.Lease `json:"leases"`
}

func (s *Server) listLeases(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	list, err := s.leases.List(ctx)
	if err != nil {
		logger.ContextKV(ctx, xlog.ERROR, "reason", "list_leases", "err", err.Error())
		writeError(w, toolerr.StorageUnavailable(err, "failed to list leases"))
		return
	}
	if list == nil {
		list = []store.Lease{}
	}
	writeJSON(w, http.StatusOK, LeasesResponse{Leases: list})
}

// StatusCode returns HTTP status for the error kind
func StatusCode(kind toolerr.Kind) int {
	switch kind {
	case toolerr.KindInvalidArguments:
		return http.StatusBadRequest
	case toolerr.KindUnknownTool, toolerr.KindObjectNotFound:
		return http.StatusNotFound
	case toolerr.KindDirectoryConflict:
		return http.StatusConflict
	case toolerr.KindVerificationFailed:
		return http.StatusUnprocessableEntity
	case toolerr.KindSimulationTimeout:
		return http.StatusGatewayTimeout
	case toolerr.KindStorageUnavailable:
		return http.StatusServiceUnavailable
	case toolerr.KindUploadFailed:
		return http.StatusBadGateway
	case toolerr.KindUnauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// ErrorResponse is the body of failed calls
type ErrorResponse struct {
	Error *toolerr.Error `json:"error"`
}

func writeError(w http.ResponseWriter, terr *toolerr.Error) {
	if terr.Kind.Retryable() {
		w.Header().Set("Retry-After", "5")
	}
	writeJSON(w, StatusCode(terr.Kind), ErrorResponse{Error: terr})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.KV(xlog.DEBUG, "reason", "encode", "err", err.Error())
	}
}
