package tools

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/dssatmcp/pkg/metricskey"
	"github.com/effective-security/dssatmcp/pkg/toolerr"
	"github.com/effective-security/xlog"
)

// Registry holds the tools by name and dispatches invocations.
// After Seal the registry is read only and safe for concurrent use.
type Registry struct {
	lock      sync.RWMutex
	tools     map[string]ITool
	sealed    bool
	callbacks []Callback
	// redactRoot is removed from error messages
	redactRoot string
}

// Option configures the Registry
type Option func(*Registry)

// WithCallback adds the invocation callback
func WithCallback(cb Callback) Option {
	return func(r *Registry) {
		r.callbacks = append(r.callbacks, cb)
	}
}

// WithRedactedRoot strips the server folder from error messages and details
func WithRedactedRoot(root string) Option {
	return func(r *Registry) {
		r.redactRoot = root
	}
}

// NewRegistry returns a registry with the given tools
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		tools: make(map[string]ITool),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds the tool, names must be unique
func (r *Registry) Register(list ...ITool) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.sealed {
		return errors.New("registry is sealed")
	}
	for _, t := range list {
		name := t.Name()
		if name == "" {
			return errors.New("tool name is required")
		}
		if _, ok := r.tools[name]; ok {
			return errors.Errorf("tool already registered: %s", name)
		}
		r.tools[name] = t
		logger.KV(xlog.DEBUG, "status", "registered", "tool", name)
	}
	return nil
}

// Seal prevents further registrations
func (r *Registry) Seal() {
	r.lock.Lock()
	r.sealed = true
	r.lock.Unlock()
}

// Get returns the tool by name
func (r *Registry) Get(name string) (ITool, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns the tool definitions sorted by name
func (r *Registry) List() []Definition {
	r.lock.RLock()
	defer r.lock.RUnlock()

	list := make([]Definition, 0, len(r.tools))
	for _, t := range r.tools {
		list = append(list, *t.Definition())
	}
	slices.SortFunc(list, func(a, b Definition) int {
		return strings.Compare(a.Name, b.Name)
	})
	return list
}

// Invoke runs the tool and returns exactly one of the result or *toolerr.Error
func (r *Registry) Invoke(ctx context.Context, inv Invocation) (*Result, error) {
	tool, ok := r.Get(inv.Name)
	if !ok {
		metricskey.StatsToolCallsNotFound.IncrCounter(1, inv.Name)
		for _, cb := range r.callbacks {
			cb.OnToolNotFound(ctx, inv.Name)
		}
		return nil, toolerr.UnknownTool(inv.Name)
	}

	started := time.Now()
	defer metricskey.PerfToolCall.MeasureSince(started, inv.Name)

	for _, cb := range r.callbacks {
		cb.OnToolStart(ctx, tool, inv.Arguments)
	}

	out, err := r.call(ctx, tool, inv)
	if err != nil {
		terr := r.toCallerError(ctx, inv.Name, err)
		metricskey.StatsToolCallsFailed.IncrCounter(1, inv.Name, string(terr.Kind))
		for _, cb := range r.callbacks {
			cb.OnToolError(ctx, tool, inv.Arguments, terr)
		}
		return nil, terr
	}

	metricskey.StatsToolCallsSucceeded.IncrCounter(1, inv.Name)
	for _, cb := range r.callbacks {
		cb.OnToolEnd(ctx, tool, inv.Arguments, out)
	}
	return &Result{Tool: inv.Name, Output: out}, nil
}

func (r *Registry) call(ctx context.Context, tool ITool, inv Invocation) (out any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = errors.Errorf("panic in tool %s: %v", inv.Name, rec)
		}
	}()
	return tool.Call(ctx, inv.Arguments)
}

func (r *Registry) toCallerError(ctx context.Context, name string, err error) *toolerr.Error {
	terr := toolerr.From(err)
	if terr.Kind == toolerr.KindInternal {
		logger.ContextKV(ctx, xlog.ERROR,
			"tool", name,
			"err", err.Error(),
		)
	}
	return terr.Redact(r.redactRoot)
}
