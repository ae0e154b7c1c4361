package callbacks

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/effective-security/dssatmcp/pkg/toolerr"
	"github.com/effective-security/dssatmcp/tools"
	"github.com/effective-security/dssatmcp/utils"
	"github.com/effective-security/xlog"
)

// ensure that the callbacks implement the correct interfaces
var (
	_ tools.Callback = (*Noop)(nil)
	_ tools.Callback = (*Printer)(nil)
	_ tools.Callback = (*PackageLogger)(nil)
	_ tools.Callback = (*Fanout)(nil)
	_ tools.Callback = (*Stats)(nil)
)

// Mode defines the mode for callback printing
type Mode int

const (
	// ModeDefault is the default mode for callback printing
	ModeDefault Mode = iota
	// ModeVerbose is the verbose mode for callback printing
	ModeVerbose
)

// Fanout is a callback handler that forwards the events to multiple callbacks.
type Fanout struct {
	callbacks []tools.Callback
}

func NewFanout(callbacks ...tools.Callback) *Fanout {
	return &Fanout{callbacks: callbacks}
}

func (l *Fanout) Add(callback tools.Callback) {
	l.callbacks = append(l.callbacks, callback)
}

func (l *Fanout) OnToolStart(ctx context.Context, tool tools.ITool, args json.RawMessage) {
	for _, callback := range l.callbacks {
		callback.OnToolStart(ctx, tool, args)
	}
}

func (l *Fanout) OnToolEnd(ctx context.Context, tool tools.ITool, args json.RawMessage, output any) {
	for _, callback := range l.callbacks {
		callback.OnToolEnd(ctx, tool, args, output)
	}
}

func (l *Fanout) OnToolError(ctx context.Context, tool tools.ITool, args json.RawMessage, err *toolerr.Error) {
	for _, callback := range l.callbacks {
		callback.OnToolError(ctx, tool, args, err)
	}
}

func (l *Fanout) OnToolNotFound(ctx context.Context, name string) {
	for _, callback := range l.callbacks {
		callback.OnToolNotFound(ctx, name)
	}
}

// Noop does nothing.
type Noop struct{}

func NewNoop() *Noop {
	return &Noop{}
}

func (l *Noop) OnToolStart(ctx context.Context, tool tools.ITool, args json.RawMessage) {}
func (l *Noop) OnToolEnd(ctx context.Context, tool tools.ITool, args json.RawMessage, output any) {
}
func (l *Noop) OnToolError(ctx context.Context, tool tools.ITool, args json.RawMessage, err *toolerr.Error) {
}
func (l *Noop) OnToolNotFound(ctx context.Context, name string) {}

// Printer is a callback handler that prints to the Writer.
type Printer struct {
	Out  io.Writer
	Mode Mode

	lock sync.Mutex
}

func NewPrinter(out io.Writer, mode Mode) *Printer {
	return &Printer{Out: out, Mode: mode}
}

func (l *Printer) OnToolStart(ctx context.Context, tool tools.ITool, args json.RawMessage) {
	l.lock.Lock()
	defer l.lock.Unlock()
	fmt.Fprintf(l.Out, "Tool Start: %s\n", tool.Name())
	fmt.Fprintf(l.Out, "Arguments: %s\n", string(args))
}

func (l *Printer) OnToolEnd(ctx context.Context, tool tools.ITool, args json.RawMessage, output any) {
	l.lock.Lock()
	defer l.lock.Unlock()
	fmt.Fprintf(l.Out, "Tool End: %s\n", tool.Name())
	if l.Mode == ModeVerbose {
		fmt.Fprintf(l.Out, "Output: %s\n", utils.ToJSON(output))
	}
}

func (l *Printer) OnToolError(ctx context.Context, tool tools.ITool, args json.RawMessage, err *toolerr.Error) {
	l.lock.Lock()
	defer l.lock.Unlock()
	fmt.Fprintf(l.Out, "Tool Error: %s: %s\n", tool.Name(), err.Error())
	if l.Mode == ModeVerbose && err.Detail != nil {
		fmt.Fprintf(l.Out, "Detail:\n%s", utils.ToYAML(err.Detail))
	}
}

func (l *Printer) OnToolNotFound(ctx context.Context, name string) {
	l.lock.Lock()
	defer l.lock.Unlock()
	fmt.Fprintf(l.Out, "Tool Not Found: %s\n", name)
}

// PackageLogger is a callback handler that prints to the logger.
type PackageLogger struct {
	logger *xlog.PackageLogger
}

func NewPackageLogger(logger *xlog.PackageLogger) *PackageLogger {
	return &PackageLogger{logger: logger}
}

func (l *PackageLogger) OnToolStart(ctx context.Context, tool tools.ITool, args json.RawMessage) {
	l.logger.ContextKV(ctx, xlog.DEBUG,
		"event", "tool_start",
		"tool", tool.Name(),
		"args", string(args),
	)
}

func (l *PackageLogger) OnToolEnd(ctx context.Context, tool tools.ITool, args json.RawMessage, output any) {
	l.logger.ContextKV(ctx, xlog.INFO,
		"event", "tool_end",
		"tool", tool.Name(),
	)
}

func (l *PackageLogger) OnToolError(ctx context.Context, tool tools.ITool, args json.RawMessage, err *toolerr.Error) {
	l.logger.ContextKV(ctx, xlog.ERROR,
		"event", "tool_error",
		"tool", tool.Name(),
		"kind", err.Kind,
		"err", err.Message,
	)
}

func (l *PackageLogger) OnToolNotFound(ctx context.Context, name string) {
	l.logger.ContextKV(ctx, xlog.WARNING,
		"event", "tool_not_found",
		"tool", name,
	)
}
