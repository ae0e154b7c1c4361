package simulation

import (
	"context"
	"os/exec"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

// Command is a single engine invocation
type Command struct {
	Exe  string
	Args []string
	// Dir is the working directory of the process
	Dir string
	// MaxOutput limits the captured stdout and stderr, the tail is kept
	MaxOutput int
}

// Output is the outcome of a finished process
type Output struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Engine runs the simulation executable
type Engine interface {
	// Run executes the command and returns its output.
	// A non-zero exit code is not an error,
	// err is non-nil only when the process could not run or was killed by ctx.
	Run(ctx context.Context, cmd Command) (*Output, error)
}

// ExecEngine runs the command as a subprocess
type ExecEngine struct {
	// WaitDelay bounds the wait for the output pipes after the process is killed
	WaitDelay time.Duration
}

// NewExecEngine returns Engine backed by os/exec
func NewExecEngine() *ExecEngine {
	return &ExecEngine{WaitDelay: 5 * time.Second}
}

func (e *ExecEngine) Run(ctx context.Context, c Command) (*Output, error) {
	cmd := exec.CommandContext(ctx, c.Exe, c.Args...)
	cmd.Dir = c.Dir
	cmd.WaitDelay = e.WaitDelay

	stdout := newTailBuffer(c.MaxOutput)
	stderr := newTailBuffer(c.MaxOutput)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()
	out := &Output{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: -1,
	}
	if err != nil {
		if ctx.Err() != nil {
			return out, errors.WithStack(ctx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			out.ExitCode = exitErr.ExitCode()
			return out, nil
		}
		return out, errors.Wrapf(err, "unable to run %s", c.Exe)
	}
	out.ExitCode = 0
	return out, nil
}

// tailBuffer keeps the last max bytes written
type tailBuffer struct {
	lock sync.Mutex
	max  int
	buf  []byte
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.lock.Lock()
	defer b.lock.Unlock()

	n := len(p)
	if b.max <= 0 {
		b.buf = append(b.buf, p...)
		return n, nil
	}
	if len(p) >= b.max {
		b.buf = append(b.buf[:0], p[len(p)-b.max:]...)
		return n, nil
	}
	if over := len(b.buf) + len(p) - b.max; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	b.buf = append(b.buf, p...)
	return n, nil
}

func (b *tailBuffer) String() string {
	b.lock.Lock()
	defer b.lock.Unlock()
	return string(b.buf)
}
