package simulation_test

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/dssatmcp/pkg/toolerr"
	"github.com/effective-security/dssatmcp/simulation"
	"github.com/effective-security/dssatmcp/workdir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEngine is a shell script acting as the simulation engine:
// it prints the arguments, copies expected.sum to SUMMARY.OUT,
// fails for FAIL* files and hangs for SLOW* files
const fakeEngine = `#!/bin/sh
echo "mode=$1 file=$2"
case "$2" in
  FAIL*) echo "fatal: invalid crop" >&2; exit 3;;
  SLOW*) exec sleep 30;;
esac
if [ -f expected.sum ]; then cp expected.sum SUMMARY.OUT; fi
echo "done" >&2
`

func writeEngine(t *testing.T) string {
	if runtime.GOOS == "windows" {
		t.Skip("shell script engine is not supported on windows")
	}
	p := filepath.Join(t.TempDir(), "dscsm048")
	require.NoError(t, os.WriteFile(p, []byte(fakeEngine), 0o755))
	return p
}

func newFolder(t *testing.T, files map[string]string) *workdir.Dir {
	m, err := workdir.New(t.TempDir(), nil, 0)
	require.NoError(t, err)
	d, err := m.Ensure(context.Background(), "EXP_1", "test")
	require.NoError(t, err)
	t.Cleanup(func() { m.Release(context.Background(), d) })
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(d.Path, name), []byte(content), 0o644))
	}
	return d
}

type countingEngine struct {
	calls int
}

func (e *countingEngine) Run(context.Context, simulation.Command) (*simulation.Output, error) {
	e.calls++
	return &simulation.Output{}, nil
}

func TestNewRunner(t *testing.T) {
	_, err := simulation.NewRunner(nil, simulation.Config{})
	assert.EqualError(t, err, "simulation executable is required")
}

func TestRunner(t *testing.T) {
	ctx := context.Background()
	exe := writeEngine(t)
	r, err := simulation.NewRunner(simulation.NewExecEngine(), simulation.Config{
		Executable:  exe,
		Timeout:     time.Minute,
		MaxLogBytes: 1000,
	})
	require.NoError(t, err)

	t.Run("success", func(t *testing.T) {
		d := newFolder(t, map[string]string{
			"SWSW7501.WHX": "*EXP.DETAILS: SWSW7501WH",
			"expected.sum": summaryContent(),
		})
		res, err := r.Run(ctx, d, "SWSW7501.WHX")
		require.NoError(t, err)
		assert.Equal(t, 0, res.ExitCode)
		assert.Equal(t, "mode=A file=SWSW7501.WHX\n", res.Stdout)
		assert.Equal(t, "done\n", res.Stderr)
		assert.Equal(t, "mode=A file=SWSW7501.WHX\n\ndone\n", res.Log)
		require.NotNil(t, res.Summary)
		assert.Equal(t, 3, res.Summary.Treatments)
		assert.FileExists(t, filepath.Join(d.Path, "SUMMARY.OUT"))
	})

	t.Run("no summary", func(t *testing.T) {
		d := newFolder(t, map[string]string{"SWSW7501.WHX": "*EXP.DETAILS"})
		res, err := r.Run(ctx, d, "SWSW7501.WHX")
		require.NoError(t, err)
		assert.Nil(t, res.Summary)
	})

	t.Run("failed", func(t *testing.T) {
		d := newFolder(t, map[string]string{"FAIL0001.WHX": "*EXP.DETAILS"})
		_, err := r.Run(ctx, d, "FAIL0001.WHX")
		require.Error(t, err)
		assert.True(t, errors.Is(err, toolerr.ErrSimulationFailed))
		te := err.(*toolerr.Error)
		assert.Equal(t, "simulation exited with code 3", te.Message)
		res, ok := te.Detail.(*simulation.Result)
		require.True(t, ok)
		assert.Equal(t, 3, res.ExitCode)
		assert.Contains(t, res.Log, "fatal: invalid crop")
	})

	t.Run("unable to start", func(t *testing.T) {
		r2, err := simulation.NewRunner(nil, simulation.Config{Executable: filepath.Join(t.TempDir(), "missing")})
		require.NoError(t, err)
		d := newFolder(t, map[string]string{"SWSW7501.WHX": "*EXP.DETAILS"})
		_, err = r2.Run(ctx, d, "SWSW7501.WHX")
		assert.True(t, errors.Is(err, toolerr.ErrSimulationFailed))
		assert.NotContains(t, err.Error(), "missing")
	})
}

func TestRunnerTimeout(t *testing.T) {
	exe := writeEngine(t)
	engine := simulation.NewExecEngine()
	engine.WaitDelay = 100 * time.Millisecond
	r, err := simulation.NewRunner(engine, simulation.Config{
		Executable: exe,
		Timeout:    300 * time.Millisecond,
	})
	require.NoError(t, err)

	d := newFolder(t, map[string]string{"SLOW0001.WHX": "*EXP.DETAILS"})
	started := time.Now()
	_, err = r.Run(context.Background(), d, "SLOW0001.WHX")
	require.Error(t, err)
	assert.True(t, errors.Is(err, toolerr.ErrSimulationTimeout), err.Error())
	assert.Less(t, time.Since(started), 10*time.Second)

	// caller cancellation is not a timeout
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	r2, err := simulation.NewRunner(engine, simulation.Config{Executable: exe, Timeout: time.Minute})
	require.NoError(t, err)
	_, err = r2.Run(ctx, d, "SLOW0001.WHX")
	require.Error(t, err)
	assert.True(t, errors.Is(err, toolerr.ErrSimulationFailed), err.Error())
}

func TestRunnerPreconditions(t *testing.T) {
	ctx := context.Background()
	engine := &countingEngine{}
	r, err := simulation.NewRunner(engine, simulation.Config{Executable: "/opt/dssat/dscsm048"})
	require.NoError(t, err)

	for _, name := range []string{"", "../a.WHX", "sub/a.WHX", "..", "a\\b.WHX"} {
		_, err = r.Run(ctx, newFolder(t, nil), name)
		assert.True(t, errors.Is(err, toolerr.ErrInvalidArguments), name)
	}

	_, err = r.Run(ctx, newFolder(t, nil), "SWSW7501.WHX")
	assert.True(t, errors.Is(err, toolerr.ErrVerificationFailed))
	assert.Contains(t, err.Error(), "is empty")

	d := newFolder(t, map[string]string{"SWSW7501.WTH": "weather", "EMPTY.WHX": ""})
	_, err = r.Run(ctx, d, "SWSW7501.WHX")
	assert.True(t, errors.Is(err, toolerr.ErrVerificationFailed))
	assert.Contains(t, err.Error(), "not found")

	_, err = r.Run(ctx, d, "EMPTY.WHX")
	assert.True(t, errors.Is(err, toolerr.ErrVerificationFailed))

	require.NoError(t, os.Mkdir(filepath.Join(d.Path, "DIR.WHX"), 0o755))
	_, err = r.Run(ctx, d, "DIR.WHX")
	assert.True(t, errors.Is(err, toolerr.ErrVerificationFailed))
	assert.False(t, strings.Contains(err.Error(), d.Path))

	// the engine was never started
	assert.Equal(t, 0, engine.calls)

	_, err = r.Run(ctx, newFolder(t, map[string]string{"SWSW7501.WHX": "x"}), "SWSW7501.WHX")
	require.NoError(t, err)
	assert.Equal(t, 1, engine.calls)
}
