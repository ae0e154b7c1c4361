// Package simulation runs the crop simulation engine in a working folder
// and extracts the key metrics of the run.
package simulation

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/dssatmcp/pkg/metricskey"
	"github.com/effective-security/dssatmcp/pkg/toolerr"
	"github.com/effective-security/dssatmcp/utils"
	"github.com/effective-security/dssatmcp/workdir"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/dssatmcp", "simulation")

// Defaults
const (
	DefaultMode        = "A"
	DefaultTimeout     = 600 * time.Second
	DefaultMaxLogBytes = 10000
	DefaultSummaryFile = "SUMMARY.OUT"
)

// Config of the Runner
type Config struct {
	// Executable is the path to the simulation engine
	Executable string
	// Mode is the run mode argument passed before the experiment file
	Mode string
	// Timeout is the wall clock limit of a run
	Timeout time.Duration
	// MaxLogBytes is the captured tail of stdout and stderr
	MaxLogBytes int
	// SummaryFile is the name of the summary output in the folder
	SummaryFile string
}

// Result of a simulation run
type Result struct {
	ExitCode   int      `json:"exit_code"`
	Stdout     string   `json:"stdout"`
	Stderr     string   `json:"stderr"`
	Log        string   `json:"log"`
	Summary    *Summary `json:"summary,omitempty"`
	DurationMS int64    `json:"duration_ms"`
}

// Redact implements toolerr.Redactor, the engine output echoes the folder path
func (r *Result) Redact(strip func(string) string) any {
	c := *r
	c.Stdout = strip(r.Stdout)
	c.Stderr = strip(r.Stderr)
	c.Log = strip(r.Log)
	return &c
}

// Runner runs the engine against an experiment file
type Runner struct {
	engine Engine
	cfg    Config
}

// NewRunner returns Runner
func NewRunner(engine Engine, cfg Config) (*Runner, error) {
	if cfg.Executable == "" {
		return nil, errors.New("simulation executable is required")
	}
	if engine == nil {
		engine = NewExecEngine()
	}
	if cfg.Mode == "" {
		cfg.Mode = DefaultMode
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxLogBytes <= 0 {
		cfg.MaxLogBytes = DefaultMaxLogBytes
	}
	if cfg.SummaryFile == "" {
		cfg.SummaryFile = DefaultSummaryFile
	}
	return &Runner{
		engine: engine,
		cfg:    cfg,
	}, nil
}

// ValidateExperimentFile returns InvalidArguments if the name is not a plain file name
func ValidateExperimentFile(name string) error {
	if strings.TrimSpace(name) == "" {
		return toolerr.InvalidArguments("experiment_file", "is required")
	}
	if name == "." || name == ".." || strings.ContainsAny(name, "/\\\x00") || filepath.Base(name) != name {
		return toolerr.InvalidArguments("experiment_file", "must be a file name in the folder: %s", name)
	}
	return nil
}

// Run executes the engine for the experiment file in the folder.
// The folder must exist and contain the experiment file,
// otherwise the engine is not started.
func (r *Runner) Run(ctx context.Context, d *workdir.Dir, experimentFile string) (*Result, error) {
	if err := ValidateExperimentFile(experimentFile); err != nil {
		return nil, err
	}
	if err := checkPreconditions(d, experimentFile); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	cmd := Command{
		Exe:       r.cfg.Executable,
		Args:      []string{r.cfg.Mode, experimentFile},
		Dir:       d.Path,
		MaxOutput: r.cfg.MaxLogBytes,
	}

	logger.ContextKV(ctx, xlog.INFO,
		"status", "starting",
		"folder", d.Name,
		"experiment", experimentFile,
		"mode", r.cfg.Mode,
	)

	started := time.Now()
	out, err := r.engine.Run(runCtx, cmd)
	duration := time.Since(started)
	metricskey.PerfSimulationRun.MeasureSince(started, r.cfg.Mode)

	res := &Result{
		ExitCode:   -1,
		DurationMS: duration.Milliseconds(),
	}
	if out != nil {
		res.ExitCode = out.ExitCode
		res.Stdout = utils.Tail(out.Stdout, r.cfg.MaxLogBytes)
		res.Stderr = utils.Tail(out.Stderr, r.cfg.MaxLogBytes)
		res.Log = combinedLog(res.Stdout, res.Stderr, r.cfg.MaxLogBytes)
	}

	if err != nil {
		switch {
		case ctx.Err() == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded):
			metricskey.StatsSimulationRuns.IncrCounter(1, "timeout")
			logger.ContextKV(ctx, xlog.ERROR,
				"status", "timeout",
				"folder", d.Name,
				"timeout", r.cfg.Timeout.String(),
			)
			return nil, toolerr.New(toolerr.KindSimulationTimeout,
				"simulation exceeded %s and was stopped", r.cfg.Timeout.String()).WithDetail(res).WithCause(err)
		case ctx.Err() != nil:
			metricskey.StatsSimulationRuns.IncrCounter(1, "canceled")
			return nil, toolerr.Wrap(err, toolerr.KindSimulationFailed, "simulation was canceled").WithDetail(res)
		default:
			metricskey.StatsSimulationRuns.IncrCounter(1, "error")
			logger.ContextKV(ctx, xlog.ERROR,
				"status", "unable_to_start",
				"folder", d.Name,
				"err", err.Error(),
			)
			return nil, toolerr.Wrap(err, toolerr.KindSimulationFailed, "unable to start the simulation engine")
		}
	}

	if res.ExitCode != 0 {
		metricskey.StatsSimulationRuns.IncrCounter(1, "failed")
		logger.ContextKV(ctx, xlog.WARNING,
			"status", "failed",
			"folder", d.Name,
			"exit_code", res.ExitCode,
		)
		return nil, toolerr.New(toolerr.KindSimulationFailed,
			"simulation exited with code %d", res.ExitCode).WithDetail(res)
	}

	summary, err := ParseSummaryFile(filepath.Join(d.Path, r.cfg.SummaryFile))
	if err != nil {
		logger.ContextKV(ctx, xlog.WARNING,
			"reason", "summary",
			"folder", d.Name,
			"err", err.Error(),
		)
	}
	res.Summary = summary

	metricskey.StatsSimulationRuns.IncrCounter(1, "ok")
	logger.ContextKV(ctx, xlog.INFO,
		"status", "finished",
		"folder", d.Name,
		"duration", duration.String(),
	)
	return res, nil
}

func checkPreconditions(d *workdir.Dir, experimentFile string) error {
	entries, err := os.ReadDir(d.Path)
	if err != nil {
		return toolerr.VerificationFailed("folder %s does not exist", d.Name)
	}
	if len(entries) == 0 {
		return toolerr.VerificationFailed("folder %s is empty, download the input files first", d.Name)
	}

	fi, err := os.Stat(filepath.Join(d.Path, experimentFile))
	switch {
	case err != nil:
		return toolerr.VerificationFailed("experiment file %s not found in folder %s", experimentFile, d.Name)
	case !fi.Mode().IsRegular():
		return toolerr.VerificationFailed("experiment file %s is not a regular file", experimentFile)
	case fi.Size() == 0:
		return toolerr.VerificationFailed("experiment file %s is empty", experimentFile)
	}
	return nil
}

func combinedLog(stdout, stderr string, max int) string {
	switch {
	case stderr == "":
		return stdout
	case stdout == "":
		return stderr
	}
	return utils.Tail(stdout+"\n"+stderr, max)
}
