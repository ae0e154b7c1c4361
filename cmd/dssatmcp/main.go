// Command dssatmcp serves the DSSAT simulation tools over MCP and REST
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/dssatmcp/app"
	"github.com/effective-security/dssatmcp/callbacks"
	"github.com/effective-security/dssatmcp/config"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/dssatmcp", "main")

type flags struct {
	cfg     string
	env     string
	debug   bool
	version bool
}

func main() {
	xlog.SetFormatter(xlog.NewStringFormatter(os.Stderr))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %+v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string, out io.Writer) (*flags, error) {
	f := new(flags)
	fs := flag.NewFlagSet("dssatmcp", flag.ContinueOnError)
	fs.SetOutput(out)
	fs.StringVar(&f.cfg, "cfg", "dssatmcp.yaml", "path to the configuration file")
	fs.StringVar(&f.env, "env", ".env", "optional .env file loaded before the configuration")
	fs.BoolVar(&f.debug, "debug", false, "enable debug logs")
	fs.BoolVar(&f.version, "version", false, "print the version")
	fs.Usage = func() {
		fmt.Fprintf(out, "Usage: dssatmcp [options]\n\nOptions:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, errors.Errorf("unexpected arguments: %v", fs.Args())
	}
	return f, nil
}

func run(ctx context.Context, args []string, out io.Writer) error {
	f, err := parseFlags(args, out)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	if f.version {
		fmt.Fprintln(out, app.Version)
		return nil
	}

	cfg, err := config.Load(f.cfg, f.env)
	if err != nil {
		return err
	}
	if f.debug {
		cfg.LogLevel = "DEBUG"
	}
	xlog.SetGlobalLogLevel(logLevel(cfg.LogLevel))

	logger.KV(xlog.NOTICE, "version", app.Version, "cfg", f.cfg)

	var opts []app.Option
	if f.debug {
		opts = append(opts, app.WithCallback(callbacks.NewPrinter(os.Stderr, callbacks.ModeVerbose)))
	}

	a, err := app.New(ctx, cfg, opts...)
	if err != nil {
		return err
	}
	defer a.Close()

	return a.ListenAndServe(ctx)
}

var levels = map[string]xlog.LogLevel{
	"CRITICAL": xlog.CRITICAL,
	"ERROR":    xlog.ERROR,
	"WARNING":  xlog.WARNING,
	"NOTICE":   xlog.NOTICE,
	"INFO":     xlog.INFO,
	"DEBUG":    xlog.DEBUG,
	"TRACE":    xlog.TRACE,
}

func logLevel(s string) xlog.LogLevel {
	if l, ok := levels[s]; ok {
		return l
	}
	return xlog.INFO
}
