// Package app builds the server components from the configuration
package app

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/dssatmcp/auth"
	"github.com/effective-security/dssatmcp/callbacks"
	"github.com/effective-security/dssatmcp/config"
	"github.com/effective-security/dssatmcp/mcp"
	"github.com/effective-security/dssatmcp/mcp/transport/httptransport"
	"github.com/effective-security/dssatmcp/restapi"
	"github.com/effective-security/dssatmcp/simulation"
	"github.com/effective-security/dssatmcp/storage"
	"github.com/effective-security/dssatmcp/store"
	"github.com/effective-security/dssatmcp/tools"
	"github.com/effective-security/dssatmcp/tools/dssat"
	"github.com/effective-security/dssatmcp/workdir"
	"github.com/effective-security/xlog"
	"github.com/redis/go-redis/v9"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/dssatmcp", "app")

// Version is set at build time
var Version = "dev"

const instructions = `Run DSSAT crop simulations in three steps:
download_files_from_s3 copies the experiment inputs into a working folder,
run_dssat_experiment runs the model on the experiment file in that folder,
upload_and_collect_output_files archives the folder and returns a download link.`

// App is the assembled server
type App struct {
	cfg      *config.Config
	registry *tools.Registry
	stats    *callbacks.Stats
	dirs     *workdir.Manager
	objects  storage.ObjectStore
	mcp      *mcp.Server
	handler  http.Handler

	closers []func() error
}

// Option overrides a component, used by tests
type Option func(*options)

type options struct {
	objects storage.ObjectStore
	engine  simulation.Engine
	keys    auth.KeySource
	extra   []tools.Callback
}

// WithObjectStore sets the object store instead of the configured provider
func WithObjectStore(s storage.ObjectStore) Option {
	return func(o *options) {
		o.objects = s
	}
}

// WithEngine sets the simulation engine
func WithEngine(e simulation.Engine) Option {
	return func(o *options) {
		o.engine = e
	}
}

// WithKeySource sets the token verification keys instead of the JWKS of the domain
func WithKeySource(k auth.KeySource) Option {
	return func(o *options) {
		o.keys = k
	}
}

// WithCallback adds the invocation callback to the registry
func WithCallback(cb tools.Callback) Option {
	return func(o *options) {
		o.extra = append(o.extra, cb)
	}
}

// New builds the components
func New(ctx context.Context, cfg *config.Config, opts ...Option) (_ *App, err error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{
		cfg:   cfg,
		stats: callbacks.NewStats(),
	}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	leases, err := a.newLeases(ctx)
	if err != nil {
		return nil, err
	}

	a.dirs, err = workdir.New(cfg.Workdir.DataRoot, leases, cfg.Lease.TTL.D())
	if err != nil {
		return nil, err
	}

	a.objects = o.objects
	if a.objects == nil {
		a.objects, err = newObjectStore(ctx, &cfg.Storage)
		if err != nil {
			return nil, err
		}
	}

	gateway := storage.NewGateway(a.objects, a.dirs, storage.Config{
		Prefix:         cfg.Storage.Prefix,
		PresignExpiry:  cfg.Storage.PresignExpiry.D(),
		Retries:        cfg.Storage.Retries,
		RetryBaseDelay: cfg.Storage.RetryBaseDelay.D(),
		OpTimeout:      cfg.Storage.OpTimeout.D(),
		Concurrency:    cfg.Storage.Concurrency,
	})

	runner, err := simulation.NewRunner(o.engine, simulation.Config{
		Executable:  cfg.DSSAT.Executable,
		Mode:        cfg.DSSAT.Mode,
		Timeout:     cfg.DSSAT.Timeout.D(),
		MaxLogBytes: cfg.DSSAT.MaxLogBytes,
		SummaryFile: cfg.DSSAT.SummaryFile,
	})
	if err != nil {
		return nil, err
	}

	ropts := []tools.Option{
		tools.WithCallback(a.stats),
		tools.WithCallback(callbacks.NewPackageLogger(logger)),
		tools.WithRedactedRoot(a.dirs.Root()),
	}
	for _, cb := range o.extra {
		ropts = append(ropts, tools.WithCallback(cb))
	}
	a.registry = tools.NewRegistry(ropts...)
	if err = dssat.New(a.dirs, gateway, runner).Register(a.registry); err != nil {
		return nil, err
	}
	a.registry.Seal()

	tr := httptransport.NewHTTPTransport().WithMaxBodySize(cfg.HTTP.MaxBodyBytes)
	a.mcp = mcp.NewServer(tr, a.registry,
		mcp.WithServerInfo("dssatmcp", Version),
		mcp.WithInstructions(instructions),
	)
	if err = a.mcp.Serve(); err != nil {
		return nil, errors.WithMessage(err, "unable to start MCP server")
	}
	a.closers = append(a.closers, a.mcp.Close)

	rest := restapi.New(a.registry,
		restapi.WithStats(a.stats),
		restapi.WithLeases(leases),
		restapi.WithRateLimit(cfg.HTTP.RateLimit, cfg.HTTP.RateBurst),
		restapi.WithMaxBodySize(cfg.HTTP.MaxBodyBytes),
	)

	mux := http.NewServeMux()
	mux.Handle(cfg.HTTP.MCPPath, tr)
	rest.Register(mux)

	a.handler = mux
	if cfg.Auth.Enabled {
		a.handler, err = withAuth(mux, &cfg.Auth, o.keys)
		if err != nil {
			return nil, err
		}
	}

	logger.KV(xlog.INFO,
		"status", "ready",
		"data_root", a.dirs.Root(),
		"storage", cfg.Storage.Provider,
		"leases", cfg.Lease.Provider,
		"auth", cfg.Auth.Enabled,
		"tools", len(a.registry.List()),
	)
	return a, nil
}

func (a *App) newLeases(ctx context.Context) (store.LeaseStore, error) {
	if a.cfg.Lease.Provider != "redis" {
		return store.NewMemoryLeases(), nil
	}

	ropts, err := redis.ParseURL(a.cfg.Lease.RedisURL)
	if err != nil {
		return nil, errors.Wrap(err, "invalid redis URL")
	}
	client := redis.NewClient(ropts)
	a.closers = append(a.closers, client.Close)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err = client.Ping(pctx).Err(); err != nil {
		return nil, errors.Wrap(err, "unable to connect to redis")
	}
	return store.NewRedisLeases(client, a.cfg.Lease.Prefix), nil
}

func newObjectStore(ctx context.Context, cfg *config.StorageConfig) (storage.ObjectStore, error) {
	if cfg.Provider == "memory" {
		bucket := cfg.Bucket
		if bucket == "" {
			bucket = "dssat"
		}
		return storage.NewMemoryStore(bucket), nil
	}
	s3, err := storage.NewS3Store(ctx, storage.S3Config{
		Region:          cfg.Region,
		Bucket:          cfg.Bucket,
		AccessKeyID:     cfg.AccessKeyID,
		SecretAccessKey: cfg.SecretAccessKey,
		Endpoint:        cfg.Endpoint,
	})
	if err != nil {
		return nil, err
	}
	return s3, nil
}

// withAuth protects every route except the health check
func withAuth(mux *http.ServeMux, cfg *config.AuthConfig, keys auth.KeySource) (http.Handler, error) {
	acfg := auth.Config{
		Domain:     cfg.Domain,
		Audience:   cfg.Audience,
		Issuer:     cfg.Issuer,
		Algorithms: cfg.Algorithms,
	}
	if keys == nil {
		keys = auth.NewJWKS(acfg.JWKSURL(), nil, 0)
	}
	verifier, err := auth.NewVerifier(acfg, keys)
	if err != nil {
		return nil, err
	}

	protected := verifier.Middleware(mux)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == restapi.PathHealth {
			mux.ServeHTTP(w, r)
			return
		}
		protected.ServeHTTP(w, r)
	}), nil
}

// Handler returns the HTTP handler serving MCP and REST
func (a *App) Handler() http.Handler {
	return a.handler
}

// Registry returns the tool registry
func (a *App) Registry() *tools.Registry {
	return a.registry
}

// Stats returns the invocation stats
func (a *App) Stats() *callbacks.Stats {
	return a.stats
}

// ListenAndServe serves until the context is cancelled,
// then waits for the in-flight requests up to the shutdown timeout
func (a *App) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.HTTP.ListenAddr)
	if err != nil {
		return errors.Wrapf(err, "unable to listen on %s", a.cfg.HTTP.ListenAddr)
	}
	return a.Serve(ctx, ln)
}

// Serve serves on the listener until the context is cancelled
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       a.cfg.HTTP.ReadTimeout.D(),
		WriteTimeout:      a.cfg.HTTP.WriteTimeout.D(),
		BaseContext: func(net.Listener) context.Context {
			return context.WithoutCancel(ctx)
		},
	}

	errc := make(chan error, 1)
	go func() {
		logger.KV(xlog.NOTICE, "status", "listening", "addr", ln.Addr().String(), "mcp", a.cfg.HTTP.MCPPath)
		errc <- srv.Serve(ln)
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.WithStack(err)
	case <-ctx.Done():
	}

	logger.KV(xlog.NOTICE, "status", "shutting_down")
	sctx, cancel := context.WithTimeout(context.Background(), a.cfg.HTTP.ShutdownTimeout.D())
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		logger.KV(xlog.WARNING, "reason", "shutdown", "err", err.Error())
		return errors.WithStack(err)
	}
	return nil
}

// Close releases the connections
func (a *App) Close() error {
	var errs error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = errors.CombineErrors(errs, err)
		}
	}
	a.closers = nil
	return errs
}
