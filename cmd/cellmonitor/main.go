// Command cellmonitor serves the battery cell dashboard API. Every browser
// session gets its own bounded cell registry; exports are written to blob
// storage and recorded in the export ledger.
package main

import (
	"context"
	"errors"
	"expvar"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"cellmonitor/internal/adapters/export"
	"cellmonitor/internal/adapters/httpapi"
	"cellmonitor/internal/archive"
	"cellmonitor/internal/blob"
	"cellmonitor/internal/core"
	"cellmonitor/internal/feed"
)

var exitFunc = os.Exit

type config struct {
	addr        string
	strict      bool
	seed        uint64
	sessionTTL  time.Duration
	exportQueue int
	logLevel    slog.Level
	trace       bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := cli(ctx, os.Args[1:], os.Getenv, os.Stderr)
	stop()
	exitFunc(code)
}

func cli(ctx context.Context, args []string, getenv func(string) string, stderr io.Writer) int {
	cfg, err := parseConfig(args, getenv, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		_, _ = fmt.Fprintf(stderr, "cellmonitor: %v\n", err)
		return 2
	}
	logger := slog.New(slog.NewJSONHandler(stderr, &slog.HandlerOptions{Level: cfg.logLevel}))
	a, err := newApp(ctx, cfg, logger, stderr)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}
	if err := a.run(ctx); err != nil {
		logger.Error("server stopped", "error", err)
		return 1
	}
	return 0
}

// parseConfig reads CELLMONITOR_* variables as defaults and lets flags
// override them.
func parseConfig(args []string, getenv func(string) string, stderr io.Writer) (config, error) {
	cfg := config{
		addr:        envOr(getenv, "CELLMONITOR_ADDR", ":8080"),
		sessionTTL:  30 * time.Minute,
		exportQueue: 32,
	}
	var errs []error
	if v := getenv("CELLMONITOR_STRICT_CHEMISTRY"); v != "" {
		b, err := strconv.ParseBool(v)
		errs = append(errs, wrapEnv("CELLMONITOR_STRICT_CHEMISTRY", err))
		cfg.strict = b
	}
	if v := getenv("CELLMONITOR_SEED"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		errs = append(errs, wrapEnv("CELLMONITOR_SEED", err))
		cfg.seed = n
	}
	if v := getenv("CELLMONITOR_SESSION_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		errs = append(errs, wrapEnv("CELLMONITOR_SESSION_TTL", err))
		cfg.sessionTTL = d
	}
	if err := errors.Join(errs...); err != nil {
		return config{}, err
	}

	level := envOr(getenv, "CELLMONITOR_LOG_LEVEL", "info")
	fs := flag.NewFlagSet("cellmonitor", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&cfg.addr, "addr", cfg.addr, "listen address")
	fs.BoolVar(&cfg.strict, "strict-chemistry", cfg.strict, "reject unknown chemistries instead of using the default voltage")
	fs.Uint64Var(&cfg.seed, "seed", cfg.seed, "seed for simulated readings (0 = random)")
	fs.DurationVar(&cfg.sessionTTL, "session-ttl", cfg.sessionTTL, "idle time before a session is dropped (0 disables expiry)")
	fs.IntVar(&cfg.exportQueue, "export-queue", cfg.exportQueue, "maximum pending export jobs")
	fs.StringVar(&level, "log-level", level, "debug, info, warn or error")
	fs.BoolVar(&cfg.trace, "trace", strings.EqualFold(getenv("CELLMONITOR_TRACE"), "true"), "write operation spans to stderr")
	if err := fs.Parse(args); err != nil {
		return config{}, err
	}
	if err := cfg.logLevel.UnmarshalText([]byte(level)); err != nil {
		return config{}, fmt.Errorf("log level: %w", err)
	}
	return cfg, nil
}

func envOr(getenv func(string) string, key, fallback string) string {
	if v := getenv(key); v != "" {
		return v
	}
	return fallback
}

func wrapEnv(key string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", key, err)
}

type app struct {
	cfg      config
	logger   *slog.Logger
	sessions *core.Sessions
	hub      *feed.Hub
	worker   *export.Worker
	ledger   archive.Ledger
	handler  http.Handler
}

func newApp(ctx context.Context, cfg config, logger *slog.Logger, traceOut io.Writer) (*app, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	promMetrics, err := core.NewPrometheusMetricsRecorder(reg)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	metrics := fanoutMetrics{promMetrics, core.NewExpvarMetricsRecorder("")}
	audit := core.LoggerAuditRecorder{Logger: logger}

	var tracer core.Tracer
	if cfg.trace {
		tracer = core.NewJSONTracer(traceOut)
	}

	hub := feed.NewHub(feed.WithLogger(logger))
	factory := func(id string) *core.Service {
		opts := []core.Option{
			core.WithLogger(logger.With("session", id)),
			core.WithMetricsRecorder(metrics),
			core.WithAuditRecorder(audit),
			core.WithStrictChemistry(cfg.strict),
			core.WithChangeListener(hub.Listener(id)),
		}
		if tracer != nil {
			opts = append(opts, core.WithTracer(tracer))
		}
		if cfg.seed != 0 {
			opts = append(opts, core.WithRandom(core.NewSeededRandom(cfg.seed)))
		}
		return core.NewInMemoryService(nil, opts...)
	}
	sessions := core.NewSessions(factory, core.WithSessionsLogger(logger))
	reg.MustRegister(core.NewSessionCollector(sessions))

	store, err := blob.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("open blob store: %w", err)
	}
	ledger, err := archive.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("open export ledger: %w", err)
	}
	worker := export.NewWorker(store, ledger,
		export.WithLogger(logger),
		export.WithAuditRecorder(audit),
		export.WithQueueSize(cfg.exportQueue))

	api := httpapi.NewHandler(sessions)
	api.Exports = worker
	api.Ledger = ledger
	api.Feed = hub

	mux := http.NewServeMux()
	mux.Handle("/api/sessions", api)
	mux.Handle("/api/sessions/", api)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.Handle("/debug/vars", expvar.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "ok\n")
	})

	logger.Info("configured",
		"addr", cfg.addr,
		"blob_driver", string(store.Driver()),
		"archive_driver", string(ledger.Driver()),
		"strict_chemistry", cfg.strict,
		"session_ttl", cfg.sessionTTL.String())

	return &app{
		cfg:      cfg,
		logger:   logger,
		sessions: sessions,
		hub:      hub,
		worker:   worker,
		ledger:   ledger,
		handler:  h2c.NewHandler(mux, &http2.Server{}),
	}, nil
}

// run serves until ctx is cancelled, then drains the server and the export
// worker.
func (a *app) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go a.hub.Run(ctx)
	a.worker.Start()
	if a.cfg.sessionTTL > 0 {
		go a.expireSessions(ctx, a.cfg.sessionTTL)
	}

	srv := &http.Server{
		Addr:              a.cfg.addr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("listening", "addr", a.cfg.addr)
		errCh <- srv.ListenAndServe()
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
		if errors.Is(serveErr, http.ErrServerClosed) {
			serveErr = nil
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && serveErr == nil {
		serveErr = fmt.Errorf("shutdown: %w", err)
	}
	cancel()
	if err := a.worker.Stop(shutdownCtx); err != nil {
		a.logger.Warn("export worker did not stop", "error", err)
	}
	if err := a.ledger.Close(); err != nil {
		a.logger.Warn("close ledger", "error", err)
	}
	a.logger.Info("stopped")
	return serveErr
}

func (a *app) expireSessions(ctx context.Context, ttl time.Duration) {
	interval := ttl / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.sessions.Expire(ttl)
		}
	}
}

// fanoutMetrics forwards every observation to each recorder.
type fanoutMetrics []core.MetricsRecorder

func (f fanoutMetrics) Observe(ctx context.Context, operation string, success bool, duration time.Duration) {
	for _, m := range f {
		m.Observe(ctx, operation, success, duration)
	}
}
