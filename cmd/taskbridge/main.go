package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	taskbridge "github.com/Swind/go-task-bridge"
	"github.com/Swind/go-task-bridge/config"
	"github.com/Swind/go-task-bridge/core"
	obs "github.com/Swind/go-task-bridge/observability/prometheus"
	"github.com/Swind/go-task-bridge/observability/zaplog"
)

// Exit codes reported for each run outcome.
const (
	exitCompleted = 0
	exitFailed    = 1
	exitFatal     = 2
	exitCancelled = 130
)

// CLI definition & global flags.
type CLI struct {
	Config  string `short:"c" help:"Configuration file path (YAML)" type:"path"`
	Verbose bool   `short:"v" help:"Enable debug logging"`

	Run      RunCmd      `cmd:"" help:"Run a simulated operation through the cancellable bridge"`
	Transfer TransferCmd `cmd:"" help:"Simulate a chunked transfer that reports progress and honours cancellation"`
}

// Global carries the state shared by every subcommand.
type Global struct {
	Config   *config.Config
	Logger   *zap.Logger
	Registry *prom.Registry
	Stdout   io.Writer
}

// outcomeError carries a non-zero exit code for a run that did not complete.
type outcomeError struct {
	code int
	msg  string
}

func (e *outcomeError) Error() string { return e.msg }

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("taskbridge"),
		kong.Description("Run operations on worker goroutines with cooperative, poll-based cancellation."),
		kong.UsageOnError(),
	)

	g, err := newGlobal(cli.Config, cli.Verbose, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitFatal)
	}

	stopMetrics := g.serveMetrics()
	err = kctx.Run(g, &cli)
	stopMetrics()

	os.Exit(g.finish(err))
}

func newGlobal(configPath string, verbose bool, stdout io.Writer) (*Global, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if verbose {
		cfg.Log.Level = "debug"
	}
	logger, err := zaplog.SetupLogger(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("setup logger: %w", err)
	}
	return &Global{
		Config:   cfg,
		Logger:   logger,
		Registry: prom.NewRegistry(),
		Stdout:   stdout,
	}, nil
}

// finish maps err to an exit code and flushes the logger. os.Exit skips
// deferred calls, so the flush happens here.
func (g *Global) finish(err error) int {
	code := exitCode(g.Logger, err)
	_ = g.Logger.Sync()
	return code
}

func exitCode(logger *zap.Logger, err error) int {
	if err == nil {
		return exitCompleted
	}
	var oe *outcomeError
	if errors.As(err, &oe) {
		return oe.code
	}
	logger.Error("command failed", zap.Error(err))
	return exitFatal
}

// bridge bundles a runner with the pool backing it.
type bridge struct {
	runner *core.CancellableRunner
	pool   *taskbridge.GoroutineThreadPool
	poller *obs.SnapshotPoller
	logger *zap.Logger
	stop   time.Duration
}

// newBridge builds the runner described by g.Config. pollOverride > 0
// replaces the configured poll interval.
func (g *Global) newBridge(ctx context.Context, pollOverride time.Duration) (*bridge, error) {
	cfg := g.Config
	poll, err := cfg.PollInterval()
	if err != nil {
		return nil, err
	}
	if pollOverride > 0 {
		poll = pollOverride
	}
	stopTimeout, err := cfg.StopTimeout()
	if err != nil {
		return nil, err
	}

	exporter, err := obs.NewMetricsExporter(cfg.Metrics.Namespace, g.Registry, obs.ExporterOptions{})
	if err != nil {
		return nil, fmt.Errorf("metrics exporter: %w", err)
	}
	poller, err := obs.NewSnapshotPoller(cfg.Metrics.Namespace, g.Registry, time.Second)
	if err != nil {
		return nil, fmt.Errorf("snapshot poller: %w", err)
	}

	logger := zaplog.New(g.Logger)
	b := &bridge{poller: poller, logger: g.Logger, stop: stopTimeout}

	var executor core.Executor = core.NewGoroutineExecutor()
	if cfg.Pool.Workers > 0 {
		b.pool = taskbridge.NewGoroutineThreadPoolWithConfig(cfg.Pool.ID, cfg.Pool.Workers, &core.PoolConfig{
			PanicHandler:        &core.DefaultPanicHandler{Logger: logger},
			Metrics:             exporter,
			RejectedTaskHandler: &core.DefaultRejectedTaskHandler{Logger: logger},
		})
		b.pool.Start(ctx)
		poller.AddPool(cfg.Pool.ID, b.pool)
		executor = b.pool
	}

	b.runner = core.NewCancellableRunner(&core.RunnerConfig{
		Name:            cfg.Runner.Name,
		PollInterval:    poll,
		Executor:        executor,
		Logger:          logger,
		Metrics:         exporter,
		HistoryCapacity: cfg.Runner.HistoryCapacity,
	})
	poller.AddRunner(cfg.Runner.Name, b.runner)
	poller.Start(ctx)
	return b, nil
}

// Close stops the poller and, if present, drains the pool.
func (b *bridge) Close() {
	b.poller.CollectOnce()
	b.poller.Stop()
	if b.pool == nil {
		return
	}
	if err := b.pool.StopGraceful(b.stop); err != nil {
		b.logger.Warn("pool did not drain", zap.Error(err))
	}
}

// serveMetrics exposes g.Registry on the configured address, if any, and
// returns a function that shuts the server down.
func (g *Global) serveMetrics() func() {
	addr := g.Config.Metrics.Addr
	if addr == "" {
		return func() {}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g.Registry, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.Logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	g.Logger.Info("serving metrics", zap.String("addr", addr))

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}
}

// signalContext is canceled on SIGINT/SIGTERM, which the runner reports as Cancelled.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// report prints the outcome and maps it to an exit error.
func report[T any](w io.Writer, outcome core.Outcome[T]) error {
	switch outcome.Kind() {
	case core.OutcomeCompleted:
		v, _ := outcome.Value()
		fmt.Fprintf(w, "completed: %v\n", v)
		return nil
	case core.OutcomeCancelled:
		fmt.Fprintln(w, "cancelled")
		return &outcomeError{code: exitCancelled, msg: "run cancelled"}
	default:
		fmt.Fprintf(w, "failed: %v\n", outcome.Err())
		if outcome.IsFatal() {
			return &outcomeError{code: exitFatal, msg: outcome.Err().Error()}
		}
		return &outcomeError{code: exitFailed, msg: outcome.Err().Error()}
	}
}
