// Command pipecored runs the execution core: it opens the configured store,
// wires the Status Authority, interrupt handlers, advisers and task
// dispatch, serves the control API and metrics, and runs the interrupt
// reconciler until interrupted.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/dshills/pipecore/config"
	"github.com/dshills/pipecore/pipeline"
	"github.com/dshills/pipecore/pipeline/advise"
	"github.com/dshills/pipecore/pipeline/ctxlog"
	"github.com/dshills/pipecore/pipeline/discontinue"
	"github.com/dshills/pipecore/pipeline/dispatch"
	"github.com/dshills/pipecore/pipeline/emit"
	"github.com/dshills/pipecore/pipeline/graphview"
	"github.com/dshills/pipecore/pipeline/interrupt"
	"github.com/dshills/pipecore/pipeline/lock"
	"github.com/dshills/pipecore/pipeline/orchestrator"
	"github.com/dshills/pipecore/pipeline/reconcile"
	"github.com/dshills/pipecore/pipeline/status"
	"github.com/dshills/pipecore/pipeline/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "pipecored: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := ctxlog.New(os.Stderr, cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = ctxlog.WithLogger(ctx, logger)

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	chains := advise.Chains{}
	if cfg.AdviserChainsFile != "" {
		if chains, err = config.LoadChains(cfg.AdviserChainsFile); err != nil {
			return err
		}
	}

	registry := prometheus.NewRegistry()
	metrics := pipeline.NewMetrics(registry)

	emitters := emit.MultiEmitter{emit.NewLoggerEmitter(logger)}
	if cfg.TraceEnabled {
		tp := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.AlwaysSample()))
		otel.SetTracerProvider(tp)
		defer func() { _ = tp.Shutdown(context.Background()) }()
		emitters = append(emitters, emit.NewOTelEmitter(tp.Tracer("pipecore")))
	}

	var svc *orchestrator.Service
	authority := status.NewAuthority(st,
		status.WithLogger(logger),
		status.WithEmitter(emitters),
		status.WithMetrics(metrics),
		status.WithResumer(status.ResumerFunc(func(ctx context.Context, n pipeline.NodeExecution) error {
			return svc.OnConcluded(ctx, n)
		})))

	var (
		client  *dispatch.Client
		aborter discontinue.TaskAborter
	)
	if cfg.DispatchURL != "" {
		client = dispatch.NewClient(dispatch.NewHTTPTransport(cfg.DispatchURL, cfg.DispatchToken), dispatch.ClientOptions{
			MinTimeout: cfg.DispatchTimeout,
			Logger:     logger,
			Metrics:    metrics,
		})
		aborter = client
	} else {
		logger.Warn("no task executor configured, dispatch calls will fail", "env", config.Prefix+"_DISPATCH_URL")
		client = dispatch.NewClient(unconfiguredTransport{}, dispatch.ClientOptions{Logger: logger, Metrics: metrics})
	}
	runner := dispatch.NewRunner(client, authority, logger)
	defer runner.Close()

	dispatcher := interrupt.NewDefaultDispatcher(interrupt.Deps{
		Store:        st,
		Authority:    authority,
		Discontinuer: discontinue.NewCascader(st, authority, aborter, logger),
		Logger:       logger,
		Emitter:      emitters,
		Metrics:      metrics,
	})

	svc, err = orchestrator.NewService(orchestrator.Deps{
		Authority:     authority,
		Dispatcher:    dispatcher,
		Registry:      advise.NewDefaultRegistry(st, advise.WithLogger(logger), advise.WithEmitter(emitters), advise.WithMetrics(metrics)),
		Reconstructor: graphview.NewReconstructor(st, graphview.WithLogger(logger), graphview.WithMetrics(metrics)),
		Runner:        runner,
		Chains:        chains,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	runner.OnFailure(svc.ReportFailure)

	locker, closeLocker, err := openLocker(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeLocker()

	reconciler := reconcile.New(st, locker, reconcile.Config{
		Interval:   cfg.ReconcileInterval,
		StaleAfter: cfg.StaleInterruptAfter,
	}, logger, emitters, metrics)
	go func() {
		if err := reconciler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("reconciler stopped", "error", err)
		}
	}()

	server := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           newHandler(svc, st, registry, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("pipecored listening", "addr", cfg.MetricsAddr, "store", cfg.StoreDriver)
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.StoreDriver {
	case config.DriverSQLite:
		return store.NewSQLiteStore(cfg.StoreDSN)
	case config.DriverMySQL:
		return store.NewMySQLStore(cfg.StoreDSN)
	case config.DriverPostgres:
		return store.NewPostgresStore(ctx, store.DefaultPostgresConfig(cfg.StoreDSN))
	default:
		return store.NewMemStore(), nil
	}
}

func openLocker(ctx context.Context, cfg *config.Config, logger *slog.Logger) (lock.Locker, func(), error) {
	if cfg.RedisURL == "" {
		logger.Info("no redis configured, reconciler lock is process-local")
		return lock.NewMemLocker(), func() {}, nil
	}
	r, err := lock.NewRedisLocker(ctx, cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	return r, func() { _ = r.Close() }, nil
}
