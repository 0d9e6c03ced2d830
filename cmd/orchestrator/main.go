// Command orchestrator runs the full orchestration core: TaskAPI's HTTP
// surface, the Dispatcher and ResultProcessor loops, the worker Registry,
// and the maintenance scheduler, wired over a bbolt DurableStore and a
// Redis CoordStore (spec §2). Startup order: logging.Init, context
// from signal.NotifyContext, otelinit tracer and metrics setup, then
// an http.Server with a bounded shutdown sequence.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/sabiseeds/agentmesh/internal/activity"
	"github.com/sabiseeds/agentmesh/internal/api"
	"github.com/sabiseeds/agentmesh/internal/config"
	"github.com/sabiseeds/agentmesh/internal/coord"
	"github.com/sabiseeds/agentmesh/internal/decompose"
	"github.com/sabiseeds/agentmesh/internal/dispatch"
	"github.com/sabiseeds/agentmesh/internal/logging"
	"github.com/sabiseeds/agentmesh/internal/maintenance"
	"github.com/sabiseeds/agentmesh/internal/otelinit"
	"github.com/sabiseeds/agentmesh/internal/planner"
	"github.com/sabiseeds/agentmesh/internal/registry"
	"github.com/sabiseeds/agentmesh/internal/resilience"
	"github.com/sabiseeds/agentmesh/internal/resultproc"
	"github.com/sabiseeds/agentmesh/internal/store"
)

const serviceName = "agentmesh-orchestrator"

func main() {
	logger := logging.Init(serviceName)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		logger.Error("load config failed", "error", err)
		os.Exit(1)
	}

	shutdownTrace := otelinit.InitTracer(ctx, serviceName)
	shutdownMetrics, promHandler := otelinit.InitMetrics(ctx, serviceName)
	meter := otel.GetMeterProvider().Meter(serviceName)

	if err := os.MkdirAll(cfg.Store.BoltPath, 0o755); err != nil {
		logger.Error("create bolt data dir failed", "error", err)
		os.Exit(1)
	}
	durable, err := store.New(cfg.Store.BoltPath, meter)
	if err != nil {
		logger.Error("open durable store failed", "error", err)
		os.Exit(1)
	}
	defer durable.Close()

	coordCfg := coord.DefaultConfig(cfg.Coord.RedisAddr)
	coordCfg.DB = cfg.Coord.RedisDB
	cstore, err := coord.New(ctx, coordCfg)
	if err != nil {
		logger.Error("connect coord store failed", "error", err)
		os.Exit(1)
	}
	defer cstore.Close()

	reg := registry.New(cstore, cfg.Registry.LivenessWindow, cfg.Registry.HeartbeatInterval)

	var plan planner.Planner
	if url := os.Getenv("AGENTMESH_PLANNER_URL"); url != "" {
		plan = planner.NewHTTPPlanner(url, nil)
		logger.Info("using HTTP planner", "url", url)
	} else {
		plan = planner.NewEchoPlanner()
		logger.Info("using echo planner (no AGENTMESH_PLANNER_URL set)")
	}
	decomposer := decompose.New(plan, cfg.Planner.Timeout)

	dispatcher := dispatch.New(cstore, reg, meter, logger, dispatch.Config{
		SelectionPolicy: cfg.Dispatch.SelectionPolicy,
		DispatchTimeout: cfg.Dispatch.DispatchTimeout,
		DequeueTimeout:  cfg.Dispatch.DequeueTimeout,
		MinBackoff:      cfg.Dispatch.MinBackoff,
		MaxBackoff:      cfg.Dispatch.MaxBackoff,
	})

	processor := resultproc.New(cstore, durable, reg.MarkAvailable, meter, logger, resultproc.Config{
		DequeueTimeout: cfg.Result.DequeueTimeout,
	})

	scheduler := maintenance.New(cstore, durable, reg, meter, logger, maintenance.DefaultConfig())
	if err := scheduler.Start(ctx); err != nil {
		logger.Error("start maintenance scheduler failed", "error", err)
		os.Exit(1)
	}

	var bus *activity.Bus
	if b, err := activity.Connect(cfg.Activity.NATSURL, logger); err != nil {
		logger.Warn("activity bus unavailable, continuing without it", "error", err)
	} else {
		bus = b
		defer bus.Close()
	}
	recorder := activity.NewRecorder(durable, bus, logger)
	dispatcher.SetActivityRecorder(recorder)
	processor.SetActivityRecorder(recorder)

	limiter := resilience.NewRateLimiter(100, 20, time.Second, 200)

	handler := api.New(durable, cstore, reg, decomposer, limiter, cfg.Dispatch.SelectionPolicy, logger)
	handler.SetActivityRecorder(recorder)

	var wg sync.WaitGroup
	for i := 0; i < cfg.Dispatch.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dispatcher.Run(ctx)
		}()
	}
	for i := 0; i < cfg.Result.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			processor.Run(ctx)
		}()
	}

	srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler}

	metricsSrv := &http.Server{Addr: cfg.Metrics.Addr, Handler: promHandler}

	go func() {
		logger.Info("orchestrator listening", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("orchestrator server error", "error", err)
			cancel()
		}
	}()
	go func() {
		logger.Info("metrics listening", "addr", cfg.Metrics.Addr)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	_ = srv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)
	_ = scheduler.Stop(shutdownCtx)

	wg.Wait()

	otelinit.Flush(shutdownCtx, shutdownTrace)
	_ = shutdownMetrics(shutdownCtx)
	logger.Info("shutdown complete")
}
