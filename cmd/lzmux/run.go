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
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	lzmux "github.com/eugener/lzmux/internal"
	"github.com/eugener/lzmux/internal/app"
	"github.com/eugener/lzmux/internal/cache"
	"github.com/eugener/lzmux/internal/circuitbreaker"
	"github.com/eugener/lzmux/internal/codec"
	"github.com/eugener/lzmux/internal/config"
	"github.com/eugener/lzmux/internal/lzma"
	"github.com/eugener/lzmux/internal/proxy"
	"github.com/eugener/lzmux/internal/ratelimit"
	"github.com/eugener/lzmux/internal/router"
	"github.com/eugener/lzmux/internal/server"
	"github.com/eugener/lzmux/internal/storage/sqlite"
	"github.com/eugener/lzmux/internal/telemetry"
	"github.com/eugener/lzmux/internal/worker"
)

const limiterIdle = 10 * time.Minute

// clientConfig builds the dispatcher client settings from cfg.
func clientConfig(cfg *config.Config, metrics *telemetry.Metrics) (lzma.Config, error) {
	wireCodec, err := codec.Get(cfg.Worker.Codec)
	if err != nil {
		return lzma.Config{}, err
	}
	attribution, err := router.ParseAttribution(cfg.Router.Attribution)
	if err != nil {
		return lzma.Config{}, err
	}
	return lzma.Config{
		Worker: proxy.Config{
			Launcher: &proxy.ExecLauncher{
				Path: cfg.Worker.Path,
				Args: cfg.Worker.Args,
				Env:  cfg.Worker.Env,
				Dir:  cfg.Worker.Dir,
			},
			Codec:        wireCodec,
			QueueSize:    cfg.Worker.QueueSize,
			MaxFrameSize: cfg.Worker.MaxFrameSize,
			StopTimeout:  cfg.Worker.StopTimeout,
		},
		IDRange:     cfg.Router.IDRange,
		MaxDraws:    cfg.Router.MaxDraws,
		MaxPending:  cfg.Router.MaxPending,
		Attribution: attribution,
		Metrics:     metrics,
	}, nil
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	level, _ := cfg.Telemetry.Level()
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("starting lzmux", "version", version, "addr", cfg.Server.Addr, "worker", cfg.Worker.Path)

	ctx := context.Background()

	if cfg.Telemetry.Tracing.Enabled {
		shutdown, err := telemetry.SetupTracing(ctx, cfg.Telemetry.Tracing.Endpoint, cfg.Telemetry.Tracing.SampleRate, version)
		if err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(sctx); err != nil {
				slog.Warn("tracer shutdown failed", "error", err)
			}
		}()
	}

	var (
		metrics        *telemetry.Metrics
		metricsHandler http.Handler
	)
	if cfg.Telemetry.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		metrics = telemetry.NewMetrics(reg)
		metricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}

	var store *sqlite.Store
	if cfg.Database.DSN != "" {
		store, err = sqlite.New(cfg.Database.DSN)
		if err != nil {
			return err
		}
		defer store.Close()
	}

	clientCfg, err := clientConfig(cfg, metrics)
	if err != nil {
		return err
	}
	client, err := lzma.Open(ctx, clientCfg)
	if err != nil {
		return err
	}
	defer client.Close()

	deps := app.Deps{Dispatcher: client, Metrics: metrics}
	if cfg.Cache.Enabled {
		c, err := cache.NewMemory(cfg.Cache.MaxBytes, cfg.Cache.TTL)
		if err != nil {
			return err
		}
		deps.Cache = c
	}
	if cfg.Breaker.Enabled {
		deps.Breaker = circuitbreaker.New(circuitbreaker.Config{
			ErrorThreshold: cfg.Breaker.ErrorThreshold,
			MinSamples:     cfg.Breaker.MinSamples,
			WindowSeconds:  cfg.Breaker.WindowSeconds,
			OpenTimeout:    cfg.Breaker.OpenTimeout,
		})
	}

	limiters := ratelimit.NewRegistry()
	workers := []worker.Worker{
		worker.WorkerFunc(func(ctx context.Context) error {
			t := time.NewTicker(time.Minute)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case now := <-t.C:
					limiters.EvictStale(now.Add(-limiterIdle))
				}
			}
		}),
	}
	if store != nil {
		rec := worker.NewJobRecorder(store, cfg.Recorder.BufferSize, cfg.Recorder.BatchSize, cfg.Recorder.FlushInterval, metrics)
		deps.Recorder = rec
		workers = append(workers, rec, worker.NewRollupWorker(store))
	}
	if cfg.JobTimeout > 0 {
		workers = append(workers, worker.NewExpiryWorker(client, cfg.JobTimeout))
	}
	svc := app.NewService(deps)

	srvDeps := server.Deps{
		Service:        svc,
		RateLimiter:    limiters,
		RateLimits:     ratelimit.Limits{JobsPerMinute: cfg.RateLimits.JobsPerMinute, BytesPerMinute: cfg.RateLimits.BytesPerMinute},
		Metrics:        metrics,
		MetricsHandler: metricsHandler,
		MaxBodyBytes:   cfg.Server.MaxBodyBytes,
		ReadyCheck: func(ctx context.Context) error {
			if !client.Alive() {
				return lzmux.ErrWorkerExited
			}
			if store != nil {
				return store.Ping(ctx)
			}
			return nil
		},
	}
	if store != nil {
		srvDeps.History = store
	}

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      server.New(srvDeps),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()
	runnerDone := make(chan error, 1)
	go func() { runnerDone <- worker.NewRunner(workers...).Run(workerCtx) }()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("lzmux ready", "addr", cfg.Server.Addr, "worker_pid", client.Pid())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	var (
		cause         error
		runnerStopped bool
	)
	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		cause = err
	case <-client.Done():
		cause = fmt.Errorf("worker stopped: %w", client.Err())
		slog.Error("worker stopped, shutting down", "error", client.Err())
	case err := <-runnerDone:
		runnerStopped = true
		cause = fmt.Errorf("background worker: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		cause = errors.Join(cause, err)
	}
	// Close the client before the recorder drains so failed pending jobs are
	// recorded.
	if err := client.Close(); err != nil && cause == nil {
		slog.Warn("worker exited uncleanly", "error", err)
	}
	stopWorkers()
	if !runnerStopped {
		select {
		case <-runnerDone:
		case <-shutdownCtx.Done():
		}
	}

	slog.Info("lzmux stopped")
	return cause
}
