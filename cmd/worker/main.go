// Command worker consumes one language queue and executes jobs. It exits
// cleanly when idle so the autoscaler can stop and restart the machine.
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

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/codrlabs/codr/internal/adapter/broker/redisbroker"
	"github.com/codrlabs/codr/internal/adapter/observability"
	"github.com/codrlabs/codr/internal/adapter/repo/redisjobs"
	"github.com/codrlabs/codr/internal/adapter/sandbox/subprocess"
	"github.com/codrlabs/codr/internal/config"
	"github.com/codrlabs/codr/internal/domain"
	"github.com/codrlabs/codr/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}
	if err := cfg.ValidateWorker(); err != nil {
		slog.Error("config invalid", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg, "worker")
	slog.SetDefault(logger)
	observability.InitMetrics()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(fmt.Sprintf(":%d", cfg.MetricsPort), mux); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	broker, err := redisbroker.New(ctx, redisbroker.Options{
		Addr:     cfg.RedisAddr(),
		Password: cfg.RedisPassword,
		TLS:      cfg.RedisTLS,
	})
	if err != nil {
		slog.Error("broker connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = broker.Close() }()

	lang := domain.Language(cfg.WorkerLanguage)
	runner, err := subprocess.New(lang, cfg.SandboxTimeout)
	if err != nil {
		slog.Error("sandbox init failed", slog.Any("error", err))
		os.Exit(1)
	}

	w := &worker.Worker{
		Lang:       lang,
		Store:      redisjobs.New(broker),
		Queue:      redisbroker.NewQueue(broker),
		Bus:        redisbroker.NewBus(broker),
		Sandbox:    runner,
		Ping:       broker.Ping,
		PopTimeout: cfg.WorkerPopTimeout,
		MaxIdle:    cfg.WorkerMaxIdle,
	}

	slog.Info("worker starting",
		slog.String("language", string(lang)),
		slog.Duration("pop_timeout", cfg.WorkerPopTimeout),
		slog.Duration("max_idle", cfg.WorkerMaxIdle))

	err = w.Run(ctx)
	switch {
	case err == nil, errors.Is(err, worker.ErrIdle), errors.Is(err, context.Canceled):
		slog.Info("worker stopped")
	default:
		slog.Error("worker failed", slog.Any("error", err))
		os.Exit(1)
	}
}
