// Command autoscaler watches the queues and wakes stopped worker machines
// through the control plane.
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
	"github.com/codrlabs/codr/internal/adapter/controlplane/machines"
	"github.com/codrlabs/codr/internal/adapter/observability"
	"github.com/codrlabs/codr/internal/autoscaler"
	"github.com/codrlabs/codr/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}
	if err := cfg.ValidateAutoscaler(); err != nil {
		slog.Error("config invalid", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg, "autoscaler")
	slog.SetDefault(logger)
	observability.InitMetrics()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(fmt.Sprintf(":%d", cfg.MetricsPort), mux); err != nil {
			slog.Error("autoscaler metrics server error", slog.Any("error", err))
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

	cp := machines.New(cfg.ControlPlaneBaseURL, cfg.ControlPlaneToken)
	scaler := autoscaler.New(
		redisbroker.NewBus(broker),
		redisbroker.NewQueue(broker),
		cp,
		cfg.LanguageApps,
		broker.Ping,
		cfg.ScaleTickInterval,
		cfg.ScaleDebounce,
		cfg.ScaleHealthPing,
	)

	if err := scaler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("autoscaler failed", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("autoscaler stopped")
}
