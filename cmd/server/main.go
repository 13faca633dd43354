// Command server starts the code execution API.
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

	"github.com/codrlabs/codr/internal/adapter/broker/redisbroker"
	"github.com/codrlabs/codr/internal/adapter/httpserver"
	"github.com/codrlabs/codr/internal/adapter/observability"
	"github.com/codrlabs/codr/internal/adapter/repo/redisjobs"
	"github.com/codrlabs/codr/internal/adapter/streaming"
	"github.com/codrlabs/codr/internal/app"
	"github.com/codrlabs/codr/internal/config"
	"github.com/codrlabs/codr/internal/service/ratelimiter"
	"github.com/codrlabs/codr/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	if err := cfg.ValidateAPI(); err != nil {
		slog.Error("config invalid", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg, "server")
	slog.SetDefault(logger)
	observability.InitMetrics()

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

	store := redisjobs.New(broker)
	queue := redisbroker.NewQueue(broker)
	bus := redisbroker.NewBus(broker)
	limiter := ratelimiter.New(broker, cfg.IPRateLimitPerMin, cfg.KeyRateLimitPerMin, cfg.APIKey)

	submitSvc := usecase.NewSubmitService(store, queue, bus)
	submitSvc.Auditor = broker
	resultSvc := usecase.NewResultService(store, broker)
	tokenSvc := usecase.NewTokenService(cfg.JWTKey)

	guard := streaming.NewGuard(cfg.StreamMaxConnsPerIP, cfg.StreamHandshakesPerMin, cfg.StreamBanDuration)
	hub := streaming.NewHub(bus, guard, broker, cfg.StreamIdleTimeout, cfg.StreamMaxLifetime)
	go hub.Run(ctx)
	stream := streaming.NewHandler(hub, tokenSvc, resultSvc, app.ParseOrigins(cfg.Origins))

	srv := httpserver.NewServer(cfg, submitSvc, resultSvc, tokenSvc, limiter)
	handler := app.BuildRouter(cfg, srv, stream)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
