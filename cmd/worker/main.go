package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"inkwell/internal/api/scheduler"
	"inkwell/internal/config"
	"inkwell/internal/pkg/logger"
	"inkwell/internal/pkg/mailqueue"
	"inkwell/internal/pkg/metrics"
	"inkwell/internal/pkg/notify"
	"inkwell/internal/pkg/ratelimit"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

// main is the entry point of the mail worker.
//
// It consumes the mail stream, sends each message through SMTP at the
// configured rate and serves Prometheus metrics.
func main() {
	config.LoadDotEnv()
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	appLogger := logger.NewDefault(cfg.App.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics.InitMetrics()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		appLogger.Error("connect redis failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	hostname, _ := os.Hostname()
	consumer, err := mailqueue.NewConsumer(ctx, rdb, appLogger,
		cfg.App.MailStream, cfg.App.MailGroup, fmt.Sprintf("%s-%d", hostname, os.Getpid()),
		mailqueue.WithMaxRetry(cfg.App.MailMaxRetry),
		mailqueue.WithPendingIdle(scheduler.ReclaimIdle(cfg.App.QueueCapacity, cfg.App.MailRateLimit)),
	)
	if err != nil {
		appLogger.Error("init mail consumer failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	mailer := notify.NewEmailNotifier(&cfg.Email, appLogger)
	throttle := ratelimit.NewRedisRateLimiter(rdb, appLogger, "inkwell:ratelimit:mail", cfg.App.MailRateLimit, cfg.App.MailRateBurst)
	worker := scheduler.NewMailWorker(consumer, mailer, throttle, appLogger, cfg.App.WorkerPoolSize, cfg.App.QueueCapacity)

	metricsAddr := ":2112"
	if v := os.Getenv("WORKER_METRICS_ADDR"); v != "" {
		metricsAddr = v
	}
	metricsServer := &http.Server{
		Addr:              metricsAddr,
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		appLogger.Info("metrics server listening", slog.String("addr", metricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Error("metrics server failed", slog.String("error", err.Error()))
		}
	}()

	if err := worker.Run(ctx); err != nil {
		appLogger.Error("mail worker stopped", slog.String("error", err.Error()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("metrics shutdown failed", slog.String("error", err.Error()))
	}
}
