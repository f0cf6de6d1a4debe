// echoworker - development stand-in for the external AI worker
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/deskrelay/internal/config"
	"github.com/ashureev/deskrelay/internal/queue"
	"github.com/ashureev/deskrelay/internal/worker"
	"github.com/google/uuid"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

type workerConfig struct {
	Queue          config.QueueConfig
	WorkerGroup    string        `env:"ECHO_GROUP" env-default:"deskrelay-workers"`
	Delay          time.Duration `env:"ECHO_DELAY" env-default:"500ms"`
	DuplicateEvery int           `env:"ECHO_DUPLICATE_EVERY" env-default:"0"`
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg workerConfig
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	if cfg.Queue.RedisURL == "" {
		slog.Error("REDIS_URL is required")
		os.Exit(1)
	}

	opts, err := redis.ParseURL(cfg.Queue.RedisURL)
	if err != nil {
		slog.Error("Invalid REDIS_URL", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(opts)
	defer func() {
		if closeErr := rdb.Close(); closeErr != nil {
			slog.Error("Failed to close redis client", "error", closeErr)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	in, err := queue.NewRedisStream(ctx, rdb, queue.RedisStreamOptions{
		Stream:       cfg.Queue.RequestStream,
		Group:        cfg.WorkerGroup,
		Consumer:     "echo-" + uuid.NewString(),
		Block:        cfg.Queue.Block,
		ClaimMinIdle: cfg.Queue.ClaimMinIdle,
	}, logger)
	if err != nil {
		slog.Error("Failed to subscribe to request stream", "error", err)
		os.Exit(1)
	}
	out := queue.NewRedisPublisher(rdb, cfg.Queue.ResponseStream, 0)

	w := worker.NewEcho(in, out, worker.Options{
		Delay:          cfg.Delay,
		DuplicateEvery: cfg.DuplicateEvery,
	}, logger)
	if err := w.Run(ctx); err != nil {
		slog.Error("Echo worker failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Echo worker stopped")
}
