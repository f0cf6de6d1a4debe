// deskrelay - asynchronous AI response delivery server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/deskrelay/internal/api"
	"github.com/ashureev/deskrelay/internal/config"
	"github.com/ashureev/deskrelay/internal/consumer"
	"github.com/ashureev/deskrelay/internal/health"
	"github.com/ashureev/deskrelay/internal/identity"
	"github.com/ashureev/deskrelay/internal/middleware"
	"github.com/ashureev/deskrelay/internal/push"
	"github.com/ashureev/deskrelay/internal/queue"
	"github.com/ashureev/deskrelay/internal/registry"
	"github.com/ashureev/deskrelay/internal/store"
	"github.com/ashureev/deskrelay/internal/worker"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sourcegraph/conc"
)

const requestStreamMaxLen = 100_000

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server",
		"port", cfg.Port,
		"dev", cfg.IsDevelopment(),
		"db_driver", cfg.DBDriver,
		"redis", cfg.UsesRedis(),
		"persist_failure_policy", cfg.Consumer.PersistFailurePolicy,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize dependencies.
	repo, err := openStore(ctx, cfg)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(ctx); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	var wg conc.WaitGroup

	checks := []health.Check{{Name: "store", Pinger: repo}}
	var (
		responses queue.Queue
		requests  queue.Publisher
		closeMem  func()
	)
	if cfg.UsesRedis() {
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

		stream, err := queue.NewRedisStream(ctx, rdb, queue.RedisStreamOptions{
			Stream:       cfg.Queue.ResponseStream,
			Group:        cfg.Queue.Group,
			Consumer:     cfg.Queue.Consumer,
			Block:        cfg.Queue.Block,
			ClaimMinIdle: cfg.Queue.ClaimMinIdle,
		}, logger)
		if err != nil {
			slog.Error("Failed to subscribe to response stream", "error", err)
			os.Exit(1)
		}
		responses = stream
		requests = queue.NewRedisPublisher(rdb, cfg.Queue.RequestStream, requestStreamMaxLen)
		checks = append(checks, health.Check{Name: "queue", Pinger: stream})
	} else {
		// No external worker can reach an in-process queue, so answer
		// requests with the echo worker.
		reqQ, respQ := queue.NewMemory(), queue.NewMemory()
		responses, requests = respQ, reqQ
		closeMem = func() {
			reqQ.Close()
			respQ.Close()
		}
		echo := worker.NewEcho(reqQ, respQ, worker.Options{Delay: 500 * time.Millisecond}, logger.With("component", "echo_worker"))
		wg.Go(func() {
			if err := echo.Run(ctx); err != nil {
				slog.Error("Echo worker stopped", "error", err)
			}
		})
		slog.Warn("REDIS_URL not set, using in-process queue with the echo worker")
	}

	// Initialize services.
	reg := registry.New(logger.With("component", "registry"))
	respConsumer := consumer.New(responses, repo, reg, consumer.Options{
		PersistFailurePolicy: cfg.Consumer.PersistFailurePolicy,
		PersistRetries:       cfg.Consumer.PersistRetries,
	}, logger.With("component", "consumer"))

	// Initialize handlers.
	intake := api.NewHandler(repo, requests, api.Options{
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		RatePerMinute:       cfg.IntakeRatePerMinute,
	}, logger.With("component", "intake"))
	pushHandler := push.NewHandler(reg, push.OptionsFromConfig(cfg.Push, cfg.AllowedOrigins()), logger.With("component", "push"))
	checker := health.NewChecker(2*time.Second, logger, checks...)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.AllowedOrigins()))

	// Public routes.
	r.Get("/readyz", checker.ReadyHandler())
	r.Handle("/metrics", promhttp.Handler())

	// Tenant-scoped routes.
	r.Route("/api/tenants/{"+identity.TenantURLParam+"}", func(r chi.Router) {
		r.Use(identity.Middleware(cfg.TenantTokens, cfg.IsDevelopment()))
		intake.RegisterRoutes(r)
		pushHandler.RegisterRoutes(r)
	})

	// Create server.
	// Push streams are long-lived, so there is no WriteTimeout; request
	// contexts derive from ctx so open streams end on shutdown.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	// Start background workers.
	wg.Go(func() {
		if err := respConsumer.Run(ctx); err != nil {
			slog.Error("Response consumer stopped", "error", err)
		}
	})
	wg.Go(func() { intake.Limiter().Run(ctx, 10*time.Minute) })

	var grpcHealth *health.GRPCServer
	if cfg.GRPCHealthPort != "" {
		lis, err := net.Listen("tcp", ":"+cfg.GRPCHealthPort)
		if err != nil {
			slog.Error("Failed to listen for gRPC health", "error", err)
			os.Exit(1)
		}
		grpcHealth = health.NewGRPCServer(checker, 5*time.Second, logger)
		wg.Go(func() {
			if err := grpcHealth.Serve(lis); err != nil {
				slog.Error("gRPC health server failed", "error", err)
			}
		})
		wg.Go(func() { grpcHealth.Watch(ctx) })
	}

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			stop()
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...", "open_push_connections", reg.Total())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}
	if grpcHealth != nil {
		grpcHealth.Stop()
	}
	if closeMem != nil {
		closeMem()
	}
	wg.Wait()

	slog.Info("Server stopped successfully")
}

func openStore(ctx context.Context, cfg *config.Config) (store.Repository, error) {
	if cfg.UsesPostgres() {
		return store.NewPostgres(ctx, cfg.DatabaseURL)
	}
	return store.NewSQLite(cfg.DBPath)
}
