package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/modelgate/modelgate/config"
	"github.com/modelgate/modelgate/internal/auth"
	"github.com/modelgate/modelgate/internal/gate"
	"github.com/modelgate/modelgate/internal/kv"
	"github.com/modelgate/modelgate/internal/provider"
	"github.com/modelgate/modelgate/internal/provider/claude"
	"github.com/modelgate/modelgate/internal/provider/gemini"
	"github.com/modelgate/modelgate/internal/provider/openai"
	"github.com/modelgate/modelgate/internal/proxy"
	"github.com/modelgate/modelgate/internal/registry"
	"github.com/modelgate/modelgate/internal/routing"
	"github.com/modelgate/modelgate/internal/seeder"
	"github.com/modelgate/modelgate/internal/stream"
	"github.com/modelgate/modelgate/internal/telemetry"
	"github.com/modelgate/modelgate/internal/usage"
	"github.com/modelgate/modelgate/pkg/ratelimit"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	shutdownTracer, err := telemetry.InitTracer("modelgate", cfg)
	if err != nil {
		logger.Fatal("failed to init tracer", zap.Error(err))
	}
	defer shutdownTracer()

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("failed to connect postgres", zap.Error(err))
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		logger.Fatal("failed to ping postgres", zap.Error(err))
	}
	logger.Info("postgres connected")

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Fatal("failed to ping redis", zap.Error(err))
	}
	logger.Info("redis connected")

	store := kv.NewRedisStore(rdb)

	authStore := auth.NewPostgresStore(pool)
	authMiddleware := auth.NewMiddleware(authStore, rdb, logger)

	usageStore := usage.NewPostgresStore(pool)
	recorder := usage.NewRecorder(usageStore, 1024, logger)

	adapters := map[string]provider.Adapter{}
	descriptors := make([]registry.Descriptor, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		switch p.Name {
		case "openai":
			adapters[p.Name] = openai.New(p.BaseURL)
		case "claude":
			adapters[p.Name] = claude.New(p.BaseURL)
		case "gemini":
			adapters[p.Name] = gemini.New(p.BaseURL)
		default:
			logger.Fatal("unknown provider in config", zap.String("provider", p.Name))
		}

		creds := make([]registry.CredentialConfig, 0, len(p.Credentials))
		for _, c := range p.Credentials {
			creds = append(creds, registry.CredentialConfig{
				ID:       c.ID,
				Key:      c.Key,
				Priority: c.Priority,
				RPMHint:  c.RPMHint,
			})
		}
		descriptors = append(descriptors, registry.Descriptor{
			Name:        p.Name,
			BaseURL:     p.BaseURL,
			Models:      p.Models,
			Timeout:     p.Timeout,
			Credentials: creds,
		})
	}

	reg, err := registry.New(descriptors, adapters, store, logger)
	if err != nil {
		logger.Fatal("failed to build provider registry", zap.Error(err))
	}

	engine := routing.NewEngine(reg, reg.Providers(), routing.Options{
		Budget:             cfg.RequestBudget,
		CredentialCooldown: cfg.CredentialCooldown,
	}, logger)

	limiter := ratelimit.NewLimiter(rdb, cfg.RateLimitTPM)
	g, err := gate.New(store, limiter, gate.Options{
		RequestsPerMinute: cfg.RateLimitRPM,
		CacheTTL:          cfg.CacheTTL,
		CacheEnabled:      cfg.CacheEnabled,
		Coalesce:          cfg.CoalesceRequests,
	}, logger)
	if err != nil {
		logger.Fatal("failed to init gate", zap.Error(err))
	}

	mux := stream.NewMultiplexer(stream.Options{
		IdleTimeout: cfg.IdleStreamTimeout,
		MaxDuration: cfg.StreamMaxDuration,
	}, logger)

	tracer := otel.GetTracerProvider().Tracer("modelgate")
	handler := proxy.NewHandler(engine, reg, g, mux, recorder, usageStore, tracer, logger)

	if os.Getenv("RUN_SEED") == "true" {
		seeder.SeedTestAPIKey(ctx, authStore, logger)
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"modelgate"}`))
	})

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware)
		r.Post("/v1/chat/completions", handler.HandleChatCompletions)
		r.Get("/v1/usage", handler.HandleUsage)
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.StreamMaxDuration + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("gateway starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	<-quit
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal("forced shutdown", zap.Error(err))
	}

	// Flush any queued usage events before exiting; billing rows are the
	// one thing we do not want to lose on deploys.
	recorder.Close(5 * time.Second)
	logger.Info("server stopped")
}
