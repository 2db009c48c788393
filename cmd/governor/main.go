package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"golang.org/x/time/rate"

	"github.com/vnmchuo/llm-governor/config"
	"github.com/vnmchuo/llm-governor/internal/anomaly"
	"github.com/vnmchuo/llm-governor/internal/api"
	"github.com/vnmchuo/llm-governor/internal/cache"
	"github.com/vnmchuo/llm-governor/internal/circuit"
	"github.com/vnmchuo/llm-governor/internal/database"
	"github.com/vnmchuo/llm-governor/internal/execution"
	"github.com/vnmchuo/llm-governor/internal/governor"
	"github.com/vnmchuo/llm-governor/internal/ledger"
	"github.com/vnmchuo/llm-governor/internal/policy"
	"github.com/vnmchuo/llm-governor/internal/provider"
	"github.com/vnmchuo/llm-governor/internal/provider/claude"
	"github.com/vnmchuo/llm-governor/internal/provider/gemini"
	"github.com/vnmchuo/llm-governor/internal/provider/openai"
	"github.com/vnmchuo/llm-governor/internal/rollout"
	"github.com/vnmchuo/llm-governor/internal/routing"
	"github.com/vnmchuo/llm-governor/internal/telemetry"
	"github.com/vnmchuo/llm-governor/internal/tenant"
	"github.com/vnmchuo/llm-governor/internal/worker"
	"github.com/vnmchuo/llm-governor/pkg/ratelimit"
)

const anomalyChannel = "governor:anomalies"

func main() {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := cfg.NewLogger(os.Stdout)
	slog.SetDefault(logger)

	fatal := func(msg string, err error) {
		logger.Error(msg, "error", err)
		os.Exit(1)
	}

	// 2. Init telemetry
	shutdownTracer, err := telemetry.InitTracer("llm-governor", cfg, logger)
	if err != nil {
		fatal("failed to init tracer", err)
	}
	defer shutdownTracer()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. Connect PostgreSQL and apply the schema
	pool, err := database.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		fatal("failed to connect postgres", err)
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool); err != nil {
		fatal("failed to migrate schema", err)
	}
	logger.Info("PostgreSQL connected")

	// 4. Connect Redis
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		fatal("failed to ping redis", err)
	}
	logger.Info("Redis connected")

	// 5. Load policy and follow edits
	policySource, err := policy.NewFileSource(cfg.PolicyFile, logger)
	if err != nil {
		fatal("failed to load policy", err)
	}
	go func() {
		if err := policySource.Watch(ctx); err != nil {
			logger.Error("policy watcher stopped", "error", err)
		}
	}()

	// 6. Init tenants
	tenantStore := tenant.NewPostgresStore(pool)
	directory := tenant.NewDirectory(tenantStore, rdb, logger)
	authMiddleware := tenant.NewMiddleware(directory, logger)

	if os.Getenv("RUN_SEED") == "true" {
		tenant.Seed(ctx, tenantStore, logger)
	}

	// 7. Init governance components
	spendLedger := ledger.New(ledger.NewPostgresStore(pool), policySource, logger)
	breaker := circuit.New(circuit.NewPostgresStore(pool), policySource, logger)
	promptCache := cache.New(cache.NewRedisStore(rdb), policySource, logger)
	router := routing.New(policySource)
	rolloutStore := rollout.NewPostgresStore(pool)

	notifier := anomaly.Fanout{
		anomaly.NewLogNotifier(logger),
		anomaly.NewRedisNotifier(rdb, anomalyChannel, rate.NewLimiter(rate.Every(time.Minute), 5)),
	}
	detector := anomaly.NewDetector(anomaly.NewPostgresStore(pool), spendLedger, breaker, notifier, policySource, logger)

	// 8. Init providers
	providers := provider.NewPool(
		gemini.New(cfg.GeminiAPIKey),
		openai.New(cfg.OpenAIAPIKey),
		claude.New(cfg.AnthropicAPIKey),
	)

	// 9. Init governor
	tracer := otel.GetTracerProvider().Tracer("llm-governor")
	gov := governor.New(governor.Deps{
		Ledger:   spendLedger,
		Breaker:  breaker,
		Cache:    promptCache,
		Router:   router,
		Executor: execution.NewExecutor(providers),
		Splitter: rollout.NewSplitter(rolloutStore),
		Rollout:  rollout.NewController(rolloutStore, logger),
		Detector: detector,
		Tenants:  directory,
		Baseline: governor.NewDirectBaseline(providers, router),
		Policy:   policySource,
		Tracer:   tracer,
		Logger:   logger,
	})
	batch := worker.NewPool(gov, cfg.BatchConcurrency, logger)

	// 10. Init HTTP surface
	limiter := ratelimit.NewLimiter(rdb, cfg.DefaultRateLimitTPM)
	handler := api.NewHandler(gov, batch, limiter, tracer, logger)
	r := api.NewRouter(handler, authMiddleware, cfg.AdminAPIKey)

	// 11. Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 200 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("LLM Governor starting", "port", cfg.Port, "policy", cfg.PolicyFile)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatal("server error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("forced shutdown", "error", err)
	}
	logger.Info("Server stopped")
}
