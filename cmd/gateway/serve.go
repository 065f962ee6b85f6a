package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mrmushfiq/llm0-gateway/internal/gateway/auth"
	"github.com/mrmushfiq/llm0-gateway/internal/gateway/billing"
	"github.com/mrmushfiq/llm0-gateway/internal/gateway/breaker"
	"github.com/mrmushfiq/llm0-gateway/internal/gateway/cache"
	"github.com/mrmushfiq/llm0-gateway/internal/gateway/deprecation"
	"github.com/mrmushfiq/llm0-gateway/internal/gateway/handlers"
	"github.com/mrmushfiq/llm0-gateway/internal/gateway/providers"
	"github.com/mrmushfiq/llm0-gateway/internal/gateway/router"
	"github.com/mrmushfiq/llm0-gateway/internal/shared/config"
	"github.com/mrmushfiq/llm0-gateway/internal/shared/database"
	"github.com/mrmushfiq/llm0-gateway/internal/shared/redis"
)

func newServeCmd() *cobra.Command {
	var migrate bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(migrate)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", false, "apply the schema before serving")
	return cmd
}

func serve(migrate bool) error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log.Printf("Starting LLM Gateway on port %s (env: %s)", cfg.Port, cfg.Env)

	// Setup context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database
	db, err := database.New(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()
	log.Printf("✓ Connected to %s", db.Driver())

	if migrate {
		if err := db.Migrate(ctx); err != nil {
			return err
		}
		log.Println("✓ Schema migrated")
	}

	// Initialize Redis
	redisClient, err := redis.New(ctx, cfg.RedisURL)
	if err != nil {
		return err
	}
	defer redisClient.Close()
	log.Println("✓ Connected to Redis")

	rates := billing.NewExchangeRates()
	if err := rates.Load(ctx, db); err != nil {
		log.Printf("billing: initial exchange rate load failed: %v", err)
	}
	rates.StartSync(ctx, db, cfg.ExchangeRefresh())
	log.Printf("✓ Loaded %d exchange rates (ledger currency %s)", rates.Len(), cfg.LedgerCurrency)

	if interval := cfg.PriceSyncInterval(); interval > 0 {
		billing.NewPriceSync(cfg.PriceSyncURL, db, nil).StartSync(ctx, interval)
		log.Printf("✓ Price sync every %s from %s", interval, cfg.PriceSyncURL)
	}

	// Initialize provider adaptors
	tokens := auth.NewTokenSource(cfg.VertexTokenURL, nil, auth.NewTokenCache())
	adaptors := providers.NewFactory(db, tokens)
	log.Println("✓ Initialized LLM providers")

	b := breaker.New(cfg.BreakerThreshold, cfg.BreakerCooldown())

	var cacheService *cache.Cache
	if cfg.CacheEnabled {
		cacheService = cache.New(redisClient)
		log.Println("✓ Initialized cache")
	}

	// Initialize handlers
	chatHandler := handlers.NewChatHandler(handlers.Deps{
		Router:      router.New(db),
		Breaker:     b,
		Adaptors:    adaptors,
		Billing:     billing.NewEngine(db, rates, db, cfg.LedgerCurrency),
		Detector:    deprecation.New(db, adaptors),
		Cache:       cacheService,
		Logs:        db,
		Client:      handlers.NewUpstreamClient(cfg.UpstreamTimeout()),
		MaxAttempts: cfg.MaxFailoverAttempts,
		CacheTTL:    time.Duration(cfg.CacheTTLSeconds) * time.Second,
	})
	middleware := handlers.NewMiddleware(db, redisClient, cfg.DefaultRateLimit)

	// Buffered requests get every failover attempt plus time to read the
	// body. Streams are not bounded here.
	requestTimeout := time.Duration(cfg.MaxFailoverAttempts)*cfg.UpstreamTimeout() + time.Minute

	// HTTP server
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handlers.NewRouter(chatHandler, middleware, b, requestTimeout),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Start server in a goroutine
	errCh := make(chan error, 1)
	go func() {
		log.Printf("🚀 Server listening on http://localhost:%s", cfg.Port)
		log.Println("   POST /v1/chat/completions          - Chat completions (OpenAI-compatible)")
		log.Println("   POST /v1beta/models/{model}:{method} - Gemini native passthrough")
		log.Println("   GET  /internal/breaker             - Circuit breaker state")
		log.Println("   GET  /health                       - Health check")
		log.Println("")
		log.Println("Ready to accept requests!")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigChan:
	case err := <-errCh:
		return err
	}

	log.Println("Shutting down gracefully...")

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	log.Println("Server stopped")
	return nil
}
