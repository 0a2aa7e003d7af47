package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ragline.dev/ragline/internal/api"
	"ragline.dev/ragline/internal/backend"
	"ragline.dev/ragline/internal/config"
	"ragline.dev/ragline/internal/core"
	"ragline.dev/ragline/internal/loadmon"
	"ragline.dev/ragline/internal/ratelimit"
	"ragline.dev/ragline/internal/router"
	"ragline.dev/ragline/internal/store"
)

const (
	geminiEmbeddingModel = "text-embedding-004"
	openaiEmbeddingModel = "text-embedding-3-small"
)

func main() {
	// Load configuration
	config.LoadConfig()
	cfg := config.AppConfig

	// Setup logging
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	if cfg.LogLevel == "DEBUG" {
		log.Println("Service starting in DEBUG mode")
	}

	// Initialize database store
	dbStore, err := store.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer dbStore.Close()

	// Load monitor and backend pool. Registration order is the preference
	// order: local first, then cloud by cost.
	monitor := loadmon.NewMonitor(cfg.LoadWindow)
	pool := backend.NewPool(monitor)

	if cfg.OllamaURL != "" {
		pool.Add(backend.NewLocal(cfg.OllamaURL, cfg.OllamaModel), cfg.LocalMaxConcurrency, cfg.LocalTimeout, cfg.UnavailableCooldown)
		log.Printf("Configured local backend at %s (model %s, concurrency %d)", cfg.OllamaURL, cfg.OllamaModel, cfg.LocalMaxConcurrency)
	}

	var gemini *backend.Gemini
	if cfg.GeminiAPIKey != "" {
		gemini, err = backend.NewGemini(context.Background(), cfg.GeminiAPIKey, cfg.GeminiModel, cfg.MaxRetries, cfg.RetryBackoffBase)
		if err != nil {
			log.Fatalf("Failed to initialize Gemini backend: %v", err)
		}
		defer gemini.Close()
		pool.Add(gemini, cfg.CloudMaxConcurrency, cfg.CloudTimeout, cfg.UnavailableCooldown)
		log.Printf("Configured Gemini backend (model %s)", cfg.GeminiModel)
	}

	if cfg.OpenAIAPIKey != "" {
		pool.Add(backend.NewOpenAI(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, cfg.OpenAIModel, cfg.MaxRetries, cfg.RetryBackoffBase), cfg.CloudMaxConcurrency, cfg.CloudTimeout, cfg.UnavailableCooldown)
		log.Printf("Configured OpenAI backend (model %s)", cfg.OpenAIModel)
	}

	// Embeddings ride on whichever cloud credential exists.
	var embedder core.Embedder
	switch {
	case gemini != nil:
		embedder = backend.NewGeminiEmbedder(gemini.Client(), geminiEmbeddingModel)
	case cfg.OpenAIAPIKey != "":
		embedder = backend.NewOpenAIEmbedder(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, openaiEmbeddingModel)
	default:
		log.Fatal("No embedding provider configured. Set GEMINI_API_KEY or OPENAI_API_KEY")
	}

	// Core services
	tenants, err := core.NewTenantService(dbStore)
	if err != nil {
		log.Fatalf("Failed to initialize tenant service: %v", err)
	}

	limiter := ratelimit.NewLimiter(
		ratelimit.ClassConfig{Capacity: cfg.UserBucketCapacity, RefillPerMinute: cfg.UserRefillPerMinute},
		ratelimit.ClassConfig{Capacity: cfg.AdminBucketCapacity, RefillPerMinute: cfg.AdminRefillPerMinute},
	)

	rt := router.New(router.Config{
		LowRPM:           cfg.RouterLowRPM,
		HighRPM:          cfg.RouterHighRPM,
		HysteresisMargin: cfg.HysteresisMargin,
		SustainTicks:     cfg.SustainTicks,
		TickInterval:     cfg.TickInterval,
	}, pool, monitor)

	retriever := core.NewRetriever(dbStore, embedder)
	history := core.NewHistoryStore(dbStore, cfg.HistoryLimit)
	queryService := core.NewQueryService(limiter, tenants, retriever, history, rt)

	// Drive router observation ticks for the lifetime of the process.
	tickCtx, stopTicks := context.WithCancel(context.Background())
	defer stopTicks()
	go rt.Run(tickCtx)

	// Initialize API handler and router
	apiHandler := api.NewAPIHandler(queryService, tenants, history, retriever, limiter, rt, pool, monitor)
	httpRouter := api.NewRouter(apiHandler)

	// Start HTTP server
	serverAddr := fmt.Sprintf(":%s", cfg.HTTPPort)

	srv := &http.Server{
		Addr:         serverAddr,
		Handler:      httpRouter,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.LocalTimeout + 30*time.Second, // generation calls can take a while
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown handling
	go func() {
		log.Printf("Starting server on %s. Press Ctrl+C to quit.", serverAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Could not listen on %s: %v\n", serverAddr, err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exiting gracefully")
}
