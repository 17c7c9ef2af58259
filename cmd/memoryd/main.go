package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nidhogg/nuka-memory/internal/api"
	"github.com/nidhogg/nuka-memory/internal/bridge"
	"github.com/nidhogg/nuka-memory/internal/config"
	"github.com/nidhogg/nuka-memory/internal/dedup"
	"github.com/nidhogg/nuka-memory/internal/embedding"
	"github.com/nidhogg/nuka-memory/internal/policy"
	"github.com/nidhogg/nuka-memory/internal/promote"
	"github.com/nidhogg/nuka-memory/internal/task"
	"github.com/nidhogg/nuka-memory/internal/vectorstore"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	// Load configuration
	cfgPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Server.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid config", zap.String("path", cfgPath), zap.Error(err))
	}
	logger.Info("Starting Nuka Memory...",
		zap.String("config", cfgPath),
		zap.String("store", cfg.Store.Backend),
		zap.String("embedding", cfg.Embedding.Provider))

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	shutdownTracing, err := setupTracing(cfg.Tracing)
	if err != nil {
		logger.Fatal("tracing setup failed", zap.Error(err))
	}

	// Vector store
	store, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		logger.Fatal("store unavailable", zap.String("backend", cfg.Store.Backend), zap.Error(err))
	}

	// Embedding chain
	embedder, closeEmbedder, err := embedding.New(embedding.Config{
		Provider:        cfg.Embedding.Provider,
		Endpoint:        cfg.Embedding.Endpoint,
		Model:           cfg.Embedding.Model,
		APIKey:          cfg.Embedding.APIKey,
		Dimension:       cfg.Embedding.Dimension,
		BatchSize:       cfg.Embedding.BatchSize,
		Timeout:         cfg.Embedding.Timeout.Std(),
		BreakerFailures: cfg.Embedding.BreakerFailures,
		BreakerTimeout:  cfg.Embedding.BreakerTimeout.Std(),
		CacheSize:       cfg.Embedding.CacheSize,
		CacheTTL:        cfg.Embedding.CacheTTL.Std(),
	}, logger)
	if err != nil {
		logger.Fatal("embedding provider setup failed", zap.Error(err))
	}
	indexer := vectorstore.NewIndexer(store, embedder, logger)

	// Dedup index
	idx, err := openDedup(ctx, cfg.Dedup, store, logger)
	if err != nil {
		logger.Warn("dedup index unavailable, falling back to store lookups", zap.Error(err))
		idx = dedup.NewStoreIndex(store)
	}

	// Promotion graph
	var promoter promote.Promoter = promote.Nop{}
	if cfg.Promote.URI != "" {
		p, pErr := promote.NewNeo4jPromoter(ctx, cfg.Promote.URI, cfg.Promote.User, cfg.Promote.Password, logger)
		if pErr != nil {
			logger.Warn("Neo4j unavailable, running without promotion", zap.Error(pErr))
		} else {
			promoter = p
		}
	}

	tasks := task.NewManager(task.Config{
		Workers:      cfg.Tasks.Workers,
		QueueSize:    cfg.Tasks.QueueSize,
		Backpressure: task.Backpressure(cfg.Tasks.Backpressure),
		TaskTimeout:  cfg.Tasks.TaskTimeout.Std(),
	}, logger)

	mem, err := bridge.New(indexer,
		policy.NewEngine(policy.Config{
			MinLength:        cfg.Policy.MinLength,
			DurableThreshold: cfg.Policy.DurableThreshold,
		}, logger),
		idx, tasks, promoter,
		bridge.Options{
			Ingest: bridge.IngestConfig{
				IngestEnabled: cfg.Ingest.Enabled,
				MinScore:      cfg.Ingest.MinScore,
				TopK:          cfg.Ingest.TopK,
			},
			HistorySize:    cfg.HistorySize,
			WriteMode:      bridge.WriteMode(cfg.WriteMode),
			SkipDuplicates: cfg.Dedup.SkipDuplicates,
		}, logger)
	if err != nil {
		logger.Fatal("bridge setup failed", zap.Error(err))
	}

	// Build HTTP handler
	handler := api.NewHandler(mem, api.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		RateLimit: api.RateLimitConfig{
			RequestsPerMin: cfg.Server.RequestsPerMin,
			Burst:          cfg.Server.Burst,
		},
	}, logger)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           handler.Router(ctx),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Nuka Memory listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down Nuka Memory...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	tasks.Shutdown(cfg.Tasks.ShutdownTimeout.Std())
	stop()

	if err := promoter.Close(shutdownCtx); err != nil {
		logger.Warn("close promoter", zap.Error(err))
	}
	if err := idx.Close(); err != nil {
		logger.Warn("close dedup index", zap.Error(err))
	}
	closeEmbedder()
	if err := store.Close(); err != nil {
		logger.Warn("close store", zap.Error(err))
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("flush traces", zap.Error(err))
	}
}
