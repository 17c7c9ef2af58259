package main

import (
	"context"
	"fmt"

	"github.com/nidhogg/nuka-memory/internal/config"
	"github.com/nidhogg/nuka-memory/internal/dedup"
	pgstore "github.com/nidhogg/nuka-memory/internal/store"
	"github.com/nidhogg/nuka-memory/internal/vectorstore"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func newLogger(level string) (*zap.Logger, error) {
	lvl := zapcore.InfoLevel
	if level != "" {
		if err := lvl.Set(level); err != nil {
			return nil, fmt.Errorf("log level %q: %w", level, err)
		}
	}
	zcfg := zap.NewProductionConfig()
	if lvl == zapcore.DebugLevel {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}

// setupTracing installs a stdout span exporter when enabled. The returned
// function flushes it.
func setupTracing(cfg config.TracingConfig) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("create stdout exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

func openStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (vectorstore.Store, error) {
	switch cfg.Backend {
	case "postgres":
		s, err := pgstore.New(ctx, pgstore.Config{
			DSN:      cfg.Postgres.DSN,
			MinConns: cfg.Postgres.MinConns,
			MaxConns: cfg.Postgres.MaxConns,
		}, logger)
		if err != nil {
			return nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			s.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		return s, nil
	case "sqlite":
		s, err := vectorstore.NewSQLiteStore(cfg.SQLite.Path, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "qdrant":
		s, err := vectorstore.NewQdrantStore(ctx, vectorstore.QdrantConfig{
			Host:       cfg.Qdrant.Host,
			Port:       cfg.Qdrant.Port,
			Collection: cfg.Qdrant.Collection,
		}, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "chromem":
		s, err := vectorstore.NewChromemStore(cfg.Chromem.Collection, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

func openDedup(ctx context.Context, cfg config.DedupConfig, store vectorstore.Store, logger *zap.Logger) (dedup.Index, error) {
	switch cfg.Backend {
	case "redis":
		idx, err := dedup.NewRedisIndex(ctx, cfg.RedisURL, cfg.TTL.Std(), logger)
		if err != nil {
			return nil, err
		}
		return idx, nil
	case "memory":
		return dedup.NewMemoryIndex(), nil
	default:
		return dedup.NewStoreIndex(store), nil
	}
}
