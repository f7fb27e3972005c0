package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/xxxsen/common/logger"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/docindex/internal/ai"
	"github.com/xxxsen/docindex/internal/chunker"
	"github.com/xxxsen/docindex/internal/config"
	"github.com/xxxsen/docindex/internal/db"
	"github.com/xxxsen/docindex/internal/embedcache"
	"github.com/xxxsen/docindex/internal/fetcher"
	"github.com/xxxsen/docindex/internal/repo"
	"github.com/xxxsen/docindex/internal/service"
	"github.com/xxxsen/docindex/internal/snapshot"
)

type app struct {
	cfg        *config.Config
	db         *sql.DB
	libraries  *repo.LibraryRepo
	jobs       *repo.JobRepo
	cache      *repo.EmbeddingCacheRepo
	population *service.PopulationService
	query      *service.QueryService
	library    *service.LibraryService
}

func loadConfig(path string, console bool) (*config.Config, error) {
	if path == "" {
		return nil, fmt.Errorf("--config is required")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	logger.Init(
		cfg.LogConfig.File,
		cfg.LogConfig.Level,
		int(cfg.LogConfig.FileCount),
		int(cfg.LogConfig.FileSize),
		int(cfg.LogConfig.KeepDays),
		cfg.LogConfig.Console && console,
	)
	logutil.GetLogger(context.Background()).Info("config loaded", zap.String("config", path))
	return cfg, nil
}

// newApp opens the database and wires the services. Jobs started by the
// population service run under baseCtx.
func newApp(baseCtx context.Context, cfg *config.Config) (*app, error) {
	logger := logutil.GetLogger(baseCtx)
	sqlDB, err := db.Open(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.ApplyMigrations(sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	indexed, err := db.EnsureVectorIndex(sqlDB, cfg.Embedding.Dimension, cfg.Search.Metric)
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	if !indexed {
		logger.Warn("embedding dimension exceeds the ann index limit, similarity search will scan",
			zap.Int("dimension", cfg.Embedding.Dimension))
	}

	a := &app{
		cfg:       cfg,
		db:        sqlDB,
		libraries: repo.NewLibraryRepo(sqlDB),
		jobs:      repo.NewJobRepo(sqlDB),
		cache:     repo.NewEmbeddingCacheRepo(sqlDB),
	}
	chunks := repo.NewChunkRepo(sqlDB)

	base, err := ai.BuildEmbedder(cfg.Embedding)
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("init embedder: %w", err)
	}
	documentEmbedder := base
	if cfg.Embedding.DBCache {
		documentEmbedder = embedcache.WrapDBCacheToEmbedder(base, a.cache)
	}
	queryEmbedder := embedcache.WrapLruCacheToEmbedder(base, cfg.QueryCache.Size, time.Duration(cfg.QueryCache.TTLSeconds)*time.Second)
	summarizer, err := ai.BuildSummarizer(cfg.Summarizer)
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("init summarizer: %w", err)
	}
	snapshots, err := snapshot.New(cfg.Snapshot)
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("init snapshot store: %w", err)
	}
	docsFetcher, err := fetcher.New(cfg.Fetcher)
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("init fetcher: %w", err)
	}

	a.population = service.NewPopulationService(service.PopulationDeps{
		Libraries: a.libraries,
		Jobs:      a.jobs,
		Chunks:    chunks,
		Fetcher:   docsFetcher,
		Chunker:   chunker.New(cfg.Population.MaxChunkTokens),
		Embedder:  documentEmbedder,
		Snapshots: snapshots,
	}, service.PopulationConfig{
		Workers:      cfg.Population.Workers,
		RetryBudget:  cfg.Population.RetryBudget,
		BackoffBase:  time.Duration(cfg.Population.BackoffBaseMs) * time.Millisecond,
		BackoffMax:   time.Duration(cfg.Population.BackoffMaxMs) * time.Millisecond,
		StaleAfter:   time.Duration(cfg.Population.StaleJobMinutes) * time.Minute,
		RefreshAfter: time.Duration(cfg.Population.RefreshHours) * time.Hour,
		Metric:       cfg.Search.Metric,
	}, service.WithBaseContext(baseCtx))
	a.query = service.NewQueryService(a.libraries, chunks, queryEmbedder, summarizer, service.QueryConfig{
		TopK:             cfg.Search.TopK,
		Metric:           cfg.Search.Metric,
		SummaryCacheSize: cfg.QueryCache.Size,
		SummaryCacheTTL:  time.Duration(cfg.QueryCache.TTLSeconds) * time.Second,
	})
	a.library = service.NewLibraryService(a.libraries, a.jobs, a.population, a.query)

	logger.Info("services initialized",
		zap.String("embedding_provider", cfg.Embedding.Provider),
		zap.String("embedding_model", base.ModelName()),
		zap.Int("dimension", base.Dimension()),
		zap.Bool("summarizer", summarizer != nil),
		zap.String("snapshot", cfg.Snapshot.Type),
	)
	return a, nil
}

// bootstrap fails jobs abandoned by a previous process and enqueues every
// enabled library that has never been populated.
func (a *app) bootstrap(ctx context.Context) {
	logger := logutil.GetLogger(ctx)
	if n, err := a.population.RecoverStaleJobs(ctx); err != nil {
		logger.Error("recover stale jobs failed", zap.Error(err))
	} else if n > 0 {
		logger.Info("stale jobs recovered", zap.Int64("count", n))
	}
	n, err := a.population.ScanAndEnqueue(ctx)
	if err != nil {
		logger.Error("auto population scan failed", zap.Error(err))
		return
	}
	logger.Info("auto population scan finished", zap.Int("enqueued", n))
}

func (a *app) Close() {
	a.population.Wait()
	if err := a.db.Close(); err != nil {
		logutil.GetLogger(context.Background()).Error("close db failed", zap.Error(err))
	}
}
