// Package bootstrap wires configuration into stores, providers and use cases.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"docqa/config"
	"docqa/internal/adapter/analyzer"
	"docqa/internal/adapter/cache"
	"docqa/internal/adapter/chunker"
	"docqa/internal/adapter/embedding"
	"docqa/internal/adapter/memstore"
	"docqa/internal/adapter/store"
	"docqa/internal/logging"
	"docqa/internal/metrics"
	"docqa/internal/port"
	"docqa/internal/usecase"
)

// App holds the wired components one command works with.
type App struct {
	Config  *config.Config
	Logger  *zap.Logger
	PromReg *prometheus.Registry
	Metrics *metrics.Metrics

	Docs     port.DocumentStore
	Vectors  port.VectorStore
	Registry *usecase.Registry
	Profiles *cache.ProfileCache
	Router   *usecase.Router
	Engine   *usecase.RetrievalEngine
	// Retriever is Engine behind the result cache.
	Retriever port.Retriever
	Ingest    *usecase.IngestUseCase

	dataDir string
	closers []func() error
}

// Open builds the registry from the configured providers, opens the
// configured store backend under the data directory and wires the use cases.
func Open(ctx context.Context, cfg *config.Config, root string, logger *zap.Logger) (*App, error) {
	logger = logging.OrNop(logger)
	a := &App{
		Config:  cfg,
		Logger:  logger,
		PromReg: prometheus.NewRegistry(),
		dataDir: cfg.DataDir(root),
	}
	a.Metrics = metrics.New(a.PromReg)

	tokenizer := analyzer.NewTokenizer()

	registry, err := buildRegistry(ctx, cfg, tokenizer, logger, a.Metrics)
	if err != nil {
		return nil, err
	}
	a.Registry = registry

	if err := a.openStores(cfg, store.WithAllowedDimensions(registry.Dimensions()...)); err != nil {
		a.Close()
		return nil, err
	}

	a.Profiles = cache.NewProfileCache(a.Vectors, cfg.Router.ProfileTTL)
	a.Router = usecase.NewRouter(registry, a.Profiles, logger, a.Metrics)
	a.Engine = usecase.NewRetrievalEngine(a.Router, registry, a.Vectors, a.Docs, tokenizer, cfg.Retrieve, logger, a.Metrics)
	a.Retriever = a.Engine
	if cfg.Retrieve.CacheSize > 0 {
		a.Retriever = cache.NewCachedRetriever(a.Engine, cache.NewQueryCache(cfg.Retrieve.CacheSize, cfg.Retrieve.CacheTTL), a.Vectors, a.Router)
	}

	chk := chunker.NewSentenceChunker(tokenizer, cfg.Chunking.MinChars)
	a.Ingest = usecase.NewIngestUseCase(a.Docs, a.Vectors, chk, registry, cfg.Chunking, cfg.Ingest.BatchSize, logger)
	return a, nil
}

func buildRegistry(ctx context.Context, cfg *config.Config, tokenizer port.Tokenizer, logger *zap.Logger, m *metrics.Metrics) (*usecase.Registry, error) {
	var specs []usecase.ProviderSpec
	for _, pc := range cfg.Providers {
		if pc.Disabled {
			continue
		}
		provider, err := embedding.New(ctx, pc, tokenizer)
		if err != nil {
			if pc.ID == cfg.Registry.Fallback {
				return nil, fmt.Errorf("fallback provider %s: %w", pc.ID, err)
			}
			logger.Warn("embedding provider unavailable, skipping", zap.String("provider", pc.ID), zap.Error(err))
			continue
		}
		specs = append(specs, usecase.ProviderSpec{
			Provider:   provider,
			CallBudget: pc.CallBudget,
			Window:     pc.BudgetWindow,
			BatchLimit: pc.BatchLimit,
			RateLimit:  pc.RateLimit,
		})
	}
	if len(specs) == 0 {
		return nil, errors.New("no embedding provider could be configured")
	}

	opts := []usecase.RegistryOption{
		usecase.WithCallTimeout(cfg.Registry.CallTimeout),
		usecase.WithRegistryLogger(logger),
		usecase.WithRegistryMetrics(m),
	}
	if cfg.Registry.Fallback != "" {
		opts = append(opts, usecase.WithFallback(cfg.Registry.Fallback))
	}
	return usecase.NewRegistry(specs, opts...)
}

func (a *App) openStores(cfg *config.Config, opts ...store.IndexOption) error {
	if cfg.Store.Backend == "memory" {
		a.Docs = memstore.NewMemoryStore()
		a.Vectors = store.NewIndex(opts...)
		return nil
	}

	dataDir := a.dataDir
	if err := config.EnsureDataDir(dataDir); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	st, err := store.NewBoltStore(config.IndexDBPath(dataDir))
	if err != nil {
		return fmt.Errorf("failed to open index store: %w", err)
	}
	a.Docs = st
	a.closers = append(a.closers, st.Close)

	if err := a.migrate(st, cfg); err != nil {
		return err
	}

	switch cfg.Store.Backend {
	case "chromem":
		vs, err := store.NewChromemStore(filepath.Join(dataDir, "chromem"), cfg.Store.Compress, a.Logger, opts...)
		if err != nil {
			return fmt.Errorf("failed to open chromem store: %w", err)
		}
		a.Vectors = vs
	default:
		vs, err := store.NewBoltVectorStore(st.DB(), a.Logger, opts...)
		if err != nil {
			return fmt.Errorf("failed to open vector store: %w", err)
		}
		a.Vectors = vs
	}
	a.closers = append(a.closers, a.Vectors.Close)
	return nil
}

func (a *App) migrate(st *store.BoltStore, cfg *config.Config) error {
	result, err := st.CheckMigration(cfg)
	if err != nil {
		return fmt.Errorf("failed to check migration: %w", err)
	}
	if result.NeedsRebuild {
		return fmt.Errorf("index needs a rebuild: %s; remove %s and ingest again", result.Reason, a.dataDir)
	}
	if result.ConfigChanged {
		a.Logger.Warn("chunking configuration changed; existing chunks keep their old boundaries until re-ingested",
			zap.String("reason", result.Reason))
	}
	if result.NeedsMigration || result.ConfigChanged {
		a.Logger.Info("running schema migration",
			zap.Int("from", result.OldVersion), zap.Int("to", result.NewVersion), zap.String("reason", result.Reason))
		if err := st.Migrate(cfg); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Close releases stores in reverse order of opening.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.Logger.Warn("close failed", zap.Error(err))
		}
	}
	a.closers = nil
}
