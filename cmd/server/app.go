package main

import (
	"context"
	"fmt"
	"io"

	"github.com/pharmalens/backend/config"
	"github.com/pharmalens/backend/internal/domain"
	"github.com/pharmalens/backend/internal/infrastructure/cache"
	"github.com/pharmalens/backend/internal/infrastructure/catalog"
	"github.com/pharmalens/backend/internal/infrastructure/llm"
	"github.com/pharmalens/backend/internal/infrastructure/persistence"
	"github.com/pharmalens/backend/internal/infrastructure/websearch"
	"github.com/pharmalens/backend/internal/platform/logger"
	"github.com/pharmalens/backend/internal/usecase"
)

// app owns every long-lived dependency of one process
type app struct {
	cfg     *config.Config
	log     *logger.Logger
	store   *persistence.Store
	cache   domain.CacheRepository
	service *usecase.SourcingService
	closers []io.Closer
}

// newApp opens the store and cache and registers every configured source
func newApp(ctx context.Context, cfg *config.Config, log *logger.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log}

	store, err := persistence.Open(cfg.Database, log)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.store = store
	a.closers = append(a.closers, store)

	if err := a.openCache(ctx); err != nil {
		a.close()
		return nil, err
	}

	adapters, err := a.sources(ctx)
	if err != nil {
		a.close()
		return nil, err
	}
	if len(adapters) == 0 {
		log.Warn("no sources configured, searches will only return stored records")
	}

	table, err := usecase.LoadTierTable(cfg.Scoring.TableFile)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("load scoring table: %w", err)
	}

	scorer := usecase.NewScorer(table, cfg.Scoring.Increment)
	store.SetIncrement(scorer.Increment())

	a.service = usecase.NewSourcingService(
		adapters,
		usecase.NewNormalizer(cfg.Scoring.MinReportedConfidence, log),
		scorer,
		store,
		a.cache,
		usecase.SourcingServiceConfig{
			SourceTimeout:  cfg.Sources.Timeout,
			MaxConcurrency: cfg.Sources.MaxConcurrency,
			CacheTTL:       cfg.Cache.TTL,
		},
		log,
	)

	log.Info("service ready",
		"backend", store.Backend(),
		"cache", cfg.Cache.Type,
		"sources", a.service.Adapters(),
	)
	return a, nil
}

func (a *app) openCache(ctx context.Context) error {
	switch a.cfg.Cache.Type {
	case "redis":
		rc, err := cache.NewRedisCache(ctx, a.cfg.Cache.RedisURL, a.log)
		if err != nil {
			return fmt.Errorf("open redis cache: %w", err)
		}
		a.cache = rc
		a.closers = append(a.closers, rc)
	default:
		mc := cache.NewMemoryCache()
		a.cache = mc
		a.closers = append(a.closers, mc)
	}
	return nil
}

// sources builds the adapters that have credentials or a file configured
func (a *app) sources(ctx context.Context) ([]domain.SourceAdapter, error) {
	cfg := a.cfg.Sources
	var adapters []domain.SourceAdapter

	if cfg.Catalog.Path != "" {
		cat, err := catalog.Load(cfg.Catalog.Path, a.log)
		if err != nil {
			return nil, fmt.Errorf("load catalog: %w", err)
		}
		adapters = append(adapters, cat)
	}

	models, err := llm.NewAdapters(ctx, cfg, a.log)
	if err != nil {
		return nil, err
	}
	for _, m := range models {
		adapters = append(adapters, m)
		a.closers = append(a.closers, m)
	}

	if cfg.Search.BaseURL != "" {
		search := websearch.NewClient(cfg.Search.BaseURL, cfg.Search.APIKey, cfg.Search.MaxResults, cfg.Search.Rate, a.log)
		if a.cfg.Server.Environment == "development" {
			search.SetDebug(true)
		}
		adapters = append(adapters, search)
	}

	return adapters, nil
}

// close releases dependencies in reverse order of acquisition
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.log.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
}
