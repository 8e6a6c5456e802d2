package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/pharmalens/backend/internal/domain"
	"github.com/pharmalens/backend/internal/platform/logger"
)

// SourcingServiceConfig holds configuration for the sourcing service
type SourcingServiceConfig struct {
	SourceTimeout  time.Duration
	MaxConcurrency int
	CacheTTL       time.Duration
}

// SourcingService drives one aggregation run: fan-out to adapters, normalize,
// score, merge against stored state, persist, and return the current view.
type SourcingService struct {
	adapters   []domain.SourceAdapter
	normalizer *Normalizer
	scorer     *Scorer
	merger     *MergeService
	store      domain.RecordStore
	cache      domain.CacheRepository
	cfg        SourcingServiceConfig
	log        *logger.Logger

	// cacheGen counts invalidations. A Known read only fills the cache if no
	// commit invalidated while it was reading.
	cacheMu  sync.Mutex
	cacheGen uint64
}

// NewSourcingService creates a new sourcing service with dependencies
func NewSourcingService(
	adapters []domain.SourceAdapter,
	normalizer *Normalizer,
	scorer *Scorer,
	store domain.RecordStore,
	cache domain.CacheRepository,
	config SourcingServiceConfig,
	log *logger.Logger,
) *SourcingService {
	if config.SourceTimeout <= 0 {
		config.SourceTimeout = 20 * time.Second
	}
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = 4
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = time.Hour
	}
	if log == nil {
		log = logger.Nop()
	}

	return &SourcingService{
		adapters:   adapters,
		normalizer: normalizer,
		scorer:     scorer,
		merger:     NewMergeService(scorer),
		store:      store,
		cache:      cache,
		cfg:        config,
		log:        log.With("service", "SourcingService"),
	}
}

// Adapters lists the configured source names
func (s *SourcingService) Adapters() []string {
	names := make([]string, 0, len(s.adapters))
	for _, a := range s.adapters {
		names = append(names, a.Name())
	}
	return names
}

// Run triggers a fresh aggregation and returns the updated record set
func (s *SourcingService) Run(ctx context.Context, q domain.Query) ([]domain.MergedRecord, error) {
	res, err := s.Search(ctx, q)
	if err != nil {
		return nil, err
	}
	return res.Records, nil
}

// Search is Run with a per-source report.
// Source failures never fail the call; only persistence errors do.
func (s *SourcingService) Search(ctx context.Context, q domain.Query) (*domain.SearchResult, error) {
	if q.API == "" {
		return nil, fmt.Errorf("%w: api name is required", domain.ErrInvalidRequest)
	}

	runID := uuid.NewString()
	log := s.log.With("run_id", runID, "api", q.API, "country", q.Country, "role", string(q.Role))
	start := time.Now()

	evidence, outcomes := s.collect(ctx, q, log)

	// A cancelled run must not write anything
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var candidates []domain.Candidate
	for i, batch := range evidence {
		produced := 0
		for _, c := range s.normalizer.NormalizeAll(batch) {
			if !inScope(c, q) {
				continue
			}
			candidates = append(candidates, c)
			produced++
		}
		outcomes[i].Candidates = produced
	}

	scopes := make([]scope, 0, 2)
	for _, role := range q.Roles() {
		scopes = append(scopes, scope{role: role, api: q.API, country: q.Country})
	}

	inserted, updated, err := s.commit(ctx, scopes, candidates, log)
	if err != nil {
		return nil, err
	}

	records, err := s.loadScopes(ctx, scopes)
	if err != nil {
		return nil, err
	}

	log.Info("run complete",
		"candidates", len(candidates),
		"inserted", inserted,
		"updated", updated,
		"records", len(records),
		"duration", time.Since(start).String(),
	)

	return &domain.SearchResult{
		RunID:    runID,
		Query:    q,
		Records:  records,
		Sources:  outcomes,
		Inserted: inserted,
		Updated:  updated,
		Backend:  s.store.Backend(),
	}, nil
}

// Known returns the stored record set for a query without contacting sources.
// Results are cached until the next committed run for the scope.
func (s *SourcingService) Known(ctx context.Context, q domain.Query) ([]domain.MergedRecord, error) {
	if q.API == "" {
		return nil, fmt.Errorf("%w: api name is required", domain.ErrInvalidRequest)
	}

	key := cacheKey(q.Role, q.API, q.Country)
	if cached, err := s.getFromCache(ctx, key); err == nil {
		return cached, nil
	}

	gen := s.generation()
	scopes := make([]scope, 0, 2)
	for _, role := range q.Roles() {
		scopes = append(scopes, scope{role: role, api: q.API, country: q.Country})
	}
	records, err := s.loadScopes(ctx, scopes)
	if err != nil {
		return nil, err
	}

	if err := s.setIfCurrent(ctx, key, gen, records); err != nil {
		s.log.Warn("cache write failed", "key", key, "error", err)
	}
	return records, nil
}

func (s *SourcingService) generation() uint64 {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	return s.cacheGen
}

// setIfCurrent caches a view read at generation gen. The write is skipped when
// an invalidation happened since; otherwise the invalidation's deletes run
// after it.
func (s *SourcingService) setIfCurrent(ctx context.Context, key string, gen uint64, records []domain.MergedRecord) error {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if s.cacheGen != gen {
		s.log.Debug("stale view not cached", "key", key)
		return nil
	}
	return s.setInCache(ctx, key, records)
}

// Ingest persists a prepared evidence set (catalog imports). Each (role, api)
// pair is merged against everything stored for it. Returns the number of
// records inserted or changed.
func (s *SourcingService) Ingest(ctx context.Context, evidence []domain.RawEvidence) (int, error) {
	candidates := s.normalizer.NormalizeAll(evidence)
	if len(candidates) == 0 {
		return 0, nil
	}

	seen := make(map[scope]bool)
	var scopes []scope
	for _, c := range candidates {
		sc := scope{role: c.Role, api: c.API}
		if !seen[sc] {
			seen[sc] = true
			scopes = append(scopes, sc)
		}
	}

	log := s.log.With("run_id", uuid.NewString(), "operation", "ingest")
	inserted, updated, err := s.commit(ctx, scopes, candidates, log)
	if err != nil {
		return 0, err
	}
	log.Info("ingest complete", "evidence", len(evidence), "inserted", inserted, "updated", updated)
	return inserted + updated, nil
}

// scope is one (role, api, country) slice of the knowledge base. An empty
// country covers every country.
type scope struct {
	role    domain.Role
	api     string
	country string
}

type fetchResult struct {
	evidence []domain.RawEvidence
	err      error
}

// collect fans out to every adapter. Each adapter's evidence lands in its own
// slot, so merge input does not depend on arrival order.
func (s *SourcingService) collect(ctx context.Context, q domain.Query, log *logger.Logger) ([][]domain.RawEvidence, []domain.SourceOutcome) {
	results := make([][]domain.RawEvidence, len(s.adapters))
	outcomes := make([]domain.SourceOutcome, len(s.adapters))

	var g errgroup.Group
	g.SetLimit(s.cfg.MaxConcurrency)

	for i, adapter := range s.adapters {
		g.Go(func() error {
			start := time.Now()
			evidence, err := s.fetch(ctx, adapter, q)

			outcome := domain.SourceOutcome{
				Source:     adapter.Name(),
				Kind:       adapter.Kind(),
				Status:     domain.SourceOK,
				Evidence:   len(evidence),
				DurationMS: time.Since(start).Milliseconds(),
			}
			if err != nil {
				outcome.Status = domain.SourceUnavailable
				outcome.Error = err.Error()
				outcome.Evidence = 0
				log.Warn("source unavailable", "source", adapter.Name(), "error", err)
			} else {
				results[i] = evidence
				log.Debug("source answered", "source", adapter.Name(), "evidence", len(evidence))
			}
			outcomes[i] = outcome
			return nil
		})
	}
	_ = g.Wait()

	return results, outcomes
}

// fetch bounds one adapter call by the source timeout, even when the adapter
// ignores its context
func (s *SourcingService) fetch(ctx context.Context, adapter domain.SourceAdapter, q domain.Query) ([]domain.RawEvidence, error) {
	fctx, cancel := context.WithTimeout(ctx, s.cfg.SourceTimeout)
	defer cancel()

	done := make(chan fetchResult, 1)
	go func() {
		evidence, err := adapter.Fetch(fctx, q)
		done <- fetchResult{evidence: evidence, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			if errors.Is(r.err, domain.ErrSourceUnavailable) {
				return nil, r.err
			}
			return nil, fmt.Errorf("%w: %v", domain.ErrSourceUnavailable, r.err)
		}
		return r.evidence, nil
	case <-fctx.Done():
		return nil, fmt.Errorf("%w: %v", domain.ErrSourceUnavailable, fctx.Err())
	}
}

// commit scores and merges candidates against the stored scopes and writes
// the changed records in one batch. A conflict reported by the store is
// retried once against a fresh read.
func (s *SourcingService) commit(ctx context.Context, scopes []scope, candidates []domain.Candidate, log *logger.Logger) (int, int, error) {
	if len(candidates) == 0 {
		return 0, 0, nil
	}
	scored := s.scorer.ScoreBatch(candidates)

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		stored, err := s.loadScopes(ctx, scopes)
		if err != nil {
			return 0, 0, err
		}
		existing := ExistingIndex(stored)

		merged := s.merger.Merge(scored, existing)
		changed := make([]domain.MergedRecord, 0, len(merged))
		inserted, updated := 0, 0
		for _, rec := range merged {
			prior, found := existing[rec.Identity()]
			switch {
			case !found:
				inserted++
			case SameContent(prior, rec):
				continue
			default:
				updated++
			}
			changed = append(changed, rec)
		}

		if len(changed) == 0 {
			return 0, 0, nil
		}

		err = s.store.UpsertBatch(ctx, changed)
		if err == nil {
			s.invalidate(ctx, changed)
			return inserted, updated, nil
		}
		if !errors.Is(err, domain.ErrPersistenceConflict) {
			return 0, 0, err
		}
		lastErr = err
		log.Warn("upsert conflict, retrying", "attempt", attempt+1, "error", err)
	}
	return 0, 0, fmt.Errorf("%w: %w", domain.ErrPersistenceUnavailable, lastErr)
}

// loadScopes reads the stored records of every scope, ordered by confidence
func (s *SourcingService) loadScopes(ctx context.Context, scopes []scope) ([]domain.MergedRecord, error) {
	var out []domain.MergedRecord
	for _, sc := range scopes {
		records, err := s.store.Query(ctx, sc.role, sc.api, sc.country)
		if err != nil {
			return nil, err
		}
		out = append(out, records...)
	}
	domain.SortRecords(out)
	if out == nil {
		out = []domain.MergedRecord{}
	}
	return out, nil
}

// invalidate drops every cached view a changed record can appear in
func (s *SourcingService) invalidate(ctx context.Context, records []domain.MergedRecord) {
	if s.cache == nil {
		return
	}
	s.cacheMu.Lock()
	s.cacheGen++
	s.cacheMu.Unlock()

	keys := make(map[string]struct{})
	for _, r := range records {
		for _, role := range []domain.Role{r.Role, ""} {
			keys[cacheKey(role, r.API, r.Country)] = struct{}{}
			keys[cacheKey(role, r.API, "")] = struct{}{}
		}
	}
	for key := range keys {
		if err := s.cache.Delete(ctx, key); err != nil {
			s.log.Warn("cache invalidation failed", "key", key, "error", err)
		}
	}
}

// cacheKey format: "records:{role}:{api}:{country}"
func cacheKey(role domain.Role, api, country string) string {
	r := string(role)
	if r == "" {
		r = "all"
	}
	return fmt.Sprintf("records:%s:%s:%s", r, api, country)
}

func (s *SourcingService) getFromCache(ctx context.Context, key string) ([]domain.MergedRecord, error) {
	if s.cache == nil {
		return nil, domain.ErrCacheMiss
	}
	raw, err := s.cache.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var records []domain.MergedRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, domain.ErrCacheMiss
	}
	return records, nil
}

func (s *SourcingService) setInCache(ctx context.Context, key string, records []domain.MergedRecord) error {
	if s.cache == nil {
		return nil
	}
	raw, err := json.Marshal(records)
	if err != nil {
		return err
	}
	return s.cache.Set(ctx, key, raw, s.cfg.CacheTTL)
}

// inScope keeps candidates that answer the query
func inScope(c domain.Candidate, q domain.Query) bool {
	if !q.Role.Includes(c.Role) || c.API != q.API {
		return false
	}
	return q.Country == "" || c.Country == q.Country
}
