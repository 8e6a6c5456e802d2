package usecase

import (
	"context"
	"sync"
	"time"

	"github.com/pharmalens/backend/internal/domain"
)

// MockCacheRepository is a mock implementation of domain.CacheRepository
type MockCacheRepository struct {
	mu        sync.Mutex
	data      map[string][]byte
	getError  error
	setError  error
	getCalls  int
	setCalls  int
	deletions []string
}

func NewMockCacheRepository() *MockCacheRepository {
	return &MockCacheRepository{data: make(map[string][]byte)}
}

func (m *MockCacheRepository) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getCalls++
	if m.getError != nil {
		return nil, m.getError
	}
	if value, ok := m.data[key]; ok {
		return value, nil
	}
	return nil, domain.ErrCacheMiss
}

func (m *MockCacheRepository) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setCalls++
	if m.setError != nil {
		return m.setError
	}
	m.data[key] = value
	return nil
}

func (m *MockCacheRepository) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletions = append(m.deletions, key)
	delete(m.data, key)
	return nil
}

func (m *MockCacheRepository) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.data[key]
	return ok, nil
}

// MockRecordStore is an in-memory domain.RecordStore with the same merge
// rules as the SQL upsert: confidence ratchets, empty fields fill, sources
// union, and confidence is raised to the score of the stored provenance.
type MockRecordStore struct {
	mu          sync.Mutex
	records     map[domain.Identity]domain.MergedRecord
	upsertErrs  []error
	queryErr    error
	upsertCalls int
	queryCalls  int
}

func NewMockRecordStore() *MockRecordStore {
	return &MockRecordStore{records: make(map[domain.Identity]domain.MergedRecord)}
}

func (m *MockRecordStore) Upsert(ctx context.Context, record domain.MergedRecord) error {
	return m.UpsertBatch(ctx, []domain.MergedRecord{record})
}

func (m *MockRecordStore) UpsertBatch(ctx context.Context, records []domain.MergedRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upsertCalls++
	if len(m.upsertErrs) > 0 {
		err := m.upsertErrs[0]
		m.upsertErrs = m.upsertErrs[1:]
		if err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	for _, r := range records {
		id := r.Identity()
		prior, ok := m.records[id]
		if !ok {
			r.CompanyKey = id.CompanyKey
			r.Sources = append([]domain.SourceRef(nil), r.Sources...)
			m.records[id] = r
			continue
		}
		if r.Confidence > prior.Confidence {
			prior.Confidence = r.Confidence
		}
		prior.Attributes = prior.Attributes.FillFrom(r.Attributes)
		if prior.URL == "" {
			prior.URL = r.URL
		}
		if prior.SourceFile == "" {
			prior.SourceFile = r.SourceFile
		}
		byName := make(map[string]int, len(prior.Sources))
		for i, s := range prior.Sources {
			byName[s.Name] = i
		}
		for _, s := range r.Sources {
			if i, ok := byName[s.Name]; ok {
				if s.Contribution > prior.Sources[i].Contribution {
					prior.Sources[i].Contribution = s.Contribution
				}
				continue
			}
			prior.Sources = append(prior.Sources, s)
		}
		prior.UpdatedAt = r.UpdatedAt
		if score := provenanceScore(prior.Sources); score > prior.Confidence {
			prior.Confidence = score
		}
		m.records[id] = prior
	}
	return nil
}

// provenanceScore mirrors the store's recompute with the default increment
func provenanceScore(sources []domain.SourceRef) int {
	if len(sources) == 0 {
		return 0
	}
	best := 0
	for _, s := range sources {
		if s.Contribution > best {
			best = s.Contribution
		}
	}
	return NewScorer(DefaultTierTable(), 0).Combine(best, len(sources))
}

// pausingStore holds a Query that has already read the store until released,
// to interleave a commit between a read and its use
type pausingStore struct {
	*MockRecordStore
	mu      sync.Mutex
	paused  bool
	entered chan struct{}
	release chan struct{}
}

func (p *pausingStore) pauseNextQuery() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = true
	p.entered = make(chan struct{})
	p.release = make(chan struct{})
}

func (p *pausingStore) Query(ctx context.Context, role domain.Role, api, country string) ([]domain.MergedRecord, error) {
	records, err := p.MockRecordStore.Query(ctx, role, api, country)

	p.mu.Lock()
	pause := p.paused
	p.paused = false
	entered, release := p.entered, p.release
	p.mu.Unlock()

	if pause {
		close(entered)
		<-release
	}
	return records, err
}

func (m *MockRecordStore) Query(ctx context.Context, role domain.Role, api, country string) ([]domain.MergedRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queryCalls++
	if m.queryErr != nil {
		return nil, m.queryErr
	}
	var out []domain.MergedRecord
	for _, r := range m.records {
		if r.Role != role || r.API != api || (country != "" && r.Country != country) {
			continue
		}
		r.Sources = append([]domain.SourceRef(nil), r.Sources...)
		out = append(out, r)
	}
	domain.SortRecords(out)
	return out, nil
}

func (m *MockRecordStore) Backend() string { return "mock" }
func (m *MockRecordStore) Ping(ctx context.Context) error { return nil }
func (m *MockRecordStore) Close() error { return nil }

func (m *MockRecordStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// mockAdapter is a scripted domain.SourceAdapter
type mockAdapter struct {
	name     string
	kind     domain.SourceKind
	evidence []domain.RawEvidence
	err      error
	block    bool
}

func (a *mockAdapter) Name() string { return a.name }
func (a *mockAdapter) Kind() domain.SourceKind { return a.kind }

func (a *mockAdapter) Fetch(ctx context.Context, q domain.Query) ([]domain.RawEvidence, error) {
	if a.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if a.err != nil {
		return nil, a.err
	}
	out := make([]domain.RawEvidence, 0, len(a.evidence))
	for _, ev := range a.evidence {
		ev.Source = a.name
		ev.Kind = a.kind
		ev.API = q.API
		ev.Country = q.Country
		out = append(out, ev)
	}
	return out, nil
}

// catalogRow builds catalog evidence for one manufacturer
func catalogRow(company, country, usdmf string) domain.RawEvidence {
	return domain.RawEvidence{
		Fields: map[string]string{
			"manufacturer": company,
			"country":      country,
			"usdmf":        usdmf,
		},
		ObservedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

// manufacturerTable builds language-model evidence listing manufacturers
func manufacturerTable(rows ...string) domain.RawEvidence {
	text := "| manufacturers | country | usdmf | cep |\n|---|---|---|---|\n"
	for _, r := range rows {
		text += r + "\n"
	}
	return domain.RawEvidence{
		Role:       domain.RoleManufacturer,
		Text:       text,
		ObservedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}
