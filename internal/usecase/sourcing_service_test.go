package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pharmalens/backend/internal/domain"
)

var ibuprofenIndia = domain.Query{API: "ibuprofen", Country: "india", Role: domain.RoleManufacturer}

func newTestSourcingService(store *MockRecordStore, cache *MockCacheRepository, cfg SourcingServiceConfig, adapters ...domain.SourceAdapter) *SourcingService {
	scorer := NewScorer(DefaultTierTable(), 0)
	var c domain.CacheRepository
	if cache != nil {
		c = cache
	}
	return NewSourcingService(adapters, NewNormalizer(50, nil), scorer, store, c, cfg, nil)
}

func recordsByCompany(records []domain.MergedRecord) map[string]domain.MergedRecord {
	out := make(map[string]domain.MergedRecord, len(records))
	for _, r := range records {
		out[r.Company] = r
	}
	return out
}

func TestSourcingService_Search(t *testing.T) {
	store := NewMockRecordStore()

	catalogA := &mockAdapter{name: "catalog-a", kind: domain.KindCatalogRow,
		evidence: []domain.RawEvidence{catalogRow("CompanyX", "India", "12345")}}
	catalogB := &mockAdapter{name: "catalog-b", kind: domain.KindCatalogRow,
		evidence: []domain.RawEvidence{catalogRow("CompanyY", "India", "")}}
	openai := &mockAdapter{name: "openai", kind: domain.KindLLMTable,
		evidence: []domain.RawEvidence{manufacturerTable("| CompanyX | India | | |")}}

	svc := newTestSourcingService(store, nil, SourcingServiceConfig{}, catalogA, catalogB, openai)

	res, err := svc.Search(context.Background(), ibuprofenIndia)
	require.NoError(t, err)
	require.Len(t, res.Records, 2)

	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, "mock", res.Backend)
	assert.Equal(t, 2, res.Inserted)
	assert.Equal(t, 0, res.Updated)

	x := res.Records[0]
	assert.Equal(t, "CompanyX", x.Company)
	assert.Equal(t, 85, x.Confidence, "catalog 70 plus registration bonus, corroborated by the language model")
	assert.Equal(t, []string{"catalog-a", "openai"}, x.SourceNames())
	assert.Equal(t, "12345", x.Attributes.USDMF)

	y := res.Records[1]
	assert.Equal(t, "CompanyY", y.Company)
	assert.Equal(t, 70, y.Confidence)

	require.Len(t, res.Sources, 3)
	for _, o := range res.Sources {
		assert.Equal(t, domain.SourceOK, o.Status, o.Source)
		assert.Equal(t, 1, o.Candidates, o.Source)
	}
}

func TestSourcingService_Search_Rerun(t *testing.T) {
	store := NewMockRecordStore()
	catalogA := &mockAdapter{name: "catalog-a", kind: domain.KindCatalogRow,
		evidence: []domain.RawEvidence{catalogRow("CompanyX", "India", "12345")}}
	catalogB := &mockAdapter{name: "catalog-b", kind: domain.KindCatalogRow,
		evidence: []domain.RawEvidence{catalogRow("CompanyY", "India", "")}}
	openai := &mockAdapter{name: "openai", kind: domain.KindLLMTable,
		evidence: []domain.RawEvidence{manufacturerTable("| CompanyX | India | | |")}}

	svc := newTestSourcingService(store, nil, SourcingServiceConfig{}, catalogA, catalogB, openai)
	_, err := svc.Search(context.Background(), ibuprofenIndia)
	require.NoError(t, err)

	t.Run("unchanged evidence writes nothing", func(t *testing.T) {
		calls := store.upsertCalls
		res, err := svc.Search(context.Background(), ibuprofenIndia)
		require.NoError(t, err)
		assert.Equal(t, 0, res.Inserted)
		assert.Equal(t, 0, res.Updated)
		assert.Equal(t, calls, store.upsertCalls)
		assert.Len(t, res.Records, 2)
	})

	t.Run("new company is inserted and stored attributes are kept", func(t *testing.T) {
		catalogA.evidence = []domain.RawEvidence{
			catalogRow("CompanyX", "India", "67890"),
			catalogRow("CompanyZ", "India", ""),
		}

		res, err := svc.Search(context.Background(), ibuprofenIndia)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Inserted)
		assert.Equal(t, 0, res.Updated)
		require.Len(t, res.Records, 3)

		got := recordsByCompany(res.Records)
		assert.Equal(t, "12345", got["CompanyX"].Attributes.USDMF)
		assert.Equal(t, 85, got["CompanyX"].Confidence)
		assert.Equal(t, 70, got["CompanyZ"].Confidence)
		assert.Equal(t, 3, store.count())
	})
}

func TestSourcingService_Search_SourceTimeout(t *testing.T) {
	store := NewMockRecordStore()
	catalog := &mockAdapter{name: "catalog", kind: domain.KindCatalogRow,
		evidence: []domain.RawEvidence{catalogRow("CompanyX", "India", "")}}
	stuck := &mockAdapter{name: "groq", kind: domain.KindLLMTable, block: true}

	svc := newTestSourcingService(store, nil, SourcingServiceConfig{SourceTimeout: 50 * time.Millisecond}, catalog, stuck)

	start := time.Now()
	res, err := svc.Search(context.Background(), ibuprofenIndia)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)

	require.Len(t, res.Records, 1)
	assert.Equal(t, 70, res.Records[0].Confidence)

	require.Len(t, res.Sources, 2)
	assert.Equal(t, domain.SourceOK, res.Sources[0].Status)
	assert.Equal(t, domain.SourceUnavailable, res.Sources[1].Status)
	assert.NotEmpty(t, res.Sources[1].Error)
}

func TestSourcingService_Search_AllSourcesFail(t *testing.T) {
	store := NewMockRecordStore()
	svc := newTestSourcingService(store, nil, SourcingServiceConfig{},
		&mockAdapter{name: "openai", kind: domain.KindLLMTable, err: errors.New("401 unauthorized")},
		&mockAdapter{name: "websearch", kind: domain.KindSearchSnippet, err: domain.ErrRateLimited},
	)

	res, err := svc.Search(context.Background(), ibuprofenIndia)
	require.NoError(t, err)
	assert.NotNil(t, res.Records)
	assert.Empty(t, res.Records)
	assert.Equal(t, 0, store.upsertCalls)
	for _, o := range res.Sources {
		assert.Equal(t, domain.SourceUnavailable, o.Status)
	}
}

func TestSourcingService_Search_MalformedEvidenceIsSkipped(t *testing.T) {
	store := NewMockRecordStore()
	broken := domain.RawEvidence{Role: domain.RoleManufacturer, Text: "I could not find any manufacturers."}
	svc := newTestSourcingService(store, nil, SourcingServiceConfig{},
		&mockAdapter{name: "openai", kind: domain.KindLLMTable, evidence: []domain.RawEvidence{broken}},
		&mockAdapter{name: "catalog", kind: domain.KindCatalogRow,
			evidence: []domain.RawEvidence{catalogRow("CompanyX", "India", "")}},
	)

	res, err := svc.Search(context.Background(), ibuprofenIndia)
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	assert.Equal(t, domain.SourceOK, res.Sources[0].Status)
	assert.Equal(t, 1, res.Sources[0].Evidence)
	assert.Equal(t, 0, res.Sources[0].Candidates)
}

func TestSourcingService_Search_OutOfScopeCandidatesDropped(t *testing.T) {
	store := NewMockRecordStore()
	svc := newTestSourcingService(store, nil, SourcingServiceConfig{},
		&mockAdapter{name: "catalog", kind: domain.KindCatalogRow, evidence: []domain.RawEvidence{
			catalogRow("CompanyX", "India", ""),
			catalogRow("CompanyQ", "China", ""),
		}},
	)

	res, err := svc.Search(context.Background(), ibuprofenIndia)
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	assert.Equal(t, "CompanyX", res.Records[0].Company)
	assert.Equal(t, 1, store.count())
}

func TestSourcingService_Search_PersistenceErrors(t *testing.T) {
	catalog := &mockAdapter{name: "catalog", kind: domain.KindCatalogRow,
		evidence: []domain.RawEvidence{catalogRow("CompanyX", "India", "")}}

	t.Run("unavailable store fails the run", func(t *testing.T) {
		store := NewMockRecordStore()
		store.upsertErrs = []error{domain.ErrPersistenceUnavailable}
		svc := newTestSourcingService(store, nil, SourcingServiceConfig{}, catalog)

		_, err := svc.Search(context.Background(), ibuprofenIndia)
		assert.ErrorIs(t, err, domain.ErrPersistenceUnavailable)
		assert.Equal(t, 1, store.upsertCalls)
	})

	t.Run("failed read fails the run", func(t *testing.T) {
		store := NewMockRecordStore()
		store.queryErr = domain.ErrPersistenceUnavailable
		svc := newTestSourcingService(store, nil, SourcingServiceConfig{}, catalog)

		_, err := svc.Search(context.Background(), ibuprofenIndia)
		assert.ErrorIs(t, err, domain.ErrPersistenceUnavailable)
	})

	t.Run("conflict is retried once", func(t *testing.T) {
		store := NewMockRecordStore()
		store.upsertErrs = []error{domain.ErrPersistenceConflict}
		svc := newTestSourcingService(store, nil, SourcingServiceConfig{}, catalog)

		res, err := svc.Search(context.Background(), ibuprofenIndia)
		require.NoError(t, err)
		assert.Equal(t, 2, store.upsertCalls)
		assert.Len(t, res.Records, 1)
	})

	t.Run("second conflict reports the store unavailable", func(t *testing.T) {
		store := NewMockRecordStore()
		store.upsertErrs = []error{domain.ErrPersistenceConflict, domain.ErrPersistenceConflict}
		svc := newTestSourcingService(store, nil, SourcingServiceConfig{}, catalog)

		_, err := svc.Search(context.Background(), ibuprofenIndia)
		assert.ErrorIs(t, err, domain.ErrPersistenceUnavailable)
		assert.ErrorIs(t, err, domain.ErrPersistenceConflict)
		assert.Equal(t, 0, store.count())
	})
}

func TestSourcingService_Search_CancelledWritesNothing(t *testing.T) {
	store := NewMockRecordStore()
	catalog := &mockAdapter{name: "catalog", kind: domain.KindCatalogRow,
		evidence: []domain.RawEvidence{catalogRow("CompanyX", "India", "")}}
	stuck := &mockAdapter{name: "openai", kind: domain.KindLLMTable, block: true}
	svc := newTestSourcingService(store, nil, SourcingServiceConfig{SourceTimeout: 5 * time.Second}, catalog, stuck)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	_, err := svc.Search(ctx, ibuprofenIndia)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, store.upsertCalls)
	assert.Equal(t, 0, store.count())
}

func TestSourcingService_Search_InvalidQuery(t *testing.T) {
	svc := newTestSourcingService(NewMockRecordStore(), nil, SourcingServiceConfig{})

	_, err := svc.Search(context.Background(), domain.Query{Country: "india"})
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)

	_, err = svc.Known(context.Background(), domain.Query{})
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestSourcingService_Search_BothRoles(t *testing.T) {
	store := NewMockRecordStore()
	buyers := domain.RawEvidence{
		Role: domain.RoleBuyer,
		Text: "| Company | Product Name | Form | Strength | Manufacturing Location | Confidence (%) | URL |\n" +
			"|---|---|---|---|---|---|---|\n" +
			"| Cipla Ltd | Ibugesic (Ibuprofen) | Tablet | 400 mg | Goa, India | 92 | https://www.cipla.com/ibuprofen |\n",
	}
	svc := newTestSourcingService(store, nil, SourcingServiceConfig{},
		&mockAdapter{name: "catalog", kind: domain.KindCatalogRow,
			evidence: []domain.RawEvidence{catalogRow("CompanyX", "India", "")}},
		&mockAdapter{name: "openai", kind: domain.KindLLMTable, evidence: []domain.RawEvidence{buyers}},
	)

	res, err := svc.Search(context.Background(), domain.Query{API: "ibuprofen", Country: "india"})
	require.NoError(t, err)
	require.Len(t, res.Records, 2)

	roles := map[domain.Role]string{}
	for _, r := range res.Records {
		roles[r.Role] = r.Company
	}
	assert.Equal(t, "Cipla Ltd", roles[domain.RoleBuyer])
	assert.Equal(t, "CompanyX", roles[domain.RoleManufacturer])
}

func TestSourcingService_Known(t *testing.T) {
	store := NewMockRecordStore()
	cache := NewMockCacheRepository()
	catalog := &mockAdapter{name: "catalog", kind: domain.KindCatalogRow,
		evidence: []domain.RawEvidence{catalogRow("CompanyX", "India", "")}}
	svc := newTestSourcingService(store, cache, SourcingServiceConfig{}, catalog)
	ctx := context.Background()

	records, err := svc.Known(ctx, ibuprofenIndia)
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.Equal(t, 1, cache.setCalls)

	t.Run("served from cache", func(t *testing.T) {
		queries := store.queryCalls
		records, err := svc.Known(ctx, ibuprofenIndia)
		require.NoError(t, err)
		assert.Empty(t, records)
		assert.Equal(t, queries, store.queryCalls)
	})

	t.Run("committed run invalidates cached views", func(t *testing.T) {
		_, err := svc.Search(ctx, ibuprofenIndia)
		require.NoError(t, err)
		assert.Contains(t, cache.deletions, "records:manufacturer:ibuprofen:india")
		assert.Contains(t, cache.deletions, "records:all:ibuprofen:")

		records, err := svc.Known(ctx, ibuprofenIndia)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, "CompanyX", records[0].Company)
	})

	t.Run("cache failure falls back to the store", func(t *testing.T) {
		cache.getError = domain.ErrCacheUnavailable
		defer func() { cache.getError = nil }()

		records, err := svc.Known(ctx, ibuprofenIndia)
		require.NoError(t, err)
		assert.Len(t, records, 1)
	})
}

func TestSourcingService_Known_CommitDuringReadIsNotCached(t *testing.T) {
	store := &pausingStore{MockRecordStore: NewMockRecordStore()}
	cache := NewMockCacheRepository()
	svc := NewSourcingService(nil, NewNormalizer(50, nil), NewScorer(DefaultTierTable(), 0),
		store, cache, SourcingServiceConfig{}, nil)
	ctx := context.Background()

	row := func(company string) domain.RawEvidence {
		ev := catalogRow(company, "India", "")
		ev.Source = "catalog"
		ev.Kind = domain.KindCatalogRow
		ev.API = "Ibuprofen"
		return ev
	}

	_, err := svc.Ingest(ctx, []domain.RawEvidence{row("CompanyX")})
	require.NoError(t, err)

	store.pauseNextQuery()
	type knownResult struct {
		records []domain.MergedRecord
		err     error
	}
	done := make(chan knownResult, 1)
	go func() {
		records, err := svc.Known(ctx, ibuprofenIndia)
		done <- knownResult{records, err}
	}()

	<-store.entered
	_, err = svc.Ingest(ctx, []domain.RawEvidence{row("CompanyY")})
	require.NoError(t, err)
	close(store.release)

	first := <-done
	require.NoError(t, first.err)
	assert.Len(t, first.records, 1, "read finished before the commit")

	records, err := svc.Known(ctx, ibuprofenIndia)
	require.NoError(t, err)
	assert.Len(t, records, 2, "the pre-commit view was not cached")
}

func TestSourcingService_Ingest(t *testing.T) {
	store := NewMockRecordStore()
	svc := newTestSourcingService(store, nil, SourcingServiceConfig{})
	ctx := context.Background()

	rows := []domain.RawEvidence{
		catalogRow("CompanyX", "India", "12345"),
		catalogRow("CompanyY", "China", ""),
		{Fields: map[string]string{"country": "India"}},
	}
	for i := range rows {
		rows[i].Source = "catalog"
		rows[i].Kind = domain.KindCatalogRow
		rows[i].API = "Ibuprofen"
	}

	n, err := svc.Ingest(ctx, rows)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = svc.Ingest(ctx, rows)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "re-import is a no-op")

	records, err := svc.Known(ctx, domain.Query{API: "ibuprofen", Role: domain.RoleManufacturer})
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, 75, records[0].Confidence)
	assert.Equal(t, "china", records[1].Country)
}

func TestSourcingService_Ingest_GradedAPIName(t *testing.T) {
	store := NewMockRecordStore()
	svc := newTestSourcingService(store, nil, SourcingServiceConfig{})
	ctx := context.Background()

	row := catalogRow("Granules India Limited", "India", "")
	row.Source = "catalog"
	row.Kind = domain.KindCatalogRow
	row.API = "Ibuprofen USP"

	n, err := svc.Ingest(ctx, []domain.RawEvidence{row})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	q, err := NewQueryPreprocessor(nil).Prepare("Ibuprofen USP", "India", domain.RoleManufacturer)
	require.NoError(t, err)
	assert.Equal(t, "ibuprofen", q.API)

	records, err := svc.Known(ctx, q)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "ibuprofen", records[0].API)
	assert.Equal(t, "Granules India Limited", records[0].Company)
}

func TestSourcingService_Adapters(t *testing.T) {
	svc := newTestSourcingService(NewMockRecordStore(), nil, SourcingServiceConfig{},
		&mockAdapter{name: "catalog"}, &mockAdapter{name: "openai"})
	assert.Equal(t, []string{"catalog", "openai"}, svc.Adapters())
}
