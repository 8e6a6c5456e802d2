package domain

import (
	"context"
	"time"
)

// CacheRepository defines the interface for caching operations.
// Values are opaque encoded bytes so memory and Redis backends behave alike.
type CacheRepository interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}

// SourceAdapter wraps one external information provider.
// Fetch returns an empty slice when the provider has nothing to say and
// fails only on transport or auth problems.
type SourceAdapter interface {
	Name() string
	Kind() SourceKind
	Fetch(ctx context.Context, q Query) ([]RawEvidence, error)
}

// RecordStore persists merged records under the identity-triple uniqueness rule.
// Implementations must make UpsertBatch atomic: all records commit or none do.
type RecordStore interface {
	Upsert(ctx context.Context, record MergedRecord) error
	UpsertBatch(ctx context.Context, records []MergedRecord) error
	Query(ctx context.Context, role Role, api, country string) ([]MergedRecord, error)
	Backend() string
	Ping(ctx context.Context) error
	Close() error
}
