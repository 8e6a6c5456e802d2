package domain

import "errors"

var (
	// ErrInvalidRequest is returned when request parameters are invalid
	ErrInvalidRequest = errors.New("invalid request parameters")

	// ErrSourceUnavailable is returned when a source adapter fails or times out.
	// The orchestrator absorbs it; the source is simply absent from the batch.
	ErrSourceUnavailable = errors.New("source unavailable")

	// ErrMalformedEvidence marks raw evidence the normalizer could not parse
	ErrMalformedEvidence = errors.New("malformed evidence")

	// ErrPersistenceConflict is returned when the store reports a uniqueness
	// violation that the upsert statement did not absorb
	ErrPersistenceConflict = errors.New("persistence conflict")

	// ErrPersistenceUnavailable is returned when the selected backend cannot be reached
	ErrPersistenceUnavailable = errors.New("persistence unavailable")

	// ErrRateLimited is returned when rate limit is exceeded
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrCacheMiss is returned when data is not found in cache
	ErrCacheMiss = errors.New("cache miss")

	// ErrCacheUnavailable is returned when cache service is unavailable
	ErrCacheUnavailable = errors.New("cache service unavailable")
)
