package memory

import "errors"

var (
	// ErrInvalidArgument marks malformed input: empty text, non-positive
	// top-K, bad config values. Never retried.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrEmbeddingUnavailable marks a failed or unreachable embedding
	// provider. Retryable by the caller.
	ErrEmbeddingUnavailable = errors.New("embedding unavailable")

	// ErrStoreUnavailable marks a failed store read or write. Retryable.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrNotFound is returned by lookups of unknown ids.
	ErrNotFound = errors.New("memory not found")
)
