package memory

import "errors"

// Error taxonomy shared by stores, the retrieval engine and the API.
var (
	// ErrNotFound is returned for unknown memory ids. Never retried.
	ErrNotFound = errors.New("memory not found")
	// ErrInvalidInput rejects malformed requests before any work. Never retried.
	ErrInvalidInput = errors.New("invalid input")
	// ErrProviderUnavailable means the embedding call failed or timed out.
	// Retrieval recovers by degrading to entity-only candidates.
	ErrProviderUnavailable = errors.New("embedding provider unavailable")
	// ErrStoreUnavailable means the persistent store could not be read.
	// Fatal for the current retrieval.
	ErrStoreUnavailable = errors.New("memory store unavailable")
)
