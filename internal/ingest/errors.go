package ingest

import "errors"

// ErrLoadConflict is returned by Storage implementations when two writers
// race on the same canonical URL within one run. The frontier's dedup rule
// makes this unreachable in normal operation, so callers treat it as an
// invariant violation, not a retryable condition.
var ErrLoadConflict = errors.New("concurrent load for the same canonical url")

// ErrStorageUnavailable marks connection-level storage failures, as opposed
// to row-level load errors. A session that sees it stops dispatching new
// work and finalizes failed.
var ErrStorageUnavailable = errors.New("storage unavailable")
