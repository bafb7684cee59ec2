package ingest

import (
	"context"
	"time"
)

// Storage lands transformed candidates. Implementations must make
// UpsertArticle atomic per candidate: the article row and its tag links
// commit together or not at all.
type Storage interface {
	UpsertArticle(ctx context.Context, candidate ArticleCandidate) (LoadOutcome, error)
	FindOrCreateRelated(ctx context.Context, kind RelatedKind, naturalKey string) (string, error)
}

// Extractor turns fetched bytes into a raw field map plus discovered links.
// Supplied by the surrounding application, pluggable per label.
type Extractor interface {
	Extract(body []byte, contentType string) (Document, error)
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResult, error)
}

// Hasher computes digests for deduplication/integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces session IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
