// Package ingest defines core types shared across subsystems.
package ingest

import (
	"net/http"
	"time"
)

// Label selects the handler that processes a fetched page.
type Label string

// DefaultLabel routes unlabeled requests to the default handler.
const DefaultLabel Label = ""

// FetchRequest captures everything needed to fetch a URL. Identity is the
// canonical URL; the frontier guarantees at most one unresolved request per
// canonical URL within a session.
type FetchRequest struct {
	URL        string      `json:"url"`
	Label      Label       `json:"label,omitempty"`
	Priority   int         `json:"priority"`
	Attempt    int         `json:"attempt"`
	EnqueuedAt time.Time   `json:"enqueued_at"`
	Headers    http.Header `json:"-"`
}

// FetchResult is the outcome of a single fetch, consumed once by the pipeline.
type FetchResult struct {
	Request    FetchRequest
	StatusCode int
	Headers    http.Header
	Body       []byte
	FetchedAt  time.Time
	Elapsed    time.Duration
}

// Document is the raw output of an Extractor: a flat field map plus any
// hyperlinks discovered in the page, unresolved (possibly relative).
type Document struct {
	Fields map[string]string
	Links  []string
}

// RelatedKind names a related-lookup table (author, tag).
type RelatedKind string

// Related record kinds resolved during the transform stage.
const (
	RelatedAuthor RelatedKind = "author"
	RelatedTag    RelatedKind = "tag"
)

// ArticleCandidate is a normalized entity ready for the load stage. AuthorID
// and TagIDs are resolved related-record IDs, filled in by the transform.
type ArticleCandidate struct {
	CanonicalURL string    `json:"canonical_url"`
	Title        string    `json:"title"`
	Text         string    `json:"text"`
	ContentHash  string    `json:"content_hash"`
	AuthorID     string    `json:"author_id,omitempty"`
	TagIDs       []string  `json:"tag_ids,omitempty"`
	FetchedAt    time.Time `json:"fetched_at"`
}

// LoadOutcome reports what the load stage did with one candidate.
type LoadOutcome string

// Load outcomes per candidate.
const (
	LoadAdded     LoadOutcome = "added"
	LoadUpdated   LoadOutcome = "updated"
	LoadUnchanged LoadOutcome = "unchanged"
	LoadError     LoadOutcome = "error"
)

// BatchItemResult pairs one batch candidate with its outcome.
type BatchItemResult struct {
	CanonicalURL string      `json:"canonical_url"`
	Outcome      LoadOutcome `json:"outcome"`
	Err          error       `json:"-"`
}

// SessionState is the lifecycle state of a crawl session.
type SessionState string

// Session states; transitions are pending -> running -> {completed, failed}.
const (
	SessionPending   SessionState = "pending"
	SessionRunning   SessionState = "running"
	SessionCompleted SessionState = "completed"
	SessionFailed    SessionState = "failed"
)

// SessionCounters aggregates per-run statistics.
type SessionCounters struct {
	Fetched       int64 `json:"fetched"`
	Added         int64 `json:"added"`
	Updated       int64 `json:"updated"`
	Unchanged     int64 `json:"unchanged"`
	SkippedRobots int64 `json:"skipped_robots"`
	Failed        int64 `json:"failed"`
	Retries       int64 `json:"retries"`
}

// SessionSnapshot is the externally visible view of a session.
type SessionSnapshot struct {
	ID          string          `json:"id"`
	State       SessionState    `json:"state"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	ErrorText   string          `json:"error_text,omitempty"`
	Counters    SessionCounters `json:"counters"`
}
