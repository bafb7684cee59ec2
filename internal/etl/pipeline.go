// Package etl transforms fetched documents into normalized records and
// loads them into storage with at-most-once-per-identity semantics.
package etl

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/scrapeline/scrapeline/internal/ingest"
	"github.com/scrapeline/scrapeline/internal/metrics"
)

// Raw field names recognized by the transform stage.
const (
	FieldTitle  = "title"
	FieldAuthor = "author"
	FieldTags   = "tags"
	FieldText   = "text"
)

// OutcomeRecorder receives per-item load outcomes.
type OutcomeRecorder interface {
	RecordOutcome(outcome ingest.LoadOutcome)
}

// Enqueuer admits discovered links back into the frontier.
type Enqueuer interface {
	Enqueue(req ingest.FetchRequest) bool
}

// Config controls Pipeline behavior.
type Config struct {
	// FollowLinks enqueues hyperlinks discovered by the extractor.
	FollowLinks bool
	// LinkLabel is assigned to discovered links so they route to the
	// matching handler.
	LinkLabel ingest.Label
	// SameHostOnly restricts discovered links to the referring page's host.
	SameHostOnly bool
}

// Pipeline is the transform+load half of the ETL flow. Extraction is
// supplied per call so each page label can plug its own Extractor.
type Pipeline struct {
	storage ingest.Storage
	hasher  ingest.Hasher
	clock   ingest.Clock
	stats   OutcomeRecorder
	cfg     Config
	logger  *zap.Logger
}

// New constructs a Pipeline.
func New(
	storage ingest.Storage,
	hasher ingest.Hasher,
	clock ingest.Clock,
	stats OutcomeRecorder,
	cfg Config,
	logger *zap.Logger,
) (*Pipeline, error) {
	if storage == nil {
		return nil, errors.New("storage is required")
	}
	if hasher == nil {
		return nil, errors.New("hasher is required")
	}
	if clock == nil {
		return nil, errors.New("clock is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		storage: storage,
		hasher:  hasher,
		clock:   clock,
		stats:   stats,
		cfg:     cfg,
		logger:  logger,
	}, nil
}

// WithStats returns a copy of the pipeline reporting outcomes to stats.
// Used to bind a shared pipeline to per-session counters.
func (p *Pipeline) WithStats(stats OutcomeRecorder) *Pipeline {
	clone := *p
	clone.stats = stats
	return &clone
}

// Process runs extract -> transform -> load for one fetch result and feeds
// discovered links back through enq. It is shaped to serve as a worker
// handler.
func (p *Pipeline) Process(ctx context.Context, extractor ingest.Extractor, res ingest.FetchResult, enq Enqueuer) error {
	doc, err := extractor.Extract(res.Body, res.Headers.Get("Content-Type"))
	if err != nil {
		return fmt.Errorf("extract %s: %w", res.Request.URL, err)
	}

	candidate, err := p.Transform(ctx, res, doc.Fields)
	if err != nil {
		return fmt.Errorf("transform %s: %w", res.Request.URL, err)
	}

	if _, err := p.Load(ctx, candidate); err != nil {
		return fmt.Errorf("load %s: %w", candidate.CanonicalURL, err)
	}

	if p.cfg.FollowLinks && enq != nil {
		p.followLinks(res, doc.Links, enq)
	}
	return nil
}

// Transform normalizes a raw field map into an ArticleCandidate: canonical
// URL identity, content hash over the normalized text, and related lookups
// resolved with find-or-create semantics.
func (p *Pipeline) Transform(ctx context.Context, res ingest.FetchResult, fields map[string]string) (ingest.ArticleCandidate, error) {
	canonical, err := ingest.CanonicalURL(res.Request.URL)
	if err != nil {
		return ingest.ArticleCandidate{}, fmt.Errorf("canonicalize: %w", err)
	}

	title := normalizeText(fields[FieldTitle])
	text := normalizeText(fields[FieldText])
	if title == "" && text == "" {
		return ingest.ArticleCandidate{}, fmt.Errorf("no usable content in %s", canonical)
	}

	hash, err := p.hasher.Hash([]byte(title + "\n" + text))
	if err != nil {
		return ingest.ArticleCandidate{}, fmt.Errorf("hash content: %w", err)
	}

	candidate := ingest.ArticleCandidate{
		CanonicalURL: canonical,
		Title:        title,
		Text:         text,
		ContentHash:  hash,
		FetchedAt:    res.FetchedAt,
	}
	if candidate.FetchedAt.IsZero() {
		candidate.FetchedAt = p.clock.Now()
	}

	if author := normalizeText(fields[FieldAuthor]); author != "" {
		id, err := p.storage.FindOrCreateRelated(ctx, ingest.RelatedAuthor, author)
		if err != nil {
			return ingest.ArticleCandidate{}, fmt.Errorf("resolve author %q: %w", author, err)
		}
		candidate.AuthorID = id
	}

	for _, tag := range splitTags(fields[FieldTags]) {
		id, err := p.storage.FindOrCreateRelated(ctx, ingest.RelatedTag, tag)
		if err != nil {
			return ingest.ArticleCandidate{}, fmt.Errorf("resolve tag %q: %w", tag, err)
		}
		candidate.TagIDs = append(candidate.TagIDs, id)
	}

	return candidate, nil
}

// Load upserts one candidate by canonical URL. A conflict error means the
// single-writer-per-identity contract was violated upstream; it is logged
// loudly and never retried.
func (p *Pipeline) Load(ctx context.Context, candidate ingest.ArticleCandidate) (ingest.LoadOutcome, error) {
	outcome, err := p.storage.UpsertArticle(ctx, candidate)
	if err != nil {
		if errors.Is(err, ingest.ErrLoadConflict) {
			p.logger.Error("load conflict: two writers for one canonical url in a single run",
				zap.String("url", candidate.CanonicalURL), zap.Error(err))
		}
		metrics.ObserveLoadOutcome(string(ingest.LoadError))
		if p.stats != nil {
			p.stats.RecordOutcome(ingest.LoadError)
		}
		return ingest.LoadError, fmt.Errorf("upsert article: %w", err)
	}
	metrics.ObserveLoadOutcome(string(outcome))
	if p.stats != nil {
		p.stats.RecordOutcome(outcome)
	}
	return outcome, nil
}

// LoadBatch applies a bounded batch of candidates, reporting per-item
// outcomes. A single item's error never aborts the rest of the batch.
func (p *Pipeline) LoadBatch(ctx context.Context, candidates []ingest.ArticleCandidate) []ingest.BatchItemResult {
	results := make([]ingest.BatchItemResult, 0, len(candidates))
	for _, candidate := range candidates {
		outcome, err := p.Load(ctx, candidate)
		results = append(results, ingest.BatchItemResult{
			CanonicalURL: candidate.CanonicalURL,
			Outcome:      outcome,
			Err:          err,
		})
	}
	return results
}

func (p *Pipeline) followLinks(res ingest.FetchResult, links []string, enq Enqueuer) {
	base, err := url.Parse(res.Request.URL)
	if err != nil {
		return
	}
	for _, link := range links {
		ref, err := url.Parse(strings.TrimSpace(link))
		if err != nil {
			continue
		}
		resolved := base.ResolveReference(ref)
		if p.cfg.SameHostOnly && !strings.EqualFold(resolved.Hostname(), base.Hostname()) {
			continue
		}
		canonical, err := ingest.CanonicalURL(resolved.String())
		if err != nil {
			continue
		}
		enq.Enqueue(ingest.FetchRequest{
			URL:      canonical,
			Label:    p.cfg.LinkLabel,
			Priority: res.Request.Priority - 1,
		})
	}
}

func normalizeText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func splitTags(raw string) []string {
	parts := strings.Split(raw, ",")
	seen := make(map[string]struct{}, len(parts))
	tags := make([]string, 0, len(parts))
	for _, part := range parts {
		tag := strings.ToLower(normalizeText(part))
		if tag == "" {
			continue
		}
		if _, dup := seen[tag]; dup {
			continue
		}
		seen[tag] = struct{}{}
		tags = append(tags, tag)
	}
	return tags
}
