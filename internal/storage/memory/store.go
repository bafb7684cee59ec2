// Package memory provides an in-memory Storage implementation for local
// development and tests.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/scrapeline/scrapeline/internal/ingest"
)

// StoredArticle is an article row plus bookkeeping timestamps.
type StoredArticle struct {
	ingest.ArticleCandidate
	CreatedAt  time.Time
	ModifiedAt time.Time
}

// Store keeps articles and related records in maps guarded by a mutex.
type Store struct {
	clock ingest.Clock

	mu       sync.Mutex
	articles map[string]*StoredArticle
	related  map[string]string
	nextID   int
}

// New constructs an empty Store.
func New(clock ingest.Clock) *Store {
	return &Store{
		clock:    clock,
		articles: make(map[string]*StoredArticle),
		related:  make(map[string]string),
	}
}

// UpsertArticle implements ingest.Storage. The mutex makes each upsert
// atomic, so a half-written article is never observable.
func (s *Store) UpsertArticle(_ context.Context, candidate ingest.ArticleCandidate) (ingest.LoadOutcome, error) {
	if candidate.CanonicalURL == "" {
		return ingest.LoadError, fmt.Errorf("canonical url is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	existing, ok := s.articles[candidate.CanonicalURL]
	if !ok {
		s.articles[candidate.CanonicalURL] = &StoredArticle{
			ArticleCandidate: candidate,
			CreatedAt:        now,
			ModifiedAt:       now,
		}
		return ingest.LoadAdded, nil
	}
	if existing.ContentHash == candidate.ContentHash {
		return ingest.LoadUnchanged, nil
	}
	existing.ArticleCandidate = candidate
	existing.ModifiedAt = now
	return ingest.LoadUpdated, nil
}

// FindOrCreateRelated implements ingest.Storage with idempotent
// natural-key lookups.
func (s *Store) FindOrCreateRelated(_ context.Context, kind ingest.RelatedKind, naturalKey string) (string, error) {
	if naturalKey == "" {
		return "", fmt.Errorf("natural key is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	mapKey := string(kind) + "\x00" + naturalKey
	if id, ok := s.related[mapKey]; ok {
		return id, nil
	}
	s.nextID++
	id := fmt.Sprintf("%s-%d", kind, s.nextID)
	s.related[mapKey] = id
	return id, nil
}

// Article returns the stored article for a canonical URL, if present.
func (s *Store) Article(canonicalURL string) (StoredArticle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.articles[canonicalURL]
	if !ok {
		return StoredArticle{}, false
	}
	return *a, true
}

// Len reports the number of stored articles.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.articles)
}
