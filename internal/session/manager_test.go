package session

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/scrapeline/scrapeline/internal/etl"
	"github.com/scrapeline/scrapeline/internal/hash/sha256"
	"github.com/scrapeline/scrapeline/internal/id/uuid"
	"github.com/scrapeline/scrapeline/internal/ingest"
	"github.com/scrapeline/scrapeline/internal/ratelimit"
	"github.com/scrapeline/scrapeline/internal/storage/memory"
	"github.com/scrapeline/scrapeline/internal/worker"
)

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func newTestManager(t *testing.T, fetcher ingest.Fetcher, extractor ingest.Extractor, follow bool) (*Manager, *memory.Store) {
	t.Helper()

	store := memory.New(realClock{})
	pipeline, err := etl.New(store, sha256.New(), realClock{}, nil,
		etl.Config{FollowLinks: follow, SameHostOnly: true}, zap.NewNop())
	require.NoError(t, err)

	mgr, err := NewManager(Deps{
		Fetcher:   fetcher,
		Pipeline:  pipeline,
		Extractor: extractor,
		Clock:     realClock{},
		IDs:       uuid.New(),
		Logger:    zap.NewNop(),
	}, Config{
		Limiter: ratelimit.Config{FloorDelay: time.Millisecond, Burst: 16},
		Worker:  worker.Config{Workers: 2, MaxRetries: 1, RequestTimeout: time.Second},
	})
	require.NoError(t, err)
	return mgr, store
}

func waitState(t *testing.T, mgr *Manager, id string, want ingest.SessionState) ingest.SessionSnapshot {
	t.Helper()
	require.Eventually(t, func() bool {
		snap, err := mgr.Status(id)
		return err == nil && snap.State == want
	}, 3*time.Second, 10*time.Millisecond)
	snap, err := mgr.Status(id)
	require.NoError(t, err)
	return snap
}

func TestStartRunsSessionToCompletion(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{pages: map[string]string{
		"https://a.test/seed": "seed page",
	}}
	mgr, store := newTestManager(t, fetcher, &bodyExtractor{}, false)

	snap, err := mgr.Start(context.Background(), StartRequest{Seeds: []string{"https://a.test/seed"}})
	require.NoError(t, err)
	require.Equal(t, ingest.SessionRunning, snap.State)

	final := waitState(t, mgr, snap.ID, ingest.SessionCompleted)
	require.Equal(t, int64(1), final.Counters.Fetched)
	require.Equal(t, int64(1), final.Counters.Added)
	require.Equal(t, 1, store.Len())
	require.Equal(t, snap.ID, fetcher.headers().Get("X-Session-ID"))
}

func TestStartFollowsDiscoveredLinks(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{pages: map[string]string{
		"https://a.test/seed": "seed page",
		"https://a.test/b":    "page b",
	}}
	extractor := &bodyExtractor{links: map[string][]string{
		// The seed links to /b twice and to itself; dedup admits /b once.
		"seed page": {"/b", "/b", "/seed"},
	}}
	mgr, store := newTestManager(t, fetcher, extractor, true)

	snap, err := mgr.Start(context.Background(), StartRequest{Seeds: []string{"https://a.test/seed"}})
	require.NoError(t, err)

	final := waitState(t, mgr, snap.ID, ingest.SessionCompleted)
	require.Equal(t, int64(2), final.Counters.Fetched)
	require.Equal(t, int64(2), final.Counters.Added)
	require.Equal(t, 2, store.Len())
	require.Equal(t, 2, fetcher.calls())
}

func TestStorageOutageFailsSession(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{pages: map[string]string{
		"https://a.test/seed": "seed page",
	}}
	pipeline, err := etl.New(failingStore{}, sha256.New(), realClock{}, nil,
		etl.Config{SameHostOnly: true}, zap.NewNop())
	require.NoError(t, err)

	mgr, err := NewManager(Deps{
		Fetcher:   fetcher,
		Pipeline:  pipeline,
		Extractor: &bodyExtractor{},
		Clock:     realClock{},
		IDs:       uuid.New(),
		Logger:    zap.NewNop(),
	}, Config{
		Limiter: ratelimit.Config{FloorDelay: time.Millisecond, Burst: 16},
		Worker:  worker.Config{Workers: 2, MaxRetries: 1, RequestTimeout: time.Second},
	})
	require.NoError(t, err)

	snap, err := mgr.Start(context.Background(), StartRequest{Seeds: []string{"https://a.test/seed"}})
	require.NoError(t, err)

	final := waitState(t, mgr, snap.ID, ingest.SessionFailed)
	require.Contains(t, final.ErrorText, ingest.ErrStorageUnavailable.Error())
}

func TestStartRejectsInvalidSeed(t *testing.T) {
	t.Parallel()

	mgr, _ := newTestManager(t, &fakeFetcher{}, &bodyExtractor{}, false)

	_, err := mgr.Start(context.Background(), StartRequest{Seeds: []string{"ftp://a.test/x"}})
	require.Error(t, err)

	_, err = mgr.Start(context.Background(), StartRequest{})
	require.Error(t, err)
}

func TestCancelFailsRunningSession(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	fetcher := &fakeFetcher{
		pages: map[string]string{"https://a.test/seed": "seed page"},
		block: release,
	}
	mgr, _ := newTestManager(t, fetcher, &bodyExtractor{}, false)

	snap, err := mgr.Start(context.Background(), StartRequest{Seeds: []string{"https://a.test/seed"}})
	require.NoError(t, err)

	require.NoError(t, mgr.Cancel(snap.ID))
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, mgr.Wait(ctx, snap.ID))

	final, err := mgr.Status(snap.ID)
	require.NoError(t, err)
	require.Equal(t, ingest.SessionFailed, final.State)
	require.Equal(t, ErrCanceled.Error(), final.ErrorText)
}

func TestCancelUnknownSession(t *testing.T) {
	t.Parallel()

	mgr, _ := newTestManager(t, &fakeFetcher{}, &bodyExtractor{}, false)
	require.ErrorIs(t, mgr.Cancel("missing"), ErrNotFound)

	_, err := mgr.Status("missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestListReportsAllSessions(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{pages: map[string]string{
		"https://a.test/one": "page one",
		"https://b.test/two": "page two",
	}}
	mgr, _ := newTestManager(t, fetcher, &bodyExtractor{}, false)

	s1, err := mgr.Start(context.Background(), StartRequest{Seeds: []string{"https://a.test/one"}})
	require.NoError(t, err)
	s2, err := mgr.Start(context.Background(), StartRequest{Seeds: []string{"https://b.test/two"}})
	require.NoError(t, err)

	waitState(t, mgr, s1.ID, ingest.SessionCompleted)
	waitState(t, mgr, s2.ID, ingest.SessionCompleted)

	snaps := mgr.List()
	require.Len(t, snaps, 2)
}

func TestShutdownStopsActiveSessions(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	fetcher := &fakeFetcher{
		pages: map[string]string{"https://a.test/seed": "seed page"},
		block: release,
	}
	mgr, _ := newTestManager(t, fetcher, &bodyExtractor{}, false)

	snap, err := mgr.Start(context.Background(), StartRequest{Seeds: []string{"https://a.test/seed"}})
	require.NoError(t, err)
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, mgr.Shutdown(ctx))

	final, err := mgr.Status(snap.ID)
	require.NoError(t, err)
	require.Contains(t, []ingest.SessionState{ingest.SessionCompleted, ingest.SessionFailed}, final.State)
}

// --- fakes ---

type fakeFetcher struct {
	pages map[string]string
	block chan struct{}

	mu          sync.Mutex
	hits        int
	lastHeaders http.Header
}

func (f *fakeFetcher) Fetch(ctx context.Context, req ingest.FetchRequest) (ingest.FetchResult, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ingest.FetchResult{Request: req}, ctx.Err()
		}
	}
	f.mu.Lock()
	f.hits++
	f.lastHeaders = req.Headers.Clone()
	f.mu.Unlock()

	body, ok := f.pages[req.URL]
	if !ok {
		return ingest.FetchResult{Request: req, StatusCode: http.StatusNotFound}, nil
	}
	return ingest.FetchResult{
		Request:    req,
		StatusCode: http.StatusOK,
		Headers:    http.Header{"Content-Type": {"text/html"}},
		Body:       []byte(body),
		FetchedAt:  time.Now(),
	}, nil
}

func (f *fakeFetcher) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits
}

func (f *fakeFetcher) headers() http.Header {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastHeaders
}

// bodyExtractor derives fields from the page body and looks up scripted
// links keyed by body text.
type bodyExtractor struct {
	links map[string][]string
}

func (e *bodyExtractor) Extract(body []byte, _ string) (ingest.Document, error) {
	text := string(body)
	return ingest.Document{
		Fields: map[string]string{
			etl.FieldTitle: fmt.Sprintf("Title of %s", text),
			etl.FieldText:  text,
		},
		Links: e.links[text],
	}, nil
}

// failingStore simulates an unreachable backend: every call fails at the
// connection level.
type failingStore struct{}

func (failingStore) UpsertArticle(context.Context, ingest.ArticleCandidate) (ingest.LoadOutcome, error) {
	return ingest.LoadError, fmt.Errorf("begin upsert: %w: connection refused", ingest.ErrStorageUnavailable)
}

func (failingStore) FindOrCreateRelated(context.Context, ingest.RelatedKind, string) (string, error) {
	return "", fmt.Errorf("%w: connection refused", ingest.ErrStorageUnavailable)
}
