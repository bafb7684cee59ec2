// Package frontier implements the deduplicating, priority-ordered queue of
// pending fetch requests for one crawl session.
package frontier

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/scrapeline/scrapeline/internal/ingest"
	"github.com/scrapeline/scrapeline/internal/metrics"
)

// ErrClosed is returned by Dequeue once the queue is closed.
var ErrClosed = errors.New("frontier closed")

// Queue is a priority-ordered frontier with canonical-URL deduplication.
// A URL enqueued once is never handed out twice within the same session,
// regardless of how often handlers re-discover it. Retries re-admit a
// dispatched request with a not-before eligibility time without giving up
// the URL's dedup slot.
type Queue struct {
	clock ingest.Clock

	mu         sync.Mutex
	ready      readyHeap
	delayed    delayedHeap
	seen       map[string]struct{}
	dispatched int
	depth      int
	seq        uint64
	closed     bool
	changed    chan struct{}
}

// New constructs an empty Queue.
func New(clock ingest.Clock) *Queue {
	return &Queue{
		clock:   clock,
		seen:    make(map[string]struct{}),
		changed: make(chan struct{}),
	}
}

// Enqueue admits a request. It reports false when the canonical URL was
// already seen this session (queued, dispatched, or resolved) or the queue
// is closed.
func (q *Queue) Enqueue(req ingest.FetchRequest) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	if _, dup := q.seen[req.URL]; dup {
		return false
	}
	q.seen[req.URL] = struct{}{}
	if req.EnqueuedAt.IsZero() {
		req.EnqueuedAt = q.clock.Now()
	}
	q.seq++
	heap.Push(&q.ready, &item{req: req, seq: q.seq})
	q.syncDepthLocked()
	q.notifyLocked()
	return true
}

// RequeueAfter re-admits a dispatched request for retry, eligible once delay
// elapses. The URL keeps its dedup slot. Reports false if the queue is closed.
func (q *Queue) RequeueAfter(req ingest.FetchRequest, delay time.Duration) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	if q.dispatched > 0 {
		q.dispatched--
	}
	q.seq++
	it := &item{req: req, seq: q.seq, notBefore: q.clock.Now().Add(delay)}
	if delay <= 0 {
		heap.Push(&q.ready, it)
	} else {
		heap.Push(&q.delayed, it)
	}
	q.syncDepthLocked()
	q.notifyLocked()
	return true
}

// Dequeue blocks until a request is eligible, the context ends, or the queue
// closes. Ownership of the returned request transfers to the caller, who must
// eventually call Resolve or RequeueAfter for its URL.
func (q *Queue) Dequeue(ctx context.Context) (ingest.FetchRequest, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return ingest.FetchRequest{}, ErrClosed
		}
		q.promoteLocked()
		if q.ready.Len() > 0 {
			it := heap.Pop(&q.ready).(*item)
			q.dispatched++
			q.syncDepthLocked()
			q.mu.Unlock()
			return it.req, nil
		}

		var timerC <-chan time.Time
		var timer *time.Timer
		if q.delayed.Len() > 0 {
			wait := q.delayed[0].notBefore.Sub(q.clock.Now())
			timer = time.NewTimer(wait)
			timerC = timer.C
		}
		ch := q.changed
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return ingest.FetchRequest{}, ctx.Err()
		case <-ch:
		case <-timerC:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// Resolve marks a dispatched URL terminal (success or permanent failure).
// The URL stays in the seen set for the rest of the session, so it cannot be
// re-enqueued within the same run.
func (q *Queue) Resolve(url string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.dispatched > 0 {
		q.dispatched--
	}
	q.notifyLocked()
}

// Close rejects further enqueues and makes Dequeue return ErrClosed.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	// Whatever was still queued leaves the shared gauge with the session.
	metrics.AddFrontierDepth(-q.depth)
	q.depth = 0
	q.notifyLocked()
}

// WaitDrained blocks until no queued, delayed, or dispatched requests remain,
// or ctx ends. Seed the queue before calling it.
func (q *Queue) WaitDrained(ctx context.Context) error {
	for {
		q.mu.Lock()
		drained := q.ready.Len() == 0 && q.delayed.Len() == 0 && q.dispatched == 0
		ch := q.changed
		q.mu.Unlock()
		if drained {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// Len reports the number of requests waiting (ready plus delayed).
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ready.Len() + q.delayed.Len()
}

// promoteLocked moves delayed items whose eligibility time has passed into
// the ready heap. Caller holds q.mu.
// syncDepthLocked pushes this queue's backlog into the shared frontier gauge
// as a delta, so concurrent sessions contribute additively.
func (q *Queue) syncDepthLocked() {
	depth := len(q.ready) + len(q.delayed)
	metrics.AddFrontierDepth(depth - q.depth)
	q.depth = depth
}

func (q *Queue) promoteLocked() {
	now := q.clock.Now()
	for q.delayed.Len() > 0 && !q.delayed[0].notBefore.After(now) {
		it := heap.Pop(&q.delayed).(*item)
		heap.Push(&q.ready, it)
	}
}

func (q *Queue) notifyLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}

type item struct {
	req       ingest.FetchRequest
	seq       uint64
	notBefore time.Time
}

// readyHeap orders by priority descending, then enqueue order (FIFO) so
// low-priority items have bounded worst-case latency.
type readyHeap []*item

func (h readyHeap) Len() int { return len(h) }
func (h readyHeap) Less(i, j int) bool {
	if h[i].req.Priority != h[j].req.Priority {
		return h[i].req.Priority > h[j].req.Priority
	}
	return h[i].seq < h[j].seq
}
func (h readyHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *readyHeap) Push(x any)   { *h = append(*h, x.(*item)) }
func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// delayedHeap orders by eligibility time ascending.
type delayedHeap []*item

func (h delayedHeap) Len() int           { return len(h) }
func (h delayedHeap) Less(i, j int) bool { return h[i].notBefore.Before(h[j].notBefore) }
func (h delayedHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *delayedHeap) Push(x any)        { *h = append(*h, x.(*item)) }
func (h *delayedHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}
