// Package queue provides the admission control in front of the external
// generation endpoints: a bounded-concurrency priority queue for the
// request/response endpoints (text, image) and a single-slot poll-driven
// specialization for the audio service.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/infinitune/infinitune/internal/log"
	"github.com/infinitune/infinitune/internal/metrics"
)

var (
	// ErrCancelled is returned from Enqueue when CancelSong removed the
	// entry or aborted its running execute.
	ErrCancelled = errors.New("queue: cancelled")

	// ErrClosed rejects enqueues after Close.
	ErrClosed = errors.New("queue: closed")
)

// Request is one unit of work bound for an external endpoint. Lower
// Priority runs first; ties run in enqueue order.
type Request[T any] struct {
	SongID   string
	Priority int
	Execute  func(ctx context.Context) (T, error)
}

// Result carries the execute return value plus the measured run time.
type Result[T any] struct {
	Value        T
	ProcessingMs int64
}

// ItemStatus is one entry in a queue status snapshot.
type ItemStatus struct {
	SongID       string     `json:"songId"`
	Priority     int        `json:"priority"`
	WaitingSince *time.Time `json:"waitingSince,omitempty"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
}

// Status is a point-in-time snapshot of one endpoint queue.
type Status struct {
	Endpoint       string       `json:"endpoint"`
	MaxConcurrency int          `json:"maxConcurrency"`
	Pending        int          `json:"pending"`
	Active         int          `json:"active"`
	Errors         int          `json:"errors"`
	LastError      string       `json:"lastError,omitempty"`
	PendingItems   []ItemStatus `json:"pendingItems"`
	ActiveItems    []ItemStatus `json:"activeItems"`
}

type entryState int

const (
	statePending entryState = iota
	stateActive
	stateCancelled
	stateClosed
)

type entry[T any] struct {
	songID   string
	priority int
	seq      uint64
	enqueued time.Time
	started  time.Time
	state    entryState
	index    int // heap bookkeeping, -1 once admitted or removed

	cancel context.CancelFunc // aborts a running execute
	admit  chan struct{}      // closed exactly once on admit/cancel/close
}

// EndpointQueue admits at most maxConcurrency executes at a time, lowest
// priority first. Execution happens on the enqueueing goroutine; the
// queue only hands out admission.
type EndpointQueue[T any] struct {
	endpoint string
	logger   zerolog.Logger
	now      func() time.Time

	mu             sync.Mutex
	maxConcurrency int
	seq            uint64
	pending        entryHeap[T]
	active         map[*entry[T]]struct{}
	errorCount     int
	lastError      string
	closed         bool
}

// NewEndpointQueue builds a queue for one endpoint. maxConcurrency below 1
// is clamped to 1.
func NewEndpointQueue[T any](endpoint string, maxConcurrency int) *EndpointQueue[T] {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	return &EndpointQueue[T]{
		endpoint:       endpoint,
		logger:         log.WithComponent("queue").With().Str("endpoint", endpoint).Logger(),
		now:            time.Now,
		maxConcurrency: maxConcurrency,
		active:         make(map[*entry[T]]struct{}),
	}
}

// Enqueue blocks until the request has been admitted and executed, then
// returns its result. It fails with ErrCancelled if CancelSong hit the
// entry, ErrClosed if the queue shut down first, or ctx.Err() if the
// caller gave up while still pending.
func (q *EndpointQueue[T]) Enqueue(ctx context.Context, req Request[T]) (Result[T], error) {
	var zero Result[T]

	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return zero, ErrClosed
	}
	q.seq++
	e := &entry[T]{
		songID:   req.SongID,
		priority: req.Priority,
		seq:      q.seq,
		enqueued: q.now(),
		cancel:   cancel,
		admit:    make(chan struct{}),
	}
	heap.Push(&q.pending, e)
	q.dispatchLocked()
	q.updateGaugesLocked()
	q.mu.Unlock()

	select {
	case <-e.admit:
	case <-ctx.Done():
		q.abandon(e)
		return zero, ctx.Err()
	}

	q.mu.Lock()
	state := e.state
	q.mu.Unlock()
	switch state {
	case stateCancelled:
		return zero, ErrCancelled
	case stateClosed:
		return zero, ErrClosed
	}

	metrics.ObserveQueueWait(q.endpoint, e.started.Sub(e.enqueued))
	value, err := req.Execute(execCtx)
	q.finish(e, err)

	if err != nil {
		// A cancel that lands mid-execute surfaces as the context error
		// of execCtx; report it uniformly as ErrCancelled.
		if errors.Is(err, context.Canceled) && ctx.Err() == nil {
			return zero, ErrCancelled
		}
		return zero, err
	}
	return Result[T]{Value: value, ProcessingMs: q.now().Sub(e.started).Milliseconds()}, nil
}

// abandon removes a still-pending entry whose caller gave up.
func (q *EndpointQueue[T]) abandon(e *entry[T]) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e.state == statePending && e.index >= 0 {
		heap.Remove(&q.pending, e.index)
		e.state = stateCancelled
		q.updateGaugesLocked()
		return
	}
	// Already admitted concurrently; hand the token back.
	if e.state == stateActive {
		delete(q.active, e)
		q.dispatchLocked()
		q.updateGaugesLocked()
	}
}

// finish returns an admission token and records the outcome.
func (q *EndpointQueue[T]) finish(e *entry[T], err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
		if errors.Is(err, context.Canceled) {
			outcome = "cancelled"
		}
	}
	metrics.ObserveQueueExec(q.endpoint, outcome, q.now().Sub(e.started))

	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.active, e)
	if err != nil && !errors.Is(err, context.Canceled) {
		q.errorCount++
		q.lastError = err.Error()
	}
	q.dispatchLocked()
	q.updateGaugesLocked()
}

// dispatchLocked admits pending entries while capacity allows.
func (q *EndpointQueue[T]) dispatchLocked() {
	for len(q.pending) > 0 && len(q.active) < q.maxConcurrency {
		e := heap.Pop(&q.pending).(*entry[T])
		e.state = stateActive
		e.started = q.now()
		q.active[e] = struct{}{}
		close(e.admit)
	}
}

func (q *EndpointQueue[T]) updateGaugesLocked() {
	metrics.SetQueueGauges(q.endpoint, len(q.pending), len(q.active))
}

// CancelSong removes every pending entry for the song and aborts any
// running ones through their contexts.
func (q *EndpointQueue[T]) CancelSong(songID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	cancelled := 0
	for i := 0; i < len(q.pending); {
		e := q.pending[i]
		if e.songID != songID {
			i++
			continue
		}
		heap.Remove(&q.pending, i)
		e.state = stateCancelled
		close(e.admit)
		cancelled++
		metrics.QueueCancellationsTotal.WithLabelValues(q.endpoint, "pending").Inc()
	}
	for e := range q.active {
		if e.songID == songID {
			e.cancel()
			cancelled++
			metrics.QueueCancellationsTotal.WithLabelValues(q.endpoint, "active").Inc()
		}
	}
	if cancelled > 0 {
		q.logger.Debug().Str("song_id", songID).Int("entries", cancelled).Msg("cancelled queue entries")
		q.updateGaugesLocked()
	}
	return cancelled
}

// ResortPending re-prices the pending entries with the given function and
// restores heap order. Entries the function declines stay as they are.
// Called after steering or playback movement changes priorities.
func (q *EndpointQueue[T]) ResortPending(priorityOf func(songID string) (int, bool)) {
	q.mu.Lock()
	defer q.mu.Unlock()

	changed := false
	for _, e := range q.pending {
		if p, ok := priorityOf(e.songID); ok && p != e.priority {
			e.priority = p
			changed = true
		}
	}
	if changed {
		heap.Init(&q.pending)
	}
}

// RefreshConcurrency adjusts the admission bound at runtime. Growth admits
// waiting entries immediately; shrinking lets running work finish and
// simply stops admitting until the active count drops below the new bound.
func (q *EndpointQueue[T]) RefreshConcurrency(n int) {
	if n < 1 {
		n = 1
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if n == q.maxConcurrency {
		return
	}
	q.logger.Info().Int("from", q.maxConcurrency).Int("to", n).Msg("queue concurrency changed")
	q.maxConcurrency = n
	q.dispatchLocked()
	q.updateGaugesLocked()
}

// Close rejects future enqueues and fails all pending entries with
// ErrClosed. Running executes are left to finish on their own contexts.
func (q *EndpointQueue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	for len(q.pending) > 0 {
		e := heap.Pop(&q.pending).(*entry[T])
		e.state = stateClosed
		close(e.admit)
	}
	q.updateGaugesLocked()
}

// Status returns a snapshot for the queue status API.
func (q *EndpointQueue[T]) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()

	st := Status{
		Endpoint:       q.endpoint,
		MaxConcurrency: q.maxConcurrency,
		Pending:        len(q.pending),
		Active:         len(q.active),
		Errors:         q.errorCount,
		LastError:      q.lastError,
		PendingItems:   make([]ItemStatus, 0, len(q.pending)),
		ActiveItems:    make([]ItemStatus, 0, len(q.active)),
	}
	for _, e := range q.pending {
		since := e.enqueued
		st.PendingItems = append(st.PendingItems, ItemStatus{
			SongID:       e.songID,
			Priority:     e.priority,
			WaitingSince: &since,
		})
	}
	sort.Slice(st.PendingItems, func(i, j int) bool {
		if st.PendingItems[i].Priority != st.PendingItems[j].Priority {
			return st.PendingItems[i].Priority < st.PendingItems[j].Priority
		}
		return st.PendingItems[i].WaitingSince.Before(*st.PendingItems[j].WaitingSince)
	})
	for e := range q.active {
		started := e.started
		st.ActiveItems = append(st.ActiveItems, ItemStatus{
			SongID:    e.songID,
			Priority:  e.priority,
			StartedAt: &started,
		})
	}
	sort.Slice(st.ActiveItems, func(i, j int) bool {
		return st.ActiveItems[i].StartedAt.Before(*st.ActiveItems[j].StartedAt)
	})
	return st
}

// entryHeap orders by priority, then enqueue sequence for FIFO ties.
type entryHeap[T any] []*entry[T]

func (h entryHeap[T]) Len() int { return len(h) }

func (h entryHeap[T]) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h entryHeap[T]) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap[T]) Push(x interface{}) {
	e := x.(*entry[T])
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap[T]) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}
