package queue

import (
	"container/heap"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/infinitune/infinitune/internal/log"
	"github.com/infinitune/infinitune/internal/metrics"
)

// NotFoundGrace is how long a freshly submitted task may poll as not_found
// before it is considered lost; the audio service registers tasks with
// some lag after accepting them.
const NotFoundGrace = 2 * time.Minute

// PollStatus is the audio service's answer for one task check.
type PollStatus string

const (
	PollRunning   PollStatus = "running"
	PollSucceeded PollStatus = "succeeded"
	PollFailed    PollStatus = "failed"
	PollNotFound  PollStatus = "not_found"
)

// PollResult is one poll answer. AudioPath is set on success, Error on
// failure. Duration carries the rendered length in seconds when the
// service reports one.
type PollResult struct {
	Status    PollStatus
	AudioPath string
	Duration  float64
	Error     string
}

// Poller issues one status check for a submitted audio task. The concrete
// client lives in internal/generate/acestep.
type Poller interface {
	Poll(ctx context.Context, taskID string) (PollResult, error)
}

// AudioResult is the terminal outcome of one audio lane occupancy. Status
// is succeeded, failed or not_found; cancellation surfaces as ErrCancelled
// from Submit/ResumePoll instead.
type AudioResult struct {
	Status       PollStatus
	AudioPath    string
	Duration     float64
	ErrorMessage string
	ProcessingMs int64
}

// SubmitFunc performs the actual task submission once the lane is free and
// returns the external task id.
type SubmitFunc func(ctx context.Context) (string, error)

type audioSlot struct {
	songID   string
	priority int
	seq      uint64
	index    int
	enqueued time.Time

	resume      bool
	taskID      string
	submittedAt time.Time

	ctx      context.Context
	cancel   context.CancelFunc
	admit    chan struct{}
	done     chan struct{}
	result   AudioResult
	err      error
	finished bool
}

// AudioQueue serializes audio generation: exactly one song occupies the
// lane end-to-end (submit, repeated polls, terminal result). Waiting
// submissions order by priority with FIFO ties; resumes enter at priority
// 0 and skip the submit step.
type AudioQueue struct {
	poller Poller
	logger zerolog.Logger
	now    func() time.Time

	mu      sync.Mutex
	seq     uint64
	waiting audioHeap
	current *audioSlot
	polls   int
	closed  bool
}

// NewAudioQueue builds the audio lane over the given poller.
func NewAudioQueue(p Poller) *AudioQueue {
	return &AudioQueue{
		poller: p,
		logger: log.WithComponent("queue").With().Str("endpoint", "audio").Logger(),
		now:    time.Now,
	}
}

// Submit enters the lane, runs submit once admitted, reports the returned
// task id through submitted (the caller persists it before polling picks
// up), then blocks until the task reaches a terminal poll result. The
// submit call runs on the calling goroutine; polls run on TickPolls.
func (q *AudioQueue) Submit(ctx context.Context, songID string, priority int, submit SubmitFunc, submitted func(taskID string)) (AudioResult, error) {
	slot, err := q.admit(ctx, songID, priority, false, "", time.Time{})
	if err != nil {
		return AudioResult{}, err
	}

	taskID, err := submit(slot.ctx)
	if err != nil {
		q.release(slot)
		if slot.ctx.Err() != nil && ctx.Err() == nil {
			return AudioResult{}, ErrCancelled
		}
		return AudioResult{}, err
	}

	q.mu.Lock()
	slot.taskID = taskID
	slot.submittedAt = q.now()
	q.mu.Unlock()

	if submitted != nil {
		submitted(taskID)
	}
	return q.wait(ctx, slot)
}

// ResumePoll re-enters the lane for an already-submitted task at the front
// of the line, skipping the submit step. Recovery uses it for songs found
// in generating_audio after a restart.
func (q *AudioQueue) ResumePoll(ctx context.Context, songID, taskID string, submittedAt time.Time) (AudioResult, error) {
	slot, err := q.admit(ctx, songID, 0, true, taskID, submittedAt)
	if err != nil {
		return AudioResult{}, err
	}
	return q.wait(ctx, slot)
}

// admit queues a slot and blocks until it owns the lane.
func (q *AudioQueue) admit(ctx context.Context, songID string, priority int, resume bool, taskID string, submittedAt time.Time) (*audioSlot, error) {
	slotCtx, cancel := context.WithCancel(ctx)

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		cancel()
		return nil, ErrClosed
	}
	q.seq++
	slot := &audioSlot{
		songID:      songID,
		priority:    priority,
		seq:         q.seq,
		enqueued:    q.now(),
		resume:      resume,
		taskID:      taskID,
		submittedAt: submittedAt,
		ctx:         slotCtx,
		cancel:      cancel,
		admit:       make(chan struct{}),
		done:        make(chan struct{}),
	}
	heap.Push(&q.waiting, slot)
	q.dispatchLocked()
	q.updateGaugesLocked()
	q.mu.Unlock()

	select {
	case <-slot.admit:
	case <-ctx.Done():
		q.drop(slot)
		cancel()
		return nil, ctx.Err()
	}

	q.mu.Lock()
	cancelled := slot.finished
	err := slot.err
	q.mu.Unlock()
	if cancelled {
		cancel()
		if err != nil {
			return nil, err
		}
		return nil, ErrCancelled
	}
	return slot, nil
}

// wait blocks until the slot resolves. The caller's context aborting
// releases the lane; the external task itself is left alone so a restart
// can resume it.
func (q *AudioQueue) wait(ctx context.Context, slot *audioSlot) (AudioResult, error) {
	defer slot.cancel()
	select {
	case <-slot.done:
		if slot.err != nil {
			return AudioResult{}, slot.err
		}
		res := slot.result
		res.ProcessingMs = q.now().Sub(slot.enqueued).Milliseconds()
		return res, nil
	case <-slot.ctx.Done():
		q.release(slot)
		if ctx.Err() == nil {
			return AudioResult{}, ErrCancelled
		}
		return AudioResult{}, ctx.Err()
	}
}

// drop removes a slot whose caller gave up before admission.
func (q *AudioQueue) drop(slot *audioSlot) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !slot.finished && slot.index >= 0 {
		heap.Remove(&q.waiting, slot.index)
		slot.finished = true
		q.updateGaugesLocked()
		return
	}
	// Admitted concurrently with the caller giving up.
	if q.current == slot {
		q.releaseLocked(slot)
	}
}

// release frees the lane when the occupant bails out (failed submit,
// cancellation) without a poll result.
func (q *AudioQueue) release(slot *audioSlot) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.releaseLocked(slot)
}

func (q *AudioQueue) releaseLocked(slot *audioSlot) {
	if slot.finished {
		return
	}
	slot.finished = true
	if q.current == slot {
		q.current = nil
		q.polls = 0
		q.dispatchLocked()
	}
	q.updateGaugesLocked()
}

// resolveLocked finishes the current slot with a terminal result and
// admits the next waiter.
func (q *AudioQueue) resolveLocked(slot *audioSlot, res AudioResult, err error) {
	if slot.finished {
		return
	}
	slot.finished = true
	slot.result = res
	slot.err = err
	close(slot.done)
	if q.current == slot {
		q.current = nil
		q.polls = 0
		q.dispatchLocked()
	}
	q.updateGaugesLocked()
}

func (q *AudioQueue) dispatchLocked() {
	if q.current != nil || len(q.waiting) == 0 {
		return
	}
	slot := heap.Pop(&q.waiting).(*audioSlot)
	q.current = slot
	q.polls = 0
	close(slot.admit)
}

func (q *AudioQueue) updateGaugesLocked() {
	active := 0
	if q.current != nil {
		active = 1
	}
	metrics.SetQueueGauges("audio", len(q.waiting), active)
}

// TickPolls issues at most one poll for the lane occupant. The supervisor
// calls it on its tick cadence. A poll I/O error keeps the slot polling;
// the next tick retries.
func (q *AudioQueue) TickPolls(ctx context.Context) {
	q.mu.Lock()
	slot := q.current
	if slot == nil || slot.finished || slot.taskID == "" {
		q.mu.Unlock()
		return
	}
	taskID := slot.taskID
	submittedAt := slot.submittedAt
	q.polls++
	q.mu.Unlock()

	res, err := q.poller.Poll(ctx, taskID)
	if err != nil {
		metrics.IncAudioPoll("error")
		q.logger.Warn().Err(err).Str("song_id", slot.songID).Str("task_id", taskID).Msg("audio poll failed, will retry")
		return
	}
	metrics.IncAudioPoll(string(res.Status))

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.current != slot || slot.finished {
		return
	}

	switch res.Status {
	case PollRunning:
		// Still generating; nothing to do until the next tick.
	case PollSucceeded:
		q.resolveLocked(slot, AudioResult{Status: PollSucceeded, AudioPath: res.AudioPath, Duration: res.Duration}, nil)
	case PollFailed:
		q.resolveLocked(slot, AudioResult{Status: PollFailed, ErrorMessage: res.Error}, nil)
	case PollNotFound:
		if q.now().Sub(submittedAt) < NotFoundGrace {
			// Registration lag; treat as still running.
			q.logger.Debug().Str("task_id", taskID).Msg("task not registered yet, within grace")
			return
		}
		metrics.AudioLostTasksTotal.Inc()
		q.logger.Warn().Str("song_id", slot.songID).Str("task_id", taskID).Msg("audio task lost past grace period")
		q.resolveLocked(slot, AudioResult{Status: PollNotFound}, nil)
	default:
		q.logger.Error().Str("status", string(res.Status)).Msg("unknown poll status, ignoring")
	}
}

// CancelSong removes waiting slots for the song and aborts the lane
// occupant if it matches. The external task is not cancelled; it may
// still finish and be picked up by a later resume.
func (q *AudioQueue) CancelSong(songID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	cancelled := 0
	for i := 0; i < len(q.waiting); {
		slot := q.waiting[i]
		if slot.songID != songID {
			i++
			continue
		}
		heap.Remove(&q.waiting, i)
		slot.finished = true
		slot.err = ErrCancelled
		close(slot.admit)
		cancelled++
		metrics.QueueCancellationsTotal.WithLabelValues("audio", "pending").Inc()
	}
	if q.current != nil && q.current.songID == songID {
		q.current.cancel()
		cancelled++
		metrics.QueueCancellationsTotal.WithLabelValues("audio", "active").Inc()
	}
	if cancelled > 0 {
		q.updateGaugesLocked()
	}
	return cancelled
}

// Close rejects new entries and fails the waiting ones with ErrClosed.
// The lane occupant is released through its own context by the caller's
// shutdown; its external task survives for resume-on-restart.
func (q *AudioQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	for len(q.waiting) > 0 {
		slot := heap.Pop(&q.waiting).(*audioSlot)
		slot.finished = true
		slot.err = ErrClosed
		close(slot.admit)
	}
	q.updateGaugesLocked()
}

// AudioSlotStatus describes the lane occupant.
type AudioSlotStatus struct {
	SongID      string     `json:"songId"`
	TaskID      string     `json:"taskId,omitempty"`
	Resume      bool       `json:"resume,omitempty"`
	SubmittedAt *time.Time `json:"submittedAt,omitempty"`
	Polls       int        `json:"polls"`
}

// AudioStatus is a point-in-time snapshot of the audio lane.
type AudioStatus struct {
	Waiting []ItemStatus     `json:"waiting"`
	Current *AudioSlotStatus `json:"current,omitempty"`
}

// Status returns a snapshot for the queue status API.
func (q *AudioQueue) Status() AudioStatus {
	q.mu.Lock()
	defer q.mu.Unlock()

	st := AudioStatus{Waiting: make([]ItemStatus, 0, len(q.waiting))}
	for _, slot := range q.waiting {
		since := slot.enqueued
		st.Waiting = append(st.Waiting, ItemStatus{
			SongID:       slot.songID,
			Priority:     slot.priority,
			WaitingSince: &since,
		})
	}
	sort.Slice(st.Waiting, func(i, j int) bool {
		if st.Waiting[i].Priority != st.Waiting[j].Priority {
			return st.Waiting[i].Priority < st.Waiting[j].Priority
		}
		return st.Waiting[i].WaitingSince.Before(*st.Waiting[j].WaitingSince)
	})
	if q.current != nil {
		cur := &AudioSlotStatus{
			SongID: q.current.songID,
			TaskID: q.current.taskID,
			Resume: q.current.resume,
			Polls:  q.polls,
		}
		if !q.current.submittedAt.IsZero() {
			at := q.current.submittedAt
			cur.SubmittedAt = &at
		}
		st.Current = cur
	}
	return st
}

// audioHeap orders waiting slots by priority, then FIFO.
type audioHeap []*audioSlot

func (h audioHeap) Len() int { return len(h) }

func (h audioHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h audioHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *audioHeap) Push(x interface{}) {
	slot := x.(*audioSlot)
	slot.index = len(*h)
	*h = append(*h, slot)
}

func (h *audioHeap) Pop() interface{} {
	old := *h
	n := len(old)
	slot := old[n-1]
	old[n-1] = nil
	slot.index = -1
	*h = old[:n-1]
	return slot
}
