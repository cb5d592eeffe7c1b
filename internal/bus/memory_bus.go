package bus

import (
	"sync"
	"sync/atomic"

	"github.com/infinitune/infinitune/internal/log"
	"github.com/infinitune/infinitune/internal/metrics"
	"github.com/infinitune/infinitune/internal/model"
)

// MemoryBus is an in-memory broadcast of store mutations. Publish never
// blocks: a subscriber whose buffer is full loses the event and the drop
// is counted.
type MemoryBus struct {
	mu   sync.RWMutex
	subs []*memSub
}

const (
	defaultBuffer = 64
	dropLogEvery  = 100
)

var dropCount atomic.Uint64

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{}
}

// Publish fans the event out to every subscriber. Sends are non-blocking,
// so holding the read lock for the duration of the fan-out is safe and
// excludes a concurrent Close from closing a channel mid-send.
func (b *MemoryBus) Publish(ev model.Event) {
	metrics.IncBusPublished(string(ev.Type))

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		select {
		case s.ch <- ev:
		default:
			metrics.IncBusDropReason(string(ev.Type), "subscriber_full")
			count := dropCount.Add(1)
			if count%dropLogEvery == 0 {
				logger := log.WithComponent("bus")
				logger.Warn().
					Str("topic", string(ev.Type)).
					Uint64("dropped", count).
					Msg("slow subscriber, events dropped")
			}
		}
	}
}

// Subscribe registers a new subscriber with the given channel capacity.
// A non-positive capacity falls back to the default of 64.
func (b *MemoryBus) Subscribe(buffer int) Subscriber {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	s := &memSub{b: b, ch: make(chan model.Event, buffer)}

	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()

	return s
}

type memSub struct {
	b      *MemoryBus
	ch     chan model.Event
	closed bool
}

func (s *memSub) C() <-chan model.Event {
	return s.ch
}

func (s *memSub) Close() error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	lst := s.b.subs
	out := lst[:0]
	for _, sub := range lst {
		if sub != s {
			out = append(out, sub)
		}
	}
	s.b.subs = out
	close(s.ch) // Signal subscriber to stop
	return nil
}

// Ensure compliance
var _ Bus = (*MemoryBus)(nil)
