package bus

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/infinitune/infinitune/internal/metrics"
	"github.com/infinitune/infinitune/internal/model"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestMemoryBusDeliversToAllSubscribers(t *testing.T) {
	b := NewMemoryBus()
	s1 := b.Subscribe(4)
	s2 := b.Subscribe(4)
	t.Cleanup(func() { _ = s1.Close(); _ = s2.Close() })

	ev := model.Event{Type: model.EventSongCreated, PlaylistID: "p1", SongID: "s1", At: time.Now()}
	b.Publish(ev)

	for _, sub := range []Subscriber{s1, s2} {
		select {
		case got := <-sub.C():
			require.Equal(t, model.EventSongCreated, got.Type)
			require.Equal(t, "s1", got.SongID)
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestMemoryBusDropsWhenSubscriberFull(t *testing.T) {
	b := NewMemoryBus()
	sub := b.Subscribe(1)
	t.Cleanup(func() { _ = sub.Close() })

	before := testutil.ToFloat64(metrics.BusDroppedTotal.WithLabelValues(string(model.EventSongCreated), "subscriber_full"))

	// First fills the buffer, second must be dropped without blocking.
	done := make(chan struct{})
	go func() {
		defer close(done)
		b.Publish(model.Event{Type: model.EventSongCreated})
		b.Publish(model.Event{Type: model.EventSongCreated})
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}

	after := testutil.ToFloat64(metrics.BusDroppedTotal.WithLabelValues(string(model.EventSongCreated), "subscriber_full"))
	require.Greater(t, after, before, "expected drop counter to increase")
}

func TestMemoryBusCloseUnsubscribes(t *testing.T) {
	b := NewMemoryBus()
	sub := b.Subscribe(1)
	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close(), "double close must be a no-op")

	// Channel is closed after Close.
	_, ok := <-sub.C()
	require.False(t, ok)

	// Publishing after close must not panic.
	b.Publish(model.Event{Type: model.EventPlaylistUpdated})
}

func TestMemoryBusSubscribeDefaultBuffer(t *testing.T) {
	b := NewMemoryBus()
	sub := b.Subscribe(0)
	t.Cleanup(func() { _ = sub.Close() })
	require.Equal(t, defaultBuffer, cap(sub.C()))
}
