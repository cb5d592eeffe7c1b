// Package bus provides the in-process event transport between the store
// and its observers (controllers, supervisor, API stream).
package bus

import "github.com/infinitune/infinitune/internal/model"

// Subscriber is a registered consumer of store events.
type Subscriber interface {
	// C returns a read-only event channel. It is closed by Close.
	C() <-chan model.Event
	// Close unsubscribes.
	Close() error
}

// Bus is the event transport abstraction. Delivery is best-effort and
// in-process; the store remains the source of truth.
type Bus interface {
	Publish(ev model.Event)
	Subscribe(buffer int) Subscriber
}
