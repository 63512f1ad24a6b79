// Package bus distributes lifecycle events of observed run sessions to
// subscribers and keeps them in an event store for replay.
//
// Events are keyed by session: the root run of the session. A subscriber
// of a child run receives only that run's events.
package bus

import "github.com/petal-labs/flowrun/runtime"

// EventBus distributes events to subscribers.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(event runtime.Event)

	// Subscribe registers a subscriber for a session root or a single run.
	// The Subscription must be closed when done.
	Subscribe(runID string) Subscription

	// SubscribeAll registers a subscriber that receives every event.
	SubscribeAll() Subscription

	// Close shuts down the bus and all subscriptions.
	Close() error
}

// Subscription receives events.
type Subscription interface {
	Events() <-chan runtime.Event
	Close() error
}
