// Package runtime defines the runtime boundary used by the gateway and the
// observation loop, and provides Engine, a durable implementation of it.
package runtime

import (
	"sync/atomic"
	"time"
)

// EventKind identifies the type of a lifecycle event.
type EventKind string

const (
	// EventFlowStart is emitted once when an observed run session begins.
	EventFlowStart EventKind = "flow_start"

	// EventNodeStart is emitted when a node begins a step.
	EventNodeStart EventKind = "node_start"

	// EventNodeComplete is emitted when a node finishes.
	// Payload: result, duration_ms and tokens for model calls.
	EventNodeComplete EventKind = "node_complete"

	// EventFlowWaiting is emitted once per wait key when the root run waits on a user.
	EventFlowWaiting EventKind = "flow_waiting"

	// EventFlowComplete is emitted once the root and all of its children settle.
	EventFlowComplete EventKind = "flow_complete"

	// EventFlowError is emitted when a run fails.
	EventFlowError EventKind = "flow_error"
)

// String returns the string representation of the EventKind.
func (k EventKind) String() string {
	return string(k)
}

// Terminal reports whether the event ends an observed session.
func (k EventKind) Terminal() bool {
	return k == EventFlowComplete || k == EventFlowError
}

// Event is a structured, streamable record of what happened during execution.
// Events are derived from ledger records; large data stays in the ledger.
type Event struct {
	// Kind identifies the event type.
	Kind EventKind `json:"kind"`

	// RunID is the run the event belongs to. Events of child runs carry the
	// child's id and RootRunID of the observed session.
	RunID     string `json:"run_id"`
	RootRunID string `json:"root_run_id,omitempty"`

	WorkflowID string `json:"workflow_id,omitempty"`

	// NodeID is the node that produced this event (empty for flow-level events).
	NodeID string `json:"node_id,omitempty"`

	// NodeKind is the node type (empty for flow-level events).
	NodeKind string `json:"node_kind,omitempty"`

	Time time.Time `json:"time"`

	// Elapsed is the duration since the run or node started.
	Elapsed time.Duration `json:"elapsed,omitempty"`

	Payload map[string]any `json:"payload,omitempty"`

	// Seq is a monotonic sequence number per observed session (1-indexed).
	Seq uint64 `json:"seq"`

	// TraceID and SpanID are hex-encoded OpenTelemetry ids, empty when tracing is off.
	TraceID string `json:"trace_id,omitempty"`
	SpanID  string `json:"span_id,omitempty"`
}

// NewEvent creates a new event with the current timestamp.
func NewEvent(kind EventKind, runID string) Event {
	return Event{
		Kind:    kind,
		RunID:   runID,
		Time:    time.Now(),
		Payload: make(map[string]any),
	}
}

// SessionID is the root run of the observed session the event belongs to.
func (e Event) SessionID() string {
	if e.RootRunID != "" {
		return e.RootRunID
	}
	return e.RunID
}

// WithNode sets the node information on the event.
func (e Event) WithNode(nodeID, nodeKind string) Event {
	e.NodeID = nodeID
	e.NodeKind = nodeKind
	return e
}

// WithRoot sets the session root and workflow of the event.
func (e Event) WithRoot(rootRunID, workflowID string) Event {
	e.RootRunID = rootRunID
	e.WorkflowID = workflowID
	return e
}

// WithTime overrides the event timestamp.
func (e Event) WithTime(t time.Time) Event {
	e.Time = t
	return e
}

// WithElapsed sets the elapsed duration on the event.
func (e Event) WithElapsed(elapsed time.Duration) Event {
	e.Elapsed = elapsed
	return e
}

// WithPayload adds a key-value pair to the event payload.
func (e Event) WithPayload(key string, value any) Event {
	if e.Payload == nil {
		e.Payload = make(map[string]any)
	}
	e.Payload[key] = value
	return e
}

// EventEmitter is a function type for emitting events.
type EventEmitter func(Event)

// EventEmitterDecorator wraps an emitter to add cross-cutting behavior,
// for example enriching events with trace metadata.
type EventEmitterDecorator func(EventEmitter) EventEmitter

// EventPublisher can publish events to external subscribers.
// This interface is satisfied by bus.EventBus, allowing the runtime
// to distribute events without importing the bus package directly.
type EventPublisher interface {
	Publish(event Event)
}

// EventHandler is a function type for handling events.
type EventHandler func(Event)

// MultiEventHandler combines multiple handlers into one.
func MultiEventHandler(handlers ...EventHandler) EventHandler {
	return func(e Event) {
		for _, h := range handlers {
			if h != nil {
				h(e)
			}
		}
	}
}

// ChannelEventHandler returns a handler that sends events to a channel.
// Events are dropped if the channel is full.
func ChannelEventHandler(ch chan<- Event) EventHandler {
	return func(e Event) {
		select {
		case ch <- e:
		default:
		}
	}
}

// NewEmitter returns an emitter that numbers events and forwards them to
// the publisher and then the handler. Either may be nil.
func NewEmitter(pub EventPublisher, handler EventHandler) EventEmitter {
	return NewEmitterAfter(pub, handler, 0)
}

// NewEmitterAfter is NewEmitter for a session whose events up to seq were
// already published, e.g. by an earlier process.
func NewEmitterAfter(pub EventPublisher, handler EventHandler, seq uint64) EventEmitter {
	gen := newSeqGen(seq)
	return func(e Event) {
		e.Seq = gen.Next()
		if pub != nil {
			pub.Publish(e)
		}
		if handler != nil {
			handler(e)
		}
	}
}

// seqGen produces monotonically increasing sequence numbers for one session.
type seqGen struct {
	counter atomic.Uint64
}

func newSeqGen(after uint64) *seqGen {
	g := &seqGen{}
	g.counter.Store(after)
	return g
}

// Next returns the next sequence number (1-indexed).
func (s *seqGen) Next() uint64 {
	return s.counter.Add(1)
}
