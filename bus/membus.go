package bus

import (
	"slices"
	"sync"

	"github.com/petal-labs/flowrun/runtime"
)

// MemBusConfig configures an in-memory event bus.
type MemBusConfig struct {
	// SubscriberBufferSize is the channel buffer per subscriber (default 256).
	SubscriberBufferSize int
}

// everything is the topic of SubscribeAll subscribers.
const everything = ""

// MemBus is an in-memory EventBus. A topic is a session root or a single run
// id; an event of a child run is published on the session topic and on the
// child's own topic. Slow subscribers lose events rather than block the
// observation loop, and catch up from an EventStore.
type MemBus struct {
	mu      sync.RWMutex
	topics  map[string][]*memSub
	bufSize int
	closed  bool
}

// NewMemBus creates an in-memory event bus.
func NewMemBus(config MemBusConfig) *MemBus {
	bufSize := config.SubscriberBufferSize
	if bufSize <= 0 {
		bufSize = 256
	}
	return &MemBus{
		topics:  make(map[string][]*memSub),
		bufSize: bufSize,
	}
}

// topicsOf lists the topics an event is delivered on.
func topicsOf(event runtime.Event) []string {
	session := event.SessionID()
	if session == everything {
		return []string{everything}
	}
	if event.RunID == session || event.RunID == "" {
		return []string{session, everything}
	}
	return []string{session, event.RunID, everything}
}

// Publish delivers event on its session topic, its run topic and to
// SubscribeAll subscribers. Publishing on a closed bus is a no-op.
func (b *MemBus) Publish(event runtime.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for _, topic := range topicsOf(event) {
		for _, sub := range b.topics[topic] {
			sub.send(event)
		}
	}
}

// Subscribe follows a session when id is a root run, or one run otherwise.
func (b *MemBus) Subscribe(id string) Subscription {
	return b.join(id)
}

// SubscribeAll follows every session.
func (b *MemBus) SubscribeAll() Subscription {
	return b.join(everything)
}

func (b *MemBus) join(topic string) *memSub {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := newMemSub(b.bufSize, func(s *memSub) { b.leave(topic, s) })
	if b.closed {
		sub.close()
		return sub
	}
	b.topics[topic] = append(b.topics[topic], sub)
	return sub
}

func (b *MemBus) leave(topic string, s *memSub) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := slices.DeleteFunc(b.topics[topic], func(x *memSub) bool { return x == s })
	if len(subs) == 0 {
		delete(b.topics, topic)
		return
	}
	b.topics[topic] = subs
}

// Close shuts down the bus and closes every subscription.
func (b *MemBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for _, subs := range b.topics {
		for _, sub := range subs {
			sub.close()
		}
	}
	clear(b.topics)
	return nil
}

// memSub is one subscriber channel. leave runs once, on the first Close.
type memSub struct {
	ch     chan runtime.Event
	mu     sync.Mutex
	done   bool
	leave  func(*memSub)
	detach sync.Once
}

func newMemSub(bufSize int, leave func(*memSub)) *memSub {
	return &memSub{
		ch:    make(chan runtime.Event, bufSize),
		leave: leave,
	}
}

func (s *memSub) Events() <-chan runtime.Event {
	return s.ch
}

func (s *memSub) Close() error {
	s.detach.Do(func() { s.leave(s) })
	s.close()
	return nil
}

func (s *memSub) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.done {
		s.done = true
		close(s.ch)
	}
}

// send drops the event when the buffer is full.
func (s *memSub) send(event runtime.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done {
		return
	}
	select {
	case s.ch <- event:
	default:
	}
}

var (
	_ EventBus     = (*MemBus)(nil)
	_ Subscription = (*memSub)(nil)
)
