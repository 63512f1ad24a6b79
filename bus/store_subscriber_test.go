package bus

import (
	"context"
	"testing"
	"time"

	"github.com/petal-labs/flowrun/runtime"
)

func TestStoreSubscriber_Handle(t *testing.T) {
	store := NewMemEventStore()
	sub := NewStoreSubscriber(store, nil)

	sub.Handle(makeEvent("run-1", 1, runtime.EventFlowStart))
	sub.Handle(makeEvent("run-1", 2, runtime.EventNodeStart))

	evs, _ := store.List(context.Background(), "run-1", 0, 0)
	if len(evs) != 2 {
		t.Fatalf("stored %d events, want 2", len(evs))
	}
}

func TestStoreSubscriber_Consume(t *testing.T) {
	store := NewMemEventStore()
	b := NewMemBus(MemBusConfig{})
	sub := b.SubscribeAll()

	done := make(chan struct{})
	go func() {
		NewStoreSubscriber(store, nil).Consume(context.Background(), sub)
		close(done)
	}()

	emit := runtime.NewEmitter(b, nil)
	emit(runtime.NewEvent(runtime.EventFlowStart, "run-1"))
	emit(runtime.NewEvent(runtime.EventFlowComplete, "run-1"))
	b.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Consume did not return after the bus closed")
	}
	if seq, _ := store.LatestSeq(context.Background(), "run-1"); seq != 2 {
		t.Fatalf("LatestSeq = %d, want 2", seq)
	}
}
