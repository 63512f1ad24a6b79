package bus

import (
	"context"
	"testing"

	"github.com/petal-labs/flowrun/runtime"
)

func makeEvent(runID string, seq uint64, kind runtime.EventKind) runtime.Event {
	e := runtime.NewEvent(kind, runID)
	e.Seq = seq
	return e
}

func TestMemEventStore_ListAndLatest(t *testing.T) {
	s := NewMemEventStore()
	ctx := context.Background()

	for i := uint64(1); i <= 5; i++ {
		_ = s.Append(ctx, makeEvent("root", i, runtime.EventNodeStart).WithRoot("root", "wf"))
	}
	_ = s.Append(ctx, makeEvent("other", 1, runtime.EventFlowStart))

	evs, _ := s.List(ctx, "root", 0, 0)
	if len(evs) != 5 {
		t.Fatalf("got %d events, want 5", len(evs))
	}
	evs, _ = s.List(ctx, "root", 2, 2)
	if len(evs) != 2 || evs[0].Seq != 3 || evs[1].Seq != 4 {
		t.Fatalf("page = %v", evs)
	}
	if seq, _ := s.LatestSeq(ctx, "root"); seq != 5 {
		t.Fatalf("LatestSeq = %d", seq)
	}
	if seq, _ := s.LatestSeq(ctx, "missing"); seq != 0 {
		t.Fatalf("LatestSeq(missing) = %d", seq)
	}
}

func TestMemEventStore_ChildEventsJoinTheSession(t *testing.T) {
	s := NewMemEventStore()
	ctx := context.Background()

	_ = s.Append(ctx, makeEvent("root", 1, runtime.EventFlowStart).WithRoot("root", "wf"))
	_ = s.Append(ctx, makeEvent("child", 3, runtime.EventNodeStart).WithRoot("root", "listener"))
	_ = s.Append(ctx, makeEvent("root", 2, runtime.EventNodeStart).WithRoot("root", "wf"))

	evs, _ := s.List(ctx, "root", 0, 0)
	if len(evs) != 3 {
		t.Fatalf("got %d events", len(evs))
	}
	for i, e := range evs {
		if e.Seq != uint64(i+1) {
			t.Fatalf("event %d has seq %d", i, e.Seq)
		}
	}
	if evs[2].RunID != "child" {
		t.Fatalf("last event belongs to %s", evs[2].RunID)
	}
	if evs, _ := s.List(ctx, "child", 0, 0); len(evs) != 0 {
		t.Fatalf("child events should be stored under the session, got %d", len(evs))
	}
}

func TestMemEventStore_DuplicateSeqIgnored(t *testing.T) {
	s := NewMemEventStore()
	ctx := context.Background()

	_ = s.Append(ctx, makeEvent("root", 1, runtime.EventFlowStart))
	_ = s.Append(ctx, makeEvent("root", 2, runtime.EventNodeStart))
	_ = s.Append(ctx, makeEvent("root", 1, runtime.EventFlowError))

	evs, _ := s.List(ctx, "root", 0, 0)
	if len(evs) != 2 {
		t.Fatalf("got %d events, want 2", len(evs))
	}
	if evs[0].Kind != runtime.EventFlowStart {
		t.Fatalf("first event replaced by %s", evs[0].Kind)
	}
}
