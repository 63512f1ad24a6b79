package sse_test

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/petal-labs/flowrun/bus"
	"github.com/petal-labs/flowrun/runtime"
	"github.com/petal-labs/flowrun/sse"
)

func testEvent(runID string, seq uint64, kind runtime.EventKind) runtime.Event {
	return runtime.Event{
		Kind:      kind,
		RunID:     runID,
		RootRunID: "root",
		NodeID:    fmt.Sprintf("node-%d", seq),
		Time:      time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Elapsed:   time.Duration(seq) * time.Millisecond,
		Payload:   map[string]any{"seq_val": float64(seq)},
		Seq:       seq,
	}
}

type sseMessage struct {
	ID    string
	Event string
	Data  string
}

func parseSSEMessages(body string) []sseMessage {
	var msgs []sseMessage
	scanner := bufio.NewScanner(strings.NewReader(body))
	var current sseMessage
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if current != (sseMessage{}) {
				msgs = append(msgs, current)
				current = sseMessage{}
			}
		case strings.HasPrefix(line, ": "):
		case strings.HasPrefix(line, "id: "):
			current.ID = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			current.Event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			current.Data = strings.TrimPrefix(line, "data: ")
		}
	}
	return msgs
}

func setupTestServer(store bus.EventStore, eb bus.EventBus) *httptest.Server {
	mux := http.NewServeMux()
	mux.Handle("GET /runs/{run_id}/events", sse.NewHandler(store, eb).WithHeartbeat(10*time.Millisecond))
	return httptest.NewServer(mux)
}

func TestHandler_ReplayFromStore(t *testing.T) {
	store := bus.NewMemEventStore()
	eb := bus.NewMemBus(bus.MemBusConfig{})
	defer eb.Close()

	ctx := context.Background()
	for _, e := range []runtime.Event{
		testEvent("root", 1, runtime.EventFlowStart),
		testEvent("root", 2, runtime.EventNodeStart),
		testEvent("child", 3, runtime.EventFlowError),
		testEvent("root", 4, runtime.EventNodeComplete),
		testEvent("root", 5, runtime.EventFlowComplete),
		testEvent("root", 6, runtime.EventNodeStart),
	} {
		if err := store.Append(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	ts := setupTestServer(store, eb)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/runs/root/events")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %s", ct)
	}
	body, _ := io.ReadAll(resp.Body)
	msgs := parseSSEMessages(string(body))

	// A child failure does not end the stream; flow_complete does.
	if len(msgs) != 5 {
		t.Fatalf("got %d messages, want 5", len(msgs))
	}
	if msgs[2].Event != "flow_error" || msgs[4].Event != "flow_complete" || msgs[4].ID != "5" {
		t.Fatalf("messages = %+v", msgs)
	}
	var m sse.Message
	if err := json.Unmarshal([]byte(msgs[2].Data), &m); err != nil {
		t.Fatal(err)
	}
	if m.RunID != "child" || m.RootRunID != "root" || m.ElapsedMs != 3 {
		t.Fatalf("message = %+v", m)
	}
}

func TestHandler_ResumeCursor(t *testing.T) {
	store := bus.NewMemEventStore()
	eb := bus.NewMemBus(bus.MemBusConfig{})
	defer eb.Close()

	ctx := context.Background()
	for seq := uint64(1); seq <= 3; seq++ {
		_ = store.Append(ctx, testEvent("root", seq, runtime.EventNodeStart))
	}
	_ = store.Append(ctx, testEvent("root", 4, runtime.EventFlowComplete))

	ts := setupTestServer(store, eb)
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/runs/root/events", nil)
	req.Header.Set("Last-Event-ID", "2")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	msgs := parseSSEMessages(string(body))
	if len(msgs) != 2 || msgs[0].ID != "3" {
		t.Fatalf("messages = %+v", msgs)
	}

	resp, err = http.Get(ts.URL + "/runs/root/events?after=nope")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestHandler_LiveAfterReplay(t *testing.T) {
	store := bus.NewMemEventStore()
	eb := bus.NewMemBus(bus.MemBusConfig{})
	defer eb.Close()

	_ = store.Append(context.Background(), testEvent("root", 1, runtime.EventFlowStart))

	ts := setupTestServer(store, eb)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/runs/root/events")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	lines := make(chan string, 64)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()
	waitFor := func(want string) {
		t.Helper()
		deadline := time.After(2 * time.Second)
		for {
			select {
			case line, ok := <-lines:
				if !ok {
					t.Fatalf("stream closed before %q", want)
				}
				if line == want {
					return
				}
			case <-deadline:
				t.Fatalf("timed out waiting for %q", want)
			}
		}
	}
	waitFor("id: 1")

	// A duplicate of a replayed event is skipped; the heartbeat keeps flowing.
	eb.Publish(testEvent("root", 1, runtime.EventFlowStart))
	waitFor(": ping")
	eb.Publish(testEvent("child", 2, runtime.EventNodeStart))
	waitFor("id: 2")
	eb.Publish(testEvent("root", 3, runtime.EventFlowError))
	waitFor("id: 3")

	select {
	case _, ok := <-lines:
		for ok {
			_, ok = <-lines
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream should close after the root fails")
	}
}

func TestHandler_MissingRunID(t *testing.T) {
	h := sse.NewHandler(bus.NewMemEventStore(), bus.NewMemBus(bus.MemBusConfig{}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/events", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}
