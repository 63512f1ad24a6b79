// Package sse streams the lifecycle events of an observed session to HTTP
// clients as Server-Sent Events: stored events are replayed first, then
// live events follow from the bus.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/petal-labs/flowrun/bus"
	"github.com/petal-labs/flowrun/runtime"
)

// HeartbeatInterval is the interval between heartbeat comments.
const HeartbeatInterval = 15 * time.Second

// Message is the JSON form of an event on the wire.
type Message struct {
	Kind       string         `json:"kind"`
	RunID      string         `json:"run_id"`
	RootRunID  string         `json:"root_run_id,omitempty"`
	WorkflowID string         `json:"workflow_id,omitempty"`
	NodeID     string         `json:"node_id,omitempty"`
	NodeKind   string         `json:"node_kind,omitempty"`
	Time       time.Time      `json:"time"`
	ElapsedMs  int64          `json:"elapsed_ms"`
	Payload    map[string]any `json:"payload"`
	Seq        uint64         `json:"seq"`
	TraceID    string         `json:"trace_id,omitempty"`
	SpanID     string         `json:"span_id,omitempty"`
}

// NewMessage converts an event to its wire form.
func NewMessage(e runtime.Event) Message {
	payload := e.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	return Message{
		Kind:       string(e.Kind),
		RunID:      e.RunID,
		RootRunID:  e.SessionID(),
		WorkflowID: e.WorkflowID,
		NodeID:     e.NodeID,
		NodeKind:   e.NodeKind,
		Time:       e.Time,
		ElapsedMs:  e.Elapsed.Milliseconds(),
		Payload:    payload,
		Seq:        e.Seq,
		TraceID:    e.TraceID,
		SpanID:     e.SpanID,
	}
}

// Closes reports whether e ends the stream of its session: flow_complete,
// or flow_error of the root run itself.
func Closes(e runtime.Event) bool {
	switch e.Kind {
	case runtime.EventFlowComplete:
		return true
	case runtime.EventFlowError:
		return e.RunID == e.SessionID()
	}
	return false
}

// Handler serves the event stream of the session named by the "run_id"
// path value. The resume cursor comes from the "after" query parameter or
// the Last-Event-ID header.
//
//	id: {seq}
//	event: {kind}
//	data: {json}
type Handler struct {
	store     bus.EventStore
	bus       bus.EventBus
	heartbeat time.Duration
}

// NewHandler creates a Handler.
func NewHandler(store bus.EventStore, eb bus.EventBus) *Handler {
	return &Handler{store: store, bus: eb, heartbeat: HeartbeatInterval}
}

// WithHeartbeat overrides the heartbeat interval.
func (h *Handler) WithHeartbeat(d time.Duration) *Handler {
	if d > 0 {
		h.heartbeat = d
	}
	return h
}

// Cursor parses the resume cursor of r.
func Cursor(r *http.Request) (uint64, error) {
	v := r.URL.Query().Get("after")
	if v == "" {
		v = r.Header.Get("Last-Event-ID")
	}
	if v == "" {
		return 0, nil
	}
	return strconv.ParseUint(v, 10, 64)
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	if runID == "" {
		http.Error(w, "missing run_id", http.StatusBadRequest)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	after, err := Cursor(r)
	if err != nil {
		http.Error(w, "invalid after cursor", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()

	// Subscribe before replaying so nothing published in between is lost.
	sub := h.bus.Subscribe(runID)
	defer sub.Close()

	send := func(e runtime.Event) error {
		if err := write(w, e); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}
	last, done, err := Replay(ctx, h.store, runID, after, send)
	if err != nil || done {
		return
	}
	h.live(ctx, w, flusher, sub, last, send)
}

// Replay sends the stored events of a session after the cursor and
// returns the last sequence sent and whether the session had ended.
func Replay(ctx context.Context, store bus.EventStore, sessionID string, after uint64, send func(runtime.Event) error) (uint64, bool, error) {
	events, err := store.List(ctx, sessionID, after, 0)
	if err != nil {
		return after, false, err
	}
	last := after
	for _, e := range events {
		if err := ctx.Err(); err != nil {
			return last, false, err
		}
		if err := send(e); err != nil {
			return last, false, err
		}
		last = max(last, e.Seq)
		if Closes(e) {
			return last, true, nil
		}
	}
	return last, false, nil
}

func (h *Handler) live(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, sub bus.Subscription, last uint64, send func(runtime.Event) error) {
	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.Events():
			if !ok {
				return
			}
			if e.Seq <= last {
				continue
			}
			if err := send(e); err != nil {
				return
			}
			last = e.Seq
			if Closes(e) {
				return
			}
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func write(w http.ResponseWriter, e runtime.Event) error {
	data, err := json.Marshal(NewMessage(e))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", e.Seq, e.Kind, data)
	return err
}
