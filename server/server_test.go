package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/petal-labs/flowrun/bus"
	"github.com/petal-labs/flowrun/compiler"
	"github.com/petal-labs/flowrun/core"
	"github.com/petal-labs/flowrun/gateway"
	"github.com/petal-labs/flowrun/graph"
	"github.com/petal-labs/flowrun/observe"
	"github.com/petal-labs/flowrun/runtime"
	"github.com/petal-labs/flowrun/sse"
	"github.com/petal-labs/flowrun/store"
)

const greetFlow = `{
  "id": "greet",
  "metadata": {"name": "Greeter"},
  "nodes": [
    {"id": "start", "type": "on_flow_start"},
    {"id": "done", "type": "return", "config": {"value": "hello"}}
  ],
  "edges": [
    {"source": "start", "sourceHandle": "exec-out", "target": "done", "targetHandle": "exec-in"}
  ]
}`

const askFlow = `{
  "id": "ask",
  "nodes": [
    {"id": "start", "type": "on_flow_start"},
    {"id": "ask", "type": "ask_user", "config": {"prompt": "Name?", "result_key": "name"}},
    {"id": "done", "type": "return"}
  ],
  "edges": [
    {"source": "start", "sourceHandle": "exec-out", "target": "ask", "targetHandle": "exec-in"},
    {"source": "ask", "sourceHandle": "exec-out", "target": "done", "targetHandle": "exec-in"}
  ]
}`

const greetYAML = `
id: greet_yaml
nodes:
  - id: start
    type: on_flow_start
  - id: done
    type: return
edges:
  - source: start
    sourceHandle: exec-out
    target: done
    targetHandle: exec-in
`

type testEnv struct {
	t       *testing.T
	srv     *Server
	handler http.Handler
	engine  *runtime.Engine
	comp    *compiler.Compiler
	runs    *store.Memory
	flows   FlowStore
	events  *bus.MemEventStore
}

type envOptions struct {
	noObserver bool
	flows      FlowStore
	gatherer   prometheus.Gatherer
	maxBody    int64
}

func newTestEnv(t *testing.T, opts envOptions) *testEnv {
	t.Helper()
	st := store.NewMemory()
	specs := compiler.NewRegistry()
	flows := opts.flows
	if flows == nil {
		flows = NewMemoryStore()
	}
	eng, err := runtime.NewEngine(runtime.EngineConfig{Runs: st, Specs: specs})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	eb := bus.NewMemBus(bus.MemBusConfig{})
	t.Cleanup(func() { _ = eb.Close() })
	events := bus.NewMemEventStore()
	persist := bus.NewStoreSubscriber(events, nil)

	var loop *observe.Loop
	if !opts.noObserver {
		loop, err = observe.New(observe.Config{
			Runtime:      eng,
			Runs:         st,
			Specs:        specs,
			Publisher:    eb,
			Handler:      persist.Handle,
			LastSeq:      events.LatestSeq,
			PollInterval: time.Millisecond,
		})
		if err != nil {
			t.Fatalf("observe.New: %v", err)
		}
	}

	runner, err := gateway.New(gateway.Config{
		Inbox:        st.Commands(),
		Runs:         st,
		Runtime:      eng,
		PollInterval: 5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("gateway.New: %v", err)
	}
	if err := runner.Start(context.Background()); err != nil {
		t.Fatalf("runner.Start: %v", err)
	}
	t.Cleanup(func() { _ = runner.Stop(context.Background()) })

	comp := compiler.New(compiler.Config{Source: Source(flows), Specs: specs})
	srv, err := NewServer(ServerConfig{
		Flows:           flows,
		Compiler:        comp,
		Runtime:         eng,
		Runs:            st,
		Commands:        runner,
		Observer:        loop,
		Bus:             eb,
		EventStore:      events,
		Gatherer:        opts.gatherer,
		MaxBody:         opts.maxBody,
		RewatchInterval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	t.Cleanup(func() { _ = srv.Close() })

	return &testEnv{
		t:       t,
		srv:     srv,
		handler: srv.Handler(),
		engine:  eng,
		comp:    comp,
		runs:    st,
		flows:   flows,
		events:  events,
	}
}

func (e *testEnv) do(method, path, contentType, body string) *httptest.ResponseRecorder {
	e.t.Helper()
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	if contentType != "" {
		r.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, r)
	return w
}

func (e *testEnv) createFlow(doc string) {
	e.t.Helper()
	if w := e.do(http.MethodPost, "/api/flows", "application/json", doc); w.Code != http.StatusCreated {
		e.t.Fatalf("create flow: status %d body %s", w.Code, w.Body.String())
	}
}

func (e *testEnv) startRun(flowID, body string) StartRunResponse {
	e.t.Helper()
	w := e.do(http.MethodPost, "/api/flows/"+flowID+"/runs", "application/json", body)
	if w.Code != http.StatusCreated {
		e.t.Fatalf("start run: status %d body %s", w.Code, w.Body.String())
	}
	var resp StartRunResponse
	decode(e.t, w, &resp)
	return resp
}

func (e *testEnv) getRun(runID string) RunResponse {
	e.t.Helper()
	w := e.do(http.MethodGet, "/api/runs/"+runID, "", "")
	if w.Code != http.StatusOK {
		e.t.Fatalf("get run: status %d body %s", w.Code, w.Body.String())
	}
	var resp RunResponse
	decode(e.t, w, &resp)
	return resp
}

// waitFor polls the run until cond holds.
func (e *testEnv) waitFor(runID string, cond func(RunResponse) bool) RunResponse {
	e.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		run := e.getRun(runID)
		if cond(run) {
			return run
		}
		if time.Now().After(deadline) {
			e.t.Fatalf("run %s: condition not met, last status %s", runID, run.Status)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// waitUntracked waits for the background observer to let go of runID.
func (e *testEnv) waitUntracked(runID string) {
	e.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for e.srv.isTracked(runID) {
		if time.Now().After(deadline) {
			e.t.Fatalf("session %s still tracked", runID)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("unmarshal %q: %v", w.Body.String(), err)
	}
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body apiError
	decode(t, w, &body)
	return body.Error.Code
}

func hasStatus(statuses ...core.RunStatus) func(RunResponse) bool {
	return func(r RunResponse) bool {
		for _, s := range statuses {
			if r.Status == s {
				return true
			}
		}
		return false
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	w := env.do(http.MethodGet, "/health", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("got status %d, want %d", w.Code, http.StatusOK)
	}
	var body map[string]string
	decode(t, w, &body)
	if body["status"] != "ok" {
		t.Fatalf("got status %q, want %q", body["status"], "ok")
	}
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	w := env.do(http.MethodOptions, "/api/flows", "", "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("OPTIONS status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("CORS origin = %q, want %q", got, "*")
	}
}

func TestMaxBody(t *testing.T) {
	env := newTestEnv(t, envOptions{maxBody: 10})
	w := env.do(http.MethodPost, "/api/flows", "application/json", greetFlow)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusRequestEntityTooLarge)
	}
}

func TestNodeTypes(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	w := env.do(http.MethodGet, "/api/node-types", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var types []map[string]any
	decode(t, w, &types)
	found := false
	for _, nt := range types {
		if nt["type"] == "ask_user" {
			found = true
		}
	}
	if !found {
		t.Fatalf("ask_user missing from %d node types", len(types))
	}
}

func TestFlowCRUD(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	w := env.do(http.MethodPost, "/api/flows", "application/json", greetFlow)
	if w.Code != http.StatusCreated {
		t.Fatalf("create: status %d body %s", w.Code, w.Body.String())
	}
	var rec FlowRecord
	decode(t, w, &rec)
	if rec.ID != "greet" || rec.Name != "Greeter" {
		t.Fatalf("record = %+v", rec)
	}

	if w := env.do(http.MethodPost, "/api/flows", "application/json", greetFlow); w.Code != http.StatusConflict {
		t.Fatalf("duplicate: status %d, want 409", w.Code)
	}

	if w := env.do(http.MethodPost, "/api/flows", "application/yaml", greetYAML); w.Code != http.StatusCreated {
		t.Fatalf("create yaml: status %d body %s", w.Code, w.Body.String())
	}

	w = env.do(http.MethodGet, "/api/flows", "", "")
	var list []FlowRecord
	decode(t, w, &list)
	if len(list) != 2 {
		t.Fatalf("list = %d records, want 2", len(list))
	}

	w = env.do(http.MethodGet, "/api/flows/greet_yaml", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("get: status %d", w.Code)
	}

	renamed := strings.Replace(greetFlow, `"Greeter"`, `"Hello"`, 1)
	if w := env.do(http.MethodPut, "/api/flows/greet_yaml", "application/json", renamed); w.Code != http.StatusBadRequest {
		t.Fatalf("mismatched update: status %d, want 400", w.Code)
	}
	w = env.do(http.MethodPut, "/api/flows/greet", "application/json", renamed)
	if w.Code != http.StatusOK {
		t.Fatalf("update: status %d body %s", w.Code, w.Body.String())
	}
	decode(t, w, &rec)
	if rec.Name != "Hello" {
		t.Fatalf("updated name = %q", rec.Name)
	}

	if w := env.do(http.MethodDelete, "/api/flows/greet", "", ""); w.Code != http.StatusNoContent {
		t.Fatalf("delete: status %d", w.Code)
	}
	if w := env.do(http.MethodGet, "/api/flows/greet", "", ""); w.Code != http.StatusNotFound {
		t.Fatalf("get deleted: status %d, want 404", w.Code)
	}
	if w := env.do(http.MethodDelete, "/api/flows/greet", "", ""); w.Code != http.StatusNotFound {
		t.Fatalf("delete missing: status %d, want 404", w.Code)
	}
}

func TestCreateFlow_Invalid(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	unknown := strings.Replace(greetFlow, `"return"`, `"teleport"`, 1)
	w := env.do(http.MethodPost, "/api/flows", "application/json", unknown)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", w.Code)
	}
	var body apiError
	decode(t, w, &body)
	if body.Error.Code != "VALIDATION_ERROR" || len(body.Error.Details) == 0 {
		t.Fatalf("error = %+v", body.Error)
	}

	if w := env.do(http.MethodPost, "/api/flows", "application/json", `{"id": `); w.Code != http.StatusBadRequest {
		t.Fatalf("malformed: status %d, want 400", w.Code)
	}
}

func TestStartRun_CompletesAndReplaysEvents(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	env.createFlow(greetFlow)

	started := env.startRun("greet", "")
	if !started.Observed || started.WorkflowID != "greet" {
		t.Fatalf("start = %+v", started)
	}
	run := env.waitFor(started.RunID, hasStatus(core.StatusCompleted))
	if run.Output != "hello" {
		t.Fatalf("output = %v, want hello", run.Output)
	}
	env.waitUntracked(started.RunID)

	w := env.do(http.MethodGet, "/api/runs/"+started.RunID+"/events", "", "")
	body := w.Body.String()
	if !strings.Contains(body, "event: flow_start") || !strings.Contains(body, "event: flow_complete") {
		t.Fatalf("SSE body missing lifecycle events:\n%s", body)
	}

	// Resuming from the cursor skips what was already seen.
	w = env.do(http.MethodGet, "/api/runs/"+started.RunID+"/events?after=1", "", "")
	if strings.Contains(w.Body.String(), "event: flow_start") {
		t.Fatalf("resumed stream replayed flow_start:\n%s", w.Body.String())
	}
}

func TestStartRun_UnknownFlow(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	w := env.do(http.MethodPost, "/api/flows/missing/runs", "application/json", "{}")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestStartRun_SubflowResolvesFromStore(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	env.createFlow(greetFlow)
	env.createFlow(`{
  "id": "outer",
  "nodes": [
    {"id": "start", "type": "on_flow_start"},
    {"id": "call", "type": "subflow", "config": {"flow_id": "greet"}}
  ],
  "edges": [
    {"source": "start", "sourceHandle": "exec-out", "target": "call", "targetHandle": "exec-in"}
  ]
}`)
	started := env.startRun("outer", "")
	env.waitFor(started.RunID, hasStatus(core.StatusCompleted))
}

func TestGetRun_NotFound(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	w := env.do(http.MethodGet, "/api/runs/nope", "", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	if code := errorCode(t, w); code != "NOT_FOUND" {
		t.Fatalf("code = %q", code)
	}
}

func submit(env *testEnv, cmd map[string]any) *httptest.ResponseRecorder {
	env.t.Helper()
	data, err := json.Marshal(cmd)
	if err != nil {
		env.t.Fatal(err)
	}
	return env.do(http.MethodPost, "/api/commands", "application/json", string(data))
}

func TestCommands_ResumeWaitingRun(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	env.createFlow(askFlow)
	started := env.startRun("ask", "")

	run := env.waitFor(started.RunID, hasStatus(core.StatusWaiting))
	if run.Waiting == nil || run.Waiting.Prompt != "Name?" {
		t.Fatalf("waiting = %+v", run.Waiting)
	}

	cmd := map[string]any{
		"command_id": "cmd-1",
		"run_id":     started.RunID,
		"type":       "resume",
		"payload":    map[string]any{"wait_key": run.Waiting.WaitKey, "value": "ada"},
	}
	w := submit(env, cmd)
	if w.Code != http.StatusAccepted {
		t.Fatalf("submit: status %d body %s", w.Code, w.Body.String())
	}
	var res core.AppendResult
	decode(t, w, &res)
	if !res.Accepted || res.Duplicate {
		t.Fatalf("result = %+v", res)
	}

	w = submit(env, cmd)
	decode(t, w, &res)
	if w.Code != http.StatusAccepted || !res.Duplicate {
		t.Fatalf("resubmit: status %d result %+v", w.Code, res)
	}

	run = env.waitFor(started.RunID, hasStatus(core.StatusCompleted))
	if run.Output != "ada" {
		t.Fatalf("output = %v, want ada", run.Output)
	}
	env.waitUntracked(started.RunID)

	w = env.do(http.MethodGet, "/api/runs/"+started.RunID+"/events", "", "")
	body := w.Body.String()
	if strings.Count(body, "event: flow_waiting") != 1 || !strings.Contains(body, "event: flow_complete") {
		t.Fatalf("unexpected event stream:\n%s", body)
	}
}

func TestCommands_Rejections(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	tests := []struct {
		name   string
		cmd    map[string]any
		status int
		code   string
	}{
		{
			name:   "missing command id",
			cmd:    map[string]any{"run_id": "r", "type": "pause"},
			status: http.StatusBadRequest,
			code:   gateway.CodeInvalidCommand,
		},
		{
			name:   "unknown type",
			cmd:    map[string]any{"command_id": "c1", "run_id": "r", "type": "explode"},
			status: http.StatusBadRequest,
			code:   gateway.CodeInvalidCommand,
		},
		{
			name:   "unknown run",
			cmd:    map[string]any{"command_id": "c2", "run_id": "nope", "type": "cancel"},
			status: http.StatusNotFound,
			code:   gateway.CodeUnknownRun,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := submit(env, tt.cmd)
			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d", w.Code, tt.status)
			}
			if code := errorCode(t, w); code != tt.code {
				t.Fatalf("code = %q, want %q", code, tt.code)
			}
		})
	}

	w := env.do(http.MethodPost, "/api/commands", "application/json", "not json")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("malformed body: status %d", w.Code)
	}
}

func TestCommands_WakeUntrackedSession(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	env.createFlow(askFlow)

	// A run started behind the server's back, as after a restart, is not
	// tracked until a command arrives for it.
	rec, _, err := env.flows.Get(context.Background(), "ask")
	if err != nil {
		t.Fatal(err)
	}
	spec, err := env.comp.Compile(context.Background(), rec.Flow, compiler.Options{})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	runID, err := env.engine.Start(context.Background(), spec, nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	run := env.waitFor(runID, hasStatus(core.StatusWaiting))
	if run.Observed {
		t.Fatal("run observed before any command")
	}

	w := submit(env, map[string]any{
		"command_id": "wake-1",
		"run_id":     runID,
		"type":       "resume",
		"payload":    map[string]any{"wait_key": run.Waiting.WaitKey, "value": "grace"},
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("submit: status %d", w.Code)
	}
	env.waitFor(runID, hasStatus(core.StatusCompleted))
	env.waitUntracked(runID)

	events, err := env.events.List(context.Background(), runID, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) == 0 || events[len(events)-1].Kind != runtime.EventFlowComplete {
		t.Fatalf("session events = %d, want a stream ending in flow_complete", len(events))
	}
}

func TestRunLedger_Pages(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	env.createFlow(greetFlow)
	started := env.startRun("greet", "")
	env.waitFor(started.RunID, hasStatus(core.StatusCompleted))

	w := env.do(http.MethodGet, "/api/runs/"+started.RunID+"/ledger?limit=1", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", w.Code, w.Body.String())
	}
	var page LedgerPage
	decode(t, w, &page)
	if len(page.Records) != 1 || page.Records[0].NodeID != "start" {
		t.Fatalf("first page = %+v", page.Records)
	}

	w = env.do(http.MethodGet, fmt.Sprintf("/api/runs/%s/ledger?after=%d", started.RunID, page.Next), "", "")
	var rest LedgerPage
	decode(t, w, &rest)
	if len(rest.Records) == 0 || rest.Records[0].Seq <= page.Next {
		t.Fatalf("second page = %+v", rest.Records)
	}

	w = env.do(http.MethodGet, fmt.Sprintf("/api/runs/%s/ledger?after=%d", started.RunID, rest.Next), "", "")
	var empty LedgerPage
	decode(t, w, &empty)
	if len(empty.Records) != 0 || empty.Next != rest.Next {
		t.Fatalf("tail page = %+v", empty)
	}

	for _, q := range []string{"?after=-1", "?after=x", "?limit=0"} {
		if w := env.do(http.MethodGet, "/api/runs/"+started.RunID+"/ledger"+q, "", ""); w.Code != http.StatusBadRequest {
			t.Errorf("%s: status %d, want 400", q, w.Code)
		}
	}
	if w := env.do(http.MethodGet, "/api/runs/nope/ledger", "", ""); w.Code != http.StatusNotFound {
		t.Fatalf("unknown run: status %d, want 404", w.Code)
	}
}

func TestRunSocket_ReplayThenLive(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	env.createFlow(askFlow)
	started := env.startRun("ask", "")
	run := env.waitFor(started.RunID, hasStatus(core.StatusWaiting))

	ts := httptest.NewServer(env.handler)
	defer ts.Close()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/runs/" + started.RunID + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	read := func() sse.Message {
		t.Helper()
		var msg sse.Message
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		return msg
	}
	for {
		if msg := read(); msg.Kind == string(runtime.EventFlowWaiting) {
			break
		}
	}

	w := submit(env, map[string]any{
		"command_id": "ws-1",
		"run_id":     started.RunID,
		"type":       "resume",
		"payload":    map[string]any{"wait_key": run.Waiting.WaitKey, "value": "linus"},
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("submit: status %d", w.Code)
	}

	var last sse.Message
	for last.Kind != string(runtime.EventFlowComplete) {
		msg := read()
		if msg.Seq <= last.Seq {
			t.Fatalf("seq went from %d to %d", last.Seq, msg.Seq)
		}
		last = msg
	}
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("after flow_complete: err = %v, want normal close", err)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	_ = gateway.NewMetrics(reg)
	env := newTestEnv(t, envOptions{gatherer: reg})

	w := env.do(http.MethodGet, "/metrics", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "flowrun_gateway_workers_busy") {
		t.Fatalf("metrics body missing gateway gauge:\n%s", w.Body.String())
	}

	noMetrics := newTestEnv(t, envOptions{})
	if w := noMetrics.do(http.MethodGet, "/metrics", "", ""); w.Code != http.StatusNotFound {
		t.Fatalf("without gatherer: status %d, want 404", w.Code)
	}
}

func TestServer_SQLiteFlowStore(t *testing.T) {
	flows, err := NewSQLiteStore(SQLiteStoreConfig{DSN: filepath.Join(t.TempDir(), "flows.sqlite")})
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = flows.Close() })

	env := newTestEnv(t, envOptions{flows: flows})
	env.createFlow(greetFlow)
	started := env.startRun("greet", `{"vars": {"who": "sqlite"}}`)
	env.waitFor(started.RunID, hasStatus(core.StatusCompleted))
}

func TestStartRun_WithoutObserver(t *testing.T) {
	env := newTestEnv(t, envOptions{noObserver: true})
	env.createFlow(greetFlow)
	started := env.startRun("greet", "")
	if started.Observed {
		t.Fatal("run reported as observed without an observer")
	}
	// The gateway scanner still drives it.
	env.waitFor(started.RunID, hasStatus(core.StatusCompleted))
}

func TestStoreSource(t *testing.T) {
	flows := NewMemoryStore()
	src := Source(flows)
	if _, err := src.Flow(context.Background(), "x"); err == nil {
		t.Fatal("expected not found")
	}
	var fd graph.FlowDef
	if err := json.NewDecoder(bytes.NewBufferString(greetFlow)).Decode(&fd); err != nil {
		t.Fatal(err)
	}
	if err := flows.Create(context.Background(), FlowRecord{ID: fd.ID, Flow: &fd}); err != nil {
		t.Fatal(err)
	}
	got, err := src.Flow(context.Background(), "greet")
	if err != nil || got.ID != "greet" {
		t.Fatalf("Flow = %v, %v", got, err)
	}
}
