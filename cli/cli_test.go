package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/spf13/cobra"

	"github.com/petal-labs/flowrun/config"
	"github.com/petal-labs/flowrun/core"
)

// newTestRoot creates a fresh command tree so tests share no flag state.
func newTestRoot() *cobra.Command {
	return NewRootCmd("test")
}

// executeCommand runs a cobra command with the given args and captures stdout/stderr.
func executeCommand(root *cobra.Command, args ...string) (stdout, stderr string, err error) {
	var outBuf, errBuf bytes.Buffer
	root.SetOut(&outBuf)
	root.SetErr(&errBuf)
	root.SetArgs(args)
	err = root.Execute()
	return outBuf.String(), errBuf.String(), err
}

// writeTestFile creates a file in dir (a fresh temp dir when empty) and returns its path.
func writeTestFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	if dir == "" {
		dir = t.TempDir()
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func exitCode(t *testing.T, err error) int {
	t.Helper()
	if err == nil {
		return exitSuccess
	}
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected *ExitError, got %T: %v", err, err)
	}
	return exitErr.Code
}

const greetJSON = `{
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

const askJSON = `{
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

const pickJSON = `{
  "id": "pick",
  "nodes": [
    {"id": "start", "type": "on_flow_start"},
    {"id": "ask", "type": "ask_user", "config": {"prompt": "Color?", "choices": ["red", "blue"], "result_key": "color"}},
    {"id": "done", "type": "return"}
  ],
  "edges": [
    {"source": "start", "sourceHandle": "exec-out", "target": "ask", "targetHandle": "exec-in"},
    {"source": "ask", "sourceHandle": "exec-out", "target": "done", "targetHandle": "exec-in"}
  ]
}`

const outerJSON = `{
  "id": "outer",
  "nodes": [
    {"id": "start", "type": "on_flow_start"},
    {"id": "call", "type": "subflow", "config": {"flow_id": "greet"}}
  ],
  "edges": [
    {"source": "start", "sourceHandle": "exec-out", "target": "call", "targetHandle": "exec-in"}
  ]
}`

const brokenJSON = `{
  "id": "broken",
  "nodes": [
    {"id": "start", "type": "on_flow_start"},
    {"id": "x", "type": "no_such_kind"}
  ],
  "edges": []
}`

const greetYAML = `
id: greet_yaml
nodes:
  - id: start
    type: on_flow_start
  - id: done
    type: return
    config:
      value: hi
edges:
  - source: start
    sourceHandle: exec-out
    target: done
    targetHandle: exec-in
`

// --- validate ---

func TestValidate_Valid(t *testing.T) {
	for name, file := range map[string]string{"greet.json": greetJSON, "greet.yaml": greetYAML} {
		path := writeTestFile(t, "", name, file)
		stdout, _, err := executeCommand(newTestRoot(), "validate", path)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", name, err)
		}
		if !strings.Contains(stdout, "Valid!") {
			t.Errorf("%s: stdout = %q, want Valid!", name, stdout)
		}
	}
}

func TestValidate_Invalid(t *testing.T) {
	path := writeTestFile(t, "", "broken.json", brokenJSON)
	stdout, _, err := executeCommand(newTestRoot(), "validate", path)
	if code := exitCode(t, err); code != exitValidation {
		t.Fatalf("exit code = %d, want %d", code, exitValidation)
	}
	if !strings.Contains(stdout, "ERROR") {
		t.Errorf("stdout = %q, want an ERROR line", stdout)
	}
}

func TestValidate_JSONFormat(t *testing.T) {
	path := writeTestFile(t, "", "broken.json", brokenJSON)
	stdout, _, err := executeCommand(newTestRoot(), "validate", "--format", "json", path)
	if exitCode(t, err) != exitValidation {
		t.Fatalf("expected validation failure, got %v", err)
	}
	var diags []map[string]any
	if err := json.Unmarshal([]byte(stdout), &diags); err != nil {
		t.Fatalf("stdout is not a JSON array: %v\n%s", err, stdout)
	}
	if len(diags) == 0 {
		t.Fatal("expected diagnostics")
	}
	if diags[0]["severity"] != "error" {
		t.Errorf("severity = %v", diags[0]["severity"])
	}
}

func TestValidate_ParseError(t *testing.T) {
	path := writeTestFile(t, "", "bad.yaml", "id: [unterminated")
	stdout, _, err := executeCommand(newTestRoot(), "validate", path)
	if exitCode(t, err) != exitValidation {
		t.Fatalf("expected validation failure, got %v", err)
	}
	if !strings.Contains(stdout, "GR-000") {
		t.Errorf("stdout = %q, want GR-000", stdout)
	}
}

func TestValidate_FileNotFound(t *testing.T) {
	_, _, err := executeCommand(newTestRoot(), "validate", filepath.Join(t.TempDir(), "missing.json"))
	if code := exitCode(t, err); code != exitFileNotFound {
		t.Fatalf("exit code = %d, want %d", code, exitFileNotFound)
	}
}

// --- compile ---

func TestCompile_ResolvesSubflowsFromFileDir(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, dir, "greet.json", greetJSON)
	path := writeTestFile(t, dir, "outer.json", outerJSON)

	stdout, _, err := executeCommand(newTestRoot(), "compile", path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var out compileOutput
	if err := json.Unmarshal([]byte(stdout), &out); err != nil {
		t.Fatalf("decode: %v\n%s", err, stdout)
	}
	if out.Root != "outer" {
		t.Errorf("root = %q, want outer", out.Root)
	}
	ids := map[string]compiledSpec{}
	for _, s := range out.Specs {
		ids[s.WorkflowID] = s
	}
	greet, ok := ids["greet"]
	if !ok {
		t.Fatalf("specs = %v, want greet included", out.Specs)
	}
	if greet.Nodes["done"] != "return" {
		t.Errorf("greet nodes = %v", greet.Nodes)
	}
}

func TestCompile_UnresolvedSubflow(t *testing.T) {
	path := writeTestFile(t, "", "outer.json", outerJSON)
	_, _, err := executeCommand(newTestRoot(), "compile", path)
	if code := exitCode(t, err); code != exitValidation {
		t.Fatalf("exit code = %d, want %d", code, exitValidation)
	}
}

func TestCompile_OutputFile(t *testing.T) {
	dir := t.TempDir()
	path := writeTestFile(t, dir, "greet.json", greetJSON)
	outPath := filepath.Join(dir, "compiled.json")

	_, stderr, err := executeCommand(newTestRoot(), "compile", "-o", outPath, "--pretty=false", path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(stderr, "Compiled 1 spec") {
		t.Errorf("stderr = %q", stderr)
	}
	data, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"root":"greet"`) {
		t.Errorf("compiled output = %s", data)
	}
}

// --- run ---

func TestRun_TextOutput(t *testing.T) {
	path := writeTestFile(t, "", "greet.json", greetJSON)
	stdout, _, err := executeCommand(newTestRoot(), "run", "--format", "text", path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.TrimSpace(stdout) != "hello" {
		t.Errorf("stdout = %q, want hello", stdout)
	}
}

func TestRun_JSONOutput(t *testing.T) {
	path := writeTestFile(t, "", "greet.yaml", greetYAML)
	stdout, _, err := executeCommand(newTestRoot(), "run", "--format", "json", path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var out runOutput
	if err := json.Unmarshal([]byte(stdout), &out); err != nil {
		t.Fatalf("decode: %v\n%s", err, stdout)
	}
	if out.Status != core.StatusCompleted || out.Output != "hi" {
		t.Errorf("result = %+v", out)
	}
	if out.RunID == "" || out.Events == 0 {
		t.Errorf("missing run id or events: %+v", out)
	}
}

func TestRun_AnswerFlag(t *testing.T) {
	path := writeTestFile(t, "", "ask.json", askJSON)
	stdout, _, err := executeCommand(newTestRoot(), "run", "--format", "text", "--answer", "ada", path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.TrimSpace(stdout) != "ada" {
		t.Errorf("stdout = %q, want ada", stdout)
	}
}

func TestRun_InteractiveAnswerByChoiceNumber(t *testing.T) {
	path := writeTestFile(t, "", "pick.json", pickJSON)
	root := newTestRoot()
	root.SetIn(strings.NewReader("2\n"))
	stdout, stderr, err := executeCommand(root, "run", "--format", "text", path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.TrimSpace(stdout) != "blue" {
		t.Errorf("stdout = %q, want blue", stdout)
	}
	if !strings.Contains(stderr, "Color?") || !strings.Contains(stderr, "2) blue") {
		t.Errorf("stderr = %q, want the prompt and choices", stderr)
	}
}

func TestRun_InvalidAnswerIsAskedAgain(t *testing.T) {
	path := writeTestFile(t, "", "pick.json", pickJSON)
	stdout, stderr, err := executeCommand(newTestRoot(), "run", "--format", "text",
		"--no-interactive", "--answer", "green", "--answer", "red", path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.TrimSpace(stdout) != "red" {
		t.Errorf("stdout = %q, want red", stdout)
	}
	if !strings.Contains(stderr, "not one of the offered choices") {
		t.Errorf("stderr = %q", stderr)
	}
}

func TestRun_NoInteractiveStopsWaiting(t *testing.T) {
	path := writeTestFile(t, "", "ask.json", askJSON)
	stdout, _, err := executeCommand(newTestRoot(), "run", "--format", "json", "--no-interactive", path)
	if code := exitCode(t, err); code != exitWaiting {
		t.Fatalf("exit code = %d, want %d", code, exitWaiting)
	}
	var out runOutput
	if err := json.Unmarshal([]byte(stdout), &out); err != nil {
		t.Fatalf("decode: %v\n%s", err, stdout)
	}
	if out.Waiting == nil || out.Waiting.Prompt != "Name?" {
		t.Errorf("waiting = %+v", out.Waiting)
	}
}

func TestRun_EventsFlag(t *testing.T) {
	path := writeTestFile(t, "", "greet.json", greetJSON)
	_, stderr, err := executeCommand(newTestRoot(), "run", "--events", "--format", "text", path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, want := range []string{"flow_start", "node_complete", "flow_complete"} {
		if !strings.Contains(stderr, want) {
			t.Errorf("stderr missing %q:\n%s", want, stderr)
		}
	}
}

func TestRun_SQLiteStore(t *testing.T) {
	dir := t.TempDir()
	path := writeTestFile(t, dir, "greet.json", greetJSON)
	db := filepath.Join(dir, "runs.db")
	_, _, err := executeCommand(newTestRoot(), "run", "--format", "text", "--store-path", db, path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := os.Stat(db); err != nil {
		t.Fatalf("store file not created: %v", err)
	}
}

func TestRun_DryRun(t *testing.T) {
	path := writeTestFile(t, "", "greet.json", greetJSON)
	stdout, _, err := executeCommand(newTestRoot(), "run", "--dry-run", path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(stdout, "successful") {
		t.Errorf("stdout = %q", stdout)
	}
}

func TestRun_InputErrors(t *testing.T) {
	path := writeTestFile(t, "", "greet.json", greetJSON)
	inputFile := writeTestFile(t, "", "in.json", `{"a": 1}`)

	tests := []struct {
		name string
		args []string
		want int
	}{
		{"bad json", []string{"--input", "{nope"}, exitInputParse},
		{"both sources", []string{"--input", "{}", "--input-file", inputFile}, exitInputParse},
		{"missing input file", []string{"--input-file", filepath.Join(t.TempDir(), "none.json")}, exitFileNotFound},
		{"bad provider key", []string{"--provider-key", "anthropic"}, exitProvider},
		{"bad format", []string{"--format", "xml"}, exitInputParse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"run"}, tt.args...)
			_, _, err := executeCommand(newTestRoot(), append(args, path)...)
			if code := exitCode(t, err); code != tt.want {
				t.Fatalf("exit code = %d, want %d (%v)", code, tt.want, err)
			}
		})
	}
}

func TestParseRunInputs_YAMLFile(t *testing.T) {
	cmd := NewRunCmd()
	inputFile := writeTestFile(t, "", "in.yaml", "topic: go\ncount: 2\n")
	if err := cmd.Flags().Set("input-file", inputFile); err != nil {
		t.Fatal(err)
	}
	inputs, err := parseRunInputs(cmd)
	if err != nil {
		t.Fatalf("parseRunInputs: %v", err)
	}
	if inputs["topic"] != "go" || inputs["count"] != 2 {
		t.Errorf("inputs = %v", inputs)
	}
}

func TestPickChoice(t *testing.T) {
	w := &core.WaitInfo{Choices: []string{"red", "blue"}}
	cases := map[string]string{"1": "red", "blue": "blue", "3": "3", "green": "green"}
	for in, want := range cases {
		if got := pickChoice(w, in); got != want {
			t.Errorf("pickChoice(%q) = %q, want %q", in, got, want)
		}
	}
	if got := pickChoice(&core.WaitInfo{}, "2"); got != "2" {
		t.Errorf("free text answer rewritten to %q", got)
	}
}

// --- serve ---

func TestApplyServeFlags(t *testing.T) {
	cmd := NewServeCmd()
	for k, v := range map[string]string{
		"port":         "9090",
		"redis-addr":   "localhost:6379",
		"provider-key": "OpenAI=sk-test",
	} {
		if err := cmd.Flags().Set(k, v); err != nil {
			t.Fatal(err)
		}
	}
	cfg := config.Default()
	if err := applyServeFlags(cmd, &cfg); err != nil {
		t.Fatalf("applyServeFlags: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if cfg.Server.Host != config.Default().Server.Host {
		t.Errorf("unset host flag overrode config: %q", cfg.Server.Host)
	}
	if cfg.Gateway.RedisAddr != "localhost:6379" {
		t.Errorf("redis addr = %q", cfg.Gateway.RedisAddr)
	}
	if cfg.APIKeys()["openai"] != "sk-test" {
		t.Errorf("api keys = %v", cfg.APIKeys())
	}
}

func TestServeStack_RunsSeededFlow(t *testing.T) {
	mr := miniredis.RunT(t)
	dir := t.TempDir()
	flowsDir := filepath.Join(dir, "flows")
	if err := os.Mkdir(flowsDir, 0o750); err != nil {
		t.Fatal(err)
	}
	writeTestFile(t, flowsDir, "greet.json", greetJSON)

	cfg := config.Default()
	cfg.SQLitePath = filepath.Join(dir, "flowrun.db")
	cfg.FlowsDir = flowsDir
	cfg.Gateway.RedisAddr = mr.Addr()
	cfg.Gateway.PollInterval = 5 * time.Millisecond
	cfg.Observe.PollInterval = time.Millisecond

	stack, err := buildServeStack(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("buildServeStack: %v", err)
	}
	t.Cleanup(stack.Close)

	rec, ok, err := stack.Flows.Get(context.Background(), "greet")
	if err != nil || !ok {
		t.Fatalf("seeded flow missing: ok=%v err=%v", ok, err)
	}
	if rec.Name != "Greeter" {
		t.Errorf("name = %q", rec.Name)
	}

	w := httptest.NewRecorder()
	stack.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/flows/greet/runs", strings.NewReader("{}")))
	if w.Code != http.StatusCreated {
		t.Fatalf("start run status = %d: %s", w.Code, w.Body)
	}
	var started struct {
		RunID string `json:"run_id"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &started); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		w := httptest.NewRecorder()
		stack.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/runs/"+started.RunID, nil))
		var run struct {
			Status core.RunStatus `json:"status"`
			Output any            `json:"output"`
		}
		_ = json.Unmarshal(w.Body.Bytes(), &run)
		if run.Status == core.StatusCompleted {
			if run.Output != "hello" {
				t.Errorf("output = %v", run.Output)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("run did not complete, last status %q", run.Status)
		}
		time.Sleep(5 * time.Millisecond)
	}

	w = httptest.NewRecorder()
	stack.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(w.Body.String(), "flowrun_gateway_") {
		t.Errorf("metrics missing gateway series")
	}
}

func TestServeStack_RedisUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	cfg := config.Default()
	cfg.SQLitePath = filepath.Join(t.TempDir(), "flowrun.db")
	cfg.Gateway.RedisAddr = addr
	if _, err := buildServeStack(context.Background(), cfg, nil); err == nil {
		t.Fatal("expected redis connection error")
	}
}
