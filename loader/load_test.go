package loader

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/petal-labs/flowrun/compiler"
	"github.com/petal-labs/flowrun/graph"
)

const greetJSON = `{
  "id": "greet",
  "nodes": [
    {"id": "start", "type": "on_flow_start"},
    {"id": "done", "type": "return", "config": {"value": "hi"}}
  ],
  "edges": [
    {"source": "start", "sourceHandle": "exec-out", "target": "done", "targetHandle": "exec-in"}
  ]
}`

const greetYAML = `
id: greet_yaml
nodes:
  - id: start
    type: on_flow_start
  - id: ask
    type: ask_user
    config:
      prompt: Name?
edges:
  - source: start
    sourceHandle: exec-out
    target: ask
    targetHandle: exec-in
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDetectFormat(t *testing.T) {
	tests := []struct {
		path string
		data string
		want Format
	}{
		{"a.json", "", FormatJSON},
		{"a.YML", "", FormatYAML},
		{"a.yaml", "{}", FormatYAML},
		{"-", `  {"id": "x"}`, FormatJSON},
		{"-", "id: x", FormatYAML},
	}
	for _, tt := range tests {
		if got := DetectFormat([]byte(tt.data), tt.path); got != tt.want {
			t.Errorf("DetectFormat(%q, %q) = %s, want %s", tt.data, tt.path, got, tt.want)
		}
	}
}

func TestLoadFile_JSONAndYAML(t *testing.T) {
	dir := t.TempDir()

	fd, _, err := LoadFile(writeFile(t, dir, "greet.json", greetJSON))
	if err != nil {
		t.Fatalf("LoadFile(json): %v", err)
	}
	if fd.ID != "greet" || len(fd.Nodes) != 2 || fd.Nodes[1].Config["value"] != "hi" {
		t.Fatalf("flow = %+v", fd)
	}

	fd, _, err = LoadFile(writeFile(t, dir, "greet.yaml", greetYAML))
	if err != nil {
		t.Fatalf("LoadFile(yaml): %v", err)
	}
	if fd.ID != "greet_yaml" || fd.Nodes[1].Config["prompt"] != "Name?" {
		t.Fatalf("flow = %+v", fd)
	}
}

func TestParse_SchemaViolation(t *testing.T) {
	_, diags, err := Parse([]byte(`{"nodes": [{"id": "a"}]}`), "bad.json")
	var de *graph.DiagnosticError
	if !errors.As(err, &de) {
		t.Fatalf("err = %v, want DiagnosticError", err)
	}
	if len(diags) < 2 {
		t.Fatalf("diags = %v, want missing id and missing type", diags)
	}
	for _, d := range diags {
		if d.Code != "GR-000" {
			t.Errorf("code = %s", d.Code)
		}
	}
}

func TestParse_UnknownKind(t *testing.T) {
	doc := strings.Replace(greetJSON, `"return"`, `"teleport"`, 1)
	_, _, err := Parse([]byte(doc), "x.json")
	var de *graph.DiagnosticError
	if !errors.As(err, &de) {
		t.Fatalf("err = %v, want DiagnosticError", err)
	}
}

func TestParse_InvalidYAML(t *testing.T) {
	if _, _, err := Parse([]byte("id: [unclosed"), "x.yaml"); err == nil {
		t.Fatal("expected YAML error")
	}
}

func TestDir_FlowSource(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "one.json", greetJSON)
	writeFile(t, dir, "two.yml", greetYAML)
	writeFile(t, dir, "notes.txt", "ignored")

	d := NewDir(dir)
	ids, err := d.IDs()
	if err != nil {
		t.Fatalf("IDs: %v", err)
	}
	if len(ids) != 2 || ids[0] != "greet" || ids[1] != "greet_yaml" {
		t.Fatalf("ids = %v", ids)
	}
	if fd, err := d.Flow(context.Background(), "greet_yaml"); err != nil || fd.ID != "greet_yaml" {
		t.Fatalf("Flow = %v, %v", fd, err)
	}
	if _, err := d.Flow(context.Background(), "missing"); !errors.Is(err, compiler.ErrFlowNotFound) {
		t.Fatalf("err = %v, want ErrFlowNotFound", err)
	}

	writeFile(t, dir, "dup.json", greetJSON)
	if err := d.Reload(); err == nil || !strings.Contains(err.Error(), "defined in both") {
		t.Fatalf("Reload = %v, want duplicate error", err)
	}
}
