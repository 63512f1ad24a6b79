package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("MkdirAll error = %v", err)
	}
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile error = %v", err)
	}
}

func TestDiscoverFrom_FirstMatchWins(t *testing.T) {
	cwd := t.TempDir()
	home := t.TempDir()

	projectConfig := filepath.Join(cwd, "flowrun.yaml")
	writeConfig(t, projectConfig, "sqlite_path: a.db")
	writeConfig(t, filepath.Join(home, ".flowrun", "config.yaml"), "sqlite_path: b.db")

	got, found, err := DiscoverFrom("", cwd, home)
	if err != nil {
		t.Fatalf("DiscoverFrom() error = %v", err)
	}
	if !found {
		t.Fatal("found = false, want true")
	}
	if got != projectConfig {
		t.Fatalf("path = %q, want %q", got, projectConfig)
	}
}

func TestDiscoverFrom_HomeFallback(t *testing.T) {
	home := t.TempDir()
	homeConfig := filepath.Join(home, ".flowrun", "config.yaml")
	writeConfig(t, homeConfig, "{}")

	got, found, err := DiscoverFrom("", t.TempDir(), home)
	if err != nil || !found || got != homeConfig {
		t.Fatalf("DiscoverFrom() = %q, %v, %v; want %q", got, found, err, homeConfig)
	}
}

func TestDiscoverFrom_NothingFound(t *testing.T) {
	_, found, err := DiscoverFrom("", t.TempDir(), t.TempDir())
	if err != nil || found {
		t.Fatalf("found = %v, err = %v; want false, nil", found, err)
	}
}

func TestDiscoverFrom_ExplicitNotFound(t *testing.T) {
	_, found, err := DiscoverFrom("/tmp/does-not-exist-flowrun.yaml", t.TempDir(), t.TempDir())
	if err == nil {
		t.Fatal("expected error for missing explicit config path")
	}
	if found {
		t.Fatal("found = true, want false")
	}
}

func TestLoad_ParsesSectionsAndDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flowrun.yaml")
	writeConfig(t, path, `
sqlite_path: data/flowrun.db
flows_dir: flows
server:
  port: 9090
gateway:
  workers: 4
  poll_interval: 100ms
  redis_addr: localhost:6379
events:
  retention_age: 72h
  retention_count: 500
memory:
  location: ":memory:"
providers:
  OpenAI:
    api_key: sk-test
  anthropic:
    api_key: "  "
`)

	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if c.SQLitePath != filepath.Join(dir, "data", "flowrun.db") {
		t.Errorf("sqlite_path = %q", c.SQLitePath)
	}
	if c.FlowsDir != filepath.Join(dir, "flows") {
		t.Errorf("flows_dir = %q", c.FlowsDir)
	}
	if c.Memory.Location != ":memory:" {
		t.Errorf("memory.location = %q", c.Memory.Location)
	}
	if c.Server.Port != 9090 || c.Server.Host != "0.0.0.0" {
		t.Errorf("server = %+v", c.Server)
	}
	if c.Gateway.Workers != 4 || c.Gateway.PollInterval != 100*time.Millisecond {
		t.Errorf("gateway = %+v", c.Gateway)
	}
	if c.Events.RetentionAge != 72*time.Hour || c.Events.RetentionCount != 500 {
		t.Errorf("events = %+v", c.Events)
	}
	keys := c.APIKeys()
	if len(keys) != 1 || keys["openai"] != "sk-test" {
		t.Errorf("api keys = %v", keys)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flowrun.yaml")
	writeConfig(t, path, "server: [")
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestApplyEnv(t *testing.T) {
	c := Default()
	env := map[string]string{
		EnvSQLitePath: "/var/lib/flowrun.db",
		EnvRedisAddr:  " redis:6379 ",
	}
	c.ApplyEnv(func(k string) string { return env[k] })
	if c.SQLitePath != "/var/lib/flowrun.db" {
		t.Errorf("sqlite_path = %q", c.SQLitePath)
	}
	if c.Gateway.RedisAddr != "redis:6379" {
		t.Errorf("redis_addr = %q", c.Gateway.RedisAddr)
	}
}

func TestResolve_ExplicitFileWithEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custom.yaml")
	writeConfig(t, path, "sqlite_path: file.db\n")
	t.Setenv(EnvSQLitePath, ":memory:")

	c, used, err := Resolve(path)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if used != path {
		t.Errorf("used = %q, want %q", used, path)
	}
	if c.SQLitePath != ":memory:" {
		t.Errorf("sqlite_path = %q, want env override", c.SQLitePath)
	}
}
