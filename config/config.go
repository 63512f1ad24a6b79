// Package config loads the flowrun configuration file. Files are
// discovered with first-match semantics and environment variables override
// selected fields.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	projectConfigName = "flowrun.yaml"
	homeConfigName    = "config.yaml"
	homeDirName       = ".flowrun"
	defaultDBName     = "flowrun.db"
)

// Environment overrides.
const (
	EnvSQLitePath = "FLOWRUN_SQLITE_PATH"
	EnvRedisAddr  = "FLOWRUN_REDIS_ADDR"
)

// Config is the on-disk configuration shape.
type Config struct {
	// SQLitePath is the database holding runs, ledger, inbox, flows and
	// events. ":memory:" keeps everything in process.
	SQLitePath string `yaml:"sqlite_path"`
	// FlowsDir, when set, is loaded into the flow store at startup.
	FlowsDir string `yaml:"flows_dir,omitempty"`

	Server    ServerConfig              `yaml:"server"`
	Gateway   GatewayConfig             `yaml:"gateway"`
	Observe   ObserveConfig             `yaml:"observe"`
	Events    EventsConfig              `yaml:"events"`
	Memory    MemoryConfig              `yaml:"memory"`
	Providers map[string]ProviderConfig `yaml:"providers,omitempty"`
	Telemetry TelemetryConfig           `yaml:"telemetry"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	CORSOrigin   string        `yaml:"cors_origin"`
	MaxBody      int64         `yaml:"max_body"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// GatewayConfig configures the command gateway. A RedisAddr moves the
// command inbox to Redis; runs and ledger stay in SQLite.
type GatewayConfig struct {
	Workers      int           `yaml:"workers"`
	PollInterval time.Duration `yaml:"poll_interval"`
	ClaimTTL     time.Duration `yaml:"claim_ttl"`
	LeaseTTL     time.Duration `yaml:"lease_ttl"`
	StepsPerTick int           `yaml:"steps_per_tick"`
	TickRate     float64       `yaml:"tick_rate"`
	RedisAddr    string        `yaml:"redis_addr,omitempty"`
	RedisPrefix  string        `yaml:"redis_prefix,omitempty"`
}

// ObserveConfig configures the observation loop.
type ObserveConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	Concurrency  int           `yaml:"concurrency"`
}

// EventsConfig configures event store retention.
type EventsConfig struct {
	RetentionAge   time.Duration `yaml:"retention_age"`
	RetentionCount int           `yaml:"retention_count"`
}

// MemoryConfig locates the note store of memory nodes.
type MemoryConfig struct {
	Location string `yaml:"location"`
}

// ProviderConfig holds the credentials of one model provider.
type ProviderConfig struct {
	APIKey string `yaml:"api_key"`
}

// TelemetryConfig configures the OTLP trace exporter.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint,omitempty"`
	Insecure     bool   `yaml:"insecure,omitempty"`
	ServiceName  string `yaml:"service_name"`
}

// Default returns the configuration used when no file is found.
func Default() Config {
	var c Config
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port <= 0 {
		c.Server.Port = 8080
	}
	if c.Server.CORSOrigin == "" {
		c.Server.CORSOrigin = "*"
	}
	if c.Server.MaxBody <= 0 {
		c.Server.MaxBody = 1 << 20
	}
	if c.Server.ReadTimeout <= 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Gateway.Workers <= 0 {
		c.Gateway.Workers = 2
	}
	if c.Gateway.PollInterval <= 0 {
		c.Gateway.PollInterval = 250 * time.Millisecond
	}
	if c.Gateway.RedisPrefix == "" {
		c.Gateway.RedisPrefix = "flowrun"
	}
	if c.Observe.PollInterval <= 0 {
		c.Observe.PollInterval = 50 * time.Millisecond
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "flowrun"
	}
}

// APIKeys flattens the provider section for the model router.
func (c Config) APIKeys() map[string]string {
	keys := make(map[string]string, len(c.Providers))
	for name, p := range c.Providers {
		if k := strings.TrimSpace(p.APIKey); k != "" {
			keys[strings.ToLower(name)] = k
		}
	}
	return keys
}

// Discover resolves the config file location with first-match semantics.
func Discover(explicitPath string) (string, bool, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", false, fmt.Errorf("resolve working directory: %w", err)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", false, fmt.Errorf("resolve user home: %w", err)
	}
	return DiscoverFrom(explicitPath, cwd, homeDir)
}

// DiscoverFrom is a testable variant of Discover.
func DiscoverFrom(explicitPath, cwd, homeDir string) (string, bool, error) {
	candidates := make([]string, 0, 2)
	if clean := strings.TrimSpace(explicitPath); clean != "" {
		candidates = append(candidates, filepath.Clean(clean))
	} else {
		candidates = append(candidates, filepath.Join(cwd, projectConfigName))
		candidates = append(candidates, filepath.Join(homeDir, homeDirName, homeConfigName))
	}

	for i, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil && !info.IsDir() {
			return candidate, true, nil
		}
		if errors.Is(err, os.ErrNotExist) {
			// An explicit path that does not exist is an error.
			if i == 0 && strings.TrimSpace(explicitPath) != "" {
				return "", false, fmt.Errorf("config file %q not found", candidate)
			}
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("checking config path %q: %w", candidate, err)
		}
	}
	return "", false, nil
}

// Load reads a config file and fills in defaults. Relative paths in the
// file are resolved against its directory.
func Load(path string) (Config, error) {
	// #nosec G304 -- path resolved from explicit local config discovery.
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %q: %w", path, err)
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("parsing config %q: %w", path, err)
	}
	base := filepath.Dir(path)
	c.SQLitePath = resolvePath(base, c.SQLitePath)
	c.FlowsDir = resolvePath(base, c.FlowsDir)
	c.Memory.Location = resolvePath(base, c.Memory.Location)
	c.applyDefaults()
	return c, nil
}

func resolvePath(base, p string) string {
	p = strings.TrimSpace(p)
	if p == "" || p == ":memory:" || strings.HasPrefix(strings.ToLower(p), "file:") || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

// ApplyEnv applies environment overrides read through getenv.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := strings.TrimSpace(getenv(EnvSQLitePath)); v != "" {
		c.SQLitePath = v
	}
	if v := strings.TrimSpace(getenv(EnvRedisAddr)); v != "" {
		c.Gateway.RedisAddr = v
	}
}

// Resolve discovers and loads the config file, falling back to defaults
// when none exists, then applies environment overrides. It reports the
// file used, if any.
func Resolve(explicitPath string) (Config, string, error) {
	path, found, err := Discover(explicitPath)
	if err != nil {
		return Config{}, "", err
	}
	c := Default()
	if found {
		if c, err = Load(path); err != nil {
			return Config{}, "", err
		}
	}
	c.ApplyEnv(os.Getenv)
	if c.SQLitePath == "" {
		p, err := DefaultSQLitePath()
		if err != nil {
			return Config{}, "", err
		}
		c.SQLitePath = p
	}
	return c, path, nil
}

// DefaultSQLitePath returns ~/.flowrun/flowrun.db, creating the directory.
func DefaultSQLitePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}
	dir := filepath.Join(home, homeDirName)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("creating %s: %w", dir, err)
	}
	return filepath.Join(dir, defaultDBName), nil
}
