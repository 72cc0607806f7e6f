// Package config loads kpitree settings from YAML with environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/spektr-org/kpitree/schema"
)

// Backend kinds for ServerConfig.Backend.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
)

// Environment variables that override file values.
const (
	EnvAddr      = "KPITREE_ADDR"
	EnvServerURL = "KPITREE_SERVER_URL"
	EnvTable     = "KPITREE_TABLE"
	EnvData      = "KPITREE_DATA"
	EnvLogLevel  = "KPITREE_LOG_LEVEL"
	EnvLogFormat = "KPITREE_LOG_FORMAT"
	EnvGeminiKey = "GEMINI_API_KEY"
)

// Config is the full kpitree configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Dataset   DatasetConfig   `yaml:"dataset"`
	Client    ClientConfig    `yaml:"client"`
	Assistant AssistantConfig `yaml:"assistant"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig configures `kpitree serve`.
type ServerConfig struct {
	Addr          string   `yaml:"addr"`
	Backend       string   `yaml:"backend"`
	Data          string   `yaml:"data"`
	SQLitePath    string   `yaml:"sqlite_path"`
	Table         string   `yaml:"table"`
	AllowedTables []string `yaml:"allowed_tables,omitempty"`
	SplitLimit    int      `yaml:"split_limit"`
}

// DatasetConfig narrows the identifiers the server accepts. Empty lists
// mean "everything the discovered schema offers".
type DatasetConfig struct {
	Name       string   `yaml:"name,omitempty"`
	Metrics    []string `yaml:"metrics,omitempty"`
	Dimensions []string `yaml:"dimensions,omitempty"`
}

// ClientConfig configures commands that talk to a remote server.
type ClientConfig struct {
	ServerURL string        `yaml:"server_url"`
	Table     string        `yaml:"table"`
	Timeout   time.Duration `yaml:"timeout"`
}

// AssistantConfig configures the Gemini assistant. Empty APIKey disables it.
type AssistantConfig struct {
	APIKey   string        `yaml:"api_key,omitempty"`
	Model    string        `yaml:"model"`
	Endpoint string        `yaml:"endpoint"`
	Timeout  time.Duration `yaml:"timeout"`
}

// LogConfig configures logging.New.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:       ":8000",
			Backend:    BackendMemory,
			SQLitePath: "kpitree.db",
			Table:      "taxi_gold",
			SplitLimit: 50,
		},
		Client: ClientConfig{
			ServerURL: "http://localhost:8000",
			Table:     "taxi_gold",
			Timeout:   30 * time.Second,
		},
		Assistant: AssistantConfig{
			Model:    "gemini-2.5-flash-lite",
			Endpoint: "https://generativelanguage.googleapis.com/v1beta/models",
			Timeout:  30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads path over Default, then applies environment overrides. An
// empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
		// relative data paths resolve against the config file
		dir := filepath.Dir(path)
		cfg.Server.Data = resolve(dir, cfg.Server.Data)
		cfg.Server.SQLitePath = resolve(dir, cfg.Server.SQLitePath)
	}
	cfg.ApplyEnv(os.LookupEnv)
	return cfg, cfg.Validate()
}

// ApplyEnv overrides fields from the environment.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	set := func(dst *string, key string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	set(&c.Server.Addr, EnvAddr)
	set(&c.Server.Data, EnvData)
	set(&c.Server.Table, EnvTable)
	set(&c.Client.ServerURL, EnvServerURL)
	set(&c.Client.Table, EnvTable)
	set(&c.Log.Level, EnvLogLevel)
	set(&c.Log.Format, EnvLogFormat)
	set(&c.Assistant.APIKey, EnvGeminiKey)
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	switch c.Server.Backend {
	case BackendMemory, BackendSQLite:
	default:
		errs = append(errs, fmt.Errorf("server.backend must be %q or %q, got %q", BackendMemory, BackendSQLite, c.Server.Backend))
	}
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Server.SplitLimit < 0 {
		errs = append(errs, fmt.Errorf("server.split_limit must be >= 0, got %d", c.Server.SplitLimit))
	}
	if c.Server.Backend == BackendSQLite && c.Server.SQLitePath == "" {
		errs = append(errs, errors.New("server.sqlite_path is required for the sqlite backend"))
	}
	if c.Client.Timeout < 0 {
		errs = append(errs, errors.New("client.timeout must not be negative"))
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// AssistantEnabled reports whether an API key is configured.
func (c Config) AssistantEnabled() bool {
	return c.Assistant.APIKey != ""
}

// AllowList restricts the discovered schema by the dataset section and adds
// the extra allowed tables.
func (c Config) AllowList(sch schema.Config) schema.AllowList {
	allow := schema.AllowListFromConfig(sch)
	if len(c.Dataset.Metrics) > 0 {
		allow.Metrics = intersect(allow.Metrics, c.Dataset.Metrics)
	}
	if len(c.Dataset.Dimensions) > 0 {
		allow.Dimensions = intersect(allow.Dimensions, c.Dataset.Dimensions)
	}
	for _, t := range c.Server.AllowedTables {
		if _, err := allow.Table(t); err != nil {
			allow.Tables = append(allow.Tables, t)
		}
	}
	return allow
}

// Marshal renders c as YAML. The API key is never written.
func (c Config) Marshal() ([]byte, error) {
	c.Assistant.APIKey = ""
	return yaml.Marshal(c)
}

// intersect keeps the entries of have listed in want (case-insensitive),
// in have's order.
func intersect(have, want []string) []string {
	out := make([]string, 0, len(have))
	for _, h := range have {
		for _, w := range want {
			if strings.EqualFold(h, w) {
				out = append(out, h)
				break
			}
		}
	}
	return out
}

func resolve(dir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}
