package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/spektr-org/kpitree/schema"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kpitree.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, BackendMemory, cfg.Server.Backend)
	assert.Equal(t, 50, cfg.Server.SplitLimit)
	assert.False(t, cfg.AssistantEnabled())
}

func TestLoadOverridesDefaults(t *testing.T) {
	t.Setenv(EnvGeminiKey, "")
	t.Setenv(EnvAddr, "")
	path := writeConfig(t, `
server:
  addr: ":9000"
  backend: sqlite
  data: data/taxi.csv
  sqlite_path: /var/lib/kpitree.db
  allowed_tables: [bi_taxi]
client:
  timeout: 5s
log:
  level: debug
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, BackendSQLite, cfg.Server.Backend)
	assert.Equal(t, filepath.Join(filepath.Dir(path), "data", "taxi.csv"), cfg.Server.Data)
	assert.Equal(t, "/var/lib/kpitree.db", cfg.Server.SQLitePath)
	assert.Equal(t, 5*time.Second, cfg.Client.Timeout)
	assert.Equal(t, "debug", cfg.Log.Level)

	// untouched sections keep their defaults
	assert.Equal(t, "taxi_gold", cfg.Server.Table)
	assert.Equal(t, "gemini-2.5-flash-lite", cfg.Assistant.Model)
}

func TestEnvOverrides(t *testing.T) {
	env := map[string]string{
		EnvAddr:      ":7000",
		EnvServerURL: "http://warehouse:8000",
		EnvTable:     "bi_taxi",
		EnvLogLevel:  "warn",
		EnvGeminiKey: "secret",
	}
	cfg := Default()
	cfg.ApplyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})

	assert.Equal(t, ":7000", cfg.Server.Addr)
	assert.Equal(t, "http://warehouse:8000", cfg.Client.ServerURL)
	assert.Equal(t, "bi_taxi", cfg.Server.Table)
	assert.Equal(t, "bi_taxi", cfg.Client.Table)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.True(t, cfg.AssistantEnabled())
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := Default()
	cfg.Server.Backend = "postgres"
	cfg.Server.Addr = ""
	cfg.Log.Format = "xml"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `server.backend must be "memory" or "sqlite", got "postgres"`)
	assert.Contains(t, err.Error(), "server.addr is required")
	assert.Contains(t, err.Error(), "log.format must be text or json")
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = Load(writeConfig(t, "server: [not, a, map]"))
	assert.ErrorContains(t, err, "failed to parse config file")
}

func TestAllowList(t *testing.T) {
	sch := schema.Config{
		Table: "taxi_gold",
		Dimensions: []schema.DimensionMeta{
			schema.DefaultDimension("borough", "Borough", nil),
			schema.DefaultDimension("vendor_id", "Vendor ID", nil),
		},
		Measures: []schema.MeasureMeta{
			schema.DefaultMeasure("total_amount", "Total Amount"),
			schema.DefaultMeasure("fare_amount", "Fare Amount"),
		},
	}
	cfg := Default()
	cfg.Dataset.Metrics = []string{"TOTAL_AMOUNT", "tip_amount"}
	cfg.Server.AllowedTables = []string{"bi_taxi", "TAXI_GOLD"}

	allow := cfg.AllowList(sch)
	assert.Equal(t, []string{"total_amount"}, allow.Metrics)
	assert.Equal(t, []string{"borough", "vendor_id"}, allow.Dimensions)
	assert.Equal(t, []string{"taxi_gold", "bi_taxi"}, allow.Tables)
}

func TestMarshalOmitsAPIKey(t *testing.T) {
	cfg := Default()
	cfg.Assistant.APIKey = "secret"

	out, err := cfg.Marshal()
	require.NoError(t, err)
	assert.NotContains(t, string(out), "secret")

	var back Config
	require.NoError(t, yaml.Unmarshal(out, &back))
	assert.Equal(t, cfg.Client.Timeout, back.Client.Timeout)
	assert.Equal(t, "secret", cfg.Assistant.APIKey)
}
