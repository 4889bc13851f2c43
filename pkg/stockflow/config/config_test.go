package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/stockflow/pkg/stockflow/config"
)

// TestString verifies string extraction with defaults.
func TestString(t *testing.T) {
	tests := []struct {
		name string
		data map[string]any
		want string
	}{
		{"key exists", map[string]any{"driver": "sqlite"}, "sqlite"},
		{"key missing", map[string]any{"other": "value"}, "memory"},
		{"empty string", map[string]any{"driver": ""}, ""},
		{"wrong type", map[string]any{"driver": 123}, "memory"},
		{"nil map", nil, "memory"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, config.New(tt.data).String("driver", "memory"))
		})
	}
}

// TestDuration verifies duration extraction with various input types.
func TestDuration(t *testing.T) {
	tests := []struct {
		name  string
		value any
		want  time.Duration
	}{
		{"string", "1h30m", 90 * time.Minute},
		{"int seconds", 30, 30 * time.Second},
		{"int64 seconds", int64(2), 2 * time.Second},
		{"float seconds", 1.5, 1500 * time.Millisecond},
		{"duration", 5 * time.Millisecond, 5 * time.Millisecond},
		{"invalid string", "soon", 10 * time.Second},
		{"wrong type", true, 10 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.New(map[string]any{"timeout": tt.value})
			assert.Equal(t, tt.want, cfg.Duration("timeout", 10*time.Second))
		})
	}
}

// TestInt64 verifies integer coercion, including JSON floats.
func TestInt64(t *testing.T) {
	tests := []struct {
		name  string
		value any
		want  int64
	}{
		{"int", 7, 7},
		{"int64", int64(8), 8},
		{"whole float", 250.0, 250},
		{"fractional float", 2.5, -1},
		{"string", "7", -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.New(map[string]any{"n": tt.value})
			assert.Equal(t, tt.want, cfg.Int64("n", -1))
			assert.Equal(t, int(tt.want), cfg.Int("n", -1))
		})
	}
}

func TestBoolFloatSlice(t *testing.T) {
	cfg := config.New(map[string]any{
		"enabled":    true,
		"multiplier": 3,
		"brokers":    []any{"a:9092", "b:9092"},
		"mixed":      []any{"a", 1},
		"typed":      []string{"x"},
	})

	assert.True(t, cfg.Bool("enabled", false))
	assert.False(t, cfg.Bool("missing", false))
	assert.Equal(t, 3.0, cfg.Float("multiplier", 0))
	assert.Equal(t, 2.0, cfg.Float("missing", 2.0))
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.StringSlice("brokers", nil))
	assert.Equal(t, []string{"d"}, cfg.StringSlice("mixed", []string{"d"}))
	assert.Equal(t, []string{"x"}, cfg.StringSlice("typed", nil))
}

func TestSection(t *testing.T) {
	cfg := config.New(map[string]any{
		"bus": map[string]any{
			"retry": map[string]any{"max_attempts": 5},
		},
		"flat": "value",
	})

	assert.Equal(t, 5, cfg.Section("bus").Section("retry").Int("max_attempts", 0))
	assert.Empty(t, cfg.Section("flat").Keys())
	assert.Empty(t, cfg.Section("missing").Raw())
	assert.True(t, cfg.Has("bus"))
	assert.False(t, cfg.Has("saga"))
	assert.ElementsMatch(t, []string{"bus", "flat"}, cfg.Keys())
}

func TestFromYAML(t *testing.T) {
	cfg, err := config.FromYAML([]byte(`
saga:
  driver: sqlite
  step_timeout: 10s
sales:
  prices:
    apple: 250
`))
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Section("saga").String("driver", ""))
	assert.Equal(t, 10*time.Second, cfg.Section("saga").Duration("step_timeout", 0))
	assert.Equal(t, int64(250), cfg.Section("sales").Section("prices").Int64("apple", 0))

	_, err = config.FromYAML([]byte("saga: [unclosed"))
	assert.Error(t, err)
}

func TestFromJSON(t *testing.T) {
	cfg, err := config.FromJSON([]byte(`{"inventory": {"reservation_ttl": 60}}`))
	require.NoError(t, err)
	assert.Equal(t, time.Minute, cfg.Section("inventory").Duration("reservation_ttl", 0))

	_, err = config.FromJSON([]byte("{"))
	assert.Error(t, err)
}

func TestFromFile(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "stockflow.yml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("bus:\n  max_concurrency: 8\n"), 0o600))
	cfg, err := config.FromFile(yamlPath)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Section("bus").Int("max_concurrency", 0))

	jsonPath := filepath.Join(dir, "stockflow.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"bus": {"max_concurrency": 4}}`), 0o600))
	cfg, err = config.FromFile(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Section("bus").Int("max_concurrency", 0))

	tomlPath := filepath.Join(dir, "stockflow.toml")
	require.NoError(t, os.WriteFile(tomlPath, []byte("x = 1"), 0o600))
	_, err = config.FromFile(tomlPath)
	assert.ErrorContains(t, err, "unsupported config file extension")

	_, err = config.FromFile(filepath.Join(dir, "missing.yaml"))
	assert.ErrorContains(t, err, "read config file")
}

func TestFromFile_ExpandsEnvironment(t *testing.T) {
	t.Setenv("STOCKFLOW_TEST_DSN", "app:secret@tcp(db:3306)/stock")
	path := filepath.Join(t.TempDir(), "stockflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte("inventory:\n  dsn: ${STOCKFLOW_TEST_DSN}\n"), 0o600))

	cfg, err := config.FromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "app:secret@tcp(db:3306)/stock", cfg.Section("inventory").String("dsn", ""))
}

func TestParse_UnknownFormat(t *testing.T) {
	_, err := config.Parse([]byte("a = 1"), config.Format("toml"))
	assert.ErrorContains(t, err, `unsupported config format "toml"`)

	f, err := config.FormatOf("settings.YML")
	require.NoError(t, err)
	assert.Equal(t, config.FormatYAML, f)
}
