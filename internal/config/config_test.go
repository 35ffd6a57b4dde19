package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)

	ds, err := cfg.DataSource(DefaultKey)
	require.NoError(t, err)
	assert.Equal(t, DriverSQLite, ds.Driver)
	assert.Equal(t, DefaultMaxConns, ds.MaxConns)
	assert.Equal(t, FlushAuto, cfg.DefaultFlush)
	assert.Equal(t, OnDisposeCommit, cfg.DefaultOnDispose)
}

func TestLoad_JSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
  "data_sources": {
    "default": {"driver": "Postgres", "dsn": "postgres://u:p@localhost/app"},
    "audit": {"driver": "sqlite", "dsn": "/tmp/audit.db", "max_conns": 2}
  },
  "default_flush": "NEVER",
  "default_on_dispose": "rollback"
}`), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"audit", "default"}, cfg.Keys())
	def, err := cfg.DataSource("default")
	require.NoError(t, err)
	assert.Equal(t, DriverPostgres, def.Driver)
	assert.Equal(t, DefaultMaxConns, def.MaxConns)
	assert.Equal(t, "warn", def.LogLevel)

	audit, err := cfg.DataSource("audit")
	require.NoError(t, err)
	assert.Equal(t, 2, audit.MaxConns)

	assert.Equal(t, FlushNever, cfg.DefaultFlush)
	assert.Equal(t, OnDisposeRollback, cfg.DefaultOnDispose)
}

func TestLoad_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
data_sources:
  default:
    driver: sqlite
    dsn: /tmp/app.db
    slow_threshold_ms: 200
debug: true
`), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.Debug)
	ds, err := cfg.DataSource(DefaultKey)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/app.db", ds.DSN)
	assert.Equal(t, 200, ds.SlowThresholdMS)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("RECORDKIT_DRIVER", "postgres")
	t.Setenv("RECORDKIT_DSN", "postgres://env/db")
	t.Setenv("RECORDKIT_DEFAULT_FLUSH", "never")
	t.Setenv("RECORDKIT_DEBUG", "true")

	cfg, err := Load(filepath.Join(t.TempDir(), "none.json"))
	require.NoError(t, err)

	ds, err := cfg.DataSource(DefaultKey)
	require.NoError(t, err)
	assert.Equal(t, DriverPostgres, ds.Driver)
	assert.Equal(t, "postgres://env/db", ds.DSN)
	assert.Equal(t, FlushNever, cfg.DefaultFlush)
	assert.True(t, cfg.Debug)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown driver", `{"data_sources": {"default": {"driver": "oracle", "dsn": "x"}}}`},
		{"empty dsn", `{"data_sources": {"default": {"driver": "sqlite"}}}`},
		{"bad flush", `{"default_flush": "sometimes"}`},
		{"bad on dispose", `{"default_on_dispose": "maybe"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "settings.json")
			require.NoError(t, os.WriteFile(path, []byte(tt.body), 0600))

			_, err := Load(path)
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestLoad_ParseError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(path, []byte(`{not json`), 0600))

	_, err := Load(path)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalid)
}

func TestDataSource_Unknown(t *testing.T) {
	_, err := Default().DataSource("nope")
	assert.ErrorIs(t, err, ErrUnknownDataSource)
}

func TestWriteDefault(t *testing.T) {
	for _, name := range []string{"settings.json", "settings.yaml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "nested", name)
			require.NoError(t, WriteDefault(path, false))

			cfg, err := Load(path)
			require.NoError(t, err)
			assert.Equal(t, Default().DataSources, cfg.DataSources)
			assert.Equal(t, FlushAuto, cfg.DefaultFlush)

			assert.ErrorIs(t, WriteDefault(path, false), ErrExists)
			assert.NoError(t, WriteDefault(path, true))
		})
	}
}
