// Package config provides configuration management for recordkit.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	json "github.com/goccy/go-json"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultKey is the data source key used for models registered without one.
	DefaultKey = "default"

	// DriverPostgres selects gorm.io/driver/postgres.
	DriverPostgres = "postgres"
	// DriverSQLite selects gorm.io/driver/sqlite.
	DriverSQLite = "sqlite"

	// FlushAuto flushes pending changes before queries and when a scope is disposed.
	FlushAuto = "auto"
	// FlushNever only flushes on explicit request.
	FlushNever = "never"

	// OnDisposeCommit commits a transaction scope that was disposed without a vote.
	OnDisposeCommit = "commit"
	// OnDisposeRollback rolls back a transaction scope that was disposed without a vote.
	OnDisposeRollback = "rollback"

	// DefaultMaxConns is the pool size used when a data source leaves max_conns unset.
	DefaultMaxConns = 4
)

var (
	// ErrUnknownDataSource is returned when a key has no configured data source.
	ErrUnknownDataSource = errors.New("config: unknown data source")
	// ErrInvalid is returned by Validate.
	ErrInvalid = errors.New("config: invalid")
)

// DataSource describes one database reachable under a key.
type DataSource struct {
	Driver          string `json:"driver" yaml:"driver"`
	DSN             string `json:"dsn" yaml:"dsn"`
	MaxConns        int    `json:"max_conns" yaml:"max_conns"`
	LogLevel        string `json:"log_level" yaml:"log_level"`                 // silent, error, warn, info
	SlowThresholdMS int    `json:"slow_threshold_ms" yaml:"slow_threshold_ms"` // 0 disables slow query warnings
}

// Config holds the application configuration.
type Config struct {
	DataSources map[string]DataSource `json:"data_sources" yaml:"data_sources"`

	// Scope defaults
	DefaultFlush     string `json:"default_flush" yaml:"default_flush"`
	DefaultOnDispose string `json:"default_on_dispose" yaml:"default_on_dispose"`

	// Logging
	Debug    bool   `json:"debug" yaml:"debug"`
	LogLevel string `json:"log_level" yaml:"log_level"`
}

// DataDir returns the data directory path (~/.recordkit).
func DataDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".recordkit")
}

// DBPath returns the default SQLite database file path.
func DBPath() string {
	return filepath.Join(DataDir(), "recordkit.db")
}

// SettingsPath returns the settings file path, honoring RECORDKIT_SETTINGS.
func SettingsPath() string {
	if p := os.Getenv("RECORDKIT_SETTINGS"); p != "" {
		return p
	}
	return filepath.Join(DataDir(), "settings.json")
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// ErrExists is returned by WriteDefault when path exists and overwrite is false.
var ErrExists = errors.New("config: settings file exists")

// WriteDefault writes Default() to path, creating its directory.
func WriteDefault(path string, overwrite bool) error {
	if _, err := os.Stat(path); err == nil && !overwrite {
		return fmt.Errorf("%w: %s", ErrExists, path)
	}

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(Default())
	} else {
		data, err = json.MarshalIndent(Default(), "", "  ")
	}
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		DataSources: map[string]DataSource{
			DefaultKey: {
				Driver:   DriverSQLite,
				DSN:      DBPath(),
				MaxConns: DefaultMaxConns,
				LogLevel: "warn",
			},
		},
		DefaultFlush:     FlushAuto,
		DefaultOnDispose: OnDisposeCommit,
		LogLevel:         "info",
	}
}

// Load reads the settings file at path and merges it over the defaults.
// A missing file yields the defaults. The codec is chosen by extension:
// .yaml and .yml use YAML, everything else JSON.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		data = nil
	}

	if len(data) > 0 {
		// Decode into a fresh value so a file that names its own data sources
		// replaces the default one instead of being merged with it.
		var file Config
		if isYAML(path) {
			err = yaml.Unmarshal(data, &file)
		} else {
			err = json.Unmarshal(data, &file)
		}
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		cfg.merge(&file)
	}

	cfg.applyEnv()
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) merge(file *Config) {
	if len(file.DataSources) > 0 {
		c.DataSources = file.DataSources
	}
	if file.DefaultFlush != "" {
		c.DefaultFlush = file.DefaultFlush
	}
	if file.DefaultOnDispose != "" {
		c.DefaultOnDispose = file.DefaultOnDispose
	}
	if file.LogLevel != "" {
		c.LogLevel = file.LogLevel
	}
	c.Debug = c.Debug || file.Debug
}

// applyEnv applies RECORDKIT_* environment overrides.
func (c *Config) applyEnv() {
	ds := c.DataSources[DefaultKey]
	if v := os.Getenv("RECORDKIT_DRIVER"); v != "" {
		ds.Driver = v
	}
	if v := os.Getenv("RECORDKIT_DSN"); v != "" {
		ds.DSN = v
	}
	if ds.Driver != "" || ds.DSN != "" {
		if ds.Driver == "" {
			ds.Driver = DriverSQLite
		}
		if c.DataSources == nil {
			c.DataSources = make(map[string]DataSource)
		}
		c.DataSources[DefaultKey] = ds
	}
	if v := os.Getenv("RECORDKIT_DEFAULT_FLUSH"); v != "" {
		c.DefaultFlush = v
	}
	if v := os.Getenv("RECORDKIT_ON_DISPOSE"); v != "" {
		c.DefaultOnDispose = v
	}
	if v := os.Getenv("RECORDKIT_DEBUG"); v == "1" || strings.EqualFold(v, "true") {
		c.Debug = true
	}
}

func (c *Config) normalize() {
	c.DefaultFlush = strings.ToLower(strings.TrimSpace(c.DefaultFlush))
	c.DefaultOnDispose = strings.ToLower(strings.TrimSpace(c.DefaultOnDispose))
	for key, ds := range c.DataSources {
		ds.Driver = strings.ToLower(strings.TrimSpace(ds.Driver))
		if ds.MaxConns <= 0 {
			ds.MaxConns = DefaultMaxConns
		}
		if ds.LogLevel == "" {
			ds.LogLevel = "warn"
		}
		c.DataSources[key] = ds
	}
}

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	if len(c.DataSources) == 0 {
		return fmt.Errorf("%w: no data sources", ErrInvalid)
	}
	for _, key := range c.Keys() {
		ds := c.DataSources[key]
		switch ds.Driver {
		case DriverPostgres, DriverSQLite:
		default:
			return fmt.Errorf("%w: data source %q: unsupported driver %q", ErrInvalid, key, ds.Driver)
		}
		if ds.DSN == "" {
			return fmt.Errorf("%w: data source %q: empty dsn", ErrInvalid, key)
		}
	}
	switch c.DefaultFlush {
	case "", FlushAuto, FlushNever:
	default:
		return fmt.Errorf("%w: default_flush %q", ErrInvalid, c.DefaultFlush)
	}
	switch c.DefaultOnDispose {
	case "", OnDisposeCommit, OnDisposeRollback:
	default:
		return fmt.Errorf("%w: default_on_dispose %q", ErrInvalid, c.DefaultOnDispose)
	}
	return nil
}

// Keys returns the configured data source keys in sorted order.
func (c *Config) Keys() []string {
	keys := make([]string, 0, len(c.DataSources))
	for k := range c.DataSources {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// DataSource returns the data source configured under key.
func (c *Config) DataSource(key string) (DataSource, error) {
	ds, ok := c.DataSources[key]
	if !ok {
		return DataSource{}, fmt.Errorf("%w: %q", ErrUnknownDataSource, key)
	}
	return ds, nil
}
