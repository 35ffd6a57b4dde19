// Package gorm provides the GORM-backed data sources recordkit sessions are opened on.
package gorm

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/thebtf/recordkit/internal/config"
	"github.com/thebtf/recordkit/internal/logging"
)

const (
	// FastQueryTimeout bounds health probes.
	FastQueryTimeout = 1 * time.Second
	// SlowQueryTimeout bounds schema operations.
	SlowQueryTimeout = 30 * time.Second

	slowOperation = 100 * time.Millisecond
	healthTTL     = 5 * time.Second
	probeWindowSz = 100
)

// Store is one data source: a GORM handle plus its pooled *sql.DB.
type Store struct {
	DB         *gorm.DB
	sqlDB      *sql.DB
	probes     *probeWindow
	log        zerolog.Logger
	Key        string
	Driver     string
	thresholds HealthThresholds
	health     healthCache
}

// Config describes a single data source.
type Config struct {
	Key           string
	Driver        string          // config.DriverPostgres or config.DriverSQLite
	DSN           string          // postgres URL or SQLite file path
	MaxConns      int             // 0 means config.DefaultMaxConns
	LogLevel      logger.LogLevel // GORM log level
	SlowThreshold time.Duration
}

// ConfigFromDataSource converts a configured data source into a store Config.
func ConfigFromDataSource(key string, ds config.DataSource) Config {
	return Config{
		Key:           key,
		Driver:        ds.Driver,
		DSN:           ds.DSN,
		MaxConns:      ds.MaxConns,
		LogLevel:      logging.ParseGormLevel(ds.LogLevel),
		SlowThreshold: time.Duration(ds.SlowThresholdMS) * time.Millisecond,
	}
}

func (c Config) dialector() (gorm.Dialector, error) {
	switch c.Driver {
	case config.DriverPostgres:
		return postgres.Open(c.DSN), nil
	case config.DriverSQLite, "":
		if err := sqliteDir(c.DSN); err != nil {
			return nil, err
		}
		return sqlite.Open(c.DSN), nil
	}
	return nil, fmt.Errorf("unsupported driver %q", c.Driver)
}

// sqliteDir creates the directory of a file DSN.
func sqliteDir(dsn string) error {
	if dsn == "" || strings.HasPrefix(dsn, "file:") || strings.HasPrefix(dsn, ":memory:") {
		return nil
	}
	path, _, _ := strings.Cut(dsn, "?")
	return os.MkdirAll(filepath.Dir(path), 0750)
}

func (c Config) poolSize() int {
	if c.MaxConns > 0 {
		return c.MaxConns
	}
	return config.DefaultMaxConns
}

// NewStore opens the data source described by cfg and pings it.
func NewStore(cfg Config) (*Store, error) {
	dial, err := cfg.dialector()
	if err != nil {
		return nil, fmt.Errorf("store %q: %w", cfg.Key, err)
	}

	l := log.Logger.With().Str("component", "gorm").Str("key", cfg.Key).Logger()
	db, err := gorm.Open(dial, &gorm.Config{
		Logger: logging.NewGormLogger(l, cfg.LogLevel, cfg.SlowThreshold),
		// Scopes own the transactions.
		SkipDefaultTransaction: true,
		PrepareStmt:            cfg.Driver == config.DriverPostgres,
	})
	if err != nil {
		return nil, fmt.Errorf("store %q: open %s: %w", cfg.Key, cfg.Driver, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("store %q: %w", cfg.Key, err)
	}
	size := cfg.poolSize()
	sqlDB.SetMaxOpenConns(size)
	sqlDB.SetMaxIdleConns(max(size/2, 1))
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetConnMaxIdleTime(10 * time.Minute)

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("store %q: ping %s: %w", cfg.Key, cfg.Driver, err)
	}

	s := &Store{
		DB:         db,
		sqlDB:      sqlDB,
		probes:     newProbeWindow(probeWindowSz),
		log:        l,
		Key:        cfg.Key,
		Driver:     cfg.Driver,
		thresholds: DefaultHealthThresholds,
		health:     healthCache{ttl: healthTTL},
	}
	l.Debug().Str("driver", cfg.Driver).Int("max_conns", size).Msg("Data source opened")
	return s, nil
}

// Session returns a fresh GORM session bound to ctx. Sessions never share
// statement conditions.
func (s *Store) Session(ctx context.Context) *gorm.DB {
	return s.DB.Session(&gorm.Session{NewDB: true, Context: ctx})
}

// Ping verifies the connection is alive.
func (s *Store) Ping(ctx context.Context) error { return s.sqlDB.PingContext(ctx) }

// Stats returns the connection pool statistics.
func (s *Store) Stats() sql.DBStats { return s.sqlDB.Stats() }

// Close closes the connection pool.
func (s *Store) Close() error { return s.sqlDB.Close() }

// WithTimeout bounds ctx by timeout. The returned cancel func logs the
// operation when it ran longer than slowOperation.
func (s *Store) WithTimeout(ctx context.Context, timeout time.Duration, operation string) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	start := time.Now()
	return ctx, func() {
		cancel()
		if elapsed := time.Since(start); elapsed > slowOperation {
			s.log.Warn().Str("operation", operation).Dur("elapsed", elapsed).Dur("timeout", timeout).
				Msg("Slow database operation")
		}
	}
}
