// Package record is the ActiveRecord surface of recordkit: an Engine that owns
// the configured data sources and the model registry, and generic functions
// that save, delete and find values through the current scope of a context.
package record

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/thebtf/recordkit/internal/config"
	dbgorm "github.com/thebtf/recordkit/internal/db/gorm"
	"github.com/thebtf/recordkit/pkg/models"
	"github.com/thebtf/recordkit/pkg/scope"
)

var (
	// ErrNotInitialized is returned when no engine can be found for a call.
	ErrNotInitialized = errors.New("record: engine not initialized")
	// ErrClosed is returned by a closed engine.
	ErrClosed = errors.New("record: engine closed")
	// ErrNotFound is returned when a lookup by key matches nothing.
	ErrNotFound = errors.New("record: not found")
	// ErrNotUnique is returned when a single-result query matches several rows.
	ErrNotUnique = errors.New("record: more than one result")
	// ErrTransient is returned when updating or deleting a value that was never saved.
	ErrTransient = errors.New("record: value has not been saved")
)

type (
	// Config is the engine configuration.
	Config = config.Config
	// DataSource configures one keyed database.
	DataSource = config.DataSource
	// HealthInfo describes the health of one data source.
	HealthInfo = dbgorm.HealthInfo
)

// Health statuses.
const (
	StatusHealthy   = dbgorm.StatusHealthy
	StatusDegraded  = dbgorm.StatusDegraded
	StatusUnhealthy = dbgorm.StatusUnhealthy
)

// DefaultConfig returns a configuration with a single SQLite data source.
func DefaultConfig() *Config { return config.Default() }

// LoadConfig reads a JSON or YAML settings file.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// Engine holds the data sources and the model registry. It is the session
// factory of every scope opened through it.
type Engine struct {
	cfg        *config.Config
	stores     *dbgorm.Registry
	models     *models.Registry
	migrations map[string][]*gormigrate.Migration
	flush      scope.FlushAction
	onDispose  scope.OnDispose
	mu         sync.RWMutex
	closed     bool
}

var _ scope.Factory = (*Engine)(nil)

// Option configures an Engine.
type Option func(*Engine)

// WithModels makes the engine use r instead of a fresh registry.
func WithModels(r *models.Registry) Option {
	return func(e *Engine) { e.models = r }
}

// New opens every data source in cfg. A nil cfg means DefaultConfig.
func New(ctx context.Context, cfg *Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	flush, err := scope.ParseFlushAction(cfg.DefaultFlush)
	if err != nil {
		return nil, err
	}
	onDispose, err := scope.ParseOnDispose(cfg.DefaultOnDispose)
	if err != nil {
		return nil, err
	}

	stores, err := dbgorm.OpenRegistry(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open data sources: %w", err)
	}

	e := &Engine{
		cfg:        cfg,
		stores:     stores,
		migrations: make(map[string][]*gormigrate.Migration),
		flush:      flush,
		onDispose:  onDispose,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.models == nil {
		e.models = models.NewRegistry()
	}

	log.Info().
		Strs("data_sources", stores.Keys()).
		Str("flush", flush.String()).
		Str("on_dispose", onDispose.String()).
		Msg("Record engine started")
	return e, nil
}

var defaultEngine atomic.Pointer[Engine]

// SetDefault makes e the engine used by calls whose context carries none.
func SetDefault(e *Engine) { defaultEngine.Store(e) }

// Default returns the engine set by SetDefault, or nil.
func Default() *Engine { return defaultEngine.Load() }

type engineKey struct{}

// WithEngine returns a context whose record calls use e.
func WithEngine(ctx context.Context, e *Engine) context.Context {
	return context.WithValue(ctx, engineKey{}, e)
}

// FromContext finds the engine for ctx: an explicit WithEngine binding, then
// the factory of the current scope, then the default engine.
func FromContext(ctx context.Context) (*Engine, error) {
	if e, ok := ctx.Value(engineKey{}).(*Engine); ok && e != nil {
		return e, nil
	}
	if st := scope.FromContext(ctx); st != nil {
		if cur := st.Current(); cur != nil {
			if e, ok := cur.Factory().(*Engine); ok {
				return e, nil
			}
		}
		if e, ok := st.Factory().(*Engine); ok {
			return e, nil
		}
	}
	if e := Default(); e != nil {
		return e, nil
	}
	return nil, ErrNotInitialized
}

// Register binds model types to a configured data source key.
func (e *Engine) Register(key string, values ...any) error {
	if _, err := e.stores.Get(key); err != nil {
		return err
	}
	if err := e.models.Register(key, values...); err != nil {
		return err
	}
	log.Debug().Str("key", key).Int("models", len(values)).Msg("Models registered")
	return nil
}

// IsInitialized reports whether the engine is open and has models.
func (e *Engine) IsInitialized() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return !e.closed && e.models.Len() > 0
}

// Models returns the metadata of every registered type.
func (e *Engine) Models() []*models.Model { return e.models.Models() }

// Model returns the metadata for v's type.
func (e *Engine) Model(v any) (*models.Model, error) { return e.models.Lookup(v) }

// Keys returns the configured data source keys.
func (e *Engine) Keys() []string { return e.stores.Keys() }

// Config returns the configuration the engine was opened with.
func (e *Engine) Config() *Config { return e.cfg }

// OpenSession returns a fresh handle on the data source key.
func (e *Engine) OpenSession(ctx context.Context, key string) (*gorm.DB, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, ErrClosed
	}
	store, err := e.stores.Get(key)
	if err != nil {
		return nil, err
	}
	return store.Session(ctx), nil
}

// DB is an alias of OpenSession for code outside any scope.
func (e *Engine) DB(ctx context.Context, key string) (*gorm.DB, error) {
	return e.OpenSession(ctx, key)
}

// DefaultFlush returns the configured flush action.
func (e *Engine) DefaultFlush() scope.FlushAction { return e.flush }

// DefaultOnDispose returns the configured outcome for transactions without a vote.
func (e *Engine) DefaultOnDispose() scope.OnDispose { return e.onDispose }

// SessionScope opens a session scope whose sessions come from e.
func (e *Engine) SessionScope(ctx context.Context, opts ...scope.Option) (context.Context, *scope.Scope) {
	return scope.NewSessionScope(ctx, e, opts...)
}

// TransactionScope opens a transaction scope whose sessions come from e.
func (e *Engine) TransactionScope(ctx context.Context, opts ...scope.Option) (context.Context, *scope.Scope) {
	return scope.NewTransactionScope(ctx, e, opts...)
}

// Run executes fn in a session scope.
func (e *Engine) Run(ctx context.Context, fn func(ctx context.Context) error, opts ...scope.Option) error {
	return scope.Run(ctx, e, fn, opts...)
}

// RunTransaction executes fn in a transaction scope.
func (e *Engine) RunTransaction(ctx context.Context, fn func(ctx context.Context) error, opts ...scope.Option) error {
	return scope.RunTransaction(ctx, e, fn, opts...)
}

// AddMigration appends a versioned migration for key. Migrations run after
// the model tables are created or updated, in the order they were added.
func (e *Engine) AddMigration(key string, m *gormigrate.Migration) error {
	if _, err := e.stores.Get(key); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.migrations[key] = append(e.migrations[key], m)
	return nil
}

func (e *Engine) schemaKeys() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	keys := e.models.Keys()
	for key := range e.migrations {
		if !slices.Contains(keys, key) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

func (e *Engine) schema(key string) (*dbgorm.Schema, error) {
	store, err := e.stores.Get(key)
	if err != nil {
		return nil, err
	}

	var (
		values     []any
		joinTables []string
	)
	for _, m := range e.models.ModelsFor(key) {
		values = append(values, m.New())
		for _, jt := range m.JoinTables() {
			if !slices.Contains(joinTables, jt) {
				joinTables = append(joinTables, jt)
			}
		}
	}

	e.mu.RLock()
	migrations := append([]*gormigrate.Migration(nil), e.migrations[key]...)
	e.mu.RUnlock()
	return dbgorm.NewSchema(store, values, joinTables, migrations), nil
}

func (e *Engine) eachSchema(ctx context.Context, fn func(ctx context.Context, s *dbgorm.Schema) error) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	for _, key := range e.schemaKeys() {
		s, err := e.schema(key)
		if err != nil {
			return err
		}
		if err := fn(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

// CreateSchema creates the tables of every registered model on a fresh
// database and records all migrations as applied.
func (e *Engine) CreateSchema(ctx context.Context) error {
	return e.eachSchema(ctx, func(ctx context.Context, s *dbgorm.Schema) error { return s.Create(ctx) })
}

// UpdateSchema adds missing tables and columns, then runs pending migrations.
func (e *Engine) UpdateSchema(ctx context.Context) error {
	return e.eachSchema(ctx, func(ctx context.Context, s *dbgorm.Schema) error { return s.Update(ctx) })
}

// DropSchema drops every registered model table and the migration history.
func (e *Engine) DropSchema(ctx context.Context) error {
	return e.eachSchema(ctx, func(ctx context.Context, s *dbgorm.Schema) error { return s.Drop(ctx) })
}

// RollbackLastMigration undoes the last migration applied on key.
func (e *Engine) RollbackLastMigration(ctx context.Context, key string) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	s, err := e.schema(key)
	if err != nil {
		return err
	}
	return s.RollbackLast(ctx)
}

// Health reports the health of each data source.
func (e *Engine) Health(ctx context.Context) map[string]*HealthInfo {
	return e.stores.HealthCheck(ctx)
}

// Ping checks every data source.
func (e *Engine) Ping(ctx context.Context) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	return e.stores.PingAll(ctx)
}

// Close closes every data source. The default engine is cleared if it is e.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	defaultEngine.CompareAndSwap(e, nil)
	log.Info().Msg("Record engine closed")
	return e.stores.Close()
}

func (e *Engine) checkOpen() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return ErrClosed
	}
	return nil
}
