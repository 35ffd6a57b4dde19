package gorm

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// MigrationsTable is the table gormigrate records applied migration IDs in.
const MigrationsTable = "recordkit_migrations"

// Schema creates, updates and drops the tables of a set of models on one store.
// Models are migrated in registration order and dropped in reverse.
type Schema struct {
	store      *Store
	models     []any
	joinTables []string
	migrations []*gormigrate.Migration
}

// NewSchema returns a schema manager for models on store. joinTables names
// many-to-many tables that AutoMigrate creates implicitly and Drop must remove.
func NewSchema(store *Store, models []any, joinTables []string, migrations []*gormigrate.Migration) *Schema {
	return &Schema{
		store:      store,
		models:     models,
		joinTables: joinTables,
		migrations: migrations,
	}
}

func (s *Schema) migrator(db *gorm.DB) *gormigrate.Gormigrate {
	opts := *gormigrate.DefaultOptions
	opts.TableName = MigrationsTable
	return gormigrate.New(db, &opts, s.migrations)
}

// Create initializes an empty database: all model tables are auto-migrated in
// one step and every known migration is marked as applied. On a database that
// already has migration history only pending migrations run.
func (s *Schema) Create(ctx context.Context) error {
	ctx, cancel := s.store.WithTimeout(ctx, SlowQueryTimeout, "schema_create")
	defer cancel()

	start := time.Now()
	m := s.migrator(s.store.DB.WithContext(ctx))
	m.InitSchema(func(tx *gorm.DB) error {
		if len(s.models) == 0 {
			return nil
		}
		return tx.AutoMigrate(s.models...)
	})
	if err := m.Migrate(); err != nil {
		return fmt.Errorf("create schema %q: %w", s.store.Key, err)
	}

	log.Info().
		Str("key", s.store.Key).
		Int("models", len(s.models)).
		Dur("duration", time.Since(start)).
		Msg("Schema created")
	return nil
}

// Update auto-migrates model tables (adding missing tables, columns and
// indexes) and then applies pending migrations.
func (s *Schema) Update(ctx context.Context) error {
	ctx, cancel := s.store.WithTimeout(ctx, SlowQueryTimeout, "schema_update")
	defer cancel()

	db := s.store.DB.WithContext(ctx)
	if len(s.models) > 0 {
		if err := db.AutoMigrate(s.models...); err != nil {
			return fmt.Errorf("update schema %q: %w", s.store.Key, err)
		}
	}
	if len(s.migrations) > 0 {
		if err := s.migrator(db).Migrate(); err != nil {
			return fmt.Errorf("migrate %q: %w", s.store.Key, err)
		}
	}

	log.Info().Str("key", s.store.Key).Msg("Schema updated")
	return nil
}

// RollbackLast undoes the most recently applied migration.
func (s *Schema) RollbackLast(ctx context.Context) error {
	if len(s.migrations) == 0 {
		return gormigrate.ErrNoMigrationDefined
	}
	return s.migrator(s.store.DB.WithContext(ctx)).RollbackLast()
}

// Drop removes join tables, model tables in reverse registration order and the
// migration history table.
func (s *Schema) Drop(ctx context.Context) error {
	ctx, cancel := s.store.WithTimeout(ctx, SlowQueryTimeout, "schema_drop")
	defer cancel()

	migrator := s.store.DB.WithContext(ctx).Migrator()

	tables := make([]any, 0, len(s.joinTables)+len(s.models)+1)
	for _, name := range s.joinTables {
		tables = append(tables, name)
	}
	reversed := slices.Clone(s.models)
	slices.Reverse(reversed)
	tables = append(tables, reversed...)
	tables = append(tables, MigrationsTable)

	for _, table := range tables {
		if !migrator.HasTable(table) {
			continue
		}
		if err := migrator.DropTable(table); err != nil {
			return fmt.Errorf("drop schema %q: %w", s.store.Key, err)
		}
	}

	log.Info().Str("key", s.store.Key).Int("tables", len(tables)).Msg("Schema dropped")
	return nil
}

// HasTables reports whether every model table exists.
func (s *Schema) HasTables(ctx context.Context) bool {
	migrator := s.store.DB.WithContext(ctx).Migrator()
	for _, m := range s.models {
		if !migrator.HasTable(m) {
			return false
		}
	}
	return true
}
