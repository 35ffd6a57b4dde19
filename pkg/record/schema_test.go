package record

import (
	"context"
	"testing"

	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/thebtf/recordkit/internal/config"
)

func TestEngine_SchemaLifecycle(t *testing.T) {
	ctx, e := testEngine(t)

	db, err := e.DB(ctx, config.DefaultKey)
	require.NoError(t, err)
	assert.True(t, db.Migrator().HasTable(&Person{}))
	assert.True(t, db.Migrator().HasTable(&Note{}))

	audit := &gormigrate.Migration{
		ID: "202610190001_audit_log",
		Migrate: func(tx *gorm.DB) error {
			return tx.Exec("CREATE TABLE audit_log (id INTEGER PRIMARY KEY, entry TEXT)").Error
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable("audit_log")
		},
	}
	require.NoError(t, e.AddMigration(config.DefaultKey, audit))
	assert.ErrorIs(t, e.AddMigration("elsewhere", audit), config.ErrUnknownDataSource)

	require.NoError(t, e.UpdateSchema(ctx))
	assert.True(t, db.Migrator().HasTable("audit_log"))

	require.NoError(t, e.RollbackLastMigration(ctx, config.DefaultKey))
	assert.False(t, db.Migrator().HasTable("audit_log"))

	require.NoError(t, e.DropSchema(ctx))
	assert.False(t, db.Migrator().HasTable(&Person{}))
	assert.False(t, db.Migrator().HasTable(&Note{}))

	require.NoError(t, e.CreateSchema(ctx))
	assert.True(t, db.Migrator().HasTable(&Person{}))
	// A fresh schema records the migration as applied without running it.
	assert.False(t, db.Migrator().HasTable("audit_log"))
}

func TestEngine_SchemaAfterClose(t *testing.T) {
	e, err := New(context.Background(), testConfig(t))
	require.NoError(t, err)
	require.NoError(t, e.Close())

	assert.ErrorIs(t, e.CreateSchema(context.Background()), ErrClosed)
	assert.ErrorIs(t, e.RollbackLastMigration(context.Background(), config.DefaultKey), ErrClosed)
}
