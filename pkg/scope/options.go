package scope

import (
	"database/sql"

	"gorm.io/gorm"
)

// Option configures a scope.
type Option func(*options)

type options struct {
	pinned       map[string]*gorm.DB
	isolation    sql.IsolationLevel
	flush        FlushAction
	mode         TransactionMode
	onDispose    OnDispose
	flushSet     bool
	onDisposeSet bool
	isolationSet bool
	readOnly     bool
}

// WithFlush overrides the flush action. FlushConfig resolves to the factory default.
func WithFlush(f FlushAction) Option {
	return func(o *options) {
		o.flush = f
		o.flushSet = true
	}
}

// WithMode sets the transaction mode. Ignored by session scopes.
func WithMode(m TransactionMode) Option {
	return func(o *options) { o.mode = m }
}

// WithOnDispose sets the outcome used when no vote was cast.
func WithOnDispose(d OnDispose) Option {
	return func(o *options) {
		o.onDispose = d
		o.onDisposeSet = true
	}
}

// WithIsolation sets the isolation level of transactions the scope begins.
func WithIsolation(level sql.IsolationLevel) Option {
	return func(o *options) {
		o.isolation = level
		o.isolationSet = true
	}
}

// WithReadOnly begins transactions read-only.
func WithReadOnly() Option {
	return func(o *options) { o.readOnly = true }
}

// WithConnection pins key to db for this scope and its descendants, instead of
// reusing an ancestor's session or asking the factory.
func WithConnection(key string, db *gorm.DB) Option {
	return func(o *options) {
		if o.pinned == nil {
			o.pinned = make(map[string]*gorm.DB)
		}
		o.pinned[key] = db
	}
}

func (o *options) txOptions() *sql.TxOptions {
	if !o.isolationSet && !o.readOnly {
		return nil
	}
	return &sql.TxOptions{Isolation: o.isolation, ReadOnly: o.readOnly}
}
