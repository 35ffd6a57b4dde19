// Package scope implements nested session and transaction scopes over GORM.
//
// A scope is a lexically bounded unit of work. Scopes stack per logical request:
// the stack travels in a context.Context, its top is the current scope, and
// every persistence call made with that context resolves its session against
// it. Nested scopes reuse the sessions of their ancestors for the same data
// source key, inherit the flush action unless they override it, and put back
// whatever they changed when disposed.
//
// Transaction scopes either join the nearest enclosing transaction scope
// (ModeInherits) or start an independent transaction on a separate session
// (ModeNew). A rollback vote or a failure in a joined scope marks every
// ancestor up to the root transaction as rollback-only.
package scope

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
)

var (
	// ErrDisposed is returned by operations on a disposed scope.
	ErrDisposed = errors.New("scope: disposed")
	// ErrNotCurrent is returned when disposing a scope that is not on top of its stack.
	ErrNotCurrent = errors.New("scope: not the current scope")
	// ErrRollbackOnly is returned when voting commit on a scope marked for rollback.
	ErrRollbackOnly = errors.New("scope: transaction is marked rollback-only")
	// ErrNotTransaction is returned by vote operations on session scopes.
	ErrNotTransaction = errors.New("scope: not a transaction scope")
	// ErrNoFactory is returned when a scope has no session factory to open sessions with.
	ErrNoFactory = errors.New("scope: no session factory")
	// ErrSessionClosed is returned by operations on a closed session.
	ErrSessionClosed = errors.New("scope: session closed")
	// ErrNoTransaction is returned when committing a session without a transaction.
	ErrNoTransaction = errors.New("scope: session has no transaction")
	// ErrInTransaction is returned when beginning a transaction twice on one session.
	ErrInTransaction = errors.New("scope: session already in a transaction")
	// ErrNestedFailed fails a transaction a nested scope wrote to before it failed.
	ErrNestedFailed = errors.New("scope: nested scope failed after writing to the transaction")
)

// Factory opens GORM handles for data source keys and supplies scope defaults.
type Factory interface {
	OpenSession(ctx context.Context, key string) (*gorm.DB, error)
	DefaultFlush() FlushAction
	DefaultOnDispose() OnDispose
}

// FlushAction controls when pending operations reach the database.
type FlushAction int

const (
	// FlushConfig resolves to the factory's configured default.
	FlushConfig FlushAction = iota
	// FlushAuto flushes before queries, on commit and when the scope is disposed.
	FlushAuto
	// FlushNever flushes only on explicit request.
	FlushNever
)

func (f FlushAction) String() string {
	switch f {
	case FlushAuto:
		return "auto"
	case FlushNever:
		return "never"
	default:
		return "config"
	}
}

// ParseFlushAction parses auto, never or config.
func ParseFlushAction(s string) (FlushAction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "auto", "":
		return FlushAuto, nil
	case "never", "manual":
		return FlushNever, nil
	case "config":
		return FlushConfig, nil
	}
	return FlushConfig, fmt.Errorf("scope: unknown flush action %q", s)
}

// TransactionMode decides whether a transaction scope joins its enclosing transaction.
type TransactionMode int

const (
	// ModeInherits joins the nearest enclosing transaction scope, if any.
	ModeInherits TransactionMode = iota
	// ModeNew always starts an independent transaction.
	ModeNew
)

func (m TransactionMode) String() string {
	if m == ModeNew {
		return "new"
	}
	return "inherits"
}

// OnDispose is the outcome of a transaction scope disposed without a vote.
type OnDispose int

const (
	OnDisposeCommit OnDispose = iota
	OnDisposeRollback
)

func (o OnDispose) String() string {
	if o == OnDisposeRollback {
		return "rollback"
	}
	return "commit"
}

// ParseOnDispose parses commit or rollback.
func ParseOnDispose(s string) (OnDispose, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "commit", "":
		return OnDisposeCommit, nil
	case "rollback":
		return OnDisposeRollback, nil
	}
	return OnDisposeCommit, fmt.Errorf("scope: unknown on-dispose policy %q", s)
}

// Vote is the explicit outcome cast on a transaction scope.
type Vote int

const (
	VoteUnset Vote = iota
	VoteCommit
	VoteRollback
)

func (v Vote) String() string {
	switch v {
	case VoteCommit:
		return "commit"
	case VoteRollback:
		return "rollback"
	default:
		return "unset"
	}
}

// Kind distinguishes session scopes from transaction scopes.
type Kind int

const (
	KindSession Kind = iota
	KindTransaction
)

func (k Kind) String() string {
	if k == KindTransaction {
		return "transaction"
	}
	return "session"
}
