package scope

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"gorm.io/gorm"
)

// OpKind names a pending operation.
type OpKind int

const (
	OpCreate OpKind = iota
	OpSave
	OpUpdate
	OpDelete
	OpExec
)

func (k OpKind) String() string {
	switch k {
	case OpCreate:
		return "create"
	case OpSave:
		return "save"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return "exec"
	}
}

// Operation is one queued write. Apply runs against the session's current
// handle (the transaction when one is open). Value identifies the target for
// deduplication and may be nil.
type Operation struct {
	Value any
	Apply func(db *gorm.DB) error
	Kind  OpKind
	seq   uint64
}

// Session is the unit of work for one data source key: a GORM handle, an
// optional open transaction and the queue of writes not yet flushed.
//
// Operations queued before Begin never run inside the transaction. Under
// FlushAuto Begin writes them first; otherwise they are held aside and queued
// again once the transaction ends.
type Session struct {
	base    *gorm.DB
	tx      *gorm.DB
	id      string
	key     string
	pending []Operation
	held    []Operation
	seq     uint64 // last sequence number handed out
	applied uint64 // sequence number of the last applied operation
	flush   FlushAction
	failed  bool
	closed  bool
	mu      sync.Mutex
}

// NewSession wraps db as a session for key. FlushConfig is treated as FlushAuto.
func NewSession(key string, db *gorm.DB, flush FlushAction) *Session {
	if flush == FlushConfig {
		flush = FlushAuto
	}
	return &Session{
		base:  db,
		id:    uuid.NewString(),
		key:   key,
		flush: flush,
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Key returns the data source key.
func (s *Session) Key() string { return s.key }

// FlushAction returns the current flush action.
func (s *Session) FlushAction() FlushAction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flush
}

// SetFlushAction changes the flush action and returns the previous one.
func (s *Session) SetFlushAction(f FlushAction) FlushAction {
	if f == FlushConfig {
		f = FlushAuto
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.flush
	s.flush = f
	return prev
}

// InTransaction reports whether a transaction is open.
func (s *Session) InTransaction() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tx != nil
}

// Pending returns the number of queued operations, held ones included.
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending) + len(s.held)
}

// Mark returns a position in the queue. Operations enqueued later are after
// it; see DiscardAfter and AppliedAfter.
func (s *Session) Mark() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// DiscardAfter drops the queued operations enqueued after mark and returns
// how many were dropped. Earlier operations stay queued in order.
func (s *Session) DiscardAfter(mark uint64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	s.pending, n = keepUpTo(s.pending, mark)
	var h int
	s.held, h = keepUpTo(s.held, mark)
	return n + h
}

func keepUpTo(ops []Operation, mark uint64) ([]Operation, int) {
	kept := ops[:0:0]
	for _, op := range ops {
		if op.seq <= mark {
			kept = append(kept, op)
		}
	}
	return kept, len(ops) - len(kept)
}

// AppliedAfter reports whether an operation enqueued after mark was written.
func (s *Session) AppliedAfter(mark uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applied > mark
}

// Failed reports whether a flush on this session has failed.
func (s *Session) Failed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failed
}

// Closed reports whether the session was closed.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// DB returns the handle statements should run on, bound to ctx.
func (s *Session) DB(ctx context.Context) *gorm.DB {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle(ctx)
}

func (s *Session) handle(ctx context.Context) *gorm.DB {
	if s.tx != nil {
		return s.tx.WithContext(ctx)
	}
	return s.base.WithContext(ctx)
}

// Enqueue queues op. An op with the same kind and the same pointer as one
// already queued is dropped since it would write the same state twice.
func (s *Session) Enqueue(op Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if op.Value != nil && reflect.TypeOf(op.Value).Kind() == reflect.Ptr {
		for _, queued := range s.pending {
			if queued.Kind == op.Kind && queued.Value == op.Value {
				return nil
			}
		}
	}
	s.seq++
	op.seq = s.seq
	s.pending = append(s.pending, op)
	return nil
}

// Flush applies queued operations in order. It stops at the first failure,
// marks the session failed and keeps the failed and later operations queued.
func (s *Session) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked(ctx)
}

func (s *Session) flushLocked(ctx context.Context) error {
	if s.closed {
		return ErrSessionClosed
	}
	if len(s.pending) == 0 {
		return nil
	}

	db := s.handle(ctx)
	applied := 0
	defer func() {
		if applied > 0 {
			opsFlushed.Add(ctx, int64(applied), metric.WithAttributes(attribute.String("key", s.key)))
		}
	}()

	for len(s.pending) > 0 {
		op := s.pending[0]
		if err := op.Apply(db); err != nil {
			s.failed = true
			return fmt.Errorf("flush %s on %q: %w", op.Kind, s.key, err)
		}
		s.pending = s.pending[1:]
		s.applied = op.seq
		applied++
	}
	s.pending = nil
	return nil
}

// AutoFlush flushes when the flush action is FlushAuto.
func (s *Session) AutoFlush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.flush != FlushAuto {
		return nil
	}
	return s.flushLocked(ctx)
}

// Clear discards queued operations, held ones included, and returns how many
// were dropped.
func (s *Session) Clear() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.pending) + len(s.held)
	s.pending, s.held = nil, nil
	return n
}

// Begin opens a transaction on the session. Queued operations are written
// first under FlushAuto and held until the transaction ends otherwise.
func (s *Session) Begin(ctx context.Context, opts *sql.TxOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if s.tx != nil {
		return ErrInTransaction
	}
	if len(s.pending) > 0 {
		if s.flush == FlushAuto {
			if err := s.flushLocked(ctx); err != nil {
				return err
			}
		} else {
			s.held, s.pending = s.pending, nil
		}
	}
	var tx *gorm.DB
	if opts != nil {
		tx = s.base.WithContext(ctx).Begin(opts)
	} else {
		tx = s.base.WithContext(ctx).Begin()
	}
	if tx.Error != nil {
		s.endLocked()
		return fmt.Errorf("begin on %q: %w", s.key, tx.Error)
	}
	s.tx = tx
	return nil
}

// Commit flushes (when the flush action is FlushAuto) and commits. Operations
// still queued under FlushNever are discarded. A failed flush rolls back.
func (s *Session) Commit(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx == nil {
		return ErrNoTransaction
	}

	if s.flush == FlushAuto {
		if err := s.flushLocked(ctx); err != nil {
			if rbErr := s.rollbackLocked(); rbErr != nil {
				return errors.Join(err, rbErr)
			}
			return err
		}
	}
	if n := len(s.pending); n > 0 {
		log.Warn().Str("key", s.key).Int("operations", n).Msg("Discarding unflushed operations at commit")
		s.pending = nil
	}

	err := s.tx.Commit().Error
	s.endLocked()
	if err != nil {
		s.failed = true
		return fmt.Errorf("commit on %q: %w", s.key, err)
	}
	return nil
}

// Rollback discards the operations queued since Begin and rolls the
// transaction back. Held operations are queued again.
func (s *Session) Rollback() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx == nil {
		return ErrNoTransaction
	}
	return s.rollbackLocked()
}

func (s *Session) rollbackLocked() error {
	s.pending = nil
	err := s.tx.Rollback().Error
	s.endLocked()
	if err != nil {
		return fmt.Errorf("rollback on %q: %w", s.key, err)
	}
	return nil
}

// endLocked forgets the transaction and requeues the held operations ahead of
// anything still pending.
func (s *Session) endLocked() {
	s.tx = nil
	if len(s.held) > 0 {
		s.pending = append(s.held, s.pending...)
		s.held = nil
	}
}

// Close discards queued operations and rolls back an open transaction.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	if n := len(s.pending) + len(s.held); n > 0 {
		log.Warn().Str("key", s.key).Str("session", s.id).Int("operations", n).Msg("Discarding unflushed operations on close")
		s.pending, s.held = nil, nil
	}
	if s.tx != nil {
		return s.rollbackLocked()
	}
	return nil
}
