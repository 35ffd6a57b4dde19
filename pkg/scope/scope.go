package scope

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"gorm.io/gorm"
)

type borrowed struct {
	session   *Session
	mark      uint64 // queue position when borrowed
	prevFlush FlushAction
	began     bool
}

// Scope is one level of the scope stack. Create it with NewSessionScope or
// NewTransactionScope and dispose it with Dispose, usually deferred.
type Scope struct {
	factory      Factory
	stack        *Stack
	parent       *Scope
	txParent     *Scope
	txOptions    *sql.TxOptions
	pinned       map[string]*gorm.DB
	owned        map[string]*Session
	borrowed     map[string]*borrowed
	err          error
	id           string
	keys         []string
	completed    []func(committed bool)
	kind         Kind
	flush        FlushAction
	mode         TransactionMode
	onDispose    OnDispose
	vote         Vote
	rollbackOnly bool
	failed       bool
	disposed     bool
	mu           sync.Mutex
}

// NewSessionScope pushes a session scope onto the stack carried by ctx,
// creating the stack when ctx has none. A nil factory means the stack's.
func NewSessionScope(ctx context.Context, f Factory, opts ...Option) (context.Context, *Scope) {
	return open(ctx, KindSession, f, opts)
}

// NewTransactionScope pushes a transaction scope. Nothing is begun until the
// scope first needs a session.
func NewTransactionScope(ctx context.Context, f Factory, opts ...Option) (context.Context, *Scope) {
	return open(ctx, KindTransaction, f, opts)
}

func open(ctx context.Context, kind Kind, f Factory, opts []Option) (context.Context, *Scope) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	st := FromContext(ctx)
	if st == nil {
		st = NewStack(f)
		ctx = WithStack(ctx, st)
	}
	if f == nil {
		f = st.Factory()
	}
	parent := st.Current()

	s := &Scope{
		factory:   f,
		stack:     st,
		parent:    parent,
		txOptions: o.txOptions(),
		pinned:    o.pinned,
		owned:     make(map[string]*Session),
		borrowed:  make(map[string]*borrowed),
		id:        uuid.NewString(),
		kind:      kind,
		flush:     resolveFlush(&o, parent, f),
		onDispose: resolveOnDispose(&o, f),
	}
	if kind == KindTransaction {
		s.mode = o.mode
		if o.mode == ModeInherits {
			s.txParent = nearestTransaction(parent)
		}
	}

	st.push(s)
	scopesOpened.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind.String())))
	log.Debug().
		Str("scope", s.id).
		Str("kind", kind.String()).
		Str("flush", s.flush.String()).
		Bool("joined", s.txParent != nil).
		Int("depth", st.Depth()).
		Msg("Scope opened")
	return ctx, s
}

func resolveFlush(o *options, parent *Scope, f Factory) FlushAction {
	if o.flushSet && o.flush != FlushConfig {
		return o.flush
	}
	if !o.flushSet && parent != nil {
		return parent.flush
	}
	if f != nil {
		if d := f.DefaultFlush(); d != FlushConfig {
			return d
		}
	}
	return FlushAuto
}

func resolveOnDispose(o *options, f Factory) OnDispose {
	if o.onDisposeSet {
		return o.onDispose
	}
	if f != nil {
		return f.DefaultOnDispose()
	}
	return OnDisposeCommit
}

func nearestTransaction(from *Scope) *Scope {
	for p := from; p != nil; p = p.parent {
		if p.kind == KindTransaction {
			return p
		}
	}
	return nil
}

// supplier returns the nearest ancestor starting at from that already holds a
// session for key or pins it. With includeTx the nearest transaction scope
// also qualifies.
func supplier(from *Scope, key string, includeTx bool) *Scope {
	for p := from; p != nil; p = p.parent {
		if _, ok := p.pinned[key]; ok {
			return p
		}
		if includeTx && p.kind == KindTransaction {
			return p
		}
		if p.knows(key) {
			return p
		}
	}
	return nil
}

// ID returns the scope identifier.
func (s *Scope) ID() string { return s.id }

// Kind returns whether this is a session or a transaction scope.
func (s *Scope) Kind() Kind { return s.kind }

// Parent returns the enclosing scope, or nil for the root.
func (s *Scope) Parent() *Scope { return s.parent }

// FlushAction returns the effective flush action.
func (s *Scope) FlushAction() FlushAction { return s.flush }

// Mode returns the transaction mode.
func (s *Scope) Mode() TransactionMode { return s.mode }

// Joined reports whether this transaction scope participates in an enclosing one.
func (s *Scope) Joined() bool { return s.txParent != nil }

// Factory returns the factory sessions are opened with.
func (s *Scope) Factory() Factory { return s.factory }

// Vote returns the vote cast on this scope.
func (s *Scope) Vote() Vote {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vote
}

// IsRollbackOnly reports whether the transaction can no longer commit.
func (s *Scope) IsRollbackOnly() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rollbackOnly || s.failed
}

// Failed reports whether MarkFailed was called.
func (s *Scope) Failed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failed
}

// Err returns the errors recorded by MarkFailed.
func (s *Scope) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Disposed reports whether Dispose completed.
func (s *Scope) Disposed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disposed
}

// Keys returns the data source keys this scope has resolved, in order.
func (s *Scope) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.keys...)
}

func (s *Scope) knows(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.knownLocked(key) != nil
}

func (s *Scope) knownLocked(key string) *Session {
	if sess, ok := s.owned[key]; ok {
		return sess
	}
	if b, ok := s.borrowed[key]; ok {
		return b.session
	}
	return nil
}

// Session returns the session for key, resolving it on first use. A joined
// transaction scope uses its root's session. A root transaction scope begins a
// transaction on an ancestor's idle session, or opens its own when there is
// none or the ancestor's is already in another transaction. A session scope
// reuses the nearest ancestor's session and opens one only at the root.
func (s *Scope) Session(ctx context.Context, key string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed {
		return nil, ErrDisposed
	}
	if sess := s.knownLocked(key); sess != nil {
		return sess, nil
	}
	if _, ok := s.pinned[key]; ok {
		return s.openLocked(ctx, key, s.kind == KindTransaction)
	}

	if s.kind == KindTransaction {
		if s.txParent != nil {
			sess, err := s.txParent.Session(ctx, key)
			if err != nil {
				return nil, err
			}
			s.borrowLocked(key, sess, false)
			return sess, nil
		}
		if p := supplier(s.parent, key, false); p != nil {
			sess, err := p.Session(ctx, key)
			if err != nil {
				return nil, err
			}
			if !sess.InTransaction() {
				if err := sess.Begin(ctx, s.txOptions); err != nil {
					return nil, err
				}
				s.borrowLocked(key, sess, true)
				return sess, nil
			}
		}
		return s.openLocked(ctx, key, true)
	}

	if p := supplier(s.parent, key, true); p != nil {
		sess, err := p.Session(ctx, key)
		if err != nil {
			return nil, err
		}
		s.borrowLocked(key, sess, false)
		return sess, nil
	}
	return s.openLocked(ctx, key, false)
}

// DB returns the GORM handle of the session for key.
func (s *Scope) DB(ctx context.Context, key string) (*gorm.DB, error) {
	sess, err := s.Session(ctx, key)
	if err != nil {
		return nil, err
	}
	return sess.DB(ctx), nil
}

func (s *Scope) openLocked(ctx context.Context, key string, begin bool) (*Session, error) {
	db, ok := s.pinned[key]
	if ok {
		db = db.Session(&gorm.Session{NewDB: true})
	} else {
		if s.factory == nil {
			return nil, ErrNoFactory
		}
		var err error
		db, err = s.factory.OpenSession(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("open session %q: %w", key, err)
		}
	}

	sess := NewSession(key, db, s.flush)
	if begin {
		if err := sess.Begin(ctx, s.txOptions); err != nil {
			_ = sess.Close()
			return nil, err
		}
	}
	s.owned[key] = sess
	s.keys = append(s.keys, key)

	log.Debug().
		Str("scope", s.id).
		Str("session", sess.ID()).
		Str("key", key).
		Bool("transaction", begin).
		Msg("Session opened")
	return sess, nil
}

func (s *Scope) borrowLocked(key string, sess *Session, began bool) {
	prev := sess.SetFlushAction(s.flush)
	s.borrowed[key] = &borrowed{session: sess, mark: sess.Mark(), prevFlush: prev, began: began}
	s.keys = append(s.keys, key)
}

func (s *Scope) sessionsLocked() []*Session {
	out := make([]*Session, 0, len(s.keys))
	for _, key := range s.keys {
		out = append(out, s.knownLocked(key))
	}
	return out
}

// Flush writes the queued operations of every session this scope resolved.
// A failure marks the scope failed.
func (s *Scope) Flush(ctx context.Context) error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return ErrDisposed
	}
	sessions := s.sessionsLocked()
	s.mu.Unlock()

	for _, sess := range sessions {
		if err := sess.Flush(ctx); err != nil {
			s.MarkFailed(err)
			return err
		}
	}
	return nil
}

// VoteCommit asks for the transaction to commit. It fails once the scope is
// rollback-only.
func (s *Scope) VoteCommit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.votableLocked(); err != nil {
		return err
	}
	if s.rollbackOnly || s.failed {
		return ErrRollbackOnly
	}
	s.vote = VoteCommit
	return nil
}

// VoteRollback marks the transaction rollback-only. The mark is sticky and
// reaches every enclosing scope the transaction is joined to.
func (s *Scope) VoteRollback() error {
	s.mu.Lock()
	if err := s.votableLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.vote = VoteRollback
	s.rollbackOnly = true
	tp := s.txParent
	s.mu.Unlock()

	if tp != nil {
		tp.markRollbackOnly()
	}
	return nil
}

func (s *Scope) votableLocked() error {
	if s.disposed {
		return ErrDisposed
	}
	if s.kind != KindTransaction {
		return ErrNotTransaction
	}
	return nil
}

func (s *Scope) markRollbackOnly() {
	s.mu.Lock()
	s.rollbackOnly = true
	tp := s.txParent
	s.mu.Unlock()

	if tp != nil {
		tp.markRollbackOnly()
	}
}

// MarkFailed records err and dooms the scope: the operations it queued are
// dropped at dispose, and a transaction scope rolls back. For a joined transaction
// scope the failure reaches the root transaction.
func (s *Scope) MarkFailed(err error) {
	s.mu.Lock()
	s.failed = true
	if err != nil {
		s.err = errors.Join(s.err, err)
	}
	if s.kind == KindTransaction {
		s.rollbackOnly = true
	}
	tp := s.txParent
	s.mu.Unlock()

	log.Debug().Err(err).Str("scope", s.id).Msg("Scope marked failed")
	if tp != nil {
		tp.MarkFailed(err)
	}
}

// OnCompleted registers fn to run after the scope is disposed. For
// transaction scopes committed tells whether the transaction committed; a
// joined scope hands fn to its root so it runs when the real transaction ends.
// For session scopes committed is true when the final flush succeeded.
func (s *Scope) OnCompleted(fn func(committed bool)) {
	s.mu.Lock()
	tp := s.txParent
	if tp == nil {
		s.completed = append(s.completed, fn)
	}
	s.mu.Unlock()

	if tp != nil {
		tp.OnCompleted(fn)
	}
}

// Dispose ends the scope. It must be the current scope of its stack.
// Depending on kind it flushes, commits or rolls back, restores the flush
// action of sessions it borrowed and closes the sessions it opened. Calling it
// again is a no-op.
func (s *Scope) Dispose(ctx context.Context) error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return nil
	}
	if err := s.stack.pop(s); err != nil {
		s.mu.Unlock()
		return err
	}
	s.disposed = true

	committed, err := s.completeLocked(ctx)
	callbacks := s.completed
	s.completed = nil
	s.mu.Unlock()

	log.Debug().
		Err(err).
		Str("scope", s.id).
		Str("kind", s.kind.String()).
		Bool("committed", committed).
		Msg("Scope disposed")

	for _, fn := range callbacks {
		fn(committed)
	}
	return err
}

func (s *Scope) decideLocked() bool {
	switch {
	case s.failed || s.rollbackOnly:
		return false
	case s.vote == VoteCommit:
		return true
	case s.vote == VoteRollback:
		return false
	}
	return s.onDispose == OnDisposeCommit
}

func (s *Scope) completeLocked(ctx context.Context) (bool, error) {
	if s.failed {
		s.discardLocked()
	}

	var (
		errs      []error
		committed bool
	)
	switch {
	case s.kind == KindTransaction && s.txParent == nil:
		committed, errs = s.finishTransactionLocked(ctx)
	case s.kind == KindTransaction:
		committed = s.decideLocked()
		if !committed {
			s.txParent.markRollbackOnly()
		}
	default:
		committed = !s.failed
		for _, key := range s.keys {
			sess, ok := s.owned[key]
			if !ok || !committed {
				continue
			}
			if err := sess.AutoFlush(ctx); err != nil {
				errs = append(errs, err)
				committed = false
			}
		}
	}

	// Work done under an Auto override is flushed before the borrowed
	// session goes back to a manual flush action.
	if committed {
		for _, key := range s.keys {
			b, ok := s.borrowed[key]
			if !ok || b.began || s.flush != FlushAuto || b.prevFlush == FlushAuto {
				continue
			}
			if err := b.session.Flush(ctx); err != nil {
				errs = append(errs, err)
				committed = false
				if s.txParent != nil {
					s.txParent.MarkFailed(err)
				}
			}
		}
	}

	for i := len(s.keys) - 1; i >= 0; i-- {
		if b, ok := s.borrowed[s.keys[i]]; ok {
			b.session.SetFlushAction(b.prevFlush)
		}
	}
	for _, key := range s.keys {
		if sess, ok := s.owned[key]; ok {
			if err := sess.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}

	return committed, errors.Join(errs...)
}

// discardLocked drops what a failed scope queued. Owned sessions lose their
// whole queue; borrowed ones only the operations queued since the borrow.
// When some of that work already reached a transaction begun further up, the
// transaction is failed too.
func (s *Scope) discardLocked() {
	for _, key := range s.keys {
		var n int
		if owned, ok := s.owned[key]; ok {
			n = owned.Clear()
		} else {
			b := s.borrowed[key]
			sess := b.session
			n = sess.DiscardAfter(b.mark)
			if !b.began && s.txParent == nil && sess.InTransaction() && sess.AppliedAfter(b.mark) {
				if owner := transactionOwner(s.parent, key, sess); owner != nil {
					owner.MarkFailed(fmt.Errorf("%w: scope %s", ErrNestedFailed, s.id))
				}
			}
		}
		if n > 0 {
			log.Debug().Str("scope", s.id).Str("key", key).Int("operations", n).Msg("Dropped pending operations of failed scope")
		}
	}
}

// transactionOwner returns the ancestor that began the transaction open on
// sess.
func transactionOwner(from *Scope, key string, sess *Session) *Scope {
	for p := from; p != nil; p = p.parent {
		if p.began(key, sess) {
			return p
		}
	}
	return nil
}

func (s *Scope) began(key string, sess *Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.kind != KindTransaction {
		return false
	}
	if owned, ok := s.owned[key]; ok {
		return owned == sess
	}
	b, ok := s.borrowed[key]
	return ok && b.began && b.session == sess
}

// finishTransactionLocked commits or rolls back every transaction this root
// scope began. After the first failed commit the remaining ones roll back.
func (s *Scope) finishTransactionLocked(ctx context.Context) (bool, []error) {
	commit := s.decideLocked()
	var errs []error

	for _, key := range s.keys {
		var sess *Session
		if owned, ok := s.owned[key]; ok {
			sess = owned
		} else if b := s.borrowed[key]; b.began {
			sess = b.session
		}
		if sess == nil {
			continue
		}

		if commit {
			if err := sess.Commit(ctx); err != nil {
				errs = append(errs, err)
				commit = false
				s.failed = true
			}
			continue
		}
		if err := sess.Rollback(); err != nil && !errors.Is(err, ErrNoTransaction) {
			errs = append(errs, err)
		}
	}

	outcome := "rollback"
	if commit {
		outcome = "commit"
	}
	txCompleted.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	return commit, errs
}
