package record

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/thebtf/recordkit/pkg/models"
	"github.com/thebtf/recordkit/pkg/scope"
)

// unit is the session one record call works on. Inside a scope it belongs to
// the scope; outside it is an implicit session that flushes and closes when
// the call returns.
type unit struct {
	engine *Engine
	model  *models.Model
	sess   *scope.Session
	scope  *scope.Scope
}

func lookup(ctx context.Context, v any) (*Engine, *models.Model, error) {
	e, err := FromContext(ctx)
	if err != nil {
		return nil, nil, err
	}
	m, err := e.models.Lookup(v)
	if err != nil {
		return nil, nil, err
	}
	return e, m, nil
}

func open(ctx context.Context, e *Engine, m *models.Model) (*unit, error) {
	u := &unit{engine: e, model: m}
	if cur := scope.Current(ctx); cur != nil {
		sess, err := cur.Session(ctx, m.Key)
		if err != nil {
			cur.MarkFailed(err)
			return nil, err
		}
		u.sess, u.scope = sess, cur
		return u, nil
	}

	db, err := e.OpenSession(ctx, m.Key)
	if err != nil {
		return nil, err
	}
	u.sess = scope.NewSession(m.Key, db, scope.FlushAuto)
	return u, nil
}

// begin resolves the engine, model and session for v.
func begin(ctx context.Context, v any) (*unit, error) {
	e, m, err := lookup(ctx, v)
	if err != nil {
		return nil, err
	}
	return open(ctx, e, m)
}

// db flushes pending work when the flush action allows it and returns a
// handle for querying the unit's model.
func (u *unit) db(ctx context.Context) (*gorm.DB, error) {
	if err := u.sess.AutoFlush(ctx); err != nil {
		return nil, err
	}
	return u.sess.DB(ctx).Model(u.model.New()), nil
}

// done ends the call. Inside a scope, persistence errors mark the scope
// failed. An implicit session is flushed on success and closed.
func (u *unit) done(ctx context.Context, err error) error {
	if u.scope != nil {
		if err != nil && !isLookupError(err) {
			u.scope.MarkFailed(err)
		}
		return err
	}
	if err == nil {
		err = u.sess.Flush(ctx)
	}
	if cerr := u.sess.Close(); cerr != nil {
		err = errors.Join(err, cerr)
	}
	return err
}

// isLookupError reports errors that describe a query result or a misuse, not
// a broken unit of work.
func isLookupError(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrNotUnique) ||
		errors.Is(err, ErrTransient) ||
		errors.Is(err, models.ErrUnknownProperty)
}

// Flush writes the pending work of the current scope. Outside a scope every
// call already flushes, so there is nothing to do.
func Flush(ctx context.Context) error {
	cur := scope.Current(ctx)
	if cur == nil {
		return nil
	}
	return cur.Flush(ctx)
}
