package record

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Query builds a query over T that runs on the current session of its
// context. Chain methods return the same query; a terminal method runs it.
//
//	posts, err := record.From[Post](ctx).
//		Where("published = ?", true).
//		OrderBy("CreatedAt", true).
//		Page(2, 20).
//		Find()
type Query[T any] struct {
	ctx   context.Context
	err   error
	steps []func(u *unit, db *gorm.DB) (*gorm.DB, error)
}

// From starts a query over T.
func From[T any](ctx context.Context) *Query[T] {
	return &Query[T]{ctx: ctx}
}

func (q *Query[T]) add(step func(u *unit, db *gorm.DB) (*gorm.DB, error)) *Query[T] {
	q.steps = append(q.steps, step)
	return q
}

func (q *Query[T]) chain(fn func(db *gorm.DB) *gorm.DB) *Query[T] {
	return q.add(func(_ *unit, db *gorm.DB) (*gorm.DB, error) { return fn(db), nil })
}

// Where adds a condition in any form gorm.DB.Where accepts.
func (q *Query[T]) Where(query any, args ...any) *Query[T] {
	return q.chain(func(db *gorm.DB) *gorm.DB { return db.Where(query, args...) })
}

// Not adds a negated condition.
func (q *Query[T]) Not(query any, args ...any) *Query[T] {
	return q.chain(func(db *gorm.DB) *gorm.DB { return db.Not(query, args...) })
}

// Or adds an alternative condition.
func (q *Query[T]) Or(query any, args ...any) *Query[T] {
	return q.chain(func(db *gorm.DB) *gorm.DB { return db.Or(query, args...) })
}

// WhereProperty matches a property, by Go name or column, against value.
func (q *Query[T]) WhereProperty(property string, value any) *Query[T] {
	return q.add(func(u *unit, db *gorm.DB) (*gorm.DB, error) {
		col, err := u.model.Column(property)
		if err != nil {
			return nil, err
		}
		return db.Where(clause.Eq{Column: clause.Column{Table: clause.CurrentTable, Name: col}, Value: value}), nil
	})
}

// Order adds a raw ORDER BY expression.
func (q *Query[T]) Order(value any) *Query[T] {
	return q.chain(func(db *gorm.DB) *gorm.DB { return db.Order(value) })
}

// OrderBy orders by a property.
func (q *Query[T]) OrderBy(property string, desc bool) *Query[T] {
	return q.add(func(u *unit, db *gorm.DB) (*gorm.DB, error) {
		col, err := u.model.Column(property)
		if err != nil {
			return nil, err
		}
		return db.Order(clause.OrderByColumn{Column: clause.Column{Table: clause.CurrentTable, Name: col}, Desc: desc}), nil
	})
}

// Limit caps the number of rows.
func (q *Query[T]) Limit(n int) *Query[T] {
	return q.chain(func(db *gorm.DB) *gorm.DB { return db.Limit(n) })
}

// Offset skips rows.
func (q *Query[T]) Offset(n int) *Query[T] {
	return q.chain(func(db *gorm.DB) *gorm.DB { return db.Offset(n) })
}

// Page selects the 1-based page of the given size.
func (q *Query[T]) Page(page, size int) *Query[T] {
	if page < 1 {
		page = 1
	}
	if size < 1 {
		q.err = fmt.Errorf("record: page size %d", size)
		return q
	}
	return q.Offset((page - 1) * size).Limit(size)
}

// Select restricts the loaded columns.
func (q *Query[T]) Select(query any, args ...any) *Query[T] {
	return q.chain(func(db *gorm.DB) *gorm.DB { return db.Select(query, args...) })
}

// Preload loads an association with the results.
func (q *Query[T]) Preload(association string, args ...any) *Query[T] {
	return q.chain(func(db *gorm.DB) *gorm.DB { return db.Preload(association, args...) })
}

// Joins adds a join, by association name or raw SQL.
func (q *Query[T]) Joins(query string, args ...any) *Query[T] {
	return q.chain(func(db *gorm.DB) *gorm.DB { return db.Joins(query, args...) })
}

// Unscoped includes soft-deleted rows.
func (q *Query[T]) Unscoped() *Query[T] {
	return q.chain(func(db *gorm.DB) *gorm.DB { return db.Unscoped() })
}

// Scopes applies reusable GORM scopes.
func (q *Query[T]) Scopes(funcs ...func(*gorm.DB) *gorm.DB) *Query[T] {
	return q.chain(func(db *gorm.DB) *gorm.DB { return db.Scopes(funcs...) })
}

func (q *Query[T]) run(fn func(u *unit, db *gorm.DB) error) error {
	if q.err != nil {
		return q.err
	}
	return read[T](q.ctx, func(u *unit, db *gorm.DB) error {
		var err error
		for _, step := range q.steps {
			if db, err = step(u, db); err != nil {
				return err
			}
		}
		return fn(u, db)
	})
}

// Find returns every matching T.
func (q *Query[T]) Find() ([]*T, error) {
	var out []*T
	err := q.run(func(_ *unit, db *gorm.DB) error {
		return db.Find(&out).Error
	})
	return out, err
}

// First returns the first match by primary key order unless the query is
// ordered. ErrNotFound when nothing matches.
func (q *Query[T]) First() (*T, error) {
	var out *T
	err := q.run(func(u *unit, db *gorm.DB) error {
		v := new(T)
		if err := db.First(v).Error; err != nil {
			return notFound(err, u.model.Name, "query")
		}
		out = v
		return nil
	})
	return out, err
}

// One returns the single match. ErrNotFound when nothing matches and
// ErrNotUnique when more than one row does.
func (q *Query[T]) One() (*T, error) {
	var out *T
	err := q.run(func(u *unit, db *gorm.DB) error {
		var list []*T
		if err := db.Limit(2).Find(&list).Error; err != nil {
			return err
		}
		switch len(list) {
		case 0:
			return fmt.Errorf("%w: %s query", ErrNotFound, u.model.Name)
		case 1:
			out = list[0]
			return nil
		}
		return fmt.Errorf("%w: %s", ErrNotUnique, u.model.Name)
	})
	return out, err
}

// Count returns the number of matches. Limit, Offset and Page do not apply.
func (q *Query[T]) Count() (int64, error) {
	var n int64
	err := q.run(func(_ *unit, db *gorm.DB) error {
		return db.Limit(-1).Offset(-1).Count(&n).Error
	})
	return n, err
}

// Exists reports whether anything matches.
func (q *Query[T]) Exists() (bool, error) {
	n, err := q.Count()
	return n > 0, err
}

// Pluck loads a single column into dest, a pointer to a slice.
func (q *Query[T]) Pluck(column string, dest any) error {
	return q.run(func(_ *unit, db *gorm.DB) error {
		return db.Pluck(column, dest).Error
	})
}

// Delete deletes every match immediately. A query without conditions is
// refused by GORM.
func (q *Query[T]) Delete() (int64, error) {
	var n int64
	err := q.run(func(_ *unit, db *gorm.DB) error {
		res := db.Delete(new(T))
		n = res.RowsAffected
		return res.Error
	})
	return n, err
}
