package record

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/thebtf/recordkit/pkg/models"
)

func notFound(err error, model string, id any) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s %v", ErrNotFound, model, id)
	}
	return err
}

// keyCondition matches the primary key of m against id. Composite keys take
// a []any in key declaration order.
func keyCondition(m *models.Model, id any) (clause.Expression, error) {
	switch len(m.PrimaryKey) {
	case 0:
		return nil, fmt.Errorf("record: %s has no primary key", m.Name)
	case 1:
		return clause.Eq{
			Column: clause.Column{Table: clause.CurrentTable, Name: m.PrimaryKey[0].Column},
			Value:  id,
		}, nil
	}

	values, ok := id.([]any)
	if !ok || len(values) != len(m.PrimaryKey) {
		return nil, fmt.Errorf("record: %s needs %d key values, got %v", m.Name, len(m.PrimaryKey), id)
	}
	exprs := make([]clause.Expression, len(values))
	for i, p := range m.PrimaryKey {
		exprs[i] = clause.Eq{
			Column: clause.Column{Table: clause.CurrentTable, Name: p.Column},
			Value:  values[i],
		}
	}
	return clause.And(exprs...), nil
}

// orderBy turns "Property" or "Property desc" into an ORDER BY column. Terms
// that name no property are passed to GORM unchanged.
func orderBy(m *models.Model, term string) any {
	fields := strings.Fields(term)
	if len(fields) == 0 || len(fields) > 2 {
		return term
	}
	col, err := m.Column(fields[0])
	if err != nil {
		return term
	}
	desc := len(fields) == 2 && strings.EqualFold(fields[1], "desc")
	return clause.OrderByColumn{Column: clause.Column{Table: clause.CurrentTable, Name: col}, Desc: desc}
}

func applyOrder(db *gorm.DB, m *models.Model, order []string) *gorm.DB {
	for _, o := range order {
		db = db.Order(orderBy(m, o))
	}
	return db
}

func applyWhere(db *gorm.DB, where any, args []any) *gorm.DB {
	if where == nil {
		return db
	}
	return db.Where(where, args...)
}

// read runs fn against a query handle for T on the current session.
func read[T any](ctx context.Context, fn func(u *unit, db *gorm.DB) error) (err error) {
	u, err := begin(ctx, new(T))
	if err != nil {
		return err
	}
	defer func() { err = u.done(ctx, err) }()

	db, err := u.db(ctx)
	if err != nil {
		return err
	}
	return fn(u, db)
}

// Find loads the T with primary key id. ErrNotFound when there is none.
func Find[T any](ctx context.Context, id any) (*T, error) {
	var out *T
	err := read[T](ctx, func(u *unit, db *gorm.DB) error {
		cond, err := keyCondition(u.model, id)
		if err != nil {
			return err
		}
		v := new(T)
		if err := db.Where(cond).Take(v).Error; err != nil {
			return notFound(err, u.model.Name, id)
		}
		out = v
		return nil
	})
	return out, err
}

// TryFind is Find returning nil instead of ErrNotFound.
func TryFind[T any](ctx context.Context, id any) (*T, error) {
	v, err := Find[T](ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return v, err
}

// FindAll loads every T. Order entries are property names, optionally
// followed by asc or desc.
func FindAll[T any](ctx context.Context, order ...string) ([]*T, error) {
	var out []*T
	err := read[T](ctx, func(u *unit, db *gorm.DB) error {
		return applyOrder(db, u.model, order).Find(&out).Error
	})
	return out, err
}

// FindAllByProperty loads every T whose property equals value. A nil value
// matches NULL.
func FindAllByProperty[T any](ctx context.Context, property string, value any, order ...string) ([]*T, error) {
	var out []*T
	err := read[T](ctx, func(u *unit, db *gorm.DB) error {
		col, err := u.model.Column(property)
		if err != nil {
			return err
		}
		db = db.Where(clause.Eq{Column: clause.Column{Table: clause.CurrentTable, Name: col}, Value: value})
		return applyOrder(db, u.model, order).Find(&out).Error
	})
	return out, err
}

// FindFirst returns the first T matching where, or nil when nothing matches.
func FindFirst[T any](ctx context.Context, where any, args ...any) (*T, error) {
	var out *T
	err := read[T](ctx, func(u *unit, db *gorm.DB) error {
		var list []*T
		if err := applyWhere(db, where, args).Limit(1).Find(&list).Error; err != nil {
			return err
		}
		if len(list) > 0 {
			out = list[0]
		}
		return nil
	})
	return out, err
}

// FindOne returns the only T matching where, nil when nothing matches and
// ErrNotUnique when more than one does.
func FindOne[T any](ctx context.Context, where any, args ...any) (*T, error) {
	var out *T
	err := read[T](ctx, func(u *unit, db *gorm.DB) error {
		var list []*T
		if err := applyWhere(db, where, args).Limit(2).Find(&list).Error; err != nil {
			return err
		}
		switch len(list) {
		case 0:
			return nil
		case 1:
			out = list[0]
			return nil
		}
		return fmt.Errorf("%w: %s", ErrNotUnique, u.model.Name)
	})
	return out, err
}

// SlicedFindAll returns at most maxResults rows matching where, skipping the first
// first rows.
func SlicedFindAll[T any](ctx context.Context, first, maxResults int, where any, args ...any) ([]*T, error) {
	var out []*T
	err := read[T](ctx, func(u *unit, db *gorm.DB) error {
		return applyWhere(db, where, args).Offset(first).Limit(maxResults).Find(&out).Error
	})
	return out, err
}

// Exists reports whether a T with primary key id exists.
func Exists[T any](ctx context.Context, id any) (bool, error) {
	var n int64
	err := read[T](ctx, func(u *unit, db *gorm.DB) error {
		cond, err := keyCondition(u.model, id)
		if err != nil {
			return err
		}
		return db.Where(cond).Count(&n).Error
	})
	return n > 0, err
}

// Count counts T rows. An optional condition and its arguments narrow it.
func Count[T any](ctx context.Context, where ...any) (int64, error) {
	var n int64
	err := read[T](ctx, func(u *unit, db *gorm.DB) error {
		if len(where) > 0 {
			db = applyWhere(db, where[0], where[1:])
		}
		return db.Count(&n).Error
	})
	return n, err
}

// Execute hands fn a handle on T's table within the current session, after
// pending work has been flushed.
func Execute[T any](ctx context.Context, fn func(db *gorm.DB) error) error {
	return read[T](ctx, func(_ *unit, db *gorm.DB) error {
		return fn(db)
	})
}
