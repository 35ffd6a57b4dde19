package record

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/thebtf/recordkit/pkg/scope"
)

// Save inserts v when it has never been saved and updates it otherwise.
func Save[T any](ctx context.Context, v *T) error {
	return save(ctx, v, false)
}

// SaveAndFlush saves v and flushes its session immediately.
func SaveAndFlush[T any](ctx context.Context, v *T) error {
	return save(ctx, v, true)
}

// Create inserts v.
func Create[T any](ctx context.Context, v *T) error {
	return write(ctx, v, scope.OpCreate, false)
}

// CreateAndFlush inserts v and flushes immediately.
func CreateAndFlush[T any](ctx context.Context, v *T) error {
	return write(ctx, v, scope.OpCreate, true)
}

// Update writes every column of v. ErrTransient if v was never saved.
func Update[T any](ctx context.Context, v *T) error {
	return write(ctx, v, scope.OpUpdate, false)
}

// UpdateAndFlush updates v and flushes immediately.
func UpdateAndFlush[T any](ctx context.Context, v *T) error {
	return write(ctx, v, scope.OpUpdate, true)
}

// Delete removes v, softly when the model has a gorm.DeletedAt field.
// ErrTransient if v was never saved.
func Delete[T any](ctx context.Context, v *T) error {
	return write(ctx, v, scope.OpDelete, false)
}

// DeleteAndFlush deletes v and flushes immediately.
func DeleteAndFlush[T any](ctx context.Context, v *T) error {
	return write(ctx, v, scope.OpDelete, true)
}

func save[T any](ctx context.Context, v *T, flush bool) error {
	if v == nil {
		return fmt.Errorf("record: save nil %T", v)
	}
	_, m, err := lookup(ctx, v)
	if err != nil {
		return err
	}
	isNew, err := m.IsNew(ctx, v)
	if err != nil {
		return err
	}
	kind := scope.OpSave
	if isNew {
		kind = scope.OpCreate
	}
	return write(ctx, v, kind, flush)
}

func write[T any](ctx context.Context, v *T, kind scope.OpKind, flush bool) (err error) {
	if v == nil {
		return fmt.Errorf("record: %s nil %T", kind, v)
	}
	e, m, err := lookup(ctx, v)
	if err != nil {
		return err
	}
	if kind == scope.OpUpdate || kind == scope.OpDelete {
		isNew, err := m.IsNew(ctx, v)
		if err != nil {
			return err
		}
		if isNew {
			return fmt.Errorf("%w: %s %s", ErrTransient, kind, m.Name)
		}
	}

	u, err := open(ctx, e, m)
	if err != nil {
		return err
	}
	defer func() { err = u.done(ctx, err) }()

	if err := u.sess.Enqueue(operation(v, kind)); err != nil {
		return err
	}
	if flush {
		return u.sess.Flush(ctx)
	}
	return nil
}

func operation[T any](v *T, kind scope.OpKind) scope.Operation {
	op := scope.Operation{Kind: kind, Value: v}
	switch kind {
	case scope.OpCreate:
		op.Apply = func(db *gorm.DB) error { return db.Create(v).Error }
	case scope.OpSave:
		op.Apply = func(db *gorm.DB) error { return db.Save(v).Error }
	case scope.OpUpdate:
		op.Apply = func(db *gorm.DB) error {
			res := db.Model(v).Select("*").Updates(v)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return fmt.Errorf("update %T: %w", v, gorm.ErrRecordNotFound)
			}
			return nil
		}
	case scope.OpDelete:
		op.Apply = func(db *gorm.DB) error { return db.Delete(v).Error }
	}
	return op
}

// DeleteAll deletes every T matching where, immediately and without loading
// the rows. A nil where deletes all rows. It returns the number deleted.
func DeleteAll[T any](ctx context.Context, where any, args ...any) (n int64, err error) {
	u, err := begin(ctx, new(T))
	if err != nil {
		return 0, err
	}
	defer func() { err = u.done(ctx, err) }()

	if err := u.sess.AutoFlush(ctx); err != nil {
		return 0, err
	}
	db := u.sess.DB(ctx)
	if where == nil {
		db = db.Session(&gorm.Session{AllowGlobalUpdate: true})
	} else {
		db = db.Where(where, args...)
	}
	res := db.Delete(new(T))
	return res.RowsAffected, res.Error
}

// Refresh reloads v from the database, discarding unsaved field changes.
func Refresh[T any](ctx context.Context, v *T) (err error) {
	if v == nil {
		return fmt.Errorf("record: refresh nil %T", v)
	}
	u, err := begin(ctx, v)
	if err != nil {
		return err
	}
	defer func() { err = u.done(ctx, err) }()

	id, err := u.model.PrimaryKeyValue(ctx, v)
	if err != nil {
		return err
	}
	cond, err := keyCondition(u.model, id)
	if err != nil {
		return err
	}
	db, err := u.db(ctx)
	if err != nil {
		return err
	}

	fresh := new(T)
	if err := db.Where(cond).Take(fresh).Error; err != nil {
		return notFound(err, u.model.Name, id)
	}
	*v = *fresh
	return nil
}
