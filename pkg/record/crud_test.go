package record

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebtf/recordkit/pkg/models"
	"github.com/thebtf/recordkit/pkg/scope"
)

func TestCRUD_WithoutScope(t *testing.T) {
	ctx, _ := testEngine(t)

	p := &Person{Name: "ada", Age: 36}
	require.NoError(t, Save(ctx, p))
	require.NotZero(t, p.ID, "implicit sessions flush before returning")

	got, err := Find[Person](ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "ada", got.Name)
	assert.False(t, got.CreatedAt.IsZero())

	got.Name = "ada lovelace"
	require.NoError(t, Save(ctx, got))
	again, err := Find[Person](ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "ada lovelace", again.Name)

	again.Age = 37
	require.NoError(t, Update(ctx, again))
	n, err := Count[Person](ctx, "age = ?", 37)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, Delete(ctx, again))
	_, err = Find[Person](ctx, p.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	missing, err := TryFind[Person](ctx, p.ID)
	require.NoError(t, err)
	assert.Nil(t, missing)

	// Soft-deleted rows are still there.
	n, err = From[Person](ctx).Unscoped().Count()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestCRUD_CreateAndFlushVariants(t *testing.T) {
	ctx, e := testEngine(t)
	ctx, s := e.SessionScope(ctx)

	p := &Person{Name: "grace"}
	require.NoError(t, CreateAndFlush(ctx, p))
	assert.NotZero(t, p.ID)

	p.Email = "grace@example.com"
	require.NoError(t, UpdateAndFlush(ctx, p))

	q := &Person{Name: "edsger"}
	require.NoError(t, SaveAndFlush(ctx, q))
	assert.NotZero(t, q.ID)

	require.NoError(t, DeleteAndFlush(ctx, q))
	require.NoError(t, s.Dispose(ctx))

	got, err := Find[Person](scope.Detach(ctx), p.ID)
	require.NoError(t, err)
	assert.Equal(t, "grace@example.com", got.Email)

	ok, err := Exists[Person](scope.Detach(ctx), q.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCRUD_ScopeDefersWritesUntilQuery(t *testing.T) {
	ctx, e := testEngine(t)
	ctx, s := e.SessionScope(ctx)

	p := &Person{Name: "ada"}
	require.NoError(t, Save(ctx, p))
	assert.Zero(t, p.ID, "writes wait for a flush inside a scope")

	n, err := Count[Person](ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.NotZero(t, p.ID)

	require.NoError(t, s.Dispose(ctx))
}

func TestCRUD_NeverFlushWaitsForExplicitFlush(t *testing.T) {
	ctx, e := testEngine(t)
	ctx, s := e.SessionScope(ctx, scope.WithFlush(scope.FlushNever))

	require.NoError(t, Save(ctx, &Person{Name: "ada"}))
	n, err := Count[Person](ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	require.NoError(t, Flush(ctx))
	n, err = Count[Person](ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, s.Dispose(ctx))
	assert.NoError(t, Flush(ctx))
}

func TestCRUD_TransientValues(t *testing.T) {
	ctx, e := testEngine(t)
	ctx, s := e.SessionScope(ctx)
	defer s.Dispose(ctx)

	assert.ErrorIs(t, Update(ctx, &Person{Name: "x"}), ErrTransient)
	assert.ErrorIs(t, Delete(ctx, &Person{Name: "x"}), ErrTransient)
	assert.False(t, s.Failed())

	var nilPerson *Person
	assert.Error(t, Save(ctx, nilPerson))
	assert.ErrorIs(t, Save(ctx, &struct{ ID int }{}), models.ErrNotRegistered)
}

func TestCRUD_UpdateMissingRowFailsScope(t *testing.T) {
	ctx, e := testEngine(t)
	ctx, s := e.SessionScope(ctx)

	require.NoError(t, Update(ctx, &Person{ID: 999, Name: "ghost"}))
	err := Flush(ctx)
	require.Error(t, err)
	assert.True(t, s.Failed())
	require.NoError(t, s.Dispose(ctx))
}

func TestCRUD_NotFoundKeepsScopeHealthy(t *testing.T) {
	ctx, e := testEngine(t)
	ctx, s := e.TransactionScope(ctx)

	_, err := Find[Person](ctx, 42)
	require.ErrorIs(t, err, ErrNotFound)
	assert.False(t, s.Failed())
	assert.False(t, s.IsRollbackOnly())

	require.NoError(t, Save(ctx, &Person{Name: "kept"}))
	require.NoError(t, s.Dispose(ctx))

	n, err := Count[Person](scope.Detach(ctx))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestCRUD_Refresh(t *testing.T) {
	ctx, _ := testEngine(t)
	p := seed(t, ctx, Person{Name: "ada", Age: 36})[0]

	p.Name = "changed locally"
	require.NoError(t, Refresh(ctx, p))
	assert.Equal(t, "ada", p.Name)

	gone := &Person{ID: 404}
	assert.ErrorIs(t, Refresh(ctx, gone), ErrNotFound)
}

func TestCRUD_DeleteAll(t *testing.T) {
	ctx, _ := testEngine(t)
	seed(t, ctx, Person{Name: "a", Age: 10}, Person{Name: "b", Age: 20}, Person{Name: "c", Age: 30})

	n, err := DeleteAll[Person](ctx, "age < ?", 25)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = DeleteAll[Person](ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	left, err := Count[Person](ctx)
	require.NoError(t, err)
	assert.Zero(t, left)
}

func TestTransaction_RollbackDiscardsWrites(t *testing.T) {
	ctx, e := testEngine(t)

	txCtx, tx := e.TransactionScope(ctx)
	require.NoError(t, Save(txCtx, &Person{Name: "doomed"}))
	require.NoError(t, Flush(txCtx))
	require.NoError(t, tx.VoteRollback())
	require.NoError(t, tx.Dispose(txCtx))

	n, err := Count[Person](ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestTransaction_RunHelpers(t *testing.T) {
	ctx, e := testEngine(t)

	err := e.RunTransaction(ctx, func(ctx context.Context) error {
		return Save(ctx, &Person{Name: "committed"})
	})
	require.NoError(t, err)

	boom := errors.New("boom")
	err = e.RunTransaction(ctx, func(ctx context.Context) error {
		if err := Save(ctx, &Person{Name: "rolled back"}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	err = e.Run(ctx, func(ctx context.Context) error {
		people, err := FindAll[Person](ctx)
		if err != nil {
			return err
		}
		assert.Len(t, people, 1)
		assert.Equal(t, "committed", people[0].Name)
		return nil
	})
	require.NoError(t, err)
}

func TestTransaction_NestedModes(t *testing.T) {
	ctx, e := testEngine(t)

	outerCtx, outer := e.TransactionScope(ctx)
	require.NoError(t, Save(outerCtx, &Person{Name: "outer"}))

	// Joined scope: its rollback vote dooms the outer transaction.
	joinedCtx, joined := e.TransactionScope(outerCtx)
	require.NoError(t, Save(joinedCtx, &Person{Name: "joined"}))
	require.NoError(t, joined.VoteRollback())
	require.NoError(t, joined.Dispose(joinedCtx))
	assert.True(t, outer.IsRollbackOnly())

	// Independent scope: commits on its own session.
	newCtx, independent := e.TransactionScope(outerCtx, scope.WithMode(scope.ModeNew))
	require.NoError(t, Save(newCtx, &Person{Name: "independent"}))
	require.NoError(t, independent.Dispose(newCtx))

	require.NoError(t, outer.Dispose(outerCtx))

	people, err := FindAll[Person](ctx, "Name")
	require.NoError(t, err)
	require.Len(t, people, 1)
	assert.Equal(t, "independent", people[0].Name)
}

func TestCRUD_InnerRollbackKeepsOuterWork(t *testing.T) {
	ctx, e := testEngine(t)
	outerCtx, outer := e.SessionScope(ctx)
	require.NoError(t, Save(outerCtx, &Person{Name: "outer"}))

	txCtx, tx := e.TransactionScope(outerCtx)
	require.NoError(t, Save(txCtx, &Person{Name: "inner"}))
	require.NoError(t, tx.VoteRollback())
	require.NoError(t, tx.Dispose(txCtx))
	require.NoError(t, outer.Dispose(outerCtx))

	var names []string
	require.NoError(t, From[Person](scope.Detach(ctx)).Pluck("name", &names))
	assert.Equal(t, []string{"outer"}, names)
}

func TestCRUD_FailedChildKeepsTransactionWork(t *testing.T) {
	ctx, e := testEngine(t)
	txCtx, tx := e.TransactionScope(ctx)
	require.NoError(t, Save(txCtx, &Person{Name: "tx-own"}))

	childCtx, child := e.SessionScope(txCtx)
	require.NoError(t, Save(childCtx, &Person{Name: "child"}))
	child.MarkFailed(errors.New("child failed"))
	require.NoError(t, child.Dispose(childCtx))

	require.NoError(t, Save(txCtx, &Person{Name: "tx-after"}))
	require.NoError(t, tx.Dispose(txCtx))
	assert.False(t, tx.Failed())

	n, err := Count[Person](scope.Detach(ctx))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	n, err = Count[Person](scope.Detach(ctx), "name = ?", "child")
	require.NoError(t, err)
	assert.Zero(t, n)
}
