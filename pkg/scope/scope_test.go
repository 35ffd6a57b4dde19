package scope

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestSessionScope_NestedReuseSession(t *testing.T) {
	f := newTestFactory(t)
	ctx, root := NewSessionScope(context.Background(), f)
	assert.Same(t, root, Current(ctx))
	assert.Nil(t, root.Parent())

	// Sessions are opened lazily.
	assert.Equal(t, int32(0), f.opened.Load())

	rootSess, err := root.Session(ctx, "default")
	require.NoError(t, err)

	ctx, child := NewSessionScope(ctx, nil)
	assert.Same(t, root, child.Parent())
	assert.Same(t, f, child.Factory())
	assert.Equal(t, 2, FromContext(ctx).Depth())

	childSess, err := child.Session(ctx, "default")
	require.NoError(t, err)
	assert.Same(t, rootSess, childSess)
	assert.Equal(t, int32(1), f.opened.Load())

	require.NoError(t, child.Dispose(ctx))
	assert.False(t, rootSess.Closed())
	require.NoError(t, root.Dispose(ctx))
	assert.True(t, rootSess.Closed())
	assert.Nil(t, Current(ctx))
}

func TestSessionScope_ChildOwnsWhatItOpens(t *testing.T) {
	f := newTestFactory(t)
	ctx, root := NewSessionScope(context.Background(), f)
	ctx, child := NewSessionScope(ctx, nil)

	// Nothing above the child knows the key, so the child opens and owns it.
	childSess, err := child.Session(ctx, "default")
	require.NoError(t, err)
	require.NoError(t, childSess.Enqueue(createOp(&widget{Name: "a"})))
	require.NoError(t, child.Dispose(ctx))
	assert.True(t, childSess.Closed())
	assert.Equal(t, int64(1), f.count(t, "default"))

	rootSess, err := root.Session(ctx, "default")
	require.NoError(t, err)
	assert.NotSame(t, childSess, rootSess)
	assert.Equal(t, int32(2), f.opened.Load())
	require.NoError(t, root.Dispose(ctx))
}

func TestSessionScope_FlushOnDispose(t *testing.T) {
	f := newTestFactory(t)
	ctx, s := NewSessionScope(context.Background(), f)

	sess, err := s.Session(ctx, "default")
	require.NoError(t, err)
	require.NoError(t, sess.Enqueue(createOp(&widget{Name: "a"})))
	assert.Equal(t, int64(0), f.count(t, "default"))

	var committed bool
	s.OnCompleted(func(ok bool) { committed = ok })
	require.NoError(t, s.Dispose(ctx))
	assert.True(t, committed)
	assert.Equal(t, int64(1), f.count(t, "default"))
}

func TestSessionScope_NeverDiscardsOnDispose(t *testing.T) {
	f := newTestFactory(t)
	ctx, s := NewSessionScope(context.Background(), f, WithFlush(FlushNever))
	assert.Equal(t, FlushNever, s.FlushAction())

	sess, err := s.Session(ctx, "default")
	require.NoError(t, err)
	require.NoError(t, sess.Enqueue(createOp(&widget{Name: "a"})))
	require.NoError(t, s.Dispose(ctx))
	assert.Equal(t, int64(0), f.count(t, "default"))
}

func TestScope_FlushActionInheritedAndRestored(t *testing.T) {
	f := newTestFactory(t)
	f.flush = FlushNever

	ctx, root := NewSessionScope(context.Background(), f)
	assert.Equal(t, FlushNever, root.FlushAction())

	sess, err := root.Session(ctx, "default")
	require.NoError(t, err)

	ctx, inherit := NewSessionScope(ctx, nil)
	assert.Equal(t, FlushNever, inherit.FlushAction())

	ctx, override := NewSessionScope(ctx, nil, WithFlush(FlushAuto))
	_, err = override.Session(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, FlushAuto, sess.FlushAction())

	// Work queued under the Auto override is flushed before the restore.
	require.NoError(t, sess.Enqueue(createOp(&widget{Name: "a"})))
	require.NoError(t, override.Dispose(ctx))
	assert.Equal(t, FlushNever, sess.FlushAction())
	assert.Equal(t, 0, sess.Pending())
	assert.Equal(t, int64(1), f.count(t, "default"))

	require.NoError(t, inherit.Dispose(ctx))
	require.NoError(t, root.Dispose(ctx))
}

func TestScope_FlushConfigUsesFactoryDefault(t *testing.T) {
	f := newTestFactory(t)
	f.flush = FlushNever

	ctx, root := NewSessionScope(context.Background(), f, WithFlush(FlushAuto))
	ctx, child := NewSessionScope(ctx, nil, WithFlush(FlushConfig))
	assert.Equal(t, FlushNever, child.FlushAction())

	require.NoError(t, child.Dispose(ctx))
	require.NoError(t, root.Dispose(ctx))
}

func TestScope_DisposeOrder(t *testing.T) {
	f := newTestFactory(t)
	ctx, root := NewSessionScope(context.Background(), f)
	ctx, child := NewSessionScope(ctx, nil)

	assert.ErrorIs(t, root.Dispose(ctx), ErrNotCurrent)
	assert.False(t, root.Disposed())

	require.NoError(t, child.Dispose(ctx))
	require.NoError(t, child.Dispose(ctx))
	require.NoError(t, root.Dispose(ctx))
	assert.True(t, root.Disposed())

	_, err := root.Session(ctx, "default")
	assert.ErrorIs(t, err, ErrDisposed)
	assert.ErrorIs(t, root.Flush(ctx), ErrDisposed)
}

func TestScope_NoFactory(t *testing.T) {
	ctx, s := NewSessionScope(context.Background(), nil)
	_, err := s.Session(ctx, "default")
	assert.ErrorIs(t, err, ErrNoFactory)
	require.NoError(t, s.Dispose(ctx))
}

func TestScope_UnknownKey(t *testing.T) {
	f := newTestFactory(t)
	ctx, s := NewSessionScope(context.Background(), f)
	_, err := s.Session(ctx, "missing")
	assert.Error(t, err)
	require.NoError(t, s.Dispose(ctx))
}

func TestScope_WithConnectionPins(t *testing.T) {
	f := newTestFactory(t, "default", "other")
	ctx, root := NewSessionScope(context.Background(), f)
	rootSess, err := root.Session(ctx, "default")
	require.NoError(t, err)

	ctx, pinned := NewSessionScope(ctx, nil, WithConnection("default", f.stores["other"].DB))
	ctx, inner := NewSessionScope(ctx, nil)

	innerSess, err := inner.Session(ctx, "default")
	require.NoError(t, err)
	assert.NotSame(t, rootSess, innerSess)

	pinnedSess, err := pinned.Session(ctx, "default")
	require.NoError(t, err)
	assert.Same(t, pinnedSess, innerSess)

	require.NoError(t, innerSess.Enqueue(createOp(&widget{Name: "elsewhere"})))
	require.NoError(t, inner.Dispose(ctx))
	require.NoError(t, pinned.Dispose(ctx))
	require.NoError(t, root.Dispose(ctx))

	assert.Equal(t, int64(1), f.count(t, "other"))
	assert.Equal(t, int64(0), f.count(t, "default"))
}

func TestScope_FlushMarksFailed(t *testing.T) {
	f := newTestFactory(t)
	ctx, s := NewSessionScope(context.Background(), f)

	sess, err := s.Session(ctx, "default")
	require.NoError(t, err)
	require.NoError(t, sess.Enqueue(Operation{Kind: OpExec, Apply: func(db *gorm.DB) error {
		return db.Exec("INSERT INTO nowhere VALUES (1)").Error
	}}))

	require.Error(t, s.Flush(ctx))
	assert.True(t, s.Failed())
	assert.Error(t, s.Err())

	var committed = true
	s.OnCompleted(func(ok bool) { committed = ok })
	require.NoError(t, s.Dispose(ctx))
	assert.False(t, committed)
}

func TestSessionScope_FailedChildKeepsParentWork(t *testing.T) {
	f := newTestFactory(t)
	ctx, outer := NewSessionScope(context.Background(), f)
	sess, err := outer.Session(ctx, "default")
	require.NoError(t, err)
	require.NoError(t, sess.Enqueue(createOp(&widget{Name: "outer"})))

	childCtx, child := NewSessionScope(ctx, nil)
	childSess, err := child.Session(childCtx, "default")
	require.NoError(t, err)
	require.NoError(t, childSess.Enqueue(createOp(&widget{Name: "child"})))
	child.MarkFailed(errors.New("child failed"))
	require.NoError(t, child.Dispose(childCtx))

	assert.Equal(t, 1, sess.Pending())
	assert.False(t, outer.Failed())
	require.NoError(t, outer.Dispose(ctx))
	assert.Equal(t, int64(1), f.count(t, "default"))
}

func TestDetach(t *testing.T) {
	f := newTestFactory(t)
	type key struct{}
	base := context.WithValue(context.Background(), key{}, "v")
	ctx, s := NewSessionScope(base, f)
	defer s.Dispose(ctx)

	detached := Detach(ctx)
	assert.Nil(t, Current(detached))
	assert.Nil(t, FromContext(detached))
	assert.Equal(t, "v", detached.Value(key{}))
	assert.Same(t, s, Current(ctx))

	cctx, cancel := context.WithCancel(ctx)
	d := Detach(cctx)
	cancel()
	<-d.Done()
	assert.True(t, errors.Is(d.Err(), context.Canceled))
}
