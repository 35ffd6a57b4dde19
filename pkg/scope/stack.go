package scope

import (
	"context"
	"sync"
	"time"
)

// Stack is the ordered set of live scopes of one logical request.
type Stack struct {
	factory Factory
	scopes  []*Scope
	mu      sync.Mutex
}

// NewStack returns an empty stack whose scopes open sessions through f.
func NewStack(f Factory) *Stack {
	return &Stack{factory: f}
}

// Factory returns the factory scopes on this stack default to.
func (st *Stack) Factory() Factory {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.factory
}

// Current returns the top scope, or nil.
func (st *Stack) Current() *Scope {
	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.scopes) == 0 {
		return nil
	}
	return st.scopes[len(st.scopes)-1]
}

// Depth returns the number of live scopes.
func (st *Stack) Depth() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.scopes)
}

func (st *Stack) push(s *Scope) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.factory == nil {
		st.factory = s.factory
	}
	st.scopes = append(st.scopes, s)
}

func (st *Stack) pop(s *Scope) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.scopes) == 0 || st.scopes[len(st.scopes)-1] != s {
		return ErrNotCurrent
	}
	st.scopes[len(st.scopes)-1] = nil
	st.scopes = st.scopes[:len(st.scopes)-1]
	return nil
}

type stackKey struct{}

// WithStack returns a context carrying st.
func WithStack(ctx context.Context, st *Stack) context.Context {
	return context.WithValue(ctx, stackKey{}, st)
}

// FromContext returns the stack carried by ctx, or nil.
func FromContext(ctx context.Context) *Stack {
	if ctx == nil {
		return nil
	}
	st, _ := ctx.Value(stackKey{}).(*Stack)
	return st
}

// Current returns the current scope of ctx, or nil.
func Current(ctx context.Context) *Scope {
	if st := FromContext(ctx); st != nil {
		return st.Current()
	}
	return nil
}

// Detach returns a context with the same deadline, cancellation and values as
// ctx but without a scope stack. Work started on it, such as a goroutine that
// outlives the request, runs outside every scope of ctx.
func Detach(ctx context.Context) context.Context {
	return detached{parent: ctx}
}

type detached struct {
	parent context.Context
}

func (d detached) Deadline() (time.Time, bool) { return d.parent.Deadline() }
func (d detached) Done() <-chan struct{}       { return d.parent.Done() }
func (d detached) Err() error                  { return d.parent.Err() }

func (d detached) Value(key any) any {
	if _, ok := key.(stackKey); ok {
		return nil
	}
	return d.parent.Value(key)
}
