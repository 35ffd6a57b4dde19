package scope

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
)

// Run executes fn inside a new session scope. An error or panic from fn marks
// the scope failed; the scope is disposed either way and a panic is re-raised
// afterwards.
func Run(ctx context.Context, f Factory, fn func(ctx context.Context) error, opts ...Option) error {
	ctx, s := NewSessionScope(ctx, f, opts...)
	return s.run(ctx, fn)
}

// RunTransaction executes fn inside a new transaction scope. When fn returns
// nil without voting, the scope votes commit.
func RunTransaction(ctx context.Context, f Factory, fn func(ctx context.Context) error, opts ...Option) error {
	ctx, s := NewTransactionScope(ctx, f, opts...)
	return s.run(ctx, fn)
}

func (s *Scope) run(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.MarkFailed(fmt.Errorf("panic: %v", r))
			if derr := s.Dispose(ctx); derr != nil {
				log.Error().Err(derr).Str("scope", s.id).Msg("Dispose after panic failed")
			}
			panic(r)
		}
	}()

	if err = fn(ctx); err != nil {
		s.MarkFailed(err)
	} else if s.kind == KindTransaction && s.Vote() == VoteUnset {
		// Already rollback-only: dispose rolls back without another error.
		_ = s.VoteCommit()
	}

	if derr := s.Dispose(ctx); derr != nil {
		err = errors.Join(err, derr)
	}
	return err
}
