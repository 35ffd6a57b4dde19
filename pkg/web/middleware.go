// Package web opens a recordkit scope per HTTP request.
//
// Both middlewares work with any net/http router; with chi they are mounted
// through Use:
//
//	r := chi.NewRouter()
//	r.Use(web.TransactionScope(engine))
package web

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/recordkit/pkg/record"
	"github.com/thebtf/recordkit/pkg/scope"
)

// SessionScope opens a session scope around each request. The scope is
// marked failed when the handler panics or answers with a 5xx status, so
// its pending writes are discarded instead of flushed.
func SessionScope(e *record.Engine, opts ...scope.Option) func(http.Handler) http.Handler {
	return wrap(e, scope.KindSession, opts)
}

// TransactionScope opens a transaction scope around each request. A status
// below 400 votes commit and anything else votes rollback. Handlers may vote
// themselves; the middleware only votes when the scope has no vote yet.
func TransactionScope(e *record.Engine, opts ...scope.Option) func(http.Handler) http.Handler {
	return wrap(e, scope.KindTransaction, opts)
}

// Scope returns the scope the middleware opened for r, or nil.
func Scope(r *http.Request) *scope.Scope {
	return scope.Current(r.Context())
}

func wrap(e *record.Engine, kind scope.Kind, opts []scope.Option) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := record.WithEngine(r.Context(), e)

			var s *scope.Scope
			if kind == scope.KindTransaction {
				ctx, s = e.TransactionScope(ctx, opts...)
			} else {
				ctx, s = e.SessionScope(ctx, opts...)
			}

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			defer func() {
				if rec := recover(); rec != nil {
					s.MarkFailed(fmt.Errorf("web: panic in %s %s: %v", r.Method, r.URL.Path, rec))
					dispose(ctx, s, r, http.StatusInternalServerError)
					panic(rec)
				}
				status := ww.Status()
				if status == 0 {
					status = http.StatusOK
				}
				settle(s, status)
				dispose(ctx, s, r, status)
			}()

			next.ServeHTTP(ww, r.WithContext(ctx))
		})
	}
}

// settle records the outcome a response status implies.
func settle(s *scope.Scope, status int) {
	if s.Kind() == scope.KindSession {
		if status >= http.StatusInternalServerError {
			s.MarkFailed(fmt.Errorf("web: response status %d", status))
		}
		return
	}
	if s.Vote() != scope.VoteUnset {
		return
	}
	if status < http.StatusBadRequest {
		if err := s.VoteCommit(); err != nil {
			log.Debug().Err(err).Str("scope", s.ID()).Msg("Commit vote refused")
		}
		return
	}
	_ = s.VoteRollback()
}

func dispose(ctx context.Context, s *scope.Scope, r *http.Request, status int) {
	if err := s.Dispose(ctx); err != nil {
		log.Error().
			Err(err).
			Str("scope", s.ID()).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Msg("Request scope dispose failed")
	}
}
