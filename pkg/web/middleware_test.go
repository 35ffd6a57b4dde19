package web

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebtf/recordkit/internal/config"
	"github.com/thebtf/recordkit/pkg/record"
	"github.com/thebtf/recordkit/pkg/scope"
)

type visit struct {
	ID   int64 `gorm:"primaryKey;autoIncrement"`
	Path string
}

func testEngine(t *testing.T) (context.Context, *record.Engine) {
	t.Helper()
	ctx := context.Background()

	cfg := &config.Config{
		DataSources: map[string]config.DataSource{
			config.DefaultKey: {
				Driver:   config.DriverSQLite,
				DSN:      filepath.Join(t.TempDir(), "web.db") + "?_journal_mode=WAL&_busy_timeout=5000",
				MaxConns: 4,
				LogLevel: "silent",
			},
		},
		DefaultFlush:     config.FlushAuto,
		DefaultOnDispose: config.OnDisposeCommit,
	}
	e, err := record.New(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	require.NoError(t, e.Register(config.DefaultKey, &visit{}))
	require.NoError(t, e.CreateSchema(ctx))
	return record.WithEngine(ctx, e), e
}

// recordVisit saves a visit and answers with status.
func recordVisit(t *testing.T, status int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		require.NotNil(t, Scope(r))
		if err := record.Save(r.Context(), &visit{Path: r.URL.Path}); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(status)
	}
}

func visits(t *testing.T, ctx context.Context) int64 {
	t.Helper()
	n, err := record.Count[visit](ctx)
	require.NoError(t, err)
	return n
}

func serve(h http.Handler, method, path string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(method, path, nil))
	return rr
}

func TestTransactionScope_StatusDecides(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   int64
	}{
		{"created commits", http.StatusCreated, 1},
		{"redirect commits", http.StatusSeeOther, 1},
		{"client error rolls back", http.StatusConflict, 0},
		{"server error rolls back", http.StatusBadGateway, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, e := testEngine(t)
			h := TransactionScope(e)(recordVisit(t, tt.status))

			rr := serve(h, http.MethodPost, "/visits")
			assert.Equal(t, tt.status, rr.Code)
			assert.Equal(t, tt.want, visits(t, ctx))
		})
	}
}

func TestTransactionScope_HandlerVoteWins(t *testing.T) {
	ctx, e := testEngine(t)
	h := TransactionScope(e)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, record.Save(r.Context(), &visit{Path: "dry-run"}))
		require.NoError(t, Scope(r).VoteRollback())
		w.WriteHeader(http.StatusOK)
	}))

	rr := serve(h, http.MethodPost, "/dry-run")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Zero(t, visits(t, ctx))
}

func TestTransactionScope_ImplicitOK(t *testing.T) {
	ctx, e := testEngine(t)
	h := TransactionScope(e)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, record.Save(r.Context(), &visit{Path: r.URL.Path}))
		_, _ = w.Write([]byte("ok"))
	}))

	rr := serve(h, http.MethodGet, "/implicit")
	assert.Equal(t, "ok", rr.Body.String())
	assert.Equal(t, int64(1), visits(t, ctx))
}

func TestSessionScope_FlushesOrDiscards(t *testing.T) {
	ctx, e := testEngine(t)
	r := chi.NewRouter()
	r.Use(SessionScope(e))
	r.Post("/ok", recordVisit(t, http.StatusAccepted))
	r.Post("/broken", recordVisit(t, http.StatusServiceUnavailable))
	r.Post("/missing", recordVisit(t, http.StatusNotFound))

	assert.Equal(t, http.StatusAccepted, serve(r, http.MethodPost, "/ok").Code)
	assert.Equal(t, int64(1), visits(t, ctx))

	assert.Equal(t, http.StatusServiceUnavailable, serve(r, http.MethodPost, "/broken").Code)
	assert.Equal(t, int64(1), visits(t, ctx))

	// Only server errors fail a session scope.
	assert.Equal(t, http.StatusNotFound, serve(r, http.MethodPost, "/missing").Code)
	assert.Equal(t, int64(2), visits(t, ctx))
}

func TestTransactionScope_PanicRollsBack(t *testing.T) {
	ctx, e := testEngine(t)

	var seen *scope.Scope
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(TransactionScope(e))
	r.Post("/panic", func(w http.ResponseWriter, r *http.Request) {
		seen = Scope(r)
		require.NoError(t, record.Save(r.Context(), &visit{Path: "never"}))
		require.NoError(t, record.Flush(r.Context()))
		panic("handler blew up")
	})

	rr := serve(r, http.MethodPost, "/panic")
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	require.NotNil(t, seen)
	assert.True(t, seen.Failed())
	assert.True(t, seen.Disposed())
	assert.Zero(t, visits(t, ctx))
}

func TestMiddleware_RequestsAreIndependent(t *testing.T) {
	ctx, e := testEngine(t)

	var scopes []*scope.Scope
	h := SessionScope(e, scope.WithFlush(scope.FlushAuto))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s := Scope(r)
		assert.Nil(t, s.Parent())
		scopes = append(scopes, s)
		w.WriteHeader(http.StatusNoContent)
	}))

	serve(h, http.MethodGet, "/a")
	serve(h, http.MethodGet, "/b")
	require.Len(t, scopes, 2)
	assert.NotEqual(t, scopes[0].ID(), scopes[1].ID())
	assert.Nil(t, scope.Current(ctx))
}
