package blog

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/recordkit/pkg/record"
	"github.com/thebtf/recordkit/pkg/scope"
)

// DemoResult is what the nested scope demo left in the database.
type DemoResult struct {
	Blog             *Blog   `json:"blog"`
	Posts            []*Post `json:"posts"`
	Comments         int64   `json:"comments"`
	DraftCommitted   bool    `json:"draft_committed"`
	ReleaseCommitted bool    `json:"release_committed"`
}

// DemoBlogName returns a blog name that does not collide with earlier runs.
func DemoBlogName() string {
	return "demo-" + uuid.NewString()[:8]
}

// Demo runs a session scope holding two transactions. The first joins the
// session and votes rollback, so its draft post disappears. The second is
// independent and commits a published post with a tag and a comment. The
// blog is only queued in the session; the draft transaction writes it when it
// begins, so it survives the rollback.
func Demo(ctx context.Context, e *record.Engine, name string) (*DemoResult, error) {
	ctx = record.WithEngine(ctx, e)
	res := &DemoResult{}

	outerCtx, outer := e.SessionScope(ctx, scope.WithFlush(scope.FlushAuto))
	if err := demoRun(outerCtx, e, name, res); err != nil {
		outer.MarkFailed(err)
		_ = outer.Dispose(outerCtx)
		return nil, err
	}
	if err := outer.Dispose(outerCtx); err != nil {
		return nil, fmt.Errorf("dispose outer scope: %w", err)
	}

	posts, err := record.FindAllByProperty[Post](scope.Detach(ctx), "BlogID", res.Blog.ID, "ID")
	if err != nil {
		return nil, err
	}
	res.Posts = posts

	for _, p := range posts {
		n, err := record.Count[Comment](scope.Detach(ctx), "post_id = ?", p.ID)
		if err != nil {
			return nil, err
		}
		res.Comments += n
	}

	log.Info().
		Str("blog", name).
		Int("posts", len(res.Posts)).
		Int64("comments", res.Comments).
		Bool("draft_committed", res.DraftCommitted).
		Bool("release_committed", res.ReleaseCommitted).
		Msg("Demo finished")
	return res, nil
}

func demoRun(ctx context.Context, e *record.Engine, name string, res *DemoResult) error {
	b := &Blog{Name: name, Author: "recordctl"}
	if err := record.Save(ctx, b); err != nil {
		return fmt.Errorf("save blog: %w", err)
	}
	res.Blog = b

	draftCtx, draft := e.TransactionScope(ctx)
	draft.OnCompleted(func(committed bool) { res.DraftCommitted = committed })
	if err := record.Save(draftCtx, &Post{Blog: b, Title: "Draft", Body: "not ready"}); err != nil {
		_ = draft.Dispose(draftCtx)
		return err
	}
	if err := draft.VoteRollback(); err != nil {
		_ = draft.Dispose(draftCtx)
		return err
	}
	if err := draft.Dispose(draftCtx); err != nil {
		return fmt.Errorf("dispose draft transaction: %w", err)
	}

	return e.RunTransaction(ctx, func(ctx context.Context) error {
		scope.Current(ctx).OnCompleted(func(committed bool) { res.ReleaseCommitted = committed })

		tag, err := record.FindOne[Tag](ctx, "name = ?", "release")
		if err != nil {
			return err
		}
		if tag == nil {
			tag = &Tag{Name: "release"}
		}
		post := &Post{
			Blog:      b,
			Title:     "Release",
			Body:      "recordkit scopes in action",
			Published: true,
			Tags:      []Tag{*tag},
			Comments:  []Comment{{Author: "reviewer", Body: "ship it"}},
		}
		return record.Save(ctx, post)
	}, scope.WithMode(scope.ModeNew))
}
