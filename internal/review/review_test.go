package review_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"forgeline/internal/app"
	"forgeline/internal/config"
	"forgeline/internal/db"
	"forgeline/internal/domain"
	"forgeline/internal/migrate"
	"forgeline/internal/repo"
	"forgeline/internal/review"
)

func newGate(t *testing.T) review.Gate {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	g := review.NewGate(conn)
	g.Now = func() time.Time { return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC) }
	if err := app.CreateProject(context.Background(), g.Repo, "proj-1", "", config.Default("proj-1"), "tester"); err != nil {
		t.Fatalf("create project: %v", err)
	}
	return g
}

func TestSubmitAndApprove(t *testing.T) {
	g := newGate(t)
	ctx := context.Background()

	rv, err := g.Submit(ctx, "proj-1", "requirements", "the requirements text", map[string]string{
		"requirements_stage_id": "stage-1",
	}, "tester")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if rv.Status != domain.ReviewPending {
		t.Fatalf("status = %q", rv.Status)
	}

	resolved, err := g.Approve(ctx, rv.ID, domain.Decision{Reason: "complete"}, "reviewer")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if resolved.Status != domain.ReviewApproved || resolved.Reason != "complete" {
		t.Fatalf("resolved = %+v", resolved)
	}
	if resolved.ResolvedAt == nil {
		t.Fatalf("resolved_at missing")
	}
	if resolved.Metadata["requirements_stage_id"] != "stage-1" {
		t.Fatalf("metadata = %v", resolved.Metadata)
	}
}

func TestResolveIsTerminal(t *testing.T) {
	g := newGate(t)
	ctx := context.Background()

	rv, err := g.Submit(ctx, "proj-1", "planning", "the plan", nil, "tester")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := g.Approve(ctx, rv.ID, domain.Decision{}, "reviewer"); err != nil {
		t.Fatalf("first approve: %v", err)
	}
	if _, err := g.Approve(ctx, rv.ID, domain.Decision{}, "reviewer"); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("second approve must fail, got %v", err)
	}
	if _, err := g.Reject(ctx, rv.ID, domain.Decision{Feedback: "no"}, "reviewer"); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("reject after approve must fail, got %v", err)
	}
}

func TestRejectRequiresFeedback(t *testing.T) {
	g := newGate(t)
	ctx := context.Background()

	rv, err := g.Submit(ctx, "proj-1", "stories", "the stories", nil, "tester")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := g.Reject(ctx, rv.ID, domain.Decision{Reason: "vague"}, "reviewer"); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("reject without feedback must fail, got %v", err)
	}
	resolved, err := g.Reject(ctx, rv.ID, domain.Decision{Feedback: "stories miss the admin flows"}, "reviewer")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if resolved.Status != domain.ReviewRejected || resolved.Feedback != "stories miss the admin flows" {
		t.Fatalf("resolved = %+v", resolved)
	}
}

func TestSubmitValidation(t *testing.T) {
	g := newGate(t)
	ctx := context.Background()

	if _, err := g.Submit(ctx, "proj-1", "requirements", "   ", nil, "tester"); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("empty content must fail, got %v", err)
	}
	if _, err := g.Submit(ctx, "proj-1", "deploy", "text", nil, "tester"); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("unknown service must fail, got %v", err)
	}
}

func TestListPendingOrder(t *testing.T) {
	g := newGate(t)
	ctx := context.Background()

	first, err := g.Submit(ctx, "proj-1", "requirements", "first", nil, "tester")
	if err != nil {
		t.Fatalf("submit first: %v", err)
	}
	second, err := g.Submit(ctx, "proj-1", "planning", "second", nil, "tester")
	if err != nil {
		t.Fatalf("submit second: %v", err)
	}
	third, err := g.Submit(ctx, "proj-1", "stories", "third", nil, "tester")
	if err != nil {
		t.Fatalf("submit third: %v", err)
	}
	if _, err := g.Approve(ctx, second.ID, domain.Decision{}, "reviewer"); err != nil {
		t.Fatalf("approve: %v", err)
	}

	pending, err := g.ListPending(ctx)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending, got %d", len(pending))
	}
	if pending[0].ID != first.ID || pending[1].ID != third.ID {
		t.Fatalf("pending order = %s, %s", pending[0].ID, pending[1].ID)
	}
}

func TestGetUnknownReview(t *testing.T) {
	g := newGate(t)
	if _, err := g.Get(context.Background(), "nope"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
