// Package review implements the single human-approval checkpoint every
// pipeline stage routes through. The gate knows nothing about stage types;
// status propagation back to the originating stage is the orchestration
// layer's job (see internal/workflow).
package review

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"forgeline/internal/domain"
	"forgeline/internal/events"
	"forgeline/internal/repo"
)

type Gate struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Now    func() time.Time
}

func NewGate(db *sql.DB) Gate {
	return Gate{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Now:    time.Now,
	}
}

func (g Gate) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

func knownService(name string) bool {
	for _, t := range domain.StageTypes {
		if string(t) == name {
			return true
		}
	}
	return false
}

// Submit creates a pending submission. Metadata carries the originating stage
// id under a service-specific key so the orchestration layer can mirror the
// decision back.
func (g Gate) Submit(ctx context.Context, projectID, serviceName, content string, metadata map[string]string, actorID string) (domain.Review, error) {
	if strings.TrimSpace(content) == "" {
		return domain.Review{}, fmt.Errorf("review content is empty: %w", domain.ErrInvalidArgument)
	}
	if !knownService(serviceName) {
		return domain.Review{}, fmt.Errorf("unknown service name %q: %w", serviceName, domain.ErrInvalidArgument)
	}
	rv := domain.Review{
		ID:          uuid.New().String(),
		ProjectID:   projectID,
		ServiceName: serviceName,
		Content:     content,
		Metadata:    metadata,
		Status:      domain.ReviewPending,
		SubmittedAt: g.now().UTC().Format(time.RFC3339),
	}
	tx, err := g.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Review{}, err
	}
	defer tx.Rollback()
	if err := g.Repo.InsertReviewTx(ctx, tx, rv); err != nil {
		return domain.Review{}, err
	}
	if err := g.Events.Append(ctx, tx, events.TypeReviewSubmitted, projectID, "review", rv.ID, actorID, events.EventPayload{
		"service_name": serviceName,
	}); err != nil {
		return domain.Review{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Review{}, err
	}
	return rv, nil
}

// SubmitTx is Submit inside an existing transaction, for callers that need the
// submission to commit together with other state (stage finalization).
func (g Gate) SubmitTx(ctx context.Context, tx *sql.Tx, projectID, serviceName, content string, metadata map[string]string, actorID string) (domain.Review, error) {
	if strings.TrimSpace(content) == "" {
		return domain.Review{}, fmt.Errorf("review content is empty: %w", domain.ErrInvalidArgument)
	}
	if !knownService(serviceName) {
		return domain.Review{}, fmt.Errorf("unknown service name %q: %w", serviceName, domain.ErrInvalidArgument)
	}
	rv := domain.Review{
		ID:          uuid.New().String(),
		ProjectID:   projectID,
		ServiceName: serviceName,
		Content:     content,
		Metadata:    metadata,
		Status:      domain.ReviewPending,
		SubmittedAt: g.now().UTC().Format(time.RFC3339),
	}
	if err := g.Repo.InsertReviewTx(ctx, tx, rv); err != nil {
		return domain.Review{}, err
	}
	if err := g.Events.Append(ctx, tx, events.TypeReviewSubmitted, projectID, "review", rv.ID, actorID, events.EventPayload{
		"service_name": serviceName,
	}); err != nil {
		return domain.Review{}, err
	}
	return rv, nil
}

func (g Gate) Get(ctx context.Context, id string) (domain.Review, error) {
	return g.Repo.GetReview(ctx, id)
}

// ListPending returns unresolved submissions in insertion order.
func (g Gate) ListPending(ctx context.Context) ([]domain.Review, error) {
	return g.Repo.ListPendingReviews(ctx)
}

// Approve resolves a pending submission. Approving twice is an error by
// design: silent idempotent success would hide double-submission bugs in
// calling code.
func (g Gate) Approve(ctx context.Context, id string, d domain.Decision, actorID string) (domain.Review, error) {
	return g.resolve(ctx, id, domain.ReviewApproved, d, actorID)
}

// Reject resolves a pending submission. Feedback is mandatory: rejected stages
// are regenerated with corrective instructions, and a bare "no" gives the
// regeneration nothing to work with.
func (g Gate) Reject(ctx context.Context, id string, d domain.Decision, actorID string) (domain.Review, error) {
	if strings.TrimSpace(d.Feedback) == "" {
		return domain.Review{}, fmt.Errorf("rejection feedback is required: %w", domain.ErrInvalidArgument)
	}
	return g.resolve(ctx, id, domain.ReviewRejected, d, actorID)
}

func (g Gate) resolve(ctx context.Context, id, toStatus string, d domain.Decision, actorID string) (domain.Review, error) {
	tx, err := g.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Review{}, err
	}
	defer tx.Rollback()
	resolvedAt := g.now().UTC().Format(time.RFC3339)
	rv, err := g.Repo.ResolveReviewTx(ctx, tx, id, toStatus, d.Reason, d.Feedback, resolvedAt)
	if err != nil {
		return domain.Review{}, err
	}
	evtType := events.TypeReviewApproved
	if toStatus == domain.ReviewRejected {
		evtType = events.TypeReviewRejected
	}
	if err := g.Events.Append(ctx, tx, evtType, rv.ProjectID, "review", rv.ID, actorID, events.EventPayload{
		"service_name": rv.ServiceName,
		"reason":       d.Reason,
	}); err != nil {
		return domain.Review{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Review{}, err
	}
	return rv, nil
}
