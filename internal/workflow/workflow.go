// Package workflow is the orchestration layer above the review gate and the
// stage services. It resolves reviews and mirrors the decision onto the
// originating stage, and projects per-project pipeline status.
package workflow

import (
	"context"
	"database/sql"
	"errors"

	"forgeline/internal/ai"
	"forgeline/internal/config"
	"forgeline/internal/domain"
	"forgeline/internal/instructions"
	"forgeline/internal/repo"
	"forgeline/internal/review"
	"forgeline/internal/stage"
)

type Coordinator struct {
	DB     *sql.DB
	Repo   repo.Repo
	Gate   review.Gate
	Stages stage.Service
}

func New(db *sql.DB, cfg *config.Config, client ai.Client, loader instructions.Loader) Coordinator {
	return Coordinator{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Gate:   review.NewGate(db),
		Stages: stage.New(db, cfg, client, loader),
	}
}

// Resolve applies a human decision to a review and propagates it to the stage
// named in the review metadata. Reviews submitted without a stage link resolve
// without propagation.
func (c Coordinator) Resolve(ctx context.Context, reviewID string, approve bool, d domain.Decision, actorID string) (domain.Review, error) {
	var rv domain.Review
	var err error
	if approve {
		rv, err = c.Gate.Approve(ctx, reviewID, d, actorID)
	} else {
		rv, err = c.Gate.Reject(ctx, reviewID, d, actorID)
	}
	if err != nil {
		return domain.Review{}, err
	}

	stageID := rv.Metadata[stage.MetadataKey(domain.StageType(rv.ServiceName))]
	if stageID == "" {
		return rv, nil
	}
	toStatus := domain.StageApproved
	if !approve {
		toStatus = domain.StageRejected
	}
	if _, err := c.Stages.UpdateStatus(ctx, stageID, toStatus, actorID); err != nil {
		return rv, err
	}
	return rv, nil
}

// Status projects the latest stage of each phase for a project. Phases never
// attempted report not_started.
func (c Coordinator) Status(ctx context.Context, projectID string) (domain.WorkflowStatus, error) {
	if _, err := c.Repo.GetProject(ctx, projectID); err != nil {
		return domain.WorkflowStatus{}, err
	}
	ws := domain.WorkflowStatus{ProjectID: projectID}
	for _, t := range domain.StageTypes {
		slot, err := c.slot(ctx, projectID, t)
		if err != nil {
			return domain.WorkflowStatus{}, err
		}
		switch t {
		case domain.StageRequirements:
			ws.Requirements = slot
		case domain.StagePlanning:
			ws.Planning = slot
		case domain.StageStories:
			ws.Stories = slot
		case domain.StageCodegen:
			ws.Codegen = slot
		}
	}
	return ws, nil
}

func (c Coordinator) slot(ctx context.Context, projectID string, t domain.StageType) (domain.StageSlot, error) {
	st, err := c.Repo.LatestStage(ctx, projectID, t)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.StageSlot{Status: domain.StageNotStarted}, nil
	}
	if err != nil {
		return domain.StageSlot{}, err
	}
	slot := domain.StageSlot{StageID: st.ID, Status: st.Status}
	if st.ReviewID != nil {
		slot.ReviewID = *st.ReviewID
	}
	return slot, nil
}

// Dashboard bundles all pending reviews with the status of every project that
// has at least one stage.
func (c Coordinator) Dashboard(ctx context.Context) (domain.Dashboard, error) {
	pending, err := c.Gate.ListPending(ctx)
	if err != nil {
		return domain.Dashboard{}, err
	}
	ids, err := c.Repo.ProjectsWithStages(ctx)
	if err != nil {
		return domain.Dashboard{}, err
	}
	d := domain.Dashboard{PendingReviews: pending}
	for _, id := range ids {
		ws, err := c.Status(ctx, id)
		if err != nil {
			return domain.Dashboard{}, err
		}
		d.ActiveWorkflows = append(d.ActiveWorkflows, ws)
	}
	return d, nil
}
