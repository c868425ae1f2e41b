// Package stage runs the four pipeline phases. Each Generate call gates on
// approved upstream stages, assembles context, invokes the AI collaborator and
// submits the result for human review. Nothing advances past pending_review
// without a human decision.
package stage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"forgeline/internal/aggregator"
	"forgeline/internal/ai"
	"forgeline/internal/config"
	"forgeline/internal/domain"
	"forgeline/internal/events"
	"forgeline/internal/instructions"
	"forgeline/internal/repo"
	"forgeline/internal/review"
)

type Service struct {
	DB           *sql.DB
	Repo         repo.Repo
	Events       events.Writer
	Gate         review.Gate
	Config       *config.Config
	AI           ai.Client
	Instructions instructions.Loader
	Logger       *log.Logger
	Now          func() time.Time
}

func New(db *sql.DB, cfg *config.Config, client ai.Client, loader instructions.Loader) Service {
	return Service{
		DB:           db,
		Repo:         repo.Repo{DB: db},
		Events:       events.Writer{DB: db},
		Gate:         review.NewGate(db),
		Config:       cfg,
		AI:           client,
		Instructions: loader,
		Now:          time.Now,
	}
}

func (s Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s Service) logger() *log.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return log.Default()
}

// stageDef is the static shape of one phase: which approved upstream stages it
// gates on and the label its content carries in downstream context.
type stageDef struct {
	typ       domain.StageType
	upstreams []domain.StageType
	label     string
}

var stageDefs = map[domain.StageType]stageDef{
	domain.StageRequirements: {typ: domain.StageRequirements, label: "Requirements"},
	domain.StagePlanning: {typ: domain.StagePlanning, label: "Plan",
		upstreams: []domain.StageType{domain.StageRequirements}},
	domain.StageStories: {typ: domain.StageStories, label: "User Stories",
		upstreams: []domain.StageType{domain.StageRequirements, domain.StagePlanning}},
	domain.StageCodegen: {typ: domain.StageCodegen, label: "Code",
		upstreams: []domain.StageType{domain.StageStories}},
}

// MetadataKey is the review-metadata key that carries the originating stage id
// for a given phase, e.g. "requirements_stage_id".
func MetadataKey(t domain.StageType) string {
	return string(t) + "_stage_id"
}

// GenerateOptions drives one pipeline phase. The upstream id fields name
// already-approved stages; which ones are required depends on Type.
type GenerateOptions struct {
	ProjectID string
	Type      domain.StageType
	// Description seeds the requirements phase.
	Description string
	// Preferences are free-form style and technology hints appended to the
	// assembled context.
	Preferences    string
	RequirementsID string
	PlanningID     string
	StoriesID      string
	ActorID        string
}

func (o GenerateOptions) upstreamID(t domain.StageType) string {
	switch t {
	case domain.StageRequirements:
		return o.RequirementsID
	case domain.StagePlanning:
		return o.PlanningID
	case domain.StageStories:
		return o.StoriesID
	}
	return ""
}

// Generate runs one phase end to end. The stage record is inserted as
// processing before the AI call so pollers can observe it; a provider failure
// leaves the record failed with its reason rather than vanishing.
func (s Service) Generate(ctx context.Context, opts GenerateOptions) (domain.Stage, error) {
	def, ok := stageDefs[opts.Type]
	if !ok {
		return domain.Stage{}, fmt.Errorf("unknown stage type %q: %w", opts.Type, domain.ErrInvalidArgument)
	}
	if strings.TrimSpace(opts.ProjectID) == "" {
		return domain.Stage{}, fmt.Errorf("project id is required: %w", domain.ErrInvalidArgument)
	}
	if opts.Type == domain.StageRequirements && strings.TrimSpace(opts.Description) == "" {
		return domain.Stage{}, fmt.Errorf("requirements generation needs a project description: %w", domain.ErrInvalidArgument)
	}
	if _, err := s.Repo.GetProject(ctx, opts.ProjectID); err != nil {
		return domain.Stage{}, fmt.Errorf("project %s: %w", opts.ProjectID, err)
	}

	upstreams, err := s.gateUpstreams(ctx, def, opts)
	if err != nil {
		return domain.Stage{}, err
	}

	sections := make([]aggregator.Section, 0, len(upstreams)+1)
	if opts.Type == domain.StageRequirements {
		sections = append(sections, aggregator.Section{Label: "Project Description", Body: opts.Description})
	}
	for _, up := range upstreams {
		sections = append(sections, aggregator.Section{Label: stageDefs[up.Type].label, Body: up.Content})
	}
	agg := aggregator.Aggregator{MaxChars: s.Config.Context.MaxChars, Logger: s.Logger}
	assembled := agg.Assemble(sections, opts.Preferences)

	instr, err := s.Instructions.Load(string(opts.Type))
	if err != nil {
		return domain.Stage{}, err
	}

	st, err := s.insertProcessing(ctx, def, opts, upstreams)
	if err != nil {
		return domain.Stage{}, err
	}

	var content string
	var stories []domain.UserStory
	var artifacts []domain.CodeArtifact
	var warnings []string
	switch opts.Type {
	case domain.StageStories:
		raw, err := s.invoke(ctx, instr, assembled, s.Config.AI.Models.Stories)
		if err != nil {
			return st, s.failStage(ctx, st, err, opts.ActorID)
		}
		stories, warnings = parseStories(raw)
		content = renderStories(stories)
	case domain.StageCodegen:
		artifacts, warnings, err = s.generateCode(ctx, instr, assembled)
		if err != nil {
			return st, s.failStage(ctx, st, err, opts.ActorID)
		}
		content = renderArtifacts(artifacts)
	default:
		model := s.Config.AI.Models.Requirements
		if opts.Type == domain.StagePlanning {
			model = s.Config.AI.Models.Planning
		}
		content, err = s.invoke(ctx, instr, assembled, model)
		if err != nil {
			return st, s.failStage(ctx, st, err, opts.ActorID)
		}
		content = strings.TrimSpace(content)
	}
	if strings.TrimSpace(content) == "" {
		// Empty output is a provider problem, not a caller error. The record
		// must land in failed like any other provider fault.
		return st, s.failStage(ctx, st, errors.New("provider returned empty output"), opts.ActorID)
	}

	return s.finish(ctx, st, content, stories, artifacts, warnings, opts.ActorID)
}

// gateUpstreams loads every required upstream stage and checks it is approved.
// An unapproved upstream aborts before any record is created.
func (s Service) gateUpstreams(ctx context.Context, def stageDef, opts GenerateOptions) ([]domain.Stage, error) {
	var res []domain.Stage
	for _, ut := range def.upstreams {
		id := opts.upstreamID(ut)
		if id == "" {
			return nil, fmt.Errorf("%s generation needs an approved %s stage id: %w", def.typ, ut, domain.ErrInvalidArgument)
		}
		up, err := s.Repo.GetStage(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("upstream %s stage %s: %w", ut, id, err)
		}
		if up.Type != ut {
			return nil, fmt.Errorf("stage %s is %s, expected %s: %w", id, up.Type, ut, domain.ErrInvalidArgument)
		}
		if up.ProjectID != opts.ProjectID {
			return nil, fmt.Errorf("stage %s belongs to project %s: %w", id, up.ProjectID, domain.ErrInvalidArgument)
		}
		if up.Status != domain.StageApproved {
			return nil, fmt.Errorf("%s stage %s is %s: %w", ut, id, up.Status, domain.ErrUpstreamNotApproved)
		}
		res = append(res, up)
	}
	return res, nil
}

func (s Service) insertProcessing(ctx context.Context, def stageDef, opts GenerateOptions, upstreams []domain.Stage) (domain.Stage, error) {
	now := s.now().UTC().Format(time.RFC3339)
	st := domain.Stage{
		ID:        uuid.New().String(),
		ProjectID: opts.ProjectID,
		Type:      opts.Type,
		Status:    domain.StageProcessing,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if len(upstreams) > 0 {
		parent := upstreams[len(upstreams)-1].ID
		st.ParentID = &parent
		for _, up := range upstreams {
			st.DependsOn = append(st.DependsOn, up.ID)
		}
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Stage{}, err
	}
	defer tx.Rollback()
	if err := s.Repo.InsertStageTx(ctx, tx, st); err != nil {
		return domain.Stage{}, err
	}
	if err := s.Events.Append(ctx, tx, events.TypeStageCreated, st.ProjectID, "stage", st.ID, opts.ActorID, events.EventPayload{
		"stage_type": string(st.Type),
	}); err != nil {
		return domain.Stage{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Stage{}, err
	}
	return st, nil
}

func (s Service) invoke(ctx context.Context, instr, context_, model string) (string, error) {
	return s.AI.Invoke(ctx, ai.Request{Instructions: instr, Context: context_, Model: model})
}

// generateCode is the two-phase codegen flow: tests first, then implementation
// with the generated tests in context. The complex model takes over when the
// assembled context crosses the configured threshold.
func (s Service) generateCode(ctx context.Context, implInstr, assembled string) ([]domain.CodeArtifact, []string, error) {
	testsInstr, err := s.Instructions.Load("codegen_tests")
	if err != nil {
		return nil, nil, err
	}
	model := s.Config.AI.Models.Codegen
	if s.Config.AI.ComplexityThreshold > 0 && len(assembled) > s.Config.AI.ComplexityThreshold &&
		s.Config.AI.Models.CodegenComplex != "" {
		model = s.Config.AI.Models.CodegenComplex
		s.logger().Printf("codegen context %d chars over threshold, using %s", len(assembled), model)
	}

	testsOut, err := s.invoke(ctx, testsInstr, assembled, model)
	if err != nil {
		return nil, nil, err
	}
	testArtifacts, testWarnings := parseCodeArtifacts(testsOut, domain.ArtifactTest)

	implContext := assembled + "\n## Generated Tests\n\n" + strings.TrimRight(testsOut, "\n") + "\n"
	implOut, err := s.invoke(ctx, implInstr, implContext, model)
	if err != nil {
		return nil, nil, err
	}
	implArtifacts, implWarnings := parseCodeArtifacts(implOut, domain.ArtifactImplementation)

	artifacts := append(testArtifacts, implArtifacts...)
	for i := range artifacts {
		artifacts[i].Index = i
	}
	warnings := append(testWarnings, implWarnings...)
	warnings = append(warnings, validateArtifacts(artifacts)...)
	return artifacts, warnings, nil
}

// failStage records the terminal failure. It deliberately ignores ctx
// cancellation: a canceled generation must still leave a failed record behind.
func (s Service) failStage(ctx context.Context, st domain.Stage, cause error, actorID string) error {
	bg := context.WithoutCancel(ctx)
	now := s.now().UTC().Format(time.RFC3339)
	tx, err := s.DB.BeginTx(bg, nil)
	if err != nil {
		return errors.Join(cause, err)
	}
	defer tx.Rollback()
	if err := s.Repo.MarkStageFailedTx(bg, tx, st.ID, cause.Error(), now); err != nil {
		return errors.Join(cause, err)
	}
	if err := s.Events.Append(bg, tx, events.TypeStageFailed, st.ProjectID, "stage", st.ID, actorID, events.EventPayload{
		"stage_type": string(st.Type),
		"reason":     cause.Error(),
	}); err != nil {
		return errors.Join(cause, err)
	}
	if err := tx.Commit(); err != nil {
		return errors.Join(cause, err)
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%s generation canceled: %w", st.Type, ctx.Err())
	}
	return fmt.Errorf("%s generation failed: %v: %w", st.Type, cause, domain.ErrProviderUnavailable)
}

// finish persists parsed results, submits the review and moves the stage to
// pending_review, all in one transaction.
func (s Service) finish(ctx context.Context, st domain.Stage, content string, stories []domain.UserStory, artifacts []domain.CodeArtifact, warnings []string, actorID string) (domain.Stage, error) {
	now := s.now().UTC().Format(time.RFC3339)
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return st, err
	}
	defer tx.Rollback()

	for i := range stories {
		stories[i].ID = uuid.New().String()
		stories[i].StageID = st.ID
		stories[i].CreatedAt = now
		if err := s.Repo.InsertStoryTx(ctx, tx, stories[i]); err != nil {
			return st, err
		}
	}
	for i := range artifacts {
		artifacts[i].ID = uuid.New().String()
		artifacts[i].StageID = st.ID
		artifacts[i].CreatedAt = now
		if err := s.Repo.InsertArtifactTx(ctx, tx, artifacts[i]); err != nil {
			return st, err
		}
	}

	rv, err := s.Gate.SubmitTx(ctx, tx, st.ProjectID, string(st.Type), content, map[string]string{
		MetadataKey(st.Type): st.ID,
		"project_id":         st.ProjectID,
	}, actorID)
	if err != nil {
		return st, err
	}
	if err := s.Repo.FinishStageTx(ctx, tx, st.ID, content, warnings, rv.ID, now); err != nil {
		return st, err
	}
	if err := s.Events.Append(ctx, tx, events.TypeStageStatusChanged, st.ProjectID, "stage", st.ID, actorID, events.EventPayload{
		"stage_type": string(st.Type),
		"from":       domain.StageProcessing,
		"to":         domain.StagePendingReview,
		"review_id":  rv.ID,
	}); err != nil {
		return st, err
	}
	if err := tx.Commit(); err != nil {
		return st, err
	}

	st.Status = domain.StagePendingReview
	st.Content = content
	st.Warnings = warnings
	st.ReviewID = &rv.ID
	st.UpdatedAt = now
	if len(warnings) > 0 {
		s.logger().Printf("%s stage %s finished with %d warnings", st.Type, st.ID, len(warnings))
	}
	return st, nil
}

// GetStatus returns the stage record as stored.
func (s Service) GetStatus(ctx context.Context, stageID string) (domain.Stage, error) {
	return s.Repo.GetStage(ctx, stageID)
}

// Results bundles a stage with its structured outputs.
type Results struct {
	Stage     domain.Stage          `json:"stage"`
	Stories   []domain.UserStory    `json:"stories,omitempty"`
	Artifacts []domain.CodeArtifact `json:"artifacts,omitempty"`
}

// GetResults returns the stage content plus parsed stories or artifacts. A
// stage still processing has no results yet.
func (s Service) GetResults(ctx context.Context, stageID string) (Results, error) {
	st, err := s.Repo.GetStage(ctx, stageID)
	if err != nil {
		return Results{}, err
	}
	if st.Status == domain.StageProcessing {
		return Results{}, fmt.Errorf("stage %s results not yet produced: %w", stageID, repo.ErrNotFound)
	}
	res := Results{Stage: st}
	switch st.Type {
	case domain.StageStories:
		res.Stories, err = s.Repo.ListStories(ctx, stageID)
	case domain.StageCodegen:
		res.Artifacts, err = s.Repo.ListArtifacts(ctx, stageID)
	}
	return res, err
}

// CanProceed reports whether downstream phases may gate on this stage. A
// missing stage simply cannot be proceeded from.
func (s Service) CanProceed(ctx context.Context, stageID string) (bool, error) {
	st, err := s.Repo.GetStage(ctx, stageID)
	if errors.Is(err, repo.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return st.Status == domain.StageApproved, nil
}

// UpdateStatus mirrors a review decision onto the stage. Only the
// pending_review to approved/rejected transitions exist; everything else is
// driven by Generate itself.
func (s Service) UpdateStatus(ctx context.Context, stageID, toStatus, actorID string) (domain.Stage, error) {
	if toStatus != domain.StageApproved && toStatus != domain.StageRejected {
		return domain.Stage{}, fmt.Errorf("cannot set stage status to %q: %w", toStatus, domain.ErrInvalidArgument)
	}
	st, err := s.Repo.GetStage(ctx, stageID)
	if err != nil {
		return domain.Stage{}, err
	}
	now := s.now().UTC().Format(time.RFC3339)
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Stage{}, err
	}
	defer tx.Rollback()
	if err := s.Repo.SetStageStatusTx(ctx, tx, stageID, domain.StagePendingReview, toStatus, now); err != nil {
		return domain.Stage{}, err
	}
	if err := s.Events.Append(ctx, tx, events.TypeStageStatusChanged, st.ProjectID, "stage", st.ID, actorID, events.EventPayload{
		"stage_type": string(st.Type),
		"from":       domain.StagePendingReview,
		"to":         toStatus,
	}); err != nil {
		return domain.Stage{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Stage{}, err
	}
	st.Status = toStatus
	st.UpdatedAt = now
	return st, nil
}
