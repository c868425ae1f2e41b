package stage_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"forgeline/internal/ai"
	"forgeline/internal/app"
	"forgeline/internal/config"
	"forgeline/internal/db"
	"forgeline/internal/domain"
	"forgeline/internal/instructions"
	"forgeline/internal/migrate"
	"forgeline/internal/repo"
	"forgeline/internal/stage"
)

// scriptedAI routes on the instruction text and records every call.
type scriptedAI struct {
	mu      sync.Mutex
	calls   []ai.Request
	outputs map[string]string
	err     error
	fn      func(ctx context.Context, req ai.Request) (string, error)
}

func (s *scriptedAI) Invoke(ctx context.Context, req ai.Request) (string, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	s.mu.Unlock()
	if s.fn != nil {
		return s.fn(ctx, req)
	}
	if s.err != nil {
		return "", s.err
	}
	if out, ok := s.outputs[req.Instructions]; ok {
		return out, nil
	}
	return "generic output", nil
}

func (s *scriptedAI) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *scriptedAI) call(i int) ai.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[i]
}

const (
	instrRequirements = "write requirements"
	instrPlanning     = "write a plan"
	instrStories      = "write stories"
	instrCodegen      = "write code"
	instrCodegenTests = "write tests"
	instrStoryPrompt  = "write a prompt"
)

var testLoader = instructions.Static{
	"requirements":  instrRequirements,
	"planning":      instrPlanning,
	"stories":       instrStories,
	"codegen":       instrCodegen,
	"codegen_tests": instrCodegenTests,
	"story_prompt":  instrStoryPrompt,
}

const storiesOutput = `### Story: User login
As a user I want to log in.
Acceptance Criteria:
- valid credentials grant a session
Priority: high
Points: 3

### Story: Logout
As a user I want to log out.
Priority: low
`

const testsOutput = "File: calc_test.py\n```\ndef test_add():\n    assert add(1, 2) == 3\n```\n"

const implOutput = "File: calc.py\n```\ndef add(a, b):\n    return a + b\n```\n"

func newTestEnv(t *testing.T) (stage.Service, *scriptedAI) {
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
	cfg := config.Default("proj-1")
	stub := &scriptedAI{outputs: map[string]string{
		instrRequirements: "The system shall let users log in.",
		instrPlanning:     "1. Build the login form.",
		instrStories:      storiesOutput,
		instrCodegenTests: testsOutput,
		instrCodegen:      implOutput,
		instrStoryPrompt:  "Implement the login story end to end.",
	}}
	svc := stage.New(conn, cfg, stub, testLoader)
	svc.Now = func() time.Time { return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC) }
	if err := app.CreateProject(context.Background(), svc.Repo, "proj-1", "demo project", cfg, "tester"); err != nil {
		t.Fatalf("create project: %v", err)
	}
	return svc, stub
}

func approveStage(t *testing.T, svc stage.Service, st domain.Stage) domain.Stage {
	t.Helper()
	ctx := context.Background()
	if st.ReviewID == nil {
		t.Fatalf("stage %s has no review", st.ID)
	}
	if _, err := svc.Gate.Approve(ctx, *st.ReviewID, domain.Decision{Reason: "looks good"}, "tester"); err != nil {
		t.Fatalf("approve review: %v", err)
	}
	approved, err := svc.UpdateStatus(ctx, st.ID, domain.StageApproved, "tester")
	if err != nil {
		t.Fatalf("approve stage: %v", err)
	}
	return approved
}

func generateRequirements(t *testing.T, svc stage.Service) domain.Stage {
	t.Helper()
	st, err := svc.Generate(context.Background(), stage.GenerateOptions{
		ProjectID:   "proj-1",
		Type:        domain.StageRequirements,
		Description: "a login service",
		ActorID:     "tester",
	})
	if err != nil {
		t.Fatalf("generate requirements: %v", err)
	}
	return st
}

func TestGenerateRequirements(t *testing.T) {
	svc, stub := newTestEnv(t)
	ctx := context.Background()
	st := generateRequirements(t, svc)

	if st.Status != domain.StagePendingReview {
		t.Fatalf("status = %q", st.Status)
	}
	if st.Content != "The system shall let users log in." {
		t.Fatalf("content = %q", st.Content)
	}
	if stub.callCount() != 1 {
		t.Fatalf("expected 1 ai call, got %d", stub.callCount())
	}
	call := stub.call(0)
	if call.Instructions != instrRequirements {
		t.Fatalf("instructions = %q", call.Instructions)
	}
	if !strings.Contains(call.Context, "## Project Description") || !strings.Contains(call.Context, "a login service") {
		t.Fatalf("context = %q", call.Context)
	}

	rv, err := svc.Gate.Get(ctx, *st.ReviewID)
	if err != nil {
		t.Fatalf("get review: %v", err)
	}
	if rv.Status != domain.ReviewPending {
		t.Fatalf("review status = %q", rv.Status)
	}
	if rv.Metadata[stage.MetadataKey(domain.StageRequirements)] != st.ID {
		t.Fatalf("review metadata = %v", rv.Metadata)
	}
}

func TestGenerateRequirementsNeedsDescription(t *testing.T) {
	svc, _ := newTestEnv(t)
	_, err := svc.Generate(context.Background(), stage.GenerateOptions{
		ProjectID: "proj-1",
		Type:      domain.StageRequirements,
		ActorID:   "tester",
	})
	if !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestPlanningGatesOnRequirements(t *testing.T) {
	svc, stub := newTestEnv(t)
	ctx := context.Background()

	// no upstream id at all
	_, err := svc.Generate(ctx, stage.GenerateOptions{
		ProjectID: "proj-1", Type: domain.StagePlanning, ActorID: "tester",
	})
	if !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}

	req := generateRequirements(t, svc)

	// pending requirements block planning, and no planning record may appear
	_, err = svc.Generate(ctx, stage.GenerateOptions{
		ProjectID: "proj-1", Type: domain.StagePlanning, RequirementsID: req.ID, ActorID: "tester",
	})
	if !errors.Is(err, domain.ErrUpstreamNotApproved) {
		t.Fatalf("expected upstream not approved, got %v", err)
	}
	if stub.callCount() != 1 {
		t.Fatalf("blocked attempt must not reach the provider, got %d calls", stub.callCount())
	}
	if _, err := svc.Repo.LatestStage(ctx, "proj-1", domain.StagePlanning); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("blocked attempt must not persist a stage, got %v", err)
	}

	approveStage(t, svc, req)
	plan, err := svc.Generate(ctx, stage.GenerateOptions{
		ProjectID: "proj-1", Type: domain.StagePlanning, RequirementsID: req.ID, ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("generate planning: %v", err)
	}
	if plan.Status != domain.StagePendingReview {
		t.Fatalf("planning status = %q", plan.Status)
	}
	if plan.ParentID == nil || *plan.ParentID != req.ID {
		t.Fatalf("planning parent = %v", plan.ParentID)
	}
	if len(plan.DependsOn) != 1 || plan.DependsOn[0] != req.ID {
		t.Fatalf("planning depends_on = %v", plan.DependsOn)
	}
	last := stub.call(stub.callCount() - 1)
	if last.Instructions != instrPlanning {
		t.Fatalf("instructions = %q", last.Instructions)
	}
	if !strings.Contains(last.Context, "## Requirements") || !strings.Contains(last.Context, req.Content) {
		t.Fatalf("planning context = %q", last.Context)
	}
}

func TestStoriesGateOnBothUpstreams(t *testing.T) {
	svc, stub := newTestEnv(t)
	ctx := context.Background()

	req := approveStage(t, svc, generateRequirements(t, svc))
	plan, err := svc.Generate(ctx, stage.GenerateOptions{
		ProjectID: "proj-1", Type: domain.StagePlanning, RequirementsID: req.ID, ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("generate planning: %v", err)
	}

	// planning id missing entirely
	_, err = svc.Generate(ctx, stage.GenerateOptions{
		ProjectID: "proj-1", Type: domain.StageStories, RequirementsID: req.ID, ActorID: "tester",
	})
	if !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}

	// planning still pending
	_, err = svc.Generate(ctx, stage.GenerateOptions{
		ProjectID: "proj-1", Type: domain.StageStories,
		RequirementsID: req.ID, PlanningID: plan.ID, ActorID: "tester",
	})
	if !errors.Is(err, domain.ErrUpstreamNotApproved) {
		t.Fatalf("expected upstream not approved, got %v", err)
	}

	plan = approveStage(t, svc, plan)
	st, err := svc.Generate(ctx, stage.GenerateOptions{
		ProjectID: "proj-1", Type: domain.StageStories,
		RequirementsID: req.ID, PlanningID: plan.ID, ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("generate stories: %v", err)
	}
	if len(st.DependsOn) != 2 {
		t.Fatalf("stories depends_on = %v", st.DependsOn)
	}
	last := stub.call(stub.callCount() - 1)
	if !strings.Contains(last.Context, "## Requirements") || !strings.Contains(last.Context, "## Plan") {
		t.Fatalf("stories context = %q", last.Context)
	}

	res, err := svc.GetResults(ctx, st.ID)
	if err != nil {
		t.Fatalf("get results: %v", err)
	}
	if len(res.Stories) != 2 {
		t.Fatalf("expected 2 stories, got %d", len(res.Stories))
	}
	if res.Stories[0].Title != "User login" || res.Stories[0].Status != domain.StoryDraft {
		t.Fatalf("first story = %+v", res.Stories[0])
	}
}

func TestProviderFailureMarksStageFailed(t *testing.T) {
	svc, stub := newTestEnv(t)
	ctx := context.Background()
	stub.err = ai.ErrUnavailable

	_, err := svc.Generate(ctx, stage.GenerateOptions{
		ProjectID: "proj-1", Type: domain.StageRequirements,
		Description: "a login service", ActorID: "tester",
	})
	if !errors.Is(err, domain.ErrProviderUnavailable) {
		t.Fatalf("expected provider unavailable, got %v", err)
	}

	st, err := svc.Repo.LatestStage(ctx, "proj-1", domain.StageRequirements)
	if err != nil {
		t.Fatalf("failed stage must persist: %v", err)
	}
	if st.Status != domain.StageFailed {
		t.Fatalf("status = %q", st.Status)
	}
	if st.FailureReason == "" {
		t.Fatalf("failure reason missing")
	}
	if st.ReviewID != nil {
		t.Fatalf("failed stage must not open a review")
	}
}

func TestEmptyProviderOutputMarksStageFailed(t *testing.T) {
	svc, stub := newTestEnv(t)
	ctx := context.Background()
	stub.outputs[instrRequirements] = "   \n"

	_, err := svc.Generate(ctx, stage.GenerateOptions{
		ProjectID: "proj-1", Type: domain.StageRequirements,
		Description: "a login service", ActorID: "tester",
	})
	if !errors.Is(err, domain.ErrProviderUnavailable) {
		t.Fatalf("expected provider unavailable, got %v", err)
	}

	st, err := svc.Repo.LatestStage(ctx, "proj-1", domain.StageRequirements)
	if err != nil {
		t.Fatalf("stage must persist: %v", err)
	}
	if st.Status != domain.StageFailed {
		t.Fatalf("status = %q", st.Status)
	}
	if !strings.Contains(st.FailureReason, "empty output") {
		t.Fatalf("failure reason = %q", st.FailureReason)
	}
	if st.ReviewID != nil {
		t.Fatalf("failed stage must not open a review")
	}
}

func TestCanceledGenerationPersistsFailure(t *testing.T) {
	svc, stub := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stub.fn = func(ctx context.Context, _ ai.Request) (string, error) {
		cancel()
		return "", ctx.Err()
	}

	_, err := svc.Generate(ctx, stage.GenerateOptions{
		ProjectID: "proj-1", Type: domain.StageRequirements,
		Description: "a login service", ActorID: "tester",
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled, got %v", err)
	}

	st, err := svc.Repo.LatestStage(context.Background(), "proj-1", domain.StageRequirements)
	if err != nil {
		t.Fatalf("canceled generation must still leave a record: %v", err)
	}
	if st.Status != domain.StageFailed {
		t.Fatalf("status = %q", st.Status)
	}
	if !strings.Contains(st.FailureReason, "canceled") {
		t.Fatalf("failure reason = %q", st.FailureReason)
	}
}

func buildApprovedStories(t *testing.T, svc stage.Service) domain.Stage {
	t.Helper()
	ctx := context.Background()
	req := approveStage(t, svc, generateRequirements(t, svc))
	plan, err := svc.Generate(ctx, stage.GenerateOptions{
		ProjectID: "proj-1", Type: domain.StagePlanning, RequirementsID: req.ID, ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("generate planning: %v", err)
	}
	plan = approveStage(t, svc, plan)
	st, err := svc.Generate(ctx, stage.GenerateOptions{
		ProjectID: "proj-1", Type: domain.StageStories,
		RequirementsID: req.ID, PlanningID: plan.ID, ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("generate stories: %v", err)
	}
	return approveStage(t, svc, st)
}

func TestCodegenTwoPhase(t *testing.T) {
	svc, stub := newTestEnv(t)
	ctx := context.Background()
	stories := buildApprovedStories(t, svc)

	before := stub.callCount()
	st, err := svc.Generate(ctx, stage.GenerateOptions{
		ProjectID: "proj-1", Type: domain.StageCodegen, StoriesID: stories.ID, ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("generate codegen: %v", err)
	}
	if stub.callCount() != before+2 {
		t.Fatalf("expected 2 codegen calls, got %d", stub.callCount()-before)
	}
	testsCall := stub.call(before)
	implCall := stub.call(before + 1)
	if testsCall.Instructions != instrCodegenTests {
		t.Fatalf("first call instructions = %q", testsCall.Instructions)
	}
	if implCall.Instructions != instrCodegen {
		t.Fatalf("second call instructions = %q", implCall.Instructions)
	}
	if !strings.Contains(implCall.Context, "## Generated Tests") ||
		!strings.Contains(implCall.Context, "def test_add") {
		t.Fatalf("implementation context = %q", implCall.Context)
	}

	res, err := svc.GetResults(ctx, st.ID)
	if err != nil {
		t.Fatalf("get results: %v", err)
	}
	if len(res.Artifacts) != 2 {
		t.Fatalf("expected 2 artifacts, got %d", len(res.Artifacts))
	}
	if res.Artifacts[0].Type != domain.ArtifactTest || res.Artifacts[0].Path != "calc_test.py" {
		t.Fatalf("first artifact = %+v", res.Artifacts[0])
	}
	if res.Artifacts[1].Type != domain.ArtifactImplementation || res.Artifacts[1].Path != "calc.py" {
		t.Fatalf("second artifact = %+v", res.Artifacts[1])
	}
}

func TestCodegenComplexModelSwitch(t *testing.T) {
	svc, stub := newTestEnv(t)
	svc.Config.AI.ComplexityThreshold = 10
	svc.Config.AI.Models.CodegenComplex = "big-model"
	stories := buildApprovedStories(t, svc)

	before := stub.callCount()
	_, err := svc.Generate(context.Background(), stage.GenerateOptions{
		ProjectID: "proj-1", Type: domain.StageCodegen, StoriesID: stories.ID, ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("generate codegen: %v", err)
	}
	for i := before; i < stub.callCount(); i++ {
		if got := stub.call(i).Model; got != "big-model" {
			t.Fatalf("call %d model = %q", i, got)
		}
	}
}

func TestCanProceed(t *testing.T) {
	svc, _ := newTestEnv(t)
	ctx := context.Background()

	ok, err := svc.CanProceed(ctx, "missing-stage")
	if err != nil || ok {
		t.Fatalf("missing stage: ok=%v err=%v", ok, err)
	}

	st := generateRequirements(t, svc)
	ok, err = svc.CanProceed(ctx, st.ID)
	if err != nil || ok {
		t.Fatalf("pending stage: ok=%v err=%v", ok, err)
	}

	approveStage(t, svc, st)
	ok, err = svc.CanProceed(ctx, st.ID)
	if err != nil || !ok {
		t.Fatalf("approved stage: ok=%v err=%v", ok, err)
	}
}

func TestUpdateStory(t *testing.T) {
	svc, _ := newTestEnv(t)
	ctx := context.Background()
	stories := buildApprovedStories(t, svc)
	res, err := svc.GetResults(ctx, stories.ID)
	if err != nil {
		t.Fatalf("get results: %v", err)
	}
	story := res.Stories[0]

	title := "Tightened login"
	points := 8
	updated, err := svc.UpdateStory(ctx, stage.StoryUpdate{
		StoryID:     story.ID,
		Title:       &title,
		StoryPoints: &points,
		ActorID:     "tester",
	})
	if err != nil {
		t.Fatalf("update story: %v", err)
	}
	if updated.Title != title || updated.StoryPoints == nil || *updated.StoryPoints != 8 {
		t.Fatalf("updated = %+v", updated)
	}

	empty := "  "
	if _, err := svc.UpdateStory(ctx, stage.StoryUpdate{StoryID: story.ID, Title: &empty, ActorID: "tester"}); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument for empty title, got %v", err)
	}

	approved := domain.StoryApproved
	if _, err := svc.UpdateStory(ctx, stage.StoryUpdate{StoryID: story.ID, Status: &approved, ActorID: "tester"}); err != nil {
		t.Fatalf("approve story: %v", err)
	}
	other := "drift"
	_, err = svc.UpdateStory(ctx, stage.StoryUpdate{StoryID: story.ID, Title: &other, ActorID: "tester"})
	if !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("approved story must be frozen, got %v", err)
	}
}

func TestGenerateStoryPrompt(t *testing.T) {
	svc, _ := newTestEnv(t)
	ctx := context.Background()
	stories := buildApprovedStories(t, svc)
	res, err := svc.GetResults(ctx, stories.ID)
	if err != nil {
		t.Fatalf("get results: %v", err)
	}
	story := res.Stories[0]

	p, err := svc.GenerateStoryPrompt(ctx, story.ID, "tester")
	if err != nil {
		t.Fatalf("generate prompt: %v", err)
	}
	if p.Content != "Implement the login story end to end." {
		t.Fatalf("prompt content = %q", p.Content)
	}
	got, err := svc.Repo.GetStory(ctx, story.ID)
	if err != nil {
		t.Fatalf("get story: %v", err)
	}
	if got.PromptID == nil || *got.PromptID != p.ID {
		t.Fatalf("story prompt link = %v", got.PromptID)
	}

	rejected := domain.StoryRejected
	other := res.Stories[1]
	if _, err := svc.UpdateStory(ctx, stage.StoryUpdate{StoryID: other.ID, Status: &rejected, ActorID: "tester"}); err != nil {
		t.Fatalf("reject story: %v", err)
	}
	if _, err := svc.GenerateStoryPrompt(ctx, other.ID, "tester"); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("rejected story must not get a prompt, got %v", err)
	}
}
