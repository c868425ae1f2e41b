package stage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"forgeline/internal/ai"
	"forgeline/internal/domain"
	"forgeline/internal/events"
)

// StoryUpdate names the editable fields of a draft story. Nil pointers leave
// the stored value untouched.
type StoryUpdate struct {
	StoryID            string
	Title              *string
	Description        *string
	AcceptanceCriteria *[]string
	Priority           *string
	StoryPoints        *int
	Tags               *[]string
	Status             *string
	ActorID            string
}

// UpdateStory edits a story in place. Approved stories are frozen: once a
// story has fed codegen it must not drift from what was generated against.
func (s Service) UpdateStory(ctx context.Context, upd StoryUpdate) (domain.UserStory, error) {
	st, err := s.Repo.GetStory(ctx, upd.StoryID)
	if err != nil {
		return domain.UserStory{}, err
	}
	if st.Status == domain.StoryApproved {
		return domain.UserStory{}, fmt.Errorf("story %s is approved and can no longer be edited: %w", st.ID, domain.ErrInvalidState)
	}
	if upd.Title != nil {
		if strings.TrimSpace(*upd.Title) == "" {
			return domain.UserStory{}, fmt.Errorf("story title cannot be empty: %w", domain.ErrInvalidArgument)
		}
		st.Title = *upd.Title
	}
	if upd.Description != nil {
		st.Description = *upd.Description
	}
	if upd.AcceptanceCriteria != nil {
		st.AcceptanceCriteria = *upd.AcceptanceCriteria
	}
	if upd.Priority != nil {
		st.Priority = *upd.Priority
	}
	if upd.StoryPoints != nil {
		st.StoryPoints = upd.StoryPoints
	}
	if upd.Tags != nil {
		st.Tags = *upd.Tags
	}
	if upd.Status != nil {
		switch *upd.Status {
		case domain.StoryDraft, domain.StoryApproved, domain.StoryRejected:
			st.Status = *upd.Status
		default:
			return domain.UserStory{}, fmt.Errorf("unknown story status %q: %w", *upd.Status, domain.ErrInvalidArgument)
		}
	}

	stage, err := s.Repo.GetStage(ctx, st.StageID)
	if err != nil {
		return domain.UserStory{}, err
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.UserStory{}, err
	}
	defer tx.Rollback()
	if err := s.Repo.UpdateStoryTx(ctx, tx, st); err != nil {
		return domain.UserStory{}, err
	}
	if err := s.Events.Append(ctx, tx, events.TypeStoryUpdated, stage.ProjectID, "story", st.ID, upd.ActorID, events.EventPayload{
		"status": st.Status,
	}); err != nil {
		return domain.UserStory{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.UserStory{}, err
	}
	return st, nil
}

// GenerateStoryPrompt turns one story into a self-contained coding prompt via
// the AI collaborator and links it to the story.
func (s Service) GenerateStoryPrompt(ctx context.Context, storyID, actorID string) (domain.Prompt, error) {
	st, err := s.Repo.GetStory(ctx, storyID)
	if err != nil {
		return domain.Prompt{}, err
	}
	if st.Status == domain.StoryRejected {
		return domain.Prompt{}, fmt.Errorf("story %s is rejected: %w", st.ID, domain.ErrInvalidState)
	}
	instr, err := s.Instructions.Load("story_prompt")
	if err != nil {
		return domain.Prompt{}, err
	}
	text, err := s.AI.Invoke(ctx, ai.Request{
		Instructions: instr,
		Context:      renderStories([]domain.UserStory{st}),
		Model:        s.Config.AI.Models.Stories,
	})
	if err != nil {
		return domain.Prompt{}, fmt.Errorf("prompt generation failed: %v: %w", err, domain.ErrProviderUnavailable)
	}

	now := s.now().UTC().Format(time.RFC3339)
	p := domain.Prompt{
		ID:        uuid.New().String(),
		StoryID:   st.ID,
		Content:   strings.TrimSpace(text),
		CreatedAt: now,
	}
	stage, err := s.Repo.GetStage(ctx, st.StageID)
	if err != nil {
		return domain.Prompt{}, err
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Prompt{}, err
	}
	defer tx.Rollback()
	if err := s.Repo.InsertPromptTx(ctx, tx, p); err != nil {
		return domain.Prompt{}, err
	}
	st.PromptID = &p.ID
	if err := s.Repo.UpdateStoryTx(ctx, tx, st); err != nil {
		return domain.Prompt{}, err
	}
	if err := s.Events.Append(ctx, tx, events.TypeStoryPromptGenerated, stage.ProjectID, "story", st.ID, actorID, events.EventPayload{
		"prompt_id": p.ID,
	}); err != nil {
		return domain.Prompt{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Prompt{}, err
	}
	return p, nil
}
