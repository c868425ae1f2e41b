package server

import (
	"context"
)

type CreateProjectRequest struct {
	ID          string  `json:"id" example:"demo-app"`
	Description *string `json:"description,omitempty"`
}

type GenerateStageRequest struct {
	Description    string `json:"description,omitempty"`
	Preferences    string `json:"preferences,omitempty"`
	RequirementsID string `json:"requirements_stage_id,omitempty"`
	PlanningID     string `json:"planning_stage_id,omitempty"`
	StoriesID      string `json:"stories_stage_id,omitempty"`
}

type ResolveReviewRequest struct {
	Reason   string `json:"reason,omitempty"`
	Feedback string `json:"feedback,omitempty"`
}

type UpdateStoryRequest struct {
	Title              *string   `json:"title,omitempty"`
	Description        *string   `json:"description,omitempty"`
	AcceptanceCriteria *[]string `json:"acceptance_criteria,omitempty"`
	Priority           *string   `json:"priority,omitempty"`
	StoryPoints        *int      `json:"story_points,omitempty"`
	Tags               *[]string `json:"tags,omitempty"`
	Status             *string   `json:"status,omitempty" enum:"draft,approved,rejected"`
}

type CanProceedResponse struct {
	StageID    string `json:"stage_id"`
	CanProceed bool   `json:"can_proceed"`
}

func bodyBytes(ctx context.Context) []byte {
	b, _ := ctx.Value(bodyBytesKey{}).([]byte)
	return b
}

func stringOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
