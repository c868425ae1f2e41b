package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"

	"forgeline/internal/app"
	"forgeline/internal/config"
	"forgeline/internal/domain"
	"forgeline/internal/packaging"
	"forgeline/internal/repo"
	"forgeline/internal/stage"
	"forgeline/internal/workflow"
)

func registerProjects(api huma.API, c workflow.Coordinator) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.ID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "id is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := app.CreateProject(ctx, c.Repo, input.Body.ID, stringOrEmpty(input.Body.Description), nil, actorID); err != nil {
			return nil, handleError(err)
		}
		p, err := c.Repo.GetProject(ctx, input.Body.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Project `json:"body"`
	}, error) {
		items, err := c.Repo.ListProjects(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Project `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		p, err := c.Repo.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project-config",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/config",
		Summary:     "Get project config",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body *config.Config `json:"body"`
	}, error) {
		cfg, err := c.Repo.GetProjectConfig(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body *config.Config `json:"body"`
		}{Body: cfg}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "put-project-config",
		Method:      http.MethodPut,
		Path:        "/projects/{project_id}/config",
		Summary:     "Replace project config",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string        `path:"project_id"`
		Body      config.Config `json:"body"`
	}) (*struct {
		Body *config.Config `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if _, err := c.Repo.GetProject(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		cfg := input.Body
		if err := c.Repo.UpsertProjectConfig(ctx, input.ProjectID, &cfg); err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		return &struct {
			Body *config.Config `json:"body"`
		}{Body: &cfg}, nil
	})
}

func registerStages(api huma.API, c workflow.Coordinator) {
	huma.Register(api, huma.Operation{
		OperationID:   "generate-stage",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/stages/{type}",
		Summary:       "Generate a pipeline stage",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusServiceUnavailable,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string               `path:"project_id"`
		Type      string               `path:"type" enum:"requirements,planning,stories,codegen"`
		Body      GenerateStageRequest `json:"body"`
	}) (*struct {
		Body domain.Stage `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		st, err := c.Stages.Generate(ctx, stage.GenerateOptions{
			ProjectID:      input.ProjectID,
			Type:           domain.StageType(input.Type),
			Description:    input.Body.Description,
			Preferences:    input.Body.Preferences,
			RequirementsID: input.Body.RequirementsID,
			PlanningID:     input.Body.PlanningID,
			StoriesID:      input.Body.StoriesID,
			ActorID:        actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Stage `json:"body"`
		}{Body: st}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-stages",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/stages",
		Summary:     "List stages",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Type      string `query:"type"`
		Status    string `query:"status"`
	}) (*struct {
		Body []domain.Stage `json:"body"`
	}, error) {
		if _, err := c.Repo.GetProject(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		items, err := c.Repo.ListStages(ctx, repo.StageFilters{
			ProjectID: input.ProjectID,
			Type:      input.Type,
			Status:    input.Status,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Stage `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-stage",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/stages/{id}",
		Summary:     "Get stage status",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		ID        string `path:"id"`
	}) (*struct {
		Body domain.Stage `json:"body"`
	}, error) {
		st, err := c.Stages.GetStatus(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if !projectMatches(input.ProjectID, st.ProjectID) {
			return nil, newAPIError(http.StatusNotFound, "not_found", "stage not found in project", nil)
		}
		return &struct {
			Body domain.Stage `json:"body"`
		}{Body: st}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-stage-results",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/stages/{id}/results",
		Summary:     "Get stage results",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		ID        string `path:"id"`
	}) (*struct {
		Body stage.Results `json:"body"`
	}, error) {
		res, err := c.Stages.GetResults(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if !projectMatches(input.ProjectID, res.Stage.ProjectID) {
			return nil, newAPIError(http.StatusNotFound, "not_found", "stage not found in project", nil)
		}
		return &struct {
			Body stage.Results `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "stage-can-proceed",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/stages/{id}/can-proceed",
		Summary:     "Whether downstream stages may gate on this stage",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		ID        string `path:"id"`
	}) (*struct {
		Body CanProceedResponse `json:"body"`
	}, error) {
		ok, err := c.Stages.CanProceed(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CanProceedResponse `json:"body"`
		}{Body: CanProceedResponse{StageID: input.ID, CanProceed: ok}}, nil
	})
}

func registerStories(api huma.API, c workflow.Coordinator) {
	huma.Register(api, huma.Operation{
		OperationID: "update-story",
		Method:      http.MethodPatch,
		Path:        "/stories/{id}",
		Summary:     "Update a draft story",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID   string             `path:"id"`
		Body UpdateStoryRequest `json:"body"`
	}) (*struct {
		Body domain.UserStory `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		st, err := c.Stages.UpdateStory(ctx, stage.StoryUpdate{
			StoryID:            input.ID,
			Title:              input.Body.Title,
			Description:        input.Body.Description,
			AcceptanceCriteria: input.Body.AcceptanceCriteria,
			Priority:           input.Body.Priority,
			StoryPoints:        input.Body.StoryPoints,
			Tags:               input.Body.Tags,
			Status:             input.Body.Status,
			ActorID:            actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.UserStory `json:"body"`
		}{Body: st}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "generate-story-prompt",
		Method:        http.MethodPost,
		Path:          "/stories/{id}/prompt",
		Summary:       "Generate a coding prompt from a story",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Prompt `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := c.Stages.GenerateStoryPrompt(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Prompt `json:"body"`
		}{Body: p}, nil
	})
}

func registerReviews(api huma.API, c workflow.Coordinator) {
	huma.Register(api, huma.Operation{
		OperationID: "list-pending-reviews",
		Method:      http.MethodGet,
		Path:        "/reviews",
		Summary:     "List pending reviews",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Review `json:"body"`
	}, error) {
		items, err := c.Gate.ListPending(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Review `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-review",
		Method:      http.MethodGet,
		Path:        "/reviews/{id}",
		Summary:     "Get review",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Review `json:"body"`
	}, error) {
		rv, err := c.Gate.Get(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Review `json:"body"`
		}{Body: rv}, nil
	})

	resolve := func(approve bool) func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Body ResolveReviewRequest `json:"body"`
	}) (*struct {
		Body domain.Review `json:"body"`
	}, error) {
		return func(ctx context.Context, input *struct {
			ID   string               `path:"id"`
			Body ResolveReviewRequest `json:"body"`
		}) (*struct {
			Body domain.Review `json:"body"`
		}, error) {
			actorID, authErr := actorIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			rv, err := c.Resolve(ctx, input.ID, approve, domain.Decision{
				Reason:   input.Body.Reason,
				Feedback: input.Body.Feedback,
			}, actorID)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body domain.Review `json:"body"`
			}{Body: rv}, nil
		}
	}

	huma.Register(api, huma.Operation{
		OperationID: "approve-review",
		Method:      http.MethodPost,
		Path:        "/reviews/{id}/approve",
		Summary:     "Approve a pending review",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, resolve(true))

	huma.Register(api, huma.Operation{
		OperationID: "reject-review",
		Method:      http.MethodPost,
		Path:        "/reviews/{id}/reject",
		Summary:     "Reject a pending review",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, resolve(false))
}

func registerWorkflow(api huma.API, c workflow.Coordinator) {
	huma.Register(api, huma.Operation{
		OperationID: "workflow-status",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/workflow",
		Summary:     "Pipeline status for a project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body domain.WorkflowStatus `json:"body"`
	}, error) {
		ws, err := c.Status(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkflowStatus `json:"body"`
		}{Body: ws}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "dashboard",
		Method:      http.MethodGet,
		Path:        "/dashboard",
		Summary:     "Pending reviews and active workflows",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.Dashboard `json:"body"`
	}, error) {
		d, err := c.Dashboard(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Dashboard `json:"body"`
		}{Body: d}, nil
	})
}

func registerEvents(api huma.API, c workflow.Coordinator) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/events",
		Summary:     "Latest events",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Type      string `query:"type"`
		Limit     int    `query:"limit" default:"20"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		items, err := c.Repo.LatestEvents(ctx, input.Limit, input.ProjectID, input.Type, "", "")
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: items}, nil
	})
}

// registerExport serves the codegen artifact archive. It bypasses Huma because
// the response is a binary stream, but still sits behind the auth middleware.
func registerExport(r chi.Router, basePath string, c workflow.Coordinator) {
	r.Get(basePath+"/projects/{project_id}/stages/{id}/export", func(w http.ResponseWriter, req *http.Request) {
		ctx := req.Context()
		projectID := chi.URLParam(req, "project_id")
		stageID := chi.URLParam(req, "id")
		st, err := c.Stages.GetStatus(ctx, stageID)
		if err != nil || !projectMatches(projectID, st.ProjectID) {
			respondStatusError(w, newAPIError(http.StatusNotFound, "not_found", "stage not found in project", nil))
			return
		}
		if st.Type != domain.StageCodegen {
			respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "only codegen stages can be exported", nil))
			return
		}
		artifacts, err := c.Repo.ListArtifacts(ctx, stageID)
		if err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		w.Header().Set("Content-Type", "application/zip")
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.zip"`, stageID))
		// Headers are already out; a mid-stream failure can only truncate.
		_ = packaging.WriteZip(w, artifacts)
	})
}
