package forgelinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Forgeline HTTP API client.
type Client struct {
	BaseURL     string
	ProjectID   string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   10 * time.Second,
	}
}

// Stage represents the API stage model (partial).
type Stage struct {
	ID            string   `json:"id"`
	ProjectID     string   `json:"project_id"`
	Type          string   `json:"type"`
	Status        string   `json:"status"`
	ReviewID      string   `json:"review_id,omitempty"`
	Content       string   `json:"content,omitempty"`
	FailureReason string   `json:"failure_reason,omitempty"`
	Warnings      []string `json:"warnings,omitempty"`
}

// Review represents a pending or resolved review.
type Review struct {
	ID          string            `json:"id"`
	ProjectID   string            `json:"project_id"`
	ServiceName string            `json:"service_name"`
	Content     string            `json:"content"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Status      string            `json:"status"`
	Feedback    string            `json:"feedback,omitempty"`
	SubmittedAt string            `json:"submitted_at"`
}

// StageSlot is one phase entry in a workflow status.
type StageSlot struct {
	StageID  string `json:"stage_id,omitempty"`
	Status   string `json:"status"`
	ReviewID string `json:"review_id,omitempty"`
}

// WorkflowStatus reports the latest stage of every phase.
type WorkflowStatus struct {
	ProjectID    string    `json:"project_id"`
	Requirements StageSlot `json:"requirements"`
	Planning     StageSlot `json:"planning"`
	Stories      StageSlot `json:"stories"`
	Codegen      StageSlot `json:"codegen"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id"`
	EntityID   string `json:"entity_id"`
	EntityKind string `json:"entity_kind"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// GenerateStageOptions carries the per-phase inputs.
type GenerateStageOptions struct {
	Description    string `json:"description,omitempty"`
	Preferences    string `json:"preferences,omitempty"`
	RequirementsID string `json:"requirements_stage_id,omitempty"`
	PlanningID     string `json:"planning_stage_id,omitempty"`
	StoriesID      string `json:"stories_stage_id,omitempty"`
}

// GenerateStage runs one pipeline phase.
func (c *Client) GenerateStage(ctx context.Context, stageType string, opts GenerateStageOptions) (Stage, error) {
	var resp Stage
	endpoint := c.projectPath(fmt.Sprintf("stages/%s", url.PathEscape(stageType)))
	err := c.do(ctx, http.MethodPost, endpoint, opts, &resp)
	return resp, err
}

// GetStage fetches a stage by id.
func (c *Client) GetStage(ctx context.Context, id string) (Stage, error) {
	var resp Stage
	endpoint := c.projectPath(fmt.Sprintf("stages/%s", url.PathEscape(id)))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// PendingReviews lists unresolved reviews.
func (c *Client) PendingReviews(ctx context.Context) ([]Review, error) {
	var resp []Review
	err := c.do(ctx, http.MethodGet, "v0/reviews", nil, &resp)
	return resp, err
}

// ApproveReview approves a pending review.
func (c *Client) ApproveReview(ctx context.Context, id, reason string) (Review, error) {
	var resp Review
	endpoint := fmt.Sprintf("v0/reviews/%s/approve", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"reason": reason}, &resp)
	return resp, err
}

// RejectReview rejects a pending review with feedback.
func (c *Client) RejectReview(ctx context.Context, id, reason, feedback string) (Review, error) {
	var resp Review
	endpoint := fmt.Sprintf("v0/reviews/%s/reject", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"reason": reason, "feedback": feedback}, &resp)
	return resp, err
}

// Workflow returns the pipeline status of the client's project.
func (c *Client) Workflow(ctx context.Context) (WorkflowStatus, error) {
	var resp WorkflowStatus
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/projects/%s/workflow", url.PathEscape(c.ProjectID)), nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := c.projectPath("events")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	return fmt.Sprintf("v0/projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
