package domain

type Project struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// StageType names one of the four pipeline phases.
type StageType string

const (
	StageRequirements StageType = "requirements"
	StagePlanning     StageType = "planning"
	StageStories      StageType = "stories"
	StageCodegen      StageType = "codegen"
)

// StageTypes lists the phases in pipeline order.
var StageTypes = []StageType{StageRequirements, StagePlanning, StageStories, StageCodegen}

const (
	StageNotStarted    = "not_started"
	StageProcessing    = "processing"
	StagePendingReview = "pending_review"
	StageApproved      = "approved"
	StageRejected      = "rejected"
	StageFailed        = "failed"
)

type Stage struct {
	ID            string    `json:"id"`
	ProjectID     string    `json:"project_id"`
	Type          StageType `json:"type" enum:"requirements,planning,stories,codegen"`
	ParentID      *string   `json:"parent_id,omitempty"`
	DependsOn     []string  `json:"depends_on,omitempty"`
	Status        string    `json:"status" enum:"processing,pending_review,approved,rejected,failed"`
	ReviewID      *string   `json:"review_id,omitempty"`
	Content       string    `json:"content,omitempty"`
	FailureReason string    `json:"failure_reason,omitempty"`
	Warnings      []string  `json:"warnings,omitempty"`
	CreatedAt     string    `json:"created_at" format:"date-time"`
	UpdatedAt     string    `json:"updated_at" format:"date-time"`
}

const (
	StoryDraft    = "draft"
	StoryApproved = "approved"
	StoryRejected = "rejected"
)

type UserStory struct {
	ID                 string   `json:"id"`
	StageID            string   `json:"stage_id"`
	Index              int      `json:"index"`
	Title              string   `json:"title"`
	Description        string   `json:"description,omitempty"`
	AcceptanceCriteria []string `json:"acceptance_criteria,omitempty"`
	Priority           string   `json:"priority,omitempty"`
	StoryPoints        *int     `json:"story_points,omitempty"`
	Tags               []string `json:"tags,omitempty"`
	Status             string   `json:"status" enum:"draft,approved,rejected"`
	PromptID           *string  `json:"prompt_id,omitempty"`
	CreatedAt          string   `json:"created_at" format:"date-time"`
}

const (
	ArtifactTest           = "test"
	ArtifactImplementation = "implementation"
	ArtifactConfig         = "config"
	ArtifactDoc            = "doc"
)

type CodeArtifact struct {
	ID        string `json:"id"`
	StageID   string `json:"stage_id"`
	Index     int    `json:"index"`
	Filename  string `json:"filename"`
	Path      string `json:"path"`
	Content   string `json:"content"`
	Type      string `json:"type" enum:"test,implementation,config,doc"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

const (
	ReviewPending  = "pending"
	ReviewApproved = "approved"
	ReviewRejected = "rejected"
)

type Review struct {
	ID          string            `json:"id"`
	ProjectID   string            `json:"project_id"`
	ServiceName string            `json:"service_name" enum:"requirements,planning,stories,codegen"`
	Content     string            `json:"content"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Status      string            `json:"status" enum:"pending,approved,rejected"`
	Reason      string            `json:"reason,omitempty"`
	Feedback    string            `json:"feedback,omitempty"`
	SubmittedAt string            `json:"submitted_at" format:"date-time"`
	ResolvedAt  *string           `json:"resolved_at,omitempty" format:"date-time"`
}

// Decision carries the human verdict attached to a review resolution.
type Decision struct {
	Reason   string `json:"reason,omitempty"`
	Feedback string `json:"feedback,omitempty"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// Prompt is a self-contained coding prompt generated from a single story.
type Prompt struct {
	ID        string `json:"id"`
	StoryID   string `json:"story_id"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// StageSlot is one stage's entry in a workflow status projection. Stages that
// were never created report status not_started with empty ids.
type StageSlot struct {
	StageID  string `json:"stage_id,omitempty"`
	Status   string `json:"status" enum:"not_started,processing,pending_review,approved,rejected,failed"`
	ReviewID string `json:"review_id,omitempty"`
}

type WorkflowStatus struct {
	ProjectID    string    `json:"project_id"`
	Requirements StageSlot `json:"requirements"`
	Planning     StageSlot `json:"planning"`
	Stories      StageSlot `json:"stories"`
	Codegen      StageSlot `json:"codegen"`
}

type Dashboard struct {
	PendingReviews  []Review         `json:"pending_reviews"`
	ActiveWorkflows []WorkflowStatus `json:"active_workflows"`
}
