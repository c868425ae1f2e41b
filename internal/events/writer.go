package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types appended by the pipeline core.
const (
	TypeProjectInit          = "project.init"
	TypeStageCreated         = "stage.created"
	TypeStageStatusChanged   = "stage.status.changed"
	TypeStageFailed          = "stage.failed"
	TypeReviewSubmitted      = "review.submitted"
	TypeReviewApproved       = "review.approved"
	TypeReviewRejected       = "review.rejected"
	TypeStoryUpdated         = "story.updated"
	TypeStoryPromptGenerated = "story.prompt.generated"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append records an event inside the caller's transaction so state changes and
// their log entries commit together.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, projectID, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(projectID), entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
