package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"forgeline/internal/config"
	"forgeline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// --- projects ---

func scanProject(row *sql.Row) (domain.Project, error) {
	var p domain.Project
	var desc sql.NullString
	err := row.Scan(&p.ID, &p.Kind, &p.Status, &desc, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if desc.Valid {
		p.Description = desc.String
	}
	return p, err
}

func (r Repo) InsertProjectTx(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO projects(id,kind,status,description,created_at) VALUES (?,?,?,?,?)`,
		p.ID, p.Kind, p.Status, nullable(p.Description), p.CreatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	return scanProject(r.DB.QueryRowContext(ctx, `SELECT id,kind,status,COALESCE(description,'') AS description,created_at FROM projects WHERE id=?`, id))
}

func (r Repo) SingleProject(ctx context.Context) (domain.Project, error) {
	projects, err := r.ListProjects(ctx)
	if err != nil {
		return domain.Project{}, err
	}
	if len(projects) == 0 {
		return domain.Project{}, ErrNotFound
	}
	if len(projects) > 1 {
		return domain.Project{}, fmt.Errorf("multiple projects exist; specify --project")
	}
	return projects[0], nil
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,kind,status,COALESCE(description,'') AS description,created_at FROM projects ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.Kind, &p.Status, &p.Description, &p.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// --- project configs ---

func (r Repo) UpsertProjectConfig(ctx context.Context, projectID string, cfg *config.Config) error {
	return upsertProjectConfig(ctx, r.DB, nil, projectID, cfg)
}

func (r Repo) UpsertProjectConfigTx(ctx context.Context, tx *sql.Tx, projectID string, cfg *config.Config) error {
	return upsertProjectConfig(ctx, nil, tx, projectID, cfg)
}

func upsertProjectConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, projectID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Project.ID = projectID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO project_configs(project_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(project_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, projectID, string(payload), now, now)
	return err
}

func (r Repo) GetProjectConfig(ctx context.Context, projectID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM project_configs WHERE project_id=?`, projectID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Project.ID == "" {
		cfg.Project.ID = projectID
	}
	return &cfg, cfg.Validate()
}

// --- stages ---

const stageColumns = `id,project_id,stage_type,parent_id,status,review_id,COALESCE(content,''),COALESCE(failure_reason,''),warnings_json,created_at,updated_at`

func scanStage(scan func(dest ...any) error) (domain.Stage, error) {
	var s domain.Stage
	var warnings sql.NullString
	err := scan(&s.ID, &s.ProjectID, &s.Type, &s.ParentID, &s.Status, &s.ReviewID,
		&s.Content, &s.FailureReason, &warnings, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if warnings.Valid && warnings.String != "" {
		_ = json.Unmarshal([]byte(warnings.String), &s.Warnings)
	}
	return s, nil
}

func (r Repo) InsertStageTx(ctx context.Context, tx *sql.Tx, s domain.Stage) error {
	warnings, err := marshalStringSlice(s.Warnings)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO stages(id,project_id,stage_type,parent_id,status,review_id,content,failure_reason,warnings_json,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.ProjectID, string(s.Type), s.ParentID, s.Status, s.ReviewID,
		nullable(s.Content), nullable(s.FailureReason), warnings, s.CreatedAt, s.UpdatedAt); err != nil {
		return fmt.Errorf("insert stage: %w", err)
	}
	for _, dep := range s.DependsOn {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO stage_dependencies(stage_id,depends_on_id) VALUES (?,?)`, s.ID, dep); err != nil {
			return fmt.Errorf("insert stage dependency: %w", err)
		}
	}
	return nil
}

func (r Repo) GetStage(ctx context.Context, id string) (domain.Stage, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+stageColumns+` FROM stages WHERE id=?`, id)
	s, err := scanStage(row.Scan)
	if err != nil {
		return s, err
	}
	s.DependsOn, err = r.ListStageDependencies(ctx, id)
	return s, err
}

func (r Repo) ListStageDependencies(ctx context.Context, stageID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT depends_on_id FROM stage_dependencies WHERE stage_id=? ORDER BY depends_on_id`, stageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var deps []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		deps = append(deps, d)
	}
	return deps, rows.Err()
}

// LatestStage returns the most recently created stage of a type for a project.
// Rejected or failed stages may be followed by fresh attempts; the latest
// record is the one the workflow view reports.
func (r Repo) LatestStage(ctx context.Context, projectID string, stageType domain.StageType) (domain.Stage, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+stageColumns+` FROM stages WHERE project_id=? AND stage_type=? ORDER BY created_at DESC, id DESC LIMIT 1`,
		projectID, string(stageType))
	return scanStage(row.Scan)
}

type StageFilters struct {
	ProjectID string
	Type      string
	Status    string
}

func (r Repo) ListStages(ctx context.Context, f StageFilters) ([]domain.Stage, error) {
	clauses := []string{"1=1"}
	args := []any{}
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Type != "" {
		clauses = append(clauses, "stage_type=?")
		args = append(args, f.Type)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	query := `SELECT ` + stageColumns + ` FROM stages WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at, id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Stage
	for rows.Next() {
		s, err := scanStage(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// ProjectsWithStages lists distinct project ids that have at least one stage,
// oldest first. Used by the dashboard projection.
func (r Repo) ProjectsWithStages(ctx context.Context) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT project_id FROM stages GROUP BY project_id ORDER BY MIN(created_at)`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SetStageStatusTx transitions a stage from one status to another. The WHERE
// clause on the old status makes concurrent transitions on the same record
// resolve to exactly one winner.
func (r Repo) SetStageStatusTx(ctx context.Context, tx *sql.Tx, id, fromStatus, toStatus, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE stages SET status=?, updated_at=? WHERE id=? AND status=?`,
		toStatus, updatedAt, id, fromStatus)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := r.getStageTx(ctx, tx, id); err != nil {
			return err
		}
		return fmt.Errorf("stage %s not in status %s: %w", id, fromStatus, domain.ErrInvalidState)
	}
	return nil
}

func (r Repo) getStageTx(ctx context.Context, tx *sql.Tx, id string) (domain.Stage, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+stageColumns+` FROM stages WHERE id=?`, id)
	return scanStage(row.Scan)
}

// MarkStageFailedTx records a terminal failure with its reason.
func (r Repo) MarkStageFailedTx(ctx context.Context, tx *sql.Tx, id, reason, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE stages SET status=?, failure_reason=?, updated_at=? WHERE id=?`,
		domain.StageFailed, nullable(reason), updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// FinishStageTx stores the rendered content, warnings and review link while
// moving processing -> pending_review.
func (r Repo) FinishStageTx(ctx context.Context, tx *sql.Tx, id, content string, warnings []string, reviewID, updatedAt string) error {
	wj, err := marshalStringSlice(warnings)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE stages SET status=?, content=?, warnings_json=?, review_id=?, updated_at=? WHERE id=? AND status=?`,
		domain.StagePendingReview, nullable(content), wj, reviewID, updatedAt, id, domain.StageProcessing)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := r.getStageTx(ctx, tx, id); err != nil {
			return err
		}
		return fmt.Errorf("stage %s no longer processing: %w", id, domain.ErrInvalidState)
	}
	return nil
}

// --- events ---

func (r Repo) LatestEvents(ctx context.Context, limit int, projectID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	args := []any{}
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if limit <= 0 {
		limit = 20
	}
	args = append(args, limit)
	query := `SELECT id,ts,type,COALESCE(project_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY id DESC LIMIT ?`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ProjectID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// EventsAfter returns events with id greater than cursor, oldest first. Used by
// the webhook dispatcher.
func (r Repo) EventsAfter(ctx context.Context, projectID string, afterID int64, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,COALESCE(project_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE project_id=? AND id>? ORDER BY id LIMIT ?`,
		projectID, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ProjectID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the highest event id for a project, 0 when none exist.
func (r Repo) LatestEventID(ctx context.Context, projectID string) (int64, error) {
	var id sql.NullInt64
	err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM events WHERE project_id=?`, projectID).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id.Int64, nil
}

// --- helpers ---

func marshalStringSlice(in []string) (*string, error) {
	if len(in) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
