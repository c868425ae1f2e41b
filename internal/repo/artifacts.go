package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"forgeline/internal/domain"
)

// --- user stories ---

const storyColumns = `id,stage_id,idx,title,COALESCE(description,''),acceptance_json,COALESCE(priority,''),story_points,tags_json,status,prompt_id,created_at`

func scanStory(scan func(dest ...any) error) (domain.UserStory, error) {
	var st domain.UserStory
	var acceptance, tags sql.NullString
	err := scan(&st.ID, &st.StageID, &st.Index, &st.Title, &st.Description,
		&acceptance, &st.Priority, &st.StoryPoints, &tags, &st.Status, &st.PromptID, &st.CreatedAt)
	if err == sql.ErrNoRows {
		return st, ErrNotFound
	}
	if err != nil {
		return st, err
	}
	if acceptance.Valid && acceptance.String != "" {
		_ = json.Unmarshal([]byte(acceptance.String), &st.AcceptanceCriteria)
	}
	if tags.Valid && tags.String != "" {
		_ = json.Unmarshal([]byte(tags.String), &st.Tags)
	}
	return st, nil
}

func (r Repo) InsertStoryTx(ctx context.Context, tx *sql.Tx, st domain.UserStory) error {
	acceptance, err := marshalStringSlice(st.AcceptanceCriteria)
	if err != nil {
		return err
	}
	tags, err := marshalStringSlice(st.Tags)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO user_stories(id,stage_id,idx,title,description,acceptance_json,priority,story_points,tags_json,status,prompt_id,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		st.ID, st.StageID, st.Index, st.Title, nullable(st.Description), acceptance,
		nullable(st.Priority), st.StoryPoints, tags, st.Status, st.PromptID, st.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert story: %w", err)
	}
	return nil
}

func (r Repo) GetStory(ctx context.Context, id string) (domain.UserStory, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+storyColumns+` FROM user_stories WHERE id=?`, id)
	return scanStory(row.Scan)
}

func (r Repo) ListStories(ctx context.Context, stageID string) ([]domain.UserStory, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+storyColumns+` FROM user_stories WHERE stage_id=? ORDER BY idx`, stageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.UserStory
	for rows.Next() {
		st, err := scanStory(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, st)
	}
	return res, rows.Err()
}

func (r Repo) UpdateStoryTx(ctx context.Context, tx *sql.Tx, st domain.UserStory) error {
	acceptance, err := marshalStringSlice(st.AcceptanceCriteria)
	if err != nil {
		return err
	}
	tags, err := marshalStringSlice(st.Tags)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE user_stories SET title=?, description=?, acceptance_json=?, priority=?, story_points=?, tags_json=?, status=?, prompt_id=? WHERE id=?`,
		st.Title, nullable(st.Description), acceptance, nullable(st.Priority), st.StoryPoints, tags, st.Status, st.PromptID, st.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- prompts ---

func (r Repo) InsertPromptTx(ctx context.Context, tx *sql.Tx, p domain.Prompt) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO prompts(id,story_id,content,created_at) VALUES (?,?,?,?)`,
		p.ID, p.StoryID, p.Content, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert prompt: %w", err)
	}
	return nil
}

func (r Repo) GetPrompt(ctx context.Context, id string) (domain.Prompt, error) {
	var p domain.Prompt
	err := r.DB.QueryRowContext(ctx, `SELECT id,story_id,content,created_at FROM prompts WHERE id=?`, id).
		Scan(&p.ID, &p.StoryID, &p.Content, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

// --- code artifacts ---

const artifactColumns = `id,stage_id,idx,filename,path,content,artifact_type,created_at`

func (r Repo) InsertArtifactTx(ctx context.Context, tx *sql.Tx, a domain.CodeArtifact) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO code_artifacts(id,stage_id,idx,filename,path,content,artifact_type,created_at)
VALUES (?,?,?,?,?,?,?,?)`,
		a.ID, a.StageID, a.Index, a.Filename, a.Path, a.Content, a.Type, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert artifact: %w", err)
	}
	return nil
}

func (r Repo) ListArtifacts(ctx context.Context, stageID string) ([]domain.CodeArtifact, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+artifactColumns+` FROM code_artifacts WHERE stage_id=? ORDER BY idx`, stageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.CodeArtifact
	for rows.Next() {
		var a domain.CodeArtifact
		if err := rows.Scan(&a.ID, &a.StageID, &a.Index, &a.Filename, &a.Path, &a.Content, &a.Type, &a.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
