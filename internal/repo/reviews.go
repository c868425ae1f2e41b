package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"forgeline/internal/domain"
)

const reviewColumns = `id,project_id,service_name,content,metadata_json,status,COALESCE(reason,''),COALESCE(feedback,''),submitted_at,resolved_at`

func scanReview(scan func(dest ...any) error) (domain.Review, error) {
	var rv domain.Review
	var metadata string
	err := scan(&rv.ID, &rv.ProjectID, &rv.ServiceName, &rv.Content, &metadata,
		&rv.Status, &rv.Reason, &rv.Feedback, &rv.SubmittedAt, &rv.ResolvedAt)
	if err == sql.ErrNoRows {
		return rv, ErrNotFound
	}
	if err != nil {
		return rv, err
	}
	if metadata != "" {
		_ = json.Unmarshal([]byte(metadata), &rv.Metadata)
	}
	return rv, nil
}

func (r Repo) InsertReviewTx(ctx context.Context, tx *sql.Tx, rv domain.Review) error {
	metadata, err := json.Marshal(rv.Metadata)
	if err != nil {
		return fmt.Errorf("marshal review metadata: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO reviews(id,project_id,service_name,content,metadata_json,status,reason,feedback,submitted_at,resolved_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		rv.ID, rv.ProjectID, rv.ServiceName, rv.Content, string(metadata), rv.Status,
		nullable(rv.Reason), nullable(rv.Feedback), rv.SubmittedAt, rv.ResolvedAt)
	if err != nil {
		return fmt.Errorf("insert review: %w", err)
	}
	return nil
}

func (r Repo) GetReview(ctx context.Context, id string) (domain.Review, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+reviewColumns+` FROM reviews WHERE id=?`, id)
	return scanReview(row.Scan)
}

func (r Repo) getReviewTx(ctx context.Context, tx *sql.Tx, id string) (domain.Review, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+reviewColumns+` FROM reviews WHERE id=?`, id)
	return scanReview(row.Scan)
}

// ListPendingReviews returns unresolved submissions in insertion order so the
// review queue is stable for UI polling.
func (r Repo) ListPendingReviews(ctx context.Context) ([]domain.Review, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+reviewColumns+` FROM reviews WHERE status=? ORDER BY rowid`, domain.ReviewPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Review
	for rows.Next() {
		rv, err := scanReview(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, rv)
	}
	return res, rows.Err()
}

// ResolveReviewTx performs the single terminal transition pending -> toStatus.
// The conditional UPDATE guarantees exactly one of two concurrent resolutions
// succeeds; the loser gets ErrInvalidState (or ErrNotFound for unknown ids).
func (r Repo) ResolveReviewTx(ctx context.Context, tx *sql.Tx, id, toStatus, reason, feedback, resolvedAt string) (domain.Review, error) {
	res, err := tx.ExecContext(ctx, `UPDATE reviews SET status=?, reason=?, feedback=?, resolved_at=? WHERE id=? AND status=?`,
		toStatus, nullable(reason), nullable(feedback), resolvedAt, id, domain.ReviewPending)
	if err != nil {
		return domain.Review{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		existing, err := r.getReviewTx(ctx, tx, id)
		if err != nil {
			return domain.Review{}, err
		}
		return domain.Review{}, fmt.Errorf("review %s already %s: %w", id, existing.Status, domain.ErrInvalidState)
	}
	return r.getReviewTx(ctx, tx, id)
}
