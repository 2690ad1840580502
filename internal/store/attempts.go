package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/yangwenmai/cookiepool/internal/model"
)

const attemptColumns = `id, target_ref, proxy_ref, status, started_at, completed_at, duration_ms, retry_count,
	consecutive_failures, error_message, artifact_count, next_eligible_at, metadata`

// InsertAttempt records a new attempt.
func (s *Store) InsertAttempt(ctx context.Context, a model.Attempt) error {
	meta := a.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO attempts (`+attemptColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.TargetRef, a.ProxyRef, a.Status, toMillis(a.StartedAt), nullMillis(a.CompletedAt),
		a.DurationMs, a.RetryCount, a.ConsecutiveFailures, a.ErrorMessage, a.ArtifactCount,
		nullMillis(a.NextEligibleAt), string(metaJSON),
	)
	return err
}

// GetAttempt returns the attempt with the given id.
func (s *Store) GetAttempt(ctx context.Context, id string) (*model.Attempt, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+attemptColumns+` FROM attempts WHERE id = ?`, id)
	a, err := scanAttempt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAttemptNotFound
	}
	return a, err
}

// CompleteAttempt moves an in-progress attempt to its terminal state. The update
// only applies while the row is still in_progress; otherwise ErrAttemptNotFound
// is returned and the row is left untouched.
func (s *Store) CompleteAttempt(ctx context.Context, id string, c AttemptCompletion) (*model.Attempt, error) {
	done := toMillis(c.CompletedAt)
	row := s.db.QueryRowContext(ctx, `
		UPDATE attempts SET
			status = ?,
			completed_at = ?,
			duration_ms = MAX(0, ? - started_at),
			retry_count = ?,
			consecutive_failures = ?,
			error_message = ?,
			artifact_count = ?,
			next_eligible_at = ?
		WHERE id = ? AND status = ?
		RETURNING `+attemptColumns,
		c.Status, done, done, c.RetryCount, c.ConsecutiveFailures, c.ErrorMessage, c.ArtifactCount,
		nullMillis(&c.NextEligibleAt), id, model.AttemptInProgress,
	)
	a, err := scanAttempt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAttemptNotFound
	}
	return a, err
}

// LastTerminalAttempt returns the most recently completed attempt for a target,
// or nil if the target has none.
func (s *Store) LastTerminalAttempt(ctx context.Context, targetRef string) (*model.Attempt, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+attemptColumns+` FROM attempts
		WHERE target_ref = ? AND status != ?
		ORDER BY completed_at DESC LIMIT 1`,
		targetRef, model.AttemptInProgress,
	)
	a, err := scanAttempt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

// LatestSuccess returns the most recent successful attempt across all targets,
// or nil if none succeeded yet.
func (s *Store) LatestSuccess(ctx context.Context) (*model.Attempt, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+attemptColumns+` FROM attempts
		WHERE status = ?
		ORDER BY completed_at DESC LIMIT 1`,
		model.AttemptSuccess,
	)
	a, err := scanAttempt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

// ListStuckAttempts returns in-progress attempts started before the cutoff.
func (s *Store) ListStuckAttempts(ctx context.Context, startedBefore time.Time) ([]model.Attempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+attemptColumns+` FROM attempts
		WHERE status = ? AND started_at < ?
		ORDER BY started_at ASC`,
		model.AttemptInProgress, toMillis(startedBefore),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// DeleteAttemptsBefore removes terminal attempts completed before the cutoff.
func (s *Store) DeleteAttemptsBefore(ctx context.Context, completedBefore time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM attempts WHERE status != ? AND completed_at < ?`,
		model.AttemptInProgress, toMillis(completedBefore),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountRecentAttempts aggregates the limit most recently started attempts.
func (s *Store) CountRecentAttempts(ctx context.Context, limit int) (AttemptCounts, error) {
	if limit <= 0 {
		limit = 100
	}
	var c AttemptCounts
	var avg sql.NullFloat64
	row := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
			AVG(CASE WHEN status != ? THEN duration_ms END)
		FROM (SELECT status, duration_ms FROM attempts ORDER BY started_at DESC LIMIT ?)`,
		model.AttemptSuccess, model.AttemptFailed, model.AttemptInProgress, model.AttemptInProgress, limit,
	)
	if err := row.Scan(&c.Total, &c.Success, &c.Failed, &c.InProgress, &avg); err != nil {
		return c, err
	}
	if avg.Valid {
		c.AvgDurationMs = avg.Float64
	}
	return c, nil
}

func scanAttempt(row scanner) (*model.Attempt, error) {
	var (
		a                   model.Attempt
		started             int64
		completed, eligible sql.NullInt64
		meta                string
	)
	err := row.Scan(
		&a.ID, &a.TargetRef, &a.ProxyRef, &a.Status, &started, &completed, &a.DurationMs, &a.RetryCount,
		&a.ConsecutiveFailures, &a.ErrorMessage, &a.ArtifactCount, &eligible, &meta,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(meta), &a.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata for %s: %w", a.ID, err)
	}
	a.StartedAt = fromMillis(started)
	a.CompletedAt = fromNullMillis(completed)
	a.NextEligibleAt = fromNullMillis(eligible)
	return &a, nil
}
