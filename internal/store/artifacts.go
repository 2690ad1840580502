package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/yangwenmai/cookiepool/internal/model"
)

const artifactColumns = `id, cookies, target_id, target_url, domain, proxy, is_valid, expires_at, last_used_at,
	usage_count, score, last_success_at, status, tags, created_at, updated_at`

// InsertArtifact stores a new artifact. A colliding id yields ErrDuplicateArtifact.
func (s *Store) InsertArtifact(ctx context.Context, a model.Artifact) error {
	cookies, err := json.Marshal(a.Cookies)
	if err != nil {
		return fmt.Errorf("encode cookies: %w", err)
	}
	tags := a.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO artifacts (`+artifactColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		a.ID, string(cookies), a.Source.TargetID, a.Source.TargetURL, strings.ToLower(a.Source.Domain), a.Source.Proxy,
		a.Validity.IsValid, toMillis(a.Validity.ExpiresAt), nullMillis(a.Validity.LastUsedAt),
		a.Validity.UsageCount, model.ClampScore(a.Quality.Score), nullMillis(a.Quality.LastSuccessAt),
		a.Status, string(tagsJSON), toMillis(a.CreatedAt), toMillis(a.UpdatedAt),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDuplicateArtifact
	}
	return nil
}

// GetArtifact returns the artifact with the given id.
func (s *Store) GetArtifact(ctx context.Context, id string) (*model.Artifact, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE id = ?`, id)
	a, err := scanArtifact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrArtifactNotFound
	}
	return a, err
}

// ListArtifacts returns the most recently created artifacts.
func (s *Store) ListArtifacts(ctx context.Context, limit int) ([]model.Artifact, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+artifactColumns+` FROM artifacts ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	return collectArtifacts(rows)
}

// ClaimBestArtifact atomically picks the best servable artifact matching f and
// records the serve (usage_count+1, last_used_at=now). Returns nil if none match.
func (s *Store) ClaimBestArtifact(ctx context.Context, f ArtifactFilter, now time.Time) (*model.Artifact, error) {
	nowMs := toMillis(now)
	conditions := []string{"status = ?", "is_valid = 1", "expires_at > ?"}
	args := []interface{}{model.StatusActive, nowMs}

	if f.Domain != "" {
		d := strings.ToLower(strings.TrimPrefix(f.Domain, "."))
		// Suffix match on ".d" without LIKE so '%' and '_' stay literal.
		conditions = append(conditions, "(domain = ? OR substr(domain, ?) = ?)")
		args = append(args, d, -(len(d) + 1), "."+d)
	}
	if f.Tag != "" {
		conditions = append(conditions, "EXISTS (SELECT 1 FROM json_each(artifacts.tags) WHERE json_each.value = ?)")
		args = append(args, f.Tag)
	}
	if f.MinScore > 0 {
		conditions = append(conditions, "score >= ?")
		args = append(args, f.MinScore)
	}
	if !f.UnusedSince.IsZero() {
		conditions = append(conditions, "(last_used_at IS NULL OR last_used_at < ?)")
		args = append(args, toMillis(f.UnusedSince))
	}

	query := `
		UPDATE artifacts SET usage_count = usage_count + 1, last_used_at = ?, updated_at = ?
		WHERE id = (
			SELECT id FROM artifacts
			WHERE ` + strings.Join(conditions, " AND ") + `
			ORDER BY score DESC, usage_count ASC, created_at DESC
			LIMIT 1
		)
		RETURNING ` + artifactColumns

	row := s.db.QueryRowContext(ctx, query, append([]interface{}{nowMs, nowMs}, args...)...)
	a, err := scanArtifact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

// ApplyFeedback adjusts the quality score in a single statement. A failure that
// drops the score below u.FailBelow retires the artifact. Retired artifacts are
// terminal: feedback leaves them untouched and returns them as stored.
func (s *Store) ApplyFeedback(ctx context.Context, id string, u FeedbackUpdate, now time.Time) (*model.Artifact, error) {
	nowMs := toMillis(now)
	var row *sql.Row
	if u.Success {
		row = s.db.QueryRowContext(ctx, `
			UPDATE artifacts SET
				score = MIN(?, MAX(?, score + ?)),
				last_success_at = ?,
				updated_at = ?
			WHERE id = ? AND status != ?
			RETURNING `+artifactColumns,
			model.MaxScore, model.MinScore, u.Delta, nowMs, nowMs, id, model.StatusFailed,
		)
	} else {
		row = s.db.QueryRowContext(ctx, `
			UPDATE artifacts SET
				score = MIN(?, MAX(?, score - ?)),
				status = CASE WHEN MAX(?, score - ?) < ? THEN ? ELSE status END,
				is_valid = CASE WHEN MAX(?, score - ?) < ? THEN 0 ELSE is_valid END,
				updated_at = ?
			WHERE id = ? AND status != ?
			RETURNING `+artifactColumns,
			model.MaxScore, model.MinScore, u.Delta,
			model.MinScore, u.Delta, u.FailBelow, model.StatusFailed,
			model.MinScore, u.Delta, u.FailBelow,
			nowMs, id, model.StatusFailed,
		)
	}
	a, err := scanArtifact(row)
	if errors.Is(err, sql.ErrNoRows) {
		// Either unknown or already retired.
		return s.GetArtifact(ctx, id)
	}
	return a, err
}

// DeleteExpiredArtifacts removes artifacts whose expiry has passed.
func (s *Store) DeleteExpiredArtifacts(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM artifacts WHERE expires_at < ?`, toMillis(now))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteInvalidArtifacts removes invalidated artifacts last modified before the cutoff.
func (s *Store) DeleteInvalidArtifacts(ctx context.Context, modifiedBefore time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM artifacts WHERE is_valid = 0 AND updated_at < ?`, toMillis(modifiedBefore))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountArtifacts counts all artifacts, or only servable ones when activeOnly is set.
func (s *Store) CountArtifacts(ctx context.Context, activeOnly bool, now time.Time) (int, error) {
	var n int
	var err error
	if activeOnly {
		err = s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM artifacts WHERE status = ? AND is_valid = 1 AND expires_at > ?`,
			model.StatusActive, toMillis(now),
		).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM artifacts`).Scan(&n)
	}
	return n, err
}

// ListExpiringArtifacts returns servable artifacts whose expiry falls in (now, before].
func (s *Store) ListExpiringArtifacts(ctx context.Context, now, before time.Time) ([]model.Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+artifactColumns+` FROM artifacts
		WHERE status = ? AND is_valid = 1 AND expires_at > ? AND expires_at <= ?
		ORDER BY expires_at ASC`,
		model.StatusActive, toMillis(now), toMillis(before),
	)
	if err != nil {
		return nil, err
	}
	return collectArtifacts(rows)
}

func collectArtifacts(rows *sql.Rows) ([]model.Artifact, error) {
	defer rows.Close()
	var out []model.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func scanArtifact(row scanner) (*model.Artifact, error) {
	var (
		a                           model.Artifact
		cookies, tags               string
		expiresAt, created, updated int64
		lastUsed, lastSuccess       sql.NullInt64
	)
	err := row.Scan(
		&a.ID, &cookies, &a.Source.TargetID, &a.Source.TargetURL, &a.Source.Domain, &a.Source.Proxy,
		&a.Validity.IsValid, &expiresAt, &lastUsed, &a.Validity.UsageCount, &a.Quality.Score, &lastSuccess,
		&a.Status, &tags, &created, &updated,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(cookies), &a.Cookies); err != nil {
		return nil, fmt.Errorf("decode cookies for %s: %w", a.ID, err)
	}
	if err := json.Unmarshal([]byte(tags), &a.Tags); err != nil {
		return nil, fmt.Errorf("decode tags for %s: %w", a.ID, err)
	}
	a.Validity.ExpiresAt = fromMillis(expiresAt)
	a.Validity.LastUsedAt = fromNullMillis(lastUsed)
	a.Quality.LastSuccessAt = fromNullMillis(lastSuccess)
	a.CreatedAt = fromMillis(created)
	a.UpdatedAt = fromMillis(updated)
	return &a, nil
}
