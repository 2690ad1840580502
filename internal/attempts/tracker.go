// Package attempts records acquisition attempts as a small state machine and
// derives refresh and backoff timing from their history.
package attempts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/yangwenmai/cookiepool/internal/metrics"
	"github.com/yangwenmai/cookiepool/internal/model"
	"github.com/yangwenmai/cookiepool/internal/retry"
	"github.com/yangwenmai/cookiepool/internal/store"
)

// Tracker defaults.
const (
	DefaultRefreshInterval = 30 * time.Minute
	DefaultStuckAfter      = 30 * time.Minute
	DefaultRetention       = 7 * 24 * time.Hour
	stuckErrorMessage      = "attempt abandoned: no completion reported before stuck threshold"
)

// Stats summarizes recent attempts.
type Stats struct {
	store.AttemptCounts
	SuccessRate float64 `json:"success_rate"`
	FailureRate float64 `json:"failure_rate"`
}

// Tracker persists attempts and computes eligibility.
type Tracker struct {
	repo            store.AttemptRepository
	backoff         retry.Policy
	refreshInterval time.Duration
	logger          zerolog.Logger
	now             func() time.Time
}

// NewTracker creates a Tracker. A zero backoff policy uses the default.
func NewTracker(repo store.AttemptRepository, backoff retry.Policy, refreshInterval time.Duration, logger zerolog.Logger) *Tracker {
	if backoff.BaseDelay <= 0 {
		backoff = retry.DefaultAttemptBackoff()
	}
	if refreshInterval <= 0 {
		refreshInterval = DefaultRefreshInterval
	}
	return &Tracker{
		repo:            repo,
		backoff:         backoff,
		refreshInterval: refreshInterval,
		logger:          logger,
		now:             time.Now,
	}
}

// Start records a new in-progress attempt.
func (t *Tracker) Start(ctx context.Context, targetRef, proxyRef string, metadata map[string]string) (*model.Attempt, error) {
	a := model.NewAttempt(uuid.NewString(), targetRef, proxyRef, metadata)
	a.StartedAt = t.now().UTC()
	if err := t.repo.InsertAttempt(ctx, a); err != nil {
		return nil, fmt.Errorf("insert attempt: %w", err)
	}
	t.logger.Debug().Str("attempt_id", a.ID).Str("target", targetRef).Msg("attempt started")
	return &a, nil
}

// MarkSuccess completes an in-progress attempt successfully. Returns
// store.ErrAttemptNotFound if the attempt is unknown or already terminal.
func (t *Tracker) MarkSuccess(ctx context.Context, id string, artifactCount, retryCount int) (*model.Attempt, error) {
	now := t.now()
	a, err := t.repo.CompleteAttempt(ctx, id, store.AttemptCompletion{
		Status:         model.AttemptSuccess,
		CompletedAt:    now,
		RetryCount:     retryCount,
		ArtifactCount:  artifactCount,
		NextEligibleAt: now.Add(t.refreshInterval),
	})
	if err != nil {
		return nil, t.completionError(id, model.AttemptSuccess, err)
	}
	metrics.ObserveAttempt(model.AttemptSuccess)
	return a, nil
}

// MarkFailed completes an in-progress attempt as failed. ConsecutiveFailures
// continues the streak of the target's previous terminal attempt, and the
// next eligible time backs off accordingly.
func (t *Tracker) MarkFailed(ctx context.Context, id, errMsg string, retryCount int) (*model.Attempt, error) {
	current, err := t.repo.GetAttempt(ctx, id)
	if err != nil {
		return nil, t.completionError(id, model.AttemptFailed, err)
	}
	if current.IsTerminal() {
		return nil, t.completionError(id, model.AttemptFailed, store.ErrAttemptNotFound)
	}

	prev, err := t.repo.LastTerminalAttempt(ctx, current.TargetRef)
	if err != nil {
		return nil, fmt.Errorf("load previous attempt: %w", err)
	}
	streak := 1
	if prev != nil && prev.Status == model.AttemptFailed {
		streak = prev.ConsecutiveFailures + 1
	}

	now := t.now()
	a, err := t.repo.CompleteAttempt(ctx, id, store.AttemptCompletion{
		Status:              model.AttemptFailed,
		CompletedAt:         now,
		RetryCount:          retryCount,
		ConsecutiveFailures: streak,
		ErrorMessage:        errMsg,
		NextEligibleAt:      now.Add(t.backoff.Backoff(streak)),
	})
	if err != nil {
		return nil, t.completionError(id, model.AttemptFailed, err)
	}
	metrics.ObserveAttempt(model.AttemptFailed)
	return a, nil
}

func (t *Tracker) completionError(id, status string, err error) error {
	if errors.Is(err, store.ErrAttemptNotFound) {
		t.logger.Error().Str("attempt_id", id).Str("status", status).Msg("completion for attempt not in progress")
	}
	return fmt.Errorf("mark attempt %s %s: %w", id, status, err)
}

// IsRefreshDue reports whether a steady-state refresh should run: no success
// yet, or the latest success's next eligible time has passed.
func (t *Tracker) IsRefreshDue(ctx context.Context) (bool, error) {
	last, err := t.repo.LatestSuccess(ctx)
	if err != nil {
		return false, fmt.Errorf("load latest success: %w", err)
	}
	if last == nil || last.NextEligibleAt == nil {
		return true, nil
	}
	return !last.NextEligibleAt.After(t.now()), nil
}

// IsTargetEligible reports whether the target is outside its failure backoff.
// Successful attempts never block a target.
func (t *Tracker) IsTargetEligible(ctx context.Context, targetRef string) (bool, error) {
	last, err := t.repo.LastTerminalAttempt(ctx, targetRef)
	if err != nil {
		return false, fmt.Errorf("load last attempt: %w", err)
	}
	if last == nil || last.Status != model.AttemptFailed || last.NextEligibleAt == nil {
		return true, nil
	}
	return !last.NextEligibleAt.After(t.now()), nil
}

// StuckAttempts lists in-progress attempts older than maxAge.
func (t *Tracker) StuckAttempts(ctx context.Context, maxAge time.Duration) ([]model.Attempt, error) {
	if maxAge <= 0 {
		maxAge = DefaultStuckAfter
	}
	return t.repo.ListStuckAttempts(ctx, t.now().Add(-maxAge))
}

// ResetStuck force-fails stuck attempts. Attempts that complete concurrently
// are skipped.
func (t *Tracker) ResetStuck(ctx context.Context, maxAge time.Duration) (int, error) {
	stuck, err := t.StuckAttempts(ctx, maxAge)
	if err != nil {
		return 0, fmt.Errorf("list stuck attempts: %w", err)
	}
	reset := 0
	for _, a := range stuck {
		if _, err := t.MarkFailed(ctx, a.ID, stuckErrorMessage, a.RetryCount); err != nil {
			if errors.Is(err, store.ErrAttemptNotFound) {
				continue
			}
			return reset, err
		}
		reset++
		t.logger.Warn().Str("attempt_id", a.ID).Time("started_at", a.StartedAt).Msg("reset stuck attempt")
	}
	return reset, nil
}

// Prune deletes terminal attempts completed more than retention ago.
func (t *Tracker) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		retention = DefaultRetention
	}
	n, err := t.repo.DeleteAttemptsBefore(ctx, t.now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("prune attempts: %w", err)
	}
	return n, nil
}

// Stats aggregates the most recent limit attempts.
func (t *Tracker) Stats(ctx context.Context, limit int) (Stats, error) {
	c, err := t.repo.CountRecentAttempts(ctx, limit)
	if err != nil {
		return Stats{}, fmt.Errorf("attempt stats: %w", err)
	}
	s := Stats{AttemptCounts: c}
	if done := c.Success + c.Failed; done > 0 {
		s.SuccessRate = float64(c.Success) / float64(done)
		s.FailureRate = float64(c.Failed) / float64(done)
	}
	return s, nil
}
