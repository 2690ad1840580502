package store

import (
	"context"
	"time"

	"github.com/yangwenmai/cookiepool/internal/model"
)

// ArtifactFilter narrows the serving query. Zero values disable a clause.
type ArtifactFilter struct {
	Domain      string
	Tag         string
	MinScore    int
	UnusedSince time.Time // when set, skip artifacts used at or after this instant
}

// FeedbackUpdate describes one quality adjustment.
type FeedbackUpdate struct {
	Success   bool
	Delta     int
	FailBelow int // score strictly below this retires the artifact
}

// AttemptCompletion is the terminal state written by a compare-and-swap update.
type AttemptCompletion struct {
	Status              string
	CompletedAt         time.Time
	RetryCount          int
	ConsecutiveFailures int
	ErrorMessage        string
	ArtifactCount       int
	NextEligibleAt      time.Time
}

// AttemptCounts aggregates the most recent attempts.
type AttemptCounts struct {
	Total         int     `json:"total"`
	Success       int     `json:"success"`
	Failed        int     `json:"failed"`
	InProgress    int     `json:"in_progress"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
}

// ArtifactReader provides read access to artifacts.
type ArtifactReader interface {
	GetArtifact(ctx context.Context, id string) (*model.Artifact, error)
	ListArtifacts(ctx context.Context, limit int) ([]model.Artifact, error)
	CountArtifacts(ctx context.Context, activeOnly bool, now time.Time) (int, error)
	ListExpiringArtifacts(ctx context.Context, now, before time.Time) ([]model.Artifact, error)
}

// ArtifactWriter provides write access to artifacts.
type ArtifactWriter interface {
	InsertArtifact(ctx context.Context, a model.Artifact) error
	ClaimBestArtifact(ctx context.Context, f ArtifactFilter, now time.Time) (*model.Artifact, error)
	ApplyFeedback(ctx context.Context, id string, u FeedbackUpdate, now time.Time) (*model.Artifact, error)
	DeleteExpiredArtifacts(ctx context.Context, now time.Time) (int64, error)
	DeleteInvalidArtifacts(ctx context.Context, modifiedBefore time.Time) (int64, error)
}

// ArtifactRepository combines artifact operations for the cookie pool.
type ArtifactRepository interface {
	ArtifactReader
	ArtifactWriter
}

// AttemptRepository provides attempt persistence for the tracker.
type AttemptRepository interface {
	InsertAttempt(ctx context.Context, a model.Attempt) error
	GetAttempt(ctx context.Context, id string) (*model.Attempt, error)
	CompleteAttempt(ctx context.Context, id string, c AttemptCompletion) (*model.Attempt, error)
	LastTerminalAttempt(ctx context.Context, targetRef string) (*model.Attempt, error)
	LatestSuccess(ctx context.Context) (*model.Attempt, error)
	ListStuckAttempts(ctx context.Context, startedBefore time.Time) ([]model.Attempt, error)
	DeleteAttemptsBefore(ctx context.Context, completedBefore time.Time) (int64, error)
	CountRecentAttempts(ctx context.Context, limit int) (AttemptCounts, error)
}
