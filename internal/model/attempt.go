package model

import "time"

// Attempt status constants
const (
	AttemptInProgress = "in_progress"
	AttemptSuccess    = "success"
	AttemptFailed     = "failed"
)

// Attempt is one logical try to acquire an Artifact from a target.
type Attempt struct {
	ID                  string            `json:"id"`
	TargetRef           string            `json:"target_ref"`
	ProxyRef            string            `json:"proxy_ref"`
	Status              string            `json:"status"`
	StartedAt           time.Time         `json:"started_at"`
	CompletedAt         *time.Time        `json:"completed_at,omitempty"`
	DurationMs          int64             `json:"duration_ms"`
	RetryCount          int               `json:"retry_count"`
	ConsecutiveFailures int               `json:"consecutive_failures"`
	ErrorMessage        string            `json:"error_message,omitempty"`
	ArtifactCount       int               `json:"artifact_count"`
	NextEligibleAt      *time.Time        `json:"next_eligible_at,omitempty"`
	Metadata            map[string]string `json:"metadata,omitempty"`
}

// NewAttempt creates an in-progress Attempt.
func NewAttempt(id, targetRef, proxyRef string, metadata map[string]string) Attempt {
	return Attempt{
		ID:        id,
		TargetRef: targetRef,
		ProxyRef:  proxyRef,
		Status:    AttemptInProgress,
		StartedAt: time.Now().UTC(),
		Metadata:  metadata,
	}
}

// IsTerminal reports whether the attempt has left in_progress.
func (a *Attempt) IsTerminal() bool {
	return a.Status == AttemptSuccess || a.Status == AttemptFailed
}
