package model

// ErrorInfo describes the most recent session failure seen by the scheduler.
type ErrorInfo struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	FailedAt  string `json:"failed_at"`
}
