package model

// Target is an external URL the pool visits to elicit cookies.
type Target struct {
	ID     string   `json:"id" yaml:"id"`
	URL    string   `json:"url" yaml:"url"`
	Domain string   `json:"domain" yaml:"domain"`
	Tags   []string `json:"tags,omitempty" yaml:"tags"`
}

// Outcome is the per-target feedback reported after an attempt.
type Outcome struct {
	Success       bool   `json:"success"`
	ArtifactCount int    `json:"artifact_count"`
	LatencyMs     int64  `json:"latency_ms"`
	Error         string `json:"error,omitempty"`
}
