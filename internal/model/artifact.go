package model

import (
	"strings"
	"time"
)

// Artifact status constants
const (
	StatusActive  = "active"
	StatusExpired = "expired"
	StatusFailed  = "failed"
)

// Quality bounds
const (
	MaxScore     = 100
	MinScore     = 0
	InitialScore = MaxScore
)

// CookieEntry is a single name/value record collected from the target.
// Expires is a unix timestamp in seconds; zero marks a session cookie.
type CookieEntry struct {
	Name     string `json:"name"`
	Value    string `json:"value"`
	Domain   string `json:"domain"`
	Path     string `json:"path,omitempty"`
	Expires  int64  `json:"expires,omitempty"`
	HTTPOnly bool   `json:"http_only,omitempty"`
	Secure   bool   `json:"secure,omitempty"`
}

// ExpiresAt returns the expiry as a time, or the zero time for session cookies.
func (c CookieEntry) ExpiresAt() time.Time {
	if c.Expires <= 0 {
		return time.Time{}
	}
	return time.Unix(c.Expires, 0).UTC()
}

// MatchesDomain reports whether the cookie is scoped to domain or one of its parents.
func (c CookieEntry) MatchesDomain(domain string) bool {
	cd := strings.ToLower(strings.TrimPrefix(c.Domain, "."))
	d := strings.ToLower(strings.TrimPrefix(domain, "."))
	if cd == "" || d == "" {
		return false
	}
	return cd == d || strings.HasSuffix(d, "."+cd) || strings.HasSuffix(cd, "."+d)
}

// Source records which target and proxy produced an Artifact.
type Source struct {
	TargetID  string `json:"target_id"`
	TargetURL string `json:"target_url"`
	Domain    string `json:"domain"`
	Proxy     string `json:"proxy,omitempty"`
}

// Validity tracks whether an Artifact may still be served.
type Validity struct {
	IsValid    bool       `json:"is_valid"`
	ExpiresAt  time.Time  `json:"expires_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	UsageCount uint       `json:"usage_count"`
}

// Quality is the feedback-driven reputation of an Artifact.
type Quality struct {
	Score         int        `json:"score"`
	LastSuccessAt *time.Time `json:"last_success_at,omitempty"`
}

// Artifact is a stored cookie set plus its metadata.
type Artifact struct {
	ID        string        `json:"id"`
	Cookies   []CookieEntry `json:"cookies"`
	Source    Source        `json:"source"`
	Validity  Validity      `json:"validity"`
	Quality   Quality       `json:"quality"`
	Status    string        `json:"status"`
	Tags      []string      `json:"tags"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// NewArtifact creates an active Artifact with a full quality score, created at now.
func NewArtifact(id string, cookies []CookieEntry, src Source, tags []string, expiresAt, now time.Time) Artifact {
	now = now.UTC()
	if tags == nil {
		tags = []string{}
	}
	return Artifact{
		ID:      id,
		Cookies: cookies,
		Source:  src,
		Validity: Validity{
			IsValid:   true,
			ExpiresAt: expiresAt.UTC(),
		},
		Quality:   Quality{Score: InitialScore},
		Status:    StatusActive,
		Tags:      tags,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// EffectiveStatus reports the status as of now. An active artifact past its
// expiry is reported as expired regardless of the stored value.
func (a *Artifact) EffectiveStatus(now time.Time) string {
	if a.Status == StatusActive && !a.Validity.ExpiresAt.After(now) {
		return StatusExpired
	}
	return a.Status
}

// Servable reports whether the artifact may be handed to a consumer at now.
func (a *Artifact) Servable(now time.Time) bool {
	return a.EffectiveStatus(now) == StatusActive && a.Validity.IsValid
}

// ClampScore bounds a quality score to [MinScore, MaxScore].
func ClampScore(score int) int {
	if score < MinScore {
		return MinScore
	}
	if score > MaxScore {
		return MaxScore
	}
	return score
}
