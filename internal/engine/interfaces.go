package engine

import (
	"context"

	"github.com/yangwenmai/cookiepool/internal/model"
)

// DirectProxy selects no egress proxy.
const DirectProxy = "direct"

// Handle is an opaque browsing context owned by a Browser implementation.
type Handle interface{}

// Browser abstracts the browser engine that visits a target and collects
// cookies. Implementations must tolerate concurrent use by several sessions.
type Browser interface {
	Open(ctx context.Context, proxy string) (Handle, error)
	Visit(ctx context.Context, h Handle, url string) (*VisitOutcome, error)
	Close(h Handle) error
}

// VisitOutcome holds what one page visit produced.
type VisitOutcome struct {
	Cookies    []model.CookieEntry `json:"cookies"`
	StatusCode int                 `json:"status_code"`
	FinalURL   string              `json:"final_url"`
	Page       PageInfo            `json:"page"`
}

// TargetSource supplies acquisition targets and receives per-target feedback.
type TargetSource interface {
	RandomTarget(ctx context.Context) (*model.Target, error)
	ReportOutcome(ctx context.Context, id string, o model.Outcome) error
}

// AlternateSource is implemented by target sources that can offer another
// target on the same domain.
type AlternateSource interface {
	Alternate(ctx context.Context, current model.Target) (*model.Target, bool)
}

// ProxyPicker hands out egress proxies and records proxy failures.
type ProxyPicker interface {
	Pick(avoidFailed bool) (string, error)
	PickFresh(current string) (string, error)
	MarkFailed(proxy string)
}

// ArtifactSink persists validated cookie sets.
type ArtifactSink interface {
	Put(ctx context.Context, cookies []model.CookieEntry, src model.Source, tags []string) (*model.Artifact, error)
}

// AttemptRecorder records attempt lifecycle transitions.
type AttemptRecorder interface {
	Start(ctx context.Context, targetRef, proxyRef string, metadata map[string]string) (*model.Attempt, error)
	MarkSuccess(ctx context.Context, id string, artifactCount, retryCount int) (*model.Attempt, error)
	MarkFailed(ctx context.Context, id, errMsg string, retryCount int) (*model.Attempt, error)
	IsTargetEligible(ctx context.Context, targetRef string) (bool, error)
}
