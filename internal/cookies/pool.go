// Package cookies implements the quality-scored, time-bounded pool of acquired
// cookie sets.
package cookies

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/yangwenmai/cookiepool/internal/metrics"
	"github.com/yangwenmai/cookiepool/internal/model"
	"github.com/yangwenmai/cookiepool/internal/store"
)

// Expiry policies for Put.
const (
	// ExpiryEarliest uses the earliest future cookie expiry.
	ExpiryEarliest = "earliest"
	// ExpiryRefreshFloor uses the later of the latest cookie expiry and now+MinRefresh.
	ExpiryRefreshFloor = "refresh_floor"
)

// Pool defaults.
const (
	DefaultTTL         = 24 * time.Hour
	DefaultReuseWindow = 5 * time.Minute
	DefaultFailedGrace = 24 * time.Hour
	DefaultMinRefresh  = 30 * time.Minute
	FailureFloor       = 20
)

const (
	successDelta = 1
	failureDelta = 5
)

// tokenMarkers identify the cookie a consumer actually needs.
var tokenMarkers = []string{"session", "auth", "token"}

// Filter selects which artifact SelectBest may serve.
type Filter struct {
	Domain     string
	Tag        string
	MinScore   int
	AvoidReuse bool
}

// EvictionCounts reports how many artifacts a sweep removed.
type EvictionCounts struct {
	Expired int64 `json:"expired"`
	Invalid int64 `json:"invalid"`
}

// Options tune a Pool.
type Options struct {
	ExpiryPolicy string
	DefaultTTL   time.Duration
	MinRefresh   time.Duration
	ReuseWindow  time.Duration
	FailedGrace  time.Duration
}

func (o *Options) applyDefaults() {
	if o.ExpiryPolicy == "" {
		o.ExpiryPolicy = ExpiryEarliest
	}
	if o.DefaultTTL <= 0 {
		o.DefaultTTL = DefaultTTL
	}
	if o.MinRefresh <= 0 {
		o.MinRefresh = DefaultMinRefresh
	}
	if o.ReuseWindow <= 0 {
		o.ReuseWindow = DefaultReuseWindow
	}
	if o.FailedGrace <= 0 {
		o.FailedGrace = DefaultFailedGrace
	}
}

// Pool stores and serves artifacts.
type Pool struct {
	repo   store.ArtifactRepository
	opts   Options
	logger zerolog.Logger
	now    func() time.Time
	newID  func() string
}

// NewPool creates a Pool backed by repo.
func NewPool(repo store.ArtifactRepository, opts Options, logger zerolog.Logger) *Pool {
	opts.applyDefaults()
	return &Pool{
		repo:   repo,
		opts:   opts,
		logger: logger,
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

// Put stores a freshly acquired cookie set. A duplicate id is logged and
// reported as (nil, nil).
func (p *Pool) Put(ctx context.Context, cookies []model.CookieEntry, src model.Source, tags []string) (*model.Artifact, error) {
	now := p.now()
	a := model.NewArtifact(p.newID(), cookies, src, tags, p.expiryFor(cookies, now), now)

	if err := p.repo.InsertArtifact(ctx, a); err != nil {
		if errors.Is(err, store.ErrDuplicateArtifact) {
			p.logger.Error().Str("artifact_id", a.ID).Msg("duplicate artifact id, dropping")
			return nil, nil
		}
		return nil, fmt.Errorf("insert artifact: %w", err)
	}
	p.logger.Info().
		Str("artifact_id", a.ID).
		Str("domain", src.Domain).
		Int("cookies", len(cookies)).
		Time("expires_at", a.Validity.ExpiresAt).
		Msg("artifact stored")
	return &a, nil
}

// expiryFor applies the configured expiry policy. Session cookies and cookies
// already expired do not count.
func (p *Pool) expiryFor(cookies []model.CookieEntry, now time.Time) time.Time {
	var earliest, latest time.Time
	for _, c := range cookies {
		exp := c.ExpiresAt()
		if exp.IsZero() || !exp.After(now) {
			continue
		}
		if earliest.IsZero() || exp.Before(earliest) {
			earliest = exp
		}
		if exp.After(latest) {
			latest = exp
		}
	}

	switch p.opts.ExpiryPolicy {
	case ExpiryRefreshFloor:
		floor := now.Add(p.opts.MinRefresh)
		if latest.After(floor) {
			return latest
		}
		return floor
	default:
		if earliest.IsZero() {
			return now.Add(p.opts.DefaultTTL)
		}
		return earliest
	}
}

// SelectBest serves the best matching artifact, recording the use in the same
// statement. Returns (nil, nil) when nothing qualifies.
func (p *Pool) SelectBest(ctx context.Context, f Filter) (*model.Artifact, error) {
	now := p.now()
	sf := store.ArtifactFilter{
		Domain:   f.Domain,
		Tag:      f.Tag,
		MinScore: f.MinScore,
	}
	if f.AvoidReuse {
		sf.UnusedSince = now.Add(-p.opts.ReuseWindow)
	}

	a, err := p.repo.ClaimBestArtifact(ctx, sf, now)
	if err != nil {
		return nil, fmt.Errorf("select best artifact: %w", err)
	}
	metrics.ObserveServe(a != nil)
	if a == nil {
		return nil, nil
	}
	p.logger.Debug().
		Str("artifact_id", a.ID).
		Int("score", a.Quality.Score).
		Uint("usage_count", a.Validity.UsageCount).
		Msg("artifact served")
	return a, nil
}

// RecordFeedback applies consumer feedback. Failures that push the score under
// FailureFloor retire the artifact permanently.
func (p *Pool) RecordFeedback(ctx context.Context, id string, success bool) (*model.Artifact, error) {
	u := store.FeedbackUpdate{Success: success, Delta: successDelta, FailBelow: FailureFloor}
	if !success {
		u.Delta = failureDelta
	}
	a, err := p.repo.ApplyFeedback(ctx, id, u, p.now())
	if err != nil {
		return nil, fmt.Errorf("record feedback for %s: %w", id, err)
	}
	metrics.ObserveFeedback(success)
	if a.Status == model.StatusFailed {
		p.logger.Warn().Str("artifact_id", id).Int("score", a.Quality.Score).Msg("artifact retired")
	}
	return a, nil
}

// EvictExpiredAndFailed deletes expired artifacts and invalid ones past the
// grace window.
func (p *Pool) EvictExpiredAndFailed(ctx context.Context) (EvictionCounts, error) {
	var c EvictionCounts
	now := p.now()

	n, err := p.repo.DeleteExpiredArtifacts(ctx, now)
	if err != nil {
		return c, fmt.Errorf("evict expired: %w", err)
	}
	c.Expired = n

	n, err = p.repo.DeleteInvalidArtifacts(ctx, now.Add(-p.opts.FailedGrace))
	if err != nil {
		return c, fmt.Errorf("evict invalid: %w", err)
	}
	c.Invalid = n

	metrics.ObserveEvictions("expired", c.Expired)
	metrics.ObserveEvictions("invalid", c.Invalid)
	if c.Expired > 0 || c.Invalid > 0 {
		p.logger.Info().Int64("expired", c.Expired).Int64("invalid", c.Invalid).Msg("evicted artifacts")
	}
	return c, nil
}

// Count returns the number of stored artifacts, or servable ones when activeOnly.
func (p *Pool) Count(ctx context.Context, activeOnly bool) (int, error) {
	n, err := p.repo.CountArtifacts(ctx, activeOnly, p.now())
	if err != nil {
		return 0, fmt.Errorf("count artifacts: %w", err)
	}
	if activeOnly {
		metrics.SetActiveArtifacts(n)
	}
	return n, nil
}

// ExpiringWithin returns servable artifacts that expire within d.
func (p *Pool) ExpiringWithin(ctx context.Context, d time.Duration) ([]model.Artifact, error) {
	now := p.now()
	out, err := p.repo.ListExpiringArtifacts(ctx, now, now.Add(d))
	if err != nil {
		return nil, fmt.Errorf("list expiring artifacts: %w", err)
	}
	return out, nil
}

// Get returns an artifact without recording a use. The reported status
// reflects expiry as of now, not the stored flag.
func (p *Pool) Get(ctx context.Context, id string) (*model.Artifact, error) {
	a, err := p.repo.GetArtifact(ctx, id)
	if err != nil {
		return nil, err
	}
	a.Status = a.EffectiveStatus(p.now())
	return a, nil
}

// List returns up to limit artifacts, newest first, with effective status.
func (p *Pool) List(ctx context.Context, limit int) ([]model.Artifact, error) {
	out, err := p.repo.ListArtifacts(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	now := p.now()
	for i := range out {
		out[i].Status = out[i].EffectiveStatus(now)
	}
	return out, nil
}

// PrimaryToken returns the first cookie whose name contains a session, auth or
// token marker.
func PrimaryToken(a *model.Artifact) (model.CookieEntry, bool) {
	if a == nil {
		return model.CookieEntry{}, false
	}
	for _, c := range a.Cookies {
		name := strings.ToLower(c.Name)
		for _, m := range tokenMarkers {
			if strings.Contains(name, m) {
				return c, true
			}
		}
	}
	return model.CookieEntry{}, false
}
