package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/yangwenmai/cookiepool/internal/metrics"
	"github.com/yangwenmai/cookiepool/internal/model"
	"github.com/yangwenmai/cookiepool/internal/proxy"
	"github.com/yangwenmai/cookiepool/internal/retry"
	"github.com/yangwenmai/cookiepool/internal/targets"
)

// Session defaults.
const (
	DefaultSessionTimeout    = 2 * time.Minute
	DefaultValidationRetries = 2
	DefaultTargetPicks       = 5
)

// SessionConfig tunes an acquisition session.
type SessionConfig struct {
	// Timeout bounds one open-visit-validate cycle.
	Timeout time.Duration
	// ValidationRetries is how many extra visits a failed validation gets on
	// the same browsing context. Zero uses the default; negative disables.
	ValidationRetries int
	// TargetPicks bounds how many random targets are sampled looking for one
	// outside its failure backoff.
	TargetPicks int
	// Retry is the per-session attempt budget.
	Retry retry.Policy
	// Validator holds the payload thresholds.
	Validator Validator
}

func (c *SessionConfig) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = DefaultSessionTimeout
	}
	switch {
	case c.ValidationRetries == 0:
		c.ValidationRetries = DefaultValidationRetries
	case c.ValidationRetries < 0:
		c.ValidationRetries = 0
	}
	if c.TargetPicks <= 0 {
		c.TargetPicks = DefaultTargetPicks
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry = retry.DefaultSession()
	}
	if c.Validator.MinDomainCookies <= 0 && c.Validator.MinPayloadBytes <= 0 {
		c.Validator = DefaultValidator()
	}
}

// Request selects what a session acquires. Zero values let the session choose.
type Request struct {
	Target *model.Target
	Proxy  string
}

// Result describes a finished session.
type Result struct {
	Artifact *model.Artifact
	Target   *model.Target
	Proxy    string
	Tries    int
	Errors   []string
	Duration time.Duration
}

// Session drives acquisition attempts end to end.
type Session struct {
	targets TargetSource
	proxies ProxyPicker
	browser Browser
	pool    ArtifactSink
	tracker AttemptRecorder
	cfg     SessionConfig
	logger  zerolog.Logger
}

// NewSession wires a session from its collaborators.
func NewSession(ts TargetSource, pp ProxyPicker, b Browser, sink ArtifactSink, rec AttemptRecorder, cfg SessionConfig, logger zerolog.Logger) *Session {
	cfg.applyDefaults()
	return &Session{
		targets: ts,
		proxies: pp,
		browser: b,
		pool:    sink,
		tracker: rec,
		cfg:     cfg,
		logger:  logger,
	}
}

// Preflight reports configuration errors without running an attempt.
func (s *Session) Preflight(ctx context.Context) error {
	if _, err := s.proxies.Pick(false); err != nil {
		if errors.Is(err, proxy.ErrNoProxyAvailable) {
			return configError(KindProxyUnavailable, err, "no proxies configured")
		}
		return newError(KindProxyUnavailable, err, "pick proxy")
	}
	if _, err := s.targets.RandomTarget(ctx); err != nil {
		if errors.Is(err, targets.ErrNoTargets) {
			return configError(KindTargetUnavailable, err, "no targets configured")
		}
		return newError(KindTargetUnavailable, err, "pick target")
	}
	return nil
}

// Run performs up to the retry budget of attempts, each with a fresh proxy
// and, when available, an alternate target. Session-local failures are
// recorded as failed attempts and returned as *Error; only configuration
// errors have fatal severity.
func (s *Session) Run(ctx context.Context, req Request) (*Result, error) {
	begin := time.Now()
	res := &Result{}
	defer func() {
		res.Duration = time.Since(begin)
		outcome := model.AttemptFailed
		if res.Artifact != nil {
			outcome = model.AttemptSuccess
		}
		metrics.ObserveSession(outcome, res.Duration)
	}()

	target, err := s.resolveTarget(ctx, req.Target)
	if err != nil {
		return res, err
	}
	res.Target = target

	current := req.Proxy
	var lastErr error
	for try := 1; s.cfg.Retry.Allows(try); try++ {
		res.Tries = try
		p, err := s.nextProxy(try, current, req.Proxy)
		if err != nil {
			return res, err
		}
		current = p
		res.Proxy = p

		art, err := s.attempt(ctx, *target, p, try-1)
		res.Target = target
		if err == nil {
			res.Artifact = art
			return res, nil
		}
		lastErr = err
		res.Errors = append(res.Errors, err.Error())

		switch KindOf(err) {
		case "":
			// Unclassified errors come from storage; retrying would not help.
			return res, err
		case KindCancelled:
			return res, err
		}
		s.logger.Warn().
			Err(err).
			Str("target", target.ID).
			Int("try", try).
			Int("remaining", s.cfg.Retry.Remaining(try)).
			Msg("acquisition attempt failed")

		if alt, ok := s.alternate(ctx, *target); ok {
			target = alt
		}
	}
	return res, lastErr
}

// nextProxy returns the forced proxy on the first try, a random healthy proxy
// otherwise, and a different one on retries.
func (s *Session) nextProxy(try int, current, forced string) (string, error) {
	var p string
	var err error
	switch {
	case try == 1 && forced != "":
		return forced, nil
	case try == 1:
		p, err = s.proxies.Pick(true)
	default:
		p, err = s.proxies.PickFresh(current)
	}
	if err != nil {
		if errors.Is(err, proxy.ErrNoProxyAvailable) {
			return "", configError(KindProxyUnavailable, err, "no proxies configured")
		}
		return "", newError(KindProxyUnavailable, err, "pick proxy")
	}
	return p, nil
}

// resolveTarget samples random targets until one is outside its failure backoff.
func (s *Session) resolveTarget(ctx context.Context, forced *model.Target) (*model.Target, error) {
	if forced != nil {
		return forced, nil
	}
	for i := 0; i < s.cfg.TargetPicks; i++ {
		t, err := s.targets.RandomTarget(ctx)
		if err != nil {
			if errors.Is(err, targets.ErrNoTargets) {
				return nil, configError(KindTargetUnavailable, err, "no targets configured")
			}
			return nil, newError(KindTargetUnavailable, err, "pick target")
		}
		ok, err := s.tracker.IsTargetEligible(ctx, t.ID)
		if err != nil {
			return nil, fmt.Errorf("check target eligibility: %w", err)
		}
		if ok {
			return t, nil
		}
	}
	return nil, newError(KindTargetUnavailable, nil, "all sampled targets are backing off")
}

func (s *Session) alternate(ctx context.Context, current model.Target) (*model.Target, bool) {
	as, ok := s.targets.(AlternateSource)
	if !ok {
		return nil, false
	}
	return as.Alternate(ctx, current)
}

// attempt runs one tracked attempt against target through proxyURL.
func (s *Session) attempt(ctx context.Context, target model.Target, proxyURL string, retryCount int) (*model.Artifact, error) {
	att, err := s.tracker.Start(ctx, target.ID, proxy.Redact(proxyURL), map[string]string{
		"url":   target.URL,
		"retry": strconv.Itoa(retryCount),
	})
	if err != nil {
		return nil, fmt.Errorf("start attempt: %w", err)
	}
	log := s.logger.With().Str("attempt_id", att.ID).Str("target", target.ID).Logger()
	begin := time.Now()

	var art *model.Artifact
	cookies, err := s.collect(ctx, target, proxyURL, log)
	if err == nil {
		src := model.Source{TargetID: target.ID, TargetURL: target.URL, Domain: target.Domain, Proxy: proxy.Redact(proxyURL)}
		art, err = s.pool.Put(ctx, cookies, src, target.Tags)
		if err != nil {
			err = fmt.Errorf("store artifact: %w", err)
		} else if art == nil {
			err = newError(KindCapability, nil, "artifact was not stored")
		}
	}
	latency := time.Since(begin).Milliseconds()

	if err != nil {
		cancelled := ctx.Err() != nil
		if cancelled && KindOf(err) != KindCancelled {
			err = newError(KindCancelled, err, "session cancelled")
		}
		if !cancelled && IsProxySuspect(err) {
			s.proxies.MarkFailed(proxyURL)
		}
		// The attempt is closed out even when the session itself was cancelled.
		recCtx := context.WithoutCancel(ctx)
		if _, mErr := s.tracker.MarkFailed(recCtx, att.ID, err.Error(), retryCount); mErr != nil {
			log.Error().Err(mErr).Msg("record failed attempt")
		}
		s.report(recCtx, target.ID, model.Outcome{LatencyMs: latency, Error: err.Error()}, log)
		return nil, err
	}

	if _, mErr := s.tracker.MarkSuccess(ctx, att.ID, 1, retryCount); mErr != nil {
		log.Error().Err(mErr).Msg("record successful attempt")
	}
	s.report(ctx, target.ID, model.Outcome{Success: true, ArtifactCount: 1, LatencyMs: latency}, log)
	log.Info().Str("artifact_id", art.ID).Int64("latency_ms", latency).Msg("artifact acquired")
	return art, nil
}

func (s *Session) report(ctx context.Context, targetID string, o model.Outcome, log zerolog.Logger) {
	if err := s.targets.ReportOutcome(ctx, targetID, o); err != nil {
		log.Warn().Err(err).Msg("report target outcome")
	}
}

// collect races the browser work against the session timeout. On timeout the
// in-flight call is abandoned and its handle closed.
func (s *Session) collect(ctx context.Context, target model.Target, proxyURL string, log zerolog.Logger) ([]model.CookieEntry, error) {
	type result struct {
		cookies []model.CookieEntry
		err     error
	}
	guard := &handleGuard{browser: s.browser, logger: log}
	done := make(chan result, 1)
	go func() {
		cookies, err := s.openAndVisit(ctx, guard, target, proxyURL)
		done <- result{cookies: cookies, err: err}
	}()

	timer := time.NewTimer(s.cfg.Timeout)
	defer timer.Stop()

	select {
	case r := <-done:
		guard.close()
		return r.cookies, r.err
	case <-timer.C:
		guard.close()
		return nil, newError(KindTimeout, nil, "no result within %s", s.cfg.Timeout)
	case <-ctx.Done():
		guard.close()
		return nil, newError(KindCancelled, ctx.Err(), "session cancelled")
	}
}

func (s *Session) openAndVisit(ctx context.Context, guard *handleGuard, target model.Target, proxyURL string) ([]model.CookieEntry, error) {
	h, err := s.browser.Open(ctx, proxyURL)
	if err != nil {
		return nil, newError(KindCapability, err, "open browser")
	}
	if !guard.set(h) {
		return nil, newError(KindTimeout, nil, "abandoned before visit")
	}

	var lastErr error
	for v := 0; v <= s.cfg.ValidationRetries; v++ {
		if guard.isClosed() {
			return nil, newError(KindTimeout, nil, "abandoned during visit")
		}
		out, err := s.browser.Visit(ctx, h, target.URL)
		if err != nil {
			return nil, newError(KindCapability, err, "visit target")
		}
		if err := s.cfg.Validator.Validate(out, target.Domain); err != nil {
			lastErr = err
			s.logger.Debug().Err(err).Str("target", target.ID).Int("visit", v+1).Msg("payload rejected")
			continue
		}
		return out.Cookies, nil
	}
	return nil, lastErr
}

// handleGuard closes a browser handle exactly once, including a handle that
// is only opened after the session already gave up on it.
type handleGuard struct {
	browser Browser
	logger  zerolog.Logger

	mu     sync.Mutex
	handle Handle
	closed bool
}

// set records h. If the guard is already closed, h is closed at once and
// false is returned.
func (g *handleGuard) set(h Handle) bool {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		g.release(h)
		return false
	}
	g.handle = h
	g.mu.Unlock()
	return true
}

func (g *handleGuard) isClosed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

func (g *handleGuard) close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	h := g.handle
	g.handle = nil
	g.mu.Unlock()
	if h != nil {
		g.release(h)
	}
}

// release closes h; errors are logged and dropped.
func (g *handleGuard) release(h Handle) {
	if err := g.browser.Close(h); err != nil {
		g.logger.Debug().Err(err).Msg("close browser handle")
	}
}
