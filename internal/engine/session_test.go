package engine

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yangwenmai/cookiepool/internal/attempts"
	"github.com/yangwenmai/cookiepool/internal/cookies"
	"github.com/yangwenmai/cookiepool/internal/model"
	"github.com/yangwenmai/cookiepool/internal/proxy"
	"github.com/yangwenmai/cookiepool/internal/retry"
	"github.com/yangwenmai/cookiepool/internal/store"
	"github.com/yangwenmai/cookiepool/internal/targets"
)

type harness struct {
	session *Session
	browser *StubBrowser
	rotator *proxy.Rotator
	pool    *cookies.Pool
	tracker *attempts.Tracker
	source  *targets.Static
}

func newHarness(t *testing.T, proxies []string, tgts []model.Target, cfg SessionConfig) *harness {
	t.Helper()
	db, err := store.OpenSQLite(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	s, err := store.New(db)
	require.NoError(t, err)

	src, err := targets.NewStatic(tgts, zerolog.Nop())
	require.NoError(t, err)

	h := &harness{
		browser: &StubBrowser{},
		rotator: proxy.NewRotator(proxies),
		pool:    cookies.NewPool(s, cookies.Options{}, zerolog.Nop()),
		tracker: attempts.NewTracker(s, retry.Policy{}, 0, zerolog.Nop()),
		source:  src,
	}
	h.session = NewSession(h.source, h.rotator, h.browser, h.pool, h.tracker, cfg, zerolog.Nop())
	return h
}

var defaultTargets = []model.Target{{ID: "ev-1", URL: "https://www.example.com/event/1"}}

func TestRun_Success(t *testing.T) {
	h := newHarness(t, []string{"http://p1:8080"}, defaultTargets, SessionConfig{})
	ctx := context.Background()

	res, err := h.session.Run(ctx, Request{})
	require.NoError(t, err)
	require.NotNil(t, res.Artifact)
	assert.Equal(t, 1, res.Tries)
	assert.Equal(t, "http://p1:8080", res.Proxy)
	assert.Equal(t, "ev-1", res.Artifact.Source.TargetID)
	assert.Equal(t, "example.com", res.Artifact.Source.Domain)

	assert.EqualValues(t, 1, h.browser.Opened())
	assert.EqualValues(t, 1, h.browser.Closed())

	stats, err := h.tracker.Stats(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Success)

	n, err := h.pool.Count(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	health, ok := h.source.Health("ev-1")
	require.True(t, ok)
	assert.Equal(t, 1, health.Successes)
}

func TestRun_ValidationRetriedOnSameHandle(t *testing.T) {
	h := newHarness(t, []string{"p1"}, defaultTargets, SessionConfig{})
	var mu sync.Mutex
	calls := 0
	h.browser.VisitFunc = func(_ context.Context, _, url string) (*VisitOutcome, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls < 3 {
			return &VisitOutcome{}, nil
		}
		return SyntheticOutcome(url), nil
	}

	res, err := h.session.Run(context.Background(), Request{})
	require.NoError(t, err)
	require.NotNil(t, res.Artifact)
	assert.Equal(t, 1, res.Tries)
	assert.EqualValues(t, 3, h.browser.Visits())
	assert.EqualValues(t, 1, h.browser.Opened())
}

func TestRun_ValidationExhaustion(t *testing.T) {
	h := newHarness(t, []string{"p1", "p2"}, defaultTargets, SessionConfig{})
	h.browser.VisitFunc = func(_ context.Context, _, _ string) (*VisitOutcome, error) {
		return &VisitOutcome{Cookies: []model.CookieEntry{{Name: "a", Value: "b", Domain: "other.org"}}}, nil
	}
	ctx := context.Background()

	res, err := h.session.Run(ctx, Request{})
	require.Error(t, err)
	assert.Equal(t, KindValidation, KindOf(err))
	assert.False(t, IsFatal(err))
	assert.Nil(t, res.Artifact)
	assert.Equal(t, 3, res.Tries)
	assert.Len(t, res.Errors, 3)
	assert.EqualValues(t, 9, h.browser.Visits())
	assert.EqualValues(t, 3, h.browser.Closed())

	// Validation failures never count against the proxy.
	assert.Equal(t, 0, h.rotator.FailedCount())

	stats, err := h.tracker.Stats(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Failed)
}

func TestRun_TimeoutMarksProxyAndClosesHandle(t *testing.T) {
	cfg := SessionConfig{Timeout: 20 * time.Millisecond, Retry: retry.Policy{MaxAttempts: 1}}
	h := newHarness(t, []string{"p1", "p2"}, defaultTargets, cfg)
	h.browser.Delay = 300 * time.Millisecond

	res, err := h.session.Run(context.Background(), Request{Proxy: "p1"})
	require.Error(t, err)
	assert.Equal(t, KindTimeout, KindOf(err))
	assert.Equal(t, 1, res.Tries)
	assert.True(t, h.rotator.IsFailed("p1"))
	assert.EqualValues(t, 1, h.browser.Closed())
}

func TestRun_CancelledKeepsProxyAndClosesAttempt(t *testing.T) {
	h := newHarness(t, []string{"p1", "p2"}, defaultTargets, SessionConfig{Timeout: 5 * time.Second})
	h.browser.Delay = 2 * time.Second

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	res, err := h.session.Run(ctx, Request{Proxy: "p1"})
	require.Error(t, err)
	assert.Equal(t, KindCancelled, KindOf(err))
	assert.False(t, IsProxySuspect(err))
	assert.Equal(t, 1, res.Tries)
	assert.False(t, h.rotator.IsFailed("p1"))

	stats, err := h.tracker.Stats(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 0, stats.InProgress)
}

func TestRun_ProxySignatureRotatesProxy(t *testing.T) {
	h := newHarness(t, []string{"p1", "p2"}, defaultTargets, SessionConfig{})
	var mu sync.Mutex
	var used []string
	h.browser.VisitFunc = func(_ context.Context, p, url string) (*VisitOutcome, error) {
		mu.Lock()
		used = append(used, p)
		mu.Unlock()
		if p == "p1" {
			return nil, errors.New("proxyconnect tcp: dial tcp 10.0.0.1:8080: connect: connection refused")
		}
		return SyntheticOutcome(url), nil
	}

	res, err := h.session.Run(context.Background(), Request{Proxy: "p1"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Tries)
	assert.Equal(t, "p2", res.Proxy)
	assert.Equal(t, []string{"p1", "p2"}, used)
	assert.True(t, h.rotator.IsFailed("p1"))
}

func TestRun_GenericPageErrorKeepsProxy(t *testing.T) {
	cfg := SessionConfig{Retry: retry.Policy{MaxAttempts: 1}}
	h := newHarness(t, []string{"p1"}, defaultTargets, cfg)
	h.browser.VisitFunc = func(_ context.Context, _, _ string) (*VisitOutcome, error) {
		return nil, errors.New("page crashed: unexpected status 500")
	}

	_, err := h.session.Run(context.Background(), Request{})
	require.Error(t, err)
	assert.Equal(t, KindCapability, KindOf(err))
	assert.Equal(t, 0, h.rotator.FailedCount())
}

func TestRun_AlternateTargetOnRetry(t *testing.T) {
	tgts := []model.Target{
		{ID: "a", URL: "https://www.example.com/a"},
		{ID: "b", URL: "https://www.example.com/b"},
	}
	h := newHarness(t, []string{"p1"}, tgts, SessionConfig{})
	h.browser.VisitFunc = func(_ context.Context, _, url string) (*VisitOutcome, error) {
		if strings.HasSuffix(url, "/a") {
			return &VisitOutcome{}, nil
		}
		return SyntheticOutcome(url), nil
	}

	res, err := h.session.Run(context.Background(), Request{Target: &tgts[0]})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Tries)
	assert.Equal(t, "b", res.Target.ID)
	assert.Equal(t, "b", res.Artifact.Source.TargetID)
}

func TestRun_ConfigurationErrorsAreFatal(t *testing.T) {
	h := newHarness(t, nil, defaultTargets, SessionConfig{})
	_, err := h.session.Run(context.Background(), Request{})
	require.Error(t, err)
	assert.True(t, IsFatal(err))
	assert.Equal(t, KindProxyUnavailable, KindOf(err))
	assert.ErrorIs(t, err, proxy.ErrNoProxyAvailable)
	assert.True(t, IsFatal(h.session.Preflight(context.Background())))

	h = newHarness(t, []string{"p1"}, nil, SessionConfig{})
	_, err = h.session.Run(context.Background(), Request{})
	require.Error(t, err)
	assert.True(t, IsFatal(err))
	assert.Equal(t, KindTargetUnavailable, KindOf(err))
	assert.ErrorIs(t, h.session.Preflight(context.Background()), targets.ErrNoTargets)

	h = newHarness(t, []string{"p1"}, defaultTargets, SessionConfig{})
	assert.NoError(t, h.session.Preflight(context.Background()))
}

func TestRun_TargetsInBackoffAreSkipped(t *testing.T) {
	cfg := SessionConfig{Retry: retry.Policy{MaxAttempts: 1}}
	h := newHarness(t, []string{"p1"}, defaultTargets, cfg)
	h.browser.VisitFunc = func(_ context.Context, _, _ string) (*VisitOutcome, error) {
		return &VisitOutcome{}, nil
	}
	ctx := context.Background()

	_, err := h.session.Run(ctx, Request{})
	require.Error(t, err)
	assert.Equal(t, KindValidation, KindOf(err))

	_, err = h.session.Run(ctx, Request{})
	require.Error(t, err)
	assert.Equal(t, KindTargetUnavailable, KindOf(err))
	assert.False(t, IsFatal(err))
	assert.EqualValues(t, 1, h.browser.Opened())
}

func TestHandleGuard_LateOpenIsClosed(t *testing.T) {
	b := &StubBrowser{}
	g := &handleGuard{browser: b, logger: zerolog.Nop()}
	g.close()

	h, err := b.Open(context.Background(), "p")
	require.NoError(t, err)
	assert.False(t, g.set(h))
	assert.EqualValues(t, 1, b.Closed())

	// Closing again is a no-op.
	g.close()
	assert.EqualValues(t, 1, b.Closed())
}
