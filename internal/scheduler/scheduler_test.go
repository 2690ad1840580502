package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yangwenmai/cookiepool/internal/cookies"
	"github.com/yangwenmai/cookiepool/internal/engine"
	"github.com/yangwenmai/cookiepool/internal/model"
	"github.com/yangwenmai/cookiepool/internal/proxy"
)

type fakeRunner struct {
	release chan struct{}
	runs    atomic.Int32

	mu           sync.Mutex
	err          error
	preflightErr error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{release: make(chan struct{})}
}

func (r *fakeRunner) Run(ctx context.Context, _ engine.Request) (*engine.Result, error) {
	r.runs.Add(1)
	select {
	case <-r.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return &engine.Result{Tries: 1}, r.err
}

func (r *fakeRunner) Preflight(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.preflightErr
}

func (r *fakeRunner) setErrors(run, preflight error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = run
	r.preflightErr = preflight
}

type fakePool struct {
	mu       sync.Mutex
	count    int
	expiring []model.Artifact
	evicted  int
}

func (p *fakePool) Count(context.Context, bool) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count, nil
}

func (p *fakePool) ExpiringWithin(context.Context, time.Duration) ([]model.Artifact, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.expiring, nil
}

func (p *fakePool) EvictExpiredAndFailed(context.Context) (cookies.EvictionCounts, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.evicted++
	return cookies.EvictionCounts{}, nil
}

type fakeJanitor struct {
	refreshDue bool
	reset      int
	pruned     int
}

func (j *fakeJanitor) IsRefreshDue(context.Context) (bool, error) { return j.refreshDue, nil }

func (j *fakeJanitor) ResetStuck(context.Context, time.Duration) (int, error) {
	j.reset++
	return 0, nil
}

func (j *fakeJanitor) Prune(context.Context, time.Duration) (int64, error) {
	j.pruned++
	return 0, nil
}

func newScheduler(t *testing.T, r SessionRunner, p PoolView, j AttemptJanitor, cfg Config) *Scheduler {
	t.Helper()
	s, err := New(r, p, j, nil, cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Close(ctx)
	})
	return s
}

func TestTick_SpawnsOneSessionBelowMin(t *testing.T) {
	r := newFakeRunner()
	cfg := DefaultConfig()
	cfg.MinSize = 2
	s := newScheduler(t, r, &fakePool{count: 1}, &fakeJanitor{}, cfg)

	spawned, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.True(t, spawned)
	assert.Equal(t, 1, s.Status().ActiveSessions)
	require.Eventually(t, func() bool { return r.runs.Load() == 1 }, time.Second, 5*time.Millisecond)

	close(r.release)
	require.Eventually(t, func() bool { return s.Status().ActiveSessions == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), s.Status().Spawned)
}

func TestTick_RespectsMaxConcurrent(t *testing.T) {
	r := newFakeRunner()
	cfg := DefaultConfig()
	cfg.MaxConcurrent = 1
	s := newScheduler(t, r, &fakePool{}, &fakeJanitor{}, cfg)

	spawned, err := s.Tick(context.Background())
	require.NoError(t, err)
	require.True(t, spawned)

	for i := 0; i < 2; i++ {
		spawned, err = s.Tick(context.Background())
		require.NoError(t, err)
		assert.False(t, spawned)
	}
	assert.Equal(t, 1, s.Status().ActiveSessions)
	close(r.release)
}

func TestTick_Reasons(t *testing.T) {
	tests := []struct {
		name    string
		pool    *fakePool
		janitor *fakeJanitor
		want    bool
	}{
		{"full and fresh", &fakePool{count: 50}, &fakeJanitor{}, false},
		{"full but refresh due", &fakePool{count: 50}, &fakeJanitor{refreshDue: true}, true},
		{"full but expiring", &fakePool{count: 50, expiring: []model.Artifact{{ID: "a"}}}, &fakeJanitor{}, true},
		{"between bounds", &fakePool{count: 10}, &fakeJanitor{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newFakeRunner()
			close(r.release)
			s := newScheduler(t, r, tt.pool, tt.janitor, DefaultConfig())

			spawned, err := s.Tick(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.want, spawned)
		})
	}
}

func TestRecoverableErrorKeepsScheduling(t *testing.T) {
	r := newFakeRunner()
	r.setErrors(&engine.Error{Kind: engine.KindValidation, Msg: "too few cookies"}, nil)
	close(r.release)
	s := newScheduler(t, r, &fakePool{}, &fakeJanitor{}, DefaultConfig())

	spawned, err := s.Tick(context.Background())
	require.NoError(t, err)
	require.True(t, spawned)
	require.Eventually(t, func() bool { return s.Status().ActiveSessions == 0 }, time.Second, 5*time.Millisecond)

	st := s.Status()
	assert.False(t, st.Idle)
	require.NotNil(t, st.LastError)
	assert.True(t, st.LastError.Retryable)
	assert.Equal(t, string(engine.KindValidation), st.LastError.Kind)

	spawned, err = s.Tick(context.Background())
	require.NoError(t, err)
	assert.True(t, spawned)
}

func TestFatalErrorIdlesUntilPreflightPasses(t *testing.T) {
	// A session with no proxies fails preflight with a configuration error.
	noProxies := engine.NewSession(nil, proxy.NewRotator(nil), nil, nil, nil, engine.SessionConfig{}, zerolog.Nop())
	fatal := noProxies.Preflight(context.Background())
	require.True(t, engine.IsFatal(fatal))

	r := newFakeRunner()
	r.setErrors(fatal, fatal)
	close(r.release)
	s := newScheduler(t, r, &fakePool{}, &fakeJanitor{}, DefaultConfig())

	spawned, err := s.Tick(context.Background())
	require.NoError(t, err)
	require.True(t, spawned)
	require.Eventually(t, func() bool { return s.Status().Idle }, time.Second, 5*time.Millisecond)
	assert.False(t, s.Status().LastError.Retryable)

	spawned, err = s.Tick(context.Background())
	require.NoError(t, err)
	assert.False(t, spawned, "idle scheduler must not spawn")
	assert.Equal(t, int32(1), r.runs.Load())

	r.setErrors(nil, nil)
	spawned, err = s.Tick(context.Background())
	require.NoError(t, err)
	assert.True(t, spawned)
	assert.False(t, s.Status().Idle)
}

func TestUpdateConfigClearsIdle(t *testing.T) {
	r := newFakeRunner()
	r.setErrors(&engine.Error{Kind: engine.KindProxyUnavailable}, errors.New("still broken"))
	s := newScheduler(t, r, &fakePool{}, &fakeJanitor{}, DefaultConfig())
	s.mu.Lock()
	s.idle = true
	s.mu.Unlock()

	require.NoError(t, s.UpdateConfig(s.Config()))
	assert.False(t, s.Status().Idle)
	close(r.release)
}

func TestUpdateConfig(t *testing.T) {
	s := newScheduler(t, newFakeRunner(), &fakePool{}, &fakeJanitor{}, DefaultConfig())

	cfg := s.Config()
	cfg.MinSize = 60
	assert.Error(t, s.UpdateConfig(cfg))

	cfg.MinSize = 10
	cfg.MaxConcurrent = 0
	assert.Error(t, s.UpdateConfig(cfg))

	cfg.MaxConcurrent = 2
	require.NoError(t, s.UpdateConfig(cfg))
	assert.Equal(t, 10, s.Config().MinSize)
	assert.Equal(t, 2, s.Status().Config.MaxConcurrent)
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSize = 0
	_, err := New(newFakeRunner(), &fakePool{}, &fakeJanitor{}, nil, cfg, zerolog.Nop())
	assert.Error(t, err)
}

func TestStartStop_DrainsSessions(t *testing.T) {
	r := newFakeRunner()
	cfg := DefaultConfig()
	cfg.TickInterval = 10 * time.Millisecond
	cfg.TickJitter = 0
	s := newScheduler(t, r, &fakePool{}, &fakeJanitor{}, cfg)

	s.Start()
	s.Start()
	assert.True(t, s.Status().Running)
	require.Eventually(t, func() bool { return s.Status().ActiveSessions > 0 }, 3*time.Second, 10*time.Millisecond)

	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, s.Stop(short), "sessions still blocked")
	assert.False(t, s.Status().Running)

	close(r.release)
	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, 0, s.Status().ActiveSessions)
}

func TestCleanup(t *testing.T) {
	p := &fakePool{}
	j := &fakeJanitor{}
	s := newScheduler(t, newFakeRunner(), p, j, DefaultConfig())

	require.NoError(t, s.Cleanup(context.Background()))
	assert.Equal(t, 1, p.evicted)
	assert.Equal(t, 1, j.reset)
	assert.Equal(t, 1, j.pruned)
}

func TestJitterSchedule(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	low := JitterSchedule{Base: 2 * time.Second, Jitter: 1500 * time.Millisecond, Floor: time.Second,
		rand: func(int64) int64 { return 0 }}
	assert.Equal(t, base.Add(time.Second), low.Next(base), "floored")

	high := low
	high.rand = func(n int64) int64 { return n - 1 }
	assert.Equal(t, base.Add(3500*time.Millisecond), high.Next(base))

	plain := JitterSchedule{Base: 5 * time.Minute}
	assert.Equal(t, 5*time.Minute, plain.Delay())
}
