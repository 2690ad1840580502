package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/yangwenmai/cookiepool/internal/cookies"
	"github.com/yangwenmai/cookiepool/internal/engine"
	"github.com/yangwenmai/cookiepool/internal/metrics"
	"github.com/yangwenmai/cookiepool/internal/model"
)

// Scheduler defaults.
const (
	DefaultMinSize          = 5
	DefaultMaxSize          = 50
	DefaultMaxConcurrent    = 3
	DefaultTickInterval     = 2 * time.Second
	DefaultTickJitter       = 1500 * time.Millisecond
	DefaultTickFloor        = time.Second
	DefaultCleanupInterval  = 5 * time.Minute
	DefaultStuckAfter       = 30 * time.Minute
	DefaultAttemptRetention = 7 * 24 * time.Hour
	DefaultExpiringWindow   = time.Hour
)

// Config controls pool sizing and the background loops.
type Config struct {
	MinSize          int           `json:"min_size"`
	MaxSize          int           `json:"max_size"`
	MaxConcurrent    int           `json:"max_concurrent"`
	TickInterval     time.Duration `json:"tick_interval"`
	TickJitter       time.Duration `json:"tick_jitter"`
	CleanupInterval  time.Duration `json:"cleanup_interval"`
	StuckAfter       time.Duration `json:"stuck_after"`
	AttemptRetention time.Duration `json:"attempt_retention"`
	ExpiringWindow   time.Duration `json:"expiring_window"`
}

// DefaultConfig returns the stock sizing.
func DefaultConfig() Config {
	return Config{
		MinSize:          DefaultMinSize,
		MaxSize:          DefaultMaxSize,
		MaxConcurrent:    DefaultMaxConcurrent,
		TickInterval:     DefaultTickInterval,
		TickJitter:       DefaultTickJitter,
		CleanupInterval:  DefaultCleanupInterval,
		StuckAfter:       DefaultStuckAfter,
		AttemptRetention: DefaultAttemptRetention,
		ExpiringWindow:   DefaultExpiringWindow,
	}
}

// Validate reports an unusable configuration.
func (c Config) Validate() error {
	switch {
	case c.MinSize < 0:
		return fmt.Errorf("min_size must not be negative")
	case c.MaxSize < 1:
		return fmt.Errorf("max_size must be at least 1")
	case c.MinSize > c.MaxSize:
		return fmt.Errorf("min_size %d exceeds max_size %d", c.MinSize, c.MaxSize)
	case c.MaxConcurrent < 1:
		return fmt.Errorf("max_concurrent must be at least 1")
	}
	return nil
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.TickInterval <= 0 {
		c.TickInterval = d.TickInterval
	}
	if c.TickJitter < 0 {
		c.TickJitter = 0
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = d.CleanupInterval
	}
	if c.StuckAfter <= 0 {
		c.StuckAfter = d.StuckAfter
	}
	if c.AttemptRetention <= 0 {
		c.AttemptRetention = d.AttemptRetention
	}
	if c.ExpiringWindow <= 0 {
		c.ExpiringWindow = d.ExpiringWindow
	}
}

// SessionRunner runs one acquisition session.
type SessionRunner interface {
	Run(ctx context.Context, req engine.Request) (*engine.Result, error)
	Preflight(ctx context.Context) error
}

// PoolView is the part of the pool the scheduler inspects and cleans.
type PoolView interface {
	Count(ctx context.Context, activeOnly bool) (int, error)
	ExpiringWithin(ctx context.Context, d time.Duration) ([]model.Artifact, error)
	EvictExpiredAndFailed(ctx context.Context) (cookies.EvictionCounts, error)
}

// AttemptJanitor is the part of the attempt tracker the scheduler drives.
type AttemptJanitor interface {
	IsRefreshDue(ctx context.Context) (bool, error)
	ResetStuck(ctx context.Context, maxAge time.Duration) (int, error)
	Prune(ctx context.Context, retention time.Duration) (int64, error)
}

// FailedCounter reports how many proxies are currently marked failed.
type FailedCounter interface {
	FailedCount() int
}

// Status is a point-in-time view of the scheduler.
type Status struct {
	Running        bool             `json:"running"`
	Idle           bool             `json:"idle"`
	ActiveSessions int              `json:"active_sessions"`
	SessionIDs     []string         `json:"session_ids"`
	Spawned        int64            `json:"spawned"`
	LastTickAt     *time.Time       `json:"last_tick_at,omitempty"`
	LastError      *model.ErrorInfo `json:"last_error,omitempty"`
	Config         Config           `json:"config"`
}

// Scheduler keeps the pool between its size bounds by spawning sessions on
// a jittered tick and cleaning up on a slower one.
type Scheduler struct {
	runner   SessionRunner
	pool     PoolView
	attempts AttemptJanitor
	proxies  FailedCounter
	logger   zerolog.Logger

	mu         sync.Mutex
	cfg        Config
	running    bool
	idle       bool
	active     map[string]time.Time
	spawned    int64
	lastTickAt *time.Time
	lastErr    *model.ErrorInfo
	tick       *Task
	cleanup    *Task

	wg      sync.WaitGroup
	baseCtx context.Context
	cancel  context.CancelFunc
	now     func() time.Time
}

// New creates a stopped Scheduler. proxies may be nil.
func New(runner SessionRunner, pool PoolView, attempts AttemptJanitor, proxies FailedCounter, cfg Config, logger zerolog.Logger) (*Scheduler, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		runner:   runner,
		pool:     pool,
		attempts: attempts,
		proxies:  proxies,
		logger:   logger,
		cfg:      cfg,
		active:   make(map[string]time.Time),
		baseCtx:  ctx,
		cancel:   cancel,
		now:      time.Now,
	}, nil
}

// Start begins the tick and cleanup loops. Calling Start on a running
// scheduler is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	cfg := s.cfg
	s.tick = NewTask("tick", JitterSchedule{
		Base:   cfg.TickInterval,
		Jitter: cfg.TickJitter,
		Floor:  DefaultTickFloor,
	}, func() { s.runTick() }, s.logger)
	s.cleanup = NewTask("cleanup", JitterSchedule{Base: cfg.CleanupInterval}, func() { s.runCleanup() }, s.logger)
	s.tick.Start()
	s.cleanup.Start()
	s.running = true
	s.logger.Info().
		Int("min_size", cfg.MinSize).
		Int("max_size", cfg.MaxSize).
		Int("max_concurrent", cfg.MaxConcurrent).
		Dur("tick", cfg.TickInterval).
		Msg("scheduler started")
}

// Stop halts the loops and waits for in-flight sessions to finish or ctx to
// expire. Sessions still running when ctx expires keep going.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return s.drain(ctx)
	}
	s.running = false
	tick, cleanup := s.tick, s.cleanup
	s.tick, s.cleanup = nil, nil
	s.mu.Unlock()

	for _, done := range []context.Context{tick.Stop(), cleanup.Stop()} {
		select {
		case <-done.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	err := s.drain(ctx)
	s.logger.Info().Err(err).Msg("scheduler stopped")
	return err
}

// Close stops the scheduler and cancels sessions that outlive ctx.
func (s *Scheduler) Close(ctx context.Context) error {
	err := s.Stop(ctx)
	s.cancel()
	return err
}

func (s *Scheduler) drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("draining sessions: %w", ctx.Err())
	}
}

// UpdateConfig replaces the sizing. Interval changes take effect on the next
// Start. A valid update clears the idle state.
func (s *Scheduler) UpdateConfig(cfg Config) error {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.cfg = cfg
	s.idle = false
	s.mu.Unlock()
	s.logger.Info().
		Int("min_size", cfg.MinSize).
		Int("max_size", cfg.MaxSize).
		Int("max_concurrent", cfg.MaxConcurrent).
		Msg("scheduler config updated")
	return nil
}

// Config returns the current sizing.
func (s *Scheduler) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Status returns a snapshot of the scheduler state.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	st := Status{
		Running:        s.running,
		Idle:           s.idle,
		ActiveSessions: len(s.active),
		SessionIDs:     ids,
		Spawned:        s.spawned,
		Config:         s.cfg,
	}
	if s.lastTickAt != nil {
		t := *s.lastTickAt
		st.LastTickAt = &t
	}
	if s.lastErr != nil {
		e := *s.lastErr
		st.LastError = &e
	}
	return st
}

func (s *Scheduler) runTick() {
	if _, err := s.Tick(s.baseCtx); err != nil {
		s.logger.Warn().Err(err).Msg("tick failed")
	}
}

func (s *Scheduler) runCleanup() {
	if err := s.Cleanup(s.baseCtx); err != nil {
		s.logger.Warn().Err(err).Msg("cleanup failed")
	}
}

// Tick makes one spawn decision and reports whether a session was started.
// At most one session is spawned per tick.
func (s *Scheduler) Tick(ctx context.Context) (bool, error) {
	s.mu.Lock()
	now := s.now()
	s.lastTickAt = &now
	idle := s.idle
	cfg := s.cfg
	busy := len(s.active) >= cfg.MaxConcurrent
	s.mu.Unlock()

	if idle {
		if err := s.runner.Preflight(ctx); err != nil {
			return false, nil
		}
		s.mu.Lock()
		s.idle = false
		s.mu.Unlock()
		s.logger.Info().Msg("configuration restored, leaving idle state")
	}
	if busy {
		return false, nil
	}

	reason, err := s.spawnReason(ctx, cfg)
	if err != nil {
		return false, err
	}
	if reason == "" {
		return false, nil
	}

	s.mu.Lock()
	if len(s.active) >= s.cfg.MaxConcurrent || s.idle {
		s.mu.Unlock()
		return false, nil
	}
	id := uuid.New().String()
	s.active[id] = s.now()
	s.spawned++
	n := len(s.active)
	s.wg.Add(1)
	s.mu.Unlock()

	metrics.SetActiveSessions(n)
	s.logger.Debug().Str("session_id", id).Str("reason", reason).Int("active", n).Msg("spawning session")
	go s.runSession(id)
	return true, nil
}

func (s *Scheduler) spawnReason(ctx context.Context, cfg Config) (string, error) {
	count, err := s.pool.Count(ctx, true)
	if err != nil {
		return "", fmt.Errorf("counting pool: %w", err)
	}
	if count < cfg.MinSize {
		return "below_min", nil
	}
	expiring, err := s.pool.ExpiringWithin(ctx, cfg.ExpiringWindow)
	if err != nil {
		return "", fmt.Errorf("listing expiring: %w", err)
	}
	if len(expiring) > 0 {
		return "expiring", nil
	}
	if count < cfg.MaxSize {
		return "below_max", nil
	}
	due, err := s.attempts.IsRefreshDue(ctx)
	if err != nil {
		return "", fmt.Errorf("checking refresh: %w", err)
	}
	if due {
		return "refresh", nil
	}
	return "", nil
}

func (s *Scheduler) runSession(id string) {
	defer s.wg.Done()
	log := s.logger.With().Str("session_id", id).Logger()

	res, err := s.runner.Run(s.baseCtx, engine.Request{})

	s.mu.Lock()
	delete(s.active, id)
	n := len(s.active)
	if err != nil {
		info := errorInfo(err, s.now())
		s.lastErr = &info
		if engine.IsFatal(err) {
			s.idle = true
		}
	}
	s.mu.Unlock()
	metrics.SetActiveSessions(n)

	switch {
	case engine.IsFatal(err):
		log.Error().Err(err).Msg("configuration error, scheduler idling")
	case err != nil:
		log.Warn().Err(err).Msg("session failed")
	case res != nil && res.Artifact != nil:
		log.Info().Str("artifact_id", res.Artifact.ID).Int("tries", res.Tries).Msg("session produced artifact")
	}
}

// Cleanup evicts stale artifacts, resets stuck attempts and prunes old
// attempt history.
func (s *Scheduler) Cleanup(ctx context.Context) error {
	cfg := s.Config()
	var errs []error

	if _, err := s.pool.EvictExpiredAndFailed(ctx); err != nil {
		errs = append(errs, fmt.Errorf("evicting artifacts: %w", err))
	}
	if _, err := s.attempts.ResetStuck(ctx, cfg.StuckAfter); err != nil {
		errs = append(errs, fmt.Errorf("resetting stuck attempts: %w", err))
	}
	if _, err := s.attempts.Prune(ctx, cfg.AttemptRetention); err != nil {
		errs = append(errs, fmt.Errorf("pruning attempts: %w", err))
	}
	if s.proxies != nil {
		metrics.SetFailedProxies(s.proxies.FailedCount())
	}
	if _, err := s.pool.Count(ctx, true); err != nil {
		errs = append(errs, fmt.Errorf("counting pool: %w", err))
	}
	return errors.Join(errs...)
}

func errorInfo(err error, at time.Time) model.ErrorInfo {
	kind := string(engine.KindOf(err))
	if kind == "" {
		kind = "internal"
	}
	return model.ErrorInfo{
		Kind:      kind,
		Message:   err.Error(),
		Retryable: !engine.IsFatal(err),
		FailedAt:  at.UTC().Format(time.RFC3339),
	}
}
