// Package targets supplies acquisition targets from a static YAML catalogue
// and tracks per-target health.
package targets

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/yangwenmai/cookiepool/internal/model"
)

// ErrNoTargets is returned when the catalogue is empty.
var ErrNoTargets = errors.New("no targets configured")

// File is the on-disk catalogue layout.
type File struct {
	Targets []model.Target `yaml:"targets"`
}

// Health is the running outcome tally for one target.
type Health struct {
	Successes       int       `json:"successes"`
	Failures        int       `json:"failures"`
	ConsecutiveFail int       `json:"consecutive_failures"`
	LastLatencyMs   int64     `json:"last_latency_ms"`
	LastError       string    `json:"last_error,omitempty"`
	LastReportedAt  time.Time `json:"last_reported_at"`
}

// Static is an in-memory target source.
type Static struct {
	mu      sync.Mutex
	targets []model.Target
	health  map[string]*Health
	logger  zerolog.Logger
	intn    func(n int) int
}

// NewStatic builds a source over targets. Missing domains are derived from the URL.
func NewStatic(targets []model.Target, logger zerolog.Logger) (*Static, error) {
	s := &Static{
		health: make(map[string]*Health),
		logger: logger,
		intn:   rand.IntN,
	}
	for i, t := range targets {
		if t.URL == "" {
			return nil, fmt.Errorf("target %d: url is required", i)
		}
		if t.Domain == "" {
			u, err := url.Parse(t.URL)
			if err != nil || u.Hostname() == "" {
				return nil, fmt.Errorf("target %d: invalid url %q", i, t.URL)
			}
			t.Domain = baseDomain(u.Hostname())
		}
		if t.ID == "" {
			t.ID = t.URL
		}
		s.targets = append(s.targets, t)
	}
	return s, nil
}

// LoadFile reads a YAML catalogue.
func LoadFile(path string, logger zerolog.Logger) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read targets file: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse targets file: %w", err)
	}
	return NewStatic(f.Targets, logger)
}

// RandomTarget returns a uniformly random target, or ErrNoTargets.
func (s *Static) RandomTarget(_ context.Context) (*model.Target, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.targets) == 0 {
		return nil, ErrNoTargets
	}
	t := s.targets[s.intn(len(s.targets))]
	return &t, nil
}

// Alternate returns a different target on the same domain, if any.
func (s *Static) Alternate(_ context.Context, current model.Target) (*model.Target, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var pool []model.Target
	for _, t := range s.targets {
		if t.ID != current.ID && strings.EqualFold(t.Domain, current.Domain) {
			pool = append(pool, t)
		}
	}
	if len(pool) == 0 {
		return nil, false
	}
	t := pool[s.intn(len(pool))]
	return &t, true
}

// ReportOutcome folds an attempt outcome into the target's health.
func (s *Static) ReportOutcome(_ context.Context, id string, o model.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.health[id]
	if !ok {
		h = &Health{}
		s.health[id] = h
	}
	if o.Success {
		h.Successes++
		h.ConsecutiveFail = 0
		h.LastError = ""
	} else {
		h.Failures++
		h.ConsecutiveFail++
		h.LastError = o.Error
	}
	h.LastLatencyMs = o.LatencyMs
	h.LastReportedAt = time.Now().UTC()
	s.logger.Debug().
		Str("target", id).
		Bool("success", o.Success).
		Int("artifacts", o.ArtifactCount).
		Int64("latency_ms", o.LatencyMs).
		Msg("target outcome")
	return nil
}

// Health returns a snapshot of the target's tally.
func (s *Static) Health(id string) (Health, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.health[id]
	if !ok {
		return Health{}, false
	}
	return *h, true
}

// Len returns the number of configured targets.
func (s *Static) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.targets)
}

// baseDomain strips a leading "www." so cookies scoped to the parent match.
func baseDomain(host string) string {
	return strings.TrimPrefix(strings.ToLower(host), "www.")
}
