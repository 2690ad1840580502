// Package proxy tracks egress proxy health and hands out proxies that avoid
// recent failures.
package proxy

import (
	"bufio"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrNoProxyAvailable is returned when no proxies are configured at all.
var ErrNoProxyAvailable = errors.New("no proxy available")

// DefaultFailureTTL is how long a failed proxy is skipped before rehabilitation.
const DefaultFailureTTL = 10 * time.Minute

// freshTries bounds PickFresh's search for a proxy different from the current one.
const freshTries = 10

// Rotator hands out proxies uniformly at random, skipping ones marked failed.
// It is safe for concurrent use.
type Rotator struct {
	mu      sync.Mutex
	proxies []string
	failed  map[string]time.Time // proxy -> rehabilitation time
	ttl     time.Duration
	logger  zerolog.Logger

	now  func() time.Time
	intn func(n int) int
}

// Option configures a Rotator.
type Option func(*Rotator)

// WithTTL overrides the failure TTL.
func WithTTL(d time.Duration) Option {
	return func(r *Rotator) {
		if d > 0 {
			r.ttl = d
		}
	}
}

// WithLogger sets the rotator's logger.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Rotator) { r.logger = l }
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Rotator) { r.now = now }
}

// WithRand replaces the random index source.
func WithRand(intn func(n int) int) Option {
	return func(r *Rotator) { r.intn = intn }
}

// NewRotator creates a Rotator over the given proxy list.
func NewRotator(proxies []string, opts ...Option) *Rotator {
	r := &Rotator{
		failed: make(map[string]time.Time),
		ttl:    DefaultFailureTTL,
		logger: zerolog.Nop(),
		now:    time.Now,
		intn:   rand.IntN,
	}
	for _, o := range opts {
		o(r)
	}
	r.proxies = normalize(proxies)
	return r
}

// Pick returns a random proxy. With avoidFailed it skips proxies currently
// marked failed; if all are failed the failed set is cleared and every proxy
// becomes eligible again.
func (r *Rotator) Pick(avoidFailed bool) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pickLocked(avoidFailed)
}

func (r *Rotator) pickLocked(avoidFailed bool) (string, error) {
	if len(r.proxies) == 0 {
		return "", ErrNoProxyAvailable
	}
	if !avoidFailed {
		return r.proxies[r.intn(len(r.proxies))], nil
	}

	r.expireLocked()
	candidates := r.healthyLocked()
	if len(candidates) == 0 {
		r.logger.Warn().Int("failed", len(r.failed)).Msg("all proxies marked failed, clearing failed set")
		r.failed = make(map[string]time.Time)
		candidates = r.proxies
	}
	return candidates[r.intn(len(candidates))], nil
}

// PickFresh tries to return a proxy different from current. After a bounded
// number of tries it returns whatever Pick yields, even if equal to current.
func (r *Rotator) PickFresh(current string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var p string
	var err error
	for i := 0; i < freshTries; i++ {
		p, err = r.pickLocked(true)
		if err != nil {
			return "", err
		}
		if p != current {
			return p, nil
		}
	}
	return p, nil
}

// MarkFailed excludes proxy from selection until the TTL elapses. Unknown or
// empty proxies are ignored.
func (r *Rotator) MarkFailed(proxy string) {
	if proxy == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed[proxy] = r.now().Add(r.ttl)
	r.logger.Info().Str("proxy", Redact(proxy)).Dur("ttl", r.ttl).Msg("proxy marked failed")
}

// SetProxies replaces the proxy list. Failure marks for removed proxies are dropped.
func (r *Rotator) SetProxies(proxies []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.proxies = normalize(proxies)
	keep := make(map[string]struct{}, len(r.proxies))
	for _, p := range r.proxies {
		keep[p] = struct{}{}
	}
	for p := range r.failed {
		if _, ok := keep[p]; !ok {
			delete(r.failed, p)
		}
	}
}

// Proxies returns a copy of the configured proxy list.
func (r *Rotator) Proxies() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.proxies))
	copy(out, r.proxies)
	return out
}

// FailedCount returns the number of proxies currently marked failed.
func (r *Rotator) FailedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expireLocked()
	return len(r.failed)
}

// IsFailed reports whether proxy is currently marked failed.
func (r *Rotator) IsFailed(proxy string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expireLocked()
	_, ok := r.failed[proxy]
	return ok
}

// expireLocked rehabilitates proxies whose TTL has elapsed.
func (r *Rotator) expireLocked() {
	now := r.now()
	for p, until := range r.failed {
		if !now.Before(until) {
			delete(r.failed, p)
		}
	}
}

func (r *Rotator) healthyLocked() []string {
	out := make([]string, 0, len(r.proxies))
	for _, p := range r.proxies {
		if _, bad := r.failed[p]; !bad {
			out = append(out, p)
		}
	}
	return out
}

// LoadFile reads one proxy URL per line. Blank lines and lines starting with
// '#' are skipped.
func LoadFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open proxy file: %w", err)
	}
	defer f.Close()

	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read proxy file: %w", err)
	}
	return out, nil
}

// normalize trims entries and drops blanks and duplicates, keeping order.
func normalize(proxies []string) []string {
	seen := make(map[string]struct{}, len(proxies))
	out := make([]string, 0, len(proxies))
	for _, p := range proxies {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

// Redact hides credentials embedded in a proxy URL for logging.
func Redact(proxy string) string {
	scheme := ""
	rest := proxy
	if i := strings.Index(rest, "://"); i >= 0 {
		scheme, rest = rest[:i+3], rest[i+3:]
	}
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		return scheme + "***@" + rest[at+1:]
	}
	return proxy
}
