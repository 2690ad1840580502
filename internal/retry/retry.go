// Package retry holds the bounded-retry policy shared by acquisition sessions
// and the attempt tracker.
package retry

import "time"

// Policy bounds how many times an operation runs and how long to back off
// between logical failures.
type Policy struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int
	// BaseDelay is the backoff after the first failure.
	BaseDelay time.Duration
	// MaxDelay caps the backoff.
	MaxDelay time.Duration
	// MaxExponent caps the doubling; backoff(n) uses 2^min(n-1, MaxExponent).
	MaxExponent int
}

// DefaultSession is the in-process retry budget of one acquisition session.
func DefaultSession() Policy {
	return Policy{MaxAttempts: 3}
}

// DefaultAttemptBackoff is the failure backoff applied between logical attempts
// for the same target.
func DefaultAttemptBackoff() Policy {
	return Policy{
		BaseDelay:   5 * time.Minute,
		MaxDelay:    time.Hour,
		MaxExponent: 4,
	}
}

// Backoff returns min(MaxDelay, BaseDelay * 2^min(n-1, MaxExponent)) for the
// n-th consecutive failure. n < 1 is treated as 1.
func (p Policy) Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	exp := n - 1
	if p.MaxExponent > 0 && exp > p.MaxExponent {
		exp = p.MaxExponent
	}
	if exp > 62 {
		exp = 62
	}
	d := p.BaseDelay
	for i := 0; i < exp; i++ {
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			break
		}
		d *= 2
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Allows reports whether try number attempt (1-based) is within budget.
func (p Policy) Allows(attempt int) bool {
	max := p.MaxAttempts
	if max <= 0 {
		max = 1
	}
	return attempt >= 1 && attempt <= max
}

// Remaining returns how many tries are left after attempt tries were used.
func (p Policy) Remaining(attempt int) int {
	max := p.MaxAttempts
	if max <= 0 {
		max = 1
	}
	if attempt >= max {
		return 0
	}
	return max - attempt
}
