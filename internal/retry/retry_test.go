package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff_Bounds(t *testing.T) {
	p := DefaultAttemptBackoff()

	assert.Equal(t, 5*time.Minute, p.Backoff(1))
	assert.Equal(t, 10*time.Minute, p.Backoff(2))
	assert.Equal(t, 20*time.Minute, p.Backoff(3))
	assert.Equal(t, 40*time.Minute, p.Backoff(4))
	assert.Equal(t, time.Hour, p.Backoff(5))
	assert.Equal(t, time.Hour, p.Backoff(6))
	assert.Equal(t, p.Backoff(5), p.Backoff(6))
	assert.Equal(t, 5*time.Minute, p.Backoff(0))
}

func TestBackoff_NonDecreasing(t *testing.T) {
	p := DefaultAttemptBackoff()
	prev := time.Duration(0)
	for n := 1; n <= 50; n++ {
		d := p.Backoff(n)
		assert.GreaterOrEqual(t, d, prev, "backoff(%d)", n)
		assert.LessOrEqual(t, d, p.MaxDelay, "backoff(%d)", n)
		prev = d
	}
}

func TestBackoff_NoExponentCap(t *testing.T) {
	p := Policy{BaseDelay: time.Second, MaxDelay: time.Minute}
	assert.Equal(t, 32*time.Second, p.Backoff(6))
	assert.Equal(t, time.Minute, p.Backoff(7))
	assert.Equal(t, time.Minute, p.Backoff(200))
}

func TestAllowsAndRemaining(t *testing.T) {
	p := DefaultSession()

	assert.False(t, p.Allows(0))
	assert.True(t, p.Allows(1))
	assert.True(t, p.Allows(3))
	assert.False(t, p.Allows(4))

	assert.Equal(t, 2, p.Remaining(1))
	assert.Equal(t, 0, p.Remaining(3))
	assert.Equal(t, 0, p.Remaining(5))

	var zero Policy
	assert.True(t, zero.Allows(1))
	assert.False(t, zero.Allows(2))
}
