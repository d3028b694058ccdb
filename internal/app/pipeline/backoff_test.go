package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffExponentialAndCapped(t *testing.T) {
	b := Backoff{Base: time.Second, Ceiling: 10 * time.Second, Rand: func() float64 { return 0 }}

	var got []time.Duration
	for n := 1; n <= 6; n++ {
		got = append(got, b.Delay(n))
	}
	assert.Equal(t, []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		10 * time.Second,
		10 * time.Second,
	}, got)
}

func TestBackoffJitterBounded(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Ceiling: time.Minute, Jitter: 0.25, Rand: func() float64 { return 0.999 }}

	d := b.Delay(3)
	assert.GreaterOrEqual(t, d, 400*time.Millisecond)
	assert.Less(t, d, 500*time.Millisecond)

	capped := Backoff{Base: time.Second, Ceiling: 2 * time.Second, Jitter: 0.25, Rand: func() float64 { return 0.999 }}
	assert.Equal(t, 2*time.Second, capped.Delay(2), "jitter never pushes past the ceiling")
}

func TestBackoffLargeAttemptDoesNotOverflow(t *testing.T) {
	b := Backoff{Base: time.Second, Ceiling: time.Hour}
	assert.Equal(t, time.Hour, b.Delay(500))

	unbounded := Backoff{Base: time.Second}
	assert.Greater(t, unbounded.Delay(200), time.Duration(0))
}
