package pipeline

import (
	"math/rand"
	"time"
)

// Backoff computes retry delays: base*2^(n-1) plus up to Jitter of that
// value, capped at Ceiling.
type Backoff struct {
	Base    time.Duration
	Ceiling time.Duration
	Jitter  float64

	// Rand returns a value in [0,1). Defaults to math/rand.
	Rand func() float64
}

// Delay returns the wait before retry number attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := b.Base
	if base <= 0 {
		base = time.Second
	}

	raw := base
	for i := 1; i < attempt; i++ {
		if b.Ceiling > 0 && raw >= b.Ceiling {
			break
		}
		if raw > time.Duration(1<<62)/2 {
			break
		}
		raw *= 2
	}

	d := raw
	if b.Jitter > 0 {
		rnd := b.Rand
		if rnd == nil {
			rnd = rand.Float64
		}
		d += time.Duration(float64(raw) * b.Jitter * rnd())
	}
	if b.Ceiling > 0 && d > b.Ceiling {
		d = b.Ceiling
	}
	return d
}
