package worker

import (
	"math/rand"
	"time"
)

// Backoff configures exponential retry delays
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// NextAttemptAt computes the next attempt time using exponential backoff with
// full jitter. attempt is 1-based (1 => up to Base).
func (b Backoff) NextAttemptAt(now time.Time, attempt int, rng *rand.Rand) time.Time {
	return now.Add(b.Delay(attempt, rng)).UTC()
}

// Delay returns a jittered delay in [0, min(Base*2^(attempt-1), Max)]
func (b Backoff) Delay(attempt int, rng *rand.Rand) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if b.Base <= 0 {
		b.Base = time.Second
	}
	if b.Max <= 0 {
		b.Max = time.Minute
	}

	delay := b.Max
	// 2^30 base units exceeds any sensible cap; avoids shift overflow
	if attempt <= 30 {
		if d := b.Base << (attempt - 1); d > 0 && d < b.Max {
			delay = d
		}
	}

	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return time.Duration(rng.Int63n(int64(delay) + 1))
}
