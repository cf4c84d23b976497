package hub

import "time"

// tokenBucket throttles per-user stroke submission. Owned by the coordinator
// goroutine, so no locking.
type tokenBucket struct {
	tokens float64
	last   time.Time
	rate   float64
	burst  float64
}

func newTokenBucket(ratePerSec, burst int) *tokenBucket {
	return &tokenBucket{
		tokens: float64(burst),
		last:   time.Now(),
		rate:   float64(ratePerSec),
		burst:  float64(burst),
	}
}

func (b *tokenBucket) allow(now time.Time) bool {
	elapsed := now.Sub(b.last).Seconds()
	b.last = now
	b.tokens += elapsed * b.rate
	if b.tokens > b.burst {
		b.tokens = b.burst
	}
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}
