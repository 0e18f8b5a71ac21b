// Package ratelimit implements token-bucket admission control for upstream
// API calls.
package ratelimit

import (
	"sync"
	"time"

	"github.com/yansir/accounts-proxy/internal/accounts"
)

// Bucket limits the amortised and burst rates of requests. A bucket of
// capacity C refilled every P seconds allows bursts of C requests and a
// steady rate of one request per P seconds.
type Bucket struct {
	mu       sync.Mutex
	capacity float64
	fillRate float64 // tokens per second
	level    float64
	lastFill time.Time

	now func() time.Time
}

// NewBucket returns a full bucket holding capacity tokens, creating one token
// every tokenEvery. capacity must be >= 1 and tokenEvery > 0.
func NewBucket(capacity int, tokenEvery time.Duration) *Bucket {
	if capacity < 1 || tokenEvery <= 0 {
		panic("ratelimit: invalid bucket parameters")
	}
	b := &Bucket{
		capacity: float64(capacity),
		fillRate: 1 / tokenEvery.Seconds(),
		level:    float64(capacity),
		now:      time.Now,
	}
	b.lastFill = b.now()
	return b
}

// Consume takes one token from the bucket. When the bucket is empty it
// returns an out-of-quota error carrying the estimated wait in seconds.
func (b *Bucket) Consume() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fill()
	if b.level < 1 {
		return accounts.OutOfQuota((1 - b.level) / b.fillRate)
	}
	b.level--
	return nil
}

// fill credits tokens created since the last fill. The fill time advances
// unconditionally, so a clock moving backward grants nothing and the skewed
// interval is simply lost.
func (b *Bucket) fill() {
	now := b.now()
	if delta := now.Sub(b.lastFill).Seconds(); delta > 0 {
		b.level = min(b.level+delta*b.fillRate, b.capacity)
	}
	b.lastFill = now
}
