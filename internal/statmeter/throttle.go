package statmeter

import (
	"sync"
	"time"
)

// Throttle rate-limits download bandwidth, adapted from the upload side's
// internal/poster.Throttle: same token-bucket-by-elapsed-time shape, reused
// here to cap aggregate read bytes/sec instead of post bytes/sec.
type Throttle struct {
	rate     int64 // bytes per second
	mu       sync.Mutex
	lastTime time.Time
	bytes    int64
	disabled bool
}

// NewThrottle returns a Throttle capping throughput at rate bytes/sec.
// rate <= 0 disables throttling entirely.
func NewThrottle(rate int64) *Throttle {
	return &Throttle{
		rate:     rate,
		lastTime: time.Now(),
		disabled: rate <= 0,
	}
}

// Wait blocks until n bytes are available in the bucket.
func (t *Throttle) Wait(n int64) {
	if t.disabled {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(t.lastTime)

	available := int64(elapsed.Seconds() * float64(t.rate))
	t.bytes += available

	if t.bytes < n {
		waitTime := time.Duration(float64(n-t.bytes) / float64(t.rate) * float64(time.Second))
		time.Sleep(waitTime)
		t.bytes = 0
		t.lastTime = now.Add(waitTime)
	} else {
		t.bytes -= n
		t.lastTime = now
	}
}

// SetRate updates the throttle's rate limit at runtime.
func (t *Throttle) SetRate(rate int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rate = rate
	t.disabled = rate <= 0
	t.bytes = 0
	t.lastTime = time.Now()
}
