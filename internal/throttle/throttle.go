// Package throttle bounds outbound transfer rates so bulk migrations do not
// saturate the network between instances.
package throttle

import (
	"context"
	"sync"
	"time"
)

// Throttler enforces an average byte-rate ceiling over the lifetime of one
// transfer. Short bursts above the cap are allowed; the accumulated average
// is pulled back under the limit by sleeping after over-budget chunks.
type Throttler struct {
	mu             sync.Mutex
	maxBytesPerSec float64
	bytesSent      int64
	start          time.Time
	enabled        bool
}

// newThrottler converts maxMbps (megabits per second) to a byte-rate cap.
// maxMbps <= 0 disables throttling for this handle.
func newThrottler(maxMbps float64) *Throttler {
	return &Throttler{
		maxBytesPerSec: maxMbps * 1_000_000 / 8,
		start:          time.Now(),
		enabled:        maxMbps > 0,
	}
}

// Throttle records a sent chunk and, when the lifetime average rate exceeds
// the cap, sleeps just long enough to bring the average back down. The
// mutex is never held while sleeping. Returns early with the context error
// if ctx is cancelled mid-sleep.
func (t *Throttler) Throttle(ctx context.Context, chunkBytes int) error {
	delay := t.record(chunkBytes)
	if delay <= 0 {
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// record accumulates the chunk and computes the required sleep. With
// current_rate above the cap, sleeping chunk/excess seconds stretches the
// elapsed time so the lifetime average lands back on the cap.
func (t *Throttler) record(chunkBytes int) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.enabled {
		return 0
	}
	t.bytesSent += int64(chunkBytes)

	elapsed := time.Since(t.start).Seconds()
	if elapsed <= 0 {
		return 0
	}
	currentRate := float64(t.bytesSent) / elapsed
	if currentRate <= t.maxBytesPerSec {
		return 0
	}
	excess := currentRate - t.maxBytesPerSec
	return time.Duration(float64(chunkBytes) / excess * float64(time.Second))
}

// Reset clears the byte counter and restarts the averaging window. Used
// when a transfer resumes after a pause so the idle period does not count
// as banked budget.
func (t *Throttler) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bytesSent = 0
	t.start = time.Now()
}

// CurrentSpeed returns the lifetime average transfer speed in Mbps.
func (t *Throttler) CurrentSpeed() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	elapsed := time.Since(t.start).Seconds()
	if elapsed <= 0 {
		return 0
	}
	bytesPerSec := float64(t.bytesSent) / elapsed
	return bytesPerSec * 8 / 1_000_000
}

// Enabled reports whether this handle throttles at all.
func (t *Throttler) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

// BytesSent returns the bytes accumulated since creation or the last Reset.
func (t *Throttler) BytesSent() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bytesSent
}
