package throttle

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ferrydb/ferry/internal/logging"
)

func testRegistry() *Registry {
	return NewRegistry(logging.NewWithWriter(io.Discard, zerolog.Disabled))
}

func TestThrottler_DisabledNeverSleeps(t *testing.T) {
	th := newThrottler(0)
	if th.Enabled() {
		t.Fatal("Enabled() = true for max_mbps=0")
	}

	start := time.Now()
	if err := th.Throttle(context.Background(), 100_000_000); err != nil {
		t.Fatalf("Throttle() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("disabled throttler slept %v", elapsed)
	}
}

func TestThrottler_SleepMath(t *testing.T) {
	// 8 Mbps cap = 1,000,000 bytes/s. After one second, sending 2,000,000
	// bytes puts the average at ~2x the cap; the excess is ~1,000,000 B/s
	// and the computed sleep is chunk/excess, about 2 seconds.
	th := newThrottler(8)
	th.start = time.Now().Add(-1 * time.Second)

	delay := th.record(2_000_000)
	if delay < 1900*time.Millisecond || delay > 2300*time.Millisecond {
		t.Errorf("record(2MB) delay = %v, want ~2s", delay)
	}
}

func TestThrottler_UnderCapNoSleep(t *testing.T) {
	th := newThrottler(8)
	th.start = time.Now().Add(-1 * time.Second)

	if delay := th.record(500_000); delay != 0 {
		t.Errorf("record(0.5MB) delay = %v, want 0", delay)
	}
}

func TestThrottler_CurrentSpeed(t *testing.T) {
	th := newThrottler(100)
	th.start = time.Now().Add(-1 * time.Second)
	th.bytesSent = 125_000 // one megabit

	speed := th.CurrentSpeed()
	if speed < 0.9 || speed > 1.05 {
		t.Errorf("CurrentSpeed() = %.3f Mbps, want ~1.0", speed)
	}
}

func TestThrottler_Reset(t *testing.T) {
	th := newThrottler(8)
	th.start = time.Now().Add(-1 * time.Second)
	th.bytesSent = 5_000_000

	th.Reset()
	if got := th.BytesSent(); got != 0 {
		t.Errorf("BytesSent() after reset = %d", got)
	}
	if speed := th.CurrentSpeed(); speed > 0.01 {
		t.Errorf("CurrentSpeed() after reset = %.3f", speed)
	}
}

func TestThrottler_CancelledContext(t *testing.T) {
	// 1 Mbps cap with 100MB already over budget forces a long sleep; the
	// cancelled context must cut it short.
	th := newThrottler(1)
	th.start = time.Now().Add(-1 * time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := th.Throttle(ctx, 100_000_000)
	if err != context.Canceled {
		t.Errorf("Throttle() error = %v, want context.Canceled", err)
	}
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Errorf("cancelled throttle took %v", elapsed)
	}
}

func TestRegistry_Lifecycle(t *testing.T) {
	r := testRegistry()

	th := r.Create("tx_123", 10)
	if th == nil {
		t.Fatal("Create returned nil")
	}
	if got, ok := r.Get("tx_123"); !ok || got != th {
		t.Errorf("Get() = %v, %v", got, ok)
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}

	// Re-creating replaces the handle.
	th2 := r.Create("tx_123", 20)
	if got, _ := r.Get("tx_123"); got != th2 {
		t.Error("Create did not replace existing throttler")
	}
	if r.Len() != 1 {
		t.Errorf("Len() after replace = %d, want 1", r.Len())
	}

	r.Remove("tx_123")
	if _, ok := r.Get("tx_123"); ok {
		t.Error("Get() found removed throttler")
	}
	r.Remove("tx_123") // second remove is a no-op
	if r.Len() != 0 {
		t.Errorf("Len() = %d, want 0", r.Len())
	}
}

func TestRegistry_Speeds(t *testing.T) {
	r := testRegistry()
	a := r.Create("a", 10)
	r.Create("b", 10)
	a.start = time.Now().Add(-1 * time.Second)
	a.bytesSent = 125_000

	speeds := r.Speeds()
	if len(speeds) != 2 {
		t.Fatalf("Speeds() has %d entries, want 2", len(speeds))
	}
	if speeds["a"] < 0.9 || speeds["a"] > 1.05 {
		t.Errorf("speed[a] = %.3f, want ~1.0", speeds["a"])
	}
	if speeds["b"] != 0 {
		t.Errorf("speed[b] = %.3f, want 0", speeds["b"])
	}
}
