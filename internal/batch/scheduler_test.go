package batch

import (
	"sync"
	"testing"
	"time"
)

const pk = "a1b2c3d4e5f6a7b8c9d0a1b2c3d4e5f6a7b8c9d0a1b2c3d4e5f6a7b8c9d0a1b2"

// harness drives the scheduler with a fake clock and records notify calls.
type harness struct {
	s *Scheduler

	mu      sync.Mutex
	signals []string

	now time.Time
}

func newHarness(delay, cooldown time.Duration) *harness {
	h := &harness{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	h.s = New(delay, cooldown, func(pubkey string) {
		h.mu.Lock()
		h.signals = append(h.signals, pubkey)
		h.mu.Unlock()
	})
	h.s.now = func() time.Time { return h.now }
	return h
}

// advance steps the clock and scans every scan interval, the way the run
// loop would.
func (h *harness) advance(d time.Duration) {
	deadline := h.now.Add(d)
	for h.now.Before(deadline) {
		h.now = h.now.Add(h.s.scanInterval)
		h.s.scan()
	}
}

func (h *harness) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.signals)
}

func TestBurstCoalescesToOneSignal(t *testing.T) {
	h := newHarness(5*time.Second, time.Minute)

	// Ten arrivals inside one second.
	for i := 0; i < 10; i++ {
		h.s.Arrive(pk)
		h.now = h.now.Add(100 * time.Millisecond)
	}

	h.advance(3 * time.Second)
	if h.count() != 0 {
		t.Fatalf("signal fired before the batch delay: %d", h.count())
	}

	h.advance(2 * time.Second)
	if h.count() != 1 {
		t.Fatalf("signals after delay = %d, want exactly 1", h.count())
	}
}

func TestDeadlineAnchorsOnFirstArrival(t *testing.T) {
	h := newHarness(5*time.Second, time.Minute)

	h.s.Arrive(pk)
	// A late arrival at +4s must not push the deadline past +5s.
	h.advance(4 * time.Second)
	h.s.Arrive(pk)

	h.advance(1*time.Second + 2*h.s.scanInterval)
	if h.count() != 1 {
		t.Fatalf("signals = %d, want 1 within delay of the first arrival", h.count())
	}
}

func TestCooldownSuppressesSecondSignal(t *testing.T) {
	h := newHarness(5*time.Second, time.Minute)

	h.s.Arrive(pk)
	h.advance(6 * time.Second) // fires at +5s
	if h.count() != 1 {
		t.Fatalf("setup: signals = %d, want 1", h.count())
	}

	// Arrivals at roughly +1s and +30s into the cooldown.
	h.s.Arrive(pk)
	h.advance(29 * time.Second)
	h.s.Arrive(pk)
	h.advance(25 * time.Second) // still inside the 60s cooldown

	if h.count() != 1 {
		t.Fatalf("signals during cooldown = %d, want still 1", h.count())
	}
}

func TestDeferredSignalAtCooldownExpiry(t *testing.T) {
	h := newHarness(5*time.Second, time.Minute)

	h.s.Arrive(pk)
	h.advance(6 * time.Second)
	h.s.Arrive(pk) // lands in cooldown

	h.advance(time.Minute + time.Second)
	if h.count() != 2 {
		t.Fatalf("signals = %d, want the deferred second signal after cooldown", h.count())
	}

	// The deferred send opened a fresh cooldown; quiet, so no further signals
	// and the window is eventually retired.
	h.advance(2 * time.Minute)
	if h.count() != 2 {
		t.Fatalf("signals = %d after quiet cooldown, want 2", h.count())
	}
	if h.s.ActiveWindows() != 0 {
		t.Errorf("window not retired after quiet cooldown: %d active", h.s.ActiveWindows())
	}
}

func TestArrivalAfterCooldownStartsNewWindow(t *testing.T) {
	h := newHarness(5*time.Second, time.Minute)

	h.s.Arrive(pk)
	h.advance(6 * time.Second)

	// Cooldown runs out with no arrivals, then a new burst begins.
	h.advance(61 * time.Second)
	h.s.Arrive(pk)
	h.advance(6 * time.Second)

	if h.count() != 2 {
		t.Fatalf("signals = %d, want 2 independent windows", h.count())
	}
}

func TestPubkeysAreIndependent(t *testing.T) {
	other := "ffff000000000000000000000000000000000000000000000000000000000000"
	h := newHarness(5*time.Second, time.Minute)

	h.s.Arrive(pk)
	h.advance(6 * time.Second) // pk now in cooldown
	h.s.Arrive(other)
	h.advance(6 * time.Second)

	if h.count() != 2 {
		t.Fatalf("signals = %d, want one per pubkey", h.count())
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.signals[0] != pk || h.signals[1] != other {
		t.Errorf("signal order = %v", h.signals)
	}
}

func TestRateLimitInvariant(t *testing.T) {
	// Hammer one pubkey for five minutes; at most one signal per trailing
	// cooldown interval, plus the deferred ones.
	h := newHarness(5*time.Second, time.Minute)

	end := h.now.Add(5 * time.Minute)
	for h.now.Before(end) {
		h.s.Arrive(pk)
		h.advance(time.Second)
	}

	// First fire at +5s, then one per 60s cooldown boundary via the
	// deferred path: 5 minutes allows 1 + 4 deferred fires, plus at most
	// one more from scan granularity.
	if c := h.count(); c < 4 || c > 6 {
		t.Fatalf("signals over 5 minutes of constant arrivals = %d, want about 5", c)
	}
}
