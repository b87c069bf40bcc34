// Package batch turns raw event arrivals into a rate-limited notify signal
// per trade pubkey. A burst of relay events becomes one notification after
// the batch delay, and a cooldown caps the per-pubkey notification rate.
package batch

import (
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultDelay is how long after the first arrival in a burst the
	// notification fires. Later arrivals in the same window do not push the
	// deadline out, so a recipient is always notified within DefaultDelay
	// of the first event.
	DefaultDelay = 5 * time.Second

	// DefaultCooldown is the minimum interval between two notifications
	// for the same pubkey.
	DefaultCooldown = 60 * time.Second

	// defaultScanInterval bounds how late a due window can fire. One
	// periodic scan over the window table replaces per-key OS timers.
	defaultScanInterval = 100 * time.Millisecond
)

type windowState int

const (
	statePending windowState = iota
	stateCooldown
)

// window tracks one pubkey's batch state. Absent from the table means IDLE.
type window struct {
	state         windowState
	deadline      time.Time // pending: when to fire
	cooldownUntil time.Time
	deferred      bool // arrival observed during cooldown
}

// Scheduler coalesces arrivals per pubkey and emits notify callbacks.
// Windows for different pubkeys never block each other beyond the shared
// table mutex; the notify callback runs outside the lock.
type Scheduler struct {
	mu      sync.Mutex
	windows map[string]*window

	delay        time.Duration
	cooldown     time.Duration
	scanInterval time.Duration
	notify       func(tradePubkey string)

	now      func() time.Time
	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a scheduler; notify is invoked once per emitted signal.
func New(delay, cooldown time.Duration, notify func(tradePubkey string)) *Scheduler {
	if delay <= 0 {
		delay = DefaultDelay
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Scheduler{
		windows:      make(map[string]*window),
		delay:        delay,
		cooldown:     cooldown,
		scanInterval: defaultScanInterval,
		notify:       notify,
		now:          time.Now,
		stop:         make(chan struct{}),
	}
}

// Start launches the periodic scan loop.
func (s *Scheduler) Start() {
	go s.run()
}

// Stop halts the scan loop. Signals already emitted keep running in their
// callbacks; pending windows are abandoned.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Arrive records an event arrival for tradePubkey. Never blocks beyond the
// table mutex, so callers on the relay read path stay fast.
func (s *Scheduler) Arrive(tradePubkey string) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[tradePubkey]
	if !ok {
		// IDLE -> PENDING, timer armed from the first arrival.
		s.windows[tradePubkey] = &window{state: statePending, deadline: now.Add(s.delay)}
		return
	}

	switch w.state {
	case statePending:
		// Timer already armed; the burst coalesces into it.
	case stateCooldown:
		if now.Before(w.cooldownUntil) {
			// Remember the miss; the scan emits one deferred signal when
			// the cooldown elapses so a burst straddling the boundary is
			// never swallowed entirely.
			w.deferred = true
		} else {
			w.state = statePending
			w.deadline = now.Add(s.delay)
			w.deferred = false
		}
	}
}

// ActiveWindows reports the number of tracked pubkeys, for metrics.
func (s *Scheduler) ActiveWindows() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows)
}

func (s *Scheduler) run() {
	ticker := time.NewTicker(s.scanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.scan()
		}
	}
}

// scan walks the window table once, fires due windows and retires quiet
// ones. Notify callbacks run after the lock is released.
func (s *Scheduler) scan() {
	now := s.now()
	var due []string

	s.mu.Lock()
	for pk, w := range s.windows {
		switch w.state {
		case statePending:
			if !now.Before(w.deadline) {
				w.state = stateCooldown
				w.cooldownUntil = now.Add(s.cooldown)
				w.deferred = false
				due = append(due, pk)
			}
		case stateCooldown:
			if !now.Before(w.cooldownUntil) {
				if w.deferred {
					// One deferred signal per cooldown that saw arrivals.
					w.cooldownUntil = now.Add(s.cooldown)
					w.deferred = false
					due = append(due, pk)
				} else {
					delete(s.windows, pk)
				}
			}
		}
	}
	s.mu.Unlock()

	for _, pk := range due {
		slog.Debug("batch window fired", "trade_pubkey", pk[:16])
		s.notify(pk)
	}
}
