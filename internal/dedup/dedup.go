// Package dedup suppresses duplicate relay events. Multiple relays deliver
// the same logical event (same id); only the first sighting within the
// recency window may reach the batch scheduler.
package dedup

import (
	"context"
	"sync"
	"time"
)

// DefaultWindow comfortably exceeds the latency skew between relays
// delivering the same event.
const DefaultWindow = 5 * time.Minute

// Store records event ids for the dedup window.
type Store interface {
	// SeenOrAdd returns true if the event id was already recorded within
	// the window; otherwise it records the id and returns false.
	SeenOrAdd(ctx context.Context, eventID string) (bool, error)

	// Close releases backend resources.
	Close() error
}

// Memory is the in-process backend: a bounded map with TTL eviction.
type Memory struct {
	mu     sync.Mutex
	seen   map[string]time.Time
	window time.Duration
	cap    int

	stop     chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

const memoryCap = 1 << 16

// NewMemory creates a memory backend with a background eviction loop.
func NewMemory(window time.Duration) *Memory {
	if window <= 0 {
		window = DefaultWindow
	}
	m := &Memory{
		seen:   make(map[string]time.Time),
		window: window,
		cap:    memoryCap,
		stop:   make(chan struct{}),
		now:    time.Now,
	}
	go m.evictLoop()
	return m
}

func (m *Memory) SeenOrAdd(_ context.Context, eventID string) (bool, error) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if at, ok := m.seen[eventID]; ok && now.Sub(at) < m.window {
		return true, nil
	}
	if len(m.seen) >= m.cap {
		m.evictLocked(now)
	}
	m.seen[eventID] = now
	return false, nil
}

func (m *Memory) Close() error {
	m.stopOnce.Do(func() { close(m.stop) })
	return nil
}

// Len reports the number of tracked ids, for metrics.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.seen)
}

func (m *Memory) evictLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.mu.Lock()
			m.evictLocked(m.now())
			m.mu.Unlock()
		}
	}
}

// evictLocked drops expired ids; if the map is still at capacity it drops the
// oldest entries so a relay storm cannot grow the set without bound.
func (m *Memory) evictLocked(now time.Time) {
	for id, at := range m.seen {
		if now.Sub(at) >= m.window {
			delete(m.seen, id)
		}
	}
	for len(m.seen) >= m.cap {
		var oldestID string
		var oldestAt time.Time
		for id, at := range m.seen {
			if oldestID == "" || at.Before(oldestAt) {
				oldestID, oldestAt = id, at
			}
		}
		delete(m.seen, oldestID)
	}
}
