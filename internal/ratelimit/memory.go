package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Memory keeps every user's window in process. A restart forgets usage.
type Memory struct {
	mu      sync.Mutex
	windows map[int64][]time.Time
	window  time.Duration
	max     int
	now     func() time.Time
}

func NewMemory(window time.Duration, maxRequests int, opts ...Option) *Memory {
	o := buildOptions(opts)
	return &Memory{
		windows: make(map[int64][]time.Time),
		window:  window,
		max:     maxRequests,
		now:     o.now,
	}
}

// Admit prunes the user's window and records now if the ceiling allows it.
func (m *Memory) Admit(_ context.Context, userID int64) (bool, error) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	kept := prune(m.windows[userID], now, m.window)
	if len(kept) >= m.max {
		m.windows[userID] = kept
		return false, nil
	}
	m.windows[userID] = append(kept, now)
	return true, nil
}

// Evict removes users whose newest request has left the window.
func (m *Memory) Evict(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	evicted := 0
	for user, times := range m.windows {
		if len(times) == 0 || now.Sub(times[len(times)-1]) >= m.window {
			delete(m.windows, user)
			evicted++
		}
	}
	return evicted, nil
}

// Len reports how many users currently have a window.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.windows)
}

// prune drops timestamps at or beyond the window edge. times is ordered.
func prune(times []time.Time, now time.Time, window time.Duration) []time.Time {
	i := 0
	for i < len(times) && now.Sub(times[i]) >= window {
		i++
	}
	return times[i:]
}
