package timer

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Manual is a Timer whose scheduled functions only run when Fire or FireAll is called.
// It lets callers drive silence recovery deterministically.
type Manual struct {
	mu      sync.Mutex
	nextID  int
	pending map[string]manualEntry
}

type manualEntry struct {
	seq   int
	delay time.Duration
	fn    func()
}

// NewManual creates an empty manual timer.
func NewManual() *Manual {
	return &Manual{pending: make(map[string]manualEntry)}
}

// ScheduleAfter records fn without running it.
func (m *Manual) ScheduleAfter(delay time.Duration, fn func()) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := fmt.Sprintf("manual_%d", m.nextID)
	m.pending[id] = manualEntry{seq: m.nextID, delay: delay, fn: fn}
	return id, nil
}

// Cancel drops a pending function.
func (m *Manual) Cancel(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, id)
	return nil
}

// Stop drops every pending function.
func (m *Manual) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = make(map[string]manualEntry)
}

// Pending returns the delays of pending functions in scheduling order.
func (m *Manual) Pending() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.sorted()
	out := make([]time.Duration, len(entries))
	for i, e := range entries {
		out[i] = e.delay
	}
	return out
}

// Fire runs the oldest pending function and reports whether one existed.
func (m *Manual) Fire() bool {
	m.mu.Lock()
	entries := m.sorted()
	if len(entries) == 0 {
		m.mu.Unlock()
		return false
	}
	first := entries[0]
	for id, e := range m.pending {
		if e.seq == first.seq {
			delete(m.pending, id)
			break
		}
	}
	m.mu.Unlock()

	first.fn()
	return true
}

// FireFunc returns the oldest pending function without removing it, emulating a
// timer whose callback was already in flight when it was cancelled.
func (m *Manual) FireFunc() func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.sorted()
	if len(entries) == 0 {
		return nil
	}
	return entries[0].fn
}

func (m *Manual) sorted() []manualEntry {
	entries := make([]manualEntry, 0, len(m.pending))
	for _, e := range m.pending {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	return entries
}
