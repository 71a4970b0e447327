// Package timer provides cancellable delayed-function timers used for silence recovery.
package timer

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Timer schedules and cancels delayed functions.
type Timer interface {
	// ScheduleAfter runs fn after delay and returns an id usable with Cancel.
	ScheduleAfter(delay time.Duration, fn func()) (string, error)
	// Cancel stops a scheduled function. Unknown ids are ignored.
	Cancel(id string) error
	// Stop cancels every pending function.
	Stop()
}

// timerEntry tracks information about a scheduled timer
type timerEntry struct {
	timer     *time.Timer
	expiresAt time.Time
}

// SimpleTimer implements Timer on top of time.AfterFunc.
type SimpleTimer struct {
	timers map[string]*timerEntry
	mu     sync.Mutex
	nextID int64
}

// NewSimpleTimer creates a new SimpleTimer.
func NewSimpleTimer() *SimpleTimer {
	return &SimpleTimer{
		timers: make(map[string]*timerEntry),
	}
}

// ScheduleAfter schedules a function to run after a delay.
func (t *SimpleTimer) ScheduleAfter(delay time.Duration, fn func()) (string, error) {
	if fn == nil {
		return "", fmt.Errorf("nil function")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.nextID++
	id := fmt.Sprintf("timer_%d", t.nextID)

	t.timers[id] = &timerEntry{
		timer: time.AfterFunc(delay, func() {
			t.mu.Lock()
			_, live := t.timers[id]
			delete(t.timers, id)
			t.mu.Unlock()
			if !live {
				return
			}
			slog.Debug("SimpleTimer executing scheduled function", "id", id)
			fn()
		}),
		expiresAt: time.Now().Add(delay),
	}

	slog.Debug("SimpleTimer.ScheduleAfter: scheduled", "id", id, "delay", delay)
	return id, nil
}

// Cancel cancels a scheduled function by ID.
func (t *SimpleTimer) Cancel(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if entry, exists := t.timers[id]; exists {
		entry.timer.Stop()
		delete(t.timers, id)
		slog.Debug("SimpleTimer.Cancel: cancelled", "id", id)
	}
	return nil
}

// Stop cancels all scheduled timers.
func (t *SimpleTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, entry := range t.timers {
		entry.timer.Stop()
	}
	slog.Debug("SimpleTimer.Stop: stopped all timers", "count", len(t.timers))
	t.timers = make(map[string]*timerEntry)
}

// Pending returns the number of scheduled functions that have not fired or been cancelled.
func (t *SimpleTimer) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.timers)
}
