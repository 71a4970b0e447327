package call

import (
	"sort"
	"sync"
	"time"
)

// CallInfo summarises one live call.
type CallInfo struct {
	SessionID string    `json:"session_id"`
	CallSID   string    `json:"call_sid"`
	CaseRef   string    `json:"case_ref"`
	StartedAt time.Time `json:"started_at"`
	Urgent    bool      `json:"urgent"`
}

// Tracker keeps the set of calls currently in progress.
type Tracker struct {
	mu    sync.Mutex
	calls map[string]CallInfo
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{calls: make(map[string]CallInfo)}
}

// Add registers a call under its session id.
func (t *Tracker) Add(info CallInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls[info.SessionID] = info
}

// MarkUrgent flags a live call as urgent.
func (t *Tracker) MarkUrgent(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if info, ok := t.calls[sessionID]; ok {
		info.Urgent = true
		t.calls[sessionID] = info
	}
}

// Remove forgets a call.
func (t *Tracker) Remove(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.calls, sessionID)
}

// Count returns the number of live calls.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

// List returns live calls, oldest first.
func (t *Tracker) List() []CallInfo {
	t.mu.Lock()
	out := make([]CallInfo, 0, len(t.calls))
	for _, c := range t.calls {
		out = append(out, c)
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}
