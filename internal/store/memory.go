package store

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/BTreeMap/IntakeLine/internal/models"
)

// InMemoryStore keeps intakes in process memory. Data is lost on restart.
type InMemoryStore struct {
	mu            sync.RWMutex
	intakes       map[string]models.IntakeResult
	notifications map[string]struct{}
}

var _ Store = (*InMemoryStore)(nil)

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		intakes:       make(map[string]models.IntakeResult),
		notifications: make(map[string]struct{}),
	}
}

func (s *InMemoryStore) SaveIntake(ctx context.Context, result models.IntakeResult) (string, error) {
	id := recordID(result)
	result.RecordID = id
	result.Record = result.Record.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.intakes[id] = result
	return id, nil
}

func (s *InMemoryStore) GetIntake(ctx context.Context, id string) (*models.IntakeResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.intakes[id]
	if !ok {
		return nil, ErrNotFound
	}
	r.Record = r.Record.Clone()
	return &r, nil
}

func (s *InMemoryStore) ListRecentIntakes(ctx context.Context, limit int) ([]models.IntakeResult, error) {
	limit = normalizeLimit(limit)
	s.mu.RLock()
	out := make([]models.IntakeResult, 0, len(s.intakes))
	for _, r := range s.intakes {
		r.Record = r.Record.Clone()
		out = append(out, r)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].RecordID < out[j].RecordID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) RecordNotification(ctx context.Context, intakeID, kind string) (bool, error) {
	key := intakeID + "\x00" + kind
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, seen := s.notifications[key]; seen {
		return false, nil
	}
	s.notifications[key] = struct{}{}
	return true, nil
}

func (s *InMemoryStore) Close() error { return nil }

// recordID reuses the intake id so a re-save replaces the earlier row.
func recordID(result models.IntakeResult) string {
	if result.IntakeID != "" {
		return result.IntakeID
	}
	return uuid.NewString()
}
