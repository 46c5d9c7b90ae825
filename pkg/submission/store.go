package submission

import (
	"context"
	"sort"
	"sync"
)

// Store persists submissions and their history
type Store interface {
	// Create inserts a new submission together with its first history event
	Create(ctx context.Context, s *Submission, ev Event) error

	// Get returns a submission by id
	Get(ctx context.Context, id string) (*Submission, error)

	// Transition applies update to the submission only if its status is
	// still from, and appends ev to the history. A status that moved
	// underneath the caller yields ErrConflict.
	Transition(ctx context.Context, id string, from Status, update func(*Submission), ev Event) (*Submission, error)

	// History returns the events of a submission, oldest first
	History(ctx context.Context, id string) ([]Event, error)

	// ListByStatus returns submissions in status, oldest first
	ListByStatus(ctx context.Context, status Status, limit, offset int) ([]*Submission, error)
}

// MemoryStore is a Store kept in process memory
type MemoryStore struct {
	mu          sync.RWMutex
	submissions map[string]*Submission
	history     map[string][]Event
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		submissions: make(map[string]*Submission),
		history:     make(map[string][]Event),
	}
}

func (m *MemoryStore) Create(ctx context.Context, s *Submission, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.submissions[s.ID]; exists {
		return ErrConflict
	}
	m.submissions[s.ID] = s.Clone()
	m.history[s.ID] = append(m.history[s.ID], ev)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Submission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.submissions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

func (m *MemoryStore) Transition(ctx context.Context, id string, from Status, update func(*Submission), ev Event) (*Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.submissions[id]
	if !ok {
		return nil, ErrNotFound
	}
	if current.Status != from {
		return nil, ErrConflict
	}

	next := current.Clone()
	update(next)
	m.submissions[id] = next
	m.history[id] = append(m.history[id], ev)
	return next.Clone(), nil
}

func (m *MemoryStore) History(ctx context.Context, id string) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.submissions[id]; !ok {
		return nil, ErrNotFound
	}
	return append([]Event(nil), m.history[id]...), nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, status Status, limit, offset int) ([]*Submission, error) {
	m.mu.RLock()
	var matched []*Submission
	for _, s := range m.submissions {
		if s.Status == status {
			matched = append(matched, s.Clone())
		}
	}
	m.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].SubmittedAt.Equal(matched[j].SubmittedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].SubmittedAt.Before(matched[j].SubmittedAt)
	})

	if offset >= len(matched) {
		return []*Submission{}, nil
	}
	matched = matched[offset:]
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}
	return matched, nil
}
