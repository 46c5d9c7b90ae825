package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/platinummonkey/modulo/pkg/domain"
	"github.com/platinummonkey/modulo/pkg/pluginerrors"
)

// UserStore keeps users and their preferences in memory
type UserStore struct {
	mu    sync.RWMutex
	users map[string]*domain.User
	prefs map[string]domain.Preferences
}

// NewUserStore creates a store seeded with users
func NewUserStore(users ...*domain.User) *UserStore {
	s := &UserStore{
		users: make(map[string]*domain.User),
		prefs: make(map[string]domain.Preferences),
	}
	for _, u := range users {
		s.Put(u)
	}
	return s
}

// Put inserts or replaces a user
func (s *UserStore) Put(u *domain.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *u
	s.users[u.ID] = &c
}

func userNotFound(key string) error {
	return fmt.Errorf("user %s: %w", key, pluginerrors.ErrNotFound)
}

// FindByID returns a copy of the user
func (s *UserStore) FindByID(ctx context.Context, id string) (*domain.User, error) {
	return s.find(id, func(u *domain.User) bool { return u.ID == id })
}

// FindByUsername looks a user up by username
func (s *UserStore) FindByUsername(ctx context.Context, username string) (*domain.User, error) {
	return s.find(username, func(u *domain.User) bool { return u.Username == username })
}

// FindByEmail looks a user up by email, ignoring case
func (s *UserStore) FindByEmail(ctx context.Context, email string) (*domain.User, error) {
	return s.find(email, func(u *domain.User) bool { return strings.EqualFold(u.Email, email) })
}

func (s *UserStore) find(key string, match func(u *domain.User) bool) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, u := range s.users {
		if match(u) {
			c := *u
			c.Roles = append([]string(nil), u.Roles...)
			c.Authorities = append([]string(nil), u.Authorities...)
			return &c, nil
		}
	}
	return nil, userNotFound(key)
}

// GetPreferences returns a copy of the user's preferences
func (s *UserStore) GetPreferences(ctx context.Context, userID string) (domain.Preferences, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.users[userID]; !ok {
		return nil, userNotFound(userID)
	}
	out := make(domain.Preferences, len(s.prefs[userID]))
	for k, v := range s.prefs[userID] {
		out[k] = v
	}
	return out, nil
}

// UpdatePreferences replaces the user's preferences
func (s *UserStore) UpdatePreferences(ctx context.Context, userID string, prefs domain.Preferences) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[userID]; !ok {
		return userNotFound(userID)
	}
	next := make(domain.Preferences, len(prefs))
	for k, v := range prefs {
		next[k] = v
	}
	s.prefs[userID] = next
	return nil
}
