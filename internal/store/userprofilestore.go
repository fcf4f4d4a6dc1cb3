package store

import (
	"sync"

	"github.com/raphaeltm/mcphost/internal/apperr"
	"github.com/raphaeltm/mcphost/internal/domain"
	"github.com/raphaeltm/mcphost/internal/jsonstore"
)

// UserProfileStore persists the single local-identity UserProfile backing
// GET/POST /api/auth/profile|login|logout — there is no multi-user auth
// model.
type UserProfileStore struct {
	path string

	mu      sync.RWMutex
	profile *domain.UserProfile

	writeMu sync.Mutex
}

// NewUserProfileStore opens (or initializes) the profile record.
func NewUserProfileStore(path string) (*UserProfileStore, error) {
	var profile domain.UserProfile
	if err := jsonstore.Load(path, &profile); err != nil {
		return nil, apperr.Persisted("loading user profile: %v", err)
	}
	if profile == (domain.UserProfile{}) {
		return &UserProfileStore{path: path}, nil
	}
	return &UserProfileStore{path: path, profile: &profile}, nil
}

// Get returns the stored profile, or nil if none has been set (logged out).
func (s *UserProfileStore) Get() *domain.UserProfile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.profile == nil {
		return nil
	}
	cp := *s.profile
	return &cp
}

// Set persists profile as the current local identity.
func (s *UserProfileStore) Set(profile domain.UserProfile) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	s.profile = &profile
	s.mu.Unlock()

	if err := jsonstore.Save(s.path, &profile); err != nil {
		return apperr.Persisted("saving user profile: %v", err)
	}
	return nil
}

// Clear removes the stored profile (logout).
func (s *UserProfileStore) Clear() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	s.profile = nil
	s.mu.Unlock()

	if err := jsonstore.Save(s.path, &domain.UserProfile{}); err != nil {
		return apperr.Persisted("clearing user profile: %v", err)
	}
	return nil
}
