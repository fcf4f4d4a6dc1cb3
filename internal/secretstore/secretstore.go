// Package secretstore implements the persisted, layered secret map:
// global / workspace / server scoped values merged with later scopes
// winning.
package secretstore

import (
	"regexp"
	"strings"
	"sync"

	"github.com/raphaeltm/mcphost/internal/apperr"
	"github.com/raphaeltm/mcphost/internal/domain"
	"github.com/raphaeltm/mcphost/internal/jsonstore"
	"github.com/raphaeltm/mcphost/internal/logging"
)

var log = logging.For("secretstore")

const secretPrefix = "SECRET_"

var nameRE = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// record is the on-disk shape: one flat map per scope key, values never
// logged.
type record struct {
	Scopes map[string]map[string]string `json:"scopes"`
}

// Store persists secrets to a single JSON file with write-through, atomic
// replace. Reads are served from an in-memory map guarded by a
// reader-writer lock; writes are serialized.
type Store struct {
	path string

	mu   sync.RWMutex
	data map[string]map[string]string // scopeKey -> name -> value

	writeMu sync.Mutex
}

// Load opens (or initializes) the secret store backed by path.
func Load(path string) (*Store, error) {
	var rec record
	if err := jsonstore.Load(path, &rec); err != nil {
		return nil, apperr.Persisted("loading secret store: %v", err)
	}
	if rec.Scopes == nil {
		rec.Scopes = make(map[string]map[string]string)
	}
	return &Store{path: path, data: rec.Scopes}, nil
}

// normalizeName uppercases name, ensures the SECRET_ prefix, and rejects
// invalid characters.
func normalizeName(name string) (string, error) {
	trimmed := strings.ToUpper(strings.TrimPrefix(strings.ToUpper(name), secretPrefix))
	if !nameRE.MatchString(trimmed) {
		return "", apperr.InvalidSecretName("secret name %q must match [A-Za-z0-9_-]+", name)
	}
	return secretPrefix + trimmed, nil
}

// Set stores value under name within scope, normalizing the name first.
func (s *Store) Set(scope domain.Scope, name, value string) error {
	normalized, err := normalizeName(name)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	key := scope.Key()
	bucket, ok := s.data[key]
	if !ok {
		bucket = make(map[string]string)
		s.data[key] = bucket
	}
	bucket[normalized] = value
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	if err := jsonstore.Save(s.path, &record{Scopes: snapshot}); err != nil {
		return apperr.Persisted("saving secret store: %v", err)
	}
	log.Info("secret set", "scope", key, "name", normalized)
	return nil
}

// Delete removes name from scope. Idempotent.
func (s *Store) Delete(scope domain.Scope, name string) error {
	normalized, err := normalizeName(name)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	key := scope.Key()
	if bucket, ok := s.data[key]; ok {
		delete(bucket, normalized)
		if len(bucket) == 0 {
			delete(s.data, key)
		}
	}
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	if err := jsonstore.Save(s.path, &record{Scopes: snapshot}); err != nil {
		return apperr.Persisted("saving secret store: %v", err)
	}
	log.Info("secret deleted", "scope", key, "name", normalized)
	return nil
}

// List returns the names (not values) stored at scope, for display.
func (s *Store) List(scope domain.Scope) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bucket := s.data[scope.Key()]
	out := make([]string, 0, len(bucket))
	for name := range bucket {
		out = append(out, name)
	}
	return out
}

// Effective merges global -> workspace -> server, later scopes winning.
func (s *Store) Effective(workspaceID, serverID string) map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]string)
	for name, value := range s.data[domain.Global().Key()] {
		out[name] = value
	}
	if workspaceID != "" {
		for name, value := range s.data[domain.ForWorkspace(workspaceID).Key()] {
			out[name] = value
		}
	}
	if workspaceID != "" && serverID != "" {
		for name, value := range s.data[domain.ForServer(workspaceID, serverID).Key()] {
			out[name] = value
		}
	}
	return out
}

// DeleteScope removes every secret rooted at scope, used when a Server or
// Workspace is deleted.
func (s *Store) DeleteScope(scope domain.Scope) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	delete(s.data, scope.Key())
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	if err := jsonstore.Save(s.path, &record{Scopes: snapshot}); err != nil {
		return apperr.Persisted("saving secret store: %v", err)
	}
	return nil
}

// DeleteWorkspaceRooted removes the workspace scope and every server scope
// rooted at that workspace. Used when a Workspace is deleted entirely.
func (s *Store) DeleteWorkspaceRooted(workspaceID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	delete(s.data, domain.ForWorkspace(workspaceID).Key())
	prefix := "server:" + workspaceID + ":"
	for key := range s.data {
		if strings.HasPrefix(key, prefix) {
			delete(s.data, key)
		}
	}
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	if err := jsonstore.Save(s.path, &record{Scopes: snapshot}); err != nil {
		return apperr.Persisted("saving secret store: %v", err)
	}
	return nil
}

// DeleteServerRooted removes every server-scoped secret for serverID across
// all workspaces. Used when a Server is deleted.
func (s *Store) DeleteServerRooted(serverID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	suffix := ":" + serverID
	for key := range s.data {
		if strings.HasPrefix(key, "server:") && strings.HasSuffix(key, suffix) {
			delete(s.data, key)
		}
	}
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	if err := jsonstore.Save(s.path, &record{Scopes: snapshot}); err != nil {
		return apperr.Persisted("saving secret store: %v", err)
	}
	return nil
}

// snapshotLocked deep-copies s.data. Caller must hold s.mu.
func (s *Store) snapshotLocked() map[string]map[string]string {
	out := make(map[string]map[string]string, len(s.data))
	for scopeKey, bucket := range s.data {
		cp := make(map[string]string, len(bucket))
		for k, v := range bucket {
			cp[k] = v
		}
		out[scopeKey] = cp
	}
	return out
}
