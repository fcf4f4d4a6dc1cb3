// Package store implements the persisted ServerStore/WorkspaceStore
// catalogs and the in-memory SessionStore.
package store

import (
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/raphaeltm/mcphost/internal/apperr"
	"github.com/raphaeltm/mcphost/internal/domain"
	"github.com/raphaeltm/mcphost/internal/jsonstore"
	"github.com/raphaeltm/mcphost/internal/logging"
)

var serverLog = logging.For("serverstore")

type serverRecord struct {
	Servers map[string]domain.Server `json:"servers"`
}

// UpdateCheckResult is the cached outcome of a check-update probe.
type UpdateCheckResult struct {
	HasUpdate     bool   `json:"hasUpdate"`
	CurrentVersion string `json:"currentVersion"`
	LatestVersion  string `json:"latestVersion"`
}

// ServerStore persists Server templates, one JSON file, write-through with
// atomic replace. A short-TTL in-memory cache (backed by go-cache) avoids
// re-probing a registry on every check-update call.
type ServerStore struct {
	path string

	mu      sync.RWMutex
	servers map[string]domain.Server

	writeMu sync.Mutex

	updateCache *cache.Cache
}

// NewServerStore opens (or initializes) the server catalog backed by path.
// updateCacheTTL bounds how long a check-update result is reused.
func NewServerStore(path string, updateCacheTTL time.Duration) (*ServerStore, error) {
	var rec serverRecord
	if err := jsonstore.Load(path, &rec); err != nil {
		return nil, apperr.Persisted("loading server store: %v", err)
	}
	if rec.Servers == nil {
		rec.Servers = make(map[string]domain.Server)
	}
	return &ServerStore{
		path:        path,
		servers:     rec.Servers,
		updateCache: cache.New(updateCacheTTL, 2*updateCacheTTL),
	}, nil
}

// Create persists a new Server and returns it.
func (s *ServerStore) Create(server domain.Server) (domain.Server, error) {
	now := time.Now()
	server.CreatedAt = now
	server.UpdatedAt = now

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if _, exists := s.servers[server.ID]; exists {
		s.mu.Unlock()
		return domain.Server{}, apperr.AlreadyExists("server %q already exists", server.ID)
	}
	s.servers[server.ID] = server
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	if err := jsonstore.Save(s.path, &serverRecord{Servers: snapshot}); err != nil {
		return domain.Server{}, apperr.Persisted("saving server store: %v", err)
	}
	serverLog.Info("server created", "serverId", server.ID, "installType", server.InstallType)
	return server, nil
}

// Get returns the Server with id, or NotFound.
func (s *ServerStore) Get(id string) (domain.Server, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	server, ok := s.servers[id]
	if !ok {
		return domain.Server{}, apperr.NotFound("server %q not found", id)
	}
	return server, nil
}

// List returns a snapshot of every Server.
func (s *ServerStore) List() []domain.Server {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Server, 0, len(s.servers))
	for _, server := range s.servers {
		out = append(out, server)
	}
	return out
}

// Update applies mutate to the stored Server for id and persists it.
func (s *ServerStore) Update(id string, mutate func(*domain.Server)) (domain.Server, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	server, ok := s.servers[id]
	if !ok {
		s.mu.Unlock()
		return domain.Server{}, apperr.NotFound("server %q not found", id)
	}
	mutate(&server)
	server.UpdatedAt = time.Now()
	s.servers[id] = server
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	if err := jsonstore.Save(s.path, &serverRecord{Servers: snapshot}); err != nil {
		return domain.Server{}, apperr.Persisted("saving server store: %v", err)
	}
	return server, nil
}

// Delete removes the Server with id. Returns NotFound when no Server with
// id exists, including on a repeated call after a successful delete.
func (s *ServerStore) Delete(id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if _, ok := s.servers[id]; !ok {
		s.mu.Unlock()
		return apperr.NotFound("server %q not found", id)
	}
	delete(s.servers, id)
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	if err := jsonstore.Save(s.path, &serverRecord{Servers: snapshot}); err != nil {
		return apperr.Persisted("saving server store: %v", err)
	}
	serverLog.Info("server deleted", "serverId", id)
	return nil
}

// CachedCheckUpdate returns a previously cached UpdateCheckResult for id, if
// still within the configured TTL.
func (s *ServerStore) CachedCheckUpdate(id string) (UpdateCheckResult, bool) {
	v, ok := s.updateCache.Get(id)
	if !ok {
		return UpdateCheckResult{}, false
	}
	return v.(UpdateCheckResult), true
}

// CacheCheckUpdate stores result for id, evicted after the store's
// configured TTL.
func (s *ServerStore) CacheCheckUpdate(id string, result UpdateCheckResult) {
	s.updateCache.SetDefault(id, result)
}

func (s *ServerStore) snapshotLocked() map[string]domain.Server {
	out := make(map[string]domain.Server, len(s.servers))
	for k, v := range s.servers {
		out[k] = v
	}
	return out
}
