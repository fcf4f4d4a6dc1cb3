package store

import (
	"sync"
	"time"

	"github.com/raphaeltm/mcphost/internal/apperr"
	"github.com/raphaeltm/mcphost/internal/domain"
	"github.com/raphaeltm/mcphost/internal/jsonstore"
	"github.com/raphaeltm/mcphost/internal/logging"
)

var workspaceLog = logging.For("workspacestore")

type workspaceRecord struct {
	Workspaces map[string]domain.Workspace                  `json:"workspaces"`
	Configs    map[string]domain.WorkspaceServerConfig       `json:"configs"` // key: workspaceId:serverId
}

// WorkspaceStore persists Workspaces and their per-server overrides, one
// JSON file, write-through with atomic replace. The distinguished "global"
// workspace is seeded on first load and can never be deleted.
type WorkspaceStore struct {
	path string

	mu         sync.RWMutex
	workspaces map[string]domain.Workspace
	configs    map[string]domain.WorkspaceServerConfig

	writeMu sync.Mutex
}

func configKey(workspaceID, serverID string) string { return workspaceID + ":" + serverID }

// NewWorkspaceStore opens (or initializes) the workspace catalog backed by
// path, seeding the global workspace if absent.
func NewWorkspaceStore(path string) (*WorkspaceStore, error) {
	var rec workspaceRecord
	if err := jsonstore.Load(path, &rec); err != nil {
		return nil, apperr.Persisted("loading workspace store: %v", err)
	}
	if rec.Workspaces == nil {
		rec.Workspaces = make(map[string]domain.Workspace)
	}
	if rec.Configs == nil {
		rec.Configs = make(map[string]domain.WorkspaceServerConfig)
	}
	ws := &WorkspaceStore{path: path, workspaces: rec.Workspaces, configs: rec.Configs}

	if _, ok := ws.workspaces[domain.GlobalWorkspaceID]; !ok {
		now := time.Now()
		ws.workspaces[domain.GlobalWorkspaceID] = domain.Workspace{
			ID:        domain.GlobalWorkspaceID,
			Label:     "Global",
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := jsonstore.Save(path, &workspaceRecord{Workspaces: ws.workspaces, Configs: ws.configs}); err != nil {
			return nil, apperr.Persisted("seeding global workspace: %v", err)
		}
	}
	return ws, nil
}

// Create persists a new Workspace.
func (s *WorkspaceStore) Create(ws domain.Workspace) (domain.Workspace, error) {
	now := time.Now()
	ws.CreatedAt = now
	ws.UpdatedAt = now

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if _, exists := s.workspaces[ws.ID]; exists {
		s.mu.Unlock()
		return domain.Workspace{}, apperr.AlreadyExists("workspace %q already exists", ws.ID)
	}
	s.workspaces[ws.ID] = ws
	rec := s.snapshotLocked()
	s.mu.Unlock()

	if err := jsonstore.Save(s.path, &rec); err != nil {
		return domain.Workspace{}, apperr.Persisted("saving workspace store: %v", err)
	}
	workspaceLog.Info("workspace created", "workspaceId", ws.ID)
	return ws, nil
}

// Get returns the Workspace with id, or NotFound.
func (s *WorkspaceStore) Get(id string) (domain.Workspace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ws, ok := s.workspaces[id]
	if !ok {
		return domain.Workspace{}, apperr.NotFound("workspace %q not found", id)
	}
	return ws, nil
}

// List returns a snapshot of every Workspace.
func (s *WorkspaceStore) List() []domain.Workspace {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Workspace, 0, len(s.workspaces))
	for _, ws := range s.workspaces {
		out = append(out, ws)
	}
	return out
}

// Update applies mutate to the stored Workspace for id and persists it.
func (s *WorkspaceStore) Update(id string, mutate func(*domain.Workspace)) (domain.Workspace, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	ws, ok := s.workspaces[id]
	if !ok {
		s.mu.Unlock()
		return domain.Workspace{}, apperr.NotFound("workspace %q not found", id)
	}
	mutate(&ws)
	ws.UpdatedAt = time.Now()
	s.workspaces[id] = ws
	rec := s.snapshotLocked()
	s.mu.Unlock()

	if err := jsonstore.Save(s.path, &rec); err != nil {
		return domain.Workspace{}, apperr.Persisted("saving workspace store: %v", err)
	}
	return ws, nil
}

// Delete removes the Workspace with id and every WorkspaceServerConfig
// rooted at it. The global workspace can never be deleted.
func (s *WorkspaceStore) Delete(id string) error {
	if id == domain.GlobalWorkspaceID {
		return apperr.InvalidArgument("the global workspace cannot be deleted")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if _, ok := s.workspaces[id]; !ok {
		s.mu.Unlock()
		return apperr.NotFound("workspace %q not found", id)
	}
	delete(s.workspaces, id)
	prefix := id + ":"
	for key := range s.configs {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			delete(s.configs, key)
		}
	}
	rec := s.snapshotLocked()
	s.mu.Unlock()

	if err := jsonstore.Save(s.path, &rec); err != nil {
		return apperr.Persisted("saving workspace store: %v", err)
	}
	workspaceLog.Info("workspace deleted", "workspaceId", id)
	return nil
}

// GetConfig returns the WorkspaceServerConfig for (workspaceID, serverID),
// defaulting to enabled=true when none is stored yet.
func (s *WorkspaceStore) GetConfig(workspaceID, serverID string) domain.WorkspaceServerConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if cfg, ok := s.configs[configKey(workspaceID, serverID)]; ok {
		return cfg
	}
	return domain.WorkspaceServerConfig{WorkspaceID: workspaceID, ServerID: serverID, Enabled: true}
}

// ListConfigs returns every stored WorkspaceServerConfig for a workspace.
func (s *WorkspaceStore) ListConfigs(workspaceID string) []domain.WorkspaceServerConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	prefix := workspaceID + ":"
	out := make([]domain.WorkspaceServerConfig, 0)
	for key, cfg := range s.configs {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			out = append(out, cfg)
		}
	}
	return out
}

// SetConfig upserts the WorkspaceServerConfig for (workspaceID, serverID).
func (s *WorkspaceStore) SetConfig(cfg domain.WorkspaceServerConfig) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	s.configs[configKey(cfg.WorkspaceID, cfg.ServerID)] = cfg
	rec := s.snapshotLocked()
	s.mu.Unlock()

	if err := jsonstore.Save(s.path, &rec); err != nil {
		return apperr.Persisted("saving workspace store: %v", err)
	}
	return nil
}

// DeleteServerConfigs removes every WorkspaceServerConfig for serverID
// across all workspaces, used when a Server is deleted.
func (s *WorkspaceStore) DeleteServerConfigs(serverID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	suffix := ":" + serverID
	for key := range s.configs {
		if len(key) > len(suffix) && key[len(key)-len(suffix):] == suffix {
			delete(s.configs, key)
		}
	}
	rec := s.snapshotLocked()
	s.mu.Unlock()

	if err := jsonstore.Save(s.path, &rec); err != nil {
		return apperr.Persisted("saving workspace store: %v", err)
	}
	return nil
}

func (s *WorkspaceStore) snapshotLocked() workspaceRecord {
	ws := make(map[string]domain.Workspace, len(s.workspaces))
	for k, v := range s.workspaces {
		ws[k] = v
	}
	cfgs := make(map[string]domain.WorkspaceServerConfig, len(s.configs))
	for k, v := range s.configs {
		cfgs[k] = v
	}
	return workspaceRecord{Workspaces: ws, Configs: cfgs}
}
