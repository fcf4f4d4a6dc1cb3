// Package permissionstore implements the per-server permission profile
// with workspace overrides.
package permissionstore

import (
	"strings"
	"sync"

	"github.com/raphaeltm/mcphost/internal/apperr"
	"github.com/raphaeltm/mcphost/internal/domain"
	"github.com/raphaeltm/mcphost/internal/jsonstore"
	"github.com/raphaeltm/mcphost/internal/logging"
)

var log = logging.For("permissionstore")

type record struct {
	// ServerProfiles holds the base profile per server id.
	ServerProfiles map[string]domain.PermissionProfile `json:"serverProfiles"`
	// WorkspaceOverrides holds per-(workspaceId,serverId) overrides, keyed
	// "workspaceId:serverId".
	WorkspaceOverrides map[string]domain.PermissionProfile `json:"workspaceOverrides"`
}

// Store persists PermissionProfiles with the same write-through, atomic
// replace discipline as SecretStore.
type Store struct {
	path string

	mu                 sync.RWMutex
	serverProfiles     map[string]domain.PermissionProfile
	workspaceOverrides map[string]domain.PermissionProfile

	writeMu sync.Mutex
}

// Load opens (or initializes) the permission store backed by path.
func Load(path string) (*Store, error) {
	var rec record
	if err := jsonstore.Load(path, &rec); err != nil {
		return nil, apperr.Persisted("loading permission store: %v", err)
	}
	if rec.ServerProfiles == nil {
		rec.ServerProfiles = make(map[string]domain.PermissionProfile)
	}
	if rec.WorkspaceOverrides == nil {
		rec.WorkspaceOverrides = make(map[string]domain.PermissionProfile)
	}
	return &Store{
		path:               path,
		serverProfiles:     rec.ServerProfiles,
		workspaceOverrides: rec.WorkspaceOverrides,
	}, nil
}

func overrideKey(workspaceID, serverID string) string { return workspaceID + ":" + serverID }

// SetServerProfile stores the base profile for serverID.
func (s *Store) SetServerProfile(serverID string, profile domain.PermissionProfile) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	s.serverProfiles[serverID] = profile
	rec := s.snapshotLocked()
	s.mu.Unlock()

	if err := jsonstore.Save(s.path, &rec); err != nil {
		return apperr.Persisted("saving permission store: %v", err)
	}
	log.Info("server permission profile set", "serverId", serverID)
	return nil
}

// SetWorkspaceOverride stores a per-workspace override for (workspaceID, serverID).
func (s *Store) SetWorkspaceOverride(workspaceID, serverID string, profile domain.PermissionProfile) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	s.workspaceOverrides[overrideKey(workspaceID, serverID)] = profile
	rec := s.snapshotLocked()
	s.mu.Unlock()

	if err := jsonstore.Save(s.path, &rec); err != nil {
		return apperr.Persisted("saving permission store: %v", err)
	}
	return nil
}

// DeleteWorkspaceOverride removes a per-workspace override, if any.
func (s *Store) DeleteWorkspaceOverride(workspaceID, serverID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	delete(s.workspaceOverrides, overrideKey(workspaceID, serverID))
	rec := s.snapshotLocked()
	s.mu.Unlock()

	if err := jsonstore.Save(s.path, &rec); err != nil {
		return apperr.Persisted("saving permission store: %v", err)
	}
	return nil
}

// DeleteServer removes every profile and override owned by serverID, used
// when a Server is deleted.
func (s *Store) DeleteServer(serverID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	delete(s.serverProfiles, serverID)
	suffix := ":" + serverID
	for key := range s.workspaceOverrides {
		if strings.HasSuffix(key, suffix) {
			delete(s.workspaceOverrides, key)
		}
	}
	rec := s.snapshotLocked()
	s.mu.Unlock()

	if err := jsonstore.Save(s.path, &rec); err != nil {
		return apperr.Persisted("saving permission store: %v", err)
	}
	return nil
}

// DeleteWorkspace removes every override rooted at workspaceID, used when a
// Workspace is deleted.
func (s *Store) DeleteWorkspace(workspaceID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	prefix := workspaceID + ":"
	for key := range s.workspaceOverrides {
		if strings.HasPrefix(key, prefix) {
			delete(s.workspaceOverrides, key)
		}
	}
	rec := s.snapshotLocked()
	s.mu.Unlock()

	if err := jsonstore.Save(s.path, &rec); err != nil {
		return apperr.Persisted("saving permission store: %v", err)
	}
	return nil
}

// Effective returns the per-server profile merged field-wise with the
// per-workspace override. If the server has no stored profile at all, it
// returns nil: the EnvComposer treats nil as the Legacy sentinel, meaning
// "pass the parent environment unfiltered."
func (s *Store) Effective(workspaceID, serverID string) *domain.PermissionProfile {
	s.mu.RLock()
	defer s.mu.RUnlock()

	base, hasBase := s.serverProfiles[serverID]
	if !hasBase {
		return nil
	}
	if override, ok := s.workspaceOverrides[overrideKey(workspaceID, serverID)]; ok {
		return domain.MergePermissionProfile(&base, &override)
	}
	cp := base
	return &cp
}

func (s *Store) snapshotLocked() record {
	sp := make(map[string]domain.PermissionProfile, len(s.serverProfiles))
	for k, v := range s.serverProfiles {
		sp[k] = v
	}
	wo := make(map[string]domain.PermissionProfile, len(s.workspaceOverrides))
	for k, v := range s.workspaceOverrides {
		wo[k] = v
	}
	return record{ServerProfiles: sp, WorkspaceOverrides: wo}
}
