package api

import (
	"net/http"

	"github.com/raphaeltm/mcphost/internal/apperr"
	"github.com/raphaeltm/mcphost/internal/domain"
)

func (a *API) handleListWorkspaces(w http.ResponseWriter, r *http.Request) {
	writeOK(w, http.StatusOK, a.workspaces.List())
}

type createWorkspaceRequest struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	ProjectRoot string `json:"projectRoot"`
	AutoCleanup bool   `json:"autoCleanup"`
	Source      string `json:"source,omitempty"`
}

func (a *API) handleCreateWorkspace(w http.ResponseWriter, r *http.Request) {
	var req createWorkspaceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAPIError(w, err)
		return
	}
	if req.ID == "" || req.ProjectRoot == "" {
		writeAPIError(w, apperr.InvalidArgument("id and projectRoot are required"))
		return
	}
	created, err := a.workspaces.Create(domain.Workspace{
		ID:          req.ID,
		Label:       req.Label,
		ProjectRoot: req.ProjectRoot,
		AutoCleanup: req.AutoCleanup,
		Source:      req.Source,
	})
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeOK(w, http.StatusCreated, created)
}

type updateWorkspaceRequest struct {
	Label       *string `json:"label,omitempty"`
	AutoCleanup *bool   `json:"autoCleanup,omitempty"`
}

func (a *API) handleUpdateWorkspace(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req updateWorkspaceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAPIError(w, err)
		return
	}
	updated, err := a.workspaces.Update(id, func(ws *domain.Workspace) {
		if req.Label != nil {
			ws.Label = *req.Label
		}
		if req.AutoCleanup != nil {
			ws.AutoCleanup = *req.AutoCleanup
		}
	})
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeOK(w, http.StatusOK, updated)
}

// handleDeleteWorkspace stops every Instance in the workspace before
// removing it and its per-server configs/permission overrides/secrets.
func (a *API) handleDeleteWorkspace(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := a.stopWorkspaceInstances(r, id); err != nil {
		writeAPIError(w, err)
		return
	}
	if err := a.permissions.DeleteWorkspace(id); err != nil {
		writeAPIError(w, err)
		return
	}
	if err := a.secrets.DeleteWorkspaceRooted(id); err != nil {
		writeAPIError(w, err)
		return
	}
	if err := a.workspaces.Delete(id); err != nil {
		writeAPIError(w, err)
		return
	}
	writeOK(w, http.StatusOK, nil)
}

// handleResetWorkspace stops every Instance in the workspace; the
// workspace record and its overrides survive.
func (a *API) handleResetWorkspace(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := a.stopWorkspaceInstances(r, id); err != nil {
		writeAPIError(w, err)
		return
	}
	writeOK(w, http.StatusOK, nil)
}

func (a *API) stopWorkspaceInstances(r *http.Request, workspaceID string) error {
	for _, inst := range a.supervisor.List() {
		if inst.WorkspaceID != workspaceID {
			continue
		}
		if err := a.supervisor.Stop(r.Context(), inst.ServerID, inst.WorkspaceID); err != nil {
			return err
		}
	}
	return nil
}

func (a *API) handleListWorkspaceServers(w http.ResponseWriter, r *http.Request) {
	workspaceID := r.PathValue("id")
	writeOK(w, http.StatusOK, a.workspaces.ListConfigs(workspaceID))
}

type putWorkspaceServerRequest struct {
	Enabled        *bool             `json:"enabled,omitempty"`
	ContextHeaders map[string]string `json:"contextHeaders,omitempty"`
}

func (a *API) handlePutWorkspaceServer(w http.ResponseWriter, r *http.Request) {
	workspaceID := r.PathValue("wsId")
	serverID := r.PathValue("id")
	var req putWorkspaceServerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAPIError(w, err)
		return
	}
	cfg := a.workspaces.GetConfig(workspaceID, serverID)
	if req.Enabled != nil {
		cfg.Enabled = *req.Enabled
	}
	if req.ContextHeaders != nil {
		cfg.ContextHeaders = req.ContextHeaders
	}
	if err := a.workspaces.SetConfig(cfg); err != nil {
		writeAPIError(w, err)
		return
	}
	writeOK(w, http.StatusOK, cfg)
}

func (a *API) handleGetWorkspaceServerConfig(w http.ResponseWriter, r *http.Request) {
	workspaceID := r.PathValue("wsId")
	serverID := r.PathValue("id")
	writeOK(w, http.StatusOK, a.workspaces.GetConfig(workspaceID, serverID))
}

func (a *API) handlePutWorkspaceServerConfig(w http.ResponseWriter, r *http.Request) {
	workspaceID := r.PathValue("wsId")
	serverID := r.PathValue("id")
	var override map[string]any
	if err := decodeJSON(r, &override); err != nil {
		writeAPIError(w, err)
		return
	}
	cfg := a.workspaces.GetConfig(workspaceID, serverID)
	cfg.ConfigOverride = override
	if err := a.workspaces.SetConfig(cfg); err != nil {
		writeAPIError(w, err)
		return
	}
	writeOK(w, http.StatusOK, cfg)
}
