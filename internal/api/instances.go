package api

import (
	"net/http"

	"github.com/raphaeltm/mcphost/internal/apperr"
	"github.com/raphaeltm/mcphost/internal/domain"
)

type instanceRequest struct {
	ServerID    string `json:"serverId"`
	WorkspaceID string `json:"workspaceId"`
}

func (req instanceRequest) validate() error {
	if req.ServerID == "" {
		return apperr.InvalidArgument("serverId is required")
	}
	return nil
}

func (req instanceRequest) workspaceOrGlobal() string {
	if req.WorkspaceID == "" {
		return domain.GlobalWorkspaceID
	}
	return req.WorkspaceID
}

func (a *API) handleInstanceStart(w http.ResponseWriter, r *http.Request) {
	var req instanceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAPIError(w, err)
		return
	}
	if err := req.validate(); err != nil {
		writeAPIError(w, err)
		return
	}
	inst, err := a.supervisor.Start(r.Context(), req.ServerID, req.workspaceOrGlobal())
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeOK(w, http.StatusOK, inst)
}

func (a *API) handleInstanceStop(w http.ResponseWriter, r *http.Request) {
	var req instanceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAPIError(w, err)
		return
	}
	if err := req.validate(); err != nil {
		writeAPIError(w, err)
		return
	}
	if err := a.supervisor.Stop(r.Context(), req.ServerID, req.workspaceOrGlobal()); err != nil {
		writeAPIError(w, err)
		return
	}
	writeOK(w, http.StatusOK, nil)
}

func (a *API) handleInstanceRestart(w http.ResponseWriter, r *http.Request) {
	var req instanceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAPIError(w, err)
		return
	}
	if err := req.validate(); err != nil {
		writeAPIError(w, err)
		return
	}
	inst, err := a.supervisor.Restart(r.Context(), req.ServerID, req.workspaceOrGlobal())
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeOK(w, http.StatusOK, inst)
}

func (a *API) handleInstanceRestartAll(w http.ResponseWriter, r *http.Request) {
	restarted, failed := 0, 0
	for _, inst := range a.supervisor.List() {
		if inst.Status != domain.StatusRunning {
			continue
		}
		if _, err := a.supervisor.Restart(r.Context(), inst.ServerID, inst.WorkspaceID); err != nil {
			failed++
			continue
		}
		restarted++
	}
	writeOK(w, http.StatusOK, map[string]int{"restarted": restarted, "failed": failed})
}

// handleInstanceHealth performs a live proxied probe against the Instance's
// /health endpoint, in contrast to handleInstanceMetadata's cached read.
func (a *API) handleInstanceHealth(w http.ResponseWriter, r *http.Request) {
	serverID, workspaceID := r.PathValue("serverId"), r.PathValue("workspaceId")
	healthy, err := a.supervisor.ProbeHealth(r.Context(), serverID, workspaceID)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeOK(w, http.StatusOK, map[string]any{"healthy": healthy})
}

func (a *API) handleInstanceMetadata(w http.ResponseWriter, r *http.Request) {
	serverID, workspaceID := r.PathValue("serverId"), r.PathValue("workspaceId")
	inst, ok := a.supervisor.Get(serverID, workspaceID)
	if !ok {
		writeAPIError(w, apperr.NotFound("no instance for (%s, %s)", serverID, workspaceID))
		return
	}
	writeOK(w, http.StatusOK, inst.Metadata)
}

// handleInstanceLogs is a supplemented diagnostic endpoint reading the
// capped stdout/stderr ring buffers for a live Instance.
func (a *API) handleInstanceLogs(w http.ResponseWriter, r *http.Request) {
	serverID, workspaceID := r.PathValue("serverId"), r.PathValue("workspaceId")
	writeOK(w, http.StatusOK, map[string][]string{
		"stdout": a.supervisor.StdoutTail(serverID, workspaceID),
		"stderr": a.supervisor.StderrTail(serverID, workspaceID),
	})
}
