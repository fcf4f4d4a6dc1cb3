package api

import (
	"net/http"

	"github.com/raphaeltm/mcphost/internal/apperr"
	"github.com/raphaeltm/mcphost/internal/domain"
	"github.com/raphaeltm/mcphost/internal/store"
)

// serverView augments a Server with its cached live status for the
// requested workspace.
type serverView struct {
	domain.Server
	Status domain.Status `json:"status"`
}

func (a *API) handleListServers(w http.ResponseWriter, r *http.Request) {
	workspaceID := queryOr(r, "workspaceId", domain.GlobalWorkspaceID)
	servers := a.servers.List()
	views := make([]serverView, 0, len(servers))
	for _, srv := range servers {
		status := domain.StatusAbsent
		if inst, ok := a.supervisor.Get(srv.ID, workspaceID); ok {
			status = inst.Status
		}
		views = append(views, serverView{Server: srv, Status: status})
	}
	writeOK(w, http.StatusOK, views)
}

type createServerRequest struct {
	InstallType    domain.InstallType `json:"installType"`
	PackageName    string             `json:"packageName,omitempty"`
	PackageVersion string             `json:"packageVersion,omitempty"`
	LocalPath      string             `json:"localPath,omitempty"`
	EntryPoint     string             `json:"entryPoint,omitempty"`
	Name           string             `json:"name"`
	ContextHeaders []string           `json:"contextHeaders,omitempty"`
}

func (a *API) handleCreateServer(w http.ResponseWriter, r *http.Request) {
	var req createServerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAPIError(w, err)
		return
	}
	if req.InstallType == "" {
		writeAPIError(w, apperr.InvalidArgument("installType is required"))
		return
	}
	id := req.Name
	if id == "" {
		id = string(req.InstallType) + "-" + req.PackageName
	}
	created, err := a.servers.Create(domain.Server{
		ID:             id,
		Name:           req.Name,
		InstallType:    req.InstallType,
		PackageName:    req.PackageName,
		PackageVersion: req.PackageVersion,
		LocalPath:      req.LocalPath,
		EntryPoint:     req.EntryPoint,
		ContextHeaders: req.ContextHeaders,
	})
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeOK(w, http.StatusCreated, created)
}

type updateServerRequest struct {
	Name           *string   `json:"name,omitempty"`
	PackageVersion *string   `json:"packageVersion,omitempty"`
	EntryPoint     *string   `json:"entryPoint,omitempty"`
	ContextHeaders *[]string `json:"contextHeaders,omitempty"`
}

func (a *API) handleUpdateServer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req updateServerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAPIError(w, err)
		return
	}
	updated, err := a.servers.Update(id, func(srv *domain.Server) {
		if req.Name != nil {
			srv.Name = *req.Name
		}
		if req.PackageVersion != nil {
			srv.PackageVersion = *req.PackageVersion
		}
		if req.EntryPoint != nil {
			srv.EntryPoint = *req.EntryPoint
		}
		if req.ContextHeaders != nil {
			srv.ContextHeaders = *req.ContextHeaders
		}
	})
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeOK(w, http.StatusOK, updated)
}

// handleDeleteServer stops every Instance of this Server across all
// workspaces before removing it.
func (a *API) handleDeleteServer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	for _, inst := range a.supervisor.List() {
		if inst.ServerID != id {
			continue
		}
		if err := a.supervisor.Stop(r.Context(), inst.ServerID, inst.WorkspaceID); err != nil {
			writeAPIError(w, err)
			return
		}
	}
	if err := a.workspaces.DeleteServerConfigs(id); err != nil {
		writeAPIError(w, err)
		return
	}
	if err := a.permissions.DeleteServer(id); err != nil {
		writeAPIError(w, err)
		return
	}
	if err := a.secrets.DeleteServerRooted(id); err != nil {
		writeAPIError(w, err)
		return
	}
	if err := a.servers.Delete(id); err != nil {
		writeAPIError(w, err)
		return
	}
	writeOK(w, http.StatusOK, nil)
}

// handleUpdateServerPackage re-resolves the server's package version and
// restarts any currently-running Instances.
func (a *API) handleUpdateServerPackage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req struct {
		PackageVersion string `json:"packageVersion"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeAPIError(w, err)
		return
	}
	updated, err := a.servers.Update(id, func(srv *domain.Server) {
		srv.PackageVersion = req.PackageVersion
	})
	if err != nil {
		writeAPIError(w, err)
		return
	}

	restarted, failed := 0, 0
	for _, inst := range a.supervisor.List() {
		if inst.ServerID != id || inst.Status != domain.StatusRunning {
			continue
		}
		if _, err := a.supervisor.Restart(r.Context(), inst.ServerID, inst.WorkspaceID); err != nil {
			failed++
			continue
		}
		restarted++
	}
	writeOK(w, http.StatusOK, map[string]any{"server": updated, "restarted": restarted, "failed": failed})
}

func (a *API) handleCheckUpdate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	srv, err := a.servers.Get(id)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	if cached, ok := a.servers.CachedCheckUpdate(id); ok {
		writeOK(w, http.StatusOK, cached)
		return
	}
	// Resolving the actual upstream registry version is outside this
	// core's scope; LatestVersion is whatever the stored Server record
	// already carries (no handler in this package sets it).
	result := store.UpdateCheckResult{
		HasUpdate:      srv.LatestVersion != "" && srv.LatestVersion != srv.PackageVersion,
		CurrentVersion: srv.PackageVersion,
		LatestVersion:  srv.LatestVersion,
	}
	a.servers.CacheCheckUpdate(id, result)
	writeOK(w, http.StatusOK, result)
}
