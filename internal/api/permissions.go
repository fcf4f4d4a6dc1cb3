package api

import (
	"net/http"

	"github.com/raphaeltm/mcphost/internal/domain"
)

func (a *API) handleGetServerPermissions(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	writeOK(w, http.StatusOK, a.permissions.Effective(domain.GlobalWorkspaceID, id))
}

func (a *API) handlePutServerPermissions(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var profile domain.PermissionProfile
	if err := decodeJSON(r, &profile); err != nil {
		writeAPIError(w, err)
		return
	}
	if err := a.permissions.SetServerProfile(id, profile); err != nil {
		writeAPIError(w, err)
		return
	}
	writeOK(w, http.StatusOK, profile)
}

func (a *API) handleDeleteServerPermissions(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := a.permissions.DeleteServer(id); err != nil {
		writeAPIError(w, err)
		return
	}
	writeOK(w, http.StatusOK, nil)
}

func (a *API) handleGetWorkspacePermissions(w http.ResponseWriter, r *http.Request) {
	id, wsID := r.PathValue("id"), r.PathValue("wsId")
	writeOK(w, http.StatusOK, a.permissions.Effective(wsID, id))
}

func (a *API) handlePutWorkspacePermissions(w http.ResponseWriter, r *http.Request) {
	id, wsID := r.PathValue("id"), r.PathValue("wsId")
	var profile domain.PermissionProfile
	if err := decodeJSON(r, &profile); err != nil {
		writeAPIError(w, err)
		return
	}
	if err := a.permissions.SetWorkspaceOverride(wsID, id, profile); err != nil {
		writeAPIError(w, err)
		return
	}
	writeOK(w, http.StatusOK, profile)
}

func (a *API) handleDeleteWorkspacePermissions(w http.ResponseWriter, r *http.Request) {
	id, wsID := r.PathValue("id"), r.PathValue("wsId")
	if err := a.permissions.DeleteWorkspaceOverride(wsID, id); err != nil {
		writeAPIError(w, err)
		return
	}
	writeOK(w, http.StatusOK, nil)
}
