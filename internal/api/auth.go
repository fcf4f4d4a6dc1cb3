package api

import (
	"net/http"

	"github.com/raphaeltm/mcphost/internal/apperr"
	"github.com/raphaeltm/mcphost/internal/domain"
)

// handleGetProfile returns the local identity, or an empty profile if
// none has been set yet — there is no multi-user auth model.
func (a *API) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	profile := a.profile.Get()
	if profile == nil {
		writeOK(w, http.StatusOK, domain.UserProfile{})
		return
	}
	writeOK(w, http.StatusOK, profile)
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var profile domain.UserProfile
	if err := decodeJSON(r, &profile); err != nil {
		writeAPIError(w, err)
		return
	}
	if profile.FullName == "" {
		writeAPIError(w, apperr.InvalidArgument("fullName is required"))
		return
	}
	if err := a.profile.Set(profile); err != nil {
		writeAPIError(w, err)
		return
	}
	writeOK(w, http.StatusOK, profile)
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := a.profile.Clear(); err != nil {
		writeAPIError(w, err)
		return
	}
	writeOK(w, http.StatusOK, nil)
}
