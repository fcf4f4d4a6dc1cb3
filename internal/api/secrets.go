package api

import (
	"net/http"
	"strings"

	"github.com/raphaeltm/mcphost/internal/apperr"
	"github.com/raphaeltm/mcphost/internal/domain"
)

// parseScope decodes a path segment of the form "global",
// "workspace:{wsId}", or "server:{wsId}:{serverId}" into a domain.Scope.
func parseScope(raw string) (domain.Scope, error) {
	parts := strings.SplitN(raw, ":", 3)
	switch parts[0] {
	case "global":
		return domain.Global(), nil
	case "workspace":
		if len(parts) != 2 || parts[1] == "" {
			return domain.Scope{}, apperr.InvalidArgument("malformed workspace scope %q", raw)
		}
		return domain.ForWorkspace(parts[1]), nil
	case "server":
		if len(parts) != 3 || parts[1] == "" || parts[2] == "" {
			return domain.Scope{}, apperr.InvalidArgument("malformed server scope %q", raw)
		}
		return domain.ForServer(parts[1], parts[2]), nil
	default:
		return domain.Scope{}, apperr.InvalidArgument("unknown scope %q", raw)
	}
}

func (a *API) handleListSecrets(w http.ResponseWriter, r *http.Request) {
	scope, err := parseScope(r.PathValue("scope"))
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeOK(w, http.StatusOK, a.secrets.List(scope))
}

func (a *API) handleSetSecret(w http.ResponseWriter, r *http.Request) {
	scope, err := parseScope(r.PathValue("scope"))
	if err != nil {
		writeAPIError(w, err)
		return
	}
	name := r.PathValue("name")
	var body struct {
		Value string `json:"value"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeAPIError(w, err)
		return
	}
	if err := a.secrets.Set(scope, name, body.Value); err != nil {
		writeAPIError(w, err)
		return
	}
	writeOK(w, http.StatusOK, nil)
}

func (a *API) handleDeleteSecret(w http.ResponseWriter, r *http.Request) {
	scope, err := parseScope(r.PathValue("scope"))
	if err != nil {
		writeAPIError(w, err)
		return
	}
	name := r.PathValue("name")
	if err := a.secrets.Delete(scope, name); err != nil {
		writeAPIError(w, err)
		return
	}
	writeOK(w, http.StatusOK, nil)
}
