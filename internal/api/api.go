// Package api implements the HTTP + WebSocket surface: a thin JSON
// translation layer over the stores, the Supervisor, and the EventBus.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/raphaeltm/mcphost/internal/apperr"
	"github.com/raphaeltm/mcphost/internal/domain"
	"github.com/raphaeltm/mcphost/internal/eventbus"
	"github.com/raphaeltm/mcphost/internal/logging"
	"github.com/raphaeltm/mcphost/internal/permissionstore"
	"github.com/raphaeltm/mcphost/internal/secretstore"
	"github.com/raphaeltm/mcphost/internal/store"
)

var log = logging.For("api")

// supervisor is the subset of supervisor.Supervisor the API depends on.
type supervisor interface {
	Start(ctx context.Context, serverID, workspaceID string) (domain.Instance, error)
	Stop(ctx context.Context, serverID, workspaceID string) error
	Restart(ctx context.Context, serverID, workspaceID string) (domain.Instance, error)
	StopAll(ctx context.Context) (stopped, failed int)
	List() []domain.Instance
	Get(serverID, workspaceID string) (domain.Instance, bool)
	ProbeHealth(ctx context.Context, serverID, workspaceID string) (bool, error)
	StdoutTail(serverID, workspaceID string) []string
	StderrTail(serverID, workspaceID string) []string
}

// API wires the REST/WebSocket handlers to their backing stores.
type API struct {
	servers     *store.ServerStore
	workspaces  *store.WorkspaceStore
	secrets     *secretstore.Store
	permissions *permissionstore.Store
	sessions    *store.SessionStore
	supervisor  supervisor
	bus         *eventbus.Bus
	profile     *store.UserProfileStore

	wsReadBufferSize  int
	wsWriteBufferSize int
}

// New constructs the API handler set.
func New(
	servers *store.ServerStore,
	workspaces *store.WorkspaceStore,
	secrets *secretstore.Store,
	permissions *permissionstore.Store,
	sessions *store.SessionStore,
	sup supervisor,
	bus *eventbus.Bus,
	profile *store.UserProfileStore,
	wsReadBufferSize, wsWriteBufferSize int,
) *API {
	return &API{
		servers:           servers,
		workspaces:        workspaces,
		secrets:           secrets,
		permissions:       permissions,
		sessions:          sessions,
		supervisor:        sup,
		bus:               bus,
		profile:           profile,
		wsReadBufferSize:  wsReadBufferSize,
		wsWriteBufferSize: wsWriteBufferSize,
	}
}

// Mount registers every route on mux: the REST surface plus /events.
func (a *API) Mount(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/servers", a.handleListServers)
	mux.HandleFunc("POST /api/servers", a.handleCreateServer)
	mux.HandleFunc("PATCH /api/servers/{id}", a.handleUpdateServer)
	mux.HandleFunc("DELETE /api/servers/{id}", a.handleDeleteServer)
	mux.HandleFunc("POST /api/servers/{id}/update", a.handleUpdateServerPackage)
	mux.HandleFunc("GET /api/servers/{id}/check-update", a.handleCheckUpdate)

	mux.HandleFunc("GET /api/servers/{id}/permissions", a.handleGetServerPermissions)
	mux.HandleFunc("PUT /api/servers/{id}/permissions", a.handlePutServerPermissions)
	mux.HandleFunc("DELETE /api/servers/{id}/permissions", a.handleDeleteServerPermissions)
	mux.HandleFunc("GET /api/servers/{id}/permissions/{wsId}", a.handleGetWorkspacePermissions)
	mux.HandleFunc("PUT /api/servers/{id}/permissions/{wsId}", a.handlePutWorkspacePermissions)
	mux.HandleFunc("DELETE /api/servers/{id}/permissions/{wsId}", a.handleDeleteWorkspacePermissions)

	mux.HandleFunc("GET /api/workspaces", a.handleListWorkspaces)
	mux.HandleFunc("POST /api/workspaces", a.handleCreateWorkspace)
	mux.HandleFunc("PATCH /api/workspaces/{id}", a.handleUpdateWorkspace)
	mux.HandleFunc("DELETE /api/workspaces/{id}", a.handleDeleteWorkspace)
	mux.HandleFunc("POST /api/workspaces/{id}/reset", a.handleResetWorkspace)
	mux.HandleFunc("GET /api/workspaces/{id}/servers", a.handleListWorkspaceServers)
	mux.HandleFunc("PUT /api/workspaces/{wsId}/servers/{id}", a.handlePutWorkspaceServer)
	mux.HandleFunc("GET /api/workspaces/{wsId}/servers/{id}/config", a.handleGetWorkspaceServerConfig)
	mux.HandleFunc("PUT /api/workspaces/{wsId}/servers/{id}/config", a.handlePutWorkspaceServerConfig)

	mux.HandleFunc("POST /api/instances/start", a.handleInstanceStart)
	mux.HandleFunc("POST /api/instances/stop", a.handleInstanceStop)
	mux.HandleFunc("POST /api/instances/restart", a.handleInstanceRestart)
	mux.HandleFunc("POST /api/instances/restart-all", a.handleInstanceRestartAll)
	mux.HandleFunc("GET /api/instances/{serverId}/{workspaceId}/health", a.handleInstanceHealth)
	mux.HandleFunc("GET /api/instances/{serverId}/{workspaceId}/metadata", a.handleInstanceMetadata)
	mux.HandleFunc("GET /api/instances/{serverId}/{workspaceId}/logs", a.handleInstanceLogs)

	mux.HandleFunc("GET /api/secrets/{scope}", a.handleListSecrets)
	mux.HandleFunc("PUT /api/secrets/{scope}/{name}", a.handleSetSecret)
	mux.HandleFunc("DELETE /api/secrets/{scope}/{name}", a.handleDeleteSecret)

	mux.HandleFunc("GET /api/auth/profile", a.handleGetProfile)
	mux.HandleFunc("POST /api/auth/login", a.handleLogin)
	mux.HandleFunc("POST /api/auth/logout", a.handleLogout)

	mux.HandleFunc("GET /api/events", a.handleEventHistory)
	mux.HandleFunc("GET /events", a.handleEventsWebSocket)
}

// envelope is the {success: bool, ...} wrapper every response carries.
type envelope struct {
	Success bool `json:"success"`
	Data    any  `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

func writeOK(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Success: true, Data: data})
}

// writeAPIError maps an apperr.Kind to an HTTP status and the stable
// {success:false, error, code} body.
func writeAPIError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	status := apperr.HTTPStatus(kind)
	log.Warn("api error", "kind", kind, "error", err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{
		Success: false,
		Error:   err.Error(),
		Code:    string(kind),
	})
}

func decodeJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return apperr.InvalidArgument("request body is required")
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.InvalidArgument("invalid JSON body: %v", err)
	}
	return nil
}

func queryOr(r *http.Request, key, fallback string) string {
	if v := r.URL.Query().Get(key); v != "" {
		return v
	}
	return fallback
}
