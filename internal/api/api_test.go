package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaeltm/mcphost/internal/apperr"
	"github.com/raphaeltm/mcphost/internal/domain"
	"github.com/raphaeltm/mcphost/internal/eventbus"
	"github.com/raphaeltm/mcphost/internal/permissionstore"
	"github.com/raphaeltm/mcphost/internal/secretstore"
	"github.com/raphaeltm/mcphost/internal/store"
)

// fakeSupervisor is a minimal in-memory stand-in for supervisor.Supervisor,
// letting API tests exercise instance routes without spawning processes.
type fakeSupervisor struct {
	instances map[domain.InstanceKey]domain.Instance
	startErr  error
	healthy   bool
	healthErr error
}

func newFakeSupervisor() *fakeSupervisor {
	return &fakeSupervisor{instances: make(map[domain.InstanceKey]domain.Instance)}
}

func (f *fakeSupervisor) Start(ctx context.Context, serverID, workspaceID string) (domain.Instance, error) {
	if f.startErr != nil {
		return domain.Instance{}, f.startErr
	}
	inst := domain.Instance{ServerID: serverID, WorkspaceID: workspaceID, Status: domain.StatusRunning}
	f.instances[domain.InstanceKey{ServerID: serverID, WorkspaceID: workspaceID}] = inst
	return inst, nil
}

func (f *fakeSupervisor) Stop(ctx context.Context, serverID, workspaceID string) error {
	delete(f.instances, domain.InstanceKey{ServerID: serverID, WorkspaceID: workspaceID})
	return nil
}

func (f *fakeSupervisor) Restart(ctx context.Context, serverID, workspaceID string) (domain.Instance, error) {
	return f.Start(ctx, serverID, workspaceID)
}

func (f *fakeSupervisor) StopAll(ctx context.Context) (int, int) {
	n := len(f.instances)
	f.instances = make(map[domain.InstanceKey]domain.Instance)
	return n, 0
}

func (f *fakeSupervisor) List() []domain.Instance {
	out := make([]domain.Instance, 0, len(f.instances))
	for _, inst := range f.instances {
		out = append(out, inst)
	}
	return out
}

func (f *fakeSupervisor) Get(serverID, workspaceID string) (domain.Instance, bool) {
	inst, ok := f.instances[domain.InstanceKey{ServerID: serverID, WorkspaceID: workspaceID}]
	return inst, ok
}

func (f *fakeSupervisor) ProbeHealth(ctx context.Context, serverID, workspaceID string) (bool, error) {
	if f.healthErr != nil {
		return false, f.healthErr
	}
	return f.healthy, nil
}

func (f *fakeSupervisor) StdoutTail(serverID, workspaceID string) []string { return nil }
func (f *fakeSupervisor) StderrTail(serverID, workspaceID string) []string { return nil }

type testAPI struct {
	api *API
	sup *fakeSupervisor
}

func newTestAPI(t *testing.T) testAPI {
	t.Helper()
	dir := t.TempDir()

	servers, err := store.NewServerStore(filepath.Join(dir, "servers.json"), 0)
	require.NoError(t, err)
	workspaces, err := store.NewWorkspaceStore(filepath.Join(dir, "workspaces.json"))
	require.NoError(t, err)
	secrets, err := secretstore.Load(filepath.Join(dir, "secrets.json"))
	require.NoError(t, err)
	permissions, err := permissionstore.Load(filepath.Join(dir, "permissions.json"))
	require.NoError(t, err)
	profile, err := store.NewUserProfileStore(filepath.Join(dir, "profile.json"))
	require.NoError(t, err)

	sessions := store.NewSessionStore(0, 0)
	sup := newFakeSupervisor()
	bus := eventbus.New(16, 32)

	a := New(servers, workspaces, secrets, permissions, sessions, sup, bus, profile, 1024, 1024)
	return testAPI{api: a, sup: sup}
}

func (ta testAPI) mux() *http.ServeMux {
	mux := http.NewServeMux()
	ta.api.Mount(mux)
	return mux
}

func doJSON(t *testing.T, mux *http.ServeMux, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = httptest.NewRequest(method, path, bytes.NewReader(b))
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, r)
	return w
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), "body=%s", w.Body.String())
	return env
}

func decodeData(t *testing.T, env envelope, out any) {
	t.Helper()
	data, err := json.Marshal(env.Data)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, out))
}

func TestCreateAndListServers(t *testing.T) {
	ta := newTestAPI(t)
	mux := ta.mux()

	w := doJSON(t, mux, "POST", "/api/servers", createServerRequest{
		InstallType: domain.InstallNPX,
		PackageName: "demo-mcp-server",
		Name:        "demo",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	env := decodeEnvelope(t, w)
	assert.True(t, env.Success)

	w = doJSON(t, mux, "GET", "/api/servers", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var views []serverView
	decodeData(t, decodeEnvelope(t, w), &views)
	require.Len(t, views, 1)
	assert.Equal(t, "demo", views[0].ID)
	assert.Equal(t, domain.StatusAbsent, views[0].Status)
}

func TestCreateServerMissingInstallTypeIsInvalidArgument(t *testing.T) {
	ta := newTestAPI(t)
	mux := ta.mux()

	w := doJSON(t, mux, "POST", "/api/servers", createServerRequest{Name: "demo"})
	require.Equal(t, http.StatusBadRequest, w.Code)
	env := decodeEnvelope(t, w)
	assert.False(t, env.Success)
	assert.Equal(t, string(apperr.KindInvalidArgument), env.Code)
}

func TestDeleteUnknownServerIsNotFound(t *testing.T) {
	ta := newTestAPI(t)
	mux := ta.mux()

	w := doJSON(t, mux, "DELETE", "/api/servers/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, w.Code, w.Body.String())
}

func TestInstanceStartStopRoundTrip(t *testing.T) {
	ta := newTestAPI(t)
	mux := ta.mux()

	doJSON(t, mux, "POST", "/api/servers", createServerRequest{InstallType: domain.InstallNPX, Name: "demo"})
	doJSON(t, mux, "POST", "/api/workspaces", createWorkspaceRequest{ID: "ws1", ProjectRoot: "/tmp/ws1"})

	w := doJSON(t, mux, "POST", "/api/instances/start", instanceRequest{ServerID: "demo", WorkspaceID: "ws1"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	_, ok := ta.sup.Get("demo", "ws1")
	assert.True(t, ok, "expected instance to be tracked by the supervisor")

	w = doJSON(t, mux, "POST", "/api/instances/stop", instanceRequest{ServerID: "demo", WorkspaceID: "ws1"})
	require.Equal(t, http.StatusOK, w.Code)
	_, ok = ta.sup.Get("demo", "ws1")
	assert.False(t, ok, "expected instance to be removed after stop")
}

func TestInstanceHealthPerformsLiveProbeNotCachedStatus(t *testing.T) {
	ta := newTestAPI(t)
	mux := ta.mux()

	doJSON(t, mux, "POST", "/api/servers", createServerRequest{InstallType: domain.InstallNPX, Name: "demo"})
	doJSON(t, mux, "POST", "/api/workspaces", createWorkspaceRequest{ID: "ws1", ProjectRoot: "/tmp/ws1"})
	w := doJSON(t, mux, "POST", "/api/instances/start", instanceRequest{ServerID: "demo", WorkspaceID: "ws1"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// The cached Instance is StatusRunning, but the live probe says
	// otherwise: the handler must surface the probe's answer, not Get's.
	ta.sup.healthy = false

	w = doJSON(t, mux, "GET", "/api/instances/demo/ws1/health", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	env := decodeEnvelope(t, w)
	var got map[string]bool
	decodeData(t, env, &got)
	assert.False(t, got["healthy"], "handler must reflect the live probe result, not the cached running status")

	ta.sup.healthy = true
	w = doJSON(t, mux, "GET", "/api/instances/demo/ws1/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	env = decodeEnvelope(t, w)
	decodeData(t, env, &got)
	assert.True(t, got["healthy"])
}

func TestInstanceHealthUnknownInstanceIsNotFound(t *testing.T) {
	ta := newTestAPI(t)
	mux := ta.mux()
	ta.sup.healthErr = apperr.NotFound("no instance for (%s, %s)", "demo", "ws1")

	w := doJSON(t, mux, "GET", "/api/instances/demo/ws1/health", nil)
	assert.Equal(t, http.StatusNotFound, w.Code, w.Body.String())
}

func TestInstanceStartRequiresServerID(t *testing.T) {
	ta := newTestAPI(t)
	mux := ta.mux()

	w := doJSON(t, mux, "POST", "/api/instances/start", instanceRequest{WorkspaceID: "ws1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSecretsScopedCRUD(t *testing.T) {
	ta := newTestAPI(t)
	mux := ta.mux()

	w := doJSON(t, mux, "PUT", "/api/secrets/workspace:ws1/API_KEY", map[string]string{"value": "secret-value"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doJSON(t, mux, "GET", "/api/secrets/workspace:ws1", nil)
	var names []string
	decodeData(t, decodeEnvelope(t, w), &names)
	assert.Equal(t, []string{"SECRET_API_KEY"}, names)

	w = doJSON(t, mux, "DELETE", "/api/secrets/workspace:ws1/API_KEY", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSecretsMalformedScopeIsInvalidArgument(t *testing.T) {
	ta := newTestAPI(t)
	mux := ta.mux()

	w := doJSON(t, mux, "GET", "/api/secrets/server:onlyone", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestParseScope(t *testing.T) {
	cases := []struct {
		raw  string
		want domain.Scope
	}{
		{"global", domain.Global()},
		{"workspace:ws1", domain.ForWorkspace("ws1")},
		{"server:ws1:srv1", domain.ForServer("ws1", "srv1")},
	}
	for _, c := range cases {
		got, err := parseScope(c.raw)
		require.NoError(t, err, c.raw)
		assert.Equal(t, c.want.Key(), got.Key(), c.raw)
	}

	_, err := parseScope("bogus")
	assert.Error(t, err)
	_, err = parseScope("workspace:")
	assert.Error(t, err)
}

func TestAuthProfileLoginLogout(t *testing.T) {
	ta := newTestAPI(t)
	mux := ta.mux()

	var profile domain.UserProfile
	decodeData(t, decodeEnvelope(t, doJSON(t, mux, "GET", "/api/auth/profile", nil)), &profile)
	assert.Empty(t, profile.FullName)

	w := doJSON(t, mux, "POST", "/api/auth/login", domain.UserProfile{FullName: "Ada Lovelace"})
	require.Equal(t, http.StatusOK, w.Code)

	decodeData(t, decodeEnvelope(t, doJSON(t, mux, "GET", "/api/auth/profile", nil)), &profile)
	assert.Equal(t, "Ada Lovelace", profile.FullName)

	w = doJSON(t, mux, "POST", "/api/auth/logout", nil)
	require.Equal(t, http.StatusOK, w.Code)

	decodeData(t, decodeEnvelope(t, doJSON(t, mux, "GET", "/api/auth/profile", nil)), &profile)
	assert.Empty(t, profile.FullName)
}

func TestAuthLoginRequiresFullName(t *testing.T) {
	ta := newTestAPI(t)
	mux := ta.mux()

	w := doJSON(t, mux, "POST", "/api/auth/login", domain.UserProfile{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEventHistoryDefaultsAndClampsLimit(t *testing.T) {
	assert.Equal(t, 100, parseEventLimit(""))
	assert.Equal(t, 500, parseEventLimit("9999"))
	assert.Equal(t, 100, parseEventLimit("not-a-number"))
	assert.Equal(t, 42, parseEventLimit("42"))
}
