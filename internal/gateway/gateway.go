// Package gateway implements the MCP reverse proxy: it resolves a
// (serverId, workspaceId) pair to a running Instance, starting one on
// demand, then forwards the request to its local port.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/raphaeltm/mcphost/internal/domain"
	"github.com/raphaeltm/mcphost/internal/eventbus"
	"github.com/raphaeltm/mcphost/internal/logging"
	"github.com/raphaeltm/mcphost/internal/store"
)

var log = logging.For("gateway")

// hopByHopHeaders are stripped before forwarding in either direction, per
// RFC 7230 §6.1.
var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"TE", "Trailers", "Transfer-Encoding", "Upgrade",
}

// instanceSupervisor is the subset of Supervisor the Gateway depends on.
type instanceSupervisor interface {
	Start(ctx context.Context, serverID, workspaceID string) (domain.Instance, error)
	Get(serverID, workspaceID string) (domain.Instance, bool)
	ReportUpstreamFailure(serverID, workspaceID string)
}

// Gateway proxies MCP traffic to per-workspace server Instances.
type Gateway struct {
	supervisor      instanceSupervisor
	servers         *store.ServerStore
	workspaces      *store.WorkspaceStore
	sessions        *store.SessionStore
	bus             *eventbus.Bus
	startTimeout    time.Duration
	upstreamTimeout time.Duration
}

// New constructs a Gateway wired to the Supervisor, stores, and EventBus
// it needs to resolve and proxy a request. Gateway depends on Supervisor,
// never the reverse.
func New(sup instanceSupervisor, servers *store.ServerStore, workspaces *store.WorkspaceStore, sessions *store.SessionStore, bus *eventbus.Bus, startTimeout, upstreamTimeout time.Duration) *Gateway {
	return &Gateway{
		supervisor:      sup,
		servers:         servers,
		workspaces:      workspaces,
		sessions:        sessions,
		bus:             bus,
		startTimeout:    startTimeout,
		upstreamTimeout: upstreamTimeout,
	}
}

// ServeHTTP implements ANY /mcp/{serverId}/{workspaceId}/* and the global
// shorthand ANY /mcp/{serverId}/* (resolving to workspace "global").
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	serverID, workspaceID, suffix, ok := parsePath(r.URL.Path)
	if !ok {
		http.Error(w, "invalid gateway path", http.StatusBadRequest)
		return
	}

	inst, ok := g.supervisor.Get(serverID, workspaceID)
	if !ok || inst.Status != domain.StatusRunning {
		ctx, cancel := context.WithTimeout(r.Context(), g.startTimeout)
		defer cancel()
		started, err := g.supervisor.Start(ctx, serverID, workspaceID)
		if err != nil {
			writeBadGateway(w, serverID, workspaceID, err)
			return
		}
		inst = started
	}

	g.sessions.Touch(workspaceID, 0)

	server, err := g.servers.Get(serverID)
	if err != nil {
		writeBadGateway(w, serverID, workspaceID, err)
		return
	}

	wsCfg := g.workspaces.GetConfig(workspaceID, serverID)

	target, err := url.Parse(fmt.Sprintf("http://127.0.0.1:%d", inst.Port))
	if err != nil {
		writeBadGateway(w, serverID, workspaceID, err)
		return
	}

	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.Transport = &http.Transport{}
	originalDirector := proxy.Director
	proxy.Director = func(req *http.Request) {
		originalDirector(req)
		req.URL.Path = suffix
		stripHopByHop(req.Header)
		injectContextHeaders(req, server, wsCfg)
	}
	proxy.ModifyResponse = func(resp *http.Response) error {
		stripHopByHop(resp.Header)
		return nil
	}
	proxy.ErrorHandler = func(rw http.ResponseWriter, req *http.Request, proxyErr error) {
		g.bus.Publish(eventbus.Event{
			Topic:       eventbus.TopicServerEvent,
			Kind:        string(eventbus.ServerCrashed),
			ServerID:    serverID,
			WorkspaceID: workspaceID,
			Data:        map[string]any{"reason": "gateway-upstream-failure"},
		})
		g.supervisor.ReportUpstreamFailure(serverID, workspaceID)
		writeBadGateway(rw, serverID, workspaceID, proxyErr)
	}

	ctx, cancel := context.WithTimeout(r.Context(), g.upstreamTimeout)
	defer cancel()
	proxy.ServeHTTP(w, r.WithContext(ctx))
}

// parsePath splits "/mcp/{serverId}/{workspaceId}/*" or the global
// shorthand "/mcp/{serverId}/*" into its components.
func parsePath(path string) (serverID, workspaceID, suffix string, ok bool) {
	trimmed := strings.TrimPrefix(path, "/mcp/")
	if trimmed == path {
		return "", "", "", false
	}
	parts := strings.SplitN(trimmed, "/", 3)
	switch len(parts) {
	case 0, 1:
		return "", "", "", false
	case 2:
		if parts[0] == "" {
			return "", "", "", false
		}
		return parts[0], domain.GlobalWorkspaceID, "/" + parts[1], true
	default:
		if parts[0] == "" || parts[1] == "" {
			return "", "", "", false
		}
		return parts[0], parts[1], "/" + parts[2], true
	}
}

func stripHopByHop(h http.Header) {
	for _, header := range hopByHopHeaders {
		h.Del(header)
	}
}

// injectContextHeaders adds X-MCP-CTX-{H} for every context header the
// Server template declares, sourced from the workspace's config override
// when present.
func injectContextHeaders(req *http.Request, server domain.Server, wsCfg domain.WorkspaceServerConfig) {
	for _, h := range server.ContextHeaders {
		req.Header.Del("X-MCP-CTX-" + h)
		if v, ok := wsCfg.ContextHeaders[h]; ok {
			req.Header.Set("X-MCP-CTX-"+h, v)
		}
	}
}

func writeBadGateway(w http.ResponseWriter, serverID, workspaceID string, err error) {
	log.Warn("gateway upstream failure", "serverId", serverID, "workspaceId", workspaceID, "error", err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadGateway)
	fmt.Fprintf(w, `{"error":%q,"serverId":%q,"workspaceId":%q}`, err.Error(), serverID, workspaceID)
}
