// Package host wires every component into the running process: stores
// and the PortAllocator and EventBus first, the Supervisor on top of
// those, then the Gateway and API on top of the Supervisor, and finally
// the HTTP server binding loopback-only. Dependencies point one way,
// start-up follows that order, and Stop tears down in reverse.
package host

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"path/filepath"

	"github.com/raphaeltm/mcphost/internal/api"
	"github.com/raphaeltm/mcphost/internal/config"
	"github.com/raphaeltm/mcphost/internal/domain"
	"github.com/raphaeltm/mcphost/internal/eventbus"
	"github.com/raphaeltm/mcphost/internal/gateway"
	"github.com/raphaeltm/mcphost/internal/logging"
	"github.com/raphaeltm/mcphost/internal/permissionstore"
	"github.com/raphaeltm/mcphost/internal/portalloc"
	"github.com/raphaeltm/mcphost/internal/retry"
	"github.com/raphaeltm/mcphost/internal/secretstore"
	"github.com/raphaeltm/mcphost/internal/store"
	"github.com/raphaeltm/mcphost/internal/supervisor"
)

var log = logging.For("host")

// Host owns every long-lived component and the loopback HTTP listener.
type Host struct {
	cfg *config.Config

	servers     *store.ServerStore
	workspaces  *store.WorkspaceStore
	secrets     *secretstore.Store
	permissions *permissionstore.Store
	sessions    *store.SessionStore
	profile     *store.UserProfileStore

	ports *portalloc.Allocator
	bus   *eventbus.Bus

	supervisor *supervisor.Supervisor
	gateway    *gateway.Gateway
	api        *api.API

	httpServer *http.Server
	listener   net.Listener
	addr       string
}

// New constructs every component in dependency order but does not bind a
// listener or start serving: stores and infrastructure, then the
// Supervisor, then the Gateway and API.
func New(cfg *config.Config) (*Host, error) {
	serverStorePath := filepath.Join(cfg.DataDir, "servers.json")
	workspaceStorePath := filepath.Join(cfg.DataDir, "workspaces.json")
	secretStorePath := filepath.Join(cfg.DataDir, "secrets.json")
	permissionStorePath := filepath.Join(cfg.DataDir, "permissions.json")
	profileStorePath := filepath.Join(cfg.DataDir, "profile.json")

	servers, err := store.NewServerStore(serverStorePath, cfg.UpdateCheckCacheTTL)
	if err != nil {
		return nil, fmt.Errorf("opening server store: %w", err)
	}
	workspaces, err := store.NewWorkspaceStore(workspaceStorePath)
	if err != nil {
		return nil, fmt.Errorf("opening workspace store: %w", err)
	}
	secrets, err := secretstore.Load(secretStorePath)
	if err != nil {
		return nil, fmt.Errorf("opening secret store: %w", err)
	}
	permissions, err := permissionstore.Load(permissionStorePath)
	if err != nil {
		return nil, fmt.Errorf("opening permission store: %w", err)
	}
	profile, err := store.NewUserProfileStore(profileStorePath)
	if err != nil {
		return nil, fmt.Errorf("opening profile store: %w", err)
	}
	sessions := store.NewSessionStore(cfg.SessionTTL, cfg.SessionSweepInterval)

	ports := portalloc.New(cfg.PortRangeLow, cfg.PortRangeHigh, cfg.PortReleaseGrace)
	bus := eventbus.New(cfg.EventMailboxSize, cfg.EventHistorySize)

	sup := supervisor.New(servers, workspaces, secrets, permissions, ports, bus, supervisor.Config{
		ReadinessDeadline:      cfg.ReadinessDeadline,
		MetadataTimeout:        cfg.ReadinessDeadline,
		HealthInterval:         cfg.HealthInterval,
		HealthTimeout:          cfg.HealthTimeout,
		HealthFailureThreshold: cfg.HealthFailureThreshold,
		StopGrace:              cfg.StopGrace,
		StopAllDeadline:        cfg.StopAllDeadline,
		RetryBackoff: retry.Backoff{
			Base:   cfg.RetryBaseDelay,
			Max:    cfg.RetryMaxDelay,
			Factor: 2,
		},
		RetryMaxAttempts: cfg.RetryMaxAttempts,
		RetryWindow:      cfg.RetryWindow,
		RingBufferLines:  cfg.RingBufferLines,
	})

	gw := gateway.New(sup, servers, workspaces, sessions, bus, cfg.GatewayStartTimeout, cfg.GatewayUpstreamTimeout)

	a := api.New(servers, workspaces, secrets, permissions, sessions, sup, bus, profile,
		cfg.WSReadBufferSize, cfg.WSWriteBufferSize)

	// Wire the idle-expiry auto-cleanup hook: a workspace with
	// autoCleanup=true and no other live session gets every Instance
	// stopped and the workspace record deleted.
	sessions.Start(func(sessionID, workspaceID string) {
		if workspaceID == "" || workspaceID == domain.GlobalWorkspaceID {
			return
		}
		if sessions.ActiveForWorkspace(workspaceID) {
			return
		}
		ws, err := workspaces.Get(workspaceID)
		if err != nil || !ws.AutoCleanup {
			return
		}
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.StopAllDeadline)
		defer cancel()
		for _, inst := range sup.List() {
			if inst.WorkspaceID != workspaceID {
				continue
			}
			if err := sup.Stop(stopCtx, inst.ServerID, inst.WorkspaceID); err != nil {
				log.Warn("auto-cleanup stop failed", "serverId", inst.ServerID, "workspaceId", workspaceID, "error", err)
			}
		}
		if err := workspaces.Delete(workspaceID); err != nil {
			log.Warn("auto-cleanup delete failed", "workspaceId", workspaceID, "error", err)
		} else {
			log.Info("auto-cleanup removed idle workspace", "workspaceId", workspaceID)
		}
	})

	return &Host{
		cfg:         cfg,
		servers:     servers,
		workspaces:  workspaces,
		secrets:     secrets,
		permissions: permissions,
		sessions:    sessions,
		profile:     profile,
		ports:       ports,
		bus:         bus,
		supervisor:  sup,
		gateway:     gw,
		api:         a,
	}, nil
}

// bindLoopback implements the Host's port preference: the preferred port
// first, then the next free port in 4040-4099. Held open and reused for
// http.Server.Serve rather than re-resolved, so the chosen port can't be
// stolen between probe and bind.
func bindLoopback(preferred int) (net.Listener, error) {
	if ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", preferred)); err == nil {
		return ln, nil
	}
	for port := 4040; port <= 4099; port++ {
		if port == preferred {
			continue
		}
		if ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port)); err == nil {
			return ln, nil
		}
	}
	return nil, fmt.Errorf("no free loopback port in 4040-4099")
}

// Start binds the loopback listener and serves until Stop is called or the
// listener errors. It blocks, so callers run it in a goroutine.
func (h *Host) Start() error {
	ln, err := bindLoopback(h.cfg.HostPort)
	if err != nil {
		return fmt.Errorf("binding host port: %w", err)
	}
	h.listener = ln
	h.addr = ln.Addr().String()

	mux := http.NewServeMux()
	h.api.Mount(mux)
	mux.Handle("/mcp/", h.gateway)

	h.httpServer = &http.Server{
		Handler:     mux,
		ReadTimeout: h.cfg.HTTPReadTimeout,
		// WriteTimeout must stay 0: it is a connection-level deadline that
		// survives a hijack, and /events upgrades this connection to a
		// long-lived WebSocket with no further writes for minutes at a
		// time. A non-zero value here kills that connection mid-stream.
		WriteTimeout: 0,
		IdleTimeout:  h.cfg.HTTPIdleTimeout,
	}

	log.Info("host listening", "addr", h.addr)
	err = h.httpServer.Serve(ln)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Addr returns the bound loopback address, valid only after Start has run
// far enough to bind its listener.
func (h *Host) Addr() string {
	return h.addr
}

// Stop gracefully shuts down the HTTP server, stops every live Instance,
// and flushes the session sweeper — reverse of construction order.
func (h *Host) Stop(ctx context.Context) error {
	var firstErr error

	if h.httpServer != nil {
		if err := h.httpServer.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("shutting down http server: %w", err)
		}
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), h.cfg.StopAllDeadline)
	defer cancel()
	stopped, failed := h.supervisor.StopAll(stopCtx)
	log.Info("stopped all instances", "stopped", stopped, "failed", failed)

	h.sessions.Stop()

	return firstErr
}
