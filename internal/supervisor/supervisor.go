// Package supervisor implements the process supervisor: spawn, readiness
// probing, health watching, crash recovery, and teardown for every live
// (serverId, workspaceId) Instance.
package supervisor

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/raphaeltm/mcphost/internal/apperr"
	"github.com/raphaeltm/mcphost/internal/domain"
	"github.com/raphaeltm/mcphost/internal/envcompose"
	"github.com/raphaeltm/mcphost/internal/eventbus"
	"github.com/raphaeltm/mcphost/internal/logging"
	"github.com/raphaeltm/mcphost/internal/permissionstore"
	"github.com/raphaeltm/mcphost/internal/portalloc"
	"github.com/raphaeltm/mcphost/internal/retry"
	"github.com/raphaeltm/mcphost/internal/secretstore"
	"github.com/raphaeltm/mcphost/internal/store"
)

var log = logging.For("supervisor")

// Config bundles the timing knobs of the Supervisor's state machine, all
// sourced from internal/config.
type Config struct {
	ReadinessDeadline      time.Duration
	MetadataTimeout        time.Duration
	HealthInterval         time.Duration
	HealthTimeout          time.Duration
	HealthFailureThreshold int
	StopGrace              time.Duration
	StopAllDeadline        time.Duration
	RetryBackoff           retry.Backoff
	RetryMaxAttempts       int
	RetryWindow            time.Duration
	RingBufferLines        int
}

// instanceEntry is the Supervisor's bookkeeping for one (serverId,
// workspaceId) key: the per-key serialization lock plus the live child
// process handle, guarded separately from the externally-visible snapshot
// so List() never blocks behind an in-flight spawn or stop.
type instanceEntry struct {
	key domain.InstanceKey

	// opMu serializes start/stop/restart for this key so no two operations
	// on the same key interleave. Acquired via TryLock by the
	// public API so a concurrent call fails fast with InstanceBusy rather
	// than queuing.
	opMu sync.Mutex

	snapMu   sync.RWMutex
	snapshot domain.Instance

	child       *childProcess
	retryWindow *retry.Window
	generation  int64

	// failureMu guards the consecutive-failure counter shared between
	// healthWatch's periodic probe and externally reported upstream
	// failures (see Supervisor.ReportUpstreamFailure), so both sources
	// trip the same three-strike threshold.
	failureMu  sync.Mutex
	failures   int
	failureGen int64
}

// recordFailure increments the consecutive-failure counter for generation
// gen, resetting it first if gen has moved on since the last recorded
// failure, and reports whether threshold has now been reached.
func (e *instanceEntry) recordFailure(gen int64, threshold int) bool {
	e.failureMu.Lock()
	defer e.failureMu.Unlock()
	if e.failureGen != gen {
		e.failureGen = gen
		e.failures = 0
	}
	e.failures++
	return e.failures >= threshold
}

// resetFailures clears the counter on a successful health probe.
func (e *instanceEntry) resetFailures(gen int64) {
	e.failureMu.Lock()
	defer e.failureMu.Unlock()
	if e.failureGen == gen {
		e.failures = 0
	}
}

func (e *instanceEntry) getSnapshot() domain.Instance {
	e.snapMu.RLock()
	defer e.snapMu.RUnlock()
	return e.snapshot
}

func (e *instanceEntry) setSnapshot(inst domain.Instance) {
	e.snapMu.Lock()
	e.snapshot = inst
	e.snapMu.Unlock()
}

// Supervisor owns the map of live Instances and is the single source of
// truth for Instance status.
type Supervisor struct {
	mu      sync.RWMutex
	entries map[domain.InstanceKey]*instanceEntry

	servers     *store.ServerStore
	workspaces  *store.WorkspaceStore
	secrets     *secretstore.Store
	permissions *permissionstore.Store
	ports       *portalloc.Allocator
	bus         *eventbus.Bus

	httpClient *http.Client
	cfg        Config
}

// New constructs a Supervisor wired to its one-way dependencies: it takes
// store handles and an EventBus handle by construction; stores know
// nothing of the Supervisor.
func New(
	servers *store.ServerStore,
	workspaces *store.WorkspaceStore,
	secrets *secretstore.Store,
	permissions *permissionstore.Store,
	ports *portalloc.Allocator,
	bus *eventbus.Bus,
	cfg Config,
) *Supervisor {
	return &Supervisor{
		entries:     make(map[domain.InstanceKey]*instanceEntry),
		servers:     servers,
		workspaces:  workspaces,
		secrets:     secrets,
		permissions: permissions,
		ports:       ports,
		bus:         bus,
		httpClient:  &http.Client{},
		cfg:         cfg,
	}
}

func (s *Supervisor) getOrCreateEntry(key domain.InstanceKey) *instanceEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if ok {
		return e
	}
	e = &instanceEntry{
		key:         key,
		retryWindow: retry.NewWindow(s.cfg.RetryMaxAttempts, s.cfg.RetryWindow),
		snapshot:    domain.Instance{ServerID: key.ServerID, WorkspaceID: key.WorkspaceID, Status: domain.StatusAbsent},
	}
	s.entries[key] = e
	return e
}

// Start is idempotent: a running or starting Instance is returned as-is;
// an absent, stopped, or errored one is (re)spawned.
func (s *Supervisor) Start(ctx context.Context, serverID, workspaceID string) (domain.Instance, error) {
	key := domain.InstanceKey{ServerID: serverID, WorkspaceID: workspaceID}
	e := s.getOrCreateEntry(key)
	if !e.opMu.TryLock() {
		return domain.Instance{}, apperr.InstanceBusy(serverID, workspaceID)
	}
	defer e.opMu.Unlock()
	return s.startLocked(ctx, e, true)
}

// startLocked performs the spawn sequence: allocate a port, build the
// command, spawn the child, wait for readiness, and start health
// watching. Caller must hold e.opMu. manual distinguishes a caller-driven
// start (which gets a fresh retry budget) from an internal auto-retry
// attempt.
func (s *Supervisor) startLocked(ctx context.Context, e *instanceEntry, manual bool) (domain.Instance, error) {
	snap := e.getSnapshot()
	if snap.Status == domain.StatusRunning || snap.Status == domain.StatusStarting {
		return snap, nil
	}
	if manual {
		e.retryWindow.Reset()
	}

	server, err := s.servers.Get(e.key.ServerID)
	if err != nil {
		return domain.Instance{}, err
	}

	if e.key.WorkspaceID != domain.GlobalWorkspaceID {
		wsCfg := s.workspaces.GetConfig(e.key.WorkspaceID, e.key.ServerID)
		if !wsCfg.Enabled {
			return domain.Instance{}, apperr.ServerDisabledForWorkspace(e.key.ServerID, e.key.WorkspaceID)
		}
	}

	ws, err := s.workspaces.Get(e.key.WorkspaceID)
	if err != nil {
		return domain.Instance{}, err
	}

	port, err := s.ports.Reserve()
	if err != nil {
		return domain.Instance{}, err
	}

	profile := s.permissions.Effective(e.key.WorkspaceID, e.key.ServerID)
	secretMap := s.secrets.Effective(e.key.WorkspaceID, e.key.ServerID)
	env := envcompose.Compose(envcompose.Input{
		Profile:          profile,
		Workspace:        ws,
		IsGlobal:         e.key.WorkspaceID == domain.GlobalWorkspaceID,
		EffectiveSecrets: secretMap,
		ParentEnv:        os.Environ(),
		Port:             port,
	})

	name, args, workDir, err := buildCommand(server)
	if err != nil {
		s.ports.Release(port)
		return domain.Instance{}, apperr.SpawnFailed("resolving command for server %q: %v", server.ID, err)
	}
	if workDir == "" {
		workDir = server.LocalPath
	}

	child, err := spawnChild(name, args, workDir, env, s.cfg.RingBufferLines)
	if err != nil {
		s.ports.Release(port)
		return domain.Instance{}, apperr.SpawnFailed("spawning server %q: %v", server.ID, err)
	}

	e.generation++
	gen := e.generation
	e.child = child
	e.setSnapshot(domain.Instance{
		ServerID:    e.key.ServerID,
		WorkspaceID: e.key.WorkspaceID,
		PID:         child.pid(),
		Port:        port,
		Status:      domain.StatusStarting,
		StartedAt:   time.Now(),
		RetryCount:  e.retryWindow.Count(time.Now()),
	})
	s.bus.Publish(eventbus.Event{
		Topic:       eventbus.TopicServerEvent,
		Kind:        string(eventbus.ServerStarted),
		ServerID:    e.key.ServerID,
		WorkspaceID: e.key.WorkspaceID,
		Data:        map[string]any{"port": port},
	})

	go s.watchExit(e, child, gen)

	if err := waitForReady(ctx, s.httpClient, port, s.cfg.ReadinessDeadline); err != nil {
		child.stop(s.cfg.StopGrace)
		s.ports.Release(port)
		e.setSnapshot(domain.Instance{
			ServerID:    e.key.ServerID,
			WorkspaceID: e.key.WorkspaceID,
			Status:      domain.StatusError,
			LastError:   "readiness timeout",
		})
		return domain.Instance{}, apperr.ReadinessTimeout(e.key.ServerID, e.key.WorkspaceID)
	}

	meta, metaErr := fetchMetadata(ctx, s.httpClient, port, s.cfg.MetadataTimeout)
	if metaErr != nil {
		log.Warn("metadata fetch failed", "serverId", e.key.ServerID, "workspaceId", e.key.WorkspaceID, "error", metaErr)
	}

	running := domain.Instance{
		ServerID:    e.key.ServerID,
		WorkspaceID: e.key.WorkspaceID,
		PID:         child.pid(),
		Port:        port,
		Status:      domain.StatusRunning,
		StartedAt:   snap.StartedAt,
		LastReadyAt: time.Now(),
		Metadata:    meta,
	}
	if running.StartedAt.IsZero() {
		running.StartedAt = time.Now()
	}
	e.setSnapshot(running)

	go s.healthWatch(e, child, gen, port)

	return running, nil
}

// watchExit observes the child's exit and distinguishes a requested stop
// from an unexpected crash, triggering auto-retry for the latter.
func (s *Supervisor) watchExit(e *instanceEntry, child *childProcess, gen int64) {
	<-child.doneCh

	e.opMu.Lock()
	defer e.opMu.Unlock()

	if e.generation != gen || child.wasStopped() {
		return
	}
	snap := e.getSnapshot()
	if snap.Status != domain.StatusStarting && snap.Status != domain.StatusRunning {
		return
	}

	if snap.Port != 0 {
		s.ports.Release(snap.Port)
	}
	code := child.exitCode
	e.setSnapshot(domain.Instance{
		ServerID:     e.key.ServerID,
		WorkspaceID:  e.key.WorkspaceID,
		Status:       domain.StatusError,
		LastError:    fmt.Sprintf("process exited with code %d", code),
		LastExitCode: &code,
	})
	s.bus.Publish(eventbus.Event{
		Topic:       eventbus.TopicServerEvent,
		Kind:        string(eventbus.ServerCrashed),
		ServerID:    e.key.ServerID,
		WorkspaceID: e.key.WorkspaceID,
		Data: map[string]any{
			"exitCode":   code,
			"stderrTail": child.stderr.Snapshot(),
		},
	})
	s.scheduleAutoRetry(e)
}

// healthWatch polls /health every HealthInterval; after
// HealthFailureThreshold consecutive failures it forces the Instance into
// error and triggers auto-retry.
func (s *Supervisor) healthWatch(e *instanceEntry, child *childProcess, gen int64, port int) {
	ticker := time.NewTicker(s.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-child.doneCh:
			return
		case <-ticker.C:
			if probeHealth(context.Background(), s.httpClient, port, s.cfg.HealthTimeout) {
				e.resetFailures(gen)
				continue
			}
			if e.recordFailure(gen, s.cfg.HealthFailureThreshold) {
				s.handleHealthFailure(e, gen)
				return
			}
		}
	}
}

// ReportUpstreamFailure feeds a Gateway-observed proxy failure into the
// same consecutive-failure counter healthWatch maintains for this
// instance, so a wedged upstream that fails every proxied request trips
// the three-strike auto-retry without waiting for the next health poll.
func (s *Supervisor) ReportUpstreamFailure(serverID, workspaceID string) {
	s.mu.RLock()
	e, ok := s.entries[domain.InstanceKey{ServerID: serverID, WorkspaceID: workspaceID}]
	s.mu.RUnlock()
	if !ok {
		return
	}

	e.opMu.Lock()
	gen := e.generation
	trip := e.recordFailure(gen, s.cfg.HealthFailureThreshold)
	e.opMu.Unlock()

	if trip {
		s.handleHealthFailure(e, gen)
	}
}

func (s *Supervisor) handleHealthFailure(e *instanceEntry, gen int64) {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	if e.generation != gen {
		return
	}
	snap := e.getSnapshot()
	if snap.Status != domain.StatusRunning {
		return
	}

	if e.child != nil {
		e.child.stop(s.cfg.StopGrace)
	}
	if snap.Port != 0 {
		s.ports.Release(snap.Port)
	}
	e.setSnapshot(domain.Instance{
		ServerID:    e.key.ServerID,
		WorkspaceID: e.key.WorkspaceID,
		Status:      domain.StatusError,
		LastError:   "health check failed three times consecutively",
	})
	s.bus.Publish(eventbus.Event{
		Topic:       eventbus.TopicServerEvent,
		Kind:        string(eventbus.ServerCrashed),
		ServerID:    e.key.ServerID,
		WorkspaceID: e.key.WorkspaceID,
		Data:        map[string]any{"reason": "health-check-failed"},
	})
	s.scheduleAutoRetry(e)
}

// scheduleAutoRetry implements the bounded backoff policy: base 1s, factor
// 2, cap 30s, at most RetryMaxAttempts attempts in any RetryWindow. Caller
// must hold e.opMu.
func (s *Supervisor) scheduleAutoRetry(e *instanceEntry) {
	now := time.Now()
	if !e.retryWindow.Allow(now) {
		log.Warn("auto-retry budget exhausted", "serverId", e.key.ServerID, "workspaceId", e.key.WorkspaceID)
		return
	}
	attempt := e.retryWindow.Count(now)
	delay := s.cfg.RetryBackoff.Delay(attempt)
	log.Info("scheduling auto-retry", "serverId", e.key.ServerID, "workspaceId", e.key.WorkspaceID, "attempt", attempt, "delay", delay)

	time.AfterFunc(delay, func() {
		e.opMu.Lock()
		defer e.opMu.Unlock()
		if e.getSnapshot().Status != domain.StatusError {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ReadinessDeadline+5*time.Second)
		defer cancel()
		if _, err := s.startLocked(ctx, e, false); err != nil {
			log.Warn("auto-retry start failed", "serverId", e.key.ServerID, "workspaceId", e.key.WorkspaceID, "error", err)
		}
	})
}

// Stop is idempotent: an absent or already-stopped Instance is a no-op.
func (s *Supervisor) Stop(ctx context.Context, serverID, workspaceID string) error {
	key := domain.InstanceKey{ServerID: serverID, WorkspaceID: workspaceID}
	e := s.getOrCreateEntry(key)
	if !e.opMu.TryLock() {
		return apperr.InstanceBusy(serverID, workspaceID)
	}
	defer e.opMu.Unlock()
	return s.stopLocked(e)
}

func (s *Supervisor) stopLocked(e *instanceEntry) error {
	snap := e.getSnapshot()
	if snap.Status == domain.StatusAbsent || snap.Status == domain.StatusStopped {
		return nil
	}

	if e.child != nil {
		e.child.stop(s.cfg.StopGrace)
	}
	if snap.Port != 0 {
		s.ports.Release(snap.Port)
	}
	e.generation++
	e.child = nil
	e.retryWindow.Reset()
	e.setSnapshot(domain.Instance{
		ServerID:    e.key.ServerID,
		WorkspaceID: e.key.WorkspaceID,
		Status:      domain.StatusStopped,
	})
	s.bus.Publish(eventbus.Event{
		Topic:       eventbus.TopicServerEvent,
		Kind:        string(eventbus.ServerStopped),
		ServerID:    e.key.ServerID,
		WorkspaceID: e.key.WorkspaceID,
	})
	return nil
}

// Restart stops then starts, atomic with respect to other operations on
// the same key.
func (s *Supervisor) Restart(ctx context.Context, serverID, workspaceID string) (domain.Instance, error) {
	key := domain.InstanceKey{ServerID: serverID, WorkspaceID: workspaceID}
	e := s.getOrCreateEntry(key)
	if !e.opMu.TryLock() {
		return domain.Instance{}, apperr.InstanceBusy(serverID, workspaceID)
	}
	defer e.opMu.Unlock()

	if err := s.stopLocked(e); err != nil {
		return domain.Instance{}, err
	}
	return s.startLocked(ctx, e, true)
}

// StopAll stops every Instance in parallel, returning after all children
// have exited or the forced-kill deadline elapses.
func (s *Supervisor) StopAll(ctx context.Context) (stopped, failed int) {
	s.mu.RLock()
	keys := make([]domain.InstanceKey, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	s.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.StopAllDeadline)
	defer cancel()

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, key := range keys {
		wg.Add(1)
		go func(key domain.InstanceKey) {
			defer wg.Done()
			if err := s.Stop(ctx, key.ServerID, key.WorkspaceID); err != nil {
				mu.Lock()
				failed++
				mu.Unlock()
				return
			}
			mu.Lock()
			stopped++
			mu.Unlock()
		}(key)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
	}
	return stopped, failed
}

// List returns a snapshot of every non-absent Instance.
func (s *Supervisor) List() []domain.Instance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Instance, 0, len(s.entries))
	for _, e := range s.entries {
		snap := e.getSnapshot()
		if snap.Status == domain.StatusAbsent {
			continue
		}
		out = append(out, snap)
	}
	return out
}

// Get returns the Instance snapshot for a key, and whether one exists.
func (s *Supervisor) Get(serverID, workspaceID string) (domain.Instance, bool) {
	s.mu.RLock()
	e, ok := s.entries[domain.InstanceKey{ServerID: serverID, WorkspaceID: workspaceID}]
	s.mu.RUnlock()
	if !ok {
		return domain.Instance{}, false
	}
	snap := e.getSnapshot()
	if snap.Status == domain.StatusAbsent {
		return domain.Instance{}, false
	}
	return snap, true
}

// ProbeHealth performs a live GET /health against the Instance's child
// process, distinct from Get's cached status: a caller that needs to know
// whether the upstream is answering right now, not whether it was running
// as of the last health-watch tick, uses this instead.
func (s *Supervisor) ProbeHealth(ctx context.Context, serverID, workspaceID string) (bool, error) {
	s.mu.RLock()
	e, ok := s.entries[domain.InstanceKey{ServerID: serverID, WorkspaceID: workspaceID}]
	s.mu.RUnlock()
	if !ok {
		return false, apperr.NotFound("no instance for (%s, %s)", serverID, workspaceID)
	}
	snap := e.getSnapshot()
	if snap.Status == domain.StatusAbsent || snap.Port == 0 {
		return false, apperr.NotFound("no instance for (%s, %s)", serverID, workspaceID)
	}
	return probeHealth(ctx, s.httpClient, snap.Port, s.cfg.HealthTimeout), nil
}

// StdoutTail returns the last buffered stdout lines for a live Instance.
func (s *Supervisor) StdoutTail(serverID, workspaceID string) []string {
	return s.tail(serverID, workspaceID, func(c *childProcess) []string { return c.stdout.Snapshot() })
}

// StderrTail returns the last buffered stderr lines for a live Instance.
func (s *Supervisor) StderrTail(serverID, workspaceID string) []string {
	return s.tail(serverID, workspaceID, func(c *childProcess) []string { return c.stderr.Snapshot() })
}

func (s *Supervisor) tail(serverID, workspaceID string, pick func(*childProcess) []string) []string {
	s.mu.RLock()
	e, ok := s.entries[domain.InstanceKey{ServerID: serverID, WorkspaceID: workspaceID}]
	s.mu.RUnlock()
	if !ok || e.child == nil {
		return nil
	}
	return pick(e.child)
}
