package supervisor

import (
	"net"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"testing"
	"time"

	"github.com/raphaeltm/mcphost/internal/domain"
	"github.com/raphaeltm/mcphost/internal/retry"
)

// newRunningEntry fabricates an instanceEntry already in StatusRunning, the
// way startLocked leaves one after a successful spawn, without actually
// spawning a child process — watchExit and healthWatch only ever touch
// childProcess through doneCh/wasStopped/exitCode, so a bare struct stands
// in for a real one.
func newRunningEntry(key domain.InstanceKey, maxAttempts int, window time.Duration) (*instanceEntry, *childProcess) {
	// cmd is a real (never-started) *exec.Cmd so childProcess.stop's
	// c.cmd.Process == nil check short-circuits instead of dereferencing
	// a nil *exec.Cmd.
	child := &childProcess{doneCh: make(chan struct{}), cmd: exec.Command("true")}
	e := &instanceEntry{
		key:         key,
		retryWindow: retry.NewWindow(maxAttempts, window),
		generation:  1,
	}
	e.setSnapshot(domain.Instance{
		ServerID:    key.ServerID,
		WorkspaceID: key.WorkspaceID,
		Status:      domain.StatusRunning,
		StartedAt:   time.Now(),
	})
	e.child = child
	return e, child
}

func tcpPort(t *testing.T, srv *httptest.Server) int {
	t.Helper()
	addr, ok := srv.Listener.Addr().(*net.TCPAddr)
	if !ok {
		t.Fatalf("unexpected listener address type %T", srv.Listener.Addr())
	}
	return addr.Port
}

func TestWatchExitTransitionsToErrorOnCrashNotOnRequestedStop(t *testing.T) {
	key := domain.InstanceKey{ServerID: "srv1", WorkspaceID: domain.GlobalWorkspaceID}

	t.Run("crash", func(t *testing.T) {
		sup, _, _ := newTestSupervisor(t)
		e, child := newRunningEntry(key, 5, time.Minute)
		child.exitCode = 1
		close(child.doneCh)

		sup.watchExit(e, child, e.generation)

		snap := e.getSnapshot()
		if snap.Status != domain.StatusError {
			t.Fatalf("status = %v, want StatusError after an unrequested exit", snap.Status)
		}
		if snap.LastExitCode == nil || *snap.LastExitCode != 1 {
			t.Fatalf("LastExitCode = %v, want pointer to 1", snap.LastExitCode)
		}
		if got := e.retryWindow.Count(time.Now()); got != 1 {
			t.Fatalf("retryWindow recorded %d attempts, want 1 (scheduleAutoRetry must run on crash)", got)
		}
	})

	t.Run("requested stop", func(t *testing.T) {
		sup, _, _ := newTestSupervisor(t)
		e, child := newRunningEntry(key, 5, time.Minute)
		child.mu.Lock()
		child.stopped = true
		child.mu.Unlock()
		close(child.doneCh)

		sup.watchExit(e, child, e.generation)

		snap := e.getSnapshot()
		if snap.Status != domain.StatusRunning {
			t.Fatalf("status = %v, want unchanged StatusRunning: a requested stop must not trip auto-retry", snap.Status)
		}
		if got := e.retryWindow.Count(time.Now()); got != 0 {
			t.Fatalf("retryWindow recorded %d attempts, want 0 for a requested stop", got)
		}
	})
}

func TestHealthWatchTripsThreeStrikeThreshold(t *testing.T) {
	sup, _, _ := newTestSupervisor(t)
	key := domain.InstanceKey{ServerID: "srv1", WorkspaceID: domain.GlobalWorkspaceID}
	e, child := newRunningEntry(key, 5, time.Minute)
	defer close(child.doneCh)

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer failing.Close()

	done := make(chan struct{})
	go func() {
		sup.healthWatch(e, child, e.generation, tcpPort(t, failing))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("healthWatch did not return after the failure threshold was reached")
	}

	snap := e.getSnapshot()
	if snap.Status != domain.StatusError {
		t.Fatalf("status = %v, want StatusError after three consecutive health failures", snap.Status)
	}
	if snap.LastError == "" {
		t.Fatal("expected a LastError describing the health-check failure")
	}
}

func TestRecordFailureTripsOnlyAtThresholdAndResetClears(t *testing.T) {
	e := &instanceEntry{}

	if e.recordFailure(1, 3) {
		t.Fatal("1st consecutive failure must not trip a threshold of 3")
	}
	if e.recordFailure(1, 3) {
		t.Fatal("2nd consecutive failure must not trip a threshold of 3")
	}
	e.resetFailures(1)
	if e.recordFailure(1, 3) {
		t.Fatal("a success in between must reset the counter: this is only the 1st since")
	}
	if e.recordFailure(1, 3) {
		t.Fatal("2nd consecutive failure since the reset must not trip")
	}
	if !e.recordFailure(1, 3) {
		t.Fatal("3rd consecutive failure since the reset must trip the threshold")
	}
}

func TestRecordFailureResetsAcrossGenerations(t *testing.T) {
	e := &instanceEntry{}
	e.recordFailure(1, 3)
	e.recordFailure(1, 3)

	// A new spawn (generation 2) must start its own counter rather than
	// inheriting the previous generation's near-miss.
	if e.recordFailure(2, 3) {
		t.Fatal("a new generation must not inherit the prior generation's failure count")
	}
}

func TestReportUpstreamFailureFeedsSameCounterAsHealthWatch(t *testing.T) {
	sup, servers, _ := newTestSupervisor(t)
	if _, err := servers.Create(domain.Server{ID: "srv1", Name: "srv1", InstallType: domain.InstallLocal, LocalPath: "/tmp"}); err != nil {
		t.Fatalf("Create server: %v", err)
	}
	key := domain.InstanceKey{ServerID: "srv1", WorkspaceID: domain.GlobalWorkspaceID}
	e := sup.getOrCreateEntry(key)
	e.generation = 1
	e.setSnapshot(domain.Instance{ServerID: "srv1", WorkspaceID: domain.GlobalWorkspaceID, Status: domain.StatusRunning})

	sup.ReportUpstreamFailure("srv1", domain.GlobalWorkspaceID)
	sup.ReportUpstreamFailure("srv1", domain.GlobalWorkspaceID)
	if snap := e.getSnapshot(); snap.Status != domain.StatusRunning {
		t.Fatalf("status = %v, want still StatusRunning after 2 of 3 reported failures", snap.Status)
	}

	sup.ReportUpstreamFailure("srv1", domain.GlobalWorkspaceID)
	if snap := e.getSnapshot(); snap.Status != domain.StatusError {
		t.Fatalf("status = %v, want StatusError after the third reported upstream failure", snap.Status)
	}
}

func TestReportUpstreamFailureOnUnknownInstanceIsNoop(t *testing.T) {
	sup, _, _ := newTestSupervisor(t)
	sup.ReportUpstreamFailure("ghost", domain.GlobalWorkspaceID) // must not panic
}
