package host

import (
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/raphaeltm/mcphost/internal/config"
)

func testConfig(t *testing.T, port int) *config.Config {
	t.Helper()
	return &config.Config{
		HostPort:               port,
		DataDir:                t.TempDir(),
		PortRangeLow:           20000,
		PortRangeHigh:          20100,
		PortReleaseGrace:       10 * time.Millisecond,
		SessionTTL:             time.Minute,
		SessionSweepInterval:   50 * time.Millisecond,
		ReadinessDeadline:      200 * time.Millisecond,
		HealthInterval:         time.Second,
		HealthTimeout:          time.Second,
		HealthFailureThreshold: 3,
		StopGrace:              200 * time.Millisecond,
		StopAllDeadline:        time.Second,
		RetryBaseDelay:         10 * time.Millisecond,
		RetryMaxDelay:          50 * time.Millisecond,
		RetryMaxAttempts:       2,
		RetryWindow:            time.Minute,
		GatewayStartTimeout:    time.Second,
		GatewayUpstreamTimeout: time.Second,
		RingBufferLines:        64,
		EventMailboxSize:       16,
		EventHistorySize:       32,
		UpdateCheckCacheTTL:    time.Minute,
		WSReadBufferSize:       1024,
		WSWriteBufferSize:      1024,
		HTTPReadTimeout:        time.Second,
		HTTPIdleTimeout:        time.Second,
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserving a port: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestNewWiresEveryComponent(t *testing.T) {
	cfg := testConfig(t, freePort(t))
	h, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if h.supervisor == nil || h.gateway == nil || h.api == nil {
		t.Fatal("expected supervisor, gateway, and api to be constructed")
	}
}

func TestStartBindsPreferredPortAndServesAPI(t *testing.T) {
	cfg := testConfig(t, freePort(t))
	h, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- h.Start() }()

	deadline := time.Now().Add(2 * time.Second)
	for h.Addr() == "" && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if h.Addr() == "" {
		t.Fatal("host never bound a listener")
	}

	resp, err := http.Get("http://" + h.Addr() + "/api/servers")
	if err != nil {
		t.Fatalf("GET /api/servers: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := h.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
}

func TestBindLoopbackFallsBackWhenPreferredPortTaken(t *testing.T) {
	holder, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserving a port: %v", err)
	}
	defer holder.Close()
	preferred := holder.Addr().(*net.TCPAddr).Port

	ln, err := bindLoopback(preferred)
	if err != nil {
		t.Fatalf("bindLoopback: %v", err)
	}
	defer ln.Close()

	if ln.Addr().(*net.TCPAddr).Port == preferred {
		t.Fatal("expected a fallback port distinct from the held preferred port")
	}
}
