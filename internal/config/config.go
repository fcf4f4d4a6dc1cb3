// Package config loads host configuration from environment variables.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration values for the Host.
type Config struct {
	// HostPort is the preferred loopback port for the HTTP/WebSocket API.
	HostPort int
	// DataDir is the directory holding the per-store JSON files.
	DataDir string

	// PortRangeLow/PortRangeHigh bound the PortAllocator.
	PortRangeLow  int
	PortRangeHigh int
	// PortReleaseGrace is the minimum time before a released port is re-handed out.
	PortReleaseGrace time.Duration

	// SessionTTL is the default per-session idle timeout.
	SessionTTL time.Duration
	// SessionSweepInterval is how often the SessionStore sweeps for expiry.
	SessionSweepInterval time.Duration

	// ReadinessDeadline bounds the Supervisor's readiness probe.
	// ReadinessPollInterval/ReadinessPollMax are loaded but not passed to
	// the Supervisor; its poll schedule (250ms growing to 2s) is fixed.
	ReadinessPollInterval time.Duration
	ReadinessPollMax      time.Duration
	ReadinessDeadline     time.Duration

	// HealthInterval/HealthTimeout/HealthFailureThreshold tune the
	// Supervisor's health watcher.
	HealthInterval         time.Duration
	HealthTimeout          time.Duration
	HealthFailureThreshold int

	// StopGrace is how long the Supervisor waits after a graceful stop
	// signal before forcing termination.
	StopGrace time.Duration
	// StopAllDeadline bounds Supervisor.stopAll.
	StopAllDeadline time.Duration

	// RetryBaseDelay/RetryMaxDelay/RetryMaxAttempts/RetryWindow configure the
	// auto-retry policy.
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	RetryMaxAttempts int
	RetryWindow      time.Duration

	// GatewayStartTimeout bounds how long the Gateway waits for an
	// on-demand-started Instance to become running.
	GatewayStartTimeout time.Duration
	// GatewayUpstreamTimeout bounds a single proxied round trip.
	GatewayUpstreamTimeout time.Duration

	// RingBufferLines is the per-stream capped line count for child stdio.
	RingBufferLines int

	// EventMailboxSize is the per-subscriber bounded mailbox.
	EventMailboxSize int
	// EventHistorySize is how many recent events are retained per topic/workspace
	// for late-joining UIs.
	EventHistorySize int

	// UpdateCheckCacheTTL bounds how long a check-update result is cached.
	UpdateCheckCacheTTL time.Duration

	// WSReadBufferSize/WSWriteBufferSize size the WebSocket upgrader buffers.
	WSReadBufferSize  int
	WSWriteBufferSize int

	// HTTPReadTimeout/HTTPIdleTimeout bound the HTTP server. Write has no
	// timeout: see host.Start for why.
	HTTPReadTimeout time.Duration
	HTTPIdleTimeout time.Duration
}

// Load reads configuration from environment variables, applying explicit
// defaults and sensible ones for everything else.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("mcp_host_port", 4040)
	v.SetDefault("mcp_data_dir", "./data")

	v.SetDefault("port_range_low", 40000)
	v.SetDefault("port_range_high", 49999)
	v.SetDefault("port_release_grace_ms", 500)

	v.SetDefault("session_ttl_minutes", 30)
	v.SetDefault("session_sweep_seconds", 30)

	v.SetDefault("readiness_poll_interval_ms", 250)
	v.SetDefault("readiness_poll_max_ms", 2000)
	v.SetDefault("readiness_deadline_seconds", 30)

	v.SetDefault("health_interval_seconds", 15)
	v.SetDefault("health_timeout_seconds", 5)
	v.SetDefault("health_failure_threshold", 3)

	v.SetDefault("stop_grace_seconds", 5)
	v.SetDefault("stop_all_deadline_seconds", 15)

	v.SetDefault("retry_base_delay_seconds", 1)
	v.SetDefault("retry_max_delay_seconds", 30)
	v.SetDefault("retry_max_attempts", 5)
	v.SetDefault("retry_window_minutes", 10)

	v.SetDefault("gateway_start_timeout_seconds", 30)
	v.SetDefault("gateway_upstream_timeout_seconds", 30)

	v.SetDefault("ring_buffer_lines", 1024)

	v.SetDefault("event_mailbox_size", 256)
	v.SetDefault("event_history_size", 500)

	v.SetDefault("update_check_cache_ttl_minutes", 10)

	v.SetDefault("ws_read_buffer_size", 1024)
	v.SetDefault("ws_write_buffer_size", 1024)

	v.SetDefault("http_read_timeout_seconds", 15)
	v.SetDefault("http_idle_timeout_seconds", 60)

	cfg := &Config{
		HostPort: v.GetInt("mcp_host_port"),
		DataDir:  v.GetString("mcp_data_dir"),

		PortRangeLow:     v.GetInt("port_range_low"),
		PortRangeHigh:    v.GetInt("port_range_high"),
		PortReleaseGrace: time.Duration(v.GetInt("port_release_grace_ms")) * time.Millisecond,

		SessionTTL:           time.Duration(v.GetInt("session_ttl_minutes")) * time.Minute,
		SessionSweepInterval: time.Duration(v.GetInt("session_sweep_seconds")) * time.Second,

		ReadinessPollInterval: time.Duration(v.GetInt("readiness_poll_interval_ms")) * time.Millisecond,
		ReadinessPollMax:      time.Duration(v.GetInt("readiness_poll_max_ms")) * time.Millisecond,
		ReadinessDeadline:     time.Duration(v.GetInt("readiness_deadline_seconds")) * time.Second,

		HealthInterval:         time.Duration(v.GetInt("health_interval_seconds")) * time.Second,
		HealthTimeout:          time.Duration(v.GetInt("health_timeout_seconds")) * time.Second,
		HealthFailureThreshold: v.GetInt("health_failure_threshold"),

		StopGrace:       time.Duration(v.GetInt("stop_grace_seconds")) * time.Second,
		StopAllDeadline: time.Duration(v.GetInt("stop_all_deadline_seconds")) * time.Second,

		RetryBaseDelay:   time.Duration(v.GetInt("retry_base_delay_seconds")) * time.Second,
		RetryMaxDelay:    time.Duration(v.GetInt("retry_max_delay_seconds")) * time.Second,
		RetryMaxAttempts: v.GetInt("retry_max_attempts"),
		RetryWindow:      time.Duration(v.GetInt("retry_window_minutes")) * time.Minute,

		GatewayStartTimeout:    time.Duration(v.GetInt("gateway_start_timeout_seconds")) * time.Second,
		GatewayUpstreamTimeout: time.Duration(v.GetInt("gateway_upstream_timeout_seconds")) * time.Second,

		RingBufferLines: v.GetInt("ring_buffer_lines"),

		EventMailboxSize: v.GetInt("event_mailbox_size"),
		EventHistorySize: v.GetInt("event_history_size"),

		UpdateCheckCacheTTL: time.Duration(v.GetInt("update_check_cache_ttl_minutes")) * time.Minute,

		WSReadBufferSize:  v.GetInt("ws_read_buffer_size"),
		WSWriteBufferSize: v.GetInt("ws_write_buffer_size"),

		HTTPReadTimeout: time.Duration(v.GetInt("http_read_timeout_seconds")) * time.Second,
		HTTPIdleTimeout: time.Duration(v.GetInt("http_idle_timeout_seconds")) * time.Second,
	}

	return cfg, nil
}
