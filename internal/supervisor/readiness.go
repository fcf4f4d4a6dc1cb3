package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/raphaeltm/mcphost/internal/domain"
)

// waitForReady polls GET /health with exponential backoff (250ms up to
// 2s) until it returns 2xx or the deadline elapses.
func waitForReady(ctx context.Context, client *http.Client, port int, deadline time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	interval := 250 * time.Millisecond
	const maxInterval = 2 * time.Second
	url := fmt.Sprintf("http://127.0.0.1:%d/health", port)

	for {
		if probeOnce(ctx, client, url) {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("readiness probe deadline exceeded")
		case <-time.After(interval):
		}
		interval *= 2
		if interval > maxInterval {
			interval = maxInterval
		}
	}
}

func probeOnce(ctx context.Context, client *http.Client, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// fetchMetadata fetches GET /metadata within the remaining deadline.
func fetchMetadata(ctx context.Context, client *http.Client, port int, timeout time.Duration) (*domain.Metadata, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := fmt.Sprintf("http://127.0.0.1:%d/metadata", port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("metadata endpoint returned status %d", resp.StatusCode)
	}
	var meta domain.Metadata
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return nil, fmt.Errorf("decoding metadata: %w", err)
	}
	return &meta, nil
}

// probeHealth performs a single bounded-timeout health check, used by the
// watcher's 15s/5s/3-strike loop.
func probeHealth(ctx context.Context, client *http.Client, port int, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	url := fmt.Sprintf("http://127.0.0.1:%d/health", port)
	return probeOnce(ctx, client, url)
}
