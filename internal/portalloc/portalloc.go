// Package portalloc implements the collision-free, reuse-safe loopback
// port allocator.
package portalloc

import (
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/raphaeltm/mcphost/internal/apperr"
	"github.com/raphaeltm/mcphost/internal/logging"
)

var log = logging.For("portalloc")

// Allocator hands out free loopback TCP ports from a configured range.
type Allocator struct {
	low, high int
	grace     time.Duration

	mu         sync.Mutex
	reserved   map[int]struct{}
	releasedAt map[int]time.Time
}

// New creates an Allocator over [low, high] inclusive. grace is the minimum
// time a released port is withheld from re-allocation, to dodge TIME_WAIT
// collisions; it is floored at 500ms.
func New(low, high int, grace time.Duration) *Allocator {
	if grace < 500*time.Millisecond {
		grace = 500 * time.Millisecond
	}
	return &Allocator{
		low:        low,
		high:       high,
		grace:      grace,
		reserved:   make(map[int]struct{}),
		releasedAt: make(map[int]time.Time),
	}
}

// Reserve finds the smallest free port in range whose loopback bind
// succeeds and reserves it atomically with respect to other callers.
func (a *Allocator) Reserve() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()
	for port := a.low; port <= a.high; port++ {
		if _, taken := a.reserved[port]; taken {
			continue
		}
		if releasedAt, ok := a.releasedAt[port]; ok && now.Sub(releasedAt) < a.grace {
			continue
		}
		if !canBind(port) {
			continue
		}
		a.reserved[port] = struct{}{}
		delete(a.releasedAt, port)
		log.Debug("port reserved", "port", port)
		return port, nil
	}
	return 0, apperr.PortExhausted()
}

// Release frees port for future reservation, subject to the grace interval.
// Idempotent: releasing a port that is not reserved is a no-op.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.reserved[port]; !ok {
		return
	}
	delete(a.reserved, port)
	a.releasedAt[port] = time.Now()
	log.Debug("port released", "port", port)
}

// Reserved reports whether port is currently held by a reservation.
func (a *Allocator) Reserved(port int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.reserved[port]
	return ok
}

// ReservedPorts returns a snapshot of all currently reserved ports.
func (a *Allocator) ReservedPorts() []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]int, 0, len(a.reserved))
	for p := range a.reserved {
		out = append(out, p)
	}
	return out
}

// canBind probes whether a loopback TCP listener can bind to port.
func canBind(port int) bool {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}
