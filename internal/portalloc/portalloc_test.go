package portalloc

import (
	"testing"
	"time"

	"github.com/raphaeltm/mcphost/internal/apperr"
)

func TestReserveReturnsDistinctPorts(t *testing.T) {
	a := New(41000, 41010, 0)

	p1, err := a.Reserve()
	if err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	p2, err := a.Reserve()
	if err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	if p1 == p2 {
		t.Fatalf("Reserve() returned the same port twice: %d", p1)
	}
	if !a.Reserved(p1) || !a.Reserved(p2) {
		t.Fatal("reserved ports should report Reserved() == true")
	}
}

func TestReserveExhaustion(t *testing.T) {
	a := New(42000, 42001, 0)

	if _, err := a.Reserve(); err != nil {
		t.Fatalf("first Reserve() error = %v", err)
	}
	if _, err := a.Reserve(); err != nil {
		t.Fatalf("second Reserve() error = %v", err)
	}
	_, err := a.Reserve()
	if apperr.KindOf(err) != apperr.KindPortExhausted {
		t.Fatalf("Reserve() on exhausted range: got %v, want KindPortExhausted", err)
	}
}

func TestReleaseEnforcesGracePeriod(t *testing.T) {
	a := New(43000, 43000, 500*time.Millisecond)

	p, err := a.Reserve()
	if err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	a.Release(p)

	if _, err := a.Reserve(); apperr.KindOf(err) != apperr.KindPortExhausted {
		t.Fatalf("Reserve() immediately after release: got err=%v, want exhausted during grace period", err)
	}

	time.Sleep(600 * time.Millisecond)

	p2, err := a.Reserve()
	if err != nil {
		t.Fatalf("Reserve() after grace period elapsed: %v", err)
	}
	if p2 != p {
		t.Fatalf("Reserve() after grace period = %d, want reused port %d", p2, p)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	a := New(44000, 44001, 0)
	a.Release(44000) // never reserved: must not panic or corrupt state

	p, err := a.Reserve()
	if err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	a.Release(p)
	a.Release(p) // double release: must stay a no-op

	if a.Reserved(p) {
		t.Fatal("port should not be reserved after release")
	}
}
