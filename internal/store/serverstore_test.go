package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/raphaeltm/mcphost/internal/apperr"
	"github.com/raphaeltm/mcphost/internal/domain"
)

func newServerStore(t *testing.T) *ServerStore {
	t.Helper()
	s, err := NewServerStore(filepath.Join(t.TempDir(), "servers.json"), time.Minute)
	if err != nil {
		t.Fatalf("NewServerStore() error = %v", err)
	}
	return s
}

func TestServerStoreCreateAndGet(t *testing.T) {
	s := newServerStore(t)
	created, err := s.Create(domain.Server{ID: "srv", Name: "My Server", InstallType: domain.InstallNPM})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if created.CreatedAt.IsZero() {
		t.Error("Create() did not stamp CreatedAt")
	}

	got, err := s.Get("srv")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Name != "My Server" {
		t.Errorf("Get().Name = %q, want My Server", got.Name)
	}
}

func TestServerStoreCreateDuplicateFails(t *testing.T) {
	s := newServerStore(t)
	if _, err := s.Create(domain.Server{ID: "srv"}); err != nil {
		t.Fatal(err)
	}
	_, err := s.Create(domain.Server{ID: "srv"})
	if apperr.KindOf(err) != apperr.KindAlreadyExists {
		t.Fatalf("duplicate Create(): got %v, want KindAlreadyExists", err)
	}
}

func TestServerStoreGetMissingIsNotFound(t *testing.T) {
	s := newServerStore(t)
	_, err := s.Get("missing")
	if apperr.KindOf(err) != apperr.KindNotFound {
		t.Fatalf("Get(missing): got %v, want KindNotFound", err)
	}
}

func TestServerStoreUpdate(t *testing.T) {
	s := newServerStore(t)
	if _, err := s.Create(domain.Server{ID: "srv", Name: "old"}); err != nil {
		t.Fatal(err)
	}
	updated, err := s.Update("srv", func(srv *domain.Server) { srv.Name = "new" })
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if updated.Name != "new" {
		t.Errorf("Update().Name = %q, want new", updated.Name)
	}
}

func TestServerStoreDelete(t *testing.T) {
	s := newServerStore(t)
	if _, err := s.Create(domain.Server{ID: "srv"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete("srv"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := s.Get("srv"); apperr.KindOf(err) != apperr.KindNotFound {
		t.Fatal("server still present after Delete()")
	}
}

func TestServerStoreUpdateCheckCache(t *testing.T) {
	s := newServerStore(t)
	if _, ok := s.CachedCheckUpdate("srv"); ok {
		t.Fatal("expected no cached result before CacheCheckUpdate")
	}
	s.CacheCheckUpdate("srv", UpdateCheckResult{HasUpdate: true, CurrentVersion: "1.0.0", LatestVersion: "1.1.0"})
	got, ok := s.CachedCheckUpdate("srv")
	if !ok || !got.HasUpdate || got.LatestVersion != "1.1.0" {
		t.Fatalf("CachedCheckUpdate() = %+v, %v", got, ok)
	}
}

func TestServerStorePersistsAcrossLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "servers.json")
	s1, err := NewServerStore(path, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s1.Create(domain.Server{ID: "srv", Name: "x"}); err != nil {
		t.Fatal(err)
	}

	s2, err := NewServerStore(path, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	got, err := s2.Get("srv")
	if err != nil || got.Name != "x" {
		t.Fatalf("reloaded Get() = %+v, %v", got, err)
	}
}
