package permissionstore

import (
	"path/filepath"
	"testing"

	"github.com/raphaeltm/mcphost/internal/domain"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := Load(filepath.Join(t.TempDir(), "permissions.json"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	return s
}

func TestEffectiveReturnsLegacyWhenNoProfileStored(t *testing.T) {
	s := newStore(t)
	if got := s.Effective("w", "s"); got != nil {
		t.Fatalf("Effective() on unknown server = %+v, want nil (Legacy)", got)
	}
}

func TestEffectiveMergesWorkspaceOverride(t *testing.T) {
	s := newStore(t)
	base := domain.PermissionProfile{
		Env:     domain.EnvPermissions{AllowPath: true},
		Secrets: domain.SecretPermissions{Mode: domain.SecretModeNone},
	}
	if err := s.SetServerProfile("s", base); err != nil {
		t.Fatal(err)
	}

	override := domain.PermissionProfile{
		Env:     domain.EnvPermissions{AllowHome: true},
		Secrets: domain.SecretPermissions{Mode: domain.SecretModeAll},
	}
	if err := s.SetWorkspaceOverride("w", "s", override); err != nil {
		t.Fatal(err)
	}

	eff := s.Effective("w", "s")
	if eff == nil {
		t.Fatal("Effective() = nil, want merged profile")
	}
	if !eff.Env.AllowPath || !eff.Env.AllowHome {
		t.Errorf("merged env = %+v, want both AllowPath and AllowHome", eff.Env)
	}
	if eff.Secrets.Mode != domain.SecretModeAll {
		t.Errorf("merged secrets.mode = %q, want all (workspace override wins)", eff.Secrets.Mode)
	}

	otherWs := s.Effective("other", "s")
	if otherWs == nil || otherWs.Env.AllowHome {
		t.Errorf("workspace-less effective = %+v, override should not leak", otherWs)
	}
}

func TestDeleteServerRemovesProfileAndOverrides(t *testing.T) {
	s := newStore(t)
	if err := s.SetServerProfile("s", domain.PermissionProfile{}); err != nil {
		t.Fatal(err)
	}
	if err := s.SetWorkspaceOverride("w", "s", domain.PermissionProfile{}); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteServer("s"); err != nil {
		t.Fatal(err)
	}
	if got := s.Effective("w", "s"); got != nil {
		t.Fatalf("Effective() after DeleteServer = %+v, want nil", got)
	}
}

func TestPersistsAcrossLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "permissions.json")
	s1, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s1.SetServerProfile("s", domain.PermissionProfile{Env: domain.EnvPermissions{AllowTemp: true}}); err != nil {
		t.Fatal(err)
	}

	s2, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	eff := s2.Effective("w", "s")
	if eff == nil || !eff.Env.AllowTemp {
		t.Fatalf("reloaded Effective() = %+v, want AllowTemp", eff)
	}
}
