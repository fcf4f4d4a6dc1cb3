// Package envcompose builds the effective environment handed to a spawned
// child MCP server, applying permission-gated host variable whitelisting
// and layered secret exposure.
package envcompose

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/raphaeltm/mcphost/internal/domain"
)

var (
	pathVars = []string{"PATH", "PATHEXT", "SystemRoot"}
	homeVars = []string{"HOME", "USERPROFILE", "HOMEPATH"}
	langVars = []string{"LANG", "LANGUAGE", "LC_ALL", "LC_CTYPE", "LC_MESSAGES"}
	tempVars = []string{"TEMP", "TMP", "TMPDIR"}
)

var nodePrefixes = []string{"NODE_", "npm_", "NPM_"}

// Input bundles everything the composer needs for a single spawn.
type Input struct {
	// Profile is the resolved PermissionProfile for this (server,
	// workspace) pair, or nil to mean Legacy: pass the parent
	// environment unfiltered.
	Profile *domain.PermissionProfile

	Workspace domain.Workspace
	// IsGlobal is true when Workspace is the distinguished global scope;
	// MCP_PROJECT_ROOT is left unset in that case even if allowed.
	IsGlobal bool

	UserProfile *domain.UserProfile

	// EffectiveSecrets is the already-layered secret map (see
	// secretstore.Store.Effective), keyed by fully prefixed name.
	EffectiveSecrets map[string]string

	// ParentEnv is the host process environment as KEY=VALUE pairs, in the
	// form os.Environ() returns.
	ParentEnv []string

	// Port is the port reserved for this Instance; always exported.
	Port int
}

// Compose returns the full replacement environment for the child process,
// as KEY=VALUE pairs suitable for exec.Cmd.Env.
func Compose(in Input) []string {
	parent := parseEnv(in.ParentEnv)
	out := make(map[string]string)

	if in.Profile == nil {
		// Legacy: pass the parent environment unfiltered.
		for k, v := range parent {
			out[k] = v
		}
	} else {
		applyEnvPermissions(out, parent, in.Profile.Env)
	}

	if in.Profile != nil {
		if in.Profile.Context.AllowProjectRoot && !in.IsGlobal {
			out["MCP_PROJECT_ROOT"] = in.Workspace.ProjectRoot
		}
		if in.Profile.Context.AllowWorkspaceID {
			out["MCP_WORKSPACE_ID"] = in.Workspace.ID
		}
		if in.Profile.Context.AllowUserProfile && in.UserProfile != nil {
			if token, err := json.Marshal(in.UserProfile); err == nil {
				out["MCP_AUTH_TOKEN"] = string(token)
			}
		}
	}

	applySecretMode(out, in.Profile, in.EffectiveSecrets)

	out["PORT"] = fmt.Sprintf("%d", in.Port)
	out["MCP_WORKSPACE_PROJECT_ROOT"] = in.Workspace.ProjectRoot

	return flattenEnv(out)
}

func applyEnvPermissions(out, parent map[string]string, perm domain.EnvPermissions) {
	if perm.AllowPath {
		copyVars(out, parent, pathVars)
	}
	if perm.AllowHome {
		copyVars(out, parent, homeVars)
	}
	if perm.AllowLang {
		copyVars(out, parent, langVars)
	}
	if perm.AllowTemp {
		copyVars(out, parent, tempVars)
	}
	if perm.AllowNode {
		for k, v := range parent {
			if hasAnyPrefix(k, nodePrefixes) {
				out[k] = v
			}
		}
	}
	for _, name := range perm.CustomAllowlist {
		if v, ok := parent[name]; ok {
			out[name] = v
		}
	}
}

func applySecretMode(out map[string]string, profile *domain.PermissionProfile, secrets map[string]string) {
	if profile == nil {
		// Legacy spawns never had a secret-exposure concept; leave secrets
		// out entirely rather than guessing a mode.
		return
	}
	switch profile.Secrets.Mode {
	case domain.SecretModeAll:
		for name, value := range secrets {
			out[name] = value
		}
	case domain.SecretModeAllowlist:
		allow := make(map[string]struct{}, len(profile.Secrets.Allowlist))
		for _, name := range profile.Secrets.Allowlist {
			allow[normalizeSecretName(name)] = struct{}{}
		}
		for name, value := range secrets {
			if _, ok := allow[name]; ok {
				out[name] = value
			}
		}
	case domain.SecretModeNone, "":
		// skip
	}
}

func normalizeSecretName(name string) string {
	upper := strings.ToUpper(name)
	if strings.HasPrefix(upper, "SECRET_") {
		return upper
	}
	return "SECRET_" + upper
}

func copyVars(out, parent map[string]string, names []string) {
	for _, name := range names {
		if v, ok := parent[name]; ok {
			out[name] = v
		}
	}
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

func parseEnv(pairs []string) map[string]string {
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		if i := strings.IndexByte(pair, '='); i >= 0 {
			out[pair[:i]] = pair[i+1:]
		}
	}
	return out
}

func flattenEnv(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	return out
}
