package rolemanager

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"mama-os/internal/domain"
)

// sensitiveKeyRe matches config keys whose values must be masked for roles
// lacking SensitiveAccess (tokens, API keys, bot secrets).
var sensitiveKeyRe = regexp.MustCompile(`(?i)(token|secret|api[_-]?key|password|credential)`)

const redactedValue = "***"

// RoleManager resolves per-source permission envelopes and enforces tool
// and path allow/block lists. Grounded on usecase.NewScopedToolExecutor's
// allow-list filtering (the same "empty list means unrestricted, otherwise
// exact-or-glob membership" contract) merged with
// internal/security.Sandbox's glob-over-absolute-path checking.
type RoleManager struct {
	roles   map[string]domain.RoleConfig
	sources map[string]string // source -> role name
	def     domain.RoleConfig
}

// New creates a RoleManager. roles maps role name to config; sources maps
// message source (discord, slack, cron, cli, ...) to a role name. def is
// used for any source with no entry in sources.
func New(roles map[string]domain.RoleConfig, sources map[string]string, def domain.RoleConfig) *RoleManager {
	return &RoleManager{roles: roles, sources: sources, def: def}
}

// RoleFor resolves the RoleConfig assigned to a message source.
func (m *RoleManager) RoleFor(source string) domain.RoleConfig {
	name, ok := m.sources[source]
	if !ok {
		return m.def
	}
	role, ok := m.roles[name]
	if !ok {
		return m.def
	}
	return role
}

// IsToolAllowed reports whether role may invoke toolName. blockedTools wins
// over allowedTools; allowedTools supports "*" and suffix globs such as
// "mama_*". An empty allowedTools list means unrestricted (subject to
// blockedTools).
func (m *RoleManager) IsToolAllowed(role domain.RoleConfig, toolName string) bool {
	for _, pat := range role.BlockedTools {
		if toolGlobMatch(pat, toolName) {
			return false
		}
	}
	if len(role.AllowedTools) == 0 {
		return true
	}
	for _, pat := range role.AllowedTools {
		if toolGlobMatch(pat, toolName) {
			return true
		}
	}
	return false
}

// IsPathAllowed reports whether role may touch path (after ~ expansion and
// glob matching over absolute paths). An empty AllowedPaths means
// unrestricted.
func (m *RoleManager) IsPathAllowed(role domain.RoleConfig, path string) bool {
	if len(role.AllowedPaths) == 0 {
		return true
	}
	abs := expandHome(path)
	for _, pat := range role.AllowedPaths {
		patAbs := expandHome(pat)
		if ok, _ := filepath.Match(patAbs, abs); ok {
			return true
		}
		if strings.HasPrefix(abs, strings.TrimSuffix(patAbs, "/")+"/") {
			return true
		}
	}
	return false
}

// RedactSensitive returns a copy of values with any entry whose key matches
// the sensitive-name pattern set masked, unless role has SensitiveAccess.
func (m *RoleManager) RedactSensitive(role domain.RoleConfig, values map[string]string) map[string]string {
	if role.SensitiveAccess {
		return values
	}
	out := make(map[string]string, len(values))
	for k, v := range values {
		if sensitiveKeyRe.MatchString(k) {
			out[k] = redactedValue
		} else {
			out[k] = v
		}
	}
	return out
}

// toolGlobMatch supports "*" (match everything) and suffix globs like
// "mama_*" in addition to exact match.
func toolGlobMatch(pattern, name string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(name, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == name
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
