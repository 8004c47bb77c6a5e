package enforcement

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"mama-os/internal/domain"
)

// ScopeGuardConfig mirrors the enforcement.scope_guard config block.
type ScopeGuardConfig struct {
	Enabled         bool
	AllowedPatterns []string
	Mode            string // "warn" or "block"
}

// DefaultScopeGuardConfig returns enabled, block-mode defaults.
func DefaultScopeGuardConfig() ScopeGuardConfig {
	return ScopeGuardConfig{Enabled: true, Mode: "block"}
}

// expectedFileRe extracts file-path-looking tokens from free-form task text.
var expectedFileRe = regexp.MustCompile(`[\w\-./]+\.[a-z]{1,4}`)

// ExtractExpectedFiles pulls path-shaped tokens out of task text, the
// expectedFiles a delegated turn is scoped against.
func ExtractExpectedFiles(taskText string) []string {
	return expectedFileRe.FindAllString(taskText, -1)
}

// ScopeGuard compares a delegated task's expected files against the files a
// delegate's turn actually modified. Grounded on security.Sandbox's
// resolve-then-prefix-check path containment, generalized here to
// directory-prefix and glob matching over a set rather than a single root.
type ScopeGuard struct {
	cfg ScopeGuardConfig
}

// NewScopeGuard creates a ScopeGuard with the given config.
func NewScopeGuard(cfg ScopeGuardConfig) *ScopeGuard {
	return &ScopeGuard{cfg: cfg}
}

// Check reports whether modifiedFiles stayed within expectedFiles (plus any
// configured allowedPatterns). Empty modifiedFiles is always in scope. In
// "warn" mode, out-of-scope files are reported but InScope stays true; in
// "block" mode, InScope is false whenever any file is unexpected.
func (g *ScopeGuard) Check(expectedFiles, modifiedFiles []string) domain.ScopeCheckResult {
	if len(modifiedFiles) == 0 {
		return domain.ScopeCheckResult{InScope: true, ModifiedFiles: modifiedFiles}
	}

	var unexpected []string
	for _, m := range modifiedFiles {
		if !g.fileInScope(expectedFiles, m) {
			unexpected = append(unexpected, m)
		}
	}

	inScope := len(unexpected) == 0 || g.cfg.Mode == "warn"
	result := domain.ScopeCheckResult{
		InScope:         inScope,
		ModifiedFiles:   modifiedFiles,
		UnexpectedFiles: unexpected,
	}
	if len(unexpected) > 0 {
		result.Reason = fmt.Sprintf("unexpected files: %s", strings.Join(unexpected, ", "))
	}
	return result
}

func (g *ScopeGuard) fileInScope(expectedFiles []string, modified string) bool {
	for _, e := range expectedFiles {
		if e == modified {
			return true
		}
		prefix := strings.TrimSuffix(e, "/")
		if strings.HasPrefix(modified, prefix+"/") {
			return true
		}
	}
	base := filepath.Base(modified)
	for _, pat := range g.cfg.AllowedPatterns {
		re := globToRegexp(pat)
		if re.MatchString(modified) || re.MatchString(base) {
			return true
		}
	}
	return false
}

// globToRegexp compiles a glob pattern supporting "*" (non-slash run), "**"
// (cross-segment, including slashes), and "?" (single non-slash rune) into
// an anchored regular expression.
func globToRegexp(pattern string) *regexp.Regexp {
	var sb strings.Builder
	sb.WriteString("^")
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		switch c {
		case '*':
			if i+1 < len(pattern) && pattern[i+1] == '*' {
				sb.WriteString(".*")
				i++
				continue
			}
			sb.WriteString("[^/]*")
		case '?':
			sb.WriteString("[^/]")
		default:
			sb.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	sb.WriteString("$")
	return regexp.MustCompile(sb.String())
}
