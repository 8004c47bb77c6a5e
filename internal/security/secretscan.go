package security

import (
	"fmt"
	"log/slog"
	"regexp"
)

// SecretAction describes what a scanner does when a pattern matches.
type SecretAction string

const (
	ActionRedact SecretAction = "redact"
	ActionWarn   SecretAction = "warn"
	ActionBlock  SecretAction = "block"
)

// ParseAction validates a config-supplied action string.
func ParseAction(s string) (SecretAction, error) {
	switch SecretAction(s) {
	case ActionRedact, ActionWarn, ActionBlock:
		return SecretAction(s), nil
	default:
		return "", fmt.Errorf("unknown secret scan action %q (want redact, warn, or block)", s)
	}
}

// SecretPattern pairs a compiled regex with the action to take on a match.
type SecretPattern struct {
	Name    string
	Pattern *regexp.Regexp
	Action  SecretAction
}

// SecretMatch holds details about a detected secret.
type SecretMatch struct {
	PatternName string
	Action      SecretAction
	Start       int
	End         int
}

var builtinPatterns = []SecretPattern{
	{Name: "aws_access_key", Pattern: regexp.MustCompile(`AKIA[0-9A-Z]{16}`), Action: ActionBlock},
	{Name: "openai_api_key", Pattern: regexp.MustCompile(`sk-[A-Za-z0-9]{20,}`), Action: ActionBlock},
	{Name: "anthropic_api_key", Pattern: regexp.MustCompile(`sk-ant-[A-Za-z0-9_-]{20,}`), Action: ActionBlock},
	{Name: "slack_token", Pattern: regexp.MustCompile(`xox[baprs]-[A-Za-z0-9-]{10,}`), Action: ActionBlock},
	{Name: "private_key_block", Pattern: regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`), Action: ActionBlock},
	{Name: "generic_bearer_token", Pattern: regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._-]{20,}`), Action: ActionRedact},
}

// SecretScanner applies a set of secret-detecting patterns to message text
// before it leaves the process (outbound to a channel) or before it is
// persisted, redacting or blocking matches depending on pattern severity.
type SecretScanner struct {
	patterns []SecretPattern
	log      *slog.Logger
}

// NewSecretScanner builds a scanner from the built-in pattern set plus any
// operator-supplied custom patterns.
func NewSecretScanner(custom []SecretPattern, log *slog.Logger) *SecretScanner {
	patterns := make([]SecretPattern, 0, len(builtinPatterns)+len(custom))
	patterns = append(patterns, builtinPatterns...)
	patterns = append(patterns, custom...)
	return &SecretScanner{patterns: patterns, log: log}
}

// Apply scans text against every configured pattern. A "block" match drops
// the whole message (blocked=true, cleaned text is the unredacted input so
// callers can log what triggered the block). A "redact" match replaces the
// matched span with a placeholder. A "warn" match is reported but left
// untouched in the cleaned text.
func (s *SecretScanner) Apply(text string) (cleaned string, blocked bool, matches []SecretMatch) {
	cleaned = text
	for _, p := range s.patterns {
		locs := p.Pattern.FindAllStringIndex(cleaned, -1)
		if len(locs) == 0 {
			continue
		}
		for _, loc := range locs {
			matches = append(matches, SecretMatch{
				PatternName: p.Name,
				Action:      p.Action,
				Start:       loc[0],
				End:         loc[1],
			})
			if p.Action == ActionBlock {
				blocked = true
			}
		}
		if p.Action == ActionRedact {
			cleaned = p.Pattern.ReplaceAllString(cleaned, "["+p.Name+" redacted]")
		}
	}

	if s.log != nil && len(matches) > 0 {
		s.log.Warn("secret scanner matched", "count", len(matches), "blocked", blocked)
	}

	return cleaned, blocked, matches
}
