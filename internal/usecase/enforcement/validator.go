package enforcement

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"mama-os/internal/domain"
)

// ResponseValidatorConfig mirrors the enforcement.response_validator config
// block.
type ResponseValidatorConfig struct {
	Enabled               bool
	FlatteryThreshold     float64
	PatternCountThreshold int
	MaxRetries            int
}

// DefaultResponseValidatorConfig returns sensible flattery-detection defaults.
func DefaultResponseValidatorConfig() ResponseValidatorConfig {
	return ResponseValidatorConfig{
		Enabled:               true,
		FlatteryThreshold:     0.05,
		PatternCountThreshold: 3,
		MaxRetries:            2,
	}
}

var (
	codeFenceRe  = regexp.MustCompile("(?s)```.*?```")
	inlineCodeRe = regexp.MustCompile("`[^`]+`")
)

// ResponseValidator detects excessive flattery/filler in agent responses
// and rejects them so the caller can re-prompt. Grounded on the
// scan-strip-then-decide shape of usecase.RepairTranscript, applied here to
// prose instead of tool-call structure.
type ResponseValidator struct {
	cfg ResponseValidatorConfig
}

// NewResponseValidator creates a validator with the given config.
func NewResponseValidator(cfg ResponseValidatorConfig) *ResponseValidator {
	return &ResponseValidator{cfg: cfg}
}

// MaxRetries returns the configured retry bound for the rejection/re-prompt
// cycle.
func (v *ResponseValidator) MaxRetries() int { return v.cfg.MaxRetries }

// Validate scans text for catalogue matches and applies the ratio and
// distinct-pattern-count thresholds. strictMode doubles neither threshold;
// non-strict mode (agent-to-gateway) doubles both.
func (v *ResponseValidator) Validate(text string, strictMode bool) domain.ValidationResult {
	stripped := stripCode(text)
	lower := strings.ToLower(stripped)

	matches, matchedChars := scanCatalogue(lower)

	nonCodeLen := len([]rune(stripped))
	var ratio float64
	if nonCodeLen > 0 {
		ratio = float64(matchedChars) / float64(nonCodeLen)
	}

	ratioThreshold := v.cfg.FlatteryThreshold
	countThreshold := v.cfg.PatternCountThreshold
	if !strictMode {
		ratioThreshold *= 2
		countThreshold *= 2
	}

	labels := distinctLabels(matches)

	if ratio > ratioThreshold || len(labels) > countThreshold {
		return domain.ValidationResult{
			Valid:   false,
			Ratio:   ratio,
			Matched: matches,
			Reason:  fmt.Sprintf("matched labels: %s", strings.Join(labels, ", ")),
		}
	}

	return domain.ValidationResult{Valid: true, Ratio: ratio, Matched: matches}
}

// stripCode removes fenced code blocks and inline code spans so only prose
// is scanned for flattery.
func stripCode(text string) string {
	text = codeFenceRe.ReplaceAllString(text, "")
	text = inlineCodeRe.ReplaceAllString(text, "")
	return text
}

// scanCatalogue returns every catalogue entry found in lower (already
// lowercased) along with the total count of matched characters.
func scanCatalogue(lower string) ([]domain.FlatteryMatch, int) {
	var matches []domain.FlatteryMatch
	matchedChars := 0
	for _, entry := range flatteryCatalogue {
		idx := 0
		for {
			pos := strings.Index(lower[idx:], entry.pattern)
			if pos < 0 {
				break
			}
			matches = append(matches, domain.FlatteryMatch{Label: entry.label, Category: entry.category})
			matchedChars += len([]rune(entry.pattern))
			idx += pos + len(entry.pattern)
		}
	}
	return matches, matchedChars
}

// distinctLabels returns the sorted set of distinct labels among matches.
func distinctLabels(matches []domain.FlatteryMatch) []string {
	seen := make(map[string]struct{}, len(matches))
	for _, m := range matches {
		seen[m.Label] = struct{}{}
	}
	labels := make([]string, 0, len(seen))
	for l := range seen {
		labels = append(labels, l)
	}
	sort.Strings(labels)
	return labels
}
