package usecase

import (
	"strings"
	"sync"
	"unicode/utf8"
)

// StopReason names why a turn should or should not continue.
type StopReason string

const (
	StopReasonDisabled          StopReason = "disabled"
	StopReasonManuallyStopped   StopReason = "manually_stopped"
	StopReasonComplete          StopReason = "complete"
	StopReasonIncomplete        StopReason = "incomplete_response"
	StopReasonMaxRetriesReached StopReason = "max_retries_reached"
	StopReasonNormalCompletion  StopReason = "normal_completion"
)

// ContinuationDecision is the outcome of one StopContinuationHandler.Analyze call.
type ContinuationDecision struct {
	ShouldContinue    bool
	Reason            StopReason
	MaxRetriesReached bool
	ContinuationPrompt string
}

// truncationLengthThreshold is the minimum response length before the
// missing-terminal-punctuation heuristic applies.
const truncationLengthThreshold = 1800

// continuationTailChars is how much of a long response's tail is
// included in the continuation prompt.
const continuationTailChars = 200

var completionMarkers = []string{
	"done", "finished", "✅", "task_complete",
	// Korean completion variants.
	"완료", "끝났습니다", "작업완료",
}

var incompleteMarkers = []string{
	"i'll continue", "let me continue", "to be continued",
	// Korean incomplete-response variants.
	"계속하겠", "계속할게", "이어서", "다음으로",
}

var terminalPunctuation = map[rune]bool{
	'.': true, '!': true, '?': true, '。': true, '…': true,
}

// channelContinuationState tracks per-channel retry/stop bookkeeping.
type channelContinuationState struct {
	attempts        int
	manuallyStopped bool
}

// StopContinuationHandler decides, after each agent response, whether the
// agent should be prompted to continue, bounded by maxRetries. Grounded on
// usecase/error_classifier.go's ordered-switch classification shape and
// transcript_repair.go's text-scanning idiom.
type StopContinuationHandler struct {
	mu         sync.Mutex
	state      map[string]*channelContinuationState
	enabled    bool
	maxRetries int
}

// StopContinuationConfig configures a StopContinuationHandler.
type StopContinuationConfig struct {
	Enabled    bool
	MaxRetries int
}

// DefaultStopContinuationConfig returns sensible defaults: enabled, 3 retries.
func DefaultStopContinuationConfig() StopContinuationConfig {
	return StopContinuationConfig{Enabled: true, MaxRetries: 3}
}

// NewStopContinuationHandler creates a handler from cfg.
func NewStopContinuationHandler(cfg StopContinuationConfig) *StopContinuationHandler {
	return &StopContinuationHandler{
		state:      make(map[string]*channelContinuationState),
		enabled:    cfg.Enabled,
		maxRetries: cfg.MaxRetries,
	}
}

// Stop marks channelKey as manually stopped; subsequent Analyze calls for
// it short-circuit at rule 2 until Resume is called.
func (h *StopContinuationHandler) Stop(channelKey string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stateFor(channelKey).manuallyStopped = true
}

// Resume clears a manual stop for channelKey.
func (h *StopContinuationHandler) Resume(channelKey string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stateFor(channelKey).manuallyStopped = false
}

// stateFor returns channelKey's state, creating it if absent. Caller
// must hold h.mu.
func (h *StopContinuationHandler) stateFor(channelKey string) *channelContinuationState {
	s, ok := h.state[channelKey]
	if !ok {
		s = &channelContinuationState{}
		h.state[channelKey] = s
	}
	return s
}

// Analyze runs the six-rule continuation decision tree for channelKey's
// most recent responseText.
func (h *StopContinuationHandler) Analyze(channelKey, responseText string) ContinuationDecision {
	h.mu.Lock()
	defer h.mu.Unlock()

	// Rule 1: disabled.
	if !h.enabled {
		return ContinuationDecision{ShouldContinue: false, Reason: StopReasonDisabled}
	}

	s := h.stateFor(channelKey)

	// Rule 2: manually stopped.
	if s.manuallyStopped {
		return ContinuationDecision{ShouldContinue: false, Reason: StopReasonManuallyStopped}
	}

	// Rule 3: completion markers within the last 3 lines.
	if containsMarker(lastLines(responseText, 3), completionMarkers) {
		s.attempts = 0
		return ContinuationDecision{ShouldContinue: false, Reason: StopReasonComplete}
	}

	// Rule 4: incomplete markers anywhere.
	if containsMarker(responseText, incompleteMarkers) {
		return h.applyRetry(s, responseText)
	}

	// Rule 5: truncation heuristic.
	if utf8.RuneCountInString(responseText) >= truncationLengthThreshold && !endsWithTerminalPunctuation(responseText) {
		return h.applyRetry(s, responseText)
	}

	// Rule 6: normal completion.
	s.attempts = 0
	return ContinuationDecision{ShouldContinue: false, Reason: StopReasonNormalCompletion}
}

// applyRetry implements the shared attempts/maxRetries bookkeeping of
// rules 4 and 5.
func (h *StopContinuationHandler) applyRetry(s *channelContinuationState, responseText string) ContinuationDecision {
	if s.attempts+1 > h.maxRetries {
		s.attempts = 0
		return ContinuationDecision{ShouldContinue: false, Reason: StopReasonMaxRetriesReached, MaxRetriesReached: true}
	}
	s.attempts++
	return ContinuationDecision{
		ShouldContinue:     true,
		Reason:             StopReasonIncomplete,
		ContinuationPrompt: buildContinuationPrompt(responseText),
	}
}

// buildContinuationPrompt includes the tail of responseText (last
// continuationTailChars for long responses, the whole thing for short
// ones) plus an instruction to end with a completion marker.
func buildContinuationPrompt(responseText string) string {
	tail := responseText
	if utf8.RuneCountInString(responseText) > continuationTailChars {
		runes := []rune(responseText)
		tail = string(runes[len(runes)-continuationTailChars:])
	}
	var b strings.Builder
	b.WriteString("Your previous response appears incomplete. It ended with:\n\n")
	b.WriteString(tail)
	b.WriteString("\n\nContinue from where you left off. End with a completion marker (e.g. DONE) once finished.")
	return b.String()
}

// lastLines returns the last n lines of text, joined by newlines.
func lastLines(text string, n int) string {
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	if len(lines) <= n {
		return text
	}
	return strings.Join(lines[len(lines)-n:], "\n")
}

// containsMarker reports whether any marker appears in text, case-insensitively.
func containsMarker(text string, markers []string) bool {
	lower := strings.ToLower(text)
	for _, m := range markers {
		if strings.Contains(lower, strings.ToLower(m)) {
			return true
		}
	}
	return false
}

// endsWithTerminalPunctuation reports whether the last non-whitespace
// rune in text is a recognized sentence terminator.
func endsWithTerminalPunctuation(text string) bool {
	trimmed := strings.TrimRightFunc(text, func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n' || r == '\r'
	})
	if trimmed == "" {
		return false
	}
	runes := []rune(trimmed)
	return terminalPunctuation[runes[len(runes)-1]]
}
