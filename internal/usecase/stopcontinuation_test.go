package usecase

import (
	"strings"
	"testing"
)

func TestStopContinuation_Disabled(t *testing.T) {
	h := NewStopContinuationHandler(StopContinuationConfig{Enabled: false, MaxRetries: 3})
	d := h.Analyze("cli:default", "anything")
	if d.ShouldContinue || d.Reason != StopReasonDisabled {
		t.Fatalf("got %+v", d)
	}
}

func TestStopContinuation_ManuallyStopped(t *testing.T) {
	h := NewStopContinuationHandler(DefaultStopContinuationConfig())
	h.Stop("cli:default")
	d := h.Analyze("cli:default", "I'll continue working on this.")
	if d.ShouldContinue || d.Reason != StopReasonManuallyStopped {
		t.Fatalf("got %+v", d)
	}
	h.Resume("cli:default")
	d = h.Analyze("cli:default", "All done.\nDONE")
	if d.Reason != StopReasonComplete {
		t.Fatalf("expected resume to allow normal analysis, got %+v", d)
	}
}

func TestStopContinuation_CompletionMarkerInLastThreeLines(t *testing.T) {
	h := NewStopContinuationHandler(DefaultStopContinuationConfig())
	text := "line one\nline two\nTASK_COMPLETE"
	d := h.Analyze("cli:default", text)
	if d.ShouldContinue || d.Reason != StopReasonComplete {
		t.Fatalf("got %+v", d)
	}
}

func TestStopContinuation_CompletionMarkerOutsideLastThreeLinesDoesNotCount(t *testing.T) {
	h := NewStopContinuationHandler(DefaultStopContinuationConfig())
	text := "DONE\nbut actually\nlet me continue\nwith more work"
	d := h.Analyze("cli:default", text)
	if !d.ShouldContinue || d.Reason != StopReasonIncomplete {
		t.Fatalf("got %+v", d)
	}
}

func TestStopContinuation_IncompleteMarkerIncrementsThenCaps(t *testing.T) {
	h := NewStopContinuationHandler(StopContinuationConfig{Enabled: true, MaxRetries: 2})
	for i := 0; i < 2; i++ {
		d := h.Analyze("cli:default", "let me continue with this task")
		if !d.ShouldContinue || d.Reason != StopReasonIncomplete {
			t.Fatalf("attempt %d: got %+v", i, d)
		}
		if d.ContinuationPrompt == "" {
			t.Fatalf("attempt %d: expected a continuation prompt", i)
		}
	}
	d := h.Analyze("cli:default", "let me continue with this task")
	if d.ShouldContinue || !d.MaxRetriesReached || d.Reason != StopReasonMaxRetriesReached {
		t.Fatalf("got %+v", d)
	}

	// attempts reset after max-retries trip.
	d = h.Analyze("cli:default", "let me continue with this task")
	if !d.ShouldContinue {
		t.Fatalf("expected attempts counter to have reset, got %+v", d)
	}
}

func TestStopContinuation_TruncationHeuristic(t *testing.T) {
	h := NewStopContinuationHandler(DefaultStopContinuationConfig())
	long := strings.Repeat("a", 1800) + "b" // no terminal punctuation, length >= 1800
	d := h.Analyze("cli:default", long)
	if !d.ShouldContinue || d.Reason != StopReasonIncomplete {
		t.Fatalf("got %+v", d)
	}
}

func TestStopContinuation_LongTextEndingInPunctuationIsNotTruncated(t *testing.T) {
	h := NewStopContinuationHandler(DefaultStopContinuationConfig())
	long := strings.Repeat("a", 1800) + "."
	d := h.Analyze("cli:default", long)
	if d.ShouldContinue || d.Reason != StopReasonNormalCompletion {
		t.Fatalf("got %+v", d)
	}
}

func TestStopContinuation_NormalCompletion(t *testing.T) {
	h := NewStopContinuationHandler(DefaultStopContinuationConfig())
	d := h.Analyze("cli:default", "Here is a short, complete answer.")
	if d.ShouldContinue || d.Reason != StopReasonNormalCompletion {
		t.Fatalf("got %+v", d)
	}
}

func TestStopContinuation_ContinuationPromptIncludesTail(t *testing.T) {
	h := NewStopContinuationHandler(DefaultStopContinuationConfig())
	long := strings.Repeat("x", 300) + "let me continue"
	d := h.Analyze("cli:default", long)
	if !d.ShouldContinue {
		t.Fatalf("got %+v", d)
	}
	if !strings.Contains(d.ContinuationPrompt, "let me continue") {
		t.Fatalf("expected prompt to include the tail, got %q", d.ContinuationPrompt)
	}
}

func TestStopContinuation_KoreanMarkers(t *testing.T) {
	h := NewStopContinuationHandler(DefaultStopContinuationConfig())
	d := h.Analyze("cli:default", "작업을 계속하겠습니다")
	if !d.ShouldContinue || d.Reason != StopReasonIncomplete {
		t.Fatalf("got %+v", d)
	}

	d2 := h.Analyze("cli:default", "작업완료")
	if d2.ShouldContinue || d2.Reason != StopReasonComplete {
		t.Fatalf("got %+v", d2)
	}
}
