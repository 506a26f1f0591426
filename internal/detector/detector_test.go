package detector

import (
	"testing"

	"github.com/sentra-hq/sentra/internal/event"
	"go.uber.org/zap"
)

func typeString(d *Detector, s string) {
	for _, r := range s {
		d.OnKeyPress(r)
	}
}

func collector() (*[]*event.ViolationEvent, EmitFunc) {
	var got []*event.ViolationEvent
	return &got, func(e *event.ViolationEvent) { got = append(got, e) }
}

func TestDetector_MatchFiresOnceAndClearsBuffer(t *testing.T) {
	got, emit := collector()
	d := New("op-1", []string{"refund"}, emit, zap.NewNop())

	typeString(d, "i want a reFUnd")

	if len(*got) != 1 {
		t.Fatalf("expected 1 event, got %d", len(*got))
	}
	if (*got)[0].Keyword != "refund" {
		t.Errorf("expected keyword refund, got %q", (*got)[0].Keyword)
	}
	if (*got)[0].OperatorID != "op-1" {
		t.Errorf("expected operator op-1, got %q", (*got)[0].OperatorID)
	}
	if len(d.buf) != 0 {
		t.Errorf("buffer should be empty after a match, has %d runes", len(d.buf))
	}
}

func TestDetector_NoMatchNoEvent(t *testing.T) {
	got, emit := collector()
	d := New("op-1", []string{"refund"}, emit, zap.NewNop())

	typeString(d, "everything is fine today")

	if len(*got) != 0 {
		t.Fatalf("expected no events, got %d", len(*got))
	}
}

func TestDetector_SameBurstSecondKeywordStillFires(t *testing.T) {
	// After the first match clears the buffer, a later keyword typed in
	// full raises its own event.
	got, emit := collector()
	d := New("op-1", []string{"refund", "lawsuit"}, emit, zap.NewNop())

	typeString(d, "refund then a lawsuit")

	if len(*got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(*got))
	}
	if (*got)[0].Keyword != "refund" || (*got)[1].Keyword != "lawsuit" {
		t.Errorf("unexpected keywords: %q, %q", (*got)[0].Keyword, (*got)[1].Keyword)
	}
}

func TestDetector_LongestMatchWins(t *testing.T) {
	got, emit := collector()
	d := New("op-1", []string{"refund", "refund now"}, emit, zap.NewNop())

	typeString(d, "refund now")

	// "refund" alone matches mid-burst and clears the buffer, so the
	// longer phrase can never complete. First event must be "refund".
	if len(*got) == 0 {
		t.Fatal("expected at least one event")
	}
	if (*got)[0].Keyword != "refund" {
		t.Errorf("expected refund first, got %q", (*got)[0].Keyword)
	}

	// Fed atomically via update-then-scan of the full phrase, the longer
	// keyword wins the tie-break.
	*got = (*got)[:0]
	d2 := New("op-2", []string{"now", "refund now"}, emit, zap.NewNop())
	typeString(d2, "refund no")
	typeString(d2, "w")
	if len(*got) != 1 {
		t.Fatalf("expected 1 event, got %d", len(*got))
	}
	if (*got)[0].Keyword != "refund now" {
		t.Errorf("expected longest match 'refund now', got %q", (*got)[0].Keyword)
	}
}

func TestDetector_BackspacePopsAndPreventsMatch(t *testing.T) {
	got, emit := collector()
	d := New("op-1", []string{"refund"}, emit, zap.NewNop())

	typeString(d, "refun")
	d.OnKeyPress(Backspace)
	d.OnKeyPress(Backspace)
	typeString(d, "ts")

	if len(*got) != 0 {
		t.Fatalf("expected no events after backspace edit, got %d", len(*got))
	}
}

func TestDetector_BackspaceOnEmptyBufferIsNoop(t *testing.T) {
	_, emit := collector()
	d := New("op-1", []string{"refund"}, emit, zap.NewNop())

	d.OnKeyPress(Backspace)
	d.OnKeyPress(Backspace)

	if len(d.buf) != 0 {
		t.Errorf("buffer should remain empty, has %d runes", len(d.buf))
	}
}

func TestDetector_WindowBoundsMatch(t *testing.T) {
	got, emit := collector()
	d := New("op-1", []string{"refund"}, emit, zap.NewNop())

	// Split the keyword so its start falls outside the 30-char window.
	typeString(d, "ref")
	typeString(d, "xxxxxxxxxxxxxxxxxxxxxxxxxxxxxx") // 30 filler chars
	typeString(d, "und")

	if len(*got) != 0 {
		t.Fatalf("keyword outside window should not match, got %d events", len(*got))
	}

	// Typed contiguously it matches even after the buffer has wrapped.
	typeString(d, "refund")
	if len(*got) != 1 {
		t.Fatalf("expected 1 event after contiguous keyword, got %d", len(*got))
	}
}

func TestDetector_NonPrintableIgnored(t *testing.T) {
	got, emit := collector()
	d := New("op-1", []string{"re fund"}, emit, zap.NewNop())

	typeString(d, "re")
	d.OnKeyPress('\x1b') // escape
	d.OnKeyPress('\x00')
	typeString(d, " fund")

	if len(*got) != 1 {
		t.Fatalf("control characters should be ignored, got %d events", len(*got))
	}
}

func TestDetector_UpdateKeywordsTakesEffectOnNextKey(t *testing.T) {
	got, emit := collector()
	d := New("op-1", nil, emit, zap.NewNop())

	typeString(d, "chargeback")
	if len(*got) != 0 {
		t.Fatalf("empty set should not match, got %d events", len(*got))
	}

	d.UpdateKeywords([]string{"chargeback"})
	typeString(d, "chargeback")
	if len(*got) != 1 {
		t.Fatalf("expected 1 event after keyword update, got %d", len(*got))
	}
}

func TestDetector_EmitPanicSwallowed(t *testing.T) {
	d := New("op-1", []string{"refund"}, func(*event.ViolationEvent) {
		panic("ui handler exploded")
	}, zap.NewNop())

	// Must not propagate out of OnKeyPress.
	typeString(d, "refund")
}
