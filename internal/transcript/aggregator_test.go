package transcript

import (
	"testing"

	"github.com/loqalabs/loqa-scribe/internal/stt"
)

func TestPartialThenFinal(t *testing.T) {
	a := New()
	a.Apply(stt.Event{Kind: stt.Partial, Text: "hel"})
	a.Apply(stt.Event{Kind: stt.Partial, Text: "hello"})
	if a.Provisional() != "hello" || a.Transcript() != "" {
		t.Fatalf("unexpected state provisional=%q transcript=%q", a.Provisional(), a.Transcript())
	}
	if a.WordCount() != 1 {
		t.Fatalf("expected provisional word counted, got %d", a.WordCount())
	}

	a.Apply(stt.Event{Kind: stt.Final, Text: "hello world"})
	if a.Provisional() != "" {
		t.Fatalf("final must clear provisional, got %q", a.Provisional())
	}
	if a.Transcript() != "hello world" || a.WordCount() != 2 {
		t.Fatalf("unexpected transcript %q count=%d", a.Transcript(), a.WordCount())
	}
}

func TestSegmentsJoinedWithSingleSpace(t *testing.T) {
	a := New()
	a.Apply(stt.Event{Kind: stt.Final, Text: "hello world"})
	a.Apply(stt.Event{Kind: stt.Partial, Text: "good"})
	a.Apply(stt.Event{Kind: stt.Final, Text: "  goodbye  "})
	if got := a.Transcript(); got != "hello world goodbye" {
		t.Fatalf("unexpected transcript %q", got)
	}
	if a.WordCount() != 3 || a.CommittedWordCount() != 3 {
		t.Fatalf("unexpected counts %d/%d", a.WordCount(), a.CommittedWordCount())
	}
	if len(a.Segments()) != 2 {
		t.Fatalf("expected 2 segments, got %v", a.Segments())
	}
}

func TestEmptyFinalOnlyClearsProvisional(t *testing.T) {
	a := New()
	a.Apply(stt.Event{Kind: stt.Partial, Text: "uh"})
	if !a.Apply(stt.Event{Kind: stt.Final}) {
		t.Fatal("clearing provisional text is a change")
	}
	if len(a.Segments()) != 0 || a.Provisional() != "" {
		t.Fatalf("empty final must not add a segment: %v", a.Segments())
	}
	if a.Apply(stt.Event{Kind: stt.Final}) {
		t.Fatal("empty final with nothing provisional is not a change")
	}
}

func TestDuplicatePartialIsNoChange(t *testing.T) {
	a := New()
	if !a.Apply(stt.Event{Kind: stt.Partial, Text: "same"}) {
		t.Fatal("first partial is a change")
	}
	if a.Apply(stt.Event{Kind: stt.Partial, Text: "same"}) {
		t.Fatal("repeated partial is not a change")
	}
}

func TestFreezeIgnoresLaterEvents(t *testing.T) {
	a := New()
	a.Apply(stt.Event{Kind: stt.Final, Text: "done"})
	a.Freeze()
	a.Apply(stt.Event{Kind: stt.Final, Text: "late"})
	a.Apply(stt.Event{Kind: stt.Partial, Text: "later"})
	if a.Transcript() != "done" || a.Provisional() != "" || !a.Frozen() {
		t.Fatalf("frozen aggregate changed: %q / %q", a.Transcript(), a.Provisional())
	}
}
