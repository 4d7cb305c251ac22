// Package transcript accumulates recognition output for one session.
package transcript

import (
	"strings"

	"github.com/loqalabs/loqa-scribe/internal/stt"
)

// Aggregator holds committed segments plus at most one provisional fragment.
// Segments are append-only until Freeze; provisional text is never part of
// the transcript.
type Aggregator struct {
	segments    []string
	provisional string
	frozen      bool
}

func New() *Aggregator {
	return &Aggregator{}
}

// Apply folds one recognition event into the aggregate. It reports whether the
// state changed.
func (a *Aggregator) Apply(ev stt.Event) bool {
	if a.frozen {
		return false
	}
	text := strings.TrimSpace(ev.Text)
	switch ev.Kind {
	case stt.Partial:
		if text == a.provisional {
			return false
		}
		a.provisional = text
		return true
	case stt.Final:
		changed := a.provisional != ""
		a.provisional = ""
		if text != "" {
			a.segments = append(a.segments, text)
			changed = true
		}
		return changed
	}
	return false
}

// Freeze stops further events from changing the aggregate.
func (a *Aggregator) Freeze() {
	a.frozen = true
}

func (a *Aggregator) Frozen() bool {
	return a.frozen
}

// Transcript joins the committed segments with single spaces.
func (a *Aggregator) Transcript() string {
	return strings.Join(a.segments, " ")
}

func (a *Aggregator) Segments() []string {
	return append([]string(nil), a.segments...)
}

func (a *Aggregator) Provisional() string {
	return a.provisional
}

// WordCount counts whitespace-delimited tokens across segments and the
// provisional fragment.
func (a *Aggregator) WordCount() int {
	n := 0
	for _, s := range a.segments {
		n += len(strings.Fields(s))
	}
	return n + len(strings.Fields(a.provisional))
}

// CommittedWordCount counts only finalized words.
func (a *Aggregator) CommittedWordCount() int {
	return len(strings.Fields(a.Transcript()))
}
