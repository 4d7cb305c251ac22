package session

import (
	"strings"
	"time"
)

// partialFilter decides which partial hypotheses reach the client. Empty and
// repeated texts are always dropped. With a word or interval threshold set, a
// partial is only sent once it grew by minWords or minInterval has passed.
type partialFilter struct {
	minWords    int
	minInterval time.Duration

	lastText  string
	lastWords int
	lastSent  time.Time
}

func (f *partialFilter) allow(text string, now time.Time) bool {
	if text == "" || text == f.lastText {
		return false
	}
	words := len(strings.Fields(text))
	if f.minWords > 0 || f.minInterval > 0 {
		grew := f.minWords > 0 && words-f.lastWords >= f.minWords
		waited := f.minInterval > 0 && (f.lastSent.IsZero() || now.Sub(f.lastSent) >= f.minInterval)
		if !grew && !waited {
			return false
		}
	}
	f.lastText = text
	f.lastWords = words
	f.lastSent = now
	return true
}

// reset starts a new utterance. The interval window restarts at now, the
// time the final was emitted.
func (f *partialFilter) reset(now time.Time) {
	f.lastText = ""
	f.lastWords = 0
	f.lastSent = now
}
