package stt

import (
	"context"
	"errors"
	"fmt"
)

// Kind distinguishes provisional hypotheses from committed text.
type Kind int

const (
	Partial Kind = iota + 1
	Final
)

func (k Kind) String() string {
	switch k {
	case Partial:
		return "partial"
	case Final:
		return "final"
	default:
		return "unknown"
	}
}

// Event is the outcome of feeding audio to a recognizer.
type Event struct {
	Kind Kind
	Text string
}

// Recognizer is an incremental STT engine bound to a single session.
// Implementations are not safe for concurrent use.
type Recognizer interface {
	// Accept consumes one PCM16 chunk and reports the current hypothesis.
	Accept(ctx context.Context, pcm []byte) (Event, error)
	// Flush finalizes any pending audio. ok is false when nothing was pending.
	Flush(ctx context.Context) (ev Event, ok bool, err error)
	Close() error
}

// ErrRecognitionFailure is matched by every error raised by a recognition engine.
var ErrRecognitionFailure = errors.New("recognition failure")

// RecognitionError reports an engine failure for one session.
type RecognitionError struct {
	SessionID string
	Err       error
}

func (e *RecognitionError) Error() string {
	return fmt.Sprintf("recognition failed for session %s: %v", e.SessionID, e.Err)
}

func (e *RecognitionError) Unwrap() error { return e.Err }

func (e *RecognitionError) Is(target error) bool {
	return target == ErrRecognitionFailure
}
