package stt

import (
	"context"
	"errors"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/audio"
)

var errAdapterClosed = errors.New("adapter closed")

// Stats summarizes what an adapter has processed.
type Stats struct {
	Chunks          int
	AudioBytes      int64
	AudioDuration   time.Duration
	RecognitionTime time.Duration
	LastLatency     time.Duration
}

// Adapter feeds one session's audio to its own Recognizer and normalizes
// engine failures into *RecognitionError. It is owned by a single goroutine.
type Adapter struct {
	sessionID  string
	rec        Recognizer
	sampleRate int
	flushed    bool
	closed     bool
	stats      Stats
	now        func() time.Time
}

func NewAdapter(sessionID string, rec Recognizer, sampleRate int) *Adapter {
	return &Adapter{
		sessionID:  sessionID,
		rec:        rec,
		sampleRate: sampleRate,
		now:        time.Now,
	}
}

// Feed submits one validated frame. Failures are returned as-is to the caller
// and never retried.
func (a *Adapter) Feed(ctx context.Context, frame audio.Frame) (Event, error) {
	if a.closed || a.flushed {
		return Event{}, &RecognitionError{SessionID: a.sessionID, Err: errAdapterClosed}
	}
	start := a.now()
	ev, err := a.rec.Accept(ctx, frame.PCM)
	a.observe(start)
	a.stats.Chunks++
	a.stats.AudioBytes += int64(len(frame.PCM))
	a.stats.AudioDuration = audio.Duration(a.stats.AudioBytes, a.sampleRate)
	if err != nil {
		return Event{}, &RecognitionError{SessionID: a.sessionID, Err: err}
	}
	return ev, nil
}

// Flush finalizes pending audio. Only the first call reaches the engine.
func (a *Adapter) Flush(ctx context.Context) (Event, bool, error) {
	if a.flushed || a.closed {
		return Event{}, false, nil
	}
	a.flushed = true
	start := a.now()
	ev, ok, err := a.rec.Flush(ctx)
	a.observe(start)
	if err != nil {
		return Event{}, false, &RecognitionError{SessionID: a.sessionID, Err: err}
	}
	if ok {
		ev.Kind = Final
	}
	return ev, ok, nil
}

func (a *Adapter) Close() error {
	if a.closed {
		return nil
	}
	a.closed = true
	return a.rec.Close()
}

func (a *Adapter) Stats() Stats {
	return a.stats
}

func (a *Adapter) observe(start time.Time) {
	elapsed := a.now().Sub(start)
	a.stats.LastLatency = elapsed
	a.stats.RecognitionTime += elapsed
}
