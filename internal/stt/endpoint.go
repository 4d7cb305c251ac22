package stt

import (
	"time"

	"github.com/loqalabs/loqa-scribe/internal/audio"
)

type boundary int

const (
	boundaryNone boundary = iota
	boundarySilence
	boundaryMaxLength
)

// endpointer tracks utterance boundaries using frame energy. Byte counts are
// PCM16 mono at the configured sample rate.
type endpointer struct {
	threshold    float64
	silenceBytes int64
	maxBytes     int64

	length  int64
	silence int64
}

func newEndpointer(threshold float64, silence, maxUtterance time.Duration, sampleRate int) *endpointer {
	return &endpointer{
		threshold:    threshold,
		silenceBytes: audio.BytesFor(silence, sampleRate),
		maxBytes:     audio.BytesFor(maxUtterance, sampleRate),
	}
}

// push reports whether pcm belongs to an utterance and whether the utterance
// ended with it. Silence before any speech is not kept.
func (e *endpointer) push(pcm []byte) (keep bool, b boundary) {
	voiced := audio.RMS(pcm) >= e.threshold
	if e.length == 0 && !voiced {
		return false, boundaryNone
	}
	e.length += int64(len(pcm))
	if voiced {
		e.silence = 0
	} else {
		e.silence += int64(len(pcm))
	}
	switch {
	case e.silenceBytes > 0 && e.silence >= e.silenceBytes:
		return true, boundarySilence
	case e.maxBytes > 0 && e.length >= e.maxBytes:
		return true, boundaryMaxLength
	}
	return true, boundaryNone
}

func (e *endpointer) active() bool { return e.length > 0 }

func (e *endpointer) reset() {
	e.length = 0
	e.silence = 0
}
