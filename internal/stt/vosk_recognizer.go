//go:build vosk

package stt

import (
	"context"
	"fmt"

	vosk "github.com/alphacep/vosk-api/go"
	"github.com/loqalabs/loqa-scribe/internal/config"
)

type voskEngine struct {
	model      *vosk.VoskModel
	sampleRate float64
}

func newVoskEngine(cfg config.STTConfig) (*voskEngine, error) {
	vosk.SetLogLevel(-1)
	model, err := vosk.NewModel(cfg.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("load model %s: %w", cfg.ModelPath, err)
	}
	return &voskEngine{model: model, sampleRate: float64(cfg.SampleRate)}, nil
}

func (e *voskEngine) newRecognizer(string) (Recognizer, error) {
	rec, err := vosk.NewRecognizer(e.model, e.sampleRate)
	if err != nil {
		return nil, err
	}
	rec.SetWords(0)
	return &voskRecognizer{rec: rec}, nil
}

func (e *voskEngine) close() error {
	e.model.Free()
	return nil
}

// voskRecognizer keeps track of whether audio arrived since the last final so
// Flush only emits when something is pending.
type voskRecognizer struct {
	rec     *vosk.VoskRecognizer
	pending bool
}

func (r *voskRecognizer) Accept(_ context.Context, pcm []byte) (Event, error) {
	if r.rec == nil {
		return Event{}, fmt.Errorf("recognizer closed")
	}
	kind, err := acceptKind(r.rec.AcceptWaveform(pcm))
	if err != nil {
		return Event{}, err
	}
	if kind == Final {
		r.pending = false
		text, err := decodeVosk(r.rec.Result(), true)
		if err != nil {
			return Event{}, err
		}
		return Event{Kind: Final, Text: text}, nil
	}
	r.pending = true
	text, err := decodeVosk(r.rec.PartialResult(), false)
	if err != nil {
		return Event{}, err
	}
	return Event{Kind: Partial, Text: text}, nil
}

func (r *voskRecognizer) Flush(context.Context) (Event, bool, error) {
	if r.rec == nil || !r.pending {
		return Event{}, false, nil
	}
	r.pending = false
	text, err := decodeVosk(r.rec.FinalResult(), true)
	if err != nil {
		return Event{}, false, err
	}
	return Event{Kind: Final, Text: text}, true, nil
}

func (r *voskRecognizer) Close() error {
	if r.rec != nil {
		r.rec.Free()
		r.rec = nil
	}
	return nil
}
