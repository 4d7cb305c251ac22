//go:build !vosk

package stt

import (
	"errors"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

type voskEngine struct{}

func newVoskEngine(config.STTConfig) (*voskEngine, error) {
	return nil, errors.New("binary built without vosk support (rebuild with -tags vosk)")
}

func (e *voskEngine) newRecognizer(string) (Recognizer, error) {
	return nil, errors.New("vosk support not compiled in")
}

func (e *voskEngine) close() error { return nil }
