package stt

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

// Factory builds one Recognizer per session from the configured engine.
// Shared engine resources (a loaded model) live on the Factory.
type Factory struct {
	cfg    config.STTConfig
	logger *slog.Logger
	build  func(sessionID string) (Recognizer, error)
	close  func() error
}

func NewFactory(cfg config.STTConfig, logger *slog.Logger) (*Factory, error) {
	f := &Factory{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "stt"), slog.String("mode", cfg.Mode)),
		close:  func() error { return nil },
	}

	switch cfg.Mode {
	case "mock":
		utterance := time.Duration(cfg.MockUtteranceMS) * time.Millisecond
		f.build = func(string) (Recognizer, error) {
			return NewMockRecognizer(cfg.SampleRate, utterance), nil
		}
	case "exec":
		if _, err := parseCommand(cfg.Command); err != nil {
			return nil, err
		}
		f.build = func(string) (Recognizer, error) {
			return NewExecRecognizer(cfg)
		}
	case "vosk":
		engine, err := newVoskEngine(cfg)
		if err != nil {
			return nil, fmt.Errorf("init vosk engine: %w", err)
		}
		f.build = engine.newRecognizer
		f.close = engine.close
	default:
		return nil, fmt.Errorf("unsupported stt mode %q", cfg.Mode)
	}

	f.logger.Info("stt engine ready",
		slog.Int("sample_rate", cfg.SampleRate),
		slog.String("language", cfg.Language))
	return f, nil
}

// NewRecognizer returns a fresh engine instance; recognizers are never shared.
func (f *Factory) NewRecognizer(sessionID string) (Recognizer, error) {
	rec, err := f.build(sessionID)
	if err != nil {
		return nil, &RecognitionError{SessionID: sessionID, Err: err}
	}
	return rec, nil
}

func (f *Factory) SampleRate() int {
	return f.cfg.SampleRate
}

func (f *Factory) Close() error {
	if err := f.close(); err != nil {
		f.logger.Warn("stt engine close failed", slogError(err))
		return err
	}
	return nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
