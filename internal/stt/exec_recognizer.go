package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/mattn/go-shellwords"
)

type transcribeFunc func(ctx context.Context, pcm []byte, partial bool) (string, error)

// execRecognizer runs an external batch transcriber on each utterance. The
// endpointer decides where utterances end; between boundaries the command is
// re-run on the growing utterance to refresh the partial hypothesis.
type execRecognizer struct {
	transcribe   transcribeFunc
	ep           *endpointer
	partialBytes int64

	utterance   []byte
	lastPartial int64
	lastText    string
}

type execResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

func parseCommand(command string) ([]string, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("stt command is empty")
	}
	return args, nil
}

func NewExecRecognizer(cfg config.STTConfig) (Recognizer, error) {
	args, err := parseCommand(cfg.Command)
	if err != nil {
		return nil, err
	}
	return newExecRecognizer(cfg, commandTranscriber(args, cfg)), nil
}

func newExecRecognizer(cfg config.STTConfig, fn transcribeFunc) *execRecognizer {
	return &execRecognizer{
		transcribe: fn,
		ep: newEndpointer(
			cfg.SilenceThreshold,
			time.Duration(cfg.EndpointSilenceMS)*time.Millisecond,
			time.Duration(cfg.MaxUtteranceMS)*time.Millisecond,
			cfg.SampleRate,
		),
		partialBytes: audio.BytesFor(time.Duration(cfg.PartialEveryMS)*time.Millisecond, cfg.SampleRate),
	}
}

func (r *execRecognizer) Accept(ctx context.Context, pcm []byte) (Event, error) {
	keep, b := r.ep.push(pcm)
	if !keep {
		return Event{Kind: Partial, Text: r.lastText}, nil
	}
	r.utterance = append(r.utterance, pcm...)

	if b != boundaryNone {
		text, err := r.transcribe(ctx, r.utterance, false)
		r.reset()
		if err != nil {
			return Event{}, err
		}
		return Event{Kind: Final, Text: text}, nil
	}

	if r.partialBytes > 0 && int64(len(r.utterance))-r.lastPartial >= r.partialBytes {
		text, err := r.transcribe(ctx, r.utterance, true)
		if err != nil {
			return Event{}, err
		}
		r.lastPartial = int64(len(r.utterance))
		r.lastText = text
	}
	return Event{Kind: Partial, Text: r.lastText}, nil
}

func (r *execRecognizer) Flush(ctx context.Context) (Event, bool, error) {
	if !r.ep.active() {
		return Event{}, false, nil
	}
	text, err := r.transcribe(ctx, r.utterance, false)
	r.reset()
	if err != nil {
		return Event{}, false, err
	}
	return Event{Kind: Final, Text: text}, true, nil
}

func (r *execRecognizer) Close() error {
	r.reset()
	return nil
}

func (r *execRecognizer) reset() {
	r.ep.reset()
	r.utterance = r.utterance[:0]
	r.lastPartial = 0
	r.lastText = ""
}

func commandTranscriber(cmd []string, cfg config.STTConfig) transcribeFunc {
	return func(ctx context.Context, pcm []byte, partial bool) (string, error) {
		file, err := os.CreateTemp(os.TempDir(), "scribe_stt_*.wav")
		if err != nil {
			return "", fmt.Errorf("temp file: %w", err)
		}
		defer os.Remove(file.Name())
		defer file.Close()

		if err := audio.WriteWAV(file, pcm, cfg.SampleRate, cfg.Channels); err != nil {
			return "", err
		}

		base := cmd[0]
		cmdArgs := append([]string{}, cmd[1:]...)
		cmdArgs = append(cmdArgs, "--audio", file.Name())
		if cfg.ModelPath != "" {
			cmdArgs = append(cmdArgs, "--model", cfg.ModelPath)
		}
		if cfg.Language != "" {
			cmdArgs = append(cmdArgs, "--language", cfg.Language)
		}
		if partial {
			cmdArgs = append(cmdArgs, "--partial")
		}

		command := exec.CommandContext(ctx, base, cmdArgs...)
		var stdout bytes.Buffer
		var stderr bytes.Buffer
		command.Stdout = &stdout
		command.Stderr = &stderr

		if err := command.Run(); err != nil {
			return "", fmt.Errorf("stt command failed: %w: %s", err, stderr.String())
		}

		var resp execResult
		if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
			return "", fmt.Errorf("decode stt response: %w", err)
		}
		return strings.TrimSpace(resp.Text), nil
	}
}
