package stt

import (
	"encoding/json"
	"errors"
	"fmt"
)

var errVoskAccept = errors.New("vosk accept waveform failed")

type voskResult struct {
	Partial string `json:"partial,omitempty"`
	Text    string `json:"text,omitempty"`
}

// acceptKind maps the return code of vosk_recognizer_accept_waveform: 1 ends
// an utterance, 0 keeps it open, negative values are engine exceptions.
func acceptKind(code int) (Kind, error) {
	switch {
	case code > 0:
		return Final, nil
	case code == 0:
		return Partial, nil
	default:
		return 0, fmt.Errorf("%w: code %d", errVoskAccept, code)
	}
}

func decodeVosk(raw string, final bool) (string, error) {
	var res voskResult
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return "", fmt.Errorf("decode vosk result: %w", err)
	}
	if final {
		return res.Text, nil
	}
	return res.Partial, nil
}
