package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Outbound WebSocket message types.
const (
	TypeSessionID = "session_id"
	TypePartial   = "partial"
	TypeFinal     = "final"
	TypeError     = "error"
)

// ActionEndAudio is the only control action a client may send.
const ActionEndAudio = "end_audio"

// SessionIDMessage is always the first message on a stream.
type SessionIDMessage struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// TranscriptMessage carries partial, final and error text to the client.
type TranscriptMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// CompleteMessage is the last message of a gracefully completed stream.
type CompleteMessage struct {
	SessionComplete bool `json:"session_complete"`
}

// ControlMessage is an inbound text frame.
type ControlMessage struct {
	Action string `json:"action"`
}

var ErrInvalidControl = errors.New("invalid control message")

// ParseControl decodes an inbound text frame and checks the action is known.
func ParseControl(data []byte) (ControlMessage, error) {
	var msg ControlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ControlMessage{}, fmt.Errorf("%w: %v", ErrInvalidControl, err)
	}
	if msg.Action != ActionEndAudio {
		return msg, fmt.Errorf("%w: unknown action %q", ErrInvalidControl, msg.Action)
	}
	return msg, nil
}

func NewSessionID(id string) SessionIDMessage {
	return SessionIDMessage{Type: TypeSessionID, ID: id}
}

func NewPartial(text string) TranscriptMessage {
	return TranscriptMessage{Type: TypePartial, Text: text}
}

func NewFinal(text string) TranscriptMessage {
	return TranscriptMessage{Type: TypeFinal, Text: text}
}

func NewError(text string) TranscriptMessage {
	return TranscriptMessage{Type: TypeError, Text: text}
}

func NewComplete() CompleteMessage {
	return CompleteMessage{SessionComplete: true}
}

// Transcript represents STT output broadcast on the bus.
type Transcript struct {
	SessionID string    `json:"session_id"`
	Text      string    `json:"text"`
	Partial   bool      `json:"partial"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionCompleted summarizes a finished session on the bus.
type SessionCompleted struct {
	SessionID string    `json:"session_id"`
	WordCount int       `json:"word_count"`
	Duration  float64   `json:"duration"`
	EndReason string    `json:"end_reason"`
	Persisted bool      `json:"persisted"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectTranscriptPartial = "stt.text.partial"
	SubjectTranscriptFinal   = "stt.text.final"
	SubjectSessionCompleted  = "session.completed"
)
