// Package session runs the per-connection transcription protocol.
package session

import (
	"context"
	"errors"
)

// State is a session's position in its lifecycle. Transitions only move
// forward: Created, Streaming, Draining, Completed.
type State int

const (
	Created State = iota
	Streaming
	Draining
	Completed
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Streaming:
		return "streaming"
	case Draining:
		return "draining"
	case Completed:
		return "completed"
	default:
		return "unknown"
	}
}

// EndReason records why a session stopped accepting input.
type EndReason string

const (
	EndClientRequest      EndReason = "client_end"
	EndIdleTimeout        EndReason = "idle_timeout"
	EndShutdown           EndReason = "shutdown"
	EndDisconnect         EndReason = "disconnect"
	EndRecognitionFailure EndReason = "recognition_failure"
)

var (
	// ErrTransportClosed reports that the peer went away; nothing more can be sent.
	ErrTransportClosed = errors.New("transport closed")
	// ErrPersistenceFailure wraps store errors raised while saving a session.
	ErrPersistenceFailure = errors.New("persistence failure")
)

type MessageKind int

const (
	BinaryMessage MessageKind = iota + 1
	TextMessage
)

// Message is one inbound frame from the client.
type Message struct {
	Kind MessageKind
	Data []byte
}

// Transport is the session's view of a client connection. Receive must honor
// ctx without tearing down the connection, so an expired idle deadline leaves
// the transport usable for the drain handshake.
type Transport interface {
	Receive(ctx context.Context) (Message, error)
	Send(ctx context.Context, v any) error
	// Close ends the connection, waiting until ctx is done for the peer to
	// acknowledge.
	Close(ctx context.Context) error
}
