package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-scribe/internal/session"
)

const writeWait = 10 * time.Second

// wsTransport adapts a gorilla connection to session.Transport. A single
// reader goroutine owns ReadMessage; the session goroutine is the only writer
// apart from the close control frame.
type wsTransport struct {
	conn     *websocket.Conn
	inbound  chan session.Message
	readDone chan struct{}
	readErr  error
	closing  chan struct{}
	once     sync.Once
}

func newWSTransport(conn *websocket.Conn, maxMessageBytes int64) *wsTransport {
	if maxMessageBytes > 0 {
		conn.SetReadLimit(maxMessageBytes)
	}
	t := &wsTransport{
		conn:     conn,
		inbound:  make(chan session.Message),
		readDone: make(chan struct{}),
		closing:  make(chan struct{}),
	}
	go t.readLoop()
	return t
}

func (t *wsTransport) readLoop() {
	defer close(t.readDone)
	for {
		mt, data, err := t.conn.ReadMessage()
		if err != nil {
			t.readErr = err
			return
		}
		var kind session.MessageKind
		switch mt {
		case websocket.BinaryMessage:
			kind = session.BinaryMessage
		case websocket.TextMessage:
			kind = session.TextMessage
		default:
			continue
		}
		select {
		case t.inbound <- session.Message{Kind: kind, Data: data}:
		case <-t.closing:
			// keep reading so the peer's close frame is observed
		}
	}
}

func (t *wsTransport) Receive(ctx context.Context) (session.Message, error) {
	select {
	case msg := <-t.inbound:
		return msg, nil
	case <-t.readDone:
		return session.Message{}, fmt.Errorf("%w: %v", session.ErrTransportClosed, t.readErr)
	case <-ctx.Done():
		return session.Message{}, ctx.Err()
	}
}

func (t *wsTransport) Send(ctx context.Context, v any) error {
	_ = t.conn.SetWriteDeadline(deadlineFrom(ctx))
	if err := t.conn.WriteJSON(v); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// Close sends a normal close frame and waits until ctx is done for the peer to
// answer, then drops the connection regardless.
func (t *wsTransport) Close(ctx context.Context) error {
	var err error
	t.once.Do(func() {
		close(t.closing)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if werr := t.conn.WriteControl(websocket.CloseMessage, msg, deadlineFrom(ctx)); werr != nil && !errors.Is(werr, websocket.ErrCloseSent) {
			err = werr
		}
		if err == nil {
			select {
			case <-t.readDone:
			case <-ctx.Done():
				err = ctx.Err()
			}
		}
		t.conn.Close()
		<-t.readDone
	})
	return err
}

func deadlineFrom(ctx context.Context) time.Time {
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		return d
	}
	return deadline
}
