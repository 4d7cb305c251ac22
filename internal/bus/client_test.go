package bus

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/natsserver"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
)

func TestPublishTranscriptRoutesBySubject(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1}, logger)
	if err != nil {
		t.Fatalf("start embedded nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	client, err := Connect(context.Background(), config.BusConfig{
		Servers:        []string{srv.ClientURL()},
		ConnectTimeout: 2000,
	}, logger)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	if !client.Healthy() {
		t.Fatal("expected healthy connection")
	}

	sub, err := client.Conn().SubscribeSync("stt.text.*")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	if err := client.PublishTranscript(protocol.Transcript{SessionID: "s1", Text: "hel", Partial: true}); err != nil {
		t.Fatalf("publish partial: %v", err)
	}
	if err := client.PublishTranscript(protocol.Transcript{SessionID: "s1", Text: "hello world"}); err != nil {
		t.Fatalf("publish final: %v", err)
	}

	for _, want := range []string{protocol.SubjectTranscriptPartial, protocol.SubjectTranscriptFinal} {
		msg, err := sub.NextMsg(2 * time.Second)
		if err != nil {
			t.Fatalf("next msg: %v", err)
		}
		if msg.Subject != want {
			t.Fatalf("expected subject %s, got %s", want, msg.Subject)
		}
		var tr protocol.Transcript
		if err := json.Unmarshal(msg.Data, &tr); err != nil || tr.SessionID != "s1" {
			t.Fatalf("unexpected payload %s err=%v", msg.Data, err)
		}
	}
}
