package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/spf13/cobra"
)

var (
	streamURL      string
	streamChunk    int
	streamRealtime bool
)

var streamCmd = &cobra.Command{
	Use:   "stream <file.wav>",
	Short: "Stream a 16-bit PCM WAV file to a running server and print transcripts",
	Args:  cobra.ExactArgs(1),
	RunE:  runStream,
}

func init() {
	streamCmd.Flags().StringVar(&streamURL, "url", "ws://localhost:8000/ws/transcribe", "Transcription WebSocket endpoint")
	streamCmd.Flags().IntVar(&streamChunk, "chunk-bytes", 4000, "Bytes of PCM per binary message")
	streamCmd.Flags().BoolVar(&streamRealtime, "realtime", false, "Pace chunks at playback speed")
}

type serverEvent struct {
	Type            string `json:"type"`
	ID              string `json:"id"`
	Text            string `json:"text"`
	SessionComplete bool   `json:"session_complete"`
}

func runStream(cmd *cobra.Command, args []string) error {
	if streamChunk <= 0 || streamChunk%audio.SampleWidth != 0 {
		return fmt.Errorf("chunk-bytes must be a positive multiple of %d", audio.SampleWidth)
	}

	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()
	clip, err := audio.ReadWAV(f)
	if err != nil {
		return fmt.Errorf("read %s: %w", args[0], err)
	}
	if clip.Channels != 1 {
		fmt.Fprintf(os.Stderr, "warning: %d channels, server expects mono\n", clip.Channels)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, streamURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", streamURL, err)
	}
	defer conn.Close()

	done := make(chan error, 1)
	go func() { done <- printEvents(conn) }()

	chunkDuration := audio.Duration(int64(streamChunk), clip.SampleRate)
	for off := 0; off < len(clip.PCM); off += streamChunk {
		end := min(off+streamChunk, len(clip.PCM))
		if err := conn.WriteMessage(websocket.BinaryMessage, clip.PCM[off:end]); err != nil {
			return fmt.Errorf("send audio: %w", err)
		}
		if streamRealtime {
			select {
			case <-time.After(chunkDuration):
			case <-ctx.Done():
				return sendEnd(conn, done)
			}
		}
	}
	return sendEnd(conn, done)
}

func sendEnd(conn *websocket.Conn, done <-chan error) error {
	end, _ := json.Marshal(protocol.ControlMessage{Action: protocol.ActionEndAudio})
	if err := conn.WriteMessage(websocket.TextMessage, end); err != nil {
		return fmt.Errorf("send end_audio: %w", err)
	}
	select {
	case err := <-done:
		return err
	case <-time.After(30 * time.Second):
		return errors.New("timed out waiting for session completion")
	}
}

func printEvents(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		var ev serverEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			fmt.Fprintf(os.Stderr, "unreadable event: %s\n", data)
			continue
		}
		switch {
		case ev.SessionComplete:
			fmt.Println("[complete]")
		case ev.Type == protocol.TypeSessionID:
			fmt.Printf("[session] %s\n", ev.ID)
		case ev.Type == protocol.TypePartial:
			fmt.Printf("  ... %s\n", ev.Text)
		case ev.Type == protocol.TypeFinal:
			fmt.Printf("[final] %s\n", ev.Text)
		case ev.Type == protocol.TypeError:
			fmt.Fprintf(os.Stderr, "[error] %s\n", ev.Text)
		}
	}
}
