package audio

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestAcceptRejectsEmptyAndOddChunks(t *testing.T) {
	buf := NewFrameBuffer(16000)
	if _, err := buf.Accept(nil); !errors.Is(err, ErrInvalidAudioFormat) {
		t.Fatalf("expected ErrInvalidAudioFormat for empty chunk, got %v", err)
	}
	if _, err := buf.Accept([]byte{1, 2, 3}); !errors.Is(err, ErrInvalidAudioFormat) {
		t.Fatalf("expected ErrInvalidAudioFormat for odd chunk, got %v", err)
	}
	if buf.BytesReceived() != 0 || buf.Frames() != 0 {
		t.Fatalf("rejected chunks must not be counted, got bytes=%d frames=%d", buf.BytesReceived(), buf.Frames())
	}
}

func TestAcceptSequencesFrames(t *testing.T) {
	buf := NewFrameBuffer(16000)
	for i := 1; i <= 3; i++ {
		frame, err := buf.Accept(make([]byte, 3200))
		if err != nil {
			t.Fatalf("accept: %v", err)
		}
		if frame.Seq != i {
			t.Fatalf("expected seq %d, got %d", i, frame.Seq)
		}
	}
	if buf.BytesReceived() != 9600 {
		t.Fatalf("expected 9600 bytes, got %d", buf.BytesReceived())
	}
	if buf.Duration() != 300*time.Millisecond {
		t.Fatalf("expected 300ms, got %s", buf.Duration())
	}
}

func TestDurationAndBytesFor(t *testing.T) {
	if d := Duration(32000, 16000); d != time.Second {
		t.Fatalf("expected 1s, got %s", d)
	}
	if n := BytesFor(500*time.Millisecond, 16000); n != 16000 {
		t.Fatalf("expected 16000 bytes, got %d", n)
	}
	if d := Duration(100, 0); d != 0 {
		t.Fatalf("expected zero duration for zero rate, got %s", d)
	}
}

func TestRMS(t *testing.T) {
	if RMS(make([]byte, 320)) != 0 {
		t.Fatal("silence should have zero energy")
	}
	loud := make([]byte, 320)
	for i := 0; i < len(loud)/2; i++ {
		binary.LittleEndian.PutUint16(loud[i*2:], uint16(int16(16384)))
	}
	if got := RMS(loud); got < 0.49 || got > 0.51 {
		t.Fatalf("expected rms near 0.5, got %f", got)
	}
}

func TestWAVRoundTrip(t *testing.T) {
	pcm := make([]byte, 640)
	for i := 0; i < len(pcm)/2; i++ {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(i*50-4000)))
	}
	path := filepath.Join(t.TempDir(), "clip.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := WriteWAV(f, pcm, 16000, 1); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	f.Close()

	f, err = os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	decoded, err := ReadWAV(f)
	if err != nil {
		t.Fatalf("read wav: %v", err)
	}
	if decoded.SampleRate != 16000 || decoded.Channels != 1 {
		t.Fatalf("unexpected format: %+v", decoded)
	}
	if string(decoded.PCM) != string(pcm) {
		t.Fatal("decoded pcm does not match input")
	}
}
