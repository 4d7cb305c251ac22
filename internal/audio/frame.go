package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

// SampleWidth is the size in bytes of one signed 16-bit little-endian sample.
const SampleWidth = 2

// ErrInvalidAudioFormat marks an inbound chunk that cannot be PCM16 audio.
var ErrInvalidAudioFormat = errors.New("invalid audio format")

// Frame is one validated inbound audio chunk.
type Frame struct {
	Seq int
	PCM []byte
}

// FrameBuffer validates inbound binary messages for a single session. It does
// not reframe or queue: each accepted chunk is handed straight to the caller.
type FrameBuffer struct {
	sampleRate int
	frames     int
	bytes      int64
}

func NewFrameBuffer(sampleRate int) *FrameBuffer {
	return &FrameBuffer{sampleRate: sampleRate}
}

// Accept validates chunk and returns it as the next frame in sequence.
func (b *FrameBuffer) Accept(chunk []byte) (Frame, error) {
	if len(chunk) == 0 {
		return Frame{}, fmt.Errorf("%w: empty chunk", ErrInvalidAudioFormat)
	}
	if len(chunk)%SampleWidth != 0 {
		return Frame{}, fmt.Errorf("%w: %d bytes is not a whole number of 16-bit samples", ErrInvalidAudioFormat, len(chunk))
	}
	b.frames++
	b.bytes += int64(len(chunk))
	return Frame{Seq: b.frames, PCM: chunk}, nil
}

// BytesReceived reports the audio bytes accepted so far.
func (b *FrameBuffer) BytesReceived() int64 {
	return b.bytes
}

func (b *FrameBuffer) Frames() int {
	return b.frames
}

// Duration is the audio time accepted so far.
func (b *FrameBuffer) Duration() time.Duration {
	return Duration(b.bytes, b.sampleRate)
}

// Duration converts a PCM16 mono byte count into audio time.
func Duration(n int64, sampleRate int) time.Duration {
	if sampleRate <= 0 || n <= 0 {
		return 0
	}
	samples := n / SampleWidth
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}

// BytesFor converts an audio duration into a PCM16 mono byte count.
func BytesFor(d time.Duration, sampleRate int) int64 {
	if d <= 0 || sampleRate <= 0 {
		return 0
	}
	samples := int64(d) * int64(sampleRate) / int64(time.Second)
	return samples * SampleWidth
}

// RMS returns the root-mean-square energy of a PCM16 frame, normalized to [0, 1].
func RMS(pcm []byte) float64 {
	n := len(pcm) / SampleWidth
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i*SampleWidth:]))) / 32768.0
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}
