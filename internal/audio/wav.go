package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WAV describes decoded PCM16 audio.
type WAV struct {
	SampleRate int
	Channels   int
	PCM        []byte
}

// WriteWAV encodes PCM16 little-endian samples as a WAV stream.
func WriteWAV(w io.WriteSeeker, pcm []byte, sampleRate, channels int) error {
	if len(pcm)%SampleWidth != 0 {
		return fmt.Errorf("%w: pcm payload not aligned", ErrInvalidAudioFormat)
	}
	buffer := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: sampleRate},
		SourceBitDepth: 16,
	}
	samples := make([]int, len(pcm)/SampleWidth)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*SampleWidth:])))
	}
	buffer.Data = samples

	enc := wav.NewEncoder(w, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

// ReadWAV decodes a 16-bit PCM WAV stream.
func ReadWAV(r io.ReadSeeker) (WAV, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return WAV{}, errors.New("not a valid wav file")
	}
	if dec.BitDepth != 16 {
		return WAV{}, fmt.Errorf("unsupported bit depth %d, want 16", dec.BitDepth)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return WAV{}, fmt.Errorf("decode wav: %w", err)
	}
	pcm := make([]byte, len(buf.Data)*SampleWidth)
	for i, s := range buf.Data {
		binary.LittleEndian.PutUint16(pcm[i*SampleWidth:], uint16(int16(s)))
	}
	return WAV{
		SampleRate: int(dec.SampleRate),
		Channels:   int(dec.NumChans),
		PCM:        pcm,
	}, nil
}
