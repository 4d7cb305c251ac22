package stt

import (
	"context"
	"strings"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/audio"
)

var mockVocabulary = []string{"the", "quick", "brown", "fox", "jumps", "over", "the", "lazy", "dog"}

const mockWordDuration = 200 * time.Millisecond

// mockRecognizer is a deterministic engine: one word per 200ms of audio,
// committed once an utterance reaches the configured length.
type mockRecognizer struct {
	utteranceBytes int64
	wordBytes      int64
	pending        int64
	word           int
}

func NewMockRecognizer(sampleRate int, utterance time.Duration) Recognizer {
	wordBytes := audio.BytesFor(mockWordDuration, sampleRate)
	if wordBytes <= 0 {
		wordBytes = audio.SampleWidth
	}
	utteranceBytes := audio.BytesFor(utterance, sampleRate)
	if utteranceBytes < wordBytes {
		utteranceBytes = wordBytes
	}
	return &mockRecognizer{utteranceBytes: utteranceBytes, wordBytes: wordBytes}
}

func (m *mockRecognizer) Accept(_ context.Context, pcm []byte) (Event, error) {
	m.pending += int64(len(pcm))
	if m.pending >= m.utteranceBytes {
		text := m.text()
		m.commit()
		return Event{Kind: Final, Text: text}, nil
	}
	return Event{Kind: Partial, Text: m.text()}, nil
}

func (m *mockRecognizer) Flush(context.Context) (Event, bool, error) {
	if m.pending == 0 {
		return Event{}, false, nil
	}
	text := m.text()
	m.commit()
	if text == "" {
		// less than one word of audio
		return Event{}, false, nil
	}
	return Event{Kind: Final, Text: text}, true, nil
}

func (m *mockRecognizer) Close() error { return nil }

func (m *mockRecognizer) text() string {
	n := int(m.pending / m.wordBytes)
	words := make([]string, 0, n)
	for i := 0; i < n; i++ {
		words = append(words, mockVocabulary[(m.word+i)%len(mockVocabulary)])
	}
	return strings.Join(words, " ")
}

func (m *mockRecognizer) commit() {
	m.word += int(m.pending / m.wordBytes)
	m.pending = 0
}
