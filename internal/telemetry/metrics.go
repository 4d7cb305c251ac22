package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the session instruments. A nil *Metrics records nothing.
type Metrics struct {
	sessionsStarted     metric.Int64Counter
	sessionsEnded       metric.Int64Counter
	activeSessions      metric.Int64UpDownCounter
	audioBytes          metric.Int64Counter
	chunksRejected      metric.Int64Counter
	recognitionLatency  metric.Float64Histogram
	persistenceFailures metric.Int64Counter
}

func NewMetrics(meter metric.Meter) (*Metrics, error) {
	var (
		m   Metrics
		err error
	)
	if m.sessionsStarted, err = meter.Int64Counter("scribe_sessions_started",
		metric.WithDescription("Transcription sessions accepted")); err != nil {
		return nil, fmt.Errorf("sessions_started: %w", err)
	}
	if m.sessionsEnded, err = meter.Int64Counter("scribe_sessions_ended",
		metric.WithDescription("Transcription sessions ended, by end reason")); err != nil {
		return nil, fmt.Errorf("sessions_ended: %w", err)
	}
	if m.activeSessions, err = meter.Int64UpDownCounter("scribe_sessions_active",
		metric.WithDescription("Live transcription sessions")); err != nil {
		return nil, fmt.Errorf("sessions_active: %w", err)
	}
	if m.audioBytes, err = meter.Int64Counter("scribe_audio_bytes",
		metric.WithUnit("By"),
		metric.WithDescription("PCM bytes accepted")); err != nil {
		return nil, fmt.Errorf("audio_bytes: %w", err)
	}
	if m.chunksRejected, err = meter.Int64Counter("scribe_chunks_rejected",
		metric.WithDescription("Audio chunks rejected as malformed")); err != nil {
		return nil, fmt.Errorf("chunks_rejected: %w", err)
	}
	if m.recognitionLatency, err = meter.Float64Histogram("scribe_recognition_latency",
		metric.WithUnit("s"),
		metric.WithDescription("Time spent in the recognition engine per call")); err != nil {
		return nil, fmt.Errorf("recognition_latency: %w", err)
	}
	if m.persistenceFailures, err = meter.Int64Counter("scribe_persistence_failures",
		metric.WithDescription("Sessions whose record could not be stored")); err != nil {
		return nil, fmt.Errorf("persistence_failures: %w", err)
	}
	return &m, nil
}

func (m *Metrics) SessionStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.sessionsStarted.Add(ctx, 1)
	m.activeSessions.Add(ctx, 1)
}

func (m *Metrics) SessionEnded(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.sessionsEnded.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	m.activeSessions.Add(ctx, -1)
}

func (m *Metrics) AudioReceived(ctx context.Context, n int) {
	if m == nil {
		return
	}
	m.audioBytes.Add(ctx, int64(n))
}

func (m *Metrics) ChunkRejected(ctx context.Context) {
	if m == nil {
		return
	}
	m.chunksRejected.Add(ctx, 1)
}

func (m *Metrics) RecognitionLatency(ctx context.Context, d time.Duration) {
	if m == nil {
		return
	}
	m.recognitionLatency.Record(ctx, d.Seconds())
}

func (m *Metrics) PersistenceFailed(ctx context.Context) {
	if m == nil {
		return
	}
	m.persistenceFailures.Add(ctx, 1)
}
