package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/store"
)

// Creator is the only store operation a session needs.
type Creator interface {
	Create(ctx context.Context, rec store.Record) error
}

// Bridge turns completed sessions into durable records.
type Bridge struct {
	store   Creator
	timeout time.Duration
	log     *slog.Logger
}

func NewBridge(s Creator, timeout time.Duration, log *slog.Logger) *Bridge {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Bridge{store: s, timeout: timeout, log: log.With(slog.String("component", "persistence"))}
}

// Persist stores rec once. The write runs detached from ctx cancellation so a
// closing connection cannot abort it, but is bounded by the write timeout.
// Failures are not retried.
func (b *Bridge) Persist(ctx context.Context, rec store.Record) error {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.timeout)
	defer cancel()

	start := time.Now()
	if err := b.store.Create(writeCtx, rec); err != nil {
		b.log.Error("failed to persist session",
			slog.String("session_id", rec.ID),
			slog.Int("word_count", rec.WordCount),
			slog.String("error", err.Error()))
		return fmt.Errorf("%w: %v", ErrPersistenceFailure, err)
	}
	b.log.Info("session persisted",
		slog.String("session_id", rec.ID),
		slog.Int("word_count", rec.WordCount),
		slog.Float64("duration", rec.Duration),
		slog.Duration("elapsed", time.Since(start)))
	return nil
}
