// Package store persists completed transcription sessions.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

// ErrNotFound is returned by Get and Delete for unknown ids.
var ErrNotFound = errors.New("session not found")

// Record is the durable form of a completed session.
type Record struct {
	ID         string            `json:"id"`
	Transcript string            `json:"transcript"`
	WordCount  int               `json:"word_count"`
	Duration   float64           `json:"duration"`
	Metadata   map[string]string `json:"session_metadata"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// ListOptions pages through records, newest first.
type ListOptions struct {
	Offset int
	Limit  int
}

// Store is implemented by every persistence driver.
type Store interface {
	Create(ctx context.Context, rec Record) error
	List(ctx context.Context, opts ListOptions) ([]Record, error)
	Get(ctx context.Context, id string) (Record, error)
	Delete(ctx context.Context, id string) error
	// Prune applies the configured retention and reports how many records it removed.
	Prune(ctx context.Context) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}

const defaultListLimit = 100

// Open initializes the store driver selected by cfg.Driver.
func Open(ctx context.Context, cfg config.StoreConfig, log *slog.Logger) (Store, error) {
	log = log.With(slog.String("component", "store"), slog.String("driver", cfg.Driver))
	var (
		s   Store
		err error
	)
	switch cfg.Driver {
	case "sqlite", "":
		s, err = openSQLite(ctx, cfg, log)
	case "memory":
		s, err = openMemory(ctx, cfg, log)
	case "postgres":
		s, err = openPostgres(ctx, cfg, log)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

func encodeMetadata(md map[string]string) (string, error) {
	if md == nil {
		md = map[string]string{}
	}
	data, err := json.Marshal(md)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(data), nil
}

func decodeMetadata(raw []byte) (map[string]string, error) {
	md := map[string]string{}
	if len(raw) == 0 {
		return md, nil
	}
	if err := json.Unmarshal(raw, &md); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return md, nil
}

func normalizeList(opts ListOptions) ListOptions {
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	if opts.Limit <= 0 {
		opts.Limit = defaultListLimit
	}
	return opts
}
