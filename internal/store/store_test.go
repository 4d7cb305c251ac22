package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openTestStore(t *testing.T, cfg config.StoreConfig) *SQLStore {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "sessions.db")
	}
	if cfg.Driver == "" {
		cfg.Driver = "sqlite"
	}
	s, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s.(*SQLStore)
}

func TestCreateAndGet(t *testing.T) {
	s := openTestStore(t, config.StoreConfig{})
	created := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := Record{
		ID:         "session-1",
		Transcript: "hello world",
		WordCount:  2,
		Duration:   1.5,
		Metadata:   map[string]string{"end_reason": "client_end"},
		CreatedAt:  created,
	}
	if err := s.Create(context.Background(), rec); err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := s.Get(context.Background(), "session-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Transcript != "hello world" || got.WordCount != 2 || got.Duration != 1.5 {
		t.Fatalf("unexpected record %+v", got)
	}
	if got.Metadata["end_reason"] != "client_end" {
		t.Fatalf("metadata not preserved: %v", got.Metadata)
	}
	if !got.CreatedAt.Equal(created) {
		t.Fatalf("expected created_at %s, got %s", created, got.CreatedAt)
	}
	if err := s.Create(context.Background(), rec); err == nil {
		t.Fatal("expected duplicate id to fail")
	}
}

func TestGetAndDeleteUnknown(t *testing.T) {
	s := openTestStore(t, config.StoreConfig{Driver: "memory"})
	if _, err := s.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.Delete(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListNewestFirstWithPaging(t *testing.T) {
	s := openTestStore(t, config.StoreConfig{Driver: "memory"})
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		rec := Record{ID: id, CreatedAt: base.Add(time.Duration(i) * time.Minute)}
		if err := s.Create(context.Background(), rec); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	all, err := s.List(context.Background(), ListOptions{Limit: 10})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 || all[0].ID != "c" || all[2].ID != "a" {
		t.Fatalf("unexpected order %v", ids(all))
	}
	page, err := s.List(context.Background(), ListOptions{Offset: 1, Limit: 1})
	if err != nil {
		t.Fatalf("list page: %v", err)
	}
	if len(page) != 1 || page[0].ID != "b" {
		t.Fatalf("unexpected page %v", ids(page))
	}

	if err := s.Delete(context.Background(), "b"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	all, _ = s.List(context.Background(), ListOptions{})
	if len(all) != 2 {
		t.Fatalf("expected 2 records after delete, got %v", ids(all))
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	s := openTestStore(t, config.StoreConfig{RetentionDays: 1, MaxSessions: 1})

	s.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := s.Create(context.Background(), Record{ID: "old-session"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	s.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	for _, id := range []string{"new-1", "new-2"} {
		if err := s.Create(context.Background(), Record{ID: id}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	removed, err := s.Prune(context.Background())
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 removed, got %d", removed)
	}
	left, _ := s.List(context.Background(), ListOptions{})
	if len(left) != 1 || left[0].ID != "new-2" {
		t.Fatalf("unexpected survivors %v", ids(left))
	}
}

func TestPruneDisabledIsNoop(t *testing.T) {
	s := openTestStore(t, config.StoreConfig{Driver: "memory"})
	if err := s.Create(context.Background(), Record{ID: "keep"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	removed, err := s.Prune(context.Background())
	if err != nil || removed != 0 {
		t.Fatalf("expected no-op prune, removed=%d err=%v", removed, err)
	}
}

func ids(recs []Record) []string {
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.ID)
	}
	return out
}
