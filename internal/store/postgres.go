package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/loqalabs/loqa-scribe/internal/config"
)

// PGStore keeps sessions in PostgreSQL.
type PGStore struct {
	pool  *pgxpool.Pool
	cfg   config.StoreConfig
	log   *slog.Logger
	clock func() time.Time
}

func openPostgres(ctx context.Context, cfg config.StoreConfig, log *slog.Logger) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &PGStore{pool: pool, cfg: cfg, log: log, clock: time.Now}
	if _, err := pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS transcription_sessions (
    id TEXT PRIMARY KEY,
    transcript TEXT NOT NULL DEFAULT '',
    word_count INTEGER NOT NULL DEFAULT 0,
    duration DOUBLE PRECISION NOT NULL DEFAULT 0,
    session_metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transcription_sessions_created ON transcription_sessions(created_at);
`); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	if _, err := s.Prune(ctx); err != nil {
		log.Warn("session store prune on start failed", slog.String("error", err.Error()))
	}
	log.Info("connected to postgres")
	return s, nil
}

func (s *PGStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PGStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PGStore) Create(ctx context.Context, rec Record) error {
	now := s.clock().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	md, err := encodeMetadata(rec.Metadata)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO transcription_sessions(id, transcript, word_count, duration, session_metadata, created_at, updated_at)
		 VALUES($1, $2, $3, $4, $5::jsonb, $6, $7)`,
		rec.ID, rec.Transcript, rec.WordCount, rec.Duration, md, rec.CreatedAt.UTC(), now)
	if err != nil {
		return fmt.Errorf("insert session %s: %w", rec.ID, err)
	}
	return nil
}

func (s *PGStore) List(ctx context.Context, opts ListOptions) ([]Record, error) {
	opts = normalizeList(opts)
	rows, err := s.pool.Query(ctx,
		`SELECT id, transcript, word_count, duration, session_metadata::text, created_at, updated_at
		 FROM transcription_sessions ORDER BY created_at DESC, id DESC LIMIT $1 OFFSET $2`,
		opts.Limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		rec, err := scanPGRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *PGStore) Get(ctx context.Context, id string) (Record, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, transcript, word_count, duration, session_metadata::text, created_at, updated_at
		 FROM transcription_sessions WHERE id = $1`, id)
	rec, err := scanPGRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	return rec, err
}

func (s *PGStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM transcription_sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) Prune(ctx context.Context) (int64, error) {
	if s.cfg.RetentionDays <= 0 && s.cfg.MaxSessions <= 0 {
		return 0, nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	var removed int64
	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UTC()
		tag, err := tx.Exec(ctx, `DELETE FROM transcription_sessions WHERE created_at < $1`, cutoff)
		if err != nil {
			return 0, err
		}
		removed += tag.RowsAffected()
	}
	if s.cfg.MaxSessions > 0 {
		tag, err := tx.Exec(ctx, `DELETE FROM transcription_sessions WHERE id IN (
			SELECT id FROM transcription_sessions ORDER BY created_at DESC, id DESC OFFSET $1
		)`, s.cfg.MaxSessions)
		if err != nil {
			return 0, err
		}
		removed += tag.RowsAffected()
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	if removed > 0 {
		s.log.Info("pruned sessions", slog.Int64("removed", removed))
	}
	return removed, nil
}

func scanPGRecord(row pgx.Row) (Record, error) {
	var (
		rec Record
		md  string
	)
	if err := row.Scan(&rec.ID, &rec.Transcript, &rec.WordCount, &rec.Duration, &md, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return Record{}, err
	}
	meta, err := decodeMetadata([]byte(md))
	if err != nil {
		return Record{}, err
	}
	rec.Metadata = meta
	return rec, nil
}
