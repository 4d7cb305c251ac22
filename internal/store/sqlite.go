package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	_ "modernc.org/sqlite"
)

// timeLayout is fixed width so lexical order matches time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLStore is the SQLite-backed session store.
type SQLStore struct {
	db    *sql.DB
	cfg   config.StoreConfig
	log   *slog.Logger
	clock func() time.Time
}

func openSQLite(ctx context.Context, cfg config.StoreConfig, log *slog.Logger) (*SQLStore, error) {
	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	return initSQLStore(ctx, db, cfg, log)
}

// openMemory keeps everything in a private in-memory database. The pool is
// pinned to one connection because each sqlite connection owns its own
// :memory: database.
func openMemory(ctx context.Context, cfg config.StoreConfig, log *slog.Logger) (*SQLStore, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	return initSQLStore(ctx, db, cfg, log)
}

func initSQLStore(ctx context.Context, db *sql.DB, cfg config.StoreConfig, log *slog.Logger) (*SQLStore, error) {
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &SQLStore{db: db, cfg: cfg, log: log, clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart && cfg.Driver != "memory" {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("session store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if _, err := s.Prune(ctx); err != nil {
		log.Warn("session store prune on start failed", slog.String("error", err.Error()))
	}
	return s, nil
}

func (s *SQLStore) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS transcription_sessions (
    id TEXT PRIMARY KEY,
    transcript TEXT NOT NULL DEFAULT '',
    word_count INTEGER NOT NULL DEFAULT 0,
    duration REAL NOT NULL DEFAULT 0,
    session_metadata TEXT NOT NULL DEFAULT '{}',
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transcription_sessions_created ON transcription_sessions(created_at);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Create inserts a completed session.
func (s *SQLStore) Create(ctx context.Context, rec Record) error {
	now := s.clock().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	md, err := encodeMetadata(rec.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO transcription_sessions(id, transcript, word_count, duration, session_metadata, created_at, updated_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Transcript, rec.WordCount, rec.Duration, md,
		rec.CreatedAt.UTC().Format(timeLayout), now.Format(timeLayout))
	if err != nil {
		return fmt.Errorf("insert session %s: %w", rec.ID, err)
	}
	return nil
}

func (s *SQLStore) List(ctx context.Context, opts ListOptions) ([]Record, error) {
	opts = normalizeList(opts)
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, transcript, word_count, duration, session_metadata, created_at, updated_at
		 FROM transcription_sessions ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		opts.Limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *SQLStore) Get(ctx context.Context, id string) (Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, transcript, word_count, duration, session_metadata, created_at, updated_at
		 FROM transcription_sessions WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	return rec, err
}

func (s *SQLStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM transcription_sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Prune applies retention by age and by max session count.
func (s *SQLStore) Prune(ctx context.Context) (removed int64, err error) {
	if s.cfg.RetentionDays <= 0 && s.cfg.MaxSessions <= 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		res, execErr := tx.ExecContext(ctx, `DELETE FROM transcription_sessions WHERE created_at < ?`, cutoff.UTC().Format(timeLayout))
		if execErr != nil {
			return 0, execErr
		}
		n, _ := res.RowsAffected()
		removed += n
	}
	if s.cfg.MaxSessions > 0 {
		res, execErr := tx.ExecContext(ctx, `DELETE FROM transcription_sessions WHERE id IN (
			SELECT id FROM transcription_sessions ORDER BY created_at DESC, id DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if execErr != nil {
			return 0, execErr
		}
		n, _ := res.RowsAffected()
		removed += n
	}
	if err = tx.Commit(); err != nil {
		return 0, err
	}
	if removed > 0 {
		s.log.Info("pruned sessions", slog.Int64("removed", removed))
	}
	return removed, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var (
		rec              Record
		md               string
		created, updated string
	)
	if err := row.Scan(&rec.ID, &rec.Transcript, &rec.WordCount, &rec.Duration, &md, &created, &updated); err != nil {
		return Record{}, err
	}
	meta, err := decodeMetadata([]byte(md))
	if err != nil {
		return Record{}, err
	}
	rec.Metadata = meta
	if ts, err := time.Parse(timeLayout, created); err == nil {
		rec.CreatedAt = ts
	}
	if ts, err := time.Parse(timeLayout, updated); err == nil {
		rec.UpdatedAt = ts
	}
	return rec, nil
}
