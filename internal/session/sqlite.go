package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists session records in a single-file database.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex
}

func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	store := &SQLiteStore{db: db}
	if err := store.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS sessions (
	channel_key          TEXT PRIMARY KEY,
	backend_session_id   TEXT NOT NULL DEFAULT '',
	working_dir          TEXT NOT NULL DEFAULT '',
	mode                 TEXT NOT NULL DEFAULT '',
	model                TEXT NOT NULL DEFAULT '',
	input_tokens         INTEGER NOT NULL DEFAULT 0,
	output_tokens        INTEGER NOT NULL DEFAULT 0,
	cost_usd             REAL NOT NULL DEFAULT 0,
	previous_session_ids TEXT NOT NULL DEFAULT '[]',
	path_locked          INTEGER NOT NULL DEFAULT 0,
	created_at           INTEGER NOT NULL,
	updated_at           INTEGER NOT NULL
)`)
	if err != nil {
		return fmt.Errorf("migrate sessions table: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (Session, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT channel_key, backend_session_id, working_dir, mode, model,
       input_tokens, output_tokens, cost_usd, previous_session_ids,
       path_locked, created_at, updated_at
FROM sessions WHERE channel_key = ?`, key)
	return scanSession(row)
}

func (s *SQLiteStore) Save(ctx context.Context, key string, update Update) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, err := s.Get(ctx, key)
	if err != nil {
		return Session{}, err
	}
	update.applyTo(&record)
	record.UpdatedAt = time.Now().UTC()
	if err := s.put(ctx, record); err != nil {
		return Session{}, err
	}
	return record, nil
}

func (s *SQLiteStore) GetOrCreateWithFork(ctx context.Context, key string, fork *ForkSeed) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, err := s.Get(ctx, key)
	if err == nil {
		return record, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Session{}, err
	}

	record = seededSession(key, fork, time.Now().UTC())
	if err := s.put(ctx, record); err != nil {
		return Session{}, err
	}
	return record, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE channel_key = ?`, key)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) put(ctx context.Context, record Session) error {
	lineage, err := json.Marshal(record.PreviousSessionIDs)
	if err != nil {
		return fmt.Errorf("encode lineage: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO sessions(channel_key, backend_session_id, working_dir, mode, model,
	input_tokens, output_tokens, cost_usd, previous_session_ids,
	path_locked, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(channel_key) DO UPDATE SET
	backend_session_id=excluded.backend_session_id,
	working_dir=excluded.working_dir,
	mode=excluded.mode,
	model=excluded.model,
	input_tokens=excluded.input_tokens,
	output_tokens=excluded.output_tokens,
	cost_usd=excluded.cost_usd,
	previous_session_ids=excluded.previous_session_ids,
	path_locked=excluded.path_locked,
	updated_at=excluded.updated_at`,
		record.ChannelKey, record.BackendSessionID, record.WorkingDir, record.Mode,
		record.Model, record.LastUsage.InputTokens, record.LastUsage.OutputTokens,
		record.LastUsage.CostUSD, string(lineage), boolToInt(record.PathLocked),
		record.CreatedAt.UnixMilli(), record.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var record Session
	var lineage string
	var pathLocked int
	var createdAt, updatedAt int64
	err := row.Scan(&record.ChannelKey, &record.BackendSessionID, &record.WorkingDir,
		&record.Mode, &record.Model, &record.LastUsage.InputTokens,
		&record.LastUsage.OutputTokens, &record.LastUsage.CostUSD,
		&lineage, &pathLocked, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("scan session: %w", err)
	}
	if err := json.Unmarshal([]byte(lineage), &record.PreviousSessionIDs); err != nil {
		return Session{}, fmt.Errorf("decode lineage: %w", err)
	}
	record.PathLocked = pathLocked != 0
	record.CreatedAt = time.UnixMilli(createdAt).UTC()
	record.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return record, nil
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}
