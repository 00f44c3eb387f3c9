package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "autochirp/pkg/logx"
)

//go:embed migrations.sql
var migrations string

// Store is the SQLite-backed catalogue. All methods are safe for concurrent use.
type Store struct {
	db  *sql.DB
	log logx.Logger
	loc *time.Location
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (*Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	// Pragmas go in the DSN so every pooled connection gets them.
	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)",
		path, busy.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	st := &Store{db: db, log: log, loc: loc}
	if _, err := db.ExecContext(ctx, migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path), logx.Duration("busy_timeout", busy))
	return st, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Location is the zone scheduled_at values are stored in.
func (s *Store) Location() *time.Location { return s.loc }

func (s *Store) formatTime(t time.Time) string { return t.In(s.loc).Format(TimeLayout) }

func (s *Store) parseTime(v string) (time.Time, error) {
	t, err := time.ParseInLocation(TimeLayout, v, s.loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("scheduled_at %q: %w", v, err)
	}
	return t, nil
}

// withTx runs fn inside a transaction. fn must only use tx: the pool has one
// connection.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullID(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}
