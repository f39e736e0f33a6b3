// Package storage opens the SQLite database bots keep their state in and
// hands out one session per handler call.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by Session.Get for an absent key.
var ErrNotFound = errors.New("storage: key not found")

// Factory owns the database handle. It is safe for concurrent use.
type Factory struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

// Open creates the database file and its directory if needed and applies
// pending migrations. Use ":memory:" for a throwaway database.
func Open(path string, logger *slog.Logger) (*Factory, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dsn := ":memory:"
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
		}
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}
	if path == ":memory:" {
		// every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(4)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := migrate(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return &Factory{db: db, path: path, logger: logger}, nil
}

func (f *Factory) Path() string { return f.path }

// Session returns a dedicated connection. The caller must Close it.
func (f *Factory) Session(ctx context.Context) (*Session, error) {
	conn, err := f.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire session: %w", err)
	}
	return &Session{conn: conn}, nil
}

func (f *Factory) Close() error {
	return f.db.Close()
}

// Entry is one stored key/value pair.
type Entry struct {
	Namespace string
	Key       string
	Value     string
	UpdatedAt time.Time
}

// Session is a single connection handed to one handler invocation.
type Session struct {
	conn *sql.Conn
}

// Conn exposes the underlying connection for handlers that need raw SQL.
func (s *Session) Conn() *sql.Conn { return s.conn }

func (s *Session) Put(ctx context.Context, ns, key, value string) error {
	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO kv (namespace, key, value, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(namespace, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		ns, key, value, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", ns, key, err)
	}
	return nil
}

func (s *Session) Get(ctx context.Context, ns, key string) (string, error) {
	var value string
	err := s.conn.QueryRowContext(ctx,
		`SELECT value FROM kv WHERE namespace = ? AND key = ?`, ns, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get %s/%s: %w", ns, key, err)
	}
	return value, nil
}

// Delete reports whether a row was removed.
func (s *Session) Delete(ctx context.Context, ns, key string) (bool, error) {
	res, err := s.conn.ExecContext(ctx, `DELETE FROM kv WHERE namespace = ? AND key = ?`, ns, key)
	if err != nil {
		return false, fmt.Errorf("delete %s/%s: %w", ns, key, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// List returns the namespace's entries ordered by key.
func (s *Session) List(ctx context.Context, ns string) ([]Entry, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT namespace, key, value, updated_at FROM kv WHERE namespace = ? ORDER BY key`, ns,
	)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", ns, err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Namespace, &e.Key, &e.Value, &e.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close returns the connection to the pool.
func (s *Session) Close() error {
	return s.conn.Close()
}

// Run is one journaled task execution.
type Run struct {
	Task  string
	Error string
	RanAt time.Time
}

// RecordRun journals a task execution; runErr may be nil.
func (s *Session) RecordRun(ctx context.Context, bot, task string, runErr error) error {
	msg := ""
	if runErr != nil {
		msg = runErr.Error()
	}
	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO task_runs (bot, task, error, ran_at) VALUES (?, ?, ?, ?)`,
		bot, task, msg, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("record run %s/%s: %w", bot, task, err)
	}
	return nil
}

// Runs returns the bot's most recent task executions, newest first.
func (s *Session) Runs(ctx context.Context, bot string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.conn.QueryContext(ctx,
		`SELECT task, error, ran_at FROM task_runs WHERE bot = ? ORDER BY id DESC LIMIT ?`, bot, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list runs %s: %w", bot, err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.Task, &r.Error, &r.RanAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
