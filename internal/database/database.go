// Package database persists poll baselines and the notification log in SQLite.
package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"tutorsync/internal/notify"
	"tutorsync/internal/poller"
)

// DB wraps sql.DB for the sync daemon.
type DB struct {
	*sql.DB
	path string
}

// NewDB opens database at path and runs migrations.
func NewDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}
	return &DB{DB: db, path: path}, nil
}

func createTables(db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS poll_baselines (
			key TEXT PRIMARY KEY,
			snapshot TEXT NOT NULL,
			updated_at DATETIME NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS notifications (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			kind TEXT NOT NULL,
			view TEXT NOT NULL DEFAULT '',
			resource TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL,
			body TEXT,
			count INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL
		)`,

		`CREATE INDEX IF NOT EXISTS idx_notifications_created ON notifications(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_notifications_kind ON notifications(kind)`,
	}

	for _, q := range queries {
		if _, err := db.Exec(q); err != nil {
			return fmt.Errorf("exec migration %s: %w", trimSQL(q), err)
		}
	}
	return nil
}

func trimSQL(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > 60 {
		return s[:60] + "..."
	}
	return s
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// LoadBaseline returns the stored snapshot for key.
func (db *DB) LoadBaseline(ctx context.Context, key string) (poller.Snapshot, bool, error) {
	var raw string
	err := db.QueryRowContext(ctx, `SELECT snapshot FROM poll_baselines WHERE key = ?`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return poller.Snapshot{}, false, nil
	}
	if err != nil {
		return poller.Snapshot{}, false, fmt.Errorf("load baseline %s: %w", key, err)
	}

	var snap poller.Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return poller.Snapshot{}, false, fmt.Errorf("decode baseline %s: %w", key, err)
	}
	return snap, true, nil
}

// SaveBaseline upserts the snapshot for key.
func (db *DB) SaveBaseline(ctx context.Context, key string, snap poller.Snapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode baseline %s: %w", key, err)
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO poll_baselines (key, snapshot, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET snapshot = excluded.snapshot, updated_at = excluded.updated_at`,
		key, string(raw), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save baseline %s: %w", key, err)
	}
	return nil
}

// Notify appends n to the notification log.
func (db *DB) Notify(ctx context.Context, n notify.Notification) error {
	at := n.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO notifications (kind, view, resource, title, body, count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(n.Kind), n.View, n.Resource, n.Title, n.Body, n.Count, at.UTC())
	if err != nil {
		return fmt.Errorf("record notification: %w", err)
	}
	return nil
}

// RecentNotifications returns the newest notifications first.
func (db *DB) RecentNotifications(ctx context.Context, limit int) ([]notify.Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.QueryContext(ctx, `
		SELECT kind, view, resource, title, COALESCE(body, ''), count, created_at
		FROM notifications ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	var out []notify.Notification
	for rows.Next() {
		var n notify.Notification
		var kind string
		if err := rows.Scan(&kind, &n.View, &n.Resource, &n.Title, &n.Body, &n.Count, &n.At); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		n.Kind = notify.Kind(kind)
		out = append(out, n)
	}
	return out, rows.Err()
}

// PruneNotifications deletes log entries older than cutoff.
func (db *DB) PruneNotifications(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := db.ExecContext(ctx, `DELETE FROM notifications WHERE created_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune notifications: %w", err)
	}
	return res.RowsAffected()
}
