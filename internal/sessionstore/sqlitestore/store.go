// Package sqlitestore is a SQLite-backed sessionstore.Preferences, used in
// production to persist the Confirmation Manager's approval rules across
// process restarts. Sessions/Messages stay in-memory in this
// module; only the preferences table, the one piece that must
// survive a restart, is durable here.
package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// PreferenceStore implements sessionstore.Preferences over SQLite.
type PreferenceStore struct {
	db *sql.DB
}

// New opens (creating if absent) the SQLite database at path.
func New(path string) (*PreferenceStore, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sessionstore sqlitestore: open database: %w", err)
	}
	s := &PreferenceStore{db: db}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS app_preferences (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("sessionstore sqlitestore: init schema: %w", err)
	}
	return s, nil
}

func (s *PreferenceStore) Close() error { return s.db.Close() }

func (s *PreferenceStore) Get(ctx context.Context, key string) (string, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT value FROM app_preferences WHERE key = ?`, key)
	var v string
	if err := row.Scan(&v); err != nil {
		if err == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, fmt.Errorf("sessionstore sqlitestore: get %q: %w", key, err)
	}
	return v, true, nil
}

func (s *PreferenceStore) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO app_preferences(key, value) VALUES(?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("sessionstore sqlitestore: set %q: %w", key, err)
	}
	return nil
}
