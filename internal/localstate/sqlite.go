// Package localstate persists the small per-profile record the client keeps
// outside the backend: a stable anonymous identifier, UI preferences, and a
// default configuration record. None of it is part of the protocol's durable
// contract; losing the file only resets the profile.
package localstate

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/datachat/datachat/internal/chat"
)

const profileRowID = 1

// Store is the sqlite-backed profile store. A single row holds the profile.
type Store struct {
	db     *sql.DB
	anonID string
}

// Open opens (creating if needed) the profile database at path and
// bootstraps the profile row with a fresh anonymous id on first use.
func Open(path string) (*Store, error) {
	if err := ensureDir(path); err != nil {
		return nil, fmt.Errorf("failed to prepare state path: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_mode=rwc", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to close database after schema error: %w", closeErr)
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if err := s.loadAnonymousID(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS profile (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		anonymous_id TEXT NOT NULL,
		preferences TEXT NOT NULL DEFAULT '{}',
		default_config TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return s.ensureProfileRow()
}

func (s *Store) ensureProfileRow() error {
	ctx := context.Background()
	var count int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM profile WHERE id = ?", profileRowID).Scan(&count); err != nil {
		return err
	}
	if count == 0 {
		now := time.Now().UTC()
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO profile (id, anonymous_id, preferences, default_config, created_at, updated_at)
			VALUES (?, ?, '{}', '{}', ?, ?)
		`, profileRowID, uuid.New().String(), now, now)
		return err
	}
	return nil
}

func (s *Store) loadAnonymousID() error {
	return s.db.QueryRow(
		"SELECT anonymous_id FROM profile WHERE id = ?", profileRowID).Scan(&s.anonID)
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// AnonymousID returns the stable per-profile anonymous identifier.
func (s *Store) AnonymousID() string {
	return s.anonID
}

// Preferences returns the stored UI preferences.
func (s *Store) Preferences(ctx context.Context) (map[string]any, error) {
	var raw string
	if err := s.db.QueryRowContext(ctx,
		"SELECT preferences FROM profile WHERE id = ?", profileRowID).Scan(&raw); err != nil {
		return nil, err
	}
	prefs := map[string]any{}
	if raw == "" || raw == "{}" {
		return prefs, nil
	}
	if err := json.Unmarshal([]byte(raw), &prefs); err != nil {
		return nil, fmt.Errorf("corrupt preferences record: %w", err)
	}
	return prefs, nil
}

// SetPreferences replaces the stored UI preferences.
func (s *Store) SetPreferences(ctx context.Context, prefs map[string]any) error {
	payload, err := json.Marshal(prefs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE profile SET preferences = ?, updated_at = ? WHERE id = ?
	`, string(payload), time.Now().UTC(), profileRowID)
	return err
}

// DefaultConfig returns the stored default configuration record.
func (s *Store) DefaultConfig(ctx context.Context) (chat.ThreadConfig, error) {
	var raw string
	if err := s.db.QueryRowContext(ctx,
		"SELECT default_config FROM profile WHERE id = ?", profileRowID).Scan(&raw); err != nil {
		return chat.ThreadConfig{}, err
	}
	var cfg chat.ThreadConfig
	if raw == "" || raw == "{}" {
		return cfg, nil
	}
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return chat.ThreadConfig{}, fmt.Errorf("corrupt default config record: %w", err)
	}
	return cfg, nil
}

// SetDefaultConfig replaces the stored default configuration record.
func (s *Store) SetDefaultConfig(ctx context.Context, cfg chat.ThreadConfig) error {
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE profile SET default_config = ?, updated_at = ? WHERE id = ?
	`, string(payload), time.Now().UTC(), profileRowID)
	return err
}
