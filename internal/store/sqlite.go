// ABOUTME: SQLite implementation of the KV interface using modernc.org/sqlite
// ABOUTME: Provides TTL-aware key/value persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// sweepInterval is how often expired rows are purged in the background.
const sweepInterval = time.Minute

// SQLiteStore implements the KV interface using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	done   chan struct{}
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
		done:   make(chan struct{}),
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	go s.sweep()

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the kv table if it doesn't exist.
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS kv_entries (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			expires_at DATETIME,
			updated_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_kv_entries_expires_at
			ON kv_entries(expires_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// Put stores a value under key. A zero ttl stores the entry without expiry.
func (s *SQLiteStore) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	var expiresAt *time.Time
	if ttl > 0 {
		t := time.Now().Add(ttl)
		expiresAt = &t
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_entries (key, value, expires_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at
	`, key, value, expiresAt, time.Now())
	if err != nil {
		return fmt.Errorf("putting key %q: %w", key, err)
	}
	return nil
}

// Get returns the value for key, or ErrNotFound if the key is absent or
// expired. Expired rows are deleted lazily on read.
func (s *SQLiteStore) Get(ctx context.Context, key string) (string, error) {
	var value string
	var expiresAt sql.NullTime

	err := s.db.QueryRowContext(ctx,
		`SELECT value, expires_at FROM kv_entries WHERE key = ?`, key,
	).Scan(&value, &expiresAt)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("getting key %q: %w", key, err)
	}

	if expiresAt.Valid && time.Now().After(expiresAt.Time) {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_entries WHERE key = ?`, key); err != nil {
			s.logger.Warn("failed to delete expired key", "key", key, "error", err)
		}
		return "", ErrNotFound
	}

	return value, nil
}

// Delete removes a key. Deleting an absent key is not an error.
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_entries WHERE key = ?`, key); err != nil {
		return fmt.Errorf("deleting key %q: %w", key, err)
	}
	return nil
}

// sweep runs in a background goroutine, periodically purging expired rows.
func (s *SQLiteStore) sweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			res, err := s.db.Exec(
				`DELETE FROM kv_entries WHERE expires_at IS NOT NULL AND expires_at < ?`,
				time.Now())
			if err != nil {
				s.logger.Warn("expiry sweep failed", "error", err)
				continue
			}
			if n, err := res.RowsAffected(); err == nil && n > 0 {
				s.logger.Debug("purged expired entries", "count", n)
			}
		case <-s.done:
			return
		}
	}
}

// Close stops the background sweeper and closes the database.
func (s *SQLiteStore) Close() error {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	return s.db.Close()
}
