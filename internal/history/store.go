// Package history persists a rolling record of every completed backend
// refresh to SQLite, backing the supplemented GET /v1/history endpoint.
package history

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // CGO-free SQLite driver

	"github.com/doomsgate/doomsgate/internal/catalog"
)

// Entry is one historical refresh record.
type Entry struct {
	At         time.Time `json:"at"`
	Backend    string    `json:"backend"`
	Error      string    `json:"error,omitempty"`
	ID         int64     `json:"id"`
	NumCerts   int       `json:"num_certs"`
	NumPaths   int       `json:"num_paths"`
	DurationMs int64     `json:"duration_ms"`
}

// Store persists PopulateStats to SQLite.
type Store struct {
	db *sql.DB
}

// Open creates or opens a SQLite database at the given path and runs
// migrations. Use ":memory:" for an in-memory database (useful for tests).
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close() //nolint:errcheck // best-effort cleanup
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close() //nolint:errcheck // best-effort cleanup
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save records one completed (or failed) backend refresh.
func (s *Store) Save(stats catalog.PopulateStats) error {
	errText := ""
	if stats.LastError != nil {
		errText = stats.LastError.Error()
	}
	_, err := s.db.Exec(
		"INSERT INTO refreshes (backend, at, num_certs, num_paths, duration_ms, error) VALUES (?, ?, ?, ?, ?, ?)",
		stats.Backend, stats.LastRun, stats.NumCerts, stats.NumPaths, stats.Duration.Milliseconds(), errText,
	)
	if err != nil {
		return fmt.Errorf("inserting refresh record: %w", err)
	}
	return nil
}

// List returns the most recent refresh records, newest first, optionally
// filtered to one backend.
func (s *Store) List(backend string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}

	query := "SELECT id, backend, at, num_certs, num_paths, duration_ms, error FROM refreshes"
	args := []any{}
	if backend != "" {
		query += " WHERE backend = ?"
		args = append(args, backend)
	}
	query += " ORDER BY at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying refreshes: %w", err)
	}
	defer rows.Close() //nolint:errcheck // read-only query

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.Backend, &e.At, &e.NumCerts, &e.NumPaths, &e.DurationMs, &e.Error); err != nil {
			return nil, fmt.Errorf("scanning refresh record: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
