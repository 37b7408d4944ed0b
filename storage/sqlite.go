// Package storage persists card records in a local SQLite database. The
// emulation command path does synchronous lookups against it, so the store
// stays a single local file with no network round trips.
package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	// Pure-Go SQLite driver, imported for its driver registration. No CGO,
	// which keeps cross-compilation for the agent targets simple.
	_ "modernc.org/sqlite"

	"github.com/nedpals/hce-agent/hce"
)

const schema = `
CREATE TABLE IF NOT EXISTS cards (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	uid BLOB NOT NULL,
	ats BLOB,
	historical BLOB,
	aids TEXT NOT NULL DEFAULT '[]',
	name TEXT NOT NULL DEFAULT '',
	color TEXT NOT NULL DEFAULT '',
	usage_count INTEGER NOT NULL DEFAULT 0,
	last_used_at TIMESTAMP
);
`

// SQLiteStore implements hce.CardStore plus the record management the HTTP
// API needs (create, list). Safe for concurrent use.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	logger *log.Logger
}

// New opens or creates the database at path and ensures the schema exists.
// Use ":memory:" for tests.
func New(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		logger: log.New(os.Stderr, "[storage] ", log.LstdFlags),
	}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Create normalizes, validates and stores a new record, assigning its ID.
func (s *SQLiteStore) Create(r *hce.Record) error {
	r.Normalize()
	if err := r.Validate(); err != nil {
		return hce.NewInvalidRecordError("Create", err)
	}

	aids, err := json.Marshal(r.AIDs)
	if err != nil {
		return fmt.Errorf("encode aids: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`INSERT INTO cards (uid, ats, historical, aids, name, color, usage_count, last_used_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.UID, r.ATS, r.HistoricalBytes, string(aids), r.Name, r.Color, r.UsageCount, r.LastUsedAt,
	)
	if err != nil {
		return fmt.Errorf("insert card: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("read inserted id: %w", err)
	}
	r.ID = id

	s.logger.Printf("stored %s", r)
	return nil
}

// GetByID returns the record for id, or hce.ErrRecordNotFound.
func (s *SQLiteStore) GetByID(id int64) (*hce.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(
		`SELECT id, uid, ats, historical, aids, name, color, usage_count, last_used_at
		 FROM cards WHERE id = ?`, id)
	return scanRecord(row)
}

// List returns all records ordered by id.
func (s *SQLiteStore) List() ([]*hce.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT id, uid, ats, historical, aids, name, color, usage_count, last_used_at
		 FROM cards ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list cards: %w", err)
	}
	defer rows.Close()

	var records []*hce.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// UpdateUsage increments the usage counter and stamps the last-used time.
// Runs off the command path, after an emulation session ends.
func (s *SQLiteStore) UpdateUsage(id int64, usedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`UPDATE cards SET usage_count = usage_count + 1, last_used_at = ? WHERE id = ?`,
		usedAt.UTC(), id)
	if err != nil {
		return hce.NewStoreError("UpdateUsage", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return hce.ErrRecordNotFound
	}
	return nil
}

// Delete removes the record. Selection-state cleanup for a deleted selected
// card belongs to the caller.
func (s *SQLiteStore) Delete(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM cards WHERE id = ?`, id)
	if err != nil {
		return hce.NewStoreError("Delete", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return hce.ErrRecordNotFound
	}
	return nil
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*hce.Record, error) {
	var (
		r        hce.Record
		aids     string
		lastUsed sql.NullTime
	)
	err := row.Scan(&r.ID, &r.UID, &r.ATS, &r.HistoricalBytes, &aids, &r.Name, &r.Color, &r.UsageCount, &lastUsed)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, hce.ErrRecordNotFound
		}
		return nil, fmt.Errorf("scan card: %w", err)
	}

	if err := json.Unmarshal([]byte(aids), &r.AIDs); err != nil {
		return nil, fmt.Errorf("decode aids for card %d: %w", r.ID, err)
	}
	if lastUsed.Valid {
		t := lastUsed.Time
		r.LastUsedAt = &t
	}
	r.Normalize()
	return &r, nil
}
