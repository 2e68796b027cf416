package store

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

	"github.com/hyperengineering/possync/internal/id"
	"github.com/hyperengineering/possync/migrations"
)

// BackendTimeLayout is the format of the reference backend's created and
// updated columns. Values of this layout sort lexicographically in time
// order.
const BackendTimeLayout = "2006-01-02 15:04:05.000Z"

// ErrDuplicateID is returned when a create reuses an existing record id.
var ErrDuplicateID = errors.New("record id already exists")

// BackendRecord is one record held by the reference backend.
type BackendRecord struct {
	Collection string
	ID         string
	Data       json.RawMessage
	Created    string
	Updated    string
}

// BackendStore is the SQLite store behind the reference collection backend.
// All collections share one records table keyed by (collection, id).
type BackendStore struct {
	db  *sql.DB
	now func() time.Time

	mu   sync.Mutex
	last time.Time
}

// NewBackendStore opens the backend database at dbPath and runs the remote
// migration set.
func NewBackendStore(dbPath string) (*BackendStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := RunMigrations(db, migrations.RemoteDir); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &BackendStore{db: db, now: time.Now}, nil
}

// Close closes the database connection.
func (s *BackendStore) Close() error {
	return s.db.Close()
}

// SetClock replaces the store's time source. Used by tests.
func (s *BackendStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// stamp returns the next write timestamp. Timestamps are strictly
// increasing at millisecond resolution so that updated filters never tie
// on two writes of the same instant.
func (s *BackendStore) stamp() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.now().UTC().Truncate(time.Millisecond)
	if !t.After(s.last) {
		t = s.last.Add(time.Millisecond)
	}
	s.last = t
	return t.Format(BackendTimeLayout)
}

// Get returns one record.
func (s *BackendStore) Get(ctx context.Context, collection, recordID string) (*BackendRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT collection, id, data, created, updated
		FROM records WHERE collection = ? AND id = ?
	`, collection, recordID)
	rec, err := scanBackendRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", collection, recordID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", collection, recordID, err)
	}
	return rec, nil
}

// Create inserts a record. It returns ErrDuplicateID if the id is taken.
func (s *BackendStore) Create(ctx context.Context, collection, recordID string, data json.RawMessage) (*BackendRecord, error) {
	if !validID(recordID) {
		return nil, fmt.Errorf("create %s/%s: %w", collection, recordID, ErrInvalidID)
	}
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	now := s.stamp()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO records (collection, id, data, created, updated)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(collection, id) DO NOTHING
	`, collection, recordID, string(data), now, now)
	if err != nil {
		return nil, fmt.Errorf("create %s/%s: %w", collection, recordID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("create %s/%s: %w", collection, recordID, ErrDuplicateID)
	}
	return &BackendRecord{Collection: collection, ID: recordID, Data: data, Created: now, Updated: now}, nil
}

// Update merges patch into the record's fields (RFC 7396 merge patch) and
// bumps its updated timestamp.
func (s *BackendStore) Update(ctx context.Context, collection, recordID string, patch json.RawMessage) (*BackendRecord, error) {
	if len(patch) == 0 {
		patch = json.RawMessage("{}")
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE records SET data = json_patch(data, ?), updated = ?
		WHERE collection = ? AND id = ?
	`, string(patch), s.stamp(), collection, recordID)
	if err != nil {
		return nil, fmt.Errorf("update %s/%s: %w", collection, recordID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("update %s/%s: %w", collection, recordID, ErrNotFound)
	}
	return s.Get(ctx, collection, recordID)
}

// Delete removes a record.
func (s *BackendStore) Delete(ctx context.Context, collection, recordID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE collection = ? AND id = ?`, collection, recordID)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", collection, recordID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("delete %s/%s: %w", collection, recordID, ErrNotFound)
	}
	return nil
}

// List returns one page of a collection ordered by updated then id, and the
// total number of matching records. A non-empty updatedAfter (in
// BackendTimeLayout) keeps only records updated strictly after it.
func (s *BackendStore) List(ctx context.Context, collection, updatedAfter string, page, perPage int) ([]BackendRecord, int, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 1
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM records WHERE collection = ? AND updated > ?
	`, collection, updatedAfter).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count %s: %w", collection, err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT collection, id, data, created, updated
		FROM records WHERE collection = ? AND updated > ?
		ORDER BY updated, id
		LIMIT ? OFFSET ?
	`, collection, updatedAfter, perPage, (page-1)*perPage)
	if err != nil {
		return nil, 0, fmt.Errorf("list %s: %w", collection, err)
	}
	defer rows.Close()

	var records []BackendRecord
	for rows.Next() {
		rec, err := scanBackendRecord(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan %s: %w", collection, err)
		}
		records = append(records, *rec)
	}
	return records, total, rows.Err()
}

// Count returns the number of records per collection.
func (s *BackendStore) Count(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT collection, COUNT(*) FROM records GROUP BY collection`)
	if err != nil {
		return nil, fmt.Errorf("count records: %w", err)
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var coll string
		var n int
		if err := rows.Scan(&coll, &n); err != nil {
			return nil, err
		}
		counts[coll] = n
	}
	return counts, rows.Err()
}

func scanBackendRecord(scanner interface{ Scan(...any) error }) (*BackendRecord, error) {
	var rec BackendRecord
	var data string
	if err := scanner.Scan(&rec.Collection, &rec.ID, &data, &rec.Created, &rec.Updated); err != nil {
		return nil, err
	}
	rec.Data = json.RawMessage(data)
	return &rec, nil
}

// validID accepts the canonical record id shape: lowercase alphanumerics
// of the canonical length.
func validID(s string) bool {
	if len(s) != id.Length {
		return false
	}
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}
