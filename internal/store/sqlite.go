package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/hyperengineering/possync/internal/id"
	"github.com/hyperengineering/possync/internal/types"
	"github.com/hyperengineering/possync/migrations"
	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"
)

// Metadata keys.
const (
	MetaLastSync        = "last_sync"
	MetaCostPriceTypeID = "cost_price_type_id"
	MetaDeviceID        = "device_id"
)

// SQLiteStore is the SQLite-backed local record store.
type SQLiteStore struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if needed) the local database at dbPath,
// applies connection pragmas and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := RunMigrations(db, migrations.LocalDir); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteStore{db: db, path: dbPath, now: time.Now}, nil
}

// dsn builds a modernc DSN with per-connection pragmas, so every pooled
// connection gets the same busy timeout.
func dsn(path string) string {
	return "file:" + path +
		"?_pragma=busy_timeout(5000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)"
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for tests and diagnostics.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

// SetClock replaces the store's time source. Used by tests.
func (s *SQLiteStore) SetClock(now func() time.Time) {
	s.now = now
}

func (s *SQLiteStore) nowMillis() int64 {
	return s.now().UnixMilli()
}

// execContext is satisfied by both *sql.DB and *sql.Tx.
type execContext interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// queryContext is satisfied by both *sql.DB and *sql.Tx.
type queryContext interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Put writes the entity fields of a row, creating it if absent. The row is
// marked dirty and its updated_at becomes max(now, previous+1) so that
// successive writes never move it backwards.
func (s *SQLiteStore) Put(ctx context.Context, t Table, recordID string, data json.RawMessage) (int64, error) {
	if !t.Valid() {
		return 0, fmt.Errorf("put %s: %w", t, ErrInvalidTable)
	}
	if !id.Valid(recordID) {
		return 0, fmt.Errorf("put %s/%s: %w", t, recordID, ErrInvalidID)
	}
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}

	now := s.nowMillis()
	query := fmt.Sprintf(`
		INSERT INTO %[1]s (id, data, updated_at, synced, deleted)
		VALUES (?, ?, ?, 0, 0)
		ON CONFLICT(id) DO UPDATE SET
			data = excluded.data,
			updated_at = MAX(excluded.updated_at, %[1]s.updated_at + 1),
			synced = 0
		RETURNING updated_at
	`, t)

	var updatedAt int64
	if err := s.db.QueryRowContext(ctx, query, recordID, string(data), now).Scan(&updatedAt); err != nil {
		return 0, fmt.Errorf("put %s/%s: %w", t, recordID, err)
	}
	return updatedAt, nil
}

// SoftDelete marks a row deleted and dirty. The row stays in the table until
// the deletion is confirmed by the remote.
func (s *SQLiteStore) SoftDelete(ctx context.Context, t Table, recordID string) error {
	if !t.Valid() {
		return fmt.Errorf("soft delete %s: %w", t, ErrInvalidTable)
	}

	result, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET deleted = 1, synced = 0, updated_at = MAX(?, updated_at + 1)
		WHERE id = ?
	`, t), s.nowMillis(), recordID)
	if err != nil {
		return fmt.Errorf("soft delete %s/%s: %w", t, recordID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("soft delete %s/%s: %w", t, recordID, err)
	}
	if n == 0 {
		return fmt.Errorf("soft delete %s/%s: %w", t, recordID, ErrNotFound)
	}
	return nil
}

// Get returns one row, including soft-deleted rows.
func (s *SQLiteStore) Get(ctx context.Context, t Table, recordID string) (*types.Record, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("get %s: %w", t, ErrInvalidTable)
	}
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT id, data, updated_at, synced, deleted FROM %s WHERE id = ?
	`, t), recordID)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get %s/%s: %w", t, recordID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", t, recordID, err)
	}
	return rec, nil
}

// List returns the rows of a table ordered by updated_at.
func (s *SQLiteStore) List(ctx context.Context, t Table, includeDeleted bool) ([]types.Record, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("list %s: %w", t, ErrInvalidTable)
	}
	query := fmt.Sprintf(`SELECT id, data, updated_at, synced, deleted FROM %s`, t)
	if !includeDeleted {
		query += ` WHERE deleted = 0`
	}
	query += ` ORDER BY updated_at, id`
	return queryRecords(ctx, s.db, query)
}

// Dirty returns the rows with unconfirmed local changes.
func (s *SQLiteStore) Dirty(ctx context.Context, t Table) ([]types.Record, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("dirty %s: %w", t, ErrInvalidTable)
	}
	return queryRecords(ctx, s.db, fmt.Sprintf(`
		SELECT id, data, updated_at, synced, deleted FROM %s
		WHERE synced = 0 ORDER BY updated_at, id
	`, t))
}

// UnsyncedCount returns the number of dirty rows in a table.
func (s *SQLiteStore) UnsyncedCount(ctx context.Context, t Table) (int, error) {
	if !t.Valid() {
		return 0, fmt.Errorf("unsynced count %s: %w", t, ErrInvalidTable)
	}
	var n int
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE synced = 0`, t)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("unsynced count %s: %w", t, err)
	}
	return n, nil
}

// MarkSynced flips synced=1 if the row still carries expectUpdatedAt.
// A false result means the row changed after it was read for push and
// must stay dirty.
func (s *SQLiteStore) MarkSynced(ctx context.Context, t Table, recordID string, expectUpdatedAt int64) (bool, error) {
	if !t.Valid() {
		return false, fmt.Errorf("mark synced %s: %w", t, ErrInvalidTable)
	}
	result, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET synced = 1 WHERE id = ? AND updated_at = ?
	`, t), recordID, expectUpdatedAt)
	if err != nil {
		return false, fmt.Errorf("mark synced %s/%s: %w", t, recordID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark synced %s/%s: %w", t, recordID, err)
	}
	return n > 0, nil
}

// Purge physically removes a soft-deleted row whose deletion the remote
// confirmed, guarded by expectUpdatedAt like MarkSynced.
func (s *SQLiteStore) Purge(ctx context.Context, t Table, recordID string, expectUpdatedAt int64) (bool, error) {
	if !t.Valid() {
		return false, fmt.Errorf("purge %s: %w", t, ErrInvalidTable)
	}
	result, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		DELETE FROM %s WHERE id = ? AND deleted = 1 AND updated_at = ?
	`, t), recordID, expectUpdatedAt)
	if err != nil {
		return false, fmt.Errorf("purge %s/%s: %w", t, recordID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("purge %s/%s: %w", t, recordID, err)
	}
	return n > 0, nil
}

// ApplyRemote stores a pulled record if no local row exists or the local
// row is strictly older (last-writer-wins). Applied rows are forced to
// synced=1, deleted=0. Reports whether the row was written. A
// non-canonical id is rejected with ErrInvalidID: stored locally it would be
// renamed by the id migration and pushed again as a duplicate.
func (s *SQLiteStore) ApplyRemote(ctx context.Context, t Table, rec types.Record) (bool, error) {
	if !t.Valid() {
		return false, fmt.Errorf("apply remote %s: %w", t, ErrInvalidTable)
	}
	if !id.Valid(rec.ID) {
		return false, fmt.Errorf("apply remote %s/%s: %w", t, rec.ID, ErrInvalidID)
	}
	data := rec.Data
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}

	result, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %[1]s (id, data, updated_at, synced, deleted)
		VALUES (?, ?, ?, 1, 0)
		ON CONFLICT(id) DO UPDATE SET
			data = excluded.data,
			updated_at = excluded.updated_at,
			synced = 1,
			deleted = 0
		WHERE excluded.updated_at > %[1]s.updated_at
	`, t), rec.ID, string(data), rec.UpdatedAt)
	if err != nil {
		return false, fmt.Errorf("apply remote %s/%s: %w", t, rec.ID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("apply remote %s/%s: %w", t, rec.ID, err)
	}
	return n > 0, nil
}

// GetMeta retrieves a metadata value by key.
func (s *SQLiteStore) GetMeta(ctx context.Context, key string) (string, error) {
	return getMeta(ctx, s.db, key)
}

func getMeta(ctx context.Context, q queryContext, key string) (string, error) {
	var value string
	err := q.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("metadata key %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("get metadata: %w", err)
	}
	return value, nil
}

// SetMeta sets a metadata value.
func (s *SQLiteStore) SetMeta(ctx context.Context, key, value string) error {
	return setMeta(ctx, s.db, key, value)
}

func setMeta(ctx context.Context, e execContext, key, value string) error {
	_, err := e.ExecContext(ctx, `INSERT OR REPLACE INTO metadata (key, value) VALUES (?, ?)`, key, value)
	if err != nil {
		return fmt.Errorf("set metadata: %w", err)
	}
	return nil
}

// LastSync returns the persisted completion time of the last sync, or the
// zero time if the store has never synced.
func (s *SQLiteStore) LastSync(ctx context.Context) (time.Time, error) {
	v, err := s.GetMeta(ctx, MetaLastSync)
	if errors.Is(err, ErrNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse last sync %q: %w", v, err)
	}
	return time.UnixMilli(ms).UTC(), nil
}

// SetLastSync persists the last sync time.
func (s *SQLiteStore) SetLastSync(ctx context.Context, at time.Time) error {
	return s.SetMeta(ctx, MetaLastSync, strconv.FormatInt(at.UnixMilli(), 10))
}

// CostPriceTypeID returns the configured cost price type, or "" if unset.
func (s *SQLiteStore) CostPriceTypeID(ctx context.Context) (string, error) {
	v, err := s.GetMeta(ctx, MetaCostPriceTypeID)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	return v, err
}

// SetCostPriceTypeID sets the configured cost price type.
func (s *SQLiteStore) SetCostPriceTypeID(ctx context.Context, priceTypeID string) error {
	return s.SetMeta(ctx, MetaCostPriceTypeID, priceTypeID)
}

// DeviceID returns this database's device identifier, generating a ULID on
// first use.
func (s *SQLiteStore) DeviceID(ctx context.Context) (string, error) {
	v, err := s.GetMeta(ctx, MetaDeviceID)
	if err == nil {
		return v, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return "", err
	}
	v = ulid.Make().String()
	if err := s.SetMeta(ctx, MetaDeviceID, v); err != nil {
		return "", err
	}
	return v, nil
}

// GenerateSnapshot writes a consistent copy of the database to dest.
func (s *SQLiteStore) GenerateSnapshot(ctx context.Context, dest string) error {
	if dir := filepath.Dir(dest); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create snapshot directory: %w", err)
		}
	}
	// VACUUM INTO refuses to overwrite an existing file.
	if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove old snapshot: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, dest); err != nil {
		return fmt.Errorf("vacuum into %s: %w", dest, err)
	}
	return nil
}

func queryRecords(ctx context.Context, q queryContext, query string, args ...any) ([]types.Record, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []types.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// scanRecord scans id, data, updated_at, synced, deleted.
func scanRecord(scanner interface{ Scan(...any) error }) (*types.Record, error) {
	var rec types.Record
	var data string
	var synced, deleted int

	if err := scanner.Scan(&rec.ID, &data, &rec.UpdatedAt, &synced, &deleted); err != nil {
		return nil, err
	}
	rec.Data = json.RawMessage(data)
	rec.Synced = synced == 1
	rec.Deleted = deleted == 1
	return &rec, nil
}
