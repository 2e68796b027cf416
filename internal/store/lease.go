package store

import (
	"context"
	"fmt"
	"time"
)

// syncLeaseName names the lease every sync and id migration runs under.
const syncLeaseName = "sync"

// AcquireLease claims the sync lease for owner until ttl from now. It
// succeeds when the lease is free, expired, or already held by owner (which
// extends it). The claim is a single conditional upsert, so it is atomic
// across processes sharing the database file.
func (s *SQLiteStore) AcquireLease(ctx context.Context, owner string, ttl time.Duration) (bool, error) {
	now := s.nowMillis()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_lease (name, owner, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			owner = excluded.owner,
			expires_at = excluded.expires_at
		WHERE sync_lease.owner = excluded.owner OR sync_lease.expires_at <= ?
	`, syncLeaseName, owner, now+ttl.Milliseconds(), now)
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	return n > 0, nil
}

// ReleaseLease frees the sync lease if owner still holds it.
func (s *SQLiteStore) ReleaseLease(ctx context.Context, owner string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sync_lease WHERE name = ? AND owner = ?`, syncLeaseName, owner)
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}
