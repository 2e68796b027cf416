package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/hyperengineering/possync/internal/remote"
	"github.com/hyperengineering/possync/internal/store"
	"github.com/hyperengineering/possync/internal/types"
)

// LocalStore is the subset of the local store the sync engine needs.
type LocalStore interface {
	Dirty(ctx context.Context, t store.Table) ([]types.Record, error)
	MarkSynced(ctx context.Context, t store.Table, id string, expectUpdatedAt int64) (bool, error)
	Purge(ctx context.Context, t store.Table, id string, expectUpdatedAt int64) (bool, error)
	ApplyRemote(ctx context.Context, t store.Table, rec types.Record) (bool, error)
	UnsyncedCount(ctx context.Context, t store.Table) (int, error)
	LastSync(ctx context.Context) (time.Time, error)
	SetLastSync(ctx context.Context, at time.Time) error
	MigrateLegacyIDs(ctx context.Context) (*store.MigrationReport, error)
	AcquireLease(ctx context.Context, owner string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, owner string) error
}

// Remote is the subset of the remote client the sync engine needs.
type Remote interface {
	Configured() bool
	Health(ctx context.Context) error
	Exists(ctx context.Context, collection, id string) (bool, error)
	Create(ctx context.Context, collection, id string, fields json.RawMessage) error
	Update(ctx context.Context, collection, id string, fields json.RawMessage) error
	Delete(ctx context.Context, collection, id string) error
	UpdatedSince(ctx context.Context, collection string, since time.Time) ([]remote.Item, error)
}

// CollectionResult counts the outcome of one collection's sync.
type CollectionResult struct {
	Collection string
	Created    int
	Updated    int
	Deleted    int
	Pulled     int
	Skipped    int // pulled records the local row won
	Stale      int // pushed rows edited again mid-push, left dirty
	Failed     int // rows whose push failed, left dirty
	PushErr    error
	PullErr    error
}

// syncCollection pushes every dirty row of one table, then pulls remote
// changes since lastSync. Per-record failures are logged and counted; they
// never stop the remaining records.
func syncCollection(ctx context.Context, local LocalStore, rem Remote, coll Collection, lastSync time.Time) CollectionResult {
	res := CollectionResult{Collection: coll.Remote}

	if err := push(ctx, local, rem, coll, &res); err != nil {
		res.PushErr = err
		slog.Warn("push phase failed",
			"component", "sync",
			"action", "push_failed",
			"collection", coll.Remote,
			"error", err,
		)
	}

	// Pull runs only after every dirty row has been attempted.
	if err := pull(ctx, local, rem, coll, lastSync, &res); err != nil {
		res.PullErr = err
		slog.Warn("pull phase failed",
			"component", "sync",
			"action", "pull_failed",
			"collection", coll.Remote,
			"error", err,
		)
	}

	return res
}

func push(ctx context.Context, local LocalStore, rem Remote, coll Collection, res *CollectionResult) error {
	dirty, err := local.Dirty(ctx, coll.Table)
	if err != nil {
		return fmt.Errorf("list dirty %s: %w", coll.Table, err)
	}

	for _, rec := range dirty {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := pushRecord(ctx, local, rem, coll, rec, res); err != nil {
			res.Failed++
			slog.Warn("record push failed",
				"component", "sync",
				"action", "record_push_failed",
				"collection", coll.Remote,
				"record_id", rec.ID,
				"error", err,
			)
		}
	}
	return nil
}

func pushRecord(ctx context.Context, local LocalStore, rem Remote, coll Collection, rec types.Record, res *CollectionResult) error {
	if rec.Deleted {
		if err := rem.Delete(ctx, coll.Remote, rec.ID); err != nil {
			return fmt.Errorf("delete: %w", err)
		}
		purged, err := local.Purge(ctx, coll.Table, rec.ID, rec.UpdatedAt)
		if err != nil {
			return fmt.Errorf("purge: %w", err)
		}
		if !purged {
			res.Stale++
			return nil
		}
		res.Deleted++
		return nil
	}

	fields, err := pushFields(rec)
	if err != nil {
		return err
	}

	exists, err := rem.Exists(ctx, coll.Remote, rec.ID)
	if err != nil {
		return fmt.Errorf("probe: %w", err)
	}
	if exists {
		if err := rem.Update(ctx, coll.Remote, rec.ID, fields); err != nil {
			return fmt.Errorf("update: %w", err)
		}
	} else {
		if err := rem.Create(ctx, coll.Remote, rec.ID, fields); err != nil {
			return fmt.Errorf("create: %w", err)
		}
	}

	marked, err := local.MarkSynced(ctx, coll.Table, rec.ID, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("mark synced: %w", err)
	}
	if !marked {
		res.Stale++
		return nil
	}
	if exists {
		res.Updated++
	} else {
		res.Created++
	}
	return nil
}

// pushFields is the record's entity fields plus updatedAt. The id travels
// separately; synced and deleted never leave the device.
func pushFields(rec types.Record) (json.RawMessage, error) {
	fields := map[string]json.RawMessage{}
	if len(rec.Data) > 0 {
		if err := json.Unmarshal(rec.Data, &fields); err != nil {
			return nil, fmt.Errorf("decode %s: %w", rec.ID, err)
		}
	}
	delete(fields, "id")
	delete(fields, "synced")
	delete(fields, "deleted")
	fields["updatedAt"] = strconv.AppendInt(nil, rec.UpdatedAt, 10)
	return json.Marshal(fields)
}

func pull(ctx context.Context, local LocalStore, rem Remote, coll Collection, lastSync time.Time, res *CollectionResult) error {
	items, err := rem.UpdatedSince(ctx, coll.Remote, lastSync)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", coll.Remote, err)
	}

	for _, item := range items {
		applied, err := local.ApplyRemote(ctx, coll.Table, types.Record{
			ID:        item.ID,
			UpdatedAt: item.Updated.UnixMilli(),
			Data:      item.Fields,
		})
		if err != nil {
			res.Failed++
			slog.Warn("record pull failed",
				"component", "sync",
				"action", "record_pull_failed",
				"collection", coll.Remote,
				"record_id", item.ID,
				"error", err,
			)
			continue
		}
		if applied {
			res.Pulled++
		} else {
			res.Skipped++
		}
	}
	return nil
}
