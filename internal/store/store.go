package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hyperengineering/possync/internal/types"
)

// Table names one local record table. The set is closed: only the
// constants below are valid, so table names never come from user input.
type Table string

const (
	PriceTypes    Table = "price_types"
	ProductGroups Table = "product_groups"
	Products      Table = "products"
	ProductPrices Table = "product_prices"
	Customers     Table = "customers"
	Users         Table = "users"
	Orders        Table = "orders"
	Purchases     Table = "purchases"
)

// Tables lists every record table in sync dependency order.
var Tables = []Table{
	PriceTypes,
	ProductGroups,
	Products,
	ProductPrices,
	Customers,
	Users,
	Orders,
	Purchases,
}

// Valid reports whether t is one of the known tables.
func (t Table) Valid() bool {
	for _, known := range Tables {
		if t == known {
			return true
		}
	}
	return false
}

// Store is the local record store shared by the POS service layer and the
// sync engine. Every data-changing method dirties the row it touches.
type Store interface {
	// Local writes (always synced=0, updated_at bumped)
	Put(ctx context.Context, t Table, id string, data json.RawMessage) (int64, error)
	SoftDelete(ctx context.Context, t Table, id string) error

	// Reads
	Get(ctx context.Context, t Table, id string) (*types.Record, error)
	List(ctx context.Context, t Table, includeDeleted bool) ([]types.Record, error)
	Dirty(ctx context.Context, t Table) ([]types.Record, error)
	UnsyncedCount(ctx context.Context, t Table) (int, error)

	// Sync engine writes
	MarkSynced(ctx context.Context, t Table, id string, expectUpdatedAt int64) (bool, error)
	Purge(ctx context.Context, t Table, id string, expectUpdatedAt int64) (bool, error)
	ApplyRemote(ctx context.Context, t Table, rec types.Record) (bool, error)

	// Key-value metadata
	GetMeta(ctx context.Context, key string) (string, error)
	SetMeta(ctx context.Context, key, value string) error
	LastSync(ctx context.Context) (time.Time, error)
	SetLastSync(ctx context.Context, at time.Time) error

	// Sync lease, shared by every process on the same database file
	AcquireLease(ctx context.Context, owner string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, owner string) error

	MigrateLegacyIDs(ctx context.Context) (*MigrationReport, error)
	Close() error
}
