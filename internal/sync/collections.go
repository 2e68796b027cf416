// Package sync reconciles the local record store with the remote collection
// backend: per-collection push-then-pull, health gating and the sync
// orchestrator.
package sync

import "github.com/hyperengineering/possync/internal/store"

// Collection binds a local table to its remote collection.
type Collection struct {
	Table  store.Table
	Remote string
}

// Collections is the fixed sync order: parents are pushed before the
// children that reference them.
var Collections = []Collection{
	{Table: store.PriceTypes, Remote: "price_types"},
	{Table: store.ProductGroups, Remote: "product_groups"},
	{Table: store.Products, Remote: "products"},
	{Table: store.ProductPrices, Remote: "product_prices"},
	{Table: store.Customers, Remote: "customers"},
	{Table: store.Users, Remote: "profiles"},
	{Table: store.Orders, Remote: "orders"},
	{Table: store.Purchases, Remote: "purchases"},
}

// RemoteName returns the remote collection for a local table.
func RemoteName(t store.Table) (string, bool) {
	for _, c := range Collections {
		if c.Table == t {
			return c.Remote, true
		}
	}
	return "", false
}
