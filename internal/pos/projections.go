package pos

import (
	"context"
	"fmt"

	"github.com/hyperengineering/possync/internal/store"
	"github.com/hyperengineering/possync/internal/types"
)

// Snapshot is an in-memory projection of the live (non-deleted) rows.
type Snapshot struct {
	PriceTypes      []types.PriceType
	ProductGroups   []types.ProductGroup
	Products        []types.Product
	ProductPrices   []types.ProductPrice
	Customers       []types.Customer
	Users           []types.User
	Orders          []types.Order
	Purchases       []types.Purchase
	CostPriceTypeID string
}

// Snapshot returns a copy of the current projections.
func (s *Service) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := *s.snap
	snap.PriceTypes = append([]types.PriceType(nil), s.snap.PriceTypes...)
	snap.ProductGroups = append([]types.ProductGroup(nil), s.snap.ProductGroups...)
	snap.Products = append([]types.Product(nil), s.snap.Products...)
	snap.ProductPrices = append([]types.ProductPrice(nil), s.snap.ProductPrices...)
	snap.Customers = append([]types.Customer(nil), s.snap.Customers...)
	snap.Users = append([]types.User(nil), s.snap.Users...)
	snap.Orders = append([]types.Order(nil), s.snap.Orders...)
	snap.Purchases = append([]types.Purchase(nil), s.snap.Purchases...)
	return snap
}

// PriceFor returns the price of a product for a price type, if set.
func (snap Snapshot) PriceFor(productID, priceTypeID string) (float64, bool) {
	for _, pp := range snap.ProductPrices {
		if pp.ProductID == productID && pp.PriceTypeID == priceTypeID {
			return pp.Price, true
		}
	}
	return 0, false
}

// Refresh rebuilds every projection from the tables.
func (s *Service) Refresh(ctx context.Context) error {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	if err := s.reload(ctx, store.Tables...); err != nil {
		return err
	}
	cost, err := s.store.CostPriceTypeID(ctx)
	if err != nil {
		return fmt.Errorf("refresh cost price type: %w", err)
	}
	s.mu.Lock()
	s.snap.CostPriceTypeID = cost
	s.mu.Unlock()
	return nil
}

// refreshTables reloads the projections of the given tables.
func (s *Service) refreshTables(ctx context.Context, tables ...store.Table) error {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()
	return s.reload(ctx, tables...)
}

// reload swaps in freshly loaded tables. Callers hold refreshMu.
func (s *Service) reload(ctx context.Context, tables ...store.Table) error {
	next := s.Snapshot()
	for _, t := range tables {
		if err := loadTable(ctx, s.store, t, &next); err != nil {
			return fmt.Errorf("refresh %s: %w", t, err)
		}
	}
	s.mu.Lock()
	s.snap = &next
	s.mu.Unlock()
	return nil
}

func loadTable(ctx context.Context, st Store, t store.Table, snap *Snapshot) error {
	var err error
	switch t {
	case store.PriceTypes:
		snap.PriceTypes, err = listLive[types.PriceType](ctx, st, t)
	case store.ProductGroups:
		snap.ProductGroups, err = listLive[types.ProductGroup](ctx, st, t)
	case store.Products:
		snap.Products, err = listLive[types.Product](ctx, st, t)
	case store.ProductPrices:
		snap.ProductPrices, err = listLive[types.ProductPrice](ctx, st, t)
	case store.Customers:
		snap.Customers, err = listLive[types.Customer](ctx, st, t)
	case store.Users:
		snap.Users, err = listLive[types.User](ctx, st, t)
	case store.Orders:
		snap.Orders, err = listLive[types.Order](ctx, st, t)
	case store.Purchases:
		snap.Purchases, err = listLive[types.Purchase](ctx, st, t)
	default:
		err = store.ErrInvalidTable
	}
	return err
}

// listLive decodes every non-deleted row of t.
func listLive[T any, PT interface {
	*T
	types.Entity
}](ctx context.Context, st Store, t store.Table) ([]T, error) {
	recs, err := st.List(ctx, t, false)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(recs))
	for _, rec := range recs {
		var v T
		if err := types.DecodeRecord(rec, PT(&v)); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
