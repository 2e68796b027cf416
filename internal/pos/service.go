// Package pos is the typed repository the point-of-sale UI depends on.
//
// Every mutation goes through the local store's Put or SoftDelete, so a
// changed row is always marked dirty for the next sync cycle. Read access is
// served from an in-memory Snapshot that is rebuilt after local writes and
// after every completed sync.
package pos

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hyperengineering/possync/internal/id"
	"github.com/hyperengineering/possync/internal/store"
	possync "github.com/hyperengineering/possync/internal/sync"
	"github.com/hyperengineering/possync/internal/types"
	"github.com/hyperengineering/possync/internal/validation"
)

var (
	// ErrReferenced is returned when a delete would orphan live rows.
	ErrReferenced = errors.New("record is referenced by active records")

	// ErrNotFound is returned for unknown or deleted records.
	ErrNotFound = errors.New("record not found")
)

// Store is the local store surface the service writes through.
// Implemented by store.SQLiteStore.
type Store interface {
	Put(ctx context.Context, t store.Table, id string, data json.RawMessage) (int64, error)
	SoftDelete(ctx context.Context, t store.Table, id string) error
	Get(ctx context.Context, t store.Table, id string) (*types.Record, error)
	List(ctx context.Context, t store.Table, includeDeleted bool) ([]types.Record, error)
	CostPriceTypeID(ctx context.Context) (string, error)
	SetCostPriceTypeID(ctx context.Context, priceTypeID string) error
}

// Service implements the POS operations over a Store.
type Service struct {
	store Store

	// writeMu serializes read-modify-write sequences such as stock updates.
	writeMu sync.Mutex

	// refreshMu is held from table load to snapshot swap, so a refresh that
	// read before a write can never replace one that read after it.
	refreshMu sync.Mutex

	mu   sync.RWMutex
	snap *Snapshot
}

// NewService creates a Service. Call Refresh before reading the Snapshot.
func NewService(st Store) *Service {
	return &Service{store: st, snap: &Snapshot{}}
}

// Subscribe refreshes the projections after every completed sync.
func (s *Service) Subscribe(bus *possync.EventBus) possync.SubscriberID {
	return bus.Subscribe(func(possync.Event) {
		if err := s.Refresh(context.Background()); err != nil {
			slog.Warn("projection refresh failed",
				"component", "pos",
				"action", "refresh_failed",
				"error", err,
			)
		}
	}, possync.EventSyncCompleted)
}

// CreatePriceType creates a price list.
func (s *Service) CreatePriceType(ctx context.Context, name string) (*types.PriceType, error) {
	if err := validation.ValidateName(name); err != nil {
		return nil, err
	}
	pt := &types.PriceType{Name: name}
	if err := s.create(ctx, store.PriceTypes, pt); err != nil {
		return nil, err
	}
	return pt, nil
}

// UpdatePriceType renames a price list.
func (s *Service) UpdatePriceType(ctx context.Context, priceTypeID, name string) (*types.PriceType, error) {
	if err := validation.ValidateName(name); err != nil {
		return nil, err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var pt types.PriceType
	if err := s.load(ctx, store.PriceTypes, priceTypeID, &pt); err != nil {
		return nil, err
	}
	pt.Name = name
	if err := s.put(ctx, store.PriceTypes, &pt); err != nil {
		return nil, err
	}
	return &pt, nil
}

// CreateProductGroup creates a product group.
func (s *Service) CreateProductGroup(ctx context.Context, name string) (*types.ProductGroup, error) {
	if err := validation.ValidateName(name); err != nil {
		return nil, err
	}
	g := &types.ProductGroup{Name: name}
	if err := s.create(ctx, store.ProductGroups, g); err != nil {
		return nil, err
	}
	return g, nil
}

// CreateProduct creates a product with a fresh id.
func (s *Service) CreateProduct(ctx context.Context, p types.Product) (*types.Product, error) {
	p.Meta = types.Meta{}
	if err := validation.ValidateProduct(p); err != nil {
		return nil, err
	}
	if err := s.create(ctx, store.Products, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// UpdateProduct replaces the fields of an existing product.
func (s *Service) UpdateProduct(ctx context.Context, p types.Product) (*types.Product, error) {
	if err := validation.ValidateProduct(p); err != nil {
		return nil, err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var current types.Product
	if err := s.load(ctx, store.Products, p.ID, &current); err != nil {
		return nil, err
	}
	p.Meta = current.Meta
	if err := s.put(ctx, store.Products, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// AdjustStock adds delta to a product's stock. Stock may go negative.
func (s *Service) AdjustStock(ctx context.Context, productID string, delta float64) (*types.Product, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.adjustStock(ctx, productID, delta)
}

func (s *Service) adjustStock(ctx context.Context, productID string, delta float64) (*types.Product, error) {
	var p types.Product
	if err := s.load(ctx, store.Products, productID, &p); err != nil {
		return nil, err
	}
	p.Stock += delta
	if err := s.put(ctx, store.Products, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// SetProductPrice sets the price of a product for one price type, creating
// the price cell if it does not exist.
func (s *Service) SetProductPrice(ctx context.Context, productID, priceTypeID string, price float64) (*types.ProductPrice, error) {
	pp := types.ProductPrice{ProductID: productID, PriceTypeID: priceTypeID, Price: price}
	if err := validation.ValidateProductPrice(pp); err != nil {
		return nil, err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.requireLive(ctx, store.Products, productID); err != nil {
		return nil, err
	}
	if err := s.requireLive(ctx, store.PriceTypes, priceTypeID); err != nil {
		return nil, err
	}

	prices, err := listLive[types.ProductPrice](ctx, s.store, store.ProductPrices)
	if err != nil {
		return nil, err
	}
	for _, existing := range prices {
		if existing.ProductID == productID && existing.PriceTypeID == priceTypeID {
			existing.Price = price
			if err := s.put(ctx, store.ProductPrices, &existing); err != nil {
				return nil, err
			}
			return &existing, nil
		}
	}

	if err := s.create(ctx, store.ProductPrices, &pp); err != nil {
		return nil, err
	}
	return &pp, nil
}

// CreateCustomer creates a customer.
func (s *Service) CreateCustomer(ctx context.Context, c types.Customer) (*types.Customer, error) {
	c.Meta = types.Meta{}
	if err := validation.ValidateCustomer(c); err != nil {
		return nil, err
	}
	if err := s.create(ctx, store.Customers, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// UpdateCustomer replaces the fields of an existing customer.
func (s *Service) UpdateCustomer(ctx context.Context, c types.Customer) (*types.Customer, error) {
	if err := validation.ValidateCustomer(c); err != nil {
		return nil, err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var current types.Customer
	if err := s.load(ctx, store.Customers, c.ID, &current); err != nil {
		return nil, err
	}
	c.Meta = current.Meta
	if err := s.put(ctx, store.Customers, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// CreateOrder records a sale and decrements the stock of every sold
// product. A zero Total is computed from the items.
func (s *Service) CreateOrder(ctx context.Context, o types.Order) (*types.Order, error) {
	o.Meta = types.Meta{}
	if err := validation.ValidateOrder(o); err != nil {
		return nil, err
	}
	if o.Total == 0 {
		for _, item := range o.Items {
			o.Total += item.Price * item.Quantity
		}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if o.CustomerID != "" {
		if err := s.requireLive(ctx, store.Customers, o.CustomerID); err != nil {
			return nil, err
		}
	}
	for _, item := range o.Items {
		if err := s.requireLive(ctx, store.Products, item.ProductID); err != nil {
			return nil, err
		}
	}

	if err := s.create(ctx, store.Orders, &o); err != nil {
		return nil, err
	}
	for _, item := range o.Items {
		if _, err := s.adjustStock(ctx, item.ProductID, -item.Quantity); err != nil {
			return nil, fmt.Errorf("order %s: %w", o.ID, err)
		}
	}
	return &o, nil
}

// CreatePurchase records a stock receipt and increments the stock of every
// received product. A zero Total is computed from the items.
func (s *Service) CreatePurchase(ctx context.Context, p types.Purchase) (*types.Purchase, error) {
	p.Meta = types.Meta{}
	if err := validation.ValidatePurchase(p); err != nil {
		return nil, err
	}
	if p.Total == 0 {
		for _, item := range p.Items {
			p.Total += item.Cost * item.Quantity
		}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	for _, item := range p.Items {
		if err := s.requireLive(ctx, store.Products, item.ProductID); err != nil {
			return nil, err
		}
	}

	if err := s.create(ctx, store.Purchases, &p); err != nil {
		return nil, err
	}
	for _, item := range p.Items {
		if _, err := s.adjustStock(ctx, item.ProductID, item.Quantity); err != nil {
			return nil, fmt.Errorf("purchase %s: %w", p.ID, err)
		}
	}
	return &p, nil
}

// CreateUser creates a user. The caller hashes the password.
func (s *Service) CreateUser(ctx context.Context, u types.User) (*types.User, error) {
	u.Meta = types.Meta{}
	if err := validation.ValidateUser(u); err != nil {
		return nil, err
	}
	if err := s.create(ctx, store.Users, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// SetCostPriceType selects the price type used as purchase cost.
func (s *Service) SetCostPriceType(ctx context.Context, priceTypeID string) error {
	if err := s.requireLive(ctx, store.PriceTypes, priceTypeID); err != nil {
		return err
	}
	if err := s.store.SetCostPriceTypeID(ctx, priceTypeID); err != nil {
		return err
	}
	s.mu.Lock()
	s.snap.CostPriceTypeID = priceTypeID
	s.mu.Unlock()
	return nil
}

// Delete soft-deletes a record. Deleting a product also deletes its price
// cells. Deleting a customer, product group or price type still referenced
// by live rows returns ErrReferenced.
func (s *Service) Delete(ctx context.Context, t store.Table, recordID string) error {
	if !t.Valid() {
		return fmt.Errorf("delete %s: %w", t, store.ErrInvalidTable)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.requireLive(ctx, t, recordID); err != nil {
		return err
	}
	if err := s.checkReferences(ctx, t, recordID); err != nil {
		return err
	}

	if err := s.store.SoftDelete(ctx, t, recordID); err != nil {
		return err
	}

	if t == store.Products {
		prices, err := listLive[types.ProductPrice](ctx, s.store, store.ProductPrices)
		if err != nil {
			return err
		}
		for _, pp := range prices {
			if pp.ProductID != recordID {
				continue
			}
			if err := s.store.SoftDelete(ctx, store.ProductPrices, pp.ID); err != nil {
				return err
			}
		}
		return s.refreshTables(ctx, store.Products, store.ProductPrices)
	}
	return s.refreshTables(ctx, t)
}

func (s *Service) checkReferences(ctx context.Context, t store.Table, recordID string) error {
	switch t {
	case store.Customers:
		orders, err := listLive[types.Order](ctx, s.store, store.Orders)
		if err != nil {
			return err
		}
		for _, o := range orders {
			if o.CustomerID == recordID {
				return fmt.Errorf("customer %s: %w (order %s)", recordID, ErrReferenced, o.ID)
			}
		}
	case store.ProductGroups:
		products, err := listLive[types.Product](ctx, s.store, store.Products)
		if err != nil {
			return err
		}
		for _, p := range products {
			if p.GroupID == recordID {
				return fmt.Errorf("product group %s: %w (product %s)", recordID, ErrReferenced, p.ID)
			}
		}
	case store.PriceTypes:
		cost, err := s.store.CostPriceTypeID(ctx)
		if err != nil {
			return err
		}
		if cost == recordID {
			return fmt.Errorf("price type %s: %w (cost price type)", recordID, ErrReferenced)
		}
		customers, err := listLive[types.Customer](ctx, s.store, store.Customers)
		if err != nil {
			return err
		}
		for _, c := range customers {
			if c.TypeID == recordID {
				return fmt.Errorf("price type %s: %w (customer %s)", recordID, ErrReferenced, c.ID)
			}
		}
	}
	return nil
}

// create assigns a fresh id and writes e.
func (s *Service) create(ctx context.Context, t store.Table, e types.Entity) error {
	newID, err := id.Generate()
	if err != nil {
		return err
	}
	e.GetMeta().ID = newID
	return s.put(ctx, t, e)
}

// put writes e through the store, which marks it dirty, then refreshes the
// table projection.
func (s *Service) put(ctx context.Context, t store.Table, e types.Entity) error {
	data, err := types.EncodeFields(e)
	if err != nil {
		return err
	}
	m := e.GetMeta()
	updatedAt, err := s.store.Put(ctx, t, m.ID, data)
	if err != nil {
		return err
	}
	m.UpdatedAt = updatedAt
	m.Synced = false
	m.Deleted = false
	return s.refreshTables(ctx, t)
}

// load reads a live row into dst.
func (s *Service) load(ctx context.Context, t store.Table, recordID string, dst types.Entity) error {
	rec, err := s.store.Get(ctx, t, recordID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%s %s: %w", t, recordID, ErrNotFound)
	}
	if err != nil {
		return err
	}
	if rec.Deleted {
		return fmt.Errorf("%s %s: %w", t, recordID, ErrNotFound)
	}
	return types.DecodeRecord(*rec, dst)
}

func (s *Service) requireLive(ctx context.Context, t store.Table, recordID string) error {
	rec, err := s.store.Get(ctx, t, recordID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && rec.Deleted) {
		return fmt.Errorf("%s %s: %w", t, recordID, ErrNotFound)
	}
	return err
}
