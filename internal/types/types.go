package types

import (
	"encoding/json"
	"fmt"
)

// Meta holds the sync bookkeeping carried by every syncable record.
// Synced and Deleted never travel to the remote.
type Meta struct {
	ID        string `json:"id"`
	UpdatedAt int64  `json:"updatedAt"` // epoch milliseconds
	Synced    bool   `json:"-"`
	Deleted   bool   `json:"-"`
}

// GetMeta returns the record's sync metadata.
func (m *Meta) GetMeta() *Meta { return m }

// Entity is implemented by every syncable entity kind.
type Entity interface {
	GetMeta() *Meta
}

// PriceType is a named price list (retail, wholesale, cost, ...).
type PriceType struct {
	Meta
	Name string `json:"name"`
}

// ProductGroup groups products for browsing and reporting.
type ProductGroup struct {
	Meta
	Name string `json:"name"`
}

// Product is a sellable catalog item.
//
// Entity fields never use omitempty: pushes are merge patches, so a cleared
// value has to be sent as "" to overwrite the remote copy.
type Product struct {
	Meta
	Name    string  `json:"name"`
	Barcode string  `json:"barcode"`
	GroupID string  `json:"groupId"`
	Unit    string  `json:"unit"`
	Stock   float64 `json:"stock"`
}

// ProductPrice is one cell of the product x price type matrix.
type ProductPrice struct {
	Meta
	ProductID   string  `json:"productId"`
	PriceTypeID string  `json:"priceTypeId"`
	Price       float64 `json:"price"`
}

// Customer is a buyer; TypeID selects the price type applied at sale time.
type Customer struct {
	Meta
	Name   string  `json:"name"`
	Phone  string  `json:"phone"`
	TypeID string  `json:"typeId"`
	Debt   float64 `json:"debt"`
}

// OrderItem is a snapshot of a sold product taken at sale time.
type OrderItem struct {
	ProductID string  `json:"productId"`
	Name      string  `json:"name"`
	Price     float64 `json:"price"`
	Quantity  float64 `json:"quantity"`
}

// Order is a sale.
type Order struct {
	Meta
	CustomerID string      `json:"customerId"`
	Items      []OrderItem `json:"items"`
	Total      float64     `json:"total"`
	Paid       float64     `json:"paid"`
	Note       string      `json:"note"`
}

// PurchaseItem is a snapshot of a received product taken at purchase time.
type PurchaseItem struct {
	ProductID string  `json:"productId"`
	Name      string  `json:"name"`
	Cost      float64 `json:"cost"`
	Quantity  float64 `json:"quantity"`
}

// Purchase is a stock receipt from a supplier.
type Purchase struct {
	Meta
	Supplier string         `json:"supplier"`
	Items    []PurchaseItem `json:"items"`
	Total    float64        `json:"total"`
	Note     string         `json:"note"`
}

// User is an authentication principal. Password hashing is done by the caller.
type User struct {
	Meta
	Username     string `json:"username"`
	PasswordHash string `json:"passwordHash"`
	Role         string `json:"role"`
}

// StoreConfig holds singleton settings persisted outside the record tables.
type StoreConfig struct {
	CostPriceTypeID string `json:"costPriceTypeId"`
}

// Record is the storage-level form of an entity: sync metadata plus the
// entity's own fields as a JSON object.
type Record struct {
	ID        string
	UpdatedAt int64
	Synced    bool
	Deleted   bool
	Data      json.RawMessage
}

// metaFields are stripped from entity JSON before it is stored as Data.
var metaFields = []string{"id", "updatedAt", "synced", "deleted"}

// EncodeFields returns the entity's own fields as a JSON object, without
// the sync metadata.
func EncodeFields(e Entity) (json.RawMessage, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode entity: %w", err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("encode entity: %w", err)
	}
	for _, k := range metaFields {
		delete(fields, k)
	}
	return json.Marshal(fields)
}

// DecodeRecord fills dst from rec's Data and copies the sync metadata.
func DecodeRecord(rec Record, dst Entity) error {
	if len(rec.Data) > 0 {
		if err := json.Unmarshal(rec.Data, dst); err != nil {
			return fmt.Errorf("decode record %s: %w", rec.ID, err)
		}
	}
	m := dst.GetMeta()
	m.ID = rec.ID
	m.UpdatedAt = rec.UpdatedAt
	m.Synced = rec.Synced
	m.Deleted = rec.Deleted
	return nil
}
