package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/hyperengineering/possync/internal/id"
	"github.com/hyperengineering/possync/internal/types"
)

// insertLegacy writes a row directly, bypassing Put's id validation.
func insertLegacy(t *testing.T, s *SQLiteStore, table Table, rowID, data string, synced int) {
	t.Helper()
	_, err := s.DB().Exec(`INSERT INTO `+string(table)+` (id, data, updated_at, synced, deleted) VALUES (?, ?, 500, ?, 0)`, rowID, data, synced)
	if err != nil {
		t.Fatalf("insert legacy %s/%s: %v", table, rowID, err)
	}
}

func onlyRow(t *testing.T, s *SQLiteStore, table Table) types.Record {
	t.Helper()
	rows, err := s.List(context.Background(), table, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("%s: got %d rows, want 1", table, len(rows))
	}
	return rows[0]
}

func TestMigrateLegacyIDs_ProductCascade(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	// Given: a product with a legacy id, two prices and one order item referencing it
	const legacy = "1700000000000"
	insertLegacy(t, s, Products, legacy, `{"name":"Tea","stock":3}`, 1)
	insertLegacy(t, s, ProductPrices, "ppppppppppppp01", `{"productId":"`+legacy+`","priceTypeId":"ttttttttttttttt","price":2}`, 1)
	insertLegacy(t, s, ProductPrices, "ppppppppppppp02", `{"productId":"`+legacy+`","priceTypeId":"uuuuuuuuuuuuuuu","price":3}`, 1)
	insertLegacy(t, s, Orders, "ooooooooooooooo", `{"items":[{"productId":"`+legacy+`","name":"Tea","price":2,"quantity":1}],"total":2}`, 1)

	// When: the migration pass runs
	report, err := s.MigrateLegacyIDs(ctx)
	if err != nil {
		t.Fatalf("MigrateLegacyIDs() error = %v", err)
	}

	// Then: the product has a canonical id and the old one is gone
	product := onlyRow(t, s, Products)
	if !id.Valid(product.ID) || product.ID == legacy {
		t.Fatalf("product id = %q, want new canonical id", product.ID)
	}
	if product.Synced {
		t.Error("renamed product should be dirty")
	}
	if _, err := s.Get(ctx, Products, legacy); !errors.Is(err, ErrNotFound) {
		t.Errorf("old product id still present: %v", err)
	}
	var p types.Product
	types.DecodeRecord(product, &p)
	if p.Name != "Tea" || p.Stock != 3 {
		t.Errorf("product contents changed: %+v", p)
	}

	// Both prices point to the new id and are dirty
	prices, _ := s.List(ctx, ProductPrices, true)
	for _, rec := range prices {
		var pp types.ProductPrice
		types.DecodeRecord(rec, &pp)
		if pp.ProductID != product.ID {
			t.Errorf("price %s productId = %q, want %q", rec.ID, pp.ProductID, product.ID)
		}
		if rec.Synced {
			t.Errorf("price %s should be dirty", rec.ID)
		}
	}

	// The embedded order item snapshot is untouched
	order := mustGet(t, s, Orders, "ooooooooooooooo")
	var o types.Order
	types.DecodeRecord(*order, &o)
	if o.Items[0].ProductID != legacy {
		t.Errorf("order item productId = %q, want legacy %q", o.Items[0].ProductID, legacy)
	}
	if !order.Synced {
		t.Error("order should not be dirtied by product rename")
	}

	if report.Renamed[Products] != 1 || report.ReferencesUpdated != 2 {
		t.Errorf("report = %+v, want 1 product renamed, 2 references", report)
	}
}

func TestMigrateLegacyIDs_PriceTypeUpdatesCostSetting(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	const legacy = "cost"
	insertLegacy(t, s, PriceTypes, legacy, `{"name":"Cost"}`, 1)
	insertLegacy(t, s, Customers, "ccccccccccccccc", `{"name":"Ann","typeId":"cost"}`, 1)
	if err := s.SetCostPriceTypeID(ctx, legacy); err != nil {
		t.Fatal(err)
	}

	report, err := s.MigrateLegacyIDs(ctx)
	if err != nil {
		t.Fatalf("MigrateLegacyIDs() error = %v", err)
	}

	pt := onlyRow(t, s, PriceTypes)
	cost, _ := s.CostPriceTypeID(ctx)
	if cost != pt.ID {
		t.Errorf("cost price type = %q, want %q", cost, pt.ID)
	}
	if !report.CostTypeUpdated {
		t.Error("report should flag cost type update")
	}

	var c types.Customer
	types.DecodeRecord(*mustGet(t, s, Customers, "ccccccccccccccc"), &c)
	if c.TypeID != pt.ID {
		t.Errorf("customer typeId = %q, want %q", c.TypeID, pt.ID)
	}
}

func TestMigrateLegacyIDs_GroupAndCustomerReferences(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	insertLegacy(t, s, ProductGroups, "g1", `{"name":"Drinks"}`, 1)
	insertLegacy(t, s, Products, "ppppppppppppppp", `{"name":"Tea","groupId":"g1"}`, 1)
	insertLegacy(t, s, Customers, "c1", `{"name":"Ann"}`, 1)
	insertLegacy(t, s, Orders, "ooooooooooooooo", `{"customerId":"c1","items":[],"total":0}`, 1)

	if _, err := s.MigrateLegacyIDs(ctx); err != nil {
		t.Fatalf("MigrateLegacyIDs() error = %v", err)
	}

	group := onlyRow(t, s, ProductGroups)
	customer := onlyRow(t, s, Customers)

	var p types.Product
	types.DecodeRecord(*mustGet(t, s, Products, "ppppppppppppppp"), &p)
	if p.GroupID != group.ID {
		t.Errorf("product groupId = %q, want %q", p.GroupID, group.ID)
	}

	var o types.Order
	types.DecodeRecord(*mustGet(t, s, Orders, "ooooooooooooooo"), &o)
	if o.CustomerID != customer.ID {
		t.Errorf("order customerId = %q, want %q", o.CustomerID, customer.ID)
	}
}

func TestMigrateLegacyIDs_Idempotent(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	mustPut(t, s, Products, testID, `{"name":"Tea"}`)
	rec := mustGet(t, s, Products, testID)
	s.MarkSynced(ctx, Products, testID, rec.UpdatedAt)

	// When: the pass runs twice with no legacy ids
	for i := 0; i < 2; i++ {
		report, err := s.MigrateLegacyIDs(ctx)
		if err != nil {
			t.Fatalf("run %d: error = %v", i, err)
		}
		if report.Total() != 0 || report.ReferencesUpdated != 0 {
			t.Errorf("run %d: report = %+v, want no-op", i, report)
		}
	}

	// Then: nothing changed
	after := mustGet(t, s, Products, testID)
	if !after.Synced || after.UpdatedAt != rec.UpdatedAt {
		t.Errorf("row changed: %+v", after)
	}
}

func TestMigrateLegacyIDs_KeepsDeletedFlag(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.DB().Exec(`INSERT INTO users (id, data, updated_at, synced, deleted) VALUES ('u1', '{"username":"x"}', 1, 0, 1)`)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.MigrateLegacyIDs(ctx); err != nil {
		t.Fatal(err)
	}

	u := onlyRow(t, s, Users)
	if !u.Deleted {
		t.Error("renamed row should keep its deleted flag")
	}
	if json.Valid(u.Data) == false {
		t.Error("renamed row data should be valid JSON")
	}
}
