package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hyperengineering/possync/internal/id"
)

// ForeignKey names a JSON field of a table that holds another entity's id.
type ForeignKey struct {
	Table Table
	Field string
}

// References lists, per referenced table, the live foreign-key columns that
// point at it. Embedded order/purchase item snapshots are deliberately
// absent: they record what was sold, not a live link.
var References = map[Table][]ForeignKey{
	PriceTypes: {
		{Table: ProductPrices, Field: "priceTypeId"},
		{Table: Customers, Field: "typeId"},
	},
	ProductGroups: {
		{Table: Products, Field: "groupId"},
	},
	Products: {
		{Table: ProductPrices, Field: "productId"},
	},
	Customers: {
		{Table: Orders, Field: "customerId"},
	},
}

// migrationOrder renames parents before the children that reference them,
// then the leaf tables nothing references.
var migrationOrder = []Table{
	PriceTypes,
	ProductGroups,
	Products,
	Customers,
	ProductPrices,
	Users,
	Orders,
	Purchases,
}

// MigrationReport summarises one identifier migration pass.
type MigrationReport struct {
	Renamed           map[Table]int
	ReferencesUpdated int
	CostTypeUpdated   bool
}

// Total returns the number of renamed rows across all tables.
func (r *MigrationReport) Total() int {
	n := 0
	for _, c := range r.Renamed {
		n += c
	}
	return n
}

// MigrateLegacyIDs rewrites every row whose id is not canonical to a fresh
// canonical id, cascading the rename through References and the cost price
// type setting. The pass runs in a single transaction: either every legacy
// id is rewritten or nothing changes. Renamed rows and rows whose foreign
// keys changed are dirtied. Running it with no legacy ids is a no-op.
func (s *SQLiteStore) MigrateLegacyIDs(ctx context.Context) (*MigrationReport, error) {
	report := &MigrationReport{Renamed: make(map[Table]int)}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("migrate ids: begin: %w", err)
	}
	defer tx.Rollback()

	now := s.nowMillis()
	for _, t := range migrationOrder {
		legacy, err := legacyIDs(ctx, tx, t)
		if err != nil {
			return nil, fmt.Errorf("migrate ids: scan %s: %w", t, err)
		}

		for _, oldID := range legacy {
			newID, err := id.Generate()
			if err != nil {
				return nil, fmt.Errorf("migrate ids: %w", err)
			}

			refs, err := renameReferences(ctx, tx, t, oldID, newID, now)
			if err != nil {
				return nil, fmt.Errorf("migrate ids: %s/%s references: %w", t, oldID, err)
			}
			report.ReferencesUpdated += refs

			if t == PriceTypes {
				updated, err := renameCostPriceType(ctx, tx, oldID, newID)
				if err != nil {
					return nil, fmt.Errorf("migrate ids: cost price type: %w", err)
				}
				if updated {
					report.CostTypeUpdated = true
				}
			}

			if err := renameRow(ctx, tx, t, oldID, newID, now); err != nil {
				return nil, fmt.Errorf("migrate ids: %s/%s: %w", t, oldID, err)
			}
			report.Renamed[t]++

			slog.Info("legacy id migrated",
				"component", "store",
				"action", "id_migrated",
				"table", string(t),
				"old_id", oldID,
				"new_id", newID,
				"references", refs,
			)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("migrate ids: commit: %w", err)
	}
	return report, nil
}

func legacyIDs(ctx context.Context, tx *sql.Tx, t Table) ([]string, error) {
	rows, err := tx.QueryContext(ctx, fmt.Sprintf(`SELECT id FROM %s WHERE length(id) != ?`, t), id.Length)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		ids = append(ids, v)
	}
	return ids, rows.Err()
}

// renameReferences points every live foreign key at newID and dirties the
// referencing rows. Returns the number of rows updated.
func renameReferences(ctx context.Context, tx *sql.Tx, t Table, oldID, newID string, now int64) (int, error) {
	total := 0
	for _, fk := range References[t] {
		path := "$." + fk.Field
		result, err := tx.ExecContext(ctx, fmt.Sprintf(`
			UPDATE %s
			SET data = json_set(data, ?, ?), synced = 0, updated_at = MAX(?, updated_at + 1)
			WHERE json_extract(data, ?) = ?
		`, fk.Table), path, newID, now, path, oldID)
		if err != nil {
			return total, fmt.Errorf("%s.%s: %w", fk.Table, fk.Field, err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return total, err
		}
		total += int(n)
	}
	return total, nil
}

func renameCostPriceType(ctx context.Context, tx *sql.Tx, oldID, newID string) (bool, error) {
	current, err := getMeta(ctx, tx, MetaCostPriceTypeID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if current != oldID {
		return false, nil
	}
	return true, setMeta(ctx, tx, MetaCostPriceTypeID, newID)
}

// renameRow inserts a copy of the row under newID, dirty, then deletes the
// old row.
func renameRow(ctx context.Context, tx *sql.Tx, t Table, oldID, newID string, now int64) error {
	_, err := tx.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %[1]s (id, data, updated_at, synced, deleted)
		SELECT ?, data, MAX(?, updated_at + 1), 0, deleted FROM %[1]s WHERE id = ?
	`, t), newID, now, oldID)
	if err != nil {
		return fmt.Errorf("insert renamed row: %w", err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, t), oldID); err != nil {
		return fmt.Errorf("delete old row: %w", err)
	}
	return nil
}
