package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"order-fulfillment/internal/apperr"
	"order-fulfillment/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// GetProduct retrieves a product by SKU
func (s *Store) GetProduct(ctx context.Context, id string) (*models.Product, error) {
	var product models.Product
	err := s.db.GetContext(ctx, &product, "SELECT * FROM products WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("product %s", id)
	}
	if err != nil {
		return nil, err
	}
	return &product, nil
}

// SaveProduct inserts or replaces a product
func (s *Store) SaveProduct(ctx context.Context, product *models.Product) error {
	if product.Quantity < 0 {
		return apperr.Validation("product %s: quantity must not be negative", product.ID)
	}

	query := `
		INSERT INTO products (id, name, quantity)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, quantity = EXCLUDED.quantity, updated_at = NOW()
		RETURNING updated_at`

	return s.db.QueryRowxContext(ctx, query, product.ID, product.Name, product.Quantity).
		Scan(&product.UpdatedAt)
}

// ListProducts retrieves all products
func (s *Store) ListProducts(ctx context.Context) ([]models.Product, error) {
	products := []models.Product{}
	err := s.db.SelectContext(ctx, &products, "SELECT * FROM products ORDER BY id")
	return products, err
}

// DeductStock decrements stock for every line of an order in one transaction.
// Product rows are locked in id order so concurrent orders cannot deadlock.
func (s *Store) DeductStock(ctx context.Context, orderID string, lines []models.LineItem, commit DeductionFunc) error {
	wanted, ids := mergeLines(lines)

	var rejection error
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			"INSERT INTO processed_events (ledger, order_id, outcome) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING",
			LedgerStockDeduction, orderID, LedgerOutcomeDeducted)
		if err != nil {
			return fmt.Errorf("failed to write ledger: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return fmt.Errorf("stock for order %s: %w", orderID, apperr.ErrAlreadyProcessed)
		}

		var locked []models.Product
		err = tx.SelectContext(ctx, &locked,
			"SELECT * FROM products WHERE id = ANY($1) ORDER BY id FOR UPDATE", pq.Array(ids))
		if err != nil {
			return fmt.Errorf("failed to lock products: %w", err)
		}

		available := make(map[string]int, len(locked))
		for _, p := range locked {
			available[p.ID] = p.Quantity
		}
		rejection = checkStock(wanted, ids, available)
		if rejection != nil {
			_, err := tx.ExecContext(ctx,
				"UPDATE processed_events SET outcome = $1, reason = $2 WHERE ledger = $3 AND order_id = $4",
				LedgerOutcomeRejected, rejection.Error(), LedgerStockDeduction, orderID)
			if err != nil {
				return fmt.Errorf("failed to record rejection: %w", err)
			}
		} else {
			for _, id := range ids {
				_, err := tx.ExecContext(ctx,
					"UPDATE products SET quantity = quantity - $1, updated_at = NOW() WHERE id = $2",
					wanted[id], id)
				if err != nil {
					return fmt.Errorf("failed to deduct stock for %s: %w", id, err)
				}
			}
		}

		if commit != nil {
			return commit(ctx, rejection)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return rejection
}

// mergeLines sums quantities per product and returns the ids sorted
func mergeLines(lines []models.LineItem) (map[string]int, []string) {
	wanted := make(map[string]int, len(lines))
	for _, l := range lines {
		wanted[l.ProductID] += l.Quantity
	}
	ids := make([]string, 0, len(wanted))
	for id := range wanted {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return wanted, ids
}

func checkStock(wanted map[string]int, ids []string, available map[string]int) error {
	for _, id := range ids {
		qty, ok := available[id]
		if !ok {
			return apperr.NotFound("product %s", id)
		}
		if qty < wanted[id] {
			return fmt.Errorf("product %s: available=%d, requested=%d: %w",
				id, qty, wanted[id], apperr.ErrInsufficientStock)
		}
	}
	return nil
}
