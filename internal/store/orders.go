package store

import (
	"context"
	"database/sql"
	"errors"

	"order-fulfillment/internal/apperr"
	"order-fulfillment/internal/models"

	"github.com/jmoiron/sqlx"
)

// CreateOrder creates a new order
func (s *Store) CreateOrder(ctx context.Context, order *models.Order, commit CommitFunc) error {
	query := `
		INSERT INTO orders (id, customer_id, total_amount, status)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at`

	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		err := tx.QueryRowxContext(ctx, query,
			order.ID, order.CustomerID, order.TotalAmount, order.Status).
			Scan(&order.CreatedAt, &order.UpdatedAt)
		if err != nil {
			return err
		}
		if commit != nil {
			return commit(ctx)
		}
		return nil
	})
}

// GetOrder retrieves an order by ID
func (s *Store) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT * FROM orders WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("order %s", id)
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// ListOrders retrieves all orders, newest first
func (s *Store) ListOrders(ctx context.Context) ([]models.Order, error) {
	orders := []models.Order{}
	err := s.db.SelectContext(ctx, &orders, "SELECT * FROM orders ORDER BY created_at DESC")
	return orders, err
}

// UpdateOrder overwrites customer, amount and status
func (s *Store) UpdateOrder(ctx context.Context, order *models.Order) error {
	query := `
		UPDATE orders SET customer_id = $1, total_amount = $2, status = $3, updated_at = NOW()
		WHERE id = $4
		RETURNING created_at, updated_at`

	err := s.db.QueryRowxContext(ctx, query,
		order.CustomerID, order.TotalAmount, order.Status, order.ID).
		Scan(&order.CreatedAt, &order.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.NotFound("order %s", order.ID)
	}
	return err
}

// DeleteOrder removes an order
func (s *Store) DeleteOrder(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM orders WHERE id = $1", id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperr.NotFound("order %s", id)
	}
	return nil
}

// MarkOrderFailed updates order status to FAILED
func (s *Store) MarkOrderFailed(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE orders SET status = $1, updated_at = NOW() WHERE id = $2 AND status <> $1",
		models.OrderStatusFailed, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}

	// nothing updated: either unknown or already failed
	if _, err := s.GetOrder(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}
