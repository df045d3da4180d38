package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"order-fulfillment/internal/apperr"
	"order-fulfillment/internal/models"

	"github.com/jmoiron/sqlx"
)

// RecordTransaction inserts a payment row carrying its final transaction code
func (s *Store) RecordTransaction(ctx context.Context, txn *models.PaymentTransaction, commit CommitFunc) error {
	query := `
		INSERT INTO payment_transactions (transaction_code, order_id, status, amount, reason)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT DO NOTHING
		RETURNING id, created_at`

	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		err := tx.QueryRowxContext(ctx, query,
			txn.TransactionCode, txn.OrderID, txn.Status, txn.Amount, txn.Reason).
			Scan(&txn.ID, &txn.CreatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("payment for order %s: %w", txn.OrderID, apperr.ErrAlreadyProcessed)
		}
		if err != nil {
			return fmt.Errorf("failed to insert payment: %w", err)
		}

		if commit != nil {
			return commit(ctx)
		}
		return nil
	})
}

// GetTransactionByOrderID retrieves the payment of an order
func (s *Store) GetTransactionByOrderID(ctx context.Context, orderID string) (*models.PaymentTransaction, error) {
	var txn models.PaymentTransaction
	err := s.db.GetContext(ctx, &txn, "SELECT * FROM payment_transactions WHERE order_id = $1", orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("payment for order %s", orderID)
	}
	if err != nil {
		return nil, err
	}
	return &txn, nil
}

// ListTransactions retrieves all payments
func (s *Store) ListTransactions(ctx context.Context) ([]models.PaymentTransaction, error) {
	txns := []models.PaymentTransaction{}
	err := s.db.SelectContext(ctx, &txns, "SELECT * FROM payment_transactions ORDER BY id")
	return txns, err
}
