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

// GetDispatchState retrieves the join state of an order
func (s *Store) GetDispatchState(ctx context.Context, orderID string) (*models.DispatchState, error) {
	var state models.DispatchState
	err := s.db.GetContext(ctx, &state, "SELECT * FROM dispatch_states WHERE order_id = $1", orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("dispatch state for order %s", orderID)
	}
	if err != nil {
		return nil, err
	}
	return &state, nil
}

// UpdateDispatchState serializes every mutation of one order behind its row lock.
// The row is inserted first so a lock exists even for the very first confirmation.
func (s *Store) UpdateDispatchState(ctx context.Context, orderID string, fn DispatchMutation) (*models.DispatchState, error) {
	var state models.DispatchState

	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO dispatch_states (order_id, status) VALUES ($1, $2) ON CONFLICT (order_id) DO NOTHING",
			orderID, models.DispatchStatusWaiting)
		if err != nil {
			return fmt.Errorf("failed to create dispatch state: %w", err)
		}

		err = tx.GetContext(ctx, &state,
			"SELECT * FROM dispatch_states WHERE order_id = $1 FOR UPDATE", orderID)
		if err != nil {
			return fmt.Errorf("failed to lock dispatch state: %w", err)
		}

		persist, err := fn(ctx, &state)
		if err != nil {
			return err
		}
		if !persist {
			return nil
		}

		return tx.QueryRowxContext(ctx, `
			UPDATE dispatch_states
			SET stock_confirmed = $1, payment_confirmed = $2, status = $3, failure_reason = $4, updated_at = NOW()
			WHERE order_id = $5
			RETURNING updated_at`,
			state.StockConfirmed, state.PaymentConfirmed, state.Status, state.FailureReason, orderID).
			Scan(&state.UpdatedAt)
	})
	if err != nil {
		return nil, err
	}
	return &state, nil
}

// ListDispatchStates retrieves join states, optionally filtered by status
func (s *Store) ListDispatchStates(ctx context.Context, status string) ([]models.DispatchState, error) {
	states := []models.DispatchState{}
	if status == "" {
		err := s.db.SelectContext(ctx, &states, "SELECT * FROM dispatch_states ORDER BY created_at")
		return states, err
	}
	err := s.db.SelectContext(ctx, &states,
		"SELECT * FROM dispatch_states WHERE status = $1 ORDER BY created_at", status)
	return states, err
}
