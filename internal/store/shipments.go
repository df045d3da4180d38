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

// CreateShipmentIfAbsent relies on the unique order_id, so concurrent duplicates create one row
func (s *Store) CreateShipmentIfAbsent(ctx context.Context, shipment *models.Shipment) (bool, error) {
	query := `
		INSERT INTO shipments (order_id, status, tracking_code)
		VALUES ($1, $2, $3)
		ON CONFLICT (order_id) DO NOTHING
		RETURNING id, created_at, updated_at`

	err := s.db.QueryRowxContext(ctx, query, shipment.OrderID, shipment.Status, shipment.TrackingCode).
		Scan(&shipment.ID, &shipment.CreatedAt, &shipment.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to create shipment: %w", err)
	}
	return true, nil
}

// GetShipmentByOrderID retrieves the shipment of an order
func (s *Store) GetShipmentByOrderID(ctx context.Context, orderID string) (*models.Shipment, error) {
	var shipment models.Shipment
	err := s.db.GetContext(ctx, &shipment, "SELECT * FROM shipments WHERE order_id = $1", orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("shipment for order %s", orderID)
	}
	if err != nil {
		return nil, err
	}
	return &shipment, nil
}

// UpdateShipment locks the shipment row while fn changes it
func (s *Store) UpdateShipment(ctx context.Context, orderID string, fn func(*models.Shipment) error) (*models.Shipment, error) {
	var shipment models.Shipment

	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &shipment, "SELECT * FROM shipments WHERE order_id = $1 FOR UPDATE", orderID)
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.NotFound("shipment for order %s", orderID)
		}
		if err != nil {
			return err
		}

		if err := fn(&shipment); err != nil {
			return err
		}

		return tx.QueryRowxContext(ctx,
			"UPDATE shipments SET status = $1, tracking_code = $2, updated_at = NOW() WHERE order_id = $3 RETURNING updated_at",
			shipment.Status, shipment.TrackingCode, orderID).
			Scan(&shipment.UpdatedAt)
	})
	if err != nil {
		return nil, err
	}
	return &shipment, nil
}

// ListShipments retrieves shipments, optionally filtered by status
func (s *Store) ListShipments(ctx context.Context, status string) ([]models.Shipment, error) {
	shipments := []models.Shipment{}
	if status == "" {
		err := s.db.SelectContext(ctx, &shipments, "SELECT * FROM shipments ORDER BY id")
		return shipments, err
	}
	err := s.db.SelectContext(ctx, &shipments,
		"SELECT * FROM shipments WHERE status = $1 ORDER BY id", status)
	return shipments, err
}
