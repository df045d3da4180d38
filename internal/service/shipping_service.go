package service

import (
	"context"
	"strings"

	"order-fulfillment/internal/apperr"
	"order-fulfillment/internal/models"
	"order-fulfillment/internal/store"
	"order-fulfillment/internal/util"

	"go.uber.org/zap"
)

// ShippingService creates and advances shipments
type ShippingService struct {
	shipments store.ShipmentRepository
	logger    *zap.Logger
}

func NewShippingService(shipments store.ShipmentRepository) *ShippingService {
	return &ShippingService{
		shipments: shipments,
		logger:    util.GetLogger(),
	}
}

// HandleOrderReady creates the PREPARING shipment unless the order already has one
func (s *ShippingService) HandleOrderReady(ctx context.Context, event *models.OrderReadyForDispatchEvent) error {
	ctx, span := util.StartSpan(ctx, "ShippingService.HandleOrderReady")
	defer span.End()

	shipment := &models.Shipment{
		OrderID: event.OrderID,
		Status:  models.ShipmentStatusPreparing,
	}

	created, err := s.shipments.CreateShipmentIfAbsent(ctx, shipment)
	if err != nil {
		return err
	}
	if !created {
		s.logger.Info("Shipment already exists", zap.String("order_id", event.OrderID))
		return nil
	}

	util.ShipmentsCreatedTotal.Inc()
	s.logger.Info("Shipment created",
		zap.String("order_id", event.OrderID),
		zap.Int64("shipment_id", shipment.ID))
	return nil
}

// UpdateStatus moves a shipment to any operator supplied status. Entering
// SHIPPED assigns the tracking code.
func (s *ShippingService) UpdateStatus(ctx context.Context, orderID, status string) (*models.Shipment, error) {
	status = strings.ToUpper(strings.TrimSpace(status))
	if status == "" {
		return nil, apperr.Validation("status is required")
	}

	shipment, err := s.shipments.UpdateShipment(ctx, orderID, func(sh *models.Shipment) error {
		sh.Status = status
		if status == models.ShipmentStatusShipped {
			sh.TrackingCode = models.TrackingCodeFor(orderID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Shipment status updated",
		zap.String("order_id", orderID),
		zap.String("status", status),
		zap.String("tracking_code", shipment.TrackingCode))
	return shipment, nil
}

// GetByOrderID retrieves the shipment of an order
func (s *ShippingService) GetByOrderID(ctx context.Context, orderID string) (*models.Shipment, error) {
	return s.shipments.GetShipmentByOrderID(ctx, orderID)
}

// List retrieves shipments, optionally filtered by status
func (s *ShippingService) List(ctx context.Context, status string) ([]models.Shipment, error) {
	return s.shipments.ListShipments(ctx, strings.ToUpper(strings.TrimSpace(status)))
}
