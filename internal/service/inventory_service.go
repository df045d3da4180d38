package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"order-fulfillment/internal/apperr"
	"order-fulfillment/internal/broker"
	"order-fulfillment/internal/models"
	"order-fulfillment/internal/store"
	"order-fulfillment/internal/util"

	"go.uber.org/zap"
)

// InventoryService deducts stock for created orders
type InventoryService struct {
	products       store.ProductRepository
	eventPublisher *broker.EventPublisher
	logger         *zap.Logger
}

func NewInventoryService(products store.ProductRepository, eventPublisher *broker.EventPublisher) *InventoryService {
	return &InventoryService{
		products:       products,
		eventPublisher: eventPublisher,
		logger:         util.GetLogger(),
	}
}

// HandleOrderCreated deducts every line item or none. The outcome event is published
// before the deduction or rejection commits, so a failed publish leaves no trace
// and the redelivery decides again. Once committed, redeliveries are acked silently.
func (s *InventoryService) HandleOrderCreated(ctx context.Context, event *models.OrderCreatedEvent) error {
	ctx, span := util.StartSpan(ctx, "InventoryService.HandleOrderCreated")
	defer span.End()

	start := time.Now()
	defer func() {
		util.StockDeductionLatency.Observe(time.Since(start).Seconds())
	}()

	logger := s.logger.With(zap.String("order_id", event.OrderID), zap.String("event_id", event.EventID))

	err := s.products.DeductStock(ctx, event.OrderID, event.LineItems, func(ctx context.Context, rejection error) error {
		if rejection != nil {
			return s.publishFailure(ctx, event.OrderID, rejection.Error())
		}
		return s.eventPublisher.PublishStockDeducted(ctx, &models.StockDeductedEvent{
			BaseEvent: models.NewBaseEvent(models.EventTypeStockDeducted, event.OrderID),
		})
	})

	switch {
	case err == nil:
		util.StockDeductionsTotal.WithLabelValues("deducted").Inc()
		logger.Info("Stock deducted", zap.Int("line_items", len(event.LineItems)))
		return nil

	case errors.Is(err, apperr.ErrAlreadyProcessed):
		util.StockDeductionsTotal.WithLabelValues("duplicate").Inc()
		logger.Info("Stock already handled for order, skipping")
		return nil

	case errors.Is(err, apperr.ErrInsufficientStock), errors.Is(err, apperr.ErrNotFound):
		util.StockDeductionsTotal.WithLabelValues(apperr.Kind(err)).Inc()
		logger.Warn("Stock deduction rejected", zap.Error(err))
		return nil

	default:
		util.StockDeductionsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to deduct stock for order %s: %w", event.OrderID, err)
	}
}

func (s *InventoryService) publishFailure(ctx context.Context, orderID, reason string) error {
	return s.eventPublisher.PublishStockDeductionFailed(ctx, &models.StockDeductionFailedEvent{
		BaseEvent: models.NewBaseEvent(models.EventTypeStockDeductionFailed, orderID),
		Reason:    reason,
	})
}

// GetProduct retrieves a product by SKU
func (s *InventoryService) GetProduct(ctx context.Context, id string) (*models.Product, error) {
	return s.products.GetProduct(ctx, id)
}

// ListProducts retrieves all products
func (s *InventoryService) ListProducts(ctx context.Context) ([]models.Product, error) {
	return s.products.ListProducts(ctx)
}

// SaveProduct inserts or replaces a product
func (s *InventoryService) SaveProduct(ctx context.Context, product *models.Product) (*models.Product, error) {
	if product.ID == "" {
		return nil, apperr.Validation("product id is required")
	}
	if err := s.products.SaveProduct(ctx, product); err != nil {
		return nil, err
	}
	s.logger.Info("Product saved", zap.String("product_id", product.ID), zap.Int("quantity", product.Quantity))
	return product, nil
}
