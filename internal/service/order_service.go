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

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// IdempotencyKeys remembers which order a client supplied key created
type IdempotencyKeys interface {
	GetIdempotencyKey(ctx context.Context, key string) (string, error)
	SetIdempotencyKey(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

// OrderService handles order business logic
type OrderService struct {
	orders         store.OrderRepository
	eventPublisher *broker.EventPublisher
	idempotency    IdempotencyKeys
	idempotencyTTL time.Duration
	logger         *zap.Logger
}

// NewOrderService creates a new order service
func NewOrderService(orders store.OrderRepository, eventPublisher *broker.EventPublisher) *OrderService {
	return &OrderService{
		orders:         orders,
		eventPublisher: eventPublisher,
		logger:         util.GetLogger(),
	}
}

// WithIdempotency makes CreateOrder replay the first result for a repeated key
func (s *OrderService) WithIdempotency(keys IdempotencyKeys, ttl time.Duration) *OrderService {
	s.idempotency = keys
	s.idempotencyTTL = ttl
	return s
}

// CreateOrderRequest represents a request to create an order
type CreateOrderRequest struct {
	CustomerID     string            `json:"customerId" binding:"required"`
	TotalAmount    decimal.Decimal   `json:"totalAmount"`
	LineItems      []models.LineItem `json:"lineItems" binding:"required,min=1"`
	IdempotencyKey string            `json:"-"`
}

// UpdateOrderRequest represents the mutable fields of an order
type UpdateOrderRequest struct {
	CustomerID  string           `json:"customerId"`
	TotalAmount *decimal.Decimal `json:"totalAmount"`
}

// CreateOrder persists a PENDING order and emits OrderCreated
func (s *OrderService) CreateOrder(ctx context.Context, req *CreateOrderRequest) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CreateOrder")
	defer span.End()

	if existing, err := s.replay(ctx, req.IdempotencyKey); err != nil || existing != nil {
		return existing, err
	}

	order := &models.Order{
		ID:          uuid.New().String(),
		CustomerID:  req.CustomerID,
		TotalAmount: req.TotalAmount,
		Status:      models.OrderStatusPending,
	}

	event := &models.OrderCreatedEvent{
		BaseEvent:   models.NewBaseEvent(models.EventTypeOrderCreated, order.ID),
		CustomerID:  order.CustomerID,
		TotalAmount: order.TotalAmount,
		LineItems:   req.LineItems,
	}
	if err := event.Validate(); err != nil {
		util.OrdersFailedTotal.WithLabelValues("invalid_request").Inc()
		return nil, err
	}

	err := s.orders.CreateOrder(ctx, order, func(ctx context.Context) error {
		if err := s.eventPublisher.PublishOrderCreated(ctx, event); err != nil {
			s.logger.Error("Failed to publish OrderCreated event", zap.String("order_id", order.ID), zap.Error(err))
			return fmt.Errorf("failed to publish OrderCreated: %w", err)
		}
		return nil
	})
	if err != nil {
		util.OrdersFailedTotal.WithLabelValues("create_error").Inc()
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	util.OrdersCreatedTotal.Inc()
	s.logger.Info("Order created",
		zap.String("order_id", order.ID),
		zap.String("customer_id", order.CustomerID),
		zap.String("total_amount", order.TotalAmount.StringFixed(2)))

	if req.IdempotencyKey != "" && s.idempotency != nil {
		if err := s.idempotency.SetIdempotencyKey(ctx, orderKey(req.IdempotencyKey), order.ID, s.idempotencyTTL); err != nil {
			s.logger.Warn("Failed to store idempotency key", zap.String("order_id", order.ID), zap.Error(err))
		}
	}

	return order, nil
}

func (s *OrderService) replay(ctx context.Context, key string) (*models.Order, error) {
	if key == "" || s.idempotency == nil {
		return nil, nil
	}

	orderID, err := s.idempotency.GetIdempotencyKey(ctx, orderKey(key))
	if err != nil {
		return nil, fmt.Errorf("failed to check idempotency: %w", err)
	}
	if orderID == "" {
		return nil, nil
	}

	s.logger.Info("Duplicate order request detected",
		zap.String("idempotency_key", key),
		zap.String("order_id", orderID))
	return s.orders.GetOrder(ctx, orderID)
}

func orderKey(key string) string {
	return "order:" + key
}

// GetOrder retrieves an order by ID
func (s *OrderService) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	return s.orders.GetOrder(ctx, id)
}

// ListOrders retrieves all orders
func (s *OrderService) ListOrders(ctx context.Context) ([]models.Order, error) {
	return s.orders.ListOrders(ctx)
}

// UpdateOrder changes customer and amount and moves the order to UPDATED.
// A failed order keeps its status.
func (s *OrderService) UpdateOrder(ctx context.Context, id string, req *UpdateOrderRequest) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.UpdateOrder")
	defer span.End()

	order, err := s.orders.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}

	if req.CustomerID != "" {
		order.CustomerID = req.CustomerID
	}
	if req.TotalAmount != nil {
		if req.TotalAmount.IsNegative() {
			return nil, apperr.Validation("order %s: totalAmount must not be negative", id)
		}
		order.TotalAmount = *req.TotalAmount
	}
	if order.Status != models.OrderStatusFailed {
		order.Status = models.OrderStatusUpdated
	}

	if err := s.orders.UpdateOrder(ctx, order); err != nil {
		return nil, err
	}

	s.logger.Info("Order updated", zap.String("order_id", id), zap.String("status", order.Status))
	return order, nil
}

// DeleteOrder removes an order
func (s *OrderService) DeleteOrder(ctx context.Context, id string) error {
	if err := s.orders.DeleteOrder(ctx, id); err != nil {
		return err
	}
	s.logger.Info("Order deleted", zap.String("order_id", id))
	return nil
}

// HandleStockDeductionFailed marks the order failed
func (s *OrderService) HandleStockDeductionFailed(ctx context.Context, event *models.StockDeductionFailedEvent) error {
	return s.markFailed(ctx, event.OrderID, "stock_deduction_failed", event.Reason)
}

// HandlePaymentFailed marks the order failed
func (s *OrderService) HandlePaymentFailed(ctx context.Context, event *models.PaymentFailedEvent) error {
	return s.markFailed(ctx, event.OrderID, "payment_failed", event.Reason)
}

func (s *OrderService) markFailed(ctx context.Context, orderID, cause, reason string) error {
	ctx, span := util.StartSpan(ctx, "OrderService.HandleOrderFailed")
	defer span.End()

	changed, err := s.orders.MarkOrderFailed(ctx, orderID)
	if errors.Is(err, apperr.ErrNotFound) {
		s.logger.Warn("Failure reported for unknown order", zap.String("order_id", orderID), zap.String("cause", cause))
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to mark order %s failed: %w", orderID, err)
	}

	if !changed {
		s.logger.Info("Order already failed", zap.String("order_id", orderID))
		return nil
	}

	util.OrdersFailedTotal.WithLabelValues(cause).Inc()
	s.logger.Warn("Order failed",
		zap.String("order_id", orderID),
		zap.String("cause", cause),
		zap.String("reason", reason))
	return nil
}
