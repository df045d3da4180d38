package service

import (
	"context"
	"fmt"

	"order-fulfillment/internal/broker"
	"order-fulfillment/internal/models"
	"order-fulfillment/internal/store"
	"order-fulfillment/internal/util"

	"go.uber.org/zap"
)

// DispatchCoordinator joins stock and payment confirmations per order.
// Every mutation runs under the order's lock in the DispatchRepository, and
// OrderReadyForDispatch is published inside that critical section.
type DispatchCoordinator struct {
	states         store.DispatchRepository
	eventPublisher *broker.EventPublisher
	logger         *zap.Logger
}

func NewDispatchCoordinator(states store.DispatchRepository, eventPublisher *broker.EventPublisher) *DispatchCoordinator {
	return &DispatchCoordinator{
		states:         states,
		eventPublisher: eventPublisher,
		logger:         util.GetLogger(),
	}
}

// HandleStockDeducted sets the stock flag
func (c *DispatchCoordinator) HandleStockDeducted(ctx context.Context, event *models.StockDeductedEvent) error {
	ctx, span := util.StartSpan(ctx, "DispatchCoordinator.HandleStockDeducted")
	defer span.End()
	return c.confirm(ctx, event.OrderID, "stock", (*models.DispatchState).ConfirmStock)
}

// HandlePaymentSucceeded sets the payment flag
func (c *DispatchCoordinator) HandlePaymentSucceeded(ctx context.Context, event *models.PaymentSucceededEvent) error {
	ctx, span := util.StartSpan(ctx, "DispatchCoordinator.HandlePaymentSucceeded")
	defer span.End()
	return c.confirm(ctx, event.OrderID, "payment", (*models.DispatchState).ConfirmPayment)
}

// HandleStockDeductionFailed stops waiting for the order
func (c *DispatchCoordinator) HandleStockDeductionFailed(ctx context.Context, event *models.StockDeductionFailedEvent) error {
	ctx, span := util.StartSpan(ctx, "DispatchCoordinator.HandleStockDeductionFailed")
	defer span.End()
	return c.fail(ctx, event.OrderID, "stock deduction failed: "+event.Reason)
}

// HandlePaymentFailed stops waiting for the order
func (c *DispatchCoordinator) HandlePaymentFailed(ctx context.Context, event *models.PaymentFailedEvent) error {
	ctx, span := util.StartSpan(ctx, "DispatchCoordinator.HandlePaymentFailed")
	defer span.End()
	return c.fail(ctx, event.OrderID, "payment failed: "+event.Reason)
}

func (c *DispatchCoordinator) confirm(ctx context.Context, orderID, flag string, apply func(*models.DispatchState) models.Transition) error {
	logger := c.logger.With(zap.String("order_id", orderID), zap.String("confirmation", flag))

	var transition models.Transition
	state, err := c.states.UpdateDispatchState(ctx, orderID, func(ctx context.Context, s *models.DispatchState) (bool, error) {
		transition = apply(s)
		if transition.BecameReady {
			if err := c.eventPublisher.PublishOrderReadyForDispatch(ctx, &models.OrderReadyForDispatchEvent{
				BaseEvent: models.NewBaseEvent(models.EventTypeOrderReadyForDispatch, orderID),
			}); err != nil {
				return false, err
			}
		}
		return transition.Changed, nil
	})
	if err != nil {
		return fmt.Errorf("failed to apply %s confirmation for order %s: %w", flag, orderID, err)
	}

	switch {
	case transition.BecameReady:
		util.DispatchTransitionsTotal.WithLabelValues(models.DispatchStatusReady).Inc()
		logger.Info("Order ready for dispatch")
	case !transition.Changed:
		logger.Info("Confirmation had no effect", zap.String("status", state.Status))
	default:
		logger.Info("Confirmation recorded, waiting for the other one",
			zap.Bool("stock_confirmed", state.StockConfirmed),
			zap.Bool("payment_confirmed", state.PaymentConfirmed))
	}
	return nil
}

func (c *DispatchCoordinator) fail(ctx context.Context, orderID, reason string) error {
	var transition models.Transition
	state, err := c.states.UpdateDispatchState(ctx, orderID, func(ctx context.Context, s *models.DispatchState) (bool, error) {
		transition = s.Fail(reason)
		return transition.Changed, nil
	})
	if err != nil {
		return fmt.Errorf("failed to mark dispatch state failed for order %s: %w", orderID, err)
	}

	if !transition.Changed {
		c.logger.Info("Failure ignored for terminal dispatch state",
			zap.String("order_id", orderID),
			zap.String("status", state.Status))
		return nil
	}

	util.DispatchTransitionsTotal.WithLabelValues(models.DispatchStatusFailed).Inc()
	c.logger.Warn("Dispatch failed", zap.String("order_id", orderID), zap.String("reason", reason))
	return nil
}

// GetState retrieves the join state of an order
func (c *DispatchCoordinator) GetState(ctx context.Context, orderID string) (*models.DispatchState, error) {
	return c.states.GetDispatchState(ctx, orderID)
}

// ListStates retrieves join states, optionally filtered by status
func (c *DispatchCoordinator) ListStates(ctx context.Context, status string) ([]models.DispatchState, error) {
	return c.states.ListDispatchStates(ctx, status)
}
