package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
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

// Gateway charges an amount. A refusal is reported with apperr.Declined, any
// other error is an infrastructure failure. It must be deterministic for a given amount.
type Gateway interface {
	Charge(ctx context.Context, amount decimal.Decimal) error
}

var half = decimal.New(5, -1)

// SimulatedGateway declines every amount whose cents are exactly .50
type SimulatedGateway struct{}

func (SimulatedGateway) Charge(ctx context.Context, amount decimal.Decimal) error {
	fraction := amount.Abs().Sub(amount.Abs().Truncate(0))
	if fraction.Equal(half) {
		return apperr.Declined(models.PaymentDeclinedReason)
	}
	return nil
}

// PaymentService charges created orders
type PaymentService struct {
	payments       store.PaymentRepository
	gateway        Gateway
	eventPublisher *broker.EventPublisher
	logger         *zap.Logger
}

// NewPaymentService creates a new payment service
func NewPaymentService(payments store.PaymentRepository, gateway Gateway, eventPublisher *broker.EventPublisher) *PaymentService {
	return &PaymentService{
		payments:       payments,
		gateway:        gateway,
		eventPublisher: eventPublisher,
		logger:         util.GetLogger(),
	}
}

// HandleOrderCreated charges the order once and records the outcome with its event
func (ps *PaymentService) HandleOrderCreated(ctx context.Context, event *models.OrderCreatedEvent) error {
	ctx, span := util.StartSpan(ctx, "PaymentService.HandleOrderCreated")
	defer span.End()

	logger := ps.logger.With(zap.String("order_id", event.OrderID), zap.String("event_id", event.EventID))

	if existing, err := ps.payments.GetTransactionByOrderID(ctx, event.OrderID); err == nil {
		logger.Info("Payment already recorded, skipping", zap.String("status", existing.Status))
		return nil
	} else if !errors.Is(err, apperr.ErrNotFound) {
		return fmt.Errorf("failed to look up payment: %w", err)
	}

	util.PaymentAttemptsTotal.Inc()
	start := time.Now()
	defer func() {
		util.PaymentProcessingLatency.Observe(time.Since(start).Seconds())
	}()

	logger.Info("Processing payment", zap.String("amount", event.TotalAmount.StringFixed(2)))

	var declined *apperr.DeclineError
	err := ps.gateway.Charge(ctx, event.TotalAmount)
	if err != nil && !errors.As(err, &declined) {
		return fmt.Errorf("payment gateway failed: %w", err)
	}
	approved := declined == nil

	code, err := newTransactionCode()
	if err != nil {
		return err
	}

	txn := &models.PaymentTransaction{
		TransactionCode: code,
		OrderID:         event.OrderID,
		Amount:          event.TotalAmount,
	}

	var publish store.CommitFunc
	if approved {
		txn.Status = models.PaymentStatusSuccessful
		publish = func(ctx context.Context) error {
			return ps.eventPublisher.PublishPaymentSucceeded(ctx, &models.PaymentSucceededEvent{
				BaseEvent:       models.NewBaseEvent(models.EventTypePaymentSucceeded, event.OrderID),
				TransactionCode: code,
			})
		}
	} else {
		txn.Status = models.PaymentStatusFailed
		txn.Reason = declined.Reason
		publish = func(ctx context.Context) error {
			return ps.eventPublisher.PublishPaymentFailed(ctx, &models.PaymentFailedEvent{
				BaseEvent: models.NewBaseEvent(models.EventTypePaymentFailed, event.OrderID),
				Reason:    declined.Reason,
			})
		}
	}

	err = ps.payments.RecordTransaction(ctx, txn, publish)
	if errors.Is(err, apperr.ErrAlreadyProcessed) {
		logger.Info("Payment recorded concurrently, skipping")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to record payment: %w", err)
	}

	if approved {
		util.PaymentSuccessTotal.Inc()
		logger.Info("Payment succeeded", zap.String("transaction_code", code))
	} else {
		util.PaymentFailedTotal.Inc()
		logger.Warn("Payment failed", zap.String("reason", txn.Reason))
	}
	return nil
}

// newTransactionCode derives the business code from a time ordered uuid
func newTransactionCode() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to generate transaction code: %w", err)
	}
	return "TXN-" + strings.ToUpper(strings.ReplaceAll(id.String(), "-", "")), nil
}

// GetPayment retrieves payment for an order
func (ps *PaymentService) GetPayment(ctx context.Context, orderID string) (*models.PaymentTransaction, error) {
	return ps.payments.GetTransactionByOrderID(ctx, orderID)
}

// ListTransactions retrieves all payments
func (ps *PaymentService) ListTransactions(ctx context.Context) ([]models.PaymentTransaction, error) {
	return ps.payments.ListTransactions(ctx)
}
