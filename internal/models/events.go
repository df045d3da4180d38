package models

import (
	"time"

	"order-fulfillment/internal/apperr"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Event types
const (
	EventTypeOrderCreated          = "ORDER_CREATED"
	EventTypeStockDeducted         = "STOCK_DEDUCTED"
	EventTypeStockDeductionFailed  = "STOCK_DEDUCTION_FAILED"
	EventTypePaymentSucceeded      = "PAYMENT_SUCCEEDED"
	EventTypePaymentFailed         = "PAYMENT_FAILED"
	EventTypeOrderReadyForDispatch = "ORDER_READY_FOR_DISPATCH"
)

// Routing keys on the events exchange, one per event type
const (
	RoutingKeyOrderCreated          = "order.created"
	RoutingKeyStockDeducted         = "inventory.stock_deducted"
	RoutingKeyStockDeductionFailed  = "inventory.stock_deduction_failed"
	RoutingKeyPaymentSucceeded      = "payment.succeeded"
	RoutingKeyPaymentFailed         = "payment.failed"
	RoutingKeyOrderReadyForDispatch = "dispatch.order_ready"
)

// SchemaVersion of the event payloads produced by this module
const SchemaVersion = 1

// Reason carried by PaymentFailed when the gateway declines
const PaymentDeclinedReason = "simulated insufficient funds"

var routingKeys = map[string]string{
	EventTypeOrderCreated:          RoutingKeyOrderCreated,
	EventTypeStockDeducted:         RoutingKeyStockDeducted,
	EventTypeStockDeductionFailed:  RoutingKeyStockDeductionFailed,
	EventTypePaymentSucceeded:      RoutingKeyPaymentSucceeded,
	EventTypePaymentFailed:         RoutingKeyPaymentFailed,
	EventTypeOrderReadyForDispatch: RoutingKeyOrderReadyForDispatch,
}

// RoutingKeyFor returns the routing key an event type is published under
func RoutingKeyFor(eventType string) (string, bool) {
	key, ok := routingKeys[eventType]
	return key, ok
}

// Event is implemented by every saga event
type Event interface {
	Base() *BaseEvent
	Validate() error
}

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID       string    `json:"eventId"`
	EventType     string    `json:"eventType"`
	SchemaVersion int       `json:"schemaVersion"`
	OccurredAt    time.Time `json:"occurredAt"`
	OrderID       string    `json:"orderId"`
}

// NewBaseEvent stamps a fresh envelope for an order
func NewBaseEvent(eventType, orderID string) BaseEvent {
	return BaseEvent{
		EventID:       uuid.New().String(),
		EventType:     eventType,
		SchemaVersion: SchemaVersion,
		OccurredAt:    time.Now().UTC(),
		OrderID:       orderID,
	}
}

func (b *BaseEvent) Base() *BaseEvent { return b }

func (b *BaseEvent) validate() error {
	if b.OrderID == "" {
		return apperr.Validation("%s: orderId is required", b.EventType)
	}
	return nil
}

// OrderCreatedEvent published when an order is persisted
type OrderCreatedEvent struct {
	BaseEvent
	CustomerID  string          `json:"customerId"`
	TotalAmount decimal.Decimal `json:"totalAmount"`
	LineItems   []LineItem      `json:"lineItems"`
}

func (e *OrderCreatedEvent) Validate() error {
	if err := e.validate(); err != nil {
		return err
	}
	if e.CustomerID == "" {
		return apperr.Validation("order %s: customerId is required", e.OrderID)
	}
	if e.TotalAmount.IsNegative() {
		return apperr.Validation("order %s: totalAmount must not be negative", e.OrderID)
	}
	if len(e.LineItems) == 0 {
		return apperr.Validation("order %s: lineItems must not be empty", e.OrderID)
	}
	for _, item := range e.LineItems {
		if item.ProductID == "" {
			return apperr.Validation("order %s: productId is required", e.OrderID)
		}
		if item.Quantity <= 0 {
			return apperr.Validation("order %s: quantity for %s must be positive", e.OrderID, item.ProductID)
		}
	}
	return nil
}

// StockDeductedEvent published when every line item was deducted
type StockDeductedEvent struct {
	BaseEvent
}

func (e *StockDeductedEvent) Validate() error { return e.validate() }

// StockDeductionFailedEvent published when inventory rejects an order
type StockDeductionFailedEvent struct {
	BaseEvent
	Reason string `json:"reason"`
}

func (e *StockDeductionFailedEvent) Validate() error { return e.validate() }

// PaymentSucceededEvent published by the payment service
type PaymentSucceededEvent struct {
	BaseEvent
	TransactionCode string `json:"transactionCode"`
}

func (e *PaymentSucceededEvent) Validate() error {
	if err := e.validate(); err != nil {
		return err
	}
	if e.TransactionCode == "" {
		return apperr.Validation("order %s: transactionCode is required", e.OrderID)
	}
	return nil
}

// PaymentFailedEvent published by the payment service
type PaymentFailedEvent struct {
	BaseEvent
	Reason string `json:"reason"`
}

func (e *PaymentFailedEvent) Validate() error { return e.validate() }

// OrderReadyForDispatchEvent published once stock and payment are both confirmed
type OrderReadyForDispatchEvent struct {
	BaseEvent
}

func (e *OrderReadyForDispatchEvent) Validate() error { return e.validate() }
