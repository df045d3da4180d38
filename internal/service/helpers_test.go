package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"order-fulfillment/internal/broker"
	"order-fulfillment/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu       sync.Mutex
	messages []broker.Message
	failOn   map[string]error
}

func (r *recordingPublisher) Publish(ctx context.Context, msg broker.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.failOn[msg.RoutingKey]; err != nil {
		return err
	}
	r.messages = append(r.messages, msg)
	return nil
}

func (r *recordingPublisher) failRoutingKey(key string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failOn == nil {
		r.failOn = make(map[string]error)
	}
	r.failOn[key] = err
}

func (r *recordingPublisher) clearFailures() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failOn = nil
}

func (r *recordingPublisher) sent(routingKey string) []broker.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []broker.Message
	for _, m := range r.messages {
		if m.RoutingKey == routingKey {
			out = append(out, m)
		}
	}
	return out
}

func (r *recordingPublisher) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

func newTestPublisher() (*recordingPublisher, *broker.EventPublisher) {
	rec := &recordingPublisher{}
	return rec, broker.NewEventPublisher(rec)
}

func decodeEvent[T any](t *testing.T, msg broker.Message) *T {
	t.Helper()
	var event T
	require.NoError(t, json.Unmarshal(msg.Body, &event))
	return &event
}

func orderCreated(orderID, amount string, lines ...models.LineItem) *models.OrderCreatedEvent {
	return &models.OrderCreatedEvent{
		BaseEvent:   models.NewBaseEvent(models.EventTypeOrderCreated, orderID),
		CustomerID:  "C1",
		TotalAmount: decimal.RequireFromString(amount),
		LineItems:   lines,
	}
}

func stockDeducted(orderID string) *models.StockDeductedEvent {
	return &models.StockDeductedEvent{BaseEvent: models.NewBaseEvent(models.EventTypeStockDeducted, orderID)}
}

func paymentSucceeded(orderID string) *models.PaymentSucceededEvent {
	return &models.PaymentSucceededEvent{
		BaseEvent:       models.NewBaseEvent(models.EventTypePaymentSucceeded, orderID),
		TransactionCode: "TXN-TEST",
	}
}
