package models

import (
	"encoding/json"
	"testing"

	"order-fulfillment/internal/apperr"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validOrderCreated() *OrderCreatedEvent {
	return &OrderCreatedEvent{
		BaseEvent:   NewBaseEvent(EventTypeOrderCreated, "O1"),
		CustomerID:  "C1",
		TotalAmount: decimal.RequireFromString("100.00"),
		LineItems:   []LineItem{{ProductID: "P1", Quantity: 2}},
	}
}

func TestOrderCreatedValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(e *OrderCreatedEvent)
		valid  bool
	}{
		{name: "valid", mutate: func(e *OrderCreatedEvent) {}, valid: true},
		{name: "missing order id", mutate: func(e *OrderCreatedEvent) { e.OrderID = "" }},
		{name: "missing customer", mutate: func(e *OrderCreatedEvent) { e.CustomerID = "" }},
		{name: "negative amount", mutate: func(e *OrderCreatedEvent) { e.TotalAmount = decimal.NewFromInt(-1) }},
		{name: "no line items", mutate: func(e *OrderCreatedEvent) { e.LineItems = nil }},
		{name: "zero quantity", mutate: func(e *OrderCreatedEvent) { e.LineItems[0].Quantity = 0 }},
		{name: "missing product", mutate: func(e *OrderCreatedEvent) { e.LineItems[0].ProductID = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := validOrderCreated()
			tt.mutate(e)

			err := e.Validate()
			if tt.valid {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, apperr.ErrValidation)
		})
	}
}

func TestPaymentSucceededRequiresCode(t *testing.T) {
	e := &PaymentSucceededEvent{BaseEvent: NewBaseEvent(EventTypePaymentSucceeded, "O1")}
	assert.ErrorIs(t, e.Validate(), apperr.ErrValidation)

	e.TransactionCode = "TXN-1"
	assert.NoError(t, e.Validate())
}

func TestOrderCreatedWireFormatIsFieldNamed(t *testing.T) {
	raw, err := json.Marshal(validOrderCreated())
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(raw, &fields))

	for _, key := range []string{"eventId", "eventType", "schemaVersion", "orderId", "customerId", "totalAmount", "lineItems"} {
		assert.Contains(t, fields, key)
	}
}

func TestRoutingKeyFor(t *testing.T) {
	key, ok := RoutingKeyFor(EventTypeOrderReadyForDispatch)
	assert.True(t, ok)
	assert.Equal(t, RoutingKeyOrderReadyForDispatch, key)

	_, ok = RoutingKeyFor("UNKNOWN")
	assert.False(t, ok)
}
