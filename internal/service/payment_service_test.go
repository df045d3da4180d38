package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"order-fulfillment/internal/apperr"
	"order-fulfillment/internal/models"
	"order-fulfillment/internal/store"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type brokenGateway struct{}

func (brokenGateway) Charge(ctx context.Context, amount decimal.Decimal) error {
	return errors.New("gateway unreachable")
}

type decliningGateway struct{ reason string }

func (g decliningGateway) Charge(ctx context.Context, amount decimal.Decimal) error {
	return fmt.Errorf("issuer: %w", apperr.Declined(g.reason))
}

func newTestPayments(gateway Gateway) (*PaymentService, *store.MemoryStore, *recordingPublisher) {
	repo := store.NewMemoryStore()
	rec, pub := newTestPublisher()
	return NewPaymentService(repo, gateway, pub), repo, rec
}

func TestSimulatedGateway(t *testing.T) {
	tests := []struct {
		amount string
		want   bool
	}{
		{"100.00", true},
		{"100.50", false},
		{"0.50", false},
		{"100.5", false},
		{"100.05", true},
		{"100.51", true},
		{"0", true},
	}

	for _, tt := range tests {
		t.Run(tt.amount, func(t *testing.T) {
			err := SimulatedGateway{}.Charge(context.Background(), decimal.RequireFromString(tt.amount))
			if tt.want {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, apperr.ErrPaymentDeclined)
			}
		})
	}
}

func TestPaymentSucceeds(t *testing.T) {
	svc, repo, rec := newTestPayments(SimulatedGateway{})
	ctx := context.Background()

	require.NoError(t, svc.HandleOrderCreated(ctx, orderCreated("order-1", "100.00", models.LineItem{ProductID: "P1", Quantity: 2})))

	txn, err := repo.GetTransactionByOrderID(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusSuccessful, txn.Status)
	assert.True(t, strings.HasPrefix(txn.TransactionCode, "TXN-"))
	assert.True(t, decimal.RequireFromString("100").Equal(txn.Amount))

	succeeded := rec.sent(models.RoutingKeyPaymentSucceeded)
	require.Len(t, succeeded, 1)
	event := decodeEvent[models.PaymentSucceededEvent](t, succeeded[0])
	assert.Equal(t, txn.TransactionCode, event.TransactionCode)
	assert.Empty(t, rec.sent(models.RoutingKeyPaymentFailed))
}

func TestPaymentDeclined(t *testing.T) {
	svc, repo, rec := newTestPayments(SimulatedGateway{})
	ctx := context.Background()

	require.NoError(t, svc.HandleOrderCreated(ctx, orderCreated("order-1", "100.50", models.LineItem{ProductID: "P1", Quantity: 1})))

	txn, err := repo.GetTransactionByOrderID(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusFailed, txn.Status)

	failed := rec.sent(models.RoutingKeyPaymentFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, "simulated insufficient funds", decodeEvent[models.PaymentFailedEvent](t, failed[0]).Reason)
	assert.Empty(t, rec.sent(models.RoutingKeyPaymentSucceeded))
}

func TestPaymentDeclineReasonComesFromGateway(t *testing.T) {
	svc, repo, rec := newTestPayments(decliningGateway{reason: "card expired"})
	ctx := context.Background()

	require.NoError(t, svc.HandleOrderCreated(ctx, orderCreated("order-1", "10.00", models.LineItem{ProductID: "P1", Quantity: 1})))

	txn, err := repo.GetTransactionByOrderID(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusFailed, txn.Status)
	assert.Equal(t, "card expired", txn.Reason)

	failed := rec.sent(models.RoutingKeyPaymentFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, "card expired", decodeEvent[models.PaymentFailedEvent](t, failed[0]).Reason)
}

func TestPaymentOncePerOrder(t *testing.T) {
	svc, _, rec := newTestPayments(SimulatedGateway{})
	ctx := context.Background()
	event := orderCreated("order-1", "42.00", models.LineItem{ProductID: "P1", Quantity: 1})

	require.NoError(t, svc.HandleOrderCreated(ctx, event))
	require.NoError(t, svc.HandleOrderCreated(ctx, event))

	txns, err := svc.ListTransactions(ctx)
	require.NoError(t, err)
	assert.Len(t, txns, 1)
	assert.Equal(t, 1, rec.total())
}

func TestPaymentGatewayErrorIsRetried(t *testing.T) {
	svc, repo, rec := newTestPayments(brokenGateway{})

	err := svc.HandleOrderCreated(context.Background(), orderCreated("order-1", "10.00", models.LineItem{ProductID: "P1", Quantity: 1}))
	require.Error(t, err)
	assert.True(t, apperr.Retryable(err))

	_, err = repo.GetTransactionByOrderID(context.Background(), "order-1")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.Zero(t, rec.total())
}

func TestPaymentPublishFailureRecordsNothing(t *testing.T) {
	svc, repo, rec := newTestPayments(SimulatedGateway{})
	rec.failRoutingKey(models.RoutingKeyPaymentSucceeded, apperr.ErrTransient)

	err := svc.HandleOrderCreated(context.Background(), orderCreated("order-1", "10.00", models.LineItem{ProductID: "P1", Quantity: 1}))
	require.Error(t, err)

	_, err = repo.GetTransactionByOrderID(context.Background(), "order-1")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestTransactionCodesAreUnique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		code, err := newTransactionCode()
		require.NoError(t, err)
		assert.False(t, seen[code])
		seen[code] = true
	}
}
