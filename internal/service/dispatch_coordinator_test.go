package service

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"order-fulfillment/internal/apperr"
	"order-fulfillment/internal/models"
	"order-fulfillment/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCoordinator() (*DispatchCoordinator, *store.MemoryStore, *recordingPublisher) {
	repo := store.NewMemoryStore()
	rec, pub := newTestPublisher()
	return NewDispatchCoordinator(repo, pub), repo, rec
}

func TestDispatchJoinAnyInterleaving(t *testing.T) {
	sequences := []string{"SP", "PS", "SSP", "PPS", "SPS", "PSP", "SSPP", "PSPS", "SPPS"}

	for _, seq := range sequences {
		t.Run(seq, func(t *testing.T) {
			coord, repo, rec := newTestCoordinator()
			ctx := context.Background()
			orderID := "order-" + seq

			for _, c := range seq {
				var err error
				if c == 'S' {
					err = coord.HandleStockDeducted(ctx, stockDeducted(orderID))
				} else {
					err = coord.HandlePaymentSucceeded(ctx, paymentSucceeded(orderID))
				}
				require.NoError(t, err)
			}

			ready := rec.sent(models.RoutingKeyOrderReadyForDispatch)
			require.Len(t, ready, 1)
			assert.Equal(t, orderID, decodeEvent[models.OrderReadyForDispatchEvent](t, ready[0]).OrderID)

			state, err := repo.GetDispatchState(ctx, orderID)
			require.NoError(t, err)
			assert.Equal(t, models.DispatchStatusReady, state.Status)
			assert.True(t, state.StockConfirmed)
			assert.True(t, state.PaymentConfirmed)
		})
	}
}

func TestDispatchJoinConcurrentDelivery(t *testing.T) {
	coord, repo, rec := newTestCoordinator()
	ctx := context.Background()
	orderID := "order-concurrent"

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				assert.NoError(t, coord.HandleStockDeducted(ctx, stockDeducted(orderID)))
			} else {
				assert.NoError(t, coord.HandlePaymentSucceeded(ctx, paymentSucceeded(orderID)))
			}
		}(i)
	}
	wg.Wait()

	assert.Len(t, rec.sent(models.RoutingKeyOrderReadyForDispatch), 1)
	state, err := repo.GetDispatchState(ctx, orderID)
	require.NoError(t, err)
	assert.Equal(t, models.DispatchStatusReady, state.Status)
}

func TestDispatchOrdersAreIndependent(t *testing.T) {
	coord, repo, rec := newTestCoordinator()
	ctx := context.Background()

	require.NoError(t, coord.HandleStockDeducted(ctx, stockDeducted("A")))
	require.NoError(t, coord.HandlePaymentSucceeded(ctx, paymentSucceeded("A")))
	require.NoError(t, coord.HandlePaymentSucceeded(ctx, paymentSucceeded("B")))

	b, err := repo.GetDispatchState(ctx, "B")
	require.NoError(t, err)
	assert.Equal(t, models.DispatchStatusWaiting, b.Status)
	assert.False(t, b.StockConfirmed)
	assert.True(t, b.PaymentConfirmed)

	ready := rec.sent(models.RoutingKeyOrderReadyForDispatch)
	require.Len(t, ready, 1)
	assert.Equal(t, "A", ready[0].Key)
}

func TestDispatchManyOrdersConcurrently(t *testing.T) {
	coord, _, rec := newTestCoordinator()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		orderID := fmt.Sprintf("order-%d", i)
		wg.Add(2)
		go func() {
			defer wg.Done()
			assert.NoError(t, coord.HandleStockDeducted(ctx, stockDeducted(orderID)))
		}()
		go func() {
			defer wg.Done()
			assert.NoError(t, coord.HandlePaymentSucceeded(ctx, paymentSucceeded(orderID)))
		}()
	}
	wg.Wait()

	ready := rec.sent(models.RoutingKeyOrderReadyForDispatch)
	require.Len(t, ready, 20)
	seen := map[string]bool{}
	for _, m := range ready {
		assert.False(t, seen[m.Key], "duplicate ready event for %s", m.Key)
		seen[m.Key] = true
	}
}

func TestDispatchPublishFailureRollsBackJoin(t *testing.T) {
	coord, repo, rec := newTestCoordinator()
	ctx := context.Background()

	require.NoError(t, coord.HandleStockDeducted(ctx, stockDeducted("order-1")))

	rec.failRoutingKey(models.RoutingKeyOrderReadyForDispatch, apperr.ErrTransient)
	err := coord.HandlePaymentSucceeded(ctx, paymentSucceeded("order-1"))
	require.Error(t, err)
	assert.True(t, apperr.Retryable(err))

	state, err := repo.GetDispatchState(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, models.DispatchStatusWaiting, state.Status)
	assert.False(t, state.PaymentConfirmed)

	rec.clearFailures()
	require.NoError(t, coord.HandlePaymentSucceeded(ctx, paymentSucceeded("order-1")))
	assert.Len(t, rec.sent(models.RoutingKeyOrderReadyForDispatch), 1)
}

func TestDispatchFailureStopsWaiting(t *testing.T) {
	coord, repo, rec := newTestCoordinator()
	ctx := context.Background()

	require.NoError(t, coord.HandleStockDeducted(ctx, stockDeducted("order-1")))
	require.NoError(t, coord.HandlePaymentFailed(ctx, &models.PaymentFailedEvent{
		BaseEvent: models.NewBaseEvent(models.EventTypePaymentFailed, "order-1"),
		Reason:    models.PaymentDeclinedReason,
	}))

	state, err := repo.GetDispatchState(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, models.DispatchStatusFailed, state.Status)
	assert.Contains(t, state.FailureReason, models.PaymentDeclinedReason)

	// stragglers after the terminal transition
	require.NoError(t, coord.HandlePaymentSucceeded(ctx, paymentSucceeded("order-1")))
	require.NoError(t, coord.HandleStockDeductionFailed(ctx, &models.StockDeductionFailedEvent{
		BaseEvent: models.NewBaseEvent(models.EventTypeStockDeductionFailed, "order-1"),
		Reason:    "insufficient stock",
	}))

	state, err = repo.GetDispatchState(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, models.DispatchStatusFailed, state.Status)
	assert.False(t, state.PaymentConfirmed)
	assert.Zero(t, rec.total())
}

func TestDispatchFailureAfterReadyIsIgnored(t *testing.T) {
	coord, repo, _ := newTestCoordinator()
	ctx := context.Background()

	require.NoError(t, coord.HandleStockDeducted(ctx, stockDeducted("order-1")))
	require.NoError(t, coord.HandlePaymentSucceeded(ctx, paymentSucceeded("order-1")))
	require.NoError(t, coord.HandleStockDeductionFailed(ctx, &models.StockDeductionFailedEvent{
		BaseEvent: models.NewBaseEvent(models.EventTypeStockDeductionFailed, "order-1"),
	}))

	states, err := coord.ListStates(ctx, models.DispatchStatusReady)
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, "order-1", states[0].OrderID)

	state, err := repo.GetDispatchState(ctx, "order-1")
	require.NoError(t, err)
	assert.Empty(t, state.FailureReason)
}
