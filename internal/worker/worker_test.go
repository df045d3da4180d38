package worker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"order-fulfillment/internal/broker"
	"order-fulfillment/internal/models"
	"order-fulfillment/internal/service"
	"order-fulfillment/internal/store"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatchWorkersBindFailuresOnlyWithCompensation(t *testing.T) {
	bus := broker.NewMemoryBus(broker.DefaultRetryPolicy(1))
	coord := service.NewDispatchCoordinator(store.NewMemoryStore(), broker.NewEventPublisher(bus))

	plain := NewDispatchWorkers(bus, coord, false, Options{})
	require.Len(t, plain, 2)
	assert.Equal(t, QueueDispatchStock, plain[0].Queue())
	assert.Equal(t, []string{models.RoutingKeyStockDeducted}, plain[0].RoutingKeys())
	assert.Equal(t, QueueDispatchPayment, plain[1].Queue())
	assert.Equal(t, []string{models.RoutingKeyPaymentSucceeded}, plain[1].RoutingKeys())

	compensating := NewDispatchWorkers(bus, coord, true, Options{})
	require.Len(t, compensating, 2)
	assert.ElementsMatch(t, []string{models.RoutingKeyStockDeducted, models.RoutingKeyStockDeductionFailed}, compensating[0].RoutingKeys())
	assert.ElementsMatch(t, []string{models.RoutingKeyPaymentSucceeded, models.RoutingKeyPaymentFailed}, compensating[1].RoutingKeys())
}

func TestDispatchWorkersJoinConcurrentConfirmations(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := broker.NewMemoryBus(broker.RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond})
	defer bus.Close()

	repo := store.NewMemoryStore()
	pub := broker.NewEventPublisher(bus)
	workers := NewDispatchWorkers(bus, service.NewDispatchCoordinator(repo, pub), true, Options{})

	var mu sync.Mutex
	ready := map[string]int{}
	require.NoError(t, bus.Declare(ctx, "ready", []string{models.RoutingKeyOrderReadyForDispatch}))
	go bus.Subscribe(ctx, "ready", []string{models.RoutingKeyOrderReadyForDispatch}, func(ctx context.Context, msg broker.Message) error {
		mu.Lock()
		defer mu.Unlock()
		ready[msg.Key]++
		return nil
	})

	done := make(chan error, len(workers))
	for _, w := range workers {
		require.NoError(t, w.Declare(ctx))
		w := w
		go func() { done <- w.Start(ctx) }()
	}

	const orders = 30
	var publishers sync.WaitGroup
	for i := 0; i < orders; i++ {
		orderID := fmt.Sprintf("order-%d", i)
		publishers.Add(2)
		go func() {
			defer publishers.Done()
			assert.NoError(t, pub.PublishStockDeducted(ctx, &models.StockDeductedEvent{
				BaseEvent: models.NewBaseEvent(models.EventTypeStockDeducted, orderID),
			}))
		}()
		go func() {
			defer publishers.Done()
			assert.NoError(t, pub.PublishPaymentSucceeded(ctx, &models.PaymentSucceededEvent{
				BaseEvent:       models.NewBaseEvent(models.EventTypePaymentSucceeded, orderID),
				TransactionCode: "TXN-" + orderID,
			}))
		}()
	}
	publishers.Wait()

	assert.Eventually(t, func() bool {
		states, err := repo.ListDispatchStates(ctx, models.DispatchStatusReady)
		return err == nil && len(states) == orders
	}, 3*time.Second, 5*time.Millisecond)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(ready) == orders
	}, 3*time.Second, 5*time.Millisecond)

	mu.Lock()
	for orderID, n := range ready {
		assert.Equal(t, 1, n, orderID)
	}
	mu.Unlock()

	cancel()
	for range workers {
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("worker did not stop")
		}
	}
}

func TestInventoryWorkerConsumesOrders(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := broker.NewMemoryBus(broker.RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond})
	defer bus.Close()

	repo := store.NewMemoryStore()
	require.NoError(t, repo.SaveProduct(ctx, &models.Product{ID: "P1", Quantity: 5}))

	pub := broker.NewEventPublisher(bus)
	w := NewInventoryWorker(bus, service.NewInventoryService(repo, pub), Options{
		Dedup:    broker.NewMemoryDeduplicator(),
		DedupTTL: time.Minute,
	})
	require.NoError(t, w.Declare(ctx))

	var mu sync.Mutex
	var received []string
	require.NoError(t, bus.Declare(ctx, "probe", []string{"inventory.#"}))
	go bus.Subscribe(ctx, "probe", []string{"inventory.#"}, func(ctx context.Context, msg broker.Message) error {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, msg.RoutingKey)
		return nil
	})

	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()

	event := &models.OrderCreatedEvent{
		BaseEvent:   models.NewBaseEvent(models.EventTypeOrderCreated, "order-1"),
		CustomerID:  "C1",
		TotalAmount: decimal.NewFromInt(10),
		LineItems:   []models.LineItem{{ProductID: "P1", Quantity: 2}},
	}
	require.NoError(t, pub.PublishOrderCreated(ctx, event))
	// the same event redelivered must not deduct twice
	require.NoError(t, pub.PublishOrderCreated(ctx, event))

	assert.Eventually(t, func() bool {
		return bus.Pending(QueueInventoryOrders) == 0
	}, 2*time.Second, 5*time.Millisecond)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, 2*time.Second, 5*time.Millisecond)

	product, err := repo.GetProduct(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, 3, product.Quantity)

	mu.Lock()
	assert.Equal(t, []string{models.RoutingKeyStockDeducted}, received)
	mu.Unlock()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}
