package app

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"order-fulfillment/config"
	"order-fulfillment/internal/apperr"
	"order-fulfillment/internal/models"
	"order-fulfillment/internal/service"
	"order-fulfillment/internal/worker"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(compensation bool) *config.Config {
	gin.SetMode(gin.TestMode)
	return &config.Config{
		Server:   config.ServerConfig{Port: "0", Env: "test", Roles: []string{"all"}},
		Database: config.DatabaseConfig{Driver: config.StoreDriverMemory},
		Bus:      config.BusConfig{Driver: config.BusDriverMemory, MaxAttempts: 3},
		Redis:    config.RedisConfig{DedupTTL: 60},
		Saga:     config.SagaConfig{CompensationEnabled: compensation},
	}
}

func startApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	a, err := New(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, a.Declare(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("app did not stop")
		}
		a.Close()
	})
	return a
}

func seedProduct(t *testing.T, a *App, id string, qty int) {
	t.Helper()
	_, err := a.Services().Inventory.SaveProduct(context.Background(), &models.Product{ID: id, Quantity: qty})
	require.NoError(t, err)
}

func createOrder(t *testing.T, a *App, amount string) *models.Order {
	t.Helper()
	order, err := a.Services().Orders.CreateOrder(context.Background(), &service.CreateOrderRequest{
		CustomerID:  "C1",
		TotalAmount: decimal.RequireFromString(amount),
		LineItems:   []models.LineItem{{ProductID: "P1", Quantity: 2}},
	})
	require.NoError(t, err)
	return order
}

func TestHappyPathShipsOrder(t *testing.T) {
	a := startApp(t, testConfig(true))
	seedProduct(t, a, "P1", 5)
	ctx := context.Background()

	order := createOrder(t, a, "100.00")

	assert.Eventually(t, func() bool {
		shipment, err := a.Services().Shipping.GetByOrderID(ctx, order.ID)
		return err == nil && shipment.Status == models.ShipmentStatusPreparing
	}, 3*time.Second, 10*time.Millisecond)

	product, err := a.Services().Inventory.GetProduct(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, 3, product.Quantity)

	txn, err := a.Services().Payments.GetPayment(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusSuccessful, txn.Status)
	assert.NotEmpty(t, txn.TransactionCode)

	state, err := a.Services().Dispatch.GetState(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DispatchStatusReady, state.Status)
	assert.True(t, state.StockConfirmed)
	assert.True(t, state.PaymentConfirmed)

	shipment, err := a.Services().Shipping.GetByOrderID(ctx, order.ID)
	require.NoError(t, err)
	assert.Empty(t, shipment.TrackingCode)
}

func TestFailedPaymentWithoutCompensationStaysWaiting(t *testing.T) {
	a := startApp(t, testConfig(false))
	seedProduct(t, a, "P1", 5)
	ctx := context.Background()

	order := createOrder(t, a, "100.50")

	assert.Eventually(t, func() bool {
		state, err := a.Services().Dispatch.GetState(ctx, order.ID)
		return err == nil && state.StockConfirmed
	}, 3*time.Second, 10*time.Millisecond)

	txn, err := a.Services().Payments.GetPayment(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusFailed, txn.Status)
	assert.Equal(t, "simulated insufficient funds", txn.Reason)

	// give any stray consumer a chance to act before checking nothing moved
	time.Sleep(100 * time.Millisecond)

	state, err := a.Services().Dispatch.GetState(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DispatchStatusWaiting, state.Status)
	assert.False(t, state.PaymentConfirmed)

	stored, err := a.Services().Orders.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPending, stored.Status)

	_, err = a.Services().Shipping.GetByOrderID(ctx, order.ID)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestFailedPaymentWithCompensationFailsOrder(t *testing.T) {
	a := startApp(t, testConfig(true))
	seedProduct(t, a, "P1", 5)
	ctx := context.Background()

	order := createOrder(t, a, "100.50")

	assert.Eventually(t, func() bool {
		stored, err := a.Services().Orders.GetOrder(ctx, order.ID)
		if err != nil || stored.Status != models.OrderStatusFailed {
			return false
		}
		state, err := a.Services().Dispatch.GetState(ctx, order.ID)
		return err == nil && state.Status == models.DispatchStatusFailed
	}, 3*time.Second, 10*time.Millisecond)

	_, err := a.Services().Shipping.GetByOrderID(ctx, order.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestInsufficientStockFailsOrder(t *testing.T) {
	a := startApp(t, testConfig(true))
	seedProduct(t, a, "P1", 1)
	ctx := context.Background()

	order := createOrder(t, a, "100.00")

	assert.Eventually(t, func() bool {
		state, err := a.Services().Dispatch.GetState(ctx, order.ID)
		return err == nil && state.Status == models.DispatchStatusFailed
	}, 3*time.Second, 10*time.Millisecond)

	product, err := a.Services().Inventory.GetProduct(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, 1, product.Quantity)

	assert.Eventually(t, func() bool {
		stored, err := a.Services().Orders.GetOrder(ctx, order.ID)
		return err == nil && stored.Status == models.OrderStatusFailed
	}, 3*time.Second, 10*time.Millisecond)
}

func TestRolesSelectComponents(t *testing.T) {
	cfg := testConfig(true)
	cfg.Server.Roles = []string{RoleDispatch}

	a, err := New(context.Background(), cfg)
	require.NoError(t, err)
	defer a.Close()

	assert.Nil(t, a.Services().Orders)
	assert.NotNil(t, a.Services().Dispatch)
	require.Len(t, a.Workers(), 2)
	assert.Equal(t, worker.QueueDispatchStock, a.Workers()[0].Queue())
	assert.Equal(t, worker.QueueDispatchPayment, a.Workers()[1].Queue())
	assert.Contains(t, a.Workers()[1].RoutingKeys(), models.RoutingKeyPaymentFailed)

	req := httptest.NewRequest(http.MethodGet, "/api/dispatch/list", nil)
	w := httptest.NewRecorder()
	a.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestUnknownDriversAreRejected(t *testing.T) {
	cfg := testConfig(true)
	cfg.Bus.Driver = "carrier-pigeon"

	_, err := New(context.Background(), cfg)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "carrier-pigeon"))
}
