package worker

import (
	"context"
	"time"

	"order-fulfillment/internal/broker"
	"order-fulfillment/internal/models"
	"order-fulfillment/internal/service"
	"order-fulfillment/internal/util"

	"go.uber.org/zap"
)

// Queue names, one per subscription
const (
	QueueOrderFailures    = "order-service.failures"
	QueueInventoryOrders  = "inventory-service.orders"
	QueuePaymentOrders    = "payment-service.orders"
	QueueDispatchStock    = "dispatch-service.stock"
	QueueDispatchPayment  = "dispatch-service.payment"
	QueueShippingDispatch = "shipping-service.dispatch"
)

// Options shared by every worker
type Options struct {
	Dedup    broker.Deduplicator
	DedupTTL time.Duration
}

// Worker consumes one queue and routes its events to a service
type Worker struct {
	name        string
	queue       string
	routingKeys []string
	subscriber  broker.Subscriber
	handler     *broker.EventHandler
}

func newWorker(name, queue string, keys []string, subscriber broker.Subscriber, opts Options) *Worker {
	handler := broker.NewEventHandler(name)
	if opts.Dedup != nil {
		handler.WithDeduplicator(opts.Dedup, opts.DedupTTL)
	}
	return &Worker{
		name:        name,
		queue:       queue,
		routingKeys: keys,
		subscriber:  subscriber,
		handler:     handler,
	}
}

// NewOrderWorker marks orders failed when stock or payment is rejected
func NewOrderWorker(subscriber broker.Subscriber, orders *service.OrderService, opts Options) *Worker {
	w := newWorker("order", QueueOrderFailures,
		[]string{models.RoutingKeyStockDeductionFailed, models.RoutingKeyPaymentFailed},
		subscriber, opts)
	w.handler.OnStockDeductionFailed(orders.HandleStockDeductionFailed)
	w.handler.OnPaymentFailed(orders.HandlePaymentFailed)
	return w
}

// NewInventoryWorker deducts stock for created orders
func NewInventoryWorker(subscriber broker.Subscriber, inventory *service.InventoryService, opts Options) *Worker {
	w := newWorker("inventory", QueueInventoryOrders,
		[]string{models.RoutingKeyOrderCreated}, subscriber, opts)
	w.handler.OnOrderCreated(inventory.HandleOrderCreated)
	return w
}

// NewPaymentWorker charges created orders
func NewPaymentWorker(subscriber broker.Subscriber, payments *service.PaymentService, opts Options) *Worker {
	w := newWorker("payment", QueuePaymentOrders,
		[]string{models.RoutingKeyOrderCreated}, subscriber, opts)
	w.handler.OnOrderCreated(payments.HandleOrderCreated)
	return w
}

// NewDispatchWorkers returns the stock and payment consumers of the join. They
// run independently, so the coordinator's per-order lock is what orders them.
// Failure events are only bound when compensation is enabled.
func NewDispatchWorkers(subscriber broker.Subscriber, coordinator *service.DispatchCoordinator, compensation bool, opts Options) []*Worker {
	stockKeys := []string{models.RoutingKeyStockDeducted}
	paymentKeys := []string{models.RoutingKeyPaymentSucceeded}
	if compensation {
		stockKeys = append(stockKeys, models.RoutingKeyStockDeductionFailed)
		paymentKeys = append(paymentKeys, models.RoutingKeyPaymentFailed)
	}

	stock := newWorker("dispatch-stock", QueueDispatchStock, stockKeys, subscriber, opts)
	stock.handler.OnStockDeducted(coordinator.HandleStockDeducted)

	payment := newWorker("dispatch-payment", QueueDispatchPayment, paymentKeys, subscriber, opts)
	payment.handler.OnPaymentSucceeded(coordinator.HandlePaymentSucceeded)

	if compensation {
		stock.handler.OnStockDeductionFailed(coordinator.HandleStockDeductionFailed)
		payment.handler.OnPaymentFailed(coordinator.HandlePaymentFailed)
	}
	return []*Worker{stock, payment}
}

// NewShippingWorker creates shipments for dispatched orders
func NewShippingWorker(subscriber broker.Subscriber, shipping *service.ShippingService, opts Options) *Worker {
	w := newWorker("shipping", QueueShippingDispatch,
		[]string{models.RoutingKeyOrderReadyForDispatch}, subscriber, opts)
	w.handler.OnOrderReadyForDispatch(shipping.HandleOrderReady)
	return w
}

func (w *Worker) Name() string          { return w.name }
func (w *Worker) Queue() string         { return w.queue }
func (w *Worker) RoutingKeys() []string { return w.routingKeys }

// Declare creates the queue and its bindings so nothing published before Start is lost
func (w *Worker) Declare(ctx context.Context) error {
	return w.subscriber.Declare(ctx, w.queue, w.routingKeys)
}

// Start consumes until ctx is done
func (w *Worker) Start(ctx context.Context) error {
	util.GetLogger().Info("Starting worker",
		zap.String("worker", w.name),
		zap.String("queue", w.queue),
		zap.Strings("routing_keys", w.routingKeys))

	err := w.subscriber.Subscribe(ctx, w.queue, w.routingKeys, w.handler.HandleMessage)
	if ctx.Err() != nil {
		util.GetLogger().Info("Stopping worker", zap.String("worker", w.name))
		return nil
	}
	return err
}
