package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"order-fulfillment/internal/apperr"
	"order-fulfillment/internal/models"
	"order-fulfillment/internal/util"

	"go.uber.org/zap"
)

// EventPublisher handles publishing domain events
type EventPublisher struct {
	publisher Publisher
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(publisher Publisher) *EventPublisher {
	return &EventPublisher{publisher: publisher}
}

// Publish serializes an event and sends it under its routing key
func (ep *EventPublisher) Publish(ctx context.Context, event models.Event) error {
	base := event.Base()
	routingKey, ok := models.RoutingKeyFor(base.EventType)
	if !ok {
		return apperr.Validation("no routing key for event type %q", base.EventType)
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	headers := map[string]string{
		HeaderEventID:   base.EventID,
		HeaderEventType: base.EventType,
	}
	util.InjectTrace(ctx, headers)

	if err := ep.publisher.Publish(ctx, Message{
		Key:        base.OrderID,
		RoutingKey: routingKey,
		Body:       body,
		Headers:    headers,
	}); err != nil {
		return fmt.Errorf("failed to publish %s: %w", base.EventType, err)
	}

	util.GetLogger().Info("Published event",
		zap.String("event_type", base.EventType),
		zap.String("event_id", base.EventID),
		zap.String("order_id", base.OrderID))
	return nil
}

// PublishOrderCreated publishes OrderCreated event
func (ep *EventPublisher) PublishOrderCreated(ctx context.Context, event *models.OrderCreatedEvent) error {
	return ep.Publish(ctx, event)
}

// PublishStockDeducted publishes StockDeducted event
func (ep *EventPublisher) PublishStockDeducted(ctx context.Context, event *models.StockDeductedEvent) error {
	return ep.Publish(ctx, event)
}

// PublishStockDeductionFailed publishes StockDeductionFailed event
func (ep *EventPublisher) PublishStockDeductionFailed(ctx context.Context, event *models.StockDeductionFailedEvent) error {
	return ep.Publish(ctx, event)
}

// PublishPaymentSucceeded publishes PaymentSucceeded event
func (ep *EventPublisher) PublishPaymentSucceeded(ctx context.Context, event *models.PaymentSucceededEvent) error {
	return ep.Publish(ctx, event)
}

// PublishPaymentFailed publishes PaymentFailed event
func (ep *EventPublisher) PublishPaymentFailed(ctx context.Context, event *models.PaymentFailedEvent) error {
	return ep.Publish(ctx, event)
}

// PublishOrderReadyForDispatch publishes OrderReadyForDispatch event
func (ep *EventPublisher) PublishOrderReadyForDispatch(ctx context.Context, event *models.OrderReadyForDispatchEvent) error {
	return ep.Publish(ctx, event)
}

// Deduplicator remembers handled event ids so redeliveries can be skipped early.
// It is a fast path only: handlers stay idempotent on their own.
type Deduplicator interface {
	Seen(ctx context.Context, key string) (bool, error)
	Mark(ctx context.Context, key string, ttl time.Duration) error
}

// EventHandler routes incoming messages to one handler per event type
type EventHandler struct {
	name     string
	dedup    Deduplicator
	dedupTTL time.Duration
	logger   *zap.Logger

	onOrderCreated          func(context.Context, *models.OrderCreatedEvent) error
	onStockDeducted         func(context.Context, *models.StockDeductedEvent) error
	onStockDeductionFailed  func(context.Context, *models.StockDeductionFailedEvent) error
	onPaymentSucceeded      func(context.Context, *models.PaymentSucceededEvent) error
	onPaymentFailed         func(context.Context, *models.PaymentFailedEvent) error
	onOrderReadyForDispatch func(context.Context, *models.OrderReadyForDispatchEvent) error
}

// NewEventHandler creates a new event handler. name scopes deduplication keys.
func NewEventHandler(name string) *EventHandler {
	return &EventHandler{
		name:   name,
		logger: util.GetLogger(),
	}
}

// WithDeduplicator enables the delivery-level fast path
func (eh *EventHandler) WithDeduplicator(d Deduplicator, ttl time.Duration) *EventHandler {
	eh.dedup = d
	eh.dedupTTL = ttl
	return eh
}

// OnOrderCreated registers a handler for OrderCreated events
func (eh *EventHandler) OnOrderCreated(handler func(context.Context, *models.OrderCreatedEvent) error) {
	eh.onOrderCreated = handler
}

// OnStockDeducted registers a handler for StockDeducted events
func (eh *EventHandler) OnStockDeducted(handler func(context.Context, *models.StockDeductedEvent) error) {
	eh.onStockDeducted = handler
}

// OnStockDeductionFailed registers a handler for StockDeductionFailed events
func (eh *EventHandler) OnStockDeductionFailed(handler func(context.Context, *models.StockDeductionFailedEvent) error) {
	eh.onStockDeductionFailed = handler
}

// OnPaymentSucceeded registers a handler for PaymentSucceeded events
func (eh *EventHandler) OnPaymentSucceeded(handler func(context.Context, *models.PaymentSucceededEvent) error) {
	eh.onPaymentSucceeded = handler
}

// OnPaymentFailed registers a handler for PaymentFailed events
func (eh *EventHandler) OnPaymentFailed(handler func(context.Context, *models.PaymentFailedEvent) error) {
	eh.onPaymentFailed = handler
}

// OnOrderReadyForDispatch registers a handler for OrderReadyForDispatch events
func (eh *EventHandler) OnOrderReadyForDispatch(handler func(context.Context, *models.OrderReadyForDispatchEvent) error) {
	eh.onOrderReadyForDispatch = handler
}

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Body, &baseEvent); err != nil {
		return apperr.Validation("failed to unmarshal base event: %v", err)
	}

	logger := eh.logger.With(
		zap.String("event_type", baseEvent.EventType),
		zap.String("event_id", baseEvent.EventID),
		zap.String("order_id", baseEvent.OrderID))

	dedupKey := eh.name + ":" + baseEvent.EventID
	if eh.dedup != nil && baseEvent.EventID != "" {
		seen, err := eh.dedup.Seen(ctx, dedupKey)
		if err != nil {
			logger.Warn("Dedup lookup failed, handling anyway", zap.Error(err))
		} else if seen {
			logger.Info("Event already handled, skipping")
			util.EventsDuplicateTotal.WithLabelValues(baseEvent.EventType).Inc()
			return nil
		}
	}

	logger.Debug("Handling event")

	var err error
	switch baseEvent.EventType {
	case models.EventTypeOrderCreated:
		err = dispatch(ctx, msg.Body, eh.onOrderCreated)
	case models.EventTypeStockDeducted:
		err = dispatch(ctx, msg.Body, eh.onStockDeducted)
	case models.EventTypeStockDeductionFailed:
		err = dispatch(ctx, msg.Body, eh.onStockDeductionFailed)
	case models.EventTypePaymentSucceeded:
		err = dispatch(ctx, msg.Body, eh.onPaymentSucceeded)
	case models.EventTypePaymentFailed:
		err = dispatch(ctx, msg.Body, eh.onPaymentFailed)
	case models.EventTypeOrderReadyForDispatch:
		err = dispatch(ctx, msg.Body, eh.onOrderReadyForDispatch)
	default:
		logger.Warn("Unhandled event type, dropping")
		return nil
	}

	if err != nil {
		return err
	}

	if eh.dedup != nil && baseEvent.EventID != "" {
		if err := eh.dedup.Mark(ctx, dedupKey, eh.dedupTTL); err != nil {
			logger.Warn("Failed to record handled event", zap.Error(err))
		}
	}
	return nil
}

// dispatch decodes and validates the payload before invoking the registered handler.
// An unregistered handler means the subscriber does not care about the type.
func dispatch[E any, P interface {
	*E
	models.Event
}](ctx context.Context, body []byte, handler func(context.Context, P) error) error {
	if handler == nil {
		return nil
	}

	event := P(new(E))
	if err := json.Unmarshal(body, event); err != nil {
		return apperr.Validation("failed to unmarshal %T: %v", event, err)
	}
	if err := event.Validate(); err != nil {
		return err
	}
	return handler(ctx, event)
}
