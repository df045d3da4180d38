package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"order-fulfillment/internal/util"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	amqpExchangeType      = "topic"
	amqpPrefetch          = 16
	amqpDeadLetterArgs    = "x-dead-letter-exchange"
	amqpDeadLetterKeyArgs = "x-dead-letter-routing-key"
	amqpDeadLetterSuffix  = ".dlq"
)

// AMQPBus publishes to a durable topic exchange and consumes durable queues with
// manual acknowledgement. Messages that cannot be handled go to the dead-letter exchange.
type AMQPBus struct {
	conn       *amqp.Connection
	exchange   string
	deadLetter string
	policy     RetryPolicy

	mu     sync.Mutex
	pubCh  *amqp.Channel
	closed bool
}

// NewAMQPBus dials the broker and declares the exchange topology
func NewAMQPBus(url, exchange, deadLetter string, policy RetryPolicy) (*AMQPBus, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	bus := &AMQPBus{
		conn:       conn,
		exchange:   exchange,
		deadLetter: deadLetter,
		policy:     policy,
		pubCh:      ch,
	}

	if err := bus.declareExchanges(ch); err != nil {
		conn.Close()
		return nil, err
	}

	return bus, nil
}

func (b *AMQPBus) declareExchanges(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(b.exchange, amqpExchangeType, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", b.exchange, err)
	}
	if b.deadLetter == "" {
		return nil
	}
	if err := ch.ExchangeDeclare(b.deadLetter, amqpExchangeType, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare dead-letter exchange %s: %w", b.deadLetter, err)
	}
	return nil
}

// Publish sends a persistent message to the exchange
func (b *AMQPBus) Publish(ctx context.Context, msg Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}

	headers := make(amqp.Table, len(msg.Headers))
	for k, v := range msg.Headers {
		headers[k] = v
	}

	err := b.pubCh.PublishWithContext(ctx, b.exchange, msg.RoutingKey, false, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     msg.Headers[HeaderEventID],
		Type:          msg.Headers[HeaderEventType],
		CorrelationId: msg.Key,
		Timestamp:     time.Now(),
		Headers:       headers,
		Body:          msg.Body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish to rabbitmq: %w", err)
	}

	util.EventsPublishedTotal.WithLabelValues(msg.RoutingKey).Inc()
	return nil
}

type amqpBinding struct {
	queue    string
	key      string
	exchange string
}

type amqpQueue struct {
	name     string
	args     amqp.Table
	bindings []amqpBinding
}

// queueTopology lists the queues and bindings needed to consume routingKeys.
// Rejected messages are republished to the dead-letter exchange under the queue
// name, so each dead-letter queue only collects its own queue's failures.
func queueTopology(exchange, deadLetter, queue string, routingKeys []string) []amqpQueue {
	primary := amqpQueue{name: queue, args: amqp.Table{}}
	for _, key := range routingKeys {
		primary.bindings = append(primary.bindings, amqpBinding{queue: queue, key: key, exchange: exchange})
	}
	if deadLetter == "" {
		return []amqpQueue{primary}
	}

	primary.args[amqpDeadLetterArgs] = deadLetter
	primary.args[amqpDeadLetterKeyArgs] = queue

	dlq := queue + amqpDeadLetterSuffix
	return []amqpQueue{
		{
			name:     dlq,
			bindings: []amqpBinding{{queue: dlq, key: queue, exchange: deadLetter}},
		},
		primary,
	}
}

// Declare creates a durable queue bound to the routing keys, and its
// dead-letter queue when a dead-letter exchange is configured.
func (b *AMQPBus) Declare(ctx context.Context, queue string, routingKeys []string) error {
	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()

	for _, q := range queueTopology(b.exchange, b.deadLetter, queue, routingKeys) {
		if _, err := ch.QueueDeclare(q.name, true, false, false, false, q.args); err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", q.name, err)
		}
		for _, bind := range q.bindings {
			if err := ch.QueueBind(bind.queue, bind.key, bind.exchange, false, nil); err != nil {
				return fmt.Errorf("failed to bind %s to %s: %w", bind.queue, bind.key, err)
			}
		}
	}
	return nil
}

// Subscribe consumes the queue, acking on success and dead-lettering otherwise
func (b *AMQPBus) Subscribe(ctx context.Context, queue string, routingKeys []string, handler MessageHandler) error {
	if err := b.Declare(ctx, queue, routingKeys); err != nil {
		return err
	}

	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(amqpPrefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set qos: %w", err)
	}

	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to consume %s: %w", queue, err)
	}

	logger := util.GetLogger()
	logger.Info("Starting RabbitMQ consumer", zap.String("queue", queue), zap.Strings("routing_keys", routingKeys))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("delivery channel for %s closed", queue)
			}

			msg := fromDelivery(d)
			outcome, _ := b.policy.Deliver(util.ExtractTrace(ctx, msg.Headers), queue, handler, msg)

			var ackErr error
			switch outcome {
			case OutcomeAcked:
				ackErr = d.Ack(false)
			case OutcomeCanceled:
				_ = d.Nack(false, true)
				return ctx.Err()
			default:
				ackErr = d.Nack(false, false)
			}
			if ackErr != nil {
				logger.Error("Error acknowledging delivery", zap.String("queue", queue), zap.Error(ackErr))
			}
		}
	}
}

// Close closes the publishing channel and the connection
func (b *AMQPBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	_ = b.pubCh.Close()
	return b.conn.Close()
}

func fromDelivery(d amqp.Delivery) Message {
	msg := Message{
		Key:        d.CorrelationId,
		RoutingKey: d.RoutingKey,
		Body:       d.Body,
		Headers:    make(map[string]string, len(d.Headers)),
	}
	for k, v := range d.Headers {
		if s, ok := v.(string); ok {
			msg.Headers[k] = s
		}
	}
	return msg
}
