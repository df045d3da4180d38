package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"order-fulfillment/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaBus carries every routing key on one topic. The routing key travels in a
// message header and each queue is a consumer group that filters on its bindings.
type KafkaBus struct {
	brokers     []string
	topic       string
	groupPrefix string
	writer      *kafka.Writer
	deadLetter  *kafka.Writer
	policy      RetryPolicy

	mu      sync.Mutex
	readers []*kafka.Reader
}

// NewKafkaBus creates a Kafka producer and lazily creates consumers per queue
func NewKafkaBus(brokers []string, topic, deadLetterTopic, groupPrefix string, policy RetryPolicy) *KafkaBus {
	bus := &KafkaBus{
		brokers:     brokers,
		topic:       topic,
		groupPrefix: groupPrefix,
		writer:      newKafkaWriter(brokers, topic),
		policy:      policy,
	}
	if deadLetterTopic != "" {
		bus.deadLetter = newKafkaWriter(brokers, deadLetterTopic)
	}
	return bus
}

func newKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  3,
		WriteTimeout: 10 * time.Second,
		ReadTimeout:  10 * time.Second,
	}
}

// Publish writes the message keyed by order so one order's events share a partition
func (b *KafkaBus) Publish(ctx context.Context, msg Message) error {
	if err := b.writer.WriteMessages(ctx, toKafkaMessage(msg)); err != nil {
		return fmt.Errorf("failed to write message to kafka: %w", err)
	}

	util.EventsPublishedTotal.WithLabelValues(msg.RoutingKey).Inc()
	util.GetLogger().Debug("Published event",
		zap.String("routing_key", msg.RoutingKey),
		zap.String("key", msg.Key))
	return nil
}

// Declare is a no-op: consumer groups are created by the first fetch
func (b *KafkaBus) Declare(ctx context.Context, queue string, routingKeys []string) error {
	return nil
}

// Subscribe consumes the topic in the queue's consumer group
func (b *KafkaBus) Subscribe(ctx context.Context, queue string, routingKeys []string, handler MessageHandler) error {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        b.brokers,
		Topic:          b.topic,
		GroupID:        b.groupPrefix + queue,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0,
		StartOffset:    kafka.FirstOffset,
	})

	b.mu.Lock()
	b.readers = append(b.readers, reader)
	b.mu.Unlock()

	logger := util.GetLogger()
	logger.Info("Starting Kafka consumer",
		zap.String("topic", b.topic),
		zap.String("group", b.groupPrefix+queue),
		zap.Strings("routing_keys", routingKeys))

	for {
		kmsg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("Consumer context cancelled, stopping...", zap.String("queue", queue))
				return ctx.Err()
			}
			logger.Error("Error fetching message", zap.String("queue", queue), zap.Error(err))
			time.Sleep(time.Second)
			continue
		}

		msg := fromKafkaMessage(kmsg)
		if matchesAny(routingKeys, msg.RoutingKey) {
			outcome, herr := b.policy.Deliver(util.ExtractTrace(ctx, msg.Headers), queue, handler, msg)
			switch outcome {
			case OutcomeCanceled:
				return ctx.Err()
			case OutcomeDeadLettered:
				b.publishDeadLetter(ctx, queue, msg, herr)
			}
		}

		if err := reader.CommitMessages(ctx, kmsg); err != nil {
			logger.Error("Error committing message", zap.String("queue", queue), zap.Error(err))
		}
	}
}

func (b *KafkaBus) publishDeadLetter(ctx context.Context, queue string, msg Message, cause error) {
	if b.deadLetter == nil {
		return
	}

	dl := copyMessage(msg)
	dl.Headers["original_queue"] = queue
	if cause != nil {
		dl.Headers["exception_message"] = cause.Error()
	}

	if err := b.deadLetter.WriteMessages(ctx, toKafkaMessage(dl)); err != nil {
		util.GetLogger().Error("Failed to write dead letter", zap.String("queue", queue), zap.Error(err))
	}
}

// Close closes the producers and every consumer
func (b *KafkaBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var firstErr error
	for _, r := range b.readers {
		if err := r.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := b.writer.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if b.deadLetter != nil {
		if err := b.deadLetter.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func toKafkaMessage(msg Message) kafka.Message {
	headers := make([]kafka.Header, 0, len(msg.Headers)+1)
	headers = append(headers, kafka.Header{Key: HeaderRoutingKey, Value: []byte(msg.RoutingKey)})
	for k, v := range msg.Headers {
		if k == HeaderRoutingKey {
			continue
		}
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}

	return kafka.Message{
		Key:     []byte(msg.Key),
		Value:   msg.Body,
		Headers: headers,
		Time:    time.Now(),
	}
}

func fromKafkaMessage(kmsg kafka.Message) Message {
	msg := Message{
		Key:     string(kmsg.Key),
		Body:    kmsg.Value,
		Headers: make(map[string]string, len(kmsg.Headers)),
	}
	for _, h := range kmsg.Headers {
		if h.Key == HeaderRoutingKey {
			msg.RoutingKey = string(h.Value)
			continue
		}
		msg.Headers[h.Key] = string(h.Value)
	}
	return msg
}
