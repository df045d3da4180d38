package broker

import (
	"context"
	"time"

	"order-fulfillment/internal/apperr"
	"order-fulfillment/internal/util"

	"go.uber.org/zap"
)

// Outcome of delivering one message to a handler
type Outcome int

const (
	OutcomeAcked Outcome = iota
	// OutcomeDropped means the handler rejected the message as not retryable
	OutcomeDropped
	// OutcomeDeadLettered means every attempt failed with a retryable error
	OutcomeDeadLettered
	OutcomeCanceled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAcked:
		return "acked"
	case OutcomeDropped:
		return "dropped"
	case OutcomeDeadLettered:
		return "dead_lettered"
	case OutcomeCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// RetryPolicy bounds in-process redelivery of a failing message
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryPolicy returns the policy used by the transports
func DefaultRetryPolicy(maxAttempts int) RetryPolicy {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return RetryPolicy{
		MaxAttempts:    maxAttempts,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
	}
}

func (p RetryPolicy) backoff(attempt int) time.Duration {
	d := p.InitialBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	return d
}

// Deliver runs handler until it succeeds, fails permanently, or attempts are exhausted
func (p RetryPolicy) Deliver(ctx context.Context, queue string, handler MessageHandler, msg Message) (Outcome, error) {
	logger := util.GetLogger()
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = handler(ctx, msg)
		if err == nil {
			util.EventsConsumedTotal.WithLabelValues(queue, msg.RoutingKey, OutcomeAcked.String()).Inc()
			return OutcomeAcked, nil
		}

		if !apperr.Retryable(err) {
			logger.Warn("Dropping message",
				zap.String("queue", queue),
				zap.String("routing_key", msg.RoutingKey),
				zap.String("kind", apperr.Kind(err)),
				zap.Error(err))
			util.EventsConsumedTotal.WithLabelValues(queue, msg.RoutingKey, OutcomeDropped.String()).Inc()
			return OutcomeDropped, err
		}

		logger.Warn("Handler failed, redelivering",
			zap.String("queue", queue),
			zap.String("routing_key", msg.RoutingKey),
			zap.Int("attempt", attempt),
			zap.Error(err))

		if attempt == attempts {
			break
		}

		select {
		case <-ctx.Done():
			return OutcomeCanceled, ctx.Err()
		case <-time.After(p.backoff(attempt)):
		}
	}

	logger.Error("Message dead-lettered after exhausting attempts",
		zap.String("queue", queue),
		zap.String("routing_key", msg.RoutingKey),
		zap.String("key", msg.Key),
		zap.ByteString("value", msg.Body),
		zap.Error(err))
	util.EventsConsumedTotal.WithLabelValues(queue, msg.RoutingKey, OutcomeDeadLettered.String()).Inc()
	return OutcomeDeadLettered, err
}
