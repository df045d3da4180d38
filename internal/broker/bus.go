package broker

import (
	"context"
	"strings"
)

// Header names carried with every message
const (
	HeaderRoutingKey = "routing_key"
	HeaderEventType  = "event_type"
	HeaderEventID    = "event_id"
)

// Message is a serialized event together with its addressing
type Message struct {
	// Key groups messages of one order onto the same partition where the transport supports it.
	Key        string
	RoutingKey string
	Body       []byte
	Headers    map[string]string
}

// MessageHandler is a function type for handling messages.
// Returning nil acknowledges the message; returning an error asks for redelivery
// unless the error is not retryable.
type MessageHandler func(ctx context.Context, msg Message) error

// Publisher publishes messages to the events exchange
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Subscriber delivers messages bound to a queue
type Subscriber interface {
	// Declare creates the queue and binds it to the routing keys. Safe to call repeatedly.
	Declare(ctx context.Context, queue string, routingKeys []string) error
	// Subscribe blocks, invoking handler once per delivery, until ctx is done.
	Subscribe(ctx context.Context, queue string, routingKeys []string, handler MessageHandler) error
}

// Bus is a publish/subscribe transport
type Bus interface {
	Publisher
	Subscriber
	Close() error
}

// MatchRoutingKey reports whether key matches a topic binding pattern.
// '*' matches exactly one word and '#' matches zero or more words.
func MatchRoutingKey(pattern, key string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchWords(pattern, key []string) bool {
	if len(pattern) == 0 {
		return len(key) == 0
	}

	switch pattern[0] {
	case "#":
		for i := 0; i <= len(key); i++ {
			if matchWords(pattern[1:], key[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(key) > 0 && matchWords(pattern[1:], key[1:])
	default:
		return len(key) > 0 && pattern[0] == key[0] && matchWords(pattern[1:], key[1:])
	}
}

func matchesAny(patterns []string, key string) bool {
	for _, p := range patterns {
		if MatchRoutingKey(p, key) {
			return true
		}
	}
	return false
}
