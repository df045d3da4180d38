package broker

import (
	"context"
	"sync"
	"time"
)

// MemoryDeduplicator keeps handled keys in process memory
type MemoryDeduplicator struct {
	mu   sync.Mutex
	keys map[string]time.Time
	now  func() time.Time
}

func NewMemoryDeduplicator() *MemoryDeduplicator {
	return &MemoryDeduplicator{
		keys: make(map[string]time.Time),
		now:  time.Now,
	}
}

func (d *MemoryDeduplicator) Seen(ctx context.Context, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	expires, ok := d.keys[key]
	if !ok {
		return false, nil
	}
	if !expires.IsZero() && d.now().After(expires) {
		delete(d.keys, key)
		return false, nil
	}
	return true, nil
}

// Mark records key; a zero ttl never expires
func (d *MemoryDeduplicator) Mark(ctx context.Context, key string, ttl time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var expires time.Time
	if ttl > 0 {
		expires = d.now().Add(ttl)
	}
	d.keys[key] = expires
	return nil
}
