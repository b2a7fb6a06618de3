package payments

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultEventTTL is how long processed webhook event IDs are remembered.
const DefaultEventTTL = 24 * time.Hour

// EventCache remembers processed webhook event IDs.
type EventCache interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	Mark(ctx context.Context, eventID string) error
}

// NopEventCache never remembers anything.
type NopEventCache struct{}

func (NopEventCache) Seen(context.Context, string) (bool, error) { return false, nil }
func (NopEventCache) Mark(context.Context, string) error         { return nil }

// =============================================================================
// REDIS
// =============================================================================

// RedisEventCache shares processed event IDs across instances.
type RedisEventCache struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisEventCache(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisEventCache {
	trimmedPrefix := strings.TrimSpace(prefix)
	if trimmedPrefix == "" {
		trimmedPrefix = "cashback:webhook"
	}
	trimmedPrefix = strings.TrimSuffix(trimmedPrefix, ":")
	if ttl <= 0 {
		ttl = DefaultEventTTL
	}
	return &RedisEventCache{client: client, prefix: trimmedPrefix, ttl: ttl}
}

func (r *RedisEventCache) key(eventID string) string {
	return fmt.Sprintf("%s:%s", r.prefix, eventID)
}

func (r *RedisEventCache) Seen(ctx context.Context, eventID string) (bool, error) {
	if r == nil || r.client == nil || eventID == "" {
		return false, nil
	}
	n, err := r.client.Exists(ctx, r.key(eventID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *RedisEventCache) Mark(ctx context.Context, eventID string) error {
	if r == nil || r.client == nil || eventID == "" {
		return nil
	}
	return r.client.SetNX(ctx, r.key(eventID), time.Now().UTC().Format(time.RFC3339), r.ttl).Err()
}

// =============================================================================
// IN-PROCESS
// =============================================================================

// MemoryEventCache is a single-instance EventCache.
type MemoryEventCache struct {
	mu   sync.Mutex
	ttl  time.Duration
	now  func() time.Time
	seen map[string]time.Time
}

func NewMemoryEventCache(ttl time.Duration) *MemoryEventCache {
	if ttl <= 0 {
		ttl = DefaultEventTTL
	}
	return &MemoryEventCache{ttl: ttl, now: time.Now, seen: make(map[string]time.Time)}
}

func (m *MemoryEventCache) Seen(_ context.Context, eventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	until, ok := m.seen[eventID]
	if !ok {
		return false, nil
	}
	if !m.now().Before(until) {
		delete(m.seen, eventID)
		return false, nil
	}
	return true, nil
}

func (m *MemoryEventCache) Mark(_ context.Context, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen[eventID] = m.now().Add(m.ttl)
	return nil
}
