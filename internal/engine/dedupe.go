package engine

import (
	"sync"
	"time"

	"sessionguard/internal/model"
)

const compactEvery = 10000

// DeliveryCache remembers transport deliveries seen within a TTL so a feed
// that redelivers (Kafka rebalance, file tail restart) does not inflate the
// session counter. Only events carrying a DeliveryID take part: two requests
// with the same content are still two requests.
type DeliveryCache struct {
	mu      sync.Mutex
	seen    map[string]time.Time
	inserts int
}

func NewDeliveryCache() *DeliveryCache {
	return &DeliveryCache{seen: make(map[string]time.Time)}
}

// Redelivered reports whether ev was already delivered within ttl and
// records it otherwise.
func (c *DeliveryCache) Redelivered(ev model.RequestEvent, now time.Time, ttl time.Duration) bool {
	if ev.DeliveryID == "" || ttl <= 0 {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if at, ok := c.seen[ev.DeliveryID]; ok && now.Sub(at) <= ttl {
		return true
	}
	c.seen[ev.DeliveryID] = now
	c.inserts++
	if c.inserts >= compactEvery {
		c.inserts = 0
		for k, at := range c.seen {
			if now.Sub(at) > ttl {
				delete(c.seen, k)
			}
		}
	}
	return false
}

func (c *DeliveryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func (c *DeliveryCache) Clear() {
	c.mu.Lock()
	c.seen = make(map[string]time.Time)
	c.inserts = 0
	c.mu.Unlock()
}
