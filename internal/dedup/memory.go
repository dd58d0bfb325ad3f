package dedup

import (
	"container/list"
	"context"
	"log/slog"
	"sync"
	"time"
)

// MemoryCache is a process-local Cache with TTL and strict LRU capacity bounds.
type MemoryCache struct {
	ttl      time.Duration
	capacity int
	now      func() time.Time

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // front is most recently used

	assoc *assocLRU
}

type admitEntry struct {
	id         string
	admittedAt time.Time
}

// MemoryOption configures a MemoryCache.
type MemoryOption func(*MemoryCache)

// WithTTL sets how long an admitted id blocks redeliveries.
func WithTTL(ttl time.Duration) MemoryOption {
	return func(c *MemoryCache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithCapacity bounds the number of remembered ids.
func WithCapacity(n int) MemoryOption {
	return func(c *MemoryCache) {
		if n > 0 {
			c.capacity = n
		}
	}
}

// WithAssocCapacity bounds the number of remembered customer associations.
func WithAssocCapacity(n int) MemoryOption {
	return func(c *MemoryCache) {
		if n > 0 {
			c.assoc = newAssocLRU(n)
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) MemoryOption {
	return func(c *MemoryCache) { c.now = now }
}

var _ Cache = (*MemoryCache)(nil)

// NewMemoryCache creates an in-memory admission cache.
func NewMemoryCache(opts ...MemoryOption) *MemoryCache {
	c := &MemoryCache{
		ttl:      DefaultTTL,
		capacity: DefaultCapacity,
		now:      time.Now,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
		assoc:    newAssocLRU(DefaultAssocCapacity),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *MemoryCache) Admit(ctx context.Context, messageID string) (Admission, error) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[messageID]; ok {
		e := el.Value.(*admitEntry)
		c.order.MoveToFront(el)
		if now.Sub(e.admittedAt) < c.ttl {
			return Duplicate, nil
		}
		e.admittedAt = now
		return Admitted, nil
	}

	for len(c.entries) >= c.capacity {
		c.evictOldest()
	}
	c.entries[messageID] = c.order.PushFront(&admitEntry{id: messageID, admittedAt: now})
	return Admitted, nil
}

// evictOldest removes the least recently used id. Must be called with lock held.
func (c *MemoryCache) evictOldest() {
	back := c.order.Back()
	if back == nil {
		return
	}
	e := c.order.Remove(back).(*admitEntry)
	delete(c.entries, e.id)
}

// Sweep removes ids older than the TTL and returns how many were removed.
func (c *MemoryCache) Sweep() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for el := c.order.Back(); el != nil; {
		prev := el.Prev()
		e := el.Value.(*admitEntry)
		if now.Sub(e.admittedAt) >= c.ttl {
			c.order.Remove(el)
			delete(c.entries, e.id)
			removed++
		}
		el = prev
	}
	return removed
}

// Len returns the number of remembered ids.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Run sweeps expired ids on the given interval until ctx is cancelled.
func (c *MemoryCache) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	slog.Info("MemoryCache.Run: starting dedup sweeper", "interval", interval, "ttl", c.ttl, "capacity", c.capacity)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("MemoryCache.Run: stopping")
			return
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				slog.Debug("MemoryCache.Run: swept expired ids", "count", n)
			}
		}
	}
}

func (c *MemoryCache) Associate(ctx context.Context, customerPhone, businessPhone string) error {
	c.assoc.set(customerPhone, businessPhone)
	return nil
}

func (c *MemoryCache) LookupBusiness(ctx context.Context, customerPhone string) (string, bool, error) {
	v, ok := c.assoc.get(customerPhone)
	return v, ok, nil
}

// assocLRU is a bounded string map with LRU eviction.
type assocLRU struct {
	capacity int
	mu       sync.Mutex
	items    map[string]*list.Element
	order    *list.List
}

type assocEntry struct {
	key, value string
}

func newAssocLRU(capacity int) *assocLRU {
	return &assocLRU{capacity: capacity, items: make(map[string]*list.Element), order: list.New()}
}

func (a *assocLRU) set(key, value string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if el, ok := a.items[key]; ok {
		el.Value.(*assocEntry).value = value
		a.order.MoveToFront(el)
		return
	}
	for len(a.items) >= a.capacity {
		back := a.order.Back()
		e := a.order.Remove(back).(*assocEntry)
		delete(a.items, e.key)
	}
	a.items[key] = a.order.PushFront(&assocEntry{key: key, value: value})
}

func (a *assocLRU) get(key string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	el, ok := a.items[key]
	if !ok {
		return "", false
	}
	a.order.MoveToFront(el)
	return el.Value.(*assocEntry).value, true
}
