// ABOUTME: Thread-safe TTL cache keyed by string, optionally carrying a value per key
// ABOUTME: Drops redelivered event IDs and replays responses for repeated Idempotency-Key requests

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type entry[V any] struct {
	key     string
	value   V
	expires time.Time
	element *list.Element
}

// Cache is a TTL-based, size-limited map from key to value. Insertion order
// is kept in a linked list so eviction of the oldest entry is O(1).
type Cache[V any] struct {
	mu      sync.Mutex
	entries map[string]*entry[V]
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// Seen is a Cache used purely as a set of recently seen keys.
type Seen = Cache[struct{}]

// New creates a cache with the given TTL and maximum size. A background
// goroutine removes expired entries until Close is called.
func New[V any](ttl time.Duration, maxSize int) *Cache[V] {
	c := newCache[V](ttl, maxSize, time.Now)
	go c.cleanup(time.Minute)
	return c
}

// NewSeen creates a key-only cache.
func NewSeen(ttl time.Duration, maxSize int) *Seen {
	return New[struct{}](ttl, maxSize)
}

func newCache[V any](ttl time.Duration, maxSize int, now func() time.Time) *Cache[V] {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &Cache[V]{
		entries: make(map[string]*entry[V]),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     now,
		done:    make(chan struct{}),
	}
}

// Get returns the live value stored under key.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e := c.liveLocked(key); e != nil {
		return e.value, true
	}
	var zero V
	return zero, false
}

// Put stores value under key, refreshing its TTL.
func (c *Cache[V]) Put(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putLocked(key, value)
}

// Check reports whether key is present and not expired.
func (c *Cache[V]) Check(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.liveLocked(key) != nil
}

// Mark records key with a zero value.
func (c *Cache[V]) Mark(key string) {
	var zero V
	c.Put(key, zero)
}

// CheckAndMark atomically reports whether key was already present and marks it
// if it was not. True means duplicate.
func (c *Cache[V]) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.liveLocked(key) != nil {
		return true
	}
	var zero V
	c.putLocked(key, zero)
	return false
}

// Len returns the number of entries, expired or not, currently held.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache[V]) liveLocked(key string) *entry[V] {
	e, ok := c.entries[key]
	if !ok || !c.now().Before(e.expires) {
		return nil
	}
	return e
}

func (c *Cache[V]) putLocked(key string, value V) {
	expires := c.now().Add(c.ttl)

	if e, ok := c.entries[key]; ok {
		e.value = value
		e.expires = expires
		c.order.MoveToBack(e.element)
		return
	}

	if len(c.entries) >= c.maxSize {
		c.evictOldestLocked()
	}

	e := &entry[V]{key: key, value: value, expires: expires}
	e.element = c.order.PushBack(e)
	c.entries[key] = e
}

func (c *Cache[V]) evictOldestLocked() {
	front := c.order.Front()
	if front == nil {
		return
	}
	e, _ := front.Value.(*entry[V])
	c.order.Remove(front)
	delete(c.entries, e.key)
}

func (c *Cache[V]) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.removeExpired()
		case <-c.done:
			return
		}
	}
}

func (c *Cache[V]) removeExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for key, e := range c.entries {
		if !now.Before(e.expires) {
			c.order.Remove(e.element)
			delete(c.entries, key)
		}
	}
}

// Close stops the background cleanup goroutine. Safe to call multiple times.
func (c *Cache[V]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
