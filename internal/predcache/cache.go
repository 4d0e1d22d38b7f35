// Package predcache memoizes recent detection results keyed by frame
// fingerprint, bounded by capacity and TTL.
package predcache

import (
	"container/list"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"detectd/pkg/types"
)

var (
	hitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "detectd",
		Subsystem: "predcache",
		Name:      "hits_total",
		Help:      "Prediction cache hits",
	})
	missesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "detectd",
		Subsystem: "predcache",
		Name:      "misses_total",
		Help:      "Prediction cache misses",
	})
)

func init() {
	prometheus.MustRegister(hitsTotal, missesTotal)
}

type entry struct {
	fingerprint uint64
	result      types.DetectionResult
	insertedAt  time.Time
}

// Cache is a size-bounded LRU with TTL expiry; whichever triggers first
// evicts. Guarded by a mutex: insert and lookup may race across goroutines
// of one pipeline.
type Cache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	order    *list.List // front = most recent
	index    map[uint64]*list.Element

	hits   uint64
	misses uint64

	// now is swappable for TTL tests.
	now func() time.Time
}

// New builds a cache with the given entry capacity and TTL.
func New(capacity int, ttl time.Duration) *Cache {
	if capacity <= 0 {
		capacity = 1
	}
	return &Cache{
		capacity: capacity,
		ttl:      ttl,
		order:    list.New(),
		index:    make(map[uint64]*list.Element),
		now:      time.Now,
	}
}

// Lookup returns the cached result for fingerprint if present and fresh.
func (c *Cache) Lookup(fingerprint uint64) (types.DetectionResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.index[fingerprint]
	if !ok {
		c.misses++
		missesTotal.Inc()
		return types.DetectionResult{}, false
	}
	e := el.Value.(*entry)
	if c.ttl > 0 && c.now().Sub(e.insertedAt) > c.ttl {
		c.removeLocked(el)
		c.misses++
		missesTotal.Inc()
		return types.DetectionResult{}, false
	}
	c.order.MoveToFront(el)
	c.hits++
	hitsTotal.Inc()
	return e.result, true
}

// Insert stores a result, expiring stale entries and evicting the LRU tail
// first so at most one live entry exists per fingerprint and the capacity
// bound holds.
func (c *Cache) Insert(fingerprint uint64, result types.DetectionResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.expireLocked()
	if el, ok := c.index[fingerprint]; ok {
		e := el.Value.(*entry)
		e.result = result
		e.insertedAt = c.now()
		c.order.MoveToFront(el)
		return
	}
	for c.order.Len() >= c.capacity {
		c.removeLocked(c.order.Back())
	}
	el := c.order.PushFront(&entry{fingerprint: fingerprint, result: result, insertedAt: c.now()})
	c.index[fingerprint] = el
}

// Len returns the live entry count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Hits returns cumulative hit count.
func (c *Cache) Hits() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits
}

// Purge drops every entry.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.index = make(map[uint64]*list.Element)
}

func (c *Cache) expireLocked() {
	if c.ttl <= 0 {
		return
	}
	// Recency order follows access, not insertion, so scan everything.
	cutoff := c.now().Add(-c.ttl)
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		if !el.Value.(*entry).insertedAt.After(cutoff) {
			c.removeLocked(el)
		}
		el = next
	}
}

func (c *Cache) removeLocked(el *list.Element) {
	if el == nil {
		return
	}
	e := el.Value.(*entry)
	delete(c.index, e.fingerprint)
	c.order.Remove(el)
}
