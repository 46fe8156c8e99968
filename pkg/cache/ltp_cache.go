// Package cache holds the last traded price of every streamed instrument.
package cache

import (
	"hash/fnv"
	"sync"
	"time"
)

const numShards = 16

// LTPCache is a sharded last-traded-price store keyed by "EXCHANGE:SYMBOL".
type LTPCache struct {
	shards [numShards]*ltpShard
	now    func() time.Time
}

type ltpShard struct {
	mu    sync.RWMutex
	items map[string]Entry
}

// Entry is one cached price. TickTime is the exchange timestamp when the
// feed carried one; UpdatedAt is always local receive time.
type Entry struct {
	Price     float64   `json:"price"`
	TickTime  time.Time `json:"tick_time,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

func NewLTPCache() *LTPCache {
	c := &LTPCache{now: time.Now}
	for i := 0; i < numShards; i++ {
		c.shards[i] = &ltpShard{items: make(map[string]Entry)}
	}
	return c
}

func (c *LTPCache) shard(key string) *ltpShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%numShards]
}

// Set stores the latest price for key. An update carrying an older tick
// time than the cached one is ignored.
func (c *LTPCache) Set(key string, price float64, tickTime time.Time) bool {
	s := c.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.items[key]; ok && !tickTime.IsZero() && tickTime.Before(prev.TickTime) {
		return false
	}
	s.items[key] = Entry{Price: price, TickTime: tickTime, UpdatedAt: c.now()}
	return true
}

func (c *LTPCache) Get(key string) (float64, bool) {
	e, ok := c.Entry(key)
	return e.Price, ok
}

// Entry returns the full cached record for key.
func (c *LTPCache) Entry(key string) (Entry, bool) {
	s := c.shard(key)
	s.mu.RLock()
	e, ok := s.items[key]
	s.mu.RUnlock()
	return e, ok
}

// GetWithAge returns the price and how long ago it was received.
func (c *LTPCache) GetWithAge(key string) (float64, time.Duration, bool) {
	e, ok := c.Entry(key)
	if !ok {
		return 0, 0, false
	}
	return e.Price, c.now().Sub(e.UpdatedAt), true
}

func (c *LTPCache) Len() int {
	total := 0
	for _, s := range c.shards {
		s.mu.RLock()
		total += len(s.items)
		s.mu.RUnlock()
	}
	return total
}

// Cleanup removes entries not updated within maxAge and returns how many
// were dropped.
func (c *LTPCache) Cleanup(maxAge time.Duration) int {
	removed := 0
	cutoff := c.now().Add(-maxAge)
	for _, s := range c.shards {
		s.mu.Lock()
		for key, e := range s.items {
			if e.UpdatedAt.Before(cutoff) {
				delete(s.items, key)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Retain drops every key not in keep and returns how many were dropped.
func (c *LTPCache) Retain(keep []string) int {
	valid := make(map[string]struct{}, len(keep))
	for _, k := range keep {
		valid[k] = struct{}{}
	}
	removed := 0
	for _, s := range c.shards {
		s.mu.Lock()
		for key := range s.items {
			if _, ok := valid[key]; !ok {
				delete(s.items, key)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Snapshot copies every cached entry.
func (c *LTPCache) Snapshot() map[string]Entry {
	out := make(map[string]Entry)
	for _, s := range c.shards {
		s.mu.RLock()
		for key, e := range s.items {
			out[key] = e
		}
		s.mu.RUnlock()
	}
	return out
}

// Stats summarises the cache for the operator surface.
type Stats struct {
	TotalItems int           `json:"total_items"`
	OldestAge  time.Duration `json:"oldest_age"`
}

func (c *LTPCache) Stats() Stats {
	var st Stats
	var oldest time.Time
	for _, s := range c.shards {
		s.mu.RLock()
		st.TotalItems += len(s.items)
		for _, e := range s.items {
			if oldest.IsZero() || e.UpdatedAt.Before(oldest) {
				oldest = e.UpdatedAt
			}
		}
		s.mu.RUnlock()
	}
	if !oldest.IsZero() {
		st.OldestAge = c.now().Sub(oldest)
	}
	return st
}
