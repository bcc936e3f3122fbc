// Package trail keeps the bounded, ordered window of recent positions a
// consumer draws on screen.
package trail

import (
	"sort"
	"sync"

	"orbit-oracle/pkg/record"
)

// DefaultCapacity is the number of positions kept when none is configured.
const DefaultCapacity = 100

// Cache holds at most Capacity records, unique by sequence and sorted
// ascending. When full, the lowest sequence is evicted first.
type Cache struct {
	capacity int

	mu   sync.RWMutex
	recs []record.PositionRecord
}

// New returns an empty cache. capacity <= 0 selects DefaultCapacity.
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Cache{capacity: capacity, recs: make([]record.PositionRecord, 0, capacity)}
}

// Capacity reports the configured bound.
func (c *Cache) Capacity() int { return c.capacity }

// Accept inserts r unless a record with the same sequence is already present
// or r is older than everything kept in a full cache. It reports whether the
// cache changed.
func (c *Cache) Accept(r record.PositionRecord) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	i := sort.Search(len(c.recs), func(i int) bool { return c.recs[i].Sequence.Cmp(r.Sequence) >= 0 })
	if i < len(c.recs) && c.recs[i].Sequence == r.Sequence {
		return false
	}
	if len(c.recs) == c.capacity {
		if i == 0 {
			return false
		}
		c.recs = append(c.recs[:0], c.recs[1:]...)
		i--
	}
	c.recs = append(c.recs, record.PositionRecord{})
	copy(c.recs[i+1:], c.recs[i:])
	c.recs[i] = r
	return true
}

// Replace swaps the contents for recs wholesale, keeping the same dedup and
// capacity rules.
func (c *Cache) Replace(recs []record.PositionRecord) {
	sorted := append([]record.PositionRecord(nil), recs...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Sequence.Cmp(sorted[j].Sequence) < 0 })

	out := make([]record.PositionRecord, 0, c.capacity)
	for _, r := range sorted {
		if n := len(out); n > 0 && out[n-1].Sequence == r.Sequence {
			continue
		}
		out = append(out, r)
	}
	if len(out) > c.capacity {
		out = out[len(out)-c.capacity:]
	}

	c.mu.Lock()
	c.recs = out
	c.mu.Unlock()
}

// Snapshot returns a copy in ascending sequence order.
func (c *Cache) Snapshot() []record.PositionRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]record.PositionRecord(nil), c.recs...)
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.recs)
}

// Latest returns the highest-sequence record.
func (c *Cache) Latest() (record.PositionRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.recs) == 0 {
		return record.PositionRecord{}, false
	}
	return c.recs[len(c.recs)-1], true
}
