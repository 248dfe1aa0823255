package service

import (
	"encoding/json"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/runlok/runlok/internal/domain/policy"
)

// decisionCache is a fixed-capacity LRU of evaluated decisions keyed by
// snapshot fingerprint and call identity. A snapshot swap changes the
// fingerprint, so stale entries can never hit; Clear on swap is hygiene
// that lets the old entries be collected promptly.
type decisionCache struct {
	mu       sync.Mutex
	capacity int
	entries  map[uint64]*cacheEntry
	head     *cacheEntry // most recently used
	tail     *cacheEntry // least recently used
}

type cacheEntry struct {
	key        uint64
	decision   policy.Decision
	prev, next *cacheEntry
}

func newDecisionCache(capacity int) *decisionCache {
	if capacity < 1 {
		capacity = 1
	}
	return &decisionCache{
		capacity: capacity,
		entries:  make(map[uint64]*cacheEntry, capacity),
	}
}

// Get returns the cached decision for key and promotes it to most
// recently used.
func (c *decisionCache) Get(key uint64) (policy.Decision, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return policy.Decision{}, false
	}
	c.moveToHeadLocked(e)
	return e.decision, true
}

// Put stores a decision, evicting the least recently used entry at
// capacity.
func (c *decisionCache) Put(key uint64, d policy.Decision) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.decision = d
		c.moveToHeadLocked(e)
		return
	}
	if len(c.entries) >= c.capacity {
		c.evictTailLocked()
	}
	e := &cacheEntry{key: key, decision: d}
	c.entries[key] = e
	c.pushHeadLocked(e)
}

// Clear drops every entry.
func (c *decisionCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[uint64]*cacheEntry, c.capacity)
	c.head, c.tail = nil, nil
}

// Size returns the current number of entries.
func (c *decisionCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *decisionCache) moveToHeadLocked(e *cacheEntry) {
	if c.head == e {
		return
	}
	c.unlinkLocked(e)
	c.pushHeadLocked(e)
}

func (c *decisionCache) pushHeadLocked(e *cacheEntry) {
	e.prev = nil
	e.next = c.head
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

func (c *decisionCache) unlinkLocked(e *cacheEntry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}
	e.prev, e.next = nil, nil
}

func (c *decisionCache) evictTailLocked() {
	if c.tail == nil {
		return
	}
	victim := c.tail
	c.unlinkLocked(victim)
	delete(c.entries, victim.key)
}

// decisionCacheKey hashes the snapshot fingerprint and call identity into
// a cache key. The wall-clock keys injected at call entry are excluded:
// any policy whose rules read them is time-sensitive and bypasses the
// cache entirely, so they can never influence a cached decision.
func decisionCacheKey(fingerprint string, call policy.CallInput) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(fingerprint)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(call.ToolName)
	_, _ = h.Write([]byte{0})
	writeJSONMap(h, call.ToolArgs)
	_, _ = h.Write([]byte{0})
	writeJSONMap(h, stripClockKeys(call.Context))
	_, _ = h.Write([]byte{0})
	writeJSONMap(h, call.Metadata)
	return h.Sum64()
}

// writeJSONMap feeds a deterministic encoding of m into the hash.
// encoding/json sorts map keys, so equal maps always encode equally.
func writeJSONMap(h *xxhash.Digest, m map[string]any) {
	if len(m) == 0 {
		return
	}
	b, err := json.Marshal(m)
	if err != nil {
		// Unmarshalable values (channels, funcs) cannot come off the
		// wire; treat the map as unkeyable rather than panic.
		_, _ = h.WriteString("!")
		return
	}
	_, _ = h.Write(b)
}

func stripClockKeys(ctx map[string]any) map[string]any {
	if ctx == nil {
		return nil
	}
	if _, a := ctx[policy.ContextKeyCurrentTime]; !a {
		if _, b := ctx[policy.ContextKeyDayOfWeek]; !b {
			return ctx
		}
	}
	out := make(map[string]any, len(ctx))
	for k, v := range ctx {
		if k == policy.ContextKeyCurrentTime || k == policy.ContextKeyDayOfWeek {
			continue
		}
		out[k] = v
	}
	return out
}
