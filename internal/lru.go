package internal

// LRU is a fixed-capacity, expiry-aware cache. It backs the recent-peer
// data cache. The zero value is not ready to use; call NewLRU.
type LRU[K comparable, V any] struct {
	nodes []lruNode[K, V]
	index uint // points at the most recently written entry
	ttl   int64
}

type lruNode[K comparable, V any] struct {
	k        K
	v        V
	expireAt int64
	used     bool
}

// NewLRU creates a cache of maxSize entries where entries expire ttlTicks
// after being written (ttlTicks<=0 disables expiry).
func NewLRU[K comparable, V any](maxSize int, ttlTicks int64) LRU[K, V] {
	if maxSize <= 0 {
		panic("tcpengine/lru: max size must be > 0")
	}
	return LRU[K, V]{
		nodes: make([]lruNode[K, V], 0, maxSize),
		ttl:   ttlTicks,
	}
}

// Get looks up k, returning ok=false if absent or expired as of now.
func (c *LRU[K, V]) Get(now int64, k K) (v V, ok bool) {
	i := c.index
	for range len(c.nodes) {
		n := &c.nodes[i]
		if n.used && n.k == k {
			if c.ttl > 0 && now > n.expireAt {
				return v, false
			}
			return n.v, true
		}
		if i == 0 {
			i = uint(len(c.nodes))
		}
		i--
	}
	return v, false
}

// Push inserts or overwrites the entry for k, refreshing its expiry.
func (c *LRU[K, V]) Push(now int64, k K, v V) {
	for i := range c.nodes {
		if c.nodes[i].used && c.nodes[i].k == k {
			c.nodes[i].v = v
			c.nodes[i].expireAt = now + c.ttl
			c.index = uint(i)
			return
		}
	}
	entry := lruNode[K, V]{k: k, v: v, expireAt: now + c.ttl, used: true}
	if len(c.nodes) < cap(c.nodes) {
		c.nodes = append(c.nodes, entry)
		c.index = uint(len(c.nodes) - 1)
		return
	}
	c.index++
	if c.index >= uint(len(c.nodes)) {
		c.index = 0
	}
	c.nodes[c.index] = entry
}

// Delete removes the entry for k, if present.
func (c *LRU[K, V]) Delete(k K) {
	for i := range c.nodes {
		if c.nodes[i].used && c.nodes[i].k == k {
			c.nodes[i].used = false
			var zero V
			c.nodes[i].v = zero
			return
		}
	}
}

// Len returns the number of live (non-deleted) entries, irrespective of expiry.
func (c *LRU[K, V]) Len() (n int) {
	for i := range c.nodes {
		if c.nodes[i].used {
			n++
		}
	}
	return n
}
