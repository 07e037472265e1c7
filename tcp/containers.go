package tcp

import (
	"github.com/lemonrock/tcpengine/internal"
)

// ConnID identifies one connection by its 4-tuple, hashed down to a single
// comparable key so it can index both the TCB map and the timer wheels.
type ConnID struct {
	LocalPort  uint16
	RemotePort uint16
	LocalAddr  [16]byte // IPv4 addresses are stored left-padded with zeros.
	RemoteAddr [16]byte
	IsIPv6     bool
}

// connIDKey packs a ConnID into a single comparable value so it can be used
// directly as a map key without hashing collisions between distinct tuples.
type connIDKey struct {
	ports uint32
	a, b  [16]byte
	v6    bool
}

func (id ConnID) key() connIDKey {
	return connIDKey{
		ports: uint32(id.LocalPort)<<16 | uint32(id.RemotePort),
		a:     id.LocalAddr, b: id.RemoteAddr, v6: id.IsIPv6,
	}
}

// connTable is the live TCB map: the only state allocated per connection
// once it is synchronized. Entries are added either from an
// active-open completion or from a validated SYN cookie, and removed once
// a connection fully closes or aborts.
type connTable struct {
	m map[connIDKey]*ControlBlock
}

func (t *connTable) Reset() { t.m = make(map[connIDKey]*ControlBlock) }

func (t *connTable) Get(id ConnID) (*ControlBlock, bool) {
	tcb, ok := t.m[id.key()]
	return tcb, ok
}

func (t *connTable) Put(id ConnID, tcb *ControlBlock) { t.m[id.key()] = tcb }

func (t *connTable) Delete(id ConnID) { delete(t.m, id.key()) }

func (t *connTable) Len() int { return len(t.m) }

// peerKey identifies a peer by address alone (not full 4-tuple), the
// granularity at which the recent-peer cache and congestion parameters are
// remembered.
type peerKey [16]byte

// RecentPeerData is what the recent-peer cache remembers about a peer
// across connections, so a fresh connection can seed its congestion
// control more aggressively than a completely cold start (RFC 2140) and so
// a SYN cookie's truncated option echo can be cross-checked. Grounded on
// the original source's CachedCongestionData.rs/RecentConnectionData.rs.
type RecentPeerData struct {
	Ssthresh     uint32
	MSSIndex     uint8
	WScaleIndex  uint8
	SawECN       bool
	SawTimestamps bool
}

// recentPeerCache is a bounded, TTL-expiring LRU keyed by peer address.
// Entries expire after 2*MSL so stale congestion hints from a
// long-departed path characteristic are not reused indefinitely.
type recentPeerCache struct {
	lru internal.LRU[peerKey, RecentPeerData]
}

func (c *recentPeerCache) Reset(maxEntries int, ttlTicks int64) {
	c.lru = internal.NewLRU[peerKey, RecentPeerData](maxEntries, ttlTicks)
}

func (c *recentPeerCache) Get(now int64, addr [16]byte) (RecentPeerData, bool) {
	return c.lru.Get(now, peerKey(addr))
}

func (c *recentPeerCache) Put(now int64, addr [16]byte, data RecentPeerData) {
	c.lru.Push(now, peerKey(addr), data)
}

// sourcePortChooser hands out locally-bound ephemeral ports for outbound
// (actively-opened) connections, grounded on the original source's
// SourcePortChooser.rs. It holds a PortBitSet of ports in use and a
// next-port hint, and scans forward from the hint for a free port. It keeps
// no per-peer record of recently used ports: a released port is at once
// available again for any peer.
type sourcePortChooser struct {
	inUse    internal.PortBitSet
	nextHint uint16
}

func (c *sourcePortChooser) Reset(listenerPorts ...uint16) {
	c.inUse = internal.PortBitSet{}
	c.inUse.ExcludeReserved(listenerPorts...)
	c.nextHint = 1024
}

// Choose returns a free ephemeral port and marks it in-use.
func (c *sourcePortChooser) Choose() (uint16, bool) {
	port, ok := c.inUse.FindFree(c.nextHint)
	if !ok {
		return 0, false
	}
	c.inUse.Set(port)
	c.nextHint = port + 1
	return port, true
}

// Release marks port as free again, once its connection's TIME-WAIT
// interval has elapsed.
func (c *sourcePortChooser) Release(port uint16) { c.inUse.Clear(port) }
