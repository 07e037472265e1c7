package internal

// PortBitSet tracks the 64512 possible ephemeral TCP ports (1024-65535) as a
// bitset, so the source-port chooser can find a free port without scanning
// a map.
type PortBitSet struct {
	bits [1024]uint64 // 1024*64 = 65536 bits, ports 0..65535
}

// Set marks port as in-use.
func (p *PortBitSet) Set(port uint16) {
	p.bits[port/64] |= 1 << (port % 64)
}

// Clear marks port as free.
func (p *PortBitSet) Clear(port uint16) {
	p.bits[port/64] &^= 1 << (port % 64)
}

// IsSet reports whether port is marked in-use.
func (p *PortBitSet) IsSet(port uint16) bool {
	return p.bits[port/64]&(1<<(port%64)) != 0
}

// ExcludeReserved marks ports reserved for the system or the listener
// itself: 0, 1-1023, and the experimental 1021/1022.
func (p *PortBitSet) ExcludeReserved(listenerPorts ...uint16) {
	for port := 0; port < 1024; port++ {
		p.Set(uint16(port))
	}
	p.Set(1021)
	p.Set(1022)
	for _, lp := range listenerPorts {
		p.Set(lp)
	}
}

// FindFree returns the first free port at or after start in the ephemeral
// range [1024,65535], wrapping around once. ok is false if none is free.
func (p *PortBitSet) FindFree(start uint16) (port uint16, ok bool) {
	if start < 1024 {
		start = 1024
	}
	for port := int(start); port <= 65535; port++ {
		if !p.IsSet(uint16(port)) {
			return uint16(port), true
		}
	}
	for port := 1024; port < int(start); port++ {
		if !p.IsSet(uint16(port)) {
			return uint16(port), true
		}
	}
	return 0, false
}
