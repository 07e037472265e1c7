package internal

import "testing"

func TestPortBitSetSetClearIsSet(t *testing.T) {
	var p PortBitSet
	if p.IsSet(5000) {
		t.Fatal("fresh bitset should have no ports set")
	}
	p.Set(5000)
	if !p.IsSet(5000) {
		t.Fatal("IsSet should report true after Set")
	}
	p.Clear(5000)
	if p.IsSet(5000) {
		t.Fatal("IsSet should report false after Clear")
	}
}

func TestPortBitSetExcludeReservedMarksWellKnownRange(t *testing.T) {
	var p PortBitSet
	p.ExcludeReserved()
	for _, port := range []uint16{0, 1, 80, 443, 1023, 1021, 1022} {
		if !p.IsSet(port) {
			t.Fatalf("port %d should be excluded as reserved", port)
		}
	}
	if p.IsSet(1024) {
		t.Fatal("port 1024 is the first ephemeral port and must not be excluded")
	}
}

func TestPortBitSetExcludeReservedMarksListenerPorts(t *testing.T) {
	var p PortBitSet
	p.ExcludeReserved(8080, 9090)
	if !p.IsSet(8080) || !p.IsSet(9090) {
		t.Fatal("explicitly supplied listener ports should be excluded")
	}
	if p.IsSet(8081) {
		t.Fatal("an unrelated ephemeral port must not be excluded")
	}
}

func TestPortBitSetFindFreeSkipsUsedPorts(t *testing.T) {
	var p PortBitSet
	p.ExcludeReserved()
	p.Set(1024)
	p.Set(1025)

	port, ok := p.FindFree(1024)
	if !ok || port != 1026 {
		t.Fatalf("FindFree should skip used ports: got %d ok=%v, want 1026", port, ok)
	}
}

func TestPortBitSetFindFreeWrapsAround(t *testing.T) {
	var p PortBitSet
	p.ExcludeReserved()
	// Mark every ephemeral port used except one, near the low end.
	for port := 1025; port <= 65535; port++ {
		p.Set(uint16(port))
	}
	port, ok := p.FindFree(2000)
	if !ok || port != 1024 {
		t.Fatalf("FindFree should wrap back to the start of the ephemeral range: got %d ok=%v, want 1024", port, ok)
	}
}

func TestPortBitSetFindFreeExhausted(t *testing.T) {
	var p PortBitSet
	for port := 0; port <= 65535; port++ {
		p.Set(uint16(port))
	}
	if _, ok := p.FindFree(1024); ok {
		t.Fatal("FindFree must report ok=false when every port is in use")
	}
}
