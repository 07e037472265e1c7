package tcp

import "testing"

func TestValueArithmeticWraparound(t *testing.T) {
	var v Value = 0xfffffffe
	v2 := Add(v, 4)
	if v2 != 2 {
		t.Fatalf("Add across wraparound: got %d, want 2", v2)
	}
	if !v.LessThan(v2) {
		t.Fatalf("expected %d to be LessThan %d across wraparound", v, v2)
	}
	if Sizeof(v, v2) != 4 {
		t.Fatalf("Sizeof across wraparound: got %d, want 4", Sizeof(v, v2))
	}
}

func TestValueInWindow(t *testing.T) {
	start := Value(100)
	if !Value(100).InWindow(start, 10) {
		t.Fatal("left edge must be in window")
	}
	if Value(110).InWindow(start, 10) {
		t.Fatal("right edge is exclusive")
	}
	if Value(99).InWindow(start, 10) {
		t.Fatal("one before left edge must not be in window")
	}
	if Value(50).InWindow(start, 0) {
		t.Fatal("a zero-size window never contains anything")
	}
}

func TestTSCompareWraparound(t *testing.T) {
	if TSCompare(5, 10) >= 0 {
		t.Fatal("5 should compare before 10")
	}
	if TSCompare(10, 5) <= 0 {
		t.Fatal("10 should compare after 5")
	}
	if TSCompare(7, 7) != 0 {
		t.Fatal("equal timestamps must compare equal")
	}
	// PAWS wraparound: a small value just past 2^32 must still compare
	// after a value just before it.
	if TSCompare(1, 0xfffffffe) <= 0 {
		t.Fatal("1 should compare after 0xfffffffe across wraparound")
	}
}

func TestSegmentLenAndLast(t *testing.T) {
	seg := Segment{SEQ: 100, DATALEN: 10, Flags: FlagSYN}
	if seg.LEN() != 11 {
		t.Fatalf("SYN should contribute one pseudo-octet: got %d, want 11", seg.LEN())
	}
	if seg.Last() != 110 {
		t.Fatalf("Last: got %d, want 110", seg.Last())
	}

	empty := Segment{SEQ: 100}
	if empty.Last() != 100 {
		t.Fatalf("empty segment's Last must equal SEQ: got %d", empty.Last())
	}
}

func TestFlagsHasAllHasAny(t *testing.T) {
	f := FlagSYN | FlagACK
	if !f.HasAll(FlagSYN | FlagACK) {
		t.Fatal("expected HasAll to match exact mask")
	}
	if f.HasAll(FlagSYN | FlagFIN) {
		t.Fatal("HasAll must require every bit in the mask")
	}
	if !f.HasAny(FlagFIN | FlagACK) {
		t.Fatal("HasAny should match on a single overlapping bit")
	}
	if f.HasAny(FlagFIN | FlagRST) {
		t.Fatal("HasAny must not match when nothing overlaps")
	}
}

func TestFlagsString(t *testing.T) {
	cases := map[Flags]string{
		0:                "[]",
		FlagSYN:          "[SYN]",
		FlagSYN | FlagACK: "[SYN,ACK]",
		FlagFIN | FlagACK: "[FIN,ACK]",
	}
	for f, want := range cases {
		if got := f.String(); got != want {
			t.Errorf("Flags(%d).String() = %q, want %q", f, got, want)
		}
	}
}

func TestStateIsSynchronizedAndClosing(t *testing.T) {
	if StateSynSent.IsSynchronized() {
		t.Fatal("SynSent must not be synchronized")
	}
	if !StateEstablished.IsSynchronized() {
		t.Fatal("Established must be synchronized")
	}
	for _, s := range []State{StateFinWait1, StateFinWait2, StateClosing, StateTimeWait, StateCloseWait, StateLastAck} {
		if !s.IsClosing() {
			t.Errorf("%s should report IsClosing", s)
		}
	}
	if StateEstablished.IsClosing() {
		t.Fatal("Established must not report IsClosing")
	}
}
