package tcp

import "testing"

// fakeRand is a deterministic, test-only internal.Rand: each call advances
// an internal counter so successive keys/values differ.
type fakeRand struct{ n uint64 }

func (r *fakeRand) Uint16() uint16 { r.n++; return uint16(r.n) }
func (r *fakeRand) Uint32() uint32 { r.n++; return uint32(r.n) }
func (r *fakeRand) Uint64() uint64 { r.n++; return r.n*0x9e3779b97f4a7c15 + 1 }

func newTestCookieJar(t *testing.T, now uint64) *SYNCookieJar {
	t.Helper()
	var j SYNCookieJar
	if err := j.Reset(SYNCookieConfig{Rand: &fakeRand{}}, now); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	return &j
}

func TestSYNCookieIssueAndValidateRoundTrip(t *testing.T) {
	j := newTestCookieJar(t, 0)
	srcAddr := []byte{10, 0, 0, 1, 0, 0, 0, 0, 0, 0, 0, 0}
	dstAddr := []byte{10, 0, 0, 2, 0, 0, 0, 0, 0, 0, 0, 0}
	clientISN := Value(12345)

	iss := j.Make(srcAddr, dstAddr, 4000, 80, clientISN, 1460, 7, true, true)

	fields, err := j.Validate(srcAddr, dstAddr, 4000, 80, clientISN, iss+1)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if fields.MSS == 0 {
		t.Fatal("expected a nonzero bucketed MSS")
	}
	if !fields.SACKPermitted {
		t.Fatal("expected SACKPermitted to round-trip")
	}
	if !fields.ECN {
		t.Fatal("expected ECN to round-trip")
	}
}

func TestSYNCookieRejectsWrongTuple(t *testing.T) {
	j := newTestCookieJar(t, 0)
	srcAddr := []byte{10, 0, 0, 1, 0, 0, 0, 0, 0, 0, 0, 0}
	dstAddr := []byte{10, 0, 0, 2, 0, 0, 0, 0, 0, 0, 0, 0}
	clientISN := Value(12345)

	iss := j.Make(srcAddr, dstAddr, 4000, 80, clientISN, 1460, 7, true, true)

	otherSrc := []byte{10, 0, 0, 99, 0, 0, 0, 0, 0, 0, 0, 0}
	if _, err := j.Validate(otherSrc, dstAddr, 4000, 80, clientISN, iss+1); err != errInvalidCookie {
		t.Fatalf("expected errInvalidCookie for a tuple mismatch, got %v", err)
	}
}

func TestSYNCookieRejectsForgedAck(t *testing.T) {
	j := newTestCookieJar(t, 0)
	srcAddr := []byte{10, 0, 0, 1, 0, 0, 0, 0, 0, 0, 0, 0}
	dstAddr := []byte{10, 0, 0, 2, 0, 0, 0, 0, 0, 0, 0, 0}
	clientISN := Value(12345)

	if _, err := j.Validate(srcAddr, dstAddr, 4000, 80, clientISN, Value(0xdeadbeef)); err != errInvalidCookie {
		t.Fatalf("expected errInvalidCookie for a forged ack, got %v", err)
	}
}

func TestSYNCookieValidAcrossOneKeyRotation(t *testing.T) {
	j := newTestCookieJar(t, 0)
	srcAddr := []byte{10, 0, 0, 1, 0, 0, 0, 0, 0, 0, 0, 0}
	dstAddr := []byte{10, 0, 0, 2, 0, 0, 0, 0, 0, 0, 0, 0}
	clientISN := Value(12345)

	iss := j.Make(srcAddr, dstAddr, 4000, 80, clientISN, 1460, 7, true, true)

	j.Rotate(cookieKeyRotationTicks, &fakeRand{n: 100})

	if _, err := j.Validate(srcAddr, dstAddr, 4000, 80, clientISN, iss+1); err != nil {
		t.Fatalf("cookie minted just before rotation should still validate against the previous key: %v", err)
	}
}

func TestSYNCookieExpiresAfterTwoRotations(t *testing.T) {
	j := newTestCookieJar(t, 0)
	srcAddr := []byte{10, 0, 0, 1, 0, 0, 0, 0, 0, 0, 0, 0}
	dstAddr := []byte{10, 0, 0, 2, 0, 0, 0, 0, 0, 0, 0, 0}
	clientISN := Value(12345)

	iss := j.Make(srcAddr, dstAddr, 4000, 80, clientISN, 1460, 7, true, true)

	j.Rotate(cookieKeyRotationTicks, &fakeRand{n: 100})
	j.Rotate(2*cookieKeyRotationTicks, &fakeRand{n: 200})

	if _, err := j.Validate(srcAddr, dstAddr, 4000, 80, clientISN, iss+1); err != errInvalidCookie {
		t.Fatalf("cookie should be rejected once both key generations have rotated past it, got %v", err)
	}
}

func TestRotateNoopBeforeIntervalElapsed(t *testing.T) {
	j := newTestCookieJar(t, 0)
	before := j.keys
	j.Rotate(cookieKeyRotationTicks-1, &fakeRand{n: 1})
	if j.keys != before {
		t.Fatal("Rotate should not change keys before the rotation interval elapses")
	}
}

func TestMSSAndWScaleBucketing(t *testing.T) {
	if got := decodeMSSIndex(encodeMSSIndex(1460)); got != 1460 {
		t.Fatalf("1460 is an exact table entry, expected round trip: got %d", got)
	}
	if got := decodeMSSIndex(encodeMSSIndex(1300)); got > 1300 {
		t.Fatalf("bucketed MSS must never exceed the offered MSS: got %d for input 1300", got)
	}
	if got := decodeWScaleIndex(encodeWScaleIndex(14)); got != 14 {
		t.Fatalf("14 is an exact table entry, expected round trip: got %d", got)
	}
}
