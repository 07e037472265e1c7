package tcp

import "testing"

func TestNewFromCookieEntersEstablished(t *testing.T) {
	var tcb ControlBlock
	clientISN := Value(1000)
	finalAck := Segment{SEQ: clientISN + 1, ACK: 5000, WND: 4096, Flags: FlagACK}
	tcb.NewFromCookie(4999, clientISN, finalAck, 8192)

	if tcb.State() != StateEstablished {
		t.Fatalf("expected StateEstablished, got %s", tcb.State())
	}
	if tcb.RecvNext() != clientISN+1 {
		t.Fatalf("RecvNext should advance past the client's SYN octet only: got %d, want %d", tcb.RecvNext(), clientISN+1)
	}
	if tcb.ISS() != 4999 {
		t.Fatalf("ISS: got %d, want 4999", tcb.ISS())
	}
}

func TestRecvEstablishedDataQueuesACK(t *testing.T) {
	var tcb ControlBlock
	clientISN := Value(1000)
	finalAck := Segment{SEQ: clientISN + 1, ACK: 5000, WND: 4096, Flags: FlagACK}
	tcb.NewFromCookie(4999, clientISN, finalAck, 8192)

	seg := Segment{SEQ: tcb.RecvNext(), ACK: tcb.ISS() + 1, WND: 4096, DATALEN: 10, Flags: FlagACK}
	if err := tcb.Recv(seg, Options{}); err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if !tcb.HasPending() {
		t.Fatal("expected an ACK to be queued after receiving data")
	}
	if tcb.RecvNext() != seg.SEQ+10 {
		t.Fatalf("RecvNext should advance by DATALEN: got %d, want %d", tcb.RecvNext(), seg.SEQ+10)
	}
}

func TestRecvOutOfSequenceDataRejected(t *testing.T) {
	var tcb ControlBlock
	clientISN := Value(1000)
	finalAck := Segment{SEQ: clientISN + 1, ACK: 5000, WND: 4096, Flags: FlagACK}
	tcb.NewFromCookie(4999, clientISN, finalAck, 8192)

	seg := Segment{SEQ: tcb.RecvNext() + 5, ACK: tcb.ISS() + 1, WND: 4096, DATALEN: 10, Flags: FlagACK}
	if err := tcb.Recv(seg, Options{}); err != errRequireSequential {
		t.Fatalf("expected errRequireSequential for a segment not at RCV.NXT, got %v", err)
	}
}

func TestRecvDuplicateACKNoCtlOrDataIsDropped(t *testing.T) {
	var tcb ControlBlock
	clientISN := Value(1000)
	finalAck := Segment{SEQ: clientISN + 1, ACK: 5000, WND: 4096, Flags: FlagACK}
	tcb.NewFromCookie(4999, clientISN, finalAck, 8192)

	dup := Segment{SEQ: tcb.RecvNext(), ACK: tcb.snd.UNA, WND: 4096, Flags: FlagACK}
	if err := tcb.Recv(dup, Options{}); err != errDropSegment {
		t.Fatalf("expected errDropSegment for a duplicate ACK, got %v", err)
	}
	if tcb.cc.DuplicateACKCount() != 1 {
		t.Fatalf("expected the duplicate ACK counter to increment, got %d", tcb.cc.DuplicateACKCount())
	}
}

func TestRecvRSTAtExactRecvNextAborts(t *testing.T) {
	var tcb ControlBlock
	clientISN := Value(1000)
	finalAck := Segment{SEQ: clientISN + 1, ACK: 5000, WND: 4096, Flags: FlagACK}
	tcb.NewFromCookie(4999, clientISN, finalAck, 8192)

	rst := Segment{SEQ: tcb.RecvNext(), WND: 4096, Flags: FlagRST}
	if err := tcb.Recv(rst, Options{}); err != errConnClosing {
		t.Fatalf("expected errConnClosing for an exact-sequence RST, got %v", err)
	}
	if tcb.State() != StateTimeWait {
		t.Fatalf("abort() should leave the TCB in StateTimeWait for teardown, got %s", tcb.State())
	}
}

func TestRecvRSTOffSequenceTriggersChallengeACK(t *testing.T) {
	var tcb ControlBlock
	clientISN := Value(1000)
	finalAck := Segment{SEQ: clientISN + 1, ACK: 5000, WND: 4096, Flags: FlagACK}
	tcb.NewFromCookie(4999, clientISN, finalAck, 8192)

	// A SYN-carrying segment bypasses the strict in-order sequence check
	// (checkSEQ is only applied to non-SYN segments), so an RST riding
	// alongside a forged SYN at the wrong sequence number is the path that
	// actually reaches handleRST's off-sequence branch.
	rst := Segment{SEQ: tcb.RecvNext() + 1, WND: 4096, Flags: FlagRST | FlagSYN}
	if err := tcb.Recv(rst, Options{}); err != errDropSegment {
		t.Fatalf("expected errDropSegment (challenge ACK path), got %v", err)
	}
	seg, ok := tcb.PendingSegment(0)
	if !ok || !seg.Flags.HasAll(FlagACK) {
		t.Fatalf("expected a pending challenge ACK, got %+v ok=%v", seg, ok)
	}
}

func TestCloseFromEstablishedQueuesFIN(t *testing.T) {
	var tcb ControlBlock
	clientISN := Value(1000)
	finalAck := Segment{SEQ: clientISN + 1, ACK: 5000, WND: 4096, Flags: FlagACK}
	tcb.NewFromCookie(4999, clientISN, finalAck, 8192)

	if err := tcb.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !tcb.HasPending() {
		t.Fatal("expected a pending FIN after Close")
	}
	seg, ok := tcb.PendingSegment(0)
	if !ok || !seg.Flags.HasAny(FlagFIN) {
		t.Fatalf("expected a FIN-bearing pending segment, got %+v ok=%v", seg, ok)
	}
}

func TestCloseTwiceReturnsErrConnClosing(t *testing.T) {
	var tcb ControlBlock
	clientISN := Value(1000)
	finalAck := Segment{SEQ: clientISN + 1, ACK: 5000, WND: 4096, Flags: FlagACK}
	tcb.NewFromCookie(4999, clientISN, finalAck, 8192)

	if err := tcb.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	seg, ok := tcb.PendingSegment(0)
	if !ok {
		t.Fatal("expected a pending FIN segment to send")
	}
	if err := tcb.Send(seg); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if tcb.State() != StateFinWait1 {
		t.Fatalf("expected StateFinWait1 after sending FIN, got %s", tcb.State())
	}
	if err := tcb.Close(); err != errConnClosing {
		t.Fatalf("expected errConnClosing on a second Close once already closing, got %v", err)
	}
}

func TestFinWait1ToTimeWaitOnFinAckTogether(t *testing.T) {
	var tcb ControlBlock
	clientISN := Value(1000)
	finalAck := Segment{SEQ: clientISN + 1, ACK: 5000, WND: 4096, Flags: FlagACK}
	tcb.NewFromCookie(4999, clientISN, finalAck, 8192)
	tcb.Close()
	seg, _ := tcb.PendingSegment(0)
	tcb.Send(seg) // now in FinWait1, snd.NXT advanced past our FIN

	peerFinAck := Segment{SEQ: tcb.RecvNext(), ACK: tcb.snd.NXT, WND: 4096, Flags: finack}
	if err := tcb.Recv(peerFinAck, Options{}); err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if tcb.State() != StateTimeWait {
		t.Fatalf("a FIN+ACK acknowledging our FIN should move directly to TimeWait, got %s", tcb.State())
	}
}

func TestRecvTimestampSeedsAndUpdatesTSRecent(t *testing.T) {
	var tcb ControlBlock
	clientISN := Value(1000)
	finalAck := Segment{SEQ: clientISN + 1, ACK: 5000, WND: 4096, Flags: FlagACK}
	tcb.NewFromCookie(4999, clientISN, finalAck, 8192)

	seg := Segment{SEQ: tcb.RecvNext(), ACK: tcb.ISS() + 1, WND: 4096, DATALEN: 1, Flags: FlagACK}
	if err := tcb.Recv(seg, Options{HasTimestamps: true, TSVal: 1000}); err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if !tcb.ts.enabled || tcb.ts.recent != 1000 {
		t.Fatalf("expected TS.Recent=1000 after first timestamped segment, got enabled=%v recent=%d", tcb.ts.enabled, tcb.ts.recent)
	}

	seg2 := Segment{SEQ: tcb.RecvNext(), ACK: tcb.ISS() + 1, WND: 4096, DATALEN: 1, Flags: FlagACK}
	if err := tcb.Recv(seg2, Options{HasTimestamps: true, TSVal: 1005}); err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if tcb.ts.recent != 1005 {
		t.Fatalf("expected TS.Recent to advance to 1005, got %d", tcb.ts.recent)
	}
}

func TestRecvStaleTSValRejectedByPAWS(t *testing.T) {
	var tcb ControlBlock
	clientISN := Value(1000)
	finalAck := Segment{SEQ: clientISN + 1, ACK: 5000, WND: 4096, Flags: FlagACK}
	tcb.NewFromCookie(4999, clientISN, finalAck, 8192)

	seg := Segment{SEQ: tcb.RecvNext(), ACK: tcb.ISS() + 1, WND: 4096, DATALEN: 1, Flags: FlagACK}
	if err := tcb.Recv(seg, Options{HasTimestamps: true, TSVal: 5000}); err != nil {
		t.Fatalf("Recv: %v", err)
	}

	stale := Segment{SEQ: tcb.RecvNext(), ACK: tcb.ISS() + 1, WND: 4096, DATALEN: 1, Flags: FlagACK}
	if err := tcb.Recv(stale, Options{HasTimestamps: true, TSVal: 4000}); err != errPAWSRejected {
		t.Fatalf("expected errPAWSRejected for a TSval older than TS.Recent, got %v", err)
	}
	if !tcb.HasPending() {
		t.Fatal("a PAWS-rejected segment must still queue a duplicate ACK (RFC 9293 §4.4 R1)")
	}
	if tcb.RecvNext() != stale.SEQ {
		t.Fatalf("PAWS rejection must not advance RCV.NXT: got %d, want %d", tcb.RecvNext(), stale.SEQ)
	}
}

func TestSendWindowUpdateGuardedByWL1WL2(t *testing.T) {
	var tcb ControlBlock
	clientISN := Value(1000)
	finalAck := Segment{SEQ: clientISN + 1, ACK: 5000, WND: 4096, Flags: FlagACK}
	tcb.NewFromCookie(4999, clientISN, finalAck, 8192)

	advance := Segment{SEQ: tcb.RecvNext(), ACK: tcb.snd.UNA, WND: 9000, Flags: FlagACK}
	if err := tcb.Recv(advance, Options{}); err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if tcb.snd.WND != 9000 || tcb.snd.WL1 != advance.SEQ || tcb.snd.WL2 != advance.ACK {
		t.Fatalf("expected WL1=%d WL2=%d WND=9000 after an in-order window update, got WL1=%d WL2=%d WND=%d",
			advance.SEQ, advance.ACK, tcb.snd.WL1, tcb.snd.WL2, tcb.snd.WND)
	}

	// Simulate a reordered segment that reached Recv carrying new data (so
	// validateIncomingSegment lets it through despite an ACK no newer than
	// the last one that set the window) but whose SEQ/ACK pair is no newer
	// than WL1/WL2: the window must not shrink or stale.
	seq := tcb.rcv.NXT
	tcb.snd.WL1 = seq
	tcb.snd.WL2 = advance.ACK + 1
	reordered := Segment{SEQ: seq, ACK: advance.ACK, WND: 100, DATALEN: 1, Flags: FlagACK}
	if err := tcb.Recv(reordered, Options{}); err != nil {
		t.Fatalf("Recv(reordered): %v", err)
	}
	if tcb.snd.WND != 9000 {
		t.Fatalf("a reordered segment whose SEQ/ACK is no newer than WL1/WL2 must not update SND.WND: got %d, want 9000", tcb.snd.WND)
	}
}

func TestRecvOutOfWindowSegmentQueuesDuplicateACK(t *testing.T) {
	var tcb ControlBlock
	clientISN := Value(1000)
	finalAck := Segment{SEQ: clientISN + 1, ACK: 5000, WND: 4096, Flags: FlagACK}
	tcb.NewFromCookie(4999, clientISN, finalAck, 8192)

	// Far beyond RCV.NXT+RCV.WND: outside the receive window entirely.
	outOfWindow := Segment{SEQ: tcb.RecvNext() + 100000, ACK: tcb.snd.UNA, WND: 4096, DATALEN: 10, Flags: FlagACK}
	if err := tcb.Recv(outOfWindow, Options{}); err != errSeqNotInWindow {
		t.Fatalf("expected errSeqNotInWindow, got %v", err)
	}
	if !tcb.HasPending() {
		t.Fatal("an out-of-window segment must still queue a duplicate ACK (RFC 9293 §4.4 R2)")
	}
	seg, ok := tcb.PendingSegment(0)
	if !ok || !seg.Flags.HasAll(FlagACK) || seg.ACK != tcb.RecvNext() {
		t.Fatalf("expected a pending ACK=RCV.NXT, got %+v ok=%v", seg, ok)
	}
}

func TestSYNInSynchronizedStateTriggersChallengeACK(t *testing.T) {
	var tcb ControlBlock
	clientISN := Value(1000)
	finalAck := Segment{SEQ: clientISN + 1, ACK: 5000, WND: 4096, Flags: FlagACK}
	tcb.NewFromCookie(4999, clientISN, finalAck, 8192)

	injected := Segment{SEQ: tcb.RecvNext(), ACK: tcb.snd.UNA, WND: 4096, Flags: FlagSYN | FlagACK}
	if err := tcb.Recv(injected, Options{}); err != errDropSegment {
		t.Fatalf("expected errDropSegment for an injected SYN in a synchronized state, got %v", err)
	}
	if !tcb.challengeAck {
		t.Fatal("expected challengeAck to be armed for an injected SYN (RFC 5961 §4)")
	}
	if tcb.State() != StateEstablished {
		t.Fatalf("an injected SYN must not alter connection state, got %s", tcb.State())
	}
	seg, ok := tcb.PendingSegment(0)
	if !ok || !seg.Flags.HasAll(FlagACK) {
		t.Fatalf("expected a pending challenge ACK, got %+v ok=%v", seg, ok)
	}
}

func TestFinWait1ToClosingOnBareFin(t *testing.T) {
	var tcb ControlBlock
	clientISN := Value(1000)
	finalAck := Segment{SEQ: clientISN + 1, ACK: 5000, WND: 4096, Flags: FlagACK}
	tcb.NewFromCookie(4999, clientISN, finalAck, 8192)
	tcb.Close()
	seg, _ := tcb.PendingSegment(0)
	tcb.Send(seg)

	peerFin := Segment{SEQ: tcb.RecvNext(), WND: 4096, Flags: FlagFIN}
	if err := tcb.Recv(peerFin, Options{}); err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if tcb.State() != StateClosing {
		t.Fatalf("a bare FIN (not acking ours) should move to Closing, got %s", tcb.State())
	}
}
