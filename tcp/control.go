package tcp

import (
	"log/slog"
	"math"

	"github.com/lemonrock/tcpengine/internal"
)

// ControlBlock is the per-connection TCB (RFC 9293 §3.3.1). It is
// constructed either via NewSynSent (active open, the moment our own SYN is
// sent) or NewFromCookie (passive open, already synchronized once a
// SYN-cookie validates) — so Closed/Listen/SynReceived never appear as
// ControlBlock states. Like its model, soypat-lneto/tcp/control.go's
// ControlBlock, it only accepts strictly sequential incoming segments and
// leaves reassembly buffering to the caller.
type ControlBlock struct {
	snd          sendSpace
	rcv          recvSpace
	rstPtr       Value
	pending      [2]Flags
	state        State
	challengeAck bool
	ts           timestampState
	cc           CongestionControl
	rto          RTOEstimator
	internal.Logger
}

// timestampState holds the RFC 7323 §5.3 PAWS bookkeeping for a connection
// that has negotiated the Timestamps option: the TSval of the most recent
// accepted segment that carried the Timestamps option. Its SEQ is not
// compared with the last ACK sent before TS.Recent is updated.
type timestampState struct {
	enabled bool
	recent  uint32 // TS.Recent
}

// sendSpace is the send sequence space (RFC 9293 §3.3.1 figure 4). WL1/WL2
// record the SEQ/ACK of the segment that last updated SND.WND, so a stale
// or reordered segment can't shrink or stale the window (RFC 9293
// §3.10.7.4 step 5).
type sendSpace struct {
	ISS Value
	UNA Value
	NXT Value
	WND Size
	WL1 Value
	WL2 Value
}

func (snd *sendSpace) inFlight() Size { return Sizeof(snd.UNA, snd.NXT) }
func (snd *sendSpace) maxSend() Size  { return snd.WND - snd.inFlight() }

// recvSpace is the receive sequence space (RFC 9293 §3.3.1 figure 5).
type recvSpace struct {
	IRS Value
	NXT Value
	WND Size
}

// State returns the connection's current state.
func (tcb *ControlBlock) State() State { return tcb.state }

// RecvNext is the next sequence number expected from the peer.
func (tcb *ControlBlock) RecvNext() Value { return tcb.rcv.NXT }

// RecvWindow is the currently advertised receive window.
func (tcb *ControlBlock) RecvWindow() Size { return tcb.rcv.WND }

// ISS is this connection's local initial sequence number.
func (tcb *ControlBlock) ISS() Value { return tcb.snd.ISS }

// SendUNA returns SND.UNA, the oldest unacknowledged byte still outstanding.
func (tcb *ControlBlock) SendUNA() Value { return tcb.snd.UNA }

// SetRecvWindow updates the locally advertised receive window.
func (tcb *ControlBlock) SetRecvWindow(wnd Size) { tcb.rcv.WND = wnd }

// CongestionControl exposes the embedded congestion-control state so the
// egress path can size outgoing segments.
func (tcb *ControlBlock) CongestionControl() *CongestionControl { return &tcb.cc }

// RTO exposes the embedded RTO estimator.
func (tcb *ControlBlock) RTO() *RTOEstimator { return &tcb.rto }

// newShared fills in the fields common to both construction paths.
func (tcb *ControlBlock) newShared(iss Value, peerISN Value, sndWnd, rcvWnd Size) {
	tcb.snd = sendSpace{ISS: iss, UNA: iss, NXT: iss, WND: sndWnd}
	tcb.rcv = recvSpace{IRS: peerISN, NXT: peerISN, WND: rcvWnd}
	tcb.pending = [2]Flags{}
	tcb.challengeAck = false
}

// NewSynSent constructs a ControlBlock for an actively-opened connection at
// the moment its initial SYN is sent, entering StateSynSent to await the
// peer's SYN-ACK (RFC 9293 §3.10.1). Receive-side state stays zeroed until
// rcvSynSent fills it in from the peer's reply.
func (tcb *ControlBlock) NewSynSent(iss Value, rcvWnd Size) {
	tcb.snd = sendSpace{ISS: iss, UNA: iss, NXT: iss + 1}
	tcb.rcv = recvSpace{WND: rcvWnd}
	tcb.pending = [2]Flags{}
	tcb.challengeAck = false
	tcb.ts = timestampState{}
	tcb.state = StateSynSent
}

// NewFromCookie constructs a ControlBlock for a passively-opened connection
// once a SYN cookie's validating final ACK has arrived:// collapses SynReceived directly into Established, since by the time the
// cookie validates the three-way handshake is already complete.
func (tcb *ControlBlock) NewFromCookie(iss Value, clientISN Value, finalAck Segment, rcvWnd Size) {
	tcb.newShared(iss, clientISN, finalAck.WND, rcvWnd)
	tcb.snd.UNA = finalAck.ACK
	tcb.snd.NXT = finalAck.ACK
	// Seed WL1 one behind this segment's own SEQ so the generic window-update
	// guard in Recv accepts the very next segment regardless of where finalAck.SEQ
	// happens to sit in sequence space (RFC 9293 §3.10.7.4 step 5).
	tcb.snd.WL1 = finalAck.SEQ - 1
	tcb.snd.WL2 = finalAck.ACK
	tcb.rcv.NXT.UpdateForward(1)
	tcb.state = StateEstablished
}

// HasPending reports whether a control segment is queued to be sent.
func (tcb *ControlBlock) HasPending() bool { return tcb.pending[0] != 0 }

// PendingSegment computes the next segment to send given up to payloadLen
// bytes of application data ready to go, without mutating TCB state.
func (tcb *ControlBlock) PendingSegment(payloadLen int) (_ Segment, ok bool) {
	if tcb.challengeAck {
		tcb.challengeAck = false
		return Segment{SEQ: tcb.snd.NXT, ACK: tcb.rcv.NXT, Flags: FlagACK, WND: tcb.rcv.WND}, true
	}
	pending := tcb.pending[0]
	establishedOrHalfClosed := tcb.state == StateEstablished || tcb.state == StateCloseWait
	if !establishedOrHalfClosed {
		payloadLen = 0
	}
	if pending == 0 && payloadLen == 0 {
		return Segment{}, false
	}

	maxPayload := tcb.snd.maxSend()
	if payloadLen > int(maxPayload) {
		if maxPayload == 0 && !pending.HasAny(FlagFIN | FlagRST | FlagSYN) {
			return Segment{}, false
		}
		payloadLen = int(maxPayload)
	}

	if establishedOrHalfClosed {
		pending |= FlagACK
	} else {
		payloadLen = 0
	}

	var ack Value
	if pending.HasAny(FlagACK) {
		ack = tcb.rcv.NXT
	}
	seq := tcb.snd.NXT
	if pending.HasAny(FlagRST) {
		seq = tcb.rstPtr
	}

	return Segment{SEQ: seq, ACK: ack, WND: tcb.rcv.WND, Flags: pending, DATALEN: Size(payloadLen)}, true
}

// Recv processes an incoming, already-admitted segment (header/options
// validated, checksum verified, MD5 verified if configured) updating TCB
// state. Callers must only pass segments whose sequence number is exactly
// RCV.NXT; out-of-order segments must be queued by the caller and are never
// reassembled here. opts is the segment's parsed TCP options, used for PAWS
// and TS.Recent (RFC 7323 §5.3).
func (tcb *ControlBlock) Recv(seg Segment, opts Options) error {
	if err := tcb.validateIncomingSegment(seg, opts); err != nil {
		tcb.Trace("tcb:rcv.reject", slog.String("err", err.Error()))
		return err
	}

	var pending Flags
	var err error
	prevUNA := tcb.snd.UNA
	switch tcb.state {
	case StateSynSent:
		pending, err = tcb.rcvSynSent(seg)
	case StateEstablished:
		pending, err = tcb.rcvEstablished(seg)
	case StateFinWait1:
		pending, err = tcb.rcvFinWait1(seg)
	case StateFinWait2:
		pending, err = tcb.rcvFinWait2(seg)
	case StateCloseWait:
		// No state transition triggered by further received segments.
	case StateLastAck:
		if seg.Flags.HasAny(FlagACK) {
			tcb.state = StateTimeWait
		}
	case StateClosing:
		if seg.Flags.HasAny(FlagACK) {
			tcb.state = StateTimeWait
		}
	case StateTimeWait:
		// Any retransmitted FIN in TimeWait re-triggers the final ACK;
		// TimeWait teardown itself is a timer-driven event.
		pending = FlagACK
	}
	if err != nil {
		return err
	}

	tcb.pending[0] |= pending
	// RFC 9293 §3.10.7.4 step 5: only accept a window update from a segment
	// that is newer than (or as new as, with a newer ACK than) the one that
	// last set it, so a stale or reordered segment can't shrink or stale
	// SND.WND.
	if tcb.snd.WL1.LessThan(seg.SEQ) || (tcb.snd.WL1 == seg.SEQ && tcb.snd.WL2.LessThanEq(seg.ACK)) {
		tcb.snd.WND = seg.WND
		tcb.snd.WL1 = seg.SEQ
		tcb.snd.WL2 = seg.ACK
	}
	if seg.Flags.HasAny(FlagACK) {
		if seg.ACK != prevUNA {
			tcb.cc.ResetDuplicateACKCount()
		}
		tcb.snd.UNA = seg.ACK
	}
	tcb.rcv.NXT.UpdateForward(seg.LEN())

	// RFC 7323 §5.3 R3: once timestamps are in use, every segment accepted
	// above updates TS.Recent.
	if opts.HasTimestamps {
		tcb.ts.enabled = true
		tcb.ts.recent = opts.TSVal
	}
	return nil
}

// Send processes an outgoing segment, updating TCB state. Callers must
// first validate the segment against PendingSegment/application data.
func (tcb *ControlBlock) Send(seg Segment) error {
	if err := tcb.validateOutgoingSegment(seg); err != nil {
		return err
	}

	hasFIN := seg.Flags.HasAny(FlagFIN)
	hasACK := seg.Flags.HasAny(FlagACK)
	var newPending Flags
	switch tcb.state {
	case StateClosing:
		if hasACK {
			tcb.state = StateTimeWait
		}
	case StateEstablished:
		if hasFIN {
			tcb.state = StateFinWait1
		}
	case StateCloseWait:
		if hasFIN {
			tcb.state = StateLastAck
		} else if hasACK {
			newPending = finack
		}
	}

	tcb.pending[0] &^= seg.Flags
	if tcb.pending[0] == 0 {
		tcb.pending = [2]Flags{tcb.pending[1] &^ (seg.Flags & FlagFIN), 0}
	}
	tcb.pending[0] |= newPending

	tcb.snd.NXT.UpdateForward(seg.LEN())
	tcb.rcv.WND = seg.WND
	return nil
}

func (tcb *ControlBlock) validateOutgoingSegment(seg Segment) error {
	hasAck := seg.Flags.HasAny(FlagACK)
	checkSeq := !seg.Flags.HasAny(FlagRST)
	seglast := seg.Last()
	zeroWindowOK := tcb.snd.WND == 0 && seg.DATALEN == 0 && seg.SEQ == tcb.snd.NXT
	outOfWindow := checkSeq && !seg.SEQ.InWindow(tcb.snd.NXT, tcb.snd.WND) && !zeroWindowOK

	switch {
	case seg.WND > math.MaxUint16:
		return errWindowTooLarge
	case hasAck && seg.ACK != tcb.rcv.NXT:
		return errAckNotNext
	case outOfWindow:
		if tcb.snd.WND == 0 {
			return errZeroWindow
		}
		return errSeqNotInWindow
	case seg.DATALEN > 0 && (tcb.state == StateFinWait1 || tcb.state == StateFinWait2):
		return errConnClosing
	case checkSeq && tcb.snd.WND == 0 && seg.DATALEN > 0 && seg.SEQ == tcb.snd.NXT:
		return errZeroWindow
	case checkSeq && !seglast.InWindow(tcb.snd.NXT, tcb.snd.WND) && !zeroWindowOK:
		return errLastNotInWindow
	}
	return nil
}

func (tcb *ControlBlock) validateIncomingSegment(seg Segment, opts Options) error {
	flags := seg.Flags
	hasAck := flags.HasAll(FlagACK)
	checkSEQ := !flags.HasAny(FlagSYN)
	established := tcb.state == StateEstablished
	acksOld := hasAck && !tcb.snd.UNA.LessThan(seg.ACK)
	acksUnsentData := hasAck && !seg.ACK.LessThanEq(tcb.snd.NXT)
	ctlOrDataSegment := established && (seg.DATALEN > 0 || flags.HasAny(FlagFIN|FlagRST))
	zeroWindowOK := tcb.rcv.WND == 0 && seg.DATALEN == 0 && seg.SEQ == tcb.rcv.NXT

	// RFC 7323 §5.3 PAWS: once timestamps are in use, a segment carrying an
	// older TSval than the last one recorded is a stale duplicate even if
	// its sequence number falls inside the current window, and is rejected
	// with a duplicate ACK rather than accepted.
	if checkSEQ && tcb.ts.enabled && opts.HasTimestamps && TSCompare(opts.TSVal, tcb.ts.recent) < 0 {
		tcb.pending[0] |= FlagACK
		return errPAWSRejected
	}

	switch {
	case seg.WND > math.MaxUint16:
		return errWindowOverflow
	case checkSEQ && tcb.rcv.WND == 0 && seg.DATALEN > 0 && seg.SEQ == tcb.rcv.NXT:
		return errZeroWindow
	case checkSEQ && !seg.SEQ.InWindow(tcb.rcv.NXT, tcb.rcv.WND) && !zeroWindowOK:
		// RFC 9293 §3.10.7.4 R2: unacceptable and not RST, so answer with a
		// duplicate ACK (SEQ=SND.NXT, ACK=RCV.NXT) rather than a silent drop.
		tcb.pending[0] |= FlagACK
		return errSeqNotInWindow
	case checkSEQ && !seg.Last().InWindow(tcb.rcv.NXT, tcb.rcv.WND) && !zeroWindowOK:
		tcb.pending[0] |= FlagACK
		return errLastNotInWindow
	case checkSEQ && seg.SEQ != tcb.rcv.NXT:
		tcb.pending[0] |= FlagACK
		return errRequireSequential
	}

	if flags.HasAny(FlagRST) {
		return tcb.handleRST(seg.SEQ)
	}

	// RFC 5961 §4 "Blind Reset Attack Using the SYN Bit": a SYN arriving on
	// an already-synchronized connection can't be legitimate traffic from
	// the real peer (who only sends SYN while we're in SynSent) and is
	// challenged rather than acted on.
	if flags.HasAny(FlagSYN) && tcb.state != StateSynSent {
		tcb.challengeAck = true
		tcb.pending[0] |= FlagACK
		return errDropSegment
	}

	switch {
	// RFC 9293 §3.10.7.4: duplicate ACKs on an established connection that
	// carry no new control/data are silently dropped, but drive fast
	// retransmit bookkeeping rather than a plain error.
	case established && acksOld && !ctlOrDataSegment && seg.WND == tcb.snd.WND:
		tcb.pending[0] &= FlagFIN
		tcb.cc.NoteDuplicateACK()
		return errDropSegment

	case established && acksUnsentData:
		tcb.pending[0] = FlagACK
		return errDropSegment

	// RFC 5961 §4.2 "Blind Data Injection Attack" defense: an ACK for data
	// never sent, received before the connection is fully established, is
	// answered with a challenge ACK rather than accepted or silently
	// dropped.
	case !established && (acksOld || acksUnsentData):
		tcb.challengeAck = true
		tcb.pending[0] |= FlagACK
		return errDropSegment
	}
	return nil
}

// handleRST applies RFC 9293 §3.10.7.3 and the RFC 5961 §3.2 challenge-ACK
// refinement: an RST whose sequence number does not land exactly on
// RCV.NXT, but is still in-window, is answered with a challenge ACK
// instead of tearing down the connection, defeating blind off-path RST
// spoofing.
func (tcb *ControlBlock) handleRST(seq Value) error {
	if seq != tcb.rcv.NXT {
		tcb.challengeAck = true
		tcb.pending[0] |= FlagACK
		return errDropSegment
	}
	tcb.abort()
	return errConnClosing
}

func (tcb *ControlBlock) abort() {
	tcb.state = StateTimeWait // Caller observes this and tears the TCB down; see Interface.abortConnection.
	tcb.pending = [2]Flags{}
}

// Close implements the application CLOSE call (RFC 9293 §3.10.4): it
// queues a FIN to be sent once prior data has drained.
func (tcb *ControlBlock) Close() error {
	switch tcb.state {
	case StateCloseWait:
		tcb.state = StateLastAck
		tcb.pending = [2]Flags{FlagFIN, FlagACK}
	case StateEstablished:
		tcb.pending[0] = (tcb.pending[0] & FlagACK) | FlagFIN
	case StateFinWait1, StateFinWait2, StateClosing, StateTimeWait, StateLastAck:
		return errConnClosing
	default:
		return errInvalidState
	}
	return nil
}
