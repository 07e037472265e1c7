package tcp

// InitialWindowAlgorithm selects how the initial congestion window (IW) is
// computed once the three-way handshake completes ("Congestion
// control algorithm"). Grounded on the original source's
// InitialCongestionWindowAlgorithm.rs.
type InitialWindowAlgorithm uint8

const (
	// IWRFC6928 follows RFC 6928 §2: min(10*SMSS, max(2*SMSS, 14600)).
	IWRFC6928 InitialWindowAlgorithm = iota
	// IWRFC5681 follows RFC 5681 §3.1's SMSS-banded table.
	IWRFC5681
	// IWRFC3390 follows RFC 3390 §1 as amended by RFC 6928.
	IWRFC3390
	// IWRFC2581 follows the obsolete RFC 2581 §3.1 fixed 2*SMSS rule.
	IWRFC2581
)

func (alg InitialWindowAlgorithm) computeInitialWindow(smss uint32) uint32 {
	switch alg {
	case IWRFC5681:
		switch {
		case smss > 2190:
			return 2 * smss
		case smss > 1095:
			return 3 * smss
		default:
			return 4 * smss
		}
	case IWRFC3390:
		switch {
		case smss <= 1095:
			return 4 * smss
		case smss < 2190:
			return 4380
		default:
			return 2 * smss
		}
	case IWRFC2581:
		return 2 * smss
	default: // IWRFC6928
		return min32(10*smss, max32(2*smss, 14600))
	}
}

func min32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

func max32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}

// CongestionControl tracks the sender-side congestion state of one
// connection: cwnd, ssthresh, flight size and the RFC 3465 appropriate
// byte-counting accumulator. Grounded on the original source's
// tcp-engine-tcp CongestionControl.rs, re-expressed with exported methods
// instead of the Rust type's internal-only API since this package has no
// analogous privileged caller.
type CongestionControl struct {
	alg              InitialWindowAlgorithm
	ecnEnabled       bool
	dupAcksSinceUNA  uint64
	lastSentDataAt   uint64
	bytesAcked       uint32
	cwnd             uint32
	flightSize       uint32
	ssthresh         uint32
	smss             uint32
	cwrPending       bool
}

// Reset initialises congestion state for a new connection. initialSsthresh
// is seeded from the recent-peer cache when available ("Recent
// peer cache"), falling back to an unbounded value otherwise.
func (cc *CongestionControl) Reset(alg InitialWindowAlgorithm, ecn bool, now uint64, smss uint16, initialSsthresh uint32) {
	*cc = CongestionControl{
		alg:        alg,
		ecnEnabled: ecn,
		lastSentDataAt: now,
		smss:       uint32(smss),
		ssthresh:   initialSsthresh,
	}
	cc.cwnd = alg.computeInitialWindow(cc.smss)
}

// DisableECN turns off explicit congestion notification reaction; only
// valid while the connection is still in SynSent.
func (cc *CongestionControl) DisableECN() { cc.ecnEnabled = false }

// Ssthresh returns the current slow-start threshold, e.g. for caching
// against the peer for a future connection.
func (cc *CongestionControl) Ssthresh() uint32 { return cc.ssthresh }

// Window returns the current congestion window.
func (cc *CongestionControl) Window() uint32 { return cc.cwnd }

// EnteringEstablished re-seeds SMSS and the initial window once option
// negotiation (possibly changing MSS) has completed.
func (cc *CongestionControl) EnteringEstablished(smss uint16) {
	cc.smss = uint32(smss)
	cc.setWindow(cc.alg.computeInitialWindow(cc.smss))
}

// IsWindowOne reports whether the window is at or below one segment, the
// pre-ABC definition still used by some ECN reaction logic.
func (cc *CongestionControl) IsWindowOne() bool { return cc.cwnd <= cc.smss }

// BytesSent records that n new (non-retransmitted, non-probe) payload
// bytes were put in flight.
func (cc *CongestionControl) BytesSent(n uint32) { cc.flightSize += n }

// BytesAcked processes n newly-acknowledged bytes, advancing cwnd via slow
// start or congestion avoidance depending on where cwnd sits relative to
// ssthresh (RFC 5681 §3.1).
func (cc *CongestionControl) BytesAcked(n uint32) {
	cc.flightSize -= n
	if cc.cwnd <= cc.ssthresh {
		cc.ackedSlowStart(n)
	} else {
		cc.ackedCongestionAvoidance(n)
	}
}

// ackedSlowStart applies RFC 3465 appropriate byte counting with L=1*SMSS,
// the counting mode RFC 5681 §7 recommends during slow start.
func (cc *CongestionControl) ackedSlowStart(n uint32) {
	l := cc.smss
	clamped := n
	if clamped < l {
		clamped = l
	}
	cc.bytesAcked += clamped
	if cc.bytesAcked >= cc.cwnd {
		cc.bytesAcked -= cc.cwnd
	}
	inc := n
	if inc > cc.smss {
		inc = cc.smss
	}
	cc.incrementWindow(inc)
}

// ackedCongestionAvoidance grows cwnd by at most one SMSS per window's
// worth of data acknowledged (RFC 5681 §3.1).
func (cc *CongestionControl) ackedCongestionAvoidance(n uint32) {
	cc.bytesAcked += n
	if cc.bytesAcked >= cc.cwnd {
		cc.bytesAcked -= cc.cwnd
		cc.incrementWindow(cc.smss)
	}
}

// OnFirstRetransmission applies RFC 5681 §3.1 equation (4): halve the
// flight size down to ssthresh (floored at 2*SMSS) the first time a given
// segment is retransmitted by the RTO timer.
func (cc *CongestionControl) OnFirstRetransmission() {
	half := cc.flightSize / 2
	floor := 2 * cc.smss
	if half > floor {
		cc.ssthresh = half
	} else {
		cc.ssthresh = floor
	}
}

// MaximumSendable returns how many bytes may legally be outstanding given
// the peer's advertised window rwnd (RFC 5681 §2).
func (cc *CongestionControl) MaximumSendable(rwnd uint32) uint32 {
	if cc.cwnd < rwnd {
		return cc.cwnd
	}
	return rwnd
}

// NoteDuplicateACK increments the duplicate-ACK counter used for fast
// retransmit (Open Question: fast retransmit triggers on the
// 3rd duplicate ACK, i.e. count reaching 3).
func (cc *CongestionControl) NoteDuplicateACK() { cc.dupAcksSinceUNA++ }

// DuplicateACKCount returns the number of consecutive duplicate ACKs since
// SND.UNA last advanced.
func (cc *CongestionControl) DuplicateACKCount() uint64 { return cc.dupAcksSinceUNA }

// ResetDuplicateACKCount clears the counter once SND.UNA advances.
func (cc *CongestionControl) ResetDuplicateACKCount() { cc.dupAcksSinceUNA = 0 }

// NoteDataSent records the last time new (non-retransmitted) data was put
// on the wire, including the SYN/FIN pseudo-octets.
func (cc *CongestionControl) NoteDataSent(now uint64) { cc.lastSentDataAt = now }

// MaybeRestartAfterIdle resets cwnd to the restart window if the
// connection has been idle longer than the current RTO (RFC 5681 §4.1).
func (cc *CongestionControl) MaybeRestartAfterIdle(now uint64, rto uint64) {
	if now-cc.lastSentDataAt > rto {
		cc.setWindow(cc.restartWindow())
	}
}

// OnRetransmissionTimeout resets cwnd to the loss window (one SMSS) after
// an RTO fires (RFC 5681 §3.1 page 8).
func (cc *CongestionControl) OnRetransmissionTimeout() { cc.setWindow(cc.lossWindow()) }

// OnECNCongestionExperienced reacts to an incoming CE mark or ECE flag by
// halving cwnd (floored at one SMSS) and setting ssthresh to the new cwnd,
// without forcing a retransmit (RFC 3168 §6.1.2).
func (cc *CongestionControl) OnECNCongestionExperienced() {
	if !cc.ecnEnabled {
		return
	}
	cc.setWindow(max32(cc.cwnd/2, cc.smss))
	cc.ssthresh = cc.cwnd
	cc.cwrPending = true
}

// CWRPending reports whether the next new data segment must carry CWR, once
// per ECE reaction (RFC 3168 §6.1.1).
func (cc *CongestionControl) CWRPending() bool { return cc.cwrPending }

// ClearCWRPending marks CWR as sent so later segments don't repeat it.
func (cc *CongestionControl) ClearCWRPending() { cc.cwrPending = false }

func (cc *CongestionControl) restartWindow() uint32 {
	iw := cc.alg.computeInitialWindow(cc.smss)
	if iw < cc.cwnd {
		return iw
	}
	return cc.cwnd
}

func (cc *CongestionControl) lossWindow() uint32 { return cc.smss }

func (cc *CongestionControl) incrementWindow(inc uint32) {
	v := cc.cwnd + inc
	if v < cc.cwnd {
		v = ^uint32(0) // saturate on overflow, matching the Rust source's saturating_add.
	}
	cc.setWindow(v)
}

func (cc *CongestionControl) setWindow(v uint32) { cc.cwnd = v }
