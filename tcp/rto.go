package tcp

// Retransmission timeout estimator per RFC 6298. Grounded on the original
// source's RetransmissionTimeOut.rs, translated from its millisecond-typed
// fields into plain uint64 milliseconds.
//
// Deliberate deviation from RFC 6298 §2.4 ("if RTO is less than 1 second it
// SHOULD be rounded up to 1 second"): this engine floors RTO at 256ms
// instead, matching contemporary stacks (Linux defaults to 200ms) rather
// than the RFC's conservative original value.
const (
	rtoClockGranularityMillis = 128 // one timer-wheel tick
	rtoMinimumMillis          = 256
	rtoMaximumMillis          = 60_000
	rtoInitialMillis          = 1_000
	rtoMaxBackOffsBeforeReset = 8
)

// RTOEstimator holds SRTT/RTTVAR/RTO state for one connection.
type RTOEstimator struct {
	srtt        uint64
	rttvar      uint64
	rto         uint64
	needsMeasurement bool
	backOffs    uint8
}

// Reset (re)initialises the estimator to its unmeasured starting state.
func (e *RTOEstimator) Reset() {
	*e = RTOEstimator{
		rto:              clampRTO(rtoInitialMillis),
		needsMeasurement: true,
	}
}

// Timeout returns the current RTO in milliseconds.
func (e *RTOEstimator) Timeout() uint64 { return e.rto }

// BackOff doubles RTO on timer expiry (RFC 6298 §5.5), capping at
// rtoMaximumMillis and resetting the measurement state once back-offs
// reach rtoMaxBackOffsBeforeReset, since SRTT/RTTVAR are considered
// unreliable past that point (RFC 6298 §5, final paragraph).
func (e *RTOEstimator) BackOff() {
	e.backOffs++
	if e.backOffs >= rtoMaxBackOffsBeforeReset {
		e.backOffs = 0
		e.needsMeasurement = true
	}
	doubled := e.rto * 2
	if doubled > rtoMaximumMillis {
		doubled = rtoMaximumMillis
	}
	e.rto = doubled
}

// ResetAfterSynTimeout applies RFC 6298 §5.7: if the RTO expired while
// waiting for a SYN-ACK, the RTO is re-initialised to 3s once data
// transmission begins.
func (e *RTOEstimator) ResetAfterSynTimeout() {
	if rtoInitialMillis < 3000 {
		e.rto = 3000
		e.backOffs = 0
	}
}

// Sample feeds one round-trip-time measurement (in milliseconds) into the
// estimator, per RFC 6298 §2.2/§2.3.
func (e *RTOEstimator) Sample(rttMillis uint64) {
	if e.needsMeasurement {
		e.srtt = rttMillis
		e.rttvar = rttMillis / 2
		e.needsMeasurement = false
	} else {
		diff := absDiff(e.srtt, rttMillis)
		e.rttvar = (3*e.rttvar + diff) / 4
		e.srtt = (7*e.srtt + rttMillis) / 8
	}
	e.recompute()
	e.backOffs = 0
}

func (e *RTOEstimator) recompute() {
	const k = 4
	g := uint64(rtoClockGranularityMillis)
	variance := e.rttvar * k
	if variance < g {
		variance = g
	}
	e.rto = clampRTO(e.srtt + variance)
}

func clampRTO(v uint64) uint64 {
	if v < rtoMinimumMillis {
		return rtoMinimumMillis
	}
	if v > rtoMaximumMillis {
		return rtoMaximumMillis
	}
	return v
}

func absDiff(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}
