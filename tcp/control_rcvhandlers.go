package tcp

// Per-state receive handlers, one per materialized State.
// Grounded on soypat-lneto/tcp/control_rcvhandlers.go, with rcvListen and
// rcvSynRcvd dropped since this engine never materializes those states
// (the listener path is stateless and a cookie-validated connection is
// born directly into Established).

func (tcb *ControlBlock) rcvSynSent(seg Segment) (pending Flags, err error) {
	hasSyn := seg.Flags.HasAny(FlagSYN)
	hasAck := seg.Flags.HasAny(FlagACK)
	switch {
	case !hasSyn:
		return 0, errExpectedSYN
	case hasAck && seg.ACK != tcb.snd.UNA+1:
		return 0, errBadSegAck
	}

	tcb.resetRcv(tcb.rcv.WND, seg.SEQ)
	if hasAck {
		tcb.state = StateEstablished
		tcb.snd.UNA = seg.ACK
		// Seed WL1 one behind this segment's own SEQ so Recv's generic
		// window-update guard accepts this very segment's WND as the first
		// one, regardless of where seg.SEQ sits in sequence space.
		tcb.snd.WL1 = seg.SEQ - 1
		tcb.snd.WL2 = seg.ACK
		return FlagACK, nil
	}
	// Simultaneous-open edge case (RFC 9293 §3.5): both sides sent SYNs
	// before either saw the other's; answer with our own SYN-ACK and wait.
	tcb.resetSnd(tcb.snd.ISS, seg.WND)
	tcb.snd.WL1 = seg.SEQ - 1
	return synack, nil
}

func (tcb *ControlBlock) rcvEstablished(seg Segment) (pending Flags, err error) {
	flags := seg.Flags
	dataToAck := seg.DATALEN > 0
	hasFin := flags.HasAny(FlagFIN)
	if dataToAck || hasFin {
		pending = FlagACK
		if hasFin {
			tcb.state = StateCloseWait
			tcb.pending[1] = FlagFIN
		}
	}
	return pending, nil
}

func (tcb *ControlBlock) rcvFinWait1(seg Segment) (pending Flags, err error) {
	flags := seg.Flags
	hasFin := flags.HasAny(FlagFIN)
	hasAck := flags.HasAny(FlagACK)
	switch {
	case hasFin && hasAck && seg.ACK == tcb.snd.NXT:
		// Peer's FIN+ACK acknowledges our own FIN in the same segment, so we
		// can skip FinWait2/Closing and enter TimeWait directly (decided Open
		// Question: see DESIGN.md).
		tcb.state = StateTimeWait
	case hasFin:
		tcb.state = StateClosing
	case hasAck:
		tcb.state = StateFinWait2
	default:
		return 0, errFinWaitExpectedACK
	}
	return FlagACK, nil
}

func (tcb *ControlBlock) rcvFinWait2(seg Segment) (pending Flags, err error) {
	if !seg.Flags.HasAll(finack) {
		return 0, errFinWaitExpectedFinack
	}
	tcb.state = StateTimeWait
	return FlagACK, nil
}

func (tcb *ControlBlock) resetSnd(localISS Value, remoteWND Size) {
	tcb.snd = sendSpace{ISS: localISS, UNA: localISS, NXT: localISS, WND: remoteWND}
}

func (tcb *ControlBlock) resetRcv(localWND Size, remoteISN Value) {
	tcb.rcv = recvSpace{IRS: remoteISN, NXT: remoteISN, WND: localWND}
}
