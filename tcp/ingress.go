package tcp

import (
	"log/slog"

	tcpengine "github.com/lemonrock/tcpengine"
)

// IngressResult tells the caller what, if anything, happened to an
// incoming packet, so callers that also drive NIC I/O know whether a
// reply segment is now pending.
type IngressResult uint8

const (
	IngressDropped IngressResult = iota
	IngressAccepted
	IngressNewConnection
	IngressConnectionClosed
	IngressConnectionAborted
)

// HandleSegment runs one incoming TCP datagram through the full ingress
// pipeline: header/option validation, checksum verification, tuple lookup,
// and dispatch to either the stateless SYN-cookie listener path or an
// existing ControlBlock. localAddr/remoteAddr are already-extracted IP
// layer addresses (left-padded to 16 bytes for IPv4), isIPv6 selects the
// pseudo-header variant, and ecn is the IP header's ECN field. now is the
// current coarse tick, used to seed any
// newly-created connection's congestion state.
//
// Only SYN and ACK/ACK+PSH segments are ever admitted through the
// stateless listener path; any other flag combination destined for a
// listening port but lacking a TCB is silently dropped.
func (ifc *Interface) HandleSegment(raw []byte, localAddr, remoteAddr [16]byte, isIPv6 bool, ecn tcpengine.ECN, now uint64) (IngressResult, error) {
	frm, err := NewFrame(raw)
	if err != nil {
		return IngressDropped, err
	}
	if err := frm.ValidateExceptCRC(); err != nil {
		return IngressDropped, err
	}
	payload := frm.Payload()

	var crc tcpengine.CRC791
	if isIPv6 {
		tcpengine.PseudoHeaderIPv6(&crc, remoteAddr, localAddr, uint32(frm.HeaderLength()+len(payload)))
	} else {
		var src, dst [4]byte
		copy(src[:], remoteAddr[12:16])
		copy(dst[:], localAddr[12:16])
		tcpengine.PseudoHeaderIPv4(&crc, src, dst, uint16(frm.HeaderLength()+len(payload)))
	}
	if crc.PayloadSum16(raw[:frm.HeaderLength()+len(payload)]) != 0 {
		if ifc.cfg.Metrics != nil {
			ifc.cfg.Metrics.cookiesRejected.Inc() // checksum failures and forged cookies share the drop path.
		}
		return IngressDropped, tcpengine.ErrBadCRC
	}

	seg := frm.Segment(len(payload))

	id := ConnID{
		LocalPort: frm.DestinationPort(), RemotePort: frm.SourcePort(),
		LocalAddr: localAddr, RemoteAddr: remoteAddr, IsIPv6: isIPv6,
	}

	var opts Options
	optCtx := optCtxAny
	if seg.Flags.HasAny(FlagSYN) {
		optCtx = optCtxSYN
	}
	if err := ParseOptions(frm.Options(), optCtx, &opts); err != nil {
		return IngressDropped, err
	}

	if key, ok := ifc.cfg.AuthKeys[remoteAddr]; ok && len(key.Secret) > 0 {
		if !ifc.verifySignature(frm, payload, localAddr, remoteAddr, isIPv6, key.Secret) {
			return IngressDropped, errMismatchMD5
		}
	}

	conn, ok := ifc.connByID(id)
	if !ok {
		return ifc.handleListenerPath(id, seg, opts, ecn, now)
	}
	return ifc.handleEstablishedPath(conn, seg, opts, now)
}

// verifySignature re-derives the RFC 2385 digest carried in an MD5
// Signature option and compares it in constant time. Absence of the option
// is itself a rejection: a peer configured with an AuthKey must sign every
// segment.
func (ifc *Interface) verifySignature(frm Frame, payload []byte, localAddr, remoteAddr [16]byte, isIPv6 bool, secret []byte) bool {
	digest, ok := findMD5Digest(frm.Options())
	if !ok {
		return false
	}

	var phdr []byte
	if isIPv6 {
		phdr = make([]byte, 0, 40)
		phdr = append(phdr, remoteAddr[:]...)
		phdr = append(phdr, localAddr[:]...)
		phdr = appendBE32(phdr, uint32(frm.HeaderLength()+len(payload)))
		phdr = append(phdr, 0, 0, 0, byte(tcpengine.IPProtoTCP))
	} else {
		phdr = make([]byte, 0, 12)
		phdr = append(phdr, remoteAddr[12:16]...)
		phdr = append(phdr, localAddr[12:16]...)
		phdr = append(phdr, 0, byte(tcpengine.IPProtoTCP))
		phdr = appendBE16(phdr, uint16(frm.HeaderLength()+len(payload)))
	}

	header := make([]byte, sizeHeaderTCP)
	copy(header, frm.RawData()[:sizeHeaderTCP])
	header[16], header[17] = 0, 0 // checksum field zeroed per RFC 2385 §2.

	return verifyMD5(digest, phdr, header, frm.Options(), payload, secret)
}

// findMD5Digest scans the option bytes for an MD5 Signature option (kind
// 19) and returns its 16-byte digest.
func findMD5Digest(opts []byte) ([md5DigestLen]byte, bool) {
	var digest [md5DigestLen]byte
	i := 0
	for i < len(opts) {
		kind := OptionKind(opts[i])
		if kind == OptKindEOL {
			break
		}
		if kind == OptKindNOP {
			i++
			continue
		}
		if i+1 >= len(opts) {
			break
		}
		length := int(opts[i+1])
		if length < 2 || i+length > len(opts) {
			break
		}
		if kind == OptKindMD5Signature && length == 18 {
			copy(digest[:], opts[i+2:i+18])
			return digest, true
		}
		i += length
	}
	return digest, false
}

func (ifc *Interface) connByID(id ConnID) (*trackedConn, bool) {
	c, ok := ifc.byHash[connHash(id)]
	return c, ok
}

var errMismatchMD5 = errDuplicateOption

// handleListenerPath implements the stateless SYN-cookie listener path: a
// bare SYN mints a cookie ISS and replies SYN-ACK without allocating any
// state; a final ACK validates the cookie and, only then, allocates the
// TCB.
func (ifc *Interface) handleListenerPath(id ConnID, seg Segment, opts Options, ecn tcpengine.ECN, now uint64) (IngressResult, error) {
	if !ifc.listenPorts[id.LocalPort] {
		return IngressDropped, errConnNotExist
	}

	switch {
	case seg.isFirstSYN():
		return ifc.acceptSYN(id, seg, opts, ecn)
	case seg.Flags == FlagACK || seg.Flags == FlagACK|FlagPSH:
		return ifc.acceptCookieACK(id, seg, now)
	default:
		// Any other flag combination addressed to a listening port but
		// lacking a TCB is silently dropped.
		return IngressDropped, errDropSegment
	}
}

func (ifc *Interface) acceptSYN(id ConnID, seg Segment, opts Options, ecn tcpengine.ECN) (IngressResult, error) {
	mss := opts.MSS
	if mss == 0 {
		mss = 536
	}
	if ifc.cfg.PMTU != nil {
		if pmtu := ifc.cfg.PMTU.PMTU(id.RemoteAddr, id.IsIPv6); pmtu > 40 && pmtu-40 < mss {
			mss = pmtu - 40
		}
	}
	wscale := opts.WindowScale
	if !opts.HasWindowScale {
		wscale = 0
	}

	buf := make([]byte, sizeHeaderTCP+40)
	n, err := ifc.sendSYNACK(buf, id, seg.SEQ, mss, wscale, opts.SACKPermitted, ecn.IsECT())
	if err != nil {
		return IngressDropped, err
	}
	if ifc.cfg.Metrics != nil {
		ifc.cfg.Metrics.cookiesIssued.Inc()
	}
	if err := ifc.cfg.NIC.WritePacket(buf[:n]); err != nil {
		return IngressDropped, err
	}
	return IngressAccepted, nil
}

func (ifc *Interface) acceptCookieACK(id ConnID, seg Segment, now uint64) (IngressResult, error) {
	clientISN := seg.SEQ - 1
	fields, err := ifc.cookies.Validate(id.RemoteAddr[:], id.LocalAddr[:], id.RemotePort, id.LocalPort, clientISN, seg.ACK)
	if err != nil {
		if ifc.cfg.Metrics != nil {
			ifc.cfg.Metrics.cookiesRejected.Inc()
		}
		return IngressDropped, err
	}
	if ifc.cfg.Metrics != nil {
		ifc.cfg.Metrics.cookiesValidated.Inc()
	}

	conn := &trackedConn{id: id, corr: newCorrelationID()}
	conn.cb.NewFromCookie(seg.ACK-1, clientISN, seg, ifc.cfg.RecvWindow)
	conn.cb.cc.Reset(ifc.cfg.CongestionAlgorithm, ifc.cfg.ECNEnabled && fields.ECN, now, fields.MSS, ifc.ssthreshHint(id.RemoteAddr))
	conn.cb.rto.Reset()
	if err := conn.tx.Reset(make([]byte, ifc.cfg.SendBufSize), ifc.cfg.MaxQueuedSegments, seg.ACK); err != nil {
		return IngressDropped, err
	}

	ifc.conns.Put(id, &conn.cb)
	ifc.byHash[connHash(id)] = conn
	ifc.scheduleRTO(conn)
	ifc.keepAliveWheel.Schedule(keepAliveIntervalTicks, connHash(id))
	if ifc.cfg.Metrics != nil {
		ifc.cfg.Metrics.connectionsEstablished.Inc()
		ifc.cfg.Metrics.activeConnections.Inc()
	}
	ifc.emit(Event{Kind: EventEstablished, ConnID: id, Corr: conn.corr})
	return IngressNewConnection, nil
}

func (ifc *Interface) ssthreshHint(remoteAddr [16]byte) uint32 {
	if data, ok := ifc.recentPeers.Get(0, remoteAddr); ok && data.Ssthresh != 0 {
		return data.Ssthresh
	}
	return ^uint32(0)
}

func (ifc *Interface) handleEstablishedPath(conn *trackedConn, seg Segment, opts Options, now uint64) (IngressResult, error) {
	// ECN-Echo can ride along with a segment that otherwise carries no new
	// control or data (a pure congestion signal), so it is noted before
	// Recv's own accept/drop outcome is known.
	if seg.Flags.HasAny(FlagECE) {
		conn.cb.cc.OnECNCongestionExperienced()
		if ifc.cfg.Metrics != nil {
			ifc.cfg.Metrics.ecnCongestionEvents.Inc()
		}
	}

	prevDupAcks := conn.cb.cc.DuplicateACKCount()
	prevUNA := conn.cb.SendUNA()
	wasSynSent := conn.cb.State() == StateSynSent
	err := conn.cb.Recv(seg, opts)
	switch err {
	case nil:
		// falls through to the accept path below.
	case errDropSegment:
		if conn.cb.cc.DuplicateACKCount() >= 3 && conn.cb.cc.DuplicateACKCount() != prevDupAcks {
			// Fast retransmit (Open Question: trigger on the 3rd
			// duplicate ACK): retransmit the oldest unacked descriptor now
			// rather than waiting for the RTO.
			if ifc.cfg.Metrics != nil {
				ifc.cfg.Metrics.fastRetransmits.Inc()
			}
			conn.cb.cc.OnFirstRetransmission()
			if oldest := conn.tx.Oldest(); oldest != nil {
				buf := make([]byte, sizeHeaderTCP+int(oldest.size)+40)
				if n, err := ifc.SendRetransmit(buf, conn); err == nil {
					if err := ifc.cfg.NIC.WritePacket(buf[:n]); err != nil {
						ifc.Debug("tcp: fast retransmit write failed")
					}
					conn.tx.MarkRetransmitted(now)
				}
			}
		}
		return IngressDropped, nil
	case errSeqNotInWindow, errLastNotInWindow, errRequireSequential, errPAWSRejected:
		// RFC 9293 §3.10.7.4 R2 / RFC 7323 §5.4 R1: Recv already queued the
		// required duplicate ACK; nothing else to do but drop.
		return IngressDropped, nil
	case errConnClosing, errInvalidState:
		ifc.abortConnection(conn)
		return IngressConnectionAborted, nil
	default:
		return IngressDropped, err
	}

	if wasSynSent && conn.cb.State() == StateEstablished {
		ifc.userTimeoutWheel.Cancel(connHash(conn.id))
		ifc.keepAliveWheel.Schedule(keepAliveIntervalTicks, connHash(conn.id))
		if ifc.cfg.Metrics != nil {
			ifc.cfg.Metrics.connectionsEstablished.Inc()
			ifc.cfg.Metrics.activeConnections.Inc()
		}
		ifc.emit(Event{Kind: EventEstablished, ConnID: conn.id, Corr: conn.corr})
	}

	if seg.Flags.HasAny(FlagACK) {
		if acked := Sizeof(prevUNA, conn.cb.SendUNA()); acked > 0 {
			conn.cb.cc.BytesAcked(uint32(acked))
			if rttTicks, ok := conn.tx.RTTSample(seg.ACK, now); ok {
				conn.cb.rto.Sample(rttTicks * rtoClockGranularityMillis)
			}
		}
	}

	if err := conn.tx.RecvACK(seg.ACK); err != nil && err != errAckNotNext {
		ifc.Debug("tcp: recvack error", slog.String("err", err.Error()))
	}

	if conn.cb.State() == StateTimeWait {
		ifc.userTimeoutWheel.Schedule(maximumSegmentLifetimeTicks, connHash(conn.id))
	}
	return IngressAccepted, nil
}
