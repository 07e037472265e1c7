package tcp

import (
	tcpengine "github.com/lemonrock/tcpengine"
)

// sizeIPv4PseudoHeader and sizeIPv6PseudoHeader are the raw pseudo-header
// byte counts signed by RFC 2385 (distinct from the folded-sum pseudo
// header used for the ordinary TCP checksum).
const (
	sizeIPv4PseudoHeader = 12
	sizeIPv6PseudoHeader = 40
)

// BuildSegment encodes one outgoing TCP segment into dst: fixed header,
// canonically-ordered options (plus an MD5 Signature placeholder when
// authKey is non-nil), payload, then (if configured) the RFC 2385 digest
// patched into that placeholder, and finally the Internet checksum over the
// finished bytes. localAddr/remoteAddr/isIPv6 identify the
// IP-layer addressing this segment will be encapsulated with. Returns the
// total number of bytes written.
func BuildSegment(dst []byte, localAddr, remoteAddr [16]byte, isIPv6 bool, localPort, remotePort uint16, seg Segment, opts Options, payload []byte, authKey []byte) (int, error) {
	optBuf := AppendOptions(nil, &opts)
	md5Off := -1
	if authKey != nil {
		md5Off = len(optBuf)
		// MD5 Signature is 18 bytes (kind+len+digest); pad with two NOPs so
		// the option area, and hence the data offset, stays a multiple of 4.
		optBuf = append(optBuf, byte(OptKindMD5Signature), 2+md5DigestLen)
		optBuf = append(optBuf, make([]byte, md5DigestLen)...)
		optBuf = append(optBuf, byte(OptKindNOP), byte(OptKindNOP))
	}
	headerLen := sizeHeaderTCP + len(optBuf)
	total := headerLen + len(payload)
	if len(dst) < total {
		return 0, errBufferTooSmall
	}
	if headerLen%4 != 0 {
		return 0, errInvalidOptionLength
	}

	frm, err := NewFrame(dst[:total])
	if err != nil {
		return 0, err
	}
	frm.ClearHeader()
	frm.SetSourcePort(localPort)
	frm.SetDestinationPort(remotePort)
	frm.SetSegment(seg, uint8(headerLen/4))
	copy(dst[sizeHeaderTCP:], optBuf)
	copy(dst[headerLen:], payload)

	if authKey != nil {
		// The digest is signed over the header/options with the digest field
		// still zeroed, then patched in before the checksum is computed, so
		// the checksum covers the final wire bytes (RFC 2385 §2, RFC 793 §3.1).
		digest := buildMD5Digest(dst, localAddr, remoteAddr, isIPv6, optBuf, payload, authKey)
		digestOff := sizeHeaderTCP + md5Off + 2
		copy(dst[digestOff:digestOff+md5DigestLen], digest[:])
	}

	var crc tcpengine.CRC791
	if isIPv6 {
		tcpengine.PseudoHeaderIPv6(&crc, localAddr, remoteAddr, uint32(total))
	} else {
		var src, dst4 [4]byte
		copy(src[:], localAddr[12:16])
		copy(dst4[:], remoteAddr[12:16])
		tcpengine.PseudoHeaderIPv4(&crc, src, dst4, uint16(total))
	}
	frm.SetCRC(tcpengine.NeverZeroChecksum(crc.PayloadSum16(dst[:total])))
	return total, nil
}

func buildMD5Digest(dst []byte, localAddr, remoteAddr [16]byte, isIPv6 bool, optBuf, payload, secret []byte) [md5DigestLen]byte {
	var phdr []byte
	if isIPv6 {
		phdr = make([]byte, 0, sizeIPv6PseudoHeader)
		phdr = append(phdr, localAddr[:]...)
		phdr = append(phdr, remoteAddr[:]...)
		phdr = appendBE32(phdr, uint32(len(dst)))
		phdr = append(phdr, 0, 0, 0, byte(tcpengine.IPProtoTCP))
	} else {
		phdr = make([]byte, 0, sizeIPv4PseudoHeader)
		phdr = append(phdr, localAddr[12:16]...)
		phdr = append(phdr, remoteAddr[12:16]...)
		phdr = append(phdr, 0, byte(tcpengine.IPProtoTCP))
		phdr = appendBE16(phdr, uint16(len(dst)))
	}
	header := make([]byte, sizeHeaderTCP)
	copy(header, dst[:sizeHeaderTCP])
	header[16], header[17] = 0, 0
	return md5Signature(phdr, header, optBuf, payload, secret)
}

// SendSYN builds the initial SYN for an actively-opened connection.
func (ifc *Interface) SendSYN(dst []byte, id ConnID, iss Value, mss uint16, rcvWnd Size, authKey []byte) (int, error) {
	opts := Options{HasMSS: true, MSS: mss, HasWindowScale: true, WindowScale: maxWindowScale, SACKPermitted: true}
	seg := Segment{SEQ: iss, Flags: FlagSYN, WND: rcvWnd}
	return BuildSegment(dst, id.LocalAddr, id.RemoteAddr, id.IsIPv6, id.LocalPort, id.RemotePort, seg, opts, nil, authKey)
}

// sendSYNACK replies to a bare SYN on the listener path with a stateless,
// SYN-cookie-carrying SYN-ACK: no TCB is allocated.
func (ifc *Interface) sendSYNACK(dst []byte, id ConnID, clientISN Value, mss uint16, wscale uint8, sackPermitted bool, ecn bool) (int, error) {
	iss := ifc.cookies.Make(id.RemoteAddr[:], id.LocalAddr[:], id.RemotePort, id.LocalPort, clientISN, mss, wscale, sackPermitted, ecn)
	opts := Options{HasMSS: true, MSS: mss, HasWindowScale: true, WindowScale: wscale, SACKPermitted: sackPermitted}
	flags := synack
	if ecn && ifc.cfg.ECNEnabled {
		flags |= FlagECE
	}
	seg := Segment{SEQ: iss, ACK: clientISN + 1, Flags: flags, WND: ifc.cfg.RecvWindow}
	var authKey []byte
	if k, ok := ifc.cfg.AuthKeys[id.RemoteAddr]; ok {
		authKey = k.Secret
	}
	return BuildSegment(dst, id.LocalAddr, id.RemoteAddr, id.IsIPv6, id.LocalPort, id.RemotePort, seg, opts, nil, authKey)
}

// SendEstablished builds the next outgoing segment for an established
// connection: a pending control segment (ACK/FIN/RST) if one is queued,
// otherwise up to len(payload) bytes of application data riding an ACK.
// Returns 0, false if there is nothing to send.
func (ifc *Interface) SendEstablished(dst []byte, conn *trackedConn, now uint64) (int, bool, error) {
	maxSendable := conn.cb.cc.MaximumSendable(uint32(conn.cb.snd.WND))
	available := conn.tx.Buffered()
	if available > int(maxSendable) {
		available = int(maxSendable)
	}
	seg, ok := conn.cb.PendingSegment(available)
	if !ok {
		return 0, false, nil
	}

	var payload []byte
	if seg.DATALEN > 0 {
		buf := make([]byte, seg.DATALEN)
		echoCWR := conn.cb.cc.CWRPending()
		n, err := conn.tx.MakePacket(buf, seg.SEQ, now, seg.Flags&(FlagSYN|FlagFIN), echoCWR)
		if err != nil {
			return 0, false, err
		}
		if echoCWR {
			// RFC 3168 §6.1.1: the very next new-data segment after an ECE
			// reaction carries CWR, once.
			seg.Flags |= FlagCWR
			conn.cb.cc.ClearCWRPending()
		}
		payload = buf[:n]
		conn.cb.cc.BytesSent(uint32(n))
		conn.cb.cc.NoteDataSent(now)
	}

	var authKey []byte
	if conn.authKey != nil {
		authKey = conn.authKey
	}
	n, err := BuildSegment(dst, conn.id.LocalAddr, conn.id.RemoteAddr, conn.id.IsIPv6, conn.id.LocalPort, conn.id.RemotePort, seg, Options{}, payload, authKey)
	if err != nil {
		return 0, false, err
	}
	if err := conn.cb.Send(seg); err != nil {
		return 0, false, err
	}
	return n, true, nil
}

// SendChallengeACK emits an RFC 5961 challenge ACK.
func (ifc *Interface) SendChallengeACK(dst []byte, conn *trackedConn) (int, error) {
	seg := Segment{SEQ: conn.cb.snd.NXT, ACK: conn.cb.rcv.NXT, Flags: FlagACK, WND: conn.cb.rcv.WND}
	if ifc.cfg.Metrics != nil {
		ifc.cfg.Metrics.challengeAcksSent.Inc()
	}
	return BuildSegment(dst, conn.id.LocalAddr, conn.id.RemoteAddr, conn.id.IsIPv6, conn.id.LocalPort, conn.id.RemotePort, seg, Options{}, nil, conn.authKey)
}

// SendReset emits a bare RST for a connection being aborted, or for a
// stray segment addressed to a nonexistent connection (RFC 9293 §3.10.7.1).
func (ifc *Interface) SendReset(dst []byte, id ConnID, seq Value) (int, error) {
	seg := Segment{SEQ: seq, Flags: FlagRST}
	return BuildSegment(dst, id.LocalAddr, id.RemoteAddr, id.IsIPv6, id.LocalPort, id.RemotePort, seg, Options{}, nil, nil)
}

// SendKeepAlive emits a zero-length keep-alive probe carrying SEG.SEQ =
// SND.NXT-1, the conventional way of eliciting an ACK without advancing
// sequence space.
func (ifc *Interface) SendKeepAlive(dst []byte, conn *trackedConn) (int, error) {
	seg := Segment{SEQ: conn.cb.snd.NXT - 1, ACK: conn.cb.rcv.NXT, Flags: FlagACK, WND: conn.cb.rcv.WND}
	return BuildSegment(dst, conn.id.LocalAddr, conn.id.RemoteAddr, conn.id.IsIPv6, conn.id.LocalPort, conn.id.RemotePort, seg, Options{}, nil, conn.authKey)
}

// SendZeroWindowProbe emits a one-byte probe into a zero-sized receive
// window, the RFC 9293 §3.8.6.1 mechanism for detecting a window update
// lost to a dropped ACK.
func (ifc *Interface) SendZeroWindowProbe(dst []byte, conn *trackedConn, now uint64) (int, error) {
	buf := make([]byte, 1)
	n, err := conn.tx.ReadOldest(buf)
	if err != nil || n == 0 {
		return 0, err
	}
	seg := Segment{SEQ: conn.cb.snd.UNA, ACK: conn.cb.rcv.NXT, DATALEN: 1, Flags: FlagACK, WND: conn.cb.rcv.WND}
	return BuildSegment(dst, conn.id.LocalAddr, conn.id.RemoteAddr, conn.id.IsIPv6, conn.id.LocalPort, conn.id.RemotePort, seg, Options{}, buf[:1], conn.authKey)
}

// SendRetransmit rebuilds and resends the oldest outstanding descriptor
// after an RTO expiry or a fast-retransmit trigger.
func (ifc *Interface) SendRetransmit(dst []byte, conn *trackedConn) (int, error) {
	oldest := conn.tx.Oldest()
	if oldest == nil {
		return 0, errConnNotExist
	}
	buf := make([]byte, oldest.size)
	n, err := conn.tx.ReadOldest(buf)
	if err != nil {
		return 0, err
	}
	seg := Segment{SEQ: oldest.seq, ACK: conn.cb.rcv.NXT, DATALEN: Size(n), Flags: oldest.flags | FlagACK, WND: conn.cb.rcv.WND}
	if oldest.ecnEcho {
		seg.Flags |= FlagCWR
	}
	return BuildSegment(dst, conn.id.LocalAddr, conn.id.RemoteAddr, conn.id.IsIPv6, conn.id.LocalPort, conn.id.RemotePort, seg, Options{}, buf[:n], conn.authKey)
}
