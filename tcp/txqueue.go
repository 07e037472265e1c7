package tcp

import (
	"errors"
	"slices"

	"github.com/lemonrock/tcpengine/internal"
)

var errPacketQueueFull = errors.New("tcp: retransmission queue full")

// minBufferSize is the smallest send-ring size this engine will accept;
// below this a single in-flight segment could not be represented.
const minBufferSize = 2

// txQueue couples the outbound send ring with a retransmission descriptor
// list: data is written once into rawbuf, then carved into descriptors as it is sent, and
// a descriptor is only discarded once its entire span has been
// acknowledged. Partial acks shrink the oldest descriptor in place rather
// than discarding it, so a retransmit of a partially-acked segment resends
// only the unacked remainder.
//
//	|   acked(free)  |          sent         |          unsent          |   free   |
//	0       freeEnd=first.off     last.end==unsent.off     freeStart=unsent.end  Size()
//
// Grounded on soypat-lneto/tcp/txqueue.go's ringTx/sentlist pair.
type txQueue struct {
	rawbuf    []byte
	slist     sentlist
	unsentoff int
	unsentend int
	sentoff   int
	sentend   int
	iss       Value
}

// sentDescriptor is one outstanding (sent, not fully acked) span of the
// send ring, augmented with the retransmission bookkeeping needed for
// resends: last-sent timestamp, retransmit count, the control flags that
// must accompany a retransmit, and whether it carried an ECN congestion
// marker that needs echoing again on resend.
type sentDescriptor struct {
	off, end int   // byte range within rawbuf, Ring semantics.
	seq      Value // sequence number of first byte.
	size     Size
	sentAt   uint64 // tick of most recent transmission, for RTO/RTT sampling.
	retransmits uint8
	flags    Flags // SYN/FIN pseudo-octets carried by this descriptor, if any.
	ecnEcho  bool
}

func (d *sentDescriptor) sent() bool    { return d.end != 0 || d.off != 0 }
func (d *sentDescriptor) isRecvd() bool { return d.size == 0 }
func (d *sentDescriptor) markRcvd()     { *d = sentDescriptor{} }
func (d *sentDescriptor) endSeq() Value { return Add(d.seq, d.size) }

// sentlist is the ordered, oldest-first list of outstanding descriptors.
type sentlist struct {
	ssn  Value // end sequence of the newest fully-acked descriptor.
	pkts []sentDescriptor
}

func (sl *sentlist) Reset(maxQueued int, iss Value) {
	sl.pkts = slices.Grow(sl.pkts[:0], maxQueued)
	sl.ssn = iss
}

func (sl sentlist) Newest() *sentDescriptor {
	if len(sl.pkts) == 0 {
		return nil
	}
	return &sl.pkts[len(sl.pkts)-1]
}

func (sl sentlist) Oldest() *sentDescriptor {
	if len(sl.pkts) == 0 {
		return nil
	}
	return &sl.pkts[0]
}

func (sl *sentlist) EndSeq() Value {
	seq := sl.ssn
	if last := sl.Newest(); last != nil {
		seq = last.endSeq()
	}
	return seq
}

func (sl *sentlist) Free() int { return cap(sl.pkts) - len(sl.pkts) }

// AddPacket records a newly-sent span starting at byte offset off, datalen
// long, carrying flags (for a SYN/FIN pseudo-octet) and an ECN marker.
func (sl *sentlist) AddPacket(datalen, off, bufsize int, now uint64, flags Flags, ecnEcho bool) *sentDescriptor {
	if sl.Free() == 0 {
		panic("tcp: retransmission descriptor list full")
	}
	if last := sl.Newest(); last != nil && off != last.end {
		panic("tcp: new sent span must follow the previous one")
	}
	sl.pkts = append(sl.pkts, sentDescriptor{
		off: off, end: addEnd(off, datalen, bufsize),
		seq: sl.EndSeq(), size: Size(datalen),
		sentAt: now, flags: flags, ecnEcho: ecnEcho,
	})
	return &sl.pkts[len(sl.pkts)-1]
}

// RecvAck processes a cumulative ACK: fully-acked descriptors are removed,
// a partially-acked oldest descriptor is shrunk in place.
func (sl *sentlist) RecvAck(ack Value, bufsize int) error {
	newest := sl.Newest()
	if newest == nil {
		return errAckNotNext
	} else if newest.endSeq().LessThan(ack) {
		return errAckNotNext
	}
	for i := range sl.pkts {
		pkt := &sl.pkts[i]
		if pkt.endSeq().LessThanEq(ack) {
			sl.ssn = pkt.endSeq()
			pkt.markRcvd()
		} else {
			break
		}
	}
	sl.removeRecvd()
	partial := sl.Oldest()
	if partial == nil {
		return nil
	}
	acked := int32(ack - partial.seq)
	if acked <= 0 {
		return nil
	}
	partial.off = addOff(partial.off, int(acked), bufsize)
	partial.size -= Size(acked)
	partial.seq += Value(acked)
	return nil
}

func (sl *sentlist) removeRecvd() {
	if o := sl.Oldest(); o == nil || !o.isRecvd() {
		return
	}
	n := 0
	for i := range sl.pkts {
		if sl.pkts[i].isRecvd() {
			continue
		}
		sl.pkts[n] = sl.pkts[i]
		n++
	}
	sl.pkts = sl.pkts[:n]
}

func addEnd(a, b, size int) int {
	r := a + b
	if r > size {
		r -= size
	}
	return r
}

func addOff(a, b, size int) int {
	r := a + b
	if r >= size {
		r -= size
	}
	return r
}

// Reset (re)initialises the queue to use buf as its ring and allows up to
// maxQueued outstanding descriptors.
func (tx *txQueue) Reset(buf []byte, maxQueued int, iss Value) error {
	buf = buf[:len(buf):len(buf)]
	if maxQueued <= 0 {
		return errors.New("tcp: max queued packets must be > 0")
	} else if len(buf) < minBufferSize || len(buf) < maxQueued {
		return errBufferTooSmall
	}
	*tx = txQueue{rawbuf: buf}
	tx.slist.Reset(maxQueued, iss)
	tx.iss = iss
	return nil
}

func (tx *txQueue) Size() int { return len(tx.rawbuf) }

func (tx *txQueue) Free() int {
	r := tx.sentAndUnsentRing()
	return r.Free()
}

func (tx *txQueue) Buffered() int {
	r, _ := tx.unsentRing()
	return r.Buffered()
}

func (tx *txQueue) BufferedSent() int {
	r, _ := tx.sentRing()
	return r.Buffered()
}

// Write appends application data to the unsent portion of the ring.
func (tx *txQueue) Write(b []byte) (int, error) {
	r, lim := tx.unsentRing()
	if tx.sentend == 0 && tx.unsentend == 0 {
		// Nothing sent or buffered: the whole ring is free.
		tx.sentoff, tx.unsentoff = 0, 0
		r.Off, lim = 0, len(tx.rawbuf)
	}
	n, err := r.WriteLimited(b, lim)
	if err != nil {
		return 0, err
	}
	tx.unsentend = r.End
	return n, nil
}

// MakePacket carves up to len(b) bytes off the unsent ring into a new
// retransmission descriptor starting at currentSeq, recording flags/ecnEcho
// for replay on retransmit.
func (tx *txQueue) MakePacket(b []byte, currentSeq Value, now uint64, flags Flags, ecnEcho bool) (int, error) {
	if tx.slist.Free() == 0 {
		return 0, errPacketQueueFull
	}
	if endSeq, ok := tx.endSeq(); ok && currentSeq.LessThan(endSeq) {
		return 0, errSeqNotInWindow
	}
	r, _ := tx.unsentRing()
	oldOff := r.Off
	n, err := r.Read(b)
	if err != nil {
		return n, err
	}
	newUnsentOff := tx.addEnd(tx.unsentoff, n)
	tx.slist.AddPacket(n, oldOff, tx.Size(), now, flags, ecnEcho)
	tx.unsentoff = newUnsentOff
	tx.sentend = newUnsentOff
	if newUnsentOff == tx.unsentend {
		tx.unsentend = 0
	}
	return n, nil
}

// RecvACK advances the retransmission queue past an incoming cumulative ACK.
func (tx *txQueue) RecvACK(ack Value) error {
	if err := tx.slist.RecvAck(ack, tx.Size()); err != nil {
		return err
	}
	oldest, newest := tx.slist.Oldest(), tx.slist.Newest()
	if oldest == nil {
		tx.sentend = 0
	} else {
		tx.sentoff = oldest.off
		tx.sentend = newest.end
	}
	tx.consolidate()
	return nil
}

// Oldest exposes the oldest outstanding descriptor for the RTO/retransmit
// path: it is the only descriptor ever retransmitted, since later ones
// necessarily depend on it being delivered first.
func (tx *txQueue) Oldest() *sentDescriptor { return tx.slist.Oldest() }

// RTTSample computes a Karn's-algorithm-safe round-trip measurement (RFC
// 6298 §3: never sample a segment that was retransmitted) for the
// descriptor(s) a newly-arrived cumulative ACK retires, in the same tick
// units as nowTick/sentAt. Must be called before RecvACK, which removes the
// descriptors this walks.
func (tx *txQueue) RTTSample(ack Value, nowTick uint64) (rttTicks uint64, ok bool) {
	for i := range tx.slist.pkts {
		pkt := &tx.slist.pkts[i]
		if !pkt.endSeq().LessThanEq(ack) {
			break
		}
		if pkt.retransmits == 0 {
			rttTicks, ok = nowTick-pkt.sentAt, true
		}
	}
	return rttTicks, ok
}

// MarkRetransmitted records that the oldest outstanding descriptor was just
// retransmitted, excluding it from future RTT sampling until it is replaced
// (Karn's algorithm, RFC 6298 §3).
func (tx *txQueue) MarkRetransmitted(now uint64) {
	if o := tx.slist.Oldest(); o != nil {
		o.retransmits++
		o.sentAt = now
	}
}

// ReadOldest copies the oldest descriptor's payload into b for retransmission.
func (tx *txQueue) ReadOldest(b []byte) (int, error) {
	o := tx.slist.Oldest()
	if o == nil {
		return 0, errConnNotExist
	}
	r := internal.Ring{Buf: tx.rawbuf, Off: o.off, End: o.end}
	return r.ReadPeek(b)
}

func (tx *txQueue) sentAndUnsentRing() internal.Ring {
	end := tx.unsentend
	if end == 0 {
		end = tx.sentend
	}
	return internal.Ring{Buf: tx.rawbuf, Off: tx.sentoff, End: end}
}

func (tx *txQueue) unsentRing() (internal.Ring, int) {
	return internal.Ring{Buf: tx.rawbuf, Off: tx.unsentoff, End: tx.unsentend}, tx.sentoff
}

func (tx *txQueue) sentRing() (internal.Ring, int) {
	return internal.Ring{Buf: tx.rawbuf, Off: tx.sentoff, End: tx.sentend}, tx.unsentoff
}

func (tx *txQueue) addEnd(a, b int) int { return addEnd(a, b, len(tx.rawbuf)) }

func (tx *txQueue) consolidate() {
	if tx.unsentend == 0 && tx.sentend == 0 {
		tx.sentoff, tx.unsentoff = 0, 0
	}
}

func (tx *txQueue) endSeq() (Value, bool) {
	newest := tx.slist.Newest()
	if newest == nil {
		return 0, false
	}
	return newest.endSeq(), true
}
