package tcp

import (
	"encoding/binary"
	"fmt"
	"math"
)

// sizeHeaderTCP is the length, in bytes, of the fixed TCP header preceding
// any options (RFC 9293 §3.1).
const sizeHeaderTCP = 20

// NewFrame wraps buf as a Frame. buf must be at least 20 bytes; callers
// still need ValidateSize before touching Options/Payload to avoid a panic
// on a header claiming a data offset larger than len(buf).
func NewFrame(buf []byte) (Frame, error) {
	if len(buf) < sizeHeaderTCP {
		return Frame{}, errBufferTooSmall
	}
	return Frame{buf: buf}, nil
}

// Frame is a view over a raw TCP segment: fixed header, options and
// payload, addressed in place without copying. Grounded on
// soypat-lneto/tcp/frame.go's Frame type.
type Frame struct {
	buf []byte
}

// RawData returns the frame's backing slice.
func (f Frame) RawData() []byte { return f.buf }

func (f Frame) SourcePort() uint16      { return binary.BigEndian.Uint16(f.buf[0:2]) }
func (f Frame) SetSourcePort(p uint16)  { binary.BigEndian.PutUint16(f.buf[0:2], p) }
func (f Frame) DestinationPort() uint16 { return binary.BigEndian.Uint16(f.buf[2:4]) }
func (f Frame) SetDestinationPort(p uint16) {
	binary.BigEndian.PutUint16(f.buf[2:4], p)
}

// Seq returns the sequence number of the segment's first octet, or the
// ISN when SYN is set.
func (f Frame) Seq() Value { return Value(binary.BigEndian.Uint32(f.buf[4:8])) }
func (f Frame) SetSeq(v Value) {
	binary.BigEndian.PutUint32(f.buf[4:8], uint32(v))
}

// Ack is the next expected sequence number, meaningful only when ACK is set.
func (f Frame) Ack() Value { return Value(binary.BigEndian.Uint32(f.buf[8:12])) }
func (f Frame) SetAck(v Value) {
	binary.BigEndian.PutUint32(f.buf[8:12], uint32(v))
}

// OffsetAndFlags decodes the data-offset (in 32-bit words) and flags field.
func (f Frame) OffsetAndFlags() (offset uint8, flags Flags) {
	v := binary.BigEndian.Uint16(f.buf[12:14])
	return uint8(v >> 12), Flags(v).Mask()
}

func (f Frame) SetOffsetAndFlags(offset uint8, flags Flags) {
	v := uint16(offset)<<12 | uint16(flags.Mask())
	binary.BigEndian.PutUint16(f.buf[12:14], v)
}

// HeaderLength returns the total header length in bytes (fixed + options),
// derived from the data-offset field. Performs no bounds checking.
func (f Frame) HeaderLength() int {
	offset, _ := f.OffsetAndFlags()
	return 4 * int(offset)
}

func (f Frame) WindowSize() uint16     { return binary.BigEndian.Uint16(f.buf[14:16]) }
func (f Frame) SetWindowSize(v uint16) { binary.BigEndian.PutUint16(f.buf[14:16], v) }

func (f Frame) CRC() uint16     { return binary.BigEndian.Uint16(f.buf[16:18]) }
func (f Frame) SetCRC(v uint16) { binary.BigEndian.PutUint16(f.buf[16:18], v) }

func (f Frame) UrgentPtr() uint16     { return binary.BigEndian.Uint16(f.buf[18:20]) }
func (f Frame) SetUrgentPtr(v uint16) { binary.BigEndian.PutUint16(f.buf[18:20], v) }

// Payload returns the segment data following the header and options.
// Call ValidateSize first to avoid an out-of-range panic.
func (f Frame) Payload() []byte { return f.buf[f.HeaderLength():] }

// Options returns the option bytes between the fixed header and the payload.
func (f Frame) Options() []byte { return f.buf[sizeHeaderTCP:f.HeaderLength()] }

// Segment decodes the frame's sequencing fields into a Segment, given the
// already-known payload size.
func (f Frame) Segment(payloadSize int) Segment {
	if payloadSize > math.MaxInt32 {
		panic("tcp: payload size overflow")
	}
	_, flags := f.OffsetAndFlags()
	return Segment{
		SEQ:     f.Seq(),
		ACK:     f.Ack(),
		WND:     Size(f.WindowSize()),
		DATALEN: Size(payloadSize),
		Flags:   flags,
	}
}

// SetSegment writes seg's sequencing fields into the frame's fixed header.
// offset is the data offset in 32-bit words (minimum 5).
func (f Frame) SetSegment(seg Segment, offset uint8) {
	if offset >= 1<<4 {
		panic("tcp: offset too large")
	} else if seg.WND > math.MaxUint16 {
		panic("tcp: window overflow")
	}
	f.SetSeq(seg.SEQ)
	f.SetAck(seg.ACK)
	f.SetOffsetAndFlags(offset, seg.Flags)
	f.SetWindowSize(uint16(seg.WND))
}

// ClearHeader zeros the fixed 20-byte header.
func (f Frame) ClearHeader() {
	for i := range f.buf[:sizeHeaderTCP] {
		f.buf[i] = 0
	}
}

func (f Frame) String() string {
	seg := f.Segment(len(f.Payload()))
	return fmt.Sprintf("TCP :%d -> :%d %s", f.SourcePort(), f.DestinationPort(), seg.Flags)
}

// ValidateSize checks that the header-length field is internally consistent
// and fits within the backing buffer.
func (f Frame) ValidateSize() error {
	off := f.HeaderLength()
	if off < sizeHeaderTCP || off > len(f.buf) {
		return errInvalidOptionLength
	}
	return nil
}

// ValidateExceptCRC performs the non-checksum structural checks admissible
// before the payload is even known.
func (f Frame) ValidateExceptCRC() error {
	if err := f.ValidateSize(); err != nil {
		return err
	}
	if f.DestinationPort() == 0 {
		return errZeroDestinationPort
	}
	if f.SourcePort() == 0 {
		return errZeroSourcePort
	}
	return nil
}
