package internal

import (
	"errors"
	"io"
)

var (
	errRingBufferFull = errors.New("tcpengine/ring: buffer full")
	errRingNoData     = errors.New("tcpengine/ring: empty write")
)

// Ring implements a magic ring buffer over a plain byte slice: a
// contiguous-view byte queue that wraps around the end of Buf. It backs the
// TCP send ring.
type Ring struct {
	// Buf stores the bytes written with Write and read back with Read.
	// Capacity of Buf beyond len(Buf) is unused.
	Buf []byte
	// Off is the start of readable data, indexing into Buf. Off < len(Buf) always.
	Off int
	// End is the (exclusive) end of readable data. End==0 means the ring is empty.
	End int
}

// Size returns the capacity of the ring buffer.
func (r *Ring) Size() int { return len(r.Buf) }

// Buffered returns the number of bytes ready to read.
func (r *Ring) Buffered() int { return r.Size() - r.Free() }

// Free returns the number of bytes that can still be written.
func (r *Ring) Free() int {
	if r.End == 0 || r.Off == 0 {
		return len(r.Buf) - r.End
	}
	if r.Off < r.End {
		return r.Off + (len(r.Buf) - r.End)
	}
	return r.Off - r.End
}

func (r *Ring) isFull() bool {
	return r.End != 0 && (r.End == r.Off || (r.End == len(r.Buf) && r.Off == 0))
}

func (r *Ring) midFree() int {
	if r.End >= r.Off || r.End == 0 {
		return 0
	}
	return r.Off - r.End
}

// FreeLimited returns how many bytes can be written before reaching
// limitOffset, used to cap writes to a window boundary.
func (r *Ring) FreeLimited(limitOffset int) (free int) {
	if r.isFull() {
		return 0
	}
	writeAt := r.End
	if writeAt == 0 {
		writeAt = r.Off
		if limitOffset >= writeAt {
			return limitOffset - writeAt
		}
		return r.Size() - writeAt + limitOffset
	}
	if writeAt <= limitOffset && writeAt <= r.Off {
		return min(r.Off, limitOffset) - writeAt
	} else if writeAt <= limitOffset {
		return limitOffset - writeAt
	} else if writeAt <= r.Off {
		return r.Off - writeAt
	}
	return r.Size() - writeAt + min(limitOffset, r.Off)
}

// WriteLimited writes b without crossing limitOffset. See FreeLimited.
func (r *Ring) WriteLimited(b []byte, limitOffset int) (int, error) {
	if limitOffset > len(r.Buf) {
		panic("tcpengine/ring: bad limit offset")
	}
	if len(b) > len(r.Buf) {
		return 0, io.ErrShortBuffer
	}
	limit := r.FreeLimited(limitOffset)
	if len(b) > limit {
		return 0, errRingBufferFull
	}
	return r.Write(b)
}

// Write appends data to the ring, always starting at Off-relative End.
func (r *Ring) Write(b []byte) (int, error) {
	if r.isFull() {
		return 0, errRingBufferFull
	} else if len(b) == 0 {
		return 0, errRingNoData
	}
	if mid := r.midFree(); mid > 0 {
		n := copy(r.Buf[r.End:r.Off], b)
		r.End += n
		return n, nil
	} else if r.End == 0 {
		r.End = r.Off
	}
	n := copy(r.Buf[r.End:], b)
	r.End += n
	if n < len(b) {
		n2 := copy(r.Buf, b[n:])
		r.End = n2
		n += n2
	}
	return n, nil
}

// ReadDiscard advances the read pointer n bytes without copying.
func (r *Ring) ReadDiscard(n int) error {
	if n <= 0 {
		return errors.New("tcpengine/ring: invalid discard amount")
	}
	buffered := r.Buffered()
	switch {
	case n > buffered:
		return errors.New("tcpengine/ring: discard exceeds length")
	case n == buffered:
		r.Reset()
	case n+r.Off > len(r.Buf):
		r.Off = n - (len(r.Buf) - r.Off)
	default:
		r.Off += n
	}
	return nil
}

// ReadPeek reads without advancing the read pointer.
func (r *Ring) ReadPeek(b []byte) (int, error) { return r.read(b) }

// Read reads and advances the read pointer.
func (r *Ring) Read(b []byte) (int, error) {
	n, err := r.read(b)
	if err != nil {
		return n, err
	}
	r.onReadEnd(n)
	return n, nil
}

func (r *Ring) read(b []byte) (n int, err error) {
	if r.Buffered() == 0 {
		return 0, io.EOF
	}
	if r.End > r.Off {
		n = copy(b, r.Buf[r.Off:r.End])
		return n, nil
	}
	n = copy(b, r.Buf[r.Off:])
	if n < len(b) {
		n += copy(b[n:], r.Buf[:r.End])
	}
	return n, nil
}

// Reset empties the ring.
func (r *Ring) Reset() { r.Off, r.End = 0, 0 }

func (r *Ring) onReadEnd(totalRead int) {
	newOff := r.addOff(r.Off, totalRead)
	if newOff == r.End {
		r.Reset()
	} else if newOff == len(r.Buf) {
		r.Off = 0
	} else {
		r.Off = newOff
	}
}

func (r *Ring) addOff(a, b int) int {
	result := a + b
	if result > len(r.Buf) {
		result -= len(r.Buf)
	}
	return result
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
