package internal

// Clock is the monotonic time source the core consumes. It is an external
// collaborator: the core never calls time.Now itself so that it can be
// driven deterministically in tests and on platforms without a wall
// clock.
type Clock interface {
	// NowMillis returns a monotonically non-decreasing millisecond timestamp.
	NowMillis() uint64
	// Tick returns the current coarse tick counter used by the timer wheel.
	// One tick is a fixed duration, e.g. 128ms.
	Tick() uint64
}

// Rand is the cryptographically strong random source the core consumes,
// used for ISS generation and SYN-cookie secrets.
type Rand interface {
	Uint16() uint16
	Uint32() uint32
	Uint64() uint64
}
