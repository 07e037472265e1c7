package tcp

// wheelSlots is the number of ring slots in one alarm wheel. At a 128ms
// tick this spans a little over 65 seconds before an alarm
// must be rescheduled via its remainder. Grounded on the original source's
// AlarmWheel.rs NumberOfRingSlotsForAlarmsSoonToGoOffCompilerHack constant.
const wheelSlots = 512

// wheelMaxTicks is the largest delay schedulable directly in one ring
// revolution; longer delays are parked at the last slot with the excess
// tracked as a remainder and re-armed when they first expire.
const wheelMaxTicks = wheelSlots - 1

// alarmEntry is one scheduled alarm: connID identifies the connection (or
// listener-wide resource) it belongs to, remainder holds any ticks beyond
// wheelMaxTicks still left to wait once this entry first fires.
type alarmEntry struct {
	connID    uint64
	remainder uint64
}

// TimerWheel is a single hashed timer wheel driving one alarm class (e.g.
// retransmission-and-zero-window-probe, keep-alive, or user-timeout). The
// engine owns three independent instances, one per class, since an alarm
// in one class must not be disturbed by activity in another.
type TimerWheel struct {
	lastCalledAt uint64
	slots        [wheelSlots][]alarmEntry
}

// Reset (re)initialises the wheel at the given starting tick.
func (w *TimerWheel) Reset(now uint64) {
	*w = TimerWheel{lastCalledAt: now - 1}
}

func ringSlot(tick uint64) int { return int(tick % wheelSlots) }

// Schedule arms an alarm for connID to go off in goesOffInTicks ticks from
// the wheel's last progress() call (not from "now" directly — see the
// original source's note that this has no practical effect as long as
// progress is called at least once per tick).
func (w *TimerWheel) Schedule(goesOffInTicks uint64, connID uint64) {
	capped := goesOffInTicks
	if capped > wheelMaxTicks {
		capped = wheelMaxTicks
	}
	goesOffAt := w.lastCalledAt + capped
	slot := ringSlot(goesOffAt)
	remainder := uint64(0)
	if goesOffInTicks > capped {
		remainder = goesOffInTicks - capped
	}
	w.slots[slot] = append(w.slots[slot], alarmEntry{connID: connID, remainder: remainder})
}

// Cancel removes any pending alarm for connID. Callers track which class(es)
// they scheduled connID on and only call Cancel on those wheels.
func (w *TimerWheel) Cancel(connID uint64) {
	for i := range w.slots {
		s := w.slots[i]
		for j := 0; j < len(s); j++ {
			if s[j].connID == connID {
				s[j] = s[len(s)-1]
				s = s[:len(s)-1]
				j--
			}
		}
		w.slots[i] = s
	}
}

// Progress advances the wheel to now, invoking fire for every alarm that
// expires in the ticks elapsed since the previous call. An alarm whose
// remainder is still non-zero is immediately rescheduled for the
// remaining delay instead of firing. lastCalledAt is updated before fire
// is invoked so a handler calling Schedule again behaves correctly even
// if it reschedules onto a slot already visited this pass.
func (w *TimerWheel) Progress(now uint64, fire func(connID uint64)) {
	last := w.lastCalledAt
	if now-last == 0 {
		return
	}
	w.lastCalledAt = now

	tick := last + 1
	for tick <= now {
		slot := ringSlot(tick)
		entries := w.slots[slot]
		w.slots[slot] = nil
		for _, e := range entries {
			if e.remainder > 0 {
				w.Schedule(e.remainder, e.connID)
				continue
			}
			fire(e.connID)
		}
		tick++
	}
}
