// Package ktime tracks kernel time as a monotonic (seconds, nanoseconds)
// pair advanced once per timer tick, and maintains a due-date-ordered list
// of timeout actions that fire when the elapsed time reaches them. There is
// no wall clock: time starts at zero at boot and only ever moves forward by
// calls to DoTick.
package ktime

import (
	"kernelcore/kernel/cpu"
)

const nsPerSec = 1000000000

// guard scopes a mutation of the clock/timeout-list state against the timer
// tick. It cannot reuse kernel/ksync.IRQGuard: kernel/ksync's Semaphore and
// Mutex take a SystemTime timeout, so ksync already depends on this package,
// and ksync depending on ktime depending on ksync would be a cycle. Disabling
// interrupts directly is the same single-processor trick ksync's IRQGuard
// uses, just duplicated at this lower layer.
type guard struct {
	flags uintptr
}

func enter() guard {
	return guard{flags: cpu.SaveFlagsAndClear()}
}

func (g guard) exit() {
	cpu.RestoreFlags(g.flags)
}

// SystemTime is a (seconds, nanoseconds) duration or timestamp. nanosec is
// always kept in [0, nsPerSec).
type SystemTime struct {
	Sec     uint32
	Nanosec uint32
}

// IsZero returns true if t represents a zero duration/timestamp.
func (t SystemTime) IsZero() bool {
	return t.Sec == 0 && t.Nanosec == 0
}

// Add returns t + d.
func (t SystemTime) Add(d SystemTime) SystemTime {
	sigma := t.Nanosec + d.Nanosec
	return SystemTime{
		Sec:     t.Sec + d.Sec + sigma/nsPerSec,
		Nanosec: sigma % nsPerSec,
	}
}

// Sub returns t - d. The caller must ensure t >= d; violating this is a
// programming error in the kernel core, not a recoverable condition.
func (t SystemTime) Sub(d SystemTime) SystemTime {
	if Compare(t, d) < 0 {
		return SystemTime{}
	}

	sec := t.Sec - d.Sec
	var nanosec uint32
	if t.Nanosec >= d.Nanosec {
		nanosec = t.Nanosec - d.Nanosec
	} else {
		sec--
		nanosec = nsPerSec + t.Nanosec - d.Nanosec
	}
	return SystemTime{Sec: sec, Nanosec: nanosec}
}

// Compare returns -1, 0 or 1 depending on whether a is before, equal to, or
// after b.
func Compare(a, b SystemTime) int {
	switch {
	case a.Sec < b.Sec:
		return -1
	case a.Sec > b.Sec:
		return 1
	case a.Nanosec < b.Nanosec:
		return -1
	case a.Nanosec > b.Nanosec:
		return 1
	default:
		return 0
	}
}

// Action is a callback scheduled to fire once elapsed time reaches a due
// date. Routine is invoked with interrupts disabled from inside DoTick (or
// from UnregisterAction's caller context, never concurrently), so it must be
// quick and non-blocking.
type Action struct {
	due     SystemTime
	Routine func(*Action)
	Data    interface{}

	registered bool
}

var (
	tickResolution SystemTime
	now            SystemTime
	actions        []*Action
)

// Init sets the per-tick resolution (how much the clock advances on every
// call to DoTick) and resets the clock to zero.
func Init(resolution SystemTime) {
	guard := enter()
	defer guard.exit()

	tickResolution = resolution
	now = SystemTime{}
	actions = nil
}

// Now returns the current elapsed time since Init.
func Now() SystemTime {
	guard := enter()
	defer guard.exit()
	return now
}

// TickResolution returns the amount of time a single DoTick call advances
// the clock by.
func TickResolution() SystemTime {
	guard := enter()
	defer guard.exit()
	return tickResolution
}

func insertSorted(act *Action) {
	i := 0
	for i < len(actions) && Compare(actions[i].due, act.due) <= 0 {
		i++
	}
	actions = append(actions, nil)
	copy(actions[i+1:], actions[i:])
	actions[i] = act
}

// RegisterRelative schedules act's Routine to fire after delay elapses from
// the current time.
func RegisterRelative(act *Action, delay SystemTime, routine func(*Action), data interface{}) {
	guard := enter()
	defer guard.exit()

	registerLocked(act, now.Add(delay), routine, data)
}

// RegisterAbsolute schedules act's Routine to fire once the clock reaches
// due. due must not be in the past.
func RegisterAbsolute(act *Action, due SystemTime, routine func(*Action), data interface{}) {
	guard := enter()
	defer guard.exit()

	registerLocked(act, due, routine, data)
}

func registerLocked(act *Action, due SystemTime, routine func(*Action), data interface{}) {
	act.due = due
	act.Routine = routine
	act.Data = data
	act.registered = true
	insertSorted(act)
}

// UnregisterAction removes act from the timeout list if it is still
// pending; it is a no-op if act already fired or was never registered. The
// due field, on return, reflects the time remaining until the original due
// date (zero if it already elapsed).
func UnregisterAction(act *Action) {
	guard := enter()
	defer guard.exit()
	unregisterLocked(act)
}

func unregisterLocked(act *Action) {
	if !act.registered {
		return
	}

	for i, a := range actions {
		if a == act {
			actions = append(actions[:i], actions[i+1:]...)
			break
		}
	}

	if Compare(act.due, now) <= 0 {
		act.due = SystemTime{}
	} else {
		act.due = act.due.Sub(now)
	}
	act.registered = false
}

// Remaining reports the time left before act fires. For an action still on
// the timeout list, that's its due date minus the current time (zero if
// already due). For an action UnregisterAction already pulled off the list,
// due holds the residual UnregisterAction computed at the point of removal,
// so it's returned as-is rather than measured against the now-meaningless
// due date.
func (act *Action) Remaining() SystemTime {
	guard := enter()
	defer guard.exit()

	if !act.registered {
		return act.due
	}
	if Compare(act.due, now) <= 0 {
		return SystemTime{}
	}
	return act.due.Sub(now)
}

// DoTick advances the clock by one tick resolution and fires every action
// whose due date has now been reached, in due-date order.
func DoTick() {
	guard := enter()
	defer guard.exit()

	now = now.Add(tickResolution)

	for len(actions) > 0 && Compare(now, actions[0].due) >= 0 {
		act := actions[0]
		actions = actions[1:]
		act.registered = false
		act.due = SystemTime{}
		act.Routine(act)
	}
}
