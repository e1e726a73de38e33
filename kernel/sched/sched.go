// Package sched implements the kernel's ready queue and the reschedule
// decision invoked whenever a thread yields, blocks or exits. There is a
// single FIFO ready queue; the scheduler never looks at priority or time
// slices, matching the single-CPU, cooperative-with-preemption-points
// teaching kernel this core targets.
package sched

import (
	"kernelcore/kernel"
	"kernelcore/kernel/errors"
	"kernelcore/kernel/ksync"
	"kernelcore/kernel/thread"
)

// ErrNoThreadReady indicates the ready queue emptied out entirely, which
// should never happen as long as the idle thread is never allowed to block
// or exit; reaching this is a fatal scheduling invariant violation.
var ErrNoThreadReady = &kernel.Error{Module: "sched", Message: "no kernel thread ready to run", Tag: errors.Fatal}

var ready []*thread.Thread

func init() {
	thread.SetHooks(Reschedule, SetReady)
}

// addTail appends thr to the back of the ready queue.
func addTail(thr *thread.Thread) {
	ready = append(ready, thr)
}

// addHead prepends thr to the front of the ready queue.
func addHead(thr *thread.Thread) {
	ready = append(ready, nil)
	copy(ready[1:], ready)
	ready[0] = thr
}

func addReady(thr *thread.Thread, tail bool) {
	if tail {
		addTail(thr)
	} else {
		addHead(thr)
	}
	thr.State = thread.Ready
}

// SetReady marks thr runnable and appends it to the ready queue. It is a
// no-op if thr is already ready.
func SetReady(thr *thread.Thread) *kernel.Error {
	guard := ksync.Enter()
	defer guard.Exit()

	if thr.State == thread.Ready {
		return nil
	}
	addReady(thr, true)
	return nil
}

// Reschedule decides which thread should run next: it requeues cur (unless
// cur is blocked or a zombie, in which case it is left off the ready queue
// entirely) and pops the next thread from the head of the ready queue.
// doYield distinguishes a voluntary Yield (cur goes to the back of the
// queue) from an involuntary preemption point (cur would go to the front,
// were that path ever exercised by this scheduler's single preemption
// source).
func Reschedule(cur *thread.Thread, doYield bool) *thread.Thread {
	guard := ksync.Enter()
	defer guard.Exit()
	return reschedule(cur, doYield)
}

func reschedule(cur *thread.Thread, doYield bool) *thread.Thread {
	switch cur.State {
	case thread.Zombie:
		// Never runs again; don't requeue.
	case thread.Blocked:
		// Already off the ready queue by whoever blocked it.
	default:
		addReady(cur, doYield)
	}

	if len(ready) == 0 {
		panic(ErrNoThreadReady.Message)
	}

	next := ready[0]
	ready = ready[1:]
	return next
}

// Len returns the number of threads currently waiting on the ready queue,
// for diagnostics.
func Len() int {
	guard := ksync.Enter()
	defer guard.Exit()
	return len(ready)
}
