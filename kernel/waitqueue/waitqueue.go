// Package waitqueue implements FIFO blocking queues: any number of threads
// can wait on a Queue, and a wakeup moves them, in the order they started
// waiting, back onto the scheduler's ready queue. This is the building
// block kernel/ksync's Semaphore and Mutex are layered on top of.
package waitqueue

import (
	"kernelcore/kernel"
	"kernelcore/kernel/errors"
	"kernelcore/kernel/ksync"
	"kernelcore/kernel/ktime"
	"kernelcore/kernel/sched"
	"kernelcore/kernel/thread"
)

// ErrBusy is returned by Dispose when threads are still waiting.
var ErrBusy = &kernel.Error{Module: "waitqueue", Message: "cannot dispose of a queue with waiters still enqueued", Tag: errors.Busy}

// setReadyHook is a variable, like kernel/thread's scheduler hooks, so
// tests can observe and control wakeups without depending on kernel/sched's
// real ready-queue state.
var setReadyHook = sched.SetReady

// init wires this package's queue operations into kernel/ksync's Semaphore
// and Mutex. ksync cannot import this package directly: this package
// already imports kernel/thread to suspend and resume threads, and
// kernel/thread imports kernel/ksync for IRQGuard, so a direct import from
// ksync would close a cycle. This mirrors kernel/sched wiring itself into
// kernel/thread's hooks from its own init.
func init() {
	ksync.SetWaitqueueHooks(
		func(name string) interface{} {
			q := &Queue{}
			Init(q, name)
			return q
		},
		func(q interface{}, timeout *ktime.SystemTime) *kernel.Error {
			return Wait(q.(*Queue), timeout)
		},
		func(q interface{}, count int, status *kernel.Error) {
			Wakeup(q.(*Queue), count, status)
		},
		func(q interface{}) bool {
			return IsEmpty(q.(*Queue))
		},
	)
}

// Queue is a FIFO list of blocked threads.
type Queue struct {
	Name    string
	waiters []*entry
}

// entry tracks one thread's wait on a particular Queue. It is the thing
// thread.Thread.WaitQueueEntry points to while the thread is blocked.
type entry struct {
	thr             *thread.Thread
	queue           *Queue
	wakeupTriggered bool
	wakeupStatus    *kernel.Error
}

// Init resets q to an empty queue named name (used only for diagnostics).
func Init(q *Queue, name string) {
	q.Name = name
	q.waiters = nil
}

// IsEmpty reports whether any thread is currently waiting on q.
func IsEmpty(q *Queue) bool {
	guard := ksync.Enter()
	defer guard.Exit()
	return len(q.waiters) == 0
}

// Dispose releases q's resources. It fails if any thread is still waiting.
func Dispose(q *Queue) *kernel.Error {
	guard := ksync.Enter()
	defer guard.Exit()

	if len(q.waiters) != 0 {
		return ErrBusy
	}
	return nil
}

func addEntry(q *Queue, e *entry) {
	e.queue = q
	e.wakeupTriggered = false
	e.wakeupStatus = nil
	q.waiters = append(q.waiters, e)
	e.thr.WaitQueueEntry = e
}

func removeEntry(q *Queue, e *entry) {
	for i, w := range q.waiters {
		if w == e {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			break
		}
	}
	e.queue = nil
	e.thr.WaitQueueEntry = nil
}

// Wait blocks the calling thread on q until Wakeup selects it or timeout
// elapses. A nil timeout blocks forever. It returns whatever error Wakeup
// was called with, or ErrInterrupted if unblocked by a timeout or by
// something other than a call to Wakeup on this queue.
func Wait(q *Queue, timeout *ktime.SystemTime) *kernel.Error {
	e := &entry{thr: thread.GetCurrent()}

	guard := ksync.Enter()
	addEntry(q, e)

	thread.Sleep(timeout)

	var err *kernel.Error
	if !e.wakeupTriggered {
		removeEntry(q, e)
		err = thread.ErrInterrupted
	} else {
		err = e.wakeupStatus
	}
	guard.Exit()

	return err
}

// Wakeup moves up to count waiting threads from the front of q back onto
// the ready queue, in FIFO order, each with wakeupStatus as the error Wait
// returns to them (nil for a normal wakeup).
func Wakeup(q *Queue, count int, wakeupStatus *kernel.Error) {
	guard := ksync.Enter()
	defer guard.Exit()

	for count > 0 && len(q.waiters) > 0 {
		e := q.waiters[0]

		if thread.GetState(e.thr) == thread.Running {
			// The waiter at the head is the thread currently running
			// (it must have woken itself through some other path);
			// stop here rather than touch its scheduler state.
			break
		}

		setReadyHook(e.thr)
		removeEntry(q, e)
		e.wakeupTriggered = true
		e.wakeupStatus = wakeupStatus

		count--
	}
}

// WakeupAll wakes every thread currently waiting on q.
func WakeupAll(q *Queue, wakeupStatus *kernel.Error) {
	Wakeup(q, len(q.waiters), wakeupStatus)
}
