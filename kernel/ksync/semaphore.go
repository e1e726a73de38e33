package ksync

import (
	"kernelcore/kernel"
	"kernelcore/kernel/errors"
	"kernelcore/kernel/ktime"
)

// ErrBusy is returned by TryDown when the semaphore's value is not positive.
var ErrBusy = &kernel.Error{Module: "ksync", Message: "semaphore unavailable without blocking", Tag: errors.Busy}

// waitqueueNewFn, waitqueueWaitFn, waitqueueWakeupFn and waitqueueIsEmptyFn
// let Semaphore and Mutex block on a kernel/waitqueue.Queue without this
// package importing kernel/waitqueue directly: waitqueue already imports
// kernel/thread to suspend and resume threads, and kernel/thread imports
// this package for IRQGuard, so importing waitqueue from here would close
// an import cycle. kernel/waitqueue wires the real implementations into
// these hooks from its own init, the same way kernel/sched wires itself
// into kernel/thread's hooks.
var (
	waitqueueNewFn = func(name string) interface{} {
		panic("ksync.SetWaitqueueHooks was never called")
	}
	waitqueueWaitFn = func(q interface{}, timeout *ktime.SystemTime) *kernel.Error {
		panic("ksync.SetWaitqueueHooks was never called")
	}
	waitqueueWakeupFn = func(q interface{}, count int, status *kernel.Error) {
		panic("ksync.SetWaitqueueHooks was never called")
	}
	waitqueueIsEmptyFn = func(q interface{}) bool {
		panic("ksync.SetWaitqueueHooks was never called")
	}
)

// SetWaitqueueHooks wires kernel/waitqueue's queue constructor and
// Wait/Wakeup/IsEmpty operations into Semaphore and Mutex. It is called
// once by kernel/waitqueue's init.
func SetWaitqueueHooks(
	newQueue func(name string) interface{},
	wait func(q interface{}, timeout *ktime.SystemTime) *kernel.Error,
	wakeup func(q interface{}, count int, status *kernel.Error),
	isEmpty func(q interface{}) bool,
) {
	waitqueueNewFn = newQueue
	waitqueueWaitFn = wait
	waitqueueWakeupFn = wakeup
	waitqueueIsEmptyFn = isEmpty
}

// Semaphore is a classic counting semaphore: Down blocks while the count is
// non-positive, Up increments it and wakes one waiter.
type Semaphore struct {
	Name  string
	value int
	waitq interface{}
}

// NewSemaphore creates a semaphore named name with the given initial value.
func NewSemaphore(name string, initial int) *Semaphore {
	return &Semaphore{Name: name, value: initial, waitq: waitqueueNewFn(name)}
}

// Down decrements the semaphore, blocking until it is positive if
// necessary. If timeout is non-nil, Down gives up and restores the count
// once it elapses, returning thread.ErrInterrupted (via the wait queue).
func (s *Semaphore) Down(timeout *ktime.SystemTime) *kernel.Error {
	guard := Enter()
	defer guard.Exit()

	s.value--
	if s.value < 0 {
		if err := waitqueueWaitFn(s.waitq, timeout); err != nil {
			s.value++
			return err
		}
	}
	return nil
}

// TryDown decrements the semaphore only if it would not need to block.
func (s *Semaphore) TryDown() *kernel.Error {
	guard := Enter()
	defer guard.Exit()

	if s.value < 1 {
		return ErrBusy
	}
	s.value--
	return nil
}

// Up increments the semaphore and wakes one waiter, if any.
func (s *Semaphore) Up() {
	guard := Enter()
	defer guard.Exit()

	s.value++
	waitqueueWakeupFn(s.waitq, 1, nil)
}
