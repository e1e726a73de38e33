package ksync

import (
	"kernelcore/kernel"
	"kernelcore/kernel/errors"
	"kernelcore/kernel/ktime"
)

// ErrPermissionDenied is returned by Unlock when the calling thread does
// not own the mutex.
var ErrPermissionDenied = &kernel.Error{Module: "ksync", Message: "mutex is not owned by the calling thread", Tag: errors.PermissionDenied}

// Mutex is a sleeping mutual-exclusion lock with ownership transfer on
// unlock: Unlock does not reacquire the lock on behalf of the thread it
// wakes, it just leaves the mutex marked owned so no third thread can steal
// it out from under the waiter being woken.
type Mutex struct {
	Name  string
	owner interface{}
	waitq interface{}
}

// NewMutex creates an unlocked mutex named name.
func NewMutex(name string) *Mutex {
	return &Mutex{Name: name, waitq: waitqueueNewFn(name)}
}

// Lock blocks until the mutex is available, then takes it. Calling Lock
// again from the thread that already owns it returns ErrBusy rather than
// deadlocking.
func (m *Mutex) Lock(timeout *ktime.SystemTime) *kernel.Error {
	guard := Enter()
	defer guard.Exit()

	me := currentThreadFn()

	if m.owner != nil {
		if m.owner == me {
			return ErrBusy
		}

		if err := waitqueueWaitFn(m.waitq, timeout); err != nil {
			return err
		}
	}

	m.owner = me
	return nil
}

// TryLock takes the mutex only if it is currently unowned.
func (m *Mutex) TryLock() *kernel.Error {
	guard := Enter()
	defer guard.Exit()

	if m.owner != nil {
		return ErrBusy
	}
	m.owner = currentThreadFn()
	return nil
}

// Unlock releases the mutex. If a thread is waiting, ownership transfers
// directly to it (the mutex is left non-nil, just not attributed to any
// particular thread until the waiter actually runs) so no other thread can
// acquire it out from under the one being woken.
func (m *Mutex) Unlock() *kernel.Error {
	guard := Enter()
	defer guard.Exit()

	if currentThreadFn() != m.owner {
		return ErrPermissionDenied
	}

	if waitqueueIsEmptyFn(m.waitq) {
		m.owner = nil
		return nil
	}

	waitqueueWakeupFn(m.waitq, 1, nil)
	return nil
}
