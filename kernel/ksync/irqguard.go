// Package ksync provides the kernel's mutual-exclusion primitive plus the
// blocking Semaphore and Mutex built on top of it. On a single processor,
// disabling interrupts for the duration of a critical section is sufficient
// to make it atomic with respect to the timer tick and every other interrupt
// source: nothing else can run until interrupts are re-enabled. Every
// subsystem that mutates shared structures (frame lists, VRange lists, the
// ready queue, wait-queue internals, the timeout list) scopes its mutation
// with an IRQGuard.
package ksync

import "kernelcore/kernel/cpu"

var (
	realSaveFlags    = cpu.SaveFlagsAndClear
	realRestoreFlags = cpu.RestoreFlags

	// saveFlagsFn and restoreFlagsFn are swapped out by tests; in normal
	// operation they are the real cpu primitives.
	saveFlagsFn    = realSaveFlags
	restoreFlagsFn = realRestoreFlags
)

// currentThreadFn identifies the calling thread for Mutex ownership,
// without this package importing kernel/thread (which itself imports this
// package for IRQGuard). kernel/thread wires the real implementation into
// this hook from its own init.
var currentThreadFn = func() interface{} {
	panic("ksync.SetCurrentThreadFn was never called")
}

// SetCurrentThreadFn wires the function used to identify the calling thread
// for Mutex ownership tracking. It is called once by kernel/thread's init.
func SetCurrentThreadFn(fn func() interface{}) {
	currentThreadFn = fn
}

// IRQGuard captures the interrupt-enable state at the point it was obtained
// from Enter. Calling Exit restores that state, re-enabling interrupts only
// if they were enabled before Enter was called. Guards nest correctly: each
// one carries its own captured flags rather than sharing a global stack, so
// an inner Enter/Exit pair never disturbs an outer one.
type IRQGuard struct {
	flags uintptr
}

// Enter disables interrupts and returns a guard that will restore the prior
// state when Exit is called.
func Enter() IRQGuard {
	return IRQGuard{flags: saveFlagsFn()}
}

// Exit restores the interrupt-enable state captured by Enter.
func (g IRQGuard) Exit() {
	restoreFlagsFn(g.flags)
}
