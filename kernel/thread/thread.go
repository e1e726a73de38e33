// Package thread implements kernel threads: creation, voluntary yielding,
// timed and untimed sleeping, forced unblocking and termination. Only a
// single thread ever runs on the CPU at a time; the actual choice of which
// thread runs next is delegated to kernel/sched through the hook variables
// at the bottom of this file, which breaks what would otherwise be an
// import cycle (sched needs the Thread type, thread needs to ask sched who
// runs next).
package thread

import (
	"unsafe"

	"kernelcore/kernel"
	"kernelcore/kernel/errors"
	"kernelcore/kernel/kfmt"
	"kernelcore/kernel/ksync"
	"kernelcore/kernel/ktime"
	"kernelcore/kernel/mm"
	"kernelcore/kernel/mm/kmalloc"
)

const (
	kernelStackSize = mm.PageSize
	maxNameLen      = 32
	stackPoison     = 0xdeadc0de
)

// State is the lifecycle state of a thread.
type State uint8

const (
	// Created is the state a thread is in between allocation and its
	// first appearance on the ready queue.
	Created State = iota
	// Ready means the thread is runnable but not currently on the CPU.
	Ready
	// Running means the thread is the one executing on the CPU.
	Running
	// Blocked means the thread is waiting on a wait queue or a sleep
	// timeout and is not eligible to run.
	Blocked
	// Zombie means the thread has exited and is waiting to be reaped by
	// whichever thread runs next.
	Zombie
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Blocked:
		return "blocked"
	case Zombie:
		return "zombie"
	default:
		return "unknown"
	}
}

// Thread is a schedulable unit of execution inside the kernel.
type Thread struct {
	Name  string
	State State

	KernelStackBase uintptr
	KernelStackSize uintptr

	cpuState *context

	// WaitQueueEntry is opaque storage used by kernel/waitqueue to link
	// this thread into whichever queue it is blocked on; nil when the
	// thread is not blocked on a wait queue.
	WaitQueueEntry interface{}

	gblPrev, gblNext *Thread
}

var (
	current  *Thread
	threads  *Thread // circular doubly linked list, any member
	initOnce bool
)

func init() {
	ksync.SetCurrentThreadFn(func() interface{} { return GetCurrent() })
}

var (
	// ErrNoStartFunc is returned by Create when passed a nil entry point.
	ErrNoStartFunc = &kernel.Error{Module: "thread", Message: "a thread requires a non-nil start function", Tag: errors.Invalid}

	// errExitWithWaitEntry indicates a thread tried to become Zombie while
	// still linked into a wait queue. A Running thread is never also
	// queued on a wait queue, so reaching this is a fatal invariant
	// violation rather than something Exit can recover from.
	errExitWithWaitEntry = &kernel.Error{Module: "thread", Message: "thread exiting while still holding a wait-queue entry", Tag: errors.Fatal}
)

// Init installs the current thread of execution as the first kernel thread,
// named name, running on the stack described by stackBase/stackSize. It must
// be called exactly once, early in boot, before Create or any scheduling
// primitive is used.
func Init(name string, stackBase, stackSize uintptr) {
	if initOnce {
		panic("thread.Init called twice")
	}
	initOnce = true

	self := &Thread{
		Name:            truncName(name),
		State:           Ready,
		KernelStackBase: stackBase,
		KernelStackSize: stackSize,
	}
	poisonStack(self)
	listInsert(self)
	current = self
	self.State = Running
}

func truncName(name string) string {
	if len(name) > maxNameLen {
		return name[:maxNameLen]
	}
	return name
}

// StartRoutine is the entry point of a new kernel thread.
type StartRoutine func(arg interface{})

// Create allocates a new thread named name, running startFn(arg) on its own
// kernel stack, and marks it ready to run.
func Create(name string, startFn StartRoutine, arg interface{}) (*Thread, *kernel.Error) {
	if startFn == nil {
		return nil, ErrNoStartFunc
	}

	stackBase, err := kmalloc.Alloc(kernelStackSize)
	if err != nil {
		return nil, err
	}

	thr := &Thread{
		Name:            truncName(name),
		State:           Created,
		KernelStackBase: stackBase,
		KernelStackSize: kernelStackSize,
	}
	poisonStack(thr)

	thr.cpuState = initContextFn(stackBase, kernelStackSize, func() { startFn(arg) }, Exit)

	guard := ksync.Enter()
	listInsert(thr)
	guard.Exit()

	if err := setReadyFn(thr); err != nil {
		guard := ksync.Enter()
		listRemove(thr)
		guard.Exit()
		kmalloc.Free(stackBase)
		return nil, err
	}

	return thr, nil
}

// poisonStackFn writes a recognizable pattern at the bottom (low address
// end) of a thread's kernel stack, so a stack overflow can later be detected
// by checking whether the pattern was overwritten. It is a variable, like
// kernel/mm/vmm's ptePtrFn, so tests can run against a host-backed buffer
// instead of a raw kernel virtual address.
var poisonStackFn = func(thr *Thread) {
	p := (*uint32)(unsafe.Pointer(thr.KernelStackBase))
	*p = stackPoison
}

func poisonStack(thr *Thread) { poisonStackFn(thr) }

// checkStackOverflowFn reports whether thr's stack guard word was
// overwritten, indicating the thread ran past the bottom of its kernel
// stack.
var checkStackOverflowFn = func(thr *Thread) bool {
	p := (*uint32)(unsafe.Pointer(thr.KernelStackBase))
	return *p != stackPoison
}

// CheckStackOverflow reports whether thr's stack guard word was overwritten,
// indicating the thread ran past the bottom of its kernel stack.
func CheckStackOverflow(thr *Thread) bool { return checkStackOverflowFn(thr) }

func listInsert(thr *Thread) {
	if threads == nil {
		thr.gblPrev, thr.gblNext = thr, thr
		threads = thr
		return
	}
	last := threads.gblPrev
	last.gblNext = thr
	thr.gblPrev = last
	thr.gblNext = threads
	threads.gblPrev = thr
}

func listRemove(thr *Thread) {
	if thr.gblNext == thr {
		threads = nil
		return
	}
	thr.gblPrev.gblNext = thr.gblNext
	thr.gblNext.gblPrev = thr.gblPrev
	if threads == thr {
		threads = thr.gblNext
	}
}

// GetCurrent returns the thread currently running on the CPU.
func GetCurrent() *Thread {
	guard := ksync.Enter()
	defer guard.Exit()
	return current
}

// GetState returns thr's lifecycle state, or the current thread's state if
// thr is nil.
func GetState(thr *Thread) State {
	guard := ksync.Enter()
	defer guard.Exit()
	if thr == nil {
		thr = current
	}
	return thr.State
}

func setCurrent(thr *Thread) {
	thr.State = Running
	current = thr
}

// switchTo performs the bookkeeping common to every voluntary or
// involuntary suspension of the current thread: ask the scheduler who runs
// next and perform a context switch into it, unless it turns out to be the
// same thread.
func switchTo(block bool) {
	me := current
	if block {
		me.State = Blocked
	}

	next := rescheduleFn(me, !block)

	if next == me {
		setCurrent(next)
		return
	}

	setCurrent(next)
	switchContextFn(&me.cpuState, next.cpuState)
}

// Yield voluntarily gives up the CPU, allowing the scheduler to pick
// another ready thread. The calling thread remains ready.
func Yield() {
	guard := ksync.Enter()
	switchTo(false)
	guard.Exit()
}

// Sleep blocks the calling thread. If timeout is non-nil and non-zero, the
// thread is forcibly unblocked once it elapses; on return, *timeout is
// updated to the amount of time left (zero if the timeout fired). Returns
// ErrInterrupted if the thread was unblocked by something other than its
// own timeout.
var ErrInterrupted = &kernel.Error{Module: "thread", Message: "sleep was interrupted before its timeout elapsed", Tag: errors.Interrupted}

func Sleep(timeout *ktime.SystemTime) *kernel.Error {
	if timeout == nil {
		guard := ksync.Enter()
		switchTo(true)
		guard.Exit()
		return nil
	}

	type params struct {
		thr   *Thread
		fired bool
	}
	p := &params{thr: GetCurrent()}
	act := &ktime.Action{}

	guard := ksync.Enter()
	ktime.RegisterRelative(act, *timeout, func(a *ktime.Action) {
		p.fired = true
		ForceUnblock(p.thr)
	}, nil)

	switchTo(true)

	var err *kernel.Error
	if p.fired {
		err = nil
	} else {
		ktime.UnregisterAction(act)
		err = ErrInterrupted
	}
	guard.Exit()

	*timeout = act.Remaining()
	return err
}

// ForceUnblock marks a blocked thread ready regardless of what it is
// waiting on. It is used both by sleep timeouts and by wait queues waking a
// specific waiter.
func ForceUnblock(thr *Thread) *kernel.Error {
	guard := ksync.Enter()
	defer guard.Exit()

	if thr.State != Blocked {
		return nil
	}
	return setReadyFn(thr)
}

// Exit terminates the calling thread. It never returns.
func Exit() {
	me := GetCurrent()
	if me.WaitQueueEntry != nil {
		kfmt.Panic(errExitWithWaitEntry)
	}

	guard := ksync.Enter()
	me.State = Zombie
	next := rescheduleFn(me, false)
	setCurrent(next)
	guard.Exit()

	exitToFn(next.cpuState, func() { exitCleanup(me) })
}

func exitCleanup(thr *Thread) {
	guard := ksync.Enter()
	listRemove(thr)
	guard.Exit()

	kmalloc.Free(thr.KernelStackBase)
}

// SetHooks wires the scheduler's implementations of reschedule and
// set-ready into thread. It is called once by kernel/sched's init.
func SetHooks(reschedule func(current *Thread, yield bool) *Thread, setReady func(*Thread) *kernel.Error) {
	rescheduleFn = reschedule
	setReadyFn = setReady
}

var (
	rescheduleFn = func(*Thread, bool) *Thread {
		panic("thread.SetHooks was never called")
	}
	setReadyFn = func(*Thread) *kernel.Error {
		panic("thread.SetHooks was never called")
	}
)

// Dump writes a one-line summary of thr to the kernel console, in the
// teacher's kfmt-based reporting style.
func Dump(thr *Thread) {
	kfmt.Printf("thread %s: state=%s stack=[0x%x, 0x%x)\n", thr.Name, thr.State.String(), thr.KernelStackBase, thr.KernelStackBase+thr.KernelStackSize)
}

// Frame is one level of a walked call stack.
type Frame struct {
	PC uintptr
}

// Backtrace walks thr's saved call stack by following saved base-pointer
// chains, stopping at maxDepth frames or as soon as a frame address falls
// outside thr's kernel stack. It only produces useful output for a thread
// that is not currently running (its ebp/eip are only valid in its saved
// context once it has been switched away from).
func Backtrace(thr *Thread, maxDepth int) []Frame {
	pc := getPCFn(thr.cpuState)
	frame := getSPFn(thr.cpuState)

	bottom := thr.KernelStackBase
	top := thr.KernelStackBase + thr.KernelStackSize

	frames := make([]Frame, 0, maxDepth)
	for depth := 0; depth < maxDepth; depth++ {
		frames = append(frames, Frame{PC: pc})

		if frame < bottom || frame+4 >= top {
			break
		}

		pc = *(*uintptr)(unsafe.Pointer(frame + 4))
		frame = *(*uintptr)(unsafe.Pointer(frame))
	}
	return frames
}
