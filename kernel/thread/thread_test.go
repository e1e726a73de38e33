package thread

import (
	"kernelcore/kernel"
	"kernelcore/kernel/ktime"
	"kernelcore/kernel/mm/vmrange"
	"testing"
)

func resetGlobals() {
	initOnce = false
	current = nil
	threads = nil
	initContextFn = initContext
	switchContextFn = switchContext
	exitToFn = exitTo
	getPCFn = GetPC
	getSPFn = GetSP
	poisonStackFn = func(*Thread) {}
	checkStackOverflowFn = func(*Thread) bool { return false }
}

func fakeHooks(readyLog *[]*Thread) (func(*Thread, bool) *Thread, func(*Thread) *kernel.Error) {
	reschedule := func(cur *Thread, yield bool) *Thread {
		return cur
	}
	setReady := func(thr *Thread) *kernel.Error {
		thr.State = Ready
		if readyLog != nil {
			*readyLog = append(*readyLog, thr)
		}
		return nil
	}
	return reschedule, setReady
}

func TestInitInstallsCurrentThread(t *testing.T) {
	resetGlobals()
	reschedule, setReady := fakeHooks(nil)
	SetHooks(reschedule, setReady)

	Init("[kinit]", 0x1000, 0x1000)

	if got := GetCurrent(); got == nil || got.Name != "[kinit]" {
		t.Fatalf("expected current thread to be [kinit]; got %+v", got)
	}
	if GetState(nil) != Running {
		t.Fatalf("expected the installed thread to be Running")
	}
}

func TestCreateAllocatesStackAndMarksReady(t *testing.T) {
	resetGlobals()
	vmrange.Init(0x70000000, 16)

	var ready []*Thread
	reschedule, setReady := fakeHooks(&ready)
	SetHooks(reschedule, setReady)
	Init("[kinit]", 0x1000, 0x1000)

	initContextFn = func(stackBase, stackSize uintptr, entry func(), onReturn func()) *context {
		return &context{}
	}

	called := false
	thr, err := Create("worker", func(arg interface{}) { called = true }, nil)
	if err != nil {
		t.Fatal(err)
	}
	if thr.KernelStackBase == 0 {
		t.Fatal("expected a non-zero stack base")
	}
	if len(ready) != 1 || ready[0] != thr {
		t.Fatalf("expected Create to mark the new thread ready exactly once")
	}
	_ = called
}

func TestCreateRejectsNilStartFunc(t *testing.T) {
	resetGlobals()
	vmrange.Init(0x71000000, 16)
	reschedule, setReady := fakeHooks(nil)
	SetHooks(reschedule, setReady)
	Init("[kinit]", 0x1000, 0x1000)

	if _, err := Create("worker", nil, nil); err != ErrNoStartFunc {
		t.Fatalf("expected ErrNoStartFunc; got %v", err)
	}
}

func TestYieldIsNoOpWhenRescheduleReturnsSameThread(t *testing.T) {
	resetGlobals()
	reschedule, setReady := fakeHooks(nil)
	SetHooks(reschedule, setReady)
	Init("[kinit]", 0x1000, 0x1000)

	switchCalled := false
	switchContextFn = func(save **context, to *context) {
		switchCalled = true
	}

	Yield()

	if switchCalled {
		t.Fatal("expected no context switch when rescheduling picks the same thread")
	}
	if GetState(nil) != Running {
		t.Fatal("expected the thread to remain Running")
	}
}

func TestSleepWithTimeoutFiring(t *testing.T) {
	resetGlobals()
	other := &Thread{Name: "other", State: Ready}

	reschedule := func(cur *Thread, yield bool) *Thread {
		if cur.State == Blocked {
			return other
		}
		return cur
	}
	setReady := func(thr *Thread) *kernel.Error {
		thr.State = Ready
		return nil
	}
	SetHooks(reschedule, setReady)
	Init("[kinit]", 0x1000, 0x1000)

	ktime.Init(ktime.SystemTime{Nanosec: 100000000})

	// Simulate time elapsing (and the registered timeout firing) while
	// blocked, then immediately "switching back" since there is only one
	// real goroutine driving this test.
	switchContextFn = func(save **context, to *context) {
		ktime.DoTick()
	}

	timeout := ktime.SystemTime{Nanosec: 100000000}
	if err := Sleep(&timeout); err != nil {
		t.Fatalf("expected Sleep to return nil once the timeout fires; got %v", err)
	}
	if GetState(nil) != Running {
		t.Fatal("expected the thread to be Running again after waking up")
	}
}

func TestSleepInterruptedByForeignWakeup(t *testing.T) {
	resetGlobals()
	other := &Thread{Name: "other", State: Ready}

	reschedule := func(cur *Thread, yield bool) *Thread {
		if cur.State == Blocked {
			return other
		}
		return cur
	}
	setReady := func(thr *Thread) *kernel.Error {
		thr.State = Ready
		return nil
	}
	SetHooks(reschedule, setReady)
	Init("[kinit]", 0x1000, 0x1000)

	ktime.Init(ktime.SystemTime{Nanosec: 100000000})

	// No tick happens: the action never fires, simulating an unrelated
	// wakeup unblocking the thread first.
	switchContextFn = func(save **context, to *context) {}

	timeout := ktime.SystemTime{Nanosec: 500000000}
	if err := Sleep(&timeout); err != ErrInterrupted {
		t.Fatalf("expected ErrInterrupted; got %v", err)
	}
	if timeout.Sec != 0 || timeout.Nanosec != 500000000 {
		t.Fatalf("expected the unused 500ms to survive as a residual timeout; got %+v", timeout)
	}
}

func TestForceUnblockIsNoOpUnlessBlocked(t *testing.T) {
	resetGlobals()
	reschedule, setReady := fakeHooks(nil)
	SetHooks(reschedule, setReady)
	Init("[kinit]", 0x1000, 0x1000)

	thr := &Thread{State: Ready}
	if err := ForceUnblock(thr); err != nil {
		t.Fatal(err)
	}
	if thr.State != Ready {
		t.Fatal("expected ForceUnblock to leave a non-blocked thread untouched")
	}
}
