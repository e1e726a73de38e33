package ksync

import (
	"kernelcore/kernel"
	"kernelcore/kernel/ktime"
	"testing"
)

// fakeQueue stands in for a *waitqueue.Queue in tests, so this package's
// tests don't need kernel/waitqueue (which would reintroduce the very
// import cycle SetWaitqueueHooks exists to avoid).
type fakeQueue struct {
	name string
}

func init() {
	waitqueueNewFn = func(name string) interface{} { return &fakeQueue{name: name} }
}

func resetWaitqueueHooks(t *testing.T) {
	t.Helper()
	origNew := waitqueueNewFn
	origWait := waitqueueWaitFn
	origWakeup := waitqueueWakeupFn
	origIsEmpty := waitqueueIsEmptyFn
	t.Cleanup(func() {
		waitqueueNewFn = origNew
		waitqueueWaitFn = origWait
		waitqueueWakeupFn = origWakeup
		waitqueueIsEmptyFn = origIsEmpty
	})
}

func TestSemaphoreTryDownRespectsValue(t *testing.T) {
	s := NewSemaphore("test", 1)

	if err := s.TryDown(); err != nil {
		t.Fatal(err)
	}
	if err := s.TryDown(); err != ErrBusy {
		t.Fatalf("expected ErrBusy on an exhausted semaphore; got %v", err)
	}
}

func TestSemaphoreDownBlocksWhenExhausted(t *testing.T) {
	resetWaitqueueHooks(t)

	var waited bool
	waitqueueWaitFn = func(q interface{}, timeout *ktime.SystemTime) *kernel.Error {
		waited = true
		return nil
	}

	s := NewSemaphore("test", 0)
	if err := s.Down(nil); err != nil {
		t.Fatal(err)
	}
	if !waited {
		t.Fatal("expected Down to block via the wait queue when the count is exhausted")
	}
}

func TestSemaphoreDownRestoresValueOnInterrupt(t *testing.T) {
	resetWaitqueueHooks(t)

	waitqueueWaitFn = func(q interface{}, timeout *ktime.SystemTime) *kernel.Error {
		return ErrBusy
	}

	s := NewSemaphore("test", 0)
	if err := s.Down(nil); err != ErrBusy {
		t.Fatalf("expected the wait queue's error to propagate; got %v", err)
	}
	if s.value != 0 {
		t.Fatalf("expected the decrement to be undone on interrupt; value=%d", s.value)
	}
}

func TestSemaphoreUpWakesOneWaiter(t *testing.T) {
	resetWaitqueueHooks(t)

	var wokenCount int
	waitqueueWakeupFn = func(q interface{}, count int, status *kernel.Error) {
		wokenCount = count
	}

	s := NewSemaphore("test", 0)
	s.Up()

	if wokenCount != 1 {
		t.Fatalf("expected Up to wake exactly 1 waiter; got %d", wokenCount)
	}
	if s.value != 1 {
		t.Fatalf("expected value to be incremented; got %d", s.value)
	}
}
