package ksync

import (
	"kernelcore/kernel"
	"kernelcore/kernel/ktime"
	"testing"
)

func withCurrentThread(t *testing.T, id interface{}) {
	t.Helper()
	orig := currentThreadFn
	currentThreadFn = func() interface{} { return id }
	t.Cleanup(func() { currentThreadFn = orig })
}

func TestMutexTryLockThenLockIsBusy(t *testing.T) {
	withCurrentThread(t, "thread-a")

	m := NewMutex("test")
	if err := m.TryLock(); err != nil {
		t.Fatal(err)
	}
	if err := m.TryLock(); err != ErrBusy {
		t.Fatalf("expected ErrBusy on an already-locked mutex; got %v", err)
	}
}

func TestMutexLockByOwnerReturnsBusyNotDeadlock(t *testing.T) {
	withCurrentThread(t, "thread-a")
	resetWaitqueueHooks(t)

	waited := false
	waitqueueWaitFn = func(q interface{}, timeout *ktime.SystemTime) *kernel.Error {
		waited = true
		return nil
	}

	m := NewMutex("test")
	if err := m.Lock(nil); err != nil {
		t.Fatal(err)
	}
	if err := m.Lock(nil); err != ErrBusy {
		t.Fatalf("expected re-locking the same owner to return ErrBusy; got %v", err)
	}
	if waited {
		t.Fatal("expected the owner's re-lock not to go through the wait queue")
	}
}

func TestMutexLockBlocksForAnotherOwner(t *testing.T) {
	resetWaitqueueHooks(t)

	waited := false
	waitqueueWaitFn = func(q interface{}, timeout *ktime.SystemTime) *kernel.Error {
		waited = true
		return nil
	}

	withCurrentThread(t, "thread-a")
	m := NewMutex("test")
	if err := m.Lock(nil); err != nil {
		t.Fatal(err)
	}

	withCurrentThread(t, "thread-b")
	if err := m.Lock(nil); err != nil {
		t.Fatal(err)
	}
	if !waited {
		t.Fatal("expected a different thread's Lock to wait")
	}
}

func TestMutexUnlockRejectsNonOwner(t *testing.T) {
	withCurrentThread(t, "thread-a")
	m := NewMutex("test")
	if err := m.TryLock(); err != nil {
		t.Fatal(err)
	}

	withCurrentThread(t, "thread-b")
	if err := m.Unlock(); err != ErrPermissionDenied {
		t.Fatalf("expected ErrPermissionDenied; got %v", err)
	}
}

func TestMutexUnlockFreesWhenNoWaiters(t *testing.T) {
	withCurrentThread(t, "thread-a")
	m := NewMutex("test")
	if err := m.TryLock(); err != nil {
		t.Fatal(err)
	}
	if err := m.Unlock(); err != nil {
		t.Fatal(err)
	}
	if m.owner != nil {
		t.Fatal("expected the mutex to be marked free")
	}
}

func TestMutexUnlockWakesWaiterInsteadOfFreeing(t *testing.T) {
	resetWaitqueueHooks(t)

	woken := false
	waitqueueWakeupFn = func(q interface{}, count int, status *kernel.Error) {
		woken = true
	}
	waitqueueIsEmptyFn = func(q interface{}) bool { return false }

	withCurrentThread(t, "thread-a")
	m := NewMutex("test")
	if err := m.TryLock(); err != nil {
		t.Fatal(err)
	}

	if err := m.Unlock(); err != nil {
		t.Fatal(err)
	}
	if !woken {
		t.Fatal("expected Unlock to wake a waiter instead of freeing the mutex")
	}
	if m.owner == nil {
		t.Fatal("expected ownership to remain non-nil until the waiter actually runs")
	}
}
