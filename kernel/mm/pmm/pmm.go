// Package pmm implements the kernel's physical frame allocator. Every frame
// of physical RAM is tracked by a descriptor carrying a reference count: a
// frame becomes available for reuse only when its count drops to zero. This
// lets the same frame back more than one kernel virtual range (the self-map
// window, a shared slab, ...) without the allocator losing track of who is
// still using it.
package pmm

import (
	"kernelcore/kernel"
	"kernelcore/kernel/errors"
	"kernelcore/kernel/ksync"
	"kernelcore/kernel/mm"
)

// descriptor tracks the allocation state of a single physical frame. The
// free and used lists are intrusive: the prev/next pointers live inside the
// descriptor itself so that no separate allocation is needed to manage them.
type descriptor struct {
	frame    mm.Frame
	refCount uint32

	// rangeOwner is set by SetRangeOwner when this frame backs a range
	// managed by the kernel virtual-range allocator. It lets callers
	// recover "which range owns this physical frame" without the pmm
	// package needing to import the vmrange package.
	rangeOwner interface{}

	prev, next *descriptor
}

// list is a doubly-linked list of descriptors with an explicit count, mirrored
// on the free list and the used list.
type list struct {
	head, tail *descriptor
	count      uint32
}

func (l *list) pushFront(d *descriptor) {
	d.prev = nil
	d.next = l.head
	if l.head != nil {
		l.head.prev = d
	}
	l.head = d
	if l.tail == nil {
		l.tail = d
	}
	l.count++
}

func (l *list) remove(d *descriptor) {
	if d.prev != nil {
		d.prev.next = d.next
	} else {
		l.head = d.next
	}
	if d.next != nil {
		d.next.prev = d.prev
	} else {
		l.tail = d.prev
	}
	d.prev, d.next = nil, nil
	l.count--
}

func (l *list) popFront() *descriptor {
	d := l.head
	if d == nil {
		return nil
	}
	l.remove(d)
	return d
}

var (
	descriptors []descriptor

	freeList list
	usedList list

	totalFrames uint32
)

// descriptorAt returns the descriptor tracking the given frame, or nil if the
// frame lies outside the range handed to Init.
func descriptorAt(frame mm.Frame) *descriptor {
	if uint32(frame) >= totalFrames {
		return nil
	}
	return &descriptors[frame]
}

// Init prepares the frame allocator for a system with the given amount of
// physical RAM. Every frame inside [kernelCoreBase, kernelCoreTop) is
// classified as already in use (it backs the loaded kernel image); every
// other frame above the 1MiB reserved region starts out free.
func Init(ramSize uint64, kernelCoreBase, kernelCoreTop uintptr) *kernel.Error {
	guard := ksync.Enter()
	defer guard.Exit()

	totalFrames = uint32(ramSize / uint64(mm.PageSize))
	descriptors = make([]descriptor, totalFrames)

	freeList = list{}
	usedList = list{}

	const reservedLowMem = 0x100000 // BIOS/real-mode area, never handed out

	for i := uint32(0); i < totalFrames; i++ {
		d := &descriptors[i]
		d.frame = mm.Frame(i)

		addr := d.frame.Address()
		switch {
		case addr < reservedLowMem:
			d.refCount = 1
			usedList.pushFront(d)
		case addr >= kernelCoreBase && addr < kernelCoreTop:
			d.refCount = 1
			usedList.pushFront(d)
		default:
			d.refCount = 0
			freeList.pushFront(d)
		}
	}

	mm.SetFrameAllocator(AllocFrame)
	mm.SetFrameRefCountFns(
		func(f mm.Frame) (bool, *kernel.Error) { return ReferenceFrame(f.Address()) },
		func(f mm.Frame) (bool, *kernel.Error) { return ReleaseFrame(f.Address()) },
	)
	mm.SetRangeOwnerFns(
		func(f mm.Frame, owner interface{}) { SetRangeOwner(f.Address(), owner) },
		func(f mm.Frame) interface{} { return RangeOwner(f.Address()) },
	)

	return nil
}

// AllocFrame reserves a fresh physical frame with a reference count of one.
// It returns mm.InvalidFrame wrapped in an OutOfMemory error if no frame is
// available; there is no swapper in this kernel so callers cannot block
// their way out of that situation.
func AllocFrame() (mm.Frame, *kernel.Error) {
	guard := ksync.Enter()
	defer guard.Exit()

	d := freeList.popFront()
	if d == nil {
		return mm.InvalidFrame, &kernel.Error{Module: "pmm", Message: "no free frames available", Tag: errors.OutOfMemory}
	}

	d.refCount = 1
	d.rangeOwner = nil
	usedList.pushFront(d)
	return d.frame, nil
}

// ReferenceFrame increments the reference count of the frame backing paddr.
// It returns true if this call gave the frame its first reference (i.e. the
// frame moved from the free list to the used list), false if the frame was
// already referenced by someone else.
func ReferenceFrame(paddr uintptr) (wasFree bool, err *kernel.Error) {
	guard := ksync.Enter()
	defer guard.Exit()

	d := descriptorAt(mm.FrameFromAddress(paddr))
	if d == nil {
		return false, &kernel.Error{Module: "pmm", Message: "address outside of tracked physical memory", Tag: errors.Invalid}
	}

	wasFree = d.refCount == 0
	if wasFree {
		freeList.remove(d)
		usedList.pushFront(d)
	}
	d.refCount++
	return wasFree, nil
}

// ReleaseFrame decrements the reference count of the frame backing paddr. It
// returns true if the count reached zero, meaning the frame moved back to
// the free list and is available for reuse.
func ReleaseFrame(paddr uintptr) (nowFree bool, err *kernel.Error) {
	guard := ksync.Enter()
	defer guard.Exit()

	d := descriptorAt(mm.FrameFromAddress(paddr))
	if d == nil {
		return false, &kernel.Error{Module: "pmm", Message: "address outside of tracked physical memory", Tag: errors.Invalid}
	}
	if d.refCount == 0 {
		return false, &kernel.Error{Module: "pmm", Message: "releasing a frame with no outstanding references", Tag: errors.Invalid}
	}

	d.refCount--
	if d.refCount == 0 {
		usedList.remove(d)
		d.rangeOwner = nil
		freeList.pushFront(d)
		return true, nil
	}
	return false, nil
}

// SetRangeOwner records which kernel virtual range owns the frame backing
// paddr. The vmrange allocator uses this to answer "does this faulting
// address belong to a range we manage" without scanning every range.
func SetRangeOwner(paddr uintptr, owner interface{}) {
	guard := ksync.Enter()
	defer guard.Exit()

	if d := descriptorAt(mm.FrameFromAddress(paddr)); d != nil {
		d.rangeOwner = owner
	}
}

// RangeOwner returns the value previously recorded by SetRangeOwner for the
// frame backing paddr, or nil if none was set.
func RangeOwner(paddr uintptr) interface{} {
	guard := ksync.Enter()
	defer guard.Exit()

	if d := descriptorAt(mm.FrameFromAddress(paddr)); d != nil {
		return d.rangeOwner
	}
	return nil
}

// Stats describes frame allocator occupancy, exposed for diagnostics.
type Stats struct {
	TotalFrames uint32
	UsedFrames  uint32
	FreeFrames  uint32
}

// GetStats returns a snapshot of the allocator's current occupancy.
func GetStats() Stats {
	guard := ksync.Enter()
	defer guard.Exit()

	return Stats{
		TotalFrames: totalFrames,
		UsedFrames:  usedList.count,
		FreeFrames:  freeList.count,
	}
}
