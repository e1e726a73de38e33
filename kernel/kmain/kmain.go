// Package kmain wires together every kernel subsystem into the boot
// sequence that runs once the rt0 assembly stub hands control to Go.
package kmain

import (
	"kernelcore/kernel"
	"kernelcore/kernel/goruntime"
	"kernelcore/kernel/kfmt"
	"kernelcore/kernel/ktime"
	"kernelcore/kernel/mm/kmalloc"
	"kernelcore/kernel/mm/pmm"
	"kernelcore/kernel/mm/vmm"
	"kernelcore/kernel/mm/vmrange"
	"kernelcore/kernel/thread"
	"kernelcore/multiboot"

	// sched registers itself with kernel/thread from its own init; it is
	// imported here for its side effect even though nothing in this
	// package calls it directly.
	_ "kernelcore/kernel/sched"
)

var (
	errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}

	// tickResolution is the timer interrupt period assumed until the
	// PIT/APIC driver (out of scope for this kernel core) reprograms it.
	tickResolution = ktime.SystemTime{Nanosec: 10 * 1000 * 1000} // 10ms

	// kernelVirtualRangeBase/NumPages describe the span of kernel virtual
	// address space handed to vmrange, and in turn to the slab allocator,
	// once the self-mapped page tables are up. It sits above the
	// identity-mapped kernel image.
	kernelVirtualRangeBase  uintptr = 0xd0000000
	kernelVirtualRangePages uintptr = 4096 // 16MiB

	// kernelPageOffset is the VMA this kernel is linked to run at; vmm
	// uses it to tell kernel sections apart from identity-mapped ones
	// while building the granular PDT.
	kernelPageOffset uintptr = 0xc0000000
)

// Kmain is the only Go symbol visible to the rt0 initialization code. It is
// invoked after rt0 sets up the GDT and a minimal g0 so that Go code can run
// on the 4K bootstrap stack the assembly allocated.
//
// The rt0 code passes the address of the multiboot info payload provided by
// the bootloader, the physical addresses bounding the loaded kernel image,
// and the base/size of the stack rt0 allocated for the first kernel thread.
//
// Kmain is not expected to return.
//
//go:noinline
func Kmain(multibootInfoPtr, kernelStart, kernelEnd, bootStackBase, bootStackSize uintptr) {
	multiboot.SetInfoPtr(multibootInfoPtr)

	var ramSize uint64
	multiboot.VisitMemRegions(func(entry *multiboot.MemoryMapEntry) bool {
		top := entry.PhysAddress + entry.Length
		if top > ramSize {
			ramSize = top
		}
		return true
	})

	var err *kernel.Error
	if err = pmm.Init(ramSize, kernelStart, kernelEnd); err != nil {
		panic(err)
	} else if err = vmm.Init(kernelPageOffset); err != nil {
		panic(err)
	} else if err = goruntime.Init(); err != nil {
		panic(err)
	}

	vmrange.Init(kernelVirtualRangeBase, kernelVirtualRangePages)
	kmalloc.Init()
	ktime.Init(tickResolution)
	thread.Init("init", bootStackBase, bootStackSize)

	// Use kfmt.Panic instead of panic to prevent the compiler from
	// treating this call as dead-code and eliminating it.
	kfmt.Panic(errKmainReturned)
}
