package vmm

import (
	"kernelcore/kernel"
	"kernelcore/kernel/irq"
	"kernelcore/kernel/kfmt"
	"kernelcore/kernel/mm"
)

var (
	// handleExceptionWithCodeFn is used by tests.
	handleExceptionWithCodeFn = irq.HandleExceptionWithCode

	// isValidFaultAddrFn is queried to decide whether a fault at a given
	// address should be serviced by allocating and mapping a fresh frame
	// (demand paging) rather than treated as a fatal access violation. It
	// is wired to the kernel virtual-range allocator's IsValid query.
	isValidFaultAddrFn = func(uintptr) bool { return false }
)

// SetValidFaultAddrFn wires the query used to decide whether a fault address
// belongs to a committed kernel virtual range and should be serviced via
// demand paging. It is called once by kernel/mm/vmrange's Init.
func SetValidFaultAddrFn(fn func(uintptr) bool) {
	isValidFaultAddrFn = fn
}

func installFaultHandlers() {
	handleExceptionWithCodeFn(irq.PageFaultException, pageFaultHandler)
	handleExceptionWithCodeFn(irq.GPFException, generalProtectionFaultHandler)
}

// pageFaultHandler is invoked when a PDT or PDT-entry is not present or when
// a privilege/RW protection check fails. A fault on an address that belongs
// to a committed but not-yet-backed kernel virtual range is recovered by
// allocating and mapping a fresh frame; every other fault is fatal.
func pageFaultHandler(errorCode uint32, frame *irq.Frame, regs *irq.Regs) {
	faultAddress := uintptr(readCR2Fn())
	faultPage := mm.PageFromAddress(faultAddress)

	// A present-protection-violation fault (write to a read-only page,
	// access from a disallowed privilege level, ...) can never be
	// recovered by mapping a new frame: the page is already mapped.
	const presentBit = 1
	if errorCode&presentBit == 0 && isValidFaultAddrFn(faultAddress) {
		newFrame, err := mm.AllocFrame()
		if err == nil {
			if mapErr := mapFn(faultPage, newFrame, FlagPresent|FlagRW); mapErr == nil {
				// AllocFrame already gave newFrame a reference of its own;
				// mapFn added a second one when it wired the frame into the
				// leaf entry. Drop the allocation's reference now that the
				// mapping is the sole owner.
				_, _ = mm.ReleaseFrame(newFrame)
				// Fault recovered; retry the faulting instruction.
				return
			}
		}
	}

	nonRecoverablePageFault(faultAddress, errorCode, frame, regs, errUnrecoverableFault)
}

func nonRecoverablePageFault(faultAddress uintptr, errorCode uint32, frame *irq.Frame, regs *irq.Regs, err *kernel.Error) {
	kfmt.Printf("\nPage fault while accessing address: 0x%8x\nReason: ", faultAddress)
	switch {
	case errorCode == 0:
		kfmt.Printf("read from non-present page")
	case errorCode == 1:
		kfmt.Printf("page protection violation (read)")
	case errorCode == 2:
		kfmt.Printf("write to non-present page")
	case errorCode == 3:
		kfmt.Printf("page protection violation (write)")
	case errorCode == 4:
		kfmt.Printf("page-fault in user-mode")
	case errorCode == 8:
		kfmt.Printf("page table has reserved bit set")
	default:
		kfmt.Printf("unknown")
	}

	kfmt.Printf("\n\nRegisters:\n")
	regs.Print()
	frame.Print()

	kfmt.Panic(err)
}

func generalProtectionFaultHandler(_ uint32, frame *irq.Frame, regs *irq.Regs) {
	kfmt.Printf("\nGeneral protection fault while accessing address: 0x%x\n", readCR2Fn())
	kfmt.Printf("Registers:\n")
	regs.Print()
	frame.Print()

	kfmt.Panic(errUnrecoverableFault)
}
