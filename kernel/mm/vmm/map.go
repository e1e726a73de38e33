package vmm

import (
	"kernelcore/kernel"
	"kernelcore/kernel/cpu"
	"kernelcore/kernel/mm"
	"unsafe"
)

var (
	// nextAddrFn is used by used by tests to override the nextTableAddr
	// calculations used by Map. When compiling the kernel this function
	// will be automatically inlined.
	nextAddrFn = func(entryAddr uintptr) uintptr {
		return entryAddr
	}

	// flushTLBEntryFn is used by tests to override calls to flushTLBEntry
	// which will cause a fault if called in user-mode.
	flushTLBEntryFn = cpu.FlushTLBEntry

	earlyReserveRegionFn = EarlyReserveRegion

	errNoHugePageSupport = &kernel.Error{Module: "vmm", Message: "huge pages are not supported"}

	// ErrSelfMapWindow is returned by Map when the target page falls inside
	// the recursively self-mapped window: that window is reserved for the
	// top table and its leaf tables, not for ordinary mappings.
	ErrSelfMapWindow = &kernel.Error{Module: "vmm", Message: "cannot map inside the self-map window"}
)

// selfMapWindowBase is the first virtual address of the 4MiB window the
// recursive self-map reserves (the top table's own last slot). Addresses
// from here to the top of the address space resolve through the self-map
// rather than through an ordinary leaf table.
var selfMapWindowBase = pdtVirtualAddr &^ ((uintptr(1) << pageLevelShifts[0]) - 1)

// leafPresentEntries counts, per top-level (PDT) slot, how many entries of
// its leaf table are currently present. When a leaf table's count drops to
// zero it has no mappings left, so it is freed and the top-level slot that
// pointed to it is cleared. Indexed by top-level slot; this kernel core
// only ever keeps one page directory alive at a time (no user processes,
// see spec's Non-goals), so a single global table is sufficient.
var leafPresentEntries [1 << 10]uint16

// Map establishes a mapping between a virtual page and a physical mmory frame
// using the currently active page directory table. Calls to Map will use the
// supplied physical frame allocator to initialize missing page tables at each
// paging level supported by the MMU. Mapping a page inside the self-map
// window is rejected.
func Map(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	if page.Address() >= selfMapWindowBase {
		return ErrSelfMapWindow
	}
	return mapLocked(page, frame, flags)
}

// mapLocked is Map's implementation without the self-map-window guard, used
// internally by MapTemporary (which deliberately targets a slot inside that
// window) and by Map itself once the guard has passed.
func mapLocked(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	var (
		err      *kernel.Error
		topIndex uintptr
	)

	walk(page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		// If we reached the last level all we need to do is to map the
		// frame in place and flag it as present and flush its TLB entry
		if pteLevel == pageLevels-1 {
			wasPresent := pte.HasFlags(FlagPresent)
			oldFrame := pte.Frame()

			*pte = 0
			pte.SetFrame(frame)
			pte.SetFlags(flags)
			flushTLBEntryFn(page.Address())

			if wasPresent && oldFrame != frame {
				_, _ = mm.ReleaseFrame(oldFrame)
			}
			if _, refErr := mm.ReferenceFrame(frame); refErr != nil {
				err = refErr
				return false
			}
			if !wasPresent {
				leafPresentEntries[topIndex]++
			}
			return true
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		if pteLevel == 0 {
			topIndex = (page.Address() >> pageLevelShifts[0]) & ((1 << pageLevelBits[0]) - 1)
		}

		// Next table does not yet exist; we need to allocate a
		// physical frame for it map it and clear its contents.
		if !pte.HasFlags(FlagPresent) {
			var newTableFrame mm.Frame
			newTableFrame, err = mm.AllocFrame()
			if err != nil {
				return false
			}

			*pte = 0
			pte.SetFrame(newTableFrame)
			pte.SetFlags(FlagPresent | FlagRW)

			// The next pte entry becomes available but we need to
			// make sure that the new page is properly cleared
			nextTableAddr := (uintptr(unsafe.Pointer(pte)) << pageLevelBits[pteLevel+1])
			kernel.Memset(nextAddrFn(nextTableAddr), 0, mm.PageSize)
		}

		return true
	})

	return err
}

// MapRegion establishes a mapping to the physical mmory region which starts
// at the given frame and ends at frame + pages(size). The size argument is
// always rounded up to the nearest page boundary. MapRegion reserves the next
// available region in the active virtual address space, establishes the
// mapping and returns back the Page that corresponds to the region start.
func MapRegion(frame mm.Frame, size uintptr, flags PageTableEntryFlag) (mm.Page, *kernel.Error) {
	// Reserve next free block in the address space
	size = (size + (mm.PageSize - 1)) & ^(mm.PageSize - 1)
	startPage, err := earlyReserveRegionFn(size)
	if err != nil {
		return 0, err
	}

	pageCount := size >> mm.PageShift
	for page := mm.PageFromAddress(startPage); pageCount > 0; pageCount, page, frame = pageCount-1, page+1, frame+1 {
		if err := mapFn(page, frame, flags); err != nil {
			return 0, err
		}
	}

	return mm.PageFromAddress(startPage), nil
}

// IdentityMapRegion establishes an identity mapping to the physical mmory
// region which starts at the given frame and ends at frame + pages(size). The
// size argument is always rounded up to the nearest page boundary.
// IdentityMapRegion returns back the Page that corresponds to the region
// start.
func IdentityMapRegion(startFrame mm.Frame, size uintptr, flags PageTableEntryFlag) (mm.Page, *kernel.Error) {
	startPage := mm.Page(startFrame)
	pageCount := mm.Page(((size + (mm.PageSize - 1)) & ^(mm.PageSize - 1)) >> mm.PageShift)

	for curPage := startPage; curPage < startPage+pageCount; curPage++ {
		if err := mapFn(curPage, mm.Frame(curPage), flags); err != nil {
			return 0, err
		}
	}

	return startPage, nil
}

// MapTemporary establishes a temporary RW mapping of a physical mmory frame
// to a fixed virtual address overwriting any previous mapping. The temporary
// mapping mechanism is primarily used by the kernel to access and initialize
// inactive page tables.
func MapTemporary(frame mm.Frame) (mm.Page, *kernel.Error) {
	if err := mapLocked(mm.PageFromAddress(tempMappingAddr), frame, FlagPresent|FlagRW); err != nil {
		return 0, err
	}

	return mm.PageFromAddress(tempMappingAddr), nil
}

// Unmap removes a mapping previously installed via a call to Map or
// MapTemporary: it releases the frame's reference, clears the entry and
// flushes its TLB slot. Outside the self-map window, it also releases the
// leaf table's own reference; once that reaches zero the leaf table is
// freed and the top-table slot that pointed to it is cleared.
func Unmap(page mm.Page) *kernel.Error {
	var (
		err             *kernel.Error
		topIndex        uintptr
		inSelfMapWindow = page.Address() >= selfMapWindowBase
	)

	walk(page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		// Next table/entry is not present; this is an invalid mapping.
		if !pte.HasFlags(FlagPresent) {
			err = ErrInvalidMapping
			return false
		}

		// If we reached the last level all we need to do is to release
		// the frame, set the page as non-present and flush its TLB entry.
		if pteLevel == pageLevels-1 {
			oldFrame := pte.Frame()
			pte.ClearFlags(FlagPresent)
			flushTLBEntryFn(page.Address())

			_, _ = mm.ReleaseFrame(oldFrame)

			if !inSelfMapWindow {
				if leafPresentEntries[topIndex] > 0 {
					leafPresentEntries[topIndex]--
				}
				if leafPresentEntries[topIndex] == 0 {
					freeLeafTable(topIndex)
				}
			}
			return true
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		if pteLevel == 0 {
			topIndex = (page.Address() >> pageLevelShifts[0]) & ((1 << pageLevelBits[0]) - 1)
		}

		return true
	})

	return err
}

// freeLeafTable releases the leaf table occupying top-level slot topIndex
// (it has no present entries left) and clears that slot, addressing the
// table through the self-map the same way walk does.
func freeLeafTable(topIndex uintptr) {
	topPte := (*pageTableEntry)(unsafe.Pointer(pdtVirtualAddr + (topIndex << mm.PointerShift)))

	leafFrame := topPte.Frame()
	topPte.ClearFlags(FlagPresent)
	flushTLBEntryFn(selfMapWindowBase + (topIndex << mm.PageShift))

	_, _ = mm.ReleaseFrame(leafFrame)
}

// Translate returns the physical address that corresponds to the supplied
// virtual address or ErrInvalidMapping if the virtual address does not
// correspond to a mapped physical address.
func Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	pte, err := pteForAddress(virtAddr)
	if err != nil {
		return 0, err
	}

	// Calculate the physical address by taking the physical frame address and
	// appending the offset from the virtual address
	physAddr := pte.Frame().Address() + PageOffset(virtAddr)
	return physAddr, nil
}

// PageOffset returns the offset within the page specified by a virtual
// address.
func PageOffset(virtAddr uintptr) uintptr {
	return (virtAddr & ((1 << pageLevelShifts[pageLevels-1]) - 1))
}
