// Package vmrange implements the kernel virtual-range allocator: it hands
// out reserved, page-aligned spans of the kernel's virtual address space to
// callers such as the slab allocator, without itself ever allocating a
// physical frame. A range becomes backed by real memory lazily, the first
// time one of its pages is touched and the page fault handler finds the
// faulting address inside a range returned by this package (see
// kernel/mm/vmm's demand-paging fault handler and IsValid below).
//
// Free and used ranges are each kept in a single ascending-address-ordered
// slice. Ranges are coarse-grained (one entry per reservation, not per page)
// so a linear scan is cheap and, unlike the frame allocator's intrusive
// descriptor lists, there's no benefit to hand-rolling a linked list here.
package vmrange

import (
	"kernelcore/kernel"
	"kernelcore/kernel/errors"
	"kernelcore/kernel/ksync"
	"kernelcore/kernel/mm"
	"kernelcore/kernel/mm/vmm"
)

// Range describes a reservation of contiguous kernel virtual address space.
type Range struct {
	BaseAddr uintptr
	NumPages uintptr

	// Slab is set by the slab allocator when this range backs a slab
	// cache's storage. It is opaque to this package to avoid an import
	// cycle (the slab package depends on vmrange, not the other way
	// round).
	Slab interface{}
}

var (
	// unmapFn/mapFn are used by tests.
	unmapFn = vmm.Unmap
	mapFn   = vmm.Map

	freeRanges []*Range
	usedRanges []*Range
)

// Flag controls how NewRange backs the reservation it returns.
type Flag uint8

const (
	// FlagMap causes NewRange to eagerly allocate and map a physical frame
	// for every page in the range, instead of leaving the range to be
	// backed lazily by the page fault handler.
	FlagMap Flag = 1 << iota
)

var (
	// ErrOutOfRange is returned when no free range is large enough to
	// satisfy a reservation request.
	ErrOutOfRange = &kernel.Error{Module: "vmrange", Message: "no free virtual range large enough to satisfy the request", Tag: errors.OutOfMemory}

	// ErrNotFound is returned when an address does not belong to any
	// range previously returned by NewRange.
	ErrNotFound = &kernel.Error{Module: "vmrange", Message: "address does not belong to any used range", Tag: errors.Invalid}

	// ErrOwnedBySlab is returned by Free when the caller tries to free a
	// range that a slab cache is still using as backing storage. The
	// cache, not a generic caller, owns that range's lifetime.
	ErrOwnedBySlab = &kernel.Error{Module: "vmrange", Message: "range is owned by a slab cache", Tag: errors.Invalid}
)

// SetUnmapFn overrides the unmap function DelRange calls while tearing down
// a range's pages. It exists for packages such as slab, whose tests exercise
// a cache's empty-slab teardown path without a live page directory to unmap
// from; production code never needs to call it.
func SetUnmapFn(fn func(mm.Page) *kernel.Error) {
	unmapFn = fn
}

// Init resets the allocator so that the entire [baseAddr, baseAddr+numPages)
// span is available for reservation. Existing ranges, if any, are discarded.
func Init(baseAddr uintptr, numPages uintptr) {
	guard := ksync.Enter()
	defer guard.Exit()

	freeRanges = []*Range{{BaseAddr: baseAddr, NumPages: numPages}}
	usedRanges = nil

	vmm.SetValidFaultAddrFn(IsValid)
}

func insertSorted(list []*Range, r *Range) []*Range {
	i := 0
	for i < len(list) && list[i].BaseAddr < r.BaseAddr {
		i++
	}
	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = r
	return list
}

// mergeAdjacent coalesces consecutive free ranges that form a contiguous
// span, keeping the free list compact.
func mergeAdjacent(list []*Range) []*Range {
	merged := list[:0]
	for _, r := range list {
		if n := len(merged); n > 0 {
			prev := merged[n-1]
			if prev.BaseAddr+(prev.NumPages<<mm.PageShift) == r.BaseAddr {
				prev.NumPages += r.NumPages
				continue
			}
		}
		merged = append(merged, r)
	}
	return merged
}

// NewRange reserves a span of numPages pages from the free list using a
// first-fit search and returns it. If flags carries FlagMap, every page in
// the range is allocated and mapped eagerly before NewRange returns;
// otherwise the range is left for the page fault handler to back lazily on
// first access. A failure partway through the eager mapping rolls the whole
// reservation back via del-range rather than leaving a half-backed range
// visible to the caller.
func NewRange(numPages uintptr, flags Flag) (*Range, *kernel.Error) {
	guard := ksync.Enter()
	defer guard.Exit()

	for i, fr := range freeRanges {
		if fr.NumPages < numPages {
			continue
		}

		r := &Range{BaseAddr: fr.BaseAddr, NumPages: numPages}
		if fr.NumPages == numPages {
			freeRanges = append(freeRanges[:i], freeRanges[i+1:]...)
		} else {
			fr.BaseAddr += numPages << mm.PageShift
			fr.NumPages -= numPages
		}

		usedRanges = insertSorted(usedRanges, r)

		if flags&FlagMap != 0 {
			if err := mapRangeLocked(r); err != nil {
				_ = delRangeLocked(r)
				return nil, err
			}
		}

		return r, nil
	}

	return nil, ErrOutOfRange
}

// mapRangeLocked allocates and maps a physical frame for every page of r. It
// must be called with the allocator's guard already held.
func mapRangeLocked(r *Range) *kernel.Error {
	page := mm.PageFromAddress(r.BaseAddr)
	for i := uintptr(0); i < r.NumPages; i, page = i+1, page+1 {
		frame, err := mm.AllocFrame()
		if err != nil {
			return err
		}
		if err := mapFn(page, frame, vmm.FlagPresent|vmm.FlagRW); err != nil {
			return err
		}
		mm.SetRangeOwner(frame, r)
	}
	return nil
}

// Alloc is a convenience wrapper around NewRange that returns the reserved
// span's base address directly.
func Alloc(numPages uintptr, flags Flag) (uintptr, *kernel.Error) {
	r, err := NewRange(numPages, flags)
	if err != nil {
		return 0, err
	}
	return r.BaseAddr, nil
}

// Free is a convenience wrapper around DelRange that looks the range up by
// its base address. It refuses to free a range still owned by a slab cache:
// the cache, not an arbitrary caller, is responsible for that range's
// lifetime.
func Free(vaddr uintptr) *kernel.Error {
	guard := ksync.Enter()
	var target *Range
	for _, ur := range usedRanges {
		if ur.BaseAddr == vaddr {
			target = ur
			break
		}
	}
	if target == nil {
		guard.Exit()
		return ErrNotFound
	}
	if target.Slab != nil {
		guard.Exit()
		return ErrOwnedBySlab
	}
	guard.Exit()

	return DelRange(target)
}

// DelRange unmaps and releases every page backing r and returns the virtual
// address span to the free list, merging it with any adjacent free ranges.
func DelRange(r *Range) *kernel.Error {
	guard := ksync.Enter()
	defer guard.Exit()

	return delRangeLocked(r)
}

// delRangeLocked is DelRange's implementation, called both directly (with
// the guard already held) and via DelRange's exported wrapper.
func delRangeLocked(r *Range) *kernel.Error {
	idx := -1
	for i, ur := range usedRanges {
		if ur == r {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ErrNotFound
	}
	usedRanges = append(usedRanges[:idx], usedRanges[idx+1:]...)

	page := mm.PageFromAddress(r.BaseAddr)
	for i := uintptr(0); i < r.NumPages; i, page = i+1, page+1 {
		// A page that was never faulted in simply isn't mapped; that's
		// not an error here, just a range nobody ever touched.
		_ = unmapFn(page)
	}

	freeRanges = insertSorted(freeRanges, &Range{BaseAddr: r.BaseAddr, NumPages: r.NumPages})
	freeRanges = mergeAdjacent(freeRanges)

	return nil
}

// IsValid returns true if addr falls inside a range previously returned by
// NewRange. It is queried by the page fault handler to decide whether a
// fault on a not-present page should be serviced via demand paging.
func IsValid(addr uintptr) bool {
	guard := ksync.Enter()
	defer guard.Exit()

	for _, r := range usedRanges {
		if addr >= r.BaseAddr && addr < r.BaseAddr+(r.NumPages<<mm.PageShift) {
			return true
		}
	}
	return false
}

// ResolveSlab returns the Slab value attached to the used range containing
// addr, or nil if addr does not belong to any range or the range has no
// associated slab.
func ResolveSlab(addr uintptr) interface{} {
	guard := ksync.Enter()
	defer guard.Exit()

	for _, r := range usedRanges {
		if addr >= r.BaseAddr && addr < r.BaseAddr+(r.NumPages<<mm.PageShift) {
			return r.Slab
		}
	}
	return nil
}
