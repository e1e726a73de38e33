package vmm

import "math"

const (
	// pageLevels indicates the number of page levels supported without PAE
	// on the 386 architecture: a single page directory followed by a
	// single page table.
	pageLevels = 2

	// ptePhysPageMask is a mask that allows us to extract the physical memory
	// address pointed to by a page table entry. Without PAE, bits 12-31
	// contain the physical memory address.
	ptePhysPageMask = uintptr(0xfffff000)

	// tempMappingAddr is a reserved virtual page address used for
	// temporary physical page mappings (e.g. when mapping inactive page
	// directories). It uses the second-to-last page table slot of the
	// recursively-mapped last page directory entry.
	tempMappingAddr = uintptr(0xffffe000)
)

var (
	// pdtVirtualAddr is a special virtual address that exploits the
	// recursive mapping installed in the last page directory entry to
	// allow accessing the active page directory (and, by extension, every
	// page table it references) through the system's own MMU translation.
	// Setting every page-level index bit to 1 makes the MMU keep
	// following the recursive entry until it lands on the directory
	// itself.
	pdtVirtualAddr = uintptr(math.MaxUint32 &^ ((1 << 12) - 1))

	// pageLevelBits defines the number of virtual address bits that
	// correspond to each page level. Without PAE, both the page directory
	// and page table levels use 10 bits, giving 1024 entries each.
	pageLevelBits = [pageLevels]uint8{
		10,
		10,
	}

	// pageLevelShifts defines the shift required to access each page
	// table component of a virtual address.
	pageLevelShifts = [pageLevels]uint8{
		22,
		12,
	}
)

const (
	// FlagPresent is set when the page is available in memory and not swapped out.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW is set if the page can be written to.
	FlagRW

	// FlagUserAccessible is set if user-mode processes can access this page. If
	// not set only kernel code can access this page.
	FlagUserAccessible

	// FlagWriteThroughCaching implies write-through caching when set and write-back
	// caching if cleared.
	FlagWriteThroughCaching

	// FlagDoNotCache prevents this page from being cached if set.
	FlagDoNotCache

	// FlagAccessed is set by the CPU when this page is accessed.
	FlagAccessed

	// FlagDirty is set by the CPU when this page is modified.
	FlagDirty

	// FlagHugePage is set when using 4Mb pages instead of 4Kb pages.
	FlagHugePage

	// FlagGlobal if set, prevents the TLB from flushing the cached memory address
	// for this page when the swapping page tables by updating the CR3 register.
	FlagGlobal

	// FlagNoExecute is a software-only convention: the 386 (without PAE)
	// has no hardware no-execute bit, but the flag is still tracked so
	// that callers describing a mapping's intent (e.g. the Go runtime's
	// data segments) don't need an architecture-specific code path.
	FlagNoExecute
)
