// Package kmalloc implements a general-purpose kernel allocator on top of
// the slab allocator. Requests are rounded up to the next entry in a fixed,
// geometrically-spaced table of object sizes (8B .. 16KiB), each backed by
// its own slab.Cache; a request larger than the biggest size class falls
// through to the kernel virtual-range allocator with page-granular rounding.
// The free path mirrors this: it asks every slab cache in turn and, if none
// of them claims the address, asks the range allocator. No allocation header
// is ever stored, so this polymorphism is the only way Free can tell which
// layer owns a given address.
package kmalloc

import (
	"kernelcore/kernel"
	"kernelcore/kernel/errors"
	"kernelcore/kernel/mm"
	"kernelcore/kernel/mm/slab"
	"kernelcore/kernel/mm/vmrange"
)

// ErrNotAllocated is returned by Free when the supplied address was not
// handed out by this allocator.
var ErrNotAllocated = &kernel.Error{Module: "kmalloc", Message: "address was not returned by kmalloc.Alloc", Tag: errors.Invalid}

// sizeClasses mirrors the geometric 8B..16KiB table used by the allocator
// this package is modeled on.
var sizeClasses = [...]uintptr{8, 16, 32, 64, 128, 256, 512, 1024, 2048, 4096, 8192, 16384}

var caches [len(sizeClasses)]*slab.Cache

// Init creates the size-keyed cache table. It must be called once, after the
// kernel virtual-range allocator has been initialized.
func Init() {
	for i, sz := range sizeClasses {
		caches[i] = slab.NewCache("kmalloc", sz, 1, 0)
	}
}

// Alloc returns size bytes of kernel memory from the smallest size class
// that satisfies the request. Sizes above the largest size class are
// rounded up to a whole number of pages and handed to the range allocator
// directly.
func Alloc(size uintptr) (uintptr, *kernel.Error) {
	for i, sz := range sizeClasses {
		if sz >= size {
			return caches[i].Alloc(false)
		}
	}

	pages := (size + mm.PageSize - 1) >> mm.PageShift
	return vmrange.Alloc(pages, 0)
}

// Free returns memory previously obtained from Alloc to its owning cache, or
// to the range allocator if no cache claims it.
func Free(addr uintptr) *kernel.Error {
	for _, c := range caches {
		if c == nil {
			continue
		}
		if err := c.Free(addr); err == nil {
			return nil
		}
	}
	if err := vmrange.Free(addr); err == nil {
		return nil
	}
	return ErrNotAllocated
}
