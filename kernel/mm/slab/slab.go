// Package slab implements a fixed-size object cache on top of the kernel
// virtual-range allocator. A cache grows by reserving one vmrange page range
// (a slab) at a time and carving it into ObjSize-sized slots; slabs are kept
// on one of three lists depending on occupancy (full, partial, empty) and an
// empty slab's vmrange is returned as soon as its last object is freed.
package slab

import (
	"kernelcore/kernel"
	"kernelcore/kernel/errors"
	"kernelcore/kernel/ksync"
	"kernelcore/kernel/mm"
	"kernelcore/kernel/mm/vmrange"
)

// ErrInvalidObject is returned by Free when the supplied address was not
// handed out by this cache.
var ErrInvalidObject = &kernel.Error{Module: "slab", Message: "address does not belong to this cache", Tag: errors.Invalid}

// Flag controls how a cache backs and hands out its objects.
type Flag uint8

const (
	// FlagMap backs every slab's virtual range with physical frames
	// eagerly, instead of leaving it for the page fault handler to back
	// lazily on first touch.
	FlagMap Flag = 1 << iota

	// FlagZero clears an object's memory on every Alloc.
	FlagZero
)

// slab tracks one vmrange reservation carved into a cache's ObjSize-sized
// objects. It is destroyed (its VRange handed back to vmrange) as soon as
// its last object is freed.
type slab struct {
	owner    *Cache
	rng      *vmrange.Range
	freeObjs []uintptr
	numObjs  int

	prev, next *slab
}

func (s *slab) full() bool  { return len(s.freeObjs) == 0 }
func (s *slab) empty() bool { return len(s.freeObjs) == s.numObjs }

// slabList is a doubly-linked list of slabs, the same intrusive-list shape
// kernel/mm/pmm uses for its free/used frame lists.
type slabList struct {
	head, tail *slab
	count      int
}

func (l *slabList) pushFront(s *slab) {
	s.prev = nil
	s.next = l.head
	if l.head != nil {
		l.head.prev = s
	}
	l.head = s
	if l.tail == nil {
		l.tail = s
	}
	l.count++
}

func (l *slabList) remove(s *slab) {
	if s.prev != nil {
		s.prev.next = s.next
	} else {
		l.head = s.next
	}
	if s.next != nil {
		s.next.prev = s.prev
	} else {
		l.tail = s.prev
	}
	s.prev, s.next = nil, nil
	l.count--
}

// Cache hands out fixed-size objects of ObjSize bytes.
type Cache struct {
	// Name identifies the cache for diagnostics; it plays no role in
	// allocation.
	Name    string
	ObjSize uintptr

	// pagesPerSlab is the number of pages reserved from vmrange every
	// time the cache needs a new slab.
	pagesPerSlab uintptr
	flags        Flag

	full, partial, empty slabList
}

// NewCache creates a cache of objects of the given size, reserving
// pagesPerSlab pages from vmrange (at least 1) every time it needs to grow.
// objSize must be greater than zero.
func NewCache(name string, objSize, pagesPerSlab uintptr, flags Flag) *Cache {
	if objSize == 0 {
		objSize = 1
	}
	if pagesPerSlab == 0 {
		pagesPerSlab = 1
	}
	return &Cache{Name: name, ObjSize: objSize, pagesPerSlab: pagesPerSlab, flags: flags}
}

func (c *Cache) objsPerSlab() int {
	return int((c.pagesPerSlab << mm.PageShift) / c.ObjSize)
}

// Alloc returns the address of a free object, growing the cache by reserving
// a fresh slab if neither the partial nor the empty list has room. If atomic
// is true the caller is promising it cannot block; this allocator never
// blocks regardless; see kernel/thread for the callers that rely on that.
func (c *Cache) Alloc(atomic bool) (uintptr, *kernel.Error) {
	guard := ksync.Enter()
	defer guard.Exit()

	s := c.partial.head
	if s == nil {
		s = c.empty.head
	}
	if s == nil {
		var err *kernel.Error
		s, err = c.grow()
		if err != nil {
			return 0, err
		}
	}

	wasEmpty := s.empty()

	n := len(s.freeObjs) - 1
	addr := s.freeObjs[n]
	s.freeObjs = s.freeObjs[:n]

	if wasEmpty {
		c.empty.remove(s)
	} else {
		c.partial.remove(s)
	}
	if s.full() {
		c.full.pushFront(s)
	} else {
		c.partial.pushFront(s)
	}

	if c.flags&FlagZero != 0 {
		kernel.Memset(addr, 0, c.ObjSize)
	}

	return addr, nil
}

// Free returns an object to its owning slab, returning ErrInvalidObject if
// addr was not handed out by this cache. The object's slab is destroyed
// (its VRange returned to vmrange) once it has no in-use objects left.
func (c *Cache) Free(addr uintptr) *kernel.Error {
	guard := ksync.Enter()
	defer guard.Exit()

	s, _ := vmrange.ResolveSlab(addr).(*slab)
	if s == nil || s.owner != c {
		return ErrInvalidObject
	}

	wasFull := s.full()
	s.freeObjs = append(s.freeObjs, addr)

	if wasFull {
		c.full.remove(s)
	} else {
		c.partial.remove(s)
	}

	if s.empty() {
		c.empty.pushFront(s)
		c.destroySlab(s)
		return nil
	}

	c.partial.pushFront(s)
	return nil
}

// grow reserves a fresh vmrange range, carves it into c.ObjSize-sized
// objects and returns the resulting slab, already linked onto the empty
// list (Alloc immediately moves it to partial or full once it takes the
// object that triggered the growth).
func (c *Cache) grow() (*slab, *kernel.Error) {
	var rangeFlags vmrange.Flag
	if c.flags&FlagMap != 0 {
		rangeFlags |= vmrange.FlagMap
	}

	r, err := vmrange.NewRange(c.pagesPerSlab, rangeFlags)
	if err != nil {
		return nil, err
	}

	objsPerSlab := c.objsPerSlab()
	s := &slab{owner: c, rng: r, numObjs: objsPerSlab}
	for i := 0; i < objsPerSlab; i++ {
		s.freeObjs = append(s.freeObjs, r.BaseAddr+uintptr(i)*c.ObjSize)
	}
	r.Slab = s

	c.empty.pushFront(s)
	return s, nil
}

// destroySlab removes s from the empty list and returns its VRange to
// vmrange. It bypasses vmrange.Free's slab-ownership refusal: the cache
// itself is the slab's owner and this is exactly the teardown that refusal
// exists to protect against callers doing unsupervised.
func (c *Cache) destroySlab(s *slab) {
	c.empty.remove(s)
	s.rng.Slab = nil
	_ = vmrange.DelRange(s.rng)
}

// Stats reports cache occupancy.
type Stats struct {
	FullSlabs    int
	PartialSlabs int
	EmptySlabs   int
	ObjSize      uintptr
}

// GetStats returns a snapshot of the cache's current occupancy.
func (c *Cache) GetStats() Stats {
	guard := ksync.Enter()
	defer guard.Exit()

	return Stats{
		FullSlabs:    c.full.count,
		PartialSlabs: c.partial.count,
		EmptySlabs:   c.empty.count,
		ObjSize:      c.ObjSize,
	}
}
