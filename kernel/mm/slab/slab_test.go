package slab

import (
	"kernelcore/kernel"
	"kernelcore/kernel/mm"
	"kernelcore/kernel/mm/vmrange"
	"testing"
)

func setupVmrange(t *testing.T, numPages uintptr) {
	t.Helper()
	vmrange.Init(0x50000000, numPages)
	vmrange.SetUnmapFn(func(mm.Page) *kernel.Error { return nil })
}

func totalSlabs(s Stats) int {
	return s.FullSlabs + s.PartialSlabs + s.EmptySlabs
}

func TestAllocGrowsAndReusesFreeList(t *testing.T) {
	setupVmrange(t, 4)

	c := NewCache("test", 64, 1, 0)
	objsPerSlab := mm.PageSize / 64

	addrs := make(map[uintptr]bool)
	for i := uintptr(0); i < objsPerSlab; i++ {
		addr, err := c.Alloc(false)
		if err != nil {
			t.Fatal(err)
		}
		if addrs[addr] {
			t.Fatalf("Alloc returned duplicate address 0x%x", addr)
		}
		addrs[addr] = true
	}

	if stats := c.GetStats(); totalSlabs(stats) != 1 || stats.FullSlabs != 1 {
		t.Fatalf("expected cache to have grown exactly 1 full slab; got %+v", stats)
	}

	// Free one and make sure it's handed back out before growing again.
	var freed uintptr
	for a := range addrs {
		freed = a
		break
	}
	if err := c.Free(freed); err != nil {
		t.Fatal(err)
	}

	if got, err := c.Alloc(false); err != nil || got != freed {
		t.Fatalf("expected Alloc to reuse freed object 0x%x; got 0x%x, err %v", freed, got, err)
	}

	// Exhaust the slab entirely (objsPerSlab-1 remaining, +1 just reused).
	if _, err := c.Alloc(false); err != nil {
		t.Fatal(err)
	}

	if stats := c.GetStats(); totalSlabs(stats) != 2 {
		t.Fatalf("expected cache to grow a second slab once exhausted; got %+v", stats)
	}
}

func TestFreeDestroysEmptySlab(t *testing.T) {
	setupVmrange(t, 4)

	c := NewCache("test", mm.PageSize, 1, 0)

	addr, err := c.Alloc(false)
	if err != nil {
		t.Fatal(err)
	}
	if stats := c.GetStats(); stats.FullSlabs != 1 {
		t.Fatalf("expected a single full slab holding the lone object; got %+v", stats)
	}

	if err := c.Free(addr); err != nil {
		t.Fatal(err)
	}
	if stats := c.GetStats(); totalSlabs(stats) != 0 {
		t.Fatalf("expected the emptied slab to be destroyed; got %+v", stats)
	}

	// The VRange backing the destroyed slab should have been returned to
	// vmrange: a fresh allocation can reuse the same address.
	addr2, err := c.Alloc(false)
	if err != nil {
		t.Fatal(err)
	}
	if addr2 != addr {
		t.Fatalf("expected the destroyed slab's range to be reused; got 0x%x, want 0x%x", addr2, addr)
	}
}

func TestFreeRejectsForeignObject(t *testing.T) {
	setupVmrange(t, 4)

	c1 := NewCache("c1", 32, 1, 0)
	c2 := NewCache("c2", 32, 1, 0)

	addr, err := c1.Alloc(false)
	if err != nil {
		t.Fatal(err)
	}

	if err := c2.Free(addr); err != ErrInvalidObject {
		t.Fatalf("expected ErrInvalidObject; got %v", err)
	}

	if err := c1.Free(addr); err != nil {
		t.Fatalf("expected the owning cache to free it; got %v", err)
	}
}

func TestAllocPropagatesOutOfRange(t *testing.T) {
	setupVmrange(t, 0)

	c := NewCache("test", 16, 1, 0)
	if _, err := c.Alloc(false); err != vmrange.ErrOutOfRange {
		t.Fatalf("expected ErrOutOfRange; got %v", err)
	}
}
