package pmm

import (
	"kernelcore/kernel/mm"
	"testing"
)

func TestInitClassifiesFrames(t *testing.T) {
	const ramSize = 16 * 1024 * 1024 // 16MiB
	kernelBase := uintptr(8 * 1024 * 1024)
	kernelTop := uintptr(9 * 1024 * 1024)

	if err := Init(ramSize, kernelBase, kernelTop); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stats := GetStats()
	if stats.TotalFrames != ramSize/uint32(mm.PageSize) {
		t.Fatalf("expected %d total frames; got %d", ramSize/uint32(mm.PageSize), stats.TotalFrames)
	}
	if stats.UsedFrames == 0 || stats.FreeFrames == 0 {
		t.Fatalf("expected a mix of used and free frames; got used=%d free=%d", stats.UsedFrames, stats.FreeFrames)
	}
}

func TestAllocFrameReducesFreeCount(t *testing.T) {
	if err := Init(4*1024*1024, 0, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	before := GetStats()

	frame, err := AllocFrame()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !frame.Valid() {
		t.Fatal("expected a valid frame")
	}

	after := GetStats()
	if after.FreeFrames != before.FreeFrames-1 {
		t.Fatalf("expected free count to drop by one; before=%d after=%d", before.FreeFrames, after.FreeFrames)
	}
	if after.UsedFrames != before.UsedFrames+1 {
		t.Fatalf("expected used count to grow by one; before=%d after=%d", before.UsedFrames, after.UsedFrames)
	}
}

func TestReferenceAndRelease(t *testing.T) {
	if err := Init(4*1024*1024, 0, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	frame, err := AllocFrame()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	paddr := frame.Address()

	wasFree, err := ReferenceFrame(paddr)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if wasFree {
		t.Fatal("expected the frame to already be referenced by AllocFrame")
	}

	if nowFree, err := ReleaseFrame(paddr); err != nil || nowFree {
		t.Fatalf("expected one outstanding reference to remain; nowFree=%v err=%v", nowFree, err)
	}

	nowFree, err := ReleaseFrame(paddr)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !nowFree {
		t.Fatal("expected the frame to become free after its last reference is released")
	}
}

func TestReleaseFrameWithNoReferencesFails(t *testing.T) {
	if err := Init(4*1024*1024, 0, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := ReleaseFrame(3 * mm.PageSize); err == nil {
		t.Fatal("expected an error releasing a never-allocated frame")
	}
}

func TestRangeOwner(t *testing.T) {
	if err := Init(4*1024*1024, 0, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	frame, err := AllocFrame()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	paddr := frame.Address()

	type fakeRange struct{ name string }
	owner := &fakeRange{name: "heap"}
	SetRangeOwner(paddr, owner)

	got, ok := RangeOwner(paddr).(*fakeRange)
	if !ok || got != owner {
		t.Fatalf("expected to get back the owner set for this frame; got %v", got)
	}
}
