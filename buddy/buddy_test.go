package buddy

import (
	"fmt"
	"strings"
	"testing"
	"unsafe"
)

func TestNewRejectsBadArgs(t *testing.T) {
	if _, err := New(0, 4); err == nil {
		t.Fatal("expected error for zero total size")
	}
	if _, err := New(1024, 0); err == nil {
		t.Fatal("expected error for zero level count")
	}
}

func TestRoundsTotalSizeToPowerOfTwo(t *testing.T) {
	a, err := New(1000, 3)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Destroy()
	if a.totalSize != 1024 {
		t.Fatalf("totalSize = %d, want 1024", a.totalSize)
	}
}

// TestSplitAndMergeRoundTrip allocates a small block (forcing splits down
// from the root), releases it, and checks the whole region re-coalesces
// back into one free block at level 0.
func TestSplitAndMergeRoundTrip(t *testing.T) {
	a, err := New(1024, 4)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Destroy()

	p, err := a.Allocate(16)
	if err != nil {
		t.Fatal(err)
	}
	if uintptr(p)%8 != 0 {
		t.Fatalf("pointer %p is not 8-byte aligned", p)
	}

	if a.freeLists[0].Len() != 0 {
		t.Fatal("root level must be empty after a small allocation forces a split")
	}

	if err := a.Release(p); err != nil {
		t.Fatal(err)
	}
	if a.freeLists[0].Len() != 1 {
		t.Fatalf("expected full coalescence back to one root block, freeLists[0].Len() = %d", a.freeLists[0].Len())
	}
	for l := 1; l < a.numLevels; l++ {
		if a.freeLists[l].Len() != 0 {
			t.Fatalf("level %d still has %d free blocks after full coalescence", l, a.freeLists[l].Len())
		}
	}
}

func TestTwoAllocationsDoNotMergePrematurely(t *testing.T) {
	a, err := New(1024, 4)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Destroy()

	p1, err := a.Allocate(16)
	if err != nil {
		t.Fatal(err)
	}
	p2, err := a.Allocate(16)
	if err != nil {
		t.Fatal(err)
	}
	if p1 == p2 {
		t.Fatal("two live allocations must not alias")
	}

	if err := a.Release(p1); err != nil {
		t.Fatal(err)
	}
	// p2's buddy might be p1's sibling; either way the root must still not
	// be fully free since p2 is live.
	if a.freeLists[0].Len() != 0 {
		t.Fatal("root must not be free while an allocation from this engine is still live")
	}

	if err := a.Release(p2); err != nil {
		t.Fatal(err)
	}
	if a.freeLists[0].Len() != 1 {
		t.Fatal("releasing both allocations must fully coalesce the region")
	}
}

func TestDoubleFreeRejected(t *testing.T) {
	a, err := New(1024, 4)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Destroy()

	p, err := a.Allocate(16)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Release(p); err != nil {
		t.Fatal(err)
	}
	if err := a.Release(p); err == nil {
		t.Fatal("second release of the same pointer must fail")
	}
}

func TestOutOfRangeRelease(t *testing.T) {
	a, err := New(1024, 4)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Destroy()

	before := a.region.PointerAt(0)
	outside := unsafe.Pointer(uintptr(before) - 1)
	if err := a.Release(outside); err == nil {
		t.Fatal("release of an out-of-range pointer must fail")
	}
}

func TestAllocateLargerThanRegionFails(t *testing.T) {
	a, err := New(256, 2)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Destroy()

	if _, err := a.Allocate(10000); err == nil {
		t.Fatal("allocate larger than the whole region must fail")
	}
}

func TestFragmentationAccounting(t *testing.T) {
	a, err := New(1024, 4)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Destroy()

	if a.SparseFreeMemory() != 1024 {
		t.Fatalf("SparseFreeMemory() = %d, want 1024 before any allocation", a.SparseFreeMemory())
	}

	p, err := a.Allocate(16)
	if err != nil {
		t.Fatal(err)
	}
	if a.InternalFragmentation() <= 0 {
		t.Fatal("a 16-byte request served by a larger block must report positive internal fragmentation")
	}
	if a.SparseFreeMemory() >= 1024 {
		t.Fatal("SparseFreeMemory must shrink once a block is live")
	}

	if err := a.Release(p); err != nil {
		t.Fatal(err)
	}
	if a.InternalFragmentation() != 0 {
		t.Fatalf("InternalFragmentation() = %d, want 0 once nothing is live", a.InternalFragmentation())
	}
	if a.SparseFreeMemory() != 1024 {
		t.Fatalf("SparseFreeMemory() = %d, want 1024 again after releasing everything", a.SparseFreeMemory())
	}
}

func TestResetReclaimsAllMemory(t *testing.T) {
	a, err := New(1024, 4)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Destroy()

	if _, err := a.Allocate(16); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Allocate(32); err != nil {
		t.Fatal(err)
	}

	if err := a.Reset(); err != nil {
		t.Fatal(err)
	}
	if a.SparseFreeMemory() != 1024 {
		t.Fatalf("SparseFreeMemory() = %d, want 1024 after Reset", a.SparseFreeMemory())
	}
	if a.freeLists[0].Len() != 1 {
		t.Fatal("Reset must leave exactly one free block at the root level")
	}
}

func TestVerifyReportsStats(t *testing.T) {
	a, err := New(1024, 4)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Destroy()

	p1, err := a.Allocate(16)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.Allocate(32); err != nil {
		t.Fatal(err)
	}

	stats, err := a.Verify()
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if stats.TotalBytes != 1024 {
		t.Fatalf("TotalBytes = %d, want 1024", stats.TotalBytes)
	}
	if stats.AllocBytes != 48 {
		t.Fatalf("AllocBytes = %d, want 48", stats.AllocBytes)
	}
	if stats.Blocks != 2 {
		t.Fatalf("Blocks = %d, want 2", stats.Blocks)
	}
	if stats.FreeBytes != a.SparseFreeMemory() {
		t.Fatalf("FreeBytes = %d, want %d", stats.FreeBytes, a.SparseFreeMemory())
	}

	if err := a.Release(p1); err != nil {
		t.Fatal(err)
	}
	stats, err = a.Verify()
	if err != nil {
		t.Fatalf("Verify after partial release: %v", err)
	}
	if stats.Blocks != 1 {
		t.Fatalf("Blocks = %d, want 1 after releasing one of two allocations", stats.Blocks)
	}
}

func TestDebugStringMentionsEveryLevel(t *testing.T) {
	a, err := New(1024, 3)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Destroy()

	s := a.DebugString()
	if s == "" {
		t.Fatal("DebugString must not be empty")
	}
	for l := 0; l < a.numLevels; l++ {
		if !strings.Contains(s, fmt.Sprintf("level %d:", l)) {
			t.Fatalf("DebugString does not mention level %d:\n%s", l, s)
		}
	}
}
