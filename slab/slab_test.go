package slab

import (
	"testing"
	"unsafe"
)

func TestNewRejectsBadArgs(t *testing.T) {
	if _, err := New(0, 10); err == nil {
		t.Fatal("expected error for zero slot size")
	}
	if _, err := New(64, 0); err == nil {
		t.Fatal("expected error for zero slot count")
	}
}

// TestRoundTrip creates a slab with slot_size=64, num_slots=10, allocates
// 10 pointers, confirms an 11th allocate fails, frees one, and confirms
// the next allocate succeeds.
func TestRoundTrip(t *testing.T) {
	a, err := New(64, 10)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Destroy()

	var ptrs [10]unsafe.Pointer
	for i := range ptrs {
		p, err := a.Allocate()
		if err != nil {
			t.Fatalf("allocate %d: %v", i, err)
		}
		ptrs[i] = p
	}
	if a.FreeListSize() != 0 {
		t.Fatalf("FreeListSize() = %d, want 0 after exhausting the pool", a.FreeListSize())
	}

	if _, err := a.Allocate(); err == nil {
		t.Fatal("the 11th allocate must fail")
	}

	if err := a.Release(ptrs[3]); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if a.FreeListSize() != 1 {
		t.Fatalf("FreeListSize() = %d, want 1 after one release", a.FreeListSize())
	}

	p, err := a.Allocate()
	if err != nil {
		t.Fatalf("allocate after release: %v", err)
	}
	if p == nil {
		t.Fatal("allocate after release returned nil")
	}
	if a.FreeListSize() != 0 {
		t.Fatalf("FreeListSize() = %d, want 0 again", a.FreeListSize())
	}
}

func TestPointersAreDistinctAndAligned(t *testing.T) {
	a, err := New(32, 4)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Destroy()

	seen := map[unsafe.Pointer]bool{}
	for i := 0; i < 4; i++ {
		p, err := a.Allocate()
		if err != nil {
			t.Fatal(err)
		}
		if seen[p] {
			t.Fatal("Allocate returned the same pointer twice")
		}
		seen[p] = true
		if uintptr(p)%8 != 0 {
			t.Fatalf("pointer %p is not 8-byte aligned", p)
		}
	}
}

func TestDoubleFreeRejected(t *testing.T) {
	a, err := New(64, 4)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Destroy()

	p, err := a.Allocate()
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Release(p); err != nil {
		t.Fatalf("first release: %v", err)
	}
	if err := a.Release(p); err == nil {
		t.Fatal("second release of the same pointer must fail")
	}
	if a.FreeListSize() != 1 {
		t.Fatalf("a failed double free must not mutate the free list, got size %d", a.FreeListSize())
	}
}

// TestOutOfRangeRelease checks that a pointer crafted just before the
// managed region fails with an out-of-range error and leaves the
// allocator's state untouched.
func TestOutOfRangeRelease(t *testing.T) {
	a, err := New(64, 4)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Destroy()

	before := a.region.PointerAt(0)
	outside := unsafe.Pointer(uintptr(before) - 1)
	if err := a.Release(outside); err == nil {
		t.Fatal("release of an out-of-range pointer must fail")
	}
	if a.FreeListSize() != a.NumSlots() {
		t.Fatal("a rejected release must not mutate the free list")
	}
}

func TestConservationInvariant(t *testing.T) {
	a, err := New(16, 6)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Destroy()

	var live []unsafe.Pointer
	for i := 0; i < 4; i++ {
		p, err := a.Allocate()
		if err != nil {
			t.Fatal(err)
		}
		live = append(live, p)
	}

	if got, want := a.FreeListSize()+len(live), a.NumSlots(); got != want {
		t.Fatalf("free_list_size + live = %d, want num_slots = %d", got, want)
	}

	for _, p := range live {
		if err := a.Release(p); err != nil {
			t.Fatal(err)
		}
	}
	if a.FreeListSize() != a.NumSlots() {
		t.Fatalf("FreeListSize() = %d, want %d after releasing everything", a.FreeListSize(), a.NumSlots())
	}
}
