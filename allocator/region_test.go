package allocator

import "testing"

func TestNewRegionRoundsToPageSize(t *testing.T) {
	r, err := NewRegion(1)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	if r.Len() != PageSize {
		t.Fatalf("Len() = %d, want %d", r.Len(), PageSize)
	}
}

func TestNewRegionRejectsNonPositiveSize(t *testing.T) {
	if _, err := NewRegion(0); err == nil {
		t.Fatal("expected an error for a zero-sized region")
	}
	if _, err := NewRegion(-1); err == nil {
		t.Fatal("expected an error for a negative-sized region")
	}
}

func TestPointerOffsetRoundTrip(t *testing.T) {
	r, err := NewRegion(PageSize)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	p := r.PointerAt(64)
	off, ok := r.Offset(p)
	if !ok || off != 64 {
		t.Fatalf("Offset() = (%d, %v), want (64, true)", off, ok)
	}
}

func TestOffsetRejectsOutOfRangePointer(t *testing.T) {
	r, err := NewRegion(PageSize)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	before := r.PointerAt(0)
	outside := unsafeSub(before, 1)
	if _, ok := r.Offset(outside); ok {
		t.Fatal("a pointer before the region must be reported out of range")
	}
}

func TestReadWriteInt64(t *testing.T) {
	r, err := NewRegion(PageSize)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	r.WriteInt64(128, 0x0102030405060708)
	if got := r.ReadInt64(128); got != 0x0102030405060708 {
		t.Fatalf("ReadInt64() = %#x, want %#x", got, 0x0102030405060708)
	}
}

func TestRoundPow2(t *testing.T) {
	cases := map[int64]int64{0: 1, 1: 1, 2: 2, 3: 4, 1023: 1024, 1024: 1024, 1025: 2048}
	for in, want := range cases {
		if got := RoundPow2(in); got != want {
			t.Errorf("RoundPow2(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestAlign8(t *testing.T) {
	cases := map[int64]int64{0: 0, 1: 8, 7: 8, 8: 8, 9: 16}
	for in, want := range cases {
		if got := Align8(in); got != want {
			t.Errorf("Align8(%d) = %d, want %d", in, got, want)
		}
	}
}
