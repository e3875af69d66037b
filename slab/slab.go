// Package slab implements a fixed-size slot pool: constant-time
// allocation and release of num_slots payloads of slot_size bytes each,
// backed by one mmap'd region, with free slots threaded through a
// doubly linked list.
package slab

import (
	"unsafe"

	"github.com/kastanomata/ripmalloc-so/allocator"
	"github.com/kastanomata/ripmalloc-so/dllist"
)

// header is the bookkeeping record for one slot. It is kept in a plain Go
// slice, not inside the mmap'd region: header.data is the only pointer
// that crosses into the region, and dllist.Node's prev/next links thread
// *header values (via the embedding trick in headerOf below) into
// the free list, never raw region bytes. This keeps every Go-heap pointer
// on the Go heap, sidestepping the GC-visibility hazard of hiding a live
// pointer inside OS-mapped memory that the collector does not scan.
type header struct {
	dllist.Node // MUST be the first field: headerOf relies on this.
	data        unsafe.Pointer
	inFreeList  bool
	index       int
}

// headerOf recovers the *header embedding n. Valid only for *dllist.Node
// values that are in fact the embedded Node of a header, which is true
// for every node this package ever pushes onto its free list.
func headerOf(n *dllist.Node) *header {
	return (*header)(unsafe.Pointer(n))
}

// Allocator manages num_slots fixed-size slots, handed out and
// reclaimed in O(1).
type Allocator struct {
	region   *allocator.Region
	slotSize int64
	numSlots int
	headers  []header
	free     dllist.List
	live     int
}

var _ allocator.FixedSizeAllocator = (*Allocator)(nil)

// New constructs a slab allocator with numSlots slots of slotSize bytes
// each. slotSize and numSlots must both be positive.
func New(slotSize int64, numSlots int) (*Allocator, error) {
	if slotSize <= 0 {
		return nil, &allocator.InvalidArgumentError{Msg: "slab slot size must be positive", Arg: slotSize}
	}
	if numSlots <= 0 {
		return nil, &allocator.InvalidArgumentError{Msg: "slab slot count must be positive", Arg: numSlots}
	}

	region, err := allocator.NewRegion(slotSize * int64(numSlots))
	if err != nil {
		return nil, err
	}

	a := &Allocator{
		region:   region,
		slotSize: slotSize,
		numSlots: numSlots,
		headers:  make([]header, numSlots),
	}
	a.initFreeList()
	return a, nil
}

func (a *Allocator) initFreeList() {
	a.free = dllist.List{}
	for i := 0; i < a.numSlots; i++ {
		h := &a.headers[i]
		h.data = a.region.PointerAt(int64(i) * a.slotSize)
		h.index = i
		h.inFreeList = true
		a.free.PushBack(&h.Node)
	}
	a.live = 0
}

// Reset releases the backing region and reconstructs the allocator with
// the same slotSize/numSlots, discarding all live allocations.
func (a *Allocator) Reset() error {
	if err := a.region.Close(); err != nil {
		return err
	}
	region, err := allocator.NewRegion(a.slotSize * int64(a.numSlots))
	if err != nil {
		return err
	}
	a.region = region
	a.headers = make([]header, a.numSlots)
	a.initFreeList()
	return nil
}

// IsVariableSize always reports false: every slot is slotSize bytes.
func (a *Allocator) IsVariableSize() bool { return false }

// NumSlots returns the total slot count the allocator was constructed
// with.
func (a *Allocator) NumSlots() int { return a.numSlots }

// FreeListSize returns the number of slots currently on the free list.
func (a *Allocator) FreeListSize() int { return a.free.Len() }

// Allocate pops the head of the free list and returns its payload
// pointer, or an OutOfMemoryError if every slot is live.
func (a *Allocator) Allocate() (unsafe.Pointer, error) {
	n := a.free.PopFront()
	if n == nil {
		return nil, &allocator.OutOfMemoryError{Msg: "slab free list is empty"}
	}
	h := headerOf(n)
	h.inFreeList = false
	a.live++
	return h.data, nil
}

// Release returns ptr to the free list after verifying it came from this
// allocator's region, that its header's data pointer is self-consistent,
// and that it is not already free.
func (a *Allocator) Release(ptr unsafe.Pointer) error {
	off, ok := a.region.Offset(ptr)
	if !ok {
		return &allocator.OutOfRangePointerError{Offset: off}
	}
	if off%a.slotSize != 0 {
		return &allocator.CorruptMetadataError{Msg: "pointer is not aligned to a slot boundary"}
	}
	idx := int(off / a.slotSize)
	if idx < 0 || idx >= a.numSlots {
		return &allocator.OutOfRangePointerError{Offset: off}
	}

	h := &a.headers[idx]
	if h.data != ptr {
		return &allocator.CorruptMetadataError{Msg: "slot header data pointer does not match released pointer"}
	}
	if h.inFreeList {
		return &allocator.DoubleFreeError{Offset: off}
	}

	h.inFreeList = true
	a.free.PushFront(&h.Node)
	a.live--
	return nil
}

// Destroy unmaps the backing region.
func (a *Allocator) Destroy() error {
	return a.region.Close()
}
