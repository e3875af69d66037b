// Package bitmapbuddy implements a buddy allocator whose block state
// lives entirely in a single bit-per-node complete binary tree instead of
// per-block side records: a set bit means the subtree rooted at that
// node is not entirely free, either because the node itself is
// allocated or because something below it is.
package bitmapbuddy

import (
	"unsafe"

	"github.com/cznic/mathutil"

	"github.com/kastanomata/ripmalloc-so/allocator"
	"github.com/kastanomata/ripmalloc-so/bitmap"
)

// headerSize is the width of the inline {bitmap_idx, size} record every
// served block carries ahead of its user-visible span: two 4-byte
// fields, the tree index it was handed out at and the exact byte count
// requested, so Release can recompute fragmentation without a side
// table. Blanked to {-1, -1} on release for double-free detection.
const headerSize = 8

// blankedIndex is the bitmap_idx value Release writes back once a block
// is freed, marking the record unusable for a second release.
const blankedIndex = -1

// Allocator is a bitmap-backed buddy engine.
type Allocator struct {
	region *allocator.Region
	bmp    *bitmap.Bitmap

	totalSize    int64
	numLevels    int
	minBlockSize int64

	requestedSize int64
	requestedLvls int

	internalFragmentation int64
	sparseFreeMemory      int64

	// live tracks the requested size of every block currently served,
	// keyed by the tree index it occupies. It exists purely so Verify
	// can re-derive internal_fragmentation/sparse_free_memory from the
	// live structure instead of trusting the running counters above;
	// Allocate/Release never consult it.
	live map[int]int64
}

var _ allocator.VariableBlockAllocator = (*Allocator)(nil)

// New constructs a bitmap buddy allocator managing a power-of-two-rounded
// region of at least totalSize bytes split into numLevels+1 levels, the
// same internal bump the linked-list buddy engine applies so level 0
// always represents the whole region.
func New(totalSize int64, numLevels int) (*Allocator, error) {
	if totalSize <= 0 {
		return nil, &allocator.InvalidArgumentError{Msg: "bitmap buddy total size must be positive", Arg: totalSize}
	}
	if numLevels <= 0 {
		return nil, &allocator.InvalidArgumentError{Msg: "bitmap buddy level count must be positive", Arg: numLevels}
	}

	rounded := allocator.RoundPow2(totalSize)
	effLevels := numLevels + 1
	minBlock := rounded >> uint(effLevels-1)
	for minBlock < headerSize+1 && effLevels > 1 {
		effLevels--
		minBlock = rounded >> uint(effLevels-1)
	}
	if minBlock < headerSize+1 {
		return nil, &allocator.InvalidArgumentError{Msg: "region too small to hold even one block's header", Arg: rounded}
	}

	region, err := allocator.NewRegion(rounded)
	if err != nil {
		return nil, err
	}

	numNodes := (1 << uint(effLevels)) - 1
	a := &Allocator{
		region:           region,
		bmp:              bitmap.New(numNodes),
		totalSize:        rounded,
		numLevels:        effLevels,
		minBlockSize:     minBlock,
		requestedSize:    totalSize,
		requestedLvls:    numLevels,
		sparseFreeMemory: rounded,
		live:             make(map[int]int64),
	}
	return a, nil
}

func (a *Allocator) blockSize(level int) int64 { return a.totalSize >> uint(level) }

func (a *Allocator) levelOf(index int) int {
	for l := 0; l < a.numLevels; l++ {
		first := bitmap.FirstIndexAtLevel(l)
		next := bitmap.FirstIndexAtLevel(l + 1)
		if index >= first && index < next {
			return l
		}
	}
	return -1
}

func (a *Allocator) offsetOfIndex(index, level int) int64 {
	pos := index - bitmap.FirstIndexAtLevel(level)
	return int64(pos) * a.blockSize(level)
}

// IsVariableSize always reports true.
func (a *Allocator) IsVariableSize() bool { return true }

// InternalFragmentation returns Σ (block_size_served - bytes_requested)
// over live allocations.
func (a *Allocator) InternalFragmentation() int64 { return a.internalFragmentation }

// SparseFreeMemory returns the number of bytes not committed to any live
// allocation.
func (a *Allocator) SparseFreeMemory() int64 { return a.sparseFreeMemory }

// NumLevels returns the level count after New's internal bump.
func (a *Allocator) NumLevels() int { return a.numLevels }

func (a *Allocator) chooseLevel(need int64) int {
	if need > a.totalSize {
		return -1
	}
	for l := a.numLevels - 1; l >= 0; l-- {
		if a.blockSize(l) >= need {
			return l
		}
	}
	return -1
}

// findFreeAtLevel scans the index range belonging to level for a node
// whose whole subtree is free, returning -1 if none exists.
func (a *Allocator) findFreeAtLevel(level int) int {
	first := bitmap.FirstIndexAtLevel(level)
	count := 1 << uint(level)
	for i := first; i < first+count; i++ {
		if !a.bmp.Test(i) {
			return i
		}
	}
	return -1
}

// Allocate serves a request of size bytes from the deepest level whose
// block still fits the request plus its inline header.
func (a *Allocator) Allocate(size int) (unsafe.Pointer, error) {
	if size <= 0 {
		return nil, &allocator.InvalidArgumentError{Msg: "bitmap buddy allocate size must be positive", Arg: size}
	}
	adjusted := allocator.Align8(int64(size) + headerSize)

	level := a.chooseLevel(adjusted)
	if level < 0 {
		return nil, &allocator.SizeError{Requested: int64(size), Limit: mathutil.MaxInt64(a.totalSize-headerSize, 0)}
	}

	index := a.findFreeAtLevel(level)
	if index < 0 {
		return nil, &allocator.OutOfMemoryError{Msg: "bitmap buddy has no free block of the requested size"}
	}

	a.bmp.SetSubtree(index, true)
	a.bmp.SetAncestors(index, true)

	off := a.offsetOfIndex(index, level)
	a.region.WriteInt32(off, int32(index))
	a.region.WriteInt32(off+4, int32(size))

	blk := a.blockSize(level)
	a.internalFragmentation += blk - int64(size)
	a.sparseFreeMemory -= blk
	a.live[index] = int64(size)

	return a.region.PointerAt(off + headerSize), nil
}

// Release returns a previously allocated block to the free tree and
// merges upward with its buddy whenever the pair is both free.
func (a *Allocator) Release(ptr unsafe.Pointer) error {
	blockStart := allocator.SubPtr(ptr, headerSize)
	off, ok := a.region.Offset(blockStart)
	if !ok {
		return &allocator.OutOfRangePointerError{Offset: off}
	}

	index := int(a.region.ReadInt32(off))
	requested := int64(a.region.ReadInt32(off + 4))

	if index == blankedIndex {
		return &allocator.CorruptMetadataError{Msg: "bitmap buddy release of memory whose metadata has already been blanked"}
	}
	if index < 0 || index >= a.bmp.Len() {
		return &allocator.CorruptMetadataError{Msg: "bitmap buddy index is out of range"}
	}
	level := a.levelOf(index)
	if level < 0 || a.offsetOfIndex(index, level) != off {
		return &allocator.CorruptMetadataError{Msg: "bitmap buddy header does not resolve to the released offset"}
	}
	if !a.bmp.Test(index) {
		return &allocator.DoubleFreeError{Offset: off}
	}

	a.bmp.Clear(index)
	a.bmp.SetSubtree(index, false)

	blk := a.blockSize(level)
	a.internalFragmentation -= blk - requested
	a.sparseFreeMemory += blk
	delete(a.live, index)

	a.region.WriteInt32(off, blankedIndex)
	a.region.WriteInt32(off+4, blankedIndex)

	a.mergeUp(index)
	return nil
}

// mergeUp walks upward from index clearing each ancestor whose two
// children are both free, stopping as soon as a buddy is still busy.
func (a *Allocator) mergeUp(index int) {
	cur := index
	for cur > 0 {
		buddy := bitmap.BuddyIndex(cur)
		if a.bmp.Test(buddy) {
			return
		}
		parent := bitmap.ParentIndex(cur)
		a.bmp.Clear(parent)
		cur = parent
	}
}

// Destroy unmaps the backing region.
func (a *Allocator) Destroy() error {
	return a.region.Close()
}

// Reset discards all live allocations and reconstructs the allocator
// from scratch with the parameters it was originally created with.
func (a *Allocator) Reset() error {
	if err := a.Destroy(); err != nil {
		return err
	}
	fresh, err := New(a.requestedSize, a.requestedLvls)
	if err != nil {
		return err
	}
	*a = *fresh
	return nil
}

// Verify walks the whole tree checking that every internal node's bit
// equals the logical OR of its two children, the invariant Allocate and
// Release are required to maintain at all times, then independently
// re-derives internal_fragmentation and sparse_free_memory from the live
// bit tree and the live index so it can catch a counter that has drifted
// even though the tree itself stayed internally consistent. It returns
// the recomputed stats plus the first violation found, or nil.
func (a *Allocator) Verify() (*allocator.AllocStats, error) {
	for level := a.numLevels - 2; level >= 0; level-- {
		first := bitmap.FirstIndexAtLevel(level)
		count := 1 << uint(level)
		for i := first; i < first+count; i++ {
			left := bitmap.LeftChildIndex(i)
			right := bitmap.RightChildIndex(i)
			want := a.bmp.Test(left) || a.bmp.Test(right)
			if a.bmp.Test(i) != want {
				return nil, &allocator.CorruptMetadataError{Msg: "bitmap buddy node bit disagrees with its children"}
			}
		}
	}

	// Free bytes: sum the block size of every "maximal" free node — a
	// clear bit whose parent is set (or which is the root). A clear bit
	// implies its whole subtree is clear too, so counting only the
	// topmost clear node in each free subtree avoids double-counting.
	var freeBytes int64
	for level := 0; level < a.numLevels; level++ {
		first := bitmap.FirstIndexAtLevel(level)
		count := 1 << uint(level)
		for i := first; i < first+count; i++ {
			if a.bmp.Test(i) {
				continue
			}
			if i != 0 && a.bmp.Test(bitmap.ParentIndex(i)) {
				freeBytes += a.blockSize(level)
			} else if i == 0 {
				freeBytes += a.blockSize(level)
			}
		}
	}

	// Alloc bytes and fragmentation: the live index is the only
	// structure that records which specific nodes are allocated blocks
	// as opposed to ancestors of two independently full subtrees, which
	// the bit tree alone cannot tell apart.
	var allocBytes, frag int64
	for index, requested := range a.live {
		level := a.levelOf(index)
		if level < 0 {
			return nil, &allocator.CorruptMetadataError{Msg: "bitmap buddy live index does not resolve to any level"}
		}
		allocBytes += requested
		frag += a.blockSize(level) - requested
	}

	stats := &allocator.AllocStats{
		TotalBytes: a.totalSize,
		AllocBytes: allocBytes,
		FreeBytes:  freeBytes,
		Blocks:     len(a.live),
	}

	if frag != a.internalFragmentation {
		return stats, &allocator.CorruptMetadataError{Msg: "bitmap buddy internal_fragmentation has drifted from the live tree"}
	}
	if freeBytes != a.sparseFreeMemory {
		return stats, &allocator.CorruptMetadataError{Msg: "bitmap buddy sparse_free_memory has drifted from the live tree"}
	}
	return stats, nil
}

// DebugString renders the free/busy bit for every tree node, grouped by
// level, for diagnostics; it is never consulted by Allocate or Release.
func (a *Allocator) DebugString() string {
	s := "bitmapbuddy levels:\n"
	for l := 0; l < a.numLevels; l++ {
		first := bitmap.FirstIndexAtLevel(l)
		count := 1 << uint(l)
		s += "  level "
		s += itoa(l)
		s += ": "
		for i := first; i < first+count; i++ {
			if a.bmp.Test(i) {
				s += "1"
			} else {
				s += "0"
			}
		}
		s += "\n"
	}
	return s
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
