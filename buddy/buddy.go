// Package buddy implements a linked-list buddy allocator: a power-of-two
// region split and coalesced by classical buddy discipline, with
// per-level free lists and small per-block node records drawn from an
// inner slab pool.
package buddy

import (
	"unsafe"

	"github.com/cznic/mathutil"

	"github.com/kastanomata/ripmalloc-so/allocator"
	"github.com/kastanomata/ripmalloc-so/dllist"
	"github.com/kastanomata/ripmalloc-so/slab"
)

// backPointerSize is the width of the back-pointer planted at the start
// of every block: the first 8 bytes of the block, just ahead of the
// user-visible span, hold a pointer back to the owning node record.
const backPointerSize = 8

// node is the side record describing one block. node values live inside
// the mmap'd region backing nodeSlab, never on
// the Go heap, so node.buddy/parent can be plain Go pointers: they always
// target other mmap'd bytes, never a Go-heap object the GC would need to
// keep alive on their behalf.
type node struct {
	dllist.Node // MUST be first: nodeOf relies on this.
	data        unsafe.Pointer
	size        int64
	level       int
	isFree      bool
	requested   int64
	buddy       *node
	parent      *node
}

// nodeOf recovers the *node embedding n.
func nodeOf(n *dllist.Node) *node { return (*node)(unsafe.Pointer(n)) }

// Allocator is a linked-list buddy engine.
type Allocator struct {
	region    *allocator.Region
	nodeSlab  *slab.Allocator
	freeLists []dllist.List // one per level, index 0 is the whole region

	totalSize     int64
	numLevels     int // post-bump level count; level 0..numLevels-1
	minBlockSize  int64
	requestedSize int64
	requestedLvls int

	internalFragmentation int64
	sparseFreeMemory      int64

	// live tracks every node currently serving a live allocation. It
	// exists purely so Verify can re-derive internal_fragmentation and
	// sparse_free_memory from the live tree instead of trusting the
	// running counters above; Allocate/Release never consult it.
	live map[*node]struct{}
}

var _ allocator.VariableBlockAllocator = (*Allocator)(nil)

// New constructs a buddy allocator managing a power-of-two-rounded region
// of at least totalSize bytes split into numLevels+1 levels: the extra
// level is added internally so level 0 represents the whole region and
// the caller's numLevels counts splits below it.
func New(totalSize int64, numLevels int) (*Allocator, error) {
	if totalSize <= 0 {
		return nil, &allocator.InvalidArgumentError{Msg: "buddy total size must be positive", Arg: totalSize}
	}
	if numLevels <= 0 {
		return nil, &allocator.InvalidArgumentError{Msg: "buddy level count must be positive", Arg: numLevels}
	}

	rounded := allocator.RoundPow2(totalSize)
	effLevels := numLevels + 1
	minBlock := rounded >> uint(effLevels-1)
	for minBlock < backPointerSize+1 && effLevels > 1 {
		effLevels--
		minBlock = rounded >> uint(effLevels-1)
	}
	if minBlock < backPointerSize+1 {
		return nil, &allocator.InvalidArgumentError{Msg: "region too small to hold even one block's back-pointer", Arg: rounded}
	}

	region, err := allocator.NewRegion(rounded)
	if err != nil {
		return nil, err
	}

	maxNodes := 1<<uint(effLevels) - 1
	nodeSlab, err := slab.New(int64(unsafe.Sizeof(node{})), maxNodes)
	if err != nil {
		region.Close()
		return nil, err
	}

	a := &Allocator{
		region:        region,
		nodeSlab:      nodeSlab,
		freeLists:     make([]dllist.List, effLevels),
		totalSize:     rounded,
		numLevels:     effLevels,
		minBlockSize:  minBlock,
		requestedSize: totalSize,
		requestedLvls: numLevels,
		sparseFreeMemory: rounded,
		live:          make(map[*node]struct{}),
	}
	if err := a.placeRoot(); err != nil {
		nodeSlab.Destroy()
		region.Close()
		return nil, err
	}
	return a, nil
}

func (a *Allocator) placeRoot() error {
	ptr, err := a.nodeSlab.Allocate()
	if err != nil {
		return err
	}
	root := (*node)(ptr)
	*root = node{data: a.region.PointerAt(0), size: a.totalSize, level: 0, isFree: true}
	a.freeLists[0].PushBack(&root.Node)
	return nil
}

func (a *Allocator) blockSize(level int) int64 { return a.totalSize >> uint(level) }

// IsVariableSize always reports true.
func (a *Allocator) IsVariableSize() bool { return true }

// InternalFragmentation returns Σ (block_size_served - bytes_requested)
// over live allocations.
func (a *Allocator) InternalFragmentation() int64 { return a.internalFragmentation }

// SparseFreeMemory returns the number of bytes not committed to any live
// allocation.
func (a *Allocator) SparseFreeMemory() int64 { return a.sparseFreeMemory }

// NumLevels returns the level count after the internal bump New applies,
// which any external collaborator sizing its own pointer table from
// 2^(num_levels-1) must use instead of the value it originally requested.
func (a *Allocator) NumLevels() int { return a.numLevels }

// chooseLevel returns the deepest (smallest block) level whose block
// size is still >= need, or -1 if even the whole region is too small.
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

// Allocate serves a request of size bytes from the smallest level whose
// block still fits the request plus its back-pointer header.
func (a *Allocator) Allocate(size int) (unsafe.Pointer, error) {
	if size <= 0 {
		return nil, &allocator.InvalidArgumentError{Msg: "buddy allocate size must be positive", Arg: size}
	}
	adjusted := allocator.Align8(int64(size) + backPointerSize)

	level := a.chooseLevel(adjusted)
	if level < 0 {
		return nil, &allocator.SizeError{Requested: int64(size), Limit: mathutil.MaxInt64(a.totalSize-backPointerSize, 0)}
	}

	n, err := a.popOrSplit(level)
	if err != nil {
		return nil, err
	}

	n.isFree = false
	n.requested = int64(size)
	a.region.WriteInt64(a.offsetOf(n.data), allocator.PtrToInt64(unsafe.Pointer(n)))
	a.internalFragmentation += n.size - n.requested
	a.sparseFreeMemory -= n.size
	a.live[n] = struct{}{}

	return allocator.AddPtr(n.data, backPointerSize), nil
}

func (a *Allocator) offsetOf(p unsafe.Pointer) int64 {
	off, _ := a.region.Offset(p)
	return off
}

// popOrSplit returns a free block at level, splitting a larger free block
// down from whatever level actually has one available: it walks upward
// toward level 0 looking for a free block, then splits back down.
func (a *Allocator) popOrSplit(level int) (*node, error) {
	if n := a.freeLists[level].PopFront(); n != nil {
		return nodeOf(n), nil
	}
	if level == 0 {
		return nil, &allocator.OutOfMemoryError{Msg: "buddy region has no free block of any size"}
	}

	parent, err := a.popOrSplit(level - 1)
	if err != nil {
		return nil, err
	}

	left, right, err := a.split(parent, level)
	if err != nil {
		// Rollback: the parent was never mutated by a failed split, put
		// it back exactly where popOrSplit found it.
		a.freeLists[level-1].PushFront(&parent.Node)
		return nil, err
	}

	a.freeLists[level].PushBack(&right.Node)
	return left, nil
}

// split carves parent (at level childLevel-1) into two children at
// childLevel: left is always the lower address, right the upper one.
func (a *Allocator) split(parent *node, childLevel int) (left, right *node, err error) {
	leftPtr, err := a.nodeSlab.Allocate()
	if err != nil {
		return nil, nil, err
	}
	rightPtr, err := a.nodeSlab.Allocate()
	if err != nil {
		a.nodeSlab.Release(leftPtr)
		return nil, nil, err
	}

	childSize := parent.size / 2
	left = (*node)(leftPtr)
	right = (*node)(rightPtr)
	*left = node{data: parent.data, size: childSize, level: childLevel, isFree: true, parent: parent, buddy: right}
	*right = node{data: allocator.AddPtr(parent.data, childSize), size: childSize, level: childLevel, isFree: true, parent: parent, buddy: left}
	parent.isFree = false
	return left, right, nil
}

// Release returns a previously allocated block to its free list and
// merges it with its buddy when possible.
func (a *Allocator) Release(ptr unsafe.Pointer) error {
	blockStart := allocator.SubPtr(ptr, backPointerSize)
	off, ok := a.region.Offset(blockStart)
	if !ok {
		return &allocator.OutOfRangePointerError{Offset: off}
	}

	raw := a.region.ReadInt64(off)
	n := (*node)(allocator.Int64ToPtr(raw))
	if n == nil || n.data != blockStart {
		return &allocator.CorruptMetadataError{Msg: "buddy back-pointer does not resolve to the released block"}
	}
	if n.level < 0 || n.level >= a.numLevels {
		return &allocator.CorruptMetadataError{Msg: "buddy node has a corrupted level field"}
	}
	if n.isFree {
		return &allocator.DoubleFreeError{Offset: off}
	}

	a.internalFragmentation -= n.size - n.requested
	a.sparseFreeMemory += n.size
	delete(a.live, n)
	n.isFree = true
	a.freeLists[n.level].PushFront(&n.Node)

	a.mergeUp(n)
	return nil
}

// mergeUp walks upward while the current node has a parent and its
// buddy is free: it detaches both siblings, returns their node records
// to the slab, and re-marks the parent as free at its own level.
func (a *Allocator) mergeUp(n *node) {
	cur := n
	for cur.parent != nil {
		buddy := cur.buddy
		if !buddy.isFree {
			return
		}

		a.freeLists[cur.level].Detach(&cur.Node)
		a.freeLists[buddy.level].Detach(&buddy.Node)

		parent := cur.parent
		a.nodeSlab.Release(unsafe.Pointer(cur))
		a.nodeSlab.Release(unsafe.Pointer(buddy))

		parent.isFree = true
		a.freeLists[parent.level].PushBack(&parent.Node)
		cur = parent
	}
}

// Destroy releases the node slab and the managed region.
func (a *Allocator) Destroy() error {
	if err := a.nodeSlab.Destroy(); err != nil {
		return err
	}
	return a.region.Close()
}

// Reset discards all live allocations and reconstructs the allocator from
// scratch with the parameters it was originally created with.
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

// Verify walks every per-level free list confirming each entry is
// actually marked free and sized for its level, then independently
// re-derives internal_fragmentation and sparse_free_memory from the
// free lists and the live node set, comparing the result against the
// running counters. Modeled on lldb.Allocator.Verify, which walks a
// file's free list end to end and reports the stats it finds.
func (a *Allocator) Verify() (*allocator.AllocStats, error) {
	var freeBytes int64
	for level := 0; level < a.numLevels; level++ {
		for cur := a.freeLists[level].Head(); cur != nil; cur = cur.Next() {
			n := nodeOf(cur)
			if !n.isFree {
				return nil, &allocator.CorruptMetadataError{Msg: "buddy free list holds a node marked busy"}
			}
			if n.level != level {
				return nil, &allocator.CorruptMetadataError{Msg: "buddy free list node has a mismatched level"}
			}
			freeBytes += n.size
		}
	}

	var allocBytes, frag int64
	for n := range a.live {
		if n.isFree {
			return nil, &allocator.CorruptMetadataError{Msg: "buddy live set holds a node marked free"}
		}
		allocBytes += n.requested
		frag += n.size - n.requested
	}

	stats := &allocator.AllocStats{
		TotalBytes: a.totalSize,
		AllocBytes: allocBytes,
		FreeBytes:  freeBytes,
		Blocks:     len(a.live),
	}

	if frag != a.internalFragmentation {
		return stats, &allocator.CorruptMetadataError{Msg: "buddy internal_fragmentation has drifted from the live tree"}
	}
	if freeBytes != a.sparseFreeMemory {
		return stats, &allocator.CorruptMetadataError{Msg: "buddy sparse_free_memory has drifted from the live tree"}
	}
	return stats, nil
}

// DebugString renders the free-list-per-level state for diagnostics; it
// is never consulted by Allocate or Release.
func (a *Allocator) DebugString() string {
	s := "buddy levels:\n"
	for l := 0; l < a.numLevels; l++ {
		s += "  level "
		s += itoa(l)
		s += ": block="
		s += itoa64(a.blockSize(l))
		s += " free="
		s += itoa(a.freeLists[l].Len())
		s += "\n"
	}
	return s
}

func itoa(n int) string  { return itoa64(int64(n)) }
func itoa64(n int64) string {
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
