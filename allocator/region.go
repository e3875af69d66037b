package allocator

import (
	"encoding/binary"
	"unsafe"

	"golang.org/x/sys/unix"
)

// PageSize is the allocation granularity Region rounds mmap requests up
// to. It matches the value lldb.AllocStats-era storage engines would have
// picked up from the OS; here it is fixed rather than probed, since every
// engine in this module requests memory exactly once and the value only
// affects how much is rounded up, never correctness.
const PageSize = 4096

// Region is the one OS-memory-acquisition abstraction every engine in
// this module is built on: a single anonymous mmap'd span of bytes,
// acquired once at construction and released once at Destroy, so that
// each allocator calls the OS exactly twice during its lifetime. It
// plays the same role here that lldb.Filer plays for cznic/exp/lldb,
// minus persistence: Region has no notion of a name or of surviving
// process restart.
//
// Region is also the single audited module where raw offsets into the
// mapped bytes are turned into unsafe.Pointer values and back. Every
// other package in this module reaches into a Region only through the
// bounds-checked accessors below, never by doing its own pointer
// arithmetic.
type Region struct {
	mem []byte
}

// NewRegion mmaps an anonymous, private region of at least size bytes,
// rounded up to a whole number of pages. size must be positive.
func NewRegion(size int64) (*Region, error) {
	if size <= 0 {
		return nil, &InvalidArgumentError{Msg: "region size must be positive", Arg: size}
	}
	rounded := (size + PageSize - 1) &^ (PageSize - 1)
	mem, err := unix.Mmap(-1, 0, int(rounded), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, &OutOfMemoryError{Msg: "mmap failed: " + err.Error()}
	}
	return &Region{mem: mem}, nil
}

// Close munmaps the region. Close is idempotent: calling it on an
// already-closed Region is a no-op.
func (r *Region) Close() error {
	if r.mem == nil {
		return nil
	}
	err := unix.Munmap(r.mem)
	r.mem = nil
	if err != nil {
		return &OutOfMemoryError{Msg: "munmap failed: " + err.Error()}
	}
	return nil
}

// Len returns the region's size in bytes, including any page rounding
// NewRegion applied.
func (r *Region) Len() int64 { return int64(len(r.mem)) }

// Base returns a pointer to the first byte of the region. It exists so
// engines can compute offsets of pointers they receive back from
// Allocate via Offset without holding onto the Region's internal
// slice directly.
func (r *Region) Base() unsafe.Pointer {
	if len(r.mem) == 0 {
		return nil
	}
	return unsafe.Pointer(&r.mem[0])
}

// PointerAt returns a pointer to byte offset off within the region. off
// MUST satisfy 0 <= off < Len(); PointerAt does not itself bounds-check
// beyond what a slice index would, callers needing a user-facing bounds
// error should use InBounds first.
func (r *Region) PointerAt(off int64) unsafe.Pointer {
	return unsafe.Pointer(&r.mem[off])
}

// InBounds reports whether off denotes a byte inside the region.
func (r *Region) InBounds(off int64) bool {
	return off >= 0 && off < int64(len(r.mem))
}

// Offset computes the byte offset of ptr within the region and reports
// whether ptr actually lies inside it. A pointer crafted outside the
// region (e.g. base-1) reports ok == false.
func (r *Region) Offset(ptr unsafe.Pointer) (off int64, ok bool) {
	if len(r.mem) == 0 {
		return 0, false
	}
	base := uintptr(r.Base())
	p := uintptr(ptr)
	if p < base {
		return 0, false
	}
	off = int64(p - base)
	if off >= int64(len(r.mem)) {
		return 0, false
	}
	return off, true
}

// Bytes exposes the backing slice directly for callers that need to slice
// into a block's payload span, e.g. to zero or compare whole spans in
// tests. Bounds are the caller's responsibility.
func (r *Region) Bytes() []byte { return r.mem }

// WriteInt64 writes v as 8 little-endian bytes starting at off.
func (r *Region) WriteInt64(off int64, v int64) {
	binary.LittleEndian.PutUint64(r.mem[off:off+8], uint64(v))
}

// ReadInt64 reads 8 little-endian bytes starting at off.
func (r *Region) ReadInt64(off int64) int64 {
	return int64(binary.LittleEndian.Uint64(r.mem[off : off+8]))
}

// WriteInt32 writes v as 4 little-endian bytes starting at off.
func (r *Region) WriteInt32(off int64, v int32) {
	binary.LittleEndian.PutUint32(r.mem[off:off+4], uint32(v))
}

// ReadInt32 reads 4 little-endian bytes starting at off.
func (r *Region) ReadInt32(off int64) int32 {
	return int32(binary.LittleEndian.Uint32(r.mem[off : off+4]))
}

// RoundPow2 returns the smallest power of two >= n. The buddy engines
// round total_size to a power of two before sizing the region backing
// it, because their bit-tree / level arithmetic is only correct when
// every level divides the region evenly.
func RoundPow2(n int64) int64 {
	if n <= 1 {
		return 1
	}
	p := int64(1)
	for p < n {
		p <<= 1
	}
	return p
}

// Align8 rounds n up to the next multiple of 8, the alignment floor every
// Allocate call in this module guarantees.
func Align8(n int64) int64 {
	return (n + 7) &^ 7
}

// AddPtr returns a pointer n bytes past p. Used by the buddy engines to
// compute a child block's address from its parent's without leaving the
// bounds-checked Region API more than once per split.
func AddPtr(p unsafe.Pointer, n int64) unsafe.Pointer {
	return unsafe.Pointer(uintptr(p) + uintptr(n))
}

// SubPtr returns a pointer n bytes before p.
func SubPtr(p unsafe.Pointer, n int64) unsafe.Pointer {
	return unsafe.Pointer(uintptr(p) - uintptr(n))
}

// PtrToInt64 encodes p as a plain integer so it can be planted as an
// 8-byte back-pointer inside a managed region. The pointer MUST target
// memory outside the Go heap (an
// mmap'd Region, or a value drawn from a slab.Allocator backed by one) so
// that hiding it inside a byte buffer the garbage collector does not scan
// can never cause it to be the last reachable reference to a live
// Go-heap object.
func PtrToInt64(p unsafe.Pointer) int64 { return int64(uintptr(p)) }

// Int64ToPtr reverses PtrToInt64.
func Int64ToPtr(v int64) unsafe.Pointer { return unsafe.Pointer(uintptr(v)) }
