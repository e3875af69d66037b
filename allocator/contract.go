// Package allocator defines the polymorphic contract shared by every
// concrete allocation engine in this module (slab, linked-list buddy,
// bitmap buddy), the error taxonomy engines report through that contract,
// and the single OS-memory-acquisition abstraction (Region) all three
// engines build on.
//
// Go has no struct inheritance, so the base-allocator-embedded-first
// pattern common to C allocator hierarchies is realized here as an
// interface instead: any concrete engine that implements the methods
// below IS an Allocator, and a caller holding only the interface value
// can drive any engine without knowing which one it is.
package allocator

import "unsafe"

// Allocator is the operation set every concrete engine supports
// regardless of whether it serves fixed- or variable-sized requests.
type Allocator interface {
	// Destroy releases all resources owned by the allocator: its backing
	// region(s) and any side pools. Destroy is not required to be
	// idempotent; calling it twice has unspecified behavior.
	Destroy() error

	// Release returns a previously allocated pointer to the pool. ptr
	// MUST have been returned by a prior successful Allocate call on the
	// same allocator and MUST NOT have already been released.
	Release(ptr unsafe.Pointer) error

	// IsVariableSize reports whether this engine serves requests of
	// varying size (true for the buddy engines) or only ever hands out
	// slots of one fixed size (false for the slab engine). An external
	// driver uses this to decide whether to pass a size to Allocate,
	// mirroring the is_variable_size_allocation flag a trace-driven
	// benchmark would set from the trace's creation line.
	IsVariableSize() bool
}

// FixedSizeAllocator is implemented by engines that ignore size in
// Allocate because every slot they hand out is the same size.
type FixedSizeAllocator interface {
	Allocator
	// Allocate returns a pointer to a fresh slot, or an error if the
	// pool is exhausted.
	Allocate() (unsafe.Pointer, error)
}

// VariableBlockAllocator is implemented by engines that serve requests of
// varying size and therefore track fragmentation. It refines Allocator
// with an Allocate that takes a size and with the two read-only
// fragmentation counters any external collaborator may sample after
// every operation.
type VariableBlockAllocator interface {
	Allocator
	// Allocate returns a pointer to a block able to hold size bytes, or
	// an error if no block of sufficient size can currently be served.
	Allocate(size int) (unsafe.Pointer, error)

	// InternalFragmentation returns the running total, across all live
	// allocations, of served block size minus requested bytes.
	InternalFragmentation() int64

	// SparseFreeMemory returns the number of bytes not currently
	// committed to any live allocation, including the block-internal
	// overhead of free blocks.
	SparseFreeMemory() int64
}
