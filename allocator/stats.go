package allocator

// AllocStats summarizes the block-accounting state a VariableBlockAllocator's
// Verify method re-derives from its live free/used structure and checks
// against the counters it otherwise maintains incrementally. Modeled on
// the stats lldb.Allocator.Verify reports after walking a file's free
// list end to end.
type AllocStats struct {
	TotalBytes int64 // size of the whole managed region
	AllocBytes int64 // bytes requested by live allocations (excluding internal fragmentation)
	FreeBytes  int64 // bytes not committed to any live allocation
	Blocks     int   // number of live allocated blocks
}
