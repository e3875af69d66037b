package allocator

import "fmt"

// InvalidArgumentError reports a constructor or request argument that is
// structurally impossible to satisfy: a zero size, a zero level count, or
// a level count beyond an engine's structural limit.
type InvalidArgumentError struct {
	Msg string
	Arg interface{}
}

func (e *InvalidArgumentError) Error() string {
	return fmt.Sprintf("invalid argument: %s (%v)", e.Msg, e.Arg)
}

// OutOfMemoryError reports that the OS refused to map the backing region
// at Init, or that the free pool could not serve an Allocate call.
type OutOfMemoryError struct {
	Msg string
}

func (e *OutOfMemoryError) Error() string { return "out of memory: " + e.Msg }

// OutOfRangePointerError reports a Release call with an address outside
// the managed region.
type OutOfRangePointerError struct {
	Offset int64
}

func (e *OutOfRangePointerError) Error() string {
	return fmt.Sprintf("pointer at offset %#x lies outside the managed region", e.Offset)
}

// CorruptMetadataError reports that the back-pointer or metadata record
// decoded from just before a user pointer failed a self-identity check:
// a data-pointer mismatch, a bitmap index or level out of range, or a
// null free-list pointer.
type CorruptMetadataError struct {
	Msg string
}

func (e *CorruptMetadataError) Error() string { return "corrupt metadata: " + e.Msg }

// DoubleFreeError reports that the block indicated by a Release call is
// already marked free.
type DoubleFreeError struct {
	Offset int64
}

func (e *DoubleFreeError) Error() string {
	return fmt.Sprintf("double free of block at offset %#x", e.Offset)
}

// SizeError reports that a request does not fit any block size an engine
// can serve: the request plus its header is larger than the whole region.
// A zero or negative request size is reported as InvalidArgumentError
// instead.
type SizeError struct {
	Requested int64
	Limit     int64
}

func (e *SizeError) Error() string {
	return fmt.Sprintf("requested size %d cannot be served (limit %d)", e.Requested, e.Limit)
}
