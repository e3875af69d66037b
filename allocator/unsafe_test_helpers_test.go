package allocator

import "unsafe"

// unsafeSub returns a pointer n bytes before p, used only by tests that
// need to synthesize an out-of-range address.
func unsafeSub(p unsafe.Pointer, n uintptr) unsafe.Pointer {
	return unsafe.Pointer(uintptr(p) - n)
}
