package memprot

import (
	"unsafe"
)

// Slice returns a byte slice aliasing raw memory at addr. The address must
// be mapped for at least size bytes; there is no way to validate that here.
func Slice(addr, size uintptr) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
}

// ReadPointer reads a pointer-sized value from addr.
func ReadPointer(addr uintptr) uintptr {
	return *(*uintptr)(unsafe.Pointer(addr))
}

// WritePointer stores a pointer-sized value at addr. The page must already
// be writable.
func WritePointer(addr, val uintptr) {
	*(*uintptr)(unsafe.Pointer(addr)) = val
}

// PointerSize is the width of one dispatch-table slot.
const PointerSize = unsafe.Sizeof(uintptr(0))
