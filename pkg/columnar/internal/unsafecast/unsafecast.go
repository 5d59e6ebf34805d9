// Package unsafecast reinterprets typed slices as raw bytes without copying.
package unsafecast

import "unsafe"

// Bytes returns the memory backing in as a byte slice. The result aliases in;
// it is only valid for as long as in is.
func Bytes[T any](in []T) []byte {
	if len(in) == 0 {
		return nil
	}

	var zero T
	size := int(unsafe.Sizeof(zero))
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(in))), len(in)*size)
}
