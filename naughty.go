package rpan

import (
	"reflect"
	"unsafe"
)

// MakeIterator makes a row iterator over an m x n plane. The rows share the plane's backing.
func MakeIterator(plane []float32, m, n int) (retVal [][]float32) {
	retVal = borrowIterator(m, n)
	for i := range retVal {
		start := i * n
		hdr := (*reflect.SliceHeader)(unsafe.Pointer(&retVal[i]))
		hdr.Data = uintptr(unsafe.Pointer(&plane[start]))
		hdr.Len = n
		hdr.Cap = n
	}
	return
}
