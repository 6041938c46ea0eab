package region

import "unsafe"

// ptrToSlice builds a []byte view over size bytes starting at the raw
// address returned by a direct mmap syscall (see mmapAnon and
// mmapRegionFile in shadow.go -- golang.org/x/sys/unix.Mmap doesn't
// expose the raw address mmap(2) returns, which MAP_FIXED recovery
// needs to pin to).
func ptrToSlice(addr uintptr, size int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
}

// addrOf returns the address of a slice's backing array.
func addrOf(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}
