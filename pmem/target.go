package pmem

import (
	"os"
	"syscall"
	"unsafe"
)

var pageSize = uintptr(os.Getpagesize())

// SyncTarget flushes [addr, addr+size) of mapped memory to its
// backing store. Unlike File.Flush/Drain, which batch dirty ranges of
// one known mapping, SyncTarget takes a raw address: the undo-log
// commit step flushes the *target* data of every logged store, and
// those targets live in whichever MAP_SHARED region image the shadow
// manager put them in. msync wants a page-aligned address, so the
// range is widened to page boundaries.
//
// Errors are swallowed: a cache-line flush on real PM cannot fail.
// When the target lies in an anonymous mapping (as it does in tests)
// msync has nothing to write back.
func SyncTarget(addr uintptr, size int) {
	if size <= 0 {
		return
	}
	lo := addr &^ (pageSize - 1)
	hi := addr + uintptr(size)
	if rem := hi % pageSize; rem != 0 {
		hi += pageSize - rem
	}
	syscall.Syscall(syscall.SYS_MSYNC, lo, hi-lo, syscall.MS_SYNC)
}

// Memmove copies size bytes between raw addresses. The undo engine
// uses it both to capture a block's pre-image and to copy it back
// during rollback.
func Memmove(dst, src uintptr, size int) {
	copy(unsafe.Slice((*byte)(unsafe.Pointer(dst)), size),
		unsafe.Slice((*byte)(unsafe.Pointer(src)), size))
}
