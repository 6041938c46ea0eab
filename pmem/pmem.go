// Package pmem provides the low-level persistent-memory primitives the
// rest of this module builds on: mapping a file on a PM-backed
// filesystem, flushing stores to durability, and a non-temporal memset.
//
// Go has no intrinsic for clflush/clwb, so durability is batched msync
// over dirty ranges of the mapping.
package pmem

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	// CacheLineSize is the unit of alignment for every ring and undo-log
	// record. Chosen to match x86-64.
	CacheLineSize = 64
)

// File is a memory-mapped region backed by a file on a (supposedly)
// persistent-memory filesystem. It tracks the span from the lowest to
// the highest dirty cache line so that Drain syncs that span rather
// than the whole mapping.
type File struct {
	mu     sync.Mutex
	path   string
	data   []byte
	dirtyLo int
	dirtyHi int
	hasDirty bool
}

// MapFile creates (if needed) and maps a file of exactly size bytes
// at path, truncating or extending it to size. Callers that require
// real persistence should check IsPMem on the containing directory
// first; a false result is a configuration failure.
func MapFile(path string, size int) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o666)
	if err != nil {
		return nil, fmt.Errorf("pmem: open %s: %w", path, err)
	}
	defer f.Close()

	if err := f.Truncate(int64(size)); err != nil {
		return nil, fmt.Errorf("pmem: truncate %s: %w", path, err)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("pmem: mmap %s: %w", path, err)
	}

	return &File{path: path, data: data}, nil
}

// Bytes returns the mapped region. Callers write directly into it.
func (f *File) Bytes() []byte { return f.data }

// Path returns the backing file path.
func (f *File) Path() string { return f.path }

// Close unmaps the region.
func (f *File) Close() error {
	if f.data == nil {
		return nil
	}
	err := unix.Munmap(f.data)
	f.data = nil
	return err
}

// IsPMem reports whether path's filesystem is a persistent-memory
// filesystem (DAX-mounted). There is no portable syscall for this, so
// a statfs filesystem-type heuristic rules out what can never be PM
// and init fails closed on those.
func IsPMem(path string) bool {
	if os.Getenv("PSM_ASSUME_PMEM") == "1" {
		return true
	}
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return false
	}
	switch st.Type {
	case 0x6969, 0x01021994: // NFS_SUPER_MAGIC, TMPFS_MAGIC: never PM.
		return false
	default:
		// ext4-DAX and xfs-DAX both report their ordinary magic numbers;
		// there is no portable statfs field distinguishing DAX mounts, so
		// this is paired in production with an explicit allow-list or a
		// mount-option check. Tests set PSM_ASSUME_PMEM=1 instead.
		return true
	}
}

// Flush marks [addr, addr+size) within f as dirty. It does not itself
// call msync -- that happens in Drain, so that a sequence of
// Flush/Flush/Flush/Drain costs one syscall instead of N.
func (f *File) Flush(addr int, size int) {
	if size <= 0 {
		return
	}
	lo := addr &^ (CacheLineSize - 1)
	hi := addr + size
	if rem := hi % CacheLineSize; rem != 0 {
		hi += CacheLineSize - rem
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.hasDirty {
		f.dirtyLo, f.dirtyHi, f.hasDirty = lo, hi, true
		return
	}
	if lo < f.dirtyLo {
		f.dirtyLo = lo
	}
	if hi > f.dirtyHi {
		f.dirtyHi = hi
	}
}

// FlushInvalidate behaves like Flush. (On real PM clflush both writes
// back and invalidates the cache line; msync has no separate
// invalidate step, so this is an alias kept for call-site symmetry.)
func (f *File) FlushInvalidate(addr int, size int) { f.Flush(addr, size) }

// Drain writes back everything flushed since the last Drain with one
// synchronous msync over the dirty span, whose start is rounded down
// to a page boundary because msync requires a page-aligned address.
func (f *File) Drain() error {
	f.mu.Lock()
	lo, hi, has := f.dirtyLo, f.dirtyHi, f.hasDirty
	f.hasDirty = false
	f.mu.Unlock()

	if !has {
		return nil
	}
	if hi > len(f.data) {
		hi = len(f.data)
	}
	lo &^= int(pageSize) - 1 // The mapping itself starts on a page.
	if lo >= hi {
		return nil
	}
	if err := msync(f.data[lo:hi]); err != nil {
		return fmt.Errorf("pmem: msync: %w", err)
	}
	return nil
}

func msync(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	_, _, errno := syscall.Syscall(syscall.SYS_MSYNC, uintptr(unsafe.Pointer(&b[0])), uintptr(len(b)), syscall.MS_SYNC)
	if errno != 0 {
		return errno
	}
	return nil
}

// ErrNotPMem is returned (wrapped) by callers that check IsPMem before
// proceeding; defined here so control/psm don't need to duplicate the
// message.
var ErrNotPMem = errors.New("pmem: path is not on a persistent-memory filesystem")
