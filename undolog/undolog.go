// Package undolog implements the block-granularity undo-log engine:
// for every store the consumer executes while replaying commands,
// either the store is durable and visible atomically with a recorded
// commit record, or a crash cleanly reverts it so the ring tail has
// not advanced past the last commit.
package undolog

import (
	"fmt"
	"log"
	"path/filepath"
	"unsafe"

	"github.com/libpsm/psm/pmem"
	"github.com/libpsm/psm/region"
)

const (
	// Blk is the undo unit: 32 aligned bytes, half a cache line,
	// deliberately chosen so no undo block straddles a cache line.
	Blk = 32

	// NumEntries is the fixed capacity of the undo-log array.
	NumEntries = 1024 * 512

	// HashSize is the capacity of the logged-addresses presence filter.
	// Must be a power of two.
	HashSize = 16384

	// CommitThreshold: when the log grows past this many entries, the
	// drain loop should commit after the current command.
	CommitThreshold = HashSize / 2

	// maxProbes bounds the open-addressing probe loop. It takes < 13
	// shifts to get perturb to zero.
	maxProbes = HashSize + 13

	entrySize = pmem.CacheLineSize

	logFileName = "undo_log"
)

// entry is one undo-log record, exactly one cache line. Addr == 0 and
// CommitTail > 0 marks a commit record whose CommitTail-1 is the ring
// tail to publish on recovery; Addr == 0 and CommitTail == 0 marks an
// unoccupied slot.
type entry struct {
	blk        [Blk]byte
	addr       uint64
	commitTail uint64
	_          [entrySize - Blk - 16]byte
}

func (e *entry) isNull() bool { return e.addr == 0 && e.commitTail == 0 }

// Log is the undo log: a fixed array of entries in a PM file plus
// three volatile accessories (len, the presence filter, and the
// fresh-region set). Single-writer: only the consumer touches it.
type Log struct {
	pm      *pmem.File
	entries []entry
	len     int

	// loggedAddrs is the open-addressed presence filter over block
	// addresses currently in the log. Volatile; rebuilt on recovery
	// from the persisted log. Slot value 0 means free.
	loggedAddrs []uintptr

	fresh region.RangeSet

	// ShouldCommit is set once len exceeds CommitThreshold; the drain
	// loop observes it and commits after the current command, then
	// clears it.
	ShouldCommit bool
}

// Open maps (creating if necessary) the undo-log file under dir. With
// recovered set, the volatile length and presence filter are rebuilt
// by scanning the persisted entries; otherwise the log is cleared.
func Open(dir string, recovered bool) (*Log, error) {
	pm, err := pmem.MapFile(filepath.Join(dir, logFileName), NumEntries*entrySize)
	if err != nil {
		return nil, fmt.Errorf("undolog: %w", err)
	}
	data := pm.Bytes()
	l := &Log{
		pm:          pm,
		entries:     unsafe.Slice((*entry)(unsafe.Pointer(&data[0])), NumEntries),
		loggedAddrs: make([]uintptr, HashSize),
	}

	if recovered {
		n := 0
		for n < NumEntries && !l.entries[n].isNull() {
			e := &l.entries[n]
			if e.commitTail > 0 && e.addr != 0 {
				return nil, fmt.Errorf("undolog: entry %d has both addr and commit_tail set", n)
			}
			if e.addr != 0 {
				l.insertLoggedAddr(uintptr(e.addr))
			}
			n++
		}
		l.len = n
	} else {
		// Zero whatever occupied prefix a previous run left behind.
		for l.len < NumEntries && !l.entries[l.len].isNull() {
			l.len++
		}
		l.clear()
	}
	return l, nil
}

// Close unmaps the undo-log file.
func (l *Log) Close() error { return l.pm.Close() }

// Len returns the number of occupied entries.
func (l *Log) Len() int { return l.len }

// insertLoggedAddr inserts a block address into the presence filter.
// Returns false if the address already exists, true otherwise (after
// inserting it if there was space). Python-style probing:
// i <- 5*i + perturb + 1; perturb >>= 5. Neither insertion nor lookup
// touches PM. On a full table it returns true, so the caller logs the
// block again -- correct but slower.
func (l *Log) insertLoggedAddr(addr uintptr) bool {
	hash := addr / Blk
	i := hash
	perturb := hash

	for count := 0; count < maxProbes; count++ {
		slot := &l.loggedAddrs[i%HashSize]
		if *slot == 0 {
			*slot = addr
			return true
		}
		if *slot == addr {
			return false
		}
		i = 5*i + perturb + 1
		perturb >>= 5
	}
	return true
}

// PeekSlot returns the presence-filter slot a block address hashes
// to, with no probing. This is the load the instrumentation fast path
// performs: if the returned value equals the block address the slow
// path is skipped; on any mismatch -- including a probe-displaced
// entry -- the slow path runs and resolves it.
func (l *Log) PeekSlot(blkAddr uintptr) uintptr {
	return l.loggedAddrs[(blkAddr/Blk)%HashSize]
}

// Record logs the pre-image of every undo block touched by a store to
// [addr, addr+size), skipping blocks already present in the filter and
// stores that land entirely in a fresh region. Returns true once it's
// time to commit; as soon as it returns true the caller should commit
// as soon as possible, ignoring the return value of further calls
// until then.
func (l *Log) Record(addr uintptr, size int) bool {
	if l.fresh.FindRange(addr, uintptr(size)) {
		// Newly allocated after the previous commit; the region is
		// torn down on rollback, so there is no pre-image to save.
		return false
	}

	blkStart := addr &^ (Blk - 1)
	for pn := blkStart; pn < addr+uintptr(size); pn += Blk {
		if !l.insertLoggedAddr(pn) {
			continue
		}
		if l.len >= NumEntries-1 {
			log.Fatalf("undolog: log full (%d entries)", l.len)
		}

		// The following writes land in the same cache line and are
		// thus ordered.
		e := &l.entries[l.len]
		pmem.Memmove(uintptr(unsafe.Pointer(&e.blk[0])), pn, Blk)
		e.addr = uint64(pn)
		e.commitTail = 0
		l.pm.Flush(l.len*entrySize, entrySize)
		// Entries may persist in any order as long as they are all
		// durable by the time Record returns.
		l.len++
	}
	if err := l.pm.Drain(); err != nil {
		log.Fatalf("undolog: drain: %v", err)
	}
	if l.len > CommitThreshold {
		l.ShouldCommit = true
	}
	return l.ShouldCommit
}

// MarkFresh records newly allocated memory [addr, addr+size). Writes
// to this region will not be logged until the next commit; upon
// commit, all of it is flushed. This is an optimization -- it is not
// necessary to call it for all new memory.
func (l *Log) MarkFresh(addr uintptr, size int) {
	l.fresh.Insert(addr, uintptr(size))
}

// RemoveFresh drops [addr, addr+size) from the fresh-region set (the
// shadow manager calls this from its munmap intercept).
func (l *Log) RemoveFresh(addr uintptr, size int) {
	l.fresh.Remove(addr, uintptr(size))
}

// Commit flushes the target data of every logged block and the
// interior of every fresh region, then appends a durable commit
// record carrying tail+1 (the shift reserves zero for "no commit").
// Only after Commit returns is it safe to advance the persistent ring
// tail.
func (l *Log) Commit(tail uint64) {
	for i := 0; i < l.len; i++ {
		pmem.SyncTarget(uintptr(l.entries[i].addr), Blk)
	}
	l.fresh.ForEach(func(start, size uintptr) {
		pmem.SyncTarget(start, int(size))
	})

	if l.len >= NumEntries {
		log.Fatalf("undolog: log full at commit (%d entries)", l.len)
	}
	e := &l.entries[l.len]
	e.addr = 0
	e.commitTail = tail + 1
	l.pm.Flush(l.len*entrySize, entrySize)
	l.len++
	if err := l.pm.Drain(); err != nil {
		log.Fatalf("undolog: commit drain: %v", err)
	}
}

// PostCommitCleanup zeroes the live prefix of the log with
// non-temporal stores and resets the volatile accessories.
// Precondition: the last entry is a commit record.
func (l *Log) PostCommitCleanup() {
	if l.len == 0 || l.entries[l.len-1].commitTail == 0 {
		log.Fatal("undolog: post-commit cleanup without a trailing commit record")
	}
	l.clear()
}

func (l *Log) clear() {
	if l.len > 0 {
		live := l.pm.Bytes()[:l.len*entrySize]
		pmem.MemsetNT(live, 0)
		l.pm.Flush(0, len(live))
	}
	l.len = 0
	for i := range l.loggedAddrs {
		l.loggedAddrs[i] = 0
	}
	l.fresh.Clear()
	if err := l.pm.Drain(); err != nil {
		log.Fatalf("undolog: clear drain: %v", err)
	}
}

// RegionTable is the slice of the shadow manager Recover needs: the
// pending-catalog-update half of the two-phase commit plus region
// re-mapping, which must happen after the table is resolved and
// before any rollback write.
type RegionTable interface {
	CommitNewTable() error
	ClearNewTable() error
	RecoverRegions() error
}

// Recover is the replay-then-truncate recovery procedure: if the last
// occupied entry is a commit record, the pending catalog update is
// committed and commit_tail-1 returned as the recovered ring tail;
// otherwise the pending update is discarded and entries are applied
// back to front, copying each saved block over its address, undoing
// all stores since the last commit. Returns -1 when there is no tail
// change.
func (l *Log) Recover(rt RegionTable) (int64, error) {
	if l.len > 0 {
		last := &l.entries[l.len-1]
		if last.commitTail > 0 {
			tail := int64(last.commitTail - 1)
			if err := rt.CommitNewTable(); err != nil {
				return -1, err
			}
			if err := rt.RecoverRegions(); err != nil {
				return -1, err
			}
			l.clear()
			return tail, nil
		}
	}
	if err := rt.ClearNewTable(); err != nil {
		return -1, err
	}
	if err := rt.RecoverRegions(); err != nil {
		return -1, err
	}

	for i := l.len; i > 0; i-- {
		e := &l.entries[i-1]
		if e.commitTail != 0 {
			return -1, fmt.Errorf("undolog: unexpected commit record at entry %d", i-1)
		}
		if e.addr == 0 {
			return -1, fmt.Errorf("undolog: null address at entry %d", i-1)
		}
		pmem.Memmove(uintptr(e.addr), uintptr(unsafe.Pointer(&e.blk[0])), Blk)
		pmem.SyncTarget(uintptr(e.addr), Blk)
	}

	l.clear()
	return -1, nil
}
