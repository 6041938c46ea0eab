// Package psm is a persistent speculative memory library: an embedder
// hands in a pure consume function that interprets opaque command
// records, and gains crash consistency for the side effects of those
// commands without decorating its own data structures. Commands flow
// through a circular log on persistent memory from a foreground
// producer to a background consumer process, which replays them under
// byte-granularity undo logging; on crash the consumer is restored to
// a known-good image, rolls back any partial replay, and both
// processes resume from the last commit.
//
// The library is a process-wide singleton: one ring, one undo log,
// one region catalog per process pair. Only one Init per process pair
// is supported.
package psm

import (
	"errors"
	"sync"

	"github.com/libpsm/psm/checkpoint"
	"github.com/libpsm/psm/control"
	"github.com/libpsm/psm/region"
)

// Mode selects the background durability strategy.
type Mode = control.Mode

const (
	ModeNoPersist = control.NoPersist
	ModeUndo      = control.Undo
	ModeChkpt     = control.Chkpt
)

// ConsumeFunc parses the record at buf[0] and returns the number of
// payload bytes it consumed. It must be deterministic and idempotent
// relative to the current memory state: the foreground may replay the
// same records during recovery, so any externally observable side
// effect must be a pure function of the committed state plus the
// record. The record must not begin with a zero byte.
type ConsumeFunc func(buf []byte) int

// Config is everything Init needs; zero values are not usable -- at
// minimum ConsumeFn (or ConsumeSGAFn with UseSGA) and PMPath must be
// set, and PinCore should be -1 to skip pinning.
type Config struct {
	ConsumeFn ConsumeFunc
	Mode      Mode
	PMPath    string // Directory on a persistent-memory filesystem.
	PinCore   int    // Pin the consumer process to this core (-1: don't).
	UseSGA    bool   // Records are scatter/gather segment lists.

	// ConsumeSGAFn replaces ConsumeFn when UseSGA is set: the
	// consumer's dispatch reconstructs the segment list pushed by
	// PushSGA and invokes it.
	ConsumeSGAFn func(segs [][]byte)

	// Checkpointer overrides the checkpoint/restore service; nil
	// selects the local-directory reference implementation under
	// PMPath.
	Checkpointer checkpoint.Checkpointer
}

var (
	// ErrAlreadyInitialized: Init was called twice in one process.
	ErrAlreadyInitialized = errors.New("psm: already initialized")
	// ErrNotInitialized: a ring operation before Init.
	ErrNotInitialized = errors.New("psm: not initialized")
	// ErrNoSGAConsumeFn: UseSGA set without ConsumeSGAFn.
	ErrNoSGAConsumeFn = errors.New("psm: use_sga requires ConsumeSGAFn")
)

var (
	mu sync.Mutex
	h  *control.Handle
)

// Init maps the ring, spawns the background consumer, and (after a
// crash) drives the recovery handshake before returning. In the
// consumer process it never returns. Producer-side errors are
// returned only from Init; all hot-path operations are infallible by
// construction apart from documented programming errors.
func Init(cfg Config) error {
	mu.Lock()
	defer mu.Unlock()
	if h != nil {
		return ErrAlreadyInitialized
	}

	f := control.Config{
		Mode:         cfg.Mode,
		PMPath:       cfg.PMPath,
		PinCore:      cfg.PinCore,
		UseSGA:       cfg.UseSGA,
		Checkpointer: cfg.Checkpointer,
	}
	if cfg.UseSGA {
		if cfg.ConsumeSGAFn == nil {
			return ErrNoSGAConsumeFn
		}
		f.ConsumeFn = sgaDispatch(cfg.ConsumeSGAFn)
	} else if cfg.ConsumeFn != nil {
		f.ConsumeFn = func(buf []byte) int { return cfg.ConsumeFn(buf) }
	}

	handle, err := control.Init(f)
	if err != nil {
		return err
	}
	h = handle
	return nil
}

// Reserve allocates n payload bytes in the ring and returns the
// buffer to write them into; nothing is visible to the consumer until
// Commit. The payload must not begin with a zero byte.
func Reserve(n int) ([]byte, error) {
	if h == nil {
		return nil, ErrNotInitialized
	}
	return h.Ring.Reserve(n)
}

// Push reserves and copies one record.
func Push(b []byte) error {
	if h == nil {
		return ErrNotInitialized
	}
	return h.Ring.Push(b)
}

// Commit publishes all records reserved or pushed since the last
// Commit. With pushOnly set the payload flush is skipped (the caller
// already flushed it).
func Commit(pushOnly bool) error {
	if h == nil {
		return ErrNotInitialized
	}
	return h.Ring.Commit(pushOnly)
}

// OnStore is the instrumentation hook an embedder's consume function
// calls before each store to shadowed memory (in place of the binary
// instrumentation engine that would insert the call automatically).
// A no-op in the foreground: replay there runs in the producer's own
// address space and must not undo-log.
func OnStore(addr uintptr, size int) {
	if e := control.Hooks(); e != nil {
		e.OnStore(addr, size)
	}
}

// Alloc returns size bytes of anonymous private read-write memory. In
// the consumer it goes through the intercepted-mmap path, so the
// region is shadowed by a PM image file and marked fresh; in the
// foreground it is a plain anonymous mapping.
func Alloc(size int) ([]byte, error) {
	if e := control.Hooks(); e != nil {
		return e.Mmap(size)
	}
	return region.AnonMap(size)
}

// Free releases memory obtained from Alloc.
func Free(b []byte) error {
	if e := control.Hooks(); e != nil {
		return e.Munmap(addrOf(b), len(b))
	}
	return region.AnonUnmap(b)
}
