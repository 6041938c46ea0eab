// Package instrument defines the contract between the undo-log engine
// and a dynamic binary instrumentation collaborator: per-store
// callbacks plus mmap/munmap interception. A DBI engine (DynamoRIO,
// an eBPF probe, a compiler pass) needs to insert, before each
// application store, an alignment pre-check, a single load from the
// presence filter, and a conditional call into the slow path -- any
// engine offering that shape of hook works. The Engine type here is
// the reference implementation, called directly by instrumented
// consume functions and by tests.
package instrument

import (
	"github.com/libpsm/psm/region"
	"github.com/libpsm/psm/undolog"
)

// Interceptor is what a DBI engine (or an instrumented consume
// function) invokes around the consumer's memory operations.
type Interceptor interface {
	// OnStore runs before every application store to [addr, addr+size).
	OnStore(addr uintptr, size int)
	// Mmap replaces an anonymous mmap: the returned memory is shadowed
	// by a PM region image and recorded as fresh.
	Mmap(size int) ([]byte, error)
	// Munmap replaces munmap on shadowed memory.
	Munmap(addr uintptr, size int) error
}

// Engine binds the fast-path check and slow-path recording to one
// undo log and one shadow manager.
type Engine struct {
	log    *undolog.Log
	shadow *region.Shadow
}

var _ Interceptor = (*Engine)(nil)

// New returns an Engine over l; shadow may be nil when only store
// instrumentation is needed (tests, no_persist mode).
func New(l *undolog.Log, shadow *region.Shadow) *Engine {
	return &Engine{log: l, shadow: shadow}
}

// FastPathHit performs the inline pre-store check: a block-alignment
// test (a store straddling undo blocks always takes the slow path)
// followed by a single no-probe load from the presence filter. It
// returns true when the slow path can be skipped because this block
// is already logged.
func (e *Engine) FastPathHit(addr uintptr, size int) bool {
	if size > 1 && (addr^(addr+uintptr(size)-1)) > undolog.Blk-1 {
		return false // Straddles a block boundary.
	}
	blk := addr &^ (undolog.Blk - 1)
	return e.log.PeekSlot(blk) == blk
}

// SlowPath is the full recording routine; it alone touches PM and may
// set the undo log's should-commit flag.
func (e *Engine) SlowPath(addr uintptr, size int) {
	e.log.Record(addr, size)
}

// OnStore implements the per-store callback: fast-path check, then a
// clean call into the slow path on miss. The clean-call semantics
// guarantee the undo entry is durable before the application store
// that follows it can be.
func (e *Engine) OnStore(addr uintptr, size int) {
	if e.FastPathHit(addr, size) {
		return
	}
	e.SlowPath(addr, size)
}

// Mmap is the intercepted-mmap path: the anonymous mapping is allowed
// through, its (zero) contents persisted to a new region image, the
// region re-mapped MAP_SHARED from that file, and the range recorded
// as fresh so stores into it skip undo logging.
func (e *Engine) Mmap(size int) ([]byte, error) {
	mem, r, err := e.shadow.Alloc(size)
	if err != nil {
		return nil, err
	}
	e.log.MarkFresh(r.Base, int(r.Size))
	return mem, nil
}

// Munmap is the intercepted-munmap path: the range leaves the fresh
// set first, then the shadow manager unmaps it and persists any
// surviving prefix/suffix as a new region.
func (e *Engine) Munmap(addr uintptr, size int) error {
	e.log.RemoveFresh(addr, size)
	return e.shadow.Free(addr, size)
}
