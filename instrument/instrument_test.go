package instrument

import (
	"testing"
	"unsafe"

	"github.com/libpsm/psm/undolog"
)

func testEngine(t *testing.T) (*Engine, *undolog.Log) {
	t.Helper()
	l, err := undolog.Open(t.TempDir(), false)
	if err != nil {
		t.Fatalf("undolog.Open: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return New(l, nil), l
}

func alignedBlock(t *testing.T, blocks int) uintptr {
	t.Helper()
	raw := make([]byte, (blocks+1)*undolog.Blk)
	base := uintptr(unsafe.Pointer(&raw[0]))
	if rem := base % undolog.Blk; rem != 0 {
		base += undolog.Blk - rem
	}
	return base
}

// TestStraddleTakesSlowPath: a 16-byte store at block offset 0x18
// crosses into the next 32-byte block; the alignment pre-check routes
// it to the slow path, which logs both blocks.
func TestStraddleTakesSlowPath(t *testing.T) {
	e, l := testEngine(t)
	base := alignedBlock(t, 2)
	addr := base + 0x18

	if e.FastPathHit(addr, 16) {
		t.Fatal("straddling store must miss the fast path")
	}
	e.OnStore(addr, 16)
	if l.Len() != 2 {
		t.Fatalf("len = %d, want 2 (both touched blocks logged)", l.Len())
	}
}

// TestFastPathSkipsLoggedBlock: the second store to a block finds it
// in the presence filter with a single no-probe load and skips the
// slow path entirely.
func TestFastPathSkipsLoggedBlock(t *testing.T) {
	e, l := testEngine(t)
	base := alignedBlock(t, 1)

	if e.FastPathHit(base, 8) {
		t.Fatal("unlogged block must miss the fast path")
	}
	e.OnStore(base, 8)
	if l.Len() != 1 {
		t.Fatalf("len = %d, want 1", l.Len())
	}
	if !e.FastPathHit(base+8, 8) {
		t.Fatal("second store to a logged block must hit the fast path")
	}
	e.OnStore(base+8, 8)
	if l.Len() != 1 {
		t.Fatalf("len = %d after fast-path hit, want still 1", l.Len())
	}
}

// TestSizeOneAlwaysPassesAlignmentCheck: a one-byte store can never
// straddle blocks, so only the filter load decides its path.
func TestSizeOneAlwaysPassesAlignmentCheck(t *testing.T) {
	e, l := testEngine(t)
	base := alignedBlock(t, 1)
	last := base + undolog.Blk - 1

	e.OnStore(last, 1)
	if l.Len() != 1 {
		t.Fatalf("len = %d, want 1", l.Len())
	}
	if !e.FastPathHit(last, 1) {
		t.Fatal("one-byte store to a logged block must hit the fast path")
	}
}
