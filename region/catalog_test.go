package region

import (
	"os"
	"path/filepath"
	"testing"
)

// TestCatalogTableRoundTrip: after AddRegion plus the two-phase table
// commit, a re-open of table.dat yields the same (base, size,
// file_id) set.
func TestCatalogTableRoundTrip(t *testing.T) {
	dir := t.TempDir()
	c := Open(dir)

	content := make([]byte, 4096)
	r, err := c.AddRegion(0x7f0000000000, content)
	if err != nil {
		t.Fatalf("AddRegion: %v", err)
	}
	if err := c.PersistNewTable(); err != nil {
		t.Fatalf("PersistNewTable: %v", err)
	}
	if err := c.CommitNewTable(); err != nil {
		t.Fatalf("CommitNewTable: %v", err)
	}

	c2 := Open(dir)
	if err := c2.LoadTable(); err != nil {
		t.Fatalf("LoadTable: %v", err)
	}
	regions := c2.Regions()
	if len(regions) != 1 || regions[0] != r {
		t.Fatalf("reloaded regions = %+v, want [%+v]", regions, r)
	}
	if !c2.DoesManage(r.Base + 100) {
		t.Fatal("reloaded catalog should manage an interior address")
	}
	if c2.DoesManage(r.Base + r.Size) {
		t.Fatal("address one past the region should not be managed")
	}
}

// TestClearNewTableDiscardsPendingUpdate: an aborted commit leaves
// table.dat at its previous contents.
func TestClearNewTableDiscardsPendingUpdate(t *testing.T) {
	dir := t.TempDir()
	c := Open(dir)

	if _, err := c.AddRegion(0x7f0000000000, make([]byte, 64)); err != nil {
		t.Fatalf("AddRegion: %v", err)
	}
	if err := c.PersistNewTable(); err != nil {
		t.Fatalf("PersistNewTable: %v", err)
	}
	if err := c.ClearNewTable(); err != nil {
		t.Fatalf("ClearNewTable: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, newTableFile)); !os.IsNotExist(err) {
		t.Fatalf("new_table.dat still present (err=%v)", err)
	}
	c2 := Open(dir)
	if err := c2.LoadTable(); err != nil {
		t.Fatalf("LoadTable: %v", err)
	}
	if len(c2.Regions()) != 0 {
		t.Fatalf("regions = %+v, want none (update was discarded)", c2.Regions())
	}
}

// TestRegionFileName: lowercase hex, no leading zeros, mem_%x_%x.
func TestRegionFileName(t *testing.T) {
	r := Region{Base: 0x7FAB, Size: 64, FileID: 0x1F}
	if got := r.FileName(); got != "mem_7fab_1f" {
		t.Fatalf("FileName = %q, want %q", got, "mem_7fab_1f")
	}
	base, id, ok := parseFileName(r.FileName())
	if !ok || base != 0x7FAB || id != 0x1F {
		t.Fatalf("parseFileName = (%x, %x, %v)", base, id, ok)
	}
}

// TestRemoveRegionRejectsSpanningUnmap: an unmap range not fully
// inside one region is unsupported.
func TestRemoveRegionRejectsSpanningUnmap(t *testing.T) {
	dir := t.TempDir()
	c := Open(dir)
	if _, err := c.AddRegion(0x1000, make([]byte, 0x1000)); err != nil {
		t.Fatalf("AddRegion: %v", err)
	}

	if _, _, err := c.RemoveRegion(0x1800, 0x1000); err == nil {
		t.Fatal("unmap range spilling past the region should error")
	}
	if _, found, err := c.RemoveRegion(0x9000, 0x100); err != nil || found {
		t.Fatalf("unmanaged unmap = (found=%v, err=%v), want pass-through", found, err)
	}
}
