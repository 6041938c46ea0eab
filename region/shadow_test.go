package region

import (
	"os"
	"path/filepath"
	"testing"
)

const pageSize = 4096

// freeTestRegion maps an anonymous region of the given page count,
// fills each page p with the byte p+1, and registers the whole range
// as one catalog region.
func freeTestRegion(t *testing.T, c *Catalog, pages int) ([]byte, Region) {
	t.Helper()
	mem, err := AnonMap(pages * pageSize)
	if err != nil {
		t.Fatalf("AnonMap: %v", err)
	}
	for p := 0; p < pages; p++ {
		for i := 0; i < pageSize; i++ {
			mem[p*pageSize+i] = byte(p + 1)
		}
	}
	r, err := c.AddRegion(addrOf(mem), mem)
	if err != nil {
		t.Fatalf("AddRegion: %v", err)
	}
	if err := c.PersistNewTable(); err != nil {
		t.Fatalf("PersistNewTable: %v", err)
	}
	return mem, r
}

func regionFileContent(t *testing.T, c *Catalog, r Region) []byte {
	t.Helper()
	buf, err := os.ReadFile(filepath.Join(c.dir, r.FileName()))
	if err != nil {
		t.Fatalf("read region file: %v", err)
	}
	return buf
}

// TestFreeInteriorHole: unmapping the middle page of a three-page
// region leaves both a prefix and a suffix, each persisted as its own
// region with its own image file; the original file is deleted.
func TestFreeInteriorHole(t *testing.T) {
	dir := t.TempDir()
	c := Open(dir)
	s := NewShadow(c)

	mem, r := freeTestRegion(t, c, 3)
	base := addrOf(mem)

	if err := s.Free(base+pageSize, pageSize); err != nil {
		t.Fatalf("Free: %v", err)
	}

	regions := c.Regions()
	if len(regions) != 2 {
		t.Fatalf("regions = %+v, want prefix and suffix", regions)
	}
	byBase := map[uintptr]Region{}
	for _, reg := range regions {
		byBase[reg.Base] = reg
	}
	prefix, ok := byBase[base]
	if !ok || prefix.Size != pageSize {
		t.Fatalf("prefix = %+v, want base %x size %d", prefix, base, pageSize)
	}
	suffix, ok := byBase[base+2*pageSize]
	if !ok || suffix.Size != pageSize {
		t.Fatalf("suffix = %+v, want base %x size %d", suffix, base+2*pageSize, pageSize)
	}

	if got := regionFileContent(t, c, prefix); got[0] != 1 || got[pageSize-1] != 1 {
		t.Fatalf("prefix file holds %x..%x, want page-1 bytes", got[0], got[pageSize-1])
	}
	if got := regionFileContent(t, c, suffix); got[0] != 3 || got[pageSize-1] != 3 {
		t.Fatalf("suffix file holds %x..%x, want page-3 bytes", got[0], got[pageSize-1])
	}
	if _, err := os.Stat(filepath.Join(dir, r.FileName())); !os.IsNotExist(err) {
		t.Fatalf("original region file still present (err=%v)", err)
	}

	if !c.DoesManage(base) || !c.DoesManage(base+2*pageSize) {
		t.Fatal("surviving pieces should still be managed")
	}
	if c.DoesManage(base + pageSize) {
		t.Fatal("the hole should no longer be managed")
	}
}

// TestFreeSuffixSurvives: unmapping a region's leading pages keeps the
// tail as a new region starting at the end of the unmapped range.
func TestFreeSuffixSurvives(t *testing.T) {
	dir := t.TempDir()
	c := Open(dir)
	s := NewShadow(c)

	mem, r := freeTestRegion(t, c, 2)
	base := addrOf(mem)

	if err := s.Free(base, pageSize); err != nil {
		t.Fatalf("Free: %v", err)
	}

	regions := c.Regions()
	if len(regions) != 1 {
		t.Fatalf("regions = %+v, want one suffix region", regions)
	}
	suffix := regions[0]
	if suffix.Base != base+pageSize || suffix.Size != pageSize {
		t.Fatalf("suffix = %+v, want base %x size %d", suffix, base+pageSize, pageSize)
	}
	if got := regionFileContent(t, c, suffix); got[0] != 2 {
		t.Fatalf("suffix file holds %x, want page-2 bytes", got[0])
	}
	if _, err := os.Stat(filepath.Join(dir, r.FileName())); !os.IsNotExist(err) {
		t.Fatalf("original region file still present (err=%v)", err)
	}
	if c.DoesManage(base) {
		t.Fatal("unmapped front should no longer be managed")
	}
}

// TestFreeWholeRegion: unmapping an entire region drops it and its
// file with nothing left behind.
func TestFreeWholeRegion(t *testing.T) {
	dir := t.TempDir()
	c := Open(dir)
	s := NewShadow(c)

	mem, r := freeTestRegion(t, c, 1)
	base := addrOf(mem)

	if err := s.Free(base, pageSize); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if len(c.Regions()) != 0 {
		t.Fatalf("regions = %+v, want none", c.Regions())
	}
	if _, err := os.Stat(filepath.Join(dir, r.FileName())); !os.IsNotExist(err) {
		t.Fatalf("region file still present (err=%v)", err)
	}
}
