package region

import (
	"encoding/binary"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// Region is one entry of the region catalog: a shadowed anonymous
// mapping backed by a PM image file.
type Region struct {
	Base   uintptr
	Size   uintptr
	FileID uint32
}

const entrySize = 8 + 8 + 4 // base, size, file_id -- packed.

// FileName returns this region's image file name. Indexing by
// (base, file-id) rather than base alone lets a region image be
// atomically replaced by writing a new file first.
func (r Region) FileName() string {
	return fmt.Sprintf("mem_%x_%x", r.Base, r.FileID)
}

const (
	currentTableFile = "table.dat"
	newTableFile     = "new_table.dat"
)

// Catalog is the persisted table of regions plus the volatile
// interval set used for address-membership queries.
type Catalog struct {
	dir     string
	regions []Region
	rs      RangeSet
}

// Open opens (without yet populating) the catalog rooted at dir, the PM
// directory named in psm.Config.PMPath.
func Open(dir string) *Catalog {
	return &Catalog{dir: dir}
}

// Regions returns a snapshot of the catalog's entries.
func (c *Catalog) Regions() []Region {
	out := make([]Region, len(c.regions))
	copy(out, c.regions)
	return out
}

// LoadTable reads table.dat into the in-memory catalog, rebuilding the
// volatile interval set. A missing table.dat means an empty catalog
// (first run).
func (c *Catalog) LoadTable() error {
	buf, err := os.ReadFile(filepath.Join(c.dir, currentTableFile))
	if os.IsNotExist(err) {
		c.regions = nil
		c.rs.Clear()
		return nil
	}
	if err != nil {
		return fmt.Errorf("region: load table.dat: %w", err)
	}
	regions, err := readRegions(buf)
	if err != nil {
		return err
	}
	c.regions = regions
	c.rs.Clear()
	for _, r := range regions {
		c.rs.Insert(r.Base, r.Size)
	}
	return nil
}

// DoesManage reports whether addr falls within a cataloged region.
func (c *Catalog) DoesManage(addr uintptr) bool { return c.rs.FindPoint(addr) }

func (c *Catalog) findOverlap(base, size uintptr) int {
	for i, r := range c.regions {
		if overlaps(r, Region{Base: base, Size: size}) {
			return i
		}
	}
	return -1
}

func overlaps(a, b Region) bool {
	return includesAddr(a, b.Base) || includesAddr(b, a.Base)
}

func includesAddr(r Region, addr uintptr) bool {
	return r.Base <= addr && addr < r.Base+r.Size
}

func includesRegion(r, other Region) bool {
	return includesAddr(r, other.Base) && includesAddr(r, other.Base+other.Size-1)
}

// AddRegion persists content as a brand-new region image file at base
// and records it in the in-memory catalog. The caller is responsible
// for calling PersistNewTable/CommitNewTable around the undo-log
// commit boundary; the mmap half lives in Shadow, which is the piece
// that actually owns the address space.
func (c *Catalog) AddRegion(base uintptr, content []byte) (Region, error) {
	if i := c.findOverlap(base, uintptr(len(content))); i != -1 {
		return Region{}, fmt.Errorf("region: new region [%x,+%x) overlaps existing region %v", base, len(content), c.regions[i])
	}
	fileID := rand.Uint32()
	r := Region{Base: base, Size: uintptr(len(content)), FileID: fileID}

	if err := c.persistRegionFile(r, content); err != nil {
		return Region{}, err
	}

	c.regions = append(c.regions, r)
	c.rs.Insert(base, uintptr(len(content)))
	return r, nil
}

// RemoveRegion drops base's covering region from the catalog. The
// unmap range must lie fully inside one region; splitting it across
// regions is unsupported. It does not delete the backing file;
// callers that are done with it entirely should follow up with
// DeleteRegionFile.
func (c *Catalog) RemoveRegion(base, size uintptr) (Region, bool, error) {
	i := c.findOverlap(base, size)
	if i == -1 {
		return Region{}, false, nil
	}
	r := c.regions[i]
	remove := Region{Base: base, Size: size}
	if !includesRegion(r, remove) {
		return Region{}, false, fmt.Errorf("region: unmap range [%x,+%x) spans multiple regions; unsupported", base, size)
	}
	c.regions = append(c.regions[:i], c.regions[i+1:]...)
	c.rs.Remove(base, size)
	return r, true, nil
}

// DeleteRegionFile unlinks a region's image file from the PM directory.
func (c *Catalog) DeleteRegionFile(r Region) error { return c.deleteRegionFile(r) }

func (c *Catalog) persistRegionFile(r Region, content []byte) error {
	tmp := filepath.Join(c.dir, ".region_tmp")
	f, err := os.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o666)
	if err != nil {
		return fmt.Errorf("region: create temp file: %w", err)
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		return fmt.Errorf("region: write region content: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("region: fsync region file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("region: close region file: %w", err)
	}
	final := filepath.Join(c.dir, r.FileName())
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("region: rename region file: %w", err)
	}
	return fsyncDir(c.dir)
}

func (c *Catalog) deleteRegionFile(r Region) error {
	if err := os.Remove(filepath.Join(c.dir, r.FileName())); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("region: delete region file: %w", err)
	}
	return fsyncDir(c.dir)
}

func fsyncDir(dir string) error {
	fd, err := unix.Open(dir, unix.O_DIRECTORY, 0)
	if err != nil {
		return fmt.Errorf("region: open dir for fsync: %w", err)
	}
	defer unix.Close(fd)
	return unix.Fsync(fd)
}

// PersistNewTable writes the catalog's current contents to
// new_table.dat, the first half of the two-phase commit: mutations
// are buffered there, and at the next undo-log commit the catalog is
// committed by renaming new_table.dat over table.dat.
func (c *Catalog) PersistNewTable() error {
	buf := make([]byte, 0, len(c.regions)*entrySize)
	for _, r := range c.regions {
		buf = appendRegion(buf, r)
	}
	path := filepath.Join(c.dir, newTableFile)
	if err := os.WriteFile(path, buf, 0o666); err != nil {
		return fmt.Errorf("region: persist new table: %w", err)
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := f.Sync(); err != nil {
		return fmt.Errorf("region: fsync new table: %w", err)
	}
	return fsyncDir(c.dir)
}

// CommitNewTable atomically promotes new_table.dat to table.dat. No-op
// if there is no pending new table.
func (c *Catalog) CommitNewTable() error {
	newPath := filepath.Join(c.dir, newTableFile)
	if _, err := os.Stat(newPath); os.IsNotExist(err) {
		return nil
	}
	if err := os.Rename(newPath, filepath.Join(c.dir, currentTableFile)); err != nil {
		return fmt.Errorf("region: commit new table: %w", err)
	}
	return fsyncDir(c.dir)
}

// ClearNewTable discards a pending new_table.dat. No-op if none exists.
func (c *Catalog) ClearNewTable() error {
	err := os.Remove(filepath.Join(c.dir, newTableFile))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("region: clear new table: %w", err)
	}
	return nil
}

func appendRegion(buf []byte, r Region) []byte {
	var tmp [entrySize]byte
	binary.LittleEndian.PutUint64(tmp[0:8], uint64(r.Base))
	binary.LittleEndian.PutUint64(tmp[8:16], uint64(r.Size))
	binary.LittleEndian.PutUint32(tmp[16:20], r.FileID)
	return append(buf, tmp[:]...)
}

func readRegions(buf []byte) ([]Region, error) {
	if len(buf)%entrySize != 0 {
		return nil, fmt.Errorf("region: table.dat size %d is not a multiple of entry size %d", len(buf), entrySize)
	}
	out := make([]Region, 0, len(buf)/entrySize)
	for off := 0; off < len(buf); off += entrySize {
		out = append(out, Region{
			Base:   uintptr(binary.LittleEndian.Uint64(buf[off : off+8])),
			Size:   uintptr(binary.LittleEndian.Uint64(buf[off+8 : off+16])),
			FileID: binary.LittleEndian.Uint32(buf[off+16 : off+20]),
		})
	}
	return out, nil
}
