package region

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
)

// Shadow is the consumer-side shadow address-space manager: it backs
// every shadowed anonymous mapping with a region image file, and on
// recovery re-maps every surviving region, resolving any duplicate
// left behind by a crash mid-commit in favor of the larger region.
type Shadow struct {
	cat *Catalog
}

// NewShadow wraps an already-Open'd catalog.
func NewShadow(cat *Catalog) *Shadow { return &Shadow{cat: cat} }

// Alloc is the consumer's replacement for a raw anonymous mmap: it
// allocates size zero-filled bytes at a real anonymous mapping (so
// the consumer can actually use the memory), then immediately
// persists its (currently zero) contents as a new region image and
// re-maps it MAP_SHARED over the same address. It returns the mapped
// memory and the catalog entry; the caller must also record the range
// as fresh via undolog.Log.MarkFresh.
func (s *Shadow) Alloc(size int) ([]byte, Region, error) {
	anon, err := mmapAnon(0, size, false)
	if err != nil {
		return nil, Region{}, fmt.Errorf("region: anon mmap: %w", err)
	}
	base := addrOf(anon)

	r, err := s.cat.AddRegion(base, anon)
	if err != nil {
		munmap(anon)
		return nil, Region{}, err
	}
	if err := s.cat.PersistNewTable(); err != nil {
		munmap(anon)
		return nil, Region{}, err
	}

	mapped, err := mmapRegionFile(filepath.Join(s.cat.dir, r.FileName()), base, size)
	if err != nil {
		munmap(anon)
		return nil, Region{}, err
	}
	return mapped, r, nil
}

// Free is the consumer's replacement for munmap: it looks the address
// up in the catalog, unmaps it, and persists any surviving
// prefix/suffix of the region as a brand-new file before deleting the
// old one.
func (s *Shadow) Free(base uintptr, size int) error {
	r, found, err := s.cat.RemoveRegion(base, uintptr(size))
	if err != nil {
		return err
	}
	if !found {
		return nil // Not managed; nothing to do.
	}

	regionFile := filepath.Join(s.cat.dir, r.FileName())
	if err := munmapAt(base, size); err != nil {
		return fmt.Errorf("region: munmap: %w", err)
	}

	// Each surviving side gets its own fresh region; an unmap in the
	// interior of a region leaves both a prefix and a suffix, so these
	// checks are independent, not either/or.
	end := base + uintptr(size)
	rEnd := r.Base + r.Size
	if r.Base != base { // Prefix survives.
		content, err := readRegionPrefix(regionFile, int(base-r.Base))
		if err != nil {
			return err
		}
		if _, err := s.cat.AddRegion(r.Base, content); err != nil {
			return err
		}
	}
	if rEnd != end { // Suffix survives.
		content, err := readRegionSuffix(regionFile, int(end-r.Base), int(rEnd-end))
		if err != nil {
			return err
		}
		if _, err := s.cat.AddRegion(end, content); err != nil {
			return err
		}
	}
	if err := s.cat.DeleteRegionFile(r); err != nil {
		return err
	}
	return s.cat.PersistNewTable()
}

func readRegionPrefix(path string, n int) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	buf := make([]byte, n)
	if _, err := io.ReadFull(f, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func readRegionSuffix(path string, off, n int) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if _, err := f.Seek(int64(off), io.SeekStart); err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(f, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// The recovery scanner accepts any file named mem_<hex-base>_<hex-id>
// as a candidate region image.
const fileNamePrefix = "mem_"

// Recover scans the PM directory for candidate region image files,
// resolves any base-overlapping duplicates left behind by a crash
// mid-replacement (keeping the region that includes the other), maps
// each survivor MAP_FIXED at its recorded base, and populates the
// catalog.
func (s *Shadow) Recover() error {
	entries, err := os.ReadDir(s.cat.dir)
	if err != nil {
		return fmt.Errorf("region: read pmem dir: %w", err)
	}

	var candidates []Region
	names := map[Region]string{}
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), fileNamePrefix) {
			continue
		}
		base, fileID, ok := parseFileName(e.Name())
		if !ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return fmt.Errorf("region: stat %s: %w", e.Name(), err)
		}
		r := Region{Base: base, Size: uintptr(info.Size()), FileID: fileID}
		candidates = append(candidates, r)
		names[r] = e.Name()
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Base < candidates[j].Base })

	var toDelete []string
	var kept []Region
	for _, cand := range candidates {
		overlapIdx := -1
		for i, k := range kept {
			if overlaps(k, cand) {
				overlapIdx = i
				break
			}
		}
		if overlapIdx == -1 {
			kept = append(kept, cand)
			continue
		}
		existing := kept[overlapIdx]
		if includesRegion(existing, cand) {
			toDelete = append(toDelete, names[cand])
			continue
		}
		if !includesRegion(cand, existing) {
			return fmt.Errorf("region: regions %v and %v overlap but neither includes the other", existing, cand)
		}
		toDelete = append(toDelete, names[existing])
		kept[overlapIdx] = cand
	}

	for _, r := range kept {
		path := filepath.Join(s.cat.dir, names[r])
		mapped, err := mmapRegionFile(path, r.Base, int(r.Size))
		if err != nil {
			return fmt.Errorf("region: recover mmap %s: %w", path, err)
		}
		_ = mapped
		s.cat.regions = append(s.cat.regions, r)
		s.cat.rs.Insert(r.Base, r.Size)
	}

	for _, name := range toDelete {
		if err := os.Remove(filepath.Join(s.cat.dir, name)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("region: remove duplicate region file %s: %w", name, err)
		}
	}
	return fsyncDir(s.cat.dir)
}

func parseFileName(name string) (base uintptr, fileID uint32, ok bool) {
	rest := strings.TrimPrefix(name, fileNamePrefix)
	parts := strings.SplitN(rest, "_", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	b, err := strconv.ParseUint(parts[0], 16, 64)
	if err != nil {
		return 0, 0, false
	}
	id, err := strconv.ParseUint(parts[1], 16, 32)
	if err != nil {
		return 0, 0, false
	}
	return uintptr(b), uint32(id), true
}

// sentinel is the zero-base/zero-size terminator record that closes
// the recovery region stream.
var sentinel = Region{}

// SendRegions writes every cataloged region to w as a stream of fixed
// {base, size, file_id} records terminated by a sentinel.
func (s *Shadow) SendRegions(w io.Writer) error {
	for _, r := range s.cat.regions {
		if err := writeRegion(w, r); err != nil {
			return err
		}
	}
	return writeRegion(w, sentinel)
}

func writeRegion(w io.Writer, r Region) error {
	var buf [entrySize]byte
	binary.LittleEndian.PutUint64(buf[0:8], uint64(r.Base))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(r.Size))
	binary.LittleEndian.PutUint32(buf[16:20], r.FileID)
	_, err := w.Write(buf[:])
	return err
}

func readRegion(r io.Reader) (Region, error) {
	var buf [entrySize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Region{}, err
	}
	return Region{
		Base:   uintptr(binary.LittleEndian.Uint64(buf[0:8])),
		Size:   uintptr(binary.LittleEndian.Uint64(buf[8:16])),
		FileID: binary.LittleEndian.Uint32(buf[16:20]),
	}, nil
}

// MapRecoveredRegions is the foreground-side counterpart to
// SendRegions: for each record read from r, it reserves the address
// range with an anonymous mapping (so nothing else claims it), then
// reads the region image file's contents into that memory directly
// rather than mmapping it again, avoiding two simultaneous MAP_SYNC
// mappings of the same file.
func MapRecoveredRegions(pmemDir string, r io.Reader) error {
	for {
		rec, err := readRegion(r)
		if err != nil {
			return fmt.Errorf("region: read recovered region stream: %w", err)
		}
		if rec == sentinel {
			return nil
		}

		mapped, err := mmapAnonAt(rec.Base, int(rec.Size))
		if err != nil {
			return fmt.Errorf("region: reserve recovered region %x: %w", rec.Base, err)
		}

		path := filepath.Join(pmemDir, rec.FileName())
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("region: open recovered region file %s: %w", path, err)
		}
		n, err := f.Read(mapped)
		f.Close()
		if err != nil && err != io.EOF {
			return fmt.Errorf("region: read recovered region file %s: %w", path, err)
		}
		if n != len(mapped) {
			return fmt.Errorf("region: short read recovering %s: got %d, want %d", path, n, len(mapped))
		}
	}
}

// --- low-level mmap helpers; direct syscalls because
// golang.org/x/sys/unix.Mmap does not expose MAP_FIXED's explicit
// address argument. ---

func mmapAnon(addr uintptr, size int, fixed bool) ([]byte, error) {
	flags := syscall.MAP_PRIVATE | syscall.MAP_ANON
	if fixed {
		flags |= syscall.MAP_FIXED
	}
	m, _, errno := syscall.Syscall6(syscall.SYS_MMAP, addr, uintptr(size),
		syscall.PROT_READ|syscall.PROT_WRITE, uintptr(flags), ^uintptr(0), 0)
	if errno != 0 {
		return nil, errno
	}
	return ptrToSlice(m, size), nil
}

func mmapAnonAt(addr uintptr, size int) ([]byte, error) {
	return mmapAnon(addr, size, true)
}

func mmapRegionFile(path string, addr uintptr, size int) ([]byte, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o666)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	m, _, errno := syscall.Syscall6(syscall.SYS_MMAP, addr, uintptr(size),
		syscall.PROT_READ|syscall.PROT_WRITE, uintptr(syscall.MAP_SHARED|syscall.MAP_FIXED), f.Fd(), 0)
	if errno != 0 {
		return nil, errno
	}
	return ptrToSlice(m, size), nil
}

func munmap(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	_, _, errno := syscall.Syscall(syscall.SYS_MUNMAP, addrOf(b), uintptr(len(b)), 0)
	if errno != 0 {
		return errno
	}
	return nil
}

func munmapAt(addr uintptr, size int) error {
	_, _, errno := syscall.Syscall(syscall.SYS_MUNMAP, addr, uintptr(size), 0)
	if errno != 0 {
		return errno
	}
	return nil
}
