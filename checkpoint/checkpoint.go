// Package checkpoint models the external process-checkpoint/restore
// service behind a single take-or-resume operation. Checkpointer is
// what control.Init calls; a production embedder swaps in a real
// CRIU-backed implementation without touching control.
package checkpoint

import (
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Outcome of TakeOrResume: FirstTime means a fresh checkpoint was
// taken and execution continues forward; Restored means control
// re-entered the recovery landing point after the process was
// resurrected from its image.
type Outcome int

const (
	FirstTime Outcome = iota
	Restored
)

// Checkpointer is the checkpoint/restore primitive.
type Checkpointer interface {
	// TakeOrResume takes the initial checkpoint on first call and
	// reports FirstTime; after a crash and restore, the resurrected
	// process lands here and gets Restored.
	TakeOrResume() (Outcome, error)
	// Commit dumps a fresh incremental image at a commit boundary
	// (used by the checkpoint mode's drain loop in place of the
	// undo-log engine).
	Commit() error
}

// ImgDirName is the checkpoint image directory under the PM path.
const ImgDirName = "initial_chkpt"

const manifestName = "manifest"

// ErrCorruptManifest is returned when a checkpoint manifest fails its
// integrity check, which means the image cannot be trusted for
// restore.
var ErrCorruptManifest = errors.New("checkpoint: corrupt manifest")

// ImageExists reports whether an initial checkpoint image already
// exists under pmPath. The foreground uses it to decide whether this
// startup is a recovery (the external service would have resurrected
// the consumer from that image) without itself taking a checkpoint.
func ImageExists(pmPath string) bool {
	_, err := os.Stat(filepath.Join(pmPath, ImgDirName, manifestName))
	return err == nil
}

// Dir is the local-directory reference Checkpointer: the "image" is a
// checksummed manifest of the PM directory's files. It stands in for
// a process-image service during tests and single-machine bring-up;
// restore detection is simply "a valid initial image already exists",
// which is exactly the condition under which the external service
// would have resurrected the consumer.
type Dir struct {
	pmPath string
	seq    int
}

var _ Checkpointer = (*Dir)(nil)

// NewDir returns a Dir rooted at the PM directory.
func NewDir(pmPath string) *Dir { return &Dir{pmPath: pmPath} }

// TakeOrResume writes the initial manifest on first run; on later
// runs it verifies the existing manifest and reports Restored.
func (d *Dir) TakeOrResume() (Outcome, error) {
	imgDir := filepath.Join(d.pmPath, ImgDirName)
	manifest := filepath.Join(imgDir, manifestName)

	if _, err := os.Stat(manifest); err == nil {
		if err := verifyManifest(manifest); err != nil {
			return FirstTime, err
		}
		return Restored, nil
	} else if !os.IsNotExist(err) {
		return FirstTime, fmt.Errorf("checkpoint: stat manifest: %w", err)
	}

	if err := os.MkdirAll(imgDir, 0o777); err != nil {
		return FirstTime, fmt.Errorf("checkpoint: create image dir: %w", err)
	}
	if err := d.writeManifest(manifest); err != nil {
		return FirstTime, err
	}
	return FirstTime, nil
}

// Commit dumps a sequence-numbered image directory under the initial
// image, one per commit boundary.
func (d *Dir) Commit() error {
	seqDir := filepath.Join(d.pmPath, ImgDirName, strconv.Itoa(d.seq))
	if err := os.MkdirAll(seqDir, 0o777); err != nil {
		return fmt.Errorf("checkpoint: create commit image dir: %w", err)
	}
	if err := d.writeManifest(filepath.Join(seqDir, manifestName)); err != nil {
		return err
	}
	d.seq++
	return nil
}

// writeManifest records every regular file in the PM directory as a
// "name size" line, then a trailing blake2b checksum line over the
// body, the checksummed-page pattern that guards against a torn write
// of the manifest itself.
func (d *Dir) writeManifest(path string) error {
	entries, err := os.ReadDir(d.pmPath)
	if err != nil {
		return fmt.Errorf("checkpoint: read pm dir: %w", err)
	}

	var body strings.Builder
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return fmt.Errorf("checkpoint: stat %s: %w", e.Name(), err)
		}
		fmt.Fprintf(&body, "%s %d\n", e.Name(), info.Size())
	}

	sum := blake2b.Sum256([]byte(body.String()))
	content := body.String() + hex.EncodeToString(sum[:]) + "\n"

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o666); err != nil {
		return fmt.Errorf("checkpoint: write manifest: %w", err)
	}
	f, err := os.Open(tmp)
	if err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("checkpoint: fsync manifest: %w", err)
	}
	f.Close()
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("checkpoint: rename manifest: %w", err)
	}
	return nil
}

func verifyManifest(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("checkpoint: open manifest: %w", err)
	}
	defer f.Close()

	var body strings.Builder
	var last string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if last != "" {
			body.WriteString(last)
			body.WriteByte('\n')
		}
		last = sc.Text()
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("checkpoint: read manifest: %w", err)
	}
	if last == "" {
		return ErrCorruptManifest
	}

	want, err := hex.DecodeString(last)
	if err != nil || len(want) != blake2b.Size256 {
		return ErrCorruptManifest
	}
	sum := blake2b.Sum256([]byte(body.String()))
	if string(sum[:]) != string(want) {
		return ErrCorruptManifest
	}
	return nil
}
