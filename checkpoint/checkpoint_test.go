package checkpoint

import (
	"os"
	"path/filepath"
	"testing"
)

func TestTakeThenResume(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "psm_log"), []byte("x"), 0o666); err != nil {
		t.Fatal(err)
	}

	d := NewDir(dir)
	out, err := d.TakeOrResume()
	if err != nil {
		t.Fatalf("TakeOrResume: %v", err)
	}
	if out != FirstTime {
		t.Fatalf("outcome = %v, want FirstTime", out)
	}

	// A second process pair starting over the same PM directory finds
	// the image and resumes.
	out, err = NewDir(dir).TakeOrResume()
	if err != nil {
		t.Fatalf("TakeOrResume (second): %v", err)
	}
	if out != Restored {
		t.Fatalf("outcome = %v, want Restored", out)
	}
}

func TestCorruptManifestDetected(t *testing.T) {
	dir := t.TempDir()
	d := NewDir(dir)
	if _, err := d.TakeOrResume(); err != nil {
		t.Fatalf("TakeOrResume: %v", err)
	}

	manifest := filepath.Join(dir, ImgDirName, manifestName)
	buf, err := os.ReadFile(manifest)
	if err != nil {
		t.Fatal(err)
	}
	buf[len(buf)-2] ^= 0xFF // Flip a checksum nibble.
	if err := os.WriteFile(manifest, buf, 0o666); err != nil {
		t.Fatal(err)
	}

	if _, err := NewDir(dir).TakeOrResume(); err != ErrCorruptManifest {
		t.Fatalf("err = %v, want ErrCorruptManifest", err)
	}
}

func TestCommitWritesSequencedImages(t *testing.T) {
	dir := t.TempDir()
	d := NewDir(dir)
	if _, err := d.TakeOrResume(); err != nil {
		t.Fatalf("TakeOrResume: %v", err)
	}

	if err := d.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := d.Commit(); err != nil {
		t.Fatalf("Commit (second): %v", err)
	}

	for _, seq := range []string{"0", "1"} {
		if _, err := os.Stat(filepath.Join(dir, ImgDirName, seq, manifestName)); err != nil {
			t.Fatalf("missing image %s: %v", seq, err)
		}
	}
}
