package control

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/libpsm/psm/region"
)

// sendRecovery is the background half of the cooperating recovery:
// stream every recovered region to the foreground, terminated by the
// sentinel, followed by the recovered ring tail; then block until the
// foreground acknowledges with a single byte.
func sendRecovery(shadow *region.Shadow, tail int64) error {
	w := os.NewFile(btfWriteFd, "psm-btf-write")
	r := os.NewFile(ftbReadFd, "psm-ftb-read")

	if err := shadow.SendRegions(w); err != nil {
		return fmt.Errorf("send regions: %w", err)
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(tail))
	if _, err := w.Write(buf[:]); err != nil {
		return fmt.Errorf("send recovered tail: %w", err)
	}
	if err := w.Close(); err != nil {
		return err
	}

	var ack [1]byte
	if _, err := io.ReadFull(r, ack[:]); err != nil {
		return fmt.Errorf("read ack: %w", err)
	}
	return r.Close()
}

// recoverForeground is the foreground half: re-establish every region
// the background streams (anonymous reservation + read(2), never a
// second MAP_SYNC mapping), read the recovered tail, and acknowledge.
// Any failure is fatal to this recovery attempt; the caller surfaces
// it from Init and the next startup tries again.
func recoverForeground(pmemDir string, btfR *os.File, ftbW *os.File) (int64, error) {
	defer btfR.Close()
	defer ftbW.Close()

	if err := region.MapRecoveredRegions(pmemDir, btfR); err != nil {
		return -1, err
	}

	var buf [8]byte
	if _, err := io.ReadFull(btfR, buf[:]); err != nil {
		return -1, fmt.Errorf("control: read recovered tail: %w", err)
	}
	tail := int64(binary.LittleEndian.Uint64(buf[:]))
	if tail < -1 {
		return -1, fmt.Errorf("control: recovered tail %d out of range", tail)
	}

	if _, err := ftbW.Write([]byte{0}); err != nil {
		return -1, fmt.Errorf("control: write ack: %w", err)
	}
	return tail, nil
}
