package psm

import (
	"encoding/binary"
	"errors"
	"unsafe"
)

// SGAMaxSegs bounds the segments per scatter/gather record.
const SGAMaxSegs = 10

var (
	// ErrTooManySegs: a PushSGA call with more than SGAMaxSegs
	// segments.
	ErrTooManySegs = errors.New("psm: too many scatter/gather segments")
	// ErrEmptySGA: a scatter/gather record needs at least one segment
	// (the leading count byte doubles as the record's non-zero first
	// byte).
	ErrEmptySGA = errors.New("psm: scatter/gather record has no segments")
)

// PushSGA pushes one record encoding a segment list: a leading
// num_segs byte followed by per-segment (len, bytes) pairs. The
// consumer's dispatch reconstructs the segment vector and invokes the
// ConsumeSGAFn with it.
func PushSGA(segs [][]byte) error {
	if h == nil {
		return ErrNotInitialized
	}
	if len(segs) == 0 {
		return ErrEmptySGA
	}
	if len(segs) > SGAMaxSegs {
		return ErrTooManySegs
	}

	buf, err := h.Ring.Reserve(sgaEncodedLen(segs))
	if err != nil {
		return err
	}
	encodeSGA(buf, segs)
	return nil
}

func sgaEncodedLen(segs [][]byte) int {
	total := 1
	for _, s := range segs {
		total += 4 + len(s)
	}
	return total
}

func encodeSGA(buf []byte, segs [][]byte) {
	buf[0] = byte(len(segs))
	p := 1
	for _, s := range segs {
		binary.LittleEndian.PutUint32(buf[p:], uint32(len(s)))
		p += 4
		p += copy(buf[p:], s)
	}
}

// sgaDispatch wraps a segment-list consume function in the ring's
// byte-level contract: parse the count byte, slice out each
// (len, bytes) pair, hand the vector to f, and report the total bytes
// consumed.
func sgaDispatch(f func(segs [][]byte)) func(buf []byte) int {
	return func(buf []byte) int {
		numSegs := int(buf[0])
		segs := make([][]byte, 0, numSegs)
		p := 1
		for i := 0; i < numSegs; i++ {
			n := int(binary.LittleEndian.Uint32(buf[p:]))
			p += 4
			segs = append(segs, buf[p:p+n])
			p += n
		}
		f(segs)
		return p
	}
}

func addrOf(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}
