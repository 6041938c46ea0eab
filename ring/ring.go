// Package ring implements the PM command ring: a single-producer /
// single-consumer circular log with persistent head/tail words and a
// wrap-around protocol. Records are opaque to the ring; the producer
// reserves space and commits, the consumer replays via a callback.
package ring

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/libpsm/psm/pmem"
)

// Size is the fixed ring capacity in bytes.
const Size = 1 << 20

const cacheLine = pmem.CacheLineSize

// File layout: head and tail each get their own cache line (neither
// may straddle one), followed by the buffer itself.
const (
	headOff = 0
	tailOff = cacheLine
	bufOff  = 2 * cacheLine
)

var (
	// ErrReservationTooLarge is returned when a caller asks for more
	// than Size-1 bytes, which the ring can never hold. A programming
	// error, but Reserve returns it rather than panicking so a test
	// harness can assert on it without crashing.
	ErrReservationTooLarge = errors.New("ring: reservation exceeds log size")
	// ErrZeroLength is returned for reserve(0).
	ErrZeroLength = errors.New("ring: reservation length must be non-zero")
	// ErrLeadingZeroByte is returned by Push if the caller's payload
	// begins with a zero byte, which would be confused with a wrap
	// marker on replay.
	ErrLeadingZeroByte = errors.New("ring: payload must not start with a zero byte")
)

// Ring is the shared PM structure. The producer side exclusively owns
// Reserve/Push/Commit; the consumer side exclusively owns Consume. Both
// sides may call Head/Tail to read the other's published offset.
type Ring struct {
	pm *pmem.File

	head *uint64 // atomic, producer-owned, consumer reads with acquire.
	tail *uint64 // atomic, consumer-owned, producer reads with acquire.
	buf  []byte

	// producer-local state, published only at commit.
	localHead uint64
	localTail uint64
}

// Open maps (creating if necessary) the ring file at path.
func Open(path string) (*Ring, error) {
	pm, err := pmem.MapFile(path, bufOff+Size)
	if err != nil {
		return nil, fmt.Errorf("ring: %w", err)
	}
	data := pm.Bytes()
	r := &Ring{
		pm:   pm,
		head: (*uint64)(bytePtr(data, headOff)),
		tail: (*uint64)(bytePtr(data, tailOff)),
		buf:  data[bufOff : bufOff+Size],
	}
	r.localHead = atomic.LoadUint64(r.head)
	r.localTail = atomic.LoadUint64(r.tail)
	return r, nil
}

// Close unmaps the ring file.
func (r *Ring) Close() error { return r.pm.Close() }

// Head returns the producer-published head offset (acquire load).
func (r *Ring) Head() uint64 { return atomic.LoadUint64(r.head) }

// Tail returns the consumer-published tail offset (acquire load).
func (r *Ring) Tail() uint64 { return atomic.LoadUint64(r.tail) }

// alignUp rounds n up to a multiple of the cache line size.
func alignUp(n int) int {
	return (n + cacheLine - 1) &^ (cacheLine - 1)
}

// Reserve allocates len bytes in the ring for the next record and
// returns a slice the caller writes the payload into directly. It
// spins, re-reading Tail with acquire semantics, until there's enough
// free space.
func (r *Ring) Reserve(length int) ([]byte, error) {
	if length <= 0 {
		return nil, ErrZeroLength
	}
	if length > Size-1 {
		return nil, ErrReservationTooLarge
	}
	recordLen := alignUp(length)

	localHead := r.localHead
	truncated := false
	charged := recordLen
	if localHead+uint64(recordLen) > Size {
		// Not enough contiguous space before the end of the buffer;
		// charge the distance to the end too and restart at offset 0.
		truncated = true
		charged += int(Size - localHead)
	}

	// Spin until there's enough free capacity for the charged length.
	localTail := r.localTail
	for (localTail+Size-localHead-1)%Size < uint64(charged) {
		localTail = r.Tail()
	}
	r.localTail = localTail

	off := localHead
	if truncated {
		r.buf[off] = 0 // wrap marker
		r.pm.FlushInvalidate(bufOff+int(off), 1)
		off = 0
	}

	r.localHead = (off + uint64(recordLen)) % Size
	return r.buf[off : off+uint64(recordLen)], nil
}

// Push reserves len(src) bytes and copies src into them.
func (r *Ring) Push(src []byte) error {
	if len(src) == 0 {
		return ErrZeroLength
	}
	if src[0] == 0 {
		return ErrLeadingZeroByte
	}
	dst, err := r.Reserve(len(src))
	if err != nil {
		return err
	}
	copy(dst, src)
	return nil
}

// Commit publishes all reservations made since the last Commit. If
// pushOnly is true the payload flush step is skipped (the caller has
// already flushed it some other way).
func (r *Ring) Commit(pushOnly bool) error {
	localHead := r.localHead
	head := r.Head()
	if localHead == head {
		return nil
	}

	if !pushOnly {
		for i := head; i != localHead; i = (i + cacheLine) % Size {
			r.pm.FlushInvalidate(bufOff+int(i), cacheLine)
		}
	}
	if err := r.pm.Drain(); err != nil {
		return fmt.Errorf("ring: commit: %w", err)
	}

	atomic.StoreUint64(r.head, localHead)
	r.pm.Flush(headOff, 8)
	if err := r.pm.Drain(); err != nil {
		return fmt.Errorf("ring: commit: %w", err)
	}
	return nil
}

// ConsumeFunc parses the record beginning at buf[0] and returns the
// number of payload bytes it consumed (before cache-line rounding).
type ConsumeFunc func(buf []byte) int

// Consume peeks at buf[tail]; if it is a wrap marker, it restarts at
// offset 0; otherwise it calls f and advances tail by the cache-line
// rounded consumed length. It returns ok=false if tail==head (nothing
// to consume).
func Consume(buf []byte, f ConsumeFunc, head, tail uint64) (newTail uint64, ok bool) {
	for {
		if tail == head {
			return 0, false
		}
		if buf[tail] == 0 {
			tail = 0
			continue
		}
		consumed := alignUp(f(buf[tail:]))
		return (tail + uint64(consumed)) % Size, true
	}
}

// Consume is the Ring-bound convenience wrapper around the free
// Consume function above, reading directly from the ring's buffer.
func (r *Ring) Consume(f ConsumeFunc, head, tail uint64) (newTail uint64, ok bool) {
	return Consume(r.buf, f, head, tail)
}

// PublishTail persists and publishes a new consumer tail.
func (r *Ring) PublishTail(newTail uint64) error {
	r.localTail = newTail
	// The shared tail word is also the persistent one: store it, then
	// flush and drain it, the same order Commit uses for head. Callers
	// that also need undo-log data durable must make it so before
	// calling PublishTail (see undolog.Log.Commit).
	atomic.StoreUint64(r.tail, newTail)
	r.pm.Flush(tailOff, 8)
	if err := r.pm.Drain(); err != nil {
		return err
	}
	return nil
}
