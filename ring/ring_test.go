package ring

import (
	"path/filepath"
	"testing"
)

func openTestRing(t *testing.T) *Ring {
	t.Helper()
	path := filepath.Join(t.TempDir(), "psm_log")
	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

// TestMinimalPushConsume pushes one record, commits, then consumes
// it once.
func TestMinimalPushConsume(t *testing.T) {
	r := openTestRing(t)

	if err := r.Push([]byte{0x01}); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if err := r.Commit(false); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if r.Head() != cacheLine {
		t.Fatalf("head = %d, want %d", r.Head(), cacheLine)
	}

	var consumedCount int
	newTail, ok := r.Consume(func(buf []byte) int {
		if buf[0] != 0x01 {
			t.Fatalf("payload byte = %x, want 0x01", buf[0])
		}
		consumedCount++
		return 1
	}, r.Head(), r.Tail())
	if !ok {
		t.Fatal("Consume: expected a record")
	}
	if newTail != cacheLine {
		t.Fatalf("newTail = %d, want %d", newTail, cacheLine)
	}
	if consumedCount != 1 {
		t.Fatalf("consumedCount = %d, want 1", consumedCount)
	}

	if err := r.PublishTail(newTail); err != nil {
		t.Fatalf("PublishTail: %v", err)
	}
	if r.Tail() != cacheLine {
		t.Fatalf("tail = %d, want %d", r.Tail(), cacheLine)
	}

	if _, ok := r.Consume(func([]byte) int { return 0 }, r.Head(), r.Tail()); ok {
		t.Fatal("Consume: expected empty ring")
	}
}

// TestRoundTripPayload checks that bytes written into Reserve's
// returned slice are exactly what the consume function sees.
func TestRoundTripPayload(t *testing.T) {
	r := openTestRing(t)

	payload := []byte("hello-world-payload")
	buf, err := r.Reserve(len(payload))
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	copy(buf, payload)
	if err := r.Commit(false); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	var got []byte
	r.Consume(func(buf []byte) int {
		got = append([]byte{}, buf[:len(payload)]...)
		return len(payload)
	}, r.Head(), r.Tail())

	if string(got) != string(payload) {
		t.Fatalf("got %q, want %q", got, payload)
	}
}

// TestWrapMarker: with the head near the buffer end, a record that
// would straddle the end leaves a zero wrap marker at the old head,
// and the consumer finds the record at offset 0.
func TestWrapMarker(t *testing.T) {
	r := openTestRing(t)

	// Advance head and tail to Size-64 with one huge record.
	first := Size - cacheLine
	if _, err := r.Reserve(first); err != nil {
		t.Fatalf("Reserve(first): %v", err)
	}
	r.buf[0] = 0x01
	if err := r.Commit(false); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	newTail, ok := r.Consume(func([]byte) int { return first }, r.Head(), r.Tail())
	if !ok || newTail != uint64(first) {
		t.Fatalf("newTail = %d (ok=%v), want %d", newTail, ok, first)
	}
	if err := r.PublishTail(newTail); err != nil {
		t.Fatalf("PublishTail: %v", err)
	}

	// This record doesn't fit in the 64 bytes before the end.
	buf, err := r.Reserve(128)
	if err != nil {
		t.Fatalf("Reserve(128): %v", err)
	}
	buf[0] = 0x02
	if err := r.Commit(false); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if r.Head() != 128 {
		t.Fatalf("head = %d, want 128", r.Head())
	}
	if r.buf[first] != 0 {
		t.Fatalf("buf[%d] = %x, want zero wrap marker", first, r.buf[first])
	}

	var sawAt byte
	newTail, ok = r.Consume(func(b []byte) int {
		sawAt = b[0]
		return 128
	}, r.Head(), r.Tail())
	if !ok || newTail != 128 {
		t.Fatalf("newTail = %d (ok=%v), want 128", newTail, ok)
	}
	if sawAt != 0x02 {
		t.Fatalf("consumed first byte = %x, want 0x02 (record restarted at offset 0)", sawAt)
	}
}

func TestReserveRejectsOversized(t *testing.T) {
	r := openTestRing(t)
	if _, err := r.Reserve(Size); err != ErrReservationTooLarge {
		t.Fatalf("err = %v, want ErrReservationTooLarge", err)
	}
	if _, err := r.Reserve(0); err != ErrZeroLength {
		t.Fatalf("err = %v, want ErrZeroLength", err)
	}
}

func TestPushRejectsLeadingZero(t *testing.T) {
	r := openTestRing(t)
	if err := r.Push([]byte{0x00, 0x01}); err != ErrLeadingZeroByte {
		t.Fatalf("err = %v, want ErrLeadingZeroByte", err)
	}
}
