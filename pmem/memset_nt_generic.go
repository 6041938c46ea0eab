//go:build !amd64

package pmem

// MemsetNT fills b with value. On non-amd64 targets there is no
// non-temporal store instruction to fall back to (the pack carries no
// such assembly for arm64), so this is a plain fill; correctness is
// unaffected since the caller still Drains afterwards.
func MemsetNT(b []byte, value byte) {
	for i := range b {
		b[i] = value
	}
}
