package ring

import "unsafe"

// bytePtr returns a pointer to data[off], used to overlay the
// head/tail words onto their cache lines in the mapped PM file.
func bytePtr(data []byte, off int) unsafe.Pointer {
	return unsafe.Pointer(&data[off])
}
