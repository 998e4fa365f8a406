package main

import "fmt"

// ram is a flat, in-memory guest physical address space backing
// virtq.GuestMemory (io.ReaderAt + io.WriterAt). Grounded on
// tinyrange-cc/internal/hv/riscv/ccvm/vm.go's rawRegion, an identical
// bounds-checked []byte wrapper.
type ram []byte

func (r ram) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(r)) {
		return 0, fmt.Errorf("ram: read out of bounds at %#x, size %d", off, len(p))
	}
	n := copy(p, r[off:])
	if n < len(p) {
		return n, fmt.Errorf("ram: short read at %#x: %d < %d", off, n, len(p))
	}
	return n, nil
}

func (r ram) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(r)) {
		return 0, fmt.Errorf("ram: write out of bounds at %#x, size %d", off, len(p))
	}
	n := copy(r[off:], p)
	if n < len(p) {
		return n, fmt.Errorf("ram: short write at %#x: %d < %d", off, n, len(p))
	}
	return n, nil
}
