package virtq

import (
	"bytes"
	"encoding/binary"
	"testing"
)

// fakeMem is a flat byte slice implementing GuestMemory for tests,
// matching the style of tinyrange-cc's queue_test.go fake memory helper.
type fakeMem struct {
	buf []byte
}

func newFakeMem(size int) *fakeMem {
	return &fakeMem{buf: make([]byte, size)}
}

func (m *fakeMem) ReadAt(p []byte, off int64) (int, error) {
	return copy(p, m.buf[off:]), nil
}

func (m *fakeMem) WriteAt(p []byte, off int64) (int, error) {
	return copy(m.buf[off:], p), nil
}

func (m *fakeMem) putDesc(idx uint16, d Descriptor) {
	off := int(idx) * descSize
	binary.LittleEndian.PutUint64(m.buf[off:], d.Addr)
	binary.LittleEndian.PutUint32(m.buf[off+8:], d.Len)
	binary.LittleEndian.PutUint16(m.buf[off+12:], d.Flags)
	binary.LittleEndian.PutUint16(m.buf[off+14:], d.Next)
}

func newTestQueue(descAddr, availAddr, usedAddr uint64, num uint32) *Queue {
	return &Queue{DescAddr: descAddr, AvailAddr: availAddr, UsedAddr: usedAddr, Num: num, Ready: true}
}

func TestQueueSetNumRejectsNonPowerOfTwo(t *testing.T) {
	q := &Queue{}
	q.SetNum(3)
	if q.Num != 0 {
		t.Fatalf("SetNum(3) should be rejected, got Num=%d", q.Num)
	}
	q.SetNum(8)
	if q.Num != 8 {
		t.Fatalf("SetNum(8) should be accepted, got Num=%d", q.Num)
	}
	q.SetNum(32) // exceeds MaxQueueNum
	if q.Num != 8 {
		t.Fatalf("SetNum(32) should be rejected, got Num=%d", q.Num)
	}
}

func TestGetDescRWSizeClassifiesReadThenWrite(t *testing.T) {
	mem := newFakeMem(0x10000)
	q := newTestQueue(0x0, 0x1000, 0x2000, 8)

	// chain: 16-byte header (read), 512-byte data (write), 1-byte status (write)
	mem.putDesc(0, Descriptor{Addr: 0x4000, Len: 16, Flags: DescFNext, Next: 1})
	mem.putDesc(1, Descriptor{Addr: 0x4100, Len: 512, Flags: DescFNext | DescFWrite, Next: 2})
	mem.putDesc(2, Descriptor{Addr: 0x4400, Len: 1, Flags: DescFWrite})

	rd, wr, err := q.GetDescRWSize(mem, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rd != 16 || wr != 513 {
		t.Fatalf("got read=%d write=%d, want read=16 write=513", rd, wr)
	}
}

func TestGetDescRWSizeRejectsReadAfterWrite(t *testing.T) {
	mem := newFakeMem(0x10000)
	q := newTestQueue(0, 0x1000, 0x2000, 8)

	mem.putDesc(0, Descriptor{Addr: 0x4000, Len: 4, Flags: DescFNext | DescFWrite, Next: 1})
	mem.putDesc(1, Descriptor{Addr: 0x4100, Len: 4, Flags: 0})

	if _, _, err := q.GetDescRWSize(mem, 0); err == nil {
		t.Fatalf("expected an error for read-after-write chain")
	}
}

func TestGetDescRWSizeRejectsIndirect(t *testing.T) {
	mem := newFakeMem(0x10000)
	q := newTestQueue(0, 0x1000, 0x2000, 8)
	mem.putDesc(0, Descriptor{Addr: 0x4000, Len: 4, Flags: DescFIndirect})

	if _, _, err := q.GetDescRWSize(mem, 0); err == nil {
		t.Fatalf("expected an error for an indirect descriptor")
	}
}

func TestCopyToFromQueueRoundTrip(t *testing.T) {
	mem := newFakeMem(0x10000)
	q := newTestQueue(0, 0x1000, 0x2000, 8)

	mem.putDesc(0, Descriptor{Addr: 0x4000, Len: 16, Flags: DescFNext, Next: 1})
	mem.putDesc(1, Descriptor{Addr: 0x4100, Len: 8, Flags: DescFWrite})

	payload := []byte("responsedata")[:8]
	if err := q.CopyToFromQueue(mem, 0, 0, payload, FromDevice); err != nil {
		t.Fatalf("write copy failed: %v", err)
	}

	// Verify by reading guest memory directly at the write descriptor's address.
	got := mem.buf[0x4100 : 0x4100+8]
	if !bytes.Equal(got, payload) {
		t.Fatalf("got %q, want %q", got, payload)
	}
}

func TestCopyToFromQueueCrossesDescriptorBoundary(t *testing.T) {
	mem := newFakeMem(0x10000)
	q := newTestQueue(0, 0x1000, 0x2000, 8)

	mem.putDesc(0, Descriptor{Addr: 0x4000, Len: 4, Flags: DescFWrite | DescFNext, Next: 1})
	mem.putDesc(1, Descriptor{Addr: 0x5000, Len: 4, Flags: DescFWrite})

	payload := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	if err := q.CopyToFromQueue(mem, 0, 0, payload, FromDevice); err != nil {
		t.Fatalf("cross-boundary write failed: %v", err)
	}
	if !bytes.Equal(mem.buf[0x4000:0x4004], payload[:4]) {
		t.Fatalf("first descriptor got %v", mem.buf[0x4000:0x4004])
	}
	if !bytes.Equal(mem.buf[0x5000:0x5004], payload[4:]) {
		t.Fatalf("second descriptor got %v", mem.buf[0x5000:0x5004])
	}
}

func TestPublishUsedAdvancesIdx(t *testing.T) {
	mem := newFakeMem(0x10000)
	q := newTestQueue(0, 0x1000, 0x2000, 8)

	if err := q.PublishUsed(mem, 5, 512); err != nil {
		t.Fatalf("PublishUsed failed: %v", err)
	}
	idx, err := readU16(mem, q.UsedAddr+2)
	if err != nil {
		t.Fatalf("read idx: %v", err)
	}
	if idx != 1 {
		t.Fatalf("used idx = %d, want 1", idx)
	}
	head, err := readU16(mem, q.UsedAddr+4)
	if err != nil {
		t.Fatalf("read head: %v", err)
	}
	if head != 5 {
		t.Fatalf("used entry id = %d, want 5", head)
	}
}
