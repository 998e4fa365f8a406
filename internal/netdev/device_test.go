package netdev

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/JorgeSantos18/spike-virtio-devices/internal/irqline"
	"github.com/JorgeSantos18/spike-virtio-devices/internal/virtio"
	"github.com/JorgeSantos18/spike-virtio-devices/internal/virtq"
)

type flatMem struct{ buf []byte }

func newFlatMem(size int) *flatMem { return &flatMem{buf: make([]byte, size)} }

func (m *flatMem) ReadAt(p []byte, off int64) (int, error)  { return copy(p, m.buf[off:]), nil }
func (m *flatMem) WriteAt(p []byte, off int64) (int, error) { return copy(m.buf[off:], p), nil }

func putDesc(mem *flatMem, tableAddr uint64, idx uint16, d virtq.Descriptor) {
	off := tableAddr + uint64(idx)*16
	binary.LittleEndian.PutUint64(mem.buf[off:], d.Addr)
	binary.LittleEndian.PutUint32(mem.buf[off+8:], d.Len)
	binary.LittleEndian.PutUint16(mem.buf[off+12:], d.Flags)
	binary.LittleEndian.PutUint16(mem.buf[off+14:], d.Next)
}

func setupQueue(dev *virtio.Device, sel uint32, descAddr, availAddr, usedAddr uint64, num uint32) {
	dev.Store(0x030, 4, uint64(sel))
	dev.Store(0x038, 4, uint64(num))
	dev.Store(0x080, 4, descAddr)
	dev.Store(0x084, 4, descAddr>>32)
	dev.Store(0x090, 4, availAddr)
	dev.Store(0x094, 4, availAddr>>32)
	dev.Store(0x0a0, 4, usedAddr)
	dev.Store(0x0a4, 4, usedAddr>>32)
	dev.Store(0x044, 4, 1)
}

type fakeBackend struct {
	sent [][]byte
	err  error
}

func (f *fakeBackend) WritePacket(frame []byte) error {
	f.sent = append(f.sent, append([]byte(nil), frame...))
	return f.err
}
func (f *fakeBackend) Close() error { return nil }

func TestInitPublishesMAC(t *testing.T) {
	backend := &fakeBackend{}
	nd := New(backend)
	mem := newFlatMem(1 << 16)
	irq := irqline.New(1, func(uint32, bool) {})
	dev := virtio.New(DeviceID, 0, 6, mem, irq, nd)
	if !bytes.Equal(dev.ConfigSpace()[:6], MAC) {
		t.Fatalf("config space MAC = % x, want % x", dev.ConfigSpace()[:6], MAC)
	}
}

func TestTXStripsHeaderAndForwardsFrame(t *testing.T) {
	backend := &fakeBackend{}
	nd := New(backend)
	mem := newFlatMem(1 << 16)
	irq := irqline.New(1, func(uint32, bool) {})
	dev := virtio.New(DeviceID, 0, 6, mem, irq, nd)

	const descAddr, availAddr, usedAddr = 0x1000, 0x2000, 0x3000
	setupQueue(dev, queueTX, descAddr, availAddr, usedAddr, 8)

	const bufAddr = 0x8000
	payload := []byte("hello ethernet frame")
	buf := make([]byte, netHeaderSize+len(payload))
	copy(buf[netHeaderSize:], payload)
	copy(mem.buf[bufAddr:], buf)

	putDesc(mem, descAddr, 0, virtq.Descriptor{Addr: bufAddr, Len: uint32(len(buf))})
	binary.LittleEndian.PutUint16(mem.buf[availAddr+4:], 0)
	binary.LittleEndian.PutUint16(mem.buf[availAddr+2:], 1)

	dev.Store(0x050, 4, queueTX) // QUEUE_NOTIFY

	if len(backend.sent) != 1 {
		t.Fatalf("backend received %d frames, want 1", len(backend.sent))
	}
	if !bytes.Equal(backend.sent[0], payload) {
		t.Fatalf("forwarded frame = %q, want %q", backend.sent[0], payload)
	}
	usedIdx := binary.LittleEndian.Uint16(mem.buf[usedAddr+2:])
	if usedIdx != 1 {
		t.Fatalf("used idx = %d, want 1", usedIdx)
	}
}

func TestDrainRXDeliversQueuedFrame(t *testing.T) {
	backend := &fakeBackend{}
	nd := New(backend)
	mem := newFlatMem(1 << 16)
	irq := irqline.New(1, func(uint32, bool) {})
	dev := virtio.New(DeviceID, 0, 6, mem, irq, nd)

	const descAddr, availAddr, usedAddr = 0x1000, 0x2000, 0x3000
	setupQueue(dev, queueRX, descAddr, availAddr, usedAddr, 8)

	const bufAddr = 0x8000
	const bufLen = 1500
	putDesc(mem, descAddr, 0, virtq.Descriptor{Addr: bufAddr, Len: bufLen, Flags: virtq.DescFWrite})
	binary.LittleEndian.PutUint16(mem.buf[availAddr+4:], 0)
	binary.LittleEndian.PutUint16(mem.buf[availAddr+2:], 1)

	frame := []byte("incoming ethernet frame from the host stack")
	nd.EnqueueRX(frame)
	nd.DrainRX(dev)

	got := mem.buf[bufAddr+netHeaderSize : bufAddr+netHeaderSize+len(frame)]
	if !bytes.Equal(got, frame) {
		t.Fatalf("delivered frame = %q, want %q", got, frame)
	}
	usedIdx := binary.LittleEndian.Uint16(mem.buf[usedAddr+2:])
	if usedIdx != 1 {
		t.Fatalf("used idx = %d, want 1", usedIdx)
	}
}

func TestEnqueueRXDropsWhenBacklogFull(t *testing.T) {
	nd := New(&fakeBackend{})
	nd.maxQueuedRX = 2
	nd.EnqueueRX([]byte("a"))
	nd.EnqueueRX([]byte("b"))
	nd.EnqueueRX([]byte("c"))
	if len(nd.pending) != 2 {
		t.Fatalf("pending = %d, want 2 (backlog cap enforced)", len(nd.pending))
	}
	if nd.droppedFull != 1 {
		t.Fatalf("droppedFull = %d, want 1", nd.droppedFull)
	}
}

func TestOnResetClearsPending(t *testing.T) {
	nd := New(&fakeBackend{})
	nd.EnqueueRX([]byte("queued"))
	nd.OnReset()
	if len(nd.pending) != 0 {
		t.Fatalf("pending not cleared after reset")
	}
}

func TestParseHostForward(t *testing.T) {
	hf, err := ParseHostForward("2222:22")
	if err != nil {
		t.Fatalf("ParseHostForward: %v", err)
	}
	if hf.HostPort != 2222 || hf.GuestPort != 22 {
		t.Fatalf("got %+v", hf)
	}
	if _, err := ParseHostForward("bad"); err == nil {
		t.Fatalf("expected error for malformed hostfwd spec")
	}
}
