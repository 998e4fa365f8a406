// Package netdev implements the virtio-net device front-end: a
// virtio-net header followed by an ethernet frame on each descriptor
// chain, backed by a user-mode TCP/IP stack standing in for the
// original's slirp.
//
// Grounded on original_source/src/virtio-net.cc (frame handling, fixed
// subnet/MAC constants, hostfwd contract) and
// tinyrange-cc/internal/hv/riscv/ccvm/virtnet.go (virtioNetHeader shape)
// plus tinyrange-cc/internal/devices/virtio/net.go's netHeaderSize
// constant and RX/TX queue split (queue 0 = RX, queue 1 = TX).
package netdev

import (
	"fmt"
	"net"
	"sync"

	"github.com/JorgeSantos18/spike-virtio-devices/internal/virtio"
)

// DeviceID is the virtio-net device type.
const DeviceID = 1

// ConfigSize is the size of virtio-net's config space this model
// populates: just the 6-byte MAC address.
const ConfigSize = 6

// netHeaderSize is the fixed virtio-net header prefix on every frame:
// flags(1) gsoType(1) hdrLen(2) gsoSize(2) csumStart(2) csumOffset(2)
// numBuffers(2).
const netHeaderSize = 12

const (
	queueRX = 0
	queueTX = 1
)

// MAC is the fixed guest-facing MAC address, preserved bit-exact from
// original_source/src/virtio-net.cc's slirp_open.
var MAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}

// Backend is the user-mode network stack contract the front-end drives.
// WritePacket hands a guest-transmitted frame to the backend; the backend
// delivers host-received frames back by calling Device.EnqueueRX.
type Backend interface {
	WritePacket(frame []byte) error
	Close() error
}

// Device is the virtio-net front-end. Queue 0 is guest RX (device writes,
// driver supplies empty buffers), queue 1 is guest TX (driver writes,
// device reads and forwards to the backend).
type Device struct {
	backend Backend

	mu          sync.Mutex
	pending     [][]byte // frames waiting for an RX descriptor
	maxQueuedRX int
	droppedFull uint64
}

// DefaultMaxQueuedRX bounds the pending-frame backlog so a backend that
// outpaces the guest's RX ring cannot grow pending without limit.
const DefaultMaxQueuedRX = 256

// New wraps backend as a virtio.Handler. backend may be nil at
// construction and supplied later with SetBackend — NetstackBackend
// needs a *Device to deliver into before it can itself be built, so
// cmd/spikevirtio constructs the device first, then the backend, then
// wires them together. The backend's Output path (frames arriving from
// the network) is delivered by calling EnqueueRX, typically from the
// backend's own goroutine per SPEC_FULL.md §5's exception to the
// single-threaded core.
func New(backend Backend) *Device {
	return &Device{backend: backend, maxQueuedRX: DefaultMaxQueuedRX}
}

// SetBackend wires backend in after construction, for the
// device-before-backend ordering NewNetstackBackend requires.
func (d *Device) SetBackend(backend Backend) {
	d.backend = backend
}

// Init implements virtio.Handler: publishes the fixed MAC into config
// space and marks the RX queue manual-recv since the device pulls
// available RX buffers only when a frame is waiting, rather than reacting
// to every notify.
func (d *Device) Init(v *virtio.Device) {
	copy(v.ConfigSpace(), MAC)
	v.SetQueueManualRecv(queueRX, true)
}

// EnqueueRX queues a host-received frame for delivery to the guest on the
// next drain. It is safe to call from any goroutine (the backend's own
// receive loop), per SPEC_FULL.md §5. Frames arriving once the backlog is
// full are dropped, the same way a real NIC drops on a saturated RX ring.
func (d *Device) EnqueueRX(frame []byte) {
	d.mu.Lock()
	if len(d.pending) >= d.maxQueuedRX {
		d.droppedFull++
		d.mu.Unlock()
		return
	}
	d.pending = append(d.pending, frame)
	d.mu.Unlock()
}

// CanAcceptRX reports whether the RX backlog has room for another frame,
// so a backend can apply its own flow control before calling EnqueueRX.
func (d *Device) CanAcceptRX() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending) < d.maxQueuedRX
}

// DrainRX is called on Tick to deliver any pending frames into
// guest-supplied RX buffers on queue 0. It is intentionally invoked from
// the single-threaded Tick path, not from the backend goroutine directly,
// so all guest-memory writes stay on the simulator's main thread.
func (d *Device) DrainRX(v *virtio.Device) {
	d.mu.Lock()
	frames := d.pending
	d.pending = nil
	d.mu.Unlock()

	for _, frame := range frames {
		if err := d.deliverFrame(v, frame); err != nil {
			// No RX buffer available or a malformed guest ring; drop this
			// frame and the rest of the batch, the same way a real NIC
			// drops on a full ring.
			return
		}
	}
}

// deliverFrame writes one host-received ethernet frame, prefixed with a
// zeroed virtio-net header (no offloads), into the next RX descriptor.
func (d *Device) deliverFrame(v *virtio.Device, frame []byte) error {
	// The RX queue is manual-recv; the device must pull the next
	// available descriptor itself rather than being driven by Notify.
	head, ok, err := v.NextAvailable(queueRX)
	if err != nil || !ok {
		return fmt.Errorf("netdev: no RX descriptor available")
	}
	buf := make([]byte, netHeaderSize+len(frame))
	copy(buf[netHeaderSize:], frame)
	if err := v.WriteToQueue(queueRX, head, 0, buf); err != nil {
		return err
	}
	return v.ConsumeDesc(queueRX, head, uint32(len(buf)))
}

// Recv implements virtio.Handler for queue 1 (guest TX): strip the
// virtio-net header and forward the ethernet frame to the backend.
func (d *Device) Recv(v *virtio.Device, queueIdx int, head uint16, readSize, writeSize uint32) int {
	if queueIdx != queueTX {
		return 0
	}
	if readSize < netHeaderSize {
		return 0
	}
	buf := make([]byte, readSize)
	if err := v.ReadFromQueue(queueIdx, head, 0, buf); err != nil {
		return 0
	}
	frame := buf[netHeaderSize:]
	if err := d.backend.WritePacket(frame); err != nil {
		// Backend I/O errors on transmit are not surfaced to the guest;
		// virtio-net has no per-packet status byte. The chain is still
		// consumed with zero length, matching original_source's
		// virtioNet.Receive(queueIdx==1) path, which never fails the
		// guest side of a TX.
	}
	v.ConsumeDesc(queueIdx, head, 0)
	return 0
}

// OnReset implements virtio.Resetter: drop any frames queued for
// delivery, since the RX ring they were destined for no longer exists.
func (d *Device) OnReset() {
	d.mu.Lock()
	d.pending = nil
	d.mu.Unlock()
}

