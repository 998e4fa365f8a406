// Package virtio ties the MMIO register bank (internal/mmio) and the
// virtqueue engine (internal/virtq) together into the single-threaded
// transport every device front-end (block, net) plugs into. It owns the
// queue_notify drain loop and the interrupt-raising side of consuming a
// descriptor, since both require reaching into register state
// (int_status) that the lower two packages deliberately do not know
// about.
//
// Grounded almost line-for-line on
// tinyrange-cc/internal/hv/riscv/ccvm/virtio.go's virtioDevice/virtio
// types, which are themselves a close transliteration of
// original_source/src/virtio.cc.
package virtio

import (
	"fmt"

	"github.com/JorgeSantos18/spike-virtio-devices/internal/irqline"
	"github.com/JorgeSantos18/spike-virtio-devices/internal/mmio"
	"github.com/JorgeSantos18/spike-virtio-devices/internal/virtq"
)

// Handler is implemented by a device front-end (block, net, ...). Recv is
// invoked once per newly available descriptor chain; a negative return
// applies backpressure and halts the drain until the next notify.
type Handler interface {
	// Init is called once, immediately after the transport is
	// constructed, so the handler can seed config space and mark queues
	// manual-recv if it pulls at its own pace.
	Init(d *Device)
	// Recv processes one descriptor chain. See queue_notify semantics in
	// SPEC_FULL.md §4.2.
	Recv(d *Device, queueIdx int, head uint16, readSize, writeSize uint32) int
}

// Resetter is an optional extension a Handler can implement to clear its
// own in-flight state (e.g. blockdev's reqInProgress flag) on STATUS = 0.
type Resetter interface {
	OnReset()
}

// Device is one emulated VirtIO MMIO peripheral: register bank, queue
// array, guest memory accessor, interrupt line, and a device-specific
// Handler.
type Device struct {
	regs    *mmio.Registers
	queues  [virtq.MaxQueues]virtq.Queue
	mem     virtq.GuestMemory
	irq     *irqline.Line
	handler Handler
}

// New constructs a device transport. configLen bounds the device-specific
// config space window (0..256 bytes).
func New(deviceID, deviceFeatures uint32, configLen int, mem virtq.GuestMemory, irq *irqline.Line, handler Handler) *Device {
	d := &Device{mem: mem, irq: irq, handler: handler}
	d.regs = mmio.New(deviceID, deviceFeatures, configLen, d)
	handler.Init(d)
	return d
}

// ConfigSpace exposes the device-specific config window for the handler
// to populate (e.g. block's sector count, net's MAC address).
func (d *Device) ConfigSpace() []byte { return d.regs.ConfigSpace() }

// Load services a guest read of size bytes at addr within the device's
// 4 KiB MMIO window.
func (d *Device) Load(addr uint64, size int) uint64 { return d.regs.Read(addr, size) }

// Store services a guest write of size bytes at addr.
func (d *Device) Store(addr uint64, size int, value uint64) { d.regs.Write(addr, size, value) }

// ReadFromQueue copies read-only (driver-supplied) bytes out of the chain
// rooted at head into buf, starting offset bytes into the read sub-chain.
func (d *Device) ReadFromQueue(queueIdx int, head uint16, offset uint64, buf []byte) error {
	if queueIdx < 0 || queueIdx >= len(d.queues) {
		return fmt.Errorf("virtio: queue index %d out of range", queueIdx)
	}
	return d.queues[queueIdx].CopyToFromQueue(d.mem, head, offset, buf, virtq.ToDevice)
}

// WriteToQueue copies buf into the write-only (device-supplied) portion
// of the chain rooted at head, starting offset bytes into the write
// sub-chain.
func (d *Device) WriteToQueue(queueIdx int, head uint16, offset uint64, buf []byte) error {
	if queueIdx < 0 || queueIdx >= len(d.queues) {
		return fmt.Errorf("virtio: queue index %d out of range", queueIdx)
	}
	return d.queues[queueIdx].CopyToFromQueue(d.mem, head, offset, buf, virtq.FromDevice)
}

// ConsumeDesc publishes a used-ring entry for head with the given length
// and raises the used-buffer interrupt. Handlers call this after fully
// processing (or failing to process, in which case they still owe a
// status byte per SPEC_FULL.md §4.3) a descriptor chain.
func (d *Device) ConsumeDesc(queueIdx int, head uint16, length uint32) error {
	if queueIdx < 0 || queueIdx >= len(d.queues) {
		return fmt.Errorf("virtio: queue index %d out of range", queueIdx)
	}
	if err := d.queues[queueIdx].PublishUsed(d.mem, head, length); err != nil {
		return err
	}
	d.regs.RaiseInterrupt(mmio.InterruptStatusVring)
	d.irq.Assert()
	return nil
}

// ConfigChangeNotify raises the configuration-change interrupt bit,
// used by devices whose config space mutates after construction (none of
// block/net/UART presently do, but the hook mirrors the original's
// virtio_config_change_notify for handlers that need it).
func (d *Device) ConfigChangeNotify() {
	d.regs.RaiseInterrupt(mmio.InterruptStatusConfig)
	d.irq.Assert()
}

// Notify drives the queue_notify drain loop for queueIdx: while the
// driver has published more available entries than the device has
// consumed, classify and dispatch each chain to the handler. A
// classification failure (malformed chain, INDIRECT flag, wrong
// ordering) silently drops that chain and still advances the cursor. A
// negative Recv return stops the drain before the cursor advances for
// that chain, so a later notify (or an explicit re-drive after backend
// completion) resumes at the same descriptor.
func (d *Device) Notify(queueIdx uint32) {
	if int(queueIdx) >= len(d.queues) {
		return
	}
	q := &d.queues[queueIdx]
	if !q.Ready || q.Num == 0 || q.ManualRecv {
		return
	}
	availIdx, err := q.AvailIdx(d.mem)
	if err != nil {
		return
	}
	for q.LastAvailIdx != availIdx {
		head, err := q.AvailEntry(d.mem, q.LastAvailIdx)
		if err != nil {
			break
		}
		readSize, writeSize, err := q.GetDescRWSize(d.mem, head)
		if err == nil {
			if d.handler.Recv(d, int(queueIdx), head, readSize, writeSize) < 0 {
				break
			}
		}
		q.LastAvailIdx++
	}
}

// NextAvailable pulls the next available descriptor chain head from a
// manual-recv queue (SPEC_FULL.md §3), advancing the cursor immediately
// since delivery to a manual-recv queue does not go through Notify's
// backpressure protocol. ok is false when the driver has not published
// any new entries.
func (d *Device) NextAvailable(queueIdx int) (head uint16, ok bool, err error) {
	if queueIdx < 0 || queueIdx >= len(d.queues) {
		return 0, false, fmt.Errorf("virtio: queue index %d out of range", queueIdx)
	}
	q := &d.queues[queueIdx]
	if !q.Ready || q.Num == 0 {
		return 0, false, nil
	}
	availIdx, err := q.AvailIdx(d.mem)
	if err != nil {
		return 0, false, err
	}
	if q.LastAvailIdx == availIdx {
		return 0, false, nil
	}
	head, err = q.AvailEntry(d.mem, q.LastAvailIdx)
	if err != nil {
		return 0, false, err
	}
	q.LastAvailIdx++
	return head, true, nil
}

// SetQueueManualRecv marks a queue as pulled by the handler at its own
// pace rather than auto-drained on notify (SPEC_FULL.md §3, ManualRecv).
func (d *Device) SetQueueManualRecv(queueIdx int, manual bool) {
	if queueIdx < 0 || queueIdx >= len(d.queues) {
		return
	}
	d.queues[queueIdx].ManualRecv = manual
}

// --- mmio.Hooks implementation -------------------------------------------------

func (d *Device) QueueNumMax(uint32) uint32 { return virtq.MaxQueueNum }

func (d *Device) QueueNum(sel uint32) uint32 {
	if int(sel) >= len(d.queues) {
		return 0
	}
	return d.queues[sel].Num
}

func (d *Device) SetQueueNum(sel uint32, n uint32) {
	if int(sel) >= len(d.queues) {
		return
	}
	d.queues[sel].SetNum(n)
}

func (d *Device) QueueReady(sel uint32) bool {
	if int(sel) >= len(d.queues) {
		return false
	}
	return d.queues[sel].Ready
}

func (d *Device) SetQueueReady(sel uint32, ready bool) {
	if int(sel) >= len(d.queues) {
		return
	}
	d.queues[sel].Ready = ready
}

func (d *Device) QueueDescAddr(sel uint32) uint64 {
	if int(sel) >= len(d.queues) {
		return 0
	}
	return d.queues[sel].DescAddr
}

func (d *Device) SetQueueDescLow(sel uint32, v uint32) {
	if int(sel) >= len(d.queues) {
		return
	}
	d.queues[sel].DescAddr = setLow32(d.queues[sel].DescAddr, v)
}

func (d *Device) SetQueueDescHigh(sel uint32, v uint32) {
	if int(sel) >= len(d.queues) {
		return
	}
	d.queues[sel].DescAddr = setHigh32(d.queues[sel].DescAddr, v)
}

func (d *Device) QueueAvailAddr(sel uint32) uint64 {
	if int(sel) >= len(d.queues) {
		return 0
	}
	return d.queues[sel].AvailAddr
}

func (d *Device) SetQueueAvailLow(sel uint32, v uint32) {
	if int(sel) >= len(d.queues) {
		return
	}
	d.queues[sel].AvailAddr = setLow32(d.queues[sel].AvailAddr, v)
}

func (d *Device) SetQueueAvailHigh(sel uint32, v uint32) {
	if int(sel) >= len(d.queues) {
		return
	}
	d.queues[sel].AvailAddr = setHigh32(d.queues[sel].AvailAddr, v)
}

func (d *Device) QueueUsedAddr(sel uint32) uint64 {
	if int(sel) >= len(d.queues) {
		return 0
	}
	return d.queues[sel].UsedAddr
}

func (d *Device) SetQueueUsedLow(sel uint32, v uint32) {
	if int(sel) >= len(d.queues) {
		return
	}
	d.queues[sel].UsedAddr = setLow32(d.queues[sel].UsedAddr, v)
}

func (d *Device) SetQueueUsedHigh(sel uint32, v uint32) {
	if int(sel) >= len(d.queues) {
		return
	}
	d.queues[sel].UsedAddr = setHigh32(d.queues[sel].UsedAddr, v)
}

// SyncInterrupt implements mmio.Hooks: drops the IRQ line once int_status
// has gone back to 0, e.g. after the driver acks the only pending cause.
// Matches virtio.cc's ack handler, which lowers the interrupt line the
// moment int_status becomes clear rather than waiting for the next event.
func (d *Device) SyncInterrupt() {
	if d.regs.IntStatus() == 0 {
		d.irq.Deassert()
	}
}

func (d *Device) Reset() {
	for i := range d.queues {
		d.queues[i].Reset()
	}
	if r, ok := d.handler.(Resetter); ok {
		r.OnReset()
	}
	d.irq.Deassert()
}

// setLow32/setHigh32 assemble a 64-bit guest address from a low-then-high
// register pair, per original_source/src/virtio.cc's set_low32/
// set_high32: the low write zero-extends until high is written.
func setLow32(cur uint64, v uint32) uint64 {
	return (cur &^ 0xFFFFFFFF) | uint64(v)
}

func setHigh32(cur uint64, v uint32) uint64 {
	return (cur & 0xFFFFFFFF) | (uint64(v) << 32)
}
