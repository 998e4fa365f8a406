// Package mmio implements the VirtIO MMIO register window: a 4 KiB bank
// of control registers plus a device-specific config-space tail. It
// knows nothing about virtqueues, backends, or interrupts beyond the
// values it is told to store and hand back; the transport layer
// (internal/virtio) owns wiring register side effects (reset, queue
// select, notify) to the rest of the device.
//
// Grounded on original_source/src/virtio.cc's virtio_mmio_read/
// virtio_mmio_write/set_low32/set_high32, and the offset-switch decode
// shape of tinyrange-cc/internal/hv/riscv/ccvm/virtio.go's
// (*virtio).ReadAt/WriteAt.
package mmio

import "encoding/binary"

// Register offsets, identical to the VirtIO MMIO v2 transport layout.
const (
	MagicValue         = 0x000
	Version            = 0x004
	DeviceID           = 0x008
	VendorID           = 0x00c
	DeviceFeatures     = 0x010
	DeviceFeaturesSel  = 0x014
	DriverFeatures     = 0x020
	DriverFeaturesSel  = 0x024
	QueueSel           = 0x030
	QueueNumMax        = 0x034
	QueueNum           = 0x038
	QueueReady         = 0x044
	QueueNotify        = 0x050
	InterruptStatus    = 0x060
	InterruptAck       = 0x064
	Status             = 0x070
	QueueDescLow       = 0x080
	QueueDescHigh      = 0x084
	QueueAvailLow      = 0x090
	QueueAvailHigh     = 0x094
	QueueUsedLow       = 0x0a0
	QueueUsedHigh      = 0x0a4
	ConfigGeneration   = 0x0fc
	ConfigSpace        = 0x100

	// MagicVirt is the constant "virt" magic value at offset 0.
	MagicVirt = 0x74726976
	// TransportVersion is the constant modern (v2) transport version.
	TransportVersion = 2
	// Vendor is the fixed, non-assigned vendor id every device in this
	// model reports, preserved bit-exact per the original.
	Vendor = 0xFFFF

	// InterruptStatusVring / InterruptStatusConfig are the two int_status
	// bits this model ever sets.
	InterruptStatusVring  = 0x1
	InterruptStatusConfig = 0x2
)

// ConfigSpaceSize is the maximum size of the device-specific config
// window backing store.
const ConfigSpaceSize = 256

// Hooks lets the owning transport observe and veto register side effects
// that reach beyond the register bank itself: selecting a queue,
// changing status, or a guest kick on QUEUE_NOTIFY.
type Hooks interface {
	// QueueNumMax returns MaxQueueNum for any valid selected queue.
	QueueNumMax(queueSel uint32) uint32
	// QueueNum/SetQueueNum/QueueReady/SetQueueReady/QueueDesc.../SetQueueDesc...
	// read and mutate the selected queue's fields.
	QueueNum(queueSel uint32) uint32
	SetQueueNum(queueSel uint32, n uint32)
	QueueReady(queueSel uint32) bool
	SetQueueReady(queueSel uint32, ready bool)
	QueueDescAddr(queueSel uint32) uint64
	SetQueueDescLow(queueSel uint32, v uint32)
	SetQueueDescHigh(queueSel uint32, v uint32)
	QueueAvailAddr(queueSel uint32) uint64
	SetQueueAvailLow(queueSel uint32, v uint32)
	SetQueueAvailHigh(queueSel uint32, v uint32)
	QueueUsedAddr(queueSel uint32) uint64
	SetQueueUsedLow(queueSel uint32, v uint32)
	SetQueueUsedHigh(queueSel uint32, v uint32)
	// Notify is invoked when the guest writes QUEUE_NOTIFY with a queue
	// index in range.
	Notify(queueSel uint32)
	// Reset is invoked when the guest writes STATUS = 0.
	Reset()
	// SyncInterrupt is invoked after INTERRUPT_ACK and STATUS writes, so
	// the transport can drop the IRQ line once int_status reads back 0,
	// matching virtio.cc's ack path clearing the pending line.
	SyncInterrupt()
}

// Registers is the register bank for one device. DeviceID and
// DeviceFeatures are fixed at construction; everything else is
// guest-mutable state.
type Registers struct {
	deviceID       uint32
	deviceFeatures uint32

	featuresSel       uint32
	driverFeaturesSel uint32
	queueSel          uint32
	status            uint32
	intStatus         uint32

	configSpace [ConfigSpaceSize]byte
	configLen   int

	hooks Hooks
}

// New builds a register bank for a device advertising deviceID and a
// 32-bit device-features word (bank 0). Bank 1 always reports the
// version-1 feature bit; higher banks report 0, per the spec's explicit
// non-goal of anything past a single feature word.
func New(deviceID uint32, deviceFeatures uint32, configLen int, hooks Hooks) *Registers {
	if configLen > ConfigSpaceSize {
		configLen = ConfigSpaceSize
	}
	return &Registers{
		deviceID:       deviceID,
		deviceFeatures: deviceFeatures,
		configLen:      configLen,
		hooks:          hooks,
	}
}

// ConfigSpace returns the mutable backing slice for the device-specific
// configuration window, sized to configLen as given to New.
func (r *Registers) ConfigSpace() []byte {
	return r.configSpace[:r.configLen]
}

// RaiseInterrupt ORs bits into int_status. Callers are responsible for
// asserting the IRQ line; this only updates guest-visible state.
func (r *Registers) RaiseInterrupt(bits uint32) {
	r.intStatus |= bits
}

// IntStatus reports the current interrupt status bitfield.
func (r *Registers) IntStatus() uint32 { return r.intStatus }

// Status reports the raw VirtIO status byte.
func (r *Registers) Status() uint32 { return r.status }

// resetRegisters restores register state to power-on defaults. It does
// not touch device-fixed fields (deviceID, deviceFeatures, configLen,
// hooks) or the config space contents, matching the original's
// virtio_reset, which never clears config_space.
func (r *Registers) resetRegisters() {
	r.featuresSel = 0
	r.driverFeaturesSel = 0
	r.queueSel = 0
	r.status = 0
	r.intStatus = 0
}

// Read handles a guest load of size bytes (1, 2, or 4) at addr within the
// 4 KiB window. Control-region accesses must be naturally aligned 4-byte
// reads or they return 0; config-region accesses honour 1/2/4 bytes and
// return 0 if the access would run off the end of the config space.
func (r *Registers) Read(addr uint64, size int) uint64 {
	if addr >= ConfigSpace {
		return r.readConfig(addr-ConfigSpace, size)
	}
	if size != 4 || addr%4 != 0 {
		return 0
	}
	return uint64(r.readControl(uint32(addr)))
}

func (r *Registers) readControl(addr uint32) uint32 {
	switch addr {
	case MagicValue:
		return MagicVirt
	case Version:
		return TransportVersion
	case DeviceID:
		return r.deviceID
	case VendorID:
		return Vendor
	case DeviceFeatures:
		switch r.featuresSel {
		case 0:
			return r.deviceFeatures
		case 1:
			return 1
		default:
			return 0
		}
	case DeviceFeaturesSel:
		return r.featuresSel
	case QueueSel:
		return r.queueSel
	case QueueNumMax:
		return r.hooks.QueueNumMax(r.queueSel)
	case QueueNum:
		return r.hooks.QueueNum(r.queueSel)
	case QueueReady:
		if r.hooks.QueueReady(r.queueSel) {
			return 1
		}
		return 0
	case InterruptStatus:
		return r.intStatus
	case Status:
		return r.status
	case QueueDescLow:
		return uint32(r.hooks.QueueDescAddr(r.queueSel))
	case QueueDescHigh:
		return uint32(r.hooks.QueueDescAddr(r.queueSel) >> 32)
	case QueueAvailLow:
		return uint32(r.hooks.QueueAvailAddr(r.queueSel))
	case QueueAvailHigh:
		return uint32(r.hooks.QueueAvailAddr(r.queueSel) >> 32)
	case QueueUsedLow:
		return uint32(r.hooks.QueueUsedAddr(r.queueSel))
	case QueueUsedHigh:
		return uint32(r.hooks.QueueUsedAddr(r.queueSel) >> 32)
	case ConfigGeneration:
		return 0
	default:
		return 0
	}
}

func (r *Registers) readConfig(off uint64, size int) uint64 {
	end := off + uint64(size)
	if end > uint64(r.configLen) {
		return 0
	}
	switch size {
	case 1:
		return uint64(r.configSpace[off])
	case 2:
		return uint64(binary.LittleEndian.Uint16(r.configSpace[off:]))
	case 4:
		return uint64(binary.LittleEndian.Uint32(r.configSpace[off:]))
	default:
		return 0
	}
}

// Write handles a guest store of size bytes (1, 2, or 4) at addr,
// applying any side effects (reset, notify, ack) via Hooks.
func (r *Registers) Write(addr uint64, size int, value uint64) {
	if addr >= ConfigSpace {
		r.writeConfig(addr-ConfigSpace, size, value)
		return
	}
	if size != 4 || addr%4 != 0 {
		return
	}
	r.writeControl(uint32(addr), uint32(value))
}

func (r *Registers) writeControl(addr uint32, value uint32) {
	switch addr {
	case DeviceFeaturesSel:
		r.featuresSel = value
	case DriverFeatures:
		// Driver-selected feature acceptance is not modeled beyond
		// signalling VirtIO modern; the write is accepted but has no
		// observable effect, matching the explicit non-goal.
	case DriverFeaturesSel:
		r.driverFeaturesSel = value
	case QueueSel:
		if value < virtqMaxQueues {
			r.queueSel = value
		}
	case QueueNum:
		r.hooks.SetQueueNum(r.queueSel, value)
	case QueueReady:
		r.hooks.SetQueueReady(r.queueSel, value&1 != 0)
	case QueueNotify:
		if value < virtqMaxQueues {
			r.hooks.Notify(value)
		}
	case InterruptAck:
		r.intStatus &^= value
		r.hooks.SyncInterrupt()
	case Status:
		if value == 0 {
			r.resetRegisters()
			r.hooks.Reset()
		} else {
			r.status = value
		}
		r.hooks.SyncInterrupt()
	case QueueDescLow:
		r.hooks.SetQueueDescLow(r.queueSel, value)
	case QueueDescHigh:
		r.hooks.SetQueueDescHigh(r.queueSel, value)
	case QueueAvailLow:
		r.hooks.SetQueueAvailLow(r.queueSel, value)
	case QueueAvailHigh:
		r.hooks.SetQueueAvailHigh(r.queueSel, value)
	case QueueUsedLow:
		r.hooks.SetQueueUsedLow(r.queueSel, value)
	case QueueUsedHigh:
		r.hooks.SetQueueUsedHigh(r.queueSel, value)
	default:
		// Reads-only or unimplemented offsets are silently ignored.
	}
}

func (r *Registers) writeConfig(off uint64, size int, value uint64) {
	end := off + uint64(size)
	if end > uint64(r.configLen) {
		return
	}
	switch size {
	case 1:
		r.configSpace[off] = byte(value)
	case 2:
		binary.LittleEndian.PutUint16(r.configSpace[off:], uint16(value))
	case 4:
		binary.LittleEndian.PutUint32(r.configSpace[off:], uint32(value))
	}
}

// virtqMaxQueues mirrors virtq.MaxQueues without importing internal/virtq,
// keeping the register bank independent of the queue-engine package.
const virtqMaxQueues = 8
