package blockdev

import (
	"encoding/binary"

	"github.com/JorgeSantos18/spike-virtio-devices/internal/virtio"
)

// DeviceID is the virtio-blk device type.
const DeviceID = 2

// ConfigSize is the size of virtio-blk's config space: a single 64-bit
// sector count.
const ConfigSize = 8

const requestHeaderSize = 16 // type u32 + ioprio u32 + sector_num u64

// Request types and status codes, per original_source/src/virtio.cc.
const (
	ReqIn       = 0
	ReqOut      = 1
	ReqFlush    = 4
	ReqFlushOut = 5

	StatusOK     = 0
	StatusIOErr  = 1
	StatusUnsupp = 2
)

// Device is the virtio-blk front-end. It advertises no optional features
// (features word 0, per SPEC_FULL.md §4.3) and processes exactly one
// request at a time.
type Device struct {
	backend       *Backend
	reqInProgress bool
}

// New wraps backend as a virtio.Handler.
func New(backend *Backend) *Device {
	return &Device{backend: backend}
}

// Init implements virtio.Handler: publishes the backend's sector count
// into config space.
func (d *Device) Init(v *virtio.Device) {
	binary.LittleEndian.PutUint64(v.ConfigSpace(), d.backend.SectorCount())
}

// OnReset implements virtio.Resetter: STATUS = 0 drops any in-flight
// request bookkeeping, matching the spec's "reset clears in-flight state"
// scenario.
func (d *Device) OnReset() {
	d.reqInProgress = false
}

// Recv implements virtio.Handler. The current backend is synchronous, so
// every call completes and clears reqInProgress before returning; the
// flag exists to preserve the async-callback contract for a future
// backend, per SPEC_FULL.md §9's "callback-based async with synchronous
// implementation" design note.
func (d *Device) Recv(v *virtio.Device, queueIdx int, head uint16, readSize, writeSize uint32) int {
	if d.reqInProgress {
		return -1
	}
	if readSize < requestHeaderSize {
		return 0 // malformed request: silently dropped, ring still advances
	}

	hdr := make([]byte, requestHeaderSize)
	if err := v.ReadFromQueue(queueIdx, head, 0, hdr); err != nil {
		return 0
	}
	reqType := binary.LittleEndian.Uint32(hdr[0:4])
	sectorNum := binary.LittleEndian.Uint64(hdr[8:16])

	d.reqInProgress = true
	defer func() { d.reqInProgress = false }()

	switch reqType {
	case ReqIn:
		d.handleIn(v, queueIdx, head, sectorNum, writeSize)
	case ReqOut:
		if writeSize < 1 {
			return 0
		}
		d.handleOut(v, queueIdx, head, sectorNum, readSize)
	case ReqFlush, ReqFlushOut:
		status := byte(StatusOK)
		if err := d.backend.Flush(); err != nil {
			status = StatusIOErr
		}
		d.reqEndStatusOnly(v, queueIdx, head, status)
	default:
		// Unsupported request type: silently drop, no completion.
	}
	return 0
}

// handleIn implements VIRTIO_BLK_T_IN: read (writeSize-1)/SectorSize whole
// sectors into a writeSize-byte buffer whose final byte becomes the status.
func (d *Device) handleIn(v *virtio.Device, queueIdx int, head uint16, sectorNum uint64, writeSize uint32) {
	if writeSize == 0 {
		return
	}
	buf := make([]byte, writeSize)
	dataLen := int(writeSize-1) / SectorSize * SectorSize
	status := byte(StatusOK)
	if dataLen > 0 {
		if err := d.backend.ReadSectors(sectorNum, buf[:dataLen]); err != nil {
			status = StatusIOErr
		}
	}
	buf[len(buf)-1] = status
	if err := v.WriteToQueue(queueIdx, head, 0, buf); err != nil {
		return
	}
	v.ConsumeDesc(queueIdx, head, writeSize)
}

// handleOut implements VIRTIO_BLK_T_OUT: copy the write payload out of
// the read sub-chain and hand it to the backend.
func (d *Device) handleOut(v *virtio.Device, queueIdx int, head uint16, sectorNum uint64, readSize uint32) {
	length := int(readSize) - requestHeaderSize
	status := byte(StatusOK)
	if length > 0 {
		buf := make([]byte, length)
		if err := v.ReadFromQueue(queueIdx, head, requestHeaderSize, buf); err != nil {
			status = StatusIOErr
		} else {
			n := length / SectorSize * SectorSize
			if err := d.backend.WriteSectors(sectorNum, buf[:n]); err != nil {
				status = StatusIOErr
			}
		}
	}
	d.reqEndStatusOnly(v, queueIdx, head, status)
}

func (d *Device) reqEndStatusOnly(v *virtio.Device, queueIdx int, head uint16, status byte) {
	if err := v.WriteToQueue(queueIdx, head, 0, []byte{status}); err != nil {
		return
	}
	v.ConsumeDesc(queueIdx, head, 1)
}
