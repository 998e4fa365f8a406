// Package sifiveuart implements a SiFive-compatible UART: a 4 KiB
// register window, 32-bit-only accesses, write-through TX to a host
// terminal, and a bounded RX FIFO drained by polling the terminal on
// each simulator tick.
//
// Unlike the virtio devices this is not a virtio transport at all — it
// decodes its own tiny register set directly, mirroring
// original_source/sifive_uart.cc's load/store/tick trio.
package sifiveuart

import (
	"io"

	"github.com/JorgeSantos18/spike-virtio-devices/internal/irqline"
)

// Register offsets, from original_source/sifive_uart.cc's UART_* enum
// (SiFive's public UART memory map, also carried by riscv-pk/Spike).
const (
	RegTXFIFO = 0x00
	RegRXFIFO = 0x04
	RegTXCTRL = 0x08
	RegRXCTRL = 0x0c
	RegIE     = 0x10
	RegIP     = 0x14
	RegDIV    = 0x18
)

// RXFIFOSize is the RX FIFO capacity in bytes, per
// original_source/sifive_uart.cc's UART_RX_FIFO_SIZE.
const RXFIFOSize = 8

const (
	rxfifoEmptyFlag = 1 << 31

	ctrlEnable   = 1 << 0
	ctrlCountLSB = 16
	ctrlCountBits = 0x7

	ieTXWM = 1 << 0
	ieRXWM = 1 << 1
)

// Terminal is the host-side byte sink/source: TX bytes are written
// through immediately, RX bytes are polled non-blockingly on Tick.
// ReadByte returns (0, false) when no byte is currently available, matching
// canonical_terminal_t::read()'s non-blocking contract.
type Terminal interface {
	io.Writer
	ReadByte() (b byte, ok bool)
}

// Device is one SiFive UART instance decoding its own 4 KiB MMIO window.
type Device struct {
	term Terminal

	txctrl uint32
	rxctrl uint32
	ie     uint32
	div    uint32

	rx []byte // FIFO queue, oldest byte at index 0

	irq *irqline.Line
}

// New constructs a UART wired to term for byte I/O, setting irq to the
// level of IP&IE each time interrupts are recomputed. irq may be nil in tests that don't care
// about interrupt delivery, matching irqline.Line's own nil-receiver
// convention.
func New(term Terminal, irq *irqline.Line) *Device {
	return &Device{term: term, irq: irq, rx: make([]byte, 0, RXFIFOSize)}
}

// Load services a guest read of size bytes at addr, implementing the
// same bus.MMIODevice interface virtio.Device does. Any access at
// addr >= 0x1000 or of a size other than 4 bytes is invalid; this model
// treats an invalid access as unmapped and returns 0, matching
// virtio.Device's "unimplemented offsets read 0" convention so both
// device kinds share one bus dispatch.
func (d *Device) Load(addr uint64, size int) uint64 {
	if addr >= 0x1000 || size != 4 {
		return 0
	}
	var r uint32
	switch addr {
	case RegTXFIFO:
		r = 0
	case RegRXFIFO:
		r = d.readRXFIFO()
	case RegTXCTRL:
		r = d.txctrl
	case RegRXCTRL:
		r = d.rxctrl
	case RegIE:
		r = d.ie
	case RegIP:
		r = d.readIP()
	case RegDIV:
		r = d.div
	default:
		return 0
	}
	return uint64(r) & mask(size)
}

// Store services a guest write of size bytes at addr. An invalid access
// is silently ignored, mirroring virtio.Device's write-side convention.
func (d *Device) Store(addr uint64, size int, value uint64) {
	if addr >= 0x1000 || size != 4 {
		return
	}
	v := uint32(value) & uint32(mask(size))
	switch addr {
	case RegTXFIFO:
		d.term.Write([]byte{byte(value)})
	case RegTXCTRL:
		d.txctrl = v
	case RegRXCTRL:
		d.rxctrl = v
	case RegIE:
		d.ie = v
		d.updateInterrupts()
	case RegDIV:
		d.div = v
	}
}

// Tick is invoked by the simulator's RTC. It pulls at most one byte from
// the terminal into the RX FIFO when there is room, matching
// sifive_uart_t::tick's one-byte-per-tick contract exactly.
func (d *Device) Tick() {
	if len(d.rx) >= RXFIFOSize {
		return
	}
	b, ok := d.term.ReadByte()
	if !ok {
		return
	}
	d.rx = append(d.rx, b)
	d.updateInterrupts()
}

// readRXFIFO pops the oldest queued byte, or reports empty via bit 31.
func (d *Device) readRXFIFO() uint32 {
	if len(d.rx) == 0 {
		return rxfifoEmptyFlag
	}
	b := d.rx[0]
	d.rx = d.rx[1:]
	return uint32(b)
}

// readIP computes the interrupt-pending register: TXWM is always
// asserted since TX is write-through and never queues past the
// watermark; RXWM is asserted once the FIFO occupancy exceeds the
// configured watermark, per the SiFive UART's documented semantics.
func (d *Device) readIP() uint32 {
	var ip uint32
	ip |= ieTXWM // tx fifo occupancy is always 0, always <= any watermark
	rxWatermark := (d.rxctrl >> ctrlCountLSB) & ctrlCountBits
	if uint32(len(d.rx)) > rxWatermark {
		ip |= ieRXWM
	}
	return ip
}

// updateInterrupts recomputes IP & IE and drives the shared interrupt
// line, called only where original_source calls it: after an IE write
// and after a tick that queued a byte.
func (d *Device) updateInterrupts() {
	if d.readIP()&d.ie != 0 {
		d.irq.Assert()
	} else {
		d.irq.Deassert()
	}
}

func mask(size int) uint64 {
	switch size {
	case 1:
		return 0xff
	case 2:
		return 0xffff
	default:
		return 0xffffffff
	}
}
