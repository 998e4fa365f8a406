// Package bus implements the flat physical address space the simulator
// presents its devices on: a sorted list of fixed-size regions, each
// backed by one MMIODevice, dispatched by binary search on the guest's
// load/store address.
//
// Grounded on tinyrange-cc/internal/hv/riscv/ccvm/vm.go's
// registerRam/getMapAtPhysAddr (sorted memoryMap slice, binary-searched
// by base address) generalized from RAM regions to arbitrary
// byte-addressable devices.
package bus

import (
	"fmt"
	"sort"
)

// MMIODevice is the shape both internal/virtio.Device and
// internal/sifiveuart.Device implement: an out-of-range or
// wrong-sized access reads 0 or is silently ignored rather than
// erroring, so the bus never needs to distinguish "unmapped register"
// from "unmapped device" within a region.
type MMIODevice interface {
	Load(addr uint64, size int) uint64
	Store(addr uint64, size int, value uint64)
}

type region struct {
	base   uint64
	size   uint64
	name   string
	device MMIODevice
}

// Bus is a sorted set of non-overlapping device regions.
type Bus struct {
	regions []region
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{}
}

// Add maps device at [base, base+size) under name, used only for error
// messages. Add panics if the new region overlaps one already mapped,
// since that is a wiring bug in the caller (cmd/spikevirtio's device
// layout), not a runtime condition to recover from.
func (b *Bus) Add(name string, base, size uint64, device MMIODevice) {
	for _, r := range b.regions {
		if base < r.base+r.size && r.base < base+size {
			panic(fmt.Sprintf("bus: region %q [%#x, %#x) overlaps %q [%#x, %#x)",
				name, base, base+size, r.name, r.base, r.base+r.size))
		}
	}
	b.regions = append(b.regions, region{base: base, size: size, name: name, device: device})
	sort.Slice(b.regions, func(i, j int) bool { return b.regions[i].base < b.regions[j].base })
}

// find binary-searches for the region containing addr, or reports ok=false.
func (b *Bus) find(addr uint64) (region, bool) {
	regions := b.regions
	lo, hi := 0, len(regions)-1
	for lo <= hi {
		mid := (lo + hi) / 2
		r := regions[mid]
		switch {
		case addr < r.base:
			hi = mid - 1
		case addr >= r.base+r.size:
			lo = mid + 1
		default:
			return r, true
		}
	}
	return region{}, false
}

// Load reads size bytes at the physical address addr. An address with
// no mapped device reads as 0, matching an unmapped VirtIO MMIO slot on
// real hardware.
func (b *Bus) Load(addr uint64, size int) uint64 {
	r, ok := b.find(addr)
	if !ok {
		return 0
	}
	return r.device.Load(addr-r.base, size)
}

// Store writes size bytes at the physical address addr. A store to an
// unmapped address is silently dropped.
func (b *Bus) Store(addr uint64, size int, value uint64) {
	r, ok := b.find(addr)
	if !ok {
		return
	}
	r.device.Store(addr-r.base, size, value)
}
