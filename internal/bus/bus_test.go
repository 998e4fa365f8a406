package bus

import "testing"

type fakeDevice struct {
	loads  []uint64
	stores map[uint64]uint64
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{stores: map[uint64]uint64{}}
}

func (f *fakeDevice) Load(addr uint64, size int) uint64 {
	f.loads = append(f.loads, addr)
	return addr + 1
}

func (f *fakeDevice) Store(addr uint64, size int, value uint64) {
	f.stores[addr] = value
}

func TestDispatchesToOwningRegionWithLocalOffset(t *testing.T) {
	b := New()
	a := newFakeDevice()
	c := newFakeDevice()
	b.Add("a", 0x1000, 0x1000, a)
	b.Add("c", 0x3000, 0x1000, c)

	if v := b.Load(0x1004, 4); v != 5 {
		t.Fatalf("Load(0x1004) = %d, want 5 (offset 4 into region a)", v)
	}
	if len(a.loads) != 1 || a.loads[0] != 4 {
		t.Fatalf("a.loads = %v, want [4]", a.loads)
	}

	b.Store(0x3010, 4, 0x42)
	if c.stores[0x10] != 0x42 {
		t.Fatalf("c.stores[0x10] = %#x, want 0x42", c.stores[0x10])
	}
}

func TestUnmappedAddressReadsZeroAndDropsStore(t *testing.T) {
	b := New()
	b.Add("a", 0x1000, 0x1000, newFakeDevice())

	if v := b.Load(0x5000, 4); v != 0 {
		t.Fatalf("Load(unmapped) = %d, want 0", v)
	}
	b.Store(0x5000, 4, 1) // must not panic
}

func TestAddPanicsOnOverlap(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on overlapping region")
		}
	}()
	b := New()
	b.Add("a", 0x1000, 0x2000, newFakeDevice())
	b.Add("b", 0x1500, 0x1000, newFakeDevice())
}

func TestAdjacentRegionsDoNotOverlap(t *testing.T) {
	b := New()
	a := newFakeDevice()
	d := newFakeDevice()
	b.Add("a", 0x1000, 0x1000, a)
	b.Add("d", 0x2000, 0x1000, d) // starts exactly where a ends

	b.Load(0x1fff, 1)
	b.Load(0x2000, 1)
	if len(a.loads) != 1 || len(d.loads) != 1 {
		t.Fatalf("expected one load routed to each region, got a=%v d=%v", a.loads, d.loads)
	}
}
