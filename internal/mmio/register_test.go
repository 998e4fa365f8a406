package mmio

import "testing"

// fakeHooks is a minimal Hooks implementation for exercising the
// register bank in isolation, in the teacher's plain-testing.T style.
type fakeHooks struct {
	num        [8]uint32
	ready      [8]bool
	desc       [8]uint64
	avail      [8]uint64
	used       [8]uint64
	notified   []uint32
	resetCount int
	syncCount  int
}

func (h *fakeHooks) QueueNumMax(uint32) uint32   { return 16 }
func (h *fakeHooks) QueueNum(q uint32) uint32     { return h.num[q] }
func (h *fakeHooks) SetQueueNum(q, n uint32) {
	if n == 0 || n&(n-1) != 0 || n > 16 {
		return
	}
	h.num[q] = n
}
func (h *fakeHooks) QueueReady(q uint32) bool        { return h.ready[q] }
func (h *fakeHooks) SetQueueReady(q uint32, v bool)  { h.ready[q] = v }
func (h *fakeHooks) QueueDescAddr(q uint32) uint64   { return h.desc[q] }
func (h *fakeHooks) SetQueueDescLow(q uint32, v uint32) {
	h.desc[q] = (h.desc[q] &^ 0xFFFFFFFF) | uint64(v)
}
func (h *fakeHooks) SetQueueDescHigh(q uint32, v uint32) {
	h.desc[q] = (h.desc[q] & 0xFFFFFFFF) | (uint64(v) << 32)
}
func (h *fakeHooks) QueueAvailAddr(q uint32) uint64 { return h.avail[q] }
func (h *fakeHooks) SetQueueAvailLow(q uint32, v uint32) {
	h.avail[q] = (h.avail[q] &^ 0xFFFFFFFF) | uint64(v)
}
func (h *fakeHooks) SetQueueAvailHigh(q uint32, v uint32) {
	h.avail[q] = (h.avail[q] & 0xFFFFFFFF) | (uint64(v) << 32)
}
func (h *fakeHooks) QueueUsedAddr(q uint32) uint64 { return h.used[q] }
func (h *fakeHooks) SetQueueUsedLow(q uint32, v uint32) {
	h.used[q] = (h.used[q] &^ 0xFFFFFFFF) | uint64(v)
}
func (h *fakeHooks) SetQueueUsedHigh(q uint32, v uint32) {
	h.used[q] = (h.used[q] & 0xFFFFFFFF) | (uint64(v) << 32)
}
func (h *fakeHooks) Notify(q uint32) { h.notified = append(h.notified, q) }
func (h *fakeHooks) Reset()          { h.resetCount++ }
func (h *fakeHooks) SyncInterrupt()  { h.syncCount++ }

func TestMagicVersionVendorProbe(t *testing.T) {
	hooks := &fakeHooks{}
	r := New(2, 0, 8, hooks)

	if got := r.Read(MagicValue, 4); got != MagicVirt {
		t.Fatalf("magic = 0x%x, want 0x%x", got, MagicVirt)
	}
	if got := r.Read(Version, 4); got != TransportVersion {
		t.Fatalf("version = %d, want %d", got, TransportVersion)
	}
	if got := r.Read(DeviceID, 4); got != 2 {
		t.Fatalf("device id = %d, want 2", got)
	}
	if got := r.Read(VendorID, 4); got != Vendor {
		t.Fatalf("vendor id = 0x%x, want 0x%x", got, Vendor)
	}
}

func TestQueueSetupRoundTrip(t *testing.T) {
	hooks := &fakeHooks{}
	r := New(2, 0, 8, hooks)

	r.Write(QueueSel, 4, 0)
	r.Write(QueueNum, 4, 8)
	r.Write(QueueDescLow, 4, 0x80000000)
	r.Write(QueueDescHigh, 4, 0)
	r.Write(QueueAvailLow, 4, 0x80001000)
	r.Write(QueueUsedLow, 4, 0x80002000)
	r.Write(QueueReady, 4, 1)

	if got := r.Read(QueueNumMax, 4); got != 16 {
		t.Fatalf("queue num max = %d, want 16", got)
	}
	if got := r.Read(QueueNum, 4); got != 8 {
		t.Fatalf("queue num = %d, want 8", got)
	}
	if got := r.Read(QueueDescLow, 4); got != 0x80000000 {
		t.Fatalf("desc low = 0x%x", got)
	}
	if got := r.Read(QueueReady, 4); got != 1 {
		t.Fatalf("queue ready = %d, want 1", got)
	}
}

func TestQueueNumRejectsNonPowerOfTwo(t *testing.T) {
	hooks := &fakeHooks{}
	r := New(2, 0, 8, hooks)
	r.Write(QueueSel, 4, 0)
	r.Write(QueueNum, 4, 5)
	if got := r.Read(QueueNum, 4); got != 0 {
		t.Fatalf("queue num = %d, want unchanged 0", got)
	}
}

func TestQueueSelOutOfRangeIgnored(t *testing.T) {
	hooks := &fakeHooks{}
	r := New(2, 0, 8, hooks)
	r.Write(QueueSel, 4, 99)
	if got := r.Read(QueueSel, 4); got != 0 {
		t.Fatalf("queue sel = %d, want unchanged 0", got)
	}
}

func TestStatusZeroTriggersReset(t *testing.T) {
	hooks := &fakeHooks{}
	r := New(2, 0, 8, hooks)
	r.Write(Status, 4, 7)
	r.RaiseInterrupt(InterruptStatusVring)

	r.Write(Status, 4, 0)

	if hooks.resetCount != 1 {
		t.Fatalf("Reset() called %d times, want 1", hooks.resetCount)
	}
	if got := r.Read(Status, 4); got != 0 {
		t.Fatalf("status = %d, want 0 after reset", got)
	}
	if got := r.Read(InterruptStatus, 4); got != 0 {
		t.Fatalf("int_status = %d, want 0 after reset", got)
	}
}

func TestInterruptAckClearsBits(t *testing.T) {
	hooks := &fakeHooks{}
	r := New(2, 0, 8, hooks)
	r.RaiseInterrupt(InterruptStatusVring | InterruptStatusConfig)
	r.Write(InterruptAck, 4, InterruptStatusVring)
	if got := r.Read(InterruptStatus, 4); got != InterruptStatusConfig {
		t.Fatalf("int_status = %d, want %d", got, InterruptStatusConfig)
	}
}

func TestInterruptAckAndStatusWritesSyncInterrupt(t *testing.T) {
	hooks := &fakeHooks{}
	r := New(2, 0, 8, hooks)
	r.RaiseInterrupt(InterruptStatusVring)

	r.Write(InterruptAck, 4, InterruptStatusVring)
	if hooks.syncCount != 1 {
		t.Fatalf("SyncInterrupt called %d times after ack, want 1", hooks.syncCount)
	}

	r.Write(Status, 4, 7)
	if hooks.syncCount != 2 {
		t.Fatalf("SyncInterrupt called %d times after status write, want 2", hooks.syncCount)
	}
}

func TestConfigSpaceBoundaryRead(t *testing.T) {
	hooks := &fakeHooks{}
	r := New(2, 0, 8, hooks)
	copy(r.ConfigSpace(), []byte{1, 2, 3, 4, 5, 6, 7, 8})

	// offset (len-3) with size 4 spans the boundary and must return 0.
	if got := r.Read(ConfigSpace+5, 4); got != 0 {
		t.Fatalf("boundary-spanning config read = %d, want 0", got)
	}
	if got := r.Read(ConfigSpace+4, 4); got == 0 {
		t.Fatalf("in-bounds config read unexpectedly 0")
	}
}

func TestNonFourByteControlAccessIsZeroOrIgnored(t *testing.T) {
	hooks := &fakeHooks{}
	r := New(2, 0, 8, hooks)
	if got := r.Read(MagicValue, 2); got != 0 {
		t.Fatalf("2-byte control read = %d, want 0", got)
	}
	r.Write(Status, 1, 0xFF)
	if got := r.Read(Status, 4); got != 0 {
		t.Fatalf("1-byte control write should be ignored, status = %d", got)
	}
}
