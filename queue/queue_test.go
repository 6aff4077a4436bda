package queue

import (
	"encoding/binary"
	"testing"

	"github.com/gogpu/csf/cs"
	"github.com/gogpu/csf/device"
	"github.com/gogpu/csf/kmod"
)

func newTestGroup(t *testing.T, arch uint32) (*Group, kmod.Device) {
	t.Helper()
	kdev := kmod.NewSoftwareDevice()
	t.Cleanup(func() { kdev.Close() })

	dev := device.Default()
	dev.Arch = arch
	g, err := NewGroup(dev, kdev, GroupOptions{})
	if err != nil {
		t.Fatalf("NewGroup() error = %v", err)
	}
	t.Cleanup(func() { g.Destroy() })
	return g, kdev
}

func submitAndWait(t *testing.T, g *Group, sq SubqueueID, stream cs.Stream) {
	t.Helper()
	id, err := g.Submit(sq, stream)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	st, err := g.Kmod().Wait(id)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if st != kmod.StatusComplete {
		t.Fatalf("submission status = %v, want %v", st, kmod.StatusComplete)
	}
}

func TestNewGroupInitialState(t *testing.T) {
	g, _ := newTestGroup(t, 10)

	for sq := SubqueueID(0); sq < SubqueueCount; sq++ {
		if got := g.SyncPoint(sq); got != 0 {
			t.Errorf("SyncPoint(%v) = %d, want 0", sq, got)
		}
		ctx := g.Subqueue(sq).Context
		if !ctx.IsValid() {
			t.Fatalf("%v context block invalid", sq)
		}
		if got := binary.LittleEndian.Uint64(ctx.CPU[CtxOffSyncobjs:]); got != g.SyncobjAddr(SubqueueVertexTiler) {
			t.Errorf("%v syncobj pointer = %#x, want %#x", sq, got, g.SyncobjAddr(SubqueueVertexTiler))
		}
		if got := binary.LittleEndian.Uint32(ctx.CPU[CtxOffIterSB:]); got != cs.SBIter(0) {
			t.Errorf("%v initial iteration slot = %d, want %d", sq, got, cs.SBIter(0))
		}
		if !g.Subqueue(sq).RegsSave.IsValid() {
			t.Errorf("%v register save area invalid", sq)
		}
	}
	if g.SyncobjAddr(SubqueueCompute) != g.SyncobjAddr(SubqueueVertexTiler)+2*Sync64Size {
		t.Error("sync objects not laid out at Sync64Size stride")
	}
}

func TestSignalStrategySelection(t *testing.T) {
	tests := []struct {
		arch uint32
		want string
	}{
		{10, "scoreboard-slot"},
		{11, "indirect-deferred"},
		{12, "indirect-deferred"},
	}
	for _, tt := range tests {
		g, _ := newTestGroup(t, tt.arch)
		if got := g.SignalStrategy().Name(); got != tt.want {
			t.Errorf("arch %d strategy = %q, want %q", tt.arch, got, tt.want)
		}
	}
}

// Both epilogue encodings must produce the same observable sync-point
// sequence.
func TestCompletionSignalIncrementsSyncPoint(t *testing.T) {
	for _, arch := range []uint32{10, 11} {
		g, _ := newTestGroup(t, arch)
		strat := g.SignalStrategy()

		for n := uint64(1); n <= 3; n++ {
			b := cs.NewBuilder()
			strat.EmitCompletionSignal(b, SubqueueCompute)
			submitAndWait(t, g, SubqueueCompute, b.Finish())

			if got := g.SyncPoint(SubqueueCompute); got != n {
				t.Fatalf("[%s] SyncPoint = %d after %d signals", strat.Name(), got, n)
			}
		}

		// Other subqueues' sync points are untouched.
		if g.SyncPoint(SubqueueVertexTiler) != 0 || g.SyncPoint(SubqueueFragment) != 0 {
			t.Errorf("[%s] completion signal leaked into another subqueue", strat.Name())
		}
	}
}

func TestCompletionSignalTargetsOwnSyncobj(t *testing.T) {
	g, _ := newTestGroup(t, 11)
	strat := g.SignalStrategy()

	for sq := SubqueueID(0); sq < SubqueueCount; sq++ {
		b := cs.NewBuilder()
		strat.EmitCompletionSignal(b, sq)
		submitAndWait(t, g, sq, b.Finish())
	}
	for sq := SubqueueID(0); sq < SubqueueCount; sq++ {
		if got := g.SyncPoint(sq); got != 1 {
			t.Errorf("SyncPoint(%v) = %d, want 1", sq, got)
		}
	}
}

func TestReached(t *testing.T) {
	g, _ := newTestGroup(t, 11)
	if g.Reached(SubqueueCompute, 1) {
		t.Error("Reached(1) true before any signal")
	}
	if !g.Reached(SubqueueCompute, 0) {
		t.Error("Reached(0) must hold initially")
	}

	b := cs.NewBuilder()
	g.SignalStrategy().EmitCompletionSignal(b, SubqueueCompute)
	submitAndWait(t, g, SubqueueCompute, b.Finish())

	if !g.Reached(SubqueueCompute, 1) {
		t.Error("Reached(1) false after one signal")
	}
	if g.Reached(SubqueueCompute, 2) {
		t.Error("Reached(2) true after one signal")
	}
}

func TestEmitNextIterSBAdvancesSlot(t *testing.T) {
	g, _ := newTestGroup(t, 10)
	ctx := g.Subqueue(SubqueueCompute).Context

	// Cycle through every slot and back to the first.
	want := 0
	for range cs.NumIterSlots {
		b := cs.NewBuilder()
		EmitNextIterSB(b, b.ScratchRegTuple(6, 2))
		submitAndWait(t, g, SubqueueCompute, b.Finish())

		want = cs.NextIter(want)
		got := binary.LittleEndian.Uint32(ctx.CPU[CtxOffIterSB:])
		if got != cs.SBIter(want) {
			t.Fatalf("iteration slot = %d, want %d", got, cs.SBIter(want))
		}
	}
	if got := binary.LittleEndian.Uint32(ctx.CPU[CtxOffIterSB:]); got != cs.SBIter(0) {
		t.Errorf("slot did not wrap: %d", got)
	}
}

// The scoreboard encoding must keep signalling correctly as the
// iteration slot cycles.
func TestScoreboardSignalAcrossIterations(t *testing.T) {
	g, _ := newTestGroup(t, 10)
	strat := g.SignalStrategy()

	for n := uint64(1); n <= uint64(cs.NumIterSlots+2); n++ {
		b := cs.NewBuilder()
		strat.EmitCompletionSignal(b, SubqueueCompute)
		EmitNextIterSB(b, b.ScratchRegTuple(6, 2))
		submitAndWait(t, g, SubqueueCompute, b.Finish())

		if got := g.SyncPoint(SubqueueCompute); got != n {
			t.Fatalf("SyncPoint = %d after %d iterations", got, n)
		}
	}
}

func TestEmitNextIterSBShortScratchPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("one-lane scratch should panic")
		}
	}()
	b := cs.NewBuilder()
	EmitNextIterSB(b, b.ScratchReg32(0))
}

func TestSubmitOnDestroyedGroup(t *testing.T) {
	g, _ := newTestGroup(t, 11)
	if err := g.Destroy(); err != nil {
		t.Fatalf("Destroy() error = %v", err)
	}
	// Destroy is idempotent.
	if err := g.Destroy(); err != nil {
		t.Fatalf("second Destroy() error = %v", err)
	}
	if _, err := g.Submit(SubqueueCompute, cs.NewBuilder().Finish()); err == nil {
		t.Error("Submit() on destroyed group should fail")
	}
}

func TestGroupResources(t *testing.T) {
	g, _ := newTestGroup(t, 10)
	if g.Device() == nil || g.Kmod() == nil {
		t.Fatal("group accessors returned nil")
	}
	if g.TraceContext(SubqueueCompute) == nil {
		t.Error("nil trace context")
	}
	if got := SubqueueID(7).String(); got != "subqueue(7)" {
		t.Errorf("String() = %q", got)
	}

	th := g.TilerHeap()
	if th.ChunkSize == 0 || !th.Desc.IsValid() {
		t.Error("tiler heap not provisioned")
	}
	dr := g.DescRing()
	if dr.Size == 0 || !dr.Buf.IsValid() || !dr.Syncobj.IsValid() {
		t.Error("descriptor ring not provisioned")
	}
	if g.Pool().Stats().ChunkCount == 0 {
		t.Error("group pool allocated nothing")
	}
}
