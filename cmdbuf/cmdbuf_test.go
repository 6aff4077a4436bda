package cmdbuf

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/csf/cs"
	"github.com/gogpu/csf/device"
	"github.com/gogpu/csf/kmod"
	"github.com/gogpu/csf/mem"
	"github.com/gogpu/csf/queue"
)

// flakyDevice wraps the software device and fails chunk commits larger
// than one pool chunk while armed. Small transient allocations keep
// succeeding from already committed chunks.
type flakyDevice struct {
	kmod.Device
	armed bool
}

func (d *flakyDevice) AllocChunk(size uint64) (mem.Chunk, error) {
	if d.armed && size > mem.DefaultChunkSize {
		return mem.Chunk{}, mem.ErrOutOfDeviceMemory
	}
	return d.Device.AllocChunk(size)
}

func newTestEnv(t *testing.T, arch uint32) (*queue.Group, *flakyDevice) {
	t.Helper()
	soft := kmod.NewSoftwareDevice()
	t.Cleanup(func() { soft.Close() })
	kdev := &flakyDevice{Device: soft}

	dev := device.Default()
	dev.Arch = arch
	g, err := queue.NewGroup(dev, kdev, queue.GroupOptions{})
	if err != nil {
		t.Fatalf("NewGroup() error = %v", err)
	}
	t.Cleanup(func() { g.Destroy() })
	return g, kdev
}

func testShader() *device.Shader {
	return &device.Shader{
		Name:      "saxpy",
		Stage:     gputypes.ShaderStageCompute,
		SPD:       0xdead_0000,
		LocalSize: device.Dim{X: 64, Y: 1, Z: 1},
		FAUCount:  2,
	}
}

// movesTo counts immediate moves targeting the given base register,
// including moves inside match arms.
func movesTo(s cs.Stream, reg uint8) int {
	n := 0
	for _, in := range s.Flatten() {
		switch mv := in.(type) {
		case cs.MoveImm32:
			if mv.Dst.Reg == reg {
				n++
			}
		case cs.MoveImm64:
			if mv.Dst.Reg == reg {
				n++
			}
		}
	}
	return n
}

func finishAndRun(t *testing.T, g *queue.Group, cb *CommandBuffer, sq queue.SubqueueID) cs.Stream {
	t.Helper()
	stream, err := cb.Finish()
	if err != nil {
		t.Fatalf("Finish() error = %v", err)
	}
	id, err := g.Submit(sq, stream)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	st, err := g.Kmod().Wait(id)
	if err != nil || st != kmod.StatusComplete {
		t.Fatalf("Wait() = %v, %v", st, err)
	}
	return stream
}

func TestDispatchWithNoShaderIsNoOp(t *testing.T) {
	g, _ := newTestEnv(t, 10)
	cb := New(g, Options{Subqueue: queue.SubqueueCompute})

	cb.Dispatch(gputypes.Origin3D{}, 4, 1, 1)
	stream, err := cb.Finish()
	if err != nil {
		t.Fatalf("Finish() error = %v", err)
	}
	if !stream.IsEmpty() {
		t.Errorf("stream has %d instructions, want 0", stream.Len())
	}
	if cb.RelativeSyncPoint() != 0 {
		t.Error("sync counter advanced for a no-op dispatch")
	}
}

func TestDirectDispatchEmitsStateOnce(t *testing.T) {
	g, _ := newTestEnv(t, 10)
	cb := New(g, Options{Subqueue: queue.SubqueueCompute})
	cb.BindShader(testShader())

	cb.Dispatch(gputypes.Origin3D{}, 4, 1, 1)
	stream := finishAndRun(t, g, cb, queue.SubqueueCompute)

	if got := movesTo(stream, cs.RegComputeSPD0); got != 1 {
		t.Errorf("shader pointer emitted %d times, want 1", got)
	}
	if got := movesTo(stream, cs.RegComputeSRT0); got != 1 {
		t.Errorf("resource table emitted %d times, want 1", got)
	}
	if got := movesTo(stream, cs.RegComputeFAU0); got != 1 {
		t.Errorf("uniform pointer emitted %d times, want 1", got)
	}
	if got := stream.CountDeep(cs.OpRunCompute); got != 1 {
		t.Fatalf("run compute emitted %d times, want 1", got)
	}

	var run cs.RunCompute
	for _, in := range stream.Flatten() {
		if rc, ok := in.(cs.RunCompute); ok {
			run = rc
		}
		// Direct dispatch carries its counts as immediates, never as a
		// runtime load.
		if ld, ok := in.(cs.Load); ok && ld.Dst.Reg == cs.RegComputeJobSizeX {
			t.Error("direct dispatch loaded workgroup counts from memory")
		}
	}
	if run.TaskAxis != cs.TaskAxisX {
		t.Errorf("task axis = %v, want X", run.TaskAxis)
	}
	if cb.RelativeSyncPoint() != 1 {
		t.Errorf("relative sync point = %d, want 1", cb.RelativeSyncPoint())
	}
	if got := g.SyncPoint(queue.SubqueueCompute); got != 1 {
		t.Errorf("sync point after execution = %d, want 1", got)
	}
}

func TestCleanStateSkipsRegisterReloads(t *testing.T) {
	g, _ := newTestEnv(t, 10)
	cb := New(g, Options{Subqueue: queue.SubqueueCompute})
	cb.BindShader(testShader())

	cb.Dispatch(gputypes.Origin3D{}, 4, 1, 1)
	cb.Dispatch(gputypes.Origin3D{}, 4, 1, 1)
	stream := finishAndRun(t, g, cb, queue.SubqueueCompute)

	if got := movesTo(stream, cs.RegComputeSPD0); got != 1 {
		t.Errorf("shader pointer emitted %d times across 2 dispatches, want 1", got)
	}
	if got := movesTo(stream, cs.RegComputeSRT0); got != 1 {
		t.Errorf("resource table emitted %d times, want 1", got)
	}
	if got := movesTo(stream, cs.RegComputeFAU0); got != 1 {
		t.Errorf("uniform pointer emitted %d times, want 1", got)
	}
	if got := stream.CountDeep(cs.OpRunCompute); got != 2 {
		t.Errorf("run compute emitted %d times, want 2", got)
	}
	if got := g.SyncPoint(queue.SubqueueCompute); got != 2 {
		t.Errorf("sync point = %d, want 2", got)
	}
}

func TestRebindMarksShaderDirty(t *testing.T) {
	g, _ := newTestEnv(t, 10)
	cb := New(g, Options{Subqueue: queue.SubqueueCompute})
	s := testShader()

	cb.BindShader(s)
	cb.Dispatch(gputypes.Origin3D{}, 1, 1, 1)
	cb.BindShader(s)
	cb.Dispatch(gputypes.Origin3D{}, 1, 1, 1)

	stream, err := cb.Finish()
	if err != nil {
		t.Fatalf("Finish() error = %v", err)
	}
	if got := movesTo(stream, cs.RegComputeSPD0); got != 2 {
		t.Errorf("shader pointer emitted %d times after rebind, want 2", got)
	}
}

func TestIndirectDispatchLoadsCountsAtExecution(t *testing.T) {
	g, kdev := newTestEnv(t, 10)
	cb := New(g, Options{Subqueue: queue.SubqueueCompute})

	s := testShader()
	s.SetSysvalOffset(device.SysvalNumWorkgroupsX, 16)
	s.SetSysvalOffset(device.SysvalNumWorkgroupsZ, 24)
	cb.BindShader(s)

	argBuf, err := kdev.AllocBO(16)
	if err != nil {
		t.Fatalf("AllocBO() error = %v", err)
	}
	binary.LittleEndian.PutUint32(argBuf.CPU[0:], 7)
	binary.LittleEndian.PutUint32(argBuf.CPU[4:], 3)
	binary.LittleEndian.PutUint32(argBuf.CPU[8:], 2)

	cb.DispatchIndirect(argBuf.GPU)
	stream := finishAndRun(t, g, cb, queue.SubqueueCompute)

	// Counts travel through a runtime load, never through immediates.
	if got := movesTo(stream, cs.RegComputeJobSizeX); got != 0 {
		t.Errorf("job size emitted as immediate %d times, want 0", got)
	}
	loads := 0
	for _, in := range stream.Flatten() {
		if ld, ok := in.(cs.Load); ok && ld.Dst.Reg == cs.RegComputeJobSizeX {
			if ld.Mask != 0b111 || ld.Dst.Count != 3 {
				t.Errorf("job size load mask=%#b count=%d, want 0b111 count=3", ld.Mask, ld.Dst.Count)
			}
			loads++
		}
	}
	if loads != 1 {
		t.Fatalf("job size loaded %d times, want 1", loads)
	}

	// Only the declared workgroup-count sysvals were forwarded.
	fau := cb.state.fau.CPU
	if got := binary.LittleEndian.Uint32(fau[16:]); got != 7 {
		t.Errorf("num_workgroups.x sysval = %d, want 7", got)
	}
	if got := binary.LittleEndian.Uint32(fau[24:]); got != 2 {
		t.Errorf("num_workgroups.z sysval = %d, want 2", got)
	}
	if got := binary.LittleEndian.Uint32(fau[20:]); got != 0 {
		t.Errorf("undeclared sysval slot = %d, want 0", got)
	}
	if got := g.SyncPoint(queue.SubqueueCompute); got != 1 {
		t.Errorf("sync point = %d, want 1", got)
	}
}

func TestBadIndirectAddress(t *testing.T) {
	g, _ := newTestEnv(t, 10)
	cb := New(g, Options{Subqueue: queue.SubqueueCompute})
	cb.BindShader(testShader())

	cb.DispatchIndirect(0)
	if cb.Err() == nil {
		t.Fatal("null indirect address must fail")
	}
	if _, err := cb.Finish(); err == nil {
		t.Error("Finish() must surface the recording error")
	}
}

func TestAllocFailureLeavesStateUntouched(t *testing.T) {
	g, kdev := newTestEnv(t, 10)
	cb := New(g, Options{Subqueue: queue.SubqueueCompute})

	// A descriptor table too large for one pool chunk forces an
	// oversized chunk commit during the driver-set rebuild, which the
	// armed device refuses. The small thread-storage allocations before
	// it fit in a regular chunk and still succeed.
	s := testShader()
	s.DynBufCount = 4096
	cb.BindShader(s)

	kdev.armed = true
	cb.Dispatch(gputypes.Origin3D{}, 1, 1, 1)
	if cb.Err() == nil {
		t.Fatal("dispatch should have failed")
	}

	if !errors.Is(cb.Err(), mem.ErrOutOfDeviceMemory) {
		t.Fatalf("Err() = %v, want ErrOutOfDeviceMemory", cb.Err())
	}
	if !cb.state.isDirty(AspectDescState) {
		t.Error("descriptor-state dirty flag cleared by failed dispatch")
	}
	if !cb.state.isDirty(AspectShader) {
		t.Error("shader dirty flag cleared by failed dispatch")
	}
	if cb.RelativeSyncPoint() != 0 {
		t.Error("sync counter advanced by failed dispatch")
	}
	if got := cb.b.Len(); got != 0 {
		t.Errorf("failed dispatch left %d instructions in the stream", got)
	}
	if _, err := cb.Finish(); err == nil {
		t.Error("Finish() must fail after a failed dispatch")
	}
}

func TestTLSTrackingIsMonotonic(t *testing.T) {
	g, _ := newTestEnv(t, 10)
	cb := New(g, Options{Subqueue: queue.SubqueueCompute})

	sizes := []uint32{128, 64, 256, 32}
	wantMax := uint32(0)
	for _, size := range sizes {
		s := testShader()
		s.TLSSize = size
		cb.BindShader(s)
		cb.Dispatch(gputypes.Origin3D{}, 1, 1, 1)
		if cb.Err() != nil {
			t.Fatalf("Dispatch error = %v", cb.Err())
		}
		if size > wantMax {
			wantMax = size
		}
		if cb.tls.maxSize != wantMax {
			t.Fatalf("tracked tls = %d after size %d, want %d", cb.tls.maxSize, size, wantMax)
		}
	}

	if _, err := cb.Finish(); err != nil {
		t.Fatalf("Finish() error = %v", err)
	}
	// Finish publishes the backing address in the shared descriptor.
	if got := binary.LittleEndian.Uint64(cb.tls.desc.CPU[device.TSDTLSPtrOffset:]); got == 0 {
		t.Error("shared tls descriptor still holds a null pointer")
	}
}

func TestDriverSetLayout(t *testing.T) {
	g, _ := newTestEnv(t, 10)
	cb := New(g, Options{Subqueue: queue.SubqueueCompute})

	s := testShader()
	s.DynBufCount = 2
	cb.BindShader(s)
	cb.SetDynamicBuffers([]DynamicBuffer{
		{Addr: 0x1000, Size: 256},
		{Addr: 0x2000, Size: 512},
	})
	cb.Dispatch(gputypes.Origin3D{}, 1, 1, 1)
	if cb.Err() != nil {
		t.Fatalf("Dispatch error = %v", cb.Err())
	}

	table := cb.state.srt.CPU
	if !device.IsDummySampler(table) {
		t.Error("descriptor table index 0 is not the dummy sampler")
	}
	if got := binary.LittleEndian.Uint64(table[device.DescriptorSize:]); got != 0x1000 {
		t.Errorf("entry 1 address = %#x, want 0x1000", got)
	}
	if got := binary.LittleEndian.Uint64(table[2*device.DescriptorSize+8:]); got != 512 {
		t.Errorf("entry 2 size = %d, want 512", got)
	}
}

func TestWorkgroupLocalStorageAllocated(t *testing.T) {
	g, _ := newTestEnv(t, 10)
	cb := New(g, Options{Subqueue: queue.SubqueueCompute})

	s := testShader()
	s.WLSSize = 128
	cb.BindShader(s)

	before := cb.scratchPool.Stats().UsedBytes
	cb.Dispatch(gputypes.Origin3D{}, 4, 1, 1)
	if cb.Err() != nil {
		t.Fatalf("Dispatch error = %v", cb.Err())
	}
	if cb.scratchPool.Stats().UsedBytes == before {
		t.Error("no workgroup-local storage allocated")
	}
}

func TestDirectGridChangeRedirtiesDeclaredSysvals(t *testing.T) {
	g, _ := newTestEnv(t, 10)
	cb := New(g, Options{Subqueue: queue.SubqueueCompute})

	s := testShader()
	s.SetSysvalOffset(device.SysvalNumWorkgroupsX, 16)
	cb.BindShader(s)

	cb.Dispatch(gputypes.Origin3D{}, 4, 1, 1)
	cb.Dispatch(gputypes.Origin3D{}, 8, 1, 1)
	stream, err := cb.Finish()
	if err != nil {
		t.Fatalf("Finish() error = %v", err)
	}

	// The second dispatch rewrites the uniforms because the declared
	// workgroup-count sysval changed.
	if got := movesTo(stream, cs.RegComputeFAU0); got != 2 {
		t.Errorf("uniform pointer emitted %d times, want 2", got)
	}
	if got := binary.LittleEndian.Uint32(cb.state.fau.CPU[16:]); got != 8 {
		t.Errorf("num_workgroups.x sysval = %d, want 8", got)
	}
}

func TestEpilogueEncodingsAgree(t *testing.T) {
	for _, arch := range []uint32{10, 11} {
		g, _ := newTestEnv(t, arch)
		cb := New(g, Options{Subqueue: queue.SubqueueCompute})
		cb.BindShader(testShader())

		for range 3 {
			cb.Dispatch(gputypes.Origin3D{}, 2, 2, 2)
		}
		finishAndRun(t, g, cb, queue.SubqueueCompute)

		if !g.Reached(queue.SubqueueCompute, 3) || g.Reached(queue.SubqueueCompute, 4) {
			t.Errorf("arch %d: sync point = %d, want exactly 3",
				arch, g.SyncPoint(queue.SubqueueCompute))
		}
	}
}

func TestResetReclaimsRecording(t *testing.T) {
	g, _ := newTestEnv(t, 10)
	cb := New(g, Options{Subqueue: queue.SubqueueCompute})
	cb.BindShader(testShader())
	cb.Dispatch(gputypes.Origin3D{}, 4, 1, 1)
	if _, err := cb.Finish(); err != nil {
		t.Fatalf("Finish() error = %v", err)
	}

	cb.Reset()
	if cb.Err() != nil || cb.RelativeSyncPoint() != 0 {
		t.Fatal("Reset() left recording state behind")
	}
	if !cb.state.isDirty(AspectShader | AspectDescState | AspectPushUniforms) {
		t.Error("Reset() must mark every aspect dirty")
	}

	// The bound shader survives a reset; recording works again.
	cb.Dispatch(gputypes.Origin3D{}, 4, 1, 1)
	stream := finishAndRun(t, g, cb, queue.SubqueueCompute)
	if got := stream.CountDeep(cs.OpRunCompute); got != 1 {
		t.Errorf("run compute after reset = %d, want 1", got)
	}
}

func TestFinishTwice(t *testing.T) {
	g, _ := newTestEnv(t, 10)
	cb := New(g, Options{Subqueue: queue.SubqueueCompute})
	if _, err := cb.Finish(); err != nil {
		t.Fatalf("Finish() error = %v", err)
	}
	if _, err := cb.Finish(); !errors.Is(err, ErrFinished) {
		t.Errorf("second Finish() error = %v, want ErrFinished", err)
	}
}

func TestBindShaderWrongStagePanics(t *testing.T) {
	g, _ := newTestEnv(t, 10)
	cb := New(g, Options{Subqueue: queue.SubqueueCompute})
	defer func() {
		if recover() == nil {
			t.Error("binding a fragment shader should panic")
		}
	}()
	cb.BindShader(&device.Shader{Stage: gputypes.ShaderStageFragment, SPD: 1})
}
