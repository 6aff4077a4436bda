package cmdbuf

import (
	"fmt"
	"log/slog"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/csf"
	"github.com/gogpu/csf/cs"
	"github.com/gogpu/csf/device"
	"github.com/gogpu/csf/queue"
)

// computeResSel is the shader-resource selector for compute launches:
// every resource comes from register set 0.
var computeResSel = cs.ShaderResSel(0, 0, 0, 0)

// Scratch lane assignments inside a dispatch. Lanes 0 through 5 belong
// to the completion-signal encoding, 6 and 7 to the iteration-slot
// advance, the rest to address materialization.
const (
	scratchIterSB = 6
	scratchAddr   = 8
	scratchValue  = 10
)

// dispatchInfo is one dispatch request: either direct workgroup counts
// with a base offset, or the address of a count triple read by the GPU
// at execution time.
type dispatchInfo struct {
	direct bool
	grid   device.Dim
	base   gputypes.Origin3D

	// indirect is the device address of a 3 x u32 workgroup-count
	// buffer. Only meaningful when direct is false.
	indirect uint64
}

// Dispatch records a direct compute dispatch of x*y*z workgroups
// starting at the given workgroup base offset. Dispatching with no
// shader bound is a no-op. A failed allocation aborts only this
// dispatch; see [CommandBuffer.Err].
func (cb *CommandBuffer) Dispatch(base gputypes.Origin3D, x, y, z uint32) {
	cb.dispatch(dispatchInfo{
		direct: true,
		grid:   device.Dim{X: x, Y: y, Z: z},
		base:   base,
	})
}

// DispatchIndirect records a compute dispatch whose workgroup counts are
// read from the 3 x u32 buffer at addr when the stream executes. None of
// the counts are read at record time.
func (cb *CommandBuffer) DispatchIndirect(addr uint64) {
	if addr == 0 || addr%4 != 0 {
		cb.fail(fmt.Errorf("cmdbuf: bad indirect dispatch address %#x", addr))
		return
	}
	cb.dispatch(dispatchInfo{indirect: addr})
}

func (cb *CommandBuffer) dispatch(info dispatchInfo) {
	if cb.err != nil || cb.finished {
		return
	}
	s := cb.state.shader
	if s == nil || s.SPD == 0 {
		csf.Logger().Debug("dispatch with no shader bound, skipping",
			slog.String("label", cb.label))
		return
	}

	cb.redirtyUniformsForGrid(s, info)

	// Every allocation happens before any instruction is emitted: a
	// failure here leaves the stream, the dirty aspects, and the sync
	// counter exactly as they were.
	var dims *device.Dim
	if info.direct {
		dims = &info.grid
	}
	tsd, err := cb.prepareTLS(s, dims)
	if err != nil {
		cb.fail(err)
		return
	}
	if cb.state.isDirty(AspectShader | AspectDescState) {
		if err := cb.rebuildDriverSet(s); err != nil {
			cb.fail(err)
			return
		}
		// The resource table moved; its register must be re-emitted even
		// when only the shader aspect was dirty.
		cb.state.markDirty(AspectDescState)
	}
	if cb.state.isDirty(AspectPushUniforms) {
		grid, base := info.grid, info.base
		if !info.direct {
			// Counts are patched at execution time; the base offset of an
			// indirect dispatch is always zero.
			grid, base = device.Dim{}, gputypes.Origin3D{}
		}
		if err := cb.rebuildPushUniforms(s, grid, base); err != nil {
			cb.fail(err)
			return
		}
	}

	b := cb.b

	// Shader-resource registers, diffed against the dirty aspects.
	if cb.state.isDirty(AspectShader) {
		b.MoveImm64(cs.Reg64(cs.RegComputeSPD0), s.SPD)
		b.MoveImm32(cs.Reg32(cs.RegComputeWGSize),
			device.PackWorkgroupSize(s.LocalSize, true))
	}
	if cb.state.isDirty(AspectDescState) {
		b.MoveImm64(cs.Reg64(cs.RegComputeSRT0), cb.state.srt.GPU)
	}
	if cb.state.isDirty(AspectPushUniforms) {
		b.MoveImm64(cs.Reg64(cs.RegComputeFAU0),
			packFAUPointer(cb.state.fau.GPU, cb.state.fauSlots))
	}

	// The thread-storage descriptor is fresh every dispatch.
	b.MoveImm64(cs.Reg64(cs.RegComputeTSD0), tsd.GPU)
	if s.TLSSize > 0 {
		cb.emitTLSPointerCopy(tsd.GPU)
	}

	// The hardware job offset does not feed workgroup ids; base offsets
	// reach the shader through system values instead.
	b.MoveImm32(cs.Reg32(cs.RegComputeJobOffsetX), 0)
	b.MoveImm32(cs.Reg32(cs.RegComputeJobOffsetY), 0)
	b.MoveImm32(cs.Reg32(cs.RegComputeJobOffsetZ), 0)

	if info.direct {
		b.MoveImm32(cs.Reg32(cs.RegComputeJobSizeX), info.grid.X)
		b.MoveImm32(cs.Reg32(cs.RegComputeJobSizeY), info.grid.Y)
		b.MoveImm32(cs.Reg32(cs.RegComputeJobSizeZ), info.grid.Z)
	} else {
		cb.emitIndirectJobSize(s, info.indirect)
	}

	axis, incr := cb.taskShape(s, info.direct)
	cb.emitLaunch(axis, incr)

	cb.relSync++
	cb.state.clearAfterDispatch()
}

// redirtyUniformsForGrid re-dirties the push uniforms when the dispatch
// parameters feeding declared system values changed since they were last
// written.
func (cb *CommandBuffer) redirtyUniformsForGrid(s *device.Shader, info dispatchInfo) {
	grid, base := info.grid, info.base
	if !info.direct {
		grid, base = device.Dim{}, gputypes.Origin3D{}
	}
	gridSysvals := s.UsesSysval(device.SysvalNumWorkgroupsX) ||
		s.UsesSysval(device.SysvalNumWorkgroupsY) ||
		s.UsesSysval(device.SysvalNumWorkgroupsZ)
	baseSysvals := s.UsesSysval(device.SysvalBaseWorkgroupX) ||
		s.UsesSysval(device.SysvalBaseWorkgroupY) ||
		s.UsesSysval(device.SysvalBaseWorkgroupZ)
	if (gridSysvals && grid != cb.state.lastGrid) ||
		(baseSysvals && base != cb.state.lastBase) {
		cb.state.markDirty(AspectPushUniforms)
	}
}

// emitTLSPointerCopy copies the shared TLS pointer into the per-job
// thread-storage descriptor. The shared descriptor is only filled at
// Finish, so the copy must happen on the GPU when the stream executes.
func (cb *CommandBuffer) emitTLSPointerCopy(tsdAddr uint64) {
	b := cb.b
	ptr := b.ScratchReg64(scratchAddr)
	val := b.ScratchReg64(scratchValue)

	b.MoveImm64(ptr, cb.tls.desc.GPU)
	b.Load64To(val, ptr, device.TSDTLSPtrOffset)
	b.MoveImm64(ptr, tsdAddr)
	b.Store64(val, ptr, device.TSDTLSPtrOffset)
	b.FlushStores()
}

// emitIndirectJobSize loads the three workgroup-count registers from the
// indirect buffer and forwards the counts to the system values the
// shader declares.
func (cb *CommandBuffer) emitIndirectJobSize(s *device.Shader, addr uint64) {
	b := cb.b
	ptr := b.ScratchReg64(scratchAddr)

	b.MoveImm64(ptr, addr)
	b.LoadTo(cs.RegTuple(cs.RegComputeJobSizeX, 3), ptr, 0b111, 0)

	b.MoveImm64(ptr, cb.state.fau.GPU)
	stored := false
	for i, sv := range [3]device.Sysval{
		device.SysvalNumWorkgroupsX,
		device.SysvalNumWorkgroupsY,
		device.SysvalNumWorkgroupsZ,
	} {
		if !s.UsesSysval(sv) {
			continue
		}
		b.Store32(cs.Reg32(cs.RegComputeJobSizeX+uint8(i)), ptr, int32(s.SysvalOffset(sv)))
		stored = true
	}
	if stored {
		b.FlushStores()
	}
}

// taskShape picks the launch's task axis and increment. Direct dispatch
// derives both from the shader shape and device topology. Indirect
// bounds are unknown at record time, so the X axis with the full
// per-task workgroup budget is used; that choice can under-fill tasks
// for tall or deep grids.
func (cb *CommandBuffer) taskShape(s *device.Shader, direct bool) (cs.Axis, uint32) {
	if direct {
		return cb.dev.TaskAxisAndIncrement(s)
	}
	return cs.TaskAxisX, cb.dev.WorkgroupsPerTask(s.LocalSize)
}

// emitLaunch emits the iteration-slot advance, the launch, and the
// deferred completion signal. The slot advance happens on every
// generation: launch iterations cycle through the scoreboard slots even
// when the completion signal uses the indirect encoding.
func (cb *CommandBuffer) emitLaunch(axis cs.Axis, incr uint32) {
	b := cb.b
	queue.EmitNextIterSB(b, b.ScratchRegTuple(scratchIterSB, 2))
	b.TraceRunCompute(cb.group.TraceContext(cb.sq),
		b.ScratchRegTuple(scratchAddr, 4), incr, axis, computeResSel)
	cb.group.SignalStrategy().EmitCompletionSignal(b, cb.sq)
}
