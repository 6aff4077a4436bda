package cmdbuf

import (
	"fmt"

	"github.com/gogpu/csf/cs"
	"github.com/gogpu/csf/device"
)

// Barrier selects the memory barrier applied around an internal kernel
// dispatch.
type Barrier uint8

const (
	// BarrierNone applies no barrier. The only supported mode: internal
	// kernels order themselves through sync points like any other
	// dispatch.
	BarrierNone Barrier = iota

	// BarrierFull would drain the subqueue before and after the kernel.
	BarrierFull
)

// DispatchPrecomp records a dispatch of one of the driver's precompiled
// internal kernels. The kernel receives data as its push-uniform block
// and runs with a null resource table; it must not reference descriptor
// sets.
//
// Internal kernels bypass the state cache and clobber the cached
// shader-resource registers, so every aspect is dirty afterwards.
// Requesting any barrier other than [BarrierNone] is a programming error
// and panics.
func (cb *CommandBuffer) DispatchPrecomp(cache *device.PrecompCache, prog device.Program, barrier Barrier, data []byte, grid device.Dim) {
	if barrier != BarrierNone {
		panic(fmt.Sprintf("cmdbuf: unsupported precomp barrier %d", barrier))
	}
	if cb.err != nil || cb.finished {
		return
	}

	s, err := cache.Get(prog)
	if err != nil {
		cb.fail(err)
		return
	}

	tsd, err := cb.prepareTLS(s, &grid)
	if err != nil {
		cb.fail(err)
		return
	}

	fau, err := cb.descPool.Alloc(uint64(max(len(data), 8)), device.PushUniformAlign)
	if err != nil {
		cb.fail(fmt.Errorf("cmdbuf: alloc precomp push uniforms: %w", err))
		return
	}
	clear(fau.CPU)
	copy(fau.CPU, data)
	slots := uint8((len(data) + 7) / 8)

	b := cb.b
	b.MoveImm64(cs.Reg64(cs.RegComputeSPD0), s.SPD)
	b.MoveImm64(cs.Reg64(cs.RegComputeSRT0), 0)
	b.MoveImm64(cs.Reg64(cs.RegComputeFAU0), packFAUPointer(fau.GPU, slots))
	b.MoveImm64(cs.Reg64(cs.RegComputeTSD0), tsd.GPU)
	if s.TLSSize > 0 {
		cb.emitTLSPointerCopy(tsd.GPU)
	}
	b.MoveImm32(cs.Reg32(cs.RegComputeWGSize),
		device.PackWorkgroupSize(s.LocalSize, true))
	b.MoveImm32(cs.Reg32(cs.RegComputeJobOffsetX), 0)
	b.MoveImm32(cs.Reg32(cs.RegComputeJobOffsetY), 0)
	b.MoveImm32(cs.Reg32(cs.RegComputeJobOffsetZ), 0)
	b.MoveImm32(cs.Reg32(cs.RegComputeJobSizeX), grid.X)
	b.MoveImm32(cs.Reg32(cs.RegComputeJobSizeY), grid.Y)
	b.MoveImm32(cs.Reg32(cs.RegComputeJobSizeZ), grid.Z)

	axis, incr := cb.dev.TaskAxisAndIncrement(s)
	cb.emitLaunch(axis, incr)

	cb.relSync++
	cb.state.markDirty(aspectAll)
}
