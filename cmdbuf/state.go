package cmdbuf

import (
	"github.com/gogpu/gputypes"

	"github.com/gogpu/csf/device"
	"github.com/gogpu/csf/mem"
)

// Aspect is one independently tracked slice of the cached dispatch state.
// A dirty aspect is rebuilt and re-emitted by the next dispatch; a clean
// aspect is reused from the registers already loaded on the subqueue.
type Aspect uint8

const (
	// AspectShader covers the bound shader program.
	AspectShader Aspect = 1 << iota

	// AspectDescState covers the driver-owned descriptor table.
	AspectDescState

	// AspectPushUniforms covers the push-uniform block.
	AspectPushUniforms

	// aspectAll is every tracked aspect.
	aspectAll = AspectShader | AspectDescState | AspectPushUniforms
)

// DynamicBuffer is one dynamic buffer binding referenced by the bound
// shader through the driver-owned descriptor table.
type DynamicBuffer struct {
	// Addr is the buffer's device address.
	Addr uint64
	// Size is the bound range in bytes.
	Size uint64
}

// computeState is the cached compute dispatch state of one command
// buffer. Bind and push operations mutate it and mark aspects dirty; a
// successful dispatch consumes it and clears every aspect at once.
type computeState struct {
	shader  *device.Shader
	push    []byte
	dynBufs []DynamicBuffer

	dirty Aspect

	// Rebuilt blocks, valid while their aspect is clean.
	srt mem.Block
	fau mem.Block
	// fauSlots is the 64-bit slot count packed into the top byte of the
	// push-uniform pointer register.
	fauSlots uint8

	// Last grid parameters written into the push-uniform block. Tracked
	// so a dispatch with different counts re-dirties the uniforms only
	// when the shader actually reads them.
	lastGrid device.Dim
	lastBase gputypes.Origin3D
}

func (s *computeState) markDirty(a Aspect)    { s.dirty |= a }
func (s *computeState) isDirty(a Aspect) bool { return s.dirty&a != 0 }

// clearAfterDispatch cleans every aspect at once. Called only after a
// dispatch has emitted instructions referencing the rebuilt state.
func (s *computeState) clearAfterDispatch() { s.dirty = 0 }
