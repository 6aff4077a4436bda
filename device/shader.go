package device

import (
	"fmt"

	"github.com/gogpu/gputypes"
)

// Dim is a three-dimensional workgroup extent or count.
type Dim struct {
	X, Y, Z uint32
}

// Volume returns X*Y*Z.
func (d Dim) Volume() uint64 {
	return uint64(d.X) * uint64(d.Y) * uint64(d.Z)
}

// String returns the string representation of a Dim.
func (d Dim) String() string {
	return fmt.Sprintf("%dx%dx%d", d.X, d.Y, d.Z)
}

// Sysval identifies a system value a shader reads from the push-uniform
// block.
type Sysval uint8

// System values tracked per shader. Only values the shader declares are
// written at dispatch time; untracked values are skipped.
const (
	SysvalNumWorkgroupsX Sysval = iota
	SysvalNumWorkgroupsY
	SysvalNumWorkgroupsZ
	SysvalBaseWorkgroupX
	SysvalBaseWorkgroupY
	SysvalBaseWorkgroupZ
	numSysvals
)

// SysvalMask is a bitset over [Sysval].
type SysvalMask uint8

// Bit returns the mask with only v set.
func (v Sysval) Bit() SysvalMask { return 1 << v }

// Has reports whether v is in the mask.
func (m SysvalMask) Has(v Sysval) bool { return m&v.Bit() != 0 }

// Shader is the opaque artifact produced by the shader compiler, as
// consumed by the emission layer. The compiler itself is a separate
// collaborator; nothing here depends on how the fields were derived.
type Shader struct {
	// Name identifies the shader in logs.
	Name string

	// Stage is the pipeline stage the shader was compiled for. The
	// dispatch path only accepts gputypes.ShaderStageCompute.
	Stage gputypes.ShaderStage

	// SPD is the device address of the shader program descriptor.
	// A zero SPD means no program is linked; dispatching it is a no-op.
	SPD uint64

	// TLSSize is the per-invocation thread-local storage requirement in
	// bytes. Zero means the shader spills nothing.
	TLSSize uint32

	// WLSSize is the per-workgroup local storage requirement in bytes.
	WLSSize uint32

	// LocalSize is the workgroup shape the shader was compiled for.
	LocalSize Dim

	// FAUCount is the number of 64-bit push-uniform slots the shader
	// reads.
	FAUCount uint8

	// DynBufCount is the number of dynamic buffer descriptors the
	// shader references through the driver-owned descriptor table.
	DynBufCount uint32

	// UsedSetMask has bit s set when the shader references descriptor
	// set s.
	UsedSetMask uint32

	// Sysvals is the set of system values the shader reads.
	Sysvals SysvalMask

	// sysvalOffsets holds the remapped byte offset of each declared
	// system value inside the push-uniform block.
	sysvalOffsets [numSysvals]uint32
}

// UsesSysval reports whether the shader reads the given system value.
func (s *Shader) UsesSysval(v Sysval) bool {
	return s.Sysvals.Has(v)
}

// SysvalOffset returns the byte offset of v in the push-uniform block.
// Only meaningful when UsesSysval(v) is true.
func (s *Shader) SysvalOffset(v Sysval) uint32 {
	return s.sysvalOffsets[v]
}

// SetSysvalOffset records the remapped byte offset of v in the
// push-uniform block and marks v as used. Called by the shader-compiler
// boundary when the artifact is constructed.
func (s *Shader) SetSysvalOffset(v Sysval, offset uint32) {
	s.Sysvals |= v.Bit()
	s.sysvalOffsets[v] = offset
}

// PushUniformSpan returns the number of bytes of push-uniform block the
// shader's declared system values span past the user data.
func (s *Shader) PushUniformSpan() uint32 {
	span := uint32(s.FAUCount) * 8
	for v := Sysval(0); v < numSysvals; v++ {
		if s.Sysvals.Has(v) && s.sysvalOffsets[v]+4 > span {
			span = s.sysvalOffsets[v] + 4
		}
	}
	return span
}
