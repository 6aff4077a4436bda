package cmdbuf

import (
	"encoding/binary"
	"fmt"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/csf/device"
	"github.com/gogpu/csf/mem"
)

// rebuildDriverSet rebuilds the driver-owned descriptor table: the fixed
// dummy sampler at index 0, then one buffer descriptor per dynamic buffer
// the shader references. The table doubles as the resource table the SRT
// register points at.
func (cb *CommandBuffer) rebuildDriverSet(s *device.Shader) error {
	entries := 1 + int(s.DynBufCount)
	table, err := cb.descPool.Alloc(uint64(entries)*device.DescriptorSize, device.DescriptorAlign)
	if err != nil {
		return fmt.Errorf("cmdbuf: alloc driver descriptor table (%d entries): %w", entries, err)
	}

	device.PackDummySampler(table.CPU)
	for i := 0; i < int(s.DynBufCount); i++ {
		dst := table.CPU[(1+i)*device.DescriptorSize:]
		var db DynamicBuffer
		if i < len(cb.state.dynBufs) {
			db = cb.state.dynBufs[i]
		}
		device.PackBufferDescriptor(dst, db.Addr, db.Size)
	}

	cb.state.srt = table
	return nil
}

// rebuildPushUniforms rebuilds the push-uniform block: the user push
// constants first, then the system values the shader declares, at their
// remapped offsets. grid and base are only written for values the shader
// reads; indirect dispatch patches the workgroup counts at execution time
// instead.
func (cb *CommandBuffer) rebuildPushUniforms(s *device.Shader, grid device.Dim, base gputypes.Origin3D) error {
	span := s.PushUniformSpan()
	if span == 0 {
		cb.state.fau = mem.Block{}
		cb.state.fauSlots = 0
		return nil
	}

	blk, err := cb.descPool.Alloc(uint64(span), device.PushUniformAlign)
	if err != nil {
		return fmt.Errorf("cmdbuf: alloc %d bytes push uniforms: %w", span, err)
	}
	clear(blk.CPU)
	copy(blk.CPU, cb.state.push)

	writeSysval := func(v device.Sysval, val uint32) {
		if s.UsesSysval(v) {
			binary.LittleEndian.PutUint32(blk.CPU[s.SysvalOffset(v):], val)
		}
	}
	writeSysval(device.SysvalNumWorkgroupsX, grid.X)
	writeSysval(device.SysvalNumWorkgroupsY, grid.Y)
	writeSysval(device.SysvalNumWorkgroupsZ, grid.Z)
	writeSysval(device.SysvalBaseWorkgroupX, base.X)
	writeSysval(device.SysvalBaseWorkgroupY, base.Y)
	writeSysval(device.SysvalBaseWorkgroupZ, base.Z)

	cb.state.fau = blk
	cb.state.fauSlots = uint8((span + 7) / 8)
	cb.state.lastGrid = grid
	cb.state.lastBase = base
	return nil
}

// packFAUPointer packs the push-uniform pointer register value: the block
// address with the 64-bit slot count in the top byte.
func packFAUPointer(addr uint64, slots uint8) uint64 {
	return addr | uint64(slots)<<56
}
