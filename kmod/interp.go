package kmod

import (
	"encoding/binary"
	"fmt"

	"github.com/gogpu/csf/cs"
)

// interp executes one submitted stream against the software device's
// address space.
//
// Execution is sequential and synchronous: every instruction's effects
// complete before the next one starts. Scoreboard waits and deferred
// conditions are therefore trivially satisfied and reduce to immediate
// execution, which preserves the externally observable ordering
// guarantee both epilogue encodings promise.
type interp struct {
	dev  *SoftwareDevice
	regs [cs.NumRegisters]uint32
}

// run executes an instruction sequence, recursing into match arms.
func (it *interp) run(instrs []cs.Instr) error {
	for _, in := range instrs {
		if err := it.exec(in); err != nil {
			return err
		}
	}
	return nil
}

// exec executes one instruction.
func (it *interp) exec(in cs.Instr) error {
	switch v := in.(type) {
	case cs.MoveImm32:
		it.regs[v.Dst.Reg] = v.Value

	case cs.MoveImm64:
		it.writeReg64(v.Dst, v.Value)

	case cs.Load:
		base := it.readReg64(v.Base)
		for i := 0; i < int(v.Dst.Count); i++ {
			if v.Mask&(1<<i) == 0 {
				continue
			}
			addr := base + uint64(v.Offset) + uint64(4*i)
			b, err := it.dev.resolve(addr, 4)
			if err != nil {
				return err
			}
			it.regs[int(v.Dst.Reg)+i] = binary.LittleEndian.Uint32(b)
		}

	case cs.Store:
		base := it.readReg64(v.Base)
		for i := 0; i < int(v.Src.Count); i++ {
			if v.Mask&(1<<i) == 0 {
				continue
			}
			addr := base + uint64(v.Offset) + uint64(4*i)
			b, err := it.dev.resolve(addr, 4)
			if err != nil {
				return err
			}
			binary.LittleEndian.PutUint32(b, it.regs[int(v.Src.Reg)+i])
		}

	case cs.FlushStores:
		// Stores complete immediately in the software device.

	case cs.AddImm64:
		it.writeReg64(v.Dst, it.readReg64(v.Src)+uint64(v.Value))

	case cs.SyncAdd64:
		addr := it.readReg64(v.Addr)
		b, err := it.dev.resolve(addr, 8)
		if err != nil {
			return err
		}
		cur := binary.LittleEndian.Uint64(b)
		binary.LittleEndian.PutUint64(b, cur+it.readReg64(v.Value))

	case cs.WaitSlots:
		// All prior work has completed; the slots are idle.

	case cs.Match:
		sel := it.regs[v.Value.Reg]
		for _, c := range v.Cases {
			if c.Value == sel {
				return it.run(c.Body)
			}
		}
		// No arm matched: fall through.

	case cs.RunCompute:
		// The software device does not execute shader code; a launch
		// completes immediately.

	default:
		return fmt.Errorf("kmod: unhandled instruction %v", in.Op())
	}
	return nil
}

// readReg64 reads a 64-bit register pair, low lane first.
func (it *interp) readReg64(idx cs.Index) uint64 {
	return uint64(it.regs[idx.Reg]) | uint64(it.regs[idx.Reg+1])<<32
}

// writeReg64 writes a 64-bit register pair, low lane first.
func (it *interp) writeReg64(idx cs.Index, v uint64) {
	it.regs[idx.Reg] = uint32(v)
	it.regs[idx.Reg+1] = uint32(v >> 32)
}
