package cs

import "fmt"

// NumRegisters is the size of the per-subqueue hardware register file,
// in 32-bit lanes.
const NumRegisters = 96

// Register file layout. The upper end of the file is reserved: 16 scratch
// registers owned by the emission layer, and a register pair holding the
// subqueue context pointer, installed by the queue runtime before the
// first instruction executes.
const (
	scratchRegBase = 80
	numScratchRegs = 16

	// RegSubqueueCtx is the base lane of the register pair holding the
	// subqueue context pointer. The queue runtime installs the pointer
	// before the first instruction of a stream executes.
	RegSubqueueCtx = 78
)

// Compute shader-resource registers. These are architectural register
// numbers: writes to them configure the next RunCompute on the subqueue.
const (
	// RegComputeSRT0 holds the resource-table pointer (64-bit).
	RegComputeSRT0 = 16

	// RegComputeFAU0 holds the push-uniform pointer with the slot count
	// packed into the top byte (64-bit).
	RegComputeFAU0 = 20

	// RegComputeSPD0 holds the shader program descriptor pointer (64-bit).
	RegComputeSPD0 = 24

	// RegComputeTSD0 holds the thread-storage descriptor pointer (64-bit).
	RegComputeTSD0 = 28

	// RegComputeGlobalAttributeOffset holds the global attribute offset.
	RegComputeGlobalAttributeOffset = 32

	// RegComputeWGSize holds the packed workgroup size.
	RegComputeWGSize = 33

	// RegComputeJobOffsetX/Y/Z hold the workgroup base offset.
	RegComputeJobOffsetX = 34
	RegComputeJobOffsetY = 35
	RegComputeJobOffsetZ = 36

	// RegComputeJobSizeX/Y/Z hold the workgroup counts.
	RegComputeJobSizeX = 37
	RegComputeJobSizeY = 38
	RegComputeJobSizeZ = 39
)

// Index names a register tuple: a base lane in the register file and a
// lane count. A 32-bit register has count 1, a 64-bit register pair has
// count 2, and masked load/store targets may span wider tuples.
type Index struct {
	// Reg is the base lane number.
	Reg uint8
	// Count is the tuple width in 32-bit lanes.
	Count uint8
}

// IsValid reports whether the index names at least one lane inside the
// register file.
func (i Index) IsValid() bool {
	return i.Count > 0 && int(i.Reg)+int(i.Count) <= NumRegisters
}

// String returns the string representation of an Index.
func (i Index) String() string {
	switch i.Count {
	case 1:
		return fmt.Sprintf("r%d", i.Reg)
	case 2:
		return fmt.Sprintf("r%d:r%d", i.Reg, i.Reg+1)
	default:
		return fmt.Sprintf("r%d..r%d", i.Reg, i.Reg+i.Count-1)
	}
}

// Reg32 returns a 32-bit register index for lane r.
func Reg32(r uint8) Index { return Index{Reg: r, Count: 1} }

// Reg64 returns a 64-bit register index for the pair starting at lane r.
// r must be even.
func Reg64(r uint8) Index {
	if r%2 != 0 {
		panic(fmt.Sprintf("cs: 64-bit register r%d not pair-aligned", r))
	}
	return Index{Reg: r, Count: 2}
}

// RegTuple returns a register tuple of count lanes starting at lane r.
func RegTuple(r uint8, count uint8) Index { return Index{Reg: r, Count: count} }

// ScratchReg32 returns the n-th 32-bit scratch register.
func (b *Builder) ScratchReg32(n int) Index {
	return Reg32(scratchLane(n, 1))
}

// ScratchReg64 returns the 64-bit scratch register pair starting at
// scratch lane n. n must be even.
func (b *Builder) ScratchReg64(n int) Index {
	return Reg64(scratchLane(n, 2))
}

// ScratchRegTuple returns a tuple of count scratch lanes starting at
// scratch lane n.
func (b *Builder) ScratchRegTuple(n, count int) Index {
	return RegTuple(scratchLane(n, count), uint8(count))
}

// SubqueueCtxReg returns the register pair holding the subqueue context
// pointer. The queue runtime installs the pointer before the stream runs;
// emitted code may only read it.
func (b *Builder) SubqueueCtxReg() Index {
	return Index{Reg: RegSubqueueCtx, Count: 2}
}

// scratchLane maps a scratch lane number to its register file lane,
// panicking when the tuple leaves the scratch window. Out-of-window
// scratch access is a programming error in the emission layer.
func scratchLane(n, count int) uint8 {
	if n < 0 || n+count > numScratchRegs {
		panic(fmt.Sprintf("cs: scratch tuple [%d,%d) outside scratch window", n, n+count))
	}
	return uint8(scratchRegBase + n)
}
