// Package mem provides transient bump-allocated GPU memory pools.
//
// A [Pool] hands out device-visible blocks with paired CPU/GPU addresses.
// Blocks are never freed individually: resetting the pool reclaims every
// block it ever returned at once. Pools grow in chunks obtained from a
// [Provider], typically the kernel-driver facade.
//
// Pools are owned by a single command-buffer-equivalent context and are
// NOT safe for concurrent allocation.
package mem

import (
	"errors"
	"fmt"
)

// Pool errors.
var (
	// ErrOutOfDeviceMemory is returned when the provider cannot supply
	// the backing memory for an allocation.
	ErrOutOfDeviceMemory = errors.New("mem: out of device memory")
)

// DefaultChunkSize is the default growth granularity of a pool (64 KiB).
const DefaultChunkSize = 64 * 1024

// Chunk is a contiguous device-visible memory range obtained from a
// provider. CPU and GPU address the same bytes.
type Chunk struct {
	// CPU is the host mapping of the chunk.
	CPU []byte
	// GPU is the device address of the first byte.
	GPU uint64
}

// Provider supplies backing chunks for pools. Implemented by the
// kernel-driver facade; tests may substitute their own.
type Provider interface {
	// AllocChunk maps a new device-visible chunk of at least size bytes.
	AllocChunk(size uint64) (Chunk, error)
}

// Block is one allocation from a pool. CPU and GPU address the same
// bytes. A block must not be referenced after its pool resets.
type Block struct {
	// CPU is the host mapping of the block.
	CPU []byte
	// GPU is the device address of the first byte.
	GPU uint64
	// Size is the block size in bytes, after alignment rounding.
	Size uint64
}

// IsValid reports whether the block refers to allocated memory.
// The zero Block is invalid.
func (b Block) IsValid() bool { return b.GPU != 0 }

// chunk tracks one provider chunk and its bump offset.
type chunk struct {
	mem  Chunk
	used uint64
}

// Stats contains pool usage statistics.
type Stats struct {
	// ChunkCount is the number of chunks committed from the provider.
	ChunkCount int
	// CommittedBytes is the total capacity committed from the provider.
	CommittedBytes uint64
	// UsedBytes is the number of bytes handed out since the last reset.
	UsedBytes uint64
	// AllocCount is the number of allocations since the last reset.
	AllocCount uint64
	// ResetCount is the number of times the pool has been reset.
	ResetCount uint64
}

// String returns a human-readable string of pool stats.
func (s Stats) String() string {
	return fmt.Sprintf("Pool[%d/%d bytes, %d chunks, %d allocs, %d resets]",
		s.UsedBytes, s.CommittedBytes, s.ChunkCount, s.AllocCount, s.ResetCount)
}

// PoolOptions configures a pool.
type PoolOptions struct {
	// Label names the pool in stats and logs.
	Label string
	// ChunkSize is the growth granularity. 0 means DefaultChunkSize.
	ChunkSize uint64
}

// Pool bump-allocates device-visible memory from provider-backed chunks.
type Pool struct {
	label     string
	provider  Provider
	chunkSize uint64
	chunks    []chunk
	cur       int // index of the chunk allocations come from
	stats     Stats
}

// NewPool creates an empty pool backed by the given provider.
// No memory is committed until the first allocation.
func NewPool(p Provider, opts PoolOptions) *Pool {
	if p == nil {
		panic("mem: nil provider")
	}
	size := opts.ChunkSize
	if size == 0 {
		size = DefaultChunkSize
	}
	return &Pool{label: opts.Label, provider: p, chunkSize: size, cur: -1}
}

// Label returns the pool's label.
func (p *Pool) Label() string { return p.label }

// Alloc returns a block of at least size bytes whose GPU address is a
// multiple of align. The size is rounded up to align. align must be a
// nonzero power of two; a violation is a programming error and panics.
//
// Alloc never partially fails: it returns either the full block or
// [ErrOutOfDeviceMemory], leaving the pool unchanged on failure.
func (p *Pool) Alloc(size, align uint64) (Block, error) {
	if align == 0 || align&(align-1) != 0 {
		panic(fmt.Sprintf("mem: alignment %d is not a power of two", align))
	}
	if size == 0 {
		return Block{}, nil
	}
	size = alignUp(size, align)

	off, ok := p.reserve(size, align)
	if !ok {
		if err := p.grow(size + align); err != nil {
			return Block{}, err
		}
		off, ok = p.reserve(size, align)
		if !ok {
			// The provider returned a chunk smaller than requested.
			return Block{}, fmt.Errorf("%w: short chunk from provider", ErrOutOfDeviceMemory)
		}
	}

	c := &p.chunks[p.cur]
	c.used = off + size
	p.stats.UsedBytes += size
	p.stats.AllocCount++
	return Block{
		CPU:  c.mem.CPU[off : off+size : off+size],
		GPU:  c.mem.GPU + off,
		Size: size,
	}, nil
}

// reserve finds an aligned offset of size bytes, advancing through
// retained chunks from the current one onward.
func (p *Pool) reserve(size, align uint64) (uint64, bool) {
	for ; p.cur >= 0 && p.cur < len(p.chunks); p.cur++ {
		c := &p.chunks[p.cur]
		// Alignment is relative to the GPU address, not the chunk offset.
		off := alignUp(c.mem.GPU+c.used, align) - c.mem.GPU
		if off+size <= uint64(len(c.mem.CPU)) {
			return off, true
		}
	}
	if len(p.chunks) > 0 {
		p.cur = len(p.chunks) - 1
	}
	return 0, false
}

// grow commits a new chunk of at least min bytes from the provider.
func (p *Pool) grow(min uint64) error {
	size := p.chunkSize
	if min > size {
		size = min
	}
	ch, err := p.provider.AllocChunk(size)
	if err != nil {
		return fmt.Errorf("%w: %s pool: %v", ErrOutOfDeviceMemory, p.label, err)
	}
	p.chunks = append(p.chunks, chunk{mem: ch})
	p.cur = len(p.chunks) - 1
	p.stats.ChunkCount = len(p.chunks)
	p.stats.CommittedBytes += uint64(len(ch.CPU))
	return nil
}

// Reset reclaims every block handed out by the pool at once. Committed
// chunks are retained for reuse. All previously returned blocks are
// invalidated; referencing one afterwards is a programming error.
func (p *Pool) Reset() {
	for i := range p.chunks {
		p.chunks[i].used = 0
	}
	if len(p.chunks) > 0 {
		p.cur = 0
	}
	p.stats.UsedBytes = 0
	p.stats.AllocCount = 0
	p.stats.ResetCount++
}

// Stats returns a snapshot of the pool's usage statistics.
func (p *Pool) Stats() Stats { return p.stats }

// alignUp rounds v up to the next multiple of align (a power of two).
func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}
