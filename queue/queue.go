// Package queue owns the queue group: the hardware subqueues, their
// GPU-visible synchronization objects, the tiler heap, and the
// submission handle to the kernel driver.
//
// Cross-subqueue ordering is expressed exclusively through sync points:
// per-subqueue monotonically increasing counters living in GPU-visible
// memory. A subqueue's counter is incremented by the epilogue of every
// dispatch issued on it, and other subqueues (or the host) wait for
// "counter >= N" through the same memory. No other ordering channel
// exists.
package queue

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/csf"
	"github.com/gogpu/csf/cs"
	"github.com/gogpu/csf/device"
	"github.com/gogpu/csf/kmod"
	"github.com/gogpu/csf/mem"
)

// SubqueueID identifies one of the independently scheduled hardware
// execution streams of a queue group.
type SubqueueID uint8

const (
	// SubqueueVertexTiler runs vertex shading and tiling work.
	SubqueueVertexTiler SubqueueID = iota

	// SubqueueFragment runs fragment shading work.
	SubqueueFragment

	// SubqueueCompute runs compute dispatches.
	SubqueueCompute

	// SubqueueCount is the number of subqueues in a queue group.
	SubqueueCount
)

// String returns the string representation of a SubqueueID.
func (s SubqueueID) String() string {
	switch s {
	case SubqueueVertexTiler:
		return "vertex-tiler"
	case SubqueueFragment:
		return "fragment"
	case SubqueueCompute:
		return "compute"
	default:
		return fmt.Sprintf("subqueue(%d)", uint8(s))
	}
}

// Subqueue context block layout, shared with the emitted streams: the
// context register points at this block, and epilogues load the syncobj
// pointer and scoreboard iteration slot from it.
const (
	// CtxOffSyncobjs is the offset of the syncobj array pointer (u64).
	CtxOffSyncobjs = 0

	// CtxOffIterSB is the offset of the current scoreboard iteration
	// slot id (u32). Must stay at CtxOffSyncobjs+8: epilogues load the
	// pointer and the slot with a single three-lane load.
	CtxOffIterSB = 8

	// CtxSize is the size of a subqueue context block.
	CtxSize = 64

	// Sync64Size is the stride of one sync object: a u64 counter
	// followed by a u32 error word and padding.
	Sync64Size = 16
)

// regSaveSize is the size of a subqueue's register-file save area.
const regSaveSize = cs.NumRegisters * 4

// Subqueue is the per-subqueue runtime state owned by a queue group.
type Subqueue struct {
	// Context is the GPU-visible context block the subqueue's context
	// register points at.
	Context mem.Block

	// RegsSave is the register-file save area used by functions and
	// exception handlers. Registers are dumped to this fixed address
	// rather than a moving stack pointer, so nested function or
	// exception-handler calls are not supported.
	RegsSave mem.Block

	trace *cs.TraceContext
}

// TilerHeap is the queue-group-level tiler memory heap.
type TilerHeap struct {
	// ChunkSize is the heap growth granularity.
	ChunkSize uint32

	// MaxExtent is the largest render area the heap is sized for.
	MaxExtent gputypes.Extent3D

	// Desc is the heap descriptor consumed by tiling work.
	Desc mem.Block

	// Context is the kernel-side heap context.
	Context struct {
		Handle  uint32
		DevAddr uint64
	}
}

// DescRingBuf is the ring buffer render passes allocate descriptors
// from, with the sync object used to recycle it.
type DescRingBuf struct {
	// Syncobj tracks consumption of the ring by the GPU.
	Syncobj mem.Block

	// Buf is the ring storage.
	Buf mem.Block

	// Size is the ring capacity in bytes.
	Size uint64
}

// GroupOptions configures queue-group creation.
type GroupOptions struct {
	// TilerChunkSize is the tiler heap growth granularity.
	// 0 means 128 KiB.
	TilerChunkSize uint32

	// DescRingSize is the render descriptor ring capacity.
	// 0 means 512 KiB.
	DescRingSize uint64
}

// Group is a queue group: the device-level aggregate owning the
// subqueues, their sync objects, the tiler heap, the render descriptor
// ring, and the kernel submission handle.
//
// The sync-object memory is shared across subqueues but is mutated only
// by atomic add/store instructions executed by the hardware; the host
// only reads it.
type Group struct {
	dev  *device.PhysicalDevice
	kdev kmod.Device

	handle   kmod.GroupHandle
	pool     *mem.Pool
	syncobjs mem.Block
	tiler    TilerHeap
	descRing DescRingBuf

	subqueues [SubqueueCount]Subqueue
	signal    SignalStrategy

	destroyed bool
}

// NewGroup creates a queue group on the given device pair. The group
// owns one sync object and one context block per subqueue, all starting
// at zero.
func NewGroup(dev *device.PhysicalDevice, kdev kmod.Device, opts GroupOptions) (*Group, error) {
	if dev == nil || kdev == nil {
		panic("queue: nil device")
	}
	if opts.TilerChunkSize == 0 {
		opts.TilerChunkSize = 128 * 1024
	}
	if opts.DescRingSize == 0 {
		opts.DescRingSize = 512 * 1024
	}

	g := &Group{
		dev:    dev,
		kdev:   kdev,
		pool:   mem.NewPool(kdev, mem.PoolOptions{Label: "queue-group"}),
		signal: signalStrategyFor(dev),
	}

	var err error
	g.syncobjs, err = g.pool.Alloc(uint64(SubqueueCount)*Sync64Size, 64)
	if err != nil {
		return nil, fmt.Errorf("queue: alloc syncobjs: %w", err)
	}
	clear(g.syncobjs.CPU)

	ctxAddrs := make([]uint64, SubqueueCount)
	for i := range g.subqueues {
		sq := &g.subqueues[i]
		if sq.Context, err = g.pool.Alloc(CtxSize, 64); err != nil {
			return nil, fmt.Errorf("queue: alloc %v context: %w", SubqueueID(i), err)
		}
		clear(sq.Context.CPU)
		binary.LittleEndian.PutUint64(sq.Context.CPU[CtxOffSyncobjs:], g.syncobjs.GPU)
		binary.LittleEndian.PutUint32(sq.Context.CPU[CtxOffIterSB:], cs.SBIter(0))

		if sq.RegsSave, err = g.pool.Alloc(regSaveSize, 4096); err != nil {
			return nil, fmt.Errorf("queue: alloc %v register save: %w", SubqueueID(i), err)
		}
		sq.trace = cs.NewTraceContext(csf.Logger(), SubqueueID(i).String())
		ctxAddrs[i] = sq.Context.GPU
	}

	g.tiler = TilerHeap{
		ChunkSize: opts.TilerChunkSize,
		MaxExtent: gputypes.Extent3D{Width: 16384, Height: 16384, DepthOrArrayLayers: 1},
	}
	if g.tiler.Desc, err = g.pool.Alloc(device.DescriptorSize, device.DescriptorAlign); err != nil {
		return nil, fmt.Errorf("queue: alloc tiler heap descriptor: %w", err)
	}
	g.tiler.Context.DevAddr = g.tiler.Desc.GPU

	if g.descRing.Syncobj, err = g.pool.Alloc(Sync64Size, 64); err != nil {
		return nil, fmt.Errorf("queue: alloc descriptor ring syncobj: %w", err)
	}
	clear(g.descRing.Syncobj.CPU)
	if g.descRing.Buf, err = g.pool.Alloc(opts.DescRingSize, 4096); err != nil {
		return nil, fmt.Errorf("queue: alloc descriptor ring: %w", err)
	}
	g.descRing.Size = opts.DescRingSize

	g.handle, err = kdev.CreateGroup(kmod.GroupDesc{SubqueueCtx: ctxAddrs})
	if err != nil {
		return nil, fmt.Errorf("queue: create kernel group: %w", err)
	}

	csf.Logger().Info("queue group created",
		slog.String("device", dev.Name),
		slog.String("signal_strategy", g.signal.Name()),
		slog.Uint64("handle", uint64(g.handle)))
	return g, nil
}

// Destroy destroys the queue group and its kernel-side queues. All sync
// points of the group cease to exist; blocks handed out by the group's
// pool become invalid when the kernel device is closed.
func (g *Group) Destroy() error {
	if g.destroyed {
		return nil
	}
	g.destroyed = true
	if err := g.kdev.DestroyGroup(g.handle); err != nil {
		return fmt.Errorf("queue: destroy kernel group: %w", err)
	}
	return nil
}

// Device returns the physical device the group was created on.
func (g *Group) Device() *device.PhysicalDevice { return g.dev }

// Kmod returns the kernel device the group submits to.
func (g *Group) Kmod() kmod.Device { return g.kdev }

// SignalStrategy returns the completion-signal encoding selected for
// this group's hardware generation.
func (g *Group) SignalStrategy() SignalStrategy { return g.signal }

// TilerHeap returns the group's tiler memory heap.
func (g *Group) TilerHeap() *TilerHeap { return &g.tiler }

// DescRing returns the group's render descriptor ring.
func (g *Group) DescRing() *DescRingBuf { return &g.descRing }

// Pool returns the group's device-lifetime memory pool.
func (g *Group) Pool() *mem.Pool { return g.pool }

// TraceContext returns the trace context of the given subqueue.
func (g *Group) TraceContext(sq SubqueueID) *cs.TraceContext {
	return g.subqueues[sq].trace
}

// Subqueue returns the runtime state of the given subqueue.
func (g *Group) Subqueue(sq SubqueueID) *Subqueue {
	return &g.subqueues[sq]
}

// Submit hands a finished stream to the given subqueue.
func (g *Group) Submit(sq SubqueueID, stream cs.Stream) (kmod.SubmissionID, error) {
	if g.destroyed {
		return 0, fmt.Errorf("queue: submit on destroyed group")
	}
	return g.kdev.Submit(g.handle, int(sq), stream)
}

// SyncPoint returns the current value of the subqueue's sync point, read
// from the GPU-visible sync-object memory.
func (g *Group) SyncPoint(sq SubqueueID) uint64 {
	off := uint64(sq) * Sync64Size
	return binary.LittleEndian.Uint64(g.syncobjs.CPU[off:])
}

// Reached reports whether the subqueue's sync point has reached value n.
func (g *Group) Reached(sq SubqueueID, n uint64) bool {
	return g.SyncPoint(sq) >= n
}

// SyncobjAddr returns the device address of the subqueue's sync object.
func (g *Group) SyncobjAddr(sq SubqueueID) uint64 {
	return g.syncobjs.GPU + uint64(sq)*Sync64Size
}
