package kmod

import (
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/gogpu/csf"
	"github.com/gogpu/csf/cs"
	"github.com/gogpu/csf/mem"
)

// Software device address-space layout. Device addresses are synthetic:
// a monotonically growing VA cursor with a guard gap between objects so
// that out-of-bounds accesses fault instead of landing in a neighbor.
const (
	softVABase  = 0x1_0000_0000
	softVAGuard = 0x10000
	pageSize    = 4096
)

// SoftwareDevice is a [Device] that maps buffer objects with anonymous
// mmap and interprets submitted streams on the host. Submissions execute
// synchronously inside Submit, in emission order, which trivially
// satisfies every deferred-execution condition a stream may carry.
//
// SoftwareDevice is safe for concurrent use.
type SoftwareDevice struct {
	mu     sync.Mutex
	closed bool

	nextVA   uint64
	bos      map[uint64]*BO // keyed by GPU base address
	groups   map[GroupHandle]*softGroup
	nextGrp  GroupHandle
	nextSub  SubmissionID
	statuses map[SubmissionID]Status
}

// softGroup tracks one created queue group.
type softGroup struct {
	subqueueCtx []uint64
}

// NewSoftwareDevice creates a software device with an empty address
// space.
func NewSoftwareDevice() *SoftwareDevice {
	return &SoftwareDevice{
		nextVA:   softVABase,
		bos:      make(map[uint64]*BO),
		groups:   make(map[GroupHandle]*softGroup),
		nextGrp:  1,
		nextSub:  1,
		statuses: make(map[SubmissionID]Status),
	}
}

// AllocBO implements Device. The mapping is page-aligned and zeroed.
func (d *SoftwareDevice) AllocBO(size uint64) (*BO, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrDeviceClosed
	}

	mapped := int(alignUp(size, pageSize))
	data, err := unix.Mmap(-1, 0, mapped,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("kmod: mmap %d bytes: %w", mapped, err)
	}

	va := d.nextVA
	d.nextVA += alignUp(size, pageSize) + softVAGuard

	bo := &BO{
		CPU:   data[:size],
		GPU:   va,
		Size:  size,
		unmap: func() error { return unix.Munmap(data) },
	}
	d.bos[va] = bo

	csf.Logger().Debug("bo allocated",
		slog.Uint64("gpu", va), slog.Uint64("size", size))
	return bo, nil
}

// FreeBO implements Device.
func (d *SoftwareDevice) FreeBO(bo *BO) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDeviceClosed
	}
	if _, ok := d.bos[bo.GPU]; !ok {
		return fmt.Errorf("kmod: free of unknown bo %#x", bo.GPU)
	}
	delete(d.bos, bo.GPU)
	if err := bo.unmap(); err != nil {
		csf.Logger().Warn("bo unmap failed",
			slog.Uint64("gpu", bo.GPU), slog.String("err", err.Error()))
		return err
	}
	return nil
}

// AllocChunk implements mem.Provider on top of AllocBO.
func (d *SoftwareDevice) AllocChunk(size uint64) (mem.Chunk, error) {
	bo, err := d.AllocBO(size)
	if err != nil {
		return mem.Chunk{}, err
	}
	return mem.Chunk{CPU: bo.CPU, GPU: bo.GPU}, nil
}

// CreateGroup implements Device.
func (d *SoftwareDevice) CreateGroup(desc GroupDesc) (GroupHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, ErrDeviceClosed
	}
	h := d.nextGrp
	d.nextGrp++
	ctx := make([]uint64, len(desc.SubqueueCtx))
	copy(ctx, desc.SubqueueCtx)
	d.groups[h] = &softGroup{subqueueCtx: ctx}
	csf.Logger().Info("queue group created",
		slog.Uint64("handle", uint64(h)), slog.Int("subqueues", len(ctx)))
	return h, nil
}

// DestroyGroup implements Device.
func (d *SoftwareDevice) DestroyGroup(g GroupHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDeviceClosed
	}
	if _, ok := d.groups[g]; !ok {
		return ErrUnknownGroup
	}
	delete(d.groups, g)
	return nil
}

// Submit implements Device: the stream is interpreted immediately with
// the subqueue's context register seeded from the group descriptor.
func (d *SoftwareDevice) Submit(g GroupHandle, sq int, stream cs.Stream) (SubmissionID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, ErrDeviceClosed
	}
	grp, ok := d.groups[g]
	if !ok {
		return 0, ErrUnknownGroup
	}
	if sq < 0 || sq >= len(grp.subqueueCtx) {
		return 0, ErrBadSubqueue
	}

	id := d.nextSub
	d.nextSub++

	it := &interp{dev: d}
	it.writeReg64(cs.Reg64(cs.RegSubqueueCtx), grp.subqueueCtx[sq])
	if err := it.run(stream.Instructions()); err != nil {
		d.statuses[id] = StatusFaulted
		csf.Logger().Warn("submission faulted",
			slog.Uint64("submission", uint64(id)), slog.String("err", err.Error()))
		return id, nil
	}
	d.statuses[id] = StatusComplete
	return id, nil
}

// Wait implements Device. Submissions settle inside Submit, so Wait
// only reports the recorded status.
func (d *SoftwareDevice) Wait(id SubmissionID) (Status, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.statuses[id]
	if !ok {
		return StatusPending, ErrUnknownSubmission
	}
	return st, nil
}

// Close implements Device, unmapping every live buffer object.
func (d *SoftwareDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	var firstErr error
	for va, bo := range d.bos {
		if err := bo.unmap(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(d.bos, va)
	}
	return firstErr
}

// resolve maps a device address range to its host bytes.
// The caller must hold d.mu.
func (d *SoftwareDevice) resolve(addr, size uint64) ([]byte, error) {
	for base, bo := range d.bos {
		if addr >= base && addr+size <= base+bo.Size {
			off := addr - base
			return bo.CPU[off : off+size], nil
		}
	}
	return nil, fmt.Errorf("%w: %#x+%d", ErrFault, addr, size)
}

// alignUp rounds v up to the next multiple of align (a power of two).
func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}
