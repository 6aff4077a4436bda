package cmdbuf

import (
	"encoding/binary"
	"fmt"

	"github.com/gogpu/csf/device"
	"github.com/gogpu/csf/mem"
)

// tlsTracker tracks thread-local storage at command-buffer granularity.
// Per-invocation TLS is sized by the largest requirement any dispatch in
// the buffer declared; the backing memory is allocated once at Finish and
// its address is published through a shared descriptor each dispatch
// copies from at execution time.
type tlsTracker struct {
	// maxSize only grows across dispatches sharing the buffer.
	maxSize uint32

	// desc is the shared descriptor holding the eventual TLS base
	// pointer. Allocated on first use.
	desc mem.Block
}

// ensureDesc allocates the shared TLS descriptor.
func (t *tlsTracker) ensureDesc(pool *mem.Pool) error {
	if t.desc.IsValid() {
		return nil
	}
	var err error
	t.desc, err = pool.Alloc(device.LocalStorageDescSize, device.DescriptorAlign)
	if err != nil {
		return fmt.Errorf("cmdbuf: alloc shared tls descriptor: %w", err)
	}
	clear(t.desc.CPU)
	return nil
}

// track records one dispatch's per-invocation requirement.
func (t *tlsTracker) track(size uint32) {
	if size > t.maxSize {
		t.maxSize = size
	}
}

// finalize allocates the TLS backing for the whole buffer and publishes
// its address in the shared descriptor.
func (t *tlsTracker) finalize(dev *device.PhysicalDevice, pool *mem.Pool) error {
	if t.maxSize == 0 {
		return nil
	}
	total := uint64(t.maxSize) * uint64(dev.MaxThreadsPerCore) * uint64(dev.CoreIDRange)
	blk, err := pool.Alloc(total, device.WLSAlign)
	if err != nil {
		return fmt.Errorf("cmdbuf: alloc %d bytes thread-local storage: %w", total, err)
	}
	binary.LittleEndian.PutUint64(t.desc.CPU[device.TSDTLSPtrOffset:], blk.GPU)
	return nil
}

// prepareTLS allocates and packs the per-dispatch thread-storage
// descriptor. dims carries the workgroup counts for direct dispatch; nil
// means indirect, which falls back to the conservative residency bound
// for workgroup-local storage sizing.
//
// The descriptor's TLS pointer field is left zero; when the shader
// declares thread-local storage the dispatch emits a load-then-store copy
// from the shared descriptor, resolved at execution time.
func (cb *CommandBuffer) prepareTLS(s *device.Shader, dims *device.Dim) (mem.Block, error) {
	info := device.TLSInfo{TLSSize: s.TLSSize}

	if s.WLSSize > 0 {
		info.WLSSize = s.WLSSize
		info.WLSInstances = cb.dev.WLSInstances(s.LocalSize, dims)
		total := device.TotalWLSSize(info.WLSSize, info.WLSInstances, cb.dev.CoreIDRange)
		wls, err := cb.scratchPool.Alloc(uint64(total), device.WLSAlign)
		if err != nil {
			return mem.Block{}, fmt.Errorf("cmdbuf: alloc %d bytes workgroup-local storage: %w", total, err)
		}
		info.WLSPtr = wls.GPU
	}

	if s.TLSSize > 0 {
		if err := cb.tls.ensureDesc(cb.descPool); err != nil {
			return mem.Block{}, err
		}
		cb.tls.track(s.TLSSize)
	}

	tsd, err := cb.descPool.Alloc(device.LocalStorageDescSize, device.DescriptorAlign)
	if err != nil {
		return mem.Block{}, fmt.Errorf("cmdbuf: alloc thread-storage descriptor: %w", err)
	}
	device.EmitLocalStorage(tsd.CPU, info)
	return tsd, nil
}
