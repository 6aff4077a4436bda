package device

import (
	"encoding/binary"
	"fmt"
)

// Hardware descriptor layout constants. These are strict layout
// contracts with the hardware; sizes and field offsets must not change.
const (
	// DescriptorSize is the size of one opaque descriptor-table entry.
	DescriptorSize = 32

	// DescriptorAlign is the required alignment of descriptor tables.
	DescriptorAlign = DescriptorSize

	// LocalStorageDescSize is the size of a thread-storage descriptor.
	LocalStorageDescSize = 32

	// WLSAlign is the required alignment of workgroup-local storage.
	WLSAlign = 4096

	// PushUniformAlign is the required alignment of push-uniform blocks.
	PushUniformAlign = 16
)

// Thread-storage descriptor field offsets.
const (
	tsdOffTLSSize      = 0  // u32 per-invocation size
	tsdOffWLSSize      = 4  // u32 per-workgroup size
	tsdOffWLSInstances = 8  // u32 instance count (power of two)
	tsdOffTLSPtr       = 16 // u64 thread-local storage base
	tsdOffWLSPtr       = 24 // u64 workgroup-local storage base
)

// TSDTLSPtrOffset is the byte offset of the thread-local storage pointer
// inside a thread-storage descriptor. The dispatch path patches this
// field at execution time with a load-then-store copy from the
// command-buffer's shared descriptor.
const TSDTLSPtrOffset = tsdOffTLSPtr

// TLSInfo describes the thread-storage requirements of one dispatch.
type TLSInfo struct {
	// TLSSize is the per-invocation thread-local storage size.
	TLSSize uint32
	// WLSSize is the per-workgroup local storage size.
	WLSSize uint32
	// WLSInstances is the per-core-id instance count.
	WLSInstances uint32
	// TLSPtr is the thread-local storage base address (may be zero and
	// patched later).
	TLSPtr uint64
	// WLSPtr is the workgroup-local storage base address.
	WLSPtr uint64
}

// EmitLocalStorage packs a thread-storage descriptor into dst.
// dst must be at least LocalStorageDescSize bytes.
func EmitLocalStorage(dst []byte, info TLSInfo) {
	if len(dst) < LocalStorageDescSize {
		panic(fmt.Sprintf("device: local storage descriptor needs %d bytes, have %d",
			LocalStorageDescSize, len(dst)))
	}
	binary.LittleEndian.PutUint32(dst[tsdOffTLSSize:], info.TLSSize)
	binary.LittleEndian.PutUint32(dst[tsdOffWLSSize:], info.WLSSize)
	binary.LittleEndian.PutUint32(dst[tsdOffWLSInstances:], info.WLSInstances)
	binary.LittleEndian.PutUint64(dst[tsdOffTLSPtr:], info.TLSPtr)
	binary.LittleEndian.PutUint64(dst[tsdOffWLSPtr:], info.WLSPtr)
}

// samplerMagic marks a packed dummy sampler descriptor. The hardware
// only requires a well-formed sampler in the slot; the driver never
// samples through it.
const samplerMagic = 0x53414d50 // "SAMP"

// PackDummySampler packs the fixed dummy sampler descriptor into dst.
// dst must be at least DescriptorSize bytes.
func PackDummySampler(dst []byte) {
	if len(dst) < DescriptorSize {
		panic(fmt.Sprintf("device: sampler descriptor needs %d bytes, have %d",
			DescriptorSize, len(dst)))
	}
	clear(dst[:DescriptorSize])
	binary.LittleEndian.PutUint32(dst, samplerMagic)
}

// IsDummySampler reports whether dst holds a packed dummy sampler.
func IsDummySampler(dst []byte) bool {
	return len(dst) >= 4 && binary.LittleEndian.Uint32(dst) == samplerMagic
}

// PackBufferDescriptor packs a dynamic buffer descriptor (device address
// and size) into dst. dst must be at least DescriptorSize bytes.
func PackBufferDescriptor(dst []byte, addr uint64, size uint64) {
	if len(dst) < DescriptorSize {
		panic(fmt.Sprintf("device: buffer descriptor needs %d bytes, have %d",
			DescriptorSize, len(dst)))
	}
	clear(dst[:DescriptorSize])
	binary.LittleEndian.PutUint64(dst[0:], addr)
	binary.LittleEndian.PutUint64(dst[8:], size)
}

// PackWorkgroupSize packs a workgroup shape into the 32-bit register
// format: three 10-bit biased fields plus the merge-allowed flag.
// Each extent must be in [1, 1024].
func PackWorkgroupSize(localSize Dim, allowMerging bool) uint32 {
	for _, v := range [3]uint32{localSize.X, localSize.Y, localSize.Z} {
		if v == 0 || v > 1024 {
			panic(fmt.Sprintf("device: workgroup extent %d out of range", v))
		}
	}
	packed := (localSize.X - 1) & 0x3ff
	packed |= ((localSize.Y - 1) & 0x3ff) << 10
	packed |= ((localSize.Z - 1) & 0x3ff) << 20
	if allowMerging {
		packed |= 1 << 31
	}
	return packed
}
