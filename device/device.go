// Package device describes the physical GPU: core topology, hardware
// generation capabilities, the shader artifacts the compiler produces,
// and the packed descriptor layouts the hardware consumes.
package device

import "fmt"

// PhysicalDevice carries the topology and capability information the
// emission layer needs. Values are filled from kernel queries on real
// hardware; [Default] returns a representative software configuration.
type PhysicalDevice struct {
	// Name identifies the device in logs.
	Name string

	// Arch is the hardware generation (command-stream frontend
	// architectures start at 10).
	Arch uint32

	// CoreCount is the number of shader cores present.
	CoreCount uint32

	// CoreIDRange is the exclusive upper bound of core ids. Sparse core
	// masks make this larger than CoreCount; per-core storage must be
	// sized by it, not by the core count.
	CoreIDRange uint32

	// MaxThreadsPerCore is the number of threads a core can have
	// resident at once.
	MaxThreadsPerCore uint32

	// MaxThreadsPerWorkgroup is the largest supported workgroup volume.
	MaxThreadsPerWorkgroup uint32
}

// Default returns a representative physical device for the software
// backend: an 8-core generation-10 part with a sparse core mask.
func Default() *PhysicalDevice {
	return &PhysicalDevice{
		Name:                   "csf-soft",
		Arch:                   10,
		CoreCount:              8,
		CoreIDRange:            10,
		MaxThreadsPerCore:      2048,
		MaxThreadsPerWorkgroup: 1024,
	}
}

// HasIndirectDeferredSync reports whether the hardware supports the
// single-instruction indirect-deferred sync signal. Earlier generations
// emulate it with a per-iteration scoreboard case dispatch.
func (d *PhysicalDevice) HasIndirectDeferredSync() bool {
	return d.Arch >= 11
}

// String returns a human-readable device summary.
func (d *PhysicalDevice) String() string {
	return fmt.Sprintf("%s (v%d, %d cores, id range %d)",
		d.Name, d.Arch, d.CoreCount, d.CoreIDRange)
}
