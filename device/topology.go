package device

import "github.com/gogpu/csf/cs"

// WLSInstances returns the number of workgroup-local storage instances
// to allocate per core id for a dispatch with the given workgroup shape.
//
// The instance count is bounded by how many workgroups a core can have
// resident at once. When the dispatch dimensions are known (direct
// dispatch), a smaller total workgroup count caps the instance count;
// for indirect dispatch dim is nil and the conservative resident bound
// is used. The result is rounded up to a power of two because the
// hardware indexes instances with a shifted core id.
func (d *PhysicalDevice) WLSInstances(localSize Dim, dim *Dim) uint32 {
	wgThreads := localSize.Volume()
	if wgThreads == 0 {
		wgThreads = 1
	}

	resident := uint64(d.MaxThreadsPerCore) / wgThreads
	if resident == 0 {
		resident = 1
	}

	instances := resident
	if dim != nil {
		if total := dim.Volume(); total > 0 && total < instances {
			instances = total
		}
	}
	return nextPow2(uint32(instances))
}

// TotalWLSSize returns the total workgroup-local storage allocation for
// the given per-workgroup size, instance count, and core id range.
func TotalWLSSize(wlsSize, instances, coreIDRange uint32) uint64 {
	return uint64(wlsSize) * uint64(instances) * uint64(coreIDRange)
}

// WorkgroupsPerTask returns how many workgroups of the given shape one
// task should cover to fill a core.
func (d *PhysicalDevice) WorkgroupsPerTask(localSize Dim) uint32 {
	wgThreads := localSize.Volume()
	if wgThreads == 0 {
		wgThreads = 1
	}
	per := uint64(d.MaxThreadsPerCore) / wgThreads
	if per == 0 {
		per = 1
	}
	return uint32(per)
}

// TaskAxisAndIncrement chooses the task-distribution axis and increment
// for a direct dispatch of the given shader.
//
// Axes are walked in X, Y, Z order, accumulating threads per task; the
// first axis at which a task reaches the core's thread capacity is
// chosen, with the increment sized to stay within that capacity. Wide
// 1D layouts therefore walk X, while small workgroups push the walk
// toward later axes. The hardware clamps the increment to the job size
// along the chosen axis.
func (d *PhysicalDevice) TaskAxisAndIncrement(s *Shader) (cs.Axis, uint32) {
	capacity := uint64(d.MaxThreadsPerCore)
	threadsPerTask := s.LocalSize.Volume()
	if threadsPerTask == 0 {
		threadsPerTask = 1
	}

	local := [3]uint32{s.LocalSize.X, s.LocalSize.Y, s.LocalSize.Z}
	axis := cs.TaskAxisX
	for i := 0; i < 2; i++ {
		l := uint64(max(local[i], 1))
		if threadsPerTask*l >= capacity {
			break
		}
		threadsPerTask *= l
		axis++
	}

	incr := capacity / threadsPerTask
	if incr == 0 {
		incr = 1
	}
	return axis, uint32(incr)
}

// nextPow2 rounds v up to the next power of two. 0 maps to 1.
func nextPow2(v uint32) uint32 {
	if v <= 1 {
		return 1
	}
	v--
	v |= v >> 1
	v |= v >> 2
	v |= v >> 4
	v |= v >> 8
	v |= v >> 16
	return v + 1
}
