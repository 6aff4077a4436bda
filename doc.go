// Package csf implements the command-stream frontend (CSF) emission and
// cross-queue synchronization core of a tile-based GPU driver.
//
// # Overview
//
// csf translates high-level compute dispatch requests into sequences of
// low-level command-stream instructions, together with the bookkeeping
// needed to keep multiple independent hardware subqueues (vertex-tiler,
// fragment, compute) correctly ordered against each other and against
// the host.
//
// # Architecture
//
// The module is organized into:
//   - cs: the typed command-stream instruction builder and decoder
//   - mem: transient bump-allocated GPU memory pools
//   - kmod: the kernel-driver facade (buffer objects, queue groups,
//     submission) with a software backend for testing
//   - device: physical-device core topology, hardware capabilities, and
//     the precompiled-kernel cache
//   - cmdbuf: the command-buffer context, dispatch compiler, and
//     descriptor/state dirty tracking
//   - queue: the queue group, its subqueues, and sync-point management
//
// # Quick Start
//
//	kdev := kmod.NewSoftwareDevice()
//	defer kdev.Close()
//
//	dev := device.Default()
//	grp, _ := queue.NewGroup(dev, kdev, queue.GroupOptions{})
//	defer grp.Destroy()
//
//	cmd := cmdbuf.New(grp, cmdbuf.Options{Subqueue: queue.SubqueueCompute})
//	cmd.BindShader(shader)
//	cmd.Dispatch(gputypes.Origin3D{}, 4, 1, 1)
//
//	stream, err := cmd.Finish()
//	if err == nil {
//		grp.Submit(queue.SubqueueCompute, stream)
//	}
//
// # Logging
//
// By default csf produces no log output. Call [SetLogger] to enable
// structured logging for all sub-packages.
package csf
