// Package cmdbuf records compute dispatches into a command-stream
// instruction sequence for one subqueue.
//
// A [CommandBuffer] is the dispatch compiler's context: it owns the
// instruction builder, the transient memory pools the rebuilt descriptor
// and uniform state is allocated from, and the dirty-aspect cache that
// decides which shader-resource registers must be re-emitted before the
// next launch. Recording is single-threaded; the produced stream is
// handed to [queue.Group.Submit].
package cmdbuf

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/csf"
	"github.com/gogpu/csf/cs"
	"github.com/gogpu/csf/device"
	"github.com/gogpu/csf/mem"
	"github.com/gogpu/csf/queue"
)

// ErrFinished is returned when recording into a finished command buffer.
var ErrFinished = errors.New("cmdbuf: command buffer already finished")

// Options configures command-buffer creation.
type Options struct {
	// Subqueue is the subqueue the recorded stream will be submitted
	// to. Dispatches signal that subqueue's sync point.
	Subqueue queue.SubqueueID

	// Label identifies the buffer in logs and pool stats.
	Label string
}

// CommandBuffer records compute dispatches for one subqueue.
//
// The first error encountered while recording (allocation failure, bad
// indirect address) is sticky: it is retrievable with [CommandBuffer.Err],
// every later dispatch is dropped, and [CommandBuffer.Finish] fails. The
// dirty aspects and the relative sync point are left exactly as they were
// before the failing dispatch, so recording can resume after a
// [CommandBuffer.Reset].
//
// CommandBuffer is not safe for concurrent use.
type CommandBuffer struct {
	group *queue.Group
	dev   *device.PhysicalDevice
	sq    queue.SubqueueID
	label string

	b        *cs.Builder
	finished bool
	err      error

	descPool    *mem.Pool
	scratchPool *mem.Pool

	state   computeState
	tls     tlsTracker
	relSync uint64
}

// New creates a command buffer recording for the given queue group.
func New(g *queue.Group, opts Options) *CommandBuffer {
	if g == nil {
		panic("cmdbuf: nil queue group")
	}
	if opts.Label == "" {
		opts.Label = "cmdbuf"
	}
	return &CommandBuffer{
		group: g,
		dev:   g.Device(),
		sq:    opts.Subqueue,
		label: opts.Label,
		b:     cs.NewBuilder(),
		descPool: mem.NewPool(g.Kmod(), mem.PoolOptions{
			Label: opts.Label + "/desc",
		}),
		scratchPool: mem.NewPool(g.Kmod(), mem.PoolOptions{
			Label: opts.Label + "/scratch",
		}),
		state: computeState{dirty: aspectAll},
	}
}

// Err returns the first error encountered while recording, or nil.
func (cb *CommandBuffer) Err() error { return cb.err }

// RelativeSyncPoint returns the number of sync-point increments the
// recorded stream will apply when it executes.
func (cb *CommandBuffer) RelativeSyncPoint() uint64 { return cb.relSync }

// fail records the first error and drops the rest of the recording.
func (cb *CommandBuffer) fail(err error) {
	if cb.err == nil {
		cb.err = err
		csf.Logger().Error("command buffer recording failed",
			slog.String("label", cb.label),
			slog.Any("error", err))
	}
}

// BindShader binds the compute shader for subsequent dispatches.
// Only compute-stage shaders may be bound.
func (cb *CommandBuffer) BindShader(s *device.Shader) {
	if s != nil && s.Stage != gputypes.ShaderStageCompute {
		panic(fmt.Sprintf("cmdbuf: cannot bind %v shader to a compute dispatch", s.Stage))
	}
	cb.state.shader = s
	cb.state.markDirty(AspectShader)
}

// SetDynamicBuffers replaces the dynamic buffer bindings exposed to the
// shader through the driver-owned descriptor table.
func (cb *CommandBuffer) SetDynamicBuffers(bufs []DynamicBuffer) {
	cb.state.dynBufs = append(cb.state.dynBufs[:0], bufs...)
	cb.state.markDirty(AspectDescState)
}

// PushConstants replaces the push-constant data copied into the
// push-uniform block.
func (cb *CommandBuffer) PushConstants(data []byte) {
	cb.state.push = append(cb.state.push[:0], data...)
	cb.state.markDirty(AspectPushUniforms)
}

// Finish finalizes the recording and returns the stream. The thread-local
// storage backing for the whole buffer is allocated here, sized by the
// largest requirement any recorded dispatch declared.
func (cb *CommandBuffer) Finish() (cs.Stream, error) {
	if cb.finished {
		return cs.Stream{}, ErrFinished
	}
	cb.finished = true
	if cb.err != nil {
		return cs.Stream{}, cb.err
	}
	if err := cb.tls.finalize(cb.dev, cb.scratchPool); err != nil {
		cb.err = err
		return cs.Stream{}, err
	}
	return cb.b.Finish(), nil
}

// Reset discards the recording and reclaims every transient block handed
// out during it; none may be referenced again. The bound shader is
// retained, with every aspect marked dirty for the next recording.
func (cb *CommandBuffer) Reset() {
	cb.descPool.Reset()
	cb.scratchPool.Reset()
	cb.b = cs.NewBuilder()
	cb.finished = false
	cb.err = nil
	cb.relSync = 0
	cb.tls = tlsTracker{}
	shader := cb.state.shader
	cb.state = computeState{dirty: aspectAll}
	cb.state.shader = shader
}
