package queue

import (
	"github.com/gogpu/csf/cs"
	"github.com/gogpu/csf/device"
)

// SignalStrategy encodes a dispatch epilogue's completion signal: the
// deferred increment of the issuing subqueue's sync point, delayed until
// every in-flight operation of the dispatch has landed.
//
// Two encodings exist. Hardware with indirect deferred sync support
// attaches the deferral to all outstanding asynchronous operations in a
// single instruction. Older hardware ties the increment to the
// iteration's scoreboard slot, selected at execution time with a match
// over the slot id kept in the subqueue context. Both produce the same
// observable sync-point sequence.
type SignalStrategy interface {
	// Name identifies the encoding in logs.
	Name() string

	// EmitCompletionSignal appends the deferred sync-point increment for
	// subqueue sq. It clobbers scratch registers 0 through 5.
	EmitCompletionSignal(b *cs.Builder, sq SubqueueID)
}

// signalStrategyFor selects the epilogue encoding for the device
// generation.
func signalStrategyFor(dev *device.PhysicalDevice) SignalStrategy {
	if dev.HasIndirectDeferredSync() {
		return indirectSignal{}
	}
	return scoreboardSignal{}
}

type indirectSignal struct{}

func (indirectSignal) Name() string { return "indirect-deferred" }

func (indirectSignal) EmitCompletionSignal(b *cs.Builder, sq SubqueueID) {
	syncAddr := b.ScratchReg64(0)
	addVal := b.ScratchReg64(2)

	b.Load64To(syncAddr, b.SubqueueCtxReg(), CtxOffSyncobjs)
	b.AddImm64(syncAddr, syncAddr, int64(sq)*Sync64Size)
	b.MoveImm64(addVal, 1)
	b.SyncAdd64(true, cs.ScopeCSG, addVal, syncAddr, cs.DeferIndirect())
}

type scoreboardSignal struct{}

func (scoreboardSignal) Name() string { return "scoreboard-slot" }

func (scoreboardSignal) EmitCompletionSignal(b *cs.Builder, sq SubqueueID) {
	syncAddr := b.ScratchReg64(0)
	iterSB := b.ScratchReg32(2)
	cmp := b.ScratchReg32(3)
	addVal := b.ScratchReg64(4)

	// One load picks up the syncobj pointer and the current iteration
	// slot; the context layout places them back to back.
	b.LoadTo(b.ScratchRegTuple(0, 3), b.SubqueueCtxReg(), 0b111, CtxOffSyncobjs)
	b.AddImm64(syncAddr, syncAddr, int64(sq)*Sync64Size)
	b.MoveImm64(addVal, 1)

	// The slot is only known at execution time, but the deferral must
	// name it statically. Branch over every slot.
	b.Match(iterSB, cmp, func(m *cs.MatchBuilder) {
		for i := 0; i < cs.NumIterSlots; i++ {
			i := i
			m.Case(cs.SBIter(i), func(sub *cs.Builder) {
				sub.SyncAdd64(true, cs.ScopeCSG, addVal, syncAddr,
					cs.DeferSlots(cs.SBWaitIter(i), cs.SBIDDeferredSync))
			})
		}
	})
}

// EmitNextIterSB advances the subqueue's scoreboard iteration slot:
// waits for the next slot to drain, then stores the new slot id back to
// the subqueue context. scratch must be a two-lane window; both lanes
// are clobbered.
func EmitNextIterSB(b *cs.Builder, scratch cs.Index) {
	if scratch.Count < 2 {
		panic("queue: EmitNextIterSB needs two scratch lanes")
	}
	iter := cs.Reg32(scratch.Reg)
	cmp := cs.Reg32(scratch.Reg + 1)

	b.Load32To(iter, b.SubqueueCtxReg(), CtxOffIterSB)
	b.Match(iter, cmp, func(m *cs.MatchBuilder) {
		for i := 0; i < cs.NumIterSlots; i++ {
			next := cs.NextIter(i)
			slot := cs.SBIter(next)
			wait := cs.SBWaitIter(next)
			m.Case(cs.SBIter(i), func(sub *cs.Builder) {
				sub.WaitSlots(wait)
				sub.MoveImm32(iter, slot)
			})
		}
	})
	b.Store32(iter, b.SubqueueCtxReg(), CtxOffIterSB)
	b.FlushStores()
}
