// Package cs provides the typed command-stream instruction builder used to
// emit work for the hardware command-stream frontend.
//
// The package models instructions as typed structs behind the [Instr]
// interface rather than as encoded machine words. Instruction encoding is
// the responsibility of a lower layer; keeping instructions typed makes
// streams inspectable in tests and debug tracing.
//
// A [Builder] owns one append-only stream. It is single-writer: one
// goroutine emits into one builder, and emission never blocks.
package cs

import "fmt"

// Op identifies the type of a command-stream instruction.
type Op uint8

const (
	// OpMoveImm32 moves a 32-bit immediate into a register.
	OpMoveImm32 Op = iota

	// OpMoveImm64 moves a 64-bit immediate into a register pair.
	OpMoveImm64

	// OpLoad loads selected lanes of a register tuple from memory.
	OpLoad

	// OpStore stores selected lanes of a register tuple to memory.
	OpStore

	// OpFlushStores makes all pending stores visible before the next
	// instruction executes.
	OpFlushStores

	// OpAddImm64 adds a signed immediate to a 64-bit register pair.
	OpAddImm64

	// OpSyncAdd64 atomically adds a 64-bit register value to memory,
	// optionally deferred until a scoreboard condition is met.
	OpSyncAdd64

	// OpWaitSlots waits until the scoreboard slots in a mask are idle.
	OpWaitSlots

	// OpMatch dispatches one of a bounded set of instruction blocks
	// selected by a runtime register value.
	OpMatch

	// OpRunCompute launches compute work using the current compute
	// shader-resource registers.
	OpRunCompute
)

// opNames maps Op values to their string representation.
var opNames = [...]string{
	OpMoveImm32:   "MoveImm32",
	OpMoveImm64:   "MoveImm64",
	OpLoad:        "Load",
	OpStore:       "Store",
	OpFlushStores: "FlushStores",
	OpAddImm64:    "AddImm64",
	OpSyncAdd64:   "SyncAdd64",
	OpWaitSlots:   "WaitSlots",
	OpMatch:       "Match",
	OpRunCompute:  "RunCompute",
}

// String returns the string representation of an Op.
func (o Op) String() string {
	if int(o) < len(opNames) {
		return opNames[o]
	}
	return fmt.Sprintf("Op(%d)", uint8(o))
}

// Instr is a single command-stream instruction.
// Implementations are small value types; a stream is a slice of them.
type Instr interface {
	// Op returns the instruction's operation code.
	Op() Op
}

// Axis selects the task-distribution axis of a compute launch.
type Axis uint8

// Task axes. Tasks walk the workgroup grid along the selected axis.
const (
	TaskAxisX Axis = iota
	TaskAxisY
	TaskAxisZ
)

// String returns the string representation of an Axis.
func (a Axis) String() string {
	switch a {
	case TaskAxisX:
		return "X"
	case TaskAxisY:
		return "Y"
	case TaskAxisZ:
		return "Z"
	default:
		return fmt.Sprintf("Axis(%d)", uint8(a))
	}
}

// SyncScope is the visibility scope of a synchronization operation.
type SyncScope uint8

const (
	// ScopeCSG makes the operation visible to the owning command-stream
	// group (all subqueues of one queue group).
	ScopeCSG SyncScope = iota

	// ScopeSystem makes the operation visible to the whole system,
	// including the host.
	ScopeSystem
)

// String returns the string representation of a SyncScope.
func (s SyncScope) String() string {
	switch s {
	case ScopeCSG:
		return "CSG"
	case ScopeSystem:
		return "System"
	default:
		return fmt.Sprintf("SyncScope(%d)", uint8(s))
	}
}

// ResSel selects which shader-resource register sets a compute launch
// consumes. Four 8-bit selectors packed into one word.
type ResSel uint32

// ShaderResSel packs the four shader-resource selectors (resource table,
// push uniforms, program descriptor, local storage) into a ResSel.
func ShaderResSel(srt, fau, spd, tsd uint8) ResSel {
	return ResSel(uint32(srt) | uint32(fau)<<8 | uint32(spd)<<16 | uint32(tsd)<<24)
}

// --------------------------------------------------------------------------
// Scoreboard slots
// --------------------------------------------------------------------------

// Scoreboard slot assignments. Slot 0 collects deferred sync signals,
// slot 1 collects deferred flushes, and the remaining slots are cycled
// through by successive launch iterations.
const (
	// SBIDDeferredSync is the scoreboard slot deferred sync-point
	// signals wait on.
	SBIDDeferredSync uint8 = 0

	// SBIDDeferredFlush is the scoreboard slot deferred cache flushes
	// wait on.
	SBIDDeferredFlush uint8 = 1

	// sbIterBase is the first scoreboard slot used for launch iterations.
	sbIterBase = 2

	// NumIterSlots is the number of scoreboard slots cycled through by
	// launch iterations.
	NumIterSlots = 5
)

// SBIter returns the scoreboard slot id of launch iteration i.
// i must be in [0, NumIterSlots).
func SBIter(i int) uint32 {
	if i < 0 || i >= NumIterSlots {
		panic(fmt.Sprintf("cs: iteration slot %d out of range", i))
	}
	return uint32(sbIterBase + i)
}

// SBWaitIter returns the wait mask selecting the scoreboard slot of
// launch iteration i.
func SBWaitIter(i int) uint8 {
	return uint8(1) << SBIter(i)
}

// NextIter returns the launch iteration following i, wrapping at
// NumIterSlots.
func NextIter(i int) int {
	return (i + 1) % NumIterSlots
}

// --------------------------------------------------------------------------
// Deferred execution conditions
// --------------------------------------------------------------------------

// deferMode distinguishes the ways a sync operation may be deferred.
type deferMode uint8

const (
	deferNone deferMode = iota
	deferSlots
	deferIndirect
)

// Defer describes when a deferred synchronization instruction fires.
// The zero value means "immediately".
type Defer struct {
	mode     deferMode
	waitMask uint8
	slot     uint8
}

// DeferSlots defers the operation until every scoreboard slot in waitMask
// is idle, parking it on the given collection slot meanwhile.
func DeferSlots(waitMask, slot uint8) Defer {
	return Defer{mode: deferSlots, waitMask: waitMask, slot: slot}
}

// DeferIndirect defers the operation until all work issued before it on
// the same stream has completed. Only available on hardware that reports
// indirect-deferred sync support.
func DeferIndirect() Defer {
	return Defer{mode: deferIndirect}
}

// IsImmediate reports whether the operation fires without deferral.
func (d Defer) IsImmediate() bool { return d.mode == deferNone }

// IsIndirect reports whether the operation uses the indirect deferral
// encoding.
func (d Defer) IsIndirect() bool { return d.mode == deferIndirect }

// WaitMask returns the scoreboard wait mask for slot-deferred operations,
// or 0 for immediate and indirect deferrals.
func (d Defer) WaitMask() uint8 { return d.waitMask }

// Slot returns the collection slot for slot-deferred operations.
func (d Defer) Slot() uint8 { return d.slot }

// String returns the string representation of a Defer.
func (d Defer) String() string {
	switch d.mode {
	case deferNone:
		return "immediate"
	case deferSlots:
		return fmt.Sprintf("defer(wait=%#02x, slot=%d)", d.waitMask, d.slot)
	case deferIndirect:
		return "defer(indirect)"
	default:
		return fmt.Sprintf("defer(%d)", d.mode)
	}
}

// --------------------------------------------------------------------------
// Instructions
// --------------------------------------------------------------------------

// MoveImm32 moves a 32-bit immediate into a register.
type MoveImm32 struct {
	// Dst is the destination register (one lane).
	Dst Index
	// Value is the immediate value.
	Value uint32
}

// Op implements Instr.
func (MoveImm32) Op() Op { return OpMoveImm32 }

// MoveImm64 moves a 64-bit immediate into a register pair.
type MoveImm64 struct {
	// Dst is the destination register pair (two lanes).
	Dst Index
	// Value is the immediate value.
	Value uint64
}

// Op implements Instr.
func (MoveImm64) Op() Op { return OpMoveImm64 }

// Load loads selected lanes of a register tuple from memory.
// Lane i of Dst is loaded from Base+Offset+4*i when bit i of Mask is set.
type Load struct {
	// Dst is the destination register tuple.
	Dst Index
	// Base is the register pair holding the base address.
	Base Index
	// Mask selects which lanes of Dst are loaded.
	Mask uint16
	// Offset is the byte offset added to the base address.
	Offset int32
}

// Op implements Instr.
func (Load) Op() Op { return OpLoad }

// Store stores selected lanes of a register tuple to memory.
// Lane i of Src is stored to Base+Offset+4*i when bit i of Mask is set.
// Stores are posted: they become visible after the next FlushStores.
type Store struct {
	// Src is the source register tuple.
	Src Index
	// Base is the register pair holding the base address.
	Base Index
	// Mask selects which lanes of Src are stored.
	Mask uint16
	// Offset is the byte offset added to the base address.
	Offset int32
}

// Op implements Instr.
func (Store) Op() Op { return OpStore }

// FlushStores makes all pending stores visible.
type FlushStores struct{}

// Op implements Instr.
func (FlushStores) Op() Op { return OpFlushStores }

// AddImm64 adds a signed immediate to a 64-bit register pair.
type AddImm64 struct {
	// Dst is the destination register pair.
	Dst Index
	// Src is the source register pair.
	Src Index
	// Value is the signed immediate added to Src.
	Value int64
}

// Op implements Instr.
func (AddImm64) Op() Op { return OpAddImm64 }

// SyncAdd64 atomically adds a 64-bit register value to the memory pointed
// to by Addr, optionally deferred until a scoreboard condition holds.
// This is the primitive sync-point increments are built from.
type SyncAdd64 struct {
	// Value is the register pair holding the addend.
	Value Index
	// Addr is the register pair holding the target address.
	Addr Index
	// Scope is the visibility scope of the add.
	Scope SyncScope
	// Defer is the deferral condition. The add must not become visible
	// before every memory effect the condition covers.
	Defer Defer
	// PropagateError requests that a faulted stream poison the sync
	// object's error word instead of silently incrementing it.
	PropagateError bool
}

// Op implements Instr.
func (SyncAdd64) Op() Op { return OpSyncAdd64 }

// WaitSlots stalls the stream until every scoreboard slot in Mask is idle.
type WaitSlots struct {
	// Mask selects the scoreboard slots to wait on.
	Mask uint8
}

// Op implements Instr.
func (WaitSlots) Op() Op { return OpWaitSlots }

// MatchCase is one arm of a Match instruction.
type MatchCase struct {
	// Value is the register value selecting this arm.
	Value uint32
	// Body is the instruction block executed when the arm is selected.
	Body []Instr
}

// Match dispatches one of a bounded set of instruction blocks selected by
// the runtime value of a register. Arms are evaluated in order; at most
// one arm executes. There is no default arm: an unmatched value falls
// through.
type Match struct {
	// Value is the register whose value selects the arm.
	Value Index
	// Scratch is the register clobbered by the comparison.
	Scratch Index
	// Cases are the match arms.
	Cases []MatchCase
}

// Op implements Instr.
func (Match) Op() Op { return OpMatch }

// RunCompute launches compute work using the current compute
// shader-resource registers. Tasks walk the workgroup grid along
// TaskAxis, TaskIncrement workgroups at a time; the hardware clamps the
// increment to the job size along that axis.
type RunCompute struct {
	// Scratch is the register tuple the launch may clobber.
	Scratch Index
	// TaskIncrement is the number of workgroups per task along TaskAxis.
	TaskIncrement uint32
	// TaskAxis is the task-distribution axis.
	TaskAxis Axis
	// ResSel selects the shader-resource register sets consumed.
	ResSel ResSel
}

// Op implements Instr.
func (RunCompute) Op() Op { return OpRunCompute }
