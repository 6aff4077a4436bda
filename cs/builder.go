package cs

import "log/slog"

// Builder emits typed instructions into one append-only stream.
//
// A builder is created open, accepts instructions until [Builder.Finish]
// is called, and then rejects further emission. Emitting into a finished
// builder is a programming error and panics.
//
// Builder is NOT safe for concurrent use: each stream has a single
// writer.
type Builder struct {
	instrs []Instr
	done   bool
}

// NewBuilder creates an open builder with a small pre-allocated stream.
func NewBuilder() *Builder {
	return &Builder{instrs: make([]Instr, 0, 64)}
}

// emit appends one instruction to the stream.
func (b *Builder) emit(i Instr) {
	if b.done {
		panic("cs: emit on finished builder")
	}
	b.instrs = append(b.instrs, i)
}

// Len returns the number of instructions emitted so far.
// Nested match arms count as one instruction.
func (b *Builder) Len() int { return len(b.instrs) }

// Finish closes the builder and returns the emitted stream.
func (b *Builder) Finish() Stream {
	if b.done {
		panic("cs: builder finished twice")
	}
	b.done = true
	return Stream{instrs: b.instrs}
}

// MoveImm32 moves a 32-bit immediate into dst.
func (b *Builder) MoveImm32(dst Index, v uint32) {
	b.emit(MoveImm32{Dst: dst, Value: v})
}

// MoveImm64 moves a 64-bit immediate into the register pair dst.
func (b *Builder) MoveImm64(dst Index, v uint64) {
	b.emit(MoveImm64{Dst: dst, Value: v})
}

// LoadTo loads the lanes of dst selected by mask from base+offset.
func (b *Builder) LoadTo(dst, base Index, mask uint16, offset int32) {
	b.emit(Load{Dst: dst, Base: base, Mask: mask, Offset: offset})
}

// Load32To loads the single 32-bit register dst from base+offset.
func (b *Builder) Load32To(dst, base Index, offset int32) {
	b.LoadTo(dst, base, 0b1, offset)
}

// Load64To loads the 64-bit register pair dst from base+offset.
func (b *Builder) Load64To(dst, base Index, offset int32) {
	b.LoadTo(dst, base, 0b11, offset)
}

// StoreTo stores the lanes of src selected by mask to base+offset.
// The store is posted; call FlushStores before depending on it.
func (b *Builder) StoreTo(src, base Index, mask uint16, offset int32) {
	b.emit(Store{Src: src, Base: base, Mask: mask, Offset: offset})
}

// Store32 stores the single 32-bit register src to base+offset.
func (b *Builder) Store32(src, base Index, offset int32) {
	b.StoreTo(src, base, 0b1, offset)
}

// Store64 stores the 64-bit register pair src to base+offset.
func (b *Builder) Store64(src, base Index, offset int32) {
	b.StoreTo(src, base, 0b11, offset)
}

// FlushStores makes all pending stores visible.
func (b *Builder) FlushStores() {
	b.emit(FlushStores{})
}

// AddImm64 sets dst to src plus a signed immediate.
func (b *Builder) AddImm64(dst, src Index, v int64) {
	b.emit(AddImm64{Dst: dst, Src: src, Value: v})
}

// SyncAdd64 atomically adds the value register pair to the memory pointed
// to by addr, under the given scope and deferral condition.
func (b *Builder) SyncAdd64(propagateError bool, scope SyncScope, value, addr Index, d Defer) {
	b.emit(SyncAdd64{
		Value:          value,
		Addr:           addr,
		Scope:          scope,
		Defer:          d,
		PropagateError: propagateError,
	})
}

// WaitSlots stalls the stream until every scoreboard slot in mask is idle.
func (b *Builder) WaitSlots(mask uint8) {
	b.emit(WaitSlots{Mask: mask})
}

// RunCompute launches compute work with the given task increment and axis.
func (b *Builder) RunCompute(scratch Index, taskIncrement uint32, axis Axis, res ResSel) {
	b.emit(RunCompute{
		Scratch:       scratch,
		TaskIncrement: taskIncrement,
		TaskAxis:      axis,
		ResSel:        res,
	})
}

// Match emits a case dispatch over the runtime value of the value
// register. The arms are declared inside fn; cmp is clobbered by the
// comparison. At most NumIterSlots arms may be declared.
func (b *Builder) Match(value, cmp Index, fn func(*MatchBuilder)) {
	m := &MatchBuilder{}
	fn(m)
	b.emit(Match{Value: value, Scratch: cmp, Cases: m.cases})
}

// MatchBuilder collects the arms of a Match instruction.
type MatchBuilder struct {
	cases []MatchCase
}

// Case declares one match arm. The arm body is emitted into a nested
// builder passed to fn.
func (m *MatchBuilder) Case(value uint32, fn func(*Builder)) {
	if len(m.cases) >= NumIterSlots {
		panic("cs: too many match arms")
	}
	sub := NewBuilder()
	fn(sub)
	m.cases = append(m.cases, MatchCase{Value: value, Body: sub.Finish().instrs})
}

// --------------------------------------------------------------------------
// Tracing
// --------------------------------------------------------------------------

// TraceContext carries the logger and identifying attributes used to
// trace instruction emission for one subqueue.
type TraceContext struct {
	logger *slog.Logger
}

// NewTraceContext creates a trace context logging through l with the
// given subqueue name attached. A nil logger disables tracing.
func NewTraceContext(l *slog.Logger, subqueue string) *TraceContext {
	if l == nil {
		return &TraceContext{}
	}
	return &TraceContext{logger: l.With(slog.String("subqueue", subqueue))}
}

// TraceRunCompute emits a RunCompute instruction, logging the launch
// parameters when tracing is enabled.
func (b *Builder) TraceRunCompute(tc *TraceContext, scratch Index, taskIncrement uint32, axis Axis, res ResSel) {
	if tc != nil && tc.logger != nil {
		tc.logger.Debug("run_compute",
			slog.Uint64("task_increment", uint64(taskIncrement)),
			slog.String("task_axis", axis.String()),
			slog.Int("stream_pos", b.Len()))
	}
	b.RunCompute(scratch, taskIncrement, axis, res)
}
