package cs

// Stream is a finished, immutable instruction sequence ready for
// submission. Streams are produced by [Builder.Finish].
type Stream struct {
	instrs []Instr
}

// Len returns the number of top-level instructions in the stream.
func (s Stream) Len() int { return len(s.instrs) }

// IsEmpty reports whether the stream contains no instructions.
func (s Stream) IsEmpty() bool { return len(s.instrs) == 0 }

// At returns the i-th top-level instruction.
func (s Stream) At(i int) Instr { return s.instrs[i] }

// Instructions returns the top-level instructions of the stream.
// The returned slice must not be modified.
func (s Stream) Instructions() []Instr { return s.instrs }

// Count returns the number of top-level instructions with the given op.
// Match arm bodies are not descended into; use [Stream.Flatten] for a
// deep view.
func (s Stream) Count(op Op) int {
	n := 0
	for _, in := range s.instrs {
		if in.Op() == op {
			n++
		}
	}
	return n
}

// Flatten returns the instructions of the stream with every match arm
// body spliced in after its Match instruction, in declaration order.
// Useful for asserting on instructions regardless of nesting.
func (s Stream) Flatten() []Instr {
	out := make([]Instr, 0, len(s.instrs))
	var walk func(instrs []Instr)
	walk = func(instrs []Instr) {
		for _, in := range instrs {
			out = append(out, in)
			if m, ok := in.(Match); ok {
				for _, c := range m.Cases {
					walk(c.Body)
				}
			}
		}
	}
	walk(s.instrs)
	return out
}

// CountDeep returns the number of instructions with the given op,
// descending into match arm bodies.
func (s Stream) CountDeep(op Op) int {
	n := 0
	for _, in := range s.Flatten() {
		if in.Op() == op {
			n++
		}
	}
	return n
}
