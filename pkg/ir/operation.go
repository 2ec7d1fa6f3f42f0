package ir

// Instruction is the opcode of an Operation
type Instruction int

const (
	Nop Instruction = iota
	Add
	Subtract
	Multiply
	BitwiseAnd
	BitwiseOr
	BitwiseExclusiveOr
	ShiftLeft
	ShiftRightSI
	CompareEqual
	CompareLess
	Load
	Store
	Copy
	Spill
	Fill
	Call
	Branch
	BranchIf
	Return
	Phi
)

var mnemonics = map[Instruction]string{
	Nop:                "nop",
	Add:                "add",
	Subtract:           "sub",
	Multiply:           "mul",
	BitwiseAnd:         "and",
	BitwiseOr:          "or",
	BitwiseExclusiveOr: "xor",
	ShiftLeft:          "shl",
	ShiftRightSI:       "sar",
	CompareEqual:       "cmpeq",
	CompareLess:        "cmplt",
	Load:               "load",
	Store:              "store",
	Copy:               "copy",
	Spill:              "spill",
	Fill:               "fill",
	Call:               "call",
	Branch:             "br",
	BranchIf:           "brif",
	Return:             "ret",
	Phi:                "phi",
}

func (i Instruction) String() string {
	if s, ok := mnemonics[i]; ok {
		return s
	}
	return "???"
}

// InstructionByMnemonic looks up an opcode from its printed name
func InstructionByMnemonic(s string) (Instruction, bool) {
	for inst, name := range mnemonics {
		if name == s {
			return inst, true
		}
	}
	return Nop, false
}

// Operation is a single IR node: an optional destination and an ordered list of sources.
//
// Spill and Fill address the spill area with a constant offset:
//
//	spill #offset, rN   ; stack[offset] = rN
//	rN = fill #offset   ; rN = stack[offset]
type Operation struct {
	Inst    Instruction
	Dest    *Operand
	sources []*Operand
}

// NewOperation creates an operation
func NewOperation(inst Instruction, dest *Operand, sources ...*Operand) *Operation {
	srcs := make([]*Operand, len(sources))
	copy(srcs, sources)
	return &Operation{Inst: inst, Dest: dest, sources: srcs}
}

// NewCopy creates dest = copy source
func NewCopy(dest, source *Operand) *Operation {
	return NewOperation(Copy, dest, source)
}

// NewSpill creates a store of register into the spill slot at offset
func NewSpill(offset int, register *Operand) *Operation {
	return NewOperation(Spill, nil, Const(int64(offset), I32), register)
}

// NewFill creates a load of the spill slot at offset into register
func NewFill(register *Operand, offset int) *Operation {
	return NewOperation(Fill, register, Const(int64(offset), I32))
}

// SourcesCount returns the number of source operands
func (op *Operation) SourcesCount() int { return len(op.sources) }

// GetSource returns the source operand at index
func (op *Operation) GetSource(index int) *Operand { return op.sources[index] }

// SetSource replaces the source operand at index
func (op *Operation) SetSource(index int, source *Operand) { op.sources[index] = source }

// Sources returns a copy of the source list
func (op *Operation) Sources() []*Operand {
	out := make([]*Operand, len(op.sources))
	copy(out, op.sources)
	return out
}

// IsSelfCopy reports whether op is a copy between identical registers
func (op *Operation) IsSelfCopy() bool {
	if op.Inst != Copy || len(op.sources) != 1 || op.Dest == nil {
		return false
	}
	src := op.sources[0]
	return op.Dest.Kind == Register && src.Kind == Register && op.Dest.Reg == src.Reg
}
