// Package ir defines the low-level intermediate representation consumed by the
// register allocator: operands, operations, basic blocks and the control flow graph.
// Operations are machine independent but already lowered to two-address friendly
// shapes; locals are an unbounded supply of virtual registers.
package ir

import "fmt"

// OperandKind tags the variant held by an Operand
type OperandKind int

const (
	Undefined OperandKind = iota
	Constant
	Register
	LocalVariable
	Memory
	Label
)

func (k OperandKind) String() string {
	switch k {
	case Constant:
		return "constant"
	case Register:
		return "register"
	case LocalVariable:
		return "local"
	case Memory:
		return "memory"
	case Label:
		return "label"
	default:
		return "undefined"
	}
}

// Type is the value type carried by an operand
type Type int

const (
	None Type = iota
	I32
	I64
	FP32
	FP64
	V128
)

// Size returns the size in bytes of a value of this type
func (t Type) Size() int {
	switch t {
	case I32, FP32:
		return 4
	case I64, FP64:
		return 8
	case V128:
		return 16
	default:
		return 8
	}
}

func (t Type) String() string {
	switch t {
	case I32:
		return "i32"
	case I64:
		return "i64"
	case FP32:
		return "f32"
	case FP64:
		return "f64"
	case V128:
		return "v128"
	default:
		return "none"
	}
}

// RegisterType is the register bank of a physical register.
// Only the integer bank is allocated.
type RegisterType int

const (
	RegisterTypeInteger RegisterType = iota
	RegisterTypeVector
)

// Reg names a physical register
type Reg struct {
	Index int
	Type  RegisterType
}

// Operand is a tagged variant. Locals are compared by identity (pointer), every
// other kind by value through Equal.
type Operand struct {
	Kind OperandKind
	Type Type

	// Value holds the constant for Constant, the register for Register
	// and the label id for Label.
	Value int64
	Reg   Reg

	// Name is a debugging name for locals
	Name string

	// Memory operand components
	Base         *Operand
	Index        *Operand
	Scale        int
	Displacement int32
}

// Local creates a fresh virtual register
func Local(t Type) *Operand {
	return &Operand{Kind: LocalVariable, Type: t}
}

// NamedLocal creates a fresh virtual register with a debugging name
func NamedLocal(name string, t Type) *Operand {
	return &Operand{Kind: LocalVariable, Type: t, Name: name}
}

// Const creates an integer constant operand
func Const(value int64, t Type) *Operand {
	return &Operand{Kind: Constant, Type: t, Value: value}
}

// PhysicalRegister creates an operand naming a physical register
func PhysicalRegister(index int, regType RegisterType, t Type) *Operand {
	return &Operand{Kind: Register, Type: t, Reg: Reg{Index: index, Type: regType}}
}

// MemoryOperand creates a memory reference [base + index*scale + displacement].
// index may be nil.
func MemoryOperand(t Type, base, index *Operand, scale int, displacement int32) *Operand {
	if scale == 0 {
		scale = 1
	}
	return &Operand{
		Kind:         Memory,
		Type:         t,
		Base:         base,
		Index:        index,
		Scale:        scale,
		Displacement: displacement,
	}
}

// LabelOperand creates a label reference
func LabelOperand(id int) *Operand {
	return &Operand{Kind: Label, Value: int64(id)}
}

// IsMemory reports whether the operand is a memory reference with base/index sub-operands
func (o *Operand) IsMemory() bool {
	return o != nil && o.Kind == Memory
}

// IsLocalOrRegister reports whether the operand takes part in liveness
func (o *Operand) IsLocalOrRegister() bool {
	return o != nil && (o.Kind == LocalVariable || o.Kind == Register)
}

// Equal compares two operands. Locals are equal only to themselves.
func (o *Operand) Equal(other *Operand) bool {
	if o == other {
		return true
	}
	if o == nil || other == nil || o.Kind != other.Kind {
		return false
	}
	switch o.Kind {
	case LocalVariable:
		return false
	case Register:
		return o.Reg == other.Reg
	case Constant, Label:
		return o.Value == other.Value && o.Type == other.Type
	case Memory:
		return o.Base.Equal(other.Base) && o.Index.Equal(other.Index) &&
			o.Scale == other.Scale && o.Displacement == other.Displacement
	}
	return true
}

// WithBase returns a copy of a memory operand with its base replaced
func (o *Operand) WithBase(base *Operand) *Operand {
	c := *o
	c.Base = base
	return &c
}

// WithIndex returns a copy of a memory operand with its index replaced
func (o *Operand) WithIndex(index *Operand) *Operand {
	c := *o
	c.Index = index
	return &c
}

func (o *Operand) String() string {
	if o == nil {
		return "_"
	}
	switch o.Kind {
	case Constant:
		return fmt.Sprintf("#%d", o.Value)
	case Register:
		return fmt.Sprintf("r%d", o.Reg.Index)
	case LocalVariable:
		if o.Name != "" {
			return o.Name
		}
		return fmt.Sprintf("v@%p", o)
	case Memory:
		s := "[" + o.Base.String()
		if o.Index != nil {
			s += "+" + o.Index.String()
			if o.Scale != 1 {
				s += fmt.Sprintf("*%d", o.Scale)
			}
		}
		if o.Displacement != 0 {
			s += fmt.Sprintf("%+d", o.Displacement)
		}
		return s + "]"
	case Label:
		return fmt.Sprintf("@%d", o.Value)
	default:
		return "undef"
	}
}
