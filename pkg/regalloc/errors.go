package regalloc

import (
	"errors"
	"fmt"

	"github.com/raymyers/ralph-lsra/pkg/ir"
)

// ErrUnsupportedOperand indicates an operand shape the allocator cannot handle.
// Translation of the current function must be abandoned.
var ErrUnsupportedOperand = errors.New("unsupported operand")

// ErrStaleOrdering indicates that the CFG block orderings do not match its blocks
var ErrStaleOrdering = errors.New("stale block ordering")

// OperandError describes the offending operation of an unsupported operand shape
type OperandError struct {
	Block     *ir.Block
	Operation *ir.Operation
	Reason    string
}

func (e *OperandError) Error() string {
	return fmt.Sprintf("%v: block %s: %q: %s", ErrUnsupportedOperand, e.Block, ir.FormatOperation(e.Operation), e.Reason)
}

func (e *OperandError) Unwrap() error {
	return ErrUnsupportedOperand
}

// AssertionError is the panic value raised when an allocator invariant is broken.
// It indicates a bug in the allocator or in the IR producer and is never recovered
// inside this package.
type AssertionError struct {
	Message string
}

func (e *AssertionError) Error() string {
	return "regalloc: assertion failed: " + e.Message
}

func assert(cond bool, format string, args ...any) {
	if !cond {
		panic(&AssertionError{Message: fmt.Sprintf(format, args...)})
	}
}
