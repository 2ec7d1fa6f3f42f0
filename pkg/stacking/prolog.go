package stacking

import (
	"errors"
	"fmt"

	"github.com/raymyers/ralph-lsra/pkg/ir"
)

// ErrNoReturnRegister indicates that a value returned in a callee-saved
// register has no free caller-saved register to move to before the restore
var ErrNoReturnRegister = errors.New("no caller-saved register for return value")

func savedRegister(reg int) *ir.Operand {
	return ir.PhysicalRegister(reg, ir.RegisterTypeInteger, ir.I64)
}

// GeneratePrologue stores every callee-saved register in its save slot
func GeneratePrologue(calleeSave *CalleeSaveInfo) []*ir.Operation {
	prologue := make([]*ir.Operation, 0, len(calleeSave.Regs))
	for i, reg := range calleeSave.Regs {
		prologue = append(prologue, ir.NewSpill(calleeSave.SaveOffsets[i], savedRegister(reg)))
	}
	return prologue
}

// GenerateEpilogue reloads the callee-saved registers in reverse order
func GenerateEpilogue(calleeSave *CalleeSaveInfo) []*ir.Operation {
	epilogue := make([]*ir.Operation, 0, len(calleeSave.Regs))
	for i := len(calleeSave.Regs) - 1; i >= 0; i-- {
		epilogue = append(epilogue, ir.NewFill(savedRegister(calleeSave.Regs[i]), calleeSave.SaveOffsets[i]))
	}
	return epilogue
}

// InsertPrologueEpilogue places the prologue at function entry and an epilogue
// ahead of every ret. An entry block that is also a loop header gets a fresh
// entry block so the prologue runs once.
func InsertPrologueEpilogue(cfg *ir.ControlFlowGraph, calleeSave *CalleeSaveInfo, masks ir.RegisterMasks) error {
	if len(calleeSave.Regs) == 0 {
		return nil
	}

	for _, block := range cfg.Blocks {
		n := len(block.Operations)
		if n == 0 || block.Operations[n-1].Inst != ir.Return {
			continue
		}
		moves, err := moveReturnValues(block.Operations[n-1], calleeSave, masks)
		if err != nil {
			return fmt.Errorf("block %s: %w", block, err)
		}
		block.AppendBeforeTerminator(moves...)
		block.AppendBeforeTerminator(GenerateEpilogue(calleeSave)...)
	}

	entry := cfg.Entry
	if len(entry.Predecessors) != 0 {
		entry = cfg.NewBlock("prologue")
		entry.Append(ir.NewOperation(ir.Branch, nil))
		entry.AddSuccessor(cfg.Entry)
		cfg.Entry = entry
		cfg.Update()
	}
	entry.Prepend(GeneratePrologue(calleeSave)...)
	return nil
}

// moveReturnValues rewrites ret to read the registers the epilogue restores
// from caller-saved copies and returns those copies. Each restored register is
// moved to the lowest allocatable caller-saved register ret does not read.
func moveReturnValues(ret *ir.Operation, calleeSave *CalleeSaveInfo, masks ir.RegisterMasks) ([]*ir.Operation, error) {
	var restored, read uint64
	for _, reg := range calleeSave.Regs {
		restored |= 1 << uint(reg)
	}
	forEachRegister(ret, func(reg *ir.Operand) *ir.Operand {
		read |= 1 << uint(reg.Reg.Index)
		return reg
	})
	if read&restored == 0 {
		return nil, nil
	}

	var moves []*ir.Operation
	replaced := make(map[int]int)
	taken := read
	var err error
	forEachRegister(ret, func(reg *ir.Operand) *ir.Operand {
		if restored&(1<<uint(reg.Reg.Index)) == 0 || err != nil {
			return reg
		}
		target, ok := replaced[reg.Reg.Index]
		if !ok {
			target = -1
			for r := 0; r < masks.RegistersCount; r++ {
				if masks.IsAvailable(r) && !IsCalleeSaved(r, masks) && taken&(1<<uint(r)) == 0 {
					target = r
					break
				}
			}
			if target < 0 {
				err = fmt.Errorf("%w: %s", ErrNoReturnRegister, reg)
				return reg
			}
			taken |= 1 << uint(target)
			replaced[reg.Reg.Index] = target
			moves = append(moves, ir.NewCopy(ir.PhysicalRegister(target, reg.Reg.Type, reg.Type), reg))
		}
		return ir.PhysicalRegister(target, reg.Reg.Type, reg.Type)
	})
	if err != nil {
		return nil, err
	}
	return moves, nil
}

// forEachRegister calls fn on every register ret reads, directly or as a
// memory base or index, and stores the operand fn returns in its place.
func forEachRegister(ret *ir.Operation, fn func(*ir.Operand) *ir.Operand) {
	for i := 0; i < ret.SourcesCount(); i++ {
		src := ret.GetSource(i)
		switch {
		case src.Kind == ir.Register:
			ret.SetSource(i, fn(src))
		case src.IsMemory():
			if src.Base != nil && src.Base.Kind == ir.Register {
				src = src.WithBase(fn(src.Base))
			}
			if src.Index != nil && src.Index.Kind == ir.Register {
				src = src.WithIndex(fn(src.Index))
			}
			ret.SetSource(i, src)
		}
	}
}
