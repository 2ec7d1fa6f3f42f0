// Package regalloc implements a linear scan register allocator with interval
// splitting. It maps the locals of an ir.ControlFlowGraph onto the integer
// registers described by ir.RegisterMasks, spilling to stack slots when the
// registers run out and inserting the moves that keep every value in its
// assigned location.
package regalloc

import (
	"io"
	"math"
	"slices"
	"sort"

	"github.com/bits-and-blooms/bitset"
	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/zap"

	"github.com/raymyers/ralph-lsra/pkg/ir"
)

// InstructionGap is the distance between the positions of consecutive
// operations. Each operation owns an even position; the odd position after it
// is where moves between split intervals are placed.
const (
	InstructionGap     = 2
	instructionGapMask = InstructionGap - 1
)

// StackAllocator hands out spill slots
type StackAllocator interface {
	// Allocate reserves a slot for a value of type t and returns its offset
	Allocate(t ir.Type) int
}

// Option configures a LinearScan
type Option func(*LinearScan)

// WithLogger sets the logger used for allocation decisions
func WithLogger(log *zap.Logger) Option {
	return func(s *LinearScan) { s.log = log }
}

// WithCopyCoalescing makes the allocator merge the intervals of a local and the
// local it is copied from when their lifetimes do not overlap.
func WithCopyCoalescing(enabled bool) Option {
	return func(s *LinearScan) { s.coalesce = enabled }
}

// WithLivenessDump writes the per-block live sets to w before allocation
func WithLivenessDump(w io.Writer) Option {
	return func(s *LinearScan) { s.livenessDump = w }
}

// WithIntervalDump writes the final intervals and their locations to w
func WithIntervalDump(w io.Writer) Option {
	return func(s *LinearScan) { s.intervalDump = w }
}

// LinearScan allocates registers for one function at a time. It keeps no state
// between calls.
type LinearScan struct {
	log          *zap.Logger
	coalesce     bool
	livenessDump io.Writer
	intervalDump io.Writer
}

// New creates an allocator
func New(opts ...Option) *LinearScan {
	s := &LinearScan{log: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type operationNode struct {
	block *ir.Block
	op    *ir.Operation
}

// allocation is the state of a single Allocate call
type allocation struct {
	log   *zap.Logger
	cfg   *ir.ControlFlowGraph
	masks ir.RegisterMasks
	stack StackAllocator

	arena     arena
	numbering *numbering
	liveness  *Liveness

	// parents holds the root interval of every value, indexed by value id
	parents []*LiveInterval
	// intervals is the scan list: fixed intervals first, then the rest sorted by start
	intervals []*LiveInterval

	operationNodes []operationNode
	blockRanges    []LiveRange
	blockEdges     mapset.Set[int]
	padding        mapset.Set[*ir.Operation]

	active, inactive *bitset.BitSet
	scratchSlot      int
	report           Report
}

// Allocate assigns a register or a spill slot to every local of cfg and rewrites
// the operations to use physical registers. Spill slots come from stack. The
// function is left untouched when an error is returned.
func (s *LinearScan) Allocate(cfg *ir.ControlFlowGraph, masks ir.RegisterMasks, stack StackAllocator) (Report, error) {
	a, err := s.allocate(cfg, masks, stack)
	if err != nil {
		return Report{}, err
	}
	return a.report, nil
}

func (s *LinearScan) allocate(cfg *ir.ControlFlowGraph, masks ir.RegisterMasks, stack StackAllocator) (*allocation, error) {
	if err := validate(cfg, masks); err != nil {
		return nil, err
	}

	a := &allocation{
		log:         s.log,
		cfg:         cfg,
		masks:       masks,
		stack:       stack,
		numbering:   newNumbering(masks.RegistersCount),
		blockEdges:  mapset.NewThreadUnsafeSet[int](),
		padding:     mapset.NewThreadUnsafeSet[*ir.Operation](),
		scratchSlot: none,
	}

	a.padEmptyBlocks()
	a.numberLocals()
	a.liveness = computeLiveness(cfg, a.numbering)
	if s.livenessDump != nil {
		printLiveness(s.livenessDump, cfg, a.liveness, a.numbering)
	}
	a.buildIntervals()
	if s.coalesce {
		a.report.CoalescedCopies = a.coalesceCopies()
	}

	a.allocateIntervals()
	a.assignLocations()
	a.insertSplitCopies()
	a.insertSplitCopiesAtEdges()
	a.removeRedundantOperations()

	a.summarize()
	if s.intervalDump != nil {
		printIntervals(s.intervalDump, a)
	}
	a.log.Debug("allocation done",
		zap.Int("intervals", a.report.Intervals),
		zap.Int("split", a.report.SplitIntervals),
		zap.Int("spilled", a.report.SpilledIntervals),
		zap.Int("moves", a.report.Moves),
		zap.Ints("used", a.report.UsedRegisterList()))
	return a, nil
}

// padEmptyBlocks gives every empty block a nop so that it owns a position
func (a *allocation) padEmptyBlocks() {
	for _, block := range a.cfg.PostOrderBlocks {
		if len(block.Operations) == 0 {
			nop := ir.NewOperation(ir.Nop, nil)
			block.Append(nop)
			a.padding.Add(nop)
		}
	}
}

func (a *allocation) numberLocals() {
	for _, block := range a.cfg.ReversePostOrder() {
		for _, op := range block.Operations {
			a.operationNodes = append(a.operationNodes, operationNode{block: block, op: op})
			if op.Dest != nil && op.Dest.Kind == ir.LocalVariable {
				a.numbering.define(op.Dest)
			}
		}
	}

	for r := 0; r < a.masks.RegistersCount; r++ {
		a.parents = append(a.parents, a.arena.newFixed(r))
	}
	for _, local := range a.numbering.locals {
		a.parents = append(a.parents, a.arena.newInterval(local))
	}
}

func (a *allocation) buildIntervals() {
	a.blockRanges = make([]LiveRange, len(a.cfg.Blocks))
	operationPos := len(a.operationNodes) * InstructionGap

	for _, block := range a.cfg.PostOrderBlocks {
		blockEnd := operationPos
		blockStart := blockEnd - len(block.Operations)*InstructionGap
		a.blockRanges[block.Index] = LiveRange{blockStart, blockEnd}
		a.blockEdges.Add(blockStart)

		forEachSet(a.liveness.Out[block.Index], func(id int) {
			a.parents[id].AddRange(blockStart, blockEnd)
		})

		for i := len(block.Operations) - 1; i >= 0; i-- {
			op := block.Operations[i]
			operationPos -= InstructionGap

			if op.Dest.IsLocalOrRegister() {
				dest := a.parents[a.numbering.id(op.Dest)]
				dest.SetStart(operationPos)
				dest.AddUsePosition(operationPos)
				if dest.IsFixed() {
					a.report.UsedRegisters |= 1 << uint(dest.register)
				}
			}

			// A value read by the first operation of a block still covers
			// that position so the edge moves can find it.
			end := max(operationPos, blockStart+1)
			forEachSourceValue(op, func(src *ir.Operand) {
				iv := a.parents[a.numbering.id(src)]
				iv.AddRange(blockStart, end)
				iv.AddUsePosition(operationPos)
			})
		}
	}

	a.intervals = append([]*LiveInterval(nil), a.parents...)
	n := a.masks.RegistersCount
	sort.SliceStable(a.intervals[n:], func(i, j int) bool {
		return a.intervals[n+i].Start() < a.intervals[n+j].Start()
	})
}

func (a *allocation) get(index int) *LiveInterval {
	return a.arena.find(a.intervals[index])
}

// allocateIntervals walks the scan list in start order giving each interval a
// register or a spill slot.
func (a *allocation) allocateIntervals() {
	a.active = bitset.New(uint(len(a.intervals)))
	a.inactive = bitset.New(uint(len(a.intervals)))

	n := a.masks.RegistersCount
	for index := 0; index < n; index++ {
		if !a.intervals[index].IsEmpty() {
			a.active.Set(uint(index))
		}
	}

	for index := n; index < len(a.intervals); index++ {
		current := a.get(index)
		if current.HasRegister() || current.IsSpilled() {
			continue
		}
		a.allocateInterval(current, index)
	}
}

func (a *allocation) allocateInterval(current *LiveInterval, cIndex int) {
	start := current.Start()

	forEachSet(a.active, func(i int) {
		iv := a.get(i)
		if iv.End() <= start {
			a.active.Clear(uint(i))
		} else if !iv.Overlaps(start) {
			a.active.Clear(uint(i))
			a.inactive.Set(uint(i))
		}
	})
	forEachSet(a.inactive, func(i int) {
		iv := a.get(i)
		if iv.End() <= start {
			a.inactive.Clear(uint(i))
		} else if iv.Overlaps(start) {
			a.inactive.Clear(uint(i))
			a.active.Set(uint(i))
		}
	})

	if a.log.Core().Enabled(zap.DebugLevel) {
		free := a.masks.IntAvailableRegisters
		forEachSet(a.active, func(i int) { free &^= 1 << uint(a.get(i).register) })
		forEachSet(a.inactive, func(i int) {
			if iv := a.get(i); iv.OverlapsInterval(current) {
				free &^= 1 << uint(iv.register)
			}
		})
		a.log.Debug("allocating", zap.Stringer("interval", current), zap.Uint64("free", free))
	}

	if !a.tryAllocateRegWithoutSpill(current, cIndex) {
		a.allocateRegWithSpill(current, cIndex)
	}
}

func (a *allocation) assign(current *LiveInterval, register, cIndex int) {
	current.register = register
	a.report.UsedRegisters |= 1 << uint(register)
	a.active.Set(uint(cIndex))
	a.log.Debug("assigned", zap.Stringer("interval", current))
}

func (a *allocation) tryAllocateRegWithoutSpill(current *LiveInterval, cIndex int) bool {
	freePositions := make([]int, a.masks.RegistersCount)
	for r := range freePositions {
		if a.masks.IsAvailable(r) {
			freePositions[r] = math.MaxInt
		}
	}
	forEachSet(a.active, func(i int) {
		freePositions[a.get(i).register] = 0
	})
	forEachSet(a.inactive, func(i int) {
		iv := a.get(i)
		if overlap := iv.NextOverlap(current); overlap != none && overlap < freePositions[iv.register] {
			freePositions[iv.register] = overlap
		}
	})

	selected := highestValueIndex(freePositions)
	selectedNextUse := freePositions[selected]

	// Nothing to gain if the register becomes busy before the interval can be
	// split after its start.
	if splitPosition(selectedNextUse) <= current.Start() {
		return false
	}

	if selectedNextUse < current.End() {
		splitChild := current.Split(splitPosition(selectedNextUse))
		if splitChild.UsesCount() != 0 {
			assert(splitChild.Start() > current.Start(), "split child %s starts before %s", splitChild, current)
			a.insertInterval(splitChild)
		} else {
			a.spill(splitChild)
		}
	}

	a.assign(current, selected, cIndex)
	return true
}

func (a *allocation) allocateRegWithSpill(current *LiveInterval, cIndex int) {
	n := a.masks.RegistersCount
	start := current.Start()

	usePositions := make([]int, n)
	blockedPositions := make([]int, n)
	for r := 0; r < n; r++ {
		if a.masks.IsAvailable(r) {
			usePositions[r] = math.MaxInt
			blockedPositions[r] = math.MaxInt
		}
	}
	setUsePosition := func(r, position int) {
		usePositions[r] = min(usePositions[r], position)
	}
	setBlockedPosition := func(r, position int) {
		blockedPositions[r] = min(blockedPositions[r], position)
		setUsePosition(r, position)
	}

	forEachSet(a.active, func(i int) {
		iv := a.get(i)
		if iv.IsFixed() {
			setBlockedPosition(iv.register, 0)
			return
		}
		switch next := iv.NextUseAfter(start); {
		case next == start:
			// read by the operation that starts current
			setUsePosition(iv.register, 0)
		case next != none:
			setUsePosition(iv.register, next)
		}
	})
	forEachSet(a.inactive, func(i int) {
		iv := a.get(i)
		overlap := iv.NextOverlap(current)
		if overlap == none {
			return
		}
		if iv.IsFixed() {
			setBlockedPosition(iv.register, overlap)
		} else if next := iv.NextUseAfter(start); next != none {
			setUsePosition(iv.register, next)
		}
	})

	selected := highestValueIndex(usePositions)
	currentFirstUse := current.FirstUse()
	assert(currentFirstUse != none, "interval %s has no uses", current)

	switch {
	case usePositions[selected] < currentFirstUse:
		// Every register is needed before current is, so current goes to the
		// stack up to its first use.
		splitChild := current.Split(splitPosition(currentFirstUse))
		assert(splitChild.Start() > current.Start(), "split child %s starts before %s", splitChild, current)
		a.insertInterval(splitChild)
		a.spill(current)
	case blockedPositions[selected] > current.End():
		a.assign(current, selected, cIndex)
		a.splitAndSpillOverlappingIntervals(current)
	default:
		splitChild := current.Split(splitPosition(blockedPositions[selected]))
		if splitChild.UsesCount() != 0 {
			assert(splitChild.Start() > current.Start(), "split child %s starts before %s", splitChild, current)
			a.insertInterval(splitChild)
		} else {
			a.spill(splitChild)
		}
		a.assign(current, selected, cIndex)
		a.splitAndSpillOverlappingIntervals(current)
	}
}

// splitAndSpillOverlappingIntervals evicts every non-fixed interval holding the
// register of current where it overlaps current.
func (a *allocation) splitAndSpillOverlappingIntervals(current *LiveInterval) {
	forEachSet(a.active, func(i int) {
		iv := a.get(i)
		if !iv.IsFixed() && iv != current && iv.register == current.register {
			a.splitAndSpillOverlappingInterval(current, iv)
			a.active.Clear(uint(i))
		}
	})
	forEachSet(a.inactive, func(i int) {
		iv := a.get(i)
		if !iv.IsFixed() && iv.register == current.register && iv.OverlapsInterval(current) {
			a.splitAndSpillOverlappingInterval(current, iv)
			a.inactive.Clear(uint(i))
		}
	})
}

func (a *allocation) splitAndSpillOverlappingInterval(current, interval *LiveInterval) {
	nextUse := interval.NextUseAfter(current.Start())

	splitChild := interval
	if pos := splitPosition(current.Start()); pos > interval.Start() {
		splitChild = interval.Split(pos)
	}

	if nextUse == none {
		a.spill(splitChild)
		return
	}
	assert(nextUse > current.Start(), "interval %s used at the start of %s", interval, current)

	if pos := splitPosition(nextUse); pos > splitChild.Start() {
		right := splitChild.Split(pos)
		a.spill(splitChild)
		assert(right.Start() > current.Start(), "split child %s starts before %s", right, current)
		a.insertInterval(right)
		return
	}

	assert(splitChild != interval && splitChild.Start() > current.Start(),
		"interval %s cannot be moved after %s", interval, current)
	a.insertInterval(splitChild)
}

func (a *allocation) spill(iv *LiveInterval) {
	assert(!iv.IsFixed(), "spill of fixed interval %s", iv)
	assert(iv.UsesCount() == 0, "spill of interval %s with uses", iv)
	if !iv.TrySpillWithSiblingOffset() {
		iv.Spill(a.stack.Allocate(iv.local.Type))
	}
	a.log.Debug("spilled", zap.Stringer("interval", iv))
}

// insertInterval queues iv in the unhandled part of the scan list, after every
// interval starting at or before it.
func (a *allocation) insertInterval(iv *LiveInterval) {
	assert(iv.UsesCount() != 0, "queued interval %s has no uses", iv)
	assert(!iv.IsEmpty() && !iv.IsSpilled() && iv.register == none, "queued interval %s is not free", iv)

	n := a.masks.RegistersCount
	start := iv.Start()
	k := n + sort.Search(len(a.intervals)-n, func(j int) bool {
		return a.intervals[n+j].Start() > start
	})
	a.intervals = slices.Insert(a.intervals, k, iv)
}

// assignLocations rewrites every local operand with the register of the family
// member that owns the use.
func (a *allocation) assignLocations() {
	visited := mapset.NewThreadUnsafeSet[int]()
	for _, entry := range a.intervals[a.masks.RegistersCount:] {
		iv := a.arena.find(entry)
		if !visited.Add(iv.id) || iv.IsSpilled() {
			continue
		}
		a.replaceLocalWithRegister(iv)
	}
}

func (a *allocation) replaceLocalWithRegister(iv *LiveInterval) {
	root := iv.root()
	owned := func(op *ir.Operand) bool {
		return op != nil && op.Kind == ir.LocalVariable &&
			a.arena.find(a.parents[a.numbering.id(op)]) == root
	}
	physical := func(op *ir.Operand) *ir.Operand {
		return ir.PhysicalRegister(iv.register, ir.RegisterTypeInteger, op.Type)
	}

	for _, pos := range iv.uses {
		op := a.operationNodes[pos/InstructionGap].op
		for i := 0; i < op.SourcesCount(); i++ {
			src := op.GetSource(i)
			switch {
			case owned(src):
				op.SetSource(i, physical(src))
			case src.IsMemory():
				mem := src
				if owned(mem.Base) {
					mem = mem.WithBase(physical(mem.Base))
				}
				if owned(mem.Index) {
					mem = mem.WithIndex(physical(mem.Index))
				}
				if mem != src {
					op.SetSource(i, mem)
				}
			}
		}
		if owned(op.Dest) {
			op.Dest = physical(op.Dest)
		}
	}
}

func (a *allocation) scratchLocation() location {
	if a.masks.ScratchRegister >= 0 {
		return regLocation(a.masks.ScratchRegister)
	}
	if a.scratchSlot == none {
		a.scratchSlot = a.stack.Allocate(ir.I64)
	}
	return stackLocation(a.scratchSlot)
}

// removeRedundantOperations drops copies between identical registers and the
// nops added to empty blocks.
func (a *allocation) removeRedundantOperations() {
	for _, block := range a.cfg.Blocks {
		block.Remove(func(op *ir.Operation) bool {
			return op.IsSelfCopy() || a.padding.Contains(op)
		})
	}
}

func (a *allocation) summarize() {
	for _, iv := range a.arena.intervals {
		if iv.fixed {
			continue
		}
		if iv.parent == none && iv.rep == iv.id {
			a.report.Intervals++
			if iv.IsSplit() {
				a.report.SplitIntervals++
			}
		}
		if iv.IsSpilled() {
			a.report.SpilledIntervals++
		}
	}
}

// splitPosition returns the gap position at or before position
func splitPosition(position int) int {
	if position&instructionGapMask == 0 {
		return position - 1
	}
	return position
}

// highestValueIndex returns the index of the largest value, the lowest index on ties
func highestValueIndex(values []int) int {
	best := 0
	if values[0] == math.MaxInt {
		return best
	}
	for i := 1; i < len(values); i++ {
		if values[i] > values[best] {
			best = i
			if values[i] == math.MaxInt {
				break
			}
		}
	}
	return best
}
