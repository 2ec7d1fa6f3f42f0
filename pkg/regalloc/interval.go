package regalloc

import (
	"fmt"
	"sort"
	"strings"

	"github.com/raymyers/ralph-lsra/pkg/ir"
)

const none = -1

// LiveRange is the half-open position interval [Start, End)
type LiveRange struct {
	Start, End int
}

func (r LiveRange) contains(position int) bool {
	return r.Start <= position && position < r.End
}

func (r LiveRange) String() string {
	return fmt.Sprintf("[%d,%d)", r.Start, r.End)
}

// arena owns every interval of one allocation. Intervals link to each other
// through arena indices: split children form a chain ordered by start position
// and coalesced intervals form a union-find forest.
type arena struct {
	intervals []*LiveInterval
}

func (a *arena) newInterval(local *ir.Operand) *LiveInterval {
	iv := &LiveInterval{
		arena:       a,
		id:          len(a.intervals),
		local:       local,
		register:    none,
		spillOffset: none,
		parent:      none,
		prev:        none,
		next:        none,
	}
	iv.rep = iv.id
	a.intervals = append(a.intervals, iv)
	return iv
}

func (a *arena) newFixed(register int) *LiveInterval {
	iv := a.newInterval(nil)
	iv.fixed = true
	iv.register = register
	return iv
}

// find returns the representative of the coalescing class of iv
func (a *arena) find(iv *LiveInterval) *LiveInterval {
	root := iv
	for root.rep != root.id {
		root = a.intervals[root.rep]
	}
	for iv.rep != root.id {
		next := a.intervals[iv.rep]
		iv.rep = root.id
		iv = next
	}
	return root
}

// LiveInterval is the set of positions where one value is live, with the
// positions where it is read or written. An interval is either fixed (a
// physical register) or belongs to a local. Splitting produces children that
// keep the parent's local and cover disjoint later parts of its lifetime.
type LiveInterval struct {
	arena *arena
	id    int
	local *ir.Operand

	ranges []LiveRange
	uses   []int

	fixed       bool
	register    int
	spillOffset int

	// parent is the split root, none for the root itself
	parent     int
	prev, next int

	rep int
}

// Local returns the local the interval belongs to, nil for fixed intervals
func (iv *LiveInterval) Local() *ir.Operand { return iv.local }

// Ranges returns the live ranges in ascending order
func (iv *LiveInterval) Ranges() []LiveRange { return iv.ranges }

// UsePositions returns the positions of the operations reading or writing the value
func (iv *LiveInterval) UsePositions() []int { return iv.uses }

func (iv *LiveInterval) IsEmpty() bool   { return len(iv.ranges) == 0 }
func (iv *LiveInterval) IsFixed() bool   { return iv.fixed }
func (iv *LiveInterval) IsSpilled() bool { return iv.spillOffset != none }
func (iv *LiveInterval) UsesCount() int  { return len(iv.uses) }

// HasRegister reports whether a register is assigned and the interval is not spilled
func (iv *LiveInterval) HasRegister() bool {
	return iv.register != none && !iv.IsSpilled()
}

func (iv *LiveInterval) Register() int    { return iv.register }
func (iv *LiveInterval) SpillOffset() int { return iv.spillOffset }

func (iv *LiveInterval) Start() int {
	assert(!iv.IsEmpty(), "start of empty interval %s", iv)
	return iv.ranges[0].Start
}

func (iv *LiveInterval) End() int {
	assert(!iv.IsEmpty(), "end of empty interval %s", iv)
	return iv.ranges[len(iv.ranges)-1].End
}

// AddRange makes the value live on [start, end), merging with touching ranges
func (iv *LiveInterval) AddRange(start, end int) {
	assert(start < end, "invalid range [%d,%d)", start, end)
	k := sort.Search(len(iv.ranges), func(j int) bool { return iv.ranges[j].End >= start })
	j := k
	for j < len(iv.ranges) && iv.ranges[j].Start <= end {
		start = min(start, iv.ranges[j].Start)
		end = max(end, iv.ranges[j].End)
		j++
	}
	merged := make([]LiveRange, 0, len(iv.ranges)-(j-k)+1)
	merged = append(merged, iv.ranges[:k]...)
	merged = append(merged, LiveRange{start, end})
	merged = append(merged, iv.ranges[j:]...)
	iv.ranges = merged
}

// SetStart trims the first range so the value becomes live at position. A
// definition ahead of every range is dead and occupies its own slot.
func (iv *LiveInterval) SetStart(position int) {
	if iv.IsEmpty() || position < iv.ranges[0].Start {
		iv.AddRange(position, position+1)
		return
	}
	iv.ranges[0].Start = position
}

func (iv *LiveInterval) AddUsePosition(position int) {
	k := sort.SearchInts(iv.uses, position)
	if k < len(iv.uses) && iv.uses[k] == position {
		return
	}
	iv.uses = append(iv.uses, 0)
	copy(iv.uses[k+1:], iv.uses[k:])
	iv.uses[k] = position
}

// Overlaps reports whether position lies in one of the ranges
func (iv *LiveInterval) Overlaps(position int) bool {
	k := sort.Search(len(iv.ranges), func(j int) bool { return iv.ranges[j].End > position })
	return k < len(iv.ranges) && iv.ranges[k].contains(position)
}

// OverlapsInterval reports whether both intervals are live at some position
func (iv *LiveInterval) OverlapsInterval(other *LiveInterval) bool {
	return iv.NextOverlap(other) != none
}

// NextOverlap returns the first position where both intervals are live, or -1
func (iv *LiveInterval) NextOverlap(other *LiveInterval) int {
	a, b := 0, 0
	for a < len(iv.ranges) && b < len(other.ranges) {
		r1, r2 := iv.ranges[a], other.ranges[b]
		if r1.Start < r2.End && r2.Start < r1.End {
			return max(r1.Start, r2.Start)
		}
		if r1.End <= r2.Start {
			a++
		} else {
			b++
		}
	}
	return none
}

// NextUseAfter returns the first use position at or after position, or -1
func (iv *LiveInterval) NextUseAfter(position int) int {
	k := sort.SearchInts(iv.uses, position)
	if k == len(iv.uses) {
		return none
	}
	return iv.uses[k]
}

// FirstUse returns the first use position, or -1 when the interval has no uses
func (iv *LiveInterval) FirstUse() int {
	if len(iv.uses) == 0 {
		return none
	}
	return iv.uses[0]
}

// Split cuts the interval at position. Ranges and uses at or after position move
// to a new child that is linked right after iv in its family.
func (iv *LiveInterval) Split(position int) *LiveInterval {
	assert(!iv.fixed, "split of fixed interval %s", iv)
	assert(position > iv.Start() && position < iv.End(), "split of %s at %d", iv, position)

	child := iv.arena.newInterval(iv.local)

	k := sort.Search(len(iv.ranges), func(j int) bool { return iv.ranges[j].End > position })
	if iv.ranges[k].Start < position {
		child.ranges = make([]LiveRange, 0, len(iv.ranges)-k)
		child.ranges = append(child.ranges, LiveRange{position, iv.ranges[k].End})
		child.ranges = append(child.ranges, iv.ranges[k+1:]...)
		iv.ranges[k].End = position
		iv.ranges = iv.ranges[:k+1]
	} else {
		child.ranges = append([]LiveRange(nil), iv.ranges[k:]...)
		iv.ranges = iv.ranges[:k]
	}

	u := sort.SearchInts(iv.uses, position)
	child.uses = append([]int(nil), iv.uses[u:]...)
	iv.uses = iv.uses[:u]

	child.parent = iv.root().id
	child.prev = iv.id
	child.next = iv.next
	if iv.next != none {
		iv.arena.intervals[iv.next].prev = child.id
	}
	iv.next = child.id
	return child
}

func (iv *LiveInterval) root() *LiveInterval {
	if iv.parent == none {
		return iv
	}
	return iv.arena.intervals[iv.parent]
}

// IsSplit reports whether the family of iv has more than one member
func (iv *LiveInterval) IsSplit() bool {
	return iv.root().next != none
}

// SplitChildren returns the members of the family after the root, ordered by start
func (iv *LiveInterval) SplitChildren() []*LiveInterval {
	var children []*LiveInterval
	for id := iv.root().next; id != none; id = iv.arena.intervals[id].next {
		children = append(children, iv.arena.intervals[id])
	}
	return children
}

// family returns the root followed by its split children
func (iv *LiveInterval) family() []*LiveInterval {
	return append([]*LiveInterval{iv.root()}, iv.SplitChildren()...)
}

// GetSplitChild returns the family member live at position, or nil
func (iv *LiveInterval) GetSplitChild(position int) *LiveInterval {
	for _, member := range iv.family() {
		if member.Overlaps(position) {
			return member
		}
	}
	return nil
}

// Spill marks the interval as living in the stack slot at offset
func (iv *LiveInterval) Spill(offset int) {
	assert(!iv.fixed, "spill of fixed interval %s", iv)
	iv.spillOffset = offset
	iv.register = none
}

// TrySpillWithSiblingOffset reuses the slot of an already spilled family member
func (iv *LiveInterval) TrySpillWithSiblingOffset() bool {
	for _, member := range iv.family() {
		if member != iv && member.IsSpilled() {
			iv.Spill(member.spillOffset)
			return true
		}
	}
	return false
}

// Join merges other into the class of iv. Both must be unsplit roots that do not
// overlap; iv becomes the representative.
func (iv *LiveInterval) Join(other *LiveInterval) {
	assert(!iv.fixed && !other.fixed, "join of fixed intervals")
	assert(!iv.OverlapsInterval(other), "join of overlapping intervals %s and %s", iv, other)
	for _, r := range other.ranges {
		iv.AddRange(r.Start, r.End)
	}
	for _, u := range other.uses {
		iv.AddUsePosition(u)
	}
	other.rep = iv.id
}

func (iv *LiveInterval) name() string {
	if iv.fixed {
		return fmt.Sprintf("r%d", iv.register)
	}
	if iv.local != nil && iv.local.Name != "" {
		return iv.local.Name
	}
	return fmt.Sprintf("v%d", iv.root().id)
}

func (iv *LiveInterval) String() string {
	var sb strings.Builder
	sb.WriteString(iv.name())
	for _, r := range iv.ranges {
		sb.WriteByte(' ')
		sb.WriteString(r.String())
	}
	switch {
	case iv.IsSpilled():
		fmt.Fprintf(&sb, " -> stack#%d", iv.spillOffset)
	case iv.register != none && !iv.fixed:
		fmt.Fprintf(&sb, " -> r%d", iv.register)
	}
	return sb.String()
}
