package regalloc

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/raymyers/ralph-lsra/pkg/ir"
)

func expectAssertion(t *testing.T, fn func()) {
	t.Helper()
	defer func() {
		t.Helper()
		r := recover()
		err, ok := r.(error)
		var assertion *AssertionError
		if !ok || !errors.As(err, &assertion) {
			t.Errorf("recovered %v, want *AssertionError", r)
		}
	}()
	fn()
}

func newTestInterval(ranges ...LiveRange) *LiveInterval {
	var a arena
	iv := a.newInterval(ir.NamedLocal("x", ir.I64))
	for _, r := range ranges {
		iv.AddRange(r.Start, r.End)
	}
	return iv
}

func TestAddRangeMerges(t *testing.T) {
	iv := newTestInterval()
	iv.AddRange(10, 12)
	iv.AddRange(2, 4)
	iv.AddRange(4, 6)
	if diff := cmp.Diff([]LiveRange{{2, 6}, {10, 12}}, iv.Ranges()); diff != "" {
		t.Errorf("ranges (-want +got):\n%s", diff)
	}

	iv.AddRange(14, 16)
	iv.AddRange(5, 11)
	if diff := cmp.Diff([]LiveRange{{2, 12}, {14, 16}}, iv.Ranges()); diff != "" {
		t.Errorf("ranges (-want +got):\n%s", diff)
	}

	iv.AddRange(0, 1)
	if iv.Start() != 0 || iv.End() != 16 {
		t.Errorf("bounds = [%d,%d)", iv.Start(), iv.End())
	}

	expectAssertion(t, func() { iv.AddRange(4, 4) })
}

func TestSetStart(t *testing.T) {
	iv := newTestInterval(LiveRange{4, 12})
	iv.SetStart(8)
	if diff := cmp.Diff([]LiveRange{{8, 12}}, iv.Ranges()); diff != "" {
		t.Errorf("trimmed ranges (-want +got):\n%s", diff)
	}

	// a definition nobody reads
	iv.SetStart(2)
	if diff := cmp.Diff([]LiveRange{{2, 3}, {8, 12}}, iv.Ranges()); diff != "" {
		t.Errorf("dead definition ranges (-want +got):\n%s", diff)
	}

	empty := newTestInterval()
	empty.SetStart(6)
	if diff := cmp.Diff([]LiveRange{{6, 7}}, empty.Ranges()); diff != "" {
		t.Errorf("ranges of empty interval (-want +got):\n%s", diff)
	}
}

func TestUsePositionsStaySorted(t *testing.T) {
	iv := newTestInterval(LiveRange{0, 20})
	for _, p := range []int{12, 4, 16, 4, 0} {
		iv.AddUsePosition(p)
	}
	if diff := cmp.Diff([]int{0, 4, 12, 16}, iv.UsePositions()); diff != "" {
		t.Errorf("uses (-want +got):\n%s", diff)
	}
	if got := iv.NextUseAfter(5); got != 12 {
		t.Errorf("NextUseAfter(5) = %d", got)
	}
	if got := iv.NextUseAfter(12); got != 12 {
		t.Errorf("NextUseAfter(12) = %d", got)
	}
	if got := iv.NextUseAfter(17); got != none {
		t.Errorf("NextUseAfter(17) = %d", got)
	}
	if got := iv.FirstUse(); got != 0 {
		t.Errorf("FirstUse = %d", got)
	}
}

func TestOverlaps(t *testing.T) {
	iv := newTestInterval(LiveRange{2, 6}, LiveRange{10, 14})
	for pos, want := range map[int]bool{1: false, 2: true, 5: true, 6: false, 9: false, 10: true, 14: false} {
		if got := iv.Overlaps(pos); got != want {
			t.Errorf("Overlaps(%d) = %v", pos, got)
		}
	}

	tests := []struct {
		other []LiveRange
		want  int
	}{
		{[]LiveRange{{6, 10}}, none},
		{[]LiveRange{{0, 2}, {6, 8}, {14, 20}}, none},
		{[]LiveRange{{5, 8}}, 5},
		{[]LiveRange{{0, 1}, {7, 12}}, 10},
		{[]LiveRange{{0, 30}}, 2},
	}
	for _, tt := range tests {
		other := newTestInterval(tt.other...)
		if got := iv.NextOverlap(other); got != tt.want {
			t.Errorf("NextOverlap(%v) = %d, want %d", tt.other, got, tt.want)
		}
		if got := other.NextOverlap(iv); got != tt.want {
			t.Errorf("symmetric NextOverlap(%v) = %d, want %d", tt.other, got, tt.want)
		}
		if iv.OverlapsInterval(other) != (tt.want != none) {
			t.Errorf("OverlapsInterval(%v) disagrees with NextOverlap", tt.other)
		}
	}
}

func TestSplitPartitionsRangesAndUses(t *testing.T) {
	tests := []struct {
		name       string
		at         int
		wantParent []LiveRange
		wantChild  []LiveRange
		parentUses []int
		childUses  []int
	}{
		{
			name:       "inside a range",
			at:         7,
			wantParent: []LiveRange{{0, 7}},
			wantChild:  []LiveRange{{7, 10}, {14, 20}},
			parentUses: []int{0, 6},
			childUses:  []int{8, 14, 18},
		},
		{
			name:       "in a hole",
			at:         11,
			wantParent: []LiveRange{{0, 10}},
			wantChild:  []LiveRange{{14, 20}},
			parentUses: []int{0, 6, 8},
			childUses:  []int{14, 18},
		},
		{
			name:       "at a range start",
			at:         14,
			wantParent: []LiveRange{{0, 10}},
			wantChild:  []LiveRange{{14, 20}},
			parentUses: []int{0, 6, 8},
			childUses:  []int{14, 18},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			iv := newTestInterval(LiveRange{0, 10}, LiveRange{14, 20})
			for _, u := range []int{0, 6, 8, 14, 18} {
				iv.AddUsePosition(u)
			}

			child := iv.Split(tt.at)

			if diff := cmp.Diff(tt.wantParent, iv.Ranges()); diff != "" {
				t.Errorf("parent ranges (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.wantChild, child.Ranges()); diff != "" {
				t.Errorf("child ranges (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.parentUses, iv.UsePositions()); diff != "" {
				t.Errorf("parent uses (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.childUses, child.UsePositions()); diff != "" {
				t.Errorf("child uses (-want +got):\n%s", diff)
			}
			if iv.End() > tt.at || child.Start() < tt.at {
				t.Errorf("parent ends at %d and child starts at %d around %d", iv.End(), child.Start(), tt.at)
			}
			if child.Local() != iv.Local() || child.root() != iv {
				t.Errorf("child is not in the family of %s", iv)
			}
		})
	}
}

func TestSplitFamilyOrder(t *testing.T) {
	root := newTestInterval(LiveRange{0, 40})
	for _, u := range []int{0, 10, 20, 30, 38} {
		root.AddUsePosition(u)
	}

	third := root.Split(25)
	second := root.Split(9)
	fourth := third.Split(35)

	if !root.IsSplit() || !fourth.IsSplit() {
		t.Fatalf("family not marked as split")
	}
	want := []*LiveInterval{second, third, fourth}
	got := root.SplitChildren()
	if len(got) != len(want) {
		t.Fatalf("got %d children, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("child %d = %s, want %s", i, got[i], want[i])
		}
	}
	for _, member := range got {
		if member.root() != root {
			t.Errorf("%s has root %s", member, member.root())
		}
	}

	for pos, want := range map[int]*LiveInterval{0: root, 8: root, 9: second, 24: second, 25: third, 36: fourth, 40: nil} {
		if got := third.GetSplitChild(pos); got != want {
			t.Errorf("GetSplitChild(%d) = %v, want %v", pos, got, want)
		}
	}
}

func TestSplitOutsideIntervalAsserts(t *testing.T) {
	iv := newTestInterval(LiveRange{4, 12})
	expectAssertion(t, func() { iv.Split(4) })
	expectAssertion(t, func() { iv.Split(12) })

	var a arena
	fixed := a.newFixed(3)
	fixed.AddRange(0, 8)
	expectAssertion(t, func() { fixed.Split(3) })
	expectAssertion(t, func() { fixed.Spill(0) })
}

func TestSpillReusesSiblingSlot(t *testing.T) {
	root := newTestInterval(LiveRange{0, 30})
	middle := root.Split(9)
	tail := middle.Split(19)

	if middle.TrySpillWithSiblingOffset() {
		t.Fatalf("spilled without a spilled sibling")
	}
	root.register = 2
	root.Spill(16)
	if root.HasRegister() || root.Register() != none {
		t.Errorf("spilled interval kept register %d", root.Register())
	}
	if !tail.TrySpillWithSiblingOffset() || tail.SpillOffset() != 16 {
		t.Errorf("tail spilled to %d, want the root's slot 16", tail.SpillOffset())
	}
}

func TestJoinAndFind(t *testing.T) {
	var a arena
	x := a.newInterval(ir.NamedLocal("x", ir.I64))
	y := a.newInterval(ir.NamedLocal("y", ir.I64))
	z := a.newInterval(ir.NamedLocal("z", ir.I64))
	x.AddRange(0, 4)
	x.AddUsePosition(0)
	y.AddRange(4, 8)
	y.AddUsePosition(4)
	z.AddRange(8, 12)
	z.AddUsePosition(8)

	x.Join(y)
	x.Join(z)

	for _, iv := range []*LiveInterval{x, y, z} {
		if a.find(iv) != x {
			t.Errorf("find(%s) = %s", iv.name(), a.find(iv).name())
		}
	}
	if diff := cmp.Diff([]LiveRange{{0, 12}}, x.Ranges()); diff != "" {
		t.Errorf("joined ranges (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{0, 4, 8}, x.UsePositions()); diff != "" {
		t.Errorf("joined uses (-want +got):\n%s", diff)
	}

	w := a.newInterval(ir.NamedLocal("w", ir.I64))
	w.AddRange(2, 6)
	expectAssertion(t, func() { x.Join(w) })
}

func TestFindCompressesPaths(t *testing.T) {
	var a arena
	chain := make([]*LiveInterval, 4)
	for i := range chain {
		chain[i] = a.newInterval(nil)
	}
	for i := 1; i < len(chain); i++ {
		chain[i].rep = chain[i-1].id
	}

	if a.find(chain[3]) != chain[0] {
		t.Fatalf("find did not reach the root")
	}
	for i := 1; i < len(chain); i++ {
		if chain[i].rep != chain[0].id {
			t.Errorf("interval %d points to %d after find", i, chain[i].rep)
		}
	}
}

func TestIntervalString(t *testing.T) {
	iv := newTestInterval(LiveRange{0, 4}, LiveRange{8, 10})
	iv.register = 3
	if got := iv.String(); got != "x [0,4) [8,10) -> r3" {
		t.Errorf("String() = %q", got)
	}
	iv.Spill(24)
	if got := iv.String(); got != "x [0,4) [8,10) -> stack#24" {
		t.Errorf("String() = %q", got)
	}
}
