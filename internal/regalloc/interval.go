// Package regalloc implements linear-scan register allocation over the LIR:
// live-interval construction with use positions, a walk with splitting and
// spilling, control-flow resolution moves and precise reference maps at
// safepoints.
package regalloc

import (
	"fmt"
	"math"
	"strings"

	"github.com/vela-vm/vela/internal/operand"
)

// None is the reserved sentinel interval/register/slot index.
const None int32 = -1

// maxPos is an operation id beyond any real position.
const maxPos = math.MaxInt32

// UseKind orders the register requirements of a use position by strictly
// ascending priority.
type UseKind uint8

const (
	UseNone UseKind = iota
	UseLoopEnd
	UseShouldHaveRegister
	UseMustHaveRegister
)

func (k UseKind) String() string {
	switch k {
	case UseLoopEnd:
		return "loopEnd"
	case UseShouldHaveRegister:
		return "should"
	case UseMustHaveRegister:
		return "must"
	default:
		return "none"
	}
}

// UsePos is one (position, kind) pair of an interval.
type UsePos struct {
	Pos  int
	Kind UseKind
}

// lRange is a half-open [From, To) span of operation ids.
type lRange struct {
	From int
	To   int
}

// State tracks where an interval currently sits during the walk.
type State uint8

const (
	StateInvalid State = iota
	StateUnhandled
	StateActive
	StateInactive
	StateHandled
)

// SpillState is the spill-store optimization automaton of a split parent.
type SpillState uint8

const (
	SpillNoDefinitionFound SpillState = iota
	SpillOneDefinitionFound
	SpillOneMoveInserted
	SpillStoreAtDefinition
	SpillStartInMemory
	SpillNoOptimization
)

// Interval is the lifetime of one virtual (or fixed physical) register: a
// sorted list of disjoint ranges plus use positions. Intervals live in the
// allocator's arena and refer to each other by index.
type Interval struct {
	num  int32 // arena index
	reg  int32 // operand register number
	kind operand.Kind

	fixed bool

	ranges []lRange
	// uses are sorted by strictly descending position.
	uses []UsePos

	assigned     int32 // physical register, None when in memory
	assignedHigh int32 // optional high half for paired kinds
	hint         int32 // interval index whose register we prefer

	spillState SpillState
	spillSlot  int32 // canonical spill slot, owned by the split parent

	parent   int32   // None for a split parent
	children []int32 // split children, move-to-front search order

	state    State
	curRange int // walk cursor into ranges
}

func (it *Interval) isSplitParent() bool { return it.parent == None }

// From returns the start of the first range.
func (it *Interval) From() int {
	return it.ranges[0].From
}

// To returns the end of the last range.
func (it *Interval) To() int {
	return it.ranges[len(it.ranges)-1].To
}

// Covers reports whether pos falls inside one of the ranges.
func (it *Interval) Covers(pos int) bool {
	for _, r := range it.ranges {
		if r.From > pos {
			return false
		}
		if pos < r.To {
			return true
		}
	}
	return false
}

// addRangeFront prepends [from, to), joining it with the first range when
// they overlap or touch. Intervals are built back to front, so the new range
// never starts after the current first one.
func (it *Interval) addRangeFront(from, to int) {
	if len(it.ranges) == 0 {
		it.ranges = []lRange{{From: from, To: to}}
		return
	}
	first := &it.ranges[0]
	if to >= first.From {
		if from < first.From {
			first.From = from
		}
		if to > first.To {
			first.To = to
		}
		return
	}
	it.ranges = append(it.ranges, lRange{})
	copy(it.ranges[1:], it.ranges)
	it.ranges[0] = lRange{From: from, To: to}
}

// shortenFirstRange moves the start of the first range to from, used at
// definitions.
func (it *Interval) shortenFirstRange(from int) {
	it.ranges[0].From = from
}

// addUse records a use position; positions arrive in descending order.
func (it *Interval) addUse(pos int, kind UseKind) {
	if n := len(it.uses); n > 0 && it.uses[n-1].Pos == pos {
		if kind > it.uses[n-1].Kind {
			it.uses[n-1].Kind = kind
		}
		return
	}
	it.uses = append(it.uses, UsePos{Pos: pos, Kind: kind})
}

// NextUseAfter returns the position of the first real use at or after pos,
// or maxPos.
func (it *Interval) NextUseAfter(pos int) int {
	best := maxPos
	for i := len(it.uses) - 1; i >= 0; i-- {
		u := it.uses[i]
		if u.Pos < pos {
			continue
		}
		if u.Kind <= UseLoopEnd {
			continue
		}
		if u.Pos < best {
			best = u.Pos
		}
		break
	}
	return best
}

// NextMustHaveAfter returns the first mustHaveRegister use at or after pos,
// or maxPos.
func (it *Interval) NextMustHaveAfter(pos int) int {
	best := maxPos
	for i := len(it.uses) - 1; i >= 0; i-- {
		u := it.uses[i]
		if u.Pos >= pos && u.Kind == UseMustHaveRegister {
			if u.Pos < best {
				best = u.Pos
			}
		}
	}
	return best
}

// FirstUse returns the earliest real use position, or maxPos.
func (it *Interval) FirstUse() int {
	return it.NextUseAfter(0)
}

// IntersectionWith returns the earliest position covered by both intervals,
// or maxPos.
func (it *Interval) IntersectionWith(o *Interval) int {
	i, j := 0, 0
	for i < len(it.ranges) && j < len(o.ranges) {
		a, b := it.ranges[i], o.ranges[j]
		switch {
		case a.To <= b.From:
			i++
		case b.To <= a.From:
			j++
		default:
			if a.From > b.From {
				return a.From
			}
			return b.From
		}
	}
	return maxPos
}

func (it *Interval) String() string {
	var b strings.Builder
	if it.fixed {
		fmt.Fprintf(&b, "fixed r%d", it.reg)
	} else {
		fmt.Fprintf(&b, "v%d", it.reg)
	}
	for _, r := range it.ranges {
		fmt.Fprintf(&b, " [%d,%d)", r.From, r.To)
	}
	for i := len(it.uses) - 1; i >= 0; i-- {
		fmt.Fprintf(&b, " u%d/%s", it.uses[i].Pos, it.uses[i].Kind)
	}
	if it.assigned != None {
		fmt.Fprintf(&b, " ->r%d", it.assigned)
	}
	if it.spillSlot != None {
		fmt.Fprintf(&b, " slot%d", it.spillSlot)
	}
	return b.String()
}

// newInterval appends a fresh interval to the arena.
func (a *Allocator) newInterval(reg int32, kind operand.Kind, fixed bool) *Interval {
	it := &Interval{
		num:          int32(len(a.intervals)),
		reg:          reg,
		kind:         kind,
		fixed:        fixed,
		assigned:     None,
		assignedHigh: None,
		hint:         None,
		spillSlot:    None,
		parent:       None,
	}
	a.intervals = append(a.intervals, it)
	return it
}

func (a *Allocator) at(num int32) *Interval {
	return a.intervals[num]
}

// parentOf returns the split parent of it.
func (a *Allocator) parentOf(it *Interval) *Interval {
	if it.parent == None {
		return it
	}
	return a.at(it.parent)
}

// splitAt divides it at pos: the original keeps everything before pos, the
// returned child owns ranges and uses at or after it. The child joins the
// parent's flat child list and shares the canonical spill slot.
func (a *Allocator) splitAt(it *Interval, pos int) *Interval {
	if pos <= it.From() || pos >= it.To() {
		panic(fmt.Sprintf("regalloc: split of %v at %d outside (%d,%d)", it, pos, it.From(), it.To()))
	}
	child := a.newInterval(it.reg, it.kind, false)
	parent := a.parentOf(it)
	child.parent = parent.num
	parent.children = append(parent.children, child.num)

	// Divide the ranges.
	cut := 0
	for cut < len(it.ranges) && it.ranges[cut].To <= pos {
		cut++
	}
	if cut < len(it.ranges) && it.ranges[cut].From < pos {
		// pos falls inside this range; split it in two.
		r := it.ranges[cut]
		child.ranges = append(child.ranges, lRange{From: pos, To: r.To})
		child.ranges = append(child.ranges, it.ranges[cut+1:]...)
		it.ranges = it.ranges[:cut+1]
		it.ranges[cut].To = pos
	} else {
		child.ranges = append(child.ranges, it.ranges[cut:]...)
		it.ranges = it.ranges[:cut]
	}

	// Divide the uses (stored descending: the child takes the front part).
	split := len(it.uses)
	for split > 0 && it.uses[split-1].Pos < pos {
		split--
	}
	child.uses = append(child.uses, it.uses[:split]...)
	it.uses = it.uses[split:]

	child.state = StateUnhandled
	return child
}

// childCovering finds the split child (or parent) of root covering pos,
// moving a child hit to the front of the search list. Returns nil when no
// child covers pos.
func (a *Allocator) childCovering(root *Interval, pos int) *Interval {
	if root.Covers(pos) {
		return root
	}
	for i, c := range root.children {
		child := a.at(c)
		if child.Covers(pos) {
			if i > 0 {
				copy(root.children[1:], root.children[:i])
				root.children[0] = c
			}
			return child
		}
	}
	return nil
}

// childAtOrBefore finds the child holding the value just before or at pos:
// the child with the greatest From <= pos whose range list has begun.
func (a *Allocator) childAtOrBefore(root *Interval, pos int) *Interval {
	if c := a.childCovering(root, pos); c != nil {
		return c
	}
	var best *Interval
	consider := func(it *Interval) {
		if it.From() <= pos && (best == nil || it.From() > best.From()) {
			best = it
		}
	}
	consider(root)
	for _, c := range root.children {
		consider(a.at(c))
	}
	return best
}

// canonicalSpillSlot returns the shared spill slot of the interval's split
// family, allocating it on first request.
func (a *Allocator) canonicalSpillSlot(it *Interval) int32 {
	parent := a.parentOf(it)
	if parent.spillSlot == None {
		parent.spillSlot = a.frameMap.AllocSpillSlot()
	}
	return parent.spillSlot
}
