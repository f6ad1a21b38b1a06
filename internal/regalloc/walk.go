package regalloc

import (
	"fmt"
	"sort"
)

// walk is the main linear-scan loop: intervals move between the unhandled,
// active, inactive and handled sets as the scan position advances, and each
// unhandled interval is given a register, split, or spilled.
func (a *Allocator) walk() error {
	for _, it := range a.intervals {
		if len(it.ranges) == 0 {
			continue
		}
		if it.fixed {
			// Fixed intervals are never allocated; they sit in the
			// active/inactive sets from the start and block their
			// register wherever they intersect.
			it.assigned = it.reg
			it.state = StateInactive
			a.inactive = append(a.inactive, it.num)
			continue
		}
		it.state = StateUnhandled
		a.unhandled = append(a.unhandled, it.num)
	}
	// Sorted descending by From so the next interval pops off the end.
	sort.SliceStable(a.unhandled, func(i, j int) bool {
		return a.at(a.unhandled[i]).From() > a.at(a.unhandled[j]).From()
	})

	for len(a.unhandled) > 0 {
		cur := a.at(a.unhandled[len(a.unhandled)-1])
		a.unhandled = a.unhandled[:len(a.unhandled)-1]
		pos := cur.From()

		a.advance(pos)

		if !a.tryAllocateFree(cur) {
			if err := a.allocateBlocked(cur); err != nil {
				return err
			}
		}

		if cur.assigned != None {
			cur.state = StateActive
			a.active = append(a.active, cur.num)
		} else {
			cur.state = StateHandled
			a.handled = append(a.handled, cur.num)
		}
	}
	return nil
}

// advance retires and revives intervals for the new scan position.
func (a *Allocator) advance(pos int) {
	for i := len(a.active) - 1; i >= 0; i-- {
		it := a.at(a.active[i])
		if it.To() <= pos {
			a.active = append(a.active[:i], a.active[i+1:]...)
			it.state = StateHandled
			a.handled = append(a.handled, it.num)
		} else if !it.Covers(pos) {
			a.active = append(a.active[:i], a.active[i+1:]...)
			it.state = StateInactive
			a.inactive = append(a.inactive, it.num)
		}
	}
	for i := len(a.inactive) - 1; i >= 0; i-- {
		it := a.at(a.inactive[i])
		if it.To() <= pos {
			a.inactive = append(a.inactive[:i], a.inactive[i+1:]...)
			it.state = StateHandled
			a.handled = append(a.handled, it.num)
		} else if it.Covers(pos) {
			a.inactive = append(a.inactive[:i], a.inactive[i+1:]...)
			it.state = StateActive
			a.active = append(a.active, it.num)
		}
	}
}

// insertUnhandled enqueues a split tail, keeping the descending sort.
func (a *Allocator) insertUnhandled(it *Interval) {
	it.state = StateUnhandled
	from := it.From()
	i := sort.Search(len(a.unhandled), func(i int) bool {
		return a.at(a.unhandled[i]).From() <= from
	})
	a.unhandled = append(a.unhandled, None)
	copy(a.unhandled[i+1:], a.unhandled[i:])
	a.unhandled[i] = it.num
}

// tryAllocateFree attempts to give cur a register that is free for at least
// part of its lifetime. Returns false when every candidate is occupied at
// cur.From().
func (a *Allocator) tryAllocateFree(cur *Interval) bool {
	freeUntil := make([]int, a.cfg.NumRegs)
	for i := range freeUntil {
		freeUntil[i] = -1
	}
	for _, r := range a.allocatableFor(cur.kind) {
		freeUntil[r] = maxPos
	}

	for _, n := range a.active {
		it := a.at(n)
		if it.assigned >= 0 && freeUntil[it.assigned] >= 0 {
			freeUntil[it.assigned] = 0
		}
	}
	for _, n := range a.inactive {
		it := a.at(n)
		if it.assigned < 0 || freeUntil[it.assigned] < 0 {
			continue
		}
		if p := it.IntersectionWith(cur); p < freeUntil[it.assigned] {
			freeUntil[it.assigned] = p
		}
	}

	reg := None
	// Prefer the hint register when it is free for the whole span.
	if cur.hint != None {
		h := a.at(cur.hint)
		hr := h.assigned
		if hr == None && h.fixed {
			hr = h.reg
		}
		if hr != None && freeUntil[hr] >= cur.To() {
			reg = hr
		}
	}
	if reg == None {
		best := -1
		for _, r := range a.allocatableFor(cur.kind) {
			if freeUntil[r] > best {
				best = freeUntil[r]
				reg = int32(r)
			}
		}
	}
	if reg == None || freeUntil[reg] <= cur.From() {
		return false
	}

	if freeUntil[reg] >= cur.To() {
		cur.assigned = reg
		return true
	}

	// Register free only for the head: split and retry the tail later.
	splitPos := a.optimalSplitPos(cur.From(), freeUntil[reg])
	tail := a.splitAt(cur, splitPos)
	a.insertUnhandled(tail)
	cur.assigned = reg
	return true
}

// allocateBlocked frees a register by spilling the active/inactive interval
// whose next use is farthest away, or spills cur itself when cur's first use
// comes later than every candidate's.
func (a *Allocator) allocateBlocked(cur *Interval) error {
	usePos := make([]int, a.cfg.NumRegs)
	blockPos := make([]int, a.cfg.NumRegs)
	for i := range usePos {
		usePos[i] = -1
		blockPos[i] = -1
	}
	for _, r := range a.allocatableFor(cur.kind) {
		usePos[r] = maxPos
		blockPos[r] = maxPos
	}
	lower := func(arr []int, r int32, v int) {
		if r >= 0 && arr[r] >= 0 && v < arr[r] {
			arr[r] = v
		}
	}

	for _, n := range a.active {
		it := a.at(n)
		if it.fixed {
			lower(usePos, it.assigned, 0)
			lower(blockPos, it.assigned, 0)
		} else {
			lower(usePos, it.assigned, it.NextUseAfter(cur.From()))
		}
	}
	for _, n := range a.inactive {
		it := a.at(n)
		p := it.IntersectionWith(cur)
		if p == maxPos {
			continue
		}
		if it.fixed {
			lower(blockPos, it.assigned, p)
			lower(usePos, it.assigned, p)
		} else {
			lower(usePos, it.assigned, it.NextUseAfter(cur.From()))
		}
	}

	reg := None
	best := -1
	for _, r := range a.allocatableFor(cur.kind) {
		if usePos[r] > best {
			best = usePos[r]
			reg = int32(r)
		}
	}
	if reg == None {
		return fmt.Errorf("%w: v%d at %d (no allocatable registers)", ErrNoRegister, cur.reg, cur.From())
	}

	firstUse := cur.FirstUse()
	if best < firstUse {
		// Every register is needed sooner than cur: spill cur itself and
		// reload before its first use.
		a.canonicalSpillSlot(cur)
		if firstUse != maxPos && firstUse <= cur.To() {
			if firstUse <= cur.From() {
				return fmt.Errorf("%w: v%d must have a register at %d", ErrNoRegister, cur.reg, firstUse)
			}
			splitPos := a.splitPosBefore(cur, firstUse)
			if splitPos <= cur.From() {
				return fmt.Errorf("%w: v%d must have a register at %d", ErrNoRegister, cur.reg, firstUse)
			}
			tail := a.splitAt(cur, splitPos)
			a.insertUnhandled(tail)
		}
		cur.assigned = None
		return nil
	}

	cur.assigned = reg
	if blockPos[reg] < cur.To() {
		if blockPos[reg] <= cur.From() {
			return fmt.Errorf("%w: v%d at %d (register r%d blocked)", ErrNoRegister, cur.reg, cur.From(), reg)
		}
		// A fixed interval blocks the register later: free it in time.
		tail := a.splitAt(cur, a.optimalSplitPos(cur.From(), blockPos[reg]))
		a.insertUnhandled(tail)
	}
	return a.spillColliding(reg, cur)
}

// spillColliding splits and spills every non-fixed active/inactive interval
// currently owning reg so cur may take it.
func (a *Allocator) spillColliding(reg int32, cur *Interval) error {
	pos := cur.From()

	for i := len(a.active) - 1; i >= 0; i-- {
		it := a.at(a.active[i])
		if it.fixed || it.assigned != reg {
			continue
		}
		a.active = append(a.active[:i], a.active[i+1:]...)
		var spilled *Interval
		if it.From() == pos {
			spilled = it
			spilled.assigned = None
		} else {
			spilled = a.splitAt(it, pos)
			it.state = StateHandled
			a.handled = append(a.handled, it.num)
		}
		if err := a.spillAndReload(spilled, pos); err != nil {
			return err
		}
	}

	for i := len(a.inactive) - 1; i >= 0; i-- {
		it := a.at(a.inactive[i])
		if it.fixed || it.assigned != reg {
			continue
		}
		p := it.IntersectionWith(cur)
		if p == maxPos {
			continue
		}
		a.inactive = append(a.inactive[:i], a.inactive[i+1:]...)
		spilled := a.splitAt(it, p)
		it.state = StateHandled
		a.handled = append(a.handled, it.num)
		if err := a.spillAndReload(spilled, p); err != nil {
			return err
		}
	}
	return nil
}

// spillAndReload parks it in its canonical spill slot from pos on, splitting
// again before the next mustHaveRegister use so that part is re-run through
// allocation.
func (a *Allocator) spillAndReload(it *Interval, pos int) error {
	a.canonicalSpillSlot(it)
	it.assigned = None
	nextMust := it.NextMustHaveAfter(pos)
	if nextMust != maxPos && nextMust <= it.To() {
		splitPos := a.splitPosBefore(it, nextMust)
		if splitPos <= it.From() {
			return fmt.Errorf("%w: v%d requires a register at %d while being spilled", ErrNoRegister, it.reg, nextMust)
		}
		tail := a.splitAt(it, splitPos)
		a.insertUnhandled(tail)
	}
	it.state = StateHandled
	a.handled = append(a.handled, it.num)
	return nil
}

// splitPosBefore picks a split position strictly inside the interval so the
// tail still holds the use at usePos. A use at the interval end splits one
// position earlier.
func (a *Allocator) splitPosBefore(it *Interval, usePos int) int {
	pos := a.optimalSplitPos(it.From(), usePos)
	if pos >= it.To() {
		pos = usePos - 1
	}
	if pos >= it.To() {
		pos = it.To() - 1
	}
	return pos
}

// optimalSplitPos picks the split position in (lo, hi]: a block boundary
// when the span crosses one, else the latest possible position.
func (a *Allocator) optimalSplitPos(lo, hi int) int {

	clamp := func(p int) int {
		if p < 0 {
			return 0
		}
		if p >= len(a.blockByID)*2 {
			return len(a.blockByID)*2 - 1
		}
		return p
	}
	loBlock := a.blockAt(clamp(lo))
	hiBlock := a.blockAt(clamp(hi - 1))
	if loBlock != hiBlock && hiBlock.FirstOpID > lo {
		return hiBlock.FirstOpID
	}
	return hi
}
