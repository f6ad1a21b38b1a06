package regalloc

import (
	"sort"

	"github.com/vela-vm/vela/internal/lir"
	"github.com/vela-vm/vela/internal/operand"
)

// assignCalleeSaved records which callee-saved registers the allocation
// touched so the frame map reserves save slots for them.
func (a *Allocator) assignCalleeSaved() {
	callerSaved := make(map[int32]bool, len(a.cfg.CallerSaved))
	for _, r := range a.cfg.CallerSaved {
		callerSaved[int32(r)] = true
	}
	seen := make(map[int32]bool)
	var regs []int
	for _, it := range a.intervals {
		if it.fixed || it.assigned == None || callerSaved[it.assigned] || seen[it.assigned] {
			continue
		}
		seen[it.assigned] = true
		regs = append(regs, int(it.assigned))
	}
	sort.Ints(regs)
	a.frameMap.SetCalleeSaved(regs)
}

// rewrite replaces every virtual operand with its allocated location,
// inserts the moves connecting split siblings inside a block, and applies
// the spill-store optimization.
func (a *Allocator) rewrite() {
	a.computeSpillStates()
	a.insertSplitMoves()

	for _, b := range a.graph.LinearOrder {
		for _, in := range b.Instrs {
			id := in.Id
			for i, o := range in.Inputs {
				in.Inputs[i] = a.rewriteOperand(o, id)
			}
			for i, o := range in.Temps {
				in.Temps[i] = a.rewriteOperand(o, id)
			}
			for i, o := range in.Alive {
				in.Alive[i] = a.rewriteOperand(o, id)
			}
			if !in.Result.IsIllegal() {
				in.Result = a.rewriteOperand(in.Result, id)
			}
			if in.Info != nil && in.Info.State != nil {
				for s := in.Info.State; s != nil; s = s.Caller {
					s.ForEachValue(func(v operand.Operand) operand.Operand {
						return a.rewriteOperand(v, id)
					})
				}
			}
		}
	}
}

// rewriteOperand maps one operand at an operation id to its location.
func (a *Allocator) rewriteOperand(o operand.Operand, id int) operand.Operand {
	switch {
	case o.IsVirtual():
		return a.locationAt(o, id)
	case o.IsAddress():
		addr := o.Addr
		if int32(addr.Base) >= operand.VirtualBase {
			loc := a.locationAt(operand.Virtual(int32(addr.Base), operand.KindWord), id)
			if !loc.IsPhysical() {
				panic("regalloc: address base not in a register at use")
			}
			addr.Base = int16(loc.Num)
		}
		if addr.Index != operand.NoReg && int32(addr.Index) >= operand.VirtualBase {
			loc := a.locationAt(operand.Virtual(int32(addr.Index), operand.KindWord), id)
			if !loc.IsPhysical() {
				panic("regalloc: address index not in a register at use")
			}
			addr.Index = int16(loc.Num)
		}
		return operand.Operand{Kind: o.Kind, Variant: operand.VariantAddress, Addr: addr}
	default:
		return o
	}
}

// locationAt resolves a virtual register to the location its covering split
// child holds at id.
func (a *Allocator) locationAt(o operand.Operand, id int) operand.Operand {
	root := a.at(a.varFor[o.Num-operand.VirtualBase])
	it := a.childCovering(root, id)
	if it == nil {
		it = a.childAtOrBefore(root, id)
	}
	if it == nil {
		panic("regalloc: no interval covers operand at " + o.String())
	}
	loc := a.locationOf(it)
	loc.Kind = o.Kind
	return loc
}

// computeSpillStates runs the spill-store automaton per split parent:
// exactly one definition lets every spill collapse to a single store at the
// definition; several definitions degrade to explicit stores; stack
// parameters start in memory and are never stored.
func (a *Allocator) computeSpillStates() {
	for _, it := range a.intervals {
		if it.fixed || !it.isSplitParent() {
			continue
		}
		if it.spillSlot == None {
			continue
		}
		if a.definedFromCallerStack(it) {
			it.spillState = SpillStartInMemory
			continue
		}
		switch a.defCount[it.num] {
		case 0:
			it.spillState = SpillNoDefinitionFound
		case 1:
			it.spillState = SpillStoreAtDefinition
		default:
			it.spillState = SpillNoOptimization
		}
	}
}

// definedFromCallerStack reports whether the interval's single definition
// copies an incoming stack argument.
func (a *Allocator) definedFromCallerStack(it *Interval) bool {
	if a.defCount[it.num] != 1 || len(it.uses) == 0 {
		return false
	}
	def := it.uses[len(it.uses)-1]
	if def.Pos >= len(a.instrByID)*2 {
		return false
	}
	in := a.instrAt(def.Pos)
	return in.Op == lir.OpMove && len(in.Inputs) == 1 &&
		in.Inputs[0].Variant == operand.VariantCallerStack
}

// insertSplitMoves connects adjacent split siblings that change location in
// the middle of a block: reloads slot->register, spill stores
// register->slot (subject to the spill-store state) and register shuffles.
func (a *Allocator) insertSplitMoves() {
	for _, root := range a.intervals {
		if root.fixed || !root.isSplitParent() || len(root.children) == 0 {
			continue
		}
		family := make([]*Interval, 0, len(root.children)+1)
		family = append(family, root)
		for _, c := range root.children {
			family = append(family, a.at(c))
		}
		sort.Slice(family, func(i, j int) bool { return family[i].From() < family[j].From() })

		for i := 0; i+1 < len(family); i++ {
			left, right := family[i], family[i+1]
			if left.To() != right.From() {
				continue
			}
			pos := right.From()
			b := a.blockAt(clampOpID(pos, len(a.blockByID)))
			if pos == b.FirstOpID {
				// Block boundary: handled by data-flow resolution.
				continue
			}
			from := a.locationOf(left)
			to := a.locationOf(right)
			if from == to {
				continue
			}
			if to.IsStack() && root.spillState == SpillStoreAtDefinition {
				// The value was stored at its definition; the slot is
				// already current.
				continue
			}
			a.insertMoveAt(b, pos, from, to)
		}

		if root.spillState == SpillStoreAtDefinition {
			a.insertStoreAtDefinition(root)
		}
	}
}

func clampOpID(pos, n int) int {
	if pos >= n*2 {
		return n*2 - 1
	}
	if pos < 0 {
		return 0
	}
	return pos
}

// insertMoveAt places a move with an odd id just before the instruction at
// or after pos.
func (a *Allocator) insertMoveAt(b *lir.Block, pos int, from, to operand.Operand) {
	idx := len(b.Instrs)
	for i, in := range b.Instrs {
		if in.Id >= pos {
			idx = i
			break
		}
	}
	id := pos - 1
	if pos%2 == 1 {
		id = pos
	}
	m := &lir.Instr{Op: lir.OpMove, Id: id, Result: to, Inputs: []operand.Operand{from}}
	b.InsertBefore(idx, m)
}

// insertStoreAtDefinition stores the value to its canonical spill slot right
// after the single definition.
func (a *Allocator) insertStoreAtDefinition(root *Interval) {
	if len(root.uses) == 0 {
		return
	}
	def := root.uses[len(root.uses)-1]
	if root.assigned == None {
		return
	}
	kind := root.kind
	if kind == operand.KindIllegal {
		kind = operand.KindWord
	}
	b := a.blockAt(clampOpID(def.Pos, len(a.blockByID)))
	from := operand.Physical(root.assigned, kind)
	to := operand.StackSlot(root.spillSlot, kind)
	a.insertMoveAt(b, def.Pos+1, from, to)
}
