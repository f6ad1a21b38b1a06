package regalloc

import (
	"github.com/vela-vm/vela/internal/lir"
	"github.com/vela-vm/vela/internal/operand"
)

// buildIntervals computes live ranges and use positions for every virtual
// register, and fixed ranges for physical registers at calls and at
// instructions naming them as temp or output. Blocks are walked backward in
// linear-scan order so ranges and uses arrive in descending position order.
func (a *Allocator) buildIntervals() {
	blocks := a.graph.LinearOrder
	for i := len(blocks) - 1; i >= 0; i-- {
		b := blocks[i]
		blockFrom := b.FirstOpID
		blockTo := b.LastOpID + 2

		for vi := 0; vi < b.LiveOut.Size(); vi++ {
			if !b.LiveOut.IsSet(vi) {
				continue
			}
			it := a.intervalForVarIndex(int32(vi))
			it.addRangeFront(blockFrom, blockTo)
		}

		// Bias allocation across loop backedges.
		if b.LoopEnd {
			for vi := 0; vi < b.LiveOut.Size(); vi++ {
				if b.LiveOut.IsSet(vi) {
					a.intervalForVarIndex(int32(vi)).addUse(blockTo, UseLoopEnd)
				}
			}
		}

		for j := len(b.Instrs) - 1; j >= 0; j-- {
			in := b.Instrs[j]
			id := in.Id

			if in.HasCall {
				for _, r := range a.cfg.CallerSaved {
					a.intervalForFixed(int32(r), operand.KindWord).addRangeFront(id, id+1)
				}
				a.frameMap.ReserveOutgoing(len(in.Inputs))
			}

			if in.Result.IsVirtual() {
				it := a.intervalForVar(in.Result)
				if len(it.ranges) == 0 {
					// Dead definition; keep it alive to the next id so the
					// result still gets a location.
					it.addRangeFront(id, id+2)
				} else {
					it.shortenFirstRange(id)
				}
				it.addUse(id, UseMustHaveRegister)
				a.defCount[a.parentOf(it).num]++
			} else if in.Result.IsPhysical() {
				a.intervalForFixed(in.Result.Num, in.Result.Kind).addRangeFront(id, id+1)
			}

			for _, t := range in.Temps {
				if t.IsPhysical() {
					a.intervalForFixed(t.Num, t.Kind).addRangeFront(id, id+1)
				} else if t.IsVirtual() {
					it := a.intervalForVar(t)
					it.addRangeFront(id, id+1)
					it.addUse(id, UseMustHaveRegister)
				}
			}

			// Input ranges end at the use itself, so a value dying into an
			// instruction can share its register with the result.
			forEachVirtualInput(in, func(o operand.Operand, canBeMemory bool) {
				it := a.intervalForVar(o)
				it.addRangeFront(blockFrom, id)
				if canBeMemory {
					it.addUse(id, UseShouldHaveRegister)
				} else {
					it.addUse(id, UseMustHaveRegister)
				}
			})
			for _, o := range in.Inputs {
				if o.IsPhysical() {
					a.intervalForFixed(o.Num, o.Kind).addRangeFront(id, id+1)
				}
			}

			for _, o := range in.Alive {
				if o.IsVirtual() {
					it := a.intervalForVar(o)
					it.addRangeFront(blockFrom, id+2)
					it.addUse(id, UseShouldHaveRegister)
				}
			}

			// Values the debug info must describe stay live into the
			// safepoint but demand no register.
			if in.Info != nil && in.Info.State != nil {
				for s := in.Info.State; s != nil; s = s.Caller {
					s.ForEachValue(func(v operand.Operand) operand.Operand {
						if v.IsVirtual() {
							it := a.intervalForVar(v)
							it.addRangeFront(blockFrom, id+1)
							it.addUse(id, UseNone)
						}
						return v
					})
				}
			}

			// Register hints: a move biases its destination toward the
			// source's register.
			if in.Op == lir.OpMove && in.Result.IsVirtual() && len(in.Inputs) == 1 {
				src := in.Inputs[0]
				dst := a.intervalForVar(in.Result)
				if src.IsVirtual() {
					dst.hint = a.intervalForVar(src).num
				} else if src.IsPhysical() {
					dst.hint = a.intervalForFixed(src.Num, src.Kind).num
				}
			}
		}
	}
}

func (a *Allocator) intervalForVarIndex(vi int32) *Interval {
	if a.varFor[vi] == None {
		it := a.newInterval(vi+operand.VirtualBase, operand.KindIllegal, false)
		a.varFor[vi] = it.num
	}
	return a.at(a.varFor[vi])
}
