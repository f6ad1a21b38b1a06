package regalloc

import (
	"github.com/vela-vm/vela/internal/lir"
	"github.com/vela-vm/vela/internal/operand"
)

// locationOf returns the allocated location of a walked interval.
func (a *Allocator) locationOf(it *Interval) operand.Operand {
	kind := it.kind
	if kind == operand.KindIllegal {
		kind = operand.KindWord
	}
	if it.assigned != None {
		return operand.Physical(it.assigned, kind)
	}
	parent := a.parentOf(it)
	if parent.spillSlot == None {
		panic("regalloc: interval has neither register nor spill slot")
	}
	return operand.StackSlot(parent.spillSlot, kind)
}

// resolveDataFlow inserts moves on block edges where a live value's location
// differs between the end of the predecessor and the start of the successor.
func (a *Allocator) resolveDataFlow() {
	for _, b := range a.graph.LinearOrder {
		for _, s := range b.Succs {
			mr := moveResolver{a: a}
			for vi := 0; vi < s.LiveIn.Size(); vi++ {
				if !s.LiveIn.IsSet(vi) || a.varFor[vi] == None {
					continue
				}
				root := a.at(a.varFor[vi])
				fromIt := a.childAtOrBefore(root, b.LastOpID+1)
				toIt := a.childAtOrBefore(root, s.FirstOpID)
				if fromIt == nil || toIt == nil || fromIt == toIt {
					continue
				}
				from := a.locationOf(fromIt)
				to := a.locationOf(toIt)
				if from != to {
					mr.add(from, to)
				}
			}
			if len(mr.pairs) == 0 {
				continue
			}
			moves := mr.resolve()
			if len(b.Succs) == 1 {
				a.insertAtBlockEnd(b, moves)
			} else {
				// The successor must be the edge's only entry; the input
				// graph carries no critical edges.
				a.insertAtBlockStart(s, moves)
			}
		}
	}
}

func (a *Allocator) insertAtBlockEnd(b *lir.Block, moves []*lir.Instr) {
	idx := len(b.Instrs)
	id := b.LastOpID + 1
	if idx > 0 && b.Instrs[idx-1].IsBlockEnd() {
		idx--
		id = b.Instrs[idx].Id - 1
	}
	for _, m := range moves {
		m.Id = id
	}
	rest := append([]*lir.Instr(nil), b.Instrs[idx:]...)
	b.Instrs = append(b.Instrs[:idx], append(moves, rest...)...)
}

func (a *Allocator) insertAtBlockStart(b *lir.Block, moves []*lir.Instr) {
	for _, m := range moves {
		m.Id = b.FirstOpID - 1
	}
	b.Instrs = append(moves, b.Instrs...)
}

// movePair is one pending location transfer of the resolver.
type movePair struct {
	from, to operand.Operand
}

// moveResolver orders a parallel move set, breaking register cycles through
// the scratch register.
type moveResolver struct {
	a     *Allocator
	pairs []movePair
}

func (mr *moveResolver) add(from, to operand.Operand) {
	mr.pairs = append(mr.pairs, movePair{from: from, to: to})
}

// resolve emits the moves so no pending source is overwritten before it is
// read.
func (mr *moveResolver) resolve() []*lir.Instr {
	var out []*lir.Instr
	pending := append([]movePair(nil), mr.pairs...)

	emit := func(from, to operand.Operand) {
		out = append(out, &lir.Instr{Op: lir.OpMove, Result: to, Inputs: []operand.Operand{from}})
	}

	for len(pending) > 0 {
		progressed := false
		for i := 0; i < len(pending); i++ {
			p := pending[i]
			blocked := false
			for j, q := range pending {
				if j != i && q.from == p.to {
					blocked = true
					break
				}
			}
			if blocked {
				continue
			}
			emit(p.from, p.to)
			pending = append(pending[:i], pending[i+1:]...)
			i--
			progressed = true
		}
		if progressed {
			continue
		}
		// Cycle: rotate one source through the scratch register.
		p := pending[0]
		scratch := operand.Physical(int32(mr.a.cfg.ScratchInt), p.from.Kind)
		if p.from.Kind.IsFloat() {
			scratch = operand.Physical(int32(mr.a.cfg.ScratchFloat), p.from.Kind)
		}
		emit(p.from, scratch)
		for j := range pending {
			if pending[j].from == p.from {
				pending[j].from = scratch
			}
		}
	}
	return out
}
