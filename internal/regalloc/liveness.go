package regalloc

import (
	"github.com/vela-vm/vela/internal/bitset"
	"github.com/vela-vm/vela/internal/lir"
	"github.com/vela-vm/vela/internal/operand"
)

// computeLiveness runs the standard backward data-flow fixpoint over the
// linear-scan order, producing per-block live-in/live-out sets of virtual
// register indices.
func (a *Allocator) computeLiveness() {
	nVirt := int(a.graph.NextVirtual)
	a.varFor = make([]int32, nVirt)
	for i := range a.varFor {
		a.varFor[i] = None
	}
	a.fixedFor = make([]int32, a.cfg.NumRegs)
	for i := range a.fixedFor {
		a.fixedFor[i] = None
	}

	blocks := a.graph.LinearOrder
	for _, b := range blocks {
		b.LiveGen = bitset.New(nVirt)
		b.LiveKill = bitset.New(nVirt)
		b.LiveIn = bitset.New(nVirt)
		b.LiveOut = bitset.New(nVirt)

		for _, in := range b.Instrs {
			gen := func(o operand.Operand) {
				if o.IsVirtual() && !b.LiveKill.IsSet(int(o.Num-operand.VirtualBase)) {
					b.LiveGen.Set(int(o.Num - operand.VirtualBase))
				}
			}
			for _, o := range in.Inputs {
				gen(o)
				genAddressRegs(o, gen)
			}
			for _, o := range in.Alive {
				gen(o)
			}
			if in.Info != nil && in.Info.State != nil {
				for s := in.Info.State; s != nil; s = s.Caller {
					s.ForEachValue(func(v operand.Operand) operand.Operand {
						gen(v)
						return v
					})
				}
			}
			if in.Result.IsVirtual() {
				b.LiveKill.Set(int(in.Result.Num - operand.VirtualBase))
			}
			if in.Result.IsAddress() {
				genAddressRegs(in.Result, gen)
			}
		}
	}

	for changed := true; changed; {
		changed = false
		for i := len(blocks) - 1; i >= 0; i-- {
			b := blocks[i]
			for _, s := range b.Succs {
				if b.LiveOut.Unite(s.LiveIn) {
					changed = true
				}
			}
			in := b.LiveOut.Copy()
			in.Remove(b.LiveKill)
			in.Unite(b.LiveGen)
			if b.LiveIn.SetFrom(in) {
				changed = true
			}
		}
	}
}

// genAddressRegs feeds the virtual base/index registers of an address
// operand to the gen callback.
func genAddressRegs(o operand.Operand, gen func(operand.Operand)) {
	if !o.IsAddress() {
		return
	}
	if int32(o.Addr.Base) >= operand.VirtualBase {
		gen(operand.Virtual(int32(o.Addr.Base), operand.KindWord))
	}
	if o.Addr.Index != operand.NoReg && int32(o.Addr.Index) >= operand.VirtualBase {
		gen(operand.Virtual(int32(o.Addr.Index), operand.KindWord))
	}
}

// forEachVirtualInput visits the virtual registers read by an instruction,
// including address components.
func forEachVirtualInput(in *lir.Instr, f func(o operand.Operand, canBeMemory bool)) {
	for i, o := range in.Inputs {
		if o.IsVirtual() {
			f(o, inputAllowsMemory(in, i))
		}
		if o.IsAddress() {
			genAddressRegs(o, func(v operand.Operand) { f(v, false) })
		}
	}
	if in.Result.IsAddress() {
		genAddressRegs(in.Result, func(v operand.Operand) { f(v, false) })
	}
}

// inputAllowsMemory reports whether input index i of the instruction can be
// encoded with a memory operand, making a register merely desirable.
func inputAllowsMemory(in *lir.Instr, i int) bool {
	switch in.Op {
	case lir.OpMove:
		return in.Move == lir.MoveNormal
	case lir.OpAdd, lir.OpSub, lir.OpAnd, lir.OpOr, lir.OpXor, lir.OpCmp:
		return i == 1
	case lir.OpStore:
		return i == 1
	case lir.OpReturn, lir.OpPush:
		return true
	}
	return false
}
