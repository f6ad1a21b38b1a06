package regalloc

import (
	"errors"
	"fmt"

	"github.com/vela-vm/vela/internal/frame"
	"github.com/vela-vm/vela/internal/lir"
	"github.com/vela-vm/vela/internal/operand"
)

// ErrNoRegister is wrapped into the fatal error raised when a
// mustHaveRegister use cannot be satisfied.
var ErrNoRegister = errors.New("regalloc: no register for mustHaveRegister use")

// Config names the physical register file the allocator may use.
type Config struct {
	AllocatableInt   []int
	AllocatableFloat []int
	CallerSaved      []int
	NumRegs          int
	ScratchInt       int
	ScratchFloat     int
}

// Allocator runs linear scan over one graph.
type Allocator struct {
	graph    *lir.Graph
	frameMap *frame.Map
	cfg      Config

	intervals []*Interval

	// fixedFor maps a physical register number to its fixed interval.
	fixedFor []int32
	// varFor maps a virtual register number (minus base) to its parent
	// interval.
	varFor []int32

	// instrByID maps opId/2 to the instruction; blockByID to its block.
	instrByID []*lir.Instr
	blockByID []*lir.Block

	unhandled []int32 // sorted descending by From, popped from the end
	active    []int32
	inactive  []int32
	handled   []int32

	// defCount counts definitions per parent interval for the spill-store
	// automaton.
	defCount map[int32]int
}

// Allocate maps every virtual operand of g onto a physical register or a
// canonical spill slot, inserts split/spill/resolution moves, freezes the
// frame map and fills reference maps for every safepoint.
func Allocate(g *lir.Graph, fm *frame.Map, cfg Config) error {
	a := &Allocator{
		graph:    g,
		frameMap: fm,
		cfg:      cfg,
		defCount: make(map[int32]int),
	}
	a.number()
	a.computeLiveness()
	a.buildIntervals()
	if err := a.walk(); err != nil {
		return err
	}
	a.resolveDataFlow()
	a.assignCalleeSaved()
	fm.Freeze()
	a.rewrite()
	a.assignReferenceMaps()
	return nil
}

// number assigns operation ids in linear-scan order, in increments of two so
// spill and reload inserts can use odd ids without renumbering. Block
// boundaries land on even ids.
func (a *Allocator) number() {
	id := 0
	for _, b := range a.graph.LinearOrder {
		b.FirstOpID = id
		for _, in := range b.Instrs {
			in.Id = id
			a.instrByID = append(a.instrByID, in)
			a.blockByID = append(a.blockByID, b)
			id += 2
		}
		b.LastOpID = id - 2
	}
}

func (a *Allocator) instrAt(opID int) *lir.Instr {
	return a.instrByID[opID/2]
}

func (a *Allocator) blockAt(opID int) *lir.Block {
	return a.blockByID[opID/2]
}

// intervalForVar returns (creating on demand) the parent interval of a
// virtual register.
func (a *Allocator) intervalForVar(o operand.Operand) *Interval {
	vi := o.Num - operand.VirtualBase
	if a.varFor[vi] == None {
		it := a.newInterval(o.Num, o.Kind, false)
		a.varFor[vi] = it.num
	}
	it := a.at(a.varFor[vi])
	// Address components arrive typed as plain words; a reference use
	// anywhere keeps the interval's reference kind for the maps.
	if it.kind == operand.KindIllegal || o.Kind.IsReference() {
		it.kind = o.Kind
	}
	return it
}

// intervalForFixed returns (creating on demand) the fixed interval of a
// physical register.
func (a *Allocator) intervalForFixed(reg int32, kind operand.Kind) *Interval {
	if a.fixedFor[reg] == None {
		it := a.newInterval(reg, kind, true)
		a.fixedFor[reg] = it.num
	}
	return a.at(a.fixedFor[reg])
}

// allocatableFor returns the register pool for a kind.
func (a *Allocator) allocatableFor(kind operand.Kind) []int {
	if kind.IsFloat() {
		return a.cfg.AllocatableFloat
	}
	return a.cfg.AllocatableInt
}

func (a *Allocator) String() string {
	s := fmt.Sprintf("allocator: %d intervals\n", len(a.intervals))
	for _, it := range a.intervals {
		s += "  " + it.String() + "\n"
	}
	return s
}
