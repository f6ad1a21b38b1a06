package lir

import (
	"errors"
	"fmt"

	"github.com/vela-vm/vela/internal/bitset"
)

// ErrIrreducible is returned by Finish for graphs with a loop entered other
// than through its header.
var ErrIrreducible = errors.New("lir: irreducible control flow")

// Block is a basic block: an ordered LIR list plus control-flow edges and
// linear-scan loop flags.
type Block struct {
	ID    int
	Preds []*Block
	Succs []*Block

	LoopHeader bool
	LoopEnd    bool
	LoopIndex  int // -1 outside any loop
	LoopDepth  int

	// Align requests block-start alignment during emission.
	Align bool

	Instrs []*Instr

	// FirstOpID/LastOpID are set during allocator numbering.
	FirstOpID int
	LastOpID  int

	// Liveness sets over virtual-register indices, filled by the allocator.
	LiveGen  *bitset.Set
	LiveKill *bitset.Set
	LiveIn   *bitset.Set
	LiveOut  *bitset.Set
}

// Append adds an instruction at the end of the block.
func (b *Block) Append(in *Instr) {
	b.Instrs = append(b.Instrs, in)
}

// InsertBefore inserts an instruction before index i.
func (b *Block) InsertBefore(i int, in *Instr) {
	b.Instrs = append(b.Instrs, nil)
	copy(b.Instrs[i+1:], b.Instrs[i:])
	b.Instrs[i] = in
}

func (b *Block) String() string {
	return fmt.Sprintf("B%d", b.ID)
}

// Graph is the LIR boundary object handed to the allocator: an entry block,
// a linear-scan-ordered block list and a code-emission-ordered block list.
// The graph must be reducible with loops identified.
type Graph struct {
	Name     string
	MethodID int32

	Blocks []*Block
	Entry  *Block

	// LinearOrder is the allocator's block order, stable on loop invariants.
	LinearOrder []*Block
	// EmitOrder is chosen for fall-through density.
	EmitOrder []*Block

	// DefBlock maps a virtual register number to its defining block.
	DefBlock map[int32]*Block

	NextVirtual int32
}

// NewGraph creates an empty graph.
func NewGraph(name string, methodID int32) *Graph {
	return &Graph{
		Name:        name,
		MethodID:    methodID,
		DefBlock:    make(map[int32]*Block),
		NextVirtual: 0,
	}
}

// NewBlock appends a fresh block to the graph. The first block becomes the
// entry.
func (g *Graph) NewBlock() *Block {
	b := &Block{ID: len(g.Blocks), LoopIndex: -1}
	g.Blocks = append(g.Blocks, b)
	if g.Entry == nil {
		g.Entry = b
	}
	return b
}

// AddEdge links pred to succ.
func (g *Graph) AddEdge(pred, succ *Block) {
	pred.Succs = append(pred.Succs, succ)
	succ.Preds = append(succ.Preds, pred)
}

// Finish validates the graph, rejects irreducible input, marks loop headers
// and ends, and computes the two block orders.
func (g *Graph) Finish() error {
	if g.Entry == nil {
		return errors.New("lir: graph has no entry block")
	}

	rpo := g.reversePostorder()
	idom := g.dominators(rpo)

	// A back edge s->h is reducible iff h dominates s.
	loops := 0
	for _, b := range g.Blocks {
		for _, s := range b.Succs {
			if !isBackEdge(b, s, rpo) {
				continue
			}
			if !dominates(s, b, idom) {
				return fmt.Errorf("%w: edge B%d->B%d", ErrIrreducible, b.ID, s.ID)
			}
			s.LoopHeader = true
			b.LoopEnd = true
			if s.LoopIndex < 0 {
				s.LoopIndex = loops
				loops++
			}
			g.markLoopBody(s, b)
		}
	}

	g.LinearOrder = rpo
	g.EmitOrder = g.fallThroughOrder(rpo)
	return nil
}

// reversePostorder returns blocks in reverse postorder from the entry.
func (g *Graph) reversePostorder() []*Block {
	seen := make([]bool, len(g.Blocks))
	post := make([]*Block, 0, len(g.Blocks))

	var walk func(b *Block)
	walk = func(b *Block) {
		seen[b.ID] = true
		for _, s := range b.Succs {
			if !seen[s.ID] {
				walk(s)
			}
		}
		post = append(post, b)
	}
	walk(g.Entry)

	rpo := make([]*Block, len(post))
	for i, b := range post {
		rpo[len(post)-1-i] = b
	}
	return rpo
}

// dominators computes immediate dominators over the rpo order using the
// standard iterative intersection.
func (g *Graph) dominators(rpo []*Block) []*Block {
	rpoIndex := make([]int, len(g.Blocks))
	for i, b := range rpo {
		rpoIndex[b.ID] = i
	}
	idom := make([]*Block, len(g.Blocks))
	idom[g.Entry.ID] = g.Entry

	intersect := func(a, b *Block) *Block {
		for a != b {
			for rpoIndex[a.ID] > rpoIndex[b.ID] {
				a = idom[a.ID]
			}
			for rpoIndex[b.ID] > rpoIndex[a.ID] {
				b = idom[b.ID]
			}
		}
		return a
	}

	changed := true
	for changed {
		changed = false
		for _, b := range rpo {
			if b == g.Entry {
				continue
			}
			var newIdom *Block
			for _, p := range b.Preds {
				if idom[p.ID] == nil {
					continue
				}
				if newIdom == nil {
					newIdom = p
				} else {
					newIdom = intersect(p, newIdom)
				}
			}
			if newIdom != nil && idom[b.ID] != newIdom {
				idom[b.ID] = newIdom
				changed = true
			}
		}
	}
	return idom
}

func dominates(a, b *Block, idom []*Block) bool {
	for {
		if b == a {
			return true
		}
		next := idom[b.ID]
		if next == nil || next == b {
			return false
		}
		b = next
	}
}

func isBackEdge(from, to *Block, rpo []*Block) bool {
	// In RPO a back edge goes to an earlier or equal position.
	for _, b := range rpo {
		if b == to {
			return true
		}
		if b == from {
			return false
		}
	}
	return false
}

// markLoopBody raises the loop depth of every block in the natural loop of
// the back edge end->header.
func (g *Graph) markLoopBody(header, end *Block) {
	inLoop := make(map[*Block]bool)
	inLoop[header] = true
	work := []*Block{end}
	for len(work) > 0 {
		b := work[len(work)-1]
		work = work[:len(work)-1]
		if inLoop[b] {
			continue
		}
		inLoop[b] = true
		work = append(work, b.Preds...)
	}
	for b := range inLoop {
		b.LoopDepth++
		if b.LoopIndex < 0 {
			b.LoopIndex = header.LoopIndex
		}
	}
}

// fallThroughOrder chains blocks so that a block is followed by one of its
// successors whenever possible.
func (g *Graph) fallThroughOrder(rpo []*Block) []*Block {
	placed := make([]bool, len(g.Blocks))
	order := make([]*Block, 0, len(rpo))

	for _, start := range rpo {
		b := start
		for b != nil && !placed[b.ID] {
			placed[b.ID] = true
			order = append(order, b)
			var next *Block
			for _, s := range b.Succs {
				if !placed[s.ID] {
					next = s
					break
				}
			}
			b = next
		}
	}
	return order
}

func (g *Graph) String() string {
	var out string
	for _, b := range g.Blocks {
		out += fmt.Sprintf("B%d (preds %d, succs %d)\n", b.ID, len(b.Preds), len(b.Succs))
		for _, in := range b.Instrs {
			out += "  " + in.String() + "\n"
		}
	}
	return out
}
