package lir

import (
	"strings"
	"testing"

	"github.com/vela-vm/vela/internal/operand"
)

func TestBuilderRoles(t *testing.T) {
	bld := NewBuilder("roles", 1)
	v1 := bld.NewVirtual(operand.KindWord)
	v2 := bld.NewVirtual(operand.KindWord)
	v3 := bld.NewVirtual(operand.KindWord)

	add := bld.Add(v3, v1, v2)
	if add.Result != v3 || len(add.Inputs) != 2 {
		t.Errorf("add roles wrong: %s", add)
	}
	if add.HasCall {
		t.Error("add marked as call")
	}

	info := &DebugInfo{State: &FrameState{MethodID: 1, BCI: 0}}
	call := bld.CallDirect(v1, 9, []operand.Operand{v2}, info)
	if !call.HasCall {
		t.Error("direct call not marked HasCall")
	}
	if call.CalleeID != 9 {
		t.Errorf("callee = %d", call.CalleeID)
	}
	if !call.IsSafepoint() {
		t.Error("call with debug info not a safepoint")
	}

	alloc := bld.AllocObject(v1, 3, info)
	if !alloc.HasCall {
		t.Error("allocation intrinsic not marked HasCall")
	}

	div := bld.Div(v3, v1, v2, operand.Physical(2, operand.KindWord))
	if len(div.Temps) != 1 {
		t.Errorf("div temps = %d", len(div.Temps))
	}
}

func TestDefBlockTracking(t *testing.T) {
	bld := NewBuilder("defs", 2)
	v := bld.NewVirtual(operand.KindWord)
	bld.Move(v, operand.ConstInt32(1))
	if got := bld.Graph.DefBlock[v.Num]; got != bld.Graph.Entry {
		t.Errorf("def block = %v", got)
	}
}

func TestGraphOrders(t *testing.T) {
	bld := NewBuilder("orders", 3)
	g := bld.Graph
	b1 := g.NewBlock()
	b2 := g.NewBlock()
	b3 := g.NewBlock()

	v := bld.NewVirtual(operand.KindWord)
	bld.Move(v, operand.ConstInt32(1))
	bld.Cmp(v, operand.ConstInt32(2))
	bld.Branch(CondEQ, b2)
	bld.Jump(b1)

	bld.Block(b1)
	bld.Jump(b3)

	bld.Block(b2)
	bld.Jump(b3)

	bld.Block(b3)
	bld.Return(v)

	if err := g.Finish(); err != nil {
		t.Fatal(err)
	}
	if len(g.LinearOrder) != 4 || len(g.EmitOrder) != 4 {
		t.Fatalf("orders have %d/%d blocks", len(g.LinearOrder), len(g.EmitOrder))
	}
	if g.LinearOrder[0] != g.Entry || g.EmitOrder[0] != g.Entry {
		t.Error("entry not first in both orders")
	}
	// The join block comes after both predecessors in linear-scan order.
	pos := make(map[*Block]int)
	for i, b := range g.LinearOrder {
		pos[b] = i
	}
	if pos[b3] < pos[b1] || pos[b3] < pos[b2] {
		t.Error("join block precedes a predecessor in linear order")
	}
}

func TestLoopDetection(t *testing.T) {
	bld := NewBuilder("loop", 4)
	g := bld.Graph
	head := g.NewBlock()
	body := g.NewBlock()
	exit := g.NewBlock()

	bld.Jump(head)
	bld.Block(head)
	bld.Branch(CondEQ, exit)
	bld.Jump(body)
	bld.Block(body)
	bld.Jump(head)
	bld.Block(exit)
	bld.Return(operand.Illegal)

	if err := g.Finish(); err != nil {
		t.Fatal(err)
	}
	if !head.LoopHeader {
		t.Error("header not flagged")
	}
	if !body.LoopEnd {
		t.Error("backedge block not flagged")
	}
	if head.LoopDepth != 1 || body.LoopDepth != 1 {
		t.Errorf("loop depths = %d/%d", head.LoopDepth, body.LoopDepth)
	}
	if exit.LoopDepth != 0 {
		t.Errorf("exit inside loop: depth %d", exit.LoopDepth)
	}
}

// TestIrreducibleRejected: a loop entered other than through its header.
func TestIrreducibleRejected(t *testing.T) {
	g := NewGraph("irreducible", 5)
	entry := g.NewBlock()
	a := g.NewBlock()
	b := g.NewBlock()

	// entry branches into both a and b; a and b form a cycle.
	g.AddEdge(entry, a)
	g.AddEdge(entry, b)
	g.AddEdge(a, b)
	g.AddEdge(b, a)
	entry.Append(&Instr{Op: OpBranch, Cond: CondEQ, Target: a})
	entry.Append(&Instr{Op: OpJump, Target: b})
	a.Append(&Instr{Op: OpJump, Target: b})
	b.Append(&Instr{Op: OpJump, Target: a})

	err := g.Finish()
	if err == nil {
		t.Fatal("irreducible graph accepted")
	}
	if !strings.Contains(err.Error(), "irreducible") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestConditionNegate(t *testing.T) {
	pairs := map[Condition]Condition{
		CondEQ: CondNE, CondLT: CondGE, CondLE: CondGT,
		CondBelow: CondAE, CondBE: CondAbove,
	}
	for c, want := range pairs {
		if c.Negate() != want {
			t.Errorf("%s negated to %s, want %s", c, c.Negate(), want)
		}
		if c.Negate().Negate() != c {
			t.Errorf("%s does not round-trip", c)
		}
	}
}

func TestParse(t *testing.T) {
	src := `
method 7 demo
block 0
  v0 = move 10
  v1 = add v0 2
  cmp v1 20
  br lt B2
  jmp B1
block 1
  ret v1
block 2
  safepoint
  ret v0
`
	g, err := Parse(strings.NewReader(src))
	if err != nil {
		t.Fatal(err)
	}
	if g.MethodID != 7 || g.Name != "demo" {
		t.Errorf("header parsed as %d %q", g.MethodID, g.Name)
	}
	if len(g.Blocks) != 3 {
		t.Fatalf("%d blocks", len(g.Blocks))
	}
	if len(g.LinearOrder) == 0 {
		t.Error("orders not computed")
	}
	sawSafepoint := false
	for _, b := range g.Blocks {
		for _, in := range b.Instrs {
			if in.Op == OpSafepoint {
				sawSafepoint = true
				if in.Info == nil {
					t.Error("parsed safepoint lacks debug info")
				}
			}
		}
	}
	if !sawSafepoint {
		t.Error("safepoint not parsed")
	}
}

func TestParseErrors(t *testing.T) {
	cases := []string{
		"block 0\n ret\n",          // missing header
		"method 1 x\n bogus v0\n",  // unknown op
		"method 1 x\n v0 = move\n", // truncated
	}
	for _, src := range cases {
		if _, err := Parse(strings.NewReader(src)); err == nil {
			t.Errorf("no error for %q", src)
		}
	}
}
