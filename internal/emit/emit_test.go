package emit

import (
	"testing"

	"github.com/vela-vm/vela/internal/asm"
	"github.com/vela-vm/vela/internal/frame"
	"github.com/vela-vm/vela/internal/lir"
	"github.com/vela-vm/vela/internal/operand"
	"github.com/vela-vm/vela/internal/regalloc"
	"github.com/vela-vm/vela/internal/target"
)

func testOptions() Options {
	return Options{
		Resolve:           func(string) (uint64, error) { return 0xff000000, nil },
		ObjectAddress:     func(i int32) uint64 { return 0xee000000 + uint64(i)*8 },
		SafepointSentinel: 0xdead0000,
		VerifyRefMaps:     true,
	}
}

func regConfig() regalloc.Config {
	return regalloc.Config{
		AllocatableInt:   asm.AllocatableInt,
		AllocatableFloat: asm.AllocatableFloat,
		CallerSaved:      asm.CallerSaved,
		NumRegs:          asm.NumRegisters,
		ScratchInt:       asm.ScratchInt,
		ScratchFloat:     asm.ScratchFloat,
	}
}

func compile(t *testing.T, bld *lir.Builder) *target.Method {
	t.Helper()
	if err := bld.Graph.Finish(); err != nil {
		t.Fatal(err)
	}
	fm := frame.NewMap()
	if err := regalloc.Allocate(bld.Graph, fm, regConfig()); err != nil {
		t.Fatal(err)
	}
	m, err := Emit(bld.Graph, fm, bld.Graph.MethodID, testOptions())
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestEmitStraightLine(t *testing.T) {
	bld := lir.NewBuilder("straight", 1)
	v1 := bld.NewVirtual(operand.KindWord)
	v2 := bld.NewVirtual(operand.KindWord)
	v3 := bld.NewVirtual(operand.KindWord)
	bld.Move(v1, operand.ConstInt32(10))
	bld.Move(v2, operand.ConstInt32(20))
	bld.Add(v3, v1, v2)
	bld.Return(v3)

	m := compile(t, bld)
	if len(m.Code) == 0 {
		t.Fatal("no code emitted")
	}
	// The epilogue ends in leave; ret.
	code := m.Code
	if code[len(code)-1] != 0xC3 || code[len(code)-2] != 0xC9 {
		t.Errorf("code does not end in leave;ret: % X", code[len(code)-4:])
	}
	if m.PrologueLen <= 0 {
		t.Error("prologue length not recorded")
	}
}

func TestEmitBranches(t *testing.T) {
	bld := lir.NewBuilder("branches", 2)
	g := bld.Graph
	then := g.NewBlock()
	done := g.NewBlock()

	v := bld.NewVirtual(operand.KindWord)
	bld.Move(v, operand.ConstInt32(5))
	bld.Cmp(v, operand.ConstInt32(7))
	bld.Branch(lir.CondLT, then)
	bld.Jump(done)

	bld.Block(then)
	bld.Add(v, v, operand.ConstInt32(1))
	bld.Jump(done)

	bld.Block(done)
	bld.Return(v)

	if len(compile(t, bld).Code) == 0 {
		t.Fatal("no code emitted")
	}
}

// TestDirectCallDisplacementAligned is the patchable-call-site contract:
// every recorded displacement offset is word-aligned regardless of the code
// preceding the call.
func TestDirectCallDisplacementAligned(t *testing.T) {
	for extraMoves := 0; extraMoves < 5; extraMoves++ {
		bld := lir.NewBuilder("calls", 3)
		v := bld.NewVirtual(operand.KindWord)
		bld.Move(v, operand.ConstInt32(1))
		for i := 0; i < extraMoves; i++ {
			bld.Add(v, v, operand.ConstInt32(int32(i)))
		}
		info := &lir.DebugInfo{State: &lir.FrameState{MethodID: 3, BCI: int32(extraMoves)}}
		bld.CallDirect(operand.Illegal, 77, nil, info)
		bld.Return(v)

		m := compile(t, bld)
		if len(m.CallSites) != 1 {
			t.Fatalf("%d call sites, want 1", len(m.CallSites))
		}
		for _, cs := range m.CallSites {
			if cs.Offset%4 != 0 {
				t.Errorf("moves=%d: call displacement at %d not word-aligned", extraMoves, cs.Offset)
			}
			if m.Code[cs.Offset-1] != 0xE8 {
				t.Errorf("moves=%d: byte before displacement is %#x", extraMoves, m.Code[cs.Offset-1])
			}
			if cs.CalleeID != 77 {
				t.Errorf("callee id = %d", cs.CalleeID)
			}
		}
	}
}

// TestSafepointTable: safepoints come out sorted, each with its frame
// chain.
func TestSafepointTable(t *testing.T) {
	bld := lir.NewBuilder("safepoints", 4)
	v := bld.NewVirtual(operand.KindObject)
	bld.ObjectConst(v, 1)
	i1 := &lir.DebugInfo{State: &lir.FrameState{MethodID: 4, BCI: 1, Locals: []operand.Operand{v}}}
	bld.Safepoint(i1)
	i2 := &lir.DebugInfo{State: &lir.FrameState{MethodID: 4, BCI: 2, Locals: []operand.Operand{v}}}
	bld.Safepoint(i2)
	bld.Return(operand.Illegal)

	m := compile(t, bld)
	if len(m.Safepoints) != 2 {
		t.Fatalf("%d safepoints, want 2", len(m.Safepoints))
	}
	last := -1
	for _, sp := range m.Safepoints {
		if sp.Offset <= last {
			t.Error("safepoint table not strictly ascending")
		}
		last = sp.Offset
		di := m.DebugInfos[sp.InfoIndex]
		if len(di.Frames) != 1 || len(di.Frames[0].Locals) != 1 {
			t.Errorf("safepoint at %d has malformed frame chain", sp.Offset)
		}
		if di.Frames[0].MethodID != 4 {
			t.Errorf("frame method = %d", di.Frames[0].MethodID)
		}
	}
}

// TestInlinedFrameChain: a two-deep frame state encodes caller first.
func TestInlinedFrameChain(t *testing.T) {
	bld := lir.NewBuilder("inlined", 8)
	callerState := &lir.FrameState{MethodID: 80, BCI: 3}
	info := &lir.DebugInfo{State: &lir.FrameState{MethodID: 81, BCI: 1, Caller: callerState}}
	bld.Safepoint(info)
	bld.Return(operand.Illegal)

	m := compile(t, bld)
	di := m.DebugInfos[m.Safepoints[0].InfoIndex]
	if len(di.Frames) != 2 {
		t.Fatalf("%d frames, want 2", len(di.Frames))
	}
	if di.Frames[0].MethodID != 80 || di.Frames[1].MethodID != 81 {
		t.Errorf("chain order = %d,%d; want caller 80 then callee 81",
			di.Frames[0].MethodID, di.Frames[1].MethodID)
	}
}

func TestEmitLoop(t *testing.T) {
	bld := lir.NewBuilder("loop", 5)
	g := bld.Graph
	head := g.NewBlock()
	body := g.NewBlock()
	exit := g.NewBlock()

	i := bld.NewVirtual(operand.KindWord)
	bld.Move(i, operand.ConstInt32(0))
	bld.Jump(head)

	bld.Block(head)
	bld.Cmp(i, operand.ConstInt32(10))
	bld.Branch(lir.CondGE, exit)
	bld.Jump(body)

	bld.Block(body)
	bld.Add(i, i, operand.ConstInt32(1))
	bld.Jump(head)

	bld.Block(exit)
	bld.Return(i)

	if len(compile(t, bld).Code) == 0 {
		t.Fatal("no code emitted")
	}
}

func TestEmitMemoryOps(t *testing.T) {
	bld := lir.NewBuilder("mem", 6)
	base := bld.NewVirtual(operand.KindWord)
	val := bld.NewVirtual(operand.KindWord)
	bld.Move(base, operand.ConstWord(0x1000))
	bld.Load(val, operand.BaseDisp(operand.KindWord, int16(base.Num), 16), nil)
	bld.Store(operand.BaseDisp(operand.KindWord, int16(base.Num), 24), val, nil)
	bld.MemBarRelease()
	res := bld.NewVirtual(operand.KindWord)
	bld.CmpXchg(res, operand.BaseDisp(operand.KindWord, int16(base.Num), 24),
		val, base, operand.Physical(asm.RAX, operand.KindWord))
	bld.Return(res)

	m := compile(t, bld)
	found := false
	for _, b := range m.Code {
		if b == 0xF0 {
			found = true
			break
		}
	}
	if !found {
		t.Error("no lock prefix emitted for cmpxchg")
	}
}

func TestSafepointPollEmitsSentinelLoad(t *testing.T) {
	bld := lir.NewBuilder("poll", 7)
	info := &lir.DebugInfo{State: &lir.FrameState{MethodID: 7, BCI: 0}}
	bld.Safepoint(info)
	bld.Return(operand.Illegal)

	m := compile(t, bld)
	// The sentinel address is materialized with mov r11, imm64.
	found := false
	for i := 0; i+10 <= len(m.Code); i++ {
		if m.Code[i] == 0x49 && m.Code[i+1] == 0xBB {
			found = true
			break
		}
	}
	if !found {
		t.Error("no sentinel-address load found in poll code")
	}
}

func TestVerifyRefMapsRejectsBareSafepoint(t *testing.T) {
	g := lir.NewGraph("bare", 9)
	b := g.NewBlock()
	info := &lir.DebugInfo{State: &lir.FrameState{MethodID: 9}}
	b.Append(&lir.Instr{Op: lir.OpSafepoint, Id: 0, Info: info})
	b.Append(&lir.Instr{Op: lir.OpReturn, Id: 2})
	if err := g.Finish(); err != nil {
		t.Fatal(err)
	}
	fm := frame.NewMap()
	fm.Freeze()
	// Emission without allocation: the safepoint has no reference maps.
	if _, err := Emit(g, fm, 9, testOptions()); err == nil {
		t.Error("emission accepted a safepoint without reference maps")
	}
}
