// Package lir defines the low-level IR the optimizing backend operates on:
// a flat per-block sequence of machine-close instructions with explicit
// input/output/temp operand roles, consumed by the linear-scan allocator and
// the code emitter.
package lir

import (
	"fmt"
	"strings"

	"github.com/vela-vm/vela/internal/operand"
)

// Opcode tags an instruction variant. Dispatch is by switch on the tag;
// operand roles are uniform across opcodes.
type Opcode uint8

const (
	OpNop Opcode = iota

	// Data movement.
	OpMove
	OpLea
	OpObjectConst
	OpPush
	OpPop

	// Arithmetic and logic.
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpRem
	OpAnd
	OpOr
	OpXor
	OpNeg
	OpShl
	OpShr
	OpUShr
	OpSqrt
	OpAbs
	OpLog
	OpSin
	OpCos
	OpTan
	OpCmp
	OpFCmp

	// Control.
	OpBranch
	OpJump
	OpTableSwitch
	OpReturn
	OpCallDirect
	OpCallIndirect
	OpCallNative

	// Memory and atomics.
	OpLoad
	OpStore
	OpCmpXchg
	OpMemBarAcquire
	OpMemBarRelease
	OpMemBarFence

	// Safepoints and traps.
	OpSafepoint
	OpNullCheck
	OpBreakpoint

	// Allocation intrinsics.
	OpAllocObject
	OpAllocArray
	OpMonitorEnter
	OpMonitorExit

	// Type checks.
	OpCheckCast
	OpInstanceOf
	OpArrayStoreCheck
)

var opcodeNames = [...]string{
	OpNop: "nop", OpMove: "move", OpLea: "lea", OpObjectConst: "objconst",
	OpPush: "push", OpPop: "pop",
	OpAdd: "add", OpSub: "sub", OpMul: "mul", OpDiv: "div", OpRem: "rem",
	OpAnd: "and", OpOr: "or", OpXor: "xor", OpNeg: "neg",
	OpShl: "shl", OpShr: "shr", OpUShr: "ushr",
	OpSqrt: "sqrt", OpAbs: "abs", OpLog: "log", OpSin: "sin", OpCos: "cos", OpTan: "tan",
	OpCmp: "cmp", OpFCmp: "fcmp",
	OpBranch: "branch", OpJump: "jump", OpTableSwitch: "tableswitch", OpReturn: "return",
	OpCallDirect: "calldirect", OpCallIndirect: "callindirect", OpCallNative: "callnative",
	OpLoad: "load", OpStore: "store", OpCmpXchg: "cmpxchg",
	OpMemBarAcquire: "membar.acquire", OpMemBarRelease: "membar.release", OpMemBarFence: "membar.fence",
	OpSafepoint: "safepoint", OpNullCheck: "nullcheck", OpBreakpoint: "breakpoint",
	OpAllocObject: "allocobject", OpAllocArray: "allocarray",
	OpMonitorEnter: "monitorenter", OpMonitorExit: "monitorexit",
	OpCheckCast: "checkcast", OpInstanceOf: "instanceof", OpArrayStoreCheck: "arraystorecheck",
}

func (op Opcode) String() string {
	if int(op) < len(opcodeNames) && opcodeNames[op] != "" {
		return opcodeNames[op]
	}
	return fmt.Sprintf("op(%d)", int(op))
}

// MoveKind discriminates move semantics. Volatile moves serialize with
// concurrent observers; unaligned moves permit byte-granularity access.
type MoveKind uint8

const (
	MoveNormal MoveKind = iota
	MoveVolatile
	MoveUnaligned
)

// Condition is a branch condition code.
type Condition uint8

const (
	CondAlways Condition = iota
	CondEQ
	CondNE
	CondLT
	CondLE
	CondGT
	CondGE
	CondBelow // unsigned <
	CondBE    // unsigned <=
	CondAbove // unsigned >
	CondAE    // unsigned >=
)

var condNames = [...]string{
	CondAlways: "al", CondEQ: "eq", CondNE: "ne", CondLT: "lt", CondLE: "le",
	CondGT: "gt", CondGE: "ge", CondBelow: "b", CondBE: "be", CondAbove: "a", CondAE: "ae",
}

func (c Condition) String() string {
	if int(c) < len(condNames) {
		return condNames[c]
	}
	return fmt.Sprintf("cond(%d)", int(c))
}

// Negate returns the inverted condition.
func (c Condition) Negate() Condition {
	switch c {
	case CondEQ:
		return CondNE
	case CondNE:
		return CondEQ
	case CondLT:
		return CondGE
	case CondLE:
		return CondGT
	case CondGT:
		return CondLE
	case CondGE:
		return CondLT
	case CondBelow:
		return CondAE
	case CondBE:
		return CondAbove
	case CondAbove:
		return CondBE
	case CondAE:
		return CondBelow
	default:
		return c
	}
}

// Instr is one LIR instruction. Operand roles are explicit slices: Inputs
// are read at the instruction, Temps are clobbered by it, Alive operands are
// live across it and must not share a register with the result.
type Instr struct {
	Op     Opcode
	Id     int // operation id assigned during allocator numbering, -1 before
	Result operand.Operand
	Inputs []operand.Operand
	Temps  []operand.Operand
	Alive  []operand.Operand

	Cond Condition
	Move MoveKind

	// HasCall marks instructions that may clobber caller-saved registers.
	HasCall bool

	Info *DebugInfo

	Target  *Block   // branch / jump target
	Targets []*Block // table-switch targets, indexed from LowKey
	Default *Block   // table-switch fallthrough
	LowKey  int32

	CalleeID int32  // direct call target method
	Symbol   string // native call symbol
}

// IsSafepoint reports whether the instruction carries debug info describing
// a point where the thread can be stopped.
func (in *Instr) IsSafepoint() bool {
	return in.Info != nil
}

// IsBlockEnd reports whether the instruction terminates its block.
func (in *Instr) IsBlockEnd() bool {
	switch in.Op {
	case OpJump, OpBranch, OpTableSwitch, OpReturn:
		return true
	}
	return false
}

func (in *Instr) String() string {
	var b strings.Builder
	if in.Id >= 0 {
		fmt.Fprintf(&b, "%4d ", in.Id)
	}
	if !in.Result.IsIllegal() {
		fmt.Fprintf(&b, "%s = ", in.Result)
	}
	b.WriteString(in.Op.String())
	if in.Op == OpBranch {
		fmt.Fprintf(&b, ".%s", in.Cond)
	}
	for i, o := range in.Inputs {
		if i == 0 {
			b.WriteByte(' ')
		} else {
			b.WriteString(", ")
		}
		b.WriteString(o.String())
	}
	if in.Target != nil {
		fmt.Fprintf(&b, " -> B%d", in.Target.ID)
	}
	for _, t := range in.Temps {
		fmt.Fprintf(&b, " tmp:%s", t)
	}
	if in.HasCall {
		b.WriteString(" {call}")
	}
	return b.String()
}
