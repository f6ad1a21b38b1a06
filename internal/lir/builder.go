package lir

import (
	"github.com/vela-vm/vela/internal/operand"
)

// Builder appends instructions to the current block of a graph. Each factory
// records the operand roles the allocator needs; instructions that may enter
// the runtime are marked HasCall so caller-saved intervals are killed there.
type Builder struct {
	Graph *Graph
	Cur   *Block
}

// NewBuilder returns a builder positioned at a fresh entry block.
func NewBuilder(name string, methodID int32) *Builder {
	g := NewGraph(name, methodID)
	return &Builder{Graph: g, Cur: g.NewBlock()}
}

// Block starts (or continues) building into b.
func (bld *Builder) Block(b *Block) {
	bld.Cur = b
}

// NewVirtual allocates a fresh virtual register of the given kind.
func (bld *Builder) NewVirtual(kind operand.Kind) operand.Operand {
	v := operand.Virtual(operand.VirtualBase+bld.Graph.NextVirtual, kind)
	bld.Graph.NextVirtual++
	return v
}

func (bld *Builder) append(in *Instr) *Instr {
	in.Id = -1
	if in.Result.IsVirtual() {
		bld.Graph.DefBlock[in.Result.Num] = bld.Cur
	}
	bld.Cur.Append(in)
	return in
}

// Move copies src into dst.
func (bld *Builder) Move(dst, src operand.Operand) *Instr {
	return bld.append(&Instr{Op: OpMove, Result: dst, Inputs: []operand.Operand{src}})
}

// VolatileMove copies src into dst with acquire/release semantics.
func (bld *Builder) VolatileMove(dst, src operand.Operand) *Instr {
	return bld.append(&Instr{Op: OpMove, Move: MoveVolatile, Result: dst, Inputs: []operand.Operand{src}})
}

// UnalignedMove copies src into dst permitting byte-granularity access.
func (bld *Builder) UnalignedMove(dst, src operand.Operand) *Instr {
	return bld.append(&Instr{Op: OpMove, Move: MoveUnaligned, Result: dst, Inputs: []operand.Operand{src}})
}

// Lea materializes the effective address of mem into dst.
func (bld *Builder) Lea(dst, mem operand.Operand) *Instr {
	return bld.append(&Instr{Op: OpLea, Result: dst, Inputs: []operand.Operand{mem}})
}

// ObjectConst loads an interned object constant into dst.
func (bld *Builder) ObjectConst(dst operand.Operand, poolIndex int32) *Instr {
	return bld.append(&Instr{Op: OpObjectConst, Result: dst, Inputs: []operand.Operand{operand.ConstObject(poolIndex)}})
}

// Push pushes src on the machine stack.
func (bld *Builder) Push(src operand.Operand) *Instr {
	return bld.append(&Instr{Op: OpPush, Inputs: []operand.Operand{src}})
}

// Pop pops the machine stack into dst.
func (bld *Builder) Pop(dst operand.Operand) *Instr {
	return bld.append(&Instr{Op: OpPop, Result: dst})
}

func (bld *Builder) binary(op Opcode, dst, left, right operand.Operand, temps ...operand.Operand) *Instr {
	return bld.append(&Instr{Op: op, Result: dst, Inputs: []operand.Operand{left, right}, Temps: temps})
}

// Add emits dst = left + right.
func (bld *Builder) Add(dst, left, right operand.Operand) *Instr {
	return bld.binary(OpAdd, dst, left, right)
}

// Sub emits dst = left - right.
func (bld *Builder) Sub(dst, left, right operand.Operand) *Instr {
	return bld.binary(OpSub, dst, left, right)
}

// Mul emits dst = left * right.
func (bld *Builder) Mul(dst, left, right operand.Operand) *Instr {
	return bld.binary(OpMul, dst, left, right)
}

// Div emits dst = left / right. Temps carry the fixed registers the target
// division clobbers.
func (bld *Builder) Div(dst, left, right operand.Operand, temps ...operand.Operand) *Instr {
	return bld.binary(OpDiv, dst, left, right, temps...)
}

// Rem emits dst = left % right.
func (bld *Builder) Rem(dst, left, right operand.Operand, temps ...operand.Operand) *Instr {
	return bld.binary(OpRem, dst, left, right, temps...)
}

// And emits dst = left & right.
func (bld *Builder) And(dst, left, right operand.Operand) *Instr {
	return bld.binary(OpAnd, dst, left, right)
}

// Or emits dst = left | right.
func (bld *Builder) Or(dst, left, right operand.Operand) *Instr {
	return bld.binary(OpOr, dst, left, right)
}

// Xor emits dst = left ^ right.
func (bld *Builder) Xor(dst, left, right operand.Operand) *Instr {
	return bld.binary(OpXor, dst, left, right)
}

// Neg emits dst = -src.
func (bld *Builder) Neg(dst, src operand.Operand) *Instr {
	return bld.append(&Instr{Op: OpNeg, Result: dst, Inputs: []operand.Operand{src}})
}

// Shl emits dst = left << right.
func (bld *Builder) Shl(dst, left, right operand.Operand, temps ...operand.Operand) *Instr {
	return bld.binary(OpShl, dst, left, right, temps...)
}

// Shr emits dst = left >> right (arithmetic).
func (bld *Builder) Shr(dst, left, right operand.Operand, temps ...operand.Operand) *Instr {
	return bld.binary(OpShr, dst, left, right, temps...)
}

// UShr emits dst = left >>> right (logical).
func (bld *Builder) UShr(dst, left, right operand.Operand, temps ...operand.Operand) *Instr {
	return bld.binary(OpUShr, dst, left, right, temps...)
}

func (bld *Builder) unaryMath(op Opcode, dst, src operand.Operand) *Instr {
	return bld.append(&Instr{Op: op, Result: dst, Inputs: []operand.Operand{src}})
}

// Sqrt emits dst = sqrt(src).
func (bld *Builder) Sqrt(dst, src operand.Operand) *Instr { return bld.unaryMath(OpSqrt, dst, src) }

// Abs emits dst = |src|.
func (bld *Builder) Abs(dst, src operand.Operand) *Instr { return bld.unaryMath(OpAbs, dst, src) }

// Log emits dst = log(src). Lowered to a runtime call by the emitter.
func (bld *Builder) Log(dst, src operand.Operand) *Instr {
	in := bld.unaryMath(OpLog, dst, src)
	in.HasCall = true
	return in
}

// Sin emits dst = sin(src). Lowered to a runtime call by the emitter.
func (bld *Builder) Sin(dst, src operand.Operand) *Instr {
	in := bld.unaryMath(OpSin, dst, src)
	in.HasCall = true
	return in
}

// Cos emits dst = cos(src). Lowered to a runtime call by the emitter.
func (bld *Builder) Cos(dst, src operand.Operand) *Instr {
	in := bld.unaryMath(OpCos, dst, src)
	in.HasCall = true
	return in
}

// Tan emits dst = tan(src). Lowered to a runtime call by the emitter.
func (bld *Builder) Tan(dst, src operand.Operand) *Instr {
	in := bld.unaryMath(OpTan, dst, src)
	in.HasCall = true
	return in
}

// Cmp compares two integer operands, setting the condition flags consumed by
// a following Branch.
func (bld *Builder) Cmp(left, right operand.Operand) *Instr {
	return bld.append(&Instr{Op: OpCmp, Inputs: []operand.Operand{left, right}})
}

// FCmp compares two floating operands.
func (bld *Builder) FCmp(left, right operand.Operand) *Instr {
	return bld.append(&Instr{Op: OpFCmp, Inputs: []operand.Operand{left, right}})
}

// Branch emits a conditional branch to target. The condition code is
// required.
func (bld *Builder) Branch(cond Condition, target *Block) *Instr {
	bld.Graph.AddEdge(bld.Cur, target)
	return bld.append(&Instr{Op: OpBranch, Cond: cond, Target: target})
}

// Jump emits an unconditional jump to target.
func (bld *Builder) Jump(target *Block) *Instr {
	bld.Graph.AddEdge(bld.Cur, target)
	return bld.append(&Instr{Op: OpJump, Target: target})
}

// TableSwitch dispatches on value-lowKey into targets, falling back to def.
func (bld *Builder) TableSwitch(value operand.Operand, lowKey int32, targets []*Block, def *Block, temps ...operand.Operand) *Instr {
	for _, t := range targets {
		bld.Graph.AddEdge(bld.Cur, t)
	}
	bld.Graph.AddEdge(bld.Cur, def)
	return bld.append(&Instr{
		Op: OpTableSwitch, Inputs: []operand.Operand{value}, Temps: temps,
		LowKey: lowKey, Targets: targets, Default: def,
	})
}

// Return emits a return. value may be the illegal operand for void.
func (bld *Builder) Return(value operand.Operand) *Instr {
	in := &Instr{Op: OpReturn}
	if !value.IsIllegal() {
		in.Inputs = []operand.Operand{value}
	}
	return bld.append(in)
}

// CallDirect emits a patchable direct call to the method named by calleeID.
func (bld *Builder) CallDirect(result operand.Operand, calleeID int32, args []operand.Operand, info *DebugInfo) *Instr {
	return bld.append(&Instr{
		Op: OpCallDirect, Result: result, Inputs: args,
		CalleeID: calleeID, HasCall: true, Info: info,
	})
}

// CallIndirect emits a register-indirect call through target.
func (bld *Builder) CallIndirect(result, target operand.Operand, args []operand.Operand, info *DebugInfo) *Instr {
	inputs := append([]operand.Operand{target}, args...)
	return bld.append(&Instr{Op: OpCallIndirect, Result: result, Inputs: inputs, HasCall: true, Info: info})
}

// CallNative emits a call to the named runtime symbol.
func (bld *Builder) CallNative(result operand.Operand, symbol string, args []operand.Operand, info *DebugInfo) *Instr {
	return bld.append(&Instr{
		Op: OpCallNative, Result: result, Inputs: args,
		Symbol: symbol, HasCall: true, Info: info,
	})
}

// Load reads from mem into dst. info, when present, describes the implicit
// null check.
func (bld *Builder) Load(dst, mem operand.Operand, info *DebugInfo) *Instr {
	return bld.append(&Instr{Op: OpLoad, Result: dst, Inputs: []operand.Operand{mem}, Info: info})
}

// Store writes value into mem.
func (bld *Builder) Store(mem, value operand.Operand, info *DebugInfo) *Instr {
	return bld.append(&Instr{Op: OpStore, Inputs: []operand.Operand{mem, value}, Info: info})
}

// CmpXchg emits a compare-and-swap of mem from expect to update; dst receives
// the previous value. Temps carry the fixed compare register.
func (bld *Builder) CmpXchg(dst, mem, expect, update operand.Operand, temps ...operand.Operand) *Instr {
	return bld.append(&Instr{
		Op: OpCmpXchg, Result: dst,
		Inputs: []operand.Operand{mem, expect, update}, Temps: temps,
	})
}

// MemBarAcquire emits an acquire barrier.
func (bld *Builder) MemBarAcquire() *Instr { return bld.append(&Instr{Op: OpMemBarAcquire}) }

// MemBarRelease emits a release barrier.
func (bld *Builder) MemBarRelease() *Instr { return bld.append(&Instr{Op: OpMemBarRelease}) }

// MemBarFence emits a full fence.
func (bld *Builder) MemBarFence() *Instr { return bld.append(&Instr{Op: OpMemBarFence}) }

// Safepoint emits a safepoint poll carrying info. The emitter loads the
// polled sentinel address into the integer scratch register, not a temp.
func (bld *Builder) Safepoint(info *DebugInfo, temps ...operand.Operand) *Instr {
	return bld.append(&Instr{Op: OpSafepoint, Info: info, Temps: temps})
}

// NullCheck emits an explicit null check of value.
func (bld *Builder) NullCheck(value operand.Operand, info *DebugInfo) *Instr {
	return bld.append(&Instr{Op: OpNullCheck, Inputs: []operand.Operand{value}, Info: info})
}

// Breakpoint emits a trap instruction.
func (bld *Builder) Breakpoint() *Instr { return bld.append(&Instr{Op: OpBreakpoint}) }

// AllocObject allocates an instance of the class constant and leaves the
// reference in result.
func (bld *Builder) AllocObject(result operand.Operand, classPool int32, info *DebugInfo) *Instr {
	return bld.append(&Instr{
		Op: OpAllocObject, Result: result,
		Inputs: []operand.Operand{operand.ConstObject(classPool)}, HasCall: true, Info: info,
	})
}

// AllocArray allocates an array of length elements.
func (bld *Builder) AllocArray(result, length operand.Operand, classPool int32, info *DebugInfo) *Instr {
	return bld.append(&Instr{
		Op: OpAllocArray, Result: result,
		Inputs: []operand.Operand{operand.ConstObject(classPool), length}, HasCall: true, Info: info,
	})
}

// MonitorEnter locks obj.
func (bld *Builder) MonitorEnter(obj operand.Operand, info *DebugInfo) *Instr {
	return bld.append(&Instr{Op: OpMonitorEnter, Inputs: []operand.Operand{obj}, HasCall: true, Info: info})
}

// MonitorExit unlocks obj.
func (bld *Builder) MonitorExit(obj operand.Operand, info *DebugInfo) *Instr {
	return bld.append(&Instr{Op: OpMonitorExit, Inputs: []operand.Operand{obj}, HasCall: true, Info: info})
}

// CheckCast verifies obj is assignable to the class constant; result carries
// the narrowed reference.
func (bld *Builder) CheckCast(result, obj operand.Operand, classPool int32, info *DebugInfo) *Instr {
	return bld.append(&Instr{
		Op: OpCheckCast, Result: result,
		Inputs: []operand.Operand{obj, operand.ConstObject(classPool)}, HasCall: true, Info: info,
	})
}

// InstanceOf tests obj against the class constant, producing 0 or 1.
func (bld *Builder) InstanceOf(result, obj operand.Operand, classPool int32, info *DebugInfo) *Instr {
	return bld.append(&Instr{
		Op: OpInstanceOf, Result: result,
		Inputs: []operand.Operand{obj, operand.ConstObject(classPool)}, HasCall: true, Info: info,
	})
}

// ArrayStoreCheck verifies value may be stored into array.
func (bld *Builder) ArrayStoreCheck(array, value operand.Operand, info *DebugInfo) *Instr {
	return bld.append(&Instr{
		Op:     OpArrayStoreCheck,
		Inputs: []operand.Operand{array, value}, HasCall: true, Info: info,
	})
}
