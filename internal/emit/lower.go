package emit

import (
	"fmt"

	"github.com/vela-vm/vela/internal/asm"
	"github.com/vela-vm/vela/internal/lir"
	"github.com/vela-vm/vela/internal/operand"
	"github.com/vela-vm/vela/internal/target"
)

func ccFor(c lir.Condition) asm.CC {
	switch c {
	case lir.CondEQ:
		return asm.CCE
	case lir.CondNE:
		return asm.CCNE
	case lir.CondLT:
		return asm.CCL
	case lir.CondLE:
		return asm.CCLE
	case lir.CondGT:
		return asm.CCG
	case lir.CondGE:
		return asm.CCGE
	case lir.CondBelow:
		return asm.CCB
	case lir.CondBE:
		return asm.CCBE
	case lir.CondAbove:
		return asm.CCA
	case lir.CondAE:
		return asm.CCAE
	}
	panic(fmt.Sprintf("emit: no condition code for %s", c))
}

func (e *emitter) emitInstr(in *lir.Instr) error {
	start := e.buf.Pc()
	switch in.Op {
	case lir.OpNop:
		return nil

	case lir.OpMove:
		if err := e.recordInfo(in, start); err != nil {
			return err
		}
		e.move(in.Result, in.Inputs[0])
		if in.Move == lir.MoveVolatile && in.Result.IsMemory() {
			// Volatile stores publish with release-plus-ordering; loads
			// get acquire semantics from the memory model for free.
			e.buf.Mfence()
		}
		return nil

	case lir.OpLea:
		e.buf.Lea(int(in.Result.Num), e.memFor(in.Inputs[0]))
		return nil

	case lir.OpObjectConst:
		addr := e.opts.ObjectAddress(int32(uint32(in.Inputs[0].Const.Bits)))
		e.buf.MovRegImm64(int(in.Result.Num), addr)
		return nil

	case lir.OpPush:
		src := in.Inputs[0]
		if src.IsRegister() {
			e.buf.PushReg(int(src.Num))
		} else {
			e.move(operand.Physical(int32(asm.ScratchInt), src.Kind), src)
			e.buf.PushReg(asm.ScratchInt)
		}
		return nil

	case lir.OpPop:
		e.buf.PopReg(int(in.Result.Num))
		return nil

	case lir.OpAdd, lir.OpSub, lir.OpMul, lir.OpAnd, lir.OpOr, lir.OpXor:
		return e.binary(in)

	case lir.OpDiv, lir.OpRem:
		return e.divRem(in)

	case lir.OpNeg:
		e.move(in.Result, in.Inputs[0])
		e.buf.NegReg(int(in.Result.Num))
		return nil

	case lir.OpShl, lir.OpShr, lir.OpUShr:
		return e.shift(in)

	case lir.OpSqrt:
		src := e.floatToReg(in.Inputs[0])
		e.buf.SqrtsdRegReg(int(in.Result.Num), src)
		return nil

	case lir.OpAbs:
		// Clear the sign bit through the integer scratch register.
		src := e.floatToReg(in.Inputs[0])
		e.buf.MovqRegXmm(asm.ScratchInt, src)
		e.buf.ShlRegImm(asm.ScratchInt, 1)
		e.buf.ShrRegImm(asm.ScratchInt, 1)
		e.buf.MovqXmmReg(int(in.Result.Num), asm.ScratchInt)
		return nil

	case lir.OpLog, lir.OpSin, lir.OpCos, lir.OpTan:
		sym := map[lir.Opcode]string{
			lir.OpLog: "vela_dlog", lir.OpSin: "vela_dsin",
			lir.OpCos: "vela_dcos", lir.OpTan: "vela_dtan",
		}[in.Op]
		if err := e.recordInfo(in, start); err != nil {
			return err
		}
		e.moveArgIfNeeded(operand.Physical(int32(asm.FloatArgRegisters[0]), operand.KindDouble), in.Inputs[0])
		if err := e.callSymbol(sym); err != nil {
			return err
		}
		e.moveResultIfNeeded(in.Result, operand.Physical(int32(asm.FloatReturnRegister), operand.KindDouble))
		return nil

	case lir.OpCmp:
		return e.compare(in)

	case lir.OpFCmp:
		// Both inputs demand registers, so no scratch collision here.
		e.buf.UcomisdRegReg(int(in.Inputs[0].Num), int(in.Inputs[1].Num))
		return nil

	case lir.OpBranch:
		if in.Cond == lir.CondAlways {
			e.buf.JmpLabel(e.labels[in.Target])
		} else {
			e.buf.Jcc(ccFor(in.Cond), e.labels[in.Target])
		}
		return nil

	case lir.OpJump:
		e.buf.JmpLabel(e.labels[in.Target])
		return nil

	case lir.OpTableSwitch:
		return e.tableSwitch(in)

	case lir.OpReturn:
		if len(in.Inputs) == 1 {
			v := in.Inputs[0]
			if v.Kind.IsFloat() {
				e.moveResultIfNeeded(operand.Physical(int32(asm.FloatReturnRegister), v.Kind), v)
			} else {
				e.moveResultIfNeeded(operand.Physical(int32(asm.IntReturnRegister), v.Kind), v)
			}
		}
		e.emitEpilogue()
		return nil

	case lir.OpCallDirect:
		if err := e.recordInfo(in, start); err != nil {
			return err
		}
		// The word-aligned displacement is the MT-safe patching contract.
		off := e.buf.CallRel32Patchable()
		e.callSites = append(e.callSites, target.CallSite{Offset: off, CalleeID: in.CalleeID})
		e.moveCallResult(in)
		return nil

	case lir.OpCallIndirect:
		if err := e.recordInfo(in, start); err != nil {
			return err
		}
		tgt := in.Inputs[0]
		if tgt.IsRegister() {
			e.buf.CallReg(int(tgt.Num))
		} else {
			e.move(operand.Physical(int32(asm.ScratchInt), operand.KindWord), tgt)
			e.buf.CallReg(asm.ScratchInt)
		}
		e.moveCallResult(in)
		return nil

	case lir.OpCallNative:
		if err := e.recordInfo(in, start); err != nil {
			return err
		}
		if err := e.callSymbol(in.Symbol); err != nil {
			return err
		}
		e.moveCallResult(in)
		return nil

	case lir.OpLoad:
		if err := e.recordInfo(in, start); err != nil {
			return err
		}
		e.move(in.Result, in.Inputs[0])
		return nil

	case lir.OpStore:
		if err := e.recordInfo(in, start); err != nil {
			return err
		}
		e.move(in.Inputs[0], in.Inputs[1])
		return nil

	case lir.OpCmpXchg:
		// rax carries the expected value; the allocator reserved it via a
		// temp.
		e.moveArgIfNeeded(operand.Physical(asm.RAX, in.Inputs[1].Kind), in.Inputs[1])
		upd := in.Inputs[2]
		updReg := int(upd.Num)
		if !upd.IsRegister() {
			e.move(operand.Physical(int32(asm.ScratchInt), upd.Kind), upd)
			updReg = asm.ScratchInt
		}
		e.buf.LockCmpxchgMemReg(e.memFor(in.Inputs[0]), updReg)
		e.moveResultIfNeeded(in.Result, operand.Physical(asm.RAX, in.Result.Kind))
		return nil

	case lir.OpMemBarAcquire:
		e.buf.Lfence()
		return nil
	case lir.OpMemBarRelease:
		e.buf.Sfence()
		return nil
	case lir.OpMemBarFence:
		e.buf.Mfence()
		return nil

	case lir.OpSafepoint:
		// A load through the sentinel; the runtime revokes the page to
		// trap the thread here.
		if err := e.recordInfo(in, start); err != nil {
			return err
		}
		e.buf.MovRegImm64(asm.ScratchInt, e.opts.SafepointSentinel)
		e.buf.MovRegMem32(asm.ScratchInt, asm.BaseDisp(asm.ScratchInt, 0))
		return nil

	case lir.OpNullCheck:
		if err := e.recordInfo(in, start); err != nil {
			return err
		}
		obj := in.Inputs[0]
		reg := int(obj.Num)
		if !obj.IsRegister() {
			e.move(operand.Physical(int32(asm.ScratchInt), obj.Kind), obj)
			reg = asm.ScratchInt
		}
		e.buf.MovRegMem32(asm.ScratchInt, asm.BaseDisp(reg, 0))
		return nil

	case lir.OpBreakpoint:
		e.buf.Int3()
		return nil

	case lir.OpAllocObject:
		return e.runtimeCall(in, "vela_alloc_object", start)
	case lir.OpAllocArray:
		return e.runtimeCall(in, "vela_alloc_array", start)
	case lir.OpMonitorEnter:
		return e.runtimeCall(in, "vela_monitor_enter", start)
	case lir.OpMonitorExit:
		return e.runtimeCall(in, "vela_monitor_exit", start)
	case lir.OpCheckCast:
		return e.runtimeCall(in, "vela_checkcast", start)
	case lir.OpInstanceOf:
		return e.runtimeCall(in, "vela_instanceof", start)
	case lir.OpArrayStoreCheck:
		return e.runtimeCall(in, "vela_array_store_check", start)
	}
	return fmt.Errorf("%w: %s", ErrUnsupported, in.Op)
}

// move emits a general move between allocated locations, routing
// memory-to-memory through the scratch register.
func (e *emitter) move(dst, src operand.Operand) {
	if dst == src {
		return
	}
	float := dst.Kind.IsFloat() || src.Kind.IsFloat()

	switch {
	case dst.IsRegister() && src.IsRegister():
		if dst.Num == src.Num {
			return
		}
		if float {
			e.buf.MovsdRegReg(int(dst.Num), int(src.Num))
		} else {
			e.buf.MovRegReg(int(dst.Num), int(src.Num))
		}
	case dst.IsRegister() && src.IsMemory():
		if float {
			e.buf.MovsdRegMem(int(dst.Num), e.memFor(src))
		} else {
			e.buf.MovRegMem(int(dst.Num), e.memFor(src))
		}
	case dst.IsRegister() && src.IsConstant():
		e.loadConstant(int(dst.Num), src)
	case dst.IsMemory() && src.IsRegister():
		if float {
			e.buf.MovsdMemReg(e.memFor(dst), int(src.Num))
		} else {
			e.buf.MovMemReg(e.memFor(dst), int(src.Num))
		}
	case dst.IsMemory() && src.IsConstant():
		if src.Kind == operand.KindInt32 {
			e.buf.MovMemImm32(e.memFor(dst), int32(uint32(src.Const.Bits)))
		} else {
			e.buf.MovRegImm64(asm.ScratchInt, src.Const.Bits)
			e.buf.MovMemReg(e.memFor(dst), asm.ScratchInt)
		}
	case dst.IsMemory() && src.IsMemory():
		// Both sides in memory: route through a scratch register.
		if float {
			e.buf.MovsdRegMem(asm.ScratchFloat, e.memFor(src))
			e.buf.MovsdMemReg(e.memFor(dst), asm.ScratchFloat)
		} else {
			e.buf.MovRegMem(asm.ScratchInt, e.memFor(src))
			e.buf.MovMemReg(e.memFor(dst), asm.ScratchInt)
		}
	default:
		panic(fmt.Sprintf("emit: move %s <- %s", dst, src))
	}
}

func (e *emitter) loadConstant(reg int, c operand.Operand) {
	switch c.Kind {
	case operand.KindInt32:
		e.buf.MovRegImm32(reg, uint32(c.Const.Bits))
	case operand.KindFloat, operand.KindDouble:
		e.buf.MovRegImm64(asm.ScratchInt, c.Const.Bits)
		e.buf.MovqXmmReg(reg, asm.ScratchInt)
	default:
		e.buf.MovRegImm64(reg, c.Const.Bits)
	}
}

// binary lowers two-address arithmetic, protecting the right operand when
// it aliases the destination.
func (e *emitter) binary(in *lir.Instr) error {
	dst, left, right := in.Result, in.Inputs[0], in.Inputs[1]
	if dst.Kind.IsFloat() {
		return e.binaryFloat(in)
	}

	rightReg := int32(-1)
	switch {
	case right.IsRegister():
		rightReg = right.Num
	case right.IsConstant() && right.Kind == operand.KindInt32:
		// Immediate form below.
	default:
		e.move(operand.Physical(int32(asm.ScratchInt), right.Kind), right)
		rightReg = int32(asm.ScratchInt)
	}

	if dst != left {
		if rightReg == dst.Num {
			// dst aliases the right operand; shelter it first.
			e.buf.MovRegReg(asm.ScratchInt, int(rightReg))
			rightReg = int32(asm.ScratchInt)
		}
		e.move(dst, left)
	}

	d := int(dst.Num)
	if rightReg >= 0 {
		switch in.Op {
		case lir.OpAdd:
			e.buf.AddRegReg(d, int(rightReg))
		case lir.OpSub:
			e.buf.SubRegReg(d, int(rightReg))
		case lir.OpMul:
			e.buf.ImulRegReg(d, int(rightReg))
		case lir.OpAnd:
			e.buf.AndRegReg(d, int(rightReg))
		case lir.OpOr:
			e.buf.OrRegReg(d, int(rightReg))
		case lir.OpXor:
			e.buf.XorRegReg(d, int(rightReg))
		}
		return nil
	}

	imm := int32(uint32(right.Const.Bits))
	switch in.Op {
	case lir.OpAdd:
		e.buf.AddRegImm32(d, imm)
	case lir.OpSub:
		e.buf.SubRegImm32(d, imm)
	case lir.OpMul:
		e.buf.MovRegImm32(asm.ScratchInt, uint32(imm))
		e.buf.ImulRegReg(d, asm.ScratchInt)
	case lir.OpAnd, lir.OpOr, lir.OpXor:
		e.buf.MovRegImm32(asm.ScratchInt, uint32(imm))
		switch in.Op {
		case lir.OpAnd:
			e.buf.AndRegReg(d, asm.ScratchInt)
		case lir.OpOr:
			e.buf.OrRegReg(d, asm.ScratchInt)
		case lir.OpXor:
			e.buf.XorRegReg(d, asm.ScratchInt)
		}
	}
	return nil
}

func (e *emitter) binaryFloat(in *lir.Instr) error {
	dst := int(in.Result.Num)
	left, right := in.Inputs[0], in.Inputs[1]

	rr := -1
	if right.IsRegister() {
		rr = int(right.Num)
	}

	if rr == dst {
		// The right operand sits in the destination: move it aside first.
		e.buf.MovsdRegReg(asm.ScratchFloat, rr)
		rr = asm.ScratchFloat
	}
	if !(left.IsRegister() && int(left.Num) == dst) {
		e.move(operand.Physical(int32(dst), in.Result.Kind), left)
	}
	if rr == -1 {
		e.move(operand.Physical(int32(asm.ScratchFloat), right.Kind), right)
		rr = asm.ScratchFloat
	}

	switch in.Op {
	case lir.OpAdd:
		e.buf.AddsdRegReg(dst, rr)
	case lir.OpSub:
		e.buf.SubsdRegReg(dst, rr)
	case lir.OpMul:
		e.buf.MulsdRegReg(dst, rr)
	case lir.OpDiv:
		e.buf.DivsdRegReg(dst, rr)
	default:
		return fmt.Errorf("%w: float %s", ErrUnsupported, in.Op)
	}
	return nil
}

// floatToReg materializes a float operand in a register, using the float
// scratch when it lives in memory or is a constant.
func (e *emitter) floatToReg(o operand.Operand) int {
	if o.IsRegister() {
		return int(o.Num)
	}
	e.move(operand.Physical(int32(asm.ScratchFloat), o.Kind), o)
	return asm.ScratchFloat
}

func (e *emitter) divRem(in *lir.Instr) error {
	if in.Result.Kind.IsFloat() {
		return e.binaryFloat(in)
	}
	left, right := in.Inputs[0], in.Inputs[1]

	divisor := asm.ScratchInt
	if right.IsRegister() && right.Num != asm.RAX && right.Num != asm.RDX {
		divisor = int(right.Num)
	} else {
		e.move(operand.Physical(int32(asm.ScratchInt), right.Kind), right)
	}
	e.moveArgIfNeeded(operand.Physical(asm.RAX, left.Kind), left)
	e.buf.CqoIdivReg(divisor)
	res := asm.RAX
	if in.Op == lir.OpRem {
		res = asm.RDX
	}
	e.moveResultIfNeeded(in.Result, operand.Physical(int32(res), in.Result.Kind))
	return nil
}

func (e *emitter) shift(in *lir.Instr) error {
	dst, left, right := in.Result, in.Inputs[0], in.Inputs[1]
	if right.IsConstant() {
		if dst != left {
			e.move(dst, left)
		}
		amount := uint8(right.Const.Bits & 63)
		switch in.Op {
		case lir.OpShl:
			e.buf.ShlRegImm(int(dst.Num), amount)
		case lir.OpShr:
			e.buf.SarRegImm(int(dst.Num), amount)
		case lir.OpUShr:
			e.buf.ShrRegImm(int(dst.Num), amount)
		}
		return nil
	}
	// Variable shifts go through cl; the builder reserved rcx as a temp.
	e.moveArgIfNeeded(operand.Physical(asm.RCX, right.Kind), right)
	if dst != left {
		e.move(dst, left)
	}
	switch in.Op {
	case lir.OpShl:
		e.buf.ShlRegCL(int(dst.Num))
	case lir.OpShr:
		e.buf.SarRegCL(int(dst.Num))
	case lir.OpUShr:
		e.buf.ShrRegCL(int(dst.Num))
	}
	return nil
}

func (e *emitter) compare(in *lir.Instr) error {
	left, right := in.Inputs[0], in.Inputs[1]
	if !left.IsRegister() {
		e.move(operand.Physical(int32(asm.ScratchInt), left.Kind), left)
		left = operand.Physical(int32(asm.ScratchInt), left.Kind)
	}
	switch {
	case right.IsRegister():
		e.buf.CmpRegReg(int(left.Num), int(right.Num))
	case right.IsConstant():
		e.buf.CmpRegImm32(int(left.Num), int32(uint32(right.Const.Bits)))
	default:
		e.buf.MovRegMem(asm.ScratchInt, e.memFor(right))
		e.buf.CmpRegReg(int(left.Num), asm.ScratchInt)
	}
	return nil
}

func (e *emitter) tableSwitch(in *lir.Instr) error {
	value := in.Inputs[0]
	reg := int(value.Num)
	if !value.IsRegister() {
		e.move(operand.Physical(int32(asm.ScratchInt), value.Kind), value)
		reg = asm.ScratchInt
	}
	for i, t := range in.Targets {
		e.buf.CmpRegImm32(reg, in.LowKey+int32(i))
		e.buf.Jcc(asm.CCE, e.labels[t])
	}
	e.buf.JmpLabel(e.labels[in.Default])
	return nil
}

// callSymbol resolves a native symbol and calls it through the scratch
// register.
func (e *emitter) callSymbol(sym string) error {
	addr, err := e.opts.Resolve(sym)
	if err != nil {
		return fmt.Errorf("%w: symbol %q: %v", ErrUnsupported, sym, err)
	}
	e.buf.MovRegImm64(asm.ScratchInt, addr)
	e.buf.CallReg(asm.ScratchInt)
	return nil
}

// runtimeCall lowers an allocation, monitor or type-check intrinsic to a
// runtime stub call with arguments in the integer argument registers.
func (e *emitter) runtimeCall(in *lir.Instr, sym string, start int) error {
	if err := e.recordInfo(in, start); err != nil {
		return err
	}
	for i, arg := range in.Inputs {
		if i >= len(asm.IntArgRegisters) {
			return fmt.Errorf("%w: runtime call %s with %d arguments", ErrUnsupported, sym, len(in.Inputs))
		}
		e.moveArgIfNeeded(operand.Physical(int32(asm.IntArgRegisters[i]), arg.Kind), arg)
	}
	if err := e.callSymbol(sym); err != nil {
		return err
	}
	if !in.Result.IsIllegal() {
		e.moveResultIfNeeded(in.Result, operand.Physical(asm.RAX, in.Result.Kind))
	}
	return nil
}

func (e *emitter) moveCallResult(in *lir.Instr) {
	if in.Result.IsIllegal() {
		return
	}
	if in.Result.Kind.IsFloat() {
		e.moveResultIfNeeded(in.Result, operand.Physical(int32(asm.FloatReturnRegister), in.Result.Kind))
	} else {
		e.moveResultIfNeeded(in.Result, operand.Physical(int32(asm.IntReturnRegister), in.Result.Kind))
	}
}

func (e *emitter) moveArgIfNeeded(dst, src operand.Operand) {
	if src.IsRegister() && src.Num == dst.Num {
		return
	}
	e.move(dst, src)
}

func (e *emitter) moveResultIfNeeded(dst, src operand.Operand) {
	if dst.IsRegister() && dst.Num == src.Num {
		return
	}
	e.move(dst, src)
}
