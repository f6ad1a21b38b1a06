package asm

// Mem is a base+index*scale+disp memory operand. Index is -1 when absent.
type Mem struct {
	Base  int
	Index int
	Scale uint8
	Disp  int32
}

// BaseDisp returns a base-plus-displacement memory operand.
func BaseDisp(base int, disp int32) Mem {
	return Mem{Base: base, Index: -1, Disp: disp}
}

// hw maps a register number to its 4-bit hardware encoding.
func hw(r int) int {
	if IsXMM(r) {
		return r - XMM0
	}
	return r
}

// rex emits a REX prefix when required. reg/index/base are hardware
// encodings (pass 0 when a field is unused).
func (b *Buffer) rex(w bool, reg, index, base int) {
	v := byte(0x40)
	if w {
		v |= 0x08
	}
	if reg >= 8 {
		v |= 0x04
	}
	if index >= 8 {
		v |= 0x02
	}
	if base >= 8 {
		v |= 0x01
	}
	if v != 0x40 || w {
		b.byte1(v)
	}
}

func scaleBits(s uint8) byte {
	switch s {
	case 0, 1:
		return 0
	case 2:
		return 1
	case 4:
		return 2
	case 8:
		return 3
	}
	panic("asm: bad scale")
}

// modrmReg emits a register-direct ModRM byte.
func (b *Buffer) modrmReg(reg, rm int) {
	b.byte1(0xC0 | byte(reg&7)<<3 | byte(rm&7))
}

// modrmMem emits ModRM (and SIB/displacement) for a memory operand.
func (b *Buffer) modrmMem(reg int, m Mem) {
	base := hw(m.Base)
	var mod byte
	switch {
	case m.Disp == 0 && base&7 != 5:
		mod = 0x00
	case m.Disp >= -128 && m.Disp <= 127:
		mod = 0x40
	default:
		mod = 0x80
	}

	if m.Index >= 0 {
		b.byte1(mod | byte(reg&7)<<3 | 0x04)
		b.byte1(scaleBits(m.Scale)<<6 | byte(hw(m.Index)&7)<<3 | byte(base&7))
	} else if base&7 == 4 {
		// RSP/R12 base always needs a SIB byte.
		b.byte1(mod | byte(reg&7)<<3 | 0x04)
		b.byte1(0x00<<6 | 0x04<<3 | byte(base&7))
	} else {
		b.byte1(mod | byte(reg&7)<<3 | byte(base&7))
	}

	switch mod {
	case 0x40:
		b.byte1(byte(m.Disp))
	case 0x80:
		b.imm32(uint32(m.Disp))
	}
}

func memIndexHW(m Mem) int {
	if m.Index < 0 {
		return 0
	}
	return hw(m.Index)
}

// --- integer moves ---

// MovRegReg emits mov dst, src (64-bit).
func (b *Buffer) MovRegReg(dst, src int) {
	b.rex(true, hw(src), 0, hw(dst))
	b.byte1(0x89)
	b.modrmReg(hw(src), hw(dst))
}

// MovRegImm64 emits mov dst, imm64.
func (b *Buffer) MovRegImm64(dst int, imm uint64) {
	b.rex(true, 0, 0, hw(dst))
	b.byte1(0xB8 + byte(hw(dst)&7))
	b.imm64(imm)
}

// MovRegImm32 emits mov dst32, imm32 (zero-extending).
func (b *Buffer) MovRegImm32(dst int, imm uint32) {
	b.rex(false, 0, 0, hw(dst))
	b.byte1(0xB8 + byte(hw(dst)&7))
	b.imm32(imm)
}

// MovRegMem emits mov dst, [mem] (64-bit load).
func (b *Buffer) MovRegMem(dst int, m Mem) {
	b.rex(true, hw(dst), memIndexHW(m), hw(m.Base))
	b.byte1(0x8B)
	b.modrmMem(hw(dst), m)
}

// MovMemReg emits mov [mem], src (64-bit store).
func (b *Buffer) MovMemReg(m Mem, src int) {
	b.rex(true, hw(src), memIndexHW(m), hw(m.Base))
	b.byte1(0x89)
	b.modrmMem(hw(src), m)
}

// MovMemImm32 emits mov qword [mem], imm32 (sign-extended).
func (b *Buffer) MovMemImm32(m Mem, imm int32) {
	b.rex(true, 0, memIndexHW(m), hw(m.Base))
	b.byte1(0xC7)
	b.modrmMem(0, m)
	b.imm32(uint32(imm))
}

// MovRegMem32 emits mov dst32, [mem] (32-bit load, zero-extending).
func (b *Buffer) MovRegMem32(dst int, m Mem) {
	b.rex(false, hw(dst), memIndexHW(m), hw(m.Base))
	b.byte1(0x8B)
	b.modrmMem(hw(dst), m)
}

// MovMemReg32 emits mov dword [mem], src32.
func (b *Buffer) MovMemReg32(m Mem, src int) {
	b.rex(false, hw(src), memIndexHW(m), hw(m.Base))
	b.byte1(0x89)
	b.modrmMem(hw(src), m)
}

// Lea emits lea dst, [mem].
func (b *Buffer) Lea(dst int, m Mem) {
	b.rex(true, hw(dst), memIndexHW(m), hw(m.Base))
	b.byte1(0x8D)
	b.modrmMem(hw(dst), m)
}

// --- integer arithmetic ---

func (b *Buffer) aluRegReg(opcode byte, dst, src int) {
	b.rex(true, hw(src), 0, hw(dst))
	b.byte1(opcode)
	b.modrmReg(hw(src), hw(dst))
}

// AddRegReg emits add dst, src.
func (b *Buffer) AddRegReg(dst, src int) { b.aluRegReg(0x01, dst, src) }

// SubRegReg emits sub dst, src.
func (b *Buffer) SubRegReg(dst, src int) { b.aluRegReg(0x29, dst, src) }

// AndRegReg emits and dst, src.
func (b *Buffer) AndRegReg(dst, src int) { b.aluRegReg(0x21, dst, src) }

// OrRegReg emits or dst, src.
func (b *Buffer) OrRegReg(dst, src int) { b.aluRegReg(0x09, dst, src) }

// XorRegReg emits xor dst, src.
func (b *Buffer) XorRegReg(dst, src int) { b.aluRegReg(0x31, dst, src) }

// CmpRegReg emits cmp left, right.
func (b *Buffer) CmpRegReg(left, right int) { b.aluRegReg(0x39, left, right) }

// TestRegReg emits test left, right.
func (b *Buffer) TestRegReg(left, right int) { b.aluRegReg(0x85, left, right) }

// ImulRegReg emits imul dst, src.
func (b *Buffer) ImulRegReg(dst, src int) {
	b.rex(true, hw(dst), 0, hw(src))
	b.bytes(0x0F, 0xAF)
	b.modrmReg(hw(dst), hw(src))
}

func (b *Buffer) aluRegImm32(ext byte, dst int, imm int32) {
	b.rex(true, 0, 0, hw(dst))
	b.byte1(0x81)
	b.modrmReg(int(ext), hw(dst))
	b.imm32(uint32(imm))
}

// AddRegImm32 emits add dst, imm32.
func (b *Buffer) AddRegImm32(dst int, imm int32) { b.aluRegImm32(0, dst, imm) }

// SubRegImm32 emits sub dst, imm32.
func (b *Buffer) SubRegImm32(dst int, imm int32) { b.aluRegImm32(5, dst, imm) }

// CmpRegImm32 emits cmp dst, imm32.
func (b *Buffer) CmpRegImm32(dst int, imm int32) { b.aluRegImm32(7, dst, imm) }

// NegReg emits neg dst.
func (b *Buffer) NegReg(dst int) {
	b.rex(true, 0, 0, hw(dst))
	b.byte1(0xF7)
	b.modrmReg(3, hw(dst))
}

// CqoIdivReg emits cqo; idiv src — quotient in rax, remainder in rdx.
func (b *Buffer) CqoIdivReg(src int) {
	b.bytes(0x48, 0x99) // cqo
	b.rex(true, 0, 0, hw(src))
	b.byte1(0xF7)
	b.modrmReg(7, hw(src))
}

func (b *Buffer) shiftRegImm(ext byte, dst int, imm uint8) {
	b.rex(true, 0, 0, hw(dst))
	b.byte1(0xC1)
	b.modrmReg(int(ext), hw(dst))
	b.byte1(imm)
}

// ShlRegImm emits shl dst, imm.
func (b *Buffer) ShlRegImm(dst int, imm uint8) { b.shiftRegImm(4, dst, imm) }

// ShrRegImm emits shr dst, imm.
func (b *Buffer) ShrRegImm(dst int, imm uint8) { b.shiftRegImm(5, dst, imm) }

// SarRegImm emits sar dst, imm.
func (b *Buffer) SarRegImm(dst int, imm uint8) { b.shiftRegImm(7, dst, imm) }

func (b *Buffer) shiftRegCL(ext byte, dst int) {
	b.rex(true, 0, 0, hw(dst))
	b.byte1(0xD3)
	b.modrmReg(int(ext), hw(dst))
}

// ShlRegCL emits shl dst, cl.
func (b *Buffer) ShlRegCL(dst int) { b.shiftRegCL(4, dst) }

// ShrRegCL emits shr dst, cl.
func (b *Buffer) ShrRegCL(dst int) { b.shiftRegCL(5, dst) }

// SarRegCL emits sar dst, cl.
func (b *Buffer) SarRegCL(dst int) { b.shiftRegCL(7, dst) }

// --- SSE scalar ---

func (b *Buffer) sseRegReg(prefix byte, opcode byte, dst, src int) {
	b.byte1(prefix)
	b.rex(false, hw(dst), 0, hw(src))
	b.bytes(0x0F, opcode)
	b.modrmReg(hw(dst), hw(src))
}

func (b *Buffer) sseRegMem(prefix byte, opcode byte, reg int, m Mem) {
	b.byte1(prefix)
	b.rex(false, hw(reg), memIndexHW(m), hw(m.Base))
	b.bytes(0x0F, opcode)
	b.modrmMem(hw(reg), m)
}

// MovsdRegMem emits movsd xmm, [mem].
func (b *Buffer) MovsdRegMem(dst int, m Mem) { b.sseRegMem(0xF2, 0x10, dst, m) }

// MovsdMemReg emits movsd [mem], xmm.
func (b *Buffer) MovsdMemReg(m Mem, src int) { b.sseRegMem(0xF2, 0x11, src, m) }

// MovsdRegReg emits movsd xmm, xmm.
func (b *Buffer) MovsdRegReg(dst, src int) { b.sseRegReg(0xF2, 0x10, dst, src) }

// MovssRegMem emits movss xmm, [mem].
func (b *Buffer) MovssRegMem(dst int, m Mem) { b.sseRegMem(0xF3, 0x10, dst, m) }

// MovssMemReg emits movss [mem], xmm.
func (b *Buffer) MovssMemReg(m Mem, src int) { b.sseRegMem(0xF3, 0x11, src, m) }

// AddsdRegReg emits addsd dst, src.
func (b *Buffer) AddsdRegReg(dst, src int) { b.sseRegReg(0xF2, 0x58, dst, src) }

// SubsdRegReg emits subsd dst, src.
func (b *Buffer) SubsdRegReg(dst, src int) { b.sseRegReg(0xF2, 0x5C, dst, src) }

// MulsdRegReg emits mulsd dst, src.
func (b *Buffer) MulsdRegReg(dst, src int) { b.sseRegReg(0xF2, 0x59, dst, src) }

// DivsdRegReg emits divsd dst, src.
func (b *Buffer) DivsdRegReg(dst, src int) { b.sseRegReg(0xF2, 0x5E, dst, src) }

// SqrtsdRegReg emits sqrtsd dst, src.
func (b *Buffer) SqrtsdRegReg(dst, src int) { b.sseRegReg(0xF2, 0x51, dst, src) }

// UcomisdRegReg emits ucomisd left, right.
func (b *Buffer) UcomisdRegReg(left, right int) {
	b.byte1(0x66)
	b.rex(false, hw(left), 0, hw(right))
	b.bytes(0x0F, 0x2E)
	b.modrmReg(hw(left), hw(right))
}

// MovqXmmReg emits movq xmm, r64.
func (b *Buffer) MovqXmmReg(dst, src int) {
	b.byte1(0x66)
	b.rex(true, hw(dst), 0, hw(src))
	b.bytes(0x0F, 0x6E)
	b.modrmReg(hw(dst), hw(src))
}

// MovqRegXmm emits movq r64, xmm.
func (b *Buffer) MovqRegXmm(dst, src int) {
	b.byte1(0x66)
	b.rex(true, hw(src), 0, hw(dst))
	b.bytes(0x0F, 0x7E)
	b.modrmReg(hw(src), hw(dst))
}

// --- stack, calls, control ---

// PushReg emits push r64.
func (b *Buffer) PushReg(r int) {
	if hw(r) >= 8 {
		b.byte1(0x41)
	}
	b.byte1(0x50 + byte(hw(r)&7))
}

// PopReg emits pop r64.
func (b *Buffer) PopReg(r int) {
	if hw(r) >= 8 {
		b.byte1(0x41)
	}
	b.byte1(0x58 + byte(hw(r)&7))
}

// Enter emits enter frameSize, 0: push rbp; mov rbp, rsp; sub rsp, frameSize.
func (b *Buffer) Enter(frameSize uint16) {
	b.byte1(0xC8)
	b.imm16(frameSize)
	b.byte1(0x00)
}

// Leave emits leave.
func (b *Buffer) Leave() { b.byte1(0xC9) }

// Ret emits ret.
func (b *Buffer) Ret() { b.byte1(0xC3) }

// RetImm16 emits ret imm16, trimming imm16 bytes of caller arguments.
func (b *Buffer) RetImm16(n uint16) {
	b.byte1(0xC2)
	b.imm16(n)
}

// CallRel32Patchable aligns the call site so the 4-byte displacement that
// follows the opcode byte is word-aligned, emits the call with a zero
// placeholder and returns the displacement offset for patching.
func (b *Buffer) CallRel32Patchable() int {
	for (b.Pc()+1)%4 != 0 {
		b.Nop(1)
	}
	b.byte1(0xE8)
	off := b.Pc()
	b.imm32(0)
	return off
}

// CallLabel emits call rel32 toward a label in the same buffer.
func (b *Buffer) CallLabel(l *Label) {
	b.byte1(0xE8)
	b.rel32(l)
}

// CallReg emits call r64.
func (b *Buffer) CallReg(r int) {
	if hw(r) >= 8 {
		b.byte1(0x41)
	}
	b.byte1(0xFF)
	b.modrmReg(2, hw(r))
}

// JmpReg emits jmp r64.
func (b *Buffer) JmpReg(r int) {
	if hw(r) >= 8 {
		b.byte1(0x41)
	}
	b.byte1(0xFF)
	b.modrmReg(4, hw(r))
}

// JmpLabel emits jmp rel32.
func (b *Buffer) JmpLabel(l *Label) {
	b.byte1(0xE9)
	b.rel32(l)
}

// CC is an x86 condition code nibble.
type CC byte

// Condition code nibbles used with Jcc.
const (
	CCO  CC = 0x0
	CCB  CC = 0x2
	CCAE CC = 0x3
	CCE  CC = 0x4
	CCNE CC = 0x5
	CCBE CC = 0x6
	CCA  CC = 0x7
	CCL  CC = 0xC
	CCGE CC = 0xD
	CCLE CC = 0xE
	CCG  CC = 0xF
)

// Jcc emits a conditional jump with a rel32 displacement.
func (b *Buffer) Jcc(cc CC, l *Label) {
	b.bytes(0x0F, 0x80+byte(cc))
	b.rel32(l)
}

// --- atomics, barriers, traps ---

// LockCmpxchgMemReg emits lock cmpxchg [mem], src. rax carries the expected
// value and receives the previous one.
func (b *Buffer) LockCmpxchgMemReg(m Mem, src int) {
	b.byte1(0xF0)
	b.rex(true, hw(src), memIndexHW(m), hw(m.Base))
	b.bytes(0x0F, 0xB1)
	b.modrmMem(hw(src), m)
}

// Mfence emits a full fence.
func (b *Buffer) Mfence() { b.bytes(0x0F, 0xAE, 0xF0) }

// Lfence emits a load fence.
func (b *Buffer) Lfence() { b.bytes(0x0F, 0xAE, 0xE8) }

// Sfence emits a store fence.
func (b *Buffer) Sfence() { b.bytes(0x0F, 0xAE, 0xF8) }

// Int3 emits a breakpoint trap.
func (b *Buffer) Int3() { b.byte1(0xCC) }
