// Package asm is a binary x86-64 assembler: a growing code buffer with
// labels, branch fixups and the aligned patchable call sites the runtime
// rewrites atomically.
package asm

import "fmt"

// General-purpose register numbers. These are the numbers operands carry;
// they double as the hardware encoding.
const (
	RAX = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
)

// XMM register numbers continue after the GPRs.
const (
	XMM0 = 16 + iota
	XMM1
	XMM2
	XMM3
	XMM4
	XMM5
	XMM6
	XMM7
	XMM8
	XMM9
	XMM10
	XMM11
	XMM12
	XMM13
	XMM14
	XMM15
)

// NumRegisters is the size of the physical register name space.
const NumRegisters = 32

var gprNames = [...]string{
	"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
}

// RegisterName returns the mnemonic for a register number.
func RegisterName(r int) string {
	if r >= 0 && r < 16 {
		return gprNames[r]
	}
	if r >= XMM0 && r <= XMM15 {
		return fmt.Sprintf("xmm%d", r-XMM0)
	}
	return fmt.Sprintf("r?%d", r)
}

// IsXMM reports whether r is a float register.
func IsXMM(r int) bool { return r >= XMM0 && r <= XMM15 }

// System V AMD64 convention, the optimized calling convention of the VM.
var (
	// IntArgRegisters receive the first integer/reference arguments.
	IntArgRegisters = []int{RDI, RSI, RDX, RCX, R8, R9}

	// FloatArgRegisters receive the first float/double arguments.
	FloatArgRegisters = []int{XMM0, XMM1, XMM2, XMM3, XMM4, XMM5, XMM6, XMM7}

	// IntReturnRegister and FloatReturnRegister carry return values.
	IntReturnRegister   = RAX
	FloatReturnRegister = XMM0

	// CallerSaved registers may be clobbered by any call.
	CallerSaved = []int{
		RAX, RCX, RDX, RSI, RDI, R8, R9, R10, R11,
		XMM0, XMM1, XMM2, XMM3, XMM4, XMM5, XMM6, XMM7,
		XMM8, XMM9, XMM10, XMM11, XMM12, XMM13, XMM14, XMM15,
	}

	// CalleeSaved registers are preserved across calls.
	CalleeSaved = []int{RBX, R12, R13, R14, R15}

	// AllocatableInt excludes the stack/frame pointers and the scratch
	// register reserved for memory-to-memory moves.
	AllocatableInt = []int{RAX, RCX, RDX, RBX, RSI, RDI, R8, R9, R10, R12, R13, R14, R15}

	// AllocatableFloat excludes the float scratch register.
	AllocatableFloat = []int{
		XMM0, XMM1, XMM2, XMM3, XMM4, XMM5, XMM6, XMM7,
		XMM8, XMM9, XMM10, XMM11, XMM12, XMM13, XMM14,
	}

	// ScratchInt and ScratchFloat are reserved for the emitter and the
	// move resolver; the allocator never hands them out.
	ScratchInt   = R11
	ScratchFloat = XMM15
)

// IsCallerSaved reports whether r is clobbered by calls.
func IsCallerSaved(r int) bool {
	for _, c := range CallerSaved {
		if c == r {
			return true
		}
	}
	return false
}
