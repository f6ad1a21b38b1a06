// Package operand defines the typed value locations the low-level IR and the
// register allocator work with: virtual and physical registers, stack slots,
// addresses and constants. Operands are small value types; two operands are
// equal iff their kind, variant and payload match exactly.
package operand

import "fmt"

// Kind classifies the value held by an operand.
type Kind uint8

const (
	KindIllegal Kind = iota
	KindInt32
	KindInt64
	KindFloat
	KindDouble
	KindWord
	KindObject
)

// IsReference reports whether values of this kind are GC-managed references.
func (k Kind) IsReference() bool {
	return k == KindObject
}

// IsFloat reports whether values of this kind live in float registers.
func (k Kind) IsFloat() bool {
	return k == KindFloat || k == KindDouble
}

func (k Kind) String() string {
	switch k {
	case KindInt32:
		return "i32"
	case KindInt64:
		return "i64"
	case KindFloat:
		return "f32"
	case KindDouble:
		return "f64"
	case KindWord:
		return "word"
	case KindObject:
		return "obj"
	default:
		return "illegal"
	}
}

// Variant discriminates the payload of an Operand.
type Variant uint8

const (
	VariantIllegal Variant = iota
	VariantVirtual
	VariantPhysical
	VariantStack       // frame-relative slot index
	VariantCallerStack // caller-frame-relative slot index
	VariantAddress
	VariantConstant
)

// VirtualBase is the first virtual register number. Register numbers below
// it denote physical registers.
const VirtualBase = 64

// NoReg marks an absent register in an Address.
const NoReg int16 = -1

// Address is a base+index*scale+disp memory reference. Base and Index are
// register numbers (physical or virtual), NoReg when absent.
type Address struct {
	Base  int16
	Index int16
	Scale uint8
	Disp  int32
}

// Constant is a typed literal. Bits holds the raw payload; object constants
// hold an interned pool index.
type Constant struct {
	Kind Kind
	Bits uint64
}

// Operand is a tagged value location. The zero value is the illegal operand.
type Operand struct {
	Kind    Kind
	Variant Variant
	Num     int32 // register number or stack-slot index
	Addr    Address
	Const   Constant
}

// Illegal is the absent operand.
var Illegal = Operand{}

// Virtual returns a virtual-register operand. The id must be >= VirtualBase.
func Virtual(id int32, kind Kind) Operand {
	if id < VirtualBase {
		panic(fmt.Sprintf("operand: virtual register id %d below base", id))
	}
	return Operand{Kind: kind, Variant: VariantVirtual, Num: id}
}

// Physical returns a physical-register operand. The reg must be < VirtualBase.
func Physical(reg int32, kind Kind) Operand {
	if reg >= VirtualBase || reg < 0 {
		panic(fmt.Sprintf("operand: physical register %d out of range", reg))
	}
	return Operand{Kind: kind, Variant: VariantPhysical, Num: reg}
}

// StackSlot returns a frame-relative stack slot operand.
func StackSlot(index int32, kind Kind) Operand {
	return Operand{Kind: kind, Variant: VariantStack, Num: index}
}

// CallerSlot returns a caller-frame-relative stack slot operand.
func CallerSlot(index int32, kind Kind) Operand {
	return Operand{Kind: kind, Variant: VariantCallerStack, Num: index}
}

// Memory returns an address operand.
func Memory(kind Kind, addr Address) Operand {
	return Operand{Kind: kind, Variant: VariantAddress, Addr: addr}
}

// BaseDisp returns an address operand with only a base register and
// displacement.
func BaseDisp(kind Kind, base int16, disp int32) Operand {
	return Memory(kind, Address{Base: base, Index: NoReg, Disp: disp})
}

// ConstInt32 returns an int32 constant operand.
func ConstInt32(v int32) Operand {
	return constant(KindInt32, uint64(uint32(v)))
}

// ConstInt64 returns an int64 constant operand.
func ConstInt64(v int64) Operand {
	return constant(KindInt64, uint64(v))
}

// ConstWord returns a word-sized constant operand.
func ConstWord(v uint64) Operand {
	return constant(KindWord, v)
}

// ConstFloatBits returns a float constant operand from raw IEEE-754 bits.
func ConstFloatBits(bits uint32) Operand {
	return constant(KindFloat, uint64(bits))
}

// ConstDoubleBits returns a double constant operand from raw IEEE-754 bits.
func ConstDoubleBits(bits uint64) Operand {
	return constant(KindDouble, bits)
}

// ConstObject returns a reference constant operand holding an interned pool
// index.
func ConstObject(poolIndex int32) Operand {
	return constant(KindObject, uint64(uint32(poolIndex)))
}

func constant(kind Kind, bits uint64) Operand {
	return Operand{Kind: kind, Variant: VariantConstant, Const: Constant{Kind: kind, Bits: bits}}
}

// IsIllegal reports whether o is the absent operand.
func (o Operand) IsIllegal() bool { return o.Variant == VariantIllegal }

// IsRegister reports whether o names a register, virtual or physical.
func (o Operand) IsRegister() bool {
	return o.Variant == VariantVirtual || o.Variant == VariantPhysical
}

// IsVirtual reports whether o names a virtual register.
func (o Operand) IsVirtual() bool { return o.Variant == VariantVirtual }

// IsPhysical reports whether o names a physical register.
func (o Operand) IsPhysical() bool { return o.Variant == VariantPhysical }

// IsStack reports whether o names a frame- or caller-relative stack slot.
func (o Operand) IsStack() bool {
	return o.Variant == VariantStack || o.Variant == VariantCallerStack
}

// IsAddress reports whether o is a memory address.
func (o Operand) IsAddress() bool { return o.Variant == VariantAddress }

// IsConstant reports whether o is a literal.
func (o Operand) IsConstant() bool { return o.Variant == VariantConstant }

// IsMemory reports whether reading o touches memory.
func (o Operand) IsMemory() bool { return o.IsStack() || o.IsAddress() }

func (o Operand) String() string {
	switch o.Variant {
	case VariantVirtual:
		return fmt.Sprintf("v%d:%s", o.Num, o.Kind)
	case VariantPhysical:
		return fmt.Sprintf("r%d:%s", o.Num, o.Kind)
	case VariantStack:
		return fmt.Sprintf("stack[%d]:%s", o.Num, o.Kind)
	case VariantCallerStack:
		return fmt.Sprintf("caller[%d]:%s", o.Num, o.Kind)
	case VariantAddress:
		if o.Addr.Index != NoReg {
			return fmt.Sprintf("[r%d+r%d*%d%+d]:%s", o.Addr.Base, o.Addr.Index, o.Addr.Scale, o.Addr.Disp, o.Kind)
		}
		return fmt.Sprintf("[r%d%+d]:%s", o.Addr.Base, o.Addr.Disp, o.Kind)
	case VariantConstant:
		return fmt.Sprintf("const(%s:0x%x)", o.Const.Kind, o.Const.Bits)
	default:
		return "illegal"
	}
}
