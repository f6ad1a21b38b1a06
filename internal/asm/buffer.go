package asm

import (
	"encoding/binary"
	"fmt"
)

// Label marks a position in the code buffer. Branches to an unbound label
// record fixups that are patched when the label is bound.
type Label struct {
	bound  bool
	pc     int
	fixups []int // offsets of rel32 displacements awaiting the target
}

// Bound reports whether the label has been bound to a position.
func (l *Label) Bound() bool { return l.bound }

// Pc returns the bound position.
func (l *Label) Pc() int { return l.pc }

// Buffer accumulates machine code and label fixups.
type Buffer struct {
	code   []byte
	labels []*Label
}

// NewBuffer returns an empty code buffer.
func NewBuffer() *Buffer {
	return &Buffer{code: make([]byte, 0, 256)}
}

// NewLabel allocates an unbound label owned by the buffer.
func (b *Buffer) NewLabel() *Label {
	l := &Label{}
	b.labels = append(b.labels, l)
	return l
}

// Pc returns the current emission offset.
func (b *Buffer) Pc() int { return len(b.code) }

// Bytes returns the emitted code. The slice aliases the buffer.
func (b *Buffer) Bytes() []byte { return b.code }

// Bind fixes the label at the current position and patches pending branches.
func (b *Buffer) Bind(l *Label) {
	if l.bound {
		panic("asm: label bound twice")
	}
	l.bound = true
	l.pc = b.Pc()
	for _, off := range l.fixups {
		rel := int32(l.pc - (off + 4))
		binary.LittleEndian.PutUint32(b.code[off:], uint32(rel))
	}
	l.fixups = nil
}

// AssertAllBound panics if any referenced label is still unbound; called at
// the end of emission.
func (b *Buffer) AssertAllBound() {
	for i, l := range b.labels {
		if !l.bound && len(l.fixups) > 0 {
			panic(fmt.Sprintf("asm: label %d referenced but unbound at end of emission", i))
		}
	}
}

func (b *Buffer) byte1(v byte) { b.code = append(b.code, v) }

func (b *Buffer) bytes(v ...byte) { b.code = append(b.code, v...) }

func (b *Buffer) imm16(v uint16) {
	b.code = binary.LittleEndian.AppendUint16(b.code, v)
}

func (b *Buffer) imm32(v uint32) {
	b.code = binary.LittleEndian.AppendUint32(b.code, v)
}

func (b *Buffer) imm64(v uint64) {
	b.code = binary.LittleEndian.AppendUint64(b.code, v)
}

// rel32 emits a 4-byte displacement toward l, recording a fixup when l is
// not bound yet.
func (b *Buffer) rel32(l *Label) {
	if l.bound {
		b.imm32(uint32(int32(l.pc - (b.Pc() + 4))))
		return
	}
	l.fixups = append(l.fixups, b.Pc())
	b.imm32(0)
}

// Nop emits n bytes of single-byte nops.
func (b *Buffer) Nop(n int) {
	for i := 0; i < n; i++ {
		b.byte1(0x90)
	}
}

// Align pads with nops until Pc is a multiple of n.
func (b *Buffer) Align(n int) {
	if rem := b.Pc() % n; rem != 0 {
		b.Nop(n - rem)
	}
}
