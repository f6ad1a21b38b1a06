// Package frame assigns concrete byte offsets to the stack frame of an
// optimized method: outgoing argument area, callee-saved spill area, monitor
// area and the canonical spill slots of the register allocator. It also
// sizes the per-safepoint frame reference maps.
package frame

import (
	"fmt"

	"github.com/vela-vm/vela/internal/bitset"
)

// WordSize is the size of one stack slot in bytes.
const WordSize = 8

// StackAlignment is the platform stack alignment requirement.
const StackAlignment = 16

// Map lays out one compilation's frame. Areas grow while the allocator runs;
// Freeze fixes the layout before emission.
type Map struct {
	outgoingWords int
	calleeSaved   []int
	monitorCount  int
	spillSlots    int

	frozen    bool
	frameSize int
}

// NewMap returns an empty frame map.
func NewMap() *Map {
	return &Map{}
}

// ReserveOutgoing widens the outgoing argument area to at least words slots.
// Sized by the worst-case outgoing call.
func (m *Map) ReserveOutgoing(words int) {
	m.ensureMutable()
	if words > m.outgoingWords {
		m.outgoingWords = words
	}
}

// SetCalleeSaved records the callee-saved registers the allocation used.
func (m *Map) SetCalleeSaved(regs []int) {
	m.ensureMutable()
	m.calleeSaved = append([]int(nil), regs...)
}

// CalleeSaved returns the registers spilled in the callee-save area.
func (m *Map) CalleeSaved() []int {
	return m.calleeSaved
}

// ReserveMonitors sizes the monitor area.
func (m *Map) ReserveMonitors(n int) {
	m.ensureMutable()
	if n > m.monitorCount {
		m.monitorCount = n
	}
}

// AllocSpillSlot hands out the next canonical spill slot index.
func (m *Map) AllocSpillSlot() int32 {
	m.ensureMutable()
	s := m.spillSlots
	m.spillSlots++
	return int32(s)
}

// SpillSlotCount returns the number of canonical spill slots allocated.
func (m *Map) SpillSlotCount() int {
	return m.spillSlots
}

func (m *Map) ensureMutable() {
	if m.frozen {
		panic("frame: layout mutated after freeze")
	}
}

// Freeze fixes the layout and computes the aligned frame size.
func (m *Map) Freeze() {
	if m.frozen {
		return
	}
	m.frozen = true
	size := (m.outgoingWords + len(m.calleeSaved) + m.monitorCount + m.spillSlots) * WordSize
	if rem := size % StackAlignment; rem != 0 {
		size += StackAlignment - rem
	}
	m.frameSize = size
}

// FrameSize returns the frozen frame size in bytes.
func (m *Map) FrameSize() int {
	if !m.frozen {
		panic("frame: FrameSize before freeze")
	}
	return m.frameSize
}

// Offsets are measured upward from the frame base (the stack pointer after
// the prologue). The outgoing area sits at the base so calls see their
// arguments at [sp].

// OutgoingOffset returns the byte offset of outgoing argument word i.
func (m *Map) OutgoingOffset(i int) int {
	return i * WordSize
}

// CalleeSaveOffset returns the byte offset of the i-th saved register.
func (m *Map) CalleeSaveOffset(i int) int {
	if i < 0 || i >= len(m.calleeSaved) {
		panic(fmt.Sprintf("frame: callee-save index %d out of range", i))
	}
	return (m.outgoingWords + i) * WordSize
}

// MonitorOffset returns the byte offset of monitor slot i.
func (m *Map) MonitorOffset(i int) int {
	return (m.outgoingWords + len(m.calleeSaved) + i) * WordSize
}

// SpillSlotOffset returns the byte offset of a canonical spill slot.
func (m *Map) SpillSlotOffset(slot int32) int {
	return (m.outgoingWords + len(m.calleeSaved) + m.monitorCount + int(slot)) * WordSize
}

// CallerSlotOffset returns the byte offset, from the frame base, of a
// caller-frame slot: past this frame, the saved frame pointer and the return
// address.
func (m *Map) CallerSlotOffset(index int32) int {
	return m.FrameSize() + 2*WordSize + int(index)*WordSize
}

// RefMapBits returns the size of the frame reference map in bits: one bit
// per frame word.
func (m *Map) RefMapBits() int {
	return (m.FrameSize() + WordSize - 1) / WordSize
}

// NewRefMap returns an empty frame reference map.
func (m *Map) NewRefMap() *bitset.Set {
	return bitset.New(m.RefMapBits())
}

// RefMapIndexForSpillSlot returns the reference-map bit covering a spill
// slot.
func (m *Map) RefMapIndexForSpillSlot(slot int32) int {
	return m.SpillSlotOffset(slot) / WordSize
}
