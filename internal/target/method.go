// Package target defines the compiled artifact the emitter produces: the
// code buffer plus the safepoint table, debug-info pool, call-site fixups
// and exception table the runtime, GC and deoptimizer consume.
package target

import (
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/vela-vm/vela/internal/operand"
)

// CalleeKind tells which calling convention a method body uses.
type CalleeKind uint8

const (
	KindBaseline CalleeKind = iota
	KindOptimized
	KindAdapter
	KindStub
)

func (k CalleeKind) String() string {
	switch k {
	case KindBaseline:
		return "baseline"
	case KindOptimized:
		return "optimized"
	case KindAdapter:
		return "adapter"
	default:
		return "stub"
	}
}

// LocationTag discriminates debug-info value payloads.
type LocationTag uint8

const (
	TagConstInt32 LocationTag = iota
	TagConstInt64
	TagConstFloat
	TagConstDouble
	TagConstObject // interned pool index
	TagRegister
	TagFrameSlot
	TagCallerFrameSlot
	TagVirtualObject
)

// Value is one debug-info value: kind tag, location tag and payload.
type Value struct {
	Tag     LocationTag
	Kind    operand.Kind
	Payload int64

	// Virtual objects carry a template and field values.
	Template int32
	Fields   []Value
}

// VFrame is one element of the reconstructed bytecode-level frame chain.
type VFrame struct {
	MethodID int32
	BCI      int32
	Locals   []Value
	Stack    []Value
}

// DebugInfo is the per-safepoint record: reference bitmaps plus the frame
// chain ordered outermost caller first.
type DebugInfo struct {
	RegRefMap   []uint64
	FrameRefMap []uint64
	Frames      []VFrame
}

// RegIsReference reports whether register r holds a reference here.
func (di *DebugInfo) RegIsReference(r int) bool {
	return bitAt(di.RegRefMap, r)
}

// FrameWordIsReference reports whether frame word i holds a reference here.
func (di *DebugInfo) FrameWordIsReference(i int) bool {
	return bitAt(di.FrameRefMap, i)
}

func bitAt(words []uint64, i int) bool {
	w := i / 64
	if w < 0 || w >= len(words) {
		return false
	}
	return words[w]&(1<<uint(i%64)) != 0
}

// Safepoint is one entry of the sorted safepoint table.
type Safepoint struct {
	Offset    int
	InfoIndex int32
}

// CallSite is a patchable direct call: the offset of its 4-byte
// displacement and the callee it was linked against.
type CallSite struct {
	Offset   int // displacement offset within the code
	CalleeID int32
}

// ExceptionEntry maps a throwing instruction to its handler.
type ExceptionEntry struct {
	Offset        int
	HandlerOffset int
}

// Method is the compiled artifact. Safepoint and exception tables are
// immutable after emission; the invalidated flag flips at most once.
type Method struct {
	ID   int32
	Name string

	Code        []byte
	EntryOffset int
	PrologueLen int
	FrameSize   int
	Kind        CalleeKind

	// ReturnKind selects the deopt stub preserving the return value when a
	// frame returning into this method is deoptimized.
	ReturnKind operand.Kind

	Safepoints     []Safepoint
	DebugInfos     []DebugInfo
	CallSites      []CallSite
	ExceptionTable []ExceptionEntry

	// CalleeSaveRefMap covers the callee-saved registers at call sites.
	CalleeSaveRefMap []uint64

	invalidated atomic.Bool
}

// Invalidate marks the method invalidated; it reports false when the method
// already was, so repeated invalidation never repatches.
func (m *Method) Invalidate() bool {
	return m.invalidated.CompareAndSwap(false, true)
}

// Invalidated reports whether the method has been invalidated.
func (m *Method) Invalidated() bool {
	return m.invalidated.Load()
}

// SafepointNear returns the index of the safepoint closest at or before
// offset, falling back to the first one. It reports false when the method
// has no safepoints.
func (m *Method) SafepointNear(offset int) (int, bool) {
	if len(m.Safepoints) == 0 {
		return 0, false
	}
	i := sort.Search(len(m.Safepoints), func(i int) bool {
		return m.Safepoints[i].Offset > offset
	})
	if i == 0 {
		return 0, true
	}
	return i - 1, true
}

// InfoAt returns the debug info of safepoint index i.
func (m *Method) InfoAt(i int) *DebugInfo {
	return &m.DebugInfos[m.Safepoints[i].InfoIndex]
}

// HandlerFor returns the exception-handler offset covering a code offset,
// or -1.
func (m *Method) HandlerFor(offset int) int {
	for _, e := range m.ExceptionTable {
		if e.Offset == offset {
			return e.HandlerOffset
		}
	}
	return -1
}

// Describe renders the method tables for diagnostics.
func (m *Method) Describe() string {
	var b strings.Builder
	fmt.Fprintf(&b, "method %d %q: %d bytes, frame %d, %s\n", m.ID, m.Name, len(m.Code), m.FrameSize, m.Kind)
	for _, sp := range m.Safepoints {
		di := m.DebugInfos[sp.InfoIndex]
		fmt.Fprintf(&b, "  safepoint +%d frames=%d\n", sp.Offset, len(di.Frames))
	}
	for _, cs := range m.CallSites {
		fmt.Fprintf(&b, "  call +%d -> m%d\n", cs.Offset, cs.CalleeID)
	}
	for _, e := range m.ExceptionTable {
		fmt.Fprintf(&b, "  handler +%d -> +%d\n", e.Offset, e.HandlerOffset)
	}
	return b.String()
}
