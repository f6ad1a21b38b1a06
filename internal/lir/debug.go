package lir

import (
	"fmt"

	"github.com/vela-vm/vela/internal/bitset"
	"github.com/vela-vm/vela/internal/operand"
)

// FrameState is the logical bytecode-level state at a safepoint: the method
// and bci plus the live values of the frame, chained to the caller state when
// the safepoint sits inside inlined code.
type FrameState struct {
	MethodID int32
	BCI      int32
	Locals   []operand.Operand
	Stack    []operand.Operand
	Caller   *FrameState
}

// Depth returns the number of chained frame states, innermost included.
func (fs *FrameState) Depth() int {
	n := 0
	for s := fs; s != nil; s = s.Caller {
		n++
	}
	return n
}

// ForEachValue visits every live value slot of this state only (not callers).
// The callback may replace the value by returning a different operand.
func (fs *FrameState) ForEachValue(f func(operand.Operand) operand.Operand) {
	for i, v := range fs.Locals {
		fs.Locals[i] = f(v)
	}
	for i, v := range fs.Stack {
		fs.Stack[i] = f(v)
	}
}

func (fs *FrameState) String() string {
	return fmt.Sprintf("m%d@%d locals=%d stack=%d", fs.MethodID, fs.BCI, len(fs.Locals), len(fs.Stack))
}

// DebugInfo is attached to any instruction that is a safepoint, call or
// explicit null check. Before allocation it holds only the logical frame
// state; the allocator fills in the reference maps and rewrites the state
// values to their allocated locations.
type DebugInfo struct {
	State *FrameState

	// ExceptionHandler, when non-nil, is the handler block entered if the
	// instruction throws.
	ExceptionHandler *Block

	// RegRefMap has one bit per register number; FrameRefMap one bit per
	// frame word. Filled during reference-map assignment.
	RegRefMap   *bitset.Set
	FrameRefMap *bitset.Set
}

// Clone returns a shallow copy sharing the frame-state chain but with
// detached reference maps.
func (di *DebugInfo) Clone() *DebugInfo {
	if di == nil {
		return nil
	}
	c := *di
	c.RegRefMap = nil
	c.FrameRefMap = nil
	return &c
}
