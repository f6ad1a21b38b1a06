// Package adapter emits the bridge stubs interposed between the baseline
// calling convention (all arguments on the stack, category-1 slots) and the
// optimized register-and-stack convention, one stub per distinct signature
// and direction. Adapters are generated once, cached and immutable.
package adapter

import (
	"fmt"
	"strings"
	"sync"

	"github.com/vela-vm/vela/internal/asm"
	"github.com/vela-vm/vela/internal/frame"
	"github.com/vela-vm/vela/internal/operand"
	"github.com/vela-vm/vela/internal/rt"
)

// Direction tells which convention the caller uses.
type Direction uint8

const (
	BaselineToOptimized Direction = iota
	OptimizedToBaseline
)

func (d Direction) String() string {
	if d == BaselineToOptimized {
		return "base2opt"
	}
	return "opt2base"
}

// Signature is the argument/return shape an adapter bridges.
type Signature struct {
	Args []operand.Kind
	Ret  operand.Kind
}

func (s Signature) key(d Direction) string {
	var b strings.Builder
	b.WriteString(d.String())
	b.WriteByte(':')
	for _, k := range s.Args {
		b.WriteString(k.String())
		b.WriteByte(',')
	}
	b.WriteByte('>')
	b.WriteString(s.Ret.String())
	return b.String()
}

// Adapter is one generated bridge stub.
//
// Frame layout, words counted upward from the adapter SP:
//
//	[argument slot 0]          <- sp inside adapter
//	...
//	[argument slot N]
//	[saved caller frame ptr]
//	[body entry address]
//	[caller return address]    <- sp + FrameWords
type Adapter struct {
	Direction Direction
	Sig       Signature

	Code      []byte
	RetOffset int // code offset of the trailing return

	// FrameWords is the established frame size in words; the caller
	// return slot sits exactly FrameWords above the adapter SP.
	FrameWords int

	// Reference map over the adapter frame words. Small adapters keep the
	// scalar form; larger ones a byte array.
	refBits  uint64
	refBytes []byte
	large    bool
}

// FrameSize returns the frame size in bytes.
func (a *Adapter) FrameSize() int { return a.FrameWords * frame.WordSize }

// RefMapBit reports whether adapter frame word i holds a reference.
func (a *Adapter) RefMapBit(i int) bool {
	if i < 0 || i >= a.FrameWords {
		return false
	}
	if a.large {
		return a.refBytes[i/8]&(1<<uint(i%8)) != 0
	}
	return a.refBits&(1<<uint(i)) != 0
}

func (a *Adapter) setRefMapBit(i int) {
	if a.large {
		a.refBytes[i/8] |= 1 << uint(i%8)
	} else {
		a.refBits |= 1 << uint(i)
	}
}

// Cache shares adapters across compilations behind one lock.
type Cache struct {
	mu       sync.Mutex
	adapters map[string]*Adapter
	hits     int
}

// NewCache returns an empty adapter cache.
func NewCache() *Cache {
	return &Cache{adapters: make(map[string]*Adapter)}
}

// Get returns the adapter for a direction and signature, generating it on
// first use.
func (c *Cache) Get(d Direction, sig Signature) *Adapter {
	key := sig.key(d)
	c.mu.Lock()
	defer c.mu.Unlock()
	if a, ok := c.adapters[key]; ok {
		c.hits++
		return a
	}
	a := generate(d, sig)
	c.adapters[key] = a
	return a
}

// Hits returns how often a cached adapter was reused.
func (c *Cache) Hits() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits
}

// Len returns the number of generated adapters.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.adapters)
}

// generate emits the bridge code and its frame reference map.
func generate(d Direction, sig Signature) *Adapter {
	a := &Adapter{
		Direction:  d,
		Sig:        Signature{Args: append([]operand.Kind(nil), sig.Args...), Ret: sig.Ret},
		FrameWords: len(sig.Args) + 2,
	}
	if a.FrameWords > 64 {
		a.large = true
		a.refBytes = make([]byte, (a.FrameWords+7)/8)
	}
	// Reference arguments copied into the frame get their slot bits set so
	// a stack walk through the adapter finds them.
	for i, k := range sig.Args {
		if k.IsReference() {
			a.setRefMapBit(i)
		}
	}

	b := asm.NewBuffer()
	// Combined stack-allocate plus frame-pointer push.
	b.Enter(uint16(len(sig.Args) * frame.WordSize))

	switch d {
	case BaselineToOptimized:
		emitBaselineToOptimized(b, sig)
	case OptimizedToBaseline:
		emitOptimizedToBaseline(b, sig)
	}

	// The body address was pushed just above the saved frame pointer.
	b.MovRegMem(asm.ScratchInt, asm.BaseDisp(asm.RBP, frame.WordSize))
	b.CallReg(asm.ScratchInt)

	b.Leave()
	// Discard the body-address slot so the return slot is on top.
	b.AddRegImm32(asm.RSP, frame.WordSize)
	a.RetOffset = b.Pc()
	if d == BaselineToOptimized {
		// Stack-trimming return popping the baseline arguments.
		b.RetImm16(uint16(len(sig.Args) * frame.WordSize))
	} else {
		b.Ret()
	}

	a.Code = b.Bytes()
	return a
}

// emitBaselineToOptimized copies baseline stack slots into the optimized
// registers and outgoing slots.
func emitBaselineToOptimized(b *asm.Buffer, sig Signature) {
	intIdx, floatIdx, stackIdx := 0, 0, 0
	for i, k := range sig.Args {
		// Baseline slot i: past the saved FP, body slot and return slot.
		src := asm.BaseDisp(asm.RBP, int32((3+i)*frame.WordSize))
		switch {
		case k.IsFloat() && floatIdx < len(asm.FloatArgRegisters):
			b.MovsdRegMem(asm.FloatArgRegisters[floatIdx], src)
			floatIdx++
		case !k.IsFloat() && intIdx < len(asm.IntArgRegisters):
			b.MovRegMem(asm.IntArgRegisters[intIdx], src)
			intIdx++
		default:
			b.MovRegMem(asm.ScratchInt, src)
			b.MovMemReg(asm.BaseDisp(asm.RSP, int32(stackIdx*frame.WordSize)), asm.ScratchInt)
			stackIdx++
		}
	}
}

// emitOptimizedToBaseline spills register arguments and copies optimized
// caller slots into the baseline argument area the adapter allocated.
func emitOptimizedToBaseline(b *asm.Buffer, sig Signature) {
	intIdx, floatIdx, callerIdx := 0, 0, 0
	for i, k := range sig.Args {
		dst := asm.BaseDisp(asm.RSP, int32(i*frame.WordSize))
		switch {
		case k.IsFloat() && floatIdx < len(asm.FloatArgRegisters):
			b.MovsdMemReg(dst, asm.FloatArgRegisters[floatIdx])
			floatIdx++
		case !k.IsFloat() && intIdx < len(asm.IntArgRegisters):
			b.MovMemReg(dst, asm.IntArgRegisters[intIdx])
			intIdx++
		default:
			src := asm.BaseDisp(asm.RBP, int32((3+callerIdx)*frame.WordSize))
			b.MovRegMem(asm.ScratchInt, src)
			b.MovMemReg(dst, asm.ScratchInt)
			callerIdx++
		}
	}
}

// AdvanceFrame recovers the caller's IP, SP and FP from a frame executing
// inside the adapter. At the first instruction or at the return the frame
// is not established (or already torn down) and SP points at the return
// slot; otherwise the return slot sits FrameWords above SP and the saved
// frame pointer two words below it.
func (a *Adapter) AdvanceFrame(stack []rt.Word, ipOffset, sp, fp int) (rt.Frame, error) {
	if ipOffset == 0 || ipOffset == a.RetOffset {
		if sp >= len(stack) {
			return rt.Frame{}, fmt.Errorf("adapter: SP %d outside stack", sp)
		}
		return rt.Frame{IP: rt.Addr(stack[sp]), SP: sp + 1, FP: fp}, nil
	}
	retSlot := sp + a.FrameWords
	if retSlot >= len(stack) {
		return rt.Frame{}, fmt.Errorf("adapter: return slot %d outside stack", retSlot)
	}
	return rt.Frame{
		IP: rt.Addr(stack[retSlot]),
		SP: retSlot + 1,
		FP: int(stack[retSlot-2]),
	}, nil
}
