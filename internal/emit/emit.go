// Package emit walks allocated LIR in code-emission order and produces the
// target method: machine code, safepoint table with debug info, patchable
// call sites and the exception table.
package emit

import (
	"errors"
	"fmt"

	"github.com/vela-vm/vela/internal/asm"
	"github.com/vela-vm/vela/internal/frame"
	"github.com/vela-vm/vela/internal/lir"
	"github.com/vela-vm/vela/internal/operand"
	"github.com/vela-vm/vela/internal/target"
)

// ErrUnsupported reports an instruction the backend cannot lower; the
// compilation fails with a typed error and the method stays runnable in the
// baseline tier.
var ErrUnsupported = errors.New("emit: unsupported operation")

// Options parameterize one emission.
type Options struct {
	// Resolve maps a native symbol to its address.
	Resolve func(string) (uint64, error)
	// ObjectAddress maps an interned object-pool index to its address.
	ObjectAddress func(int32) uint64
	// SafepointSentinel is the address polls read through; the runtime
	// revokes it to stop mutators.
	SafepointSentinel uint64
	// VerifyRefMaps checks that every safepoint carries reference maps.
	VerifyRefMaps bool
}

type pendingHandler struct {
	offset int
	block  *lir.Block
}

type emitter struct {
	graph *lir.Graph
	fm    *frame.Map
	opts  Options

	buf    *asm.Buffer
	labels map[*lir.Block]*asm.Label

	safepoints []target.Safepoint
	debugInfos []target.DebugInfo
	callSites  []target.CallSite
	handlers   []pendingHandler
}

// Emit lowers an allocated graph into a target method.
func Emit(g *lir.Graph, fm *frame.Map, methodID int32, opts Options) (*target.Method, error) {
	e := &emitter{
		graph:  g,
		fm:     fm,
		opts:   opts,
		buf:    asm.NewBuffer(),
		labels: make(map[*lir.Block]*asm.Label),
	}
	for _, b := range g.Blocks {
		e.labels[b] = e.buf.NewLabel()
	}

	prologueLen := e.emitPrologue()

	for _, b := range g.EmitOrder {
		if b.Align {
			e.buf.Align(16)
		}
		e.buf.Bind(e.labels[b])
		for _, in := range b.Instrs {
			if err := e.emitInstr(in); err != nil {
				return nil, fmt.Errorf("method %d at op %d: %w", methodID, in.Id, err)
			}
		}
	}

	// Every branch target must have been bound by now.
	e.buf.AssertAllBound()

	m := &target.Method{
		ID:          methodID,
		Name:        g.Name,
		Code:        e.buf.Bytes(),
		PrologueLen: prologueLen,
		FrameSize:   fm.FrameSize(),
		Kind:        target.KindOptimized,
		Safepoints:  e.safepoints,
		DebugInfos:  e.debugInfos,
		CallSites:   e.callSites,
	}
	for _, h := range e.handlers {
		m.ExceptionTable = append(m.ExceptionTable, target.ExceptionEntry{
			Offset:        h.offset,
			HandlerOffset: e.labels[h.block].Pc(),
		})
	}
	return m, nil
}

func (e *emitter) emitPrologue() int {
	b := e.buf
	b.PushReg(asm.RBP)
	b.MovRegReg(asm.RBP, asm.RSP)
	if fs := e.fm.FrameSize(); fs > 0 {
		b.SubRegImm32(asm.RSP, int32(fs))
	}
	for i, r := range e.fm.CalleeSaved() {
		b.MovMemReg(asm.BaseDisp(asm.RSP, int32(e.fm.CalleeSaveOffset(i))), r)
	}
	return b.Pc()
}

func (e *emitter) emitEpilogue() {
	b := e.buf
	for i, r := range e.fm.CalleeSaved() {
		b.MovRegMem(r, asm.BaseDisp(asm.RSP, int32(e.fm.CalleeSaveOffset(i))))
	}
	b.Leave()
	b.Ret()
}

// memFor converts a stack or address operand to an assembler memory
// operand.
func (e *emitter) memFor(o operand.Operand) asm.Mem {
	switch o.Variant {
	case operand.VariantStack:
		return asm.BaseDisp(asm.RSP, int32(e.fm.SpillSlotOffset(o.Num)))
	case operand.VariantCallerStack:
		return asm.BaseDisp(asm.RSP, int32(e.fm.CallerSlotOffset(o.Num)))
	case operand.VariantAddress:
		m := asm.Mem{Base: int(o.Addr.Base), Index: -1, Scale: o.Addr.Scale, Disp: o.Addr.Disp}
		if o.Addr.Index != operand.NoReg {
			m.Index = int(o.Addr.Index)
		}
		return m
	}
	panic(fmt.Sprintf("emit: operand %s is not memory", o))
}

// recordInfo registers the safepoint debug info at the given code offset.
func (e *emitter) recordInfo(in *lir.Instr, offset int) error {
	if in.Info == nil {
		return nil
	}
	if e.opts.VerifyRefMaps && (in.Info.RegRefMap == nil || in.Info.FrameRefMap == nil) {
		return fmt.Errorf("emit: safepoint at op %d without reference maps", in.Id)
	}
	di, err := e.convertInfo(in.Info)
	if err != nil {
		return err
	}
	idx := int32(len(e.debugInfos))
	e.debugInfos = append(e.debugInfos, di)
	e.safepoints = append(e.safepoints, target.Safepoint{Offset: offset, InfoIndex: idx})
	if in.Info.ExceptionHandler != nil {
		e.handlers = append(e.handlers, pendingHandler{offset: offset, block: in.Info.ExceptionHandler})
	}
	return nil
}

// convertInfo encodes the rewritten frame-state chain, outermost caller
// first, plus the reference bitmaps.
func (e *emitter) convertInfo(info *lir.DebugInfo) (target.DebugInfo, error) {
	var di target.DebugInfo
	if info.RegRefMap != nil {
		di.RegRefMap = append([]uint64(nil), info.RegRefMap.Words()...)
	}
	if info.FrameRefMap != nil {
		di.FrameRefMap = append([]uint64(nil), info.FrameRefMap.Words()...)
	}

	var chain []*lir.FrameState
	for s := info.State; s != nil; s = s.Caller {
		chain = append(chain, s)
	}
	for i := len(chain) - 1; i >= 0; i-- {
		s := chain[i]
		vf := target.VFrame{MethodID: s.MethodID, BCI: s.BCI}
		for _, v := range s.Locals {
			tv, err := e.convertValue(v)
			if err != nil {
				return di, err
			}
			vf.Locals = append(vf.Locals, tv)
		}
		for _, v := range s.Stack {
			tv, err := e.convertValue(v)
			if err != nil {
				return di, err
			}
			vf.Stack = append(vf.Stack, tv)
		}
		di.Frames = append(di.Frames, vf)
	}
	return di, nil
}

func (e *emitter) convertValue(o operand.Operand) (target.Value, error) {
	switch o.Variant {
	case operand.VariantConstant:
		tag := target.TagConstInt32
		switch o.Kind {
		case operand.KindInt64, operand.KindWord:
			tag = target.TagConstInt64
		case operand.KindFloat:
			tag = target.TagConstFloat
		case operand.KindDouble:
			tag = target.TagConstDouble
		case operand.KindObject:
			tag = target.TagConstObject
		}
		return target.Value{Tag: tag, Kind: o.Kind, Payload: int64(o.Const.Bits)}, nil
	case operand.VariantPhysical:
		return target.Value{Tag: target.TagRegister, Kind: o.Kind, Payload: int64(o.Num)}, nil
	case operand.VariantStack:
		// Encoded as a frame word index, matching the frame reference map.
		return target.Value{Tag: target.TagFrameSlot, Kind: o.Kind, Payload: int64(e.fm.RefMapIndexForSpillSlot(o.Num))}, nil
	case operand.VariantCallerStack:
		return target.Value{Tag: target.TagCallerFrameSlot, Kind: o.Kind, Payload: int64(o.Num)}, nil
	}
	return target.Value{}, fmt.Errorf("emit: debug value %s not allocatable to a location tag", o)
}
