package deopt

import (
	"errors"
	"fmt"

	"github.com/vela-vm/vela/internal/rt"
	"github.com/vela-vm/vela/internal/target"
)

// ErrNoSafepoint is the fatal malformed-debug-info condition: no safepoint
// describes the captured position.
var ErrNoSafepoint = errors.New("deopt: no safepoint at captured position")

// ErrNoHandler reports an exception with no matching handler anywhere in
// the reconstructed chain.
var ErrNoHandler = errors.New("deopt: exception with no matching handler")

// Capture is the state a deopt stub hands to reconstruction: the optimized
// frame's position, the callee-save area, and the in-flight return value.
type Capture struct {
	IP rt.Addr
	SP int
	FP int

	// Regs is the callee-save area captured by the stub, keyed by
	// register number.
	Regs map[int]rt.Word

	ReturnValue rt.Word

	// PendingException is the thrown object's address, zero when none.
	PendingException rt.Word
}

// Reconstruct replaces the optimized frame described by cap with the
// equivalent chain of baseline frames and repositions the thread to resume
// in the top one. Cooperative safepoints stay disabled for the duration.
func Reconstruct(r *rt.Runtime, t *rt.Thread, cap Capture) error {
	t.DisableSafepoints()
	defer t.EnableSafepoints()

	m := r.Method(cap.IP.Method())
	if m == nil {
		return fmt.Errorf("deopt: no method for %s", cap.IP)
	}
	spIdx, ok := m.SafepointNear(cap.IP.Offset())
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSafepoint, cap.IP)
	}
	di := m.InfoAt(spIdx)
	frames := append([]target.VFrame(nil), di.Frames...)
	if len(frames) == 0 {
		return fmt.Errorf("%w: empty frame chain at %s", ErrNoSafepoint, cap.IP)
	}

	// Route a pending exception to the innermost frame with a handler,
	// dropping everything above it.
	if cap.PendingException != 0 {
		handler := -1
		for i := len(frames) - 1; i >= 0; i-- {
			bm, err := r.EnsureBaseline(frames[i].MethodID)
			if err != nil {
				return err
			}
			if bm.HasHandler {
				handler = i
				break
			}
		}
		if handler < 0 {
			return ErrNoHandler
		}
		frames = frames[:handler+1]
		top := &frames[handler]
		bm, _ := r.EnsureBaseline(top.MethodID)
		top.BCI = bm.HandlerBCI
		top.Stack = []target.Value{{
			Tag:     target.TagConstInt64,
			Payload: int64(cap.PendingException),
		}}
	}

	// Build one frame image per chain element, outermost caller first,
	// compiling baseline targets on demand.
	type image struct {
		words []rt.Word
		bm    *rt.BaselineMethod
		vf    target.VFrame
	}
	images := make([]image, 0, len(frames))
	for _, vf := range frames {
		bm, err := r.EnsureBaseline(vf.MethodID)
		if err != nil {
			return err
		}
		words := make([]rt.Word, bm.FrameWords(len(vf.Stack)))
		fpIdx := len(words) - 2
		for i, v := range vf.Locals {
			if i >= bm.MaxLocals {
				return fmt.Errorf("deopt: method %d local %d out of range", vf.MethodID, i)
			}
			w, err := decodeValue(r, t, cap, v)
			if err != nil {
				return err
			}
			words[fpIdx+bm.LocalSlot(i)] = w
		}
		for j, v := range vf.Stack {
			w, err := decodeValue(r, t, cap, v)
			if err != nil {
				return err
			}
			words[fpIdx+bm.StackSlot(j)] = w
		}
		images = append(images, image{words: words, bm: bm, vf: vf})
	}

	// Concatenate top frame first (lowest addresses) and resolve the
	// saved-FP links now that the total layout is known.
	total := 0
	for _, im := range images {
		total += len(im.words)
	}
	destEnd := cap.FP + 2
	newSP := destEnd - total
	if newSP < 0 {
		return fmt.Errorf("deopt: reconstructed frames (%d words) overflow the stack", total)
	}

	callerFP := int(t.Stack[cap.FP])
	callerRet := rt.Addr(t.Stack[cap.FP+1])

	// The outermost caller sits adjacent to the surviving caller frame;
	// the top frame ends up nearest the new stack pointer.
	base := destEnd
	fpAbs := make([]int, len(images))
	for i := 0; i < len(images); i++ {
		im := images[i]
		base -= len(im.words)
		copy(t.Stack[base:], im.words)
		fpAbs[i] = base + len(im.words) - 2
	}
	for i := range images {
		if i == 0 {
			t.Stack[fpAbs[0]] = rt.Word(callerFP)
			t.Stack[fpAbs[0]+1] = rt.Word(callerRet)
			continue
		}
		caller := images[i-1]
		t.Stack[fpAbs[i]] = rt.Word(fpAbs[i-1])
		t.Stack[fpAbs[i]+1] = rt.Word(rt.MakeBaselineAddr(caller.vf.MethodID, caller.bm.PCForBCI(caller.vf.BCI)))
	}

	topIdx := len(images) - 1
	top := images[topIdx]
	t.SP = newSP
	t.FP = fpAbs[topIdx]
	t.IP = rt.MakeBaselineAddr(top.vf.MethodID, top.bm.PCForBCI(top.vf.BCI))
	t.ResumeValue = cap.ReturnValue
	return nil
}

// decodeValue materializes one debug-info value from its recorded location.
func decodeValue(r *rt.Runtime, t *rt.Thread, cap Capture, v target.Value) (rt.Word, error) {
	switch v.Tag {
	case target.TagConstInt32, target.TagConstInt64, target.TagConstFloat, target.TagConstDouble:
		return rt.Word(uint64(v.Payload)), nil
	case target.TagConstObject:
		return rt.Word(r.ObjectAddress(int32(v.Payload))), nil
	case target.TagRegister:
		w, ok := cap.Regs[int(v.Payload)]
		if !ok {
			return 0, fmt.Errorf("deopt: register r%d not in captured callee-save area", v.Payload)
		}
		return w, nil
	case target.TagFrameSlot:
		idx := cap.SP + int(v.Payload)
		if idx < 0 || idx >= len(t.Stack) {
			return 0, fmt.Errorf("deopt: frame slot %d outside stack", v.Payload)
		}
		return t.Stack[idx], nil
	case target.TagCallerFrameSlot:
		idx := cap.FP + 2 + int(v.Payload)
		if idx < 0 || idx >= len(t.Stack) {
			return 0, fmt.Errorf("deopt: caller slot %d outside stack", v.Payload)
		}
		return t.Stack[idx], nil
	case target.TagVirtualObject:
		// Scalar-replaced objects rematerialize from their template.
		return rt.Word(r.ObjectAddress(v.Template)), nil
	}
	return 0, fmt.Errorf("deopt: unknown value tag %d", v.Tag)
}
