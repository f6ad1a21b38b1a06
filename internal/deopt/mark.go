// Package deopt invalidates compiled methods and reconstructs baseline
// frames from optimized ones using safepoint debug info. Marking runs under
// the global safepoint; reconstruction runs on the deoptee's own thread
// when a patched stub fires.
package deopt

import (
	"github.com/vela-vm/vela/internal/operand"
	"github.com/vela-vm/vela/internal/rt"
	"github.com/vela-vm/vela/internal/target"
)

// StubFor selects the deopt-on-return stub preserving a return value of the
// given kind.
func StubFor(kind operand.Kind) rt.Addr {
	var id int32
	switch kind {
	case operand.KindInt32:
		id = rt.StubDeoptReturnInt
	case operand.KindInt64:
		id = rt.StubDeoptReturnLong
	case operand.KindFloat:
		id = rt.StubDeoptReturnFloat
	case operand.KindDouble:
		id = rt.StubDeoptReturnDouble
	case operand.KindObject:
		id = rt.StubDeoptReturnObject
	case operand.KindWord:
		id = rt.StubDeoptReturnWord
	default:
		id = rt.StubDeoptReturnVoid
	}
	return rt.MakeAddr(id, 0)
}

// Deoptimize atomically invalidates the given methods under a stop-the-world
// safepoint: dispatch-table slots revert to trampolines, entry points
// redirect to the static trampoline, and every stack frame executing an
// invalidated method gets its return path patched to a deopt stub. Already-
// invalidated methods are skipped. Returns the number of freshly
// invalidated methods.
func Deoptimize(r *rt.Runtime, methods []*target.Method) int {
	marked := 0
	r.StopTheWorld(func() {
		invalidated := make(map[int32]bool)
		for _, m := range methods {
			if !m.Invalidate() {
				continue
			}
			invalidated[m.ID] = true
			marked++
		}
		if len(invalidated) == 0 {
			return
		}

		trampoline := rt.MakeAddr(rt.StubStaticTrampoline, 0)

		// Dispatch tables: one aligned word write per reverted slot.
		r.ForEachDispatchSlot(func(table, slot int, a rt.Addr) {
			if !a.IsBaseline() && invalidated[a.Method()] {
				r.SetDispatchSlot(table, slot, trampoline)
			}
		})

		// Entry points: direct calls not yet patched re-link through the
		// static trampoline on their next invocation.
		for id := range invalidated {
			r.SetEntry(id, trampoline)
		}

		for _, t := range r.Threads() {
			patchThread(r, t, invalidated)
		}
	})
	return marked
}

// patchThread walks one stack and patches the return path of every frame
// executing an invalidated method.
func patchThread(r *rt.Runtime, t *rt.Thread, invalidated map[int32]bool) {
	var callee *rt.Frame
	top := true
	t.Walk(func(f rt.Frame) bool {
		if !f.IP.IsBaseline() && invalidated[f.IP.Method()] {
			if top && t.TrapTop {
				// The trap stub resumes into the invalidated method:
				// repoint it at the deopt-at-safepoint stub instead.
				t.TrapReturn = rt.MakeAddr(rt.StubDeoptAtSafepoint, 0)
			} else if callee != nil {
				// The callee's return slot carries execution back into
				// this frame; park the original address at the fixed
				// frame offset and return through the kind-keyed stub.
				kind := operand.KindIllegal
				if cm := r.Method(callee.IP.Method()); cm != nil {
					kind = cm.ReturnKind
				}
				t.Stack[f.FP+rt.DeoptSavedReturnSlot] = t.Stack[callee.FP+1]
				t.Stack[callee.FP+1] = rt.Word(StubFor(kind))
			} else {
				// Top frame stopped at a cooperative poll: the nearest
				// safepoint triggers the deopt when the thread resumes.
				t.TrapReturn = rt.MakeAddr(rt.StubDeoptAtSafepoint, 0)
			}
		}
		c := f
		callee = &c
		top = false
		return true
	})
}
