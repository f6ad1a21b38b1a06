package adapter

import (
	"testing"

	"github.com/vela-vm/vela/internal/operand"
	"github.com/vela-vm/vela/internal/rt"
)

func sig(kinds ...operand.Kind) Signature {
	return Signature{Args: kinds, Ret: operand.KindWord}
}

func TestCacheReuse(t *testing.T) {
	c := NewCache()
	a1 := c.Get(BaselineToOptimized, sig(operand.KindWord, operand.KindObject))
	a2 := c.Get(BaselineToOptimized, sig(operand.KindWord, operand.KindObject))
	if a1 != a2 {
		t.Error("identical signatures produced distinct adapters")
	}
	if c.Hits() != 1 {
		t.Errorf("cache hits = %d, want 1", c.Hits())
	}
	a3 := c.Get(OptimizedToBaseline, sig(operand.KindWord, operand.KindObject))
	if a3 == a1 {
		t.Error("directions share one adapter")
	}
	if c.Len() != 2 {
		t.Errorf("cache size = %d, want 2", c.Len())
	}
}

func TestFrameLayout(t *testing.T) {
	c := NewCache()
	a := c.Get(BaselineToOptimized, sig(operand.KindWord, operand.KindWord, operand.KindWord))
	if a.FrameWords != 5 {
		t.Errorf("FrameWords = %d, want 5 (3 args + fp + body)", a.FrameWords)
	}
	if len(a.Code) == 0 {
		t.Error("no code generated")
	}
	if a.RetOffset <= 0 || a.RetOffset >= len(a.Code) {
		t.Errorf("RetOffset %d outside code of %d bytes", a.RetOffset, len(a.Code))
	}
}

func TestReferenceMapScalarForm(t *testing.T) {
	c := NewCache()
	a := c.Get(BaselineToOptimized, sig(operand.KindObject, operand.KindWord, operand.KindObject))
	if a.large {
		t.Fatal("small adapter used the byte-array form")
	}
	if !a.RefMapBit(0) || a.RefMapBit(1) || !a.RefMapBit(2) {
		t.Errorf("reference bits wrong: %v %v %v", a.RefMapBit(0), a.RefMapBit(1), a.RefMapBit(2))
	}
	if a.RefMapBit(-1) || a.RefMapBit(a.FrameWords) {
		t.Error("out-of-range bits reported set")
	}
}

func TestReferenceMapByteArrayForm(t *testing.T) {
	kinds := make([]operand.Kind, 70)
	for i := range kinds {
		if i%7 == 0 {
			kinds[i] = operand.KindObject
		} else {
			kinds[i] = operand.KindWord
		}
	}
	c := NewCache()
	a := c.Get(OptimizedToBaseline, sig(kinds...))
	if !a.large {
		t.Fatal("70-arg adapter kept the scalar form")
	}
	for i, k := range kinds {
		if got := a.RefMapBit(i); got != k.IsReference() {
			t.Errorf("bit %d = %v, want %v", i, got, k.IsReference())
		}
	}
}

// TestAdvanceFrame: the caller is recovered when the PC is sampled at the
// adapter's first instruction or at its return (SP at the return slot) and
// inside the established frame; an SP near the stack end is an error.
func TestAdvanceFrame(t *testing.T) {
	c := NewCache()
	a := c.Get(BaselineToOptimized, sig(operand.KindWord, operand.KindWord))

	stack := make([]rt.Word, 32)
	callerIP := rt.MakeAddr(7, 40)

	t.Run("mid_prologue", func(t *testing.T) {
		// Frame not yet established: [sp] is the return slot per the
		// walk contract.
		sp := 10
		stack[sp] = rt.Word(callerIP)
		f, err := a.AdvanceFrame(stack, 0, sp, 5)
		if err != nil {
			t.Fatal(err)
		}
		if f.IP != callerIP || f.SP != sp+1 || f.FP != 5 {
			t.Errorf("got %+v", f)
		}
	})

	t.Run("at_return", func(t *testing.T) {
		sp := 12
		stack[sp] = rt.Word(callerIP)
		f, err := a.AdvanceFrame(stack, a.RetOffset, sp, 6)
		if err != nil {
			t.Fatal(err)
		}
		if f.IP != callerIP || f.SP != sp+1 {
			t.Errorf("got %+v", f)
		}
	})

	t.Run("established", func(t *testing.T) {
		sp := 8
		retSlot := sp + a.FrameWords
		stack[retSlot] = rt.Word(callerIP)
		stack[retSlot-2] = rt.Word(20) // saved caller FP
		f, err := a.AdvanceFrame(stack, 4, sp, sp+2)
		if err != nil {
			t.Fatal(err)
		}
		if f.IP != callerIP {
			t.Errorf("caller IP = %s", f.IP)
		}
		if f.SP != retSlot+1 {
			t.Errorf("caller SP = %d, want %d", f.SP, retSlot+1)
		}
		if f.FP != 20 {
			t.Errorf("caller FP = %d, want 20", f.FP)
		}
	})

	t.Run("outside_stack", func(t *testing.T) {
		if _, err := a.AdvanceFrame(stack, 4, len(stack)-1, 0); err == nil {
			t.Error("no error for SP near the stack end")
		}
	})
}
