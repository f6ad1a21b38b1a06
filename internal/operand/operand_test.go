package operand

import "testing"

func TestEquality(t *testing.T) {
	tests := []struct {
		name string
		a, b Operand
		want bool
	}{
		{"same virtual", Virtual(64, KindWord), Virtual(64, KindWord), true},
		{"different id", Virtual(64, KindWord), Virtual(65, KindWord), false},
		{"different kind", Virtual(64, KindWord), Virtual(64, KindObject), false},
		{"virtual vs stack slot", Virtual(64, KindWord), StackSlot(64, KindWord), false},
		{"same constant", ConstInt32(7), ConstInt32(7), true},
		{"different constant bits", ConstInt32(7), ConstInt32(8), false},
		{"same address", BaseDisp(KindWord, 3, 16), BaseDisp(KindWord, 3, 16), true},
		{"different disp", BaseDisp(KindWord, 3, 16), BaseDisp(KindWord, 3, 24), false},
		{"illegal equals illegal", Illegal, Operand{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a == tt.b; got != tt.want {
				t.Errorf("%s == %s: %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestPredicates(t *testing.T) {
	v := Virtual(100, KindObject)
	if !v.IsVirtual() || !v.IsRegister() || v.IsPhysical() || v.IsMemory() {
		t.Error("virtual predicates wrong")
	}
	p := Physical(3, KindWord)
	if !p.IsPhysical() || !p.IsRegister() || p.IsVirtual() {
		t.Error("physical predicates wrong")
	}
	s := StackSlot(2, KindWord)
	if !s.IsStack() || !s.IsMemory() || s.IsRegister() {
		t.Error("stack predicates wrong")
	}
	c := ConstInt64(-1)
	if !c.IsConstant() || c.IsMemory() {
		t.Error("constant predicates wrong")
	}
	if !Illegal.IsIllegal() {
		t.Error("zero value not illegal")
	}
}

func TestKindProperties(t *testing.T) {
	if !KindObject.IsReference() || KindWord.IsReference() {
		t.Error("reference kinds wrong")
	}
	if !KindFloat.IsFloat() || !KindDouble.IsFloat() || KindInt64.IsFloat() {
		t.Error("float kinds wrong")
	}
}

func TestVirtualBelowBasePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Virtual below base did not panic")
		}
	}()
	Virtual(3, KindWord)
}

func TestPhysicalAboveBasePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Physical above base did not panic")
		}
	}()
	Physical(64, KindWord)
}
