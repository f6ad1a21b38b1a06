package lir

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/vela-vm/vela/internal/operand"
)

// Parse reads the line-oriented textual form of a method's LIR, used by the
// CLI driver and the watch loop:
//
//	method 7 fib
//	block 0
//	  v0 = move 10
//	  v1 = add v0 2
//	  cmp v1 20
//	  br lt B2
//	  jmp B1
//	block 1
//	  ret v1
//	block 2
//	  safepoint
//	  ret v0
//
// Operands are virtual registers (vN) or int32 literals.
func Parse(r io.Reader) (*Graph, error) {
	sc := bufio.NewScanner(r)
	var g *Graph
	var bld *Builder
	blocks := make(map[int]*Block)
	lineNo := 0

	block := func(n int) *Block {
		if b, ok := blocks[n]; ok {
			return b
		}
		b := g.NewBlock()
		blocks[n] = b
		return b
	}

	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)

		switch fields[0] {
		case "method":
			if len(fields) < 3 {
				return nil, fmt.Errorf("line %d: method wants <id> <name>", lineNo)
			}
			id, err := strconv.ParseInt(fields[1], 10, 32)
			if err != nil {
				return nil, fmt.Errorf("line %d: bad method id: %w", lineNo, err)
			}
			bld = NewBuilder(fields[2], int32(id))
			g = bld.Graph
			blocks[0] = g.Entry
			continue
		case "block":
			if bld == nil {
				return nil, fmt.Errorf("line %d: block before method header", lineNo)
			}
			n, err := strconv.Atoi(fields[1])
			if err != nil {
				return nil, fmt.Errorf("line %d: bad block number: %w", lineNo, err)
			}
			bld.Block(block(n))
			continue
		}
		if bld == nil {
			return nil, fmt.Errorf("line %d: instruction before method header", lineNo)
		}
		if err := parseInstr(bld, block, fields, lineNo); err != nil {
			return nil, err
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if g == nil {
		return nil, fmt.Errorf("lir: no method header found")
	}
	if err := g.Finish(); err != nil {
		return nil, err
	}
	return g, nil
}

func parseInstr(bld *Builder, block func(int) *Block, fields []string, lineNo int) error {
	// Destination form: vN = op args...
	var dst operand.Operand
	op := fields[0]
	args := fields[1:]
	if len(fields) >= 3 && fields[1] == "=" {
		var err error
		dst, err = parseOperand(bld, fields[0])
		if err != nil {
			return fmt.Errorf("line %d: %w", lineNo, err)
		}
		op = fields[2]
		args = fields[3:]
	}

	operands := make([]operand.Operand, 0, len(args))
	if op != "br" && op != "call" {
		for _, a := range args {
			if strings.HasPrefix(a, "B") {
				continue
			}
			o, err := parseOperand(bld, a)
			if err != nil {
				return fmt.Errorf("line %d: %w", lineNo, err)
			}
			operands = append(operands, o)
		}
	}
	targetOf := func() (*Block, error) {
		for _, a := range args {
			if strings.HasPrefix(a, "B") {
				n, err := strconv.Atoi(a[1:])
				if err != nil {
					return nil, fmt.Errorf("line %d: bad block ref %q", lineNo, a)
				}
				return block(n), nil
			}
		}
		return nil, fmt.Errorf("line %d: %s wants a block target", lineNo, op)
	}

	need := func(n int) error {
		if len(operands) < n {
			return fmt.Errorf("line %d: %s wants %d operands, got %d", lineNo, op, n, len(operands))
		}
		return nil
	}

	switch op {
	case "move":
		if err := need(1); err != nil {
			return err
		}
		bld.Move(dst, operands[0])
	case "add", "sub", "mul", "and", "or", "xor":
		if err := need(2); err != nil {
			return err
		}
		switch op {
		case "add":
			bld.Add(dst, operands[0], operands[1])
		case "sub":
			bld.Sub(dst, operands[0], operands[1])
		case "mul":
			bld.Mul(dst, operands[0], operands[1])
		case "and":
			bld.And(dst, operands[0], operands[1])
		case "or":
			bld.Or(dst, operands[0], operands[1])
		case "xor":
			bld.Xor(dst, operands[0], operands[1])
		}
	case "cmp":
		if err := need(2); err != nil {
			return err
		}
		bld.Cmp(operands[0], operands[1])
	case "br":
		if len(args) < 2 {
			return fmt.Errorf("line %d: br wants <cond> B<n>", lineNo)
		}
		t, err := targetOf()
		if err != nil {
			return err
		}
		cond, err := parseCond(args[0])
		if err != nil {
			return fmt.Errorf("line %d: %w", lineNo, err)
		}
		bld.Branch(cond, t)
	case "jmp":
		t, err := targetOf()
		if err != nil {
			return err
		}
		bld.Jump(t)
	case "ret":
		v := operand.Illegal
		if len(operands) == 1 {
			v = operands[0]
		}
		bld.Return(v)
	case "call":
		if len(args) == 0 {
			return fmt.Errorf("line %d: call wants a callee id", lineNo)
		}
		callee, err := strconv.ParseInt(args[0], 10, 32)
		if err != nil {
			return fmt.Errorf("line %d: bad callee id: %w", lineNo, err)
		}
		var callArgs []operand.Operand
		for _, a := range args[1:] {
			o, err := parseOperand(bld, a)
			if err != nil {
				return fmt.Errorf("line %d: %w", lineNo, err)
			}
			callArgs = append(callArgs, o)
		}
		info := &DebugInfo{State: &FrameState{MethodID: bld.Graph.MethodID, BCI: int32(lineNo)}}
		bld.CallDirect(dst, int32(callee), callArgs, info)
	case "safepoint":
		info := &DebugInfo{State: &FrameState{MethodID: bld.Graph.MethodID, BCI: int32(lineNo)}}
		bld.Safepoint(info)
	default:
		return fmt.Errorf("line %d: unknown operation %q", lineNo, op)
	}
	return nil
}

func parseOperand(bld *Builder, s string) (operand.Operand, error) {
	if strings.HasPrefix(s, "v") {
		n, err := strconv.Atoi(s[1:])
		if err != nil {
			return operand.Illegal, fmt.Errorf("bad register %q", s)
		}
		for bld.Graph.NextVirtual <= int32(n) {
			bld.Graph.NextVirtual++
		}
		return operand.Virtual(operand.VirtualBase+int32(n), operand.KindWord), nil
	}
	v, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return operand.Illegal, fmt.Errorf("bad operand %q", s)
	}
	return operand.ConstInt32(int32(v)), nil
}

func parseCond(s string) (Condition, error) {
	switch s {
	case "eq":
		return CondEQ, nil
	case "ne":
		return CondNE, nil
	case "lt":
		return CondLT, nil
	case "le":
		return CondLE, nil
	case "gt":
		return CondGT, nil
	case "ge":
		return CondGE, nil
	}
	return CondAlways, fmt.Errorf("unknown condition %q", s)
}
