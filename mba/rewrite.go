package mba

import (
	"errors"
	"math/rand"

	"github.com/matrixbytes/Obfussor/ir"
)

// ErrUnsupported marks an instruction the rewriter has no identity rule
// for. Callers decide whether that skips the instruction or aborts the
// pass; the rewriter itself never guesses.
var ErrUnsupported = errors.New("mba: no rewrite rule for instruction")

// Every rule below is an identity over two's-complement integers modulo
// 2^n, so it holds at any operand width including wraparound. Rules that
// would only hold over mathematical integers (anything involving carries
// out of the top bit) do not belong in this table.

// HasRule reports whether Rewrite can expand the opcode.
func HasRule(op ir.Op) bool {
	switch op {
	case ir.OpAdd, ir.OpSub, ir.OpMul, ir.OpXor, ir.OpAnd, ir.OpOr,
		ir.OpNeg, ir.OpNot, ir.OpEq, ir.OpNe:
		return true
	}
	return false
}

// Rewrite replaces in with a semantically equivalent instruction sequence
// inserted at its position, rewires all uses of the original result to the
// sequence's final value, and removes the original. With depth > 1 the
// rule table is re-applied to sub-expressions of the output. Returns the
// replacement value.
func Rewrite(in *ir.Instr, depth int, rng *rand.Rand) (*ir.Value, error) {
	if in.Result() == nil || !HasRule(in.Op()) {
		return nil, ErrUnsupported
	}
	blk := in.Block()
	start := in.Index()
	c := ir.NewCursor(blk, start)
	out := expandOne(c, in, rng)

	created := append([]*ir.Instr(nil), blk.Instrs()[start:c.At()]...)
	ir.ReplaceAllUses(in.Result(), out)
	if err := blk.RemoveInstr(in); err != nil {
		return nil, err
	}
	if depth > 1 {
		for _, sub := range created {
			if !HasRule(sub.Op()) || sub.Block() == nil {
				continue
			}
			if _, err := Rewrite(sub, depth-1, rng); err != nil && !errors.Is(err, ErrUnsupported) {
				return nil, err
			}
		}
	}
	return out, nil
}

// expandOne emits the replacement for in through c and returns its value.
// Callers have checked HasRule.
func expandOne(c *ir.Cursor, in *ir.Instr, rng *rand.Rand) *ir.Value {
	fn := in.Block().Func()
	a := in.Operand(0)
	typ := a.Type()
	one := func() *ir.Value { return fn.ConstInt(typ, 1) }
	two := func() *ir.Value { return fn.ConstInt(typ, 2) }

	var b *ir.Value
	if len(in.Operands()) > 1 {
		b = in.Operand(1)
	}

	switch in.Op() {
	case ir.OpAdd:
		switch rng.Intn(3) {
		case 0: // a+b = (a^b) + 2*(a&b)
			xor := c.NewBinOp(ir.OpXor, a, b)
			and := c.NewBinOp(ir.OpAnd, a, b)
			carry := c.NewBinOp(ir.OpMul, and, two())
			return c.NewBinOp(ir.OpAdd, xor, carry)
		case 1: // a+b = (a|b) + (a&b)
			or := c.NewBinOp(ir.OpOr, a, b)
			and := c.NewBinOp(ir.OpAnd, a, b)
			return c.NewBinOp(ir.OpAdd, or, and)
		default: // a+b = a - (-b)
			nb := c.NewNeg(b)
			return c.NewBinOp(ir.OpSub, a, nb)
		}

	case ir.OpSub:
		switch rng.Intn(2) {
		case 0: // a-b = a + ~b + 1
			nb := c.NewNot(b)
			sum := c.NewBinOp(ir.OpAdd, a, nb)
			return c.NewBinOp(ir.OpAdd, sum, one())
		default: // a-b = (a^b) - 2*(~a&b)
			xor := c.NewBinOp(ir.OpXor, a, b)
			na := c.NewNot(a)
			borrow := c.NewBinOp(ir.OpAnd, na, b)
			dbl := c.NewBinOp(ir.OpMul, borrow, two())
			return c.NewBinOp(ir.OpSub, xor, dbl)
		}

	case ir.OpMul:
		// a*b = (a&b)*(a|b) + (a&~b)*(~a&b)
		and := c.NewBinOp(ir.OpAnd, a, b)
		or := c.NewBinOp(ir.OpOr, a, b)
		hi := c.NewBinOp(ir.OpMul, and, or)
		nb := c.NewNot(b)
		na := c.NewNot(a)
		aOnly := c.NewBinOp(ir.OpAnd, a, nb)
		bOnly := c.NewBinOp(ir.OpAnd, na, b)
		lo := c.NewBinOp(ir.OpMul, aOnly, bOnly)
		return c.NewBinOp(ir.OpAdd, hi, lo)

	case ir.OpXor:
		switch rng.Intn(2) {
		case 0: // a^b = (a|b) - (a&b)
			or := c.NewBinOp(ir.OpOr, a, b)
			and := c.NewBinOp(ir.OpAnd, a, b)
			return c.NewBinOp(ir.OpSub, or, and)
		default: // a^b = (a&~b) | (~a&b)
			nb := c.NewNot(b)
			na := c.NewNot(a)
			aOnly := c.NewBinOp(ir.OpAnd, a, nb)
			bOnly := c.NewBinOp(ir.OpAnd, na, b)
			return c.NewBinOp(ir.OpOr, aOnly, bOnly)
		}

	case ir.OpAnd:
		switch rng.Intn(2) {
		case 0: // a&b = (a|b) - (a^b)
			or := c.NewBinOp(ir.OpOr, a, b)
			xor := c.NewBinOp(ir.OpXor, a, b)
			return c.NewBinOp(ir.OpSub, or, xor)
		default: // a&b = ~(~a|~b)
			na := c.NewNot(a)
			nb := c.NewNot(b)
			or := c.NewBinOp(ir.OpOr, na, nb)
			return c.NewNot(or)
		}

	case ir.OpOr:
		switch rng.Intn(2) {
		case 0: // a|b = (a&b) + (a^b)
			and := c.NewBinOp(ir.OpAnd, a, b)
			xor := c.NewBinOp(ir.OpXor, a, b)
			return c.NewBinOp(ir.OpAdd, and, xor)
		default: // a|b = ~(~a&~b)
			na := c.NewNot(a)
			nb := c.NewNot(b)
			and := c.NewBinOp(ir.OpAnd, na, nb)
			return c.NewNot(and)
		}

	case ir.OpNeg:
		// -a = ~a + 1
		na := c.NewNot(a)
		return c.NewBinOp(ir.OpAdd, na, one())

	case ir.OpNot:
		// ~a = (0 - a) - 1
		neg := c.NewNeg(a)
		return c.NewBinOp(ir.OpSub, neg, one())

	case ir.OpEq:
		// a==b  <=>  (a^b) < 1
		xor := c.NewBinOp(ir.OpXor, a, b)
		return c.NewCmp(ir.OpULt, xor, one())

	case ir.OpNe:
		// a!=b  <=>  (a^b) > 0
		xor := c.NewBinOp(ir.OpXor, a, b)
		return c.NewCmp(ir.OpUGt, xor, fn.ConstInt(typ, 0))

	default:
		// HasRule filtered already
		panic("mba: expandOne on unsupported op")
	}
}
