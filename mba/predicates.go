// Package mba holds the opaque predicate generators and the Mixed
// Boolean-Arithmetic rewriter shared by the obfuscation passes. Everything
// here is deterministic given the caller's RNG and free of side effects
// outside the cursor it emits through.
package mba

import (
	"math/rand"

	"github.com/matrixbytes/Obfussor/ir"
)

// Opaque predicates must survive constant propagation, so their inputs are
// never literal-only: each generator materializes its seeds through a
// stack slot and reads them back. A simple propagator cannot fold across
// the load without a points-to analysis.

// runtimeInt emits an I64 value carrying k that is not a literal operand.
func runtimeInt(c *ir.Cursor, fn *ir.Function, k uint64) *ir.Value {
	slot := c.NewAlloc(8)
	c.NewStore(slot, fn.ConstInt(ir.I64, k))
	return c.NewLoad(ir.I64, slot)
}

// AlwaysTrue emits an I1 condition that evaluates to 1 for every execution,
// drawn from a family of arithmetic and bitwise tautologies.
func AlwaysTrue(c *ir.Cursor, fn *ir.Function, rng *rand.Rand) *ir.Value {
	x := runtimeInt(c, fn, rng.Uint64())
	switch rng.Intn(4) {
	case 0:
		// x*(x+1) is even
		xp1 := c.NewBinOp(ir.OpAdd, x, fn.ConstInt(ir.I64, 1))
		prod := c.NewBinOp(ir.OpMul, x, xp1)
		lsb := c.NewBinOp(ir.OpAnd, prod, fn.ConstInt(ir.I64, 1))
		return c.NewCmp(ir.OpEq, lsb, fn.ConstInt(ir.I64, 0))
	case 1:
		// x*x mod 4 is 0 or 1
		sq := c.NewBinOp(ir.OpMul, x, x)
		low := c.NewBinOp(ir.OpAnd, sq, fn.ConstInt(ir.I64, 3))
		return c.NewCmp(ir.OpULt, low, fn.ConstInt(ir.I64, 2))
	case 2:
		// x&y never exceeds x|y
		y := runtimeInt(c, fn, rng.Uint64())
		andv := c.NewBinOp(ir.OpAnd, x, y)
		orv := c.NewBinOp(ir.OpOr, x, y)
		return c.NewCmp(ir.OpULe, andv, orv)
	default:
		// x^y is x|y with the common bits removed
		y := runtimeInt(c, fn, rng.Uint64())
		xorv := c.NewBinOp(ir.OpXor, x, y)
		orv := c.NewBinOp(ir.OpOr, x, y)
		return c.NewCmp(ir.OpULe, xorv, orv)
	}
}

// AlwaysFalse emits an I1 condition that evaluates to 0 for every execution.
func AlwaysFalse(c *ir.Cursor, fn *ir.Function, rng *rand.Rand) *ir.Value {
	x := runtimeInt(c, fn, rng.Uint64())
	switch rng.Intn(3) {
	case 0:
		// x*(x+1) is never odd
		xp1 := c.NewBinOp(ir.OpAdd, x, fn.ConstInt(ir.I64, 1))
		prod := c.NewBinOp(ir.OpMul, x, xp1)
		lsb := c.NewBinOp(ir.OpAnd, prod, fn.ConstInt(ir.I64, 1))
		return c.NewCmp(ir.OpEq, lsb, fn.ConstInt(ir.I64, 1))
	case 1:
		// x*x mod 4 is never 2
		sq := c.NewBinOp(ir.OpMul, x, x)
		low := c.NewBinOp(ir.OpAnd, sq, fn.ConstInt(ir.I64, 3))
		return c.NewCmp(ir.OpEq, low, fn.ConstInt(ir.I64, 2))
	default:
		// x&y never exceeds x|y
		y := runtimeInt(c, fn, rng.Uint64())
		andv := c.NewBinOp(ir.OpAnd, x, y)
		orv := c.NewBinOp(ir.OpOr, x, y)
		return c.NewCmp(ir.OpUGt, andv, orv)
	}
}
