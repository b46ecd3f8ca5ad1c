// Package interp executes IR functions over concrete inputs. It is the
// reference evaluator behind the semantic verifier and the pass tests:
// slow, strict, and allocation-friendly rather than fast.
package interp

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"github.com/matrixbytes/Obfussor/ir"
)

var (
	// ErrStepLimit aborts runs that exceed the configured step budget.
	ErrStepLimit = errors.New("interp: step limit exceeded")
	// ErrTrap is returned when execution reaches an unreachable trap.
	ErrTrap = errors.New("interp: reached unreachable")
)

const (
	defaultStepLimit = 1 << 20
	maxCallDepth     = 128
	// allocArena bounds per-run scratch memory beyond the module data.
	allocArena = 1 << 20
)

// Interp executes functions of one module against a flat linear memory.
// The data segment is initialized from the module string table and globals;
// allocations grow past it. An Interp is single-goroutine; the verifier
// creates one per module per run.
type Interp struct {
	mod *ir.Module
	mem []byte

	allocPtr  int
	steps     int
	stepLimit int

	callCounts  map[string]int
	opaqueCount int
}

// New builds an interpreter with memory initialized from the module's
// string table. Globals allocated by passes start zeroed.
func New(mod *ir.Module) *Interp {
	it := &Interp{
		mod:        mod,
		mem:        make([]byte, mod.DataSize()),
		allocPtr:   mod.DataSize(),
		stepLimit:  defaultStepLimit,
		callCounts: make(map[string]int),
	}
	for _, s := range mod.Strings() {
		copy(it.mem[s.Addr:], s.Data)
	}
	return it
}

// SetStepLimit overrides the execution budget.
func (it *Interp) SetStepLimit(n int) { it.stepLimit = n }

// CallCount returns how many times the named function was entered.
func (it *Interp) CallCount(name string) int { return it.callCounts[name] }

// OpaqueCount returns how many opaque sink instructions executed.
func (it *Interp) OpaqueCount() int { return it.opaqueCount }

// Mem returns the live memory image (data segment first). Test hook.
func (it *Interp) Mem() []byte { return it.mem }

// Run executes the named function. args are masked to parameter widths.
// The returned value is nil for void functions.
func (it *Interp) Run(name string, args ...*uint256.Int) (*uint256.Int, error) {
	fn := it.mod.Func(name)
	if fn == nil {
		return nil, fmt.Errorf("interp: no function %q", name)
	}
	return it.call(fn, args, 0)
}

type frame struct {
	fn      *ir.Function
	args    []uint256.Int
	results []uint256.Int
	defined []bool
}

func (it *Interp) call(fn *ir.Function, args []*uint256.Int, depth int) (*uint256.Int, error) {
	if depth > maxCallDepth {
		return nil, fmt.Errorf("interp: call depth exceeded at %q", fn.Name())
	}
	if len(args) != len(fn.Params()) {
		return nil, fmt.Errorf("interp: %q called with %d args, want %d", fn.Name(), len(args), len(fn.Params()))
	}
	it.callCounts[fn.Name()]++

	fr := &frame{
		fn:      fn,
		args:    make([]uint256.Int, len(args)),
		results: make([]uint256.Int, fn.NumValues()),
		defined: make([]bool, fn.NumValues()),
	}
	for i, a := range args {
		fr.args[i].Set(a)
		ir.MaskTo(&fr.args[i], fn.Params()[i].Type())
	}
	// stack discipline: the frame's slots are reclaimed on return
	base := it.allocPtr
	defer func() { it.allocPtr = base }()

	block := fn.Entry()
	var prev *ir.Block
	for {
		next, ret, done, err := it.execBlock(fr, block, prev, depth)
		if err != nil {
			return nil, err
		}
		if done {
			return ret, nil
		}
		prev, block = block, next
	}
}

// execBlock runs one block: phis first (in parallel, against the edge from
// prev), then the straight-line body, then the terminator.
func (it *Interp) execBlock(fr *frame, b *ir.Block, prev *ir.Block, depth int) (next *ir.Block, ret *uint256.Int, done bool, err error) {
	phis := b.Phis()
	if len(phis) > 0 {
		// two-phase: read all incoming values before writing any phi result,
		// so phis that reference each other see the pre-edge state
		staged := make([]uint256.Int, len(phis))
		for i, phi := range phis {
			v := phi.PhiIncomingFor(prev)
			if v == nil {
				return nil, nil, false, fmt.Errorf("interp: %s: phi has no incoming value from %s",
					fr.fn.Name(), prev.Name())
			}
			x, err := it.eval(fr, v)
			if err != nil {
				return nil, nil, false, err
			}
			staged[i].Set(x)
		}
		for i, phi := range phis {
			it.setResult(fr, phi.Result(), &staged[i])
		}
	}

	for _, in := range b.Instrs()[len(phis):] {
		it.steps++
		if it.steps > it.stepLimit {
			return nil, nil, false, ErrStepLimit
		}
		if in.Op().IsTerminator() {
			return it.execTerminator(fr, in)
		}
		if err := it.execInstr(fr, in, depth); err != nil {
			return nil, nil, false, err
		}
	}
	return nil, nil, false, fmt.Errorf("interp: %s: block %s has no terminator", fr.fn.Name(), b.Name())
}

func (it *Interp) execTerminator(fr *frame, in *ir.Instr) (*ir.Block, *uint256.Int, bool, error) {
	switch in.Op() {
	case ir.OpBr:
		return in.Targets()[0], nil, false, nil
	case ir.OpCondBr:
		c, err := it.eval(fr, in.Operand(0))
		if err != nil {
			return nil, nil, false, err
		}
		if !c.IsZero() {
			return in.Targets()[0], nil, false, nil
		}
		return in.Targets()[1], nil, false, nil
	case ir.OpSwitch:
		k, err := it.eval(fr, in.Operand(0))
		if err != nil {
			return nil, nil, false, err
		}
		for i, cv := range in.CaseVals() {
			if k.Eq(cv) {
				return in.Targets()[i+1], nil, false, nil
			}
		}
		return in.Targets()[0], nil, false, nil
	case ir.OpRet:
		if len(in.Operands()) == 0 {
			return nil, nil, true, nil
		}
		v, err := it.eval(fr, in.Operand(0))
		if err != nil {
			return nil, nil, false, err
		}
		return nil, new(uint256.Int).Set(v), true, nil
	case ir.OpUnreachable:
		return nil, nil, false, fmt.Errorf("%w in %s", ErrTrap, fr.fn.Name())
	default:
		return nil, nil, false, fmt.Errorf("interp: %s: bad terminator %s", fr.fn.Name(), in.Op())
	}
}

func (it *Interp) execInstr(fr *frame, in *ir.Instr, depth int) error {
	op := in.Op()
	switch {
	case op == ir.OpAlloc:
		// an alloc names one stack slot per frame: re-executing the
		// instruction (loop bodies, dispatched blocks) reuses the slot
		// instead of growing the arena
		if fr.defined[in.Result().ID()] {
			return nil
		}
		if it.allocPtr+in.AllocSize() > it.mod.DataSize()+allocArena {
			return fmt.Errorf("interp: %s: allocation arena exhausted", fr.fn.Name())
		}
		addr := it.allocPtr
		it.allocPtr += in.AllocSize()
		for it.allocPtr > len(it.mem) {
			it.mem = append(it.mem, 0)
		}
		// the slot may be recycled from an earlier frame
		for i := addr; i < it.allocPtr; i++ {
			it.mem[i] = 0
		}
		it.setResult(fr, in.Result(), uint256.NewInt(uint64(addr)))
		return nil

	case op == ir.OpLoad:
		ptr, err := it.eval(fr, in.Operand(0))
		if err != nil {
			return err
		}
		v, err := it.load(ptr.Uint64(), in.Result().Type())
		if err != nil {
			return err
		}
		it.setResult(fr, in.Result(), v)
		return nil

	case op == ir.OpStore:
		ptr, err := it.eval(fr, in.Operand(0))
		if err != nil {
			return err
		}
		v, err := it.eval(fr, in.Operand(1))
		if err != nil {
			return err
		}
		return it.store(ptr.Uint64(), v, in.Operand(1).Type())

	case op == ir.OpStrAddr:
		s := it.mod.String(in.StrID())
		it.setResult(fr, in.Result(), uint256.NewInt(uint64(s.Addr)))
		return nil

	case op == ir.OpStrLen:
		s := it.mod.String(in.StrID())
		it.setResult(fr, in.Result(), uint256.NewInt(uint64(len(s.Data))))
		return nil

	case op == ir.OpCall:
		callee := it.mod.Func(in.Callee())
		if callee == nil {
			return fmt.Errorf("interp: call to unknown %q", in.Callee())
		}
		args := make([]*uint256.Int, len(in.Operands()))
		for i, opnd := range in.Operands() {
			v, err := it.eval(fr, opnd)
			if err != nil {
				return err
			}
			args[i] = new(uint256.Int).Set(v)
		}
		ret, err := it.call(callee, args, depth+1)
		if err != nil {
			return err
		}
		if in.Result() != nil {
			it.setResult(fr, in.Result(), ret)
		}
		return nil

	case op == ir.OpOpaque:
		if _, err := it.eval(fr, in.Operand(0)); err != nil {
			return err
		}
		it.opaqueCount++
		return nil

	case op == ir.OpTrunc || op == ir.OpZExt:
		x, err := it.eval(fr, in.Operand(0))
		if err != nil {
			return err
		}
		out := new(uint256.Int).Set(x)
		ir.MaskTo(out, in.Result().Type())
		it.setResult(fr, in.Result(), out)
		return nil

	case op == ir.OpSExt:
		x, err := it.eval(fr, in.Operand(0))
		if err != nil {
			return err
		}
		out := new(uint256.Int).Set(x)
		ir.SignExtend(out, in.Operand(0).Type())
		ir.MaskTo(out, in.Result().Type())
		it.setResult(fr, in.Result(), out)
		return nil

	case op == ir.OpNeg || op == ir.OpNot:
		x, err := it.eval(fr, in.Operand(0))
		if err != nil {
			return err
		}
		out := new(uint256.Int)
		if op == ir.OpNeg {
			out.Neg(x)
		} else {
			out.Not(x)
		}
		ir.MaskTo(out, in.Result().Type())
		it.setResult(fr, in.Result(), out)
		return nil

	case op.Arithmetic() || op.Bitwise() || op.Comparison():
		a, err := it.eval(fr, in.Operand(0))
		if err != nil {
			return err
		}
		b, err := it.eval(fr, in.Operand(1))
		if err != nil {
			return err
		}
		out, err := EvalBinOp(op, a, b, in.Operand(0).Type())
		if err != nil {
			return fmt.Errorf("interp: %s: %w", fr.fn.Name(), err)
		}
		it.setResult(fr, in.Result(), out)
		return nil

	default:
		return fmt.Errorf("interp: %s: cannot execute %s", fr.fn.Name(), op)
	}
}

// EvalBinOp computes a two-operand op at the given width, wrapping
// two's-complement. Exported because the MBA rewriter's tests sample it
// directly. Division and remainder by zero yield zero.
func EvalBinOp(op ir.Op, a, b *uint256.Int, typ ir.Type) (*uint256.Int, error) {
	bits := typ.Bits()
	out := new(uint256.Int)
	x := new(uint256.Int).Set(a)
	y := new(uint256.Int).Set(b)
	boolRes := func(v bool) (*uint256.Int, error) {
		if v {
			out.SetOne()
		}
		return out, nil
	}
	signed := func() {
		ir.SignExtend(x, typ)
		ir.SignExtend(y, typ)
	}
	switch op {
	case ir.OpAdd:
		out.Add(x, y)
	case ir.OpSub:
		out.Sub(x, y)
	case ir.OpMul:
		out.Mul(x, y)
	case ir.OpUDiv:
		out.Div(x, y)
	case ir.OpSDiv:
		signed()
		out.SDiv(x, y)
	case ir.OpURem:
		out.Mod(x, y)
	case ir.OpSRem:
		signed()
		out.SMod(x, y)
	case ir.OpAnd:
		out.And(x, y)
	case ir.OpOr:
		out.Or(x, y)
	case ir.OpXor:
		out.Xor(x, y)
	case ir.OpShl:
		out.Lsh(x, uint(y.Uint64())%bits)
	case ir.OpLShr:
		out.Rsh(x, uint(y.Uint64())%bits)
	case ir.OpAShr:
		ir.SignExtend(x, typ)
		// shift within the 256-bit working range keeps the sign bits
		out.SRsh(x, uint(y.Uint64())%bits)
	case ir.OpEq:
		return boolRes(x.Eq(y))
	case ir.OpNe:
		return boolRes(!x.Eq(y))
	case ir.OpULt:
		return boolRes(x.Lt(y))
	case ir.OpULe:
		return boolRes(!y.Lt(x))
	case ir.OpUGt:
		return boolRes(y.Lt(x))
	case ir.OpUGe:
		return boolRes(!x.Lt(y))
	case ir.OpSLt:
		signed()
		return boolRes(x.Slt(y))
	case ir.OpSLe:
		signed()
		return boolRes(!y.Slt(x))
	case ir.OpSGt:
		signed()
		return boolRes(y.Slt(x))
	case ir.OpSGe:
		signed()
		return boolRes(!x.Slt(y))
	default:
		return nil, fmt.Errorf("bad binary op %s", op)
	}
	ir.MaskTo(out, typ)
	return out, nil
}

func (it *Interp) eval(fr *frame, v *ir.Value) (*uint256.Int, error) {
	switch v.Kind() {
	case ir.Konst:
		return v.Const(), nil
	case ir.Param:
		return &fr.args[v.ParamIdx()], nil
	default:
		if !fr.defined[v.ID()] {
			return nil, fmt.Errorf("interp: %s: missing result for %s (def %s)",
				fr.fn.Name(), v, v.Def().Op())
		}
		return &fr.results[v.ID()], nil
	}
}

func (it *Interp) setResult(fr *frame, v *ir.Value, x *uint256.Int) {
	fr.results[v.ID()].Set(x)
	fr.defined[v.ID()] = true
}

func (it *Interp) load(addr uint64, typ ir.Type) (*uint256.Int, error) {
	n := int(typ.Bits()+7) / 8
	if typ == ir.I1 {
		n = 1
	}
	if int(addr)+n > len(it.mem) {
		return nil, fmt.Errorf("interp: load of %d bytes at %d out of bounds (%d)", n, addr, len(it.mem))
	}
	// little-endian
	var x uint64
	for i := n - 1; i >= 0; i-- {
		x = x<<8 | uint64(it.mem[int(addr)+i])
	}
	out := uint256.NewInt(x)
	ir.MaskTo(out, typ)
	return out, nil
}

func (it *Interp) store(addr uint64, v *uint256.Int, typ ir.Type) error {
	n := int(typ.Bits()+7) / 8
	if typ == ir.I1 {
		n = 1
	}
	if int(addr)+n > len(it.mem) {
		return fmt.Errorf("interp: store of %d bytes at %d out of bounds (%d)", n, addr, len(it.mem))
	}
	x := v.Uint64()
	for i := 0; i < n; i++ {
		it.mem[int(addr)+i] = byte(x >> (8 * i))
	}
	return nil
}
