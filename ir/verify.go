package ir

import (
	"errors"
	"fmt"
)

// ErrMalformedIR is the sentinel for every structural invariant violation.
// Mutation helpers wrap it when they fail closed; Verify wraps it when a
// finished structure is inconsistent.
var ErrMalformedIR = errors.New("malformed IR")

// VerifyModule checks every function plus module-level consistency.
func VerifyModule(m *Module) error {
	for _, f := range m.funcs {
		if err := VerifyFunc(f); err != nil {
			return err
		}
	}
	return nil
}

// VerifyFunc checks the structural invariants for one function: exactly one
// terminator per block and it is last, a single entry block without
// predecessors, phi coverage of predecessors, switch shape, call signatures,
// and dominance of every definition over its uses.
func VerifyFunc(f *Function) error {
	fail := func(format string, args ...any) error {
		return fmt.Errorf("%w: func %s: %s", ErrMalformedIR, f.name, fmt.Sprintf(format, args...))
	}
	if len(f.blocks) == 0 {
		return fail("no blocks")
	}
	f.RecomputeEdges()
	entry := f.Entry()
	if len(entry.preds) != 0 {
		return fail("entry block %s has predecessors", entry.name)
	}

	for _, b := range f.blocks {
		if len(b.instrs) == 0 {
			return fail("block %s is empty", b.name)
		}
		for i, in := range b.instrs {
			if in.block != b || in.idx != i {
				return fail("block %s: instruction %d has stale owner/index", b.name, i)
			}
			if in.op.IsTerminator() != (i == len(b.instrs)-1) {
				if in.op.IsTerminator() {
					return fail("block %s: terminator %s at %d is not last", b.name, in.op, i)
				}
				return fail("block %s: last instruction %s is not a terminator", b.name, in.op)
			}
			if in.op == OpPhi && i > 0 && b.instrs[i-1].op != OpPhi {
				return fail("block %s: phi at %d not at block head", b.name, i)
			}
			if err := verifyInstr(f, b, in); err != nil {
				return err
			}
		}
	}

	dom := ComputeDom(f)
	for _, b := range f.blocks {
		if _, reachable := dom.order[b]; !reachable {
			continue // dead blocks are tolerated until a pass removes them
		}
		for _, in := range b.instrs {
			for i, v := range in.operands {
				if v == nil || v.kind != Variable {
					continue
				}
				def := v.def
				if def == nil || def.block == nil {
					return fail("block %s: %s uses detached value %s", b.name, in.op, v)
				}
				if in.op == OpPhi {
					// a phi operand must be available at the end of its
					// incoming predecessor, not at the phi itself
					pred := in.incoming[i]
					if def.block != pred && !dom.Dominates(def.block, pred) {
						return fail("block %s: phi operand %s does not dominate incoming edge from %s",
							b.name, v, pred.name)
					}
					continue
				}
				if !dom.DominatesInstr(def, in) {
					return fail("block %s: %s used before its definition in %s", b.name, v, def.block.name)
				}
			}
		}
	}
	return nil
}

func verifyInstr(f *Function, b *Block, in *Instr) error {
	fail := func(format string, args ...any) error {
		return fmt.Errorf("%w: func %s block %s: %s", ErrMalformedIR, f.name, b.name, fmt.Sprintf(format, args...))
	}
	nOps := len(in.operands)
	wantOps := func(n int) error {
		if nOps != n {
			return fail("%s expects %d operands, has %d", in.op, n, nOps)
		}
		return nil
	}
	switch {
	case in.op == OpNeg || in.op == OpNot:
		return wantOps(1)
	case in.op.Arithmetic() || in.op.Bitwise():
		if err := wantOps(2); err != nil {
			return err
		}
		if in.operands[0].typ != in.operands[1].typ {
			return fail("%s operand types differ: %s vs %s", in.op, in.operands[0].typ, in.operands[1].typ)
		}
	case in.op.Comparison():
		if err := wantOps(2); err != nil {
			return err
		}
		if in.result == nil || in.result.typ != I1 {
			return fail("%s result must be i1", in.op)
		}
	case in.op == OpTrunc || in.op == OpZExt || in.op == OpSExt:
		if err := wantOps(1); err != nil {
			return err
		}
		from, to := in.operands[0].typ.Bits(), in.result.typ.Bits()
		if in.op == OpTrunc && to > from {
			return fail("trunc widens %d -> %d bits", from, to)
		}
		if in.op != OpTrunc && to < from {
			return fail("%s narrows %d -> %d bits", in.op, from, to)
		}
	case in.op == OpLoad:
		return wantOps(1)
	case in.op == OpStore:
		return wantOps(2)
	case in.op == OpStrAddr || in.op == OpStrLen:
		if f.mod.String(in.strID) == nil {
			return fail("%s references unknown string %d", in.op, in.strID)
		}
	case in.op == OpCall:
		callee := f.mod.Func(in.callee)
		if callee == nil {
			return fail("call to unknown function %q", in.callee)
		}
		if len(callee.params) != nOps {
			return fail("call to %q with %d args, want %d", in.callee, nOps, len(callee.params))
		}
		for i, p := range callee.params {
			if in.operands[i].typ != p.typ {
				return fail("call to %q arg %d type %s, want %s", in.callee, i, in.operands[i].typ, p.typ)
			}
		}
		if (callee.retType == Void) != (in.result == nil) {
			return fail("call to %q return arity mismatch", in.callee)
		}
	case in.op == OpPhi:
		if len(in.incoming) != nOps {
			return fail("phi with %d operands but %d incoming blocks", nOps, len(in.incoming))
		}
		if len(b.preds) != nOps {
			return fail("phi covers %d edges, block has %d predecessors", nOps, len(b.preds))
		}
		for _, p := range b.preds {
			if in.PhiIncomingFor(p) == nil {
				return fail("phi missing incoming value for predecessor %s", p.name)
			}
		}
	case in.op == OpBr:
		if len(in.targets) != 1 {
			return fail("br with %d targets", len(in.targets))
		}
	case in.op == OpCondBr:
		if len(in.targets) != 2 {
			return fail("condbr with %d targets", len(in.targets))
		}
	case in.op == OpSwitch:
		if len(in.targets) != len(in.caseVals)+1 {
			return fail("switch with %d targets for %d cases", len(in.targets), len(in.caseVals))
		}
		seen := make(map[string]bool, len(in.caseVals))
		for _, cv := range in.caseVals {
			k := cv.Hex()
			if seen[k] {
				return fail("switch duplicates case %s", cv.Dec())
			}
			seen[k] = true
		}
	case in.op == OpRet:
		if f.retType == Void && nOps != 0 {
			return fail("ret with value in void function")
		}
		if f.retType != Void {
			if nOps != 1 {
				return fail("ret without value in non-void function")
			}
			if in.operands[0].typ != f.retType {
				return fail("ret type %s, want %s", in.operands[0].typ, f.retType)
			}
		}
	}
	// targets must belong to this function
	for _, t := range in.targets {
		if t.fn != f {
			return fail("%s targets block %s of another function", in.op, t.name)
		}
	}
	return nil
}
