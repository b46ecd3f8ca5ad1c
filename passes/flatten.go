package passes

import (
	"math/rand"

	"github.com/holiman/uint256"

	"github.com/matrixbytes/Obfussor/ir"
)

// FlattenPass rewrites a function's control flow into a dispatcher loop:
// every original block becomes a case of a switch keyed on a state variable
// held in a stack slot, and every branch becomes a state update followed by
// a jump back to the dispatcher. Conditional branches compute the next
// state arithmetically so no direct block-to-block edge survives.
//
// Phis cannot survive the rewrite (every block's sole predecessor becomes
// the dispatcher), so the pass first demotes them to stack slots: one store
// per incoming edge, one load where the phi stood.
type FlattenPass struct{}

func (*FlattenPass) Name() string { return "flatten" }

// perBlockCost is the rough instruction overhead the rewrite adds per
// original block, used only for the up-front budget check.
const perBlockCost = 5

func (p *FlattenPass) Run(cx *Context, fn *ir.Function, rng *rand.Rand) (Stats, error) {
	var st Stats
	orig := append([]*ir.Block(nil), fn.Blocks()...)
	if len(orig) < 3 {
		// straight-line and single-diamond functions gain nothing
		return st, nil
	}
	for _, b := range orig {
		if b.Terminator() == nil {
			return st, Errf(KindMalformedIR, p.Name(), fn.Name(), "block %s has no terminator", b.Name())
		}
	}
	if !cx.GrowthAllowed(len(orig)*perBlockCost + 8) {
		return st, Errf(KindPassFailure, p.Name(), fn.Name(), "size budget exhausted")
	}

	states, err := assignStates(p.Name(), fn, orig, rng, cx.Cfg.Flattening.MaxStateRetries)
	if err != nil {
		// collisions are retried inside assignStates; exhausting the
		// budget escalates to a pass failure
		return st, &TransformError{Kind: KindPassFailure, Pass: p.Name(), Function: fn.Name(), Err: err}
	}

	pro := fn.NewBlock("fl.entry")
	dispatch := fn.NewBlock("fl.dispatch")
	trap := fn.NewBlock("fl.trap")
	if err := trap.NewUnreachable(); err != nil {
		return st, err
	}

	demoted := demotePhis(fn, pro, orig)
	st.Instrs += demoted

	stateSlot := pro.NewAlloc(4)

	entry := orig[0]
	preserveEntry := cx.Cfg.Flattening.PreserveEntry

	key := dispatch.NewLoad(ir.I32, stateSlot)
	var caseVals []*uint256.Int
	var cases []*ir.Block
	for _, b := range orig {
		if preserveEntry && b == entry {
			continue
		}
		caseVals = append(caseVals, uint256.NewInt(uint64(states[b])))
		cases = append(cases, b)
	}
	if err := dispatch.NewSwitch(key, trap, caseVals, cases); err != nil {
		return st, err
	}

	for _, b := range orig {
		t := b.Terminator()
		switch t.Op() {
		case ir.OpRet, ir.OpUnreachable:
			continue

		case ir.OpBr:
			tgt := t.Targets()[0]
			b.RemoveTerminator()
			b.NewStore(stateSlot, fn.ConstInt(ir.I32, uint64(states[tgt])))
			if err := b.NewBr(dispatch); err != nil {
				return st, err
			}

		case ir.OpCondBr:
			cond := t.Operand(0)
			tt, ft := t.Targets()[0], t.Targets()[1]
			b.RemoveTerminator()
			// next = sF ^ ((sT ^ sF) * zext(cond)), branchless select
			z := b.NewConvert(ir.OpZExt, cond, ir.I32)
			diff := fn.ConstInt(ir.I32, uint64(states[tt]^states[ft]))
			scaled := b.NewBinOp(ir.OpMul, diff, z)
			next := b.NewBinOp(ir.OpXor, fn.ConstInt(ir.I32, uint64(states[ft])), scaled)
			b.NewStore(stateSlot, next)
			if err := b.NewBr(dispatch); err != nil {
				return st, err
			}

		case ir.OpSwitch:
			// each target routes through a stub that sets its state
			stubs := make(map[*ir.Block]*ir.Block)
			for _, tgt := range t.Targets() {
				if _, ok := stubs[tgt]; ok {
					continue
				}
				stub := fn.NewBlock(b.Name() + ".st")
				stub.NewStore(stateSlot, fn.ConstInt(ir.I32, uint64(states[tgt])))
				if err := stub.NewBr(dispatch); err != nil {
					return st, err
				}
				stubs[tgt] = stub
			}
			for tgt, stub := range stubs {
				t.ReplaceTarget(tgt, stub)
			}

		default:
			return st, Errf(KindMalformedIR, p.Name(), fn.Name(), "bad terminator %s in %s", t.Op(), b.Name())
		}
	}

	if preserveEntry {
		if err := pro.NewBr(entry); err != nil {
			return st, err
		}
	} else {
		pro.NewStore(stateSlot, fn.ConstInt(ir.I32, uint64(states[entry])))
		if err := pro.NewBr(dispatch); err != nil {
			return st, err
		}
	}
	fn.MoveToFront(pro)
	cx.InvalidateCFG(fn)

	st.Blocks = len(orig)
	st.Instrs += len(orig)*3 + 4
	return st, nil
}

// assignStates draws a distinct random dispatch state per block, retrying
// collisions up to the configured budget per block.
func assignStates(pass string, fn *ir.Function, blocks []*ir.Block, rng *rand.Rand, maxRetries int) (map[*ir.Block]uint32, error) {
	if maxRetries <= 0 {
		maxRetries = 16
	}
	used := make(map[uint32]bool, len(blocks))
	states := make(map[*ir.Block]uint32, len(blocks))
	for _, b := range blocks {
		assigned := false
		for try := 0; try < maxRetries; try++ {
			s := rng.Uint32()
			if !used[s] {
				used[s] = true
				states[b] = s
				assigned = true
				break
			}
		}
		if !assigned {
			return nil, Errf(KindStateCollision, pass, fn.Name(),
				"no distinct state for %s after %d draws", b.Name(), maxRetries)
		}
	}
	return states, nil
}

// demotePhis replaces every phi with a stack slot: stores at the end of
// each incoming edge, a load where the phi stood. Slots live in pro, which
// executes exactly once. Returns the number of instructions added.
func demotePhis(fn *ir.Function, pro *ir.Block, blocks []*ir.Block) int {
	added := 0
	for _, b := range blocks {
		phis := append([]*ir.Instr(nil), b.Phis()...)
		if len(phis) == 0 {
			continue
		}
		slots := make([]*ir.Value, len(phis))
		for i, phi := range phis {
			slots[i] = pro.NewAlloc(slotBytes(phi.Result().Type()))
			for k, pred := range phi.Incoming() {
				ir.Before(pred.Terminator()).NewStore(slots[i], phi.Operand(k))
				added++
			}
		}
		// loads go right after the phi run; stores created above that read
		// a sibling phi get rewired by ReplaceAllUses below
		c := ir.NewCursor(b, len(phis))
		for i, phi := range phis {
			ld := c.NewLoad(phi.Result().Type(), slots[i])
			ir.ReplaceAllUses(phi.Result(), ld)
			added += 2
		}
		for i := len(phis) - 1; i >= 0; i-- {
			// uses are gone; removal cannot fail
			_ = b.RemoveInstr(phis[i])
		}
	}
	return added
}

func slotBytes(t ir.Type) int {
	return int(t.Bits()+7) / 8
}
