package passes

import (
	"math/rand"

	"github.com/matrixbytes/Obfussor/ir"
	"github.com/matrixbytes/Obfussor/mba"
)

// BogusPass injects code that never affects the function's results: opaque
// sink chains appended to live blocks, and dead branches guarded by
// always-false predicates. Everything injected operates on fresh values and
// fresh stack slots only, so non-interference holds by construction rather
// than by analysis.
type BogusPass struct {
	decoy string
}

func (*BogusPass) Name() string { return "bogus" }

// Prepare synthesizes the shared decoy callee once per run. Dead branches
// at tier 2 and above call it; since those branches never execute, the
// decoy only has to look plausible, but it is a complete, verifiable
// function all the same.
func (p *BogusPass) Prepare(cx *Context) error {
	if cx.Cfg.Bogus.Tier < 2 {
		return nil
	}
	rng := cx.Rand("bogus/decoy")
	name := "obf.mix0"
	if cx.Mod.Func(name) != nil {
		// already present when re-obfuscating previous output
		p.decoy = name
		return nil
	}
	fn, err := cx.Mod.NewFunc(name, ir.I64, ir.I64)
	if err != nil {
		return err
	}
	fn.SetAttr(ir.AttrDecoy)
	x := fn.Params()[0]
	b := fn.NewBlock("entry")
	t1 := b.NewBinOp(ir.OpMul, x, fn.ConstInt(ir.I64, rng.Uint64()|1))
	t2 := b.NewBinOp(ir.OpXor, t1, fn.ConstInt(ir.I64, rng.Uint64()))
	t3 := b.NewBinOp(ir.OpAdd, t2, x)
	t4 := b.NewBinOp(ir.OpLShr, t3, fn.ConstInt(ir.I64, uint64(rng.Intn(31)+1)))
	out := b.NewBinOp(ir.OpXor, t3, t4)
	if err := b.NewRet(out); err != nil {
		return err
	}
	p.decoy = name
	return nil
}

func (p *BogusPass) Run(cx *Context, fn *ir.Function, rng *rand.Rand) (Stats, error) {
	var st Stats
	bcfg := cx.Cfg.Bogus
	t := cx.Cfg.Techniques
	if bcfg.Density <= 0 {
		return st, nil
	}
	max := bcfg.MaxPerFunction
	injected := 0
	for _, b := range append([]*ir.Block(nil), fn.Blocks()...) {
		if max > 0 && injected >= max {
			break
		}
		if b.Terminator() == nil {
			continue
		}
		if rng.Float64() >= bcfg.Density {
			continue
		}
		if !cx.GrowthAllowed(32) {
			st.Warnf("size budget reached in %s", fn.Name())
			break
		}
		useBranch := t.OpaquePredicates && (!t.BogusCodeInjection || rng.Intn(2) == 0)
		var err error
		var n int
		if useBranch {
			n, err = p.deadBranch(fn, b, bcfg.Tier, rng)
		} else {
			n = p.sinkChain(fn, b, bcfg.Tier, rng)
		}
		if err != nil {
			return st, err
		}
		injected++
		st.Blocks++
		st.Instrs += n
	}
	return st, nil
}

// sinkChain appends a junk computation over fresh values, anchored by an
// opaque sink so later cleanups cannot prove it dead.
func (p *BogusPass) sinkChain(fn *ir.Function, b *ir.Block, tier int, rng *rand.Rand) int {
	t := b.Terminator()
	c := ir.Before(t)
	slot := c.NewAlloc(8)
	c.NewStore(slot, fn.ConstInt(ir.I64, rng.Uint64()))
	v := c.NewLoad(ir.I64, slot)
	n := 3
	steps := tier + rng.Intn(3)
	for i := 0; i < steps; i++ {
		switch rng.Intn(3) {
		case 0:
			v = c.NewBinOp(ir.OpMul, v, fn.ConstInt(ir.I64, rng.Uint64()|1))
		case 1:
			v = c.NewBinOp(ir.OpXor, v, fn.ConstInt(ir.I64, rng.Uint64()))
		default:
			v = c.NewBinOp(ir.OpAdd, v, fn.ConstInt(ir.I64, rng.Uint64()))
		}
		n++
	}
	c.NewOpaque(v)
	return n + 1
}

// deadBranch splits the block before its terminator and guards a
// never-taken detour with an always-false predicate.
func (p *BogusPass) deadBranch(fn *ir.Function, b *ir.Block, tier int, rng *rand.Rand) (int, error) {
	t := b.Terminator()
	cont, err := fn.SplitAt(b, t.Index())
	if err != nil {
		return 0, err
	}
	b.RemoveTerminator()
	cond := mba.AlwaysFalse(ir.NewCursor(b, b.NumInstrs()), fn, rng)

	dead := fn.NewBlock(b.Name() + ".x")
	slot := dead.NewAlloc(8)
	dead.NewStore(slot, fn.ConstInt(ir.I64, rng.Uint64()))
	v := dead.NewLoad(ir.I64, slot)
	v = dead.NewBinOp(ir.OpXor, v, fn.ConstInt(ir.I64, rng.Uint64()))
	if tier >= 2 && p.decoy != "" {
		v = dead.NewCall(p.decoy, ir.I64, v)
	}
	dead.NewStore(slot, v)
	if err := dead.NewBr(cont); err != nil {
		return 0, err
	}
	if err := b.NewCondBr(cond, dead, cont); err != nil {
		return 0, err
	}
	fn.RecomputeEdges()
	return 12, nil
}
