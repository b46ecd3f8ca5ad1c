package passes

import (
	"errors"
	"math/rand"

	"github.com/matrixbytes/Obfussor/ir"
	"github.com/matrixbytes/Obfussor/mba"
)

// SubstitutePass replaces simple instructions with equivalent Mixed
// Boolean-Arithmetic expansions. Depth controls how often the rule table is
// re-applied to the expansion's own output; growth is roughly exponential
// in depth, which is why the per-function cap is checked before anything is
// rewritten.
type SubstitutePass struct{}

func (*SubstitutePass) Name() string { return "substitute" }

func (p *SubstitutePass) Run(cx *Context, fn *ir.Function, rng *rand.Rand) (Stats, error) {
	var st Stats
	scfg := cx.Cfg.Substitution
	depth := scfg.Depth
	if depth <= 0 {
		return st, nil
	}
	if scfg.MaxInstrsPerFunction > 0 && fn.NumInstrs() > scfg.MaxInstrsPerFunction {
		return st, Errf(KindPassFailure, p.Name(), fn.Name(),
			"function has %d instructions, cap is %d", fn.NumInstrs(), scfg.MaxInstrsPerFunction)
	}
	arith, bitwise, cmp := categories(scfg.Categories)

	var snapshot []*ir.Instr
	for _, b := range fn.Blocks() {
		snapshot = append(snapshot, b.Instrs()...)
	}
	for _, in := range snapshot {
		op := in.Op()
		selected := (arith && op.Arithmetic()) || (bitwise && op.Bitwise()) || (cmp && op.Comparison())
		if !selected || in.Result() == nil {
			continue
		}
		if !mba.HasRule(op) {
			if cx.Cfg.OnUnsupported == "abort" {
				return st, Errf(KindUnsupportedConstruct, p.Name(), fn.Name(), "no rule for %s", op)
			}
			st.Warnf("%s: no rule for %s, skipped", fn.Name(), op)
			continue
		}
		if !cx.GrowthAllowed(8 * depth) {
			st.Warnf("size budget reached in %s", fn.Name())
			break
		}
		if _, err := mba.Rewrite(in, depth, rng); err != nil {
			if errors.Is(err, mba.ErrUnsupported) {
				continue
			}
			return st, wrap(KindPassFailure, p.Name(), fn.Name(), err)
		}
		st.Instrs++
	}
	return st, nil
}

// categories resolves the selection list; empty means every category.
func categories(list []string) (arith, bitwise, cmp bool) {
	if len(list) == 0 {
		return true, true, true
	}
	for _, c := range list {
		switch c {
		case "arithmetic":
			arith = true
		case "bitwise":
			bitwise = true
		case "comparison":
			cmp = true
		}
	}
	return
}
