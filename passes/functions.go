package passes

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/matrixbytes/Obfussor/ir"
)

// FunctionsPass inlines small, rarely-called functions into their call
// sites and outlines contiguous block regions into fresh functions. Both
// directions blur the original call structure; running them first in the
// pipeline exposes the moved code to every later pass.
//
// Outlined regions communicate live-outs through out-pointer stack slots,
// since functions return at most one value.
type FunctionsPass struct {
	parts int
}

func (*FunctionsPass) Name() string { return "functions" }

func (p *FunctionsPass) RunModule(cx *Context) (Stats, error) {
	var st Stats
	fcfg := cx.Cfg.Functions
	if fcfg.InlineMaxInstrs > 0 {
		if err := p.inlineAll(cx, &st); err != nil {
			return st, err
		}
	}
	if fcfg.OutlineMinInstrs > 0 {
		for _, fn := range append([]*ir.Function(nil), cx.Mod.Funcs()...) {
			if cx.Excluded(fn) {
				continue
			}
			done, err := p.outlineOnce(cx, fn)
			if err != nil {
				return st, err
			}
			if done {
				st.Functions++
			}
		}
	}
	return st, nil
}

// inlineAll folds every eligible callee into its call sites, then drops
// callees that became unreferenced.
func (p *FunctionsPass) inlineAll(cx *Context, st *Stats) error {
	fcfg := cx.Cfg.Functions
	for _, callee := range append([]*ir.Function(nil), cx.Mod.Funcs()...) {
		if callee.HasAttr(ir.AttrRuntime) || callee.HasAttr(ir.AttrNoObfuscate) {
			continue
		}
		if callee.NumInstrs() == 0 || callee.NumInstrs() > fcfg.InlineMaxInstrs {
			continue
		}
		if !inlinable(callee) {
			continue
		}
		n := cx.Mod.CallCount(callee.Name())
		if n == 0 || (fcfg.InlineMaxCallSites > 0 && n > fcfg.InlineMaxCallSites) {
			continue
		}
		if !cx.GrowthAllowed(n * callee.NumInstrs()) {
			st.Warnf("size budget reached before inlining %s", callee.Name())
			break
		}
		sites := callSites(cx, callee.Name())
		for _, call := range sites {
			if err := p.inlineCall(cx, call, callee); err != nil {
				return err
			}
			st.Instrs += callee.NumInstrs()
		}
		if len(sites) > 0 {
			cx.Log.Debug("inlined",
				zap.String("callee", callee.Name()),
				zap.Int("sites", len(sites)))
		}
		if cx.Mod.CallCount(callee.Name()) == 0 {
			// callers outside the include set may still reference it
			if err := cx.Mod.RemoveFunc(callee.Name()); err != nil {
				return wrap(KindPassFailure, p.Name(), callee.Name(), err)
			}
		}
	}
	return nil
}

// inlinable rejects recursive callees and callees that never return.
func inlinable(callee *ir.Function) bool {
	rets := 0
	for _, b := range callee.Blocks() {
		for _, in := range b.Instrs() {
			if in.Op() == ir.OpCall && in.Callee() == callee.Name() {
				return false
			}
			if in.Op() == ir.OpRet {
				rets++
			}
		}
	}
	return rets > 0
}

// callSites collects calls to name outside excluded callers and outside
// name itself.
func callSites(cx *Context, name string) []*ir.Instr {
	var sites []*ir.Instr
	for _, fn := range cx.Mod.Funcs() {
		if fn.Name() == name || cx.Excluded(fn) {
			continue
		}
		for _, b := range fn.Blocks() {
			for _, in := range b.Instrs() {
				if in.Op() == ir.OpCall && in.Callee() == name {
					sites = append(sites, in)
				}
			}
		}
	}
	return sites
}

// inlineCall splices a copy of callee in place of one call: the call block
// is split after the call, the cloned body branches to the continuation,
// and the cloned returns feed the call result (through a phi when the body
// returns from several places).
func (p *FunctionsPass) inlineCall(cx *Context, call *ir.Instr, callee *ir.Function) error {
	b := call.Block()
	caller := b.Func()
	cont, err := caller.SplitAt(b, call.Index()+1)
	if err != nil {
		return wrap(KindPassFailure, p.Name(), caller.Name(), err)
	}
	b.RemoveTerminator()

	args := append([]*ir.Value(nil), call.Operands()...)
	entry, rets := caller.CopyBody(callee, args, callee.Name()+".")
	if err := b.NewBr(entry); err != nil {
		return err
	}

	var retBlocks []*ir.Block
	var retVals []*ir.Value
	for _, r := range rets {
		rb := r.Block()
		retBlocks = append(retBlocks, rb)
		retVals = append(retVals, r.Operand(0))
		rb.RemoveTerminator()
		if err := rb.NewBr(cont); err != nil {
			return err
		}
	}
	if res := call.Result(); res != nil {
		var nv *ir.Value
		if len(retVals) == 1 {
			nv = retVals[0]
		} else {
			nv = cont.NewPhi(res.Type(), retBlocks, retVals)
		}
		ir.ReplaceAllUses(res, nv)
	}
	if err := b.RemoveInstr(call); err != nil {
		return wrap(KindPassFailure, p.Name(), caller.Name(), err)
	}
	cx.InvalidateCFG(caller)
	return nil
}

// region is a candidate block window for outlining, with its dataflow
// boundary already computed.
type region struct {
	blocks   []*ir.Block
	inside   map[*ir.Block]bool
	exit     *ir.Block
	liveIns  []*ir.Value
	liveOuts []*ir.Value
}

const maxRegionBlocks = 6

// outlineOnce extracts at most one region from fn.
func (p *FunctionsPass) outlineOnce(cx *Context, fn *ir.Function) (bool, error) {
	minN := cx.Cfg.Functions.OutlineMinInstrs
	fn.RecomputeEdges()
	dom := ir.ComputeDom(fn)
	blocks := fn.Blocks()
	for i := 1; i < len(blocks); i++ {
		for j := i + 1; j <= len(blocks) && j-i <= maxRegionBlocks; j++ {
			r := selectRegion(fn, dom, blocks[i:j], minN)
			if r == nil {
				continue
			}
			if !cx.GrowthAllowed(len(r.liveOuts)*3 + len(r.liveIns) + 8) {
				return false, nil
			}
			if err := p.extract(cx, fn, r); err != nil {
				return false, err
			}
			return true, nil
		}
	}
	return false, nil
}

// selectRegion validates a block window: single entry through the first
// block, a single outside successor, no returns inside, every block
// reachable from the first within the window, and every live-out's
// definition dominating the exit.
func selectRegion(fn *ir.Function, dom *ir.DomTree, window []*ir.Block, minN int) *region {
	first := window[0]
	if len(first.Phis()) > 0 {
		return nil
	}
	inside := make(map[*ir.Block]bool, len(window))
	for _, b := range window {
		inside[b] = true
	}
	instrs := 0
	var exit *ir.Block
	for _, b := range window {
		t := b.Terminator()
		if t == nil || t.Op() == ir.OpRet || t.Op() == ir.OpUnreachable {
			return nil
		}
		instrs += b.NumInstrs()
		for _, tgt := range t.Targets() {
			if inside[tgt] {
				continue
			}
			if exit != nil && exit != tgt {
				return nil
			}
			exit = tgt
		}
		if b != first {
			for _, pr := range b.Preds() {
				if !inside[pr] {
					return nil
				}
			}
		}
	}
	if exit == nil || exit == first || len(exit.Phis()) > 0 || instrs < minN {
		return nil
	}
	if !regionConnected(first, inside) {
		return nil
	}

	r := &region{blocks: window, inside: inside, exit: exit}
	seenIn := make(map[*ir.Value]bool)
	seenOut := make(map[*ir.Value]bool)
	for _, b := range window {
		for _, in := range b.Instrs() {
			for _, v := range in.Operands() {
				if v == nil || v.IsConst() || seenIn[v] {
					continue
				}
				if definedInside(v, inside) {
					continue
				}
				seenIn[v] = true
				r.liveIns = append(r.liveIns, v)
			}
			res := in.Result()
			if res == nil || seenOut[res] {
				continue
			}
			for _, u := range res.Uses() {
				if !inside[u.Block()] {
					if !dom.Dominates(b, exit) {
						return nil
					}
					seenOut[res] = true
					r.liveOuts = append(r.liveOuts, res)
					break
				}
			}
		}
	}
	return r
}

func regionConnected(first *ir.Block, inside map[*ir.Block]bool) bool {
	seen := map[*ir.Block]bool{first: true}
	work := []*ir.Block{first}
	for len(work) > 0 {
		b := work[len(work)-1]
		work = work[:len(work)-1]
		for _, s := range b.Succs() {
			if inside[s] && !seen[s] {
				seen[s] = true
				work = append(work, s)
			}
		}
	}
	return len(seen) == len(inside)
}

func definedInside(v *ir.Value, inside map[*ir.Block]bool) bool {
	if v.Kind() != ir.Variable || v.Def() == nil {
		return false
	}
	return inside[v.Def().Block()]
}

// extract moves the region into a fresh function. The caller keeps a stub
// block that passes live-ins as arguments, receives live-outs through
// out-pointer slots, and branches to the old exit.
func (p *FunctionsPass) extract(cx *Context, fn *ir.Function, r *region) error {
	p.parts++
	name := fmt.Sprintf("%s.part%d", fn.Name(), p.parts)
	for cx.Mod.Func(name) != nil {
		// previous output may already carry extracted parts
		p.parts++
		name = fmt.Sprintf("%s.part%d", fn.Name(), p.parts)
	}

	var paramTypes []ir.Type
	for _, v := range r.liveIns {
		paramTypes = append(paramTypes, v.Type())
	}
	for range r.liveOuts {
		paramTypes = append(paramTypes, ir.Ptr)
	}
	nf, err := cx.Mod.NewFunc(name, ir.Void, paramTypes...)
	if err != nil {
		return wrap(KindPassFailure, p.Name(), fn.Name(), err)
	}
	// the region's first block may carry an in-region back edge (a loop
	// header); a fresh entry keeps the extracted function's entry
	// predecessor-free
	head := nf.NewBlock("entry")

	first := r.blocks[0]
	stub := fn.NewBlock(first.Name() + ".call")
	for _, pr := range append([]*ir.Block(nil), first.Preds()...) {
		if !r.inside[pr] {
			pr.Terminator().ReplaceTarget(first, stub)
		}
	}

	for _, b := range r.blocks {
		fn.DetachBlock(b)
		nf.AdoptBlock(b)
		nf.AdoptValues(b)
	}
	for k, li := range r.liveIns {
		param := nf.Params()[k]
		for _, b := range r.blocks {
			for _, in := range b.Instrs() {
				in.ReplaceOperand(li, param)
			}
		}
	}
	retB := nf.NewBlock("ret")
	for j, lo := range r.liveOuts {
		retB.NewStore(nf.Params()[len(r.liveIns)+j], lo)
	}
	if err := retB.NewRet(nil); err != nil {
		return err
	}
	for _, b := range r.blocks {
		b.Terminator().ReplaceTarget(r.exit, retB)
	}
	if err := head.NewBr(first); err != nil {
		return err
	}
	nf.RecomputeEdges()

	var slots []*ir.Value
	for _, lo := range r.liveOuts {
		slots = append(slots, stub.NewAlloc(slotBytes(lo.Type())))
	}
	args := append([]*ir.Value(nil), r.liveIns...)
	args = append(args, slots...)
	stub.NewCall(name, ir.Void, args...)
	for j, lo := range r.liveOuts {
		ld := stub.NewLoad(lo.Type(), slots[j])
		for _, u := range append([]*ir.Instr(nil), lo.Uses()...) {
			if u.Block().Func() == fn {
				u.ReplaceOperand(lo, ld)
			}
		}
	}
	if err := stub.NewBr(r.exit); err != nil {
		return err
	}
	cx.InvalidateCFG(fn)
	cx.InvalidateCFG(nf)
	cx.Log.Debug("outlined",
		zap.String("from", fn.Name()),
		zap.String("into", name),
		zap.Int("blocks", len(r.blocks)))
	return nil
}
