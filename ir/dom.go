package ir

// DomTree answers dominance queries for a function. It is a snapshot:
// structural mutation invalidates it, and the pass infrastructure is
// responsible for recomputing it when a pass needs dominance after a pass
// that did not preserve it.
type DomTree struct {
	fn    *Function
	idom  map[*Block]*Block
	order map[*Block]int // reverse postorder index
}

// ComputeDom builds the dominator tree with the iterative dataflow
// algorithm over reverse postorder.
func ComputeDom(f *Function) *DomTree {
	f.RecomputeEdges()
	entry := f.Entry()
	d := &DomTree{
		fn:    f,
		idom:  make(map[*Block]*Block, len(f.blocks)),
		order: make(map[*Block]int, len(f.blocks)),
	}
	if entry == nil {
		return d
	}

	// reverse postorder over reachable blocks
	var rpo []*Block
	seen := make(map[*Block]bool, len(f.blocks))
	var walk func(b *Block)
	walk = func(b *Block) {
		seen[b] = true
		for _, s := range b.succs {
			if !seen[s] {
				walk(s)
			}
		}
		rpo = append(rpo, b)
	}
	walk(entry)
	for i, j := 0, len(rpo)-1; i < j; i, j = i+1, j-1 {
		rpo[i], rpo[j] = rpo[j], rpo[i]
	}
	for i, b := range rpo {
		d.order[b] = i
	}

	d.idom[entry] = entry
	changed := true
	for changed {
		changed = false
		for _, b := range rpo {
			if b == entry {
				continue
			}
			var newIdom *Block
			for _, p := range b.preds {
				if d.idom[p] == nil {
					continue // unprocessed this round
				}
				if newIdom == nil {
					newIdom = p
				} else {
					newIdom = d.intersect(p, newIdom)
				}
			}
			if newIdom == nil {
				continue
			}
			if d.idom[b] != newIdom {
				d.idom[b] = newIdom
				changed = true
			}
		}
	}
	return d
}

func (d *DomTree) intersect(a, b *Block) *Block {
	for a != b {
		for d.order[a] > d.order[b] {
			a = d.idom[a]
		}
		for d.order[b] > d.order[a] {
			b = d.idom[b]
		}
	}
	return a
}

// IDom returns the immediate dominator of b (entry's is itself).
func (d *DomTree) IDom(b *Block) *Block { return d.idom[b] }

// Dominates reports whether a dominates b. A block dominates itself.
// Unreachable blocks dominate nothing and are dominated by nothing.
func (d *DomTree) Dominates(a, b *Block) bool {
	if a == b {
		return d.idom[a] != nil
	}
	entry := d.fn.Entry()
	for b != nil && b != entry {
		parent := d.idom[b]
		if parent == b || parent == nil {
			return false
		}
		b = parent
		if b == a {
			return true
		}
	}
	return a == entry && b == entry
}

// DominatesInstr reports whether definition def is available at use
// (strictly earlier in the same block, or in a dominating block).
func (d *DomTree) DominatesInstr(def, use *Instr) bool {
	if def.block == use.block {
		return def.idx < use.idx
	}
	return d.Dominates(def.block, use.block)
}
