package ir

import "github.com/holiman/uint256"

// SetPhiValue updates the value flowing in from pred, maintaining use
// lists. Used when a loop's backedge value only exists after the phi.
func (in *Instr) SetPhiValue(pred *Block, v *Value) {
	for i, b := range in.incoming {
		if b == pred {
			in.setOperand(i, v)
			return
		}
	}
}

// ReplaceOperand rewires occurrences of old among this instruction's
// operands only. Region extraction uses it to retarget live-ins without
// touching uses outside the region.
func (in *Instr) ReplaceOperand(old, new *Value) {
	for i, v := range in.operands {
		if v == old {
			in.setOperand(i, new)
		}
	}
}

// CopyBody clones src's blocks and instructions into f, substituting args
// for src's parameters. Cloned values are renumbered into f's id space and
// block names gain the given prefix. It returns the cloned entry block and
// the cloned return instructions; the caller rewires those into its own
// control flow. f and src may belong to different functions of the same
// module.
func (f *Function) CopyBody(src *Function, args []*Value, prefix string) (*Block, []*Instr) {
	valueMap := make(map[*Value]*Value, src.nextValID)
	for i, p := range src.params {
		valueMap[p] = args[i]
	}
	blockMap := make(map[*Block]*Block, len(src.blocks))
	for _, b := range src.blocks {
		blockMap[b] = f.NewBlock(prefix + b.name)
	}
	mapVal := func(v *Value) *Value {
		if v == nil {
			return nil
		}
		if nv, ok := valueMap[v]; ok {
			return nv
		}
		if v.kind == Konst {
			nv := f.Const(v.typ, v.u)
			valueMap[v] = nv
			return nv
		}
		// forward reference: allocate the shell now, bind def when the
		// defining instruction is cloned
		nv := f.newResultValue(v.typ, nil)
		valueMap[v] = nv
		return nv
	}
	var rets []*Instr
	for _, b := range src.blocks {
		nb := blockMap[b]
		for _, in := range b.instrs {
			ni := &Instr{
				op:        in.op,
				block:     nb,
				idx:       len(nb.instrs),
				allocSize: in.allocSize,
				strID:     in.strID,
				callee:    in.callee,
			}
			for _, v := range in.operands {
				nv := mapVal(v)
				ni.operands = append(ni.operands, nv)
				if nv != nil {
					nv.addUse(ni)
				}
			}
			for _, t := range in.targets {
				ni.targets = append(ni.targets, blockMap[t])
			}
			for _, ib := range in.incoming {
				ni.incoming = append(ni.incoming, blockMap[ib])
			}
			for _, cv := range in.caseVals {
				ni.caseVals = append(ni.caseVals, new(uint256.Int).Set(cv))
			}
			if in.result != nil {
				nr := mapVal(in.result)
				nr.def = ni
				ni.result = nr
			}
			nb.instrs = append(nb.instrs, ni)
			if ni.op == OpRet {
				rets = append(rets, ni)
			}
		}
	}
	return blockMap[src.Entry()], rets
}
