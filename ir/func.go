package ir

import (
	"fmt"

	"github.com/holiman/uint256"
)

// Well-known function attributes.
const (
	// AttrNoObfuscate excludes a function from every transformation pass.
	AttrNoObfuscate = "noobfuscate"
	// AttrRuntime marks engine-generated support routines (decrypt thunks,
	// wipe helpers). Passes never transform these.
	AttrRuntime = "obfussor.runtime"
	// AttrDecoy marks generated decoy functions.
	AttrDecoy = "obfussor.decoy"
)

// Function owns an ordered sequence of basic blocks. The first block is the
// entry block and must have no predecessors.
type Function struct {
	name    string
	mod     *Module
	params  []*Value
	retType Type
	attrs   map[string]bool
	blocks  []*Block

	nextValID   int
	nextBlockID int
}

func (f *Function) Name() string     { return f.name }
func (f *Function) Module() *Module  { return f.mod }
func (f *Function) Params() []*Value { return f.params }
func (f *Function) RetType() Type    { return f.retType }
func (f *Function) Blocks() []*Block { return f.blocks }

// Entry returns the entry block.
func (f *Function) Entry() *Block {
	if len(f.blocks) == 0 {
		return nil
	}
	return f.blocks[0]
}

// NumValues returns an upper bound on value ids, for dense side tables.
func (f *Function) NumValues() int { return f.nextValID }

// NumInstrs counts instructions across all blocks.
func (f *Function) NumInstrs() int {
	n := 0
	for _, b := range f.blocks {
		n += len(b.instrs)
	}
	return n
}

func (f *Function) SetAttr(name string) {
	if f.attrs == nil {
		f.attrs = make(map[string]bool)
	}
	f.attrs[name] = true
}

func (f *Function) HasAttr(name string) bool { return f.attrs[name] }

// Attrs returns the attribute set; callers must not mutate it.
func (f *Function) Attrs() map[string]bool { return f.attrs }

func (f *Function) newResultValue(typ Type, def *Instr) *Value {
	v := &Value{id: f.nextValID, kind: Variable, typ: typ, def: def}
	f.nextValID++
	return v
}

// Const returns a constant value of the given type, masked to its width.
func (f *Function) Const(typ Type, x *uint256.Int) *Value {
	u := new(uint256.Int).Set(x)
	MaskTo(u, typ)
	v := &Value{id: f.nextValID, kind: Konst, typ: typ, u: u}
	f.nextValID++
	return v
}

// ConstInt is Const for small payloads.
func (f *Function) ConstInt(typ Type, x uint64) *Value {
	return f.Const(typ, uint256.NewInt(x))
}

// ConstBool returns an I1 constant.
func (f *Function) ConstBool(x bool) *Value {
	if x {
		return f.ConstInt(I1, 1)
	}
	return f.ConstInt(I1, 0)
}

// NewBlock appends a fresh, empty block.
func (f *Function) NewBlock(name string) *Block {
	b := &Block{id: f.nextBlockID, name: name, fn: f}
	if b.name == "" {
		b.name = fmt.Sprintf("bb%d", b.id)
	}
	f.nextBlockID++
	f.blocks = append(f.blocks, b)
	return b
}

// MoveToFront makes b the entry block. The caller is responsible for b
// having no predecessors afterwards; Verify enforces it.
func (f *Function) MoveToFront(b *Block) {
	for i, blk := range f.blocks {
		if blk == b {
			copy(f.blocks[1:i+1], f.blocks[:i])
			f.blocks[0] = b
			return
		}
	}
}

// RemoveBlock removes b. It fails closed when b is still branched to or any
// of its results are used outside b.
func (f *Function) RemoveBlock(b *Block) error {
	f.RecomputeEdges()
	if len(b.preds) > 0 {
		return fmt.Errorf("%w: removing block %s with %d predecessors", ErrMalformedIR, b.name, len(b.preds))
	}
	for _, in := range b.instrs {
		if in.result == nil {
			continue
		}
		for _, u := range in.result.use {
			if u.block != b {
				return fmt.Errorf("%w: removing block %s whose value %s is used in %s",
					ErrMalformedIR, b.name, in.result, u.block.name)
			}
		}
	}
	f.DetachBlock(b)
	for _, in := range b.instrs {
		in.detachUses()
	}
	f.RecomputeEdges()
	return nil
}

// DetachBlock unlinks b from the block list without any safety checks.
// Reserved for passes that move whole regions (outlining); the function must
// be re-verified afterwards.
func (f *Function) DetachBlock(b *Block) {
	for i, blk := range f.blocks {
		if blk == b {
			f.blocks = append(f.blocks[:i], f.blocks[i+1:]...)
			b.fn = nil
			return
		}
	}
}

// AdoptBlock appends a block detached from another function, renumbering it
// into this function's id space.
func (f *Function) AdoptBlock(b *Block) {
	b.fn = f
	b.id = f.nextBlockID
	f.nextBlockID++
	f.blocks = append(f.blocks, b)
}

// AdoptValues renumbers values defined by b's instructions into f's id
// space. Used when blocks migrate between functions.
func (f *Function) AdoptValues(b *Block) {
	for _, in := range b.instrs {
		if in.result != nil {
			in.result.id = f.nextValID
			f.nextValID++
		}
	}
}

// RecomputeEdges rebuilds every block's predecessor/successor lists from the
// terminators. Cross-references are derived state; this is the one source of
// truth for refreshing them after structural rewiring.
func (f *Function) RecomputeEdges() {
	for _, b := range f.blocks {
		b.resetEdges()
	}
	for _, b := range f.blocks {
		t := b.Terminator()
		if t == nil {
			continue
		}
		for _, s := range t.targets {
			b.addSucc(s)
			s.addPred(b)
		}
	}
}

// ReplaceAllUses rewires every use of old to new. Phi operands included.
func ReplaceAllUses(old, new *Value) {
	if old == new {
		return
	}
	// setOperand mutates old.use; iterate over a snapshot.
	uses := append([]*Instr(nil), old.use...)
	for _, in := range uses {
		for i, v := range in.operands {
			if v == old {
				in.setOperand(i, new)
			}
		}
	}
}

// SplitAt splits b at instruction index i: instructions [i:] move to a new
// block, b is terminated with a branch to it, and successor phis that named
// b as predecessor are rebuilt to name the new block. i must lie after the
// phi run and at or before the terminator.
func (f *Function) SplitAt(b *Block, i int) (*Block, error) {
	t := b.Terminator()
	if t == nil {
		return nil, fmt.Errorf("%w: splitting unterminated block %s", ErrMalformedIR, b.name)
	}
	if i < len(b.Phis()) || i > t.idx {
		return nil, fmt.Errorf("%w: split index %d out of range in %s", ErrMalformedIR, i, b.name)
	}
	nb := f.NewBlock(b.name + ".split")
	moved := append([]*Instr(nil), b.instrs[i:]...)
	b.instrs = b.instrs[:i]
	for _, in := range moved {
		in.block = nb
	}
	nb.instrs = moved
	nb.renumberFrom(0)
	// successors now hang off nb; their phis must name nb as the predecessor
	for _, s := range nb.Terminator().targets {
		for _, phi := range s.Phis() {
			phi.ReplacePhiPred(b, nb)
		}
	}
	if err := b.NewBr(nb); err != nil {
		return nil, err
	}
	f.RecomputeEdges()
	return nb, nil
}
