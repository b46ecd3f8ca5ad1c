package ir

import (
	"fmt"

	"github.com/holiman/uint256"
)

// bitmap marks block ids for O(1) membership tests during edge linking.
type bitmap []byte

func (bits *bitmap) ensure(pos uint64) {
	need := int(pos/8) + 1
	if need <= len(*bits) {
		return
	}
	*bits = append(*bits, make([]byte, need-len(*bits))...)
}

func (bits *bitmap) set1(pos uint64) {
	bits.ensure(pos)
	(*bits)[pos/8] |= 1 << (pos % 8)
}

func (bits *bitmap) isBitSet(pos uint64) bool {
	idx := int(pos / 8)
	if idx >= len(*bits) {
		return false
	}
	return (((*bits)[idx] >> (pos % 8)) & 1) == 1
}

func (bits *bitmap) clear() {
	for i := range *bits {
		(*bits)[i] = 0
	}
}

// Block owns an ordered sequence of instructions, of which the last (and
// only the last) is a terminator. Predecessor/successor slices are derived
// lookup state, never owning references.
type Block struct {
	id     int
	name   string
	fn     *Function
	instrs []*Instr

	preds       []*Block
	succs       []*Block
	predsBitmap bitmap
	succsBitmap bitmap
}

func (b *Block) ID() int            { return b.id }
func (b *Block) Name() string       { return b.name }
func (b *Block) Func() *Function    { return b.fn }
func (b *Block) Instrs() []*Instr   { return b.instrs }
func (b *Block) NumInstrs() int     { return len(b.instrs) }
func (b *Block) Preds() []*Block    { return b.preds }
func (b *Block) Succs() []*Block    { return b.succs }

// Terminator returns the block's terminator, or nil while under construction.
func (b *Block) Terminator() *Instr {
	if len(b.instrs) == 0 {
		return nil
	}
	last := b.instrs[len(b.instrs)-1]
	if !last.op.IsTerminator() {
		return nil
	}
	return last
}

// Phis returns the leading run of phi instructions.
func (b *Block) Phis() []*Instr {
	n := 0
	for _, in := range b.instrs {
		if in.op != OpPhi {
			break
		}
		n++
	}
	return b.instrs[:n]
}

func (b *Block) addSucc(s *Block) {
	if !b.succsBitmap.isBitSet(uint64(s.id)) {
		b.succsBitmap.set1(uint64(s.id))
		b.succs = append(b.succs, s)
	}
}

func (b *Block) addPred(p *Block) {
	if !b.predsBitmap.isBitSet(uint64(p.id)) {
		b.predsBitmap.set1(uint64(p.id))
		b.preds = append(b.preds, p)
	}
}

func (b *Block) resetEdges() {
	b.preds = b.preds[:0]
	b.succs = b.succs[:0]
	b.predsBitmap.clear()
	b.succsBitmap.clear()
}

// InsertAt places in at index i, maintaining the single-terminator invariant.
// It fails closed: on error the block is unchanged.
func (b *Block) InsertAt(in *Instr, i int) error {
	if i < 0 || i > len(b.instrs) {
		return fmt.Errorf("%w: insert index %d out of range in %s", ErrMalformedIR, i, b.name)
	}
	if t := b.Terminator(); t != nil && i == len(b.instrs) {
		return fmt.Errorf("%w: instruction after terminator in %s", ErrMalformedIR, b.name)
	}
	if in.op.IsTerminator() && i != len(b.instrs) {
		return fmt.Errorf("%w: terminator %s not last in %s", ErrMalformedIR, in.op, b.name)
	}
	b.instrs = append(b.instrs, nil)
	copy(b.instrs[i+1:], b.instrs[i:])
	b.instrs[i] = in
	in.block = b
	b.renumberFrom(i)
	return nil
}

// RemoveAt removes the instruction at index i. Removing an instruction whose
// result still has uses would leave dangling def-use edges, so it fails.
func (b *Block) RemoveAt(i int) error {
	if i < 0 || i >= len(b.instrs) {
		return fmt.Errorf("%w: remove index %d out of range in %s", ErrMalformedIR, i, b.name)
	}
	in := b.instrs[i]
	if in.result != nil && len(in.result.use) > 0 {
		return fmt.Errorf("%w: removing %s with live uses in %s", ErrMalformedIR, in, b.name)
	}
	in.detachUses()
	in.block = nil
	b.instrs = append(b.instrs[:i], b.instrs[i+1:]...)
	b.renumberFrom(i)
	return nil
}

// RemoveInstr removes in from the block; see RemoveAt.
func (b *Block) RemoveInstr(in *Instr) error {
	if in.block != b {
		return fmt.Errorf("%w: instruction not in block %s", ErrMalformedIR, b.name)
	}
	return b.RemoveAt(in.idx)
}

// RemoveTerminator detaches and returns the current terminator. The block is
// left unterminated; the caller must install a new terminator before the
// function is verified or executed.
func (b *Block) RemoveTerminator() *Instr {
	t := b.Terminator()
	if t == nil {
		return nil
	}
	t.detachUses()
	t.block = nil
	b.instrs = b.instrs[:len(b.instrs)-1]
	return t
}

func (b *Block) renumberFrom(i int) {
	for ; i < len(b.instrs); i++ {
		b.instrs[i].idx = i
	}
}

// append places in before the terminator if one exists, else at the end.
func (b *Block) append(in *Instr) *Instr {
	at := len(b.instrs)
	if t := b.Terminator(); t != nil {
		at--
	}
	// cannot fail: at is in range and never after a terminator
	_ = b.InsertAt(in, at)
	return in
}

func (b *Block) newInstr(op Op, typ Type, operands ...*Value) *Instr {
	in := &Instr{op: op, operands: operands}
	for _, v := range operands {
		if v != nil {
			v.addUse(in)
		}
	}
	if typ != Void {
		in.result = b.fn.newResultValue(typ, in)
	}
	return in
}

// NewBinOp appends a two-operand arithmetic/bitwise instruction. The result
// type follows the left operand.
func (b *Block) NewBinOp(op Op, x, y *Value) *Value {
	return b.append(b.newInstr(op, x.typ, x, y)).result
}

// NewCmp appends a comparison; the result is always I1.
func (b *Block) NewCmp(op Op, x, y *Value) *Value {
	return b.append(b.newInstr(op, I1, x, y)).result
}

// NewNeg appends a two's-complement negation.
func (b *Block) NewNeg(x *Value) *Value {
	return b.append(b.newInstr(OpNeg, x.typ, x)).result
}

// NewNot appends a bitwise complement (masked to the operand width).
func (b *Block) NewNot(x *Value) *Value {
	return b.append(b.newInstr(OpNot, x.typ, x)).result
}

// NewConvert appends a trunc/zext/sext to the given type.
func (b *Block) NewConvert(op Op, x *Value, to Type) *Value {
	return b.append(b.newInstr(op, to, x)).result
}

// NewAlloc appends an allocation of size bytes; the result is its address.
func (b *Block) NewAlloc(size int) *Value {
	in := b.newInstr(OpAlloc, Ptr)
	in.allocSize = size
	return b.append(in).result
}

// NewLoad appends a load of the given width from ptr.
func (b *Block) NewLoad(typ Type, ptr *Value) *Value {
	return b.append(b.newInstr(OpLoad, typ, ptr)).result
}

// NewStore appends a store of val at ptr.
func (b *Block) NewStore(ptr, val *Value) *Instr {
	return b.append(b.newInstr(OpStore, Void, ptr, val))
}

// NewStrAddr appends the address of a module string constant.
func (b *Block) NewStrAddr(strID int) *Value {
	in := b.newInstr(OpStrAddr, Ptr)
	in.strID = strID
	return b.append(in).result
}

// NewStrLen appends the byte length of a module string constant.
func (b *Block) NewStrLen(strID int) *Value {
	in := b.newInstr(OpStrLen, I64)
	in.strID = strID
	return b.append(in).result
}

// NewCall appends a call. retType must match the callee's return type.
func (b *Block) NewCall(callee string, retType Type, args ...*Value) *Value {
	in := b.newInstr(OpCall, retType, args...)
	in.callee = callee
	b.append(in)
	return in.result // nil for void callees
}

// NewOpaque appends a non-eliminable sink consuming x.
func (b *Block) NewOpaque(x *Value) *Instr {
	return b.append(b.newInstr(OpOpaque, Void, x))
}

// NewPhi inserts a phi at the head of the block (after existing phis).
// incoming and vals are parallel; every predecessor must be covered by the
// time the function is verified.
func (b *Block) NewPhi(typ Type, incoming []*Block, vals []*Value) *Value {
	in := b.newInstr(OpPhi, typ, vals...)
	in.incoming = append([]*Block(nil), incoming...)
	at := len(b.Phis())
	if err := b.InsertAt(in, at); err != nil {
		// phis always fit at the head of a block
		panic(err)
	}
	return in.result
}

func (b *Block) terminate(in *Instr) error {
	if t := b.Terminator(); t != nil {
		return fmt.Errorf("%w: block %s already terminated by %s", ErrMalformedIR, b.name, t.op)
	}
	if err := b.InsertAt(in, len(b.instrs)); err != nil {
		return err
	}
	for _, t := range in.targets {
		b.addSucc(t)
		t.addPred(b)
	}
	return nil
}

// NewBr terminates the block with an unconditional branch.
func (b *Block) NewBr(target *Block) error {
	in := b.newInstr(OpBr, Void)
	in.targets = []*Block{target}
	return b.terminate(in)
}

// NewCondBr terminates the block with a conditional branch.
func (b *Block) NewCondBr(cond *Value, ifTrue, ifFalse *Block) error {
	in := b.newInstr(OpCondBr, Void, cond)
	in.targets = []*Block{ifTrue, ifFalse}
	return b.terminate(in)
}

// NewSwitch terminates the block with a multi-way branch. caseVals[i] routes
// to cases[i]; anything else routes to def.
func (b *Block) NewSwitch(key *Value, def *Block, caseVals []*uint256.Int, cases []*Block) error {
	if len(caseVals) != len(cases) {
		return fmt.Errorf("%w: switch in %s has %d case values for %d targets",
			ErrMalformedIR, b.name, len(caseVals), len(cases))
	}
	in := b.newInstr(OpSwitch, Void, key)
	in.targets = append([]*Block{def}, cases...)
	in.caseVals = make([]*uint256.Int, len(caseVals))
	for i, cv := range caseVals {
		in.caseVals[i] = new(uint256.Int).Set(cv)
	}
	return b.terminate(in)
}

// NewRet terminates the block with a return. val is nil for void functions.
func (b *Block) NewRet(val *Value) error {
	var in *Instr
	if val != nil {
		in = b.newInstr(OpRet, Void, val)
	} else {
		in = b.newInstr(OpRet, Void)
	}
	return b.terminate(in)
}

// NewUnreachable terminates the block with a trap.
func (b *Block) NewUnreachable() error {
	return b.terminate(b.newInstr(OpUnreachable, Void))
}
