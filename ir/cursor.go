package ir

// Cursor inserts instructions at a fixed position inside a block, advancing
// as it emits. Passes that must place code before an existing instruction
// (substitution, predicate synthesis) build through a cursor; the plain
// Block builders always append at the end.
type Cursor struct {
	blk *Block
	at  int
}

// NewCursor returns a cursor inserting at index at of b.
func NewCursor(b *Block, at int) *Cursor {
	return &Cursor{blk: b, at: at}
}

// Before returns a cursor positioned immediately before in.
func Before(in *Instr) *Cursor {
	return &Cursor{blk: in.block, at: in.idx}
}

func (c *Cursor) Block() *Block { return c.blk }
func (c *Cursor) At() int       { return c.at }

func (c *Cursor) insert(in *Instr) *Instr {
	if err := c.blk.InsertAt(in, c.at); err != nil {
		// cursor positions are derived from live instruction indices;
		// a failure here is a programming error in the pass
		panic(err)
	}
	c.at++
	return in
}

func (c *Cursor) NewBinOp(op Op, x, y *Value) *Value {
	return c.insert(c.blk.newInstr(op, x.typ, x, y)).result
}

func (c *Cursor) NewCmp(op Op, x, y *Value) *Value {
	return c.insert(c.blk.newInstr(op, I1, x, y)).result
}

func (c *Cursor) NewNeg(x *Value) *Value {
	return c.insert(c.blk.newInstr(OpNeg, x.typ, x)).result
}

func (c *Cursor) NewNot(x *Value) *Value {
	return c.insert(c.blk.newInstr(OpNot, x.typ, x)).result
}

func (c *Cursor) NewConvert(op Op, x *Value, to Type) *Value {
	return c.insert(c.blk.newInstr(op, to, x)).result
}

func (c *Cursor) NewAlloc(size int) *Value {
	in := c.blk.newInstr(OpAlloc, Ptr)
	in.allocSize = size
	return c.insert(in).result
}

func (c *Cursor) NewLoad(typ Type, ptr *Value) *Value {
	return c.insert(c.blk.newInstr(OpLoad, typ, ptr)).result
}

func (c *Cursor) NewStore(ptr, val *Value) *Instr {
	return c.insert(c.blk.newInstr(OpStore, Void, ptr, val))
}

func (c *Cursor) NewCall(callee string, retType Type, args ...*Value) *Value {
	in := c.blk.newInstr(OpCall, retType, args...)
	in.callee = callee
	c.insert(in)
	return in.result
}

func (c *Cursor) NewOpaque(x *Value) *Instr {
	return c.insert(c.blk.newInstr(OpOpaque, Void, x))
}
