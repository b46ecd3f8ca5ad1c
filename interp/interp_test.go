package interp

import (
	"errors"
	"testing"

	"github.com/holiman/uint256"

	"github.com/matrixbytes/Obfussor/ir"
)

func run(t *testing.T, m *ir.Module, name string, args ...uint64) *uint256.Int {
	t.Helper()
	it := New(m)
	var a []*uint256.Int
	for _, x := range args {
		a = append(a, uint256.NewInt(x))
	}
	ret, err := it.Run(name, a...)
	if err != nil {
		t.Fatalf("Run(%s): %v", name, err)
	}
	return ret
}

func TestInterp_WrapAroundAtWidth(t *testing.T) {
	// i8 arithmetic must wrap at 8 bits: 200+100 = 44
	m := ir.NewModule("t")
	f, _ := m.NewFunc("add8", ir.I8, ir.I8, ir.I8)
	b := f.NewBlock("entry")
	v := b.NewBinOp(ir.OpAdd, f.Params()[0], f.Params()[1])
	if err := b.NewRet(v); err != nil {
		t.Fatalf("ret: %v", err)
	}
	if got := run(t, m, "add8", 200, 100); got.Uint64() != 44 {
		t.Fatalf("200+100 at i8 = %d, want 44", got.Uint64())
	}
}

func TestInterp_SignedDivision(t *testing.T) {
	// -7 / 2 = -3 (truncating), at i32
	m := ir.NewModule("t")
	f, _ := m.NewFunc("sdiv", ir.I32, ir.I32, ir.I32)
	b := f.NewBlock("entry")
	v := b.NewBinOp(ir.OpSDiv, f.Params()[0], f.Params()[1])
	if err := b.NewRet(v); err != nil {
		t.Fatalf("ret: %v", err)
	}
	neg7 := uint64(0xfffffff9) // -7 as u32
	want := uint64(0xfffffffd) // -3 as u32
	if got := run(t, m, "sdiv", neg7, 2); got.Uint64() != want {
		t.Fatalf("-7/2 = %#x, want %#x", got.Uint64(), want)
	}
}

func TestInterp_DivisionByZeroIsZero(t *testing.T) {
	m := ir.NewModule("t")
	f, _ := m.NewFunc("div", ir.I64, ir.I64, ir.I64)
	b := f.NewBlock("entry")
	v := b.NewBinOp(ir.OpUDiv, f.Params()[0], f.Params()[1])
	if err := b.NewRet(v); err != nil {
		t.Fatalf("ret: %v", err)
	}
	if got := run(t, m, "div", 42, 0); !got.IsZero() {
		t.Fatalf("42/0 = %s, want 0", got.Dec())
	}
}

func TestInterp_PhiSwapIsParallel(t *testing.T) {
	// Two phis that read each other must evaluate against the pre-edge
	// state. The loop swaps (a, b) n times; swap(5) from (1, 2) ends at
	// (2, 1) and returns a.
	//
	// entry: br loop
	// loop:  a = phi [1, entry] [b, loop]
	//        b = phi [2, entry] [a, loop]
	//        i = phi [0, entry] [i+1, loop]
	//        i1 = i + 1; more = i1 < n; condbr more -> loop, done
	// done:  ret a
	m := ir.NewModule("t")
	f, _ := m.NewFunc("swap", ir.I64, ir.I64)
	entry := f.NewBlock("entry")
	loop := f.NewBlock("loop")
	done := f.NewBlock("done")
	if err := entry.NewBr(loop); err != nil {
		t.Fatalf("br: %v", err)
	}
	one := f.ConstInt(ir.I64, 1)
	two := f.ConstInt(ir.I64, 2)
	zero := f.ConstInt(ir.I64, 0)
	a := loop.NewPhi(ir.I64, []*ir.Block{entry, loop}, []*ir.Value{one, one})
	b := loop.NewPhi(ir.I64, []*ir.Block{entry, loop}, []*ir.Value{two, two})
	i := loop.NewPhi(ir.I64, []*ir.Block{entry, loop}, []*ir.Value{zero, zero})
	a.Def().SetPhiValue(loop, b)
	b.Def().SetPhiValue(loop, a)
	i1 := loop.NewBinOp(ir.OpAdd, i, one)
	i.Def().SetPhiValue(loop, i1)
	more := loop.NewCmp(ir.OpULt, i1, f.Params()[0])
	if err := loop.NewCondBr(more, loop, done); err != nil {
		t.Fatalf("condbr: %v", err)
	}
	if err := done.NewRet(a); err != nil {
		t.Fatalf("ret: %v", err)
	}
	if err := ir.VerifyModule(m); err != nil {
		t.Fatalf("verify: %v", err)
	}
	// the loop is entered n times; a is swapped on every arrival after the
	// first, so a = 1 for odd n, 2 for even n
	if got := run(t, m, "swap", 5); got.Uint64() != 1 {
		t.Fatalf("swap(5) = %d, want 1", got.Uint64())
	}
	if got := run(t, m, "swap", 4); got.Uint64() != 2 {
		t.Fatalf("swap(4) = %d, want 2", got.Uint64())
	}
}

func TestInterp_MemoryLittleEndian(t *testing.T) {
	// store i64, load its low i8 back
	m := ir.NewModule("t")
	f, _ := m.NewFunc("lo", ir.I8, ir.I64)
	b := f.NewBlock("entry")
	slot := b.NewAlloc(8)
	b.NewStore(slot, f.Params()[0])
	v := b.NewLoad(ir.I8, slot)
	if err := b.NewRet(v); err != nil {
		t.Fatalf("ret: %v", err)
	}
	if got := run(t, m, "lo", 0x1122334455667788); got.Uint64() != 0x88 {
		t.Fatalf("low byte = %#x, want 0x88", got.Uint64())
	}
}

func TestInterp_StringDataAndCalls(t *testing.T) {
	// sum the bytes of "ab" through a helper call
	m := ir.NewModule("t")
	s := m.AddString("pair", []byte("ab"))

	add, _ := m.NewFunc("add", ir.I64, ir.I64, ir.I64)
	ab := add.NewBlock("entry")
	v := ab.NewBinOp(ir.OpAdd, add.Params()[0], add.Params()[1])
	if err := ab.NewRet(v); err != nil {
		t.Fatalf("ret: %v", err)
	}

	f, _ := m.NewFunc("sum", ir.I64)
	b := f.NewBlock("entry")
	base := b.NewStrAddr(s.ID)
	c0 := b.NewLoad(ir.I8, base)
	a1 := b.NewBinOp(ir.OpAdd, base, f.ConstInt(ir.Ptr, 1))
	c1 := b.NewLoad(ir.I8, a1)
	w0 := b.NewConvert(ir.OpZExt, c0, ir.I64)
	w1 := b.NewConvert(ir.OpZExt, c1, ir.I64)
	r := b.NewCall("add", ir.I64, w0, w1)
	if err := b.NewRet(r); err != nil {
		t.Fatalf("ret: %v", err)
	}

	it := New(m)
	got, err := it.Run("sum")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got.Uint64() != uint64('a')+uint64('b') {
		t.Fatalf("sum = %d, want %d", got.Uint64(), 'a'+'b')
	}
	if it.CallCount("add") != 1 {
		t.Fatalf("add called %d times, want 1", it.CallCount("add"))
	}
}

func TestInterp_SwitchDispatch(t *testing.T) {
	// switch k: 3 -> 30, 7 -> 70, default -> 0
	m := ir.NewModule("t")
	f, _ := m.NewFunc("pick", ir.I64, ir.I64)
	entry := f.NewBlock("entry")
	c3 := f.NewBlock("c3")
	c7 := f.NewBlock("c7")
	def := f.NewBlock("def")
	err := entry.NewSwitch(f.Params()[0], def,
		[]*uint256.Int{uint256.NewInt(3), uint256.NewInt(7)},
		[]*ir.Block{c3, c7})
	if err != nil {
		t.Fatalf("switch: %v", err)
	}
	for blk, val := range map[*ir.Block]uint64{c3: 30, c7: 70, def: 0} {
		if err := blk.NewRet(f.ConstInt(ir.I64, val)); err != nil {
			t.Fatalf("ret: %v", err)
		}
	}
	for k, want := range map[uint64]uint64{3: 30, 7: 70, 9: 0} {
		if got := run(t, m, "pick", k); got.Uint64() != want {
			t.Fatalf("pick(%d) = %d, want %d", k, got.Uint64(), want)
		}
	}
}

func TestInterp_TrapAndStepLimit(t *testing.T) {
	m := ir.NewModule("t")
	f, _ := m.NewFunc("trap", ir.Void)
	b := f.NewBlock("entry")
	if err := b.NewUnreachable(); err != nil {
		t.Fatalf("unreachable: %v", err)
	}
	g, _ := m.NewFunc("spin", ir.Void)
	e := g.NewBlock("entry")
	if err := e.NewBr(e); err != nil {
		t.Fatalf("br: %v", err)
	}

	it := New(m)
	if _, err := it.Run("trap"); !errors.Is(err, ErrTrap) {
		t.Fatalf("expected ErrTrap, got %v", err)
	}
	it = New(m)
	it.SetStepLimit(1000)
	if _, err := it.Run("spin"); !errors.Is(err, ErrStepLimit) {
		t.Fatalf("expected ErrStepLimit, got %v", err)
	}
}

func TestInterp_AllocNamesOneSlotPerFrame(t *testing.T) {
	// an alloc inside a loop body must reuse its slot on every iteration;
	// iteration counts far beyond the arena's slot capacity still complete
	m := ir.NewModule("t")
	f, _ := m.NewFunc("count", ir.I64, ir.I64)
	n := f.Params()[0]
	entry := f.NewBlock("entry")
	head := f.NewBlock("head")
	body := f.NewBlock("body")
	done := f.NewBlock("done")

	cnt := entry.NewAlloc(8)
	entry.NewStore(cnt, f.ConstInt(ir.I64, 0))
	if err := entry.NewBr(head); err != nil {
		t.Fatalf("br: %v", err)
	}
	i := head.NewLoad(ir.I64, cnt)
	more := head.NewCmp(ir.OpULt, i, n)
	if err := head.NewCondBr(more, body, done); err != nil {
		t.Fatalf("condbr: %v", err)
	}
	scratch := body.NewAlloc(8)
	body.NewStore(scratch, i)
	j := body.NewLoad(ir.I64, scratch)
	i2 := body.NewBinOp(ir.OpAdd, j, f.ConstInt(ir.I64, 1))
	body.NewStore(cnt, i2)
	if err := body.NewBr(head); err != nil {
		t.Fatalf("br: %v", err)
	}
	r := done.NewLoad(ir.I64, cnt)
	if err := done.NewRet(r); err != nil {
		t.Fatalf("ret: %v", err)
	}

	const iters = 200000 // 8 bytes per draw would blow the 1 MiB arena
	it := New(m)
	it.SetStepLimit(1 << 22)
	got, err := it.Run("count", uint256.NewInt(iters))
	if err != nil {
		t.Fatalf("Run(count): %v", err)
	}
	if got.Uint64() != iters {
		t.Fatalf("count(%d) = %d, want %d", iters, got.Uint64(), iters)
	}
}

func TestInterp_FrameSlotsReclaimedOnReturn(t *testing.T) {
	// callee slots unwind at return: repeated calls reuse the same arena
	// space and see it zeroed
	m := ir.NewModule("t")
	callee, _ := m.NewFunc("stampSlot", ir.I64)
	cb := callee.NewBlock("entry")
	slot := cb.NewAlloc(8)
	old := cb.NewLoad(ir.I64, slot)
	cb.NewStore(slot, callee.ConstInt(ir.I64, 0x5a5a))
	if err := cb.NewRet(old); err != nil {
		t.Fatalf("ret: %v", err)
	}

	caller, _ := m.NewFunc("twice", ir.I64)
	b := caller.NewBlock("entry")
	b.NewCall("stampSlot", ir.I64)
	second := b.NewCall("stampSlot", ir.I64)
	if err := b.NewRet(second); err != nil {
		t.Fatalf("ret: %v", err)
	}

	if got := run(t, m, "twice"); got.Uint64() != 0 {
		t.Fatalf("recycled slot leaked %#x, want zeroed", got.Uint64())
	}
}
