package passes

import (
	"testing"

	"github.com/holiman/uint256"

	"github.com/matrixbytes/Obfussor/interp"
	"github.com/matrixbytes/Obfussor/ir"
)

func TestBogus_PreservesBehavior(t *testing.T) {
	m := ir.NewModule("t")
	classifyFunc(t, m)
	loopFunc(t, m)
	cx := testContext(t, m)
	cx.Cfg.Bogus.Density = 1.0
	cx.Cfg.Bogus.Tier = 2

	pass := &BogusPass{}
	if err := pass.Prepare(cx); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	var total int
	for _, fn := range m.Funcs() {
		if fn.HasAttr(ir.AttrDecoy) {
			continue
		}
		st, err := pass.Run(cx, fn, cx.Rand("bogus/"+fn.Name()))
		if err != nil {
			t.Fatalf("bogus on %s: %v", fn.Name(), err)
		}
		total += st.Blocks
	}
	if total == 0 {
		t.Fatalf("density 1.0 injected nothing")
	}
	if err := ir.VerifyModule(m); err != nil {
		t.Fatalf("verify after injection: %v", err)
	}
	if got := runI64(t, m, "classify", 5); got != 1 {
		t.Fatalf("classify(5) = %d, want 1", got)
	}
	if got := runI64(t, m, "classify", 50); got != 2 {
		t.Fatalf("classify(50) = %d, want 2", got)
	}
	if got := runI64(t, m, "sum", 10); got != 45 {
		t.Fatalf("sum(10) = %d, want 45", got)
	}
}

func TestBogus_DeadBranchesNeverExecute(t *testing.T) {
	// opaque predicates only: every injection is a dead branch, and the
	// decoy behind it must never be called at runtime
	m := ir.NewModule("t")
	f := classifyFunc(t, m)
	cx := testContext(t, m)
	cx.Cfg.Bogus.Density = 1.0
	cx.Cfg.Bogus.Tier = 2
	cx.Cfg.Techniques.OpaquePredicates = true
	cx.Cfg.Techniques.BogusCodeInjection = false

	pass := &BogusPass{}
	if err := pass.Prepare(cx); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	st, err := pass.Run(cx, f, cx.Rand("bogus/classify"))
	if err != nil {
		t.Fatalf("bogus: %v", err)
	}
	if st.Blocks == 0 {
		t.Fatalf("nothing injected")
	}
	if err := ir.VerifyModule(m); err != nil {
		t.Fatalf("verify: %v", err)
	}
	for _, arg := range []uint64{0, 5, 9, 10, 100} {
		it := interp.New(m)
		got, err := it.Run("classify", uint256.NewInt(arg))
		if err != nil {
			t.Fatalf("Run(classify, %d): %v", arg, err)
		}
		want := uint64(2)
		if arg < 10 {
			want = 1
		}
		if got.Uint64() != want {
			t.Fatalf("classify(%d) = %d, want %d", arg, got.Uint64(), want)
		}
		if n := it.CallCount("obf.mix0"); n != 0 {
			t.Fatalf("decoy executed %d times on input %d", n, arg)
		}
	}
}

func TestBogus_SinkChainsExecute(t *testing.T) {
	// injection only, no predicates: chains run on the hot path and must
	// still leave the result alone
	m := ir.NewModule("t")
	f := loopFunc(t, m)
	cx := testContext(t, m)
	cx.Cfg.Bogus.Density = 1.0
	cx.Cfg.Techniques.OpaquePredicates = false
	cx.Cfg.Techniques.BogusCodeInjection = true

	pass := &BogusPass{}
	if err := pass.Prepare(cx); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if _, err := pass.Run(cx, f, cx.Rand("bogus/sum")); err != nil {
		t.Fatalf("bogus: %v", err)
	}
	if err := ir.VerifyModule(m); err != nil {
		t.Fatalf("verify: %v", err)
	}
	it := interp.New(m)
	got, err := it.Run("sum", uint256.NewInt(5))
	if err != nil {
		t.Fatalf("Run(sum, 5): %v", err)
	}
	if got.Uint64() != 10 {
		t.Fatalf("sum(5) = %d, want 10", got.Uint64())
	}
	if it.OpaqueCount() == 0 {
		t.Fatalf("no opaque sink executed")
	}
}

func TestBogus_RespectsMaxPerFunction(t *testing.T) {
	m := ir.NewModule("t")
	f := loopFunc(t, m)
	cx := testContext(t, m)
	cx.Cfg.Bogus.Density = 1.0
	cx.Cfg.Bogus.MaxPerFunction = 1

	pass := &BogusPass{}
	st, err := pass.Run(cx, f, cx.Rand("x"))
	if err != nil {
		t.Fatalf("bogus: %v", err)
	}
	if st.Blocks > 1 {
		t.Fatalf("injected %d sites, cap is 1", st.Blocks)
	}
}

func TestBogus_ZeroDensityIsNoop(t *testing.T) {
	m := ir.NewModule("t")
	f := classifyFunc(t, m)
	before := f.NumInstrs()
	cx := testContext(t, m)
	cx.Cfg.Bogus.Density = 0

	st, err := (&BogusPass{}).Run(cx, f, cx.Rand("x"))
	if err != nil {
		t.Fatalf("bogus: %v", err)
	}
	if st.Blocks != 0 || f.NumInstrs() != before {
		t.Fatalf("zero density still injected")
	}
}
