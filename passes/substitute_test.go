package passes

import (
	"testing"

	"github.com/holiman/uint256"

	"github.com/matrixbytes/Obfussor/interp"
	"github.com/matrixbytes/Obfussor/ir"
)

// mixFunc builds f(a, b) = (a + b) ^ (b - a), one rewrite candidate per
// category of interest.
func mixFunc(t *testing.T, m *ir.Module) *ir.Function {
	t.Helper()
	f, err := m.NewFunc("mix", ir.I64, ir.I64, ir.I64)
	if err != nil {
		t.Fatalf("NewFunc: %v", err)
	}
	a, b := f.Params()[0], f.Params()[1]
	e := f.NewBlock("entry")
	s := e.NewBinOp(ir.OpAdd, a, b)
	d := e.NewBinOp(ir.OpSub, b, a)
	out := e.NewBinOp(ir.OpXor, s, d)
	if err := e.NewRet(out); err != nil {
		t.Fatalf("ret: %v", err)
	}
	return f
}

func mixRef(a, b uint64) uint64 { return (a + b) ^ (b - a) }

func TestSubstitute_PreservesBehavior(t *testing.T) {
	m := ir.NewModule("t")
	f := mixFunc(t, m)
	before := f.NumInstrs()
	cx := testContext(t, m)
	cx.Cfg.Substitution.Depth = 2

	st, err := (&SubstitutePass{}).Run(cx, f, cx.Rand("substitute/mix"))
	if err != nil {
		t.Fatalf("substitute: %v", err)
	}
	if st.Instrs == 0 || f.NumInstrs() <= before {
		t.Fatalf("nothing rewritten: %d instrs before, %d after", before, f.NumInstrs())
	}
	if err := ir.VerifyModule(m); err != nil {
		t.Fatalf("verify after rewrite: %v", err)
	}
	cases := [][2]uint64{{0, 0}, {1, 2}, {7, 3}, {1 << 63, 1}, {^uint64(0), ^uint64(0)}}
	for _, c := range cases {
		got, err := interp.New(m).Run("mix", uint256.NewInt(c[0]), uint256.NewInt(c[1]))
		if err != nil {
			t.Fatalf("Run(mix, %d, %d): %v", c[0], c[1], err)
		}
		if got.Uint64() != mixRef(c[0], c[1]) {
			t.Fatalf("mix(%d, %d) = %d after rewrite, want %d",
				c[0], c[1], got.Uint64(), mixRef(c[0], c[1]))
		}
	}
}

func TestSubstitute_InstructionCapFails(t *testing.T) {
	m := ir.NewModule("t")
	f := mixFunc(t, m)
	cx := testContext(t, m)
	cx.Cfg.Substitution.MaxInstrsPerFunction = 2

	_, err := (&SubstitutePass{}).Run(cx, f, cx.Rand("x"))
	if err == nil {
		t.Fatalf("expected cap failure")
	}
	te, ok := err.(*TransformError)
	if !ok || te.Kind != KindPassFailure {
		t.Fatalf("expected KindPassFailure, got %v", err)
	}
}

func TestSubstitute_UnsupportedSkipsByDefault(t *testing.T) {
	// udiv has no rewrite rule; "skip" leaves it alone and warns
	m := ir.NewModule("t")
	f, _ := m.NewFunc("div", ir.I64, ir.I64, ir.I64)
	e := f.NewBlock("entry")
	q := e.NewBinOp(ir.OpUDiv, f.Params()[0], f.Params()[1])
	if err := e.NewRet(q); err != nil {
		t.Fatalf("ret: %v", err)
	}
	cx := testContext(t, m)
	cx.Cfg.Substitution.Categories = nil // all categories

	st, err := (&SubstitutePass{}).Run(cx, f, cx.Rand("x"))
	if err != nil {
		t.Fatalf("substitute: %v", err)
	}
	if st.Instrs != 0 {
		t.Fatalf("rewrote %d instructions, expected none", st.Instrs)
	}
	if len(st.Warnings) == 0 {
		t.Fatalf("expected a skip warning")
	}

	cx.Cfg.OnUnsupported = "abort"
	_, err = (&SubstitutePass{}).Run(cx, f, cx.Rand("x"))
	te, ok := err.(*TransformError)
	if !ok || te.Kind != KindUnsupportedConstruct {
		t.Fatalf("expected KindUnsupportedConstruct on abort, got %v", err)
	}
}

func TestSubstitute_CategorySelection(t *testing.T) {
	// only the comparison category: the add/sub/xor chain stays put
	m := ir.NewModule("t")
	f := mixFunc(t, m)
	before := f.NumInstrs()
	cx := testContext(t, m)
	cx.Cfg.Substitution.Categories = []string{"comparison"}

	st, err := (&SubstitutePass{}).Run(cx, f, cx.Rand("x"))
	if err != nil {
		t.Fatalf("substitute: %v", err)
	}
	if st.Instrs != 0 || f.NumInstrs() != before {
		t.Fatalf("rewrote outside the selected category")
	}
}

func TestSubstitute_DepthZeroDisabled(t *testing.T) {
	m := ir.NewModule("t")
	f := mixFunc(t, m)
	before := f.NumInstrs()
	cx := testContext(t, m)
	cx.Cfg.Substitution.Depth = 0

	if _, err := (&SubstitutePass{}).Run(cx, f, cx.Rand("x")); err != nil {
		t.Fatalf("substitute: %v", err)
	}
	if f.NumInstrs() != before {
		t.Fatalf("depth 0 still rewrote")
	}
}
