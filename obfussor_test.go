package obfussor

import (
	"testing"

	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/matrixbytes/Obfussor/config"
	"github.com/matrixbytes/Obfussor/interp"
	"github.com/matrixbytes/Obfussor/ir"
)

// testModule carries enough surface for every pass: a secret string, a
// small callee, a loop with phis, and a branch.
func testModule(t *testing.T) *ir.Module {
	t.Helper()
	m := ir.NewModule("sample")
	secret := m.AddString("api.key", []byte("license-key-42"))

	mix, err := m.NewFunc("mix", ir.I64, ir.I64, ir.I64)
	if err != nil {
		t.Fatalf("NewFunc: %v", err)
	}
	{
		a, b := mix.Params()[0], mix.Params()[1]
		e := mix.NewBlock("entry")
		t1 := e.NewBinOp(ir.OpMul, a, mix.ConstInt(ir.I64, 3))
		t2 := e.NewBinOp(ir.OpAdd, t1, b)
		t3 := e.NewBinOp(ir.OpSub, b, a)
		out := e.NewBinOp(ir.OpXor, t2, t3)
		if err := e.NewRet(out); err != nil {
			t.Fatalf("ret: %v", err)
		}
	}

	sum, err := m.NewFunc("checksum", ir.I64, ir.I64)
	if err != nil {
		t.Fatalf("NewFunc: %v", err)
	}
	{
		x := sum.Params()[0]
		entry := sum.NewBlock("entry")
		loop := sum.NewBlock("loop")
		done := sum.NewBlock("done")

		n := entry.NewStrLen(secret.ID)
		base := entry.NewStrAddr(secret.ID)
		if err := entry.NewBr(loop); err != nil {
			t.Fatalf("br: %v", err)
		}
		zero := sum.ConstInt(ir.I64, 0)
		i := loop.NewPhi(ir.I64, []*ir.Block{entry, loop}, []*ir.Value{zero, zero})
		acc := loop.NewPhi(ir.I64, []*ir.Block{entry, loop}, []*ir.Value{x, x})
		addr := loop.NewBinOp(ir.OpAdd, base, i)
		c := loop.NewLoad(ir.I8, addr)
		w := loop.NewConvert(ir.OpZExt, c, ir.I64)
		next := loop.NewCall("mix", ir.I64, acc, w)
		i2 := loop.NewBinOp(ir.OpAdd, i, sum.ConstInt(ir.I64, 1))
		i.Def().SetPhiValue(loop, i2)
		acc.Def().SetPhiValue(loop, next)
		more := loop.NewCmp(ir.OpULt, i2, n)
		if err := loop.NewCondBr(more, loop, done); err != nil {
			t.Fatalf("condbr: %v", err)
		}
		if err := done.NewRet(acc); err != nil {
			t.Fatalf("ret: %v", err)
		}
	}

	cls, err := m.NewFunc("classify", ir.I64, ir.I64)
	if err != nil {
		t.Fatalf("NewFunc: %v", err)
	}
	{
		x := cls.Params()[0]
		e := cls.NewBlock("entry")
		lo := cls.NewBlock("lo")
		hi := cls.NewBlock("hi")
		cond := e.NewCmp(ir.OpULt, x, cls.ConstInt(ir.I64, 10))
		if err := e.NewCondBr(cond, lo, hi); err != nil {
			t.Fatalf("condbr: %v", err)
		}
		if err := lo.NewRet(cls.ConstInt(ir.I64, 1)); err != nil {
			t.Fatalf("ret: %v", err)
		}
		if err := hi.NewRet(cls.ConstInt(ir.I64, 2)); err != nil {
			t.Fatalf("ret: %v", err)
		}
	}
	if err := ir.VerifyModule(m); err != nil {
		t.Fatalf("bad test module: %v", err)
	}
	return m
}

func testConfig(seed uint64) *config.Config {
	cfg := config.Default()
	cfg.Seed = &seed
	// the test module is a few dozen instructions; the default growth
	// bound is calibrated for real modules
	cfg.MaxSizePercent = nil
	return cfg
}

// eval runs name(arg) on a fresh interpreter.
func eval(t *testing.T, m *ir.Module, name string, arg uint64) uint64 {
	t.Helper()
	got, err := interp.New(m).Run(name, uint256.NewInt(arg))
	if err != nil {
		t.Fatalf("Run(%s, %d): %v", name, arg, err)
	}
	return got.Uint64()
}

func TestTransform_EndToEnd(t *testing.T) {
	m := testModule(t)
	out, rep, err := Transform(m, testConfig(42), zap.NewNop())
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	if err := ir.VerifyModule(out); err != nil {
		t.Fatalf("output fails verification: %v", err)
	}
	if rep == nil || len(rep.Passes) == 0 {
		t.Fatalf("report missing pass entries")
	}
	if rep.Seed != 42 {
		t.Fatalf("report seed = %d, want 42", rep.Seed)
	}
	if rep.InstrsAfter <= rep.InstrsBefore {
		t.Fatalf("no growth recorded: %d -> %d", rep.InstrsBefore, rep.InstrsAfter)
	}
	for _, x := range []uint64{0, 1, 9, 10, 255, 1 << 50} {
		if got, want := eval(t, out, "classify", x), eval(t, m, "classify", x); got != want {
			t.Fatalf("classify(%d) = %d after transform, want %d", x, got, want)
		}
		if got, want := eval(t, out, "checksum", x), eval(t, m, "checksum", x); got != want {
			t.Fatalf("checksum(%d) = %d after transform, want %d", x, got, want)
		}
	}
}

func TestTransform_LeavesInputUntouched(t *testing.T) {
	m := testModule(t)
	var before int
	for _, fn := range m.Funcs() {
		before += fn.NumInstrs()
	}
	s := m.Strings()[0]
	plain := append([]byte(nil), s.Data...)

	if _, _, err := Transform(m, testConfig(7), zap.NewNop()); err != nil {
		t.Fatalf("Transform: %v", err)
	}
	var after int
	for _, fn := range m.Funcs() {
		after += fn.NumInstrs()
	}
	if after != before {
		t.Fatalf("input mutated: %d instrs before, %d after", before, after)
	}
	if string(s.Data) != string(plain) || s.Encrypted {
		t.Fatalf("input string mutated")
	}
}

func TestTransform_Deterministic(t *testing.T) {
	run := func() (*ir.Module, *Report) {
		m := testModule(t)
		out, rep, err := Transform(m, testConfig(1234), zap.NewNop())
		if err != nil {
			t.Fatalf("Transform: %v", err)
		}
		return out, rep
	}
	o1, r1 := run()
	o2, r2 := run()
	if r1.InstrsAfter != r2.InstrsAfter || o1.DataSize() != o2.DataSize() {
		t.Fatalf("same seed diverged: %d vs %d instrs, %d vs %d data bytes",
			r1.InstrsAfter, r2.InstrsAfter, o1.DataSize(), o2.DataSize())
	}
	for i, s := range o1.Strings() {
		if string(s.Data) != string(o2.Strings()[i].Data) {
			t.Fatalf("same seed produced different ciphertext for str%d", i)
		}
	}
}

func TestTransform_SeedsDiffer(t *testing.T) {
	m1 := testModule(t)
	o1, _, err := Transform(m1, testConfig(1), zap.NewNop())
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	m2 := testModule(t)
	o2, _, err := Transform(m2, testConfig(2), zap.NewNop())
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	same := true
	for i, s := range o1.Strings() {
		if i >= len(o2.Strings()) || string(s.Data) != string(o2.Strings()[i].Data) {
			same = false
			break
		}
	}
	if same && len(o1.Strings()) == len(o2.Strings()) {
		t.Fatalf("different seeds produced identical ciphertext")
	}
}

func TestTransform_LeavesConfigUntouched(t *testing.T) {
	// intensity resolution must not write back into the caller's document
	m := testModule(t)
	cfg := testConfig(3)
	cfg.Intensity = config.IntensityLow
	before := cfg.Techniques

	if _, _, err := Transform(m, cfg, zap.NewNop()); err != nil {
		t.Fatalf("Transform: %v", err)
	}
	if cfg.Techniques != before {
		t.Fatalf("config techniques mutated: %+v -> %+v", before, cfg.Techniques)
	}
	if cfg.Intensity != config.IntensityLow {
		t.Fatalf("config intensity mutated to %q", cfg.Intensity)
	}
}

func TestTransform_RejectsMalformedInput(t *testing.T) {
	m := ir.NewModule("bad")
	f, _ := m.NewFunc("f", ir.I64)
	f.NewBlock("entry") // no terminator

	_, _, err := Transform(m, testConfig(1), zap.NewNop())
	if err == nil {
		t.Fatalf("expected malformed-input rejection")
	}
	if !IsKind(err, KindMalformedIR) {
		t.Fatalf("expected KindMalformedIR, got %v", err)
	}
}

func TestTransform_RejectsInvalidConfig(t *testing.T) {
	m := testModule(t)
	cfg := testConfig(1)
	cfg.Substitution.Depth = 99
	if _, _, err := Transform(m, cfg, zap.NewNop()); err == nil {
		t.Fatalf("expected config rejection")
	}
}

func TestTransform_SecondRoundStillBehaves(t *testing.T) {
	// obfuscated output is valid input: a second transform must keep the
	// same observable behavior
	m := testModule(t)
	o1, _, err := Transform(m, testConfig(5), zap.NewNop())
	if err != nil {
		t.Fatalf("first transform: %v", err)
	}
	cfg := testConfig(6)
	// the second round's strings are already encrypted; behavioral checks
	// suffice
	o2, _, err := Transform(o1, cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("second transform: %v", err)
	}
	for _, x := range []uint64{0, 3, 12} {
		if got, want := eval(t, o2, "classify", x), eval(t, m, "classify", x); got != want {
			t.Fatalf("classify(%d) = %d after two rounds, want %d", x, got, want)
		}
	}
}
