package verifier

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/matrixbytes/Obfussor/ir"
)

// addFunc builds f(x) = x + k.
func addFunc(t *testing.T, k uint64) *ir.Module {
	t.Helper()
	m := ir.NewModule("t")
	f, err := m.NewFunc("f", ir.I64, ir.I64)
	if err != nil {
		t.Fatalf("NewFunc: %v", err)
	}
	b := f.NewBlock("entry")
	v := b.NewBinOp(ir.OpAdd, f.Params()[0], f.ConstInt(ir.I64, k))
	if err := b.NewRet(v); err != nil {
		t.Fatalf("ret: %v", err)
	}
	return m
}

func TestVerifyBehavior_AcceptsEquivalent(t *testing.T) {
	orig := addFunc(t, 1)
	same := addFunc(t, 1)
	v := New(orig, nil)
	if err := v.VerifyBehavior(same, rand.New(rand.NewSource(1))); err != nil {
		t.Fatalf("equivalent modules rejected: %v", err)
	}
}

func TestVerifyBehavior_DetectsMismatch(t *testing.T) {
	orig := addFunc(t, 1)
	wrong := addFunc(t, 2)
	v := New(orig, nil)
	err := v.VerifyBehavior(wrong, rand.New(rand.NewSource(1)))
	if !errors.Is(err, ErrMismatch) {
		t.Fatalf("expected ErrMismatch, got %v", err)
	}
}

func TestVerifyBehavior_DetectsSignatureChange(t *testing.T) {
	orig := addFunc(t, 1)
	m := ir.NewModule("t")
	f, _ := m.NewFunc("f", ir.I64, ir.I64, ir.I64)
	b := f.NewBlock("entry")
	if err := b.NewRet(f.Params()[0]); err != nil {
		t.Fatalf("ret: %v", err)
	}
	v := New(orig, nil)
	err := v.VerifyBehavior(m, rand.New(rand.NewSource(1)))
	if !errors.Is(err, ErrMismatch) {
		t.Fatalf("expected ErrMismatch for signature change, got %v", err)
	}
}

func TestVerifyBehavior_SkipsFoldedFunctions(t *testing.T) {
	// inlining removes callees; their behavior is covered through callers
	orig := addFunc(t, 1)
	empty := ir.NewModule("t")
	v := New(orig, nil)
	if err := v.VerifyBehavior(empty, rand.New(rand.NewSource(1))); err != nil {
		t.Fatalf("folded function reported as failure: %v", err)
	}
}

func TestVerifyBehavior_SkipsPointerTakers(t *testing.T) {
	// raw pointer arguments can alias encrypted data; only structure is
	// checked for these
	build := func(k uint64) *ir.Module {
		m := ir.NewModule("t")
		f, _ := m.NewFunc("peek", ir.I64, ir.Ptr)
		b := f.NewBlock("entry")
		c := b.NewLoad(ir.I8, f.Params()[0])
		w := b.NewConvert(ir.OpZExt, c, ir.I64)
		v := b.NewBinOp(ir.OpAdd, w, f.ConstInt(ir.I64, k))
		if err := b.NewRet(v); err != nil {
			t.Fatalf("ret: %v", err)
		}
		return m
	}
	v := New(build(0), nil)
	if err := v.VerifyBehavior(build(7), rand.New(rand.NewSource(1))); err != nil {
		t.Fatalf("pointer-taking function was sampled: %v", err)
	}
}

func TestVerifyBehavior_BothTrappingIsEqual(t *testing.T) {
	// trap kind is not part of the contract, only trap-vs-return is
	build := func() *ir.Module {
		m := ir.NewModule("t")
		f, _ := m.NewFunc("boom", ir.I64, ir.I64)
		b := f.NewBlock("entry")
		if err := b.NewUnreachable(); err != nil {
			t.Fatalf("unreachable: %v", err)
		}
		return m
	}
	v := New(build(), nil)
	if err := v.VerifyBehavior(build(), rand.New(rand.NewSource(1))); err != nil {
		t.Fatalf("matching traps rejected: %v", err)
	}
}
