// Package verifier checks that a transformed module is still the program it
// was. Structural verification re-runs the IR invariants; behavioral
// verification executes original and transformed modules side by side over
// sampled inputs and compares return values.
//
// Return values are the only compared observable: data memory legitimately
// diverges once strings are encrypted, and call counts diverge once
// functions are inlined or outlined.
package verifier

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/matrixbytes/Obfussor/interp"
	"github.com/matrixbytes/Obfussor/ir"
)

// ErrMismatch is wrapped by every behavioral divergence.
var ErrMismatch = errors.New("verifier: behavior mismatch")

// Verifier compares a transformed module against the original it was
// cloned from.
type Verifier struct {
	orig *ir.Module
	log  *zap.Logger

	// Samples is the number of random argument tuples per function, on top
	// of the boundary tuples that always run.
	Samples int
	// StepLimit bounds each interpreter run; transformed code is slower by
	// design, so the limit applies independently per module.
	StepLimit int
}

// New builds a verifier against the original module.
func New(orig *ir.Module, log *zap.Logger) *Verifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &Verifier{orig: orig, log: log, Samples: 8, StepLimit: 1 << 22}
}

// VerifyStructure runs the structural invariants over every function of m.
func (v *Verifier) VerifyStructure(m *ir.Module) error {
	return ir.VerifyModule(m)
}

// VerifyBehavior executes every function that exists in both modules over
// boundary and random inputs and compares outcomes. Functions added by the
// transformation (decrypt thunks, outlined parts) have no original
// counterpart and are exercised indirectly through their callers; functions
// folded away by inlining no longer exist and are likewise exercised
// through the callers they were folded into.
func (v *Verifier) VerifyBehavior(m *ir.Module, rng *rand.Rand) error {
	for _, of := range v.orig.Funcs() {
		tf := m.Func(of.Name())
		if tf == nil {
			v.log.Debug("function folded away, checking through callers", zap.String("func", of.Name()))
			continue
		}
		if len(tf.Params()) != len(of.Params()) {
			return fmt.Errorf("%w: %q signature changed", ErrMismatch, of.Name())
		}
		if hasPtrParam(of) {
			// a raw pointer argument can alias string data, which is
			// ciphertext after transformation; such functions are only
			// checked structurally
			v.log.Debug("skipping pointer-taking function", zap.String("func", of.Name()))
			continue
		}
		if err := v.compareFunc(m, of, rng); err != nil {
			return err
		}
	}
	return nil
}

func (v *Verifier) compareFunc(m *ir.Module, of *ir.Function, rng *rand.Rand) error {
	for _, args := range v.sampleArgs(of, rng) {
		// fresh interpreters per run: decrypt caches and allocations must
		// not leak between samples
		wantRet, wantErr := v.run(v.orig, of.Name(), args)
		gotRet, gotErr := v.run(m, of.Name(), args)
		if (wantErr == nil) != (gotErr == nil) {
			return fmt.Errorf("%w: %s%s: original err=%v, transformed err=%v",
				ErrMismatch, of.Name(), formatArgs(args), wantErr, gotErr)
		}
		if wantErr != nil {
			// both trapped; trap kind is not part of the contract
			continue
		}
		if !sameRet(wantRet, gotRet) {
			return fmt.Errorf("%w: %s%s: original=%s, transformed=%s",
				ErrMismatch, of.Name(), formatArgs(args), fmtRet(wantRet), fmtRet(gotRet))
		}
	}
	return nil
}

func (v *Verifier) run(m *ir.Module, name string, args []*uint256.Int) (*uint256.Int, error) {
	it := interp.New(m)
	it.SetStepLimit(v.StepLimit)
	return it.Run(name, args...)
}

// sampleArgs yields the boundary tuples (all combinations would explode, so
// boundaries rotate through the positions) followed by random tuples.
func (v *Verifier) sampleArgs(fn *ir.Function, rng *rand.Rand) [][]*uint256.Int {
	nparams := len(fn.Params())
	var out [][]*uint256.Int
	if nparams == 0 {
		out = append(out, nil)
		return out
	}
	boundary := func(t ir.Type) []*uint256.Int {
		bits := t.Bits()
		vals := []*uint256.Int{
			uint256.NewInt(0),
			uint256.NewInt(1),
			new(uint256.Int).SetAllOne(), // masked to all-ones at width
		}
		if bits > 1 {
			// smallest negative at this width
			vals = append(vals, new(uint256.Int).Lsh(uint256.NewInt(1), bits-1))
		}
		for _, val := range vals {
			ir.MaskTo(val, t)
		}
		return vals
	}
	first := boundary(fn.Params()[0].Type())
	for _, b := range first {
		args := make([]*uint256.Int, nparams)
		args[0] = b
		for i := 1; i < nparams; i++ {
			args[i] = randArg(fn.Params()[i].Type(), rng)
		}
		out = append(out, args)
	}
	for k := 0; k < v.Samples; k++ {
		args := make([]*uint256.Int, nparams)
		for i := 0; i < nparams; i++ {
			args[i] = randArg(fn.Params()[i].Type(), rng)
		}
		out = append(out, args)
	}
	return out
}

func hasPtrParam(fn *ir.Function) bool {
	for _, p := range fn.Params() {
		if p.Type() == ir.Ptr {
			return true
		}
	}
	return false
}

func randArg(t ir.Type, rng *rand.Rand) *uint256.Int {
	v := uint256.NewInt(rng.Uint64())
	return ir.MaskTo(v, t)
}

func sameRet(a, b *uint256.Int) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	if a == nil {
		return true
	}
	return a.Eq(b)
}

func fmtRet(v *uint256.Int) string {
	if v == nil {
		return "void"
	}
	return v.Dec()
}

func formatArgs(args []*uint256.Int) string {
	s := "("
	for i, a := range args {
		if i > 0 {
			s += ", "
		}
		s += a.Dec()
	}
	return s + ")"
}
