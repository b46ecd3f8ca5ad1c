// Package obfussor transforms IR modules to resist reverse engineering
// while preserving observable behavior. Transform is the single entry
// point: it clones the input, drives the pass pipeline over the clone, and
// verifies the result against the untouched original.
package obfussor

import (
	"errors"

	"go.uber.org/zap"

	"github.com/matrixbytes/Obfussor/config"
	"github.com/matrixbytes/Obfussor/ir"
	"github.com/matrixbytes/Obfussor/passes"
	"github.com/matrixbytes/Obfussor/verifier"
)

// Re-exported so callers branch on failure kinds without importing the
// pass internals.
type (
	TransformError = passes.TransformError
	ErrorKind      = passes.ErrorKind
	Report         = passes.Report
)

const (
	KindMalformedIR          = passes.KindMalformedIR
	KindStateCollision       = passes.KindStateCollision
	KindUnsupportedConstruct = passes.KindUnsupportedConstruct
	KindPassFailure          = passes.KindPassFailure
	KindVerificationFailure  = passes.KindVerificationFailure
)

// Transform obfuscates mod under cfg and returns the transformed clone with
// the per-pass report. The input module is never mutated; on error the
// partial report collected so far is still returned.
func Transform(mod *ir.Module, cfg *config.Config, log *zap.Logger) (*ir.Module, *Report, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg == nil {
		cfg = config.Default()
	} else {
		// configuration is read-only input; intensity resolution happens
		// on a private copy
		c := *cfg
		cfg = &c
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	cfg.ApplyIntensity()

	if err := ir.VerifyModule(mod); err != nil {
		return nil, nil, passes.Errf(KindMalformedIR, "input", "", "%v", err)
	}

	out := mod.Clone()
	cx := passes.NewContext(out, cfg, log)
	ver := verifier.New(mod, log)

	pipe := passes.NewPipeline(cx)
	if cfg.VerifyEachPass {
		pipe.SetPostPass(func(cx *passes.Context, pass string) error {
			return ver.VerifyStructure(cx.Mod)
		})
	}
	log.Info("transforming module",
		zap.String("module", mod.Name()),
		zap.Uint64("seed", cx.Seed()),
		zap.Strings("passes", pipe.Stages()))

	rep, err := pipe.Run()
	if err != nil {
		return out, rep, err
	}

	if err := ver.VerifyStructure(out); err != nil {
		return out, rep, passes.Errf(KindMalformedIR, "verify", "", "%v", err)
	}
	if cfg.VerifySamples > 0 {
		ver.Samples = cfg.VerifySamples
		if err := ver.VerifyBehavior(out, cx.Rand("verify")); err != nil {
			return out, rep, passes.Errf(KindVerificationFailure, "verify", "", "%v", err)
		}
	}
	return out, rep, nil
}

// IsKind reports whether err is a TransformError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var te *TransformError
	if errors.As(err, &te) {
		return te.Kind == kind
	}
	return false
}
