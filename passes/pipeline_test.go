package passes

import (
	"reflect"
	"testing"

	"github.com/matrixbytes/Obfussor/config"
	"github.com/matrixbytes/Obfussor/ir"
)

func TestNewPipeline_TechniqueGating(t *testing.T) {
	m := ir.NewModule("t")
	cases := []struct {
		name string
		tech config.Techniques
		want []string
	}{
		{
			"all",
			config.Techniques{
				ControlFlowFlattening:   true,
				StringEncryption:        true,
				BogusCodeInjection:      true,
				InstructionSubstitution: true,
				FunctionManipulation:    true,
				OpaquePredicates:        true,
			},
			[]string{"functions", "substitute", "strings", "bogus", "flatten"},
		},
		{
			"strings only",
			config.Techniques{StringEncryption: true},
			[]string{"strings"},
		},
		{
			// opaque predicates ride on the bogus pass even with injection off
			"predicates without injection",
			config.Techniques{OpaquePredicates: true},
			[]string{"bogus"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.Techniques = tc.tech
			cx := NewContext(m, cfg, nil)
			got := NewPipeline(cx).Stages()
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("stages = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestPipeline_RunCollectsReport(t *testing.T) {
	m := ir.NewModule("t")
	classifyFunc(t, m)
	cx := testContext(t, m)

	rep, err := NewPipeline(cx).Run()
	if err != nil {
		t.Fatalf("pipeline: %v", err)
	}
	if len(rep.Passes) == 0 {
		t.Fatalf("no pass reports collected")
	}
	if rep.Seed != cx.Seed() {
		t.Fatalf("report seed %d, context seed %d", rep.Seed, cx.Seed())
	}
	if rep.InstrsAfter <= rep.InstrsBefore {
		t.Fatalf("no recorded growth: %d -> %d", rep.InstrsBefore, rep.InstrsAfter)
	}
	if rep.GrowthPercent() <= 100 {
		t.Fatalf("growth percent %d, expected above 100", rep.GrowthPercent())
	}
	if err := ir.VerifyModule(m); err != nil {
		t.Fatalf("module invalid after pipeline: %v", err)
	}
}

func TestPipeline_PostPassHookAborts(t *testing.T) {
	m := ir.NewModule("t")
	classifyFunc(t, m)
	cx := testContext(t, m)

	p := NewPipeline(cx)
	p.SetPostPass(func(cx *Context, pass string) error {
		return Errf(KindVerificationFailure, pass, "", "forced")
	})
	_, err := p.Run()
	te, ok := err.(*TransformError)
	if !ok || te.Kind != KindVerificationFailure {
		t.Fatalf("expected KindVerificationFailure from hook, got %v", err)
	}
}
