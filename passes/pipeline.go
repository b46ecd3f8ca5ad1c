package passes

import (
	"math/rand"
	"runtime"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/matrixbytes/Obfussor/ir"
)

// FuncPass transforms one function at a time. The pipeline runs it over
// every non-excluded function, possibly in parallel; a FuncPass must not
// touch the module or other functions.
type FuncPass interface {
	Name() string
	Run(cx *Context, fn *ir.Function, rng *rand.Rand) (Stats, error)
}

// ModulePass transforms the whole module at once (string table rewrites,
// cross-function inlining). It always runs single-threaded.
type ModulePass interface {
	Name() string
	RunModule(cx *Context) (Stats, error)
}

// preparer is implemented by passes that need one-time module-level setup
// before their per-function runs (decoy synthesis, for one).
type preparer interface {
	Prepare(cx *Context) error
}

// PostPassHook runs after each pipeline stage; a non-nil error aborts the
// run attributed to that stage. The engine installs the structural verifier
// here when per-pass verification is on.
type PostPassHook func(cx *Context, pass string) error

// Pipeline drives the passes in their fixed order. Ordering is part of the
// engine's contract: function manipulation first (inlining exposes more code
// to the later passes), then substitution, string encryption, bogus
// injection, and flattening last so the dispatcher itself is never torn up
// by a later stage.
type Pipeline struct {
	cx     *Context
	stages []any // FuncPass or ModulePass
	hook   PostPassHook
}

// NewPipeline assembles the stage list from the enabled techniques.
func NewPipeline(cx *Context) *Pipeline {
	p := &Pipeline{cx: cx}
	t := cx.Cfg.Techniques
	if t.FunctionManipulation {
		p.stages = append(p.stages, &FunctionsPass{})
	}
	if t.InstructionSubstitution {
		p.stages = append(p.stages, &SubstitutePass{})
	}
	if t.StringEncryption {
		p.stages = append(p.stages, &StringPass{})
	}
	if t.BogusCodeInjection || t.OpaquePredicates {
		p.stages = append(p.stages, &BogusPass{})
	}
	if t.ControlFlowFlattening {
		p.stages = append(p.stages, &FlattenPass{})
	}
	return p
}

// SetPostPass installs the per-stage hook.
func (p *Pipeline) SetPostPass(h PostPassHook) { p.hook = h }

// Stages returns the stage names in execution order.
func (p *Pipeline) Stages() []string {
	var names []string
	for _, s := range p.stages {
		names = append(names, stageName(s))
	}
	return names
}

// Run executes every stage and returns the per-stage report. The input
// module must verify before Run is called; each stage leaves a structurally
// valid module behind or fails.
func (p *Pipeline) Run() (*Report, error) {
	cx := p.cx
	rep := &Report{
		Seed:         cx.Seed(),
		InstrsBefore: moduleInstrs(cx.Mod),
		DataBefore:   cx.Mod.DataSize(),
	}
	for _, stage := range p.stages {
		name := stageName(stage)
		before := moduleInstrs(cx.Mod)
		stats, err := p.runStage(stage)
		if err != nil {
			return rep, err
		}
		after := moduleInstrs(cx.Mod)
		cx.Log.Info("pass finished",
			zap.String("pass", name),
			zap.Int("functions", stats.Functions),
			zap.Int("instrs_before", before),
			zap.Int("instrs_after", after),
			zap.Int("warnings", len(stats.Warnings)))
		if cx.Cfg.GenerateReport {
			rep.Passes = append(rep.Passes, PassReport{
				Pass:         name,
				Stats:        stats,
				InstrsBefore: before,
				InstrsAfter:  after,
			})
		}
		if p.hook != nil {
			if err := p.hook(cx, name); err != nil {
				return rep, wrap(KindVerificationFailure, name, "", err)
			}
		}
	}
	rep.InstrsAfter = moduleInstrs(cx.Mod)
	rep.DataAfter = cx.Mod.DataSize()
	return rep, nil
}

func (p *Pipeline) runStage(stage any) (Stats, error) {
	if prep, ok := stage.(preparer); ok {
		if err := prep.Prepare(p.cx); err != nil {
			return Stats{}, wrap(KindPassFailure, stageName(stage), "", err)
		}
	}
	switch s := stage.(type) {
	case ModulePass:
		return s.RunModule(p.cx)
	case FuncPass:
		return p.runFuncPass(s)
	default:
		return Stats{}, Errf(KindPassFailure, stageName(stage), "", "stage implements no pass interface")
	}
}

func (p *Pipeline) runFuncPass(pass FuncPass) (Stats, error) {
	cx := p.cx
	workers := cx.Cfg.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	var g errgroup.Group
	g.SetLimit(workers)

	var mu sync.Mutex
	var total Stats
	for _, fn := range append([]*ir.Function(nil), cx.Mod.Funcs()...) {
		if cx.Excluded(fn) {
			continue
		}
		fn := fn
		g.Go(func() error {
			rng := cx.Rand(pass.Name() + "/" + fn.Name())
			stats, err := pass.Run(cx, fn, rng)
			if err != nil {
				return wrap(KindPassFailure, pass.Name(), fn.Name(), err)
			}
			cx.InvalidateCFG(fn)
			mu.Lock()
			if stats.Blocks > 0 || stats.Instrs > 0 {
				stats.Functions = 1
			}
			total.merge(stats)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return total, err
	}
	return total, nil
}

func stageName(stage any) string {
	switch s := stage.(type) {
	case ModulePass:
		return s.Name()
	case FuncPass:
		return s.Name()
	}
	return "unknown"
}
