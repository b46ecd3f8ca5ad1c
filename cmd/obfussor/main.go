// Command obfussor drives the obfuscation engine from the command line:
// configuration scaffolding and validation, plus a demo transform over a
// built-in sample module with DOT output for eyeballing the rewritten
// control flow.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/matrixbytes/Obfussor"
	"github.com/matrixbytes/Obfussor/config"
	"github.com/matrixbytes/Obfussor/ir"
)

func main() {
	root := &cobra.Command{
		Use:           "obfussor",
		Short:         "IR obfuscation engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(configCmd(), demoCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration scaffolding and validation",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "init <path>",
			Short: "Write the default configuration",
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				return config.Default().Save(args[0])
			},
		},
		&cobra.Command{
			Use:   "validate <path>",
			Short: "Validate a configuration file",
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				c, err := config.Load(args[0])
				if err != nil {
					return err
				}
				if err := c.Validate(); err != nil {
					return err
				}
				fmt.Println("ok")
				return nil
			},
		},
	)
	return cmd
}

func demoCmd() *cobra.Command {
	var (
		cfgPath   string
		intensity string
		seed      uint64
		dotDir    string
		verbose   bool
	)
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Transform the built-in sample module and print the report",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.Default()
			if cfgPath != "" {
				c, err := config.Load(cfgPath)
				if err != nil {
					return err
				}
				cfg = c
			} else {
				// the sample module is a few dozen instructions; the
				// default growth bound is calibrated for real modules
				cfg.MaxSizePercent = nil
			}
			if intensity != "" {
				cfg.Intensity = config.Intensity(intensity)
			}
			if cmd.Flags().Changed("seed") {
				cfg.Seed = &seed
			}

			log := zap.NewNop()
			if verbose {
				l, err := zap.NewDevelopment()
				if err != nil {
					return err
				}
				defer l.Sync()
				log = l
			}

			mod, err := sampleModule()
			if err != nil {
				return err
			}
			out, rep, err := obfussor.Transform(mod, cfg, log)
			if err != nil {
				return err
			}
			printReport(rep)

			if dotDir != "" {
				if err := os.MkdirAll(dotDir, 0o755); err != nil {
					return err
				}
				for _, pair := range []struct {
					m      *ir.Module
					suffix string
				}{{mod, "before"}, {out, "after"}} {
					for _, fn := range pair.m.Funcs() {
						name := fmt.Sprintf("%s.%s.dot", fn.Name(), pair.suffix)
						if err := os.WriteFile(filepath.Join(dotDir, name), []byte(fn.ToDot()), 0o644); err != nil {
							return err
						}
					}
				}
				fmt.Println("wrote DOT files to", dotDir)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "configuration file")
	cmd.Flags().StringVar(&intensity, "intensity", "", "override intensity (low, medium, high, custom)")
	cmd.Flags().Uint64Var(&seed, "seed", 0, "fix the random seed")
	cmd.Flags().StringVar(&dotDir, "dot", "", "write before/after DOT graphs to this directory")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log pass progress")
	return cmd
}

func printReport(rep *obfussor.Report) {
	fmt.Printf("seed: %d\n", rep.Seed)
	fmt.Printf("instructions: %d -> %d (%d%%)\n", rep.InstrsBefore, rep.InstrsAfter, rep.GrowthPercent())
	fmt.Printf("data segment: %d -> %d bytes\n", rep.DataBefore, rep.DataAfter)
	for _, p := range rep.Passes {
		fmt.Printf("  %-12s funcs=%-3d blocks=%-4d instrs=%-5d strings=%-3d (%d -> %d)\n",
			p.Pass, p.Functions, p.Blocks, p.Instrs, p.Strings, p.InstrsBefore, p.InstrsAfter)
		for _, w := range p.Warnings {
			fmt.Printf("    warning: %s\n", w)
		}
	}
}

// sampleModule builds the demo program: a keyed checksum over a secret
// string plus a couple of arithmetic helpers, enough surface for every
// pass to bite on.
func sampleModule() (*ir.Module, error) {
	m := ir.NewModule("demo")
	secret := m.AddString("api.key", []byte("license-key-42"))

	// mix(a, b) = (a*3 + b) ^ (b - a)
	mix, err := m.NewFunc("mix", ir.I64, ir.I64, ir.I64)
	if err != nil {
		return nil, err
	}
	{
		a, b := mix.Params()[0], mix.Params()[1]
		e := mix.NewBlock("entry")
		t1 := e.NewBinOp(ir.OpMul, a, mix.ConstInt(ir.I64, 3))
		t2 := e.NewBinOp(ir.OpAdd, t1, b)
		t3 := e.NewBinOp(ir.OpSub, b, a)
		out := e.NewBinOp(ir.OpXor, t2, t3)
		if err := e.NewRet(out); err != nil {
			return nil, err
		}
	}

	// checksum(x) folds the secret's bytes into x through mix
	sum, err := m.NewFunc("checksum", ir.I64, ir.I64)
	if err != nil {
		return nil, err
	}
	{
		x := sum.Params()[0]
		entry := sum.NewBlock("entry")
		loop := sum.NewBlock("loop")
		done := sum.NewBlock("done")

		n := entry.NewStrLen(secret.ID)
		base := entry.NewStrAddr(secret.ID)
		if err := entry.NewBr(loop); err != nil {
			return nil, err
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
			return nil, err
		}
		if err := done.NewRet(acc); err != nil {
			return nil, err
		}
	}

	// classify(x) = 1 if x < 10, 2 otherwise
	cls, err := m.NewFunc("classify", ir.I64, ir.I64)
	if err != nil {
		return nil, err
	}
	{
		x := cls.Params()[0]
		e := cls.NewBlock("entry")
		lo := cls.NewBlock("lo")
		hi := cls.NewBlock("hi")
		cond := e.NewCmp(ir.OpULt, x, cls.ConstInt(ir.I64, 10))
		if err := e.NewCondBr(cond, lo, hi); err != nil {
			return nil, err
		}
		if err := lo.NewRet(cls.ConstInt(ir.I64, 1)); err != nil {
			return nil, err
		}
		if err := hi.NewRet(cls.ConstInt(ir.I64, 2)); err != nil {
			return nil, err
		}
	}
	if err := ir.VerifyModule(m); err != nil {
		return nil, err
	}
	return m, nil
}
