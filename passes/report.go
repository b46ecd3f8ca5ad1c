package passes

import "fmt"

// Stats is what a single pass reports back: how much it touched, plus any
// warnings raised under the skip-and-continue policy.
type Stats struct {
	Functions int
	Blocks    int
	Instrs    int
	Strings   int
	Warnings  []string
}

const maxWarnings = 32

// Warnf records a warning, dropping past the cap to keep reports bounded.
func (s *Stats) Warnf(format string, args ...any) {
	if len(s.Warnings) >= maxWarnings {
		return
	}
	s.Warnings = append(s.Warnings, fmt.Sprintf(format, args...))
}

func (s *Stats) merge(o Stats) {
	s.Functions += o.Functions
	s.Blocks += o.Blocks
	s.Instrs += o.Instrs
	s.Strings += o.Strings
	for _, w := range o.Warnings {
		if len(s.Warnings) >= maxWarnings {
			break
		}
		s.Warnings = append(s.Warnings, w)
	}
}

// PassReport is one pipeline stage's entry in the final report.
type PassReport struct {
	Pass string
	Stats
	InstrsBefore int
	InstrsAfter  int
}

// Report summarizes a whole transformation run.
type Report struct {
	Seed         uint64
	InstrsBefore int
	InstrsAfter  int
	DataBefore   int
	DataAfter    int
	Passes       []PassReport
}

// GrowthPercent returns the output size relative to the input (100 = same
// size). Zero-instruction inputs report 100.
func (r *Report) GrowthPercent() int {
	if r.InstrsBefore == 0 {
		return 100
	}
	return r.InstrsAfter * 100 / r.InstrsBefore
}
