package ir

import (
	"fmt"
	"strings"
)

// ToDot returns a Graphviz DOT representation of the function's CFG.
func (f *Function) ToDot() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "digraph %q {\n", f.name)
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, fontname=\"Courier\"];\n")

	const maxInstrShown = 20
	for _, b := range f.blocks {
		label := fmt.Sprintf("%s\\ninstrs: %d", b.name, len(b.instrs))
		count := 0
		for _, in := range b.instrs {
			if count >= maxInstrShown {
				label += "\\n..."
				break
			}
			line := strings.ReplaceAll(in.String(), "\"", "\\\"")
			label += "\\n" + line
			count++
		}
		fmt.Fprintf(&sb, "  %d [label=\"%s\"];\n", b.id, label)
		if t := b.Terminator(); t != nil {
			for _, s := range t.targets {
				fmt.Fprintf(&sb, "  %d -> %d;\n", b.id, s.id)
			}
		}
	}
	sb.WriteString("}\n")
	return sb.String()
}
