package optimizer

import (
	"bytes"
	"fmt"
	"maps"
	"slices"
)

// String implements fmt.Stringer, and pretty prints model information.
func (m *Model) String() string {
	var buf bytes.Buffer
	w := func(format string, args ...any) {
		if len(args) == 0 {
			buf.WriteString(format)
		} else {
			buf.WriteString(fmt.Sprintf(format, args...))
		}
	}
	w("Model:\n")
	if m.Producer != "" {
		w("\tProducer:\t%s\n", m.Producer)
	}
	if m.OpsetVersion != 0 {
		w("\tOperator Set:\tv%d\n", m.OpsetVersion)
	}
	w("\t# nodes:\t%d\n", m.Graph.NumNodes())
	w("\t# inputs:\t%d\n", len(m.Graph.Inputs()))
	w("\t# outputs:\t%d\n", len(m.Graph.Outputs()))
	w("\t# initializers:\t%d\n", len(m.Graph.InitializerNames()))

	counts := make(map[string]int)
	for _, n := range m.Graph.Nodes() {
		counts[n.OpType.String()]++
	}
	w("\tOp types:\t[")
	for ii, opType := range slices.Sorted(maps.Keys(counts)) {
		if ii > 0 {
			w(", ")
		}
		w("%s:%d", opType, counts[opType])
	}
	w("]\n")
	return buf.String()
}
