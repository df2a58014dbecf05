package optimizer

import (
	"fmt"
	"strings"

	"github.com/gomlx/gomlx/types"
)

// fusedStatisticsOps are the operator types the Report tallies: every fused
// operator the passes can emit, plus LayerNormalization since the skip fusion
// deliberately leaves some normalizations in place.
var fusedStatisticsOps = []OpType{
	OpEmbedLayerNormalization,
	OpAttention,
	OpGelu,
	OpFastGelu,
	OpBiasGelu,
	OpLayerNormalization,
	OpSkipLayerNormalization,
}

// Report summarizes what Optimize did to a model.
type Report struct {
	fusedCounts map[OpType]int

	// rawRemaining counts, per raw operator type targeted by the passes
	// that ran, how many nodes of that type survived optimization.
	rawRemaining map[OpType]int
}

// FusedCounts returns the number of nodes of each fused (and
// LayerNormalization) operator type in the optimized graph. The returned map
// is a copy.
func (r *Report) FusedCounts() map[OpType]int {
	counts := make(map[OpType]int, len(r.fusedCounts))
	for op, n := range r.fusedCounts {
		counts[op] = n
	}
	return counts
}

// Count returns the number of remaining nodes of the given fused operator
// type.
func (r *Report) Count(op OpType) int { return r.fusedCounts[op] }

// IsFullyOptimized reports whether no raw operator targeted by any pass that
// ran survives in the graph. Raw operators outside the selected passes'
// reach do not count against full optimization.
func (r *Report) IsFullyOptimized() bool {
	for _, n := range r.rawRemaining {
		if n > 0 {
			return false
		}
	}
	return true
}

// String formats the report in a stable order, for logs and test failures.
func (r *Report) String() string {
	var sb strings.Builder
	for _, op := range fusedStatisticsOps {
		fmt.Fprintf(&sb, "%s=%d ", op, r.fusedCounts[op])
	}
	fmt.Fprintf(&sb, "fully_optimized=%v", r.IsFullyOptimized())
	return sb.String()
}

func buildReport(g *Graph, passes []fusionPass) *Report {
	report := &Report{
		fusedCounts:  make(map[OpType]int, len(fusedStatisticsOps)),
		rawRemaining: make(map[OpType]int),
	}
	for _, op := range fusedStatisticsOps {
		report.fusedCounts[op] = len(g.NodesOfType(op))
	}
	raw := types.MakeSet[OpType]()
	for _, pass := range passes {
		for _, op := range pass.RawOpTypes() {
			raw.Insert(op)
		}
	}
	for op := range raw {
		report.rawRemaining[op] = len(g.NodesOfType(op))
	}
	return report
}
