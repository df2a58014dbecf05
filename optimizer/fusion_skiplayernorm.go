package optimizer

// skipLayerNormFusion fuses a residual addition with the normalization that
// consumes it:
//
//	Add(residual, branch) → LayerNormalization  ⇒  SkipLayerNormalization
//
// The anchor is the normalization node. The addition must be a genuine
// residual join: exactly two non-constant operands, and its output feeding
// nothing but the normalization. When an exporter variant breaks any of that
// (a cast in between, fan-out into the next residual, a bias add), the
// normalization legitimately stays standalone -- some variants end a full
// pipeline run with a mix of fused and unfused normalization nodes, and that
// mix is intentional.
type skipLayerNormFusion struct{}

func (skipLayerNormFusion) Name() string { return "SkipLayerNormalization" }

func (skipLayerNormFusion) RawOpTypes() []OpType { return []OpType{OpLayerNormalization} }

func (skipLayerNormFusion) Apply(m *Model, _ Options) (int, error) {
	g := m.Graph
	fused := 0
	for _, ln := range g.NodesOfType(OpLayerNormalization) {
		if !g.Contains(ln) {
			continue
		}
		match := matchSkipLayerNorm(g, ln)
		if match == nil {
			continue
		}
		fusedNode := NewNode(OpSkipLayerNormalization, match.output+"_skip_layer_norm",
			[]string{match.residual, match.branch, match.gamma, match.beta},
			[]string{match.output})
		if err := g.ReplaceSubgraph(match.state.nodes, fusedNode, nil); err != nil {
			return fused, err
		}
		fused++
	}
	return fused, nil
}

type skipLayerNormMatch struct {
	state *matchState

	residual, branch string
	gamma, beta      string
	output           string
}

func matchSkipLayerNorm(g *Graph, ln *Node) *skipLayerNormMatch {
	if len(ln.Inputs) < 3 {
		return nil
	}
	gamma, beta := ln.Inputs[1], ln.Inputs[2]
	if g.Initializer(gamma) == nil || g.Initializer(beta) == nil {
		return nil
	}

	add := g.ProducerOf(ln.Inputs[0])
	if add == nil || add.OpType != OpAdd || len(add.Inputs) != 2 {
		return nil
	}
	// A constant operand means a bias add, not a residual join.
	if isConstant(g, add.Inputs[0]) || isConstant(g, add.Inputs[1]) {
		return nil
	}
	if soleConsumer(g, add.Outputs[0]) != ln || g.IsOutput(add.Outputs[0]) {
		return nil
	}

	state := newMatchState()
	state.add(add)
	state.add(ln)
	return &skipLayerNormMatch{
		state:    state,
		residual: add.Inputs[0],
		branch:   add.Inputs[1],
		gamma:    gamma,
		beta:     beta,
		output:   ln.Outputs[0],
	}
}
