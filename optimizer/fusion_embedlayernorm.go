package optimizer

import (
	"k8s.io/klog/v2"
)

// embedLayerNormFusion fuses the embedding block of encoder models:
//
//	Gather(word_table, input_ids)     ┐
//	Gather(pos_table, position_ids)   ├ Add ┐
//	                                  ┘     ├ Add → LayerNormalization
//	Gather(seg_table, segment_ids)    ──────┘
//
// into a single EmbedLayerNormalization node carrying the three embedding
// tables and the normalization scale/bias. The anchor is the normalization
// node; the lookups are told apart by their table shapes (the segment table
// has two rows, the word table the most).
type embedLayerNormFusion struct{}

func (embedLayerNormFusion) Name() string { return "EmbedLayerNormalization" }

func (embedLayerNormFusion) RawOpTypes() []OpType { return []OpType{OpGather} }

func (embedLayerNormFusion) Apply(m *Model, _ Options) (int, error) {
	g := m.Graph
	fused := 0
	for _, ln := range g.NodesOfType(OpLayerNormalization) {
		if !g.Contains(ln) {
			continue
		}
		match := matchEmbedLayerNorm(g, ln)
		if match == nil {
			continue
		}
		if err := g.ReplaceSubgraph(match.state.nodes, match.fusedNode(), nil); err != nil {
			return fused, err
		}
		fused++
	}
	return fused, nil
}

type embedLayerNormMatch struct {
	state *matchState

	wordIDs, segmentIDs               string
	wordTable, posTable, segmentTable string
	gamma, beta                       string
	output                            string
}

func (match *embedLayerNormMatch) fusedNode() *Node {
	return NewNode(OpEmbedLayerNormalization, match.output+"_embed_layer_norm",
		[]string{
			match.wordIDs, match.segmentIDs,
			match.wordTable, match.posTable, match.segmentTable,
			match.gamma, match.beta,
		},
		[]string{match.output})
}

// matchEmbedLayerNorm walks backwards from a normalization anchor. The chain
// must contain exactly the two summations above, and no intermediate sum or
// lookup may have consumers outside the chain.
func matchEmbedLayerNorm(g *Graph, ln *Node) *embedLayerNormMatch {
	if len(ln.Inputs) < 3 {
		return nil
	}
	gamma, beta := ln.Inputs[1], ln.Inputs[2]
	if g.Initializer(gamma) == nil || g.Initializer(beta) == nil {
		return nil
	}

	sum2 := g.ProducerOf(ln.Inputs[0])
	if sum2 == nil || sum2.OpType != OpAdd || len(sum2.Inputs) != 2 {
		return nil
	}

	// One side of the outer sum is the segment lookup, the other the inner
	// word+position sum.
	var sum1, segGather *Node
	for _, in := range sum2.Inputs {
		producer := g.ProducerOf(in)
		if producer == nil {
			return nil
		}
		switch producer.OpType {
		case OpAdd:
			sum1 = producer
		case OpGather:
			segGather = producer
		default:
			return nil
		}
	}
	if sum1 == nil || segGather == nil || len(sum1.Inputs) != 2 {
		return nil
	}

	wordGather := g.ProducerOf(sum1.Inputs[0])
	posGather := g.ProducerOf(sum1.Inputs[1])
	if wordGather == nil || posGather == nil ||
		wordGather.OpType != OpGather || posGather.OpType != OpGather {
		return nil
	}

	wordTable := embeddingTable(g, wordGather)
	posTable := embeddingTable(g, posGather)
	segTable := embeddingTable(g, segGather)
	if wordTable == nil || posTable == nil || segTable == nil {
		return nil
	}
	// The segment (token-type) vocabulary has two entries; the word table is
	// the largest of the remaining two.
	if segTable.Dims[0] != 2 {
		klog.V(2).Infof("embed fusion: lookup table %q has %d rows where the segment table was expected",
			segTable.Name, segTable.Dims[0])
		return nil
	}
	if wordTable.Dims[0] < posTable.Dims[0] {
		wordGather, posGather = posGather, wordGather
		wordTable, posTable = posTable, wordTable
	}

	state := newMatchState()
	for _, node := range []*Node{wordGather, posGather, segGather, sum1, sum2, ln} {
		state.add(node)
	}
	output := ln.Outputs[0]
	if state.hasExternalConsumers(g, output) {
		return nil
	}

	return &embedLayerNormMatch{
		state:        state,
		wordIDs:      wordGather.Inputs[1],
		segmentIDs:   segGather.Inputs[1],
		wordTable:    wordTable.Name,
		posTable:     posTable.Name,
		segmentTable: segTable.Name,
		gamma:        gamma,
		beta:         beta,
		output:       output,
	}
}

// embeddingTable returns the lookup table initializer of a Gather node, or
// nil when the table is not a rank-2 constant.
func embeddingTable(g *Graph, gather *Node) *Initializer {
	if len(gather.Inputs) < 2 {
		return nil
	}
	table := g.Initializer(gather.Inputs[0])
	if table == nil || len(table.Dims) != 2 {
		return nil
	}
	return table
}
