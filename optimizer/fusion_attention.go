package optimizer

import (
	"fmt"

	"k8s.io/klog/v2"
)

// attentionFusion fuses the decomposed multi-head attention chain:
//
//	root ─ MatMul(Wq) ─ Add(bq) ─ Reshape ─ Transpose(0,2,1,3) ┐
//	root ─ MatMul(Wk) ─ Add(bk) ─ Reshape ─ Transpose(0,2,3,1) ├ MatMul ─ Div(√d) ─ Add(mask) ─ Softmax(-1) ┐
//	root ─ MatMul(Wv) ─ Add(bv) ─ Reshape ─ Transpose(0,2,1,3) ─────────────────────────────────── MatMul ──┘
//	                                                          ... ─ Transpose(0,2,1,3) ─ Reshape → output
//
// into a single Attention node. The query/key/value weights and biases are
// packed into two new initializers (they do not exist in the original graph);
// the fused node's inputs are the root tensor, the packed weight and bias, and
// the original mask. The output projection and the residual add stay in the
// graph.
//
// num_heads and hidden_size come from the caller: they are not always
// recoverable from the graph. When they disagree with the projection weights
// the single fusion attempt fails with ShapeInconsistency and the anchor is
// left unfused; the pipeline is unaffected.
type attentionFusion struct{}

func (attentionFusion) Name() string { return "Attention" }

func (attentionFusion) RawOpTypes() []OpType { return []OpType{OpSoftmax} }

func (attentionFusion) Apply(m *Model, opts Options) (int, error) {
	g := m.Graph
	fused := 0
	for _, anchor := range g.NodesOfType(OpMatMul) {
		if !g.Contains(anchor) {
			continue
		}
		match, err := matchAttention(g, anchor, opts)
		if err != nil {
			klog.Warningf("attention fusion skipped one anchor: %v", err)
			continue
		}
		if match == nil {
			continue
		}
		qkvWeight, qkvBias, err := match.packQKV(g, opts)
		if err != nil {
			klog.Warningf("attention fusion skipped one anchor: %v", err)
			continue
		}
		fusedNode := NewNode(OpAttention, match.output+"_attention",
			[]string{match.root, qkvWeight.Name, qkvBias.Name, match.mask},
			[]string{match.output},
			IntAttr("num_heads", int64(opts.NumHeads)))
		if err := g.ReplaceSubgraph(match.state.nodes, fusedNode, []*Initializer{qkvWeight, qkvBias}); err != nil {
			return fused, err
		}
		fused++
	}
	return fused, nil
}

// projection is one of the three root -> MatMul -> Add -> Reshape -> Transpose
// branches of the attention input side.
type projection struct {
	matmul, biasAdd, reshape, transpose *Node
	weight, bias                        string
}

type attentionMatch struct {
	state *matchState

	root    string
	mask    string
	output  string
	q, k, v *projection
}

// matchAttention treats anchor as a candidate query/key/value projection: its
// first input is the shared root tensor (the residual stream), which must feed
// exactly three constant-weight MatMul nodes. To avoid matching the same
// block three times, only the lowest-indexed projection acts as the anchor.
func matchAttention(g *Graph, anchor *Node, opts Options) (*attentionMatch, error) {
	if len(anchor.Inputs) < 2 || g.Initializer(anchor.Inputs[1]) == nil {
		return nil, nil
	}
	root := anchor.Inputs[0]

	var projections []*projection
	for _, consumer := range g.ConsumersOf(root) {
		if consumer.OpType != OpMatMul || len(consumer.Inputs) < 2 {
			continue
		}
		if consumer.Inputs[0] != root || g.Initializer(consumer.Inputs[1]) == nil {
			continue
		}
		projections = append(projections, &projection{matmul: consumer, weight: consumer.Inputs[1]})
	}
	if len(projections) != 3 || projections[0].matmul != anchor {
		return nil, nil
	}

	for _, proj := range projections {
		if !matchProjectionTail(g, proj) {
			return nil, nil
		}
	}

	// The Q and K branches meet at the scaled MatMul; V meets the output of
	// the Softmax at the second MatMul.
	var q, k, v *projection
	var qk *Node
	for _, proj := range projections {
		tOut := proj.transpose.Outputs[0]
		consumer := soleConsumer(g, tOut)
		if consumer == nil || consumer.OpType != OpMatMul {
			return nil, nil
		}
		switch {
		case consumer.Inputs[0] == tOut && permEquals(proj.transpose, 0, 2, 1, 3) &&
			containsProjectionOutput(g, projections, consumer.Inputs[1]):
			q, qk = proj, consumer
		case consumer.Inputs[1] == tOut && permEquals(proj.transpose, 0, 2, 3, 1):
			k = proj
		case consumer.Inputs[1] == tOut && permEquals(proj.transpose, 0, 2, 1, 3):
			v = proj
		default:
			return nil, nil
		}
	}
	if q == nil || k == nil || v == nil || qk == nil {
		return nil, nil
	}
	if qk.Inputs[1] != k.transpose.Outputs[0] {
		return nil, nil
	}

	// Walk the scaled-dot-product chain from Q·Kᵀ.
	scaleNode := soleConsumer(g, qk.Outputs[0])
	if scaleNode == nil {
		return nil, nil
	}
	switch scaleNode.OpType {
	case OpDiv, OpMul:
		if len(scaleNode.Inputs) != 2 {
			return nil, nil
		}
		if _, ok := constantScalar(g, scaleNode.Inputs[1]); !ok {
			return nil, nil
		}
	default:
		return nil, nil
	}

	maskAdd := soleConsumer(g, scaleNode.Outputs[0])
	if maskAdd == nil || maskAdd.OpType != OpAdd {
		return nil, nil
	}
	mask := otherAddInput(maskAdd, scaleNode.Outputs[0])
	if mask == "" {
		return nil, nil
	}

	softmax := soleConsumer(g, maskAdd.Outputs[0])
	if softmax == nil || softmax.OpType != OpSoftmax || getIntAttrOr(softmax, "axis", -1) != -1 {
		return nil, nil
	}

	context := soleConsumer(g, softmax.Outputs[0])
	if context == nil || context.OpType != OpMatMul ||
		context.Inputs[0] != softmax.Outputs[0] || context.Inputs[1] != v.transpose.Outputs[0] {
		return nil, nil
	}

	headMergeT := soleConsumer(g, context.Outputs[0])
	if headMergeT == nil || headMergeT.OpType != OpTranspose || !permEquals(headMergeT, 0, 2, 1, 3) {
		return nil, nil
	}
	headMerge := soleConsumer(g, headMergeT.Outputs[0])
	if headMerge == nil || headMerge.OpType != OpReshape {
		return nil, nil
	}
	output := headMerge.Outputs[0]

	// Geometry check, before anything is committed.
	if err := checkAttentionGeometry(g, []*projection{q, k, v}, opts); err != nil {
		return nil, err
	}

	state := newMatchState()
	for _, proj := range []*projection{q, k, v} {
		state.add(proj.matmul)
		state.add(proj.biasAdd)
		state.add(proj.reshape)
		state.add(proj.transpose)
	}
	for _, node := range []*Node{qk, scaleNode, maskAdd, softmax, context, headMergeT, headMerge} {
		state.add(node)
	}
	if state.hasExternalConsumers(g, output) {
		return nil, nil
	}

	return &attentionMatch{
		state:  state,
		root:   root,
		mask:   mask,
		output: output,
		q:      q, k: k, v: v,
	}, nil
}

// matchProjectionTail completes one projection branch:
// MatMul -> Add(constant bias) -> Reshape -> Transpose.
func matchProjectionTail(g *Graph, proj *projection) bool {
	biasAdd := soleConsumer(g, proj.matmul.Outputs[0])
	if biasAdd == nil || biasAdd.OpType != OpAdd {
		return false
	}
	bias := otherAddInput(biasAdd, proj.matmul.Outputs[0])
	if bias == "" || g.Initializer(bias) == nil {
		return false
	}
	reshape := soleConsumer(g, biasAdd.Outputs[0])
	if reshape == nil || reshape.OpType != OpReshape {
		return false
	}
	transpose := soleConsumer(g, reshape.Outputs[0])
	if transpose == nil || transpose.OpType != OpTranspose {
		return false
	}
	proj.biasAdd, proj.reshape, proj.transpose = biasAdd, reshape, transpose
	proj.bias = bias
	return true
}

// containsProjectionOutput reports whether name is the transpose output of one
// of the candidate projections.
func containsProjectionOutput(g *Graph, projections []*projection, name string) bool {
	producer := g.ProducerOf(name)
	if producer == nil {
		return false
	}
	for _, proj := range projections {
		if proj.transpose == producer {
			return true
		}
	}
	return false
}

// checkAttentionGeometry validates the caller-supplied geometry against the
// projection weights: hidden_size must split evenly over num_heads, and every
// weight must be a [hidden, hidden] matrix with a [hidden] bias.
func checkAttentionGeometry(g *Graph, projections []*projection, opts Options) error {
	if opts.HiddenSize%opts.NumHeads != 0 {
		return shapeInconsistencyf("attention", "hidden_size %d is not divisible by num_heads %d",
			opts.HiddenSize, opts.NumHeads)
	}
	hidden := int64(opts.HiddenSize)
	for _, proj := range projections {
		weight := g.Initializer(proj.weight)
		if len(weight.Dims) != 2 || weight.Dims[0] != hidden || weight.Dims[1] != hidden {
			return shapeInconsistencyf("attention", "projection weight %q has shape %v, want [%d %d]",
				weight.Name, weight.Dims, hidden, hidden)
		}
		bias := g.Initializer(proj.bias)
		if bias.NumElements() != hidden {
			return shapeInconsistencyf("attention", "projection bias %q has %d elements, want %d",
				bias.Name, bias.NumElements(), hidden)
		}
	}
	return nil
}

// packQKV concatenates the three projection weights into a single
// [hidden, 3*hidden] initializer and the three biases into a [3*hidden] one.
// Neither exists in the original graph.
func (match *attentionMatch) packQKV(g *Graph, opts Options) (*Initializer, *Initializer, error) {
	hidden := opts.HiddenSize
	weights := make([][]float32, 0, 3)
	biases := make([][]float32, 0, 3)
	for _, proj := range []*projection{match.q, match.k, match.v} {
		w, ok := g.Initializer(proj.weight).Floats()
		if !ok {
			return nil, nil, shapeInconsistencyf("attention", "projection weight %q has no readable float data", proj.weight)
		}
		b, ok := g.Initializer(proj.bias).Floats()
		if !ok {
			return nil, nil, shapeInconsistencyf("attention", "projection bias %q has no readable float data", proj.bias)
		}
		weights = append(weights, w)
		biases = append(biases, b)
	}

	packedW := make([]float32, 0, 3*hidden*hidden)
	for row := 0; row < hidden; row++ {
		for _, w := range weights {
			packedW = append(packedW, w[row*hidden:(row+1)*hidden]...)
		}
	}
	packedB := make([]float32, 0, 3*hidden)
	for _, b := range biases {
		packedB = append(packedB, b...)
	}

	qkvWeight := &Initializer{
		Name:      fmt.Sprintf("%s_qkv_weight", match.output),
		DType:     DTypeFloat32,
		Dims:      []int64{int64(hidden), int64(3 * hidden)},
		FloatData: packedW,
	}
	qkvBias := &Initializer{
		Name:      fmt.Sprintf("%s_qkv_bias", match.output),
		DType:     DTypeFloat32,
		Dims:      []int64{int64(3 * hidden)},
		FloatData: packedB,
	}
	return qkvWeight, qkvBias, nil
}
