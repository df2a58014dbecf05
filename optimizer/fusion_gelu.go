package optimizer

import (
	"github.com/chewxy/math32"
)

// geluFusion recognizes the activation-approximation idioms exporters emit in
// place of a single Gelu kernel and collapses each to one node:
//
//	exact:  x·0.5·(1 + Erf(x/√2))                         → Gelu
//	tanh:   x·0.5·(1 + Tanh(√(2/π)·(x + 0.044715·x³)))    → FastGelu
//	biased: Add(y, b) feeding either formula              → BiasGelu or FastGelu
//
// For the erf formula with a foldable bias the target execution path decides
// the fused shape: the CPU path has a BiasGelu kernel, the GPU path prefers
// FastGelu with the bias as its optional second input. This is the only pass
// that reads Options.UseGPU. The tanh formula always lowers to FastGelu, bias
// folded or not, since that kernel exists on both paths.
//
// Erf only entered the operator set at version 9; older models skip the erf
// scan entirely.
type geluFusion struct{}

func (geluFusion) Name() string { return "Gelu" }

func (geluFusion) RawOpTypes() []OpType { return []OpType{OpErf, OpTanh} }

func (geluFusion) Apply(m *Model, opts Options) (int, error) {
	g := m.Graph
	fused := 0
	if m.OpsetVersion == 0 || m.OpsetVersion >= 9 {
		for _, erf := range g.NodesOfType(OpErf) {
			if !g.Contains(erf) {
				continue
			}
			match := matchErfGelu(g, erf)
			if match == nil {
				continue
			}
			op := OpGelu
			if match.bias != "" {
				if opts.UseGPU {
					op = OpFastGelu
				} else {
					op = OpBiasGelu
				}
			}
			if err := emitGelu(g, match, op); err != nil {
				return fused, err
			}
			fused++
		}
	}
	for _, tanh := range g.NodesOfType(OpTanh) {
		if !g.Contains(tanh) {
			continue
		}
		match := matchTanhGelu(g, tanh)
		if match == nil {
			continue
		}
		if err := emitGelu(g, match, OpFastGelu); err != nil {
			return fused, err
		}
		fused++
	}
	return fused, nil
}

type geluMatch struct {
	state *matchState

	x      string // the activation input (after bias folding, if any)
	bias   string // "" when no bias was folded
	output string
}

func emitGelu(g *Graph, match *geluMatch, op OpType) error {
	inputs := []string{match.x}
	if match.bias != "" {
		inputs = append(inputs, match.bias)
	}
	node := NewNode(op, match.output+"_gelu", inputs, []string{match.output})
	return g.ReplaceSubgraph(match.state.nodes, node, nil)
}

// matchErfGelu matches the exact error-function formula anchored at its Erf
// node:
//
//	Div(x, √2) → Erf → Add(+1) → Mul(·, x) → Mul(·, 0.5)
//
// or the variant where 0.5 is applied to x first:
//
//	Div(x, √2) → Erf → Add(+1) → Mul(·, Mul(x, 0.5))
func matchErfGelu(g *Graph, erf *Node) *geluMatch {
	div := g.ProducerOf(erf.Inputs[0])
	if div == nil || div.OpType != OpDiv || len(div.Inputs) != 2 {
		return nil
	}
	if !scalarApprox(g, div.Inputs[1], math32.Sqrt(2)) {
		return nil
	}
	x := div.Inputs[0]

	state := newMatchState()
	state.add(div)
	state.add(erf)
	output := matchGeluTail(g, state, erf.Outputs[0], x)
	if output == "" {
		return nil
	}
	return finishGeluMatch(g, state, x, output)
}

// matchTanhGelu matches the tanh polynomial approximation anchored at its
// Tanh node:
//
//	Pow(x, 3) → Mul(·, 0.044715) → Add(x, ·) → Mul(·, √(2/π)) → Tanh
//	  → Add(+1) → the same ·x·0.5 tail as the erf formula.
func matchTanhGelu(g *Graph, tanh *Node) *geluMatch {
	mulC := g.ProducerOf(tanh.Inputs[0])
	if mulC == nil || mulC.OpType != OpMul || len(mulC.Inputs) != 2 {
		return nil
	}
	inner := mulOperandWithScalar(g, mulC, math32.Sqrt(2/math32.Pi))
	if inner == "" {
		return nil
	}
	innerAdd := g.ProducerOf(inner)
	if innerAdd == nil || innerAdd.OpType != OpAdd || len(innerAdd.Inputs) != 2 {
		return nil
	}

	// One operand of the inner Add is x, the other is 0.044715·x³.
	var x string
	var mulCube, pow *Node
	for i, candidate := range innerAdd.Inputs {
		xCandidate := innerAdd.Inputs[1-i]
		node := g.ProducerOf(candidate)
		if node == nil || node.OpType != OpMul || len(node.Inputs) != 2 {
			continue
		}
		cube := mulOperandWithScalar(g, node, 0.044715)
		if cube == "" {
			continue
		}
		powNode := g.ProducerOf(cube)
		if powNode == nil || powNode.OpType != OpPow || len(powNode.Inputs) != 2 {
			continue
		}
		if powNode.Inputs[0] != xCandidate || !scalarApprox(g, powNode.Inputs[1], 3) {
			continue
		}
		x, mulCube, pow = xCandidate, node, powNode
		break
	}
	if x == "" {
		return nil
	}
	if soleConsumer(g, pow.Outputs[0]) != mulCube ||
		soleConsumer(g, mulCube.Outputs[0]) != innerAdd ||
		soleConsumer(g, innerAdd.Outputs[0]) != mulC ||
		soleConsumer(g, mulC.Outputs[0]) != tanh {
		return nil
	}

	state := newMatchState()
	for _, node := range []*Node{pow, mulCube, innerAdd, mulC, tanh} {
		state.add(node)
	}
	output := matchGeluTail(g, state, tanh.Outputs[0], x)
	if output == "" {
		return nil
	}
	return finishGeluMatch(g, state, x, output)
}

// matchGeluTail matches the shared  Add(+1) → ·x → ·0.5  tail following the
// erf or tanh node, in either multiplication order. It records the tail nodes
// in state and returns the final output name, or "" on mismatch.
func matchGeluTail(g *Graph, state *matchState, from, x string) string {
	addOne := soleConsumer(g, from)
	if addOne == nil || addOne.OpType != OpAdd {
		return ""
	}
	if !scalarApprox(g, otherAddInput(addOne, from), 1) {
		return ""
	}
	mul1 := soleConsumer(g, addOne.Outputs[0])
	if mul1 == nil || mul1.OpType != OpMul {
		return ""
	}
	other := otherAddInput(mul1, addOne.Outputs[0])
	if other == "" {
		return ""
	}

	if other == x {
		// Mul(·, x) then Mul(·, 0.5).
		mulHalf := soleConsumer(g, mul1.Outputs[0])
		if mulHalf == nil || mulHalf.OpType != OpMul {
			return ""
		}
		if !scalarApprox(g, otherAddInput(mulHalf, mul1.Outputs[0]), 0.5) {
			return ""
		}
		state.add(addOne)
		state.add(mul1)
		state.add(mulHalf)
		return mulHalf.Outputs[0]
	}

	// Mul(·, halfX) where halfX = Mul(x, 0.5).
	halfX := g.ProducerOf(other)
	if halfX == nil || halfX.OpType != OpMul || len(halfX.Inputs) != 2 {
		return ""
	}
	if mulOperandWithScalar(g, halfX, 0.5) != x {
		return ""
	}
	if soleConsumer(g, halfX.Outputs[0]) != mul1 {
		return ""
	}
	state.add(addOne)
	state.add(halfX)
	state.add(mul1)
	return mul1.Outputs[0]
}

// finishGeluMatch folds a directly-preceding constant bias Add into the match
// when every consumer of x lies inside it, then runs the external-consumer
// check.
func finishGeluMatch(g *Graph, state *matchState, x, output string) *geluMatch {
	match := &geluMatch{state: state, x: x, output: output}

	if biasAdd := g.ProducerOf(x); biasAdd != nil && biasAdd.OpType == OpAdd && len(biasAdd.Inputs) == 2 {
		var bias, preBias string
		for i, in := range biasAdd.Inputs {
			if init := g.Initializer(in); init != nil && len(init.Dims) == 1 {
				bias, preBias = in, biasAdd.Inputs[1-i]
			}
		}
		if bias != "" && allConsumersIn(g, x, state) {
			state.add(biasAdd)
			match.x, match.bias = preBias, bias
		}
	}

	if state.hasExternalConsumers(g, output) {
		return nil
	}
	return match
}

// allConsumersIn reports whether every consumer of name is part of the match.
func allConsumersIn(g *Graph, name string, state *matchState) bool {
	for _, consumer := range g.ConsumersOf(name) {
		if !state.has(consumer) {
			return false
		}
	}
	return !g.IsOutput(name)
}

// scalarApprox reports whether name is a scalar constant approximately equal
// to want.
func scalarApprox(g *Graph, name string, want float32) bool {
	if name == "" {
		return false
	}
	v, ok := constantScalar(g, name)
	if !ok {
		return false
	}
	return math32.Abs(float32(v)-want) < 1e-3
}

// mulOperandWithScalar returns the operand of a two-input Mul whose sibling is
// a scalar constant approximately equal to want, or "".
func mulOperandWithScalar(g *Graph, mul *Node, want float32) string {
	if scalarApprox(g, mul.Inputs[1], want) {
		return mul.Inputs[0]
	}
	if scalarApprox(g, mul.Inputs[0], want) {
		return mul.Inputs[1]
	}
	return ""
}
