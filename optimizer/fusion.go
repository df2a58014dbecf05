package optimizer

import (
	"github.com/gomlx/gomlx/types"
)

// fusionPass is one self-contained rewrite rule: it scans anchor nodes of a
// distinguishing op-type, matches a fixed-shape subgraph around each anchor by
// walking producer/consumer edges a bounded number of hops, and replaces each
// match atomically. Mismatched anchors are left untouched -- mismatches are
// expected, not errors.
type fusionPass interface {
	// Name is the fused op name, used for logging.
	Name() string
	// RawOpTypes lists the op-types the pass treats as raw (pre-fusion)
	// constituent material. The report's fully-optimized predicate is "none of
	// the selected pipeline's raw op-types remain".
	RawOpTypes() []OpType
	// Apply scans the model's graph once and returns how many fused nodes it
	// emitted. Only InvalidModelError conditions may be returned as err.
	Apply(m *Model, opts Options) (fused int, err error)
}

// soleConsumer returns the single consumer of tensor name, or nil if there are
// 0 or 2+ consumers.
func soleConsumer(g *Graph, name string) *Node {
	list := g.ConsumersOf(name)
	if len(list) == 1 {
		return list[0]
	}
	return nil
}

// otherAddInput returns the input to a two-input element-wise node that is not
// knownInput. Returns "" if the node doesn't have exactly 2 inputs or
// knownInput isn't one of them.
func otherAddInput(node *Node, knownInput string) string {
	if len(node.Inputs) != 2 {
		return ""
	}
	if node.Inputs[0] == knownInput {
		return node.Inputs[1]
	}
	if node.Inputs[1] == knownInput {
		return node.Inputs[0]
	}
	return ""
}

// isConstant reports whether name refers to constant data: an initializer or
// the output of a Constant node.
func isConstant(g *Graph, name string) bool {
	if g.Initializer(name) != nil {
		return true
	}
	producer := g.ProducerOf(name)
	return producer != nil && producer.OpType == OpConstant
}

// constantScalar attempts to read a scalar float64 from an initializer or a
// Constant node output.
func constantScalar(g *Graph, name string) (float64, bool) {
	if init := g.Initializer(name); init != nil {
		return init.Scalar()
	}
	if node := g.ProducerOf(name); node != nil && node.OpType == OpConstant {
		for _, attr := range node.Attrs {
			if attr.Name == "value" && attr.Type == AttrTensor && attr.T != nil {
				return attr.T.Scalar()
			}
			if attr.Name == "value_float" && attr.Type == AttrFloat {
				return float64(attr.F), true
			}
		}
	}
	return 0, false
}

// matchState accumulates the nodes and intermediate outputs of a candidate
// subgraph while a matcher walks it.
type matchState struct {
	nodes           []*Node
	nodeSet         types.Set[NodeID]
	internalOutputs types.Set[string]
}

func newMatchState() *matchState {
	return &matchState{
		nodeSet:         types.MakeSet[NodeID](),
		internalOutputs: types.MakeSet[string](),
	}
}

// add marks node as internal to the match, along with all its outputs.
func (s *matchState) add(node *Node) {
	if s.nodeSet.Has(node.id) {
		return
	}
	s.nodes = append(s.nodes, node)
	s.nodeSet.Insert(node.id)
	for _, out := range node.Outputs {
		s.internalOutputs.Insert(out)
	}
}

// has reports whether node is already part of the match.
func (s *matchState) has(node *Node) bool {
	return node != nil && s.nodeSet.Has(node.id)
}

// hasExternalConsumers checks whether any internal output other than the
// fused node's own outputs is consumed by a node outside the match, or is a
// declared graph output. Either would break the data-flow contract if the
// match were replaced.
func (s *matchState) hasExternalConsumers(g *Graph, fusedOutputs ...string) bool {
	kept := types.MakeSet[string]()
	for _, out := range fusedOutputs {
		kept.Insert(out)
	}
	for name := range s.internalOutputs {
		if kept.Has(name) {
			continue
		}
		if g.IsOutput(name) {
			return true
		}
		for _, consumer := range g.ConsumersOf(name) {
			if !s.nodeSet.Has(consumer.id) {
				return true
			}
		}
	}
	return false
}

// permEquals reports whether a Transpose node carries exactly the given
// permutation.
func permEquals(node *Node, want ...int64) bool {
	perm := getIntsAttrOr(node, "perm", nil)
	if len(perm) != len(want) {
		return false
	}
	for i := range perm {
		if perm[i] != want[i] {
			return false
		}
	}
	return true
}
