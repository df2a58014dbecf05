package optimizer

import (
	"encoding/binary"
	"math"
	"slices"

	"github.com/gomlx/gomlx/types"
	"github.com/x448/float16"
)

// NodeID is a stable index into the graph's node arena. IDs are never reused,
// so they remain valid across mutations (a removed node's slot just goes
// empty).
type NodeID int32

// TensorID is an index into the graph's interned tensor-name table.
type TensorID int32

const noProducer NodeID = -1

// Node is one operator instance: an op-type tag, ordered input and output
// tensor references and a list of named attributes. Input order is
// semantically significant (argument position).
//
// Nodes are owned by the Graph for their whole lifetime. Passes borrow read
// access and request structural edits through Graph.ReplaceSubgraph; they
// never mutate these fields after the node has been added.
type Node struct {
	id NodeID

	OpType  OpType
	Name    string
	Inputs  []string
	Outputs []string
	Attrs   []*Attribute
}

// ID returns the node's stable arena index, or -1 if the node was never added
// to a graph.
func (n *Node) ID() NodeID {
	if n == nil {
		return noProducer
	}
	return n.id
}

// NewNode builds a detached node. It only becomes part of a graph through
// Graph.AddNode or Graph.ReplaceSubgraph.
func NewNode(op OpType, name string, inputs, outputs []string, attrs ...*Attribute) *Node {
	return &Node{
		id:      noProducer,
		OpType:  op,
		Name:    name,
		Inputs:  inputs,
		Outputs: outputs,
		Attrs:   attrs,
	}
}

// Initializer is a named constant tensor owned by the graph and referenced by
// name like any other tensor.
type Initializer struct {
	Name  string
	DType DType
	Dims  []int64

	// Exactly one of the data fields is set; RawData holds the little-endian
	// byte encoding used by the interchange format.
	FloatData []float32
	Int64Data []int64
	RawData   []byte
}

// NumElements is the product of the dimensions (1 for a scalar).
func (init *Initializer) NumElements() int64 {
	n := int64(1)
	for _, d := range init.Dims {
		n *= d
	}
	return n
}

// Scalar extracts the single element of a scalar (or one-element) initializer
// as float64. Returns false for non-scalars, integer types and missing data.
func (init *Initializer) Scalar() (float64, bool) {
	if init == nil || init.NumElements() != 1 {
		return 0, false
	}
	switch init.DType {
	case DTypeFloat32:
		if len(init.FloatData) > 0 {
			return float64(init.FloatData[0]), true
		}
		if len(init.RawData) >= 4 {
			return float64(math.Float32frombits(binary.LittleEndian.Uint32(init.RawData))), true
		}
	case DTypeFloat64:
		if len(init.RawData) >= 8 {
			return math.Float64frombits(binary.LittleEndian.Uint64(init.RawData)), true
		}
	case DTypeFloat16:
		if len(init.RawData) >= 2 {
			return float64(float16.Frombits(binary.LittleEndian.Uint16(init.RawData)).Float32()), true
		}
	case DTypeInt64:
		if len(init.Int64Data) > 0 {
			return float64(init.Int64Data[0]), true
		}
		if len(init.RawData) >= 8 {
			return float64(int64(binary.LittleEndian.Uint64(init.RawData))), true
		}
	}
	return 0, false
}

// Floats returns the initializer's elements as float32, decoding raw
// little-endian bytes when the typed field is absent. Returns false when the
// element type is not a float type or the data is missing/truncated.
func (init *Initializer) Floats() ([]float32, bool) {
	n := init.NumElements()
	switch init.DType {
	case DTypeFloat32:
		if int64(len(init.FloatData)) == n {
			return init.FloatData, true
		}
		if int64(len(init.RawData)) == 4*n {
			out := make([]float32, n)
			for i := range out {
				out[i] = math.Float32frombits(binary.LittleEndian.Uint32(init.RawData[4*i:]))
			}
			return out, true
		}
	case DTypeFloat16:
		if int64(len(init.RawData)) == 2*n {
			out := make([]float32, n)
			for i := range out {
				out[i] = float16.Frombits(binary.LittleEndian.Uint16(init.RawData[2*i:])).Float32()
			}
			return out, true
		}
	}
	return nil, false
}

// internTable interns tensor names to dense TensorIDs so the producer and
// consumer indices can be flat slices.
type internTable struct {
	ids   map[string]TensorID
	names []string
}

func newInternTable() *internTable {
	return &internTable{ids: make(map[string]TensorID)}
}

// intern returns the id for name, allocating one if needed.
func (t *internTable) intern(name string) (id TensorID, isNew bool) {
	if id, found := t.ids[name]; found {
		return id, false
	}
	id = TensorID(len(t.names))
	t.ids[name] = id
	t.names = append(t.names, name)
	return id, true
}

// lookup returns the id for name without allocating.
func (t *internTable) lookup(name string) (TensorID, bool) {
	id, found := t.ids[name]
	return id, found
}

// Graph holds the unordered collection of nodes, the initializers, and the
// declared external inputs/outputs, plus the maintained indices over them:
// op-type -> nodes, tensor -> producer, tensor -> consumers.
//
// Invariant: the reference structure forms a DAG, no tensor name is produced
// by more than one node, and every consumed tensor name is a graph input, an
// initializer, or the output of a node in the same graph. AddNode and
// ReplaceSubgraph maintain the producer part of the invariant; Validate checks
// the rest (the decode step may add nodes in any order).
type Graph struct {
	arena []*Node // indexed by NodeID; nil for removed nodes
	names *internTable

	producers []NodeID              // indexed by TensorID; noProducer if none
	consumers []types.Set[NodeID]   // indexed by TensorID
	byType    map[OpType]types.Set[NodeID]

	inputs       []string
	outputs      []string
	initializers map[string]*Initializer
}

// NewGraph returns an empty graph. The external decode step (or a test) then
// populates it via AddInput/AddOutput/AddInitializer/AddNode.
func NewGraph() *Graph {
	return &Graph{
		names:        newInternTable(),
		byType:       make(map[OpType]types.Set[NodeID]),
		initializers: make(map[string]*Initializer),
	}
}

// tensorID interns name and grows the producer/consumer indices to match.
func (g *Graph) tensorID(name string) TensorID {
	id, isNew := g.names.intern(name)
	if isNew {
		g.producers = append(g.producers, noProducer)
		g.consumers = append(g.consumers, types.MakeSet[NodeID]())
	}
	return id
}

// AddInput declares an external graph input.
func (g *Graph) AddInput(name string) {
	g.tensorID(name)
	g.inputs = append(g.inputs, name)
}

// AddOutput declares an external graph output.
func (g *Graph) AddOutput(name string) {
	g.tensorID(name)
	g.outputs = append(g.outputs, name)
}

// Inputs returns the declared external inputs, in declaration order.
func (g *Graph) Inputs() []string { return g.inputs }

// Outputs returns the declared external outputs, in declaration order.
func (g *Graph) Outputs() []string { return g.outputs }

// IsInput reports whether name is a declared graph input.
func (g *Graph) IsInput(name string) bool { return slices.Contains(g.inputs, name) }

// IsOutput reports whether name is a declared graph output.
func (g *Graph) IsOutput(name string) bool { return slices.Contains(g.outputs, name) }

// AddInitializer adds a constant tensor to the graph. Duplicate names are an
// InvalidModelError.
func (g *Graph) AddInitializer(init *Initializer) error {
	if _, found := g.initializers[init.Name]; found {
		return invalidModelf("duplicate initializer %q", init.Name)
	}
	g.tensorID(init.Name)
	g.initializers[init.Name] = init
	return nil
}

// Initializer returns the named constant tensor, or nil.
func (g *Graph) Initializer(name string) *Initializer {
	return g.initializers[name]
}

// InitializerNames returns the initializer names in sorted order.
func (g *Graph) InitializerNames() []string {
	names := make([]string, 0, len(g.initializers))
	for name := range g.initializers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// AddNode inserts a detached node into the graph and updates all indices.
// It fails with InvalidModelError if any output tensor already has a producer
// or collides with an initializer.
func (g *Graph) AddNode(node *Node) error {
	for _, out := range node.Outputs {
		if out == "" {
			return invalidModelf("node %q has an empty output name", node.Name)
		}
		if g.initializers[out] != nil {
			return invalidModelf("node %q output %q collides with an initializer", node.Name, out)
		}
		id := g.tensorID(out)
		if g.producers[id] != noProducer {
			return invalidModelf("tensor %q produced by more than one node", out)
		}
	}
	node.id = NodeID(len(g.arena))
	g.arena = append(g.arena, node)
	g.indexNode(node)
	return nil
}

// indexNode wires node into the producer/consumer and op-type indices.
func (g *Graph) indexNode(node *Node) {
	set, found := g.byType[node.OpType]
	if !found {
		set = types.MakeSet[NodeID]()
		g.byType[node.OpType] = set
	}
	set.Insert(node.id)
	for _, out := range node.Outputs {
		g.producers[g.tensorID(out)] = node.id
	}
	for _, in := range node.Inputs {
		if in == "" {
			continue
		}
		g.consumers[g.tensorID(in)].Insert(node.id)
	}
}

// unindexNode removes node from all indices and empties its arena slot.
func (g *Graph) unindexNode(node *Node) {
	delete(g.byType[node.OpType], node.id)
	for _, out := range node.Outputs {
		if id, found := g.names.lookup(out); found && g.producers[id] == node.id {
			g.producers[id] = noProducer
		}
	}
	for _, in := range node.Inputs {
		if in == "" {
			continue
		}
		if id, found := g.names.lookup(in); found {
			delete(g.consumers[id], node.id)
		}
	}
	g.arena[node.id] = nil
}

// Contains reports whether node is currently part of the graph. Passes use it
// to skip anchors consumed by an earlier replacement within the same scan.
func (g *Graph) Contains(node *Node) bool {
	return node != nil && node.id >= 0 && int(node.id) < len(g.arena) && g.arena[node.id] == node
}

// NumNodes counts the live nodes.
func (g *Graph) NumNodes() int {
	n := 0
	for _, node := range g.arena {
		if node != nil {
			n++
		}
	}
	return n
}

// Nodes returns all live nodes in stable (insertion) order.
func (g *Graph) Nodes() []*Node {
	out := make([]*Node, 0, len(g.arena))
	for _, node := range g.arena {
		if node != nil {
			out = append(out, node)
		}
	}
	return out
}

// NodesOfType returns the live nodes with the given op-type, in stable order.
// The op-type index is maintained incrementally, so this reflects all prior
// mutations without rescanning the graph.
func (g *Graph) NodesOfType(op OpType) []*Node {
	set := g.byType[op]
	ids := make([]NodeID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	out := make([]*Node, len(ids))
	for i, id := range ids {
		out[i] = g.arena[id]
	}
	return out
}

// ProducerOf returns the unique node producing the named tensor, or nil if it
// is a graph input or an initializer.
func (g *Graph) ProducerOf(name string) *Node {
	id, found := g.names.lookup(name)
	if !found || g.producers[id] == noProducer {
		return nil
	}
	return g.arena[g.producers[id]]
}

// ConsumersOf returns all nodes reading the named tensor, in stable order.
func (g *Graph) ConsumersOf(name string) []*Node {
	id, found := g.names.lookup(name)
	if !found {
		return nil
	}
	set := g.consumers[id]
	ids := make([]NodeID, 0, len(set))
	for nid := range set {
		ids = append(ids, nid)
	}
	slices.Sort(ids)
	out := make([]*Node, len(ids))
	for i, nid := range ids {
		out[i] = g.arena[nid]
	}
	return out
}

// ReplaceSubgraph atomically removes oldNodes (and any initializers that
// become unreferenced), inserts newNode and newInitializers, and updates all
// indices.
//
// It fails with InvalidModelError -- without mutating anything -- if removing
// oldNodes would orphan a tensor still consumed outside the replaced set: the
// caller must have already verified that every output of oldNodes consumed
// outside the set is re-produced by newNode.
func (g *Graph) ReplaceSubgraph(oldNodes []*Node, newNode *Node, newInitializers []*Initializer) error {
	oldSet := types.MakeSet[NodeID]()
	for _, node := range oldNodes {
		if !g.Contains(node) {
			return invalidModelf("ReplaceSubgraph: node %q is not part of the graph", node.Name)
		}
		oldSet.Insert(node.id)
	}

	// Validation phase: nothing below may mutate until all checks pass.
	replOutputs := types.MakeSet[string]()
	for _, out := range newNode.Outputs {
		replOutputs.Insert(out)
	}
	for _, node := range oldNodes {
		for _, out := range node.Outputs {
			if replOutputs.Has(out) {
				continue
			}
			if g.IsOutput(out) {
				return invalidModelf("ReplaceSubgraph: graph output %q would lose its producer", out)
			}
			for _, consumer := range g.ConsumersOf(out) {
				if !oldSet.Has(consumer.id) {
					return invalidModelf("ReplaceSubgraph: tensor %q still consumed by %q outside the replaced set",
						out, consumer.Name)
				}
			}
		}
	}
	newInitNames := types.MakeSet[string]()
	for _, init := range newInitializers {
		if _, found := g.initializers[init.Name]; found {
			return invalidModelf("ReplaceSubgraph: initializer %q already exists", init.Name)
		}
		newInitNames.Insert(init.Name)
	}
	for _, out := range newNode.Outputs {
		id, found := g.names.lookup(out)
		if !found {
			continue
		}
		producer := g.producers[id]
		if producer != noProducer && !oldSet.Has(producer) {
			return invalidModelf("ReplaceSubgraph: tensor %q already produced by %q", out, g.arena[producer].Name)
		}
	}
	for _, in := range newNode.Inputs {
		if in == "" || newInitNames.Has(in) || g.initializers[in] != nil || g.IsInput(in) {
			continue
		}
		id, found := g.names.lookup(in)
		if !found {
			return invalidModelf("ReplaceSubgraph: replacement consumes unknown tensor %q", in)
		}
		producer := g.producers[id]
		if producer == noProducer || oldSet.Has(producer) {
			return invalidModelf("ReplaceSubgraph: replacement input %q has no surviving producer", in)
		}
	}

	// Mutation phase.
	initializerCandidates := types.MakeSet[string]()
	for _, node := range oldNodes {
		for _, in := range node.Inputs {
			if g.initializers[in] != nil {
				initializerCandidates.Insert(in)
			}
		}
		g.unindexNode(node)
	}
	for _, init := range newInitializers {
		g.tensorID(init.Name)
		g.initializers[init.Name] = init
	}
	newNode.id = NodeID(len(g.arena))
	g.arena = append(g.arena, newNode)
	g.indexNode(newNode)

	// Drop initializers orphaned by the removal (unless the replacement or a
	// survivor still reads them).
	for name := range initializerCandidates {
		id, _ := g.names.lookup(name)
		if len(g.consumers[id]) == 0 && !g.IsOutput(name) {
			delete(g.initializers, name)
		}
	}
	return nil
}

// RemoveUnusedInitializers drops initializers no live node references and
// returns how many were removed. The pipeline runs this once after the last
// pass.
func (g *Graph) RemoveUnusedInitializers() int {
	removed := 0
	for _, name := range g.InitializerNames() {
		id, _ := g.names.lookup(name)
		if len(g.consumers[id]) == 0 && !g.IsOutput(name) {
			delete(g.initializers, name)
			removed++
		}
	}
	return removed
}

// TopologicalOrder returns the live nodes in data-flow order. It fails with
// InvalidModelError if the graph has a cycle.
func (g *Graph) TopologicalOrder() ([]*Node, error) {
	// Count, per node, the inputs still waiting on a live producer.
	pending := make(map[NodeID]int)
	var ready []NodeID
	for _, node := range g.arena {
		if node == nil {
			continue
		}
		count := 0
		seen := types.MakeSet[string]()
		for _, in := range node.Inputs {
			if in == "" || seen.Has(in) {
				continue
			}
			seen.Insert(in)
			if producer := g.ProducerOf(in); producer != nil {
				count++
			}
		}
		pending[node.id] = count
		if count == 0 {
			ready = append(ready, node.id)
		}
	}

	sorted := make([]*Node, 0, len(pending))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		node := g.arena[id]
		sorted = append(sorted, node)
		for _, out := range node.Outputs {
			for _, consumer := range g.ConsumersOf(out) {
				pending[consumer.id]--
				if pending[consumer.id] == 0 {
					ready = append(ready, consumer.id)
				}
			}
		}
	}
	if len(sorted) != len(pending) {
		return nil, invalidModelf("graph has a cycle: only %d of %d nodes reachable in data-flow order",
			len(sorted), len(pending))
	}
	return sorted, nil
}

// Validate checks the full DAG contract: every consumed tensor is a graph
// input, an initializer or produced by some node, and the graph is acyclic.
// Duplicate producers are rejected at insertion time, so they cannot appear
// here.
func (g *Graph) Validate() error {
	for _, node := range g.arena {
		if node == nil {
			continue
		}
		for _, in := range node.Inputs {
			if in == "" {
				continue
			}
			if g.IsInput(in) || g.initializers[in] != nil || g.ProducerOf(in) != nil {
				continue
			}
			return invalidModelf("node %q consumes dangling tensor %q", node.Name, in)
		}
	}
	_, err := g.TopologicalOrder()
	return err
}
