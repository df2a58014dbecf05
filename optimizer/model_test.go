package optimizer

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addTestNode(t *testing.T, g *Graph, op OpType, name string, inputs, outputs []string, attrs ...*Attribute) *Node {
	t.Helper()
	node := NewNode(op, name, inputs, outputs, attrs...)
	require.NoError(t, g.AddNode(node))
	return node
}

func addFloatInit(t *testing.T, g *Graph, name string, dims []int64, data []float32) {
	t.Helper()
	require.NoError(t, g.AddInitializer(&Initializer{
		Name: name, DType: DTypeFloat32, Dims: dims, FloatData: data,
	}))
}

func TestGraphIndexes(t *testing.T) {
	g := NewGraph()
	g.AddInput("x")
	addFloatInit(t, g, "w", []int64{2, 2}, []float32{1, 2, 3, 4})
	matmul := addTestNode(t, g, OpMatMul, "mm", []string{"x", "w"}, []string{"a"})
	add := addTestNode(t, g, OpAdd, "add", []string{"a", "x"}, []string{"b"})
	g.AddOutput("b")

	assert.Nil(t, g.ProducerOf("x"))
	assert.Same(t, matmul, g.ProducerOf("a"))
	assert.Same(t, add, g.ProducerOf("b"))

	consumers := g.ConsumersOf("x")
	require.Len(t, consumers, 2)
	assert.Same(t, matmul, consumers[0])
	assert.Same(t, add, consumers[1])

	require.Len(t, g.NodesOfType(OpMatMul), 1)
	assert.Empty(t, g.NodesOfType(OpSoftmax))
	assert.Equal(t, 2, g.NumNodes())
	require.NoError(t, g.Validate())
}

func TestAddNodeRejectsDuplicateProducer(t *testing.T) {
	g := NewGraph()
	g.AddInput("x")
	addTestNode(t, g, OpIdentity, "id1", []string{"x"}, []string{"y"})

	err := g.AddNode(NewNode(OpIdentity, "id2", []string{"x"}, []string{"y"}))
	require.Error(t, err)
	var invalid *InvalidModelError
	assert.True(t, errors.As(err, &invalid))
}

func TestAddNodeRejectsInitializerCollision(t *testing.T) {
	g := NewGraph()
	g.AddInput("x")
	addFloatInit(t, g, "w", nil, []float32{1})

	err := g.AddNode(NewNode(OpIdentity, "id", []string{"x"}, []string{"w"}))
	require.Error(t, err)
	var invalid *InvalidModelError
	assert.True(t, errors.As(err, &invalid))
}

func TestReplaceSubgraph(t *testing.T) {
	g := NewGraph()
	g.AddInput("x")
	addFloatInit(t, g, "scale", nil, []float32{0.5})
	mul := addTestNode(t, g, OpMul, "mul", []string{"x", "scale"}, []string{"m"})
	add := addTestNode(t, g, OpAdd, "add", []string{"m", "x"}, []string{"y"})
	g.AddOutput("y")

	fused := NewNode(OpGelu, "fused", []string{"x"}, []string{"y"})
	require.NoError(t, g.ReplaceSubgraph([]*Node{mul, add}, fused, nil))

	assert.False(t, g.Contains(mul))
	assert.False(t, g.Contains(add))
	assert.True(t, g.Contains(fused))
	assert.Equal(t, 1, g.NumNodes())
	assert.Same(t, fused, g.ProducerOf("y"))
	assert.Empty(t, g.NodesOfType(OpMul))
	require.Len(t, g.NodesOfType(OpGelu), 1)

	// "scale" lost its last consumer with the removal.
	assert.Nil(t, g.Initializer("scale"))
	require.NoError(t, g.Validate())
}

func TestReplaceSubgraphAddsInitializers(t *testing.T) {
	g := NewGraph()
	g.AddInput("x")
	addFloatInit(t, g, "w1", []int64{2}, []float32{1, 2})
	mul := addTestNode(t, g, OpMul, "mul", []string{"x", "w1"}, []string{"y"})
	g.AddOutput("y")

	packed := &Initializer{Name: "packed", DType: DTypeFloat32, Dims: []int64{2}, FloatData: []float32{3, 4}}
	fused := NewNode(OpMul, "fused", []string{"x", "packed"}, []string{"y"})
	require.NoError(t, g.ReplaceSubgraph([]*Node{mul}, fused, []*Initializer{packed}))

	assert.Same(t, packed, g.Initializer("packed"))
	assert.Nil(t, g.Initializer("w1"))
	require.NoError(t, g.Validate())
}

func TestReplaceSubgraphRejectsOrphanedConsumer(t *testing.T) {
	g := NewGraph()
	g.AddInput("x")
	mul := addTestNode(t, g, OpMul, "mul", []string{"x", "x"}, []string{"m"})
	add := addTestNode(t, g, OpAdd, "add", []string{"m", "x"}, []string{"y"})
	addTestNode(t, g, OpIdentity, "external", []string{"m"}, []string{"z"})
	g.AddOutput("y")
	g.AddOutput("z")

	// "m" stays consumed by the external node, so removing its producer
	// must fail without mutating anything.
	fused := NewNode(OpGelu, "fused", []string{"x"}, []string{"y"})
	err := g.ReplaceSubgraph([]*Node{mul, add}, fused, nil)
	require.Error(t, err)
	var invalid *InvalidModelError
	assert.True(t, errors.As(err, &invalid))

	assert.True(t, g.Contains(mul))
	assert.True(t, g.Contains(add))
	assert.False(t, g.Contains(fused))
	assert.Equal(t, 3, g.NumNodes())
	require.NoError(t, g.Validate())
}

func TestReplaceSubgraphRejectsLostGraphOutput(t *testing.T) {
	g := NewGraph()
	g.AddInput("x")
	id := addTestNode(t, g, OpIdentity, "id", []string{"x"}, []string{"y"})
	g.AddOutput("y")

	replacement := NewNode(OpIdentity, "other", []string{"x"}, []string{"z"})
	err := g.ReplaceSubgraph([]*Node{id}, replacement, nil)
	require.Error(t, err)
	var invalid *InvalidModelError
	assert.True(t, errors.As(err, &invalid))
	assert.True(t, g.Contains(id))
}

func TestTopologicalOrder(t *testing.T) {
	g := NewGraph()
	g.AddInput("x")
	// Insert out of data-flow order on purpose.
	last := addTestNode(t, g, OpAdd, "join", []string{"l", "r"}, []string{"y"})
	left := addTestNode(t, g, OpIdentity, "left", []string{"x"}, []string{"l"})
	right := addTestNode(t, g, OpIdentity, "right", []string{"x"}, []string{"r"})
	g.AddOutput("y")

	sorted, err := g.TopologicalOrder()
	require.NoError(t, err)
	require.Len(t, sorted, 3)
	pos := make(map[*Node]int)
	for i, node := range sorted {
		pos[node] = i
	}
	assert.Less(t, pos[left], pos[last])
	assert.Less(t, pos[right], pos[last])
}

func TestTopologicalOrderDetectsCycle(t *testing.T) {
	g := NewGraph()
	addTestNode(t, g, OpIdentity, "a", []string{"u"}, []string{"v"})
	addTestNode(t, g, OpIdentity, "b", []string{"v"}, []string{"u"})

	_, err := g.TopologicalOrder()
	require.Error(t, err)
	var invalid *InvalidModelError
	assert.True(t, errors.As(err, &invalid))
	assert.Error(t, g.Validate())
}

func TestValidateRejectsDanglingReference(t *testing.T) {
	g := NewGraph()
	g.AddInput("x")
	addTestNode(t, g, OpAdd, "add", []string{"x", "ghost"}, []string{"y"})
	g.AddOutput("y")

	err := g.Validate()
	require.Error(t, err)
	var invalid *InvalidModelError
	assert.True(t, errors.As(err, &invalid))
}

func TestRemoveUnusedInitializers(t *testing.T) {
	g := NewGraph()
	g.AddInput("x")
	addFloatInit(t, g, "used", nil, []float32{1})
	addFloatInit(t, g, "orphan1", nil, []float32{2})
	addFloatInit(t, g, "orphan2", nil, []float32{3})
	addTestNode(t, g, OpMul, "mul", []string{"x", "used"}, []string{"y"})
	g.AddOutput("y")

	assert.Equal(t, 2, g.RemoveUnusedInitializers())
	assert.NotNil(t, g.Initializer("used"))
	assert.Nil(t, g.Initializer("orphan1"))
	assert.Nil(t, g.Initializer("orphan2"))
	assert.Equal(t, 0, g.RemoveUnusedInitializers())
}
