package optimizer_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/onnx-optimizer/optimizer"
	"github.com/gomlx/onnx-optimizer/optimizer/graphtest"
)

// assertCounts compares the report against literal expected per-op counts.
func assertCounts(t *testing.T, report *optimizer.Report, expected map[optimizer.OpType]int) {
	t.Helper()
	for op, n := range expected {
		assert.Equal(t, n, report.Count(op), "op %s (report: %s)", op, report)
	}
}

func TestOptimizeBertCPU(t *testing.T) {
	m := graphtest.BuildBert(12, 8, 2, graphtest.BertDefault)
	report, err := optimizer.Optimize(m, optimizer.Options{
		ModelType: optimizer.ModelTypeBert, NumHeads: 2, HiddenSize: 8,
	})
	require.NoError(t, err)
	assertCounts(t, report, map[optimizer.OpType]int{
		optimizer.OpEmbedLayerNormalization: 1,
		optimizer.OpAttention:               12,
		optimizer.OpSkipLayerNormalization:  24,
		optimizer.OpBiasGelu:                12,
		optimizer.OpGelu:                    0,
		optimizer.OpFastGelu:                0,
		optimizer.OpLayerNormalization:      0,
	})
	assert.True(t, report.IsFullyOptimized())
	require.NoError(t, m.Graph.Validate())
}

func TestOptimizeBertGPU(t *testing.T) {
	m := graphtest.BuildBert(12, 8, 2, graphtest.BertDefault)
	report, err := optimizer.Optimize(m, optimizer.Options{
		ModelType: optimizer.ModelTypeBert, NumHeads: 2, HiddenSize: 8, UseGPU: true,
	})
	require.NoError(t, err)
	assertCounts(t, report, map[optimizer.OpType]int{
		optimizer.OpEmbedLayerNormalization: 1,
		optimizer.OpAttention:               12,
		optimizer.OpSkipLayerNormalization:  24,
		optimizer.OpFastGelu:                12,
		optimizer.OpBiasGelu:                0,
		optimizer.OpGelu:                    0,
		optimizer.OpLayerNormalization:      0,
	})
	assert.True(t, report.IsFullyOptimized())
}

func TestOptimizeBertKeras(t *testing.T) {
	// The casts between the residual adds and their normalizations block
	// residual-normalization fusion: those normalization nodes stay, and
	// that is the expected outcome, not a missed fusion.
	m := graphtest.BuildBert(12, 8, 2, graphtest.BertCastBeforeLayerNorm)
	report, err := optimizer.Optimize(m, optimizer.Options{
		ModelType: optimizer.ModelTypeBertKeras, NumHeads: 2, HiddenSize: 8,
	})
	require.NoError(t, err)
	assertCounts(t, report, map[optimizer.OpType]int{
		optimizer.OpEmbedLayerNormalization: 1,
		optimizer.OpAttention:               12,
		optimizer.OpLayerNormalization:      24,
		optimizer.OpSkipLayerNormalization:  0,
		optimizer.OpBiasGelu:                12,
	})
	assert.False(t, report.IsFullyOptimized())
	require.NoError(t, m.Graph.Validate())
}

func TestOptimizeGPT2(t *testing.T) {
	for _, withPast := range []bool{false, true} {
		name := "no_past"
		if withPast {
			name = "with_past"
		}
		t.Run(name, func(t *testing.T) {
			m := graphtest.BuildGPT2(12, 4, 2, withPast)
			report, err := optimizer.Optimize(m, optimizer.Options{
				ModelType: optimizer.ModelTypeGPT2, NumHeads: 2, HiddenSize: 4,
			})
			require.NoError(t, err)
			assertCounts(t, report, map[optimizer.OpType]int{
				optimizer.OpAttention:               12,
				optimizer.OpFastGelu:                12,
				optimizer.OpLayerNormalization:      25,
				optimizer.OpEmbedLayerNormalization: 0,
				optimizer.OpSkipLayerNormalization:  0,
				optimizer.OpGelu:                    0,
				optimizer.OpBiasGelu:                0,
			})
			assert.True(t, report.IsFullyOptimized())
			require.NoError(t, m.Graph.Validate())
		})
	}
}

func TestOptimizeIdempotent(t *testing.T) {
	m := graphtest.BuildBert(4, 8, 2, graphtest.BertDefault)
	opts := optimizer.Options{ModelType: optimizer.ModelTypeBert, NumHeads: 2, HiddenSize: 8}

	first, err := optimizer.Optimize(m, opts)
	require.NoError(t, err)
	nodes := m.Graph.NumNodes()

	second, err := optimizer.Optimize(m, opts)
	require.NoError(t, err)
	assert.Equal(t, first.FusedCounts(), second.FusedCounts())
	assert.Equal(t, first.IsFullyOptimized(), second.IsFullyOptimized())
	assert.Equal(t, nodes, m.Graph.NumNodes(), "a second run must not rewrite anything")
}

func TestOptimizeDeterministic(t *testing.T) {
	opts := optimizer.Options{ModelType: optimizer.ModelTypeBert, NumHeads: 2, HiddenSize: 8}
	a, err := optimizer.Optimize(graphtest.BuildBert(6, 8, 2, graphtest.BertDefault), opts)
	require.NoError(t, err)
	b, err := optimizer.Optimize(graphtest.BuildBert(6, 8, 2, graphtest.BertDefault), opts)
	require.NoError(t, err)
	assert.Equal(t, a.FusedCounts(), b.FusedCounts())
	assert.Equal(t, a.IsFullyOptimized(), b.IsFullyOptimized())
	assert.Equal(t, a.String(), b.String())
}

func TestUseGPUOnlyShiftsGeluFamily(t *testing.T) {
	base := optimizer.Options{ModelType: optimizer.ModelTypeBert, NumHeads: 2, HiddenSize: 8}
	cpu, err := optimizer.Optimize(graphtest.BuildBert(5, 8, 2, graphtest.BertDefault), base)
	require.NoError(t, err)
	gpuOpts := base
	gpuOpts.UseGPU = true
	gpu, err := optimizer.Optimize(graphtest.BuildBert(5, 8, 2, graphtest.BertDefault), gpuOpts)
	require.NoError(t, err)

	assert.Equal(t, cpu.Count(optimizer.OpAttention), gpu.Count(optimizer.OpAttention))
	assert.Equal(t, cpu.Count(optimizer.OpEmbedLayerNormalization), gpu.Count(optimizer.OpEmbedLayerNormalization))
	assert.Equal(t, cpu.Count(optimizer.OpSkipLayerNormalization), gpu.Count(optimizer.OpSkipLayerNormalization))
	assert.Equal(t, cpu.Count(optimizer.OpLayerNormalization), gpu.Count(optimizer.OpLayerNormalization))

	total := func(r *optimizer.Report) int {
		return r.Count(optimizer.OpGelu) + r.Count(optimizer.OpFastGelu) + r.Count(optimizer.OpBiasGelu)
	}
	assert.Equal(t, total(cpu), total(gpu))
	assert.NotEqual(t, cpu.Count(optimizer.OpBiasGelu), gpu.Count(optimizer.OpBiasGelu))
}

func TestAttentionCountTracksLayerCount(t *testing.T) {
	for _, layers := range []int{1, 3, 7} {
		m := graphtest.BuildGPT2(layers, 4, 2, false)
		report, err := optimizer.Optimize(m, optimizer.Options{
			ModelType: optimizer.ModelTypeGPT2, NumHeads: 2, HiddenSize: 4,
		})
		require.NoError(t, err)
		assert.Equal(t, layers, report.Count(optimizer.OpAttention), "layers=%d", layers)
	}
}

func TestOptimizeMismatchedGeometryLeavesGraphUntouched(t *testing.T) {
	m := graphtest.BuildBert(2, 8, 2, graphtest.BertDefault)
	before := m.Graph.NumNodes()
	// num_heads does not divide hidden_size: every attention attempt fails
	// with a shape inconsistency, everything else still fuses.
	report, err := optimizer.Optimize(m, optimizer.Options{
		ModelType: optimizer.ModelTypeBert, NumHeads: 3, HiddenSize: 8,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, report.Count(optimizer.OpAttention))
	assert.Equal(t, 2, report.Count(optimizer.OpBiasGelu))
	assert.False(t, report.IsFullyOptimized())
	assert.Less(t, m.Graph.NumNodes(), before)
	require.NoError(t, m.Graph.Validate())
}

func TestOptimizeRejectsBadOptions(t *testing.T) {
	m := graphtest.BuildBert(1, 8, 2, graphtest.BertDefault)
	_, err := optimizer.Optimize(m, optimizer.Options{ModelType: optimizer.ModelTypeBert})
	require.Error(t, err)
	_, err = optimizer.Optimize(nil, optimizer.Options{ModelType: optimizer.ModelTypeBert, NumHeads: 2, HiddenSize: 8})
	require.Error(t, err)
}
