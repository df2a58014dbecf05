package ortnative_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/onnx-optimizer/optimizer"
	"github.com/gomlx/onnx-optimizer/optimizer/graphtest"
	"github.com/gomlx/onnx-optimizer/ortnative"
)

// pipelineRunner substitutes the native optimizer with the in-process pass
// pipeline: the two entry points promise equivalent (not identical) results,
// so both are checked against the same reference node counts.
type pipelineRunner struct {
	build      func() *optimizer.Model
	modelType  optimizer.ModelType
	numHeads   int
	hiddenSize int

	report  *optimizer.Report
	gotGPU  bool
	invoked int
}

func (r *pipelineRunner) Run(_ context.Context, _ string, useGPU bool, outputPath string) error {
	r.invoked++
	r.gotGPU = useGPU
	report, err := optimizer.Optimize(r.build(), optimizer.Options{
		ModelType:  r.modelType,
		NumHeads:   r.numHeads,
		HiddenSize: r.hiddenSize,
		UseGPU:     useGPU,
	})
	if err != nil {
		return err
	}
	r.report = report
	return os.WriteFile(outputPath, []byte("optimized"), 0o644)
}

func writeModelFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model.onnx")
	require.NoError(t, os.WriteFile(path, []byte("model"), 0o644))
	return path
}

func TestOptimizeBertMatchesReferenceCounts(t *testing.T) {
	t.Setenv("ORT_SO_PATH", "")
	for _, useGPU := range []bool{false, true} {
		runner := &pipelineRunner{
			build:      func() *optimizer.Model { return graphtest.BuildBert(12, 8, 2, graphtest.BertDefault) },
			modelType:  optimizer.ModelTypeBert,
			numHeads:   2,
			hiddenSize: 8,
		}
		outPath := filepath.Join(t.TempDir(), "optimized.onnx")
		err := ortnative.NewWith(runner).Optimize(context.Background(), writeModelFile(t), useGPU, outPath)
		require.NoError(t, err)
		require.Equal(t, 1, runner.invoked)
		assert.Equal(t, useGPU, runner.gotGPU)

		report := runner.report
		assert.Equal(t, 1, report.Count(optimizer.OpEmbedLayerNormalization))
		assert.Equal(t, 12, report.Count(optimizer.OpAttention))
		assert.Equal(t, 24, report.Count(optimizer.OpSkipLayerNormalization))
		if useGPU {
			assert.Equal(t, 12, report.Count(optimizer.OpFastGelu))
			assert.Equal(t, 0, report.Count(optimizer.OpBiasGelu))
		} else {
			assert.Equal(t, 12, report.Count(optimizer.OpBiasGelu))
			assert.Equal(t, 0, report.Count(optimizer.OpFastGelu))
		}
		assert.True(t, report.IsFullyOptimized())

		written, err := os.ReadFile(outPath)
		require.NoError(t, err)
		assert.Equal(t, "optimized", string(written))
	}
}

func TestOptimizeGPT2MatchesReferenceCounts(t *testing.T) {
	t.Setenv("ORT_SO_PATH", "")
	runner := &pipelineRunner{
		build:      func() *optimizer.Model { return graphtest.BuildGPT2(12, 4, 2, true) },
		modelType:  optimizer.ModelTypeGPT2,
		numHeads:   2,
		hiddenSize: 4,
	}
	outPath := filepath.Join(t.TempDir(), "optimized.onnx")
	err := ortnative.NewWith(runner).Optimize(context.Background(), writeModelFile(t), false, outPath)
	require.NoError(t, err)

	report := runner.report
	assert.Equal(t, 12, report.Count(optimizer.OpAttention))
	assert.Equal(t, 12, report.Count(optimizer.OpFastGelu))
	assert.Equal(t, 25, report.Count(optimizer.OpLayerNormalization))
	assert.Equal(t, 0, report.Count(optimizer.OpEmbedLayerNormalization))
	assert.Equal(t, 0, report.Count(optimizer.OpSkipLayerNormalization))
	assert.True(t, report.IsFullyOptimized())
}

type failRunner struct{}

func (failRunner) Run(context.Context, string, bool, string) error {
	return errors.New("native optimizer exploded")
}

func TestOptimizePropagatesRunnerError(t *testing.T) {
	t.Setenv("ORT_SO_PATH", "")
	err := ortnative.NewWith(failRunner{}).Optimize(context.Background(), writeModelFile(t),
		false, filepath.Join(t.TempDir(), "out.onnx"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "native optimizer exploded")
}

func TestOptimizeRejectsBadPaths(t *testing.T) {
	t.Setenv("ORT_SO_PATH", "")
	o := ortnative.NewWith(failRunner{})
	err := o.Optimize(context.Background(), "", false, "out.onnx")
	require.Error(t, err)
	err = o.Optimize(context.Background(), filepath.Join(t.TempDir(), "missing.onnx"), false, "out.onnx")
	require.Error(t, err)
}
