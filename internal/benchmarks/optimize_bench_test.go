// Package benchmarks measures the fusion pipeline over the synthetic
// transformer graphs from graphtest. Run with:
//
//	go test ./internal/benchmarks -test.v -bench_duration=10s
package benchmarks

import (
	"flag"
	"fmt"
	"testing"

	"github.com/janpfeifer/go-benchmarks"
	"github.com/janpfeifer/must"

	"github.com/gomlx/onnx-optimizer/optimizer"
	"github.com/gomlx/onnx-optimizer/optimizer/graphtest"
)

var flagBenchDuration = flag.Duration("bench_duration", 0,
	"Benchmark duration, typically use 10 seconds. If left as 0, benchmark tests are disabled")

func benchmarkOptimize(name string, build func() *optimizer.Model, opts optimizer.Options, withHeader bool) {
	benchFn := benchmarks.NamedFunction{
		Name: fmt.Sprintf("Optimize/%s", name),
		Func: func() {
			m := build()
			must.M1(optimizer.Optimize(m, opts))
		},
	}
	buildFn := benchmarks.NamedFunction{
		Name: fmt.Sprintf("BuildOnly/%s", name),
		Func: func() {
			_ = build()
		},
	}
	benchmarks.New(benchFn, buildFn).
		WithWarmUps(16).
		WithDuration(*flagBenchDuration).
		WithHeader(withHeader).
		Done()
}

func TestBenchOptimizeBert(t *testing.T) {
	if testing.Short() || *flagBenchDuration == 0 {
		t.Skip("Benchmarks disabled, use -bench_duration to enable.")
	}
	for i, layers := range []int{1, 12, 48} {
		benchmarkOptimize(
			fmt.Sprintf("bert/layers=%02d", layers),
			func() *optimizer.Model { return graphtest.BuildBert(layers, 8, 2, graphtest.BertDefault) },
			optimizer.Options{ModelType: optimizer.ModelTypeBert, NumHeads: 2, HiddenSize: 8},
			i == 0)
	}
}

func TestBenchOptimizeGPT2(t *testing.T) {
	if testing.Short() || *flagBenchDuration == 0 {
		t.Skip("Benchmarks disabled, use -bench_duration to enable.")
	}
	for i, layers := range []int{1, 12, 48} {
		benchmarkOptimize(
			fmt.Sprintf("gpt2/layers=%02d", layers),
			func() *optimizer.Model { return graphtest.BuildGPT2(layers, 4, 2, false) },
			optimizer.Options{ModelType: optimizer.ModelTypeGPT2, NumHeads: 2, HiddenSize: 4},
			i == 0)
	}
}
