// Package optimizer rewrites decoded transformer computation graphs into
// semantically equivalent graphs built from fewer, coarser fused operators:
// EmbedLayerNormalization, Attention, SkipLayerNormalization and the Gelu
// family.
//
//   - Model/Graph: the in-memory graph representation, with maintained
//     producer/consumer and op-type indices and an atomic subgraph-replacement
//     primitive. Decoding from and encoding to interchange-format bytes is the
//     caller's responsibility; this package never touches raw bytes.
//   - Optimize: runs the model-type-specific ordered sequence of pattern
//     passes, each exactly once, and returns a Report of fused-node counts.
//
// A single Model must not be optimized by two pipelines concurrently;
// independent models can be optimized concurrently by independent callers.
package optimizer

import (
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Model is a Graph plus read-only metadata. A pass may read OpsetVersion to
// pick a variant-compatible fused op; nothing in this package writes the
// metadata.
type Model struct {
	Graph *Graph

	OpsetVersion int64
	Producer     string
}

// NewModel wraps a graph with its metadata.
func NewModel(g *Graph, opsetVersion int64, producer string) *Model {
	return &Model{Graph: g, OpsetVersion: opsetVersion, Producer: producer}
}

// ModelType selects the pass ordering for an exporter family.
type ModelType int

const (
	// ModelTypeBert is the default transformer export.
	ModelTypeBert ModelType = iota
	// ModelTypeBertKeras is the alternate exporter convention (keras2onnx
	// style, with casts between residual adds and normalization).
	ModelTypeBertKeras
	// ModelTypeGPT2 is the autoregressive decoder-only export.
	ModelTypeGPT2
)

var modelTypeNames = map[ModelType]string{
	ModelTypeBert:      "bert",
	ModelTypeBertKeras: "bert_keras",
	ModelTypeGPT2:      "gpt2",
}

func (mt ModelType) String() string {
	if name, found := modelTypeNames[mt]; found {
		return name
	}
	return "invalid"
}

// ParseModelType maps an exporter-family key ("bert", "bert_keras", "gpt2")
// to its ModelType.
func ParseModelType(name string) (ModelType, error) {
	for mt, n := range modelTypeNames {
		if n == name {
			return mt, nil
		}
	}
	return 0, errors.Errorf("unknown model type %q", name)
}

// Options carries the caller-supplied parameters of one optimization run.
// NumHeads and HiddenSize describe the attention geometry (they are not
// always recoverable from the graph alone); UseGPU only influences which
// Gelu-family op the activation pass emits.
type Options struct {
	ModelType  ModelType
	NumHeads   int
	HiddenSize int
	UseGPU     bool
}

// passRegistry is the fixed mapping from exporter family to ordered pass
// list. Each pass runs exactly once, in this order -- not to a fixed point:
// later passes consume the shapes earlier passes produce (embedding fusion
// before attention, residual-normalization last). The decoder-only pipeline
// carries no embedding or residual-normalization pass: those idioms never
// appear in a fusable form in that export.
var passRegistry = map[ModelType][]fusionPass{
	ModelTypeBert:      {embedLayerNormFusion{}, attentionFusion{}, geluFusion{}, skipLayerNormFusion{}},
	ModelTypeBertKeras: {embedLayerNormFusion{}, geluFusion{}, attentionFusion{}, skipLayerNormFusion{}},
	ModelTypeGPT2:      {attentionFusion{}, geluFusion{}},
}

// Optimize runs the pass pipeline selected by opts.ModelType over the model's
// graph, mutating it in place, and returns the optimization report.
//
// Pattern mismatches and shape inconsistencies never escape their pass; only
// an InvalidModelError aborts the run. A true IsFullyOptimized is not
// guaranteed: callers inspect the report to detect "ran fine, but not
// everything fusable was fused".
func Optimize(m *Model, opts Options) (*Report, error) {
	if m == nil || m.Graph == nil {
		return nil, errors.New("Optimize: nil model")
	}
	if opts.NumHeads <= 0 || opts.HiddenSize <= 0 {
		return nil, errors.Errorf("Optimize: num_heads (%d) and hidden_size (%d) must be positive",
			opts.NumHeads, opts.HiddenSize)
	}
	passes, found := passRegistry[opts.ModelType]
	if !found {
		return nil, errors.Errorf("Optimize: no pass pipeline registered for model type %q", opts.ModelType)
	}

	for _, pass := range passes {
		var fused int
		err := exceptions.TryCatch[error](func() {
			var passErr error
			fused, passErr = pass.Apply(m, opts)
			if passErr != nil {
				panic(passErr)
			}
		})
		if err != nil {
			return nil, errors.WithMessagef(err, "Optimize: %s pass failed", pass.Name())
		}
		klog.V(1).Infof("%s fusion: %d node(s) fused (model_type=%s)", pass.Name(), fused, opts.ModelType)
	}

	if removed := m.Graph.RemoveUnusedInitializers(); removed > 0 {
		klog.V(2).Infof("post-fusion cleanup removed %d unreferenced initializer(s)", removed)
	}
	report := buildReport(m.Graph, passes)
	klog.V(1).Infof("fused operator statistics: %s", report)
	return report, nil
}
