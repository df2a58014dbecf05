// Package graphtest builds synthetic transformer graphs in the decomposed
// form exporters emit them, for exercising the fusion passes. The graphs are
// structurally faithful (every idiom the passes match is present, with real
// initializer data) but tiny: a handful of hidden units instead of hundreds.
package graphtest

import (
	"fmt"

	"github.com/chewxy/math32"
	"github.com/gomlx/exceptions"
	"github.com/janpfeifer/must"

	"github.com/gomlx/onnx-optimizer/optimizer"
)

// BertVariant selects the exporter flavor of a BuildBert graph.
type BertVariant int

const (
	// BertDefault is the standard export: every residual add feeds its
	// normalization directly, so all of them are skip-fusable.
	BertDefault BertVariant = iota
	// BertCastBeforeLayerNorm inserts a Cast between each residual add and
	// its normalization, the way some Keras-derived exports do. The casts
	// block residual-normalization fusion, leaving those normalization nodes
	// standalone.
	BertCastBeforeLayerNorm
)

const (
	vocabSize   = 100
	maxPosition = 20
)

type builder struct {
	g *optimizer.Graph
}

func (b *builder) node(op optimizer.OpType, name string, inputs, outputs []string, attrs ...*optimizer.Attribute) {
	must.M(b.g.AddNode(optimizer.NewNode(op, name, inputs, outputs, attrs...)))
}

// tensor adds a float initializer with deterministic filler data.
func (b *builder) tensor(name string, dims ...int64) string {
	n := int64(1)
	for _, d := range dims {
		n *= d
	}
	data := make([]float32, n)
	for i := range data {
		data[i] = float32(i%13)*0.01 - 0.06
	}
	must.M(b.g.AddInitializer(&optimizer.Initializer{
		Name:      name,
		DType:     optimizer.DTypeFloat32,
		Dims:      dims,
		FloatData: data,
	}))
	return name
}

func (b *builder) scalar(name string, v float32) string {
	must.M(b.g.AddInitializer(&optimizer.Initializer{
		Name:      name,
		DType:     optimizer.DTypeFloat32,
		FloatData: []float32{v},
	}))
	return name
}

// shape adds an int64 initializer, as consumed by Reshape.
func (b *builder) shape(name string, dims ...int64) string {
	must.M(b.g.AddInitializer(&optimizer.Initializer{
		Name:      name,
		DType:     optimizer.DTypeInt64,
		Dims:      []int64{int64(len(dims))},
		Int64Data: dims,
	}))
	return name
}

// layerNorm emits x -> LayerNormalization(gamma, beta) -> out, creating fresh
// scale/bias initializers.
func (b *builder) layerNorm(prefix, x string, hidden int64) string {
	gamma := b.tensor(prefix+"_gamma", hidden)
	beta := b.tensor(prefix+"_beta", hidden)
	out := prefix + "_out"
	b.node(optimizer.OpLayerNormalization, prefix, []string{x, gamma, beta}, []string{out},
		optimizer.FloatAttr("epsilon", 1e-12))
	return out
}

// attention emits the full decomposed multi-head attention block reading the
// root tensor and the mask, and returns the head-merge reshape output.
func (b *builder) attention(prefix, root, mask string, hidden int64, heads int64) string {
	splitShape := b.shape(prefix+"_split_shape", 0, 0, heads, hidden/heads)
	mergeShape := b.shape(prefix+"_merge_shape", 0, 0, hidden)
	scale := b.scalar(prefix+"_scale", math32.Sqrt(float32(hidden/heads)))

	proj := func(which string, perm ...int64) string {
		p := prefix + "_" + which
		w := b.tensor(p+"_weight", hidden, hidden)
		bias := b.tensor(p+"_bias", hidden)
		b.node(optimizer.OpMatMul, p+"_matmul", []string{root, w}, []string{p + "_matmul_out"})
		b.node(optimizer.OpAdd, p+"_add", []string{p + "_matmul_out", bias}, []string{p + "_add_out"})
		b.node(optimizer.OpReshape, p+"_reshape", []string{p + "_add_out", splitShape}, []string{p + "_reshape_out"})
		b.node(optimizer.OpTranspose, p+"_transpose", []string{p + "_reshape_out"}, []string{p + "_transpose_out"},
			optimizer.IntsAttr("perm", perm...))
		return p + "_transpose_out"
	}
	q := proj("query", 0, 2, 1, 3)
	k := proj("key", 0, 2, 3, 1)
	v := proj("value", 0, 2, 1, 3)

	b.node(optimizer.OpMatMul, prefix+"_qk", []string{q, k}, []string{prefix + "_qk_out"})
	b.node(optimizer.OpDiv, prefix+"_scaled", []string{prefix + "_qk_out", scale}, []string{prefix + "_scaled_out"})
	b.node(optimizer.OpAdd, prefix+"_masked", []string{prefix + "_scaled_out", mask}, []string{prefix + "_masked_out"})
	b.node(optimizer.OpSoftmax, prefix+"_softmax", []string{prefix + "_masked_out"}, []string{prefix + "_probs"},
		optimizer.IntAttr("axis", -1))
	b.node(optimizer.OpMatMul, prefix+"_context", []string{prefix + "_probs", v}, []string{prefix + "_context_out"})
	b.node(optimizer.OpTranspose, prefix+"_merge_transpose", []string{prefix + "_context_out"}, []string{prefix + "_merge_transpose_out"},
		optimizer.IntsAttr("perm", 0, 2, 1, 3))
	b.node(optimizer.OpReshape, prefix+"_merge", []string{prefix + "_merge_transpose_out", mergeShape}, []string{prefix + "_output"})
	return prefix + "_output"
}

// erfGelu emits the exact error-function activation reading x:
//
//	Div(x, √2) → Erf → Add(+1) → Mul(·, x) → Mul(·, 0.5)
func (b *builder) erfGelu(prefix, x string) string {
	sqrt2 := b.scalar(prefix+"_sqrt2", math32.Sqrt(2))
	one := b.scalar(prefix+"_one", 1)
	half := b.scalar(prefix+"_half", 0.5)
	b.node(optimizer.OpDiv, prefix+"_div", []string{x, sqrt2}, []string{prefix + "_div_out"})
	b.node(optimizer.OpErf, prefix+"_erf", []string{prefix + "_div_out"}, []string{prefix + "_erf_out"})
	b.node(optimizer.OpAdd, prefix+"_add1", []string{prefix + "_erf_out", one}, []string{prefix + "_add1_out"})
	b.node(optimizer.OpMul, prefix+"_mul", []string{prefix + "_add1_out", x}, []string{prefix + "_mul_out"})
	b.node(optimizer.OpMul, prefix+"_mul_half", []string{prefix + "_mul_out", half}, []string{prefix + "_output"})
	return prefix + "_output"
}

// tanhGelu emits the tanh polynomial approximation reading x, in the variant
// where 0.5 is applied to x before the final multiply:
//
//	Pow(x,3) → Mul(0.044715) → Add(x) → Mul(√(2/π)) → Tanh → Add(+1) → Mul(·, Mul(x, 0.5))
func (b *builder) tanhGelu(prefix, x string) string {
	three := b.scalar(prefix+"_three", 3)
	c := b.scalar(prefix+"_c", 0.044715)
	sqrt2pi := b.scalar(prefix+"_sqrt2pi", math32.Sqrt(2/math32.Pi))
	one := b.scalar(prefix+"_one", 1)
	half := b.scalar(prefix+"_half", 0.5)
	b.node(optimizer.OpPow, prefix+"_pow", []string{x, three}, []string{prefix + "_pow_out"})
	b.node(optimizer.OpMul, prefix+"_mul_c", []string{prefix + "_pow_out", c}, []string{prefix + "_mul_c_out"})
	b.node(optimizer.OpAdd, prefix+"_inner", []string{x, prefix + "_mul_c_out"}, []string{prefix + "_inner_out"})
	b.node(optimizer.OpMul, prefix+"_mul_s", []string{prefix + "_inner_out", sqrt2pi}, []string{prefix + "_mul_s_out"})
	b.node(optimizer.OpTanh, prefix+"_tanh", []string{prefix + "_mul_s_out"}, []string{prefix + "_tanh_out"})
	b.node(optimizer.OpAdd, prefix+"_add1", []string{prefix + "_tanh_out", one}, []string{prefix + "_add1_out"})
	b.node(optimizer.OpMul, prefix+"_half_x", []string{x, half}, []string{prefix + "_half_x_out"})
	b.node(optimizer.OpMul, prefix+"_mul", []string{prefix + "_add1_out", prefix + "_half_x_out"}, []string{prefix + "_output"})
	return prefix + "_output"
}

// dense emits MatMul(weight) -> Add(bias) and returns the bias-add output.
func (b *builder) dense(prefix, x string, in, out int64) string {
	w := b.tensor(prefix+"_weight", in, out)
	bias := b.tensor(prefix+"_bias", out)
	b.node(optimizer.OpMatMul, prefix+"_matmul", []string{x, w}, []string{prefix + "_matmul_out"})
	b.node(optimizer.OpAdd, prefix+"_add", []string{prefix + "_matmul_out", bias}, []string{prefix + "_output"})
	return prefix + "_output"
}

// maybeCast inserts a float32 Cast for the Keras-style variant and is a
// no-op otherwise.
func (b *builder) maybeCast(variant BertVariant, prefix, x string) string {
	if variant != BertCastBeforeLayerNorm {
		return x
	}
	b.node(optimizer.OpCast, prefix+"_cast", []string{x}, []string{prefix + "_cast_out"},
		optimizer.IntAttr("to", 1))
	return prefix + "_cast_out"
}

// BuildBert constructs an encoder graph in the decomposed exporter form:
// word/position/segment embedding lookups feeding a normalization, then the
// given number of layers of attention + residual normalization + exact-erf
// activation + residual normalization.
func BuildBert(layers int, hidden, heads int64, variant BertVariant) *optimizer.Model {
	if heads <= 0 || hidden%heads != 0 {
		exceptions.Panicf("BuildBert: hidden size %d must split evenly over %d heads", hidden, heads)
	}
	b := &builder{g: optimizer.NewGraph()}
	g := b.g
	g.AddInput("input_ids")
	g.AddInput("segment_ids")
	g.AddInput("position_ids")
	g.AddInput("attention_mask")

	// Embedding block. The word table is the largest, the segment table has
	// exactly two rows.
	wordTable := b.tensor("word_embeddings", vocabSize, hidden)
	posTable := b.tensor("position_embeddings", maxPosition, hidden)
	segTable := b.tensor("segment_embeddings", 2, hidden)
	b.node(optimizer.OpGather, "word_gather", []string{wordTable, "input_ids"}, []string{"word_embed"})
	b.node(optimizer.OpGather, "position_gather", []string{posTable, "position_ids"}, []string{"position_embed"})
	b.node(optimizer.OpAdd, "embed_sum_1", []string{"word_embed", "position_embed"}, []string{"embed_sum_1_out"})
	b.node(optimizer.OpGather, "segment_gather", []string{segTable, "segment_ids"}, []string{"segment_embed"})
	b.node(optimizer.OpAdd, "embed_sum_2", []string{"embed_sum_1_out", "segment_embed"}, []string{"embed_sum_2_out"})
	x := b.layerNorm("embed_ln", "embed_sum_2_out", hidden)

	for i := 0; i < layers; i++ {
		p := fmt.Sprintf("layer%d", i)

		attnOut := b.attention(p+"_attn", x, "attention_mask", hidden, heads)
		projOut := b.dense(p+"_attn_proj", attnOut, hidden, hidden)
		b.node(optimizer.OpAdd, p+"_attn_residual", []string{projOut, x}, []string{p + "_attn_residual_out"})
		lnIn := b.maybeCast(variant, p+"_attn_residual", p+"_attn_residual_out")
		x = b.layerNorm(p+"_attn_ln", lnIn, hidden)

		ffOut := b.dense(p+"_ff1", x, hidden, 4*hidden)
		geluOut := b.erfGelu(p+"_gelu", ffOut)
		ff2Out := b.dense(p+"_ff2", geluOut, 4*hidden, hidden)
		b.node(optimizer.OpAdd, p+"_ff_residual", []string{ff2Out, x}, []string{p + "_ff_residual_out"})
		lnIn = b.maybeCast(variant, p+"_ff_residual", p+"_ff_residual_out")
		x = b.layerNorm(p+"_ff_ln", lnIn, hidden)
	}

	g.AddOutput(x)
	return optimizer.NewModel(g, 12, "pytorch 1.12")
}

// BuildGPT2 constructs a pre-normalization decoder graph: token/position
// embedding lookups (no embedding normalization), then layers of
// LayerNormalization -> attention -> residual, LayerNormalization ->
// tanh-approximate activation MLP -> residual, closed by a final
// normalization. withPast adds the cached-state inputs an autoregressive
// export carries; they do not participate in any fusable idiom.
func BuildGPT2(layers int, hidden, heads int64, withPast bool) *optimizer.Model {
	if heads <= 0 || hidden%heads != 0 {
		exceptions.Panicf("BuildGPT2: hidden size %d must split evenly over %d heads", hidden, heads)
	}
	b := &builder{g: optimizer.NewGraph()}
	g := b.g
	g.AddInput("input_ids")
	g.AddInput("position_ids")
	g.AddInput("attention_mask")
	if withPast {
		for i := 0; i < layers; i++ {
			g.AddInput(fmt.Sprintf("past_%d", i))
		}
	}

	wte := b.tensor("wte", vocabSize, hidden)
	wpe := b.tensor("wpe", maxPosition, hidden)
	b.node(optimizer.OpGather, "wte_gather", []string{wte, "input_ids"}, []string{"wte_embed"})
	b.node(optimizer.OpGather, "wpe_gather", []string{wpe, "position_ids"}, []string{"wpe_embed"})
	b.node(optimizer.OpAdd, "embed_sum", []string{"wte_embed", "wpe_embed"}, []string{"hidden_0"})
	x := "hidden_0"

	for i := 0; i < layers; i++ {
		p := fmt.Sprintf("layer%d", i)

		ln1 := b.layerNorm(p+"_ln1", x, hidden)
		attnOut := b.attention(p+"_attn", ln1, "attention_mask", hidden, heads)
		projOut := b.dense(p+"_attn_proj", attnOut, hidden, hidden)
		b.node(optimizer.OpAdd, p+"_attn_residual", []string{projOut, x}, []string{p + "_attn_residual_out"})

		ln2 := b.layerNorm(p+"_ln2", p+"_attn_residual_out", hidden)
		ffOut := b.dense(p+"_ff1", ln2, hidden, 4*hidden)
		geluOut := b.tanhGelu(p+"_gelu", ffOut)
		ff2Out := b.dense(p+"_ff2", geluOut, 4*hidden, hidden)
		b.node(optimizer.OpAdd, p+"_ff_residual", []string{ff2Out, p + "_attn_residual_out"}, []string{p + "_hidden"})
		x = p + "_hidden"
	}

	final := b.layerNorm("final_ln", x, hidden)
	g.AddOutput(final)
	return optimizer.NewModel(g, 11, "pytorch 1.12")
}
