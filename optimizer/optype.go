package optimizer

// OpType is a closed enumeration of the operator types the fusion engine knows
// about. Anything else a graph may carry maps to OpUnknown and is passed
// through untouched -- the engine never needs to interpret it.
type OpType int

const (
	OpUnknown OpType = iota

	// Raw ops: the pre-fusion constituents the pattern passes read.
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpPow
	OpSqrt
	OpErf
	OpTanh
	OpMatMul
	OpGather
	OpReshape
	OpTranspose
	OpSoftmax
	OpCast
	OpConcat
	OpConstant
	OpIdentity
	OpLayerNormalization

	// Fused ops emitted by the pattern passes.
	OpEmbedLayerNormalization
	OpAttention
	OpSkipLayerNormalization
	OpGelu
	OpFastGelu
	OpBiasGelu
)

var opTypeNames = map[OpType]string{
	OpUnknown:                 "Unknown",
	OpAdd:                     "Add",
	OpSub:                     "Sub",
	OpMul:                     "Mul",
	OpDiv:                     "Div",
	OpPow:                     "Pow",
	OpSqrt:                    "Sqrt",
	OpErf:                     "Erf",
	OpTanh:                    "Tanh",
	OpMatMul:                  "MatMul",
	OpGather:                  "Gather",
	OpReshape:                 "Reshape",
	OpTranspose:               "Transpose",
	OpSoftmax:                 "Softmax",
	OpCast:                    "Cast",
	OpConcat:                  "Concat",
	OpConstant:                "Constant",
	OpIdentity:                "Identity",
	OpLayerNormalization:      "LayerNormalization",
	OpEmbedLayerNormalization: "EmbedLayerNormalization",
	OpAttention:               "Attention",
	OpSkipLayerNormalization:  "SkipLayerNormalization",
	OpGelu:                    "Gelu",
	OpFastGelu:                "FastGelu",
	OpBiasGelu:                "BiasGelu",
}

var opTypeByName = func() map[string]OpType {
	m := make(map[string]OpType, len(opTypeNames))
	for op, name := range opTypeNames {
		m[name] = op
	}
	return m
}()

// String returns the interchange-format spelling of the op type.
func (op OpType) String() string {
	if name, found := opTypeNames[op]; found {
		return name
	}
	return "Unknown"
}

// ParseOpType maps an interchange-format op-type string to the enumeration.
// Unrecognized strings map to OpUnknown: the engine treats those nodes as
// opaque passthrough.
func ParseOpType(name string) OpType {
	if op, found := opTypeByName[name]; found {
		return op
	}
	return OpUnknown
}

// DType enumerates the tensor element types the fusion passes need to read.
type DType int

const (
	DTypeFloat32 DType = iota
	DTypeFloat16
	DTypeFloat64
	DTypeInt32
	DTypeInt64
)

// AttrType tags which field of an Attribute carries the value.
type AttrType int

const (
	AttrInt AttrType = iota
	AttrInts
	AttrFloat
	AttrString
	AttrTensor
)

// Attribute is a named node attribute. Only the field selected by Type is
// meaningful.
type Attribute struct {
	Name string
	Type AttrType

	I    int64
	Ints []int64
	F    float32
	S    string
	T    *Initializer
}

// IntAttr builds an integer attribute.
func IntAttr(name string, value int64) *Attribute {
	return &Attribute{Name: name, Type: AttrInt, I: value}
}

// IntsAttr builds an integer-list attribute.
func IntsAttr(name string, values ...int64) *Attribute {
	return &Attribute{Name: name, Type: AttrInts, Ints: values}
}

// FloatAttr builds a float attribute.
func FloatAttr(name string, value float32) *Attribute {
	return &Attribute{Name: name, Type: AttrFloat, F: value}
}

// getIntAttrOr gets an integer attribute for node if present or returns the given defaultValue.
func getIntAttrOr(node *Node, attrName string, defaultValue int) int {
	for _, attr := range node.Attrs {
		if attr.Name == attrName && attr.Type == AttrInt {
			return int(attr.I)
		}
	}
	return defaultValue
}

// getIntsAttrOr gets an integer list attribute for node if present or returns the given defaultValues.
func getIntsAttrOr(node *Node, attrName string, defaultValues []int64) []int64 {
	for _, attr := range node.Attrs {
		if attr.Name == attrName && attr.Type == AttrInts {
			return attr.Ints
		}
	}
	return defaultValues
}
