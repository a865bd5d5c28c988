// Package artifact builds, optimizes, saves and runs the portable inference artifact of the
// model: an ONNX graph with its weights embedded as initializers.
//
// The artifact has one input named InputName, shaped [batch_size, planes, height, width], and
// two outputs named ValueOutput ([batch_size, 1]) and PolicyOutput ([batch_size, actions]).
// The batch dimension is symbolic (BatchDim), so any batch size is accepted.
package artifact

import (
	"fmt"

	"github.com/advancedclimatesystems/gonnx/onnx"
	"github.com/pkg/errors"
)

// Names used by the artifact interface.
const (
	InputName    = "input"
	ValueOutput  = "value"
	PolicyOutput = "policy"

	// BatchDim is the symbolic name of the dynamic leading dimension.
	BatchDim = "batch_size"

	// Dynamic marks a dimension as BatchDim when passed to Builder.Input or Builder.Output.
	Dynamic = -1
)

// ONNX versions emitted: IR version 7 and the default domain at opset 13.
const (
	IRVersion    = 7
	OpsetVersion = 13
)

// ErrUnsupportedOp is returned when a model contains an operation with no ONNX lowering.
var ErrUnsupportedOp = errors.New("operation not supported by the ONNX export")

// Builder incrementally creates an ONNX graph.
// Nodes must be added in topological order.
type Builder struct {
	graph    *onnx.GraphProto
	metadata []*onnx.StringStringEntryProto
	used     map[string]int
}

// NewBuilder returns an empty graph builder.
func NewBuilder(name string) *Builder {
	return &Builder{
		graph: &onnx.GraphProto{Name: name},
		used:  make(map[string]int),
	}
}

// uniqueName returns name, or name suffixed with a counter if it was already used.
func (b *Builder) uniqueName(name string) string {
	count := b.used[name]
	b.used[name] = count + 1
	if count == 0 {
		return name
	}
	return fmt.Sprintf("%s_%d", name, count)
}

func tensorType(dims []int) *onnx.TypeProto {
	shape := &onnx.TensorShapeProto{}
	for _, dim := range dims {
		if dim == Dynamic {
			shape.Dim = append(shape.Dim, &onnx.TensorShapeProto_Dimension{
				Value: &onnx.TensorShapeProto_Dimension_DimParam{DimParam: BatchDim},
			})
		} else {
			shape.Dim = append(shape.Dim, &onnx.TensorShapeProto_Dimension{
				Value: &onnx.TensorShapeProto_Dimension_DimValue{DimValue: int64(dim)},
			})
		}
	}
	return &onnx.TypeProto{
		Value: &onnx.TypeProto_TensorType{
			TensorType: &onnx.TypeProto_Tensor{
				ElemType: int32(onnx.TensorProto_FLOAT),
				Shape:    shape,
			},
		},
	}
}

// Input declares a float32 graph input. Use Dynamic for the batch dimension.
func (b *Builder) Input(name string, dims ...int) string {
	name = b.uniqueName(name)
	b.graph.Input = append(b.graph.Input, &onnx.ValueInfoProto{Name: name, Type: tensorType(dims)})
	return name
}

// Output declares the tensor produced by a node as a graph output, renaming it to name.
func (b *Builder) Output(tensor, name string, dims ...int) error {
	producer := b.producer(tensor)
	if producer == nil {
		return errors.Errorf("output %q: tensor %q is not produced by any node", name, tensor)
	}
	b.rename(tensor, name)
	b.graph.Output = append(b.graph.Output, &onnx.ValueInfoProto{Name: name, Type: tensorType(dims)})
	return nil
}

// producer returns the node that outputs tensor, or nil.
func (b *Builder) producer(tensor string) *onnx.NodeProto {
	for _, node := range b.graph.Node {
		for _, output := range node.Output {
			if output == tensor {
				return node
			}
		}
	}
	return nil
}

// rename every reference to tensor.
func (b *Builder) rename(tensor, name string) {
	for _, node := range b.graph.Node {
		for ii := range node.Input {
			if node.Input[ii] == tensor {
				node.Input[ii] = name
			}
		}
		for ii := range node.Output {
			if node.Output[ii] == tensor {
				node.Output[ii] = name
			}
		}
	}
}

// Initializer adds a constant float32 tensor (a weight) and returns its name.
func (b *Builder) Initializer(name string, dims []int, values []float32) (string, error) {
	size := 1
	for _, dim := range dims {
		size *= dim
	}
	if size != len(values) {
		return "", errors.Errorf("initializer %q shaped %v requires %d values, got %d", name, dims, size, len(values))
	}
	name = b.uniqueName(name)
	b.graph.Initializer = append(b.graph.Initializer, newFloatTensor(name, dims, values))
	return name, nil
}

func newFloatTensor(name string, dims []int, values []float32) *onnx.TensorProto {
	dims64 := make([]int64, len(dims))
	for ii, dim := range dims {
		dims64[ii] = int64(dim)
	}
	return &onnx.TensorProto{
		Name:      name,
		Dims:      dims64,
		DataType:  int32(onnx.TensorProto_FLOAT),
		FloatData: values,
	}
}

// Node adds a node of the given operator type and returns the name of its (single) output.
func (b *Builder) Node(opType, name string, inputs []string, attributes ...*onnx.AttributeProto) string {
	name = b.uniqueName(name)
	output := name + "_output"
	b.graph.Node = append(b.graph.Node, &onnx.NodeProto{
		Name:      name,
		OpType:    opType,
		Input:     inputs,
		Output:    []string{output},
		Attribute: attributes,
	})
	return output
}

// Metadata adds a key/value pair to the model metadata.
func (b *Builder) Metadata(key, value string) {
	b.metadata = append(b.metadata, &onnx.StringStringEntryProto{Key: key, Value: value})
}

// Model returns the ONNX model wrapping the graph built so far.
func (b *Builder) Model() *onnx.ModelProto {
	return &onnx.ModelProto{
		IrVersion:       IRVersion,
		OpsetImport:     []*onnx.OperatorSetIdProto{{Domain: "", Version: OpsetVersion}},
		ProducerName:    "othelloGo",
		ProducerVersion: "0.1.0",
		ModelVersion:    1,
		Graph:           b.graph,
		MetadataProps:   b.metadata,
	}
}

// IntAttr creates an integer attribute.
func IntAttr(name string, value int) *onnx.AttributeProto {
	return &onnx.AttributeProto{Name: name, Type: onnx.AttributeProto_INT, I: int64(value)}
}

// IntsAttr creates an attribute with a list of integers.
func IntsAttr(name string, values ...int) *onnx.AttributeProto {
	ints := make([]int64, len(values))
	for ii, v := range values {
		ints[ii] = int64(v)
	}
	return &onnx.AttributeProto{Name: name, Type: onnx.AttributeProto_INTS, Ints: ints}
}

// FloatAttr creates a float attribute.
func FloatAttr(name string, value float32) *onnx.AttributeProto {
	return &onnx.AttributeProto{Name: name, Type: onnx.AttributeProto_FLOAT, F: value}
}
