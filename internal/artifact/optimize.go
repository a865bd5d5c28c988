package artifact

import (
	"bytes"
	"encoding/binary"

	"github.com/advancedclimatesystems/gonnx/onnx"
	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// defaultBatchNormEpsilon is the ONNX default for BatchNormalization's epsilon attribute.
const defaultBatchNormEpsilon = 1e-5

// Optimize rewrites the model in place into an equivalent, smaller inference graph:
//
//   - BatchNormalization nodes fed exclusively by a Conv are folded into the Conv weights and bias.
//   - Initializers no longer referenced by any node are removed.
//
// Outputs change only by floating point rounding. It returns the number of folded nodes.
func Optimize(model *onnx.ModelProto) (numFolded int, err error) {
	graph := model.Graph
	if graph == nil {
		return 0, errors.New("model has no graph")
	}
	initializers := make(map[string]*onnx.TensorProto, len(graph.Initializer))
	for _, init := range graph.Initializer {
		initializers[init.Name] = init
	}
	consumers := make(map[string]int)
	for _, node := range graph.Node {
		for _, input := range node.Input {
			consumers[input]++
		}
	}
	for _, output := range graph.Output {
		consumers[output.Name]++
	}
	producers := make(map[string]*onnx.NodeProto)
	for _, node := range graph.Node {
		for _, output := range node.Output {
			producers[output] = node
		}
	}

	nodes := make([]*onnx.NodeProto, 0, len(graph.Node))
	for _, node := range graph.Node {
		if node.OpType == "BatchNormalization" && len(node.Input) == 5 {
			conv := producers[node.Input[0]]
			if conv != nil && conv.OpType == "Conv" && consumers[node.Input[0]] == 1 {
				if err := foldBatchNorm(graph, initializers, conv, node); err != nil {
					return numFolded, errors.WithMessagef(err, "folding %s into %s", node.Name, conv.Name)
				}
				numFolded++
				continue
			}
		}
		nodes = append(nodes, node)
	}
	graph.Node = nodes

	// Prune unused initializers.
	referenced := make(map[string]bool)
	for _, node := range graph.Node {
		for _, input := range node.Input {
			referenced[input] = true
		}
	}
	kept := graph.Initializer[:0]
	for _, init := range graph.Initializer {
		if referenced[init.Name] {
			kept = append(kept, init)
		}
	}
	graph.Initializer = kept
	klog.V(1).Infof("Optimized ONNX graph: %d BatchNormalization folded, %d nodes and %d initializers left",
		numFolded, len(graph.Node), len(graph.Initializer))
	return numFolded, nil
}

// foldBatchNorm replaces conv weights W and bias B by W*s and (B-mean)*s+offset, where s=scale/sqrt(var+eps),
// and makes conv output the batch normalization result.
func foldBatchNorm(graph *onnx.GraphProto, initializers map[string]*onnx.TensorProto, conv, bn *onnx.NodeProto) error {
	params := make([][]float32, 4) // scale, offset, mean, variance
	for ii := range params {
		init, found := initializers[bn.Input[ii+1]]
		if !found {
			return errors.Wrapf(ErrUnsupportedOp, "BatchNormalization input %q is not a constant", bn.Input[ii+1])
		}
		var err error
		if params[ii], err = FloatData(init); err != nil {
			return err
		}
	}
	scale, offset, mean, variance := params[0], params[1], params[2], params[3]
	epsilon := float32(defaultBatchNormEpsilon)
	for _, attr := range bn.Attribute {
		if attr.Name == "epsilon" {
			epsilon = attr.F
		}
	}

	weightsInit, found := initializers[conv.Input[1]]
	if !found {
		return errors.Wrapf(ErrUnsupportedOp, "Conv weights %q are not a constant", conv.Input[1])
	}
	weights, err := FloatData(weightsInit)
	if err != nil {
		return err
	}
	numChannels := len(scale)
	if len(weightsInit.Dims) == 0 || int(weightsInit.Dims[0]) != numChannels {
		return errors.Errorf("Conv weights shaped %v don't match %d BatchNormalization channels", weightsInit.Dims, numChannels)
	}
	bias := make([]float32, numChannels)
	if len(conv.Input) > 2 {
		biasInit, found := initializers[conv.Input[2]]
		if !found {
			return errors.Wrapf(ErrUnsupportedOp, "Conv bias %q is not a constant", conv.Input[2])
		}
		if bias, err = FloatData(biasInit); err != nil {
			return err
		}
	}

	perChannel := len(weights) / numChannels
	foldedWeights := make([]float32, len(weights))
	foldedBias := make([]float32, numChannels)
	for c := range numChannels {
		s := scale[c] / math32.Sqrt(variance[c]+epsilon)
		for ii := c * perChannel; ii < (c+1)*perChannel; ii++ {
			foldedWeights[ii] = weights[ii] * s
		}
		foldedBias[c] = (bias[c]-mean[c])*s + offset[c]
	}

	dims := make([]int, len(weightsInit.Dims))
	for ii, dim := range weightsInit.Dims {
		dims[ii] = int(dim)
	}
	weightsName, biasName := conv.Name+"_folded_weights", conv.Name+"_folded_bias"
	graph.Initializer = append(graph.Initializer,
		newFloatTensor(weightsName, dims, foldedWeights),
		newFloatTensor(biasName, []int{numChannels}, foldedBias))
	conv.Input = []string{conv.Input[0], weightsName, biasName}
	conv.Output = []string{bn.Output[0]}
	return nil
}

// FloatData returns the values of a float32 tensor, stored either as float_data or raw_data.
func FloatData(t *onnx.TensorProto) ([]float32, error) {
	if t.DataType != int32(onnx.TensorProto_FLOAT) {
		return nil, errors.Errorf("tensor %q has data type %d, only float32 is supported", t.Name, t.DataType)
	}
	if len(t.RawData) == 0 {
		return t.FloatData, nil
	}
	if len(t.RawData)%4 != 0 {
		return nil, errors.Errorf("tensor %q raw data has %d bytes, not a multiple of 4", t.Name, len(t.RawData))
	}
	values := make([]float32, len(t.RawData)/4)
	if err := binary.Read(bytes.NewReader(t.RawData), binary.LittleEndian, values); err != nil {
		return nil, errors.Wrapf(err, "decoding tensor %q", t.Name)
	}
	return values, nil
}
