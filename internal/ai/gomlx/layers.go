package gomlx

import (
	"fmt"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/types/shapes"
)

// Layer is one step of a network, transforming a batch of features.
//
// Inside the graph, spatial features are laid out channels-last: [batch, height, width, channels].
type Layer interface {
	// Name of the layer: it is the scope of its variables within the parent's scope.
	Name() string

	// Forward builds the computation of the layer. ctx is already scoped with Name().
	Forward(ctx *context.Context, x *Node) *Node
}

// callLayer runs layer.Forward in the layer's own scope.
func callLayer(ctx *context.Context, layer Layer, x *Node) *Node {
	return layer.Forward(ctx.In(layer.Name()), x)
}

// Sequential is an ordered list of layers, applied one after the other.
type Sequential struct {
	name   string
	Layers []Layer
}

// NewSequential creates a Sequential layer with the given sub-layers.
func NewSequential(name string, layers ...Layer) *Sequential {
	return &Sequential{name: name, Layers: layers}
}

// Name implements Layer.
func (s *Sequential) Name() string { return s.name }

// Forward implements Layer.
func (s *Sequential) Forward(ctx *context.Context, x *Node) *Node {
	for _, layer := range s.Layers {
		x = callLayer(ctx, layer, x)
	}
	return x
}

// Conv2D is a 2D convolution with "same" padding and stride 1, so it preserves the spatial dimensions.
//
// Variables: "weights" shaped [kernelSize, kernelSize, inChannels, outChannels] and, if UseBias, "biases".
type Conv2D struct {
	name                    string
	InChannels, OutChannels int
	KernelSize              int
	UseBias                 bool
}

// NewConv2D creates a Conv2D layer. kernelSize must be odd.
func NewConv2D(name string, inChannels, outChannels, kernelSize int, useBias bool) *Conv2D {
	if kernelSize%2 != 1 {
		exceptions.Panicf("Conv2D %q: kernel size must be odd to preserve the spatial shape, got %d", name, kernelSize)
	}
	return &Conv2D{name: name, InChannels: inChannels, OutChannels: outChannels, KernelSize: kernelSize, UseBias: useBias}
}

// Name implements Layer.
func (c *Conv2D) Name() string { return c.name }

// Forward implements Layer.
func (c *Conv2D) Forward(ctx *context.Context, x *Node) *Node {
	g := x.Graph()
	if x.Rank() != 4 || x.Shape().Dim(-1) != c.InChannels {
		exceptions.Panicf("Conv2D %q expects input shaped [batch, height, width, %d], got %s",
			c.name, c.InChannels, x.Shape())
	}
	kernel := ctx.VariableWithShape("weights",
		shapes.Make(x.DType(), c.KernelSize, c.KernelSize, c.InChannels, c.OutChannels)).ValueGraph(g)
	output := Convolve(x, kernel).PadSame().Done()
	if c.UseBias {
		biases := ctx.VariableWithValue("biases", make([]float32, c.OutChannels)).ValueGraph(g)
		output = Add(output, Reshape(biases, 1, 1, 1, c.OutChannels))
	}
	return output
}

// BatchNorm normalizes features per channel (the last axis) with statistics of the batch during
// training, and with running averages of those statistics during inference.
//
// Variables: trainable "scale" and "offset", and non-trainable running "mean" and "variance".
type BatchNorm struct {
	name     string
	Channels int

	// Momentum is the weight of the current batch when updating the running averages.
	Momentum float64
	Epsilon  float64
}

// NewBatchNorm creates a BatchNorm layer.
func NewBatchNorm(name string, channels int, momentum, epsilon float64) *BatchNorm {
	return &BatchNorm{name: name, Channels: channels, Momentum: momentum, Epsilon: epsilon}
}

// Name implements Layer.
func (bn *BatchNorm) Name() string { return bn.name }

// Forward implements Layer.
func (bn *BatchNorm) Forward(ctx *context.Context, x *Node) *Node {
	g := x.Graph()
	if x.Shape().Dim(-1) != bn.Channels {
		exceptions.Panicf("BatchNorm %q expects %d channels, got input shaped %s", bn.name, bn.Channels, x.Shape())
	}
	ones := make([]float32, bn.Channels)
	for ii := range ones {
		ones[ii] = 1
	}
	scale := ctx.VariableWithValue("scale", ones).ValueGraph(g)
	offset := ctx.VariableWithValue("offset", make([]float32, bn.Channels)).ValueGraph(g)
	meanVar := ctx.VariableWithValue("mean", make([]float32, bn.Channels)).SetTrainable(false)
	varianceVar := ctx.VariableWithValue("variance", ones).SetTrainable(false)

	// Broadcast shape for per-channel values: [1, ..., 1, channels].
	channelsShape := make([]int, x.Rank())
	for ii := range channelsShape {
		channelsShape[ii] = 1
	}
	channelsShape[x.Rank()-1] = bn.Channels
	reduceAxes := make([]int, x.Rank()-1)
	for ii := range reduceAxes {
		reduceAxes[ii] = ii
	}

	var mean, variance *Node
	if ctx.IsTraining(g) {
		mean = ReduceMean(x, reduceAxes...)
		variance = ReduceMean(Square(Sub(x, Reshape(mean, channelsShape...))), reduceAxes...)

		// Running averages use the unbiased variance.
		count := x.Shape().Size() / bn.Channels
		unbiased := variance
		if count > 1 {
			unbiased = MulScalar(variance, float64(count)/float64(count-1))
		}
		momentum := bn.Momentum
		meanVar.SetValueGraph(Add(
			MulScalar(meanVar.ValueGraph(g), 1-momentum),
			MulScalar(StopGradient(mean), momentum)))
		varianceVar.SetValueGraph(Add(
			MulScalar(varianceVar.ValueGraph(g), 1-momentum),
			MulScalar(StopGradient(unbiased), momentum)))
	} else {
		mean = meanVar.ValueGraph(g)
		variance = varianceVar.ValueGraph(g)
	}
	normalized := Div(
		Sub(x, Reshape(mean, channelsShape...)),
		Sqrt(AddScalar(Reshape(variance, channelsShape...), bn.Epsilon)))
	return Add(Mul(normalized, Reshape(scale, channelsShape...)), Reshape(offset, channelsShape...))
}

// Dense is a fully connected layer: x·weights + biases.
//
// Variables: "weights" shaped [inputs, outputs] and "biases" shaped [outputs].
type Dense struct {
	name            string
	Inputs, Outputs int
}

// NewDense creates a Dense layer.
func NewDense(name string, inputs, outputs int) *Dense {
	return &Dense{name: name, Inputs: inputs, Outputs: outputs}
}

// Name implements Layer.
func (d *Dense) Name() string { return d.name }

// Forward implements Layer.
func (d *Dense) Forward(ctx *context.Context, x *Node) *Node {
	g := x.Graph()
	if x.Rank() != 2 || x.Shape().Dim(1) != d.Inputs {
		exceptions.Panicf("Dense %q expects input shaped [batch, %d], got %s", d.name, d.Inputs, x.Shape())
	}
	weights := ctx.VariableWithShape("weights", shapes.Make(x.DType(), d.Inputs, d.Outputs)).ValueGraph(g)
	biases := ctx.VariableWithValue("biases", make([]float32, d.Outputs)).ValueGraph(g)
	return Add(Dot(x, weights), Reshape(biases, 1, d.Outputs))
}

// Flatten reshapes [batch, height, width, channels] to [batch, channels*height*width], ordering the
// features channels first (the same order as flattening an NCHW tensor).
type Flatten struct {
	name string
}

// NewFlatten creates a Flatten layer.
func NewFlatten(name string) *Flatten { return &Flatten{name: name} }

// Name implements Layer.
func (f *Flatten) Name() string { return f.name }

// Forward implements Layer.
func (f *Flatten) Forward(_ *context.Context, x *Node) *Node {
	batchSize := x.Shape().Dim(0)
	if x.Rank() == 4 {
		x = TransposeAllDims(x, 0, 3, 1, 2)
	}
	return Reshape(x, batchSize, x.Shape().Size()/batchSize)
}

// Activation is a parameter-free element-wise function.
type Activation struct {
	name string
	Type ActivationType
}

// ActivationType enumerates the supported activations.
type ActivationType int

const (
	ActivationRelu ActivationType = iota
	ActivationTanh
)

// String implements fmt.Stringer.
func (a ActivationType) String() string {
	switch a {
	case ActivationRelu:
		return "relu"
	case ActivationTanh:
		return "tanh"
	}
	return fmt.Sprintf("ActivationType(%d)", int(a))
}

// NewRelu creates a rectifier activation layer.
func NewRelu(name string) *Activation { return &Activation{name: name, Type: ActivationRelu} }

// NewTanh creates a hyperbolic tangent activation layer: it bounds its output to [-1, 1].
func NewTanh(name string) *Activation { return &Activation{name: name, Type: ActivationTanh} }

// Name implements Layer.
func (a *Activation) Name() string { return a.name }

// Forward implements Layer.
func (a *Activation) Forward(_ *context.Context, x *Node) *Node {
	switch a.Type {
	case ActivationRelu:
		return activations.Relu(x)
	case ActivationTanh:
		return Tanh(x)
	}
	exceptions.Panicf("activation %q of unknown type %s", a.name, a.Type)
	return nil
}

// ResidualBlock applies two 3x3 convolutions with batch normalization and adds the block input
// back before the final rectifier. Input and output have the same shape.
type ResidualBlock struct {
	name     string
	Channels int
	body     *Sequential
}

// NewResidualBlock creates a ResidualBlock for the given number of channels.
func NewResidualBlock(name string, channels int, momentum, epsilon float64) *ResidualBlock {
	return &ResidualBlock{
		name:     name,
		Channels: channels,
		body: NewSequential("body",
			NewConv2D("conv_0", channels, channels, 3, false),
			NewBatchNorm("bn_0", channels, momentum, epsilon),
			NewRelu("relu_0"),
			NewConv2D("conv_1", channels, channels, 3, false),
			NewBatchNorm("bn_1", channels, momentum, epsilon),
		),
	}
}

// Name implements Layer.
func (r *ResidualBlock) Name() string { return r.name }

// Forward implements Layer.
func (r *ResidualBlock) Forward(ctx *context.Context, x *Node) *Node {
	if x.Shape().Dim(-1) != r.Channels {
		exceptions.Panicf("ResidualBlock %q has %d channels, but input is shaped %s: skip connection requires equal channels",
			r.name, r.Channels, x.Shape())
	}
	return activations.Relu(Add(callLayer(ctx, r.body, x), x))
}

// Compile-time check that all layers implement Layer.
var (
	_ Layer = (*Sequential)(nil)
	_ Layer = (*Conv2D)(nil)
	_ Layer = (*BatchNorm)(nil)
	_ Layer = (*Dense)(nil)
	_ Layer = (*Flatten)(nil)
	_ Layer = (*Activation)(nil)
	_ Layer = (*ResidualBlock)(nil)
)
