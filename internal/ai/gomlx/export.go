package gomlx

import (
	"fmt"

	"github.com/advancedclimatesystems/gonnx/onnx"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/janpfeifer/othelloGo/internal/artifact"
	"github.com/janpfeifer/othelloGo/internal/generics"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ONNXLayer is implemented by layers that can be exported to ONNX.
//
// Exported tensors are channels-first: [batch, channels, height, width].
type ONNXLayer interface {
	Layer

	// ExportONNX adds the nodes and initializers of the layer to b, taking input as the name of its input tensor.
	// It returns the name of the output tensor. ctx is already scoped with Name().
	ExportONNX(ctx *context.Context, b *artifact.Builder, input string) (string, error)
}

// exportLayer exports layer in its own scope, or fails with artifact.ErrUnsupportedOp.
func exportLayer(ctx *context.Context, b *artifact.Builder, layer Layer, input string) (string, error) {
	onnxLayer, ok := layer.(ONNXLayer)
	if !ok {
		return "", errors.Wrapf(artifact.ErrUnsupportedOp, "layer %q (%T) has no ONNX lowering", layer.Name(), layer)
	}
	return onnxLayer.ExportONNX(ctx.In(layer.Name()), b, input)
}

// variableData returns the current value of the variable name in the scope of ctx.
func variableData(ctx *context.Context, name string) (values []float32, dims []int, err error) {
	v := ctx.InspectVariable(ctx.Scope(), name)
	if v == nil {
		return nil, nil, errors.Errorf("variable %q not found in scope %q: variables are created at the first execution of the model",
			name, ctx.Scope())
	}
	value := v.Value()
	return tensors.CopyFlatData[float32](value), value.Shape().Dimensions, nil
}

// initializer adds the variable name as an initializer named after its scope.
func initializer(ctx *context.Context, b *artifact.Builder, name string) (string, error) {
	values, dims, err := variableData(ctx, name)
	if err != nil {
		return "", err
	}
	return b.Initializer(ctx.Scope()+context.ScopeSeparator+name, dims, values)
}

// ExportONNX implements ONNXLayer.
func (s *Sequential) ExportONNX(ctx *context.Context, b *artifact.Builder, input string) (string, error) {
	x := input
	for _, layer := range s.Layers {
		var err error
		x, err = exportLayer(ctx, b, layer, x)
		if err != nil {
			return "", errors.WithMessagef(err, "in %q", s.name)
		}
	}
	return x, nil
}

// ExportONNX implements ONNXLayer. The kernel is transposed to ONNX's [out, in, height, width] layout.
func (c *Conv2D) ExportONNX(ctx *context.Context, b *artifact.Builder, input string) (string, error) {
	kernel, dims, err := variableData(ctx, "weights")
	if err != nil {
		return "", err
	}
	k, in, out := c.KernelSize, c.InChannels, c.OutChannels
	if len(dims) != 4 || dims[0] != k || dims[1] != k || dims[2] != in || dims[3] != out {
		return "", errors.Errorf("Conv2D %q weights shaped %v, expected [%d %d %d %d]", c.name, dims, k, k, in, out)
	}
	transposed := make([]float32, len(kernel))
	for row := range k {
		for col := range k {
			for ii := range in {
				for oo := range out {
					transposed[((oo*in+ii)*k+row)*k+col] = kernel[((row*k+col)*in+ii)*out+oo]
				}
			}
		}
	}
	weights, err := b.Initializer(ctx.Scope()+context.ScopeSeparator+"weights", []int{out, in, k, k}, transposed)
	if err != nil {
		return "", err
	}
	inputs := []string{input, weights}
	if c.UseBias {
		biases, err := initializer(ctx, b, "biases")
		if err != nil {
			return "", err
		}
		inputs = append(inputs, biases)
	}
	pad := k / 2
	return b.Node("Conv", ctx.Scope(), inputs,
		artifact.IntsAttr("kernel_shape", k, k),
		artifact.IntsAttr("pads", pad, pad, pad, pad),
		artifact.IntsAttr("strides", 1, 1),
		artifact.IntsAttr("dilations", 1, 1),
		artifact.IntAttr("group", 1)), nil
}

// ExportONNX implements ONNXLayer, in inference mode: with the running statistics.
func (bn *BatchNorm) ExportONNX(ctx *context.Context, b *artifact.Builder, input string) (string, error) {
	inputs := []string{input}
	for _, name := range []string{"scale", "offset", "mean", "variance"} {
		tensorName, err := initializer(ctx, b, name)
		if err != nil {
			return "", err
		}
		inputs = append(inputs, tensorName)
	}
	return b.Node("BatchNormalization", ctx.Scope(), inputs,
		artifact.FloatAttr("epsilon", float32(bn.Epsilon)),
		artifact.FloatAttr("momentum", float32(1-bn.Momentum))), nil
}

// ExportONNX implements ONNXLayer.
func (d *Dense) ExportONNX(ctx *context.Context, b *artifact.Builder, input string) (string, error) {
	weights, err := initializer(ctx, b, "weights")
	if err != nil {
		return "", err
	}
	biases, err := initializer(ctx, b, "biases")
	if err != nil {
		return "", err
	}
	return b.Node("Gemm", ctx.Scope(), []string{input, weights, biases}), nil
}

// ExportONNX implements ONNXLayer. ONNX tensors are already channels-first.
func (f *Flatten) ExportONNX(ctx *context.Context, b *artifact.Builder, input string) (string, error) {
	return b.Node("Flatten", ctx.Scope(), []string{input}, artifact.IntAttr("axis", 1)), nil
}

// ExportONNX implements ONNXLayer.
func (a *Activation) ExportONNX(ctx *context.Context, b *artifact.Builder, input string) (string, error) {
	switch a.Type {
	case ActivationRelu:
		return b.Node("Relu", ctx.Scope(), []string{input}), nil
	case ActivationTanh:
		return b.Node("Tanh", ctx.Scope(), []string{input}), nil
	}
	return "", errors.Wrapf(artifact.ErrUnsupportedOp, "activation %s", a.Type)
}

// ExportONNX implements ONNXLayer.
func (r *ResidualBlock) ExportONNX(ctx *context.Context, b *artifact.Builder, input string) (string, error) {
	x, err := exportLayer(ctx, b, r.body, input)
	if err != nil {
		return "", errors.WithMessagef(err, "in %q", r.name)
	}
	x = b.Node("Add", ctx.Scope()+context.ScopeSeparator+"add", []string{x, input})
	return b.Node("Relu", ctx.Scope()+context.ScopeSeparator+"relu", []string{x}), nil
}

// ExportONNX converts the model, with its current parameters, to an ONNX model with a dynamic batch dimension.
// The Model variables must have been created already, see NewLearner.
func (m *Model) ExportONNX() (*onnx.ModelProto, error) {
	ctx := m.Context().Reuse()
	geometry := m.Geometry()
	b := artifact.NewBuilder("alphazero_resnet")
	input := b.Input(artifact.InputName, artifact.Dynamic, geometry.Planes, geometry.Height, geometry.Width)
	x, err := exportLayer(ctx, b, m.Trunk(), input)
	if err != nil {
		return nil, err
	}
	values, err := exportLayer(ctx, b, m.ValueHead(), x)
	if err != nil {
		return nil, err
	}
	logits, err := exportLayer(ctx, b, m.PolicyHead(), x)
	if err != nil {
		return nil, err
	}
	policies := b.Node("Softmax", "/policy_head/softmax", []string{logits}, artifact.IntAttr("axis", 1))
	if err = b.Output(values, artifact.ValueOutput, artifact.Dynamic, 1); err != nil {
		return nil, err
	}
	if err = b.Output(policies, artifact.PolicyOutput, artifact.Dynamic, geometry.Actions); err != nil {
		return nil, err
	}

	// Record hyperparameters as metadata.
	params := make(map[string]string)
	ctx.EnumerateParams(func(scope, key string, value any) {
		if scope == context.RootScope {
			params[key] = fmt.Sprintf("%v", value)
		}
	})
	for key, value := range generics.SortedKeysAndValues(params) {
		b.Metadata(key, value)
	}
	return b.Model(), nil
}

// ExportONNX returns the model converted to ONNX, with BatchNormalization folded into the convolutions.
// It holds a read lock, so parameters are frozen at call time.
func (l *Learner) ExportONNX() (*onnx.ModelProto, error) {
	l.muLearning.RLock()
	defer l.muLearning.RUnlock()
	var model *onnx.ModelProto
	err := tryCatch(func() error {
		var err error
		model, err = l.model.ExportONNX()
		return err
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "exporting %s to ONNX", l)
	}
	if _, err = artifact.Optimize(model); err != nil {
		return nil, errors.WithMessagef(err, "optimizing ONNX export of %s", l)
	}
	return model, nil
}

// Export implements ai.Exporter: it saves the model as an ONNX artifact in path.
func (l *Learner) Export(path string) error {
	model, err := l.ExportONNX()
	if err != nil {
		return err
	}
	if err = artifact.Save(model, path); err != nil {
		return err
	}
	klog.Infof("Exported %s to %q", l, path)
	return nil
}
