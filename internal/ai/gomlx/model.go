package gomlx

import (
	"fmt"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train/losses"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/othelloGo/internal/features"
	"github.com/pkg/errors"
)

// Hyperparameters of the Model, stored in its context.
const (
	// ParamChannels is the number of channels of the trunk feature map.
	ParamChannels = "channels"

	// ParamBlocks is the number of residual blocks in the trunk.
	ParamBlocks = "blocks"

	// ParamHeadHidden is the width of the hidden dense layer of both heads.
	ParamHeadHidden = "head_hidden"

	ParamPlanes      = "planes"
	ParamBoardHeight = "board_height"
	ParamBoardWidth  = "board_width"
	ParamNumActions  = "num_actions"

	// ParamBatchNormMomentum is the weight of each training batch on the running statistics.
	ParamBatchNormMomentum = "bn_momentum"
	ParamBatchNormEpsilon  = "bn_epsilon"

	// ParamBatchSize is the preferred batch size: inference batches of this size are not padded.
	ParamBatchSize = "batch_size"
)

// Model is the dual-head residual network: a convolutional trunk shared by a value head,
// that estimates the outcome of the position in [-1, 1], and a policy head, that
// estimates a distribution over the actions.
//
// The Model holds the context with its hyperparameters and variables; it's not safe for concurrent
// use, see Learner for that.
type Model struct {
	ctx *context.Context
}

// NewModel creates a Model with a fresh context, initialized with hyperparameters set to their defaults.
func NewModel() *Model {
	m := &Model{ctx: context.New()}
	m.ctx.RngStateReset()
	m.ctx.SetParams(map[string]any{
		ParamBatchSize: 64,

		ParamChannels:   256,
		ParamBlocks:     8,
		ParamHeadHidden: 256,

		ParamPlanes:      features.DefaultPlanes,
		ParamBoardHeight: features.DefaultBoardSize,
		ParamBoardWidth:  features.DefaultBoardSize,
		ParamNumActions:  features.DefaultNumActions,

		ParamBatchNormMomentum: 0.1,
		ParamBatchNormEpsilon:  1e-5,

		optimizers.ParamOptimizer:       "adamw",
		optimizers.ParamLearningRate:    0.001,
		optimizers.ParamAdamEpsilon:     1e-8,
		optimizers.ParamAdamWeightDecay: 0.01,
		optimizers.ParamAdamDType:       "",
	})
	m.ctx = m.ctx.Checked(false)
	return m
}

// Context used by the model: with both its weights and hyperparameters.
func (m *Model) Context() *context.Context {
	return m.ctx
}

// Geometry of the boards and actions, as configured in the hyperparameters.
func (m *Model) Geometry() features.Geometry {
	return features.Geometry{
		Planes:  context.GetParamOr(m.ctx, ParamPlanes, features.DefaultPlanes),
		Height:  context.GetParamOr(m.ctx, ParamBoardHeight, features.DefaultBoardSize),
		Width:   context.GetParamOr(m.ctx, ParamBoardWidth, features.DefaultBoardSize),
		Actions: context.GetParamOr(m.ctx, ParamNumActions, features.DefaultNumActions),
	}
}

// Validate the hyperparameters.
func (m *Model) Validate() error {
	if err := m.Geometry().Validate(); err != nil {
		return err
	}
	if channels := context.GetParamOr(m.ctx, ParamChannels, 0); channels <= 0 {
		return errors.Errorf("%q must be > 0, got %d", ParamChannels, channels)
	}
	if blocks := context.GetParamOr(m.ctx, ParamBlocks, 0); blocks < 0 {
		return errors.Errorf("%q must be >= 0, got %d", ParamBlocks, blocks)
	}
	if hidden := context.GetParamOr(m.ctx, ParamHeadHidden, 0); hidden <= 0 {
		return errors.Errorf("%q must be > 0, got %d", ParamHeadHidden, hidden)
	}
	if momentum := context.GetParamOr(m.ctx, ParamBatchNormMomentum, 0.1); momentum < 0 || momentum > 1 {
		return errors.Errorf("%q must be in [0, 1], got %g", ParamBatchNormMomentum, momentum)
	}
	if epsilon := context.GetParamOr(m.ctx, ParamBatchNormEpsilon, 1e-5); epsilon <= 0 {
		return errors.Errorf("%q must be > 0, got %g", ParamBatchNormEpsilon, epsilon)
	}
	return nil
}

// String implements fmt.Stringer.
func (m *Model) String() string {
	return fmt.Sprintf("AlphaZero-ResNet(channels=%d, blocks=%d, head_hidden=%d, %s)",
		context.GetParamOr(m.ctx, ParamChannels, 0),
		context.GetParamOr(m.ctx, ParamBlocks, 0),
		context.GetParamOr(m.ctx, ParamHeadHidden, 0),
		m.Geometry())
}

func (m *Model) batchNormParams() (momentum, epsilon float64) {
	return context.GetParamOr(m.ctx, ParamBatchNormMomentum, 0.1), context.GetParamOr(m.ctx, ParamBatchNormEpsilon, 1e-5)
}

// Trunk returns the layers of the trunk: a 3x3 convolution from the input planes to the
// configured number of channels, followed by the residual blocks.
func (m *Model) Trunk() *Sequential {
	geometry := m.Geometry()
	channels := context.GetParamOr(m.ctx, ParamChannels, 256)
	numBlocks := context.GetParamOr(m.ctx, ParamBlocks, 8)
	momentum, epsilon := m.batchNormParams()
	trunk := NewSequential("trunk",
		NewConv2D("conv", geometry.Planes, channels, 3, false),
		NewBatchNorm("bn", channels, momentum, epsilon),
		NewRelu("relu"),
	)
	for ii := range numBlocks {
		trunk.Layers = append(trunk.Layers, NewResidualBlock(fmt.Sprintf("res_%d", ii), channels, momentum, epsilon))
	}
	return trunk
}

// head returns the common structure of both heads: 1x1 convolution to a single plane, flattened
// and followed by two dense layers.
func (m *Model) head(name string, numOutputs int) *Sequential {
	geometry := m.Geometry()
	channels := context.GetParamOr(m.ctx, ParamChannels, 256)
	hidden := context.GetParamOr(m.ctx, ParamHeadHidden, 256)
	return NewSequential(name,
		NewConv2D("conv", channels, 1, 1, true),
		NewRelu("relu_0"),
		NewFlatten("flatten"),
		NewDense("dense_0", geometry.Squares(), hidden),
		NewRelu("relu_1"),
		NewDense("dense_1", hidden, numOutputs),
	)
}

// ValueHead returns the layers of the value head. Its output is bounded to [-1, 1].
func (m *Model) ValueHead() *Sequential {
	valueHead := m.head("value_head", 1)
	valueHead.Layers = append(valueHead.Layers, NewTanh("tanh"))
	return valueHead
}

// PolicyHead returns the layers of the policy head: its output are the logits of the actions.
func (m *Model) PolicyHead() *Sequential {
	return m.head("policy_head", m.Geometry().Actions)
}

// ForwardTrainGraph returns the values (shaped [batchSize, 1]) and the policy logits (shaped [batchSize, actions])
// for boards shaped [batchSize, planes, height, width].
//
// If ctx.IsTraining(), batch normalization uses the statistics of the batch and updates its running averages.
func (m *Model) ForwardTrainGraph(ctx *context.Context, boards *Node) (values, logits *Node) {
	geometry := m.Geometry()
	batchSize := boards.Shape().Dim(0)
	boards.AssertDims(geometry.BoardDims(batchSize)...)
	if boards.DType() != dtypes.Float32 {
		boards = ConvertDType(boards, dtypes.Float32)
	}

	// Layers work channels-last.
	x := TransposeAllDims(boards, 0, 2, 3, 1)
	x = callLayer(ctx, m.Trunk(), x)
	values = callLayer(ctx, m.ValueHead(), x)
	logits = callLayer(ctx, m.PolicyHead(), x)
	values.AssertDims(batchSize, 1)
	logits.AssertDims(batchSize, geometry.Actions)
	return
}

// InferGraph returns the values (shaped [batchSize, 1]) and the policy distribution (shaped [batchSize, actions]).
// It shares all the computation with ForwardTrainGraph, except the final softmax of the policy.
func (m *Model) InferGraph(ctx *context.Context, boards *Node) (values, policies *Node) {
	var logits *Node
	values, logits = m.ForwardTrainGraph(ctx, boards)
	policies = Softmax(logits, -1)
	return
}

// LossGraph returns the total loss and its two components, the policy loss and the value loss, all scalars.
//
// The policy loss is the cross-entropy between the policy logits and the target distributions, which can
// be soft (not one-hot). Targets are renormalized to sum to 1, and rows summing to 0 add no policy loss.
// The value loss is the mean squared error between values and their targets.
//
// weights, if not nil, is shaped [batchSize] and weights each example in the means: examples with weight 0
// (e.g. padding) don't contribute to the losses.
func (m *Model) LossGraph(ctx *context.Context, boards, policyLabels, valueLabels, weights *Node) (total, policyLoss, valueLoss *Node) {
	values, logits := m.ForwardTrainGraph(ctx, boards)
	batchSize := values.Shape().Dim(0)
	if valueLabels.Rank() == 1 {
		valueLabels = ExpandAxes(valueLabels, -1)
	}
	if !policyLabels.Shape().Equal(logits.Shape()) {
		exceptions.Panicf("policy labels shaped %s, but logits are shaped %s", policyLabels.Shape(), logits.Shape())
	}
	valueLabels.AssertDims(batchSize, 1)

	rowSums := ReduceAndKeep(policyLabels, ReduceSum, -1)
	policyLabels = Div(policyLabels, Max(rowSums, Scalar(rowSums.Graph(), rowSums.DType(), 1e-12)))
	if weights == nil {
		policyLoss = losses.CategoricalCrossEntropyLogits([]*Node{policyLabels}, []*Node{logits})
		if !policyLoss.IsScalar() {
			// Some losses may return one value per example of the batch.
			policyLoss = ReduceAllMean(policyLoss)
		}
		valueLoss = losses.MeanSquaredError([]*Node{valueLabels}, []*Node{values})
		if !valueLoss.IsScalar() {
			valueLoss = ReduceAllMean(valueLoss)
		}
	} else {
		// Per example losses, shaped [batchSize].
		weights.AssertDims(batchSize)
		policyLosses := Neg(ReduceSum(Mul(policyLabels, logSoftmax(logits)), -1))
		valueLosses := Reshape(Square(Sub(values, valueLabels)), batchSize)
		weights = StopGradient(ConvertDType(weights, policyLosses.DType()))
		totalWeight := Max(ReduceAllSum(weights), ScalarOne(weights.Graph(), weights.DType()))
		policyLoss = Div(ReduceAllSum(Mul(policyLosses, weights)), totalWeight)
		valueLoss = Div(ReduceAllSum(Mul(valueLosses, weights)), totalWeight)
	}
	total = Add(policyLoss, valueLoss)
	return
}

// logSoftmax of the logits on the last axis, shifted by their maximum for numerical stability.
func logSoftmax(logits *Node) *Node {
	shifted := Sub(logits, StopGradient(ReduceAndKeep(logits, ReduceMax, -1)))
	return Sub(shifted, Log(ReduceAndKeep(Exp(shifted), ReduceSum, -1)))
}
