package gomlx

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/othelloGo/internal/ai"
	"github.com/janpfeifer/othelloGo/internal/dataset"
	"github.com/janpfeifer/othelloGo/internal/features"
	"github.com/janpfeifer/othelloGo/internal/generics"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Learner wraps a Model with the executors to evaluate and train it.
//
// It implements ai.Learner and ai.Exporter, and it is safe for concurrent use: training steps
// and learning rate changes hold an exclusive lock, inference and export a shared one,
// so readers never observe partially updated parameters.
type Learner struct {
	model    *Model
	geometry features.Geometry

	// Executors.
	inferExec, forwardTrainExec, lossExec, trainStepExec *context.Exec

	// optimizer used when training the model.
	optimizer optimizers.Interface

	// batchSize is the preferred batch size: it's never padded.
	batchSize int

	// muLearning "write" for learning, and "read" for scoring.
	muLearning sync.RWMutex

	// NumCompilations counts how many times a graph was built, one per executor per shape.
	NumCompilations atomic.Int64
}

var (
	// Assert Learner implements ai.Learner and ai.Exporter.
	_ ai.Learner  = (*Learner)(nil)
	_ ai.Exporter = (*Learner)(nil)
)

// maxCacheSize of each executor. Inference, forward and loss batches are padded (see paddedSize),
// so the number of shapes grows only logarithmically with the batch size.
const maxCacheSize = 100

// NewLearner creates the executors for model, and initializes its variables.
func NewLearner(model *Model) (*Learner, error) {
	if err := model.Validate(); err != nil {
		return nil, errors.WithMessagef(err, "invalid hyperparameters for %s", model)
	}
	ctx := model.Context()
	l := &Learner{
		model:     model,
		geometry:  model.Geometry(),
		batchSize: context.GetParamOr(ctx, ParamBatchSize, 64),
	}

	// Create the backend.
	_ = backend()

	// Create optimizer to be used in training.
	err := exceptions.TryCatch[error](func() { l.optimizer = optimizers.FromContext(ctx) })
	if err != nil {
		return nil, errors.WithMessagef(err, "creating optimizer for %s", model)
	}

	muNewClient.Lock()
	defer muNewClient.Unlock()
	l.inferExec = context.NewExec(backend(), ctx,
		func(ctx *context.Context, inputs []*graph.Node) []*graph.Node {
			l.NumCompilations.Add(1)
			values, policies := l.model.InferGraph(ctx, inputs[0])
			return []*graph.Node{values, policies}
		})
	l.forwardTrainExec = context.NewExec(backend(), ctx,
		func(ctx *context.Context, inputs []*graph.Node) []*graph.Node {
			l.NumCompilations.Add(1)
			values, logits := l.model.ForwardTrainGraph(ctx, inputs[0])
			return []*graph.Node{values, logits}
		})
	l.lossExec = context.NewExec(backend(), ctx,
		func(ctx *context.Context, inputsAndLabels []*graph.Node) []*graph.Node {
			l.NumCompilations.Add(1)
			total, policyLoss, valueLoss := l.model.LossGraph(ctx, inputsAndLabels[0], inputsAndLabels[1], inputsAndLabels[2], inputsAndLabels[3])
			return []*graph.Node{total, policyLoss, valueLoss}
		})
	l.trainStepExec = context.NewExec(backend(), ctx,
		func(ctx *context.Context, inputsAndLabels []*graph.Node) []*graph.Node {
			l.NumCompilations.Add(1)
			g := inputsAndLabels[0].Graph()
			ctx.SetTraining(g, true)
			total, policyLoss, valueLoss := l.model.LossGraph(ctx, inputsAndLabels[0], inputsAndLabels[1], inputsAndLabels[2], nil)
			l.optimizer.UpdateGraph(ctx, g, total)
			train.ExecPerStepUpdateGraphFn(ctx, g)
			return []*graph.Node{total, policyLoss, valueLoss}
		})
	for _, exec := range []*context.Exec{l.inferExec, l.forwardTrainExec, l.lossExec, l.trainStepExec} {
		exec.SetMaxCache(maxCacheSize)
	}

	// Force creating the variables without race conditions first.
	if _, err := l.infer(make([]float32, l.geometry.BoardSize()), 1); err != nil {
		return nil, errors.WithMessagef(err, "initializing variables of %s", model)
	}
	klog.V(1).Infof("Created learner for %s", model)
	return l, nil
}

// Model returns the underlying model.
func (l *Learner) Model() *Model { return l.model }

// String implements fmt.Stringer and ai.Evaluator.
func (l *Learner) String() string {
	if l == nil {
		return "<nil>[GoMLX]"
	}
	return fmt.Sprintf("%s[GoMLX]", l.model)
}

// Geometry implements ai.Evaluator.
func (l *Learner) Geometry() features.Geometry { return l.geometry }

// paddedSize returns a padded batchSize for the given numBoards, so there are not too many different
// versions of the inference program, one per batch size.
func (l *Learner) paddedSize(numBoards int) int {
	if numBoards == 1 || numBoards == l.batchSize {
		return numBoards
	}
	// Starts with 8: anything smaller than that, the cost in space is too small, not worth having multiple programs
	// for different padding sizes.
	paddedSize := 8
	for paddedSize < numBoards {
		// Increase 1.5x at a time.
		paddedSize = paddedSize + (paddedSize+1)/2
	}
	return paddedSize
}

// boardsTensor validates the boards and returns them as a tensor shaped [paddedSize, planes, height, width].
func (l *Learner) boardsTensor(boards []float32, batchSize, paddedSize int) (*tensors.Tensor, error) {
	if batchSize <= 0 {
		return nil, errors.Errorf("batch size must be >= 1, got %d", batchSize)
	}
	if len(boards) != batchSize*l.geometry.BoardSize() {
		return nil, errors.Errorf("%d floats given for %d boards of geometry %s, expected %d",
			len(boards), batchSize, l.geometry, batchSize*l.geometry.BoardSize())
	}
	if paddedSize == batchSize {
		return tensors.FromFlatDataAndDimensions(boards, l.geometry.BoardDims(batchSize)...), nil
	}
	padded := make([]float32, paddedSize*l.geometry.BoardSize())
	copy(padded, boards)
	return tensors.FromFlatDataAndDimensions(padded, l.geometry.BoardDims(paddedSize)...), nil
}

// Infer implements ai.Evaluator.
//
// Batch normalization uses its running statistics, so each board is evaluated independently.
func (l *Learner) Infer(boards []float32, batchSize int) (*ai.Prediction, error) {
	l.muLearning.RLock()
	defer l.muLearning.RUnlock()
	return l.infer(boards, batchSize)
}

func (l *Learner) infer(boards []float32, batchSize int) (*ai.Prediction, error) {
	paddedSize := l.paddedSize(batchSize)
	boardsT, err := l.boardsTensor(boards, batchSize, paddedSize)
	if err != nil {
		return nil, err
	}
	outputs, err := callExec(l.inferExec, graph.DonateTensorBuffer(boardsT, backend()))
	if err != nil {
		return nil, errors.WithMessagef(err, "inference on %d boards", batchSize)
	}
	return l.prediction(outputs, batchSize), nil
}

// ForwardTrain returns the values and the policy logits (not normalized) for a batch of boards.
// The logits are the ones Infer normalizes with a softmax.
func (l *Learner) ForwardTrain(boards []float32, batchSize int) (*ai.Prediction, error) {
	l.muLearning.RLock()
	defer l.muLearning.RUnlock()
	boardsT, err := l.boardsTensor(boards, batchSize, l.paddedSize(batchSize))
	if err != nil {
		return nil, err
	}
	outputs, err := callExec(l.forwardTrainExec, graph.DonateTensorBuffer(boardsT, backend()))
	if err != nil {
		return nil, errors.WithMessagef(err, "forward pass on %d boards", batchSize)
	}
	return l.prediction(outputs, batchSize), nil
}

// prediction converts the outputs (values and policies), removing any padding.
func (l *Learner) prediction(outputs []*tensors.Tensor, batchSize int) *ai.Prediction {
	values := tensors.CopyFlatData[float32](outputs[0])
	policies := tensors.CopyFlatData[float32](outputs[1])
	for _, t := range outputs {
		t.FinalizeAll()
	}
	return &ai.Prediction{
		BatchSize: batchSize,
		Values:    values[:batchSize],
		Policies:  policies[:batchSize*l.geometry.Actions],
	}
}

// padFloats returns values extended with zeros to size.
func padFloats(values []float32, size int) []float32 {
	if len(values) == size {
		return values
	}
	padded := make([]float32, size)
	copy(padded, values)
	return padded
}

// batchInputs converts the batch to the tensors of boards, policy labels and value labels, with
// paddedSize examples. If withWeights, a weights tensor shaped [paddedSize] is appended: 1 for the
// examples of the batch and 0 for the padding.
func (l *Learner) batchInputs(batch *dataset.Batch, paddedSize int, withWeights bool) ([]any, error) {
	boardsT, err := l.boardsTensor(batch.Boards, batch.Size, paddedSize)
	if err != nil {
		return nil, err
	}
	if len(batch.Policies) != batch.Size*l.geometry.Actions || len(batch.Values) != batch.Size {
		return nil, errors.Errorf("batch of %d boards has %d policy and %d value labels, expected %d and %d",
			batch.Size, len(batch.Policies), len(batch.Values), batch.Size*l.geometry.Actions, batch.Size)
	}
	inputs := []*tensors.Tensor{
		boardsT,
		tensors.FromFlatDataAndDimensions(padFloats(batch.Policies, paddedSize*l.geometry.Actions), paddedSize, l.geometry.Actions),
		tensors.FromFlatDataAndDimensions(padFloats(batch.Values, paddedSize), paddedSize, 1),
	}
	if withWeights {
		weights := make([]float32, paddedSize)
		for ii := range batch.Size {
			weights[ii] = 1
		}
		inputs = append(inputs, tensors.FromFlatDataAndDimensions(weights, paddedSize))
	}
	return generics.SliceMap(inputs, func(t *tensors.Tensor) any {
		return graph.DonateTensorBuffer(t, backend())
	}), nil
}

// toLosses converts the outputs of the loss graph: total, policy and value losses.
func toLosses(outputs []*tensors.Tensor) ai.Losses {
	losses := ai.Losses{
		Total:  tensors.ToScalar[float32](outputs[0]),
		Policy: tensors.ToScalar[float32](outputs[1]),
		Value:  tensors.ToScalar[float32](outputs[2]),
	}
	for _, t := range outputs {
		t.FinalizeAll()
	}
	return losses
}

// TrainStep implements ai.Learner: one AdamW step on the batch.
// Batch normalization uses the batch statistics and updates its running averages, so training
// batches are never padded.
func (l *Learner) TrainStep(batch *dataset.Batch) (ai.Losses, error) {
	inputs, err := l.batchInputs(batch, batch.Size, false)
	if err != nil {
		return ai.Losses{}, err
	}
	l.muLearning.Lock()
	defer l.muLearning.Unlock()
	outputs, err := callExec(l.trainStepExec, inputs...)
	if err != nil {
		return ai.Losses{}, errors.WithMessagef(err, "training step on batch #%d", batch.Index)
	}
	losses := toLosses(outputs)
	klog.V(2).Infof("Batch #%d (%d samples): %s", batch.Index, batch.Size, losses)
	return losses, nil
}

// Loss implements ai.Learner. It uses inference mode, so the model is not changed.
// The batch is padded like in Infer, and the padding is left out of the losses.
func (l *Learner) Loss(batch *dataset.Batch) (ai.Losses, error) {
	inputs, err := l.batchInputs(batch, l.paddedSize(batch.Size), true)
	if err != nil {
		return ai.Losses{}, err
	}
	l.muLearning.RLock()
	defer l.muLearning.RUnlock()
	outputs, err := callExec(l.lossExec, inputs...)
	if err != nil {
		return ai.Losses{}, errors.WithMessagef(err, "evaluating loss on batch #%d", batch.Index)
	}
	return toLosses(outputs), nil
}

// learningRateVar returns the variable holding the learning rate used by the optimizer.
func (l *Learner) learningRateVar() *context.Variable {
	ctx := l.model.Context()
	return optimizers.LearningRateVar(ctx, dtypes.Float32, context.GetParamOr(ctx, optimizers.ParamLearningRate, 0.001))
}

// LearningRate implements ai.Learner.
func (l *Learner) LearningRate() float64 {
	l.muLearning.RLock()
	defer l.muLearning.RUnlock()
	return float64(tensors.ToScalar[float32](l.learningRateVar().Value()))
}

// SetLearningRate implements ai.Learner.
func (l *Learner) SetLearningRate(lr float64) error {
	if lr <= 0 {
		return errors.Errorf("learning rate must be > 0, got %g", lr)
	}
	l.muLearning.Lock()
	defer l.muLearning.Unlock()
	return exceptions.TryCatch[error](func() {
		l.learningRateVar().SetValue(tensors.FromScalar(float32(lr)))
	})
}

// callExec calls exec, converting panics to errors.
func callExec(exec *context.Exec, args ...any) (outputs []*tensors.Tensor, err error) {
	err = exceptions.TryCatch[error](func() { outputs = exec.Call(args...) })
	return
}

// tryCatch runs fn, converting panics to errors.
func tryCatch(fn func() error) (err error) {
	if panicErr := exceptions.TryCatch[error](func() { err = fn() }); panicErr != nil {
		return panicErr
	}
	return
}
