package gomlx

import (
	"math"
	"math/rand/v2"
	"path/filepath"
	"sync"
	"testing"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/othelloGo/internal/ai"
	"github.com/janpfeifer/othelloGo/internal/artifact"
	"github.com/janpfeifer/othelloGo/internal/dataset"
	"github.com/janpfeifer/othelloGo/internal/features"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/xla"
)

// smallConfig keeps the model small enough for fast tests.
const smallConfig = "channels=8,blocks=2,head_hidden=16"

func newTestLearner(t *testing.T, config string) *Learner {
	l, err := New(config)
	require.NoError(t, err)
	return l
}

// randomBoards returns batchSize boards with each feature randomly set to 0 or 1, like stones on a board.
func randomBoards(rng *rand.Rand, geometry features.Geometry, batchSize int) []float32 {
	boards := make([]float32, batchSize*geometry.BoardSize())
	for ii := range boards {
		if rng.IntN(3) == 0 {
			boards[ii] = 1
		}
	}
	return boards
}

// randomBatch returns a batch with one-hot policy targets and values in {-1, 1}.
func randomBatch(rng *rand.Rand, geometry features.Geometry, batchSize int) *dataset.Batch {
	batch := &dataset.Batch{
		Size:     batchSize,
		Boards:   randomBoards(rng, geometry, batchSize),
		Policies: make([]float32, batchSize*geometry.Actions),
		Values:   make([]float32, batchSize),
	}
	for ii := range batchSize {
		batch.Policies[ii*geometry.Actions+rng.IntN(geometry.Actions)] = 1
		batch.Values[ii] = ai.WinGameScore
		if rng.IntN(2) == 0 {
			batch.Values[ii] = -ai.WinGameScore
		}
	}
	return batch
}

// requireValidPrediction checks shapes, that values are bounded by ai.WinGameScore and that policies are distributions.
func requireValidPrediction(t *testing.T, geometry features.Geometry, batchSize int, pred *ai.Prediction) {
	require.Equal(t, batchSize, pred.BatchSize)
	require.Len(t, pred.Values, batchSize)
	require.Len(t, pred.Policies, batchSize*geometry.Actions)
	for ii := range batchSize {
		value := pred.Values[ii]
		require.Falsef(t, math.IsNaN(float64(value)), "value #%d is NaN", ii)
		require.GreaterOrEqual(t, value, -ai.WinGameScore)
		require.LessOrEqual(t, value, ai.WinGameScore)
		var sum float64
		for _, p := range pred.Policy(ii) {
			require.GreaterOrEqualf(t, p, float32(0), "policy #%d has negative probability", ii)
			sum += float64(p)
		}
		require.InDeltaf(t, 1.0, sum, 1e-5, "policy #%d sums to %g", ii, sum)
	}
}

func TestInfer(t *testing.T) {
	l := newTestLearner(t, smallConfig)
	geometry := l.Geometry()
	require.Equal(t, features.Default, geometry)
	rng := rand.New(rand.NewPCG(42, 0))
	for _, batchSize := range []int{1, 2, 5, 13, 64} {
		pred, err := l.Infer(randomBoards(rng, geometry, batchSize), batchSize)
		require.NoError(t, err)
		requireValidPrediction(t, geometry, batchSize, pred)
	}

	// Boards are evaluated independently: the same board yields the same prediction in any batch.
	boards := randomBoards(rng, geometry, 3)
	batchPred, err := l.Infer(boards, 3)
	require.NoError(t, err)
	singlePred, err := l.Infer(boards[geometry.BoardSize():2*geometry.BoardSize()], 1)
	require.NoError(t, err)
	require.InDelta(t, batchPred.Values[1], singlePred.Values[0], 1e-5)
	require.InDeltaSlice(t, batchPred.Policy(1), singlePred.Policy(0), 1e-5)

	// Large magnitude features saturate the value head, without NaNs.
	const batchSize = 4
	large := make([]float32, batchSize*geometry.BoardSize())
	for ii := range large {
		large[ii] = 1e3
		if rng.IntN(2) == 0 {
			large[ii] = -1e3
		}
	}
	pred, err := l.Infer(large, batchSize)
	require.NoError(t, err)
	requireValidPrediction(t, geometry, batchSize, pred)

	// Invalid inputs.
	_, err = l.Infer(make([]float32, 10), 1)
	require.Error(t, err)
	_, err = l.Infer(nil, 0)
	require.Error(t, err)
}

func TestInferAllZeroBoardsDefaultModel(t *testing.T) {
	// Default model: 256 channels and 8 residual blocks.
	l := newTestLearner(t, "")
	require.Equal(t, 256, context.GetParamOr(l.Model().Context(), ParamChannels, 0))
	require.Equal(t, 8, context.GetParamOr(l.Model().Context(), ParamBlocks, 0))
	geometry := l.Geometry()
	const batchSize = 2
	pred, err := l.Infer(make([]float32, batchSize*geometry.BoardSize()), batchSize)
	require.NoError(t, err)
	requireValidPrediction(t, geometry, batchSize, pred)
}

func TestForwardTrainMatchesInfer(t *testing.T) {
	l := newTestLearner(t, smallConfig)
	geometry := l.Geometry()
	rng := rand.New(rand.NewPCG(7, 0))
	const batchSize = 4
	boards := randomBoards(rng, geometry, batchSize)
	inferred, err := l.Infer(boards, batchSize)
	require.NoError(t, err)
	forward, err := l.ForwardTrain(boards, batchSize)
	require.NoError(t, err)
	require.InDeltaSlice(t, inferred.Values, forward.Values, 1e-5)

	// Softmax of the logits must match the inferred policy.
	for ii := range batchSize {
		logits := forward.Policy(ii)
		maxLogit := math.Inf(-1)
		for _, logit := range logits {
			maxLogit = max(maxLogit, float64(logit))
		}
		var sum float64
		probs := make([]float64, len(logits))
		for jj, logit := range logits {
			probs[jj] = math.Exp(float64(logit) - maxLogit)
			sum += probs[jj]
		}
		for jj := range probs {
			require.InDelta(t, probs[jj]/sum, inferred.Policy(ii)[jj], 1e-5)
		}
	}
}

func TestManyBatchSizes(t *testing.T) {
	l := newTestLearner(t, smallConfig)
	geometry := l.Geometry()
	rng := rand.New(rand.NewPCG(11, 0))
	for batchSize := 1; batchSize <= 64; batchSize++ {
		boards := randomBoards(rng, geometry, batchSize)
		pred, err := l.Infer(boards, batchSize)
		require.NoErrorf(t, err, "Infer with batch size %d", batchSize)
		requireValidPrediction(t, geometry, batchSize, pred)

		forward, err := l.ForwardTrain(boards, batchSize)
		require.NoErrorf(t, err, "ForwardTrain with batch size %d", batchSize)
		require.Len(t, forward.Values, batchSize)
		require.Len(t, forward.Policies, batchSize*geometry.Actions)

		_, err = l.Loss(randomBatch(rng, geometry, batchSize))
		require.NoErrorf(t, err, "Loss with batch size %d", batchSize)
	}
	// Padding keeps the number of programs small: far less than one per batch size.
	require.Less(t, l.NumCompilations.Load(), int64(64))
}

// expectedLosses computes the losses of batch in plain Go, from the values and logits of ForwardTrain.
func expectedLosses(t *testing.T, l *Learner, batch *dataset.Batch) ai.Losses {
	forward, err := l.ForwardTrain(batch.Boards, batch.Size)
	require.NoError(t, err)
	numActions := l.Geometry().Actions
	var policyLoss, valueLoss float64
	for ii := range batch.Size {
		logits := forward.Policy(ii)
		labels := batch.Policies[ii*numActions : (ii+1)*numActions]
		maxLogit := math.Inf(-1)
		for _, logit := range logits {
			maxLogit = max(maxLogit, float64(logit))
		}
		var sumExp, sumLabels float64
		for jj, logit := range logits {
			sumExp += math.Exp(float64(logit) - maxLogit)
			sumLabels += float64(labels[jj])
		}
		logSumExp := maxLogit + math.Log(sumExp)
		for jj, logit := range logits {
			policyLoss -= float64(labels[jj]) / sumLabels * (float64(logit) - logSumExp)
		}
		diff := float64(forward.Values[ii] - batch.Values[ii])
		valueLoss += diff * diff
	}
	policyLoss /= float64(batch.Size)
	valueLoss /= float64(batch.Size)
	return ai.Losses{Policy: float32(policyLoss), Value: float32(valueLoss), Total: float32(policyLoss + valueLoss)}
}

func TestLossIgnoresPadding(t *testing.T) {
	l := newTestLearner(t, smallConfig)
	geometry := l.Geometry()
	rng := rand.New(rand.NewPCG(13, 0))
	// 3 is padded to 8, 64 is the preferred batch size and not padded.
	for _, batchSize := range []int{1, 3, 64} {
		batch := randomBatch(rng, geometry, batchSize)
		want := expectedLosses(t, l, batch)
		got, err := l.Loss(batch)
		require.NoError(t, err)
		require.InDeltaf(t, want.Policy, got.Policy, 1e-3, "policy loss for batch size %d", batchSize)
		require.InDeltaf(t, want.Value, got.Value, 1e-4, "value loss for batch size %d", batchSize)
		require.InDeltaf(t, want.Total, got.Total, 1e-3, "total loss for batch size %d", batchSize)
	}
}

func TestResidualBlockPreservesShape(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	for _, dims := range [][3]int{{8, 8, 4}, {6, 5, 3}, {1, 1, 16}} {
		height, width, channels := dims[0], dims[1], dims[2]
		ctx := context.New()
		input := tensors.FromShape(shapes.Make(dtypes.Float32, 2, height, width, channels))
		output := context.ExecOnce(backend, ctx, func(ctx *context.Context, x *Node) *Node {
			return callLayer(ctx, NewResidualBlock("res", channels, 0.1, 1e-5), x)
		}, input)
		require.Equal(t, []int{2, height, width, channels}, output.Shape().Dimensions)
	}

	// Skip connection requires matching channels.
	require.Panics(t, func() {
		ctx := context.New()
		input := tensors.FromShape(shapes.Make(dtypes.Float32, 1, 8, 8, 3))
		_ = context.ExecOnce(backend, ctx, func(ctx *context.Context, x *Node) *Node {
			return callLayer(ctx, NewResidualBlock("res", 4, 0.1, 1e-5), x)
		}, input)
	})
}

func TestBatchNormRunningStatistics(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	bn := NewBatchNorm("bn", 1, 0.5, 1e-5)
	// Values 1 and 3: mean 2, biased variance 1, unbiased variance 2.
	input := tensors.FromFlatDataAndDimensions([]float32{1, 3}, 2, 1)
	output := context.ExecOnce(backend, ctx, func(ctx *context.Context, x *Node) *Node {
		ctx.SetTraining(x.Graph(), true)
		return callLayer(ctx, bn, x)
	}, input)
	normalized := tensors.CopyFlatData[float32](output)
	require.InDelta(t, -1.0, normalized[0], 1e-3)
	require.InDelta(t, 1.0, normalized[1], 1e-3)

	// Running averages moved halfway from (0, 1) to (2, 2).
	bnCtx := ctx.In("bn")
	mean := tensors.CopyFlatData[float32](bnCtx.InspectVariable(bnCtx.Scope(), "mean").Value())[0]
	variance := tensors.CopyFlatData[float32](bnCtx.InspectVariable(bnCtx.Scope(), "variance").Value())[0]
	require.InDelta(t, 1.0, mean, 1e-5)
	require.InDelta(t, 1.5, variance, 1e-5)
}

func TestNewInvalidParams(t *testing.T) {
	_, err := New("channels=8,bogus=3")
	require.ErrorContains(t, err, "bogus")
	_, err = New("channels=eight")
	require.Error(t, err)
	_, err = New("channels=0")
	require.Error(t, err)
	_, err = New("num_actions=10")
	require.Error(t, err)
}

func TestNewCustomGeometry(t *testing.T) {
	l := newTestLearner(t, "channels=4,blocks=1,head_hidden=8,board_height=6,board_width=5,num_actions=31,planes=2")
	geometry := l.Geometry()
	require.Equal(t, features.Geometry{Planes: 2, Height: 6, Width: 5, Actions: 31}, geometry)
	rng := rand.New(rand.NewPCG(3, 0))
	pred, err := l.Infer(randomBoards(rng, geometry, 3), 3)
	require.NoError(t, err)
	requireValidPrediction(t, geometry, 3, pred)
}

func TestLearningRate(t *testing.T) {
	l := newTestLearner(t, smallConfig+",learning_rate=0.002")
	require.InDelta(t, 0.002, l.LearningRate(), 1e-7)
	require.NoError(t, l.SetLearningRate(5e-4))
	require.InDelta(t, 5e-4, l.LearningRate(), 1e-7)
	require.Error(t, l.SetLearningRate(0))
	require.Error(t, l.SetLearningRate(-1))
}

func TestOverfitSingleBatch(t *testing.T) {
	l := newTestLearner(t, "channels=16,blocks=1,head_hidden=64,learning_rate=0.01")
	rng := rand.New(rand.NewPCG(1, 1))
	batch := randomBatch(rng, l.Geometry(), 8)

	const numSteps = 300
	totals := make([]float32, 0, numSteps)
	for range numSteps {
		losses, err := l.TrainStep(batch)
		require.NoError(t, err)
		require.InDelta(t, losses.Total, losses.Policy+losses.Value, 1e-4)
		totals = append(totals, losses.Total)
	}
	mean := func(values []float32) (m float32) {
		for _, v := range values {
			m += v
		}
		return m / float32(len(values))
	}
	first, last := mean(totals[:10]), mean(totals[len(totals)-10:])
	t.Logf("Total loss: first steps %.4f, last steps %.4f", first, last)
	require.Less(t, last, first/10)
	require.Less(t, last, float32(0.1))
}

func TestLossDoesNotChangeModel(t *testing.T) {
	l := newTestLearner(t, smallConfig)
	rng := rand.New(rand.NewPCG(5, 0))
	batch := randomBatch(rng, l.Geometry(), 6)
	losses0, err := l.Loss(batch)
	require.NoError(t, err)
	losses1, err := l.Loss(batch)
	require.NoError(t, err)
	require.Equal(t, losses0, losses1)
	require.Greater(t, losses0.Policy, float32(0))

	// All-zero policy rows add no policy loss.
	zeroPolicies := *batch
	zeroPolicies.Policies = make([]float32, len(batch.Policies))
	losses, err := l.Loss(&zeroPolicies)
	require.NoError(t, err)
	require.InDelta(t, 0.0, losses.Policy, 1e-6)

	// Mismatched labels.
	bad := *batch
	bad.Values = bad.Values[:2]
	_, err = l.Loss(&bad)
	require.Error(t, err)
}

func TestConcurrentInferDuringTraining(t *testing.T) {
	l := newTestLearner(t, smallConfig)
	geometry := l.Geometry()
	rng := rand.New(rand.NewPCG(11, 0))
	batch := randomBatch(rng, geometry, 8)
	boards := randomBoards(rng, geometry, 4)

	var wg sync.WaitGroup
	errs := make(chan error, 64)
	wg.Add(2)
	go func() {
		defer wg.Done()
		for range 10 {
			if _, err := l.TrainStep(batch); err != nil {
				errs <- err
			}
		}
	}()
	go func() {
		defer wg.Done()
		for range 10 {
			pred, err := l.Infer(boards, 4)
			if err != nil {
				errs <- err
				continue
			}
			for _, v := range pred.Values {
				if math.IsNaN(float64(v)) {
					errs <- errors.New("NaN value during concurrent training")
				}
			}
		}
	}()
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
}

func TestExportRoundTrip(t *testing.T) {
	l := newTestLearner(t, smallConfig)
	geometry := l.Geometry()
	rng := rand.New(rand.NewPCG(13, 0))

	// A few training steps so batch normalization statistics are not the initial ones.
	for range 3 {
		_, err := l.TrainStep(randomBatch(rng, geometry, 16))
		require.NoError(t, err)
	}

	path := filepath.Join(t.TempDir(), "models", "trained.onnx")
	require.NoError(t, l.Export(path))
	model, err := artifact.Load(path)
	require.NoError(t, err)
	for _, node := range model.Graph.Node {
		require.NotEqual(t, "BatchNormalization", node.OpType, "BatchNormalization should have been folded")
	}
	dims, err := artifact.InputDims(model)
	require.NoError(t, err)
	require.Equal(t, []int{artifact.Dynamic, geometry.Planes, geometry.Height, geometry.Width}, dims)
	var channels string
	for _, prop := range model.MetadataProps {
		if prop.Key == ParamChannels {
			channels = prop.Value
		}
	}
	require.Equal(t, "8", channels)

	session, err := artifact.NewSession(model)
	require.NoError(t, err)
	// Batch sizes different from the one used to initialize the model (1).
	for _, batchSize := range []int{1, 5} {
		boards := randomBoards(rng, geometry, batchSize)
		want, err := l.Infer(boards, batchSize)
		require.NoError(t, err)
		values, policies, err := session.Run(boards, batchSize)
		require.NoError(t, err)
		require.InDeltaSlice(t, want.Values, values, 1e-4)
		require.InDeltaSlice(t, want.Policies, policies, 1e-4)
	}
}

// squareLayer has no ONNX lowering.
type squareLayer struct{}

func (squareLayer) Name() string { return "square" }

func (squareLayer) Forward(_ *context.Context, x *Node) *Node { return Square(x) }

func TestExportUnsupportedLayer(t *testing.T) {
	l := newTestLearner(t, smallConfig)
	m := l.Model()
	head := NewSequential("value_head", NewRelu("relu"), squareLayer{})
	b := artifact.NewBuilder("unsupported")
	input := b.Input(artifact.InputName, artifact.Dynamic, 1)
	_, err := exportLayer(m.Context(), b, head, input)
	require.ErrorIs(t, err, artifact.ErrUnsupportedOp)
	require.ErrorContains(t, err, "square")
}
