// Package ai (Artificial Intelligence) defines the standard interfaces implemented by the
// policy+value models: evaluation (inference), learning and exporting.
//
// The models themselves live in sub-packages (see internal/ai/gomlx).
package ai

import (
	"fmt"

	"github.com/janpfeifer/othelloGo/internal/dataset"
	"github.com/janpfeifer/othelloGo/internal/features"
)

// WinGameScore for the winning side. For the losing side it is -WinGameScore.
// Value targets and value predictions are bounded to [-WinGameScore, +WinGameScore].
const WinGameScore = float32(1)

// Prediction holds the outputs of a model for a batch of boards.
type Prediction struct {
	BatchSize int

	// Values shaped [BatchSize, 1], each in [-WinGameScore, WinGameScore]: the expected outcome for the side to move.
	Values []float32

	// Policies shaped [BatchSize, Actions]. Depending on the call these are either probabilities
	// (non-negative, summing to 1) or the raw logits.
	Policies []float32
}

// Policy returns the policy row (a view) for the board idx of the batch.
func (p *Prediction) Policy(idx int) []float32 {
	numActions := len(p.Policies) / p.BatchSize
	return p.Policies[idx*numActions : (idx+1)*numActions]
}

// Evaluator estimates the value and the policy of batches of boards.
type Evaluator interface {
	// Geometry of the boards and actions accepted by the model.
	Geometry() features.Geometry

	// Infer returns values and policy probabilities for a batch of batchSize boards, shaped
	// [batchSize, Planes, Height, Width]. Boards are evaluated independently of each other.
	Infer(boards []float32, batchSize int) (*Prediction, error)

	// String returns the model name.
	String() string
}

// Losses of a training step (or evaluation) on a batch, each the mean over the batch.
type Losses struct {
	// Policy is the cross-entropy between the predicted logits and the target distribution.
	Policy float32

	// Value is the mean squared error between the predicted and the target value.
	Value float32

	// Total = Policy + Value, the loss being minimized.
	Total float32
}

// String implements fmt.Stringer.
func (l Losses) String() string {
	return fmt.Sprintf("total=%.4f (policy=%.4f, value=%.4f)", l.Total, l.Policy, l.Value)
}

// Learner is the interface used to train an Evaluator.
type Learner interface {
	Evaluator

	// TrainStep runs forward and backward passes on the batch and updates the model parameters
	// with one optimizer step. It returns the losses computed before the update.
	TrainStep(batch *dataset.Batch) (Losses, error)

	// Loss evaluates the losses on the batch without changing the model.
	Loss(batch *dataset.Batch) (Losses, error)

	// LearningRate currently used by the optimizer.
	LearningRate() float64

	// SetLearningRate used by the following training steps.
	SetLearningRate(lr float64) error
}

// Exporter saves a model as a portable inference artifact.
type Exporter interface {
	// Export the model, with its parameters frozen at call time, to the given path.
	Export(path string) error
}
