// Package trainer implements the training loop of the policy+value model: it iterates over a
// dataset in shuffled mini-batches for a fixed number of epochs, adapts the learning rate when the
// loss reaches a plateau, and exports the trained model at the end.
package trainer

import (
	"fmt"

	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/pkg/errors"
)

var (
	// ErrInvalidConfig is returned when a Config or PlateauConfig has invalid values.
	ErrInvalidConfig = errors.New("invalid training configuration")

	// ErrNonFiniteLoss is returned when a training step yields a NaN or infinite loss.
	// Training is aborted and the model is not exported.
	ErrNonFiniteLoss = errors.New("non-finite training loss")
)

// PlateauConfig configures the reduce-on-plateau learning rate schedule.
type PlateauConfig struct {
	// Factor multiplying the learning rate when reduced, in (0, 1).
	Factor float64

	// Patience is the number of epochs without improvement tolerated before reducing the learning rate.
	Patience int

	// Threshold is the relative improvement of the loss required to count as better than the best so far.
	Threshold float64

	// Cooldown is the number of epochs to wait after a reduction before counting epochs without improvement again.
	Cooldown int

	// MinLearningRate is the lower bound of the learning rate.
	MinLearningRate float64
}

// DefaultPlateauConfig returns the default schedule: reduce by 10x after 10 epochs without a 0.01% improvement.
func DefaultPlateauConfig() PlateauConfig {
	return PlateauConfig{
		Factor:    0.1,
		Patience:  10,
		Threshold: 1e-4,
	}
}

// Validate returns an error wrapping ErrInvalidConfig if any value is out of range.
func (c PlateauConfig) Validate() error {
	switch {
	case c.Factor <= 0 || c.Factor >= 1:
		return errors.Wrapf(ErrInvalidConfig, "plateau factor must be in (0, 1), got %g", c.Factor)
	case c.Patience < 0:
		return errors.Wrapf(ErrInvalidConfig, "plateau patience must be >= 0, got %d", c.Patience)
	case c.Threshold < 0:
		return errors.Wrapf(ErrInvalidConfig, "plateau threshold must be >= 0, got %g", c.Threshold)
	case c.Cooldown < 0:
		return errors.Wrapf(ErrInvalidConfig, "plateau cooldown must be >= 0, got %d", c.Cooldown)
	case c.MinLearningRate < 0:
		return errors.Wrapf(ErrInvalidConfig, "minimum learning rate must be >= 0, got %g", c.MinLearningRate)
	}
	return nil
}

// Config of a training run.
type Config struct {
	// DatasetDir holds the dataset files, see package dataset.
	DatasetDir string

	// OutputPath where the trained model is exported. If empty the model is not exported.
	OutputPath string

	BatchSize, NumEpochs int

	// LearningRate at the start of training, and WeightDecay of the AdamW optimizer.
	LearningRate, WeightDecay float64

	// Shuffle the dataset at the start of every epoch.
	Shuffle bool

	// NumWorkers assembling batches, and Prefetch is how many assembled batches are buffered.
	NumWorkers, Prefetch int

	// Seed for the shuffling.
	Seed int64

	Plateau PlateauConfig
}

// DefaultConfig returns the default training configuration.
func DefaultConfig() Config {
	return Config{
		OutputPath:   "models/trained.onnx",
		BatchSize:    64,
		NumEpochs:    10,
		LearningRate: 1e-3,
		WeightDecay:  1e-2,
		Shuffle:      true,
		NumWorkers:   4,
		Prefetch:     2,
		Plateau:      DefaultPlateauConfig(),
	}
}

// Validate returns an error wrapping ErrInvalidConfig if any value is out of range.
func (c Config) Validate() error {
	switch {
	case c.BatchSize <= 0:
		return errors.Wrapf(ErrInvalidConfig, "batch size must be > 0, got %d", c.BatchSize)
	case c.NumEpochs <= 0:
		return errors.Wrapf(ErrInvalidConfig, "number of epochs must be > 0, got %d", c.NumEpochs)
	case c.LearningRate <= 0:
		return errors.Wrapf(ErrInvalidConfig, "learning rate must be > 0, got %g", c.LearningRate)
	case c.WeightDecay < 0:
		return errors.Wrapf(ErrInvalidConfig, "weight decay must be >= 0, got %g", c.WeightDecay)
	case c.NumWorkers <= 0:
		return errors.Wrapf(ErrInvalidConfig, "number of workers must be > 0, got %d", c.NumWorkers)
	case c.Prefetch < 0:
		return errors.Wrapf(ErrInvalidConfig, "prefetch must be >= 0, got %d", c.Prefetch)
	case c.Plateau.MinLearningRate > c.LearningRate:
		return errors.Wrapf(ErrInvalidConfig, "minimum learning rate %g is larger than the learning rate %g",
			c.Plateau.MinLearningRate, c.LearningRate)
	}
	return c.Plateau.Validate()
}

// ModelParams returns the model hyperparameters set by the training configuration, in the
// "key=value,..." format accepted by the model configuration.
func (c Config) ModelParams() string {
	return fmt.Sprintf("%s=%g,%s=%g,batch_size=%d",
		optimizers.ParamLearningRate, c.LearningRate,
		optimizers.ParamAdamWeightDecay, c.WeightDecay,
		c.BatchSize)
}
