package trainer

import (
	"math"
)

// minLearningRateChange below which a reduction is ignored.
const minLearningRateChange = 1e-8

// PlateauScheduler reduces the learning rate when the monitored loss stops improving.
//
// A loss counts as an improvement if it is lower than best*(1-Threshold). After more than
// Patience epochs without improvement, the learning rate is multiplied by Factor (but not below
// MinLearningRate), and epochs are not counted during the following Cooldown epochs.
type PlateauScheduler struct {
	config PlateauConfig

	best            float64
	numBadEpochs    int
	cooldownCounter int
}

// NewPlateauScheduler creates a PlateauScheduler, it fails with ErrInvalidConfig if config is not valid.
func NewPlateauScheduler(config PlateauConfig) (*PlateauScheduler, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &PlateauScheduler{config: config, best: math.Inf(1)}, nil
}

// Best loss seen so far.
func (s *PlateauScheduler) Best() float64 { return s.best }

// Step records the loss of an epoch and returns the learning rate to use given the current one.
// reduced is true if the learning rate was lowered.
func (s *PlateauScheduler) Step(loss, learningRate float64) (newLearningRate float64, reduced bool) {
	if loss < s.best*(1-s.config.Threshold) {
		s.best = loss
		s.numBadEpochs = 0
	} else {
		s.numBadEpochs++
	}
	if s.cooldownCounter > 0 {
		s.cooldownCounter--
		s.numBadEpochs = 0
	}
	if s.numBadEpochs <= s.config.Patience {
		return learningRate, false
	}
	s.cooldownCounter = s.config.Cooldown
	s.numBadEpochs = 0
	newLearningRate = max(learningRate*s.config.Factor, s.config.MinLearningRate)
	if learningRate-newLearningRate <= minLearningRateChange {
		return learningRate, false
	}
	return newLearningRate, true
}
