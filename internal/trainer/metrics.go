package trainer

import (
	"fmt"
	"time"

	"github.com/janpfeifer/othelloGo/internal/ai"
)

// averageLossDecay of the moving average of the losses reported while an epoch runs.
const averageLossDecay = float32(0.95)

func movingAverage(average, newValue, decay float32, count int) float32 {
	decay = min(1-1/float32(count), decay)
	return average*decay + (1-decay)*newValue
}

// Metrics accumulates the losses of the training steps of one epoch.
type Metrics struct {
	NumBatches, NumSamples int

	// Average is a moving average of the losses of the latest batches.
	Average ai.Losses

	// DataWait is the time spent waiting for batches, and Compute the time spent in training steps.
	DataWait, Compute time.Duration

	// Sums of the losses weighted by the batch sizes.
	sumPolicy, sumValue, sumTotal float64
}

// Update the metrics with the losses of a training step on batchSize samples.
func (m *Metrics) Update(losses ai.Losses, batchSize int) {
	m.NumBatches++
	m.NumSamples += batchSize
	weight := float64(batchSize)
	m.sumPolicy += weight * float64(losses.Policy)
	m.sumValue += weight * float64(losses.Value)
	m.sumTotal += weight * float64(losses.Total)
	m.Average.Policy = movingAverage(m.Average.Policy, losses.Policy, averageLossDecay, m.NumBatches)
	m.Average.Value = movingAverage(m.Average.Value, losses.Value, averageLossDecay, m.NumBatches)
	m.Average.Total = movingAverage(m.Average.Total, losses.Total, averageLossDecay, m.NumBatches)
}

// Mean losses per sample over the epoch so far.
func (m *Metrics) Mean() ai.Losses {
	if m.NumSamples == 0 {
		return ai.Losses{}
	}
	n := float64(m.NumSamples)
	return ai.Losses{
		Policy: float32(m.sumPolicy / n),
		Value:  float32(m.sumValue / n),
		Total:  float32(m.sumTotal / n),
	}
}

// EpochSummary reports the results of one epoch.
type EpochSummary struct {
	// Epoch number, starting at 1.
	Epoch, NumEpochs int

	// Mean losses per sample.
	Mean ai.Losses

	NumBatches, NumSamples int

	// LearningRate used during the epoch, and NextLearningRate the one set by the scheduler for the following epoch.
	LearningRate, NextLearningRate float64

	Elapsed, DataWait, Compute time.Duration
}

// SamplesPerSecond trained during the epoch.
func (s EpochSummary) SamplesPerSecond() float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return float64(s.NumSamples) / s.Elapsed.Seconds()
}

// LearningRateReduced returns whether the scheduler lowered the learning rate at the end of the epoch.
func (s EpochSummary) LearningRateReduced() bool {
	return s.NextLearningRate < s.LearningRate
}

// String implements fmt.Stringer.
func (s EpochSummary) String() string {
	return fmt.Sprintf("epoch %d/%d: %s, lr=%.3g, %d samples, %.1f samples/s (data wait %s, compute %s)",
		s.Epoch, s.NumEpochs, s.Mean, s.LearningRate, s.NumSamples, s.SamplesPerSecond(),
		s.DataWait.Round(time.Millisecond), s.Compute.Round(time.Millisecond))
}
