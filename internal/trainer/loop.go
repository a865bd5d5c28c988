package trainer

import (
	"context"
	"time"

	"github.com/chewxy/math32"
	"github.com/janpfeifer/othelloGo/internal/ai"
	"github.com/janpfeifer/othelloGo/internal/dataset"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Loop trains a learner on a dataset.
type Loop struct {
	config    Config
	learner   ai.Learner
	exporter  ai.Exporter
	loader    *dataset.Loader
	scheduler *PlateauScheduler

	// OnBatch is called, if set, after every training step with the metrics of the epoch so far.
	OnBatch func(epoch int, batch *dataset.Batch, metrics *Metrics)

	// OnEpoch is called, if set, at the end of every epoch.
	OnEpoch func(summary EpochSummary)
}

// New creates a training Loop. The exporter is used at the end of training, if config.OutputPath is set.
//
// It fails with ErrInvalidConfig if the configuration is not valid, or if the dataset and the learner
// don't have the same geometry.
func New(config Config, learner ai.Learner, exporter ai.Exporter, ds *dataset.Dataset) (*Loop, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if ds.Geometry != learner.Geometry() {
		return nil, errors.Wrapf(ErrInvalidConfig, "dataset geometry %s doesn't match model geometry %s",
			ds.Geometry, learner.Geometry())
	}
	if config.OutputPath != "" && exporter == nil {
		return nil, errors.Wrapf(ErrInvalidConfig, "output path %q given, but no exporter", config.OutputPath)
	}
	loader, err := dataset.NewLoader(ds, dataset.LoaderOptions{
		BatchSize:  config.BatchSize,
		Shuffle:    config.Shuffle,
		NumWorkers: config.NumWorkers,
		Prefetch:   config.Prefetch,
		Seed:       config.Seed,
	})
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidConfig, "%v", err)
	}
	scheduler, err := NewPlateauScheduler(config.Plateau)
	if err != nil {
		return nil, err
	}
	if err = learner.SetLearningRate(config.LearningRate); err != nil {
		return nil, errors.WithMessagef(err, "setting initial learning rate")
	}
	return &Loop{
		config:    config,
		learner:   learner,
		exporter:  exporter,
		loader:    loader,
		scheduler: scheduler,
	}, nil
}

// Config returns the training configuration.
func (l *Loop) Config() Config { return l.config }

// NumBatches per epoch.
func (l *Loop) NumBatches() int { return l.loader.NumBatches() }

// Run trains for the configured number of epochs and then exports the model to config.OutputPath.
//
// It returns the summaries of the epochs completed. If ctx is cancelled, or a training step fails,
// or a loss is not finite (ErrNonFiniteLoss), training stops and nothing is exported.
func (l *Loop) Run(ctx context.Context) ([]EpochSummary, error) {
	summaries := make([]EpochSummary, 0, l.config.NumEpochs)
	klog.V(1).Infof("Training %s for %d epochs of %d batches", l.learner, l.config.NumEpochs, l.loader.NumBatches())
	for epoch := 1; epoch <= l.config.NumEpochs; epoch++ {
		summary, err := l.runEpoch(ctx, epoch)
		if err != nil {
			return summaries, errors.WithMessagef(err, "epoch %d", epoch)
		}

		// Learning rate schedule on the mean total loss.
		newLearningRate, reduced := l.scheduler.Step(float64(summary.Mean.Total), summary.LearningRate)
		if reduced {
			klog.Warningf("Loss plateaued at %.4f (best %.4f): reducing learning rate from %.3g to %.3g",
				summary.Mean.Total, l.scheduler.Best(), summary.LearningRate, newLearningRate)
			if err = l.learner.SetLearningRate(newLearningRate); err != nil {
				return summaries, errors.WithMessagef(err, "reducing learning rate after epoch %d", epoch)
			}
		}
		summary.NextLearningRate = newLearningRate
		summaries = append(summaries, summary)
		klog.V(1).Infof("Finished %s", summary)
		if l.OnEpoch != nil {
			l.OnEpoch(summary)
		}
	}

	if l.config.OutputPath == "" {
		return summaries, nil
	}
	if err := l.exporter.Export(l.config.OutputPath); err != nil {
		return summaries, errors.WithMessagef(err, "exporting trained model to %q", l.config.OutputPath)
	}
	return summaries, nil
}

// runEpoch runs one training step per batch of the epoch.
func (l *Loop) runEpoch(ctx context.Context, epoch int) (EpochSummary, error) {
	summary := EpochSummary{
		Epoch:        epoch,
		NumEpochs:    l.config.NumEpochs,
		LearningRate: l.learner.LearningRate(),
	}
	metrics := &Metrics{}
	start := time.Now()
	waitStart := start
	for batch, err := range l.loader.Epoch(ctx) {
		if err != nil {
			return summary, err
		}
		if err = ctx.Err(); err != nil {
			return summary, err
		}
		computeStart := time.Now()
		metrics.DataWait += computeStart.Sub(waitStart)
		losses, err := l.learner.TrainStep(batch)
		if err != nil {
			return summary, err
		}
		waitStart = time.Now()
		metrics.Compute += waitStart.Sub(computeStart)
		if !isFinite(losses) {
			return summary, errors.Wrapf(ErrNonFiniteLoss, "batch #%d: %s", batch.Index, losses)
		}
		metrics.Update(losses, batch.Size)
		if l.OnBatch != nil {
			l.OnBatch(epoch, batch, metrics)
		}
	}
	summary.Mean = metrics.Mean()
	summary.NumBatches = metrics.NumBatches
	summary.NumSamples = metrics.NumSamples
	summary.Elapsed = time.Since(start)
	summary.DataWait = metrics.DataWait
	summary.Compute = metrics.Compute
	return summary, nil
}

func isFinite(losses ai.Losses) bool {
	for _, loss := range []float32{losses.Policy, losses.Value, losses.Total} {
		if math32.IsNaN(loss) || math32.IsInf(loss, 0) {
			return false
		}
	}
	return true
}
