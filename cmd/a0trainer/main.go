// a0trainer trains the policy+value network on a dataset of Othello positions, and exports
// the trained model as an ONNX artifact.
//
// The dataset directory must hold the files board.bin, policy.bin and value.bin, see package dataset.
//
// Example:
//
//	a0trainer -dataset=data/selfplay -output=models/trained.onnx -epochs=20 -model="channels=128,blocks=6"
package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/janpfeifer/must"
	"github.com/janpfeifer/othelloGo/internal/dataset"
	"github.com/janpfeifer/othelloGo/internal/profilers"
	"github.com/janpfeifer/othelloGo/internal/trainer"
	"github.com/janpfeifer/othelloGo/internal/ui/cli"
	"github.com/janpfeifer/othelloGo/internal/ui/spinning"
	"k8s.io/klog/v2"
)

var defaultConfig = trainer.DefaultConfig()

// Flags
var (
	flagDataset      = flag.String("dataset", "", "Directory with the dataset files board.bin, policy.bin and value.bin.")
	flagOutput       = flag.String("output", defaultConfig.OutputPath, "Path where to export the trained model in ONNX format.")
	flagEpochs       = flag.Int("epochs", defaultConfig.NumEpochs, "Number of epochs to train.")
	flagBatchSize    = flag.Int("batch_size", defaultConfig.BatchSize, "Number of samples per training step.")
	flagLearningRate = flag.Float64("lr", defaultConfig.LearningRate, "Initial learning rate.")
	flagWeightDecay  = flag.Float64("weight_decay", defaultConfig.WeightDecay, "Weight decay of the AdamW optimizer.")
	flagShuffle      = flag.Bool("shuffle", defaultConfig.Shuffle, "Shuffle the dataset at the start of every epoch.")
	flagWorkers      = flag.Int("workers", defaultConfig.NumWorkers, "Number of goroutines assembling batches.")
	flagPrefetch     = flag.Int("prefetch", defaultConfig.Prefetch, "Number of batches assembled ahead of training.")
	flagSeed         = flag.Int64("seed", 0, "Seed for the shuffling. If 0 a time based seed is used.")

	flagPlateauFactor   = flag.Float64("plateau_factor", defaultConfig.Plateau.Factor, "Factor multiplying the learning rate when the loss plateaus.")
	flagPlateauPatience = flag.Int("plateau_patience", defaultConfig.Plateau.Patience, "Number of epochs without improvement before reducing the learning rate.")
	flagPlateauCooldown = flag.Int("plateau_cooldown", defaultConfig.Plateau.Cooldown, "Number of epochs to wait after a learning rate reduction.")
	flagMinLearningRate = flag.Float64("min_lr", defaultConfig.Plateau.MinLearningRate, "Lower bound of the learning rate.")
)

// Globals
var (
	// globalCtx used everywhere. It is cancelled when the program is about to exit either by
	// an interrupt (ctrl+C) or by reaching the end.
	globalCtx = context.Background()
)

func configFromFlags() trainer.Config {
	config := defaultConfig
	config.DatasetDir = *flagDataset
	config.OutputPath = *flagOutput
	config.NumEpochs = *flagEpochs
	config.BatchSize = *flagBatchSize
	config.LearningRate = *flagLearningRate
	config.WeightDecay = *flagWeightDecay
	config.Shuffle = *flagShuffle
	config.NumWorkers = *flagWorkers
	config.Prefetch = *flagPrefetch
	config.Seed = *flagSeed
	if config.Seed == 0 {
		config.Seed = time.Now().UnixNano()
	}
	config.Plateau.Factor = *flagPlateauFactor
	config.Plateau.Patience = *flagPlateauPatience
	config.Plateau.Cooldown = *flagPlateauCooldown
	config.Plateau.MinLearningRate = *flagMinLearningRate
	return config
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	// Capture Control+C
	var globalCancel func()
	globalCtx, globalCancel = context.WithCancel(context.Background())
	spinning.SafeInterrupt(globalCancel, 5*time.Second)
	defer globalCancel()

	profilers.Setup(globalCtx)
	defer profilers.OnQuit()

	config := configFromFlags()
	if config.DatasetDir == "" {
		klog.Exitf("Please set the dataset directory with -dataset")
	}
	must.M(config.Validate())

	ui := cli.New()
	ui.Title("a0trainer: %d epochs, batch size %d, learning rate %g", config.NumEpochs, config.BatchSize, config.LearningRate)
	learner := must.M1(createLearner(config))
	fmt.Printf("Model: %s\n", learner)

	var ds *dataset.Dataset
	must.M(spinning.Run(globalCtx, fmt.Sprintf("Loading dataset from %q", config.DatasetDir), func() (err error) {
		ds, err = dataset.Load(config.DatasetDir, learner.Geometry())
		return
	}))
	fmt.Printf("Dataset: %d samples of %s\n", ds.NumSamples, ds.Geometry)

	loop := must.M1(trainer.New(config, learner, learner, ds))
	loop.OnBatch = func(epoch int, _ *dataset.Batch, metrics *trainer.Metrics) {
		ui.Batch(epoch, config.NumEpochs, metrics, loop.NumBatches())
	}
	loop.OnEpoch = ui.Epoch
	summaries, err := loop.Run(globalCtx)
	klog.V(1).Infof("%s: %d graph compilations", learner, learner.NumCompilations.Load())
	if globalCtx.Err() != nil {
		klog.Warningf("Training interrupted after %d epochs, model not exported.", len(summaries))
		return
	}
	must.M(err)
	if config.OutputPath == "" {
		return
	}
	ui.Done(config.OutputPath)
	if *flagVerify {
		must.M(verifyArtifact(learner, config.OutputPath, ds))
	}
}
