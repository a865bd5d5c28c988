package main

import (
	"flag"
	"fmt"
	"math/rand/v2"

	"github.com/janpfeifer/othelloGo/internal/ai/gomlx"
	"github.com/janpfeifer/othelloGo/internal/artifact"
	"github.com/janpfeifer/othelloGo/internal/dataset"
	"github.com/janpfeifer/othelloGo/internal/trainer"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/xla"
)

var (
	flagModelConfig = flag.String("model", "", "Model hyperparameters, as a comma separated list of key=value, "+
		"e.g.: \"channels=128,blocks=6,head_hidden=128\". Training flags (-lr, -weight_decay, -batch_size) take precedence.")
	flagVerify     = flag.Bool("verify", false, "After exporting, run the artifact and compare it with the trained model.")
	flagVerifySize = flag.Int("verify_size", 16, "Number of dataset samples used by -verify.")
)

// createLearner builds the model from -model, with the optimizer hyperparameters of config.
func createLearner(config trainer.Config) (*gomlx.Learner, error) {
	modelConfig := config.ModelParams()
	if *flagModelConfig != "" {
		modelConfig = *flagModelConfig + "," + modelConfig
	}
	klog.V(1).Infof("Creating model from %q", modelConfig)
	learner, err := gomlx.New(modelConfig)
	if err != nil {
		return nil, errors.WithMessage(err, "invalid model configuration (-model)")
	}
	return learner, nil
}

// verifyArtifact compares the exported artifact with the learner on a random sample of the dataset.
func verifyArtifact(learner *gomlx.Learner, path string, ds *dataset.Dataset) error {
	size := min(*flagVerifySize, ds.NumSamples)
	if size <= 0 {
		return errors.Errorf("invalid -verify_size=%d", *flagVerifySize)
	}
	subset := ds.Subset(rand.Perm(ds.NumSamples)[:size])
	maxDiff, err := artifact.Verify(path, learner, subset.Boards, size, artifact.DefaultTolerance)
	if err != nil {
		return err
	}
	fmt.Printf("Verified %q on %d samples: max difference %.2g\n", path, size, maxDiff)
	return nil
}
