// a0export builds a policy+value model with freshly initialized weights and exports it as an
// ONNX artifact, e.g. to bootstrap self-play before any training.
//
// Example:
//
//	a0export -output=models/initial.onnx -model="channels=64,blocks=4" -verify
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/janpfeifer/must"
	"github.com/janpfeifer/othelloGo/internal/ai/gomlx"
	"github.com/janpfeifer/othelloGo/internal/artifact"
	"github.com/janpfeifer/othelloGo/internal/trainer"
	"github.com/janpfeifer/othelloGo/internal/ui/cli"
	"github.com/janpfeifer/othelloGo/internal/ui/spinning"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/xla"
)

var (
	flagOutput      = flag.String("output", trainer.DefaultConfig().OutputPath, "Path where to export the model in ONNX format.")
	flagModelConfig = flag.String("model", "", "Model hyperparameters, as a comma separated list of key=value, "+
		"e.g.: \"channels=128,blocks=6,head_hidden=128\".")
	flagVerify     = flag.Bool("verify", false, "After exporting, run the artifact on random boards and compare it with the model.")
	flagVerifySize = flag.Int("verify_size", 8, "Number of random boards used by -verify.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	spinning.SafeInterrupt(cancel, 5*time.Second)
	defer cancel()

	ui := cli.New()
	var learner *gomlx.Learner
	must.M(spinning.Run(ctx, "Building model", func() (err error) {
		learner, err = gomlx.New(*flagModelConfig)
		return
	}))
	ui.Title("%s", learner)
	must.M(spinning.Run(ctx, fmt.Sprintf("Exporting to %q", *flagOutput), func() error {
		return learner.Export(*flagOutput)
	}))
	if *flagVerify {
		must.M(verify(learner))
	}
	ui.Done(*flagOutput)
}

// verify compares the artifact with the model on random binary boards.
func verify(learner *gomlx.Learner) error {
	if *flagVerifySize <= 0 {
		return errors.Errorf("invalid -verify_size=%d", *flagVerifySize)
	}
	geometry := learner.Geometry()
	boards := make([]float32, *flagVerifySize*geometry.BoardSize())
	for ii := range boards {
		boards[ii] = float32(rand.IntN(2))
	}
	maxDiff, err := artifact.Verify(*flagOutput, learner, boards, *flagVerifySize, artifact.DefaultTolerance)
	if err != nil {
		return err
	}
	fmt.Printf("Verified %q on %d random boards: max difference %.2g\n", *flagOutput, *flagVerifySize, maxDiff)
	return nil
}
