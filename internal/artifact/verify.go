package artifact

import (
	"github.com/chewxy/math32"
	"github.com/janpfeifer/othelloGo/internal/ai"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DefaultTolerance is the maximum absolute difference accepted by Verify between the artifact and the model.
const DefaultTolerance = 1e-4

// ErrMismatch is returned by Verify when the artifact outputs differ from the model outputs.
var ErrMismatch = errors.New("artifact outputs don't match the model")

// Verify runs the artifact at path and evaluator on the same batch of boards, and checks
// that values and policies match within tolerance. It returns the largest absolute difference found.
func Verify(path string, evaluator ai.Evaluator, boards []float32, batchSize int, tolerance float32) (maxDiff float32, err error) {
	session, err := OpenSession(path)
	if err != nil {
		return 0, err
	}
	want, err := evaluator.Infer(boards, batchSize)
	if err != nil {
		return 0, errors.WithMessagef(err, "evaluating %s", evaluator)
	}
	values, policies, err := session.Run(boards, batchSize)
	if err != nil {
		return 0, err
	}
	for _, pair := range []struct {
		name      string
		want, got []float32
	}{
		{ValueOutput, want.Values, values},
		{PolicyOutput, want.Policies, policies},
	} {
		if len(pair.want) != len(pair.got) {
			return 0, errors.Wrapf(ErrMismatch, "output %q has %d values, model returned %d", pair.name, len(pair.got), len(pair.want))
		}
		for ii := range pair.want {
			diff := math32.Abs(pair.want[ii] - pair.got[ii])
			if math32.IsNaN(diff) {
				return diff, errors.Wrapf(ErrMismatch, "output %q[%d] is NaN", pair.name, ii)
			}
			maxDiff = max(maxDiff, diff)
		}
	}
	klog.V(1).Infof("Verified %q against %s on %d boards: max difference %g", path, evaluator, batchSize, maxDiff)
	if maxDiff > tolerance {
		return maxDiff, errors.Wrapf(ErrMismatch, "max difference %g > tolerance %g", maxDiff, tolerance)
	}
	return maxDiff, nil
}
