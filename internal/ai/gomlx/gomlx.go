// Package gomlx implements the AlphaZero policy+value residual network with GoMLX, and its
// Learner (ai.Learner and ai.Exporter).
//
// Layers are an explicit list of Layer values, composed by Sequential, and the same list is walked
// both to build the GoMLX graph and to export the ONNX inference artifact.
package gomlx

import (
	"strings"
	"sync"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/janpfeifer/othelloGo/internal/generics"
	"github.com/janpfeifer/othelloGo/internal/parameters"
	"github.com/pkg/errors"
)

var (
	// Backend is a singleton, the same for all learners.
	backend = sync.OnceValue(func() backends.Backend { return backends.New() })

	// muNewClient is a Mutex used to synchronize access to GoMLX client initialization
	// or related critical sections.
	muNewClient sync.Mutex
)

// New creates a Model with its hyperparameters overwritten by the given configuration string
// (e.g.: "channels=64,blocks=4,learning_rate=1e-4") and returns its Learner.
//
// Unknown keys in the configuration are an error.
func New(config string) (*Learner, error) {
	model := NewModel()
	params := parameters.NewFromConfigString(config)
	if err := extractParams(params, model.Context()); err != nil {
		return nil, err
	}
	if len(params) > 0 {
		return nil, errors.Errorf("unknown model hyperparameters: %s (known: %s)",
			strings.Join(generics.SortedKeysSlice(params), ", "),
			strings.Join(knownParams(model.Context()), ", "))
	}
	return NewLearner(model)
}

// knownParams returns the sorted root scope hyperparameters.
func knownParams(ctx *context.Context) []string {
	known := generics.MakeSet[string]()
	ctx.EnumerateParams(func(scope, key string, _ any) {
		if scope == context.RootScope {
			known.Insert(key)
		}
	})
	return generics.SortedKeysSlice(known)
}

// extractParams and write them as context hyperparameters.
// The params used are removed from the params map.
func extractParams(params parameters.Params, ctx *context.Context) error {
	var err error
	ctx.EnumerateParams(func(scope, key string, valueAny any) {
		if err != nil {
			// If error happened skip the rest.
			return
		}
		if scope != context.RootScope {
			return
		}
		switch defaultValue := valueAny.(type) {
		case string:
			value, _ := parameters.PopParamOr(params, key, defaultValue)
			ctx.SetParam(key, value)
		case int:
			value, newErr := parameters.PopParamOr(params, key, defaultValue)
			if newErr != nil {
				err = errors.WithMessagef(newErr, "parsing %q (int)", key)
				return
			}
			ctx.SetParam(key, value)
		case float64:
			value, newErr := parameters.PopParamOr(params, key, defaultValue)
			if newErr != nil {
				err = errors.WithMessagef(newErr, "parsing %q (float64)", key)
				return
			}
			ctx.SetParam(key, value)
		case float32:
			value, newErr := parameters.PopParamOr(params, key, defaultValue)
			if newErr != nil {
				err = errors.WithMessagef(newErr, "parsing %q (float32)", key)
				return
			}
			ctx.SetParam(key, value)
		case bool:
			value, newErr := parameters.PopParamOr(params, key, defaultValue)
			if newErr != nil {
				err = errors.WithMessagef(newErr, "parsing %q (bool)", key)
				return
			}
			ctx.SetParam(key, value)
		default:
			err = errors.Errorf("hyperparameter %q is of unknown type %T", key, defaultValue)
		}
	})
	return err
}
