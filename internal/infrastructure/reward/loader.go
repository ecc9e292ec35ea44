// Package reward loads and evaluates user-supplied reward functions inside
// a capability-restricted expression sandbox.
package reward

import (
	"fmt"
	"math"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/rs/zerolog/log"

	"github.com/blackms/policyflow-go/internal/shared"
)

// Loader compiles one reward expression and evaluates it against predicted
// target values. The expression sees only the `predictions`, `actual` and
// `context` maps plus arithmetic and math helpers; there is no filesystem,
// process or network access and no imports.
//
// A compile failure is a load error. A runtime failure during one
// evaluation degrades that single candidate to -Inf and never propagates.
type Loader struct {
	program *vm.Program
	source  string
}

// NewLoader creates an empty loader.
func NewLoader() *Loader {
	return &Loader{}
}

// envSample types the sandbox for compilation. The same helper set is
// passed at every evaluation.
func envSample(predictions, actual map[string]float64, context shared.RewardContext) map[string]any {
	if predictions == nil {
		predictions = map[string]float64{}
	}
	if actual == nil {
		actual = map[string]float64{}
	}
	if context == nil {
		context = shared.RewardContext{}
	}
	return map[string]any{
		"predictions": predictions,
		"actual":      actual,
		"context":     map[string]any(context),
		"log":         math.Log,
		"exp":         math.Exp,
		"sqrt":        math.Sqrt,
		"pow":         math.Pow,
		"tanh":        math.Tanh,
		"pi":          math.Pi,
	}
}

// LoadFromSource compiles the reward expression. Loading fails if the
// source is empty or does not compile to a valid expression.
func (l *Loader) LoadFromSource(source string) error {
	trimmed := strings.TrimSpace(source)
	if trimmed == "" {
		return shared.NewRewardLoadError("reward source is empty", nil)
	}

	program, err := expr.Compile(trimmed,
		expr.Env(envSample(nil, nil, nil)),
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		return shared.NewRewardLoadError("failed to compile reward expression", err)
	}

	l.program = program
	l.source = trimmed
	return nil
}

// Loaded reports whether a reward expression is ready for evaluation.
func (l *Loader) Loaded() bool {
	return l.program != nil
}

// Compute evaluates the loaded expression and coerces the result to a
// float. Any runtime failure yields -Inf with a logged warning so a broken
// reward function degrades one evaluation, not the surrounding search.
func (l *Loader) Compute(predictions, actual map[string]float64, context shared.RewardContext) float64 {
	if l.program == nil {
		log.Warn().Msg("reward computation requested with no loaded function")
		return math.Inf(-1)
	}

	out, err := expr.Run(l.program, envSample(predictions, actual, context))
	if err != nil {
		log.Warn().Err(err).Msg("reward computation failed")
		return math.Inf(-1)
	}

	v, err := toFloat(out)
	if err != nil {
		log.Warn().Err(err).Msg("reward computation returned a non-numeric value")
		return math.Inf(-1)
	}
	return v
}

func toFloat(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case uint64:
		return float64(x), nil
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("reward value has type %T", v)
	}
}
