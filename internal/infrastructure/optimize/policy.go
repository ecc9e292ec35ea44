// Package optimize searches bounded policy-lever spaces for the lever
// values that maximize a reward evaluated against model forecasts.
package optimize

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/optimize"
	"gonum.org/v1/gonum/stat"

	"github.com/blackms/policyflow-go/internal/infrastructure/neural"
	"github.com/blackms/policyflow-go/internal/infrastructure/reward"
	"github.com/blackms/policyflow-go/internal/shared"
)

const (
	constraintPenalty = 1000.0
	historyCap        = 100
)

// PolicyOptimizer searches lever values against one predictor or an
// ensemble. The predictor is treated as an opaque black box; no gradients
// are extracted through it.
type PolicyOptimizer struct {
	predictors *neural.PredictorSet
	loader     *reward.Loader
	rng        *rand.Rand

	history    []shared.EvaluationRecord
	evalCount  int
	bestParams []float64
	bestNeg    float64
}

// NewPolicyOptimizer creates an optimizer over the given predictor set and
// loaded reward function.
func NewPolicyOptimizer(predictors *neural.PredictorSet, loader *reward.Loader, seed int64) *PolicyOptimizer {
	return &PolicyOptimizer{
		predictors: predictors,
		loader:     loader,
		rng:        rand.New(rand.NewSource(seed)),
	}
}

// Options configures one policy search.
type Options struct {
	BaseFeatures   [][][]float64
	EntityIDs      []int
	PolicyFeatures []string
	FeatureNames   []string
	TargetNames    []string
	Bounds         []shared.Bound
	Method         shared.SearchMethod
	MaxIterations  int
	Context        shared.RewardContext
	Constraints    []shared.Constraint
}

// LeverIndices maps lever names to their positions in the feature order.
func LeverIndices(policyFeatures, featureNames []string) ([]int, error) {
	var idx []int
	for _, name := range policyFeatures {
		for i, f := range featureNames {
			if f == name {
				idx = append(idx, i)
				break
			}
		}
	}
	if len(idx) == 0 {
		return nil, shared.NewInputError("no valid policy features found")
	}
	return idx, nil
}

// withLeverValues overwrites the last lookback step of each lever feature
// with the candidate values. All other positions keep their baseline
// values; unmodified rows are shared, not copied.
func withLeverValues(base [][][]float64, idx []int, params []float64) [][][]float64 {
	out := make([][][]float64, len(base))
	for i, sample := range base {
		window := make([][]float64, len(sample))
		copy(window, sample)
		last := len(sample) - 1
		row := make([]float64, len(sample[last]))
		copy(row, sample[last])
		for pi, fi := range idx {
			if pi < len(params) {
				row[fi] = params[pi]
			}
		}
		window[last] = row
		out[i] = window
	}
	return out
}

// predictWithParams applies candidate lever values and reduces the
// ensemble-averaged predictions to one scalar per target.
func (o *PolicyOptimizer) predictWithParams(opts *Options, idx []int, params []float64) map[string]float64 {
	modified := withLeverValues(opts.BaseFeatures, idx, params)
	preds := o.predictors.Predict(modified, opts.EntityIDs)
	return neural.TargetMeans(preds, opts.TargetNames)
}

// objective evaluates one candidate: reward with soft constraint penalties,
// negated because the searchers minimize. Every evaluation is recorded in
// the bounded history and tracked for the best-so-far point.
func (o *PolicyOptimizer) objective(opts *Options, idx []int, params []float64) float64 {
	predictions := o.predictWithParams(opts, idx, params)
	r := o.loader.Compute(predictions, nil, opts.Context)

	for _, c := range opts.Constraints {
		pv, ok := predictions[c.Variable]
		if !ok {
			continue
		}
		switch c.Type {
		case shared.ConstraintMax:
			if pv > c.Value {
				r -= constraintPenalty * (pv - c.Value)
			}
		case shared.ConstraintMin:
			if pv < c.Value {
				r -= constraintPenalty * (c.Value - pv)
			}
		}
	}

	o.evalCount++
	o.history = append(o.history, shared.EvaluationRecord{
		Params:      append([]float64(nil), params...),
		Predictions: predictions,
		Reward:      r,
	})
	if len(o.history) > historyCap {
		o.history = o.history[len(o.history)-historyCap:]
	}

	neg := -r
	if neg < o.bestNeg {
		o.bestNeg = neg
		o.bestParams = append([]float64(nil), params...)
	}
	return neg
}

// Optimize runs one single-period policy search.
func (o *PolicyOptimizer) Optimize(opts Options) (*shared.OptimizationResult, error) {
	idx, err := LeverIndices(opts.PolicyFeatures, opts.FeatureNames)
	if err != nil {
		return nil, err
	}
	if len(opts.BaseFeatures) == 0 {
		return nil, shared.NewDataError("no base feature windows provided")
	}

	n := len(idx)
	bounds := opts.Bounds
	if len(bounds) != n {
		bounds = make([]shared.Bound, n)
		for i := range bounds {
			bounds[i] = shared.Bound{Min: 0, Max: 1}
		}
	}
	maxIter := opts.MaxIterations
	if maxIter <= 0 {
		maxIter = 100
	}

	initial := make([]float64, n)
	for i, b := range bounds {
		initial[i] = (b.Min + b.Max) / 2
	}

	o.history = nil
	o.evalCount = 0
	o.bestParams = append([]float64(nil), initial...)
	o.bestNeg = math.Inf(1)

	switch opts.Method {
	case shared.SearchNelderMead:
		o.runNelderMead(&opts, idx, bounds, initial, maxIter)
	default:
		o.runDifferentialEvolution(&opts, idx, bounds, initial, maxIter)
	}

	optimalParams := o.bestParams
	optimalReward := -o.bestNeg

	finalPredictions := o.predictWithParams(&opts, idx, optimalParams)

	// Status-quo baseline: the mean observed lever values over the batch.
	baselineParams := make([]float64, n)
	for pi, fi := range idx {
		var sum float64
		for _, sample := range opts.BaseFeatures {
			sum += sample[len(sample)-1][fi]
		}
		baselineParams[pi] = sum / float64(len(opts.BaseFeatures))
	}
	baselinePredictions := o.predictWithParams(&opts, idx, baselineParams)

	improvement := make(map[string]float64, len(finalPredictions))
	for k, v := range finalPredictions {
		improvement[k] = v - baselinePredictions[k]
	}

	params := make(map[string]float64, len(opts.PolicyFeatures))
	for i, name := range opts.PolicyFeatures {
		if i < len(optimalParams) {
			params[name] = optimalParams[i]
		}
	}

	return &shared.OptimizationResult{
		OptimalParams:       params,
		OptimalReward:       optimalReward,
		BaselinePredictions: baselinePredictions,
		OptimalPredictions:  finalPredictions,
		Improvement:         improvement,
		Iterations:          o.evalCount,
		History:             o.history,
	}, nil
}

// runDifferentialEvolution is a best/1/bin search with dithered mutation
// factor and a Nelder-Mead polish from the best point found.
func (o *PolicyOptimizer) runDifferentialEvolution(opts *Options, idx []int, bounds []shared.Bound, initial []float64, maxIter int) {
	n := len(idx)
	popSize := 15 * n
	if popSize < 15 {
		popSize = 15
	}
	if popSize > 60 {
		popSize = 60
	}
	const crossProb = 0.7

	pop := make([][]float64, popSize)
	fit := make([]float64, popSize)
	for i := range pop {
		pop[i] = make([]float64, n)
		for j, b := range bounds {
			pop[i][j] = b.Min + o.rng.Float64()*(b.Max-b.Min)
		}
	}
	// The initial lever point is always part of the starting population.
	copy(pop[0], initial)
	for i := range pop {
		fit[i] = o.objective(opts, idx, pop[i])
	}

	trial := make([]float64, n)
	for gen := 0; gen < maxIter; gen++ {
		best := argmin(fit)
		f := 0.5 + o.rng.Float64()*0.5
		for i := range pop {
			r1, r2 := o.rng.Intn(popSize), o.rng.Intn(popSize)
			for r1 == i {
				r1 = o.rng.Intn(popSize)
			}
			for r2 == i || r2 == r1 {
				r2 = o.rng.Intn(popSize)
			}
			forced := o.rng.Intn(n)
			for j := range trial {
				if j == forced || o.rng.Float64() < crossProb {
					trial[j] = clamp(pop[best][j]+f*(pop[r1][j]-pop[r2][j]), bounds[j])
				} else {
					trial[j] = pop[i][j]
				}
			}
			tf := o.objective(opts, idx, trial)
			if tf < fit[i] {
				copy(pop[i], trial)
				fit[i] = tf
			}
		}
	}

	// Polish: local refinement from the best point of the evolution.
	o.runNelderMead(opts, idx, bounds, append([]float64(nil), o.bestParams...), maxIter)
}

// runNelderMead delegates to a derivative-free simplex search with bound
// clamping. The predictor stays a black box throughout.
func (o *PolicyOptimizer) runNelderMead(opts *Options, idx []int, bounds []shared.Bound, initial []float64, maxIter int) {
	problem := optimize.Problem{
		Func: func(p []float64) float64 {
			clamped := make([]float64, len(p))
			for j, v := range p {
				clamped[j] = clamp(v, bounds[j])
			}
			return o.objective(opts, idx, clamped)
		},
	}
	settings := &optimize.Settings{
		MajorIterations: maxIter,
		FuncEvaluations: maxIter * 10,
	}
	// The best evaluated point is tracked by the objective itself, so a
	// method failure here is not fatal to the search.
	_, _ = optimize.Minimize(problem, initial, settings, &optimize.NelderMead{})
}

func clamp(v float64, b shared.Bound) float64 {
	if v < b.Min {
		return b.Min
	}
	if v > b.Max {
		return b.Max
	}
	return v
}

func argmin(vals []float64) int {
	best := 0
	for i, v := range vals {
		if v < vals[best] {
			best = i
		}
	}
	return best
}

// OptimizeSequential repeats the full single-period search once per period
// with {period, totalPeriods} injected into the context. Every period
// re-optimizes against the same fixed baseline features; no state
// transition is simulated between periods.
func (o *PolicyOptimizer) OptimizeSequential(opts Options, periods int) ([]shared.PeriodResult, error) {
	if periods < 1 {
		return nil, shared.NewInputError("sequence periods must be >= 1")
	}
	path := make([]shared.PeriodResult, 0, periods)
	for p := 1; p <= periods; p++ {
		periodOpts := opts
		periodOpts.Context = shared.RewardContext{}
		for k, v := range opts.Context {
			periodOpts.Context[k] = v
		}
		periodOpts.Context["period"] = p
		periodOpts.Context["totalPeriods"] = periods

		result, err := o.Optimize(periodOpts)
		if err != nil {
			return nil, err
		}
		path = append(path, shared.PeriodResult{Period: p, Result: *result})
	}
	return path, nil
}

// ScenarioAnalysis predicts outcomes under named feature overrides. Each
// override replaces the last lookback step of one feature across the whole
// batch.
func (o *PolicyOptimizer) ScenarioAnalysis(base [][][]float64, entityIDs []int,
	scenarios map[string]map[string]float64, featureNames, targetNames []string) (map[string]shared.ScenarioResult, error) {

	if len(base) == 0 {
		return nil, shared.NewDataError("no base feature windows provided")
	}

	results := make(map[string]shared.ScenarioResult, len(scenarios))
	for name, modifications := range scenarios {
		var idx []int
		var params []float64
		for fname, value := range modifications {
			for i, f := range featureNames {
				if f == fname {
					idx = append(idx, i)
					params = append(params, value)
					break
				}
			}
		}

		modified := withLeverValues(base, idx, params)
		preds := o.predictors.Predict(modified, entityIDs)

		summaries := make(map[string]shared.TargetSummary, len(targetNames))
		means := make(map[string]float64, len(targetNames))
		for c, target := range targetNames {
			var vals []float64
			for _, sample := range preds {
				for _, row := range sample {
					if c < len(row) {
						vals = append(vals, row[c])
					}
				}
			}
			if len(vals) == 0 {
				continue
			}
			mean := stat.Mean(vals, nil)
			summaries[target] = shared.TargetSummary{
				Mean: mean,
				Std:  stat.PopStdDev(vals, nil),
				Min:  floats.Min(vals),
				Max:  floats.Max(vals),
			}
			means[target] = mean
		}

		var r float64
		if o.loader != nil && o.loader.Loaded() {
			r = o.loader.Compute(means, nil, nil)
		}

		results[name] = shared.ScenarioResult{
			Modifications: modifications,
			Predictions:   summaries,
			Reward:        r,
		}
	}
	return results, nil
}
