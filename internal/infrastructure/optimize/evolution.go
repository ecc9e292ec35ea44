package optimize

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/stat"

	"github.com/blackms/policyflow-go/internal/infrastructure/neural"
	"github.com/blackms/policyflow-go/internal/infrastructure/reward"
	"github.com/blackms/policyflow-go/internal/shared"
)

// EvolutionaryOptimizer searches lever vectors with a genetic algorithm.
// Fitness is the raw reward, not negated, which suits non-differentiable
// reward functions.
type EvolutionaryOptimizer struct {
	predictors     *neural.PredictorSet
	loader         *reward.Loader
	populationSize int
	rng            *rand.Rand
}

// NewEvolutionaryOptimizer creates a GA optimizer with the given
// population size. Tournament selection needs at least two individuals, so
// smaller values fall back to the default of 50.
func NewEvolutionaryOptimizer(predictors *neural.PredictorSet, loader *reward.Loader, populationSize int, seed int64) *EvolutionaryOptimizer {
	if populationSize < 2 {
		populationSize = 50
	}
	return &EvolutionaryOptimizer{
		predictors:     predictors,
		loader:         loader,
		populationSize: populationSize,
		rng:            rand.New(rand.NewSource(seed)),
	}
}

// EvolutionOptions configures one genetic search.
type EvolutionOptions struct {
	BaseFeatures  [][][]float64
	EntityIDs     []int
	LeverIndices  []int
	TargetNames   []string
	Bounds        []shared.Bound
	Generations   int
	MutationRate  float64
	CrossoverRate float64
	Context       shared.RewardContext
}

// Optimize runs the genetic algorithm: tournament selection, single-point
// crossover on adjacent pairs, per-gene uniform-resample mutation and
// elitism into population slot 0.
func (e *EvolutionaryOptimizer) Optimize(opts EvolutionOptions) (*shared.EvolutionResult, error) {
	n := len(opts.LeverIndices)
	if n == 0 {
		return nil, shared.NewInputError("no valid policy features found")
	}
	if len(opts.Bounds) != n {
		return nil, shared.NewInputError("bounds must match the number of policy features")
	}
	if len(opts.BaseFeatures) == 0 {
		return nil, shared.NewDataError("no base feature windows provided")
	}
	generations := opts.Generations
	if generations <= 0 {
		generations = 50
	}

	pop := make([][]float64, e.populationSize)
	for i := range pop {
		pop[i] = make([]float64, n)
		for j, b := range opts.Bounds {
			pop[i][j] = b.Min + e.rng.Float64()*(b.Max-b.Min)
		}
	}

	var bestIndividual []float64
	bestFitness := math.Inf(-1)
	history := make([]shared.GenerationStats, 0, generations)
	fitness := make([]float64, e.populationSize)

	for gen := 0; gen < generations; gen++ {
		for i, individual := range pop {
			fitness[i] = e.evaluateFitness(&opts, individual)
		}

		genBest := 0
		for i, f := range fitness {
			if f > fitness[genBest] {
				genBest = i
			}
		}
		if fitness[genBest] > bestFitness {
			bestFitness = fitness[genBest]
			bestIndividual = append([]float64(nil), pop[genBest]...)
		}

		history = append(history, shared.GenerationStats{
			Generation:  gen,
			BestFitness: bestFitness,
			AvgFitness:  stat.Mean(fitness, nil),
			StdFitness:  stat.PopStdDev(fitness, nil),
		})

		// Pairwise tournament selection.
		next := make([][]float64, e.populationSize)
		for i := range next {
			a := e.rng.Intn(e.populationSize)
			b := e.rng.Intn(e.populationSize)
			for b == a {
				b = e.rng.Intn(e.populationSize)
			}
			winner := a
			if fitness[b] > fitness[a] {
				winner = b
			}
			next[i] = append([]float64(nil), pop[winner]...)
		}
		pop = next

		// Single-point crossover on adjacent pairs.
		for i := 0; i+1 < e.populationSize; i += 2 {
			if e.rng.Float64() < opts.CrossoverRate && n > 1 {
				point := 1 + e.rng.Intn(n-1)
				for j := point; j < n; j++ {
					pop[i][j], pop[i+1][j] = pop[i+1][j], pop[i][j]
				}
			}
		}

		// Per-gene uniform-resample mutation.
		for i := range pop {
			for j, b := range opts.Bounds {
				if e.rng.Float64() < opts.MutationRate {
					pop[i][j] = b.Min + e.rng.Float64()*(b.Max-b.Min)
				}
			}
		}

		// Elitism: the best-ever individual survives into the next
		// generation unchanged.
		if bestIndividual != nil {
			copy(pop[0], bestIndividual)
		}
	}

	return &shared.EvolutionResult{
		OptimalParams:  bestIndividual,
		OptimalFitness: bestFitness,
		Generations:    generations,
		History:        history,
	}, nil
}

// evaluateFitness scores one individual by the raw reward on its
// ensemble-averaged predictions.
func (e *EvolutionaryOptimizer) evaluateFitness(opts *EvolutionOptions, individual []float64) float64 {
	modified := withLeverValues(opts.BaseFeatures, opts.LeverIndices, individual)
	preds := e.predictors.Predict(modified, opts.EntityIDs)
	return e.loader.Compute(neural.TargetMeans(preds, opts.TargetNames), nil, opts.Context)
}
