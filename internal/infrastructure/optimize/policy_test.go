package optimize

import (
	"math"
	"math/rand"
	"testing"

	"github.com/blackms/policyflow-go/internal/infrastructure/neural"
	"github.com/blackms/policyflow-go/internal/infrastructure/reward"
	"github.com/blackms/policyflow-go/internal/shared"
)

var testFeatureNames = []string{"a", "b", "c"}
var testTargetNames = []string{"y"}

func testPredictors(t *testing.T, seed int64) (*neural.PredictorSet, [][][]float64, []int) {
	t.Helper()
	cfg := shared.ModelConfig{
		NFeatures: 3,
		NTargets:  1,
		NEntities: 2,
		DModel:    8,
		NumHeads:  2,
		NumLayers: 1,
		DFf:       16,
		Lookback:  3,
		Horizon:   1,
	}
	m := neural.NewPanelTransformer(cfg, seed)
	m.SetTraining(false)

	rng := rand.New(rand.NewSource(seed + 1))
	x := make([][][]float64, 6)
	ids := make([]int, 6)
	for i := range x {
		x[i] = make([][]float64, cfg.Lookback)
		for ti := range x[i] {
			row := make([]float64, cfg.NFeatures)
			for c := range row {
				row[c] = rng.NormFloat64()
			}
			x[i][ti] = row
		}
		ids[i] = i % 2
	}
	return neural.NewPredictorSet(m), x, ids
}

func loadedReward(t *testing.T, source string) *reward.Loader {
	t.Helper()
	l := reward.NewLoader()
	if err := l.LoadFromSource(source); err != nil {
		t.Fatalf("reward load failed: %v", err)
	}
	return l
}

func baseOptions(x [][][]float64, ids []int) Options {
	return Options{
		BaseFeatures:   x,
		EntityIDs:      ids,
		PolicyFeatures: []string{"b"},
		FeatureNames:   testFeatureNames,
		TargetNames:    testTargetNames,
		Bounds:         []shared.Bound{{Min: 0, Max: 1}},
		Method:         shared.SearchNelderMead,
		MaxIterations:  5,
	}
}

func TestWithLeverValuesOnlyTouchesLastStep(t *testing.T) {
	base := [][][]float64{
		{{1, 2, 3}, {4, 5, 6}, {7, 8, 9}},
	}
	out := withLeverValues(base, []int{1}, []float64{99})

	if out[0][2][1] != 99 {
		t.Errorf("lever value = %v, want 99", out[0][2][1])
	}
	if out[0][2][0] != 7 || out[0][2][2] != 9 {
		t.Errorf("non-lever values changed: %v", out[0][2])
	}
	for ti := 0; ti < 2; ti++ {
		for c := 0; c < 3; c++ {
			if out[0][ti][c] != base[0][ti][c] {
				t.Errorf("earlier step [%d][%d] changed", ti, c)
			}
		}
	}
	// The input itself stays untouched.
	if base[0][2][1] != 8 {
		t.Errorf("base mutated: %v", base[0][2][1])
	}
}

func TestLeverIndicesUnknownFeatures(t *testing.T) {
	if _, err := LeverIndices([]string{"nope"}, testFeatureNames); err == nil {
		t.Fatal("expected an error for unknown policy features")
	}
	idx, err := LeverIndices([]string{"c", "a"}, testFeatureNames)
	if err != nil {
		t.Fatalf("LeverIndices failed: %v", err)
	}
	if len(idx) != 2 || idx[0] != 2 || idx[1] != 0 {
		t.Errorf("indices = %v, want [2 0]", idx)
	}
}

func TestOptimalRewardAtLeastInitial(t *testing.T) {
	set, x, ids := testPredictors(t, 7)
	loader := loadedReward(t, "predictions.y")
	opts := baseOptions(x, ids)

	o := NewPolicyOptimizer(set, loader, 1)
	result, err := o.Optimize(opts)
	if err != nil {
		t.Fatalf("Optimize failed: %v", err)
	}

	// Reward at the initial midpoint, measured independently.
	idx, _ := LeverIndices(opts.PolicyFeatures, opts.FeatureNames)
	probe := NewPolicyOptimizer(set, loader, 2)
	initial := []float64{0.5}
	initialReward := loader.Compute(probe.predictWithParams(&opts, idx, initial), nil, nil)

	if result.OptimalReward < initialReward-1e-9 {
		t.Errorf("optimal reward %v below initial point reward %v",
			result.OptimalReward, initialReward)
	}
	if result.Iterations <= 0 {
		t.Errorf("Iterations = %d", result.Iterations)
	}
	if _, ok := result.OptimalParams["b"]; !ok {
		t.Error("optimal params missing lever 'b'")
	}
}

func TestConstraintViolationScoresWorse(t *testing.T) {
	set, x, ids := testPredictors(t, 8)
	loader := loadedReward(t, "predictions.y")
	opts := baseOptions(x, ids)
	idx, _ := LeverIndices(opts.PolicyFeatures, opts.FeatureNames)
	candidate := []float64{0.5}

	free := NewPolicyOptimizer(set, loader, 1)
	predY := free.predictWithParams(&opts, idx, candidate)["y"]
	negFree := free.objective(&opts, idx, candidate)

	violated := opts
	violated.Constraints = []shared.Constraint{
		{Variable: "y", Type: shared.ConstraintMax, Value: predY - 0.5},
	}
	constrained := NewPolicyOptimizer(set, loader, 1)
	negViolated := constrained.objective(&violated, idx, candidate)

	if negViolated <= negFree {
		t.Errorf("violated candidate scored %v, unconstrained %v; want strictly worse",
			negViolated, negFree)
	}
	if math.Abs((negViolated-negFree)-500) > 1e-6 {
		t.Errorf("penalty = %v, want 500", negViolated-negFree)
	}

	satisfied := opts
	satisfied.Constraints = []shared.Constraint{
		{Variable: "y", Type: shared.ConstraintMax, Value: predY + 0.5},
	}
	ok := NewPolicyOptimizer(set, loader, 1)
	negOK := ok.objective(&satisfied, idx, candidate)
	if negOK != negFree {
		t.Errorf("satisfied constraint changed score: %v vs %v", negOK, negFree)
	}
}

func TestHistoryBounded(t *testing.T) {
	set, x, ids := testPredictors(t, 9)
	loader := loadedReward(t, "predictions.y")
	opts := baseOptions(x, ids)
	opts.Method = shared.SearchDifferentialEvolution
	opts.MaxIterations = 10

	o := NewPolicyOptimizer(set, loader, 1)
	result, err := o.Optimize(opts)
	if err != nil {
		t.Fatalf("Optimize failed: %v", err)
	}
	if len(result.History) != historyCap {
		t.Errorf("history length = %d, want %d", len(result.History), historyCap)
	}
	if result.Iterations <= historyCap {
		t.Errorf("Iterations = %d, want more than %d", result.Iterations, historyCap)
	}
}

func TestFailingRewardDoesNotAbortSearch(t *testing.T) {
	set, x, ids := testPredictors(t, 10)
	loader := loadedReward(t, "missing()")
	opts := baseOptions(x, ids)

	result, err := NewPolicyOptimizer(set, loader, 1).Optimize(opts)
	if err != nil {
		t.Fatalf("Optimize aborted: %v", err)
	}
	if !math.IsInf(result.OptimalReward, -1) {
		t.Errorf("OptimalReward = %v, want -Inf", result.OptimalReward)
	}
}

func TestOptimizeSequentialInjectsPeriodContext(t *testing.T) {
	set, x, ids := testPredictors(t, 11)
	loader := loadedReward(t, "context.period")
	opts := baseOptions(x, ids)
	opts.MaxIterations = 2

	path, err := NewPolicyOptimizer(set, loader, 1).OptimizeSequential(opts, 3)
	if err != nil {
		t.Fatalf("OptimizeSequential failed: %v", err)
	}
	if len(path) != 3 {
		t.Fatalf("path length = %d, want 3", len(path))
	}
	for i, pr := range path {
		if pr.Period != i+1 {
			t.Errorf("path[%d].Period = %d, want %d", i, pr.Period, i+1)
		}
		if pr.Result.OptimalReward != float64(i+1) {
			t.Errorf("period %d reward = %v, want %d", pr.Period, pr.Result.OptimalReward, i+1)
		}
	}

	if _, err := NewPolicyOptimizer(set, loader, 1).OptimizeSequential(opts, 0); err == nil {
		t.Error("expected an error for zero periods")
	}
}

func TestScenarioAnalysis(t *testing.T) {
	set, x, ids := testPredictors(t, 12)
	loader := loadedReward(t, "predictions.y")
	o := NewPolicyOptimizer(set, loader, 1)

	scenarios := map[string]map[string]float64{
		"boost": {"b": 2.0},
		"cut":   {"b": -2.0},
	}
	results, err := o.ScenarioAnalysis(x, ids, scenarios, testFeatureNames, testTargetNames)
	if err != nil {
		t.Fatalf("ScenarioAnalysis failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results for %d scenarios, want 2", len(results))
	}

	for name, r := range results {
		summary, ok := r.Predictions["y"]
		if !ok {
			t.Fatalf("scenario %s missing target summary", name)
		}
		if summary.Min > summary.Mean || summary.Mean > summary.Max {
			t.Errorf("scenario %s summary out of order: %+v", name, summary)
		}
		if summary.Std < 0 {
			t.Errorf("scenario %s has negative std", name)
		}
		// Reward is evaluated on the per-target means.
		if math.Abs(r.Reward-summary.Mean) > 1e-9 {
			t.Errorf("scenario %s reward = %v, mean = %v", name, r.Reward, summary.Mean)
		}
	}

	if results["boost"].Modifications["b"] != 2.0 {
		t.Error("modifications not echoed in the result")
	}
}
