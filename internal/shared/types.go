// Package shared provides shared types used across all modules in policyflow-go.
package shared

// ============================================================================
// Data Types
// ============================================================================

// DataType distinguishes panel data from cross-sectional data.
type DataType string

const (
	DataTypePanel        DataType = "panel"
	DataTypeCrossSection DataType = "cross_section"
)

// TensorSet holds one slice of windowed samples.
// X is [n][lookback][nFeatures], Y is [n][horizon][nTargets].
type TensorSet struct {
	X        [][][]float64
	Y        [][][]float64
	EntityID []int
}

// Len returns the number of samples in the set.
func (t *TensorSet) Len() int {
	return len(t.X)
}

// WindowedSplit is the train/val/test partition produced by data preparation.
// It is built once and never mutated afterwards.
type WindowedSplit struct {
	Train TensorSet
	Val   TensorSet
	Test  TensorSet

	NEntities int
	NFeatures int
	NTargets  int
	Lookback  int
	Horizon   int

	FeatureNames []string
	TargetNames  []string
	DataType     DataType
}

// NormalizationParameters holds the z-score statistics fitted during data
// preparation. They are fitted exactly once, persisted inside ModelState and
// reused unchanged at every later inference.
type NormalizationParameters struct {
	FeatureMeans  []float64      `json:"featureMeans"`
	FeatureStds   []float64      `json:"featureStds"`
	TargetMeans   []float64      `json:"targetMeans"`
	TargetStds    []float64      `json:"targetStds"`
	EntityEncoder map[string]int `json:"entityEncoder"`
	FeatureNames  []string       `json:"featureNames"`
	TargetNames   []string       `json:"targetNames"`
	DataType      DataType       `json:"dataType"`
}

// ============================================================================
// Model Types
// ============================================================================

// ModelConfig is the immutable architecture descriptor. It is required to
// reconstruct a predictor from serialized weights.
type ModelConfig struct {
	NFeatures int `json:"nFeatures"`
	NTargets  int `json:"nTargets"`
	NEntities int `json:"nEntities"`
	DModel    int `json:"dModel"`
	NumHeads  int `json:"numHeads"`
	NumLayers int `json:"numLayers"`
	DFf       int `json:"dFf"`
	Lookback  int `json:"lookback"`
	Horizon   int `json:"predHorizon"`
}

// DefaultModelConfig returns sensible defaults for the transformer
// architecture. Data-dependent fields (NFeatures, NTargets, NEntities,
// Lookback, Horizon) are filled in by data preparation.
func DefaultModelConfig() ModelConfig {
	return ModelConfig{
		DModel:    128,
		NumHeads:  8,
		NumLayers: 4,
		DFf:       512,
		Lookback:  5,
		Horizon:   1,
	}
}

// ModelState is the persistable model artifact: weights plus everything
// needed to rebuild the predictor and normalize inputs identically.
type ModelState struct {
	ModelID    string                  `json:"modelId"`
	Weights    map[string][]float64    `json:"weights"`
	Config     ModelConfig             `json:"config"`
	DataParams NormalizationParameters `json:"dataParams"`
}

// ============================================================================
// Training Types
// ============================================================================

// SchedulerType selects the learning-rate schedule.
type SchedulerType string

const (
	SchedulerPlateau SchedulerType = "plateau"
	SchedulerCosine  SchedulerType = "cosine"
)

// TrainingConfig holds training hyperparameters.
type TrainingConfig struct {
	LearningRate float64       `json:"learningRate"`
	WeightDecay  float64       `json:"weightDecay"`
	Dropout      float64       `json:"dropout"`
	BatchSize    int           `json:"batchSize"`
	Epochs       int           `json:"epochs"`
	Patience     int           `json:"patience"`
	Scheduler    SchedulerType `json:"scheduler"`
	Seed         int64         `json:"seed"`
}

// DefaultTrainingConfig returns sensible defaults for training.
func DefaultTrainingConfig() TrainingConfig {
	return TrainingConfig{
		LearningRate: 1e-4,
		WeightDecay:  1e-5,
		Dropout:      0.1,
		BatchSize:    32,
		Epochs:       100,
		Patience:     15,
		Scheduler:    SchedulerPlateau,
		Seed:         42,
	}
}

// TrainingHistory records per-epoch curves.
type TrainingHistory struct {
	TrainLoss    []float64 `json:"trainLoss"`
	ValLoss      []float64 `json:"valLoss"`
	LearningRate []float64 `json:"learningRate"`
	EpochTime    []float64 `json:"epochTime"`
}

// Metrics holds regression evaluation metrics.
type Metrics struct {
	Loss float64 `json:"loss"`
	MSE  float64 `json:"mse"`
	RMSE float64 `json:"rmse"`
	MAE  float64 `json:"mae"`
	R2   float64 `json:"r2"`
	MAPE float64 `json:"mape"`
}

// TrainingResult is returned by a completed training run.
type TrainingResult struct {
	History       TrainingHistory `json:"history"`
	BestValLoss   float64         `json:"bestValLoss"`
	TestMetrics   Metrics         `json:"testMetrics"`
	EpochsTrained int             `json:"epochsTrained"`
}

// ============================================================================
// Optimization Types
// ============================================================================

// ConstraintType bounds a predicted target from above or below.
type ConstraintType string

const (
	ConstraintMax ConstraintType = "max"
	ConstraintMin ConstraintType = "min"
)

// Constraint is a soft constraint on one predicted target. Violations are
// penalized, not rejected.
type Constraint struct {
	Variable string         `json:"variable"`
	Type     ConstraintType `json:"type"`
	Value    float64        `json:"value"`
}

// Bound is the inclusive search range for one policy lever.
type Bound struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// SearchMethod selects the policy search strategy.
type SearchMethod string

const (
	SearchDifferentialEvolution SearchMethod = "differential_evolution"
	SearchNelderMead            SearchMethod = "nelder-mead"
	SearchEvolutionary          SearchMethod = "evolutionary"
)

// RewardContext is an arbitrary key/value payload passed to the reward
// function alongside predictions. It has no lifecycle beyond one evaluation.
type RewardContext map[string]any

// EvaluationRecord is one entry of the bounded optimization history.
type EvaluationRecord struct {
	Params      []float64          `json:"params"`
	Predictions map[string]float64 `json:"predictions"`
	Reward      float64            `json:"reward"`
}

// OptimizationResult summarizes one policy search.
type OptimizationResult struct {
	OptimalParams       map[string]float64 `json:"optimalParams"`
	OptimalReward       float64            `json:"optimalReward"`
	BaselinePredictions map[string]float64 `json:"baselinePredictions"`
	OptimalPredictions  map[string]float64 `json:"optimalPredictions"`
	Improvement         map[string]float64 `json:"improvement"`
	Iterations          int                `json:"iterations"`
	History             []EvaluationRecord `json:"history"`
}

// PeriodResult is one step of a sequential multi-period optimization path.
type PeriodResult struct {
	Period int                `json:"period"`
	Result OptimizationResult `json:"result"`
}

// TargetSummary holds summary statistics for one predicted target.
type TargetSummary struct {
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
}

// ScenarioResult summarizes predictions under one scenario's overrides.
type ScenarioResult struct {
	Modifications map[string]float64       `json:"modifications"`
	Predictions   map[string]TargetSummary `json:"predictions"`
	Reward        float64                  `json:"reward"`
}

// GenerationStats traces one generation of the evolutionary search.
type GenerationStats struct {
	Generation  int     `json:"generation"`
	BestFitness float64 `json:"bestFitness"`
	AvgFitness  float64 `json:"avgFitness"`
	StdFitness  float64 `json:"stdFitness"`
}

// EvolutionResult summarizes one genetic-algorithm search.
type EvolutionResult struct {
	OptimalParams  []float64         `json:"optimalParams"`
	OptimalFitness float64           `json:"optimalFitness"`
	Generations    int               `json:"generations"`
	History        []GenerationStats `json:"history"`
}
