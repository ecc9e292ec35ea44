// Package policyflow provides the public API for policyflow-go.
//
// This package provides a high-level interface for preparing tabular data,
// training the attention-based sequence predictor and searching a bounded
// policy-lever space against a user-supplied reward.
//
// Example:
//
//	processor := policyflow.NewProcessor()
//	split, err := processor.Prepare(csvData, policyflow.PrepareOptions{
//	    DataType:    policyflow.DataTypePanel,
//	    EntityCol:   "country",
//	    TimeCol:     "year",
//	    FeatureCols: []string{"rate", "spend"},
//	    TargetCols:  []string{"gdp"},
//	    Lookback:    5,
//	    Horizon:     1,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	config := policyflow.DefaultModelConfig()
//	config.NFeatures = split.NFeatures
//	config.NTargets = split.NTargets
//	config.NEntities = split.NEntities
//
//	model := policyflow.NewPanelTransformer(config, 42)
//	trainer := policyflow.NewTrainer(model, policyflow.DefaultTrainingConfig())
//	result, err := trainer.Fit(split)
package policyflow

import (
	"github.com/blackms/policyflow-go/internal/application/agent"
	"github.com/blackms/policyflow-go/internal/infrastructure/dataset"
	"github.com/blackms/policyflow-go/internal/infrastructure/neural"
	"github.com/blackms/policyflow-go/internal/infrastructure/optimize"
	"github.com/blackms/policyflow-go/internal/infrastructure/reward"
	"github.com/blackms/policyflow-go/internal/infrastructure/training"
	"github.com/blackms/policyflow-go/internal/shared"
)

// Re-export types for public API
type (
	// Data preparation types
	DataType                = shared.DataType
	TensorSet               = shared.TensorSet
	WindowedSplit           = shared.WindowedSplit
	NormalizationParameters = shared.NormalizationParameters
	Processor               = dataset.Processor
	PrepareOptions          = dataset.PrepareOptions

	// Model types
	ModelConfig      = shared.ModelConfig
	ModelState       = shared.ModelState
	PanelTransformer = neural.PanelTransformer
	PredictorSet     = neural.PredictorSet

	// Training types
	TrainingConfig  = shared.TrainingConfig
	TrainingResult  = shared.TrainingResult
	TrainingHistory = shared.TrainingHistory
	Metrics         = shared.Metrics
	Trainer         = training.Trainer

	// Optimization types
	Bound              = shared.Bound
	Constraint         = shared.Constraint
	SearchMethod       = shared.SearchMethod
	RewardContext      = shared.RewardContext
	OptimizationResult = shared.OptimizationResult
	EvolutionResult    = shared.EvolutionResult
	ScenarioResult     = shared.ScenarioResult
	PolicyOptimizer    = optimize.PolicyOptimizer
	OptimizeOptions    = optimize.Options
	RewardLoader       = reward.Loader

	// Request surface types
	Request   = agent.Request
	Service   = agent.Service
	ErrorKind = shared.ErrorKind
)

// Re-export constants
const (
	DataTypePanel        = shared.DataTypePanel
	DataTypeCrossSection = shared.DataTypeCrossSection

	SchedulerPlateau = shared.SchedulerPlateau
	SchedulerCosine  = shared.SchedulerCosine

	SearchDifferentialEvolution = shared.SearchDifferentialEvolution
	SearchNelderMead            = shared.SearchNelderMead
	SearchEvolutionary          = shared.SearchEvolutionary
)

// NewProcessor creates an unfitted data processor.
func NewProcessor() *Processor {
	return dataset.NewProcessor()
}

// NewProcessorWithParams creates a processor from fitted normalization
// parameters for inference.
func NewProcessorWithParams(params NormalizationParameters) *Processor {
	return dataset.NewProcessorWithParams(params)
}

// DefaultModelConfig returns the default transformer architecture.
func DefaultModelConfig() ModelConfig {
	return shared.DefaultModelConfig()
}

// DefaultTrainingConfig returns the default training hyperparameters.
func DefaultTrainingConfig() TrainingConfig {
	return shared.DefaultTrainingConfig()
}

// NewPanelTransformer creates a randomly initialized predictor.
func NewPanelTransformer(config ModelConfig, seed int64) *PanelTransformer {
	return neural.NewPanelTransformer(config, seed)
}

// FromState reconstructs a predictor from a serialized model state.
func FromState(state *ModelState) (*PanelTransformer, error) {
	return neural.FromState(state)
}

// NewPredictorSet wraps one or more trained predictors into the
// single-or-ensemble variant.
func NewPredictorSet(members ...*PanelTransformer) *PredictorSet {
	return neural.NewPredictorSet(members...)
}

// NewTrainer creates a trainer for the given model.
func NewTrainer(model *PanelTransformer, config TrainingConfig) *Trainer {
	return training.NewTrainer(model, config)
}

// NewRewardLoader creates an empty reward expression loader.
func NewRewardLoader() *RewardLoader {
	return reward.NewLoader()
}

// NewPolicyOptimizer creates a policy search over the given predictors and
// loaded reward function.
func NewPolicyOptimizer(predictors *PredictorSet, loader *RewardLoader, seed int64) *PolicyOptimizer {
	return optimize.NewPolicyOptimizer(predictors, loader, seed)
}

// NewService creates the JSON request handler.
func NewService() *Service {
	return agent.NewService()
}
