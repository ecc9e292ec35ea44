// Package agent implements the request/response surface of the policy
// agent: one JSON request selects an action, the handlers orchestrate the
// infrastructure packages and produce one JSON response.
package agent

import (
	"encoding/json"

	"github.com/blackms/policyflow-go/internal/shared"
)

// Action selects the request behavior.
type Action string

const (
	ActionTrain    Action = "train"
	ActionPredict  Action = "predict"
	ActionOptimize Action = "optimize"
	ActionScenario Action = "scenario"
)

// Request is the single wire request. Optional numeric hyperparameters are
// pointers so absent fields fall back to defaults rather than zero.
type Request struct {
	Action Action `json:"action"`

	// Data payload and column roles.
	Data        string          `json:"data"`
	DataType    shared.DataType `json:"dataType"`
	EntityCol   string          `json:"entityCol"`
	TimeCol     string          `json:"timeCol"`
	FeatureCols []string        `json:"featureCols"`
	TargetCols  []string        `json:"targetCols"`

	// Architecture hyperparameters.
	DModel    *int     `json:"dModel"`
	NumHeads  *int     `json:"numHeads"`
	NumLayers *int     `json:"numLayers"`
	DFf       *int     `json:"dFf"`
	Dropout   *float64 `json:"dropout"`

	// Training hyperparameters.
	LearningRate *float64             `json:"learningRate"`
	WeightDecay  *float64             `json:"weightDecay"`
	BatchSize    *int                 `json:"batchSize"`
	Epochs       *int                 `json:"epochs"`
	Patience     *int                 `json:"patience"`
	Lookback     *int                 `json:"lookback"`
	PredHorizon  *int                 `json:"predHorizon"`
	Scheduler    shared.SchedulerType `json:"scheduler"`
	Seed         *int64               `json:"seed"`
	Ensemble     bool                 `json:"ensemble"`

	// Trained model state: a single object or a list for ensembles.
	ModelState json.RawMessage `json:"modelState"`

	// Optimization inputs.
	RewardCode         string                  `json:"rewardCode"`
	PolicyFeatures     []string                `json:"policyFeatures"`
	Bounds             map[string]shared.Bound `json:"bounds"`
	OptimizationMethod shared.SearchMethod     `json:"optimizationMethod"`
	MaxIterations      int                     `json:"maxIterations"`
	Constraints        []shared.Constraint     `json:"constraints"`
	SequencePeriods    int                     `json:"sequencePeriods"`
	Context            shared.RewardContext    `json:"context"`

	// Genetic search knobs, used when optimizationMethod is "evolutionary".
	PopulationSize int      `json:"populationSize"`
	Generations    int      `json:"generations"`
	MutationRate   *float64 `json:"mutationRate"`
	CrossoverRate  *float64 `json:"crossoverRate"`

	// Scenario analysis: scenario name -> feature -> override value.
	Scenarios map[string]map[string]float64 `json:"scenarios"`
}

// modelStates decodes the modelState field, accepting either a single state
// object or a list of states sharing one config.
func (r *Request) modelStates() ([]*shared.ModelState, error) {
	if len(r.ModelState) == 0 {
		return nil, shared.NewInputError("no model state provided, train a model first")
	}
	var list []*shared.ModelState
	if err := json.Unmarshal(r.ModelState, &list); err == nil {
		if len(list) == 0 {
			return nil, shared.NewInputError("model state list is empty")
		}
		return list, nil
	}
	var single shared.ModelState
	if err := json.Unmarshal(r.ModelState, &single); err != nil {
		return nil, shared.NewInputError("invalid model state: %v", err)
	}
	return []*shared.ModelState{&single}, nil
}

func intOr(p *int, def int) int {
	if p != nil {
		return *p
	}
	return def
}

func floatOr(p *float64, def float64) float64 {
	if p != nil {
		return *p
	}
	return def
}

func int64Or(p *int64, def int64) int64 {
	if p != nil {
		return *p
	}
	return def
}

// ErrorResponse is the uniform failure envelope. The process always emits
// one of these instead of crashing.
type ErrorResponse struct {
	Success bool             `json:"success"`
	Error   string           `json:"error"`
	Code    shared.ErrorKind `json:"code"`
}

// TrainResponse is the train action result.
type TrainResponse struct {
	Success           bool               `json:"success"`
	EpochsTrained     int                `json:"epochsTrained"`
	BestValLoss       float64            `json:"bestValLoss"`
	TestMetrics       shared.Metrics     `json:"testMetrics"`
	FeatureImportance map[string]float64 `json:"featureImportance"`
	History           HistoryResponse    `json:"history"`
	Plots             []PlotResponse     `json:"plots"`
	ModelState        any                `json:"modelState"`
	PredictionStd     [][][]float64      `json:"predictionStd,omitempty"`
}

// HistoryResponse carries the loss curves of a training run.
type HistoryResponse struct {
	TrainLoss []float64 `json:"trainLoss"`
	ValLoss   []float64 `json:"valLoss"`
}

// PlotResponse is one base64-encoded PNG diagnostic image.
type PlotResponse struct {
	Title string `json:"title"`
	Image string `json:"image"`
}

// PredictResponse is the predict action result.
type PredictResponse struct {
	Success       bool          `json:"success"`
	Predictions   [][][]float64 `json:"predictions"`
	TargetNames   []string      `json:"targetNames"`
	PredictionStd [][][]float64 `json:"predictionStd,omitempty"`
}

// OptimizeResponse is the optimize action result. SequencePath is set only
// for sequential multi-period runs, GenerationHistory only for the genetic
// search method.
type OptimizeResponse struct {
	Success             bool                     `json:"success"`
	OptimalParams       map[string]float64       `json:"optimalParams"`
	OptimalReward       float64                  `json:"optimalReward"`
	BaselinePredictions map[string]float64       `json:"baselinePredictions,omitempty"`
	OptimalPredictions  map[string]float64       `json:"optimalPredictions,omitempty"`
	Improvement         map[string]float64       `json:"improvement,omitempty"`
	Iterations          int                      `json:"iterations"`
	SequencePath        []shared.PeriodResult    `json:"sequencePath,omitempty"`
	GenerationHistory   []shared.GenerationStats `json:"generationHistory,omitempty"`
}

// ScenarioResponse is the scenario action result.
type ScenarioResponse struct {
	Success   bool                             `json:"success"`
	Scenarios map[string]shared.ScenarioResult `json:"scenarios"`
}
