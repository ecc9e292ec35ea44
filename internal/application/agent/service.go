package agent

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/blackms/policyflow-go/internal/infrastructure/dataset"
	"github.com/blackms/policyflow-go/internal/infrastructure/neural"
	"github.com/blackms/policyflow-go/internal/infrastructure/optimize"
	"github.com/blackms/policyflow-go/internal/infrastructure/plot"
	"github.com/blackms/policyflow-go/internal/infrastructure/reward"
	"github.com/blackms/policyflow-go/internal/infrastructure/training"
	"github.com/blackms/policyflow-go/internal/shared"
)

// ensembleSize is the number of independently seeded members trained when
// the ensemble flag is set.
const ensembleSize = 3

// Service dispatches wire requests to the action handlers. It holds no
// state between requests; every model artifact travels inside the request
// and response.
type Service struct{}

// NewService creates the request handler.
func NewService() *Service {
	return &Service{}
}

// Handle decodes one raw JSON request, runs the selected action and encodes
// the response. Every failure path, panics included, produces an error
// envelope instead of crashing.
func (s *Service) Handle(raw []byte) []byte {
	var out []byte
	func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Msg("request handler panicked")
				out = errorEnvelope(shared.NewInternalError(fmt.Sprintf("internal failure: %v", r), nil))
			}
		}()
		out = s.dispatch(raw)
	}()
	return out
}

func (s *Service) dispatch(raw []byte) []byte {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return errorEnvelope(shared.NewInputError("invalid request JSON: %v", err))
	}

	var (
		result any
		err    error
	)
	switch req.Action {
	case ActionTrain:
		result, err = s.Train(&req)
	case ActionPredict:
		result, err = s.Predict(&req)
	case ActionOptimize:
		result, err = s.Optimize(&req)
	case ActionScenario:
		result, err = s.Scenario(&req)
	default:
		err = shared.NewInputError("unknown action: %q", req.Action)
	}
	if err != nil {
		return errorEnvelope(err)
	}

	encoded, merr := json.Marshal(result)
	if merr != nil {
		return errorEnvelope(shared.NewInternalError("failed to encode response", merr))
	}
	return encoded
}

func errorEnvelope(err error) []byte {
	resp := ErrorResponse{
		Success: false,
		Error:   err.Error(),
		Code:    shared.KindOf(err),
	}
	encoded, merr := json.Marshal(resp)
	if merr != nil {
		return []byte(`{"success":false,"error":"internal failure","code":"internal_error"}`)
	}
	return encoded
}

// Train prepares the data, trains one predictor (or an ensemble of
// independently seeded predictors) and returns the serialized model state
// with curves, test metrics, feature importance and diagnostic plots.
func (s *Service) Train(req *Request) (*TrainResponse, error) {
	if req.Data == "" {
		return nil, shared.NewInputError("no data provided")
	}

	trainCfg := shared.DefaultTrainingConfig()
	trainCfg.LearningRate = floatOr(req.LearningRate, trainCfg.LearningRate)
	trainCfg.WeightDecay = floatOr(req.WeightDecay, trainCfg.WeightDecay)
	trainCfg.Dropout = floatOr(req.Dropout, trainCfg.Dropout)
	trainCfg.BatchSize = intOr(req.BatchSize, trainCfg.BatchSize)
	trainCfg.Epochs = intOr(req.Epochs, trainCfg.Epochs)
	trainCfg.Patience = intOr(req.Patience, trainCfg.Patience)
	trainCfg.Seed = int64Or(req.Seed, trainCfg.Seed)
	if req.Scheduler != "" {
		trainCfg.Scheduler = req.Scheduler
	}

	defaults := shared.DefaultModelConfig()
	lookback := intOr(req.Lookback, defaults.Lookback)
	horizon := intOr(req.PredHorizon, defaults.Horizon)

	processor := dataset.NewProcessor()
	split, err := processor.Prepare(req.Data, dataset.PrepareOptions{
		DataType:    req.DataType,
		EntityCol:   req.EntityCol,
		TimeCol:     req.TimeCol,
		FeatureCols: req.FeatureCols,
		TargetCols:  req.TargetCols,
		Lookback:    lookback,
		Horizon:     horizon,
		Seed:        trainCfg.Seed,
	})
	if err != nil {
		return nil, err
	}

	modelCfg := shared.ModelConfig{
		NFeatures: split.NFeatures,
		NTargets:  split.NTargets,
		NEntities: split.NEntities,
		DModel:    intOr(req.DModel, defaults.DModel),
		NumHeads:  intOr(req.NumHeads, defaults.NumHeads),
		NumLayers: intOr(req.NumLayers, defaults.NumLayers),
		DFf:       intOr(req.DFf, defaults.DFf),
		Lookback:  split.Lookback,
		Horizon:   split.Horizon,
	}
	if modelCfg.DModel%modelCfg.NumHeads != 0 {
		return nil, shared.NewInputError(
			"dModel %d must be divisible by numHeads %d", modelCfg.DModel, modelCfg.NumHeads)
	}

	members := 1
	if req.Ensemble {
		members = ensembleSize
	}

	models := make([]*neural.PanelTransformer, 0, members)
	states := make([]*shared.ModelState, 0, members)
	var firstResult *shared.TrainingResult
	for i := 0; i < members; i++ {
		memberCfg := trainCfg
		memberCfg.Seed = trainCfg.Seed + int64(i)

		model := neural.NewPanelTransformer(modelCfg, memberCfg.Seed)
		trainer := training.NewTrainer(model, memberCfg)
		result, err := trainer.Fit(split)
		if err != nil {
			return nil, err
		}
		log.Info().
			Int("member", i).
			Int("epochs", result.EpochsTrained).
			Float64("bestValLoss", result.BestValLoss).
			Msg("training finished")

		models = append(models, model)
		states = append(states, model.State(processor.Params()))
		if i == 0 {
			firstResult = result
		}
	}

	importance := training.ComputeFeatureImportance(
		models[0], split.Test.X, split.Test.EntityID, split.FeatureNames, trainCfg.Seed)

	images := plot.GenerateAll(firstResult.History, importance)
	plots := make([]PlotResponse, len(images))
	for i, img := range images {
		plots[i] = PlotResponse{Title: img.Title, Image: img.Image}
	}

	resp := &TrainResponse{
		Success:           true,
		EpochsTrained:     firstResult.EpochsTrained,
		BestValLoss:       firstResult.BestValLoss,
		TestMetrics:       firstResult.TestMetrics,
		FeatureImportance: importance,
		History: HistoryResponse{
			TrainLoss: firstResult.History.TrainLoss,
			ValLoss:   firstResult.History.ValLoss,
		},
		Plots: plots,
	}
	if req.Ensemble {
		resp.ModelState = states
		set := neural.NewPredictorSet(models...)
		_, std := set.PredictWithStd(split.Test.X, split.Test.EntityID)
		resp.PredictionStd = scaleByTargetStd(std, processor.Params().TargetStds)
	} else {
		resp.ModelState = states[0]
	}
	return resp, nil
}

// Predict rebuilds the predictor set from the supplied model state and
// returns denormalized predictions, with per-point standard deviation for
// ensembles.
func (s *Service) Predict(req *Request) (*PredictResponse, error) {
	set, processor, err := s.restore(req)
	if err != nil {
		return nil, err
	}

	tensors, err := s.inferenceTensors(req, set.Config(), processor)
	if err != nil {
		return nil, err
	}

	mean, std := set.PredictWithStd(tensors.X, tensors.EntityID)
	resp := &PredictResponse{
		Success:     true,
		Predictions: processor.Denormalize(mean),
		TargetNames: processor.Params().TargetNames,
	}
	if set.Size() > 1 {
		resp.PredictionStd = scaleByTargetStd(std, processor.Params().TargetStds)
	}
	return resp, nil
}

// Optimize searches the bounded lever space for the values maximizing the
// reward evaluated on model forecasts.
func (s *Service) Optimize(req *Request) (*OptimizeResponse, error) {
	set, processor, err := s.restore(req)
	if err != nil {
		return nil, err
	}

	if req.RewardCode == "" {
		return nil, shared.NewInputError("no reward function provided")
	}
	loader := reward.NewLoader()
	if err := loader.LoadFromSource(req.RewardCode); err != nil {
		return nil, err
	}

	if len(req.PolicyFeatures) == 0 {
		return nil, shared.NewInputError("no policy features provided")
	}

	tensors, err := s.inferenceTensors(req, set.Config(), processor)
	if err != nil {
		return nil, err
	}

	featureNames := processor.Params().FeatureNames
	targetNames := processor.Params().TargetNames

	bounds := make([]shared.Bound, len(req.PolicyFeatures))
	for i, name := range req.PolicyFeatures {
		if b, ok := req.Bounds[name]; ok {
			bounds[i] = b
		} else {
			bounds[i] = shared.Bound{Min: -1, Max: 1}
		}
	}

	seed := int64Or(req.Seed, 42)

	if req.OptimizationMethod == shared.SearchEvolutionary {
		return s.optimizeEvolutionary(req, set, loader, tensors, featureNames, targetNames, bounds, seed)
	}

	opt := optimize.NewPolicyOptimizer(set, loader, seed)
	opts := optimize.Options{
		BaseFeatures:   tensors.X,
		EntityIDs:      tensors.EntityID,
		PolicyFeatures: req.PolicyFeatures,
		FeatureNames:   featureNames,
		TargetNames:    targetNames,
		Bounds:         bounds,
		Method:         req.OptimizationMethod,
		MaxIterations:  req.MaxIterations,
		Context:        req.Context,
		Constraints:    req.Constraints,
	}

	if req.SequencePeriods > 1 {
		path, err := opt.OptimizeSequential(opts, req.SequencePeriods)
		if err != nil {
			return nil, err
		}
		last := path[len(path)-1].Result
		return &OptimizeResponse{
			Success:       true,
			OptimalParams: last.OptimalParams,
			OptimalReward: last.OptimalReward,
			Iterations:    last.Iterations,
			SequencePath:  path,
		}, nil
	}

	result, err := opt.Optimize(opts)
	if err != nil {
		return nil, err
	}
	return &OptimizeResponse{
		Success:             true,
		OptimalParams:       result.OptimalParams,
		OptimalReward:       result.OptimalReward,
		BaselinePredictions: result.BaselinePredictions,
		OptimalPredictions:  result.OptimalPredictions,
		Improvement:         result.Improvement,
		Iterations:          result.Iterations,
	}, nil
}

func (s *Service) optimizeEvolutionary(req *Request, set *neural.PredictorSet, loader *reward.Loader,
	tensors *shared.TensorSet, featureNames, targetNames []string, bounds []shared.Bound, seed int64) (*OptimizeResponse, error) {

	idx, err := optimize.LeverIndices(req.PolicyFeatures, featureNames)
	if err != nil {
		return nil, err
	}

	evo := optimize.NewEvolutionaryOptimizer(set, loader, req.PopulationSize, seed)
	result, err := evo.Optimize(optimize.EvolutionOptions{
		BaseFeatures:  tensors.X,
		EntityIDs:     tensors.EntityID,
		LeverIndices:  idx,
		TargetNames:   targetNames,
		Bounds:        bounds,
		Generations:   req.Generations,
		MutationRate:  floatOr(req.MutationRate, 0.1),
		CrossoverRate: floatOr(req.CrossoverRate, 0.7),
		Context:       req.Context,
	})
	if err != nil {
		return nil, err
	}

	params := make(map[string]float64, len(req.PolicyFeatures))
	for i, name := range req.PolicyFeatures {
		if i < len(result.OptimalParams) {
			params[name] = result.OptimalParams[i]
		}
	}
	return &OptimizeResponse{
		Success:           true,
		OptimalParams:     params,
		OptimalReward:     result.OptimalFitness,
		Iterations:        result.Generations,
		GenerationHistory: result.History,
	}, nil
}

// Scenario predicts outcomes under named feature overrides and summarizes
// each target's distribution, with the reward evaluated on the per-target
// means when a reward function is supplied.
func (s *Service) Scenario(req *Request) (*ScenarioResponse, error) {
	set, processor, err := s.restore(req)
	if err != nil {
		return nil, err
	}
	if len(req.Scenarios) == 0 {
		return nil, shared.NewInputError("no scenarios provided")
	}

	loader := reward.NewLoader()
	if req.RewardCode != "" {
		if err := loader.LoadFromSource(req.RewardCode); err != nil {
			return nil, err
		}
	}

	tensors, err := s.inferenceTensors(req, set.Config(), processor)
	if err != nil {
		return nil, err
	}

	opt := optimize.NewPolicyOptimizer(set, loader, int64Or(req.Seed, 42))
	results, err := opt.ScenarioAnalysis(tensors.X, tensors.EntityID, req.Scenarios,
		processor.Params().FeatureNames, processor.Params().TargetNames)
	if err != nil {
		return nil, err
	}
	return &ScenarioResponse{Success: true, Scenarios: results}, nil
}

// restore rebuilds the predictor set and a fitted processor from the
// request's model state.
func (s *Service) restore(req *Request) (*neural.PredictorSet, *dataset.Processor, error) {
	states, err := req.modelStates()
	if err != nil {
		return nil, nil, err
	}
	set, err := neural.SetFromStates(states)
	if err != nil {
		return nil, nil, err
	}
	processor := dataset.NewProcessorWithParams(states[0].DataParams)
	return set, processor, nil
}

// inferenceTensors windows the request data with the stored normalization
// parameters. Column roles default to the ones recorded at training time.
func (s *Service) inferenceTensors(req *Request, cfg shared.ModelConfig, processor *dataset.Processor) (*shared.TensorSet, error) {
	if req.Data == "" {
		return nil, shared.NewInputError("no data provided")
	}
	params := processor.Params()

	featureCols := req.FeatureCols
	if len(featureCols) == 0 {
		featureCols = params.FeatureNames
	}
	targetCols := req.TargetCols
	if len(targetCols) == 0 {
		targetCols = params.TargetNames
	}
	dataType := req.DataType
	if dataType == "" {
		dataType = params.DataType
	}

	return processor.PrepareInference(req.Data, dataset.PrepareOptions{
		DataType:    dataType,
		EntityCol:   req.EntityCol,
		TimeCol:     req.TimeCol,
		FeatureCols: featureCols,
		TargetCols:  targetCols,
		Lookback:    cfg.Lookback,
		Horizon:     cfg.Horizon,
	})
}

// scaleByTargetStd maps a normalized per-point standard deviation back to
// target units. Standard deviations scale without the mean shift.
func scaleByTargetStd(std [][][]float64, stds []float64) [][][]float64 {
	out := make([][][]float64, len(std))
	for i, sample := range std {
		out[i] = make([][]float64, len(sample))
		for t, row := range sample {
			out[i][t] = make([]float64, len(row))
			for c, v := range row {
				out[i][t][c] = v * stds[c]
			}
		}
	}
	return out
}
