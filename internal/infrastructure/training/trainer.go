// Package training implements the supervised training loop for the panel
// transformer: batching, AdamW updates, learning-rate scheduling, early
// stopping and evaluation metrics.
package training

import (
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/stat"

	"github.com/blackms/policyflow-go/internal/infrastructure/dataset"
	"github.com/blackms/policyflow-go/internal/infrastructure/neural"
	"github.com/blackms/policyflow-go/internal/shared"
)

// Phase tracks the trainer's lifecycle.
type Phase string

const (
	PhaseNotStarted          Phase = "not_started"
	PhaseTraining            Phase = "training"
	PhaseEarlyStopped        Phase = "early_stopped"
	PhaseEpochsExhausted     Phase = "epochs_exhausted"
	PhaseBestWeightsRestored Phase = "best_weights_restored"
	PhaseEvaluated           Phase = "evaluated"
)

const (
	adamBeta1 = 0.9
	adamBeta2 = 0.999
	adamEps   = 1e-8

	maxGradNorm = 1.0
)

// Trainer drives supervised training of one predictor. It owns the
// optimizer state and training history; nothing is shared between trainers.
type Trainer struct {
	model  *neural.PanelTransformer
	config shared.TrainingConfig

	adamM    [][]float64
	adamV    [][]float64
	adamStep int64
	lr       float64

	scheduler scheduler

	history     shared.TrainingHistory
	bestValLoss float64
	bestWeights map[string][]float64
	phase       Phase
	rng         *rand.Rand
}

// NewTrainer creates a trainer for the given model.
func NewTrainer(model *neural.PanelTransformer, config shared.TrainingConfig) *Trainer {
	params := model.Parameters()
	adamM := make([][]float64, len(params))
	adamV := make([][]float64, len(params))
	for i, p := range params {
		adamM[i] = make([]float64, len(p.Data))
		adamV[i] = make([]float64, len(p.Data))
	}

	t := &Trainer{
		model:       model,
		config:      config,
		adamM:       adamM,
		adamV:       adamV,
		lr:          config.LearningRate,
		bestValLoss: math.Inf(1),
		phase:       PhaseNotStarted,
		rng:         rand.New(rand.NewSource(config.Seed)),
	}
	if config.Scheduler == shared.SchedulerCosine {
		t.scheduler = newCosineScheduler(config.LearningRate)
	} else {
		t.scheduler = newPlateauScheduler(config.LearningRate)
	}
	model.SetDropout(config.Dropout)
	return t
}

// Phase returns the current lifecycle phase.
func (t *Trainer) Phase() Phase {
	return t.phase
}

// History returns the recorded training curves.
func (t *Trainer) History() shared.TrainingHistory {
	return t.history
}

// Fit runs the full training loop over the split and returns curves, the
// best validation loss and held-out test metrics. The model is left holding
// the weights of its best validation epoch.
func (t *Trainer) Fit(split *shared.WindowedSplit) (*shared.TrainingResult, error) {
	if split.Train.Len() == 0 || split.Val.Len() == 0 {
		return nil, shared.NewDataError("training requires non-empty train and validation splits")
	}

	t.phase = PhaseTraining
	patience := t.config.Patience
	if patience <= 0 {
		patience = 15
	}
	stagnant := 0

	for epoch := 0; epoch < t.config.Epochs; epoch++ {
		start := time.Now()
		trainLoss := t.trainEpoch(&split.Train)
		valLoss, _ := t.evaluate(&split.Val)
		elapsed := time.Since(start).Seconds()

		t.lr = t.scheduler.step(t.lr, valLoss)

		t.history.TrainLoss = append(t.history.TrainLoss, trainLoss)
		t.history.ValLoss = append(t.history.ValLoss, valLoss)
		t.history.LearningRate = append(t.history.LearningRate, t.lr)
		t.history.EpochTime = append(t.history.EpochTime, elapsed)

		if valLoss < t.bestValLoss {
			t.bestValLoss = valLoss
			t.bestWeights = t.model.Snapshot()
			stagnant = 0
		} else {
			stagnant++
		}

		log.Debug().
			Int("epoch", epoch+1).
			Float64("trainLoss", trainLoss).
			Float64("valLoss", valLoss).
			Float64("lr", t.lr).
			Msg("epoch complete")

		if stagnant >= patience {
			t.phase = PhaseEarlyStopped
			log.Debug().Int("epoch", epoch+1).Msg("early stopping")
			break
		}
	}
	if t.phase == PhaseTraining {
		t.phase = PhaseEpochsExhausted
	}

	// Restore the single best snapshot regardless of where training stopped.
	if t.bestWeights != nil {
		t.model.Restore(t.bestWeights)
	}
	t.phase = PhaseBestWeightsRestored

	testLoss, testMetrics := t.evaluate(&split.Test)
	testMetrics.Loss = testLoss
	t.phase = PhaseEvaluated

	return &shared.TrainingResult{
		History:       t.history,
		BestValLoss:   t.bestValLoss,
		TestMetrics:   testMetrics,
		EpochsTrained: len(t.history.TrainLoss),
	}, nil
}

// trainEpoch iterates randomly permuted mini-batches, including the final
// partial batch, and applies one AdamW update per batch.
func (t *Trainer) trainEpoch(set *shared.TensorSet) float64 {
	t.model.SetTraining(true)
	defer t.model.SetTraining(false)

	batches := dataset.Batches(set, t.config.BatchSize, t.rng)
	var total float64
	for _, b := range batches {
		t.model.ZeroGrad()
		loss := t.model.ForwardBackwardMSE(b.X, b.EntityID, b.Y)
		t.clipGradients()
		t.applyAdamW()
		total += loss
	}
	return total / float64(len(batches))
}

// clipGradients rescales all gradients so their global L2 norm is at most
// maxGradNorm.
func (t *Trainer) clipGradients() {
	var sq float64
	params := t.model.Parameters()
	for _, p := range params {
		for _, g := range p.Grad {
			sq += g * g
		}
	}
	norm := math.Sqrt(sq)
	if norm <= maxGradNorm {
		return
	}
	scale := maxGradNorm / (norm + 1e-12)
	for _, p := range params {
		for i := range p.Grad {
			p.Grad[i] *= scale
		}
	}
}

// applyAdamW performs one adaptive-moment update with decoupled weight
// decay.
func (t *Trainer) applyAdamW() {
	t.adamStep++
	step := float64(t.adamStep)
	c1 := 1 - math.Pow(adamBeta1, step)
	c2 := 1 - math.Pow(adamBeta2, step)

	for pi, p := range t.model.Parameters() {
		m := t.adamM[pi]
		v := t.adamV[pi]
		for i, g := range p.Grad {
			m[i] = adamBeta1*m[i] + (1-adamBeta1)*g
			v[i] = adamBeta2*v[i] + (1-adamBeta2)*g*g
			mHat := m[i] / c1
			vHat := v[i] / c2
			p.Data[i] -= t.lr * (mHat/(math.Sqrt(vHat)+adamEps) + t.config.WeightDecay*p.Data[i])
		}
	}
}

// evaluate runs the model in evaluation mode over a set and returns the
// average loss plus regression metrics on the flattened predictions.
func (t *Trainer) evaluate(set *shared.TensorSet) (float64, shared.Metrics) {
	t.model.SetTraining(false)

	batchSize := t.config.BatchSize
	if batchSize <= 0 {
		batchSize = 32
	}

	var preds, targets []float64
	var totalLoss float64
	var nBatches int
	n := set.Len()
	for start := 0; start < n; start += batchSize {
		end := start + batchSize
		if end > n {
			end = n
		}
		out := t.model.Forward(set.X[start:end], set.EntityID[start:end])

		var batchSq float64
		var batchN int
		for i, sample := range out {
			for ti, row := range sample {
				for c, v := range row {
					actual := set.Y[start+i][ti][c]
					diff := v - actual
					batchSq += diff * diff
					batchN++
					preds = append(preds, v)
					targets = append(targets, actual)
				}
			}
		}
		if batchN > 0 {
			totalLoss += batchSq / float64(batchN)
			nBatches++
		}
	}

	loss := 0.0
	if nBatches > 0 {
		loss = totalLoss / float64(nBatches)
	}
	m := computeMetrics(preds, targets)
	m.Loss = loss
	return loss, m
}

// computeMetrics evaluates MSE, RMSE, MAE, R² and MAPE over flattened
// predictions. The MAPE denominator excludes near-zero actual values.
func computeMetrics(preds, targets []float64) shared.Metrics {
	n := len(preds)
	if n == 0 {
		return shared.Metrics{}
	}

	var sqErr, absErr float64
	for i := range preds {
		d := preds[i] - targets[i]
		sqErr += d * d
		absErr += math.Abs(d)
	}
	mse := sqErr / float64(n)

	targetMean := stat.Mean(targets, nil)
	var ssTot float64
	for _, v := range targets {
		d := v - targetMean
		ssTot += d * d
	}
	r2 := 1 - sqErr/(ssTot+1e-8)

	var mape float64
	var mapeN int
	for i, actual := range targets {
		if math.Abs(actual) > 1e-8 {
			mape += math.Abs((actual - preds[i]) / actual)
			mapeN++
		}
	}
	if mapeN > 0 {
		mape = mape / float64(mapeN) * 100
	}

	return shared.Metrics{
		MSE:  mse,
		RMSE: math.Sqrt(mse),
		MAE:  absErr / float64(n),
		R2:   r2,
		MAPE: mape,
	}
}
