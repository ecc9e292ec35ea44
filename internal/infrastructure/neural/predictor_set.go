package neural

import (
	"math"

	"github.com/blackms/policyflow-go/internal/shared"
)

// PredictorSet is the single-or-ensemble variant of the predictor. All
// members share one ModelConfig; every prediction path goes through its
// averaging accessor so callers never branch on ensemble size.
type PredictorSet struct {
	members []*PanelTransformer
}

// NewPredictorSet wraps one or more trained predictors.
func NewPredictorSet(members ...*PanelTransformer) *PredictorSet {
	return &PredictorSet{members: members}
}

// SetFromStates reconstructs a PredictorSet from serialized states.
func SetFromStates(states []*shared.ModelState) (*PredictorSet, error) {
	if len(states) == 0 {
		return nil, shared.NewInputError("no model state provided")
	}
	members := make([]*PanelTransformer, len(states))
	for i, s := range states {
		m, err := FromState(s)
		if err != nil {
			return nil, err
		}
		members[i] = m
	}
	return &PredictorSet{members: members}, nil
}

// Size returns the number of ensemble members.
func (s *PredictorSet) Size() int {
	return len(s.members)
}

// Config returns the architecture shared by all members.
func (s *PredictorSet) Config() shared.ModelConfig {
	return s.members[0].Config()
}

// Predict returns the elementwise mean prediction across members, shaped
// [batch][horizon][nTargets].
func (s *PredictorSet) Predict(x [][][]float64, entityIDs []int) [][][]float64 {
	mean, _ := s.predict(x, entityIDs, false)
	return mean
}

// PredictWithStd returns the mean prediction and the per-point standard
// deviation across members. With a single member the deviation is zero.
func (s *PredictorSet) PredictWithStd(x [][][]float64, entityIDs []int) (mean, std [][][]float64) {
	return s.predict(x, entityIDs, true)
}

func (s *PredictorSet) predict(x [][][]float64, entityIDs []int, withStd bool) (mean, std [][][]float64) {
	all := make([][][][]float64, len(s.members))
	for i, m := range s.members {
		all[i] = m.Forward(x, entityIDs)
	}

	n := float64(len(s.members))
	mean = make([][][]float64, len(all[0]))
	if withStd {
		std = make([][][]float64, len(all[0]))
	}
	for b := range all[0] {
		mean[b] = make([][]float64, len(all[0][b]))
		if withStd {
			std[b] = make([][]float64, len(all[0][b]))
		}
		for t := range all[0][b] {
			mean[b][t] = make([]float64, len(all[0][b][t]))
			if withStd {
				std[b][t] = make([]float64, len(all[0][b][t]))
			}
			for c := range all[0][b][t] {
				var sum float64
				for _, preds := range all {
					sum += preds[b][t][c]
				}
				mu := sum / n
				mean[b][t][c] = mu
				if withStd {
					var ss float64
					for _, preds := range all {
						d := preds[b][t][c] - mu
						ss += d * d
					}
					std[b][t][c] = math.Sqrt(ss / n)
				}
			}
		}
	}
	return mean, std
}

// TargetMeans reduces predictions to one scalar per target by averaging
// over batch and horizon.
func TargetMeans(preds [][][]float64, targetNames []string) map[string]float64 {
	out := make(map[string]float64, len(targetNames))
	if len(preds) == 0 {
		return out
	}
	nT := len(targetNames)
	for c := 0; c < nT; c++ {
		var sum float64
		var count int
		for _, sample := range preds {
			for _, row := range sample {
				if c < len(row) {
					sum += row[c]
					count++
				}
			}
		}
		if count > 0 {
			out[targetNames[c]] = sum / float64(count)
		}
	}
	return out
}
