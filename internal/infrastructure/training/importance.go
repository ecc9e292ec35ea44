package training

import (
	"math/rand"

	"github.com/blackms/policyflow-go/internal/infrastructure/neural"
)

// ComputeFeatureImportance scores each feature by permutation: samples are
// shuffled along the batch axis for one feature at a time, and importance
// is the mean squared deviation of the permuted predictions from the
// baseline predictions, normalized to sum to 1.
func ComputeFeatureImportance(model *neural.PanelTransformer, x [][][]float64, entityIDs []int,
	featureNames []string, seed int64) map[string]float64 {

	model.SetTraining(false)
	rng := rand.New(rand.NewSource(seed))

	baseline := model.Forward(x, entityIDs)
	scores := make(map[string]float64, len(featureNames))

	for f, name := range featureNames {
		perm := rng.Perm(len(x))
		permuted := make([][][]float64, len(x))
		for i := range x {
			permuted[i] = make([][]float64, len(x[i]))
			for t := range x[i] {
				row := make([]float64, len(x[i][t]))
				copy(row, x[i][t])
				row[f] = x[perm[i]][t][f]
				permuted[i][t] = row
			}
		}

		out := model.Forward(permuted, entityIDs)
		var sq float64
		var n int
		for i := range out {
			for t := range out[i] {
				for c := range out[i][t] {
					d := out[i][t][c] - baseline[i][t][c]
					sq += d * d
					n++
				}
			}
		}
		if n > 0 {
			scores[name] = sq / float64(n)
		} else {
			scores[name] = 0
		}
	}

	var total float64
	for _, v := range scores {
		total += v
	}
	total += 1e-8
	for k := range scores {
		scores[k] /= total
	}
	return scores
}
