package neural

import (
	"math"
	"math/rand"
	"testing"

	"github.com/blackms/policyflow-go/internal/shared"
)

func tinyConfig() shared.ModelConfig {
	return shared.ModelConfig{
		NFeatures: 3,
		NTargets:  2,
		NEntities: 2,
		DModel:    8,
		NumHeads:  2,
		NumLayers: 2,
		DFf:       16,
		Lookback:  4,
		Horizon:   2,
	}
}

func randomWindows(rng *rand.Rand, batch, lookback, width int) [][][]float64 {
	x := make([][][]float64, batch)
	for i := range x {
		x[i] = make([][]float64, lookback)
		for t := range x[i] {
			row := make([]float64, width)
			for c := range row {
				row[c] = rng.NormFloat64()
			}
			x[i][t] = row
		}
	}
	return x
}

func TestForwardShapes(t *testing.T) {
	cfg := tinyConfig()
	m := NewPanelTransformer(cfg, 1)
	m.SetTraining(false)

	rng := rand.New(rand.NewSource(2))
	x := randomWindows(rng, 3, cfg.Lookback, cfg.NFeatures)
	out := m.Forward(x, []int{0, 1, 0})

	if len(out) != 3 {
		t.Fatalf("batch = %d, want 3", len(out))
	}
	for _, sample := range out {
		if len(sample) != cfg.Horizon {
			t.Fatalf("horizon = %d, want %d", len(sample), cfg.Horizon)
		}
		for _, row := range sample {
			if len(row) != cfg.NTargets {
				t.Fatalf("targets = %d, want %d", len(row), cfg.NTargets)
			}
		}
	}
}

func TestForwardDeterministicInEvalMode(t *testing.T) {
	cfg := tinyConfig()
	m := NewPanelTransformer(cfg, 1)
	m.SetTraining(false)

	rng := rand.New(rand.NewSource(3))
	x := randomWindows(rng, 2, cfg.Lookback, cfg.NFeatures)
	ids := []int{0, 1}

	a := m.Forward(x, ids)
	b := m.Forward(x, ids)
	for i := range a {
		for ti := range a[i] {
			for c := range a[i][ti] {
				if a[i][ti][c] != b[i][ti][c] {
					t.Fatalf("evaluation output differs at [%d][%d][%d]: %v vs %v",
						i, ti, c, a[i][ti][c], b[i][ti][c])
				}
			}
		}
	}
}

func TestDropoutPerturbsTrainingOutput(t *testing.T) {
	cfg := tinyConfig()
	m := NewPanelTransformer(cfg, 1)
	m.SetDropout(0.5)
	m.SetTraining(true)

	rng := rand.New(rand.NewSource(4))
	x := randomWindows(rng, 2, cfg.Lookback, cfg.NFeatures)
	ids := []int{0, 1}

	a := m.Forward(x, ids)
	b := m.Forward(x, ids)
	same := true
	for i := range a {
		for ti := range a[i] {
			for c := range a[i][ti] {
				if a[i][ti][c] != b[i][ti][c] {
					same = false
				}
			}
		}
	}
	if same {
		t.Error("training-mode forward passes are identical despite dropout")
	}
}

func TestForwardAttentionShapes(t *testing.T) {
	cfg := tinyConfig()
	m := NewPanelTransformer(cfg, 1)
	m.SetTraining(false)

	rng := rand.New(rand.NewSource(5))
	x := randomWindows(rng, 2, cfg.Lookback, cfg.NFeatures)
	_, attn := m.ForwardAttention(x, []int{0, 1})

	if len(attn) != cfg.NumLayers {
		t.Fatalf("attention layers = %d, want %d", len(attn), cfg.NumLayers)
	}
	rows := attn[0][0][0]
	if len(rows) != cfg.Lookback || len(rows[0]) != cfg.Lookback {
		t.Fatalf("attention matrix = [%d][%d], want [%d][%d]",
			len(rows), len(rows[0]), cfg.Lookback, cfg.Lookback)
	}

	// Each attention row is a probability distribution.
	for _, row := range rows {
		var sum float64
		for _, v := range row {
			if v < 0 {
				t.Fatalf("negative attention weight %v", v)
			}
			sum += v
		}
		if math.Abs(sum-1) > 1e-9 {
			t.Fatalf("attention row sums to %v, want 1", sum)
		}
	}
}

func mseLoss(m *PanelTransformer, x [][][]float64, ids []int, y [][][]float64) float64 {
	out := m.Forward(x, ids)
	var sum float64
	var n int
	for i := range out {
		for ti := range out[i] {
			for c := range out[i][ti] {
				d := out[i][ti][c] - y[i][ti][c]
				sum += d * d
				n++
			}
		}
	}
	return sum / float64(n)
}

func TestBackwardMatchesNumericalGradients(t *testing.T) {
	cfg := tinyConfig()
	m := NewPanelTransformer(cfg, 11)
	m.SetDropout(0)

	rng := rand.New(rand.NewSource(12))
	x := randomWindows(rng, 3, cfg.Lookback, cfg.NFeatures)
	y := randomWindows(rng, 3, cfg.Horizon, cfg.NTargets)
	ids := []int{0, 1, 1}

	m.ZeroGrad()
	m.ForwardBackwardMSE(x, ids, y)

	const eps = 1e-6
	for _, p := range m.Parameters() {
		for _, i := range []int{0, len(p.Data) / 2} {
			orig := p.Data[i]
			p.Data[i] = orig + eps
			lossPlus := mseLoss(m, x, ids, y)
			p.Data[i] = orig - eps
			lossMinus := mseLoss(m, x, ids, y)
			p.Data[i] = orig

			numeric := (lossPlus - lossMinus) / (2 * eps)
			analytic := p.Grad[i]
			tol := 1e-6 + 1e-3*math.Abs(numeric)
			if math.Abs(numeric-analytic) > tol {
				t.Errorf("%s[%d]: analytic grad %v, numeric %v", p.Name, i, analytic, numeric)
			}
		}
	}
}

func TestStateRoundtrip(t *testing.T) {
	cfg := tinyConfig()
	m := NewPanelTransformer(cfg, 9)
	m.SetTraining(false)

	state := m.State(shared.NormalizationParameters{})
	if state.ModelID == "" {
		t.Error("model state has no id")
	}

	restored, err := FromState(state)
	if err != nil {
		t.Fatalf("FromState failed: %v", err)
	}

	rng := rand.New(rand.NewSource(10))
	x := randomWindows(rng, 2, cfg.Lookback, cfg.NFeatures)
	ids := []int{0, 1}

	a := m.Forward(x, ids)
	b := restored.Forward(x, ids)
	for i := range a {
		for ti := range a[i] {
			for c := range a[i][ti] {
				if a[i][ti][c] != b[i][ti][c] {
					t.Fatalf("restored model output differs at [%d][%d][%d]", i, ti, c)
				}
			}
		}
	}
}

func TestFromStateRejectsMissingWeights(t *testing.T) {
	m := NewPanelTransformer(tinyConfig(), 9)
	state := m.State(shared.NormalizationParameters{})
	delete(state.Weights, "input_projection.weight")

	if _, err := FromState(state); err == nil {
		t.Fatal("expected an error for missing weights")
	}
}

func TestFromStateRejectsBadConfig(t *testing.T) {
	m := NewPanelTransformer(tinyConfig(), 9)
	state := m.State(shared.NormalizationParameters{})
	state.Config.NumHeads = 3 // does not divide DModel=8

	if _, err := FromState(state); err == nil {
		t.Fatal("expected an error for an invalid config")
	}
}

func TestPredictorSetEnsemble(t *testing.T) {
	cfg := tinyConfig()
	models := make([]*PanelTransformer, 3)
	for i := range models {
		models[i] = NewPanelTransformer(cfg, int64(100+i))
		models[i].SetTraining(false)
	}
	set := NewPredictorSet(models...)
	if set.Size() != 3 {
		t.Fatalf("Size = %d, want 3", set.Size())
	}

	rng := rand.New(rand.NewSource(20))
	x := randomWindows(rng, 2, cfg.Lookback, cfg.NFeatures)
	ids := []int{0, 1}

	mean, std := set.PredictWithStd(x, ids)
	if len(mean) != 2 {
		t.Fatalf("mean batch = %d, want 2", len(mean))
	}
	for i := range std {
		for ti := range std[i] {
			for c := range std[i][ti] {
				if std[i][ti][c] < 0 {
					t.Fatalf("negative std at [%d][%d][%d]", i, ti, c)
				}
			}
		}
	}

	// Differently seeded members must disagree somewhere.
	var spread float64
	for i := range std {
		for ti := range std[i] {
			for c := range std[i][ti] {
				spread += std[i][ti][c]
			}
		}
	}
	if spread == 0 {
		t.Error("ensemble members are identical")
	}

	// A single-member set reproduces the bare forward pass with zero std.
	single := NewPredictorSet(models[0])
	sMean, sStd := single.PredictWithStd(x, ids)
	direct := models[0].Forward(x, ids)
	for i := range sMean {
		for ti := range sMean[i] {
			for c := range sMean[i][ti] {
				if sMean[i][ti][c] != direct[i][ti][c] {
					t.Fatal("single-member mean differs from direct forward")
				}
				if sStd[i][ti][c] != 0 {
					t.Fatal("single-member std is non-zero")
				}
			}
		}
	}
}

func TestTargetMeans(t *testing.T) {
	preds := [][][]float64{
		{{1, 2}},
		{{3, 4}},
	}
	got := TargetMeans(preds, []string{"a", "b"})
	if got["a"] != 2 || got["b"] != 3 {
		t.Errorf("TargetMeans = %v, want a=2 b=3", got)
	}
}
