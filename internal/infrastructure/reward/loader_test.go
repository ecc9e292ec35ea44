package reward

import (
	"math"
	"testing"

	"github.com/blackms/policyflow-go/internal/shared"
)

func TestLoadEmptySource(t *testing.T) {
	l := NewLoader()
	err := l.LoadFromSource("   \n  ")
	if err == nil {
		t.Fatal("expected an error for empty source")
	}
	if shared.KindOf(err) != shared.KindRewardLoad {
		t.Errorf("error kind = %s, want %s", shared.KindOf(err), shared.KindRewardLoad)
	}
	if l.Loaded() {
		t.Error("loader reports loaded after a failed load")
	}
}

func TestLoadInvalidExpression(t *testing.T) {
	l := NewLoader()
	err := l.LoadFromSource("predictions[")
	if err == nil {
		t.Fatal("expected a compile error")
	}
	if shared.KindOf(err) != shared.KindRewardLoad {
		t.Errorf("error kind = %s, want %s", shared.KindOf(err), shared.KindRewardLoad)
	}
}

func TestComputeSimpleExpression(t *testing.T) {
	l := NewLoader()
	if err := l.LoadFromSource("predictions.gdp * 2"); err != nil {
		t.Fatalf("load failed: %v", err)
	}
	got := l.Compute(map[string]float64{"gdp": 3}, nil, nil)
	if got != 6 {
		t.Errorf("Compute = %v, want 6", got)
	}
}

func TestComputeWithMathHelpers(t *testing.T) {
	l := NewLoader()
	if err := l.LoadFromSource("sqrt(pow(predictions.x, 2)) + tanh(0)"); err != nil {
		t.Fatalf("load failed: %v", err)
	}
	got := l.Compute(map[string]float64{"x": -3}, nil, nil)
	if math.Abs(got-3) > 1e-12 {
		t.Errorf("Compute = %v, want 3", got)
	}
}

func TestComputeUsesContext(t *testing.T) {
	l := NewLoader()
	if err := l.LoadFromSource("predictions.y * context.weight"); err != nil {
		t.Fatalf("load failed: %v", err)
	}
	got := l.Compute(map[string]float64{"y": 4}, nil, shared.RewardContext{"weight": 0.5})
	if got != 2 {
		t.Errorf("Compute = %v, want 2", got)
	}
}

func TestComputeRuntimeFailureIsNegInf(t *testing.T) {
	l := NewLoader()
	// Compiles under undefined-variable tolerance, fails when called.
	if err := l.LoadFromSource("missing()"); err != nil {
		t.Fatalf("load failed: %v", err)
	}
	got := l.Compute(map[string]float64{"y": 1}, nil, nil)
	if !math.IsInf(got, -1) {
		t.Errorf("Compute = %v, want -Inf", got)
	}
}

func TestComputeNonNumericIsNegInf(t *testing.T) {
	l := NewLoader()
	if err := l.LoadFromSource(`"not a number"`); err != nil {
		t.Fatalf("load failed: %v", err)
	}
	got := l.Compute(nil, nil, nil)
	if !math.IsInf(got, -1) {
		t.Errorf("Compute = %v, want -Inf", got)
	}
}

func TestComputeWithoutLoad(t *testing.T) {
	l := NewLoader()
	got := l.Compute(map[string]float64{"y": 1}, nil, nil)
	if !math.IsInf(got, -1) {
		t.Errorf("Compute = %v, want -Inf", got)
	}
}
