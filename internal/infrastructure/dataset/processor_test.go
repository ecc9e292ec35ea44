package dataset

import (
	"fmt"
	"math"
	"math/rand"
	"strings"
	"testing"

	"github.com/blackms/policyflow-go/internal/shared"
)

func panelCSV(entities, periods int) string {
	var b strings.Builder
	b.WriteString("country,year,f1,f2,gdp\n")
	for e := 0; e < entities; e++ {
		for t := 0; t < periods; t++ {
			f1 := float64(e) + float64(t)*0.1
			f2 := 1.0 - float64(t)*0.05
			gdp := 2*f1 + f2
			fmt.Fprintf(&b, "E%d,%d,%g,%g,%g\n", e, 2000+t, f1, f2, gdp)
		}
	}
	return b.String()
}

func panelOpts(lookback, horizon int) PrepareOptions {
	return PrepareOptions{
		DataType:    shared.DataTypePanel,
		EntityCol:   "country",
		TimeCol:     "year",
		FeatureCols: []string{"f1", "f2"},
		TargetCols:  []string{"gdp"},
		Lookback:    lookback,
		Horizon:     horizon,
		Seed:        42,
	}
}

func TestPrepareWindowCounts(t *testing.T) {
	p := NewProcessor()
	split, err := p.Prepare(panelCSV(3, 20), panelOpts(5, 1))
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}

	total := split.Train.Len() + split.Val.Len() + split.Test.Len()
	if total != 45 {
		t.Errorf("total windows = %d, want 45", total)
	}
	if split.Train.Len() != 31 {
		t.Errorf("train windows = %d, want 31", split.Train.Len())
	}
	if split.Val.Len() != 7 {
		t.Errorf("val windows = %d, want 7", split.Val.Len())
	}
	if split.Test.Len() != 7 {
		t.Errorf("test windows = %d, want 7", split.Test.Len())
	}
	if split.NEntities != 3 {
		t.Errorf("NEntities = %d, want 3", split.NEntities)
	}

	// Shape checks.
	if len(split.Train.X[0]) != 5 || len(split.Train.X[0][0]) != 2 {
		t.Errorf("window shape = [%d][%d], want [5][2]", len(split.Train.X[0]), len(split.Train.X[0][0]))
	}
	if len(split.Train.Y[0]) != 1 || len(split.Train.Y[0][0]) != 1 {
		t.Errorf("target shape = [%d][%d], want [1][1]", len(split.Train.Y[0]), len(split.Train.Y[0][0]))
	}
}

func TestShortEntityContributesNoWindows(t *testing.T) {
	var b strings.Builder
	b.WriteString("country,year,f1,f2,gdp\n")
	for t := 0; t < 10; t++ {
		fmt.Fprintf(&b, "A,%d,%d,1,2\n", t, t)
	}
	for t := 0; t < 4; t++ {
		fmt.Fprintf(&b, "B,%d,%d,1,2\n", t, t)
	}

	p := NewProcessor()
	split, err := p.Prepare(b.String(), panelOpts(5, 1))
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}

	// A yields 10-5-1+1 = 5 windows, B has too few observations.
	total := split.Train.Len() + split.Val.Len() + split.Test.Len()
	if total != 5 {
		t.Errorf("total windows = %d, want 5", total)
	}
}

func TestInsufficientDataIsDataError(t *testing.T) {
	p := NewProcessor()
	_, err := p.Prepare(panelCSV(1, 4), panelOpts(5, 1))
	if err == nil {
		t.Fatal("expected an error for insufficient observations")
	}
	if shared.KindOf(err) != shared.KindData {
		t.Errorf("error kind = %s, want %s", shared.KindOf(err), shared.KindData)
	}
}

func TestDenormalizeRoundtrip(t *testing.T) {
	p := NewProcessor()
	if _, err := p.Prepare(panelCSV(3, 20), panelOpts(5, 1)); err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	params := p.Params()

	for _, v := range []float64{-2.5, 0, 1.234, 17.5} {
		norm := (v - params.TargetMeans[0]) / params.TargetStds[0]
		out := p.Denormalize([][][]float64{{{norm}}})
		if got := out[0][0][0]; math.Abs(got-v) > 1e-9 {
			t.Errorf("denormalize(normalize(%g)) = %g", v, got)
		}
	}
}

func TestMissingValuesBecomeZero(t *testing.T) {
	csv := "id,t,f1,gdp\nA,1,,5\nA,2,abc,6\nA,3,3,7\n"
	p := NewProcessor()
	_, err := p.Prepare(csv, PrepareOptions{
		DataType:    shared.DataTypePanel,
		EntityCol:   "id",
		TimeCol:     "t",
		FeatureCols: []string{"f1"},
		TargetCols:  []string{"gdp"},
		Lookback:    1,
		Horizon:     1,
		Seed:        1,
	})
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}

	// The mean reflects the two missing cells mapped to 0.
	if got := p.Params().FeatureMeans[0]; math.Abs(got-1.0) > 1e-12 {
		t.Errorf("feature mean = %g, want 1.0", got)
	}
}

func TestCrossSectionShapes(t *testing.T) {
	var b strings.Builder
	b.WriteString("f1,f2,gdp\n")
	for i := 0; i < 20; i++ {
		fmt.Fprintf(&b, "%d,%d,%d\n", i, i+1, 2*i)
	}

	p := NewProcessor()
	split, err := p.Prepare(b.String(), PrepareOptions{
		DataType:    shared.DataTypeCrossSection,
		FeatureCols: []string{"f1", "f2"},
		TargetCols:  []string{"gdp"},
		Lookback:    5,
		Horizon:     3,
		Seed:        42,
	})
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}

	if split.Lookback != 1 || split.Horizon != 1 {
		t.Errorf("lookback/horizon = %d/%d, want 1/1", split.Lookback, split.Horizon)
	}
	if split.NEntities != 1 {
		t.Errorf("NEntities = %d, want 1", split.NEntities)
	}
	total := split.Train.Len() + split.Val.Len() + split.Test.Len()
	if total != 20 {
		t.Errorf("total samples = %d, want 20", total)
	}
	for _, id := range split.Train.EntityID {
		if id != 0 {
			t.Fatalf("cross-section entity id = %d, want 0", id)
		}
	}
}

func TestPrepareInferenceUsesStoredParams(t *testing.T) {
	fit := NewProcessor()
	if _, err := fit.Prepare(panelCSV(2, 10), panelOpts(3, 1)); err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}

	infer := NewProcessorWithParams(fit.Params())
	set, err := infer.PrepareInference(panelCSV(2, 10), panelOpts(3, 1))
	if err != nil {
		t.Fatalf("PrepareInference failed: %v", err)
	}
	if set.Len() != 14 {
		t.Errorf("inference windows = %d, want 14", set.Len())
	}
	for _, id := range set.EntityID {
		if id < 0 || id >= 2 {
			t.Fatalf("entity id %d out of range", id)
		}
	}
}

func TestPrepareInferenceRequiresFit(t *testing.T) {
	p := NewProcessor()
	_, err := p.PrepareInference(panelCSV(2, 10), panelOpts(3, 1))
	if err == nil {
		t.Fatal("expected an error from an unfitted processor")
	}
	if shared.KindOf(err) != shared.KindInput {
		t.Errorf("error kind = %s, want %s", shared.KindOf(err), shared.KindInput)
	}
}

func TestBatchesIncludePartial(t *testing.T) {
	set := &shared.TensorSet{}
	for i := 0; i < 10; i++ {
		set.X = append(set.X, [][]float64{{float64(i)}})
		set.Y = append(set.Y, [][]float64{{float64(i)}})
		set.EntityID = append(set.EntityID, 0)
	}

	batches := Batches(set, 4, rand.New(rand.NewSource(1)))
	if len(batches) != 3 {
		t.Fatalf("batch count = %d, want 3", len(batches))
	}
	sizes := []int{len(batches[0].X), len(batches[1].X), len(batches[2].X)}
	if sizes[0] != 4 || sizes[1] != 4 || sizes[2] != 2 {
		t.Errorf("batch sizes = %v, want [4 4 2]", sizes)
	}

	seen := make(map[float64]bool)
	for _, b := range batches {
		for _, x := range b.X {
			seen[x[0][0]] = true
		}
	}
	if len(seen) != 10 {
		t.Errorf("batches cover %d distinct samples, want 10", len(seen))
	}
}
