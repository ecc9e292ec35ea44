// Package dataset turns raw tabular data into normalized, windowed tensors
// for training and inference.
package dataset

import (
	"encoding/csv"
	"math"
	"math/rand"
	"sort"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/blackms/policyflow-go/internal/shared"
)

// Processor prepares panel or cross-sectional data for the transformer.
// Normalization statistics are fitted once by Prepare and reused unchanged
// by every later PrepareInference call.
type Processor struct {
	params shared.NormalizationParameters
	fitted bool
}

// NewProcessor creates an unfitted Processor.
func NewProcessor() *Processor {
	return &Processor{}
}

// NewProcessorWithParams creates a Processor from previously fitted
// normalization parameters, for inference against a trained model.
func NewProcessorWithParams(params shared.NormalizationParameters) *Processor {
	return &Processor{params: params, fitted: true}
}

// Params returns the fitted normalization parameters.
func (p *Processor) Params() shared.NormalizationParameters {
	return p.params
}

// PrepareOptions configures data preparation.
type PrepareOptions struct {
	DataType    shared.DataType
	EntityCol   string
	TimeCol     string
	FeatureCols []string
	TargetCols  []string
	Lookback    int
	Horizon     int
	Seed        int64
}

// table is a parsed CSV payload with feature/target matrices.
type table struct {
	entities []string
	timeKeys []timeKey
	features *mat.Dense // rows x nFeatures
	targets  *mat.Dense // rows x nTargets
}

type timeKey struct {
	num   float64
	isNum bool
	str   string
}

func (a timeKey) less(b timeKey) bool {
	if a.isNum && b.isNum {
		return a.num < b.num
	}
	return a.str < b.str
}

// Prepare fits normalization statistics over the full sample set, builds
// sliding windows and splits them 70/15/15 into train/val/test.
func (p *Processor) Prepare(csvData string, opts PrepareOptions) (*shared.WindowedSplit, error) {
	if len(opts.FeatureCols) == 0 || len(opts.TargetCols) == 0 {
		return nil, shared.NewInputError("feature and target columns are required")
	}
	if opts.DataType == "" {
		opts.DataType = shared.DataTypePanel
	}

	tbl, err := p.parseCSV(csvData, opts)
	if err != nil {
		return nil, err
	}

	// Statistics are fitted over the full pre-split sample set.
	p.fit(tbl, opts)

	normFeatures := p.normalizeMatrix(tbl.features, p.params.FeatureMeans, p.params.FeatureStds)
	normTargets := p.normalizeMatrix(tbl.targets, p.params.TargetMeans, p.params.TargetStds)

	if opts.DataType == shared.DataTypeCrossSection {
		return p.splitCrossSection(normFeatures, normTargets, opts)
	}
	return p.splitPanel(tbl, normFeatures, normTargets, opts)
}

// PrepareInference builds normalized windows using the stored normalization
// parameters, without refitting and without a split. Targets are included
// when target columns are present in the data.
func (p *Processor) PrepareInference(csvData string, opts PrepareOptions) (*shared.TensorSet, error) {
	if !p.fitted {
		return nil, shared.NewInputError("normalization parameters not loaded")
	}
	if len(opts.FeatureCols) == 0 || len(opts.TargetCols) == 0 {
		return nil, shared.NewInputError("feature and target columns are required")
	}
	tbl, err := p.parseCSV(csvData, opts)
	if err != nil {
		return nil, err
	}

	normFeatures := p.normalizeMatrix(tbl.features, p.params.FeatureMeans, p.params.FeatureStds)
	normTargets := p.normalizeMatrix(tbl.targets, p.params.TargetMeans, p.params.TargetStds)

	if p.params.DataType == shared.DataTypeCrossSection || opts.DataType == shared.DataTypeCrossSection {
		n, _ := normFeatures.Dims()
		set := &shared.TensorSet{}
		for i := 0; i < n; i++ {
			set.X = append(set.X, [][]float64{mat.Row(nil, i, normFeatures)})
			set.Y = append(set.Y, [][]float64{mat.Row(nil, i, normTargets)})
			set.EntityID = append(set.EntityID, 0)
		}
		return set, nil
	}

	set := &shared.TensorSet{}
	p.forEachWindow(tbl, normFeatures, normTargets, opts.Lookback, opts.Horizon, func(id int, x, y [][]float64) {
		set.X = append(set.X, x)
		set.Y = append(set.Y, y)
		set.EntityID = append(set.EntityID, id)
	})
	if set.Len() == 0 {
		return nil, shared.NewDataError(
			"no entity has enough observations for lookback %d plus horizon %d", opts.Lookback, opts.Horizon)
	}
	return set, nil
}

// parseCSV reads the payload and extracts entity labels, time keys and
// feature/target matrices. Missing or non-numeric cells become 0.
func (p *Processor) parseCSV(csvData string, opts PrepareOptions) (*table, error) {
	reader := csv.NewReader(strings.NewReader(strings.TrimSpace(csvData)))
	reader.FieldsPerRecord = -1
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, shared.NewInputError("invalid CSV payload: %v", err)
	}
	if len(rows) < 2 {
		return nil, shared.NewDataError("CSV payload must contain a header and at least one row")
	}

	colIndex := make(map[string]int, len(rows[0]))
	for i, name := range rows[0] {
		colIndex[strings.TrimSpace(name)] = i
	}
	for _, name := range opts.FeatureCols {
		if _, ok := colIndex[name]; !ok {
			return nil, shared.NewInputError("feature column %q not found in data", name)
		}
	}
	for _, name := range opts.TargetCols {
		if _, ok := colIndex[name]; !ok {
			return nil, shared.NewInputError("target column %q not found in data", name)
		}
	}

	records := rows[1:]
	tbl := &table{
		entities: make([]string, len(records)),
		timeKeys: make([]timeKey, len(records)),
		features: mat.NewDense(len(records), len(opts.FeatureCols), nil),
		targets:  mat.NewDense(len(records), len(opts.TargetCols), nil),
	}

	entityIdx, hasEntity := colIndex[opts.EntityCol]
	timeIdx, hasTime := colIndex[opts.TimeCol]
	if opts.DataType == shared.DataTypePanel {
		if !hasEntity {
			return nil, shared.NewInputError("entity column %q not found in data", opts.EntityCol)
		}
		if !hasTime {
			return nil, shared.NewInputError("time column %q not found in data", opts.TimeCol)
		}
	}

	cell := func(row []string, idx int) string {
		if idx < 0 || idx >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[idx])
	}

	for r, row := range records {
		if hasEntity {
			tbl.entities[r] = cell(row, entityIdx)
		}
		if hasTime {
			raw := cell(row, timeIdx)
			if v, err := strconv.ParseFloat(raw, 64); err == nil {
				tbl.timeKeys[r] = timeKey{num: v, isNum: true, str: raw}
			} else {
				tbl.timeKeys[r] = timeKey{str: raw}
			}
		}
		for c, name := range opts.FeatureCols {
			tbl.features.Set(r, c, parseNumeric(cell(row, colIndex[name])))
		}
		for c, name := range opts.TargetCols {
			tbl.targets.Set(r, c, parseNumeric(cell(row, colIndex[name])))
		}
	}

	if opts.DataType == shared.DataTypePanel {
		p.sortPanel(tbl)
	}
	return tbl, nil
}

// parseNumeric converts a cell to float64, mapping missing, non-numeric and
// NaN values to 0.
func parseNumeric(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

// sortPanel stably orders rows by (entity, time).
func (p *Processor) sortPanel(tbl *table) {
	rows, _ := tbl.features.Dims()
	order := make([]int, rows)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		i, j := order[a], order[b]
		if tbl.entities[i] != tbl.entities[j] {
			return tbl.entities[i] < tbl.entities[j]
		}
		return tbl.timeKeys[i].less(tbl.timeKeys[j])
	})

	_, nf := tbl.features.Dims()
	_, nt := tbl.targets.Dims()
	features := mat.NewDense(rows, nf, nil)
	targets := mat.NewDense(rows, nt, nil)
	entities := make([]string, rows)
	timeKeys := make([]timeKey, rows)
	for dst, src := range order {
		features.SetRow(dst, mat.Row(nil, src, tbl.features))
		targets.SetRow(dst, mat.Row(nil, src, tbl.targets))
		entities[dst] = tbl.entities[src]
		timeKeys[dst] = tbl.timeKeys[src]
	}
	tbl.features, tbl.targets = features, targets
	tbl.entities, tbl.timeKeys = entities, timeKeys
}

// fit computes per-column mean and std (floored at 1e-8) over all rows and
// assigns dense entity ids in first-appearance order.
func (p *Processor) fit(tbl *table, opts PrepareOptions) {
	p.params = shared.NormalizationParameters{
		FeatureMeans:  make([]float64, len(opts.FeatureCols)),
		FeatureStds:   make([]float64, len(opts.FeatureCols)),
		TargetMeans:   make([]float64, len(opts.TargetCols)),
		TargetStds:    make([]float64, len(opts.TargetCols)),
		EntityEncoder: make(map[string]int),
		FeatureNames:  append([]string(nil), opts.FeatureCols...),
		TargetNames:   append([]string(nil), opts.TargetCols...),
		DataType:      opts.DataType,
	}

	columnStats(tbl.features, p.params.FeatureMeans, p.params.FeatureStds)
	columnStats(tbl.targets, p.params.TargetMeans, p.params.TargetStds)

	if opts.DataType == shared.DataTypeCrossSection {
		p.params.EntityEncoder["all"] = 0
	} else {
		for _, e := range tbl.entities {
			if _, ok := p.params.EntityEncoder[e]; !ok {
				p.params.EntityEncoder[e] = len(p.params.EntityEncoder)
			}
		}
	}
	p.fitted = true
}

// columnStats fills means and stds per column. Stds are population standard
// deviations with a 1e-8 floor so normalization never divides by zero.
func columnStats(m *mat.Dense, means, stds []float64) {
	rows, cols := m.Dims()
	col := make([]float64, rows)
	for c := 0; c < cols; c++ {
		mat.Col(col, c, m)
		mean := stat.Mean(col, nil)
		var ss float64
		for _, v := range col {
			d := v - mean
			ss += d * d
		}
		means[c] = mean
		stds[c] = math.Sqrt(ss/float64(rows)) + 1e-8
	}
}

func (p *Processor) normalizeMatrix(m *mat.Dense, means, stds []float64) *mat.Dense {
	rows, cols := m.Dims()
	out := mat.NewDense(rows, cols, nil)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			out.Set(r, c, (m.At(r, c)-means[c])/stds[c])
		}
	}
	return out
}

// forEachWindow slides a lookback window over each entity's rows, predicting
// the following horizon rows. Entities with fewer than lookback+horizon
// observations contribute zero windows.
func (p *Processor) forEachWindow(tbl *table, features, targets *mat.Dense, lookback, horizon int,
	emit func(entityID int, x, y [][]float64)) {
	rows, _ := features.Dims()
	start := 0
	for start < rows {
		end := start
		for end < rows && tbl.entities[end] == tbl.entities[start] {
			end++
		}
		id := p.params.EntityEncoder[tbl.entities[start]]
		n := end - start
		for i := lookback; i <= n-horizon; i++ {
			x := make([][]float64, lookback)
			for t := 0; t < lookback; t++ {
				x[t] = mat.Row(nil, start+i-lookback+t, features)
			}
			y := make([][]float64, horizon)
			for t := 0; t < horizon; t++ {
				y[t] = mat.Row(nil, start+i+t, targets)
			}
			emit(id, x, y)
		}
		start = end
	}
}

func (p *Processor) splitPanel(tbl *table, features, targets *mat.Dense, opts PrepareOptions) (*shared.WindowedSplit, error) {
	var all shared.TensorSet
	p.forEachWindow(tbl, features, targets, opts.Lookback, opts.Horizon, func(id int, x, y [][]float64) {
		all.X = append(all.X, x)
		all.Y = append(all.Y, y)
		all.EntityID = append(all.EntityID, id)
	})
	if all.Len() == 0 {
		return nil, shared.NewDataError(
			"no entity has enough observations for lookback %d plus horizon %d", opts.Lookback, opts.Horizon)
	}

	split := p.split(&all, opts.Seed)
	split.NEntities = len(p.params.EntityEncoder)
	split.NFeatures = len(opts.FeatureCols)
	split.NTargets = len(opts.TargetCols)
	split.Lookback = opts.Lookback
	split.Horizon = opts.Horizon
	split.FeatureNames = p.params.FeatureNames
	split.TargetNames = p.params.TargetNames
	split.DataType = shared.DataTypePanel
	return split, nil
}

func (p *Processor) splitCrossSection(features, targets *mat.Dense, opts PrepareOptions) (*shared.WindowedSplit, error) {
	rows, _ := features.Dims()
	var all shared.TensorSet
	for i := 0; i < rows; i++ {
		all.X = append(all.X, [][]float64{mat.Row(nil, i, features)})
		all.Y = append(all.Y, [][]float64{mat.Row(nil, i, targets)})
		all.EntityID = append(all.EntityID, 0)
	}
	if all.Len() == 0 {
		return nil, shared.NewDataError("no samples in cross-sectional data")
	}

	split := p.split(&all, opts.Seed)
	split.NEntities = 1
	split.NFeatures = len(opts.FeatureCols)
	split.NTargets = len(opts.TargetCols)
	split.Lookback = 1
	split.Horizon = 1
	split.FeatureNames = p.params.FeatureNames
	split.TargetNames = p.params.TargetNames
	split.DataType = shared.DataTypeCrossSection
	return split, nil
}

// split slices a single random permutation of all windows 70/15/15.
func (p *Processor) split(all *shared.TensorSet, seed int64) *shared.WindowedSplit {
	n := all.Len()
	rng := rand.New(rand.NewSource(seed))
	perm := rng.Perm(n)

	trainEnd := int(float64(n) * 0.7)
	valEnd := int(float64(n) * 0.85)

	pick := func(idx []int) shared.TensorSet {
		set := shared.TensorSet{
			X:        make([][][]float64, len(idx)),
			Y:        make([][][]float64, len(idx)),
			EntityID: make([]int, len(idx)),
		}
		for i, j := range idx {
			set.X[i] = all.X[j]
			set.Y[i] = all.Y[j]
			set.EntityID[i] = all.EntityID[j]
		}
		return set
	}

	return &shared.WindowedSplit{
		Train: pick(perm[:trainEnd]),
		Val:   pick(perm[trainEnd:valEnd]),
		Test:  pick(perm[valEnd:]),
	}
}

// Denormalize inverts the target transform for predictions shaped
// [batch][horizon][nTargets].
func (p *Processor) Denormalize(values [][][]float64) [][][]float64 {
	return denormalize(values, p.params.TargetMeans, p.params.TargetStds)
}

// DenormalizeFeatures inverts the feature transform for windows shaped
// [batch][lookback][nFeatures].
func (p *Processor) DenormalizeFeatures(values [][][]float64) [][][]float64 {
	return denormalize(values, p.params.FeatureMeans, p.params.FeatureStds)
}

func denormalize(values [][][]float64, means, stds []float64) [][][]float64 {
	out := make([][][]float64, len(values))
	for i, sample := range values {
		out[i] = make([][]float64, len(sample))
		for t, row := range sample {
			out[i][t] = make([]float64, len(row))
			for c, v := range row {
				out[i][t][c] = v*stds[c] + means[c]
			}
		}
	}
	return out
}

// Batch is one mini-batch of training samples.
type Batch struct {
	X        [][][]float64
	Y        [][][]float64
	EntityID []int
}

// Batches partitions a tensor set into randomly permuted mini-batches. The
// last partial batch is included.
func Batches(set *shared.TensorSet, batchSize int, rng *rand.Rand) []Batch {
	n := set.Len()
	perm := rng.Perm(n)
	var batches []Batch
	for start := 0; start < n; start += batchSize {
		end := start + batchSize
		if end > n {
			end = n
		}
		b := Batch{
			X:        make([][][]float64, 0, end-start),
			Y:        make([][][]float64, 0, end-start),
			EntityID: make([]int, 0, end-start),
		}
		for _, j := range perm[start:end] {
			b.X = append(b.X, set.X[j])
			b.Y = append(b.Y, set.Y[j])
			b.EntityID = append(b.EntityID, set.EntityID[j])
		}
		batches = append(batches, b)
	}
	return batches
}
