// Package plot renders diagnostic images for training responses.
package plot

import (
	"bytes"
	"encoding/base64"
	"sort"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/blackms/policyflow-go/internal/shared"
)

// Image is one rendered diagnostic plot, PNG-encoded as base64.
type Image struct {
	Title string `json:"title"`
	Image string `json:"image"`
}

// GenerateAll renders the available diagnostic plots. Rendering failures
// drop the affected plot rather than failing the training response.
func GenerateAll(history shared.TrainingHistory, importance map[string]float64) []Image {
	var images []Image
	if img, err := TrainingCurve(history); err == nil {
		images = append(images, *img)
	}
	if img, err := FeatureImportance(importance); err == nil {
		images = append(images, *img)
	}
	return images
}

// TrainingCurve plots training and validation loss per epoch.
func TrainingCurve(history shared.TrainingHistory) (*Image, error) {
	if len(history.TrainLoss) == 0 {
		return nil, shared.NewDataError("no training history to plot")
	}

	p := plot.New()
	p.Title.Text = "Training Progress"
	p.X.Label.Text = "Epoch"
	p.Y.Label.Text = "Loss"

	train := make(plotter.XYs, len(history.TrainLoss))
	for i, v := range history.TrainLoss {
		train[i] = plotter.XY{X: float64(i + 1), Y: v}
	}
	trainLine, err := plotter.NewLine(train)
	if err != nil {
		return nil, err
	}
	p.Add(trainLine)
	p.Legend.Add("Training Loss", trainLine)

	if len(history.ValLoss) > 0 {
		val := make(plotter.XYs, len(history.ValLoss))
		for i, v := range history.ValLoss {
			val[i] = plotter.XY{X: float64(i + 1), Y: v}
		}
		valLine, err := plotter.NewLine(val)
		if err != nil {
			return nil, err
		}
		valLine.LineStyle.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
		p.Add(valLine)
		p.Legend.Add("Validation Loss", valLine)
	}

	return encode(p, "Training Progress")
}

// FeatureImportance plots importance scores as a bar chart, highest first.
func FeatureImportance(importance map[string]float64) (*Image, error) {
	if len(importance) == 0 {
		return nil, shared.NewDataError("no feature importance to plot")
	}

	names := make([]string, 0, len(importance))
	for name := range importance {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		return importance[names[i]] > importance[names[j]]
	})

	values := make(plotter.Values, len(names))
	for i, name := range names {
		values[i] = importance[name]
	}

	p := plot.New()
	p.Title.Text = "Feature Importance"
	p.Y.Label.Text = "Importance Score"

	bars, err := plotter.NewBarChart(values, vg.Points(18))
	if err != nil {
		return nil, err
	}
	p.Add(bars)
	p.NominalX(names...)

	return encode(p, "Feature Importance")
}

func encode(p *plot.Plot, title string) (*Image, error) {
	writer, err := p.WriterTo(6*vg.Inch, 3*vg.Inch, "png")
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if _, err := writer.WriteTo(&buf); err != nil {
		return nil, err
	}
	return &Image{
		Title: title,
		Image: base64.StdEncoding.EncodeToString(buf.Bytes()),
	}, nil
}
