package artifact

import (
	"bytes"
	"image/color"
	"path/filepath"
	"strings"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/YuminosukeSato/glucoscreen/pkg/errors"
	"github.com/YuminosukeSato/glucoscreen/training"
)

var (
	accuracyColor = color.RGBA{R: 120, G: 144, B: 156, A: 255}
	f1Color       = color.RGBA{R: 30, G: 136, B: 229, A: 255}
)

// SaveComparisonChart draws a grouped bar chart of the held-out accuracy and
// F1 of every candidate. The image format follows the file extension
// (png, svg, pdf, ...); the file is replaced atomically.
func SaveComparisonChart(results []training.EvaluationResult, path string) error {
	if len(results) == 0 {
		return errors.NewSerializationError("save", path, errors.ErrNoCandidates)
	}

	p := plot.New()
	p.Title.Text = "Held-out comparison"
	p.Y.Label.Text = "score"
	p.Y.Min = 0
	p.Y.Max = 1

	names := make([]string, len(results))
	acc := make(plotter.Values, len(results))
	f1 := make(plotter.Values, len(results))
	for i, r := range results {
		names[i] = r.Model
		acc[i] = r.Accuracy
		f1[i] = r.F1
	}

	width := vg.Points(16)
	accBars, err := plotter.NewBarChart(acc, width)
	if err != nil {
		return errors.NewSerializationError("save", path, err)
	}
	accBars.Color = accuracyColor
	accBars.LineStyle.Width = 0
	accBars.Offset = -width / 2

	f1Bars, err := plotter.NewBarChart(f1, width)
	if err != nil {
		return errors.NewSerializationError("save", path, err)
	}
	f1Bars.Color = f1Color
	f1Bars.LineStyle.Width = 0
	f1Bars.Offset = width / 2

	p.Add(accBars, f1Bars)
	p.Legend.Add("accuracy", accBars)
	p.Legend.Add("f1", f1Bars)
	p.Legend.Top = true
	p.NominalX(names...)

	format := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	if format == "" {
		format = "png"
	}
	w, err := p.WriterTo(vg.Length(len(results))*1.5*vg.Inch+2*vg.Inch, 4*vg.Inch, format)
	if err != nil {
		return errors.NewSerializationError("save", path, err)
	}
	var buf bytes.Buffer
	if _, err := w.WriteTo(&buf); err != nil {
		return errors.NewSerializationError("save", path, err)
	}
	return writeFileAtomic(path, buf.Bytes())
}
