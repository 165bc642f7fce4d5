package artifact

import (
	"os"
	"path/filepath"

	"github.com/goccy/go-json"

	"github.com/YuminosukeSato/glucoscreen/metrics"
	"github.com/YuminosukeSato/glucoscreen/pkg/errors"
	"github.com/YuminosukeSato/glucoscreen/training"
)

// BestModelMetrics is the held-out evaluation of the selected candidate
type BestModelMetrics struct {
	Accuracy             float64                       `json:"accuracy"`
	Precision            float64                       `json:"precision"`
	Recall               float64                       `json:"recall"`
	F1                   float64                       `json:"f1"`
	ClassificationReport *metrics.ClassificationReport `json:"classification_report"`
}

// MetricsReport is the human-readable record of a training run
type MetricsReport struct {
	Meta             Metadata                    `json:"meta"`
	AllModels        []training.EvaluationResult `json:"all_models"`
	BestModelMetrics BestModelMetrics            `json:"best_model_metrics"`
}

// NewMetricsReport builds the report of a finished training run. meta must
// name the run's best candidate.
func NewMetricsReport(meta Metadata, res *training.Result) (*MetricsReport, error) {
	if res == nil || res.Best == nil {
		return nil, errors.NewModelError("NewMetricsReport", "report", errors.ErrNoCandidates)
	}
	if meta.BestModel != res.BestResult.Model {
		return nil, errors.NewValidationError("best_model",
			"metadata does not name the selected candidate "+res.BestResult.Model, meta.BestModel)
	}
	best := res.BestResult
	return &MetricsReport{
		Meta:      meta,
		AllModels: append([]training.EvaluationResult(nil), res.Results...),
		BestModelMetrics: BestModelMetrics{
			Accuracy:             best.Accuracy,
			Precision:            best.Precision,
			Recall:               best.Recall,
			F1:                   best.F1,
			ClassificationReport: best.Report,
		},
	}, nil
}

// MarshalIndent returns the report as two-space indented JSON
func (r *MetricsReport) MarshalIndent() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

// Save writes the report as indented JSON through a temporary file and rename
func (r *MetricsReport) Save(path string) error {
	data, err := r.MarshalIndent()
	if err != nil {
		return errors.NewSerializationError("save", path, err)
	}
	return writeFileAtomic(path, append(data, '\n'))
}

// LoadMetricsReport reads a report written by Save
func LoadMetricsReport(path string) (*MetricsReport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.NewSerializationError("load", path, err)
	}
	var r MetricsReport
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, errors.NewSerializationError("load", path, err)
	}
	return &r, nil
}

func writeFileAtomic(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.NewSerializationError("save", path, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return errors.NewSerializationError("save", path, err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()

	if err := tmp.Chmod(0o644); err != nil {
		_ = tmp.Close()
		return errors.NewSerializationError("save", path, err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return errors.NewSerializationError("save", path, err)
	}
	if err := tmp.Close(); err != nil {
		return errors.NewSerializationError("save", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return errors.NewSerializationError("save", path, err)
	}
	return nil
}
