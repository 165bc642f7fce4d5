// Package inference scores single patient records with a loaded artifact
// bundle.
//
// A Scorer holds at most one bundle at a time. The bundle is replaced as a
// whole by Swap or Reload, so a request scored concurrently with a reload sees
// either the old or the new model, never a mix.
package inference

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/glucoscreen/artifact"
	"github.com/YuminosukeSato/glucoscreen/pkg/errors"
	"github.com/YuminosukeSato/glucoscreen/pkg/log"
)

const (
	// PositiveResult and NegativeResult are the human-readable outcomes
	PositiveResult = "Diabetic"
	NegativeResult = "Not Diabetic"

	// NeutralConfidence is reported when the bundled pipeline does not
	// declare probability output
	NeutralConfidence = 0.5

	// ConfidencePlaces is the number of decimals confidence is rounded to
	ConfidencePlaces = 4
)

// DefaultIntegerFeatures are counted quantities that must be whole numbers
var DefaultIntegerFeatures = []string{"Pregnancies", "Age"}

// Result is the outcome of scoring one record
type Result struct {
	Prediction int     `json:"prediction"`
	Result     string  `json:"result"`
	Confidence float64 `json:"confidence"`
}

// Scorer validates input records and scores them with the current bundle
type Scorer struct {
	bundle atomic.Pointer[artifact.Bundle]

	mu   sync.Mutex // serializes Load and Reload
	path string

	integer map[string]bool
	logger  log.Logger
}

// Option configures a Scorer
type Option func(*Scorer)

// WithIntegerFeatures replaces the set of features that must be integers
func WithIntegerFeatures(names ...string) Option {
	return func(s *Scorer) {
		s.integer = make(map[string]bool, len(names))
		for _, n := range names {
			s.integer[n] = true
		}
	}
}

// WithLogger replaces the scorer's logger
func WithLogger(l log.Logger) Option {
	return func(s *Scorer) { s.logger = l }
}

// NewScorer creates a scorer without a bundle. Score fails with ErrNoBundle
// until Load or Swap is called.
func NewScorer(opts ...Option) *Scorer {
	s := &Scorer{logger: log.GetLoggerWithName("inference")}
	WithIntegerFeatures(DefaultIntegerFeatures...)(s)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load reads the bundle at path and installs it. The previous bundle stays
// in service if loading fails.
func (s *Scorer) Load(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(path)
}

// Reload re-reads the bundle from the path of the last successful Load
func (s *Scorer) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.path == "" {
		return errors.Wrap(errors.ErrNoBundle, "reload: no bundle path")
	}
	return s.load(s.path)
}

func (s *Scorer) load(path string) error {
	b, err := artifact.LoadBundle(path)
	if err != nil {
		s.logger.Error("bundle load failed", err, log.PathKey, path)
		return err
	}
	s.path = path
	s.Swap(b)
	return nil
}

// Swap installs b and returns the bundle it replaced
func (s *Scorer) Swap(b *artifact.Bundle) *artifact.Bundle {
	old := s.bundle.Swap(b)
	if b != nil {
		s.logger.Info("bundle installed",
			log.CandidateKey, b.Meta.BestModel,
			"model.trained_at", b.Meta.TrainedAt,
			log.FeaturesKey, len(b.Meta.FeatureOrder),
		)
	}
	return old
}

// Bundle returns the bundle currently in service, or nil
func (s *Scorer) Bundle() *artifact.Bundle {
	return s.bundle.Load()
}

// Ready reports whether a bundle is loaded
func (s *Scorer) Ready() bool {
	return s.bundle.Load() != nil
}

// Score validates record against the bundle's feature order and scores it.
// Unknown, missing, negative, non-finite or fractional-integer values are
// rejected with a ValidationError before the model is invoked.
func (s *Scorer) Score(record map[string]float64) (Result, error) {
	b := s.bundle.Load()
	if b == nil {
		return Result{}, errors.Wrap(errors.ErrNoBundle, "score")
	}

	row, err := s.vector(b.Meta.FeatureOrder, record)
	if err != nil {
		return Result{}, err
	}
	X := mat.NewDense(1, len(row), row)

	res, err := score(b, X)
	if err != nil {
		return Result{}, err
	}
	s.logger.Debug("record scored",
		log.CandidateKey, b.Meta.BestModel,
		log.PredictionKey, res.Prediction,
		log.ConfidenceKey, res.Confidence,
	)
	return res, nil
}

// vector orders record by featureOrder after validating every value
func (s *Scorer) vector(featureOrder []string, record map[string]float64) ([]float64, error) {
	known := make(map[string]bool, len(featureOrder))
	for _, f := range featureOrder {
		known[f] = true
	}
	var unknown []string
	for k := range record {
		if !known[k] {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, errors.NewValidationError(unknown[0], "unknown feature", unknown)
	}

	row := make([]float64, len(featureOrder))
	for j, f := range featureOrder {
		v, ok := record[f]
		switch {
		case !ok:
			return nil, errors.NewValidationError(f, "missing feature", nil)
		case math.IsNaN(v) || math.IsInf(v, 0):
			return nil, errors.NewValidationError(f, "must be finite", v)
		case v < 0:
			return nil, errors.NewValidationError(f, "must be greater than or equal to 0", v)
		case s.integer[f] && v != math.Trunc(v):
			return nil, errors.NewValidationError(f, "must be an integer", v)
		}
		row[j] = v
	}
	return row, nil
}

// score applies the declared capability of the bundled pipeline: with
// probabilities the prediction is the most probable class and the confidence
// its probability, otherwise the predicted class with neutral confidence.
func score(b *artifact.Bundle, X mat.Matrix) (Result, error) {
	p := b.Pipeline
	var (
		label      float64
		confidence float64
	)
	if p.Probability {
		proba, err := p.PredictProba(X)
		if err != nil {
			return Result{}, errors.Wrap(err, "score: predict_proba")
		}
		classes := p.Classes()
		_, k := proba.Dims()
		if len(classes) != k {
			return Result{}, errors.NewValueError("score",
				fmt.Sprintf("%d probability columns for %d classes", k, len(classes)))
		}
		best := 0
		for j := 1; j < k; j++ {
			// strictly greater keeps the first class on ties
			if proba.At(0, j) > proba.At(0, best) {
				best = j
			}
		}
		label = classes[best]
		confidence = proba.At(0, best)
	} else {
		pred, err := p.Predict(X)
		if err != nil {
			return Result{}, errors.Wrap(err, "score: predict")
		}
		label = pred.At(0, 0)
		confidence = NeutralConfidence
	}

	res := Result{
		Prediction: int(label),
		Result:     NegativeResult,
		Confidence: errors.Round(confidence, ConfidencePlaces),
	}
	if res.Prediction == 1 {
		res.Result = PositiveResult
	}
	return res, nil
}
