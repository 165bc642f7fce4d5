// Package pipeline chains the fixed preprocessing steps of a candidate model
// (zero-as-missing marking, median imputation, optional standardization) with
// its final estimator.
//
// A Pipeline is fitted on the training fold only: the imputer medians and the
// scaler statistics never see held-out rows.
package pipeline

import (
	"fmt"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/glucoscreen/core/model"
	"github.com/YuminosukeSato/glucoscreen/pkg/errors"
	"github.com/YuminosukeSato/glucoscreen/pkg/log"
	"github.com/YuminosukeSato/glucoscreen/preprocessing"
)

// Pipeline is a named candidate: preprocessing steps plus an estimator.
// All fields are exported so a fitted pipeline can be gob-encoded into an
// artifact bundle; concrete estimator types must be registered with gob.
type Pipeline struct {
	Name string

	// Preprocessing steps. Scaler is nil when scaling was not requested and
	// ZeroAsMissing is nil when no column follows the zero-as-missing rule.
	ZeroAsMissing *preprocessing.ZeroAsMissing
	Imputer       *preprocessing.SimpleImputer
	Scaler        *preprocessing.StandardScaler

	Estimator model.Estimator

	// Probability declares that the estimator produces class probabilities.
	// Consumers branch on this flag instead of inspecting the estimator.
	Probability bool

	State *model.StateManager
}

// Option configures a Pipeline built by Make
type Option func(*Pipeline)

// WithScaling adds a StandardScaler after imputation. Distance- and
// margin-based estimators want it; tree-based ones do not.
func WithScaling(enabled bool) Option {
	return func(p *Pipeline) {
		if enabled {
			p.Scaler = preprocessing.NewStandardScalerDefault()
		} else {
			p.Scaler = nil
		}
	}
}

// WithProbability declares that the estimator's probabilities are part of the
// pipeline's contract
func WithProbability(enabled bool) Option {
	return func(p *Pipeline) { p.Probability = enabled }
}

// WithZeroAsMissing re-applies the zero-as-missing rule to the given columns
// on every Fit and Predict, so callers may pass raw feature vectors.
func WithZeroAsMissing(columns []int) Option {
	return func(p *Pipeline) {
		if len(columns) == 0 {
			p.ZeroAsMissing = nil
			return
		}
		p.ZeroAsMissing = preprocessing.NewZeroAsMissing(columns)
	}
}

// Make builds an unfitted pipeline. It always imputes with the training-fold
// median; scaling, probability and the zero-as-missing columns come from opts.
//
// Example:
//
//	p, err := pipeline.Make("SVM", svm.NewSVC(svm.WithProbability(true)),
//	    pipeline.WithScaling(true),
//	    pipeline.WithProbability(true),
//	    pipeline.WithZeroAsMissing(schema.ZeroAsMissingIndices()))
func Make(name string, estimator model.Estimator, opts ...Option) (*Pipeline, error) {
	if name == "" {
		return nil, errors.NewValidationError("name", "pipeline name must not be empty", name)
	}
	if estimator == nil {
		return nil, errors.NewValidationError("estimator", "must not be nil", name)
	}

	p := &Pipeline{
		Name:      name,
		Imputer:   preprocessing.NewSimpleImputer(),
		Estimator: estimator,
		State:     model.NewStateManager(),
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.Probability {
		if _, ok := estimator.(model.ProbaPredictor); !ok {
			return nil, errors.NewValidationError("probability",
				fmt.Sprintf("estimator %T does not produce class probabilities", estimator), name)
		}
	}
	return p, nil
}

func (p *Pipeline) logger() log.Logger {
	return log.GetLoggerWithName("pipeline").With(log.CandidateKey, p.Name)
}

// preprocess runs the preprocessing steps. With fit set, imputer and scaler
// learn their statistics from X first.
func (p *Pipeline) preprocess(op string, X mat.Matrix, fit bool) (mat.Matrix, error) {
	Xt := X
	var err error

	if p.ZeroAsMissing != nil {
		if Xt, err = p.ZeroAsMissing.Transform(Xt); err != nil {
			return nil, errors.Wrapf(err, "%s: zero-as-missing", op)
		}
	}

	if fit {
		Xt, err = p.Imputer.FitTransform(Xt)
	} else {
		Xt, err = p.Imputer.Transform(Xt)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "%s: imputer", op)
	}

	if p.Scaler != nil {
		if fit {
			Xt, err = p.Scaler.FitTransform(Xt)
		} else {
			Xt, err = p.Scaler.Transform(Xt)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "%s: scaler", op)
		}
	}

	r, c := Xt.Dims()
	if err := errors.CheckMatrix(op, Xt, r, c); err != nil {
		return nil, err
	}
	return Xt, nil
}

// Fit fits the preprocessing steps and then the estimator on the training fold.
// A panic inside a step is returned as an error.
func (p *Pipeline) Fit(X, y mat.Matrix) (err error) {
	defer errors.Recover(&err, "Pipeline.Fit")

	start := time.Now()
	if p.Imputer == nil {
		p.Imputer = preprocessing.NewSimpleImputer()
	}
	if p.State == nil {
		p.State = model.NewStateManager()
	}
	p.State.Reset()

	Xt, err := p.preprocess("Pipeline.Fit", X, true)
	if err != nil {
		return err
	}
	if err := p.Estimator.Fit(Xt, y); err != nil {
		return errors.Wrapf(err, "Pipeline.Fit: estimator %T", p.Estimator)
	}

	nSamples, nFeatures := X.Dims()
	p.State.SetDimensions(nFeatures, nSamples)
	p.State.SetFitted()

	p.logger().Debug("pipeline fitted",
		log.SamplesKey, nSamples,
		log.FeaturesKey, nFeatures,
		"scaled", p.Scaler != nil,
		log.DurationMsKey, time.Since(start).Milliseconds(),
	)
	return nil
}

func (p *Pipeline) checkPredict(method string, X mat.Matrix) error {
	if err := p.State.RequireFitted("Pipeline "+p.Name, method); err != nil {
		return err
	}
	_, c := X.Dims()
	return p.State.CheckFeatures("Pipeline."+method, c)
}

// Predict returns the predicted class of every row of X as an n×1 matrix
func (p *Pipeline) Predict(X mat.Matrix) (mat.Matrix, error) {
	if err := p.checkPredict("Predict", X); err != nil {
		return nil, err
	}
	Xt, err := p.preprocess("Pipeline.Predict", X, false)
	if err != nil {
		return nil, err
	}
	return p.Estimator.Predict(Xt)
}

// PredictProba returns class probabilities with columns in Classes() order.
// It fails for pipelines that do not declare probability output.
func (p *Pipeline) PredictProba(X mat.Matrix) (mat.Matrix, error) {
	if !p.Probability {
		return nil, errors.NewValueError("Pipeline.PredictProba",
			fmt.Sprintf("pipeline %q does not declare probability output", p.Name))
	}
	if err := p.checkPredict("PredictProba", X); err != nil {
		return nil, err
	}
	Xt, err := p.preprocess("Pipeline.PredictProba", X, false)
	if err != nil {
		return nil, err
	}
	return p.Estimator.(model.ProbaPredictor).PredictProba(Xt)
}

// Classes returns the class labels of the estimator, or nil when it does not
// expose them
func (p *Pipeline) Classes() []float64 {
	if pp, ok := p.Estimator.(model.ProbaPredictor); ok {
		return pp.Classes()
	}
	return nil
}

// GetParams returns the pipeline configuration together with the estimator's
// hyperparameters
func (p *Pipeline) GetParams() map[string]interface{} {
	params := map[string]interface{}{
		"name":        p.Name,
		"scale":       p.Scaler != nil,
		"probability": p.Probability,
		"estimator":   fmt.Sprintf("%T", p.Estimator),
	}
	if pg, ok := p.Estimator.(model.ParameterGetter); ok {
		for k, v := range pg.GetParams() {
			params["estimator__"+k] = v
		}
	}
	return params
}

// String returns a short description of the pipeline
func (p *Pipeline) String() string {
	steps := "imputer"
	if p.ZeroAsMissing != nil {
		steps = "zero_as_missing -> " + steps
	}
	if p.Scaler != nil {
		steps += " -> scaler"
	}
	return fmt.Sprintf("Pipeline(%s: %s -> %T)", p.Name, steps, p.Estimator)
}
