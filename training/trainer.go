// Package training fits every candidate pipeline on one stratified split,
// evaluates it on the held-out fold and selects the best by F1.
package training

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/YuminosukeSato/glucoscreen/core/model"
	"github.com/YuminosukeSato/glucoscreen/dataset"
	"github.com/YuminosukeSato/glucoscreen/metrics"
	"github.com/YuminosukeSato/glucoscreen/model_selection"
	"github.com/YuminosukeSato/glucoscreen/pipeline"
	"github.com/YuminosukeSato/glucoscreen/pkg/errors"
	"github.com/YuminosukeSato/glucoscreen/pkg/log"
)

const (
	// DefaultTestSize is the held-out fraction of the stratified split
	DefaultTestSize = 0.2

	// DefaultRandomSeed seeds the split and every seeded estimator
	DefaultRandomSeed = 42
)

// Trainer runs the candidate loop. Its zero value is not usable; create one
// with NewTrainer.
type Trainer struct {
	testSize   float64
	randomSeed int
	parallel   bool
	logger     log.Logger
}

// Option configures a Trainer
type Option func(*Trainer)

// WithTestSize sets the held-out fraction
func WithTestSize(f float64) Option {
	return func(t *Trainer) { t.testSize = f }
}

// WithRandomSeed sets the seed of the stratified split
func WithRandomSeed(seed int) Option {
	return func(t *Trainer) { t.randomSeed = seed }
}

// WithParallel fits candidates concurrently, one goroutine per candidate.
// Results and selection are identical to a sequential run.
func WithParallel(enabled bool) Option {
	return func(t *Trainer) { t.parallel = enabled }
}

// WithLogger replaces the trainer's logger
func WithLogger(l log.Logger) Option {
	return func(t *Trainer) { t.logger = l }
}

// NewTrainer creates a Trainer with a 20% held-out fold and seed 42
func NewTrainer(opts ...Option) *Trainer {
	t := &Trainer{
		testSize:   DefaultTestSize,
		randomSeed: DefaultRandomSeed,
		logger:     log.GetLoggerWithName("training"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// CandidateFailure records a candidate excluded from selection
type CandidateFailure struct {
	Name string
	Err  error
}

// Result is the outcome of a training run
type Result struct {
	// Best is the fitted pipeline of the selected candidate
	Best *pipeline.Pipeline

	// BestResult is the selected candidate's evaluation, including its
	// classification report
	BestResult EvaluationResult

	// Results holds the evaluation of every successful candidate in
	// configured order
	Results []EvaluationResult

	// Failed lists the excluded candidates in configured order
	Failed []CandidateFailure

	Split model_selection.Split
}

type outcome struct {
	pipeline *pipeline.Pipeline
	result   EvaluationResult
	err      error
}

// Run splits ds once, fits every spec on the training fold and evaluates it on
// the held-out fold. The candidate with the strictly greatest F1 wins; ties go
// to the earlier spec.
//
// A degenerate class distribution is returned as a SplitError. A candidate
// that fails or panics is logged and excluded; if every candidate fails, Run
// returns a ModelError wrapping ErrNoCandidates.
func (t *Trainer) Run(ctx context.Context, ds *dataset.Dataset, specs []pipeline.Spec) (*Result, error) {
	if len(specs) == 0 {
		return nil, errors.NewValidationError("candidates", "at least one candidate is required", len(specs))
	}
	seen := make(map[string]bool, len(specs))
	for _, s := range specs {
		if seen[s.Name] {
			return nil, errors.NewValidationError("candidates", "duplicate candidate name", s.Name)
		}
		seen[s.Name] = true
	}
	if ds == nil || ds.X == nil || ds.Y == nil {
		return nil, errors.NewSplitError(0, nil, "empty dataset")
	}

	split, err := model_selection.StratifiedTrainTestSplit(ds.Y, t.testSize, t.randomSeed)
	if err != nil {
		return nil, err
	}
	train := ds.Subset(split.TrainIndices)
	test := ds.Subset(split.TestIndices)
	zeroCols := ds.Schema.ZeroAsMissingIndices()

	t.logger.Info("stratified split",
		log.SamplesKey, ds.NSamples(),
		log.TrainSamplesKey, len(split.TrainIndices),
		log.TestSamplesKey, len(split.TestIndices),
		log.RandomSeedKey, t.randomSeed,
	)

	outcomes := make([]outcome, len(specs))
	if t.parallel {
		g, gctx := errgroup.WithContext(ctx)
		for i, spec := range specs {
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				outcomes[i] = t.runCandidate(spec, train, test, zeroCols)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	} else {
		for i, spec := range specs {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			outcomes[i] = t.runCandidate(spec, train, test, zeroCols)
		}
	}

	res := &Result{Split: split}
	var fitted []*pipeline.Pipeline
	for i, o := range outcomes {
		if o.err != nil {
			res.Failed = append(res.Failed, CandidateFailure{Name: specs[i].Name, Err: o.err})
			t.logger.Warn("candidate excluded", o.err, log.CandidateKey, specs[i].Name)
			continue
		}
		res.Results = append(res.Results, o.result)
		fitted = append(fitted, o.pipeline)
	}

	best := SelectBest(res.Results)
	if best < 0 {
		return nil, errors.NewModelError("Trainer.Run", "selection",
			errors.Wrapf(errors.ErrNoCandidates, "%d of %d candidates failed", len(res.Failed), len(specs)))
	}
	res.Best = fitted[best]
	res.BestResult = res.Results[best]

	t.logger.Info("best model selected",
		log.CandidateKey, res.BestResult.Model,
		log.F1Key, res.BestResult.F1,
		log.AccuracyKey, res.BestResult.Accuracy,
		"candidates.succeeded", len(res.Results),
		"candidates.failed", len(res.Failed),
	)
	return res, nil
}

// runCandidate builds, fits and evaluates one spec. Panics are converted to
// errors, and every failure comes back as a FitError naming the phase.
func (t *Trainer) runCandidate(spec pipeline.Spec, train, test *dataset.Dataset, zeroCols []int) outcome {
	start := time.Now()
	phase := "build"
	var o outcome

	err := errors.SafeExecute(fmt.Sprintf("candidate %s", spec.Name), func() error {
		p, err := spec.Build(zeroCols)
		if err != nil {
			return err
		}

		phase = log.OperationFit
		if err := p.Fit(train.X, train.Y); err != nil {
			return err
		}

		phase = log.OperationPredict
		pred, err := p.Predict(test.X)
		if err != nil {
			return err
		}

		phase = "evaluate"
		result, err := Evaluate(spec.Name, test.Y, pred)
		if err != nil {
			return err
		}
		if p.Probability {
			proba, err := p.PredictProba(test.X)
			if err != nil {
				return err
			}
			pos, err := positiveColumn(proba, p.Classes())
			if err != nil {
				return err
			}
			yTrue, err := metrics.ColumnVector("Trainer.Run", test.Y)
			if err != nil {
				return err
			}
			if result.AUC, err = metrics.AUC(yTrue, pos); err != nil {
				return err
			}
			if result.LogLoss, err = metrics.BinaryLogLoss(yTrue, pos); err != nil {
				return err
			}
			result.HasAUC = true
		}

		o = outcome{pipeline: p, result: result}
		return nil
	})
	if err != nil {
		return outcome{err: errors.NewFitError(spec.Name, phase, err)}
	}

	fields := []any{
		log.CandidateKey, spec.Name,
		log.AccuracyKey, o.result.Accuracy,
		log.PrecisionKey, o.result.Precision,
		log.RecallKey, o.result.Recall,
		log.F1Key, o.result.F1,
		log.DurationMsKey, time.Since(start).Milliseconds(),
	}
	if o.result.HasAUC {
		fields = append(fields, log.AUCKey, o.result.AUC, log.LogLossKey, o.result.LogLoss)
	}
	if pg, ok := o.pipeline.Estimator.(model.ParameterGetter); ok {
		fields = append(fields, log.HyperParamsKey, pg.GetParams())
	}
	t.logger.Info("candidate evaluated", fields...)
	return o
}
