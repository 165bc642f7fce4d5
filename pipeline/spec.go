package pipeline

import (
	"github.com/YuminosukeSato/glucoscreen/core/model"
	"github.com/YuminosukeSato/glucoscreen/pkg/errors"
)

// Spec describes a candidate before it is built. NewEstimator is called once
// per Build so every training run starts from an unfitted estimator.
type Spec struct {
	Name         string
	NewEstimator func() model.Estimator
	Scale        bool
	Probability  bool
}

// Build creates the pipeline for the spec. zeroAsMissing lists the feature
// columns whose zeros are re-marked as missing inside the pipeline.
func (s Spec) Build(zeroAsMissing []int) (*Pipeline, error) {
	if s.NewEstimator == nil {
		return nil, errors.NewValidationError("estimator", "spec has no estimator constructor", s.Name)
	}
	return Make(s.Name, s.NewEstimator(),
		WithScaling(s.Scale),
		WithProbability(s.Probability),
		WithZeroAsMissing(zeroAsMissing),
	)
}
