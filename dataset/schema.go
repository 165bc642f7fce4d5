// Package dataset loads the tabular screening data into gonum matrices and
// applies the zero-as-missing policy.
package dataset

import (
	"github.com/YuminosukeSato/glucoscreen/pkg/errors"
)

// DiabetesFeatures is the fixed feature order of the Pima diabetes data.
var DiabetesFeatures = []string{
	"Pregnancies",
	"Glucose",
	"BloodPressure",
	"SkinThickness",
	"Insulin",
	"BMI",
	"DiabetesPedigreeFunction",
	"Age",
}

// DiabetesZeroAsMissing lists the measurements for which a literal 0 means
// "not measured".
var DiabetesZeroAsMissing = []string{
	"Glucose",
	"BloodPressure",
	"SkinThickness",
	"Insulin",
	"BMI",
}

// DiabetesTarget is the binary outcome column.
const DiabetesTarget = "Outcome"

// Schema describes the columns of a dataset: the ordered feature names, the
// outcome column and the subset of features where zero denotes a missing value.
type Schema struct {
	Features      []string
	Target        string
	ZeroAsMissing []string
}

// DiabetesSchema returns the schema of the Pima diabetes data.
func DiabetesSchema() Schema {
	return Schema{
		Features:      append([]string(nil), DiabetesFeatures...),
		Target:        DiabetesTarget,
		ZeroAsMissing: append([]string(nil), DiabetesZeroAsMissing...),
	}
}

// Validate checks that feature names are unique and non-empty, the target is
// not a feature, and the zero-as-missing subset only names features.
func (s Schema) Validate() error {
	if len(s.Features) == 0 {
		return errors.NewValidationError("features", "at least one feature is required", s.Features)
	}
	if s.Target == "" {
		return errors.NewValidationError("target", "target column is required", s.Target)
	}
	seen := make(map[string]bool, len(s.Features))
	for _, f := range s.Features {
		if f == "" {
			return errors.NewValidationError("features", "feature names must be non-empty", s.Features)
		}
		if seen[f] {
			return errors.NewValidationError("features", "duplicate feature name", f)
		}
		seen[f] = true
	}
	if seen[s.Target] {
		return errors.NewValidationError("target", "target column must not be a feature", s.Target)
	}
	for _, f := range s.ZeroAsMissing {
		if !seen[f] {
			return errors.NewValidationError("zero_as_missing", "not a feature", f)
		}
	}
	return nil
}

// FeatureIndex returns the position of name in the feature order, or -1.
func (s Schema) FeatureIndex(name string) int {
	for i, f := range s.Features {
		if f == name {
			return i
		}
	}
	return -1
}

// ZeroAsMissingIndices returns the feature positions of the zero-as-missing
// subset, in feature order.
func (s Schema) ZeroAsMissingIndices() []int {
	policy := make(map[string]bool, len(s.ZeroAsMissing))
	for _, f := range s.ZeroAsMissing {
		policy[f] = true
	}
	var idx []int
	for i, f := range s.Features {
		if policy[f] {
			idx = append(idx, i)
		}
	}
	return idx
}
