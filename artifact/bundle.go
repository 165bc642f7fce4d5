// Package artifact persists the outcome of a training run: the bundle holding
// the fitted best pipeline with its metadata, the metrics report comparing all
// candidates, and an optional comparison chart.
package artifact

import (
	"encoding/gob"
	"sync"
	"time"

	"github.com/YuminosukeSato/glucoscreen/core/model"
	"github.com/YuminosukeSato/glucoscreen/pipeline"
	"github.com/YuminosukeSato/glucoscreen/pkg/errors"
	"github.com/YuminosukeSato/glucoscreen/sklearn/ensemble"
	"github.com/YuminosukeSato/glucoscreen/sklearn/linear_model"
	"github.com/YuminosukeSato/glucoscreen/sklearn/neighbors"
	"github.com/YuminosukeSato/glucoscreen/sklearn/svm"
	"github.com/YuminosukeSato/glucoscreen/sklearn/tree"
)

// TimeFormat is the layout of Metadata.TrainedAt: ISO-8601 in UTC with
// microseconds and a trailing Z.
const TimeFormat = "2006-01-02T15:04:05.000000Z"

// Metadata describes the model stored in a bundle
type Metadata struct {
	BestModel    string   `json:"best_model"`
	TrainedAt    string   `json:"trained_at"`
	FeatureOrder []string `json:"feature_order"`
}

// NewMetadata stamps the metadata with t converted to UTC
func NewMetadata(bestModel string, t time.Time, featureOrder []string) Metadata {
	return Metadata{
		BestModel:    bestModel,
		TrainedAt:    t.UTC().Format(TimeFormat),
		FeatureOrder: append([]string(nil), featureOrder...),
	}
}

// Time parses TrainedAt
func (m Metadata) Time() (time.Time, error) {
	return time.Parse(TimeFormat, m.TrainedAt)
}

// Validate checks that the metadata names a model and a non-empty feature order
func (m Metadata) Validate() error {
	if m.BestModel == "" {
		return errors.NewValidationError("best_model", "must not be empty", m.BestModel)
	}
	if len(m.FeatureOrder) == 0 {
		return errors.NewValidationError("feature_order", "must not be empty", m.FeatureOrder)
	}
	seen := make(map[string]bool, len(m.FeatureOrder))
	for _, f := range m.FeatureOrder {
		if f == "" || seen[f] {
			return errors.NewValidationError("feature_order", "names must be unique and non-empty", m.FeatureOrder)
		}
		seen[f] = true
	}
	if _, err := m.Time(); err != nil {
		return errors.NewValidationError("trained_at", "must match "+TimeFormat, m.TrainedAt)
	}
	return nil
}

// Bundle is the unit handed from training to inference. It is written once
// per training run and replaced atomically on retrain.
type Bundle struct {
	Pipeline *pipeline.Pipeline
	Meta     Metadata
}

var registerOnce sync.Once

// registerBuiltins makes the built-in estimators known to gob so a
// Pipeline's Estimator interface field can be encoded.
func registerBuiltins() {
	registerOnce.Do(func() {
		RegisterEstimator(&linear_model.LogisticRegression{})
		RegisterEstimator(&ensemble.RandomForestClassifier{})
		RegisterEstimator(&svm.SVC{})
		RegisterEstimator(&tree.DecisionTreeClassifier{})
		RegisterEstimator(&neighbors.KNeighborsClassifier{})
	})
}

// RegisterEstimator registers a custom estimator type with gob. It must be
// called before saving or loading a bundle whose pipeline uses that type.
func RegisterEstimator(est model.Estimator) {
	gob.Register(est)
}

// NewBundle wraps a fitted pipeline
func NewBundle(p *pipeline.Pipeline, meta Metadata) (*Bundle, error) {
	if p == nil || !p.State.IsFitted() {
		return nil, errors.NewNotFittedError("Bundle", "NewBundle")
	}
	if err := meta.Validate(); err != nil {
		return nil, err
	}
	if nFeatures, _ := p.State.GetDimensions(); nFeatures != len(meta.FeatureOrder) {
		return nil, errors.NewDimensionError("NewBundle", nFeatures, len(meta.FeatureOrder), 1)
	}
	return &Bundle{Pipeline: p, Meta: meta}, nil
}

// Save writes the bundle to path. The file is written to a temporary sibling
// and renamed, so a concurrent reader sees either the old or the new bundle.
func (b *Bundle) Save(path string) error {
	registerBuiltins()
	if b.Pipeline == nil {
		return errors.NewSerializationError("save", path, errors.ErrNoBundle)
	}
	return model.SaveModel(b, path)
}

// LoadBundle reads a bundle written by Save and checks that it holds a fitted
// pipeline with valid metadata.
func LoadBundle(path string) (*Bundle, error) {
	registerBuiltins()
	var b Bundle
	if err := model.LoadModel(&b, path); err != nil {
		return nil, err
	}
	if b.Pipeline == nil || !b.Pipeline.State.IsFitted() {
		return nil, errors.NewSerializationError("load", path,
			errors.Wrap(errors.ErrNoBundle, "bundle holds no fitted pipeline"))
	}
	if err := b.Meta.Validate(); err != nil {
		return nil, errors.NewSerializationError("load", path, err)
	}
	return &b, nil
}
