package inference

import (
	"math"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/glucoscreen/artifact"
	"github.com/YuminosukeSato/glucoscreen/core/model"
	"github.com/YuminosukeSato/glucoscreen/pipeline"
	"github.com/YuminosukeSato/glucoscreen/pkg/errors"
	"github.com/YuminosukeSato/glucoscreen/pkg/log"
	"github.com/YuminosukeSato/glucoscreen/sklearn/linear_model"
	"github.com/YuminosukeSato/glucoscreen/sklearn/neighbors"
)

var featureOrder = []string{"Pregnancies", "Glucose", "Age"}

// trainingData: glucose separates the classes, column 1 follows the
// zero-as-missing rule
func trainingData() (*mat.Dense, *mat.Dense) {
	n := 30
	X := mat.NewDense(n, 3, nil)
	y := mat.NewDense(n, 1, nil)
	for i := 0; i < n; i++ {
		label := float64(i % 2)
		X.SetRow(i, []float64{float64(i % 4), 90 + float64(i) + 70*label, 25 + float64(i)})
		y.Set(i, 0, label)
	}
	return X, y
}

func fittedBundle(t *testing.T, name string, est model.Estimator, probability bool) *artifact.Bundle {
	t.Helper()
	p, err := pipeline.Make(name, est,
		pipeline.WithScaling(true),
		pipeline.WithProbability(probability),
		pipeline.WithZeroAsMissing([]int{1}))
	require.NoError(t, err)
	X, y := trainingData()
	require.NoError(t, p.Fit(X, y))
	b, err := artifact.NewBundle(p, artifact.NewMetadata(name, time.Now(), featureOrder))
	require.NoError(t, err)
	return b
}

func newScorer() *Scorer {
	logger, _ := log.NewTestLogger(log.LevelWarn)
	return NewScorer(WithLogger(logger))
}

func TestScoreWithProbabilities(t *testing.T) {
	b := fittedBundle(t, "LogisticRegression", linear_model.NewLogisticRegression(), true)
	s := newScorer()
	s.Swap(b)

	high := map[string]float64{"Pregnancies": 2, "Glucose": 190, "Age": 40}
	res, err := s.Score(high)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Prediction)
	assert.Equal(t, PositiveResult, res.Result)

	proba, err := b.Pipeline.PredictProba(mat.NewDense(1, 3, []float64{2, 190, 40}))
	require.NoError(t, err)
	want := math.Max(proba.At(0, 0), proba.At(0, 1))
	assert.Equal(t, errors.Round(want, 4), res.Confidence)
	assert.GreaterOrEqual(t, res.Confidence, 0.5)
	assert.LessOrEqual(t, res.Confidence, 1.0)

	low, err := s.Score(map[string]float64{"Pregnancies": 2, "Glucose": 95, "Age": 40})
	require.NoError(t, err)
	assert.Equal(t, 0, low.Prediction)
	assert.Equal(t, NegativeResult, low.Result)
}

func TestScoreZeroGlucoseIsImputed(t *testing.T) {
	b := fittedBundle(t, "LogisticRegression", linear_model.NewLogisticRegression(), true)
	s := newScorer()
	s.Swap(b)

	median := b.Pipeline.Imputer.Statistics[1]
	withZero, err := s.Score(map[string]float64{"Pregnancies": 1, "Glucose": 0, "Age": 30})
	require.NoError(t, err)
	withMedian, err := s.Score(map[string]float64{"Pregnancies": 1, "Glucose": median, "Age": 30})
	require.NoError(t, err)
	assert.Equal(t, withMedian, withZero)
}

func TestScoreWithoutProbabilities(t *testing.T) {
	b := fittedBundle(t, "KNN", neighbors.NewKNeighborsClassifier(neighbors.WithNNeighbors(3)), false)
	s := newScorer()
	s.Swap(b)

	res, err := s.Score(map[string]float64{"Pregnancies": 0, "Glucose": 200, "Age": 50})
	require.NoError(t, err)
	assert.Equal(t, NeutralConfidence, res.Confidence)
	assert.Equal(t, 1, res.Prediction)
	assert.Equal(t, PositiveResult, res.Result)
}

// even returns equal probabilities for both classes
type even struct{}

func (even) Fit(X, y mat.Matrix) error { return nil }
func (even) Predict(X mat.Matrix) (mat.Matrix, error) {
	n, _ := X.Dims()
	return mat.NewDense(n, 1, nil), nil
}
func (even) PredictProba(X mat.Matrix) (mat.Matrix, error) {
	n, _ := X.Dims()
	out := mat.NewDense(n, 2, nil)
	for i := 0; i < n; i++ {
		out.SetRow(i, []float64{0.5, 0.5})
	}
	return out, nil
}
func (even) Classes() []float64 { return []float64{0, 1} }

func TestScoreProbabilityTieGoesToFirstClass(t *testing.T) {
	s := newScorer()
	s.Swap(fittedBundle(t, "even", even{}, true))

	res, err := s.Score(map[string]float64{"Pregnancies": 0, "Glucose": 100, "Age": 30})
	require.NoError(t, err)
	assert.Equal(t, Result{Prediction: 0, Result: NegativeResult, Confidence: 0.5}, res)
}

func TestScoreValidation(t *testing.T) {
	s := newScorer()
	s.Swap(fittedBundle(t, "even", even{}, true))

	valid := func() map[string]float64 {
		return map[string]float64{"Pregnancies": 1, "Glucose": 100, "Age": 30}
	}
	tests := []struct {
		name   string
		mutate func(map[string]float64)
		param  string
	}{
		{"unknown feature", func(r map[string]float64) { r["Cholesterol"] = 200 }, "Cholesterol"},
		{"missing feature", func(r map[string]float64) { delete(r, "Age") }, "Age"},
		{"negative", func(r map[string]float64) { r["Glucose"] = -1 }, "Glucose"},
		{"nan", func(r map[string]float64) { r["Glucose"] = math.NaN() }, "Glucose"},
		{"inf", func(r map[string]float64) { r["Age"] = math.Inf(1) }, "Age"},
		{"fractional pregnancies", func(r map[string]float64) { r["Pregnancies"] = 1.5 }, "Pregnancies"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			record := valid()
			tt.mutate(record)
			_, err := s.Score(record)
			var ve *errors.ValidationError
			require.True(t, errors.As(err, &ve), "got %v", err)
			assert.Equal(t, tt.param, ve.ParamName)
		})
	}

	// a fractional value is fine for a continuous feature
	record := valid()
	record["Glucose"] = 101.5
	_, err := s.Score(record)
	assert.NoError(t, err)
}

func TestScoreWithoutBundle(t *testing.T) {
	s := newScorer()
	assert.False(t, s.Ready())
	_, err := s.Score(map[string]float64{"Glucose": 100})
	assert.True(t, errors.Is(err, errors.ErrNoBundle))
	assert.True(t, errors.Is(s.Reload(), errors.ErrNoBundle))
}

func TestLoadAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.gob")
	first := fittedBundle(t, "LogisticRegression", linear_model.NewLogisticRegression(), true)
	require.NoError(t, first.Save(path))

	s := newScorer()
	require.NoError(t, s.Load(path))
	require.True(t, s.Ready())
	assert.Equal(t, "LogisticRegression", s.Bundle().Meta.BestModel)

	second := fittedBundle(t, "KNN", neighbors.NewKNeighborsClassifier(), true)
	require.NoError(t, second.Save(path))
	require.NoError(t, s.Reload())
	assert.Equal(t, "KNN", s.Bundle().Meta.BestModel)

	// a failed load keeps the bundle in service
	err := s.Load(filepath.Join(t.TempDir(), "missing.gob"))
	var se *errors.SerializationError
	assert.True(t, errors.As(err, &se))
	assert.Equal(t, "KNN", s.Bundle().Meta.BestModel)
}

func TestScoreConcurrentWithSwap(t *testing.T) {
	a := fittedBundle(t, "LogisticRegression", linear_model.NewLogisticRegression(), true)
	b := fittedBundle(t, "KNN", neighbors.NewKNeighborsClassifier(), true)
	s := newScorer()
	s.Swap(a)

	record := map[string]float64{"Pregnancies": 3, "Glucose": 180, "Age": 45}
	var wg sync.WaitGroup
	errs := make(chan error, 64)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				if _, err := s.Score(record); err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	for i := 0; i < 20; i++ {
		if i%2 == 0 {
			s.Swap(b)
		} else {
			s.Swap(a)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestDecodeRecord(t *testing.T) {
	rec, err := DecodeRecord(strings.NewReader(`{"Pregnancies": 2, "Glucose": 148.5, "Age": 50}`))
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"Pregnancies": 2, "Glucose": 148.5, "Age": 50}, rec)

	tests := []struct {
		name string
		body string
	}{
		{"not json", `Glucose=100`},
		{"array", `[1, 2]`},
		{"null", `null`},
		{"string value", `{"Glucose": "148"}`},
		{"null value", `{"Glucose": null}`},
		{"nested", `{"Glucose": {"value": 1}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeRecord(strings.NewReader(tt.body))
			var ve *errors.ValidationError
			assert.True(t, errors.As(err, &ve), "got %v", err)
		})
	}
}
