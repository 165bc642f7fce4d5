package svm

import (
	"bytes"
	"encoding/gob"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/glucoscreen/pkg/errors"
)

// ring returns class 1 points on an inner disc and class 0 points on an outer
// ring, which is not linearly separable.
func ring(n int) (*mat.Dense, *mat.Dense) {
	X := mat.NewDense(2*n, 2, nil)
	y := mat.NewDense(2*n, 1, nil)
	for i := 0; i < n; i++ {
		angle := 2 * math.Pi * float64(i) / float64(n)
		X.Set(i, 0, 0.5*math.Cos(angle))
		X.Set(i, 1, 0.5*math.Sin(angle))
		y.Set(i, 0, 1)

		X.Set(n+i, 0, 3*math.Cos(angle+0.1))
		X.Set(n+i, 1, 3*math.Sin(angle+0.1))
	}
	return X, y
}

func TestSVC_RBFSeparatesRing(t *testing.T) {
	X, y := ring(20)
	svc := NewSVC()
	require.NoError(t, svc.Fit(X, y))

	pred, err := svc.Predict(X)
	require.NoError(t, err)
	for i := 0; i < 40; i++ {
		assert.Equal(t, y.At(i, 0), pred.At(i, 0), "sample %d", i)
	}

	probe := mat.NewDense(2, 2, []float64{0, 0, 4, 4})
	pred, err = svc.Predict(probe)
	require.NoError(t, err)
	assert.Equal(t, 1.0, pred.At(0, 0))
	assert.Equal(t, 0.0, pred.At(1, 0))
	assert.Greater(t, svc.NSupport(), 0)
}

func TestSVC_GammaScale(t *testing.T) {
	X := mat.NewDense(4, 2, []float64{0, 0, 0, 2, 2, 0, 2, 2})
	y := mat.NewDense(4, 1, []float64{0, 0, 1, 1})
	svc := NewSVC()
	require.NoError(t, svc.Fit(X, y))
	// all entries are 0 or 2 in equal numbers: var = 1, gamma = 1/(2*1)
	assert.InDelta(t, 0.5, svc.Gamma, 1e-12)

	svc = NewSVC(WithGammaMode("auto"))
	require.NoError(t, svc.Fit(X, y))
	assert.InDelta(t, 0.5, svc.Gamma, 1e-12)

	svc = NewSVC(WithGamma(3))
	require.NoError(t, svc.Fit(X, y))
	assert.Equal(t, 3.0, svc.Gamma)
}

func TestSVC_LinearKernel(t *testing.T) {
	X := mat.NewDense(6, 1, []float64{-3, -2, -1, 1, 2, 3})
	y := mat.NewDense(6, 1, []float64{0, 0, 0, 1, 1, 1})
	svc := NewSVC(WithKernel("linear"))
	require.NoError(t, svc.Fit(X, y))

	dec, err := svc.DecisionFunction(mat.NewDense(2, 1, []float64{-0.5, 0.5}))
	require.NoError(t, err)
	assert.Less(t, dec.At(0, 0), 0.0)
	assert.Greater(t, dec.At(1, 0), 0.0)
}

func TestSVC_Probability(t *testing.T) {
	X, y := ring(25)
	svc := NewSVC(WithProbability(true), WithRandomState(42))
	require.NoError(t, svc.Fit(X, y))

	proba, err := svc.PredictProba(mat.NewDense(2, 2, []float64{0, 0, 4, 4}))
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		assert.InDelta(t, 1.0, proba.At(i, 0)+proba.At(i, 1), 1e-12)
		assert.GreaterOrEqual(t, proba.At(i, 1), minProb)
		assert.LessOrEqual(t, proba.At(i, 1), 1-minProb)
	}
	assert.Greater(t, proba.At(0, 1), 0.5, "centre of the disc is class 1")
	assert.Less(t, proba.At(1, 1), 0.5, "far corner is class 0")

	// calibration is reproducible for a fixed seed
	again := NewSVC(WithProbability(true), WithRandomState(42))
	require.NoError(t, again.Fit(X, y))
	assert.Equal(t, svc.ProbA, again.ProbA)
	assert.Equal(t, svc.ProbB, again.ProbB)
}

func TestSVC_ProbabilityDisabled(t *testing.T) {
	X, y := ring(10)
	svc := NewSVC()
	require.NoError(t, svc.Fit(X, y))

	_, err := svc.PredictProba(X)
	var ve *errors.ValueError
	assert.True(t, errors.As(err, &ve), "got %v", err)
}

func TestSVC_Errors(t *testing.T) {
	X, y := ring(5)

	_, err := NewSVC().Predict(X)
	var nf *errors.NotFittedError
	assert.True(t, errors.As(err, &nf))

	var ve *errors.ValidationError
	assert.True(t, errors.As(NewSVC(WithC(-1)).Fit(X, y), &ve))
	assert.True(t, errors.As(NewSVC(WithKernel("poly")).Fit(X, y), &ve))
	assert.True(t, errors.As(NewSVC(WithGammaMode("huge")).Fit(X, y), &ve))

	oneClass := mat.NewDense(10, 1, nil)
	assert.Error(t, NewSVC().Fit(X, oneClass))
}

func TestSVC_Gob(t *testing.T) {
	X, y := ring(15)
	svc := NewSVC(WithProbability(true), WithRandomState(1))
	require.NoError(t, svc.Fit(X, y))

	var buf bytes.Buffer
	require.NoError(t, gob.NewEncoder(&buf).Encode(svc))
	var restored SVC
	require.NoError(t, gob.NewDecoder(&buf).Decode(&restored))

	want, err := svc.PredictProba(X)
	require.NoError(t, err)
	got, err := restored.PredictProba(X)
	require.NoError(t, err)
	assert.True(t, mat.EqualApprox(want, got, 1e-12))
}

func TestSigmoidTrain(t *testing.T) {
	dec := []float64{-3, -2, -1, -0.5, 0.5, 1, 2, 3}
	positive := []bool{false, false, false, true, false, true, true, true}
	a, b := sigmoidTrain(dec, positive)

	// larger decision values must map to larger probabilities
	assert.Less(t, a, 0.0)
	assert.Greater(t, sigmoidPredict(2, a, b), sigmoidPredict(-2, a, b))
}
