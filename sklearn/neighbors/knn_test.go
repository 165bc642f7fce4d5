package neighbors

import (
	"bytes"
	"encoding/gob"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/glucoscreen/pkg/errors"
)

func lineData() (*mat.Dense, *mat.Dense) {
	X := mat.NewDense(8, 1, []float64{0, 1, 2, 3, 10, 11, 12, 13})
	y := mat.NewDense(8, 1, []float64{0, 0, 0, 0, 1, 1, 1, 1})
	return X, y
}

func TestKNeighborsClassifier_Predict(t *testing.T) {
	X, y := lineData()
	knn := NewKNeighborsClassifier(WithNNeighbors(3))
	require.NoError(t, knn.Fit(X, y))

	query := mat.NewDense(3, 1, []float64{-1, 6, 20})
	pred, err := knn.Predict(query)
	require.NoError(t, err)
	assert.Equal(t, 0.0, pred.At(0, 0))
	assert.Equal(t, 0.0, pred.At(1, 0), "3 and 2 outvote 10")
	assert.Equal(t, 1.0, pred.At(2, 0))
}

func TestKNeighborsClassifier_PredictProba(t *testing.T) {
	X, y := lineData()
	knn := NewKNeighborsClassifier(WithNNeighbors(4))
	require.NoError(t, knn.Fit(X, y))

	// neighbours of 7: 10 (d=3), 3 and 11 (d=4), then 2 and 12 tie at d=5 and
	// training order keeps 2
	proba, err := knn.PredictProba(mat.NewDense(1, 1, []float64{7}))
	require.NoError(t, err)
	assert.InDelta(t, 0.5, proba.At(0, 0), 1e-12)
	assert.InDelta(t, 0.5, proba.At(0, 1), 1e-12)

	// equal votes resolve to the smaller label
	pred, err := knn.Predict(mat.NewDense(1, 1, []float64{7}))
	require.NoError(t, err)
	assert.Equal(t, 0.0, pred.At(0, 0))
}

func TestKNeighborsClassifier_DistanceWeights(t *testing.T) {
	X, y := lineData()
	knn := NewKNeighborsClassifier(WithNNeighbors(4), WithWeights("distance"))
	require.NoError(t, knn.Fit(X, y))

	proba, err := knn.PredictProba(mat.NewDense(2, 1, []float64{7, 12}))
	require.NoError(t, err)
	// closer class 1 neighbours outweigh class 0
	assert.Greater(t, proba.At(0, 1), proba.At(0, 0))
	// exact match takes all the weight
	assert.Equal(t, 1.0, proba.At(1, 1))
}

func TestKNeighborsClassifier_Errors(t *testing.T) {
	X, y := lineData()

	_, err := NewKNeighborsClassifier().Predict(X)
	var nf *errors.NotFittedError
	assert.True(t, errors.As(err, &nf))

	var ve *errors.ValidationError
	err = NewKNeighborsClassifier(WithNNeighbors(9)).Fit(X, y)
	assert.True(t, errors.As(err, &ve), "k larger than the training set: %v", err)

	err = NewKNeighborsClassifier(WithWeights("gaussian")).Fit(X, y)
	assert.True(t, errors.As(err, &ve))
}

func TestKNeighborsClassifier_Gob(t *testing.T) {
	X, y := lineData()
	knn := NewKNeighborsClassifier(WithNNeighbors(7))
	require.NoError(t, knn.Fit(X, y))

	var buf bytes.Buffer
	require.NoError(t, gob.NewEncoder(&buf).Encode(knn))
	var restored KNeighborsClassifier
	require.NoError(t, gob.NewDecoder(&buf).Decode(&restored))

	want, err := knn.PredictProba(X)
	require.NoError(t, err)
	got, err := restored.PredictProba(X)
	require.NoError(t, err)
	assert.True(t, mat.Equal(want, got))
}
