// Package neighbors implements nearest-neighbour classification.
package neighbors

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/glucoscreen/core/model"
	"github.com/YuminosukeSato/glucoscreen/core/parallel"
	"github.com/YuminosukeSato/glucoscreen/pkg/errors"
)

// KNeighborsClassifier votes among the k closest training samples.
// Fit only stores the training data; all work happens at prediction time.
type KNeighborsClassifier struct {
	State *model.StateManager

	// Hyperparameters
	NNeighbors int
	Weights    string // "uniform" or "distance"
	P          float64

	// Training data, row-major
	TrainX      []float64
	TrainY      []int
	ClassLabels []float64
}

// Option is a functional option for KNeighborsClassifier
type Option func(*KNeighborsClassifier)

// NewKNeighborsClassifier creates a classifier with scikit-learn's defaults
// (5 neighbours, uniform weights, Euclidean distance).
func NewKNeighborsClassifier(opts ...Option) *KNeighborsClassifier {
	knn := &KNeighborsClassifier{
		State:      model.NewStateManager(),
		NNeighbors: 5,
		Weights:    "uniform",
		P:          2,
	}
	for _, opt := range opts {
		opt(knn)
	}
	return knn
}

// WithNNeighbors sets k
func WithNNeighbors(k int) Option {
	return func(knn *KNeighborsClassifier) { knn.NNeighbors = k }
}

// WithWeights sets the vote weighting ("uniform" or "distance")
func WithWeights(weights string) Option {
	return func(knn *KNeighborsClassifier) { knn.Weights = weights }
}

// WithP sets the Minkowski power (1 = Manhattan, 2 = Euclidean)
func WithP(p float64) Option {
	return func(knn *KNeighborsClassifier) { knn.P = p }
}

// Fit stores the training data
func (knn *KNeighborsClassifier) Fit(X, y mat.Matrix) error {
	nSamples, nFeatures, err := model.CheckXY("KNeighborsClassifier.Fit", X, y)
	if err != nil {
		return err
	}
	if knn.NNeighbors <= 0 {
		return errors.NewValidationError("n_neighbors", "must be positive", knn.NNeighbors)
	}
	if knn.NNeighbors > nSamples {
		return errors.NewValidationError("n_neighbors", "must not exceed the number of training samples", knn.NNeighbors)
	}
	if knn.Weights != "uniform" && knn.Weights != "distance" {
		return errors.NewValidationError("weights", "must be 'uniform' or 'distance'", knn.Weights)
	}
	if knn.P < 1 {
		return errors.NewValidationError("p", "must be >= 1", knn.P)
	}
	if knn.State == nil {
		knn.State = model.NewStateManager()
	}
	knn.State.Reset()

	knn.ClassLabels = model.UniqueLabels(y)
	lookup := make(map[float64]int, len(knn.ClassLabels))
	for k, c := range knn.ClassLabels {
		lookup[c] = k
	}

	knn.TrainX = make([]float64, nSamples*nFeatures)
	knn.TrainY = make([]int, nSamples)
	for i := 0; i < nSamples; i++ {
		for j := 0; j < nFeatures; j++ {
			knn.TrainX[i*nFeatures+j] = X.At(i, j)
		}
		knn.TrainY[i] = lookup[y.At(i, 0)]
	}

	knn.State.SetDimensions(nFeatures, nSamples)
	knn.State.SetFitted()
	return nil
}

func (knn *KNeighborsClassifier) distance(a, b []float64) float64 {
	if knn.P == 2 {
		s := 0.0
		for j := range a {
			d := a[j] - b[j]
			s += d * d
		}
		return math.Sqrt(s)
	}
	s := 0.0
	for j := range a {
		s += math.Pow(math.Abs(a[j]-b[j]), knn.P)
	}
	return math.Pow(s, 1/knn.P)
}

type neighbor struct {
	index int
	dist  float64
}

// neighbors returns the k nearest training samples of query. Equal distances
// are broken by training order.
func (knn *KNeighborsClassifier) neighbors(query []float64) []neighbor {
	nFeatures := len(query)
	all := make([]neighbor, len(knn.TrainY))
	for i := range all {
		all[i] = neighbor{index: i, dist: knn.distance(query, knn.TrainX[i*nFeatures:(i+1)*nFeatures])}
	}
	sort.SliceStable(all, func(a, b int) bool { return all[a].dist < all[b].dist })
	return all[:knn.NNeighbors]
}

// PredictProba returns the (weighted) share of each class among the neighbours
func (knn *KNeighborsClassifier) PredictProba(X mat.Matrix) (mat.Matrix, error) {
	if err := knn.State.RequireFitted("KNeighborsClassifier", "PredictProba"); err != nil {
		return nil, err
	}
	nSamples, nFeatures := X.Dims()
	if err := knn.State.CheckFeatures("KNeighborsClassifier.PredictProba", nFeatures); err != nil {
		return nil, err
	}

	nClasses := len(knn.ClassLabels)
	proba := mat.NewDense(nSamples, nClasses, nil)
	parallel.ParallelizeWithThreshold(nSamples, 64, func(start, end int) {
		query := make([]float64, nFeatures)
		votes := make([]float64, nClasses)
		for i := start; i < end; i++ {
			mat.Row(query, i, X)
			for k := range votes {
				votes[k] = 0
			}

			nbrs := knn.neighbors(query)
			exact := false
			if knn.Weights == "distance" {
				// an exact match takes all the weight
				for _, nb := range nbrs {
					if nb.dist == 0 {
						votes[knn.TrainY[nb.index]]++
						exact = true
					}
				}
			}
			if !exact {
				for _, nb := range nbrs {
					w := 1.0
					if knn.Weights == "distance" {
						w = 1 / nb.dist
					}
					votes[knn.TrainY[nb.index]] += w
				}
			}

			total := 0.0
			for _, v := range votes {
				total += v
			}
			for k, v := range votes {
				proba.Set(i, k, v/total)
			}
		}
	})
	return proba, nil
}

// Predict returns the majority class among the neighbours. Ties go to the
// smaller class label.
func (knn *KNeighborsClassifier) Predict(X mat.Matrix) (mat.Matrix, error) {
	proba, err := knn.PredictProba(X)
	if err != nil {
		return nil, err
	}
	nSamples, nClasses := proba.Dims()
	predictions := mat.NewDense(nSamples, 1, nil)
	for i := 0; i < nSamples; i++ {
		best := 0
		for k := 1; k < nClasses; k++ {
			if proba.At(i, k) > proba.At(i, best) {
				best = k
			}
		}
		predictions.Set(i, 0, knn.ClassLabels[best])
	}
	return predictions, nil
}

// Classes returns the class labels in PredictProba column order
func (knn *KNeighborsClassifier) Classes() []float64 {
	return knn.ClassLabels
}

// GetParams returns the model hyperparameters
func (knn *KNeighborsClassifier) GetParams() map[string]interface{} {
	return map[string]interface{}{
		"n_neighbors": knn.NNeighbors,
		"weights":     knn.Weights,
		"p":           knn.P,
	}
}
