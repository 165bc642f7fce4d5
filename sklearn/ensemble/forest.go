// Package ensemble implements bagged tree ensembles.
package ensemble

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/glucoscreen/core/model"
	"github.com/YuminosukeSato/glucoscreen/core/parallel"
	"github.com/YuminosukeSato/glucoscreen/pkg/errors"
	"github.com/YuminosukeSato/glucoscreen/sklearn/tree"
)

// RandomForestClassifier averages the class probabilities of decision trees
// grown on bootstrap samples with random feature subsets at each split.
type RandomForestClassifier struct {
	State *model.StateManager

	// Hyperparameters
	NEstimators     int
	Criterion       string
	MaxDepth        int // 0 means unlimited
	MinSamplesSplit int
	MinSamplesLeaf  int
	MaxFeatures     string // "sqrt", "log2" or "all"
	Bootstrap       bool
	RandomState     int64
	NJobs           int // <= 0 uses every CPU

	// Learned parameters
	Estimators         []*tree.DecisionTreeClassifier
	ClassLabels        []float64
	FeatureImportances []float64
}

// Option is a functional option for RandomForestClassifier
type Option func(*RandomForestClassifier)

// NewRandomForestClassifier creates a forest with scikit-learn's defaults
// (100 trees, sqrt features, bootstrap).
func NewRandomForestClassifier(opts ...Option) *RandomForestClassifier {
	rf := &RandomForestClassifier{
		State:           model.NewStateManager(),
		NEstimators:     100,
		Criterion:       "gini",
		MinSamplesSplit: 2,
		MinSamplesLeaf:  1,
		MaxFeatures:     "sqrt",
		Bootstrap:       true,
	}
	for _, opt := range opts {
		opt(rf)
	}
	return rf
}

// WithNEstimators sets the number of trees
func WithNEstimators(n int) Option {
	return func(rf *RandomForestClassifier) { rf.NEstimators = n }
}

// WithCriterion sets the impurity criterion of every tree
func WithCriterion(criterion string) Option {
	return func(rf *RandomForestClassifier) { rf.Criterion = criterion }
}

// WithMaxDepth limits the depth of every tree
func WithMaxDepth(depth int) Option {
	return func(rf *RandomForestClassifier) { rf.MaxDepth = depth }
}

// WithMinSamplesLeaf sets the minimum number of samples in each leaf
func WithMinSamplesLeaf(n int) Option {
	return func(rf *RandomForestClassifier) { rf.MinSamplesLeaf = n }
}

// WithMaxFeatures sets the per-split feature rule ("sqrt", "log2" or "all")
func WithMaxFeatures(rule string) Option {
	return func(rf *RandomForestClassifier) { rf.MaxFeatures = rule }
}

// WithBootstrap toggles bootstrap sampling
func WithBootstrap(bootstrap bool) Option {
	return func(rf *RandomForestClassifier) { rf.Bootstrap = bootstrap }
}

// WithRandomState sets the seed of the forest
func WithRandomState(seed int64) Option {
	return func(rf *RandomForestClassifier) { rf.RandomState = seed }
}

// WithNJobs limits the number of goroutines growing trees
func WithNJobs(n int) Option {
	return func(rf *RandomForestClassifier) { rf.NJobs = n }
}

func (rf *RandomForestClassifier) featuresPerSplit(nFeatures int) (int, error) {
	var k int
	switch rf.MaxFeatures {
	case "sqrt":
		k = int(math.Sqrt(float64(nFeatures)))
	case "log2":
		k = int(math.Log2(float64(nFeatures)))
	case "all", "":
		k = nFeatures
	default:
		return 0, errors.NewValidationError("max_features", "must be 'sqrt', 'log2' or 'all'", rf.MaxFeatures)
	}
	return max(k, 1), nil
}

// Fit grows NEstimators trees. Tree i uses seed RandomState+i for both its
// bootstrap draw and its feature sampling, so the fitted forest does not
// depend on NJobs or goroutine scheduling.
func (rf *RandomForestClassifier) Fit(X, y mat.Matrix) error {
	if rf.NEstimators <= 0 {
		return errors.NewValidationError("n_estimators", "must be positive", rf.NEstimators)
	}
	nSamples, nFeatures, err := model.CheckXY("RandomForestClassifier.Fit", X, y)
	if err != nil {
		return err
	}
	maxFeatures, err := rf.featuresPerSplit(nFeatures)
	if err != nil {
		return err
	}
	if rf.State == nil {
		rf.State = model.NewStateManager()
	}
	rf.State.Reset()

	classes := model.UniqueLabels(y)
	yIdx := tree.EncodeLabels(y, classes)
	data := mat.DenseCopyOf(X)

	trees := make([]*tree.DecisionTreeClassifier, rf.NEstimators)
	errs := make([]error, rf.NEstimators)
	parallel.ParallelizeN(rf.NEstimators, rf.NJobs, func(start, end int) {
		for i := start; i < end; i++ {
			seed := rf.RandomState + int64(i)
			sample := make([]int, nSamples)
			if rf.Bootstrap {
				rng := rand.New(rand.NewPCG(uint64(seed), uint64(seed)^0x9e3779b97f4a7c15))
				for s := range sample {
					sample[s] = rng.IntN(nSamples)
				}
			} else {
				for s := range sample {
					sample[s] = s
				}
			}

			dt := tree.NewDecisionTreeClassifier(
				tree.WithCriterion(rf.Criterion),
				tree.WithMaxDepth(rf.MaxDepth),
				tree.WithMinSamplesSplit(rf.MinSamplesSplit),
				tree.WithMinSamplesLeaf(rf.MinSamplesLeaf),
				tree.WithMaxFeatures(maxFeatures),
				tree.WithRandomState(seed),
			)
			errs[i] = dt.FitSample(data, yIdx, classes, sample)
			trees[i] = dt
		}
	})
	for i, err := range errs {
		if err != nil {
			return errors.Wrapf(err, "RandomForestClassifier.Fit: tree %d", i)
		}
	}

	rf.Estimators = trees
	rf.ClassLabels = classes
	rf.FeatureImportances = make([]float64, nFeatures)
	for _, dt := range trees {
		for j, v := range dt.GetFeatureImportances() {
			rf.FeatureImportances[j] += v / float64(len(trees))
		}
	}

	rf.State.SetDimensions(nFeatures, nSamples)
	rf.State.SetFitted()
	return nil
}

// PredictProba returns the mean class probabilities over all trees
func (rf *RandomForestClassifier) PredictProba(X mat.Matrix) (mat.Matrix, error) {
	if err := rf.State.RequireFitted("RandomForestClassifier", "PredictProba"); err != nil {
		return nil, err
	}
	nSamples, nFeatures := X.Dims()
	if err := rf.State.CheckFeatures("RandomForestClassifier.PredictProba", nFeatures); err != nil {
		return nil, err
	}

	proba := mat.NewDense(nSamples, len(rf.ClassLabels), nil)
	for _, dt := range rf.Estimators {
		p, err := dt.PredictProba(X)
		if err != nil {
			return nil, err
		}
		proba.Add(proba, p)
	}
	proba.Scale(1/float64(len(rf.Estimators)), proba)
	return proba, nil
}

// Predict returns the class with the highest mean probability. Ties go to the
// smaller class label.
func (rf *RandomForestClassifier) Predict(X mat.Matrix) (mat.Matrix, error) {
	proba, err := rf.PredictProba(X)
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
		predictions.Set(i, 0, rf.ClassLabels[best])
	}
	return predictions, nil
}

// Classes returns the class labels in PredictProba column order
func (rf *RandomForestClassifier) Classes() []float64 {
	return rf.ClassLabels
}

// GetParams returns the model hyperparameters
func (rf *RandomForestClassifier) GetParams() map[string]interface{} {
	return map[string]interface{}{
		"n_estimators":      rf.NEstimators,
		"criterion":         rf.Criterion,
		"max_depth":         rf.MaxDepth,
		"min_samples_split": rf.MinSamplesSplit,
		"min_samples_leaf":  rf.MinSamplesLeaf,
		"max_features":      rf.MaxFeatures,
		"bootstrap":         rf.Bootstrap,
		"random_state":      rf.RandomState,
	}
}

// String returns a short description of the forest
func (rf *RandomForestClassifier) String() string {
	return fmt.Sprintf("RandomForestClassifier(n_estimators=%d, max_features=%s, random_state=%d)",
		rf.NEstimators, rf.MaxFeatures, rf.RandomState)
}
