// Package svm implements a binary support vector classifier.
package svm

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/YuminosukeSato/glucoscreen/core/model"
	"github.com/YuminosukeSato/glucoscreen/pkg/errors"
)

// Probability estimates are clipped to [minProb, 1-minProb]
const minProb = 1e-7

// SVC is a C-support vector classifier for two classes, compatible with
// scikit-learn's SVC. Positive decision values favour Classes()[1].
//
// With Probability enabled, Fit additionally calibrates a sigmoid on
// decision values from an internal 5-fold cross-validation (Platt scaling),
// so PredictProba and Predict can disagree near the boundary.
type SVC struct {
	State *model.StateManager

	// Hyperparameters
	C           float64
	Kernel      string  // "rbf" or "linear"
	GammaMode   string  // "scale", "auto" or "value"
	GammaValue  float64 // used when GammaMode is "value"
	Tol         float64
	MaxIter     int // <= 0 means no limit beyond max(10^7, 100n)
	Probability bool
	RandomState int64

	// Learned parameters
	Gamma          float64
	SupportVectors []float64 // row-major
	DualCoef       []float64 // alpha_i * y_i per support vector
	Rho            float64
	ProbA          float64
	ProbB          float64
	ClassLabels    []float64
	NIter          int
}

// Option is a functional option for SVC
type Option func(*SVC)

// NewSVC creates an RBF classifier with scikit-learn's defaults
// (C=1, gamma="scale", tol=1e-3).
func NewSVC(opts ...Option) *SVC {
	s := &SVC{
		State:     model.NewStateManager(),
		C:         1.0,
		Kernel:    "rbf",
		GammaMode: "scale",
		Tol:       1e-3,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// WithC sets the penalty of the error term
func WithC(c float64) Option {
	return func(s *SVC) { s.C = c }
}

// WithKernel sets the kernel ("rbf" or "linear")
func WithKernel(kernel string) Option {
	return func(s *SVC) { s.Kernel = kernel }
}

// WithGamma fixes the RBF coefficient
func WithGamma(gamma float64) Option {
	return func(s *SVC) {
		s.GammaMode = "value"
		s.GammaValue = gamma
	}
}

// WithGammaMode selects how gamma is derived from the data ("scale" or "auto")
func WithGammaMode(mode string) Option {
	return func(s *SVC) { s.GammaMode = mode }
}

// WithTol sets the stopping tolerance
func WithTol(tol float64) Option {
	return func(s *SVC) { s.Tol = tol }
}

// WithMaxIter limits the number of solver iterations
func WithMaxIter(n int) Option {
	return func(s *SVC) { s.MaxIter = n }
}

// WithProbability enables Platt-scaled probability estimates
func WithProbability(enabled bool) Option {
	return func(s *SVC) { s.Probability = enabled }
}

// WithRandomState sets the seed of the calibration folds
func WithRandomState(seed int64) Option {
	return func(s *SVC) { s.RandomState = seed }
}

func (s *SVC) validate() error {
	if s.C <= 0 {
		return errors.NewValidationError("C", "must be positive", s.C)
	}
	if s.Tol <= 0 {
		return errors.NewValidationError("tol", "must be positive", s.Tol)
	}
	switch s.Kernel {
	case "rbf", "linear":
	default:
		return errors.NewValidationError("kernel", "must be 'rbf' or 'linear'", s.Kernel)
	}
	switch s.GammaMode {
	case "scale", "auto":
	case "value":
		if s.GammaValue <= 0 {
			return errors.NewValidationError("gamma", "must be positive", s.GammaValue)
		}
	default:
		return errors.NewValidationError("gamma", "must be 'scale', 'auto' or a positive number", s.GammaMode)
	}
	return nil
}

// resolveGamma computes gamma for the training data. "scale" uses
// 1 / (n_features * X.var()) over all entries of X.
func (s *SVC) resolveGamma(data []float64, nFeatures int) float64 {
	switch s.GammaMode {
	case "value":
		return s.GammaValue
	case "auto":
		return 1 / float64(nFeatures)
	}
	_, variance := stat.PopMeanVariance(data, nil)
	if variance == 0 {
		return 1
	}
	return 1 / (float64(nFeatures) * variance)
}

func (s *SVC) kernel(a, b []float64) float64 {
	if s.Kernel == "linear" {
		dot := 0.0
		for j := range a {
			dot += a[j] * b[j]
		}
		return dot
	}
	dist := 0.0
	for j := range a {
		d := a[j] - b[j]
		dist += d * d
	}
	return math.Exp(-s.Gamma * dist)
}

// gram returns the kernel matrix of the listed rows
func (s *SVC) gram(data []float64, nFeatures int, rows []int) []float64 {
	n := len(rows)
	k := make([]float64, n*n)
	for a := 0; a < n; a++ {
		ra := data[rows[a]*nFeatures : (rows[a]+1)*nFeatures]
		for b := a; b < n; b++ {
			v := s.kernel(ra, data[rows[b]*nFeatures:(rows[b]+1)*nFeatures])
			k[a*n+b] = v
			k[b*n+a] = v
		}
	}
	return k
}

func (s *SVC) iterationLimit(n int) int {
	if s.MaxIter > 0 {
		return s.MaxIter
	}
	return max(10_000_000, 100*n)
}

// svmModel is a trained decision function over a subset of the data
type svmModel struct {
	sv   []float64
	coef []float64
	rho  float64
	iter int
	ok   bool
}

// train solves the dual problem on the listed rows and keeps the support vectors
func (s *SVC) train(data []float64, nFeatures int, y []float64, rows []int) svmModel {
	sub := make([]float64, len(rows))
	for a, r := range rows {
		sub[a] = y[r]
	}
	res := solveSMO(s.gram(data, nFeatures, rows), sub, s.C, s.Tol, s.iterationLimit(len(rows)))

	m := svmModel{rho: res.rho, iter: res.iter, ok: res.converged}
	for a, alpha := range res.alpha {
		if alpha > 0 {
			r := rows[a]
			m.sv = append(m.sv, data[r*nFeatures:(r+1)*nFeatures]...)
			m.coef = append(m.coef, alpha*sub[a])
		}
	}
	return m
}

func (s *SVC) decision(sv, coef []float64, rho float64, x []float64) float64 {
	nFeatures := len(x)
	f := -rho
	for i, c := range coef {
		f += c * s.kernel(sv[i*nFeatures:(i+1)*nFeatures], x)
	}
	return f
}

// Fit trains the classifier. y must contain exactly two classes.
func (s *SVC) Fit(X, y mat.Matrix) error {
	if err := s.validate(); err != nil {
		return err
	}
	nSamples, nFeatures, err := model.CheckXY("SVC.Fit", X, y)
	if err != nil {
		return err
	}
	classes, err := model.BinaryLabels("SVC.Fit", y)
	if err != nil {
		return err
	}
	if s.State == nil {
		s.State = model.NewStateManager()
	}
	s.State.Reset()

	data := make([]float64, nSamples*nFeatures)
	signs := make([]float64, nSamples)
	rows := make([]int, nSamples)
	for i := 0; i < nSamples; i++ {
		for j := 0; j < nFeatures; j++ {
			data[i*nFeatures+j] = X.At(i, j)
		}
		signs[i] = -1
		if y.At(i, 0) == classes[1] {
			signs[i] = 1
		}
		rows[i] = i
	}
	s.ClassLabels = classes
	s.Gamma = s.resolveGamma(data, nFeatures)

	m := s.train(data, nFeatures, signs, rows)
	if !m.ok {
		errors.Warn(errors.NewConvergenceWarning("SVC", m.iter,
			fmt.Sprintf("solver stopped at max_iter=%d; consider scaling the data", s.iterationLimit(nSamples))))
	}
	s.SupportVectors = m.sv
	s.DualCoef = m.coef
	s.Rho = m.rho
	s.NIter = m.iter

	s.ProbA, s.ProbB = 0, 0
	if s.Probability {
		s.ProbA, s.ProbB = s.calibrate(data, nFeatures, signs)
	}

	s.State.SetDimensions(nFeatures, nSamples)
	s.State.SetFitted()
	return nil
}

// calibrate fits the Platt sigmoid on out-of-fold decision values from a
// shuffled 5-fold split.
func (s *SVC) calibrate(data []float64, nFeatures int, signs []float64) (a, b float64) {
	const nFolds = 5
	n := len(signs)
	rng := rand.New(rand.NewPCG(uint64(s.RandomState), uint64(s.RandomState)))
	perm := rng.Perm(n)

	dec := make([]float64, n)
	for fold := 0; fold < nFolds; fold++ {
		begin, end := fold*n/nFolds, (fold+1)*n/nFolds
		if begin == end {
			continue
		}
		train := make([]int, 0, n-(end-begin))
		train = append(train, perm[:begin]...)
		train = append(train, perm[end:]...)

		var pos, neg int
		for _, r := range train {
			if signs[r] > 0 {
				pos++
			} else {
				neg++
			}
		}

		switch {
		case pos == 0 && neg == 0:
			for _, r := range perm[begin:end] {
				dec[r] = 0
			}
		case neg == 0:
			for _, r := range perm[begin:end] {
				dec[r] = 1
			}
		case pos == 0:
			for _, r := range perm[begin:end] {
				dec[r] = -1
			}
		default:
			m := s.train(data, nFeatures, signs, train)
			for _, r := range perm[begin:end] {
				dec[r] = s.decision(m.sv, m.coef, m.rho, data[r*nFeatures:(r+1)*nFeatures])
			}
		}
	}

	positive := make([]bool, n)
	for i, v := range signs {
		positive[i] = v > 0
	}
	return sigmoidTrain(dec, positive)
}

func (s *SVC) checkPredict(method string, X mat.Matrix) error {
	if err := s.State.RequireFitted("SVC", method); err != nil {
		return err
	}
	_, c := X.Dims()
	return s.State.CheckFeatures("SVC."+method, c)
}

// DecisionFunction returns the signed decision values as an n×1 matrix
func (s *SVC) DecisionFunction(X mat.Matrix) (mat.Matrix, error) {
	if err := s.checkPredict("DecisionFunction", X); err != nil {
		return nil, err
	}
	nSamples, nFeatures := X.Dims()
	out := mat.NewDense(nSamples, 1, nil)
	x := make([]float64, nFeatures)
	for i := 0; i < nSamples; i++ {
		mat.Row(x, i, X)
		out.Set(i, 0, s.decision(s.SupportVectors, s.DualCoef, s.Rho, x))
	}
	return out, nil
}

// Predict returns Classes()[1] where the decision value is positive
func (s *SVC) Predict(X mat.Matrix) (mat.Matrix, error) {
	dec, err := s.DecisionFunction(X)
	if err != nil {
		return nil, err
	}
	nSamples, _ := dec.Dims()
	predictions := mat.NewDense(nSamples, 1, nil)
	for i := 0; i < nSamples; i++ {
		if dec.At(i, 0) > 0 {
			predictions.Set(i, 0, s.ClassLabels[1])
		} else {
			predictions.Set(i, 0, s.ClassLabels[0])
		}
	}
	return predictions, nil
}

// PredictProba returns Platt-scaled class probabilities. The model must have
// been fitted with Probability enabled.
func (s *SVC) PredictProba(X mat.Matrix) (mat.Matrix, error) {
	if s.State.IsFitted() && !s.Probability {
		return nil, errors.NewValueError("SVC.PredictProba", "probability estimates are not available; fit with probability enabled")
	}
	dec, err := s.DecisionFunction(X)
	if err != nil {
		return nil, err
	}
	nSamples, _ := dec.Dims()
	proba := mat.NewDense(nSamples, 2, nil)
	for i := 0; i < nSamples; i++ {
		p := errors.ClipValue(sigmoidPredict(dec.At(i, 0), s.ProbA, s.ProbB), minProb, 1-minProb)
		proba.Set(i, 0, 1-p)
		proba.Set(i, 1, p)
	}
	return proba, nil
}

// Classes returns the class labels in PredictProba column order
func (s *SVC) Classes() []float64 {
	return s.ClassLabels
}

// NSupport returns the number of support vectors
func (s *SVC) NSupport() int {
	return len(s.DualCoef)
}

// GetParams returns the model hyperparameters
func (s *SVC) GetParams() map[string]interface{} {
	var gamma interface{} = s.GammaMode
	if s.GammaMode == "value" {
		gamma = s.GammaValue
	}
	return map[string]interface{}{
		"C":            s.C,
		"kernel":       s.Kernel,
		"gamma":        gamma,
		"tol":          s.Tol,
		"max_iter":     s.MaxIter,
		"probability":  s.Probability,
		"random_state": s.RandomState,
	}
}
