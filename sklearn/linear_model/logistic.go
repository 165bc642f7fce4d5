package linear_model

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/glucoscreen/core/model"
	"github.com/YuminosukeSato/glucoscreen/pkg/errors"
)

// LogisticRegression implements L2-regularized binary logistic regression.
// Compatible with scikit-learn's LogisticRegression for two classes: the
// objective is C * sum(log-loss) + 0.5 * ||coef||^2 and the intercept is not
// penalized.
type LogisticRegression struct {
	State *model.StateManager

	// Hyperparameters
	Penalty      string  // "l2" or "none"
	C            float64 // Inverse of regularization strength
	FitIntercept bool
	Solver       string // "newton" or "gd"
	MaxIter      int
	Tol          float64

	// Learned parameters
	Coef        []float64
	Intercept   float64
	ClassLabels []float64
	NIter       int
}

// LogisticRegressionOption is a functional option for LogisticRegression
type LogisticRegressionOption func(*LogisticRegression)

// NewLogisticRegression creates a new LogisticRegression classifier
func NewLogisticRegression(opts ...LogisticRegressionOption) *LogisticRegression {
	lr := &LogisticRegression{
		State:        model.NewStateManager(),
		Penalty:      "l2",
		C:            1.0,
		FitIntercept: true,
		Solver:       "newton",
		MaxIter:      100,
		Tol:          1e-4,
	}

	for _, opt := range opts {
		opt(lr)
	}

	return lr
}

// WithLRPenalty sets the regularization type
func WithLRPenalty(penalty string) LogisticRegressionOption {
	return func(lr *LogisticRegression) {
		lr.Penalty = penalty
	}
}

// WithLRC sets the inverse regularization strength
func WithLRC(c float64) LogisticRegressionOption {
	return func(lr *LogisticRegression) {
		lr.C = c
	}
}

// WithLogisticFitIntercept sets whether to fit intercept
func WithLogisticFitIntercept(fit bool) LogisticRegressionOption {
	return func(lr *LogisticRegression) {
		lr.FitIntercept = fit
	}
}

// WithLRSolver sets the optimization solver
func WithLRSolver(solver string) LogisticRegressionOption {
	return func(lr *LogisticRegression) {
		lr.Solver = solver
	}
}

// WithLRMaxIter sets the maximum number of iterations
func WithLRMaxIter(maxIter int) LogisticRegressionOption {
	return func(lr *LogisticRegression) {
		lr.MaxIter = maxIter
	}
}

// WithLRTol sets the tolerance for stopping criteria
func WithLRTol(tol float64) LogisticRegressionOption {
	return func(lr *LogisticRegression) {
		lr.Tol = tol
	}
}

func (lr *LogisticRegression) validate() error {
	if lr.C <= 0 {
		return errors.NewValidationError("C", "must be positive", lr.C)
	}
	if lr.MaxIter <= 0 {
		return errors.NewValidationError("max_iter", "must be positive", lr.MaxIter)
	}
	if lr.Tol <= 0 {
		return errors.NewValidationError("tol", "must be positive", lr.Tol)
	}
	switch lr.Penalty {
	case "l2", "none":
	default:
		return errors.NewValidationError("penalty", "must be 'l2' or 'none'", lr.Penalty)
	}
	switch lr.Solver {
	case "newton", "gd":
	default:
		return errors.NewValidationError("solver", "must be 'newton' or 'gd'", lr.Solver)
	}
	return nil
}

// Fit trains the logistic regression model. Weights start at zero so repeated
// fits on the same data give identical coefficients.
func (lr *LogisticRegression) Fit(X, y mat.Matrix) error {
	if err := lr.validate(); err != nil {
		return err
	}
	nSamples, nFeatures, err := model.CheckXY("LogisticRegression.Fit", X, y)
	if err != nil {
		return err
	}
	classes, err := model.BinaryLabels("LogisticRegression.Fit", y)
	if err != nil {
		return err
	}
	if lr.State == nil {
		lr.State = model.NewStateManager()
	}
	lr.State.Reset()

	lr.ClassLabels = classes
	target := make([]float64, nSamples)
	for i := range target {
		if y.At(i, 0) == classes[1] {
			target[i] = 1
		}
	}

	lr.Coef = make([]float64, nFeatures)
	lr.Intercept = 0

	var converged bool
	if lr.Solver == "gd" {
		converged = lr.fitGradientDescent(X, target)
	} else {
		converged = lr.fitNewton(X, target)
	}
	if !converged {
		errors.Warn(errors.NewConvergenceWarning("LogisticRegression", lr.NIter,
			fmt.Sprintf("solver %s did not reach tol=%g; increase max_iter or scale the data", lr.Solver, lr.Tol)))
	}

	lr.State.SetDimensions(nFeatures, nSamples)
	lr.State.SetFitted()
	return nil
}

// alpha is the L2 strength applied to the summed loss
func (lr *LogisticRegression) alpha() float64 {
	if lr.Penalty == "none" {
		return 0
	}
	return 1.0 / lr.C
}

// gradient computes the gradient of the objective at the current weights.
// The last element is the intercept component.
func (lr *LogisticRegression) gradient(X mat.Matrix, target, prob []float64) []float64 {
	nSamples, nFeatures := X.Dims()
	grad := make([]float64, nFeatures+1)
	for i := 0; i < nSamples; i++ {
		residual := prob[i] - target[i]
		for j := 0; j < nFeatures; j++ {
			grad[j] += residual * X.At(i, j)
		}
		grad[nFeatures] += residual
	}
	alpha := lr.alpha()
	for j := 0; j < nFeatures; j++ {
		grad[j] += alpha * lr.Coef[j]
	}
	if !lr.FitIntercept {
		grad[nFeatures] = 0
	}
	return grad
}

// objective returns the penalized negative log-likelihood and fills prob.
func (lr *LogisticRegression) objective(X mat.Matrix, target, coef []float64, intercept float64, prob []float64) float64 {
	nSamples, nFeatures := X.Dims()
	loss := 0.0
	for i := 0; i < nSamples; i++ {
		z := intercept
		for j := 0; j < nFeatures; j++ {
			z += X.At(i, j) * coef[j]
		}
		prob[i] = sigmoid(z)
		// log(1+exp(z)) - t*z, computed without overflow
		if z > 0 {
			loss += z + math.Log1p(math.Exp(-z)) - target[i]*z
		} else {
			loss += math.Log1p(math.Exp(z)) - target[i]*z
		}
	}
	return loss + 0.5*lr.alpha()*floats.Dot(coef, coef)
}

// fitNewton minimizes the objective with damped Newton steps. The Hessian is
// (p+1)x(p+1), which is small for tabular data.
func (lr *LogisticRegression) fitNewton(X mat.Matrix, target []float64) bool {
	nSamples, nFeatures := X.Dims()
	dim := nFeatures + 1
	prob := make([]float64, nSamples)
	trialProb := make([]float64, nSamples)
	loss := lr.objective(X, target, lr.Coef, lr.Intercept, prob)
	alpha := lr.alpha()

	row := make([]float64, dim)
	trialCoef := make([]float64, nFeatures)
	for iter := 1; iter <= lr.MaxIter; iter++ {
		lr.NIter = iter
		grad := lr.gradient(X, target, prob)
		if floats.Norm(grad, math.Inf(1)) <= lr.Tol {
			return true
		}

		hess := mat.NewSymDense(dim, nil)
		for i := 0; i < nSamples; i++ {
			w := prob[i] * (1 - prob[i])
			for j := 0; j < nFeatures; j++ {
				row[j] = X.At(i, j)
			}
			row[nFeatures] = 1
			for a := 0; a < dim; a++ {
				for b := a; b < dim; b++ {
					hess.SetSym(a, b, hess.At(a, b)+w*row[a]*row[b])
				}
			}
		}
		for j := 0; j < nFeatures; j++ {
			hess.SetSym(j, j, hess.At(j, j)+alpha+1e-10)
		}
		if lr.FitIntercept {
			hess.SetSym(nFeatures, nFeatures, hess.At(nFeatures, nFeatures)+1e-10)
		} else {
			// fixes the intercept at zero
			for j := 0; j < dim; j++ {
				hess.SetSym(j, nFeatures, 0)
			}
			hess.SetSym(nFeatures, nFeatures, 1)
		}

		var chol mat.Cholesky
		step := mat.NewVecDense(dim, nil)
		if ok := chol.Factorize(hess); !ok || chol.SolveVecTo(step, mat.NewVecDense(dim, grad)) != nil {
			// fall back to a gradient step
			step = mat.NewVecDense(dim, grad)
			step.ScaleVec(1.0/float64(nSamples), step)
		}

		// backtracking line search on the objective
		t := 1.0
		accepted := false
		for k := 0; k < 30; k++ {
			for j := 0; j < nFeatures; j++ {
				trialCoef[j] = lr.Coef[j] - t*step.AtVec(j)
			}
			trialIntercept := lr.Intercept - t*step.AtVec(nFeatures)
			trialLoss := lr.objective(X, target, trialCoef, trialIntercept, trialProb)
			if trialLoss <= loss {
				copy(lr.Coef, trialCoef)
				lr.Intercept = trialIntercept
				loss = trialLoss
				prob, trialProb = trialProb, prob
				accepted = true
				break
			}
			t *= 0.5
		}
		if !accepted {
			// no further decrease is possible at machine precision
			return true
		}
	}

	grad := lr.gradient(X, target, prob)
	return floats.Norm(grad, math.Inf(1)) <= lr.Tol
}

// fitGradientDescent uses full-batch gradient descent with a decaying
// learning rate. It converges slower than Newton and is kept for comparison.
func (lr *LogisticRegression) fitGradientDescent(X mat.Matrix, target []float64) bool {
	nSamples, nFeatures := X.Dims()
	prob := make([]float64, nSamples)

	for iter := 0; iter < lr.MaxIter; iter++ {
		lr.NIter = iter + 1
		lr.objective(X, target, lr.Coef, lr.Intercept, prob)
		grad := lr.gradient(X, target, prob)

		// Normalize by the number of samples so the step does not depend on n
		floats.Scale(1.0/float64(nSamples), grad)
		if floats.Norm(grad, math.Inf(1)) < lr.Tol {
			return true
		}

		learningRate := 1.0 / (1.0 + 0.1*float64(iter))
		for j := 0; j < nFeatures; j++ {
			lr.Coef[j] -= learningRate * grad[j]
		}
		if lr.FitIntercept {
			lr.Intercept -= learningRate * grad[nFeatures]
		}
	}
	return false
}

// DecisionFunction returns the signed distance to the decision boundary as an
// n×1 matrix. Positive values favour the second class.
func (lr *LogisticRegression) DecisionFunction(X mat.Matrix) (mat.Matrix, error) {
	if err := lr.State.RequireFitted("LogisticRegression", "DecisionFunction"); err != nil {
		return nil, err
	}
	nSamples, nFeatures := X.Dims()
	if err := lr.State.CheckFeatures("LogisticRegression.DecisionFunction", nFeatures); err != nil {
		return nil, err
	}

	scores := mat.NewDense(nSamples, 1, nil)
	for i := 0; i < nSamples; i++ {
		z := lr.Intercept
		for j := 0; j < nFeatures; j++ {
			z += X.At(i, j) * lr.Coef[j]
		}
		scores.Set(i, 0, z)
	}
	return scores, nil
}

// Predict makes predictions for input data
func (lr *LogisticRegression) Predict(X mat.Matrix) (mat.Matrix, error) {
	scores, err := lr.DecisionFunction(X)
	if err != nil {
		return nil, err
	}

	nSamples, _ := scores.Dims()
	predictions := mat.NewDense(nSamples, 1, nil)
	for i := 0; i < nSamples; i++ {
		if scores.At(i, 0) > 0 {
			predictions.Set(i, 0, lr.ClassLabels[1])
		} else {
			predictions.Set(i, 0, lr.ClassLabels[0])
		}
	}
	return predictions, nil
}

// PredictProba returns probability estimates for each class
func (lr *LogisticRegression) PredictProba(X mat.Matrix) (mat.Matrix, error) {
	scores, err := lr.DecisionFunction(X)
	if err != nil {
		return nil, err
	}

	nSamples, _ := scores.Dims()
	proba := mat.NewDense(nSamples, 2, nil)
	for i := 0; i < nSamples; i++ {
		p := sigmoid(scores.At(i, 0))
		proba.Set(i, 0, 1-p)
		proba.Set(i, 1, p)
	}
	return proba, nil
}

// Classes returns the class labels seen during fitting
func (lr *LogisticRegression) Classes() []float64 {
	return lr.ClassLabels
}

// GetParams returns the model hyperparameters
func (lr *LogisticRegression) GetParams() map[string]interface{} {
	return map[string]interface{}{
		"penalty":       lr.Penalty,
		"C":             lr.C,
		"fit_intercept": lr.FitIntercept,
		"solver":        lr.Solver,
		"max_iter":      lr.MaxIter,
		"tol":           lr.Tol,
	}
}

// sigmoid computes the sigmoid function
func sigmoid(z float64) float64 {
	if z >= 0 {
		return 1.0 / (1.0 + math.Exp(-z))
	}
	expZ := math.Exp(z)
	return expZ / (1.0 + expZ)
}
