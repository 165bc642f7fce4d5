package svm

import "math"

const tau = 1e-12

// smoResult is the solution of the C-SVC dual problem
type smoResult struct {
	alpha     []float64
	rho       float64
	iter      int
	converged bool
}

// solveSMO solves
//
//	min 0.5 a'Qa - e'a  s.t. y'a = 0, 0 <= a_i <= C
//
// with Q_ij = y_i y_j K_ij, using sequential minimal optimization and
// second-order working set selection (Fan, Chen and Lin, 2005). k is the full
// n×n kernel matrix in row-major order and y holds +1/-1 labels.
func solveSMO(k []float64, y []float64, c, eps float64, maxIter int) smoResult {
	n := len(y)
	alpha := make([]float64, n)
	grad := make([]float64, n)
	qd := make([]float64, n)
	for i := 0; i < n; i++ {
		grad[i] = -1
		qd[i] = k[i*n+i]
	}
	q := func(i, j int) float64 { return y[i] * y[j] * k[i*n+j] }
	upper := func(i int) bool { return alpha[i] >= c }
	lower := func(i int) bool { return alpha[i] <= 0 }

	res := smoResult{alpha: alpha}
	for res.iter < maxIter {
		// select i: maximal violating index in I_up
		gmax := math.Inf(-1)
		gmax2 := math.Inf(-1)
		i, j := -1, -1
		for t := 0; t < n; t++ {
			if y[t] == 1 {
				if !upper(t) && -grad[t] >= gmax {
					gmax = -grad[t]
					i = t
				}
			} else if !lower(t) && grad[t] >= gmax {
				gmax = grad[t]
				i = t
			}
		}

		// select j: largest decrease of the objective in I_low
		objMin := math.Inf(1)
		for t := 0; t < n; t++ {
			var gradDiff, quad float64
			if y[t] == 1 {
				if lower(t) {
					continue
				}
				gmax2 = math.Max(gmax2, grad[t])
				gradDiff = gmax + grad[t]
				if i >= 0 {
					quad = qd[i] + qd[t] - 2*y[i]*q(i, t)
				}
			} else {
				if upper(t) {
					continue
				}
				gmax2 = math.Max(gmax2, -grad[t])
				gradDiff = gmax - grad[t]
				if i >= 0 {
					quad = qd[i] + qd[t] + 2*y[i]*q(i, t)
				}
			}
			if i < 0 || gradDiff <= 0 {
				continue
			}
			if quad <= 0 {
				quad = tau
			}
			if obj := -(gradDiff * gradDiff) / quad; obj <= objMin {
				objMin = obj
				j = t
			}
		}

		if gmax+gmax2 < eps || i < 0 || j < 0 {
			res.converged = true
			break
		}
		res.iter++

		oldI, oldJ := alpha[i], alpha[j]
		if y[i] != y[j] {
			quad := qd[i] + qd[j] + 2*q(i, j)
			if quad <= 0 {
				quad = tau
			}
			delta := (-grad[i] - grad[j]) / quad
			diff := alpha[i] - alpha[j]
			alpha[i] += delta
			alpha[j] += delta
			if diff > 0 {
				if alpha[j] < 0 {
					alpha[j] = 0
					alpha[i] = diff
				}
			} else if alpha[i] < 0 {
				alpha[i] = 0
				alpha[j] = -diff
			}
			if diff > 0 {
				if alpha[i] > c {
					alpha[i] = c
					alpha[j] = c - diff
				}
			} else if alpha[j] > c {
				alpha[j] = c
				alpha[i] = c + diff
			}
		} else {
			quad := qd[i] + qd[j] - 2*q(i, j)
			if quad <= 0 {
				quad = tau
			}
			delta := (grad[i] - grad[j]) / quad
			sum := alpha[i] + alpha[j]
			alpha[i] -= delta
			alpha[j] += delta
			if sum > c {
				if alpha[i] > c {
					alpha[i] = c
					alpha[j] = sum - c
				}
			} else if alpha[j] < 0 {
				alpha[j] = 0
				alpha[i] = sum
			}
			if sum > c {
				if alpha[j] > c {
					alpha[j] = c
					alpha[i] = sum - c
				}
			} else if alpha[i] < 0 {
				alpha[i] = 0
				alpha[j] = sum
			}
		}

		dI, dJ := alpha[i]-oldI, alpha[j]-oldJ
		for t := 0; t < n; t++ {
			grad[t] += q(i, t)*dI + q(j, t)*dJ
		}
	}

	res.rho = computeRho(alpha, grad, y, c)
	return res
}

// computeRho returns the offset: the mean of y_i*G_i over free vectors, or
// the midpoint of the feasible interval when every alpha is at a bound.
func computeRho(alpha, grad, y []float64, c float64) float64 {
	ub, lb := math.Inf(1), math.Inf(-1)
	nFree := 0
	sumFree := 0.0
	for i := range alpha {
		yG := y[i] * grad[i]
		switch {
		case alpha[i] >= c:
			if y[i] == -1 {
				ub = math.Min(ub, yG)
			} else {
				lb = math.Max(lb, yG)
			}
		case alpha[i] <= 0:
			if y[i] == 1 {
				ub = math.Min(ub, yG)
			} else {
				lb = math.Max(lb, yG)
			}
		default:
			nFree++
			sumFree += yG
		}
	}
	if nFree > 0 {
		return sumFree / float64(nFree)
	}
	return (ub + lb) / 2
}
