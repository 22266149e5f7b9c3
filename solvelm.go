// Copyright (c) 2025 hitoshi.mukai.b@gmail.com. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the author.
// The author accepts no liability for any damages arising from the use of this source code.
//
// Last modified: 2025.11.12
//

package gorsl

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Levenberg-Marquardt iteration constants
const (
	LM_MAX_ITER    = 50    // Maximum number of LM iterations
	LM_STEP_TOL    = 1e-9  // Convergence threshold on the step norm
	LM_LAMBDA_INIT = 1e-3  // Initial damping factor
	LM_LAMBDA_UP   = 10.0  // Damping increase on a rejected step
	LM_LAMBDA_DOWN = 0.1   // Damping decrease on an accepted step
	LM_LAMBDA_MAX  = 1e12  // Damping ceiling; exceeded means no progress
	LM_COND_TOL    = 1e-12 // Pivot tolerance treated as rank deficiency
)

// SolveLM fits the unknowns of p to the readings selected by idx, starting
// from x0, by damped (Levenberg-Marquardt) weighted least squares
//   - (J^t W J + lambda I) dx = J^t W r
//
// and returns the converged unknown vector. Fails if the system is rank
// deficient or the damping schedule stalls without reducing the cost.
func SolveLM(p FitProblem, x0 []float64, idx []int) ([]float64, error) {
	n := len(idx)
	nx := p.NumUnknowns()
	if n < nx {
		return nil, fmt.Errorf("%w: %d equations for %d unknowns", ErrSingular, n, nx)
	}

	x := make([]float64, nx)
	copy(x, x0)

	J := mat.NewDense(n, nx, nil)
	r := mat.NewVecDense(n, nil)
	w := make([]float64, n)
	row := make([]float64, nx)

	cost := residualCost(p, x, idx)
	lambda := LM_LAMBDA_INIT

	for loop := 0; loop < LM_MAX_ITER; loop++ {

		// Setup equations at the current estimate
		for i, ri := range idx {
			p.JacobianRow(x, ri, row)
			J.SetRow(i, row)
			r.SetVec(i, p.Residual(x, ri))
			w[i] = p.Weight(ri)
		}
		W := mat.NewDiagDense(n, w)

		// A (J^t W J), b (J^t W r)
		var WJ mat.Dense
		WJ.Mul(W, J)
		var A mat.Dense
		A.Mul(J.T(), &WJ)
		var b mat.VecDense
		b.MulVec(WJ.T(), r)

		// Damped solve, retried with increased damping until the step
		// reduces the cost
		accepted := false
		for lambda <= LM_LAMBDA_MAX {
			var Ad mat.Dense
			Ad.CloneFrom(&A)
			for j := 0; j < nx; j++ {
				Ad.Set(j, j, A.At(j, j)+lambda)
			}

			var dx mat.VecDense
			if err := dx.SolveVec(&Ad, &b); err != nil {
				lambda *= LM_LAMBDA_UP
				continue
			}

			x2 := make([]float64, nx)
			for j := 0; j < nx; j++ {
				x2[j] = x[j] + dx.AtVec(j)
			}
			cost2 := residualCost(p, x2, idx)
			if math.IsNaN(cost2) || cost2 > cost {
				lambda *= LM_LAMBDA_UP
				continue
			}

			// Step accepted
			copy(x, x2)
			converged := dx.Norm(2) < LM_STEP_TOL || cost-cost2 < LM_STEP_TOL*cost
			cost = cost2
			lambda *= LM_LAMBDA_DOWN
			if lambda < LM_COND_TOL {
				lambda = LM_COND_TOL
			}
			accepted = true
			if converged {
				return x, nil
			}
			break
		}

		if !accepted {
			// Initial guess already at a (possibly local) minimum
			if loop > 0 || cost < LM_STEP_TOL {
				return x, nil
			}
			return nil, fmt.Errorf("%w: damping exhausted without progress", ErrSingular)
		}
	}

	return x, nil
}

// residualCost returns the weighted sum of squared residuals of p at x over
// the readings selected by idx.
func residualCost(p FitProblem, x []float64, idx []int) float64 {
	s := 0.0
	for _, i := range idx {
		s += p.Weight(i) * SQ(p.Residual(x, i))
	}
	return s
}

// Covariance returns the parameter covariance of p at the converged estimate
// x over the readings idx: (J^t W J)^-1 scaled by the unit weight residual
// variance. Fails if the inlier Jacobian is rank deficient; the caller is
// expected to degrade to an absent covariance rather than abort.
func Covariance(p FitProblem, x []float64, idx []int) (*mat.SymDense, error) {
	n := len(idx)
	nx := p.NumUnknowns()
	if n <= nx {
		return nil, fmt.Errorf("%w: %d readings for %d unknowns", ErrSingular, n, nx)
	}

	J := mat.NewDense(n, nx, nil)
	w := make([]float64, n)
	row := make([]float64, nx)
	rss := 0.0
	for i, ri := range idx {
		p.JacobianRow(x, ri, row)
		J.SetRow(i, row)
		w[i] = p.Weight(ri)
		rss += w[i] * SQ(p.Residual(x, ri))
	}
	W := mat.NewDiagDense(n, w)

	var WJ mat.Dense
	WJ.Mul(W, J)
	var A mat.Dense
	A.Mul(J.T(), &WJ)

	var Ainv mat.Dense
	if err := Ainv.Inverse(&A); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSingular, err)
	}

	// Unit weight variance over the selected readings
	sigma2 := rss / float64(n-nx)

	cov := mat.NewSymDense(nx, nil)
	for j := 0; j < nx; j++ {
		for k := j; k < nx; k++ {
			cov.SetSym(j, k, sigma2*(Ainv.At(j, k)+Ainv.At(k, j))/2)
		}
	}
	return cov, nil
}
