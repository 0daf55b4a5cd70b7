package trilateration

import (
	"fmt"
	"log"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"

	"github.com/relabs-tech/ranging_survey/internal/geodesy"
)

const (
	polishIterations = 20
	polishStep       = 1e-10 // metres
)

type cartesianSolution struct {
	position   geodesy.ECEF
	residuals  []float64
	stdErr     float64
	cov        *mat.SymDense
	used       int
	iterations int
}

// solveCartesian runs the outlier loop on centroid-relative coordinates. outlier is
// updated in place; flags are never cleared.
func (s *Solver) solveCartesian(points []geodesy.ECEF, ranges []float64, outlier []bool, start geodesy.ECEF) (cartesianSolution, error) {
	sol := cartesianSolution{residuals: make([]float64, len(points)), position: start}
	for {
		var used []int
		for i := range points {
			if !outlier[i] {
				used = append(used, i)
			}
		}
		sol.used = len(used)
		if len(used) < minUsable {
			return sol, fmt.Errorf("%w: %d of %d left after outlier rejection", ErrInsufficientObservations, len(used), len(points))
		}

		sol.iterations++
		pos, cov := fit(points, ranges, used, sol.position)
		sol.position = pos
		sol.cov = cov

		var sumSq float64
		for i, p := range points {
			sol.residuals[i] = pos.Distance(p) - ranges[i]
		}
		for _, i := range used {
			sumSq += sol.residuals[i] * sol.residuals[i]
		}
		sol.stdErr = stdErr(sumSq, len(used))

		limit := math.Max(s.cfg.OutlierSigma*sol.stdErr, s.cfg.ResidualFloor)
		fresh := false
		for i, r := range sol.residuals {
			if math.Abs(r) >= limit && math.Abs(r) > s.cfg.ResidualFloor {
				if !outlier[i] {
					fresh = true
				}
				outlier[i] = true
			}
		}
		if !fresh {
			if sol.cov != nil {
				sol.cov.ScaleSym(sol.stdErr*sol.stdErr, sol.cov)
			}
			return sol, nil
		}
	}
}

// stdErr is the residual standard error of a fit with n ranges.
func stdErr(sumSq float64, n int) float64 {
	if n <= 2 {
		return 0
	}
	return math.Sqrt(sumSq / float64(n-2))
}

// fit minimises the squared range residuals of the used points with BFGS from x0,
// then refines with Gauss-Newton steps. It also returns (J'J)^-1 at the solution,
// or nil when the geometry is singular.
func fit(points []geodesy.ECEF, ranges []float64, used []int, x0 geodesy.ECEF) (geodesy.ECEF, *mat.SymDense) {
	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			p := geodesy.ECEF{X: x[0], Y: x[1], Z: x[2]}
			var f float64
			for _, i := range used {
				r := p.Distance(points[i]) - ranges[i]
				f += r * r
			}
			return f
		},
		Grad: func(grad, x []float64) {
			p := geodesy.ECEF{X: x[0], Y: x[1], Z: x[2]}
			grad[0], grad[1], grad[2] = 0, 0, 0
			for _, i := range used {
				d := p.Sub(points[i])
				dist := d.Norm()
				if dist == 0 {
					continue
				}
				k := 2 * (dist - ranges[i]) / dist
				grad[0] += k * d.X
				grad[1] += k * d.Y
				grad[2] += k * d.Z
			}
		},
	}
	settings := &optimize.Settings{GradientThreshold: 1e-9, MajorIterations: 1000}

	pos := x0
	result, err := optimize.Minimize(problem, x0.Vec(), settings, &optimize.BFGS{})
	if err != nil {
		log.Printf("trilateration: minimiser stopped early: %v", err)
	}
	if result != nil && len(result.X) == 3 {
		pos = geodesy.ECEF{X: result.X[0], Y: result.X[1], Z: result.X[2]}
	}
	return polish(points, ranges, used, pos)
}

// polish applies Gauss-Newton steps to pos.
func polish(points []geodesy.ECEF, ranges []float64, used []int, pos geodesy.ECEF) (geodesy.ECEF, *mat.SymDense) {
	jac := mat.NewDense(len(used), 3, nil)
	res := mat.NewVecDense(len(used), nil)

	normal := func(p geodesy.ECEF) (*mat.Cholesky, bool) {
		for row, i := range used {
			d := p.Sub(points[i])
			dist := d.Norm()
			if dist == 0 {
				return nil, false
			}
			jac.SetRow(row, []float64{d.X / dist, d.Y / dist, d.Z / dist})
			res.SetVec(row, dist-ranges[i])
		}
		var jtj mat.SymDense
		jtj.SymOuterK(1, jac.T())
		var chol mat.Cholesky
		if !chol.Factorize(&jtj) {
			return nil, false
		}
		return &chol, true
	}

	for iter := 0; iter < polishIterations; iter++ {
		chol, ok := normal(pos)
		if !ok {
			return pos, nil
		}
		var jtr, step mat.VecDense
		jtr.MulVec(jac.T(), res)
		if err := chol.SolveVecTo(&step, &jtr); err != nil {
			break
		}
		pos = pos.Sub(geodesy.ECEF{X: step.AtVec(0), Y: step.AtVec(1), Z: step.AtVec(2)})
		if math.Sqrt(mat.Dot(&step, &step)) < polishStep {
			break
		}
	}

	chol, ok := normal(pos)
	if !ok {
		return pos, nil
	}
	var inv mat.SymDense
	if err := chol.InverseTo(&inv); err != nil {
		return pos, nil
	}
	return pos, &inv
}
