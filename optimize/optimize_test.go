package optimize_test

import (
	"testing"

	"go.viam.com/test"

	"go.mapkit.dev/slammapper/optimize"
)

// quadraticProblem builds a 1-D problem whose residual is (x - target), so
// the minimum sits at x == target.
func quadraticProblem(start, target float64) optimize.Problem {
	return optimize.Problem{
		Variables: []optimize.Variable{{ID: 1, Values: []float64{start}}},
		Residuals: []optimize.Residual{
			{
				VarIndices: []int{0},
				Dim:        1,
				Eval: func(vars [][]float64) []float64 {
					return []float64{vars[0][0] - target}
				},
			},
		},
	}
}

func TestDefaultSolverConverges(t *testing.T) {
	s := &optimize.DefaultSolver{}
	result, err := s.Solve(quadraticProblem(0, 5))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, result.Converged, test.ShouldBeTrue)
	test.That(t, result.Values[1][0], test.ShouldAlmostEqual, 5.0, 1e-3)
}

func TestDefaultSolverHoldsFixedVariablesConstant(t *testing.T) {
	p := optimize.Problem{
		Variables: []optimize.Variable{
			{ID: 1, Values: []float64{10}, Fixed: true},
			{ID: 2, Values: []float64{0}},
		},
		Residuals: []optimize.Residual{
			{
				VarIndices: []int{0, 1},
				Dim:        1,
				Eval: func(vars [][]float64) []float64 {
					return []float64{vars[1][0] - vars[0][0]}
				},
			},
		},
	}

	s := &optimize.DefaultSolver{}
	result, err := s.Solve(p)
	test.That(t, err, test.ShouldBeNil)
	_, fixedReturned := result.Values[1]
	test.That(t, fixedReturned, test.ShouldBeFalse)
	test.That(t, result.Values[2][0], test.ShouldAlmostEqual, 10.0, 1e-3)
}

func TestDefaultSolverWithNoFreeVariablesEvaluatesOnce(t *testing.T) {
	p := optimize.Problem{
		Variables: []optimize.Variable{{ID: 1, Values: []float64{3}, Fixed: true}},
		Residuals: []optimize.Residual{
			{
				VarIndices: []int{0},
				Dim:        1,
				Eval: func(vars [][]float64) []float64 {
					return []float64{vars[0][0] - 3}
				},
			},
		},
	}

	s := &optimize.DefaultSolver{}
	result, err := s.Solve(p)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, result.Converged, test.ShouldBeTrue)
	test.That(t, result.FinalCost, test.ShouldAlmostEqual, 0.0, 1e-9)
}

func TestDefaultSolverDropsOutlierResiduals(t *testing.T) {
	residuals := make([]optimize.Residual, 0, 6)
	for i := 0; i < 5; i++ {
		residuals = append(residuals, optimize.Residual{
			VarIndices: []int{0},
			Dim:        1,
			Eval: func(vars [][]float64) []float64 {
				return []float64{vars[0][0] - 1}
			},
		})
	}
	// A single gross outlier among five consistent measurements at x == 1.
	residuals = append(residuals, optimize.Residual{
		VarIndices: []int{0},
		Dim:        1,
		Eval: func(vars [][]float64) []float64 {
			return []float64{vars[0][0] - 1000}
		},
	})

	p := optimize.Problem{
		Variables:          []optimize.Variable{{ID: 1, Values: []float64{0}}},
		Residuals:          residuals,
		ChiSquareThreshold: 100000,
	}

	s := &optimize.DefaultSolver{OutlierPasses: 1}
	result, err := s.Solve(p)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(result.DroppedResidualIndices), test.ShouldEqual, 1)
	test.That(t, result.DroppedResidualIndices[0], test.ShouldEqual, 5)
	test.That(t, result.Values[1][0], test.ShouldAlmostEqual, 1.0, 1e-2)
}
