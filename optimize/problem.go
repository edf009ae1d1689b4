// Package optimize treats the nonlinear optimiser as a black box: a Problem
// describes variables and residuals, a Solver minimizes it. Local BA, global
// BA, and essential-graph pose-graph optimisation are all different Problem
// constructions solved by the same Solver.
package optimize

// Variable is one optimisable block (a KF pose or an MP position), addressed
// by index into the flattened parameter vector. Fixed variables are held
// constant by the solver but still participate in residual evaluation.
type Variable struct {
	ID     uint64
	Values []float64
	Fixed  bool
}

// Residual evaluates one error term given the current values of the
// variables it depends on (in the order listed in VarIndices), returning the
// residual vector; the solver estimates derivatives numerically.
type Residual struct {
	VarIndices []int
	Dim        int
	Eval       func(vars [][]float64) []float64
}

// Problem is a set of variables and residuals to jointly minimize in the
// least-squares sense: sum_i ||residual_i||^2.
type Problem struct {
	Variables []Variable
	Residuals []Residual

	// ChiSquareThreshold, if > 0, makes Solve drop residuals whose squared
	// norm exceeds it between outlier passes and re-solve without them
	// (outlier rejection for BA; see DefaultSolver.OutlierPasses).
	ChiSquareThreshold float64
	MaxIterations      int
}

// Result is the outcome of a Solve call.
type Result struct {
	// Values holds the solved values for every non-fixed variable, keyed
	// by Variable.ID.
	Values map[uint64][]float64
	// DroppedResidualIndices lists residuals excluded as outliers.
	DroppedResidualIndices []int
	Iterations             int
	FinalCost              float64
	Converged              bool
}

// Solver minimizes a Problem.
type Solver interface {
	Solve(p Problem) (Result, error)
}
