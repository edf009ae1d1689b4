package optimize

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/diff/fd"
	gonumopt "gonum.org/v1/gonum/optimize"
)

// DefaultSolver is a least-squares solver built on
// gonum.org/v1/gonum/optimize: it minimizes the summed squared residual norm
// with BFGS, using a numerically estimated gradient (gonum.org/v1/gonum/diff/fd),
// and rejects outlier residuals between passes per Problem.ChiSquareThreshold.
type DefaultSolver struct {
	// OutlierPasses bounds how many times outlier residuals are dropped
	// and the problem re-solved. Zero means one solve, no rejection pass.
	OutlierPasses int
}

// Solve implements Solver.
func (s *DefaultSolver) Solve(p Problem) (Result, error) {
	active := make([]int, len(p.Residuals))
	for i := range active {
		active[i] = i
	}

	var (
		result     Result
		err        error
		allDropped []int
	)
	passes := s.OutlierPasses
	if passes < 0 {
		passes = 0
	}

	for pass := 0; pass <= passes; pass++ {
		result, err = s.solveOnce(p, active)
		if err != nil {
			return Result{}, err
		}
		if p.ChiSquareThreshold <= 0 || pass == passes {
			break
		}

		kept, dropped := rejectOutliers(p, active, result, p.ChiSquareThreshold)
		if len(dropped) == 0 {
			break
		}
		allDropped = append(allDropped, dropped...)
		active = kept
	}

	result.DroppedResidualIndices = allDropped
	return result, nil
}

func (s *DefaultSolver) solveOnce(p Problem, activeResiduals []int) (Result, error) {
	layout, x0 := buildLayout(p.Variables)
	if len(x0) == 0 {
		// Nothing free to optimize; evaluate once at the fixed point.
		cost := evalCost(p, activeResiduals, layout, nil)
		return Result{Values: currentValues(p.Variables), FinalCost: cost, Converged: true}, nil
	}

	fn := func(x []float64) float64 {
		return evalCost(p, activeResiduals, layout, x)
	}
	grad := func(grad, x []float64) {
		fd.Gradient(grad, fn, x, nil)
	}

	problem := gonumopt.Problem{Func: fn, Grad: grad}

	maxIter := p.MaxIterations
	if maxIter <= 0 {
		maxIter = 50
	}

	res, err := gonumopt.Minimize(problem, x0, &gonumopt.Settings{
		MajorIterations: maxIter,
	}, &gonumopt.BFGS{})
	if err != nil && res == nil {
		return Result{}, errors.Wrap(err, "optimize: solve failed")
	}

	values := applyLayout(p.Variables, layout, res.X)
	return Result{
		Values:     values,
		Iterations: res.Stats.MajorIterations,
		FinalCost:  res.F,
		Converged:  res.Status == gonumopt.Success || res.Status == gonumopt.FunctionConvergence || res.Status == gonumopt.GradientThreshold,
	}, nil
}

type varLayout struct {
	offsets map[uint64]int
	dims    map[uint64]int
}

func buildLayout(vars []Variable) (varLayout, []float64) {
	layout := varLayout{offsets: map[uint64]int{}, dims: map[uint64]int{}}
	var x0 []float64
	for _, v := range vars {
		if v.Fixed {
			continue
		}
		layout.offsets[v.ID] = len(x0)
		layout.dims[v.ID] = len(v.Values)
		x0 = append(x0, v.Values...)
	}
	return layout, x0
}

func applyLayout(vars []Variable, layout varLayout, x []float64) map[uint64][]float64 {
	out := make(map[uint64][]float64, len(vars))
	for _, v := range vars {
		if v.Fixed {
			continue
		}
		off, dim := layout.offsets[v.ID], layout.dims[v.ID]
		out[v.ID] = append([]float64{}, x[off:off+dim]...)
	}
	return out
}

func currentValues(vars []Variable) map[uint64][]float64 {
	out := make(map[uint64][]float64, len(vars))
	for _, v := range vars {
		if !v.Fixed {
			out[v.ID] = v.Values
		}
	}
	return out
}

func evalCost(p Problem, activeResiduals []int, layout varLayout, x []float64) float64 {
	byID := make(map[uint64][]float64, len(p.Variables))
	for _, v := range p.Variables {
		if v.Fixed {
			byID[v.ID] = v.Values
			continue
		}
		off, dim := layout.offsets[v.ID], layout.dims[v.ID]
		if x == nil {
			byID[v.ID] = v.Values
			continue
		}
		byID[v.ID] = x[off : off+dim]
	}

	var cost float64
	for _, idx := range activeResiduals {
		r := p.Residuals[idx]
		args := make([][]float64, len(r.VarIndices))
		for i, vi := range r.VarIndices {
			args[i] = byID[p.Variables[vi].ID]
		}
		res := r.Eval(args)
		for _, v := range res {
			cost += v * v
		}
	}
	return cost
}

func rejectOutliers(p Problem, active []int, result Result, threshold float64) (kept, dropped []int) {
	valuesByID := result.Values
	for _, v := range p.Variables {
		if v.Fixed {
			continue
		}
		if _, ok := valuesByID[v.ID]; !ok {
			valuesByID[v.ID] = v.Values
		}
	}

	for _, idx := range active {
		r := p.Residuals[idx]
		args := make([][]float64, len(r.VarIndices))
		for i, vi := range r.VarIndices {
			id := p.Variables[vi].ID
			if vals, ok := valuesByID[id]; ok {
				args[i] = vals
			} else {
				args[i] = p.Variables[vi].Values
			}
		}
		res := r.Eval(args)
		var sq float64
		for _, v := range res {
			sq += v * v
		}
		if sq > threshold {
			dropped = append(dropped, idx)
		} else {
			kept = append(kept, idx)
		}
	}
	return kept, dropped
}
