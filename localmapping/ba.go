package localmapping

import (
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"

	"go.mapkit.dev/slammapper/geometry"
	"go.mapkit.dev/slammapper/mapping"
	"go.mapkit.dev/slammapper/optimize"
)

// poseVarID/mpVarID namespace KF and MP ids into the shared optimize.Variable
// id space, since both share the uint64 id domain otherwise.
func poseVarID(kfID uint64) uint64 { return kfID<<1 | 0 }
func mpVarID(mpID uint64) uint64   { return mpID<<1 | 1 }

func poseToValues(p geometry.Pose) []float64 {
	return []float64{p.R.Real, p.R.Imag, p.R.Jmag, p.R.Kmag, p.T.X, p.T.Y, p.T.Z}
}

func valuesToPose(v []float64) geometry.Pose {
	return geometry.NewPose(quat.Number{Real: v[0], Imag: v[1], Jmag: v[2], Kmag: v[3]}, r3.Vector{X: v[4], Y: v[5], Z: v[6]})
}

func vec3(a [3]float64) r3.Vector { return r3.Vector{X: a[0], Y: a[1], Z: a[2]} }

// buildLocalBAProblem assembles spec.md §4.3 step 5's local BA problem: pose
// variables for the current KF and its covisible window, position variables
// for every MP they observe, and fixed pose variables for outer KFs that
// observe those MPs but aren't in the window.
func buildLocalBAProblem(m *mapping.Map, windowIDs []uint64) (optimize.Problem, map[uint64]*mapping.KeyFrame, map[uint64]*mapping.MapPoint) {
	windowSet := make(map[uint64]struct{}, len(windowIDs))
	windowKFs := make(map[uint64]*mapping.KeyFrame)
	for _, id := range windowIDs {
		kf, ok := m.GetKeyFrame(id)
		if !ok || kf.IsBad() {
			continue
		}
		windowSet[id] = struct{}{}
		windowKFs[id] = kf
	}

	windowMPs := make(map[uint64]*mapping.MapPoint)
	for _, kf := range windowKFs {
		for _, mpID := range kf.ObservedMapPoints() {
			if mp, ok := m.ResolveMapPoint(mpID); ok && !mp.IsBad() {
				windowMPs[mp.ID] = mp
			}
		}
	}

	fixedKFs := make(map[uint64]*mapping.KeyFrame)
	for _, mp := range windowMPs {
		for obsKFID := range mp.Observations() {
			if _, inWindow := windowSet[obsKFID]; inWindow {
				continue
			}
			if kf, ok := m.GetKeyFrame(obsKFID); ok && !kf.IsBad() {
				fixedKFs[obsKFID] = kf
			}
		}
	}

	var vars []optimize.Variable
	varIndex := make(map[uint64]int)
	addKF := func(kf *mapping.KeyFrame, fixed bool) {
		id := poseVarID(kf.ID)
		if _, ok := varIndex[id]; ok {
			return
		}
		varIndex[id] = len(vars)
		vars = append(vars, optimize.Variable{ID: id, Values: poseToValues(kf.Pose()), Fixed: fixed})
	}
	for _, kf := range windowKFs {
		addKF(kf, false)
	}
	for _, kf := range fixedKFs {
		addKF(kf, true)
	}
	for _, mp := range windowMPs {
		id := mpVarID(mp.ID)
		pos := mp.Position()
		varIndex[id] = len(vars)
		vars = append(vars, optimize.Variable{ID: id, Values: []float64{pos.X, pos.Y, pos.Z}})
	}

	var residuals []optimize.Residual
	addResidual := func(kf *mapping.KeyFrame, mp *mapping.MapPoint, featureIdx int) {
		poseIdx, ok1 := varIndex[poseVarID(kf.ID)]
		mpIdx, ok2 := varIndex[mpVarID(mp.ID)]
		if !ok1 || !ok2 {
			return
		}
		feature := kf.Features[featureIdx]
		intr := kf.Intrinsics
		residuals = append(residuals, optimize.Residual{
			VarIndices: []int{poseIdx, mpIdx},
			Dim:        2,
			Eval: func(args [][]float64) []float64 {
				pose := valuesToPose(args[0])
				pos := vec3([3]float64{args[1][0], args[1][1], args[1][2]})
				cam := pose.Apply(pos)
				if cam.Z <= 1e-6 {
					return []float64{0, 0}
				}
				u := intr.FX*cam.X/cam.Z + intr.CX
				v := intr.FY*cam.Y/cam.Z + intr.CY
				return []float64{u - float64(feature.X), v - float64(feature.Y)}
			},
		})
	}

	for _, kf := range windowKFs {
		for idx := range kf.Features {
			if mpID, ok := kf.Observation(idx); ok {
				if mp, ok := windowMPs[mpID]; ok {
					addResidual(kf, mp, idx)
				}
			}
		}
	}
	for _, kf := range fixedKFs {
		for idx := range kf.Features {
			if mpID, ok := kf.Observation(idx); ok {
				if mp, ok := windowMPs[mpID]; ok {
					addResidual(kf, mp, idx)
				}
			}
		}
	}

	return optimize.Problem{
		Variables:          vars,
		Residuals:          residuals,
		ChiSquareThreshold: 5.99, // 2-DoF chi-square 95th percentile, mono reprojection gate
		MaxIterations:      20,
	}, windowKFs, windowMPs
}

// applyBAResult writes solved values back into the live KF poses and MP
// positions. Variables absent from the result (fixed, or dropped by a
// failed solve) are left untouched, so a failed BA keeps pre-BA poses per
// spec.md §7's "Transient compute failure" policy.
func applyBAResult(result optimize.Result, windowKFs map[uint64]*mapping.KeyFrame, windowMPs map[uint64]*mapping.MapPoint) {
	for id, kf := range windowKFs {
		if v, ok := result.Values[poseVarID(id)]; ok && len(v) == 7 {
			kf.SetPose(valuesToPose(v))
		}
	}
	for id, mp := range windowMPs {
		if v, ok := result.Values[mpVarID(id)]; ok && len(v) == 3 {
			mp.SetPosition(vec3([3]float64{v[0], v[1], v[2]}))
		}
	}
}
