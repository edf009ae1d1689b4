package loopclosing

import (
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"

	"go.mapkit.dev/slammapper/geometry"
	"go.mapkit.dev/slammapper/mapping"
	"go.mapkit.dev/slammapper/optimize"
)

func poseVarID(kfID uint64) uint64 { return kfID<<1 | 0 }
func mpVarID(mpID uint64) uint64   { return mpID<<1 | 1 }

func poseToValues(p geometry.Pose) []float64 {
	return []float64{p.R.Real, p.R.Imag, p.R.Jmag, p.R.Kmag, p.T.X, p.T.Y, p.T.Z}
}

func valuesToPose(v []float64) geometry.Pose {
	return geometry.NewPose(quat.Number{Real: v[0], Imag: v[1], Jmag: v[2], Kmag: v[3]}, r3.Vector{X: v[4], Y: v[5], Z: v[6]})
}

// buildGlobalBAProblem implements spec.md §4.4 step 5's "full BA over all
// KFs and MPs": every live KF pose and MP position is free except one
// anchor root KF, held fixed to remove the global gauge freedom.
func buildGlobalBAProblem(m *mapping.Map) (optimize.Problem, map[uint64]*mapping.KeyFrame, map[uint64]*mapping.MapPoint) {
	kfs := m.AllKeyFrames()
	mps := m.AllMapPoints()

	kfSet := make(map[uint64]*mapping.KeyFrame, len(kfs))
	var anchor uint64
	haveAnchor := false
	for _, kf := range kfs {
		if kf.IsBad() {
			continue
		}
		kfSet[kf.ID] = kf
		if !haveAnchor {
			if _, hasParent := kf.Parent(); !hasParent {
				anchor = kf.ID
				haveAnchor = true
			}
		}
	}

	mpSet := make(map[uint64]*mapping.MapPoint, len(mps))
	for _, mp := range mps {
		if !mp.IsBad() {
			mpSet[mp.ID] = mp
		}
	}

	var vars []optimize.Variable
	varIndex := make(map[uint64]int)
	for _, kf := range kfSet {
		id := poseVarID(kf.ID)
		varIndex[id] = len(vars)
		vars = append(vars, optimize.Variable{ID: id, Values: poseToValues(kf.Pose()), Fixed: haveAnchor && kf.ID == anchor})
	}
	for _, mp := range mpSet {
		id := mpVarID(mp.ID)
		pos := mp.Position()
		varIndex[id] = len(vars)
		vars = append(vars, optimize.Variable{ID: id, Values: []float64{pos.X, pos.Y, pos.Z}})
	}

	var residuals []optimize.Residual
	for _, kf := range kfSet {
		for idx := range kf.Features {
			mpID, ok := kf.Observation(idx)
			if !ok {
				continue
			}
			mp, ok := mpSet[mpID]
			if !ok {
				continue
			}
			poseIdx, ok1 := varIndex[poseVarID(kf.ID)]
			mpIdx, ok2 := varIndex[mpVarID(mp.ID)]
			if !ok1 || !ok2 {
				continue
			}
			feature := kf.Features[idx]
			intr := kf.Intrinsics
			residuals = append(residuals, optimize.Residual{
				VarIndices: []int{poseIdx, mpIdx},
				Dim:        2,
				Eval: func(args [][]float64) []float64 {
					pose := valuesToPose(args[0])
					pos := r3.Vector{X: args[1][0], Y: args[1][1], Z: args[1][2]}
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
	}

	return optimize.Problem{
		Variables:          vars,
		Residuals:          residuals,
		ChiSquareThreshold: 5.99,
		MaxIterations:      50,
	}, kfSet, mpSet
}

func applyGlobalBAResult(result optimize.Result, kfSet map[uint64]*mapping.KeyFrame, mpSet map[uint64]*mapping.MapPoint) {
	for id, kf := range kfSet {
		if v, ok := result.Values[poseVarID(id)]; ok && len(v) == 7 {
			kf.SetPose(valuesToPose(v))
		}
	}
	for id, mp := range mpSet {
		if v, ok := result.Values[mpVarID(id)]; ok && len(v) == 3 {
			mp.SetPosition(r3.Vector{X: v[0], Y: v[1], Z: v[2]})
		}
	}
}

// propagateGBACorrections implements spec.md §4.4 step 5's correction
// propagation: any KF/MP created during the GBA run (one that never took a
// SnapshotForGBA, or whose reference KF moved) is updated by composing its
// pose with its reference KF's correction, rather than overwritten outright.
func propagateGBACorrections(m *mapping.Map, kfSet map[uint64]*mapping.KeyFrame, mpSet map[uint64]*mapping.MapPoint) {
	for _, kf := range m.AllKeyFrames() {
		if _, ok := kfSet[kf.ID]; ok {
			kf.ClearGBASnapshot()
			continue
		}
		parentID, hasParent := kf.Parent()
		if !hasParent {
			continue
		}
		parent, ok := kfSet[parentID]
		if !ok {
			continue
		}
		before, _, hadSnapshot := parent.GBASnapshot()
		if !hadSnapshot {
			continue
		}
		after := parent.Pose()
		correction := before.Inverse().Compose(after)
		kf.SetPose(kf.Pose().Compose(correction))
	}
	for _, mp := range m.AllMapPoints() {
		if _, ok := mpSet[mp.ID]; ok {
			continue
		}
		refKF, ok := m.GetKeyFrame(mp.ReferenceKF())
		if !ok {
			continue
		}
		before, _, hadSnapshot := refKF.GBASnapshot()
		if !hadSnapshot {
			continue
		}
		after := refKF.Pose()
		correction := before.Inverse().Compose(after)
		mp.SetPosition(correction.Apply(mp.Position()))
	}
}

// buildEssentialGraphProblem implements spec.md §4.4 step 4: a pose-graph
// problem over the spanning tree ∪ loop edges ∪ strong covisibility edges
// (weight >= 100). Each edge's residual penalizes deviation of the relative
// transform from the value observed right before optimisation (the loop
// edge between q and c uses sim3's rigid component as its measurement).
func buildEssentialGraphProblem(m *mapping.Map, q, c *mapping.KeyFrame, sim3 geometry.Sim3) (optimize.Problem, map[uint64]*mapping.KeyFrame) {
	kfs := m.AllKeyFrames()
	kfSet := make(map[uint64]*mapping.KeyFrame, len(kfs))
	for _, kf := range kfs {
		if !kf.IsBad() {
			kfSet[kf.ID] = kf
		}
	}

	var vars []optimize.Variable
	varIndex := make(map[uint64]int)
	var anchor uint64
	haveAnchor := false
	for _, kf := range kfSet {
		if !haveAnchor {
			if _, hasParent := kf.Parent(); !hasParent {
				anchor = kf.ID
				haveAnchor = true
			}
		}
		varIndex[kf.ID] = len(vars)
		vars = append(vars, optimize.Variable{ID: poseVarID(kf.ID), Values: poseToValues(kf.Pose()), Fixed: haveAnchor && kf.ID == anchor})
	}

	type edge struct {
		a, b        uint64
		measurement geometry.Pose
	}
	var edges []edge
	seen := make(map[[2]uint64]struct{})
	addEdge := func(a, b uint64, measurement geometry.Pose) {
		key := [2]uint64{a, b}
		if a > b {
			key = [2]uint64{b, a}
		}
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		edges = append(edges, edge{a: a, b: b, measurement: measurement})
	}

	relativeMeasurement := func(a, b *mapping.KeyFrame) geometry.Pose {
		return a.Pose().Inverse().Compose(b.Pose())
	}

	for _, kf := range kfSet {
		if parentID, ok := kf.Parent(); ok {
			if parent, ok := kfSet[parentID]; ok {
				addEdge(parentID, kf.ID, relativeMeasurement(parent, kf))
			}
		}
		for _, peerID := range kf.StrongCovisible() {
			if peer, ok := kfSet[peerID]; ok {
				addEdge(kf.ID, peerID, relativeMeasurement(kf, peer))
			}
		}
		for _, peerID := range kf.LoopEdges() {
			if peer, ok := kfSet[peerID]; ok {
				if kf.ID == q.ID && peerID == c.ID || kf.ID == c.ID && peerID == q.ID {
					addEdge(kf.ID, peerID, sim3Rigid(sim3))
					continue
				}
				addEdge(kf.ID, peerID, relativeMeasurement(kf, peer))
			}
		}
	}

	var residuals []optimize.Residual
	for _, e := range edges {
		aIdx, ok1 := varIndex[e.a]
		bIdx, ok2 := varIndex[e.b]
		if !ok1 || !ok2 {
			continue
		}
		measurement := e.measurement
		residuals = append(residuals, optimize.Residual{
			VarIndices: []int{aIdx, bIdx},
			Dim:        7,
			Eval: func(args [][]float64) []float64 {
				a := valuesToPose(args[0])
				b := valuesToPose(args[1])
				relative := a.Inverse().Compose(b)
				dv := poseToValues(relative)
				mv := poseToValues(measurement)
				out := make([]float64, 7)
				for i := range out {
					out[i] = dv[i] - mv[i]
				}
				return out
			},
		})
	}

	return optimize.Problem{
		Variables:     vars,
		Residuals:     residuals,
		MaxIterations: 30,
	}, kfSet
}

func applyEssentialGraphResult(result optimize.Result, kfSet map[uint64]*mapping.KeyFrame) {
	for id, kf := range kfSet {
		if v, ok := result.Values[poseVarID(id)]; ok && len(v) == 7 {
			kf.SetPose(valuesToPose(v))
		}
	}
}

func sim3Rigid(s geometry.Sim3) geometry.Pose {
	return geometry.NewPose(s.R, s.T)
}
