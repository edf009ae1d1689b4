// Package loopclosing implements the single-threaded worker that detects
// loop candidates, validates them with Sim(3) alignment, fuses the loop,
// corrects the pose graph, and launches global bundle adjustment.
package loopclosing

import (
	"context"
	"math/rand"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"go.mapkit.dev/slammapper/geometry"
	"go.mapkit.dev/slammapper/logging"
	"go.mapkit.dev/slammapper/mapping"
	"go.mapkit.dev/slammapper/optimize"
	"go.mapkit.dev/slammapper/singleop"
	"go.mapkit.dev/slammapper/workerpool"
)

// Thresholds from spec.md §4.4.
const (
	temporalConsistencyCount = 3
	minSim3Inliers           = 20
	ransacIterations         = 200
	ransacSampleSize         = 3
	queueCapacity            = 64
)

// FeatureMatcher resolves ORB feature correspondences between two KFs via
// BoW, the collaborator black box LoopClosing relies on for Sim(3)
// estimation and loop fusion (spec.md §4.4 steps 2-3).
type FeatureMatcher interface {
	// MatchFeatures returns 3D point correspondences (in each KF's local
	// frame) for features that match by descriptor/BoW between a and b.
	MatchFeatures(a, b *mapping.KeyFrame) (srcPoints, dstPoints []r3.Vector, err error)
}

// LoopClosing is the loop-detection/correction worker.
type LoopClosing struct {
	log     logging.Logger
	m       *mapping.Map
	db      *mapping.KeyFrameDatabase
	matcher FeatureMatcher
	solver  optimize.Solver
	lm      LocalMappingController

	gba *singleop.Manager

	queueCh chan *mapping.KeyFrame

	consistency []consistentCandidate
	worker      *workerpool.Worker
}

// LocalMappingController is the subset of localmapping.LocalMapping this
// package needs for the pause/resume handshake before loop fusion.
type LocalMappingController interface {
	Worker() *workerpool.Worker
}

// Submit implements localmapping.Downstream: every KF LocalMapping finishes
// processing is handed here, per spec.md §2's "a KF always traverses
// LocalMapping fully before LoopClosing" ordering guarantee.
func (lc *LoopClosing) Submit(kf *mapping.KeyFrame) {
	select {
	case lc.queueCh <- kf:
	default:
		lc.log.Warnw("loop closing queue full, dropping keyframe", "kf_id", kf.ID)
	}
}

type consistentCandidate struct {
	groupRepresentative uint64
	count               int
}

// New constructs a LoopClosing worker.
func New(log logging.Logger, m *mapping.Map, db *mapping.KeyFrameDatabase, matcher FeatureMatcher, solver optimize.Solver, lm LocalMappingController) *LoopClosing {
	return &LoopClosing{
		log:     log,
		m:       m,
		db:      db,
		matcher: matcher,
		solver:  solver,
		lm:      lm,
		gba:     &singleop.Manager{},
		queueCh: make(chan *mapping.KeyFrame, queueCapacity),
	}
}

// Run starts the worker loop.
func (lc *LoopClosing) Run() *workerpool.Worker {
	lc.worker = workerpool.Run(func(ctx context.Context, w *workerpool.Worker) {
		for {
			select {
			case <-ctx.Done():
				return
			case kf := <-lc.queueCh:
				if err := lc.process(ctx, kf); err != nil {
					lc.log.Warnw("loop closing pipeline failed", "kf_id", kf.ID, "error", err)
				}
				w.CheckPause(ctx)
			}
		}
	})
	return lc.worker
}

func (lc *LoopClosing) process(ctx context.Context, q *mapping.KeyFrame) error {
	candidate, ok := lc.detectCandidate(q)
	if !ok {
		return nil
	}

	c, ok := lc.m.GetKeyFrame(candidate)
	if !ok {
		return nil
	}

	q.SetNotErase()
	c.SetNotErase()
	defer lc.setEraseAndCommit(q)
	defer lc.setEraseAndCommit(c)

	sim3, inliers, err := lc.computeSim3(c, q)
	if err != nil {
		lc.log.Debugw("sim3 validation rejected candidate", "q", q.ID, "c", c.ID, "error", err)
		return nil
	}
	if inliers < minSim3Inliers {
		// Transient compute failure (spec.md §7): silently reject.
		return nil
	}

	if lc.lm != nil {
		if w := lc.lm.Worker(); w != nil {
			w.RequestPause()
			defer w.Resume()
		}
	}

	lc.fuseLoop(q, c, sim3)
	q.AddLoopEdge(c.ID)
	c.AddLoopEdge(q.ID)
	lc.m.BumpBigChange()

	if err := lc.correctEssentialGraph(q, c, sim3); err != nil {
		lc.log.Warnw("essential graph optimisation failed", "error", err)
	}

	lc.launchGlobalBA(ctx)
	return nil
}

// setEraseAndCommit clears a KF's not-erase pin and, if a cull request had
// been deferred while it was pinned, commits that cull now so a bad-flagged
// KF never stays live with un-reparented children (spec.md §9 open question
// 3, mapping.KeyFrame.SetErase's commitCull return).
func (lc *LoopClosing) setEraseAndCommit(kf *mapping.KeyFrame) {
	if !kf.SetErase() {
		return
	}
	if _, err := lc.m.CullKeyFrame(kf.ID); err != nil {
		lc.log.Warnw("deferred keyframe cull failed", "kf_id", kf.ID, "error", err)
	}
}

// detectCandidate implements spec.md §4.4 step 1: query loop candidates and
// require 3 consecutive KFs producing a candidate in the same covisibility
// group before accepting.
func (lc *LoopClosing) detectCandidate(q *mapping.KeyFrame) (uint64, bool) {
	candidates := lc.db.LoopCandidates(q, lc.m)
	if len(candidates) == 0 {
		lc.consistency = nil
		return 0, false
	}

	best := candidates[0]
	var matched *consistentCandidate
	for i := range lc.consistency {
		if lc.sameGroup(lc.consistency[i].groupRepresentative, best.KeyFrameID) {
			matched = &lc.consistency[i]
			break
		}
	}
	if matched == nil {
		lc.consistency = append(lc.consistency, consistentCandidate{groupRepresentative: best.KeyFrameID, count: 1})
		return 0, false
	}
	matched.count++
	matched.groupRepresentative = best.KeyFrameID
	if matched.count < temporalConsistencyCount {
		return 0, false
	}
	lc.consistency = nil
	return best.KeyFrameID, true
}

func (lc *LoopClosing) sameGroup(a, b uint64) bool {
	if a == b {
		return true
	}
	kf, ok := lc.m.GetKeyFrame(a)
	if !ok {
		return false
	}
	for _, peer := range kf.BestCovisible(-1) {
		if peer == b {
			return true
		}
	}
	return false
}

// computeSim3 implements spec.md §4.4 step 2: RANSAC seed via
// geometry.EstimateSim3 followed by a refinement solve, gated on inlier
// count.
func (lc *LoopClosing) computeSim3(c, q *mapping.KeyFrame) (geometry.Sim3, int, error) {
	if lc.matcher == nil {
		return geometry.Sim3{}, 0, errors.New("loopclosing: no feature matcher configured")
	}
	src, dst, err := lc.matcher.MatchFeatures(c, q)
	if err != nil {
		return geometry.Sim3{}, 0, err
	}
	if len(src) < ransacSampleSize {
		return geometry.Sim3{}, 0, errors.New("loopclosing: too few correspondences for RANSAC")
	}

	rng := rand.New(rand.NewSource(int64(q.ID)*2654435761 + int64(c.ID)))
	const inlierThreshold = 0.05 * 0.05

	var best geometry.Sim3
	bestInliers := -1
	for iter := 0; iter < ransacIterations; iter++ {
		idxs := sampleIndices(rng, len(src), ransacSampleSize)
		sampleSrc := make([]r3.Vector, len(idxs))
		sampleDst := make([]r3.Vector, len(idxs))
		for i, idx := range idxs {
			sampleSrc[i] = src[idx]
			sampleDst[i] = dst[idx]
		}
		sim, err := geometry.EstimateSim3(sampleSrc, sampleDst)
		if err != nil {
			continue
		}
		inliers := 0
		for i := range src {
			predicted := sim.Apply(src[i])
			d := predicted.Sub(dst[i])
			if d.Dot(d) < inlierThreshold {
				inliers++
			}
		}
		if inliers > bestInliers {
			bestInliers = inliers
			best = sim
		}
	}
	if bestInliers < 0 {
		return geometry.Sim3{}, 0, errors.New("loopclosing: RANSAC found no valid sample")
	}

	// Refine using all inliers under the seed transform.
	var refinedSrc, refinedDst []r3.Vector
	for i := range src {
		predicted := best.Apply(src[i])
		d := predicted.Sub(dst[i])
		if d.Dot(d) < inlierThreshold {
			refinedSrc = append(refinedSrc, src[i])
			refinedDst = append(refinedDst, dst[i])
		}
	}
	if len(refinedSrc) >= ransacSampleSize {
		if refined, err := geometry.EstimateSim3(refinedSrc, refinedDst); err == nil {
			best = refined
		}
	}

	return best, len(refinedSrc), nil
}

func sampleIndices(rng *rand.Rand, n, k int) []int {
	if k >= n {
		out := make([]int, n)
		for i := range out {
			out[i] = i
		}
		return out
	}
	perm := rng.Perm(n)
	return perm[:k]
}

// fuseLoop implements spec.md §4.4 step 3: project MPs observed by c and its
// covisibles into q using sim3, and fuse duplicates.
func (lc *LoopClosing) fuseLoop(q, c *mapping.KeyFrame, sim3 geometry.Sim3) {
	loopKFs := append([]uint64{c.ID}, c.BestCovisible(-1)...)
	qPose := q.Pose()

	for _, kfID := range loopKFs {
		kf, ok := lc.m.GetKeyFrame(kfID)
		if !ok {
			continue
		}
		for _, mpID := range kf.ObservedMapPoints() {
			mp, ok := lc.m.ResolveMapPoint(mpID)
			if !ok {
				continue
			}
			worldPos := sim3.Apply(mp.Position())
			camPos := qPose.Apply(worldPos)
			if camPos.Z <= 0 {
				continue
			}
			idx := lc.closestFeature(q, camPos)
			if idx < 0 {
				continue
			}
			existing, has := q.Observation(idx)
			if !has {
				q.SetObservation(idx, mp.ID)
				mp.AddObservation(q.ID, idx)
				continue
			}
			if existing == mp.ID {
				continue
			}
			existingMP, ok := lc.m.ResolveMapPoint(existing)
			if !ok {
				q.SetObservation(idx, mp.ID)
				mp.AddObservation(q.ID, idx)
				continue
			}
			keep, drop := mp.ID, existing
			if existingMP.ObservationCount() > mp.ObservationCount() {
				keep, drop = existing, mp.ID
			}
			_ = lc.m.ReplaceMapPoint(drop, keep)
		}
	}

	for _, kfID := range append(loopKFs, q.ID) {
		if kf, ok := lc.m.GetKeyFrame(kfID); ok {
			lc.recomputeCovisibility(kf)
		}
	}
}

func (lc *LoopClosing) closestFeature(kf *mapping.KeyFrame, camPos r3.Vector) int {
	if camPos.Z <= 0 {
		return -1
	}
	u := kf.Intrinsics.FX*camPos.X/camPos.Z + kf.Intrinsics.CX
	v := kf.Intrinsics.FY*camPos.Y/camPos.Z + kf.Intrinsics.CY
	best := -1
	bestDist := 4.0 * 4.0
	for i, f := range kf.Features {
		du := float64(f.X) - u
		dv := float64(f.Y) - v
		d := du*du + dv*dv
		if d < bestDist {
			bestDist = d
			best = i
		}
	}
	return best
}

func (lc *LoopClosing) recomputeCovisibility(kf *mapping.KeyFrame) {
	weights := make(map[uint64]int)
	for _, mpID := range kf.ObservedMapPoints() {
		mp, ok := lc.m.ResolveMapPoint(mpID)
		if !ok {
			continue
		}
		for peerID := range mp.Observations() {
			if peerID != kf.ID {
				weights[peerID]++
			}
		}
	}
	for peerID, w := range weights {
		kf.SetCovisibilityWeight(peerID, w)
		if peer, ok := lc.m.GetKeyFrame(peerID); ok {
			peer.SetCovisibilityWeight(kf.ID, w)
		}
	}
}

// launchGlobalBA implements spec.md §4.4 step 5. GBA runs detached; a new
// loop closure calling this again aborts the in-flight run via singleop.
func (lc *LoopClosing) launchGlobalBA(parent context.Context) {
	ctx, gen, done := lc.gba.Start(parent)
	goutils.PanicCapturingGo(func() {
		defer done()
		lc.runGlobalBA(ctx, gen)
	})
}

func (lc *LoopClosing) runGlobalBA(ctx context.Context, generation uint64) {
	allKFs := lc.m.AllKeyFrames()
	for _, kf := range allKFs {
		kf.SnapshotForGBA(0)
	}

	problem, kfSet, mpSet := buildGlobalBAProblem(lc.m)
	if lc.solver == nil || len(problem.Residuals) == 0 {
		return
	}

	result, err := lc.solver.Solve(problem)
	if err != nil {
		lc.log.Warnw("global bundle adjustment failed", "error", err)
		return
	}
	if lc.gba.Superseded(generation) {
		lc.log.Debugw("global bundle adjustment aborted by newer loop closure")
		return
	}

	lc.m.LockGlobalPoseForGBA()
	defer lc.m.UnlockGlobalPoseForGBA()

	if lc.gba.Superseded(generation) {
		return
	}
	applyGlobalBAResult(result, kfSet, mpSet)
	propagateGBACorrections(lc.m, kfSet, mpSet)
	lc.m.BumpBigChange()
}

// correctEssentialGraph implements spec.md §4.4 step 4.
func (lc *LoopClosing) correctEssentialGraph(q, c *mapping.KeyFrame, sim3 geometry.Sim3) error {
	if lc.solver == nil {
		return nil
	}
	problem, kfSet := buildEssentialGraphProblem(lc.m, q, c, sim3)
	if len(problem.Residuals) == 0 {
		return nil
	}
	result, err := lc.solver.Solve(problem)
	if err != nil {
		return err
	}
	applyEssentialGraphResult(result, kfSet)
	return nil
}
