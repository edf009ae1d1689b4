// Package localmapping implements the single-threaded worker that consumes
// queued keyframes: inserting them into the Map, triangulating new map
// points from covisible neighbours, fusing duplicates, running local bundle
// adjustment, and culling redundant keyframes.
package localmapping

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"

	"go.mapkit.dev/slammapper/logging"
	"go.mapkit.dev/slammapper/mapping"
	"go.mapkit.dev/slammapper/optimize"
	"go.mapkit.dev/slammapper/workerpool"
)

// Default thresholds from spec.md §4.3.
const (
	recentMPWindowKFs      = 3
	recentMPMinFoundRatio  = 0.25
	recentMPMinObservers   = 2
	cullObservedByRatio    = 0.9
	cullMinOtherObservers  = 3
	localBANeighbourCount  = 10
	queueBackpressureLimit = 20
)

// Matcher performs the tracker-collaborator work LocalMapping treats as a
// black box: epipolar-search feature matching and triangulation between two
// KFs, used in new-MP creation (spec.md §4.3 step 3). Implementations are
// supplied by the feature-extraction collaborator; this package only
// sequences the calls.
type Matcher interface {
	// MatchAndTriangulate returns candidate new MapPoints visible from both
	// kf1 and kf2, along with the feature index in each KF that observes
	// them. Implementations apply the epipolar/BoW search, reprojection,
	// parallax, and scale-consistency gates from spec.md §4.3 step 3
	// themselves; LocalMapping only inserts what is returned.
	MatchAndTriangulate(kf1, kf2 *mapping.KeyFrame) ([]TriangulatedPoint, error)
}

// TriangulatedPoint is a freshly triangulated 3D point plus the feature
// indices in each source KF that observe it.
type TriangulatedPoint struct {
	Position        [3]float64
	FeatureIdxInKF1 int
	FeatureIdxInKF2 int
}

// LocalMapping is the keyframe-insertion worker.
type LocalMapping struct {
	log     logging.Logger
	m       *mapping.Map
	db      *mapping.KeyFrameDatabase
	matcher Matcher
	solver  optimize.Solver

	// nextMPID issues ids from the LocalMapping-reserved stream
	// (mp.id % MapPointIDSpan == LocalMappingTrackerID).
	idMu    sync.Mutex
	nextMPID uint64

	queueMu     sync.Mutex
	queue       []*mapping.KeyFrame
	accepting   bool
	recentKFIDs []uint64

	worker *workerpool.Worker
}

// New constructs a LocalMapping worker over m and db, using matcher for the
// epipolar/triangulation black box and solver for local BA.
func New(log logging.Logger, m *mapping.Map, db *mapping.KeyFrameDatabase, matcher Matcher, solver optimize.Solver) *LocalMapping {
	return &LocalMapping{
		log:       log,
		m:         m,
		db:        db,
		matcher:   matcher,
		solver:    solver,
		nextMPID:  mapping.LocalMappingTrackerID,
		accepting: true,
	}
}

// AllocateMapPointID issues the next id in LocalMapping's reserved stream.
func (lm *LocalMapping) AllocateMapPointID() uint64 {
	lm.idMu.Lock()
	defer lm.idMu.Unlock()
	id := lm.nextMPID
	lm.nextMPID += mapping.MapPointIDSpan
	return id
}

// ResetIDStream re-seeds the reserved MapPoint id stream, called by the
// Mapper façade on reset() per DESIGN.md's Open Question 1 resolution.
func (lm *LocalMapping) ResetIDStream() {
	lm.idMu.Lock()
	defer lm.idMu.Unlock()
	lm.nextMPID = mapping.LocalMappingTrackerID
}

// Enqueue admits kf for processing. Returns false (not accepted) if the
// queue is over the backpressure threshold or the worker is not currently
// accepting (reset/pause in progress) — spec.md §4.3 "Queue semantics".
func (lm *LocalMapping) Enqueue(kf *mapping.KeyFrame) bool {
	lm.queueMu.Lock()
	defer lm.queueMu.Unlock()
	if !lm.accepting || len(lm.queue) >= queueBackpressureLimit {
		return false
	}
	lm.queue = append(lm.queue, kf)
	return true
}

// AcceptKeyframes reports whether Enqueue would currently admit a KF,
// surfaced by the Mapper façade's insert_keyframe admission check.
func (lm *LocalMapping) AcceptKeyframes() bool {
	lm.queueMu.Lock()
	defer lm.queueMu.Unlock()
	return lm.accepting && len(lm.queue) < queueBackpressureLimit
}

func (lm *LocalMapping) setAccepting(v bool) {
	lm.queueMu.Lock()
	defer lm.queueMu.Unlock()
	lm.accepting = v
}

func (lm *LocalMapping) dequeue() (*mapping.KeyFrame, bool) {
	lm.queueMu.Lock()
	defer lm.queueMu.Unlock()
	if len(lm.queue) == 0 {
		return nil, false
	}
	kf := lm.queue[0]
	lm.queue = lm.queue[1:]
	return kf, true
}

// DrainQueue clears all pending work, called on reset().
func (lm *LocalMapping) DrainQueue() {
	lm.queueMu.Lock()
	defer lm.queueMu.Unlock()
	lm.queue = nil
}

// Downstream is the channel LoopClosing reads processed KFs from: a KF
// always traverses LocalMapping fully before LoopClosing sees it.
type Downstream interface {
	Submit(kf *mapping.KeyFrame)
}

// Run starts the worker loop as a workerpool.Worker. Processed KFs are
// handed to downstream once LocalMapping's pipeline completes.
func (lm *LocalMapping) Run(downstream Downstream) *workerpool.Worker {
	lm.worker = workerpool.Run(func(ctx context.Context, w *workerpool.Worker) {
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			kf, ok := lm.dequeue()
			if !ok {
				goutils.SelectContextOrWait(ctx, pollInterval)
				continue
			}
			if err := lm.process(ctx, kf); err != nil {
				lm.log.Warnw("local mapping pipeline failed for keyframe", "kf_id", kf.ID, "error", err)
			}
			if downstream != nil {
				downstream.Submit(kf)
			}
			w.CheckPause(ctx)
		}
	})
	return lm.worker
}

// Worker exposes the underlying workerpool.Worker for pause/resume
// coordination with LoopClosing.
func (lm *LocalMapping) Worker() *workerpool.Worker { return lm.worker }

func (lm *LocalMapping) process(ctx context.Context, kf *mapping.KeyFrame) error {
	if err := lm.processNewKeyFrame(kf); err != nil {
		return errors.Wrap(err, "process new keyframe")
	}
	lm.cullRecentMapPoints(kf)
	if err := lm.createNewMapPoints(ctx, kf); err != nil {
		lm.log.Warnw("new map point creation failed", "kf_id", kf.ID, "error", err)
	}
	if err := lm.fuseDuplicates(kf); err != nil {
		lm.log.Warnw("fuse duplicates failed", "kf_id", kf.ID, "error", err)
	}
	if err := lm.localBundleAdjust(kf); err != nil {
		lm.log.Warnw("local bundle adjustment failed, keeping pre-BA poses", "kf_id", kf.ID, "error", err)
	}
	lm.cullRedundantKeyFrames(kf)
	return nil
}

// processNewKeyFrame implements spec.md §4.3 step 1.
func (lm *LocalMapping) processNewKeyFrame(kf *mapping.KeyFrame) error {
	if err := lm.m.InsertKeyFrame(kf); err != nil {
		return err
	}
	lm.db.Add(kf)

	for idx := range kf.Features {
		mpID, ok := kf.Observation(idx)
		if !ok {
			continue
		}
		if mp, ok := lm.m.ResolveMapPoint(mpID); ok {
			mp.AddObservation(kf.ID, idx)
		}
	}

	weights := make(map[uint64]int)
	for _, mpID := range kf.ObservedMapPoints() {
		mp, ok := lm.m.ResolveMapPoint(mpID)
		if !ok {
			continue
		}
		mp.IncreaseVisible(1)
		mp.IncreaseFound(1)
		for peerID := range mp.Observations() {
			if peerID == kf.ID {
				continue
			}
			weights[peerID]++
		}
	}

	var bestPeer uint64
	bestWeight := -1
	for peerID, w := range weights {
		kf.SetCovisibilityWeight(peerID, w)
		if peer, ok := lm.m.GetKeyFrame(peerID); ok {
			peer.SetCovisibilityWeight(kf.ID, w)
		}
		if w > bestWeight {
			bestWeight = w
			bestPeer = peerID
		}
	}
	if bestWeight >= 0 {
		kf.SetParent(bestPeer)
		if parent, ok := lm.m.GetKeyFrame(bestPeer); ok {
			parent.AddChild(kf.ID)
		}
	}

	lm.queueMu.Lock()
	lm.recentKFIDs = append(lm.recentKFIDs, kf.ID)
	if len(lm.recentKFIDs) > recentMPWindowKFs {
		lm.recentKFIDs = lm.recentKFIDs[len(lm.recentKFIDs)-recentMPWindowKFs:]
	}
	lm.queueMu.Unlock()

	return nil
}

// cullRecentMapPoints implements spec.md §4.3 step 2.
func (lm *LocalMapping) cullRecentMapPoints(kf *mapping.KeyFrame) {
	for _, mpID := range kf.ObservedMapPoints() {
		mp, ok := lm.m.ResolveMapPoint(mpID)
		if !ok {
			continue
		}
		if mp.FoundRatio() < recentMPMinFoundRatio {
			mp.SetBad()
			continue
		}
		if mp.ObservationCount() < recentMPMinObservers {
			mp.SetBad()
		}
	}
}

// createNewMapPoints implements spec.md §4.3 step 3: for the current KF and
// each of its best covisible neighbours, triangulate new points via the
// Matcher collaborator and insert them under LocalMapping's reserved id
// stream.
func (lm *LocalMapping) createNewMapPoints(ctx context.Context, kf *mapping.KeyFrame) error {
	if lm.matcher == nil {
		return nil
	}
	neighbours := kf.BestCovisible(localBANeighbourCount)

	var errs error
	for _, peerID := range neighbours {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		peer, ok := lm.m.GetKeyFrame(peerID)
		if !ok {
			continue
		}
		triangulated, err := lm.matcher.MatchAndTriangulate(kf, peer)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("kf %d <-> %d: %w", kf.ID, peerID, err))
			continue
		}
		for _, tp := range triangulated {
			id := lm.AllocateMapPointID()
			mp := mapping.NewMapPoint(id, vec3(tp.Position), kf.ID)
			if err := lm.m.InsertMapPoint(mp); err != nil {
				continue
			}
			kf.SetObservation(tp.FeatureIdxInKF1, id)
			peer.SetObservation(tp.FeatureIdxInKF2, id)
			mp.AddObservation(kf.ID, tp.FeatureIdxInKF1)
			mp.AddObservation(peer.ID, tp.FeatureIdxInKF2)
		}
	}
	return errs
}

// fuseDuplicates implements spec.md §4.3 step 4: merge MapPoints that land
// on the same feature slot when projected between covisible KFs. The actual
// projection test is delegated to the Matcher collaborator via
// MatchAndTriangulate's returned correspondences in createNewMapPoints; here
// we fuse MPs that ended up observed at the same feature index by more than
// one id due to that matching.
func (lm *LocalMapping) fuseDuplicates(kf *mapping.KeyFrame) error {
	neighbours := kf.BestCovisible(localBANeighbourCount)
	seen := make(map[int]uint64)
	for idx := range kf.Features {
		if mpID, ok := kf.Observation(idx); ok {
			seen[idx] = mpID
		}
	}
	var errs error
	for _, peerID := range neighbours {
		peer, ok := lm.m.GetKeyFrame(peerID)
		if !ok {
			continue
		}
		for idx, mpID := range seen {
			peerMPID, ok := peer.Observation(idx)
			if !ok || peerMPID == mpID {
				continue
			}
			keep, drop := mpID, peerMPID
			keepMP, kok := lm.m.ResolveMapPoint(keep)
			dropMP, dok := lm.m.ResolveMapPoint(drop)
			if !kok || !dok {
				continue
			}
			if dropMP.ObservationCount() > keepMP.ObservationCount() {
				keep, drop = drop, keep
			}
			if err := lm.m.ReplaceMapPoint(drop, keep); err != nil {
				errs = multierr.Append(errs, err)
			}
		}
	}
	return errs
}

// localBundleAdjust implements spec.md §4.3 step 5.
func (lm *LocalMapping) localBundleAdjust(kf *mapping.KeyFrame) error {
	if lm.solver == nil {
		return nil
	}
	window := append([]uint64{kf.ID}, kf.BestCovisible(-1)...)
	problem, windowKFs, windowMPs := buildLocalBAProblem(lm.m, window)
	if len(problem.Residuals) == 0 {
		return nil
	}
	result, err := lm.solver.Solve(problem)
	if err != nil {
		return err
	}
	applyBAResult(result, windowKFs, windowMPs)
	return nil
}

// cullRedundantKeyFrames implements spec.md §4.3 step 6. The "same or finer
// scale" qualifier on the other-observers count is dropped: scale octave
// lives on the out-of-scope Frame/feature collaborator's Feature records,
// and Map only carries the observation back-references needed here.
func (lm *LocalMapping) cullRedundantKeyFrames(kf *mapping.KeyFrame) {
	for _, peerID := range kf.BestCovisible(-1) {
		peer, ok := lm.m.GetKeyFrame(peerID)
		if !ok || peer.IsBad() || peer.IsPinned() {
			continue
		}
		observed := peer.ObservedMapPoints()
		if len(observed) == 0 {
			continue
		}
		redundant := 0
		for _, mpID := range observed {
			mp, ok := lm.m.ResolveMapPoint(mpID)
			if !ok {
				continue
			}
			others := 0
			for obsKFID := range mp.Observations() {
				if obsKFID != peer.ID {
					others++
				}
			}
			if others >= cullMinOtherObservers {
				redundant++
			}
		}
		if float64(redundant)/float64(len(observed)) >= cullObservedByRatio {
			if _, err := lm.m.CullKeyFrame(peer.ID); err != nil {
				lm.log.Warnw("keyframe culling failed", "kf_id", peer.ID, "error", err)
			}
		}
	}
}

// pollInterval bounds how long the worker sleeps between empty-queue checks.
const pollInterval = 10 * time.Millisecond
