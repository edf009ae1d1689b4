package mapper

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"go.mapkit.dev/slammapper/geometry"
	"go.mapkit.dev/slammapper/logging"
	"go.mapkit.dev/slammapper/mapping"
	"go.mapkit.dev/slammapper/workerpool"
)

// LocalMappingQueue is the subset of localmapping.LocalMapping Server needs.
type LocalMappingQueue interface {
	Enqueue(kf *mapping.KeyFrame) bool
	AcceptKeyframes() bool
	DrainQueue()
	ResetIDStream()
	Worker() *workerpool.Worker
}

// LoopClosingWorker is the subset of loopclosing.LoopClosing Server needs.
type LoopClosingWorker interface {
	Worker() *workerpool.Worker
}

type trackerRecord struct {
	connected  bool
	nextKFID   uint64
	nextMPID   uint64
	pivotCalib geometry.Pose
	lastPose   geometry.Pose
}

// Server is the authoritative Mapper implementation (spec.md §4.5), backed
// by a live Map, LocalMapping, and LoopClosing.
type Server struct {
	log logging.Logger
	m   *mapping.Map
	db  *mapping.KeyFrameDatabase
	lm  LocalMappingQueue
	lc  LoopClosingWorker

	mu          sync.Mutex
	trackers    [mapping.MaxTrackers]trackerRecord
	initialized bool

	subMu sync.Mutex
	subs  []chan Event
}

// NewServer constructs the authoritative façade.
func NewServer(log logging.Logger, m *mapping.Map, db *mapping.KeyFrameDatabase, lm LocalMappingQueue, lc LoopClosingWorker) *Server {
	s := &Server{log: log, m: m, db: db, lm: lm, lc: lc}
	changeCh := make(chan mapping.ChangeEvent, 256)
	m.Subscribe(changeCh)
	go s.forwardMapChanges(changeCh)
	return s
}

func (s *Server) forwardMapChanges(ch chan mapping.ChangeEvent) {
	for ev := range ch {
		s.publish(Event{Kind: EventMapChange, Change: ev})
	}
}

var (
	ErrMaxTrackersReached = errors.New("mapper: MAX_TRACKERS reached")
	ErrUnknownTracker     = errors.New("mapper: unknown or logged-out tracker")
	ErrIDOutOfStream      = errors.New("mapper: id not in tracker's id stream")
	ErrIDAlreadyUsed      = errors.New("mapper: id already consumed")
	ErrAlreadyInitialized = errors.New("mapper: map already initialized")
	ErrInitializerOnly    = errors.New("mapper: only tracker 0 may initialize the map")
)

// LoginTracker implements spec.md §4.5 login_tracker.
func (s *Server) LoginTracker(ctx context.Context, pivotCalib geometry.Pose) (LoginResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id := range s.trackers {
		if s.trackers[id].connected {
			continue
		}
		tid := uint64(id)
		s.trackers[id] = trackerRecord{
			connected:  true,
			nextKFID:   tid,
			nextMPID:   tid,
			pivotCalib: pivotCalib,
		}
		return LoginResult{
			TrackerID: tid,
			FirstKFID: tid,
			KFIDSpan:  mapping.KeyFrameIDSpan,
			FirstMPID: tid,
			MPIDSpan:  mapping.MapPointIDSpan,
		}, nil
	}
	return LoginResult{}, ErrMaxTrackersReached
}

// LogoutTracker implements spec.md §4.5 logout_tracker.
func (s *Server) LogoutTracker(ctx context.Context, trackerID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if trackerID >= mapping.MaxTrackers || !s.trackers[trackerID].connected {
		return errors.Wrapf(ErrUnknownTracker, "tracker %d", trackerID)
	}
	s.trackers[trackerID] = trackerRecord{}
	return nil
}

// InsertKeyFrame implements spec.md §4.5 insert_keyframe.
func (s *Server) InsertKeyFrame(ctx context.Context, trackerID uint64, kf *mapping.KeyFrame, createdMPs, updatedMPs []*mapping.MapPoint) (bool, error) {
	s.mu.Lock()
	if trackerID >= mapping.MaxTrackers || !s.trackers[trackerID].connected {
		s.mu.Unlock()
		return false, errors.Wrapf(ErrUnknownTracker, "tracker %d", trackerID)
	}
	tr := &s.trackers[trackerID]
	if mapping.KFOwningTracker(kf.ID) != trackerID {
		s.mu.Unlock()
		return false, errors.Wrapf(ErrIDOutOfStream, "kf id %d", kf.ID)
	}
	if kf.ID < tr.nextKFID {
		s.mu.Unlock()
		return false, errors.Wrapf(ErrIDAlreadyUsed, "kf id %d", kf.ID)
	}
	for _, mp := range createdMPs {
		if mapping.MPOwningTracker(mp.ID) != trackerID {
			s.mu.Unlock()
			return false, errors.Wrapf(ErrIDOutOfStream, "mp id %d", mp.ID)
		}
	}
	s.mu.Unlock()

	if !s.lm.AcceptKeyframes() {
		return false, nil
	}

	// Register tracker-created MPs and apply tracker-refreshed MPs before
	// handing kf to LocalMapping: processNewKeyFrame (spec.md §4.3 step 1)
	// resolves kf's observation slots through the Map, so the MPs they
	// reference must already be live and the slots already wired by the
	// time the worker picks kf up.
	s.registerCreatedMapPoints(kf, createdMPs)
	s.applyUpdatedMapPoints(updatedMPs)

	if !s.lm.Enqueue(kf) {
		return false, nil
	}

	// Re-resolve the slot rather than reusing tr: a concurrent LogoutTracker
	// could have freed (or a new login reused) this slot while the queue
	// admission above ran unlocked.
	s.mu.Lock()
	if !s.trackers[trackerID].connected {
		s.mu.Unlock()
		return true, nil
	}
	tr = &s.trackers[trackerID]
	tr.nextKFID = kf.ID + mapping.KeyFrameIDSpan
	for _, mp := range createdMPs {
		next := mp.ID + mapping.MapPointIDSpan
		if next > tr.nextMPID {
			tr.nextMPID = next
		}
	}
	s.mu.Unlock()

	return true, nil
}

// registerCreatedMapPoints inserts the tracker-created MPs of an
// InsertKeyFrame call (spec.md §3 "MP: created by Tracker (stereo/RGB-D)")
// into the Map and wires kf's observation slot for each one, mirroring the
// original's LocalMapping reading new MPs off the KF's own observations
// (original_source/src/MapperServer.cc). A duplicate id (a retried request)
// is logged and skipped rather than treated as fatal.
func (s *Server) registerCreatedMapPoints(kf *mapping.KeyFrame, createdMPs []*mapping.MapPoint) {
	for _, mp := range createdMPs {
		if err := s.m.InsertMapPoint(mp); err != nil {
			s.log.Warnw("created map point already present, skipping", "mp_id", mp.ID, "error", err)
			continue
		}
		for kfID, featureIdx := range mp.Observations() {
			if kfID == kf.ID {
				kf.SetObservation(featureIdx, mp.ID)
			}
		}
	}
}

// applyUpdatedMapPoints copies a tracker's refreshed position/normal/
// descriptor/distance-bound estimate for already-live MPs onto the
// authoritative Map instances.
func (s *Server) applyUpdatedMapPoints(updatedMPs []*mapping.MapPoint) {
	for _, mp := range updatedMPs {
		existing, ok := s.m.GetMapPoint(mp.ID)
		if !ok {
			continue
		}
		existing.SetPosition(mp.Position())
		existing.SetNormal(mp.Normal())
		existing.SetDescriptor(mp.Descriptor())
		minDist, maxDist := mp.DistanceBounds()
		existing.SetDistanceBounds(minDist, maxDist)
	}
}

// InitializeMono implements spec.md §4.5 initialize_mono.
func (s *Server) InitializeMono(ctx context.Context, trackerID uint64, mapPoints []*mapping.MapPoint, kf1 *mapping.KeyFrame) error {
	return s.initialize(trackerID, mapPoints, kf1, nil)
}

// InitializeStereo implements spec.md §4.5 initialize_stereo.
func (s *Server) InitializeStereo(ctx context.Context, trackerID uint64, mapPoints []*mapping.MapPoint, kf1, kf2 *mapping.KeyFrame) error {
	return s.initialize(trackerID, mapPoints, kf1, kf2)
}

func (s *Server) initialize(trackerID uint64, mapPoints []*mapping.MapPoint, kf1, kf2 *mapping.KeyFrame) error {
	s.mu.Lock()
	if trackerID != 0 {
		s.mu.Unlock()
		return ErrInitializerOnly
	}
	if s.initialized {
		s.mu.Unlock()
		return ErrAlreadyInitialized
	}
	s.initialized = true
	s.mu.Unlock()

	if err := s.m.InsertKeyFrame(kf1); err != nil {
		return errors.Wrap(err, "insert initial keyframe")
	}
	s.db.Add(kf1)
	if kf2 != nil {
		if err := s.m.InsertKeyFrame(kf2); err != nil {
			return errors.Wrap(err, "insert second initial keyframe")
		}
		s.db.Add(kf2)
	}
	for _, mp := range mapPoints {
		if err := s.m.InsertMapPoint(mp); err != nil {
			return errors.Wrap(err, "insert initial map point")
		}
		for kfID, featureIdx := range mp.Observations() {
			if kf1 != nil && kfID == kf1.ID {
				kf1.SetObservation(featureIdx, mp.ID)
			}
			if kf2 != nil && kfID == kf2.ID {
				kf2.SetObservation(featureIdx, mp.ID)
			}
		}
	}
	return nil
}

// UpdatePose implements spec.md §4.5 update_pose / the pose publication bus.
func (s *Server) UpdatePose(ctx context.Context, trackerID uint64, pose geometry.Pose) error {
	s.mu.Lock()
	if trackerID >= mapping.MaxTrackers || !s.trackers[trackerID].connected {
		s.mu.Unlock()
		return errors.Wrapf(ErrUnknownTracker, "tracker %d", trackerID)
	}
	s.trackers[trackerID].lastPose = pose
	s.mu.Unlock()

	s.publish(Event{Kind: EventTrackerPose, TrackerID: trackerID, Pose: pose})
	return nil
}

// GetTrackerPoses implements spec.md §4.5 get_tracker_poses.
func (s *Server) GetTrackerPoses(ctx context.Context) (map[uint64]geometry.Pose, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[uint64]geometry.Pose)
	for id, tr := range s.trackers {
		if tr.connected {
			out[uint64(id)] = tr.lastPose
		}
	}
	return out, nil
}

// GetTrackerPivots implements spec.md §4.5 get_tracker_pivots.
func (s *Server) GetTrackerPivots(ctx context.Context) (map[uint64]geometry.Pose, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[uint64]geometry.Pose)
	for id, tr := range s.trackers {
		if tr.connected {
			out[uint64(id)] = tr.pivotCalib
		}
	}
	return out, nil
}

// DetectRelocalizationCandidates implements spec.md §4.5, delegating to
// KeyFrameDatabase.
func (s *Server) DetectRelocalizationCandidates(ctx context.Context, bow mapping.BoWVector) ([]mapping.Candidate, error) {
	return s.db.RelocalizationCandidates(bow, s.m), nil
}

// Reset implements spec.md §4.5 reset(): pauses both workers, clears KFDB
// and Map, resets tracker records, re-seeds id streams (DESIGN.md Open
// Question 1), emits a reset event.
func (s *Server) Reset(ctx context.Context) error {
	if w := s.lm.Worker(); w != nil {
		w.RequestPause()
		defer w.Resume()
	}
	if s.lc != nil {
		if w := s.lc.Worker(); w != nil {
			w.RequestPause()
			defer w.Resume()
		}
	}

	s.lm.DrainQueue()
	s.m.Clear()
	s.db.Clear()
	s.lm.ResetIDStream()

	s.mu.Lock()
	for id := range s.trackers {
		if s.trackers[id].connected {
			tid := uint64(id)
			s.trackers[id] = trackerRecord{connected: true, nextKFID: tid, nextMPID: tid}
		}
	}
	s.initialized = false
	s.mu.Unlock()

	s.publish(Event{Kind: EventReset})
	return nil
}

// Subscribe registers ch for fan-out notifications.
func (s *Server) Subscribe(ch chan Event) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.subs = append(s.subs, ch)
}

func (s *Server) publish(ev Event) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			s.log.Warnw("subscriber channel full, dropping event", "kind", ev.Kind)
		}
	}
}
