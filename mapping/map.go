package mapping

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

// ChangeKind discriminates a ChangeEvent.
type ChangeKind int

const (
	KeyFrameAdded ChangeKind = iota
	KeyFrameUpdated
	KeyFrameErased
	MapPointAdded
	MapPointUpdated
	MapPointErased
)

// ChangeEvent is emitted on every structural or pose mutation, consumed by
// the Mapper façade's subscriber fan-out (spec.md §9 "Observer pattern").
type ChangeEvent struct {
	Kind ChangeKind
	ID   uint64
}

// Map owns the live KeyFrame and MapPoint collections and mediates atomic
// mutations. All structural mutations (insert/erase) take updateMu; pose
// reads during GBA correction take globalPoseMu as a reader/writer lock, per
// spec.md §5 and §9 "Global mutex on MP positions during GBA".
type Map struct {
	updateMu sync.Mutex

	keyframes map[uint64]*KeyFrame
	mapPoints map[uint64]*MapPoint

	globalPoseMu sync.RWMutex

	bigChangeIndex int64

	changesMu sync.Mutex
	listeners []chan ChangeEvent
}

// NewMap constructs an empty Map.
func NewMap() *Map {
	return &Map{
		keyframes: make(map[uint64]*KeyFrame),
		mapPoints: make(map[uint64]*MapPoint),
	}
}

var (
	ErrDuplicateKeyFrameID = errors.New("mapping: duplicate keyframe id")
	ErrDuplicateMapPointID = errors.New("mapping: duplicate map point id")
	ErrNotFound            = errors.New("mapping: entity not found")
)

// Subscribe registers a channel to receive change events. The channel must
// be drained by the caller; sends are non-blocking (an event is dropped
// rather than blocking the Map if the subscriber is slow), matching spec.md
// §9's "enqueued, not called inline" observer design.
func (m *Map) Subscribe(ch chan ChangeEvent) {
	m.changesMu.Lock()
	defer m.changesMu.Unlock()
	m.listeners = append(m.listeners, ch)
}

func (m *Map) emit(ev ChangeEvent) {
	m.changesMu.Lock()
	defer m.changesMu.Unlock()
	for _, ch := range m.listeners {
		select {
		case ch <- ev:
		default:
		}
	}
}

// InsertKeyFrame adds a new live KF. Fails if the id is already present.
func (m *Map) InsertKeyFrame(kf *KeyFrame) error {
	m.updateMu.Lock()
	defer m.updateMu.Unlock()
	if _, ok := m.keyframes[kf.ID]; ok {
		return errors.Wrapf(ErrDuplicateKeyFrameID, "id %d", kf.ID)
	}
	m.keyframes[kf.ID] = kf
	m.emit(ChangeEvent{Kind: KeyFrameAdded, ID: kf.ID})
	return nil
}

// EraseKeyFrame removes a KF from the live set, unlinking it from the
// spanning tree and covisibility graph of its peers.
func (m *Map) EraseKeyFrame(id uint64) error {
	m.updateMu.Lock()
	defer m.updateMu.Unlock()
	kf, ok := m.keyframes[id]
	if !ok {
		return errors.Wrapf(ErrNotFound, "keyframe %d", id)
	}
	for peer := range kf.AllCovisible() {
		if p, ok := m.keyframes[peer]; ok {
			p.SetCovisibilityWeight(id, 0)
		}
	}
	if parent, ok := kf.Parent(); ok {
		if p, ok := m.keyframes[parent]; ok {
			p.RemoveChild(id)
		}
	}
	delete(m.keyframes, id)
	m.emit(ChangeEvent{Kind: KeyFrameErased, ID: id})
	return nil
}

// InsertMapPoint adds a new live MP. Fails if the id is already present.
func (m *Map) InsertMapPoint(mp *MapPoint) error {
	m.updateMu.Lock()
	defer m.updateMu.Unlock()
	if _, ok := m.mapPoints[mp.ID]; ok {
		return errors.Wrapf(ErrDuplicateMapPointID, "id %d", mp.ID)
	}
	m.mapPoints[mp.ID] = mp
	m.emit(ChangeEvent{Kind: MapPointAdded, ID: mp.ID})
	return nil
}

// EraseMapPoint removes an MP from the live set.
func (m *Map) EraseMapPoint(id uint64) error {
	m.updateMu.Lock()
	defer m.updateMu.Unlock()
	if _, ok := m.mapPoints[id]; !ok {
		return errors.Wrapf(ErrNotFound, "map point %d", id)
	}
	delete(m.mapPoints, id)
	m.emit(ChangeEvent{Kind: MapPointErased, ID: id})
	return nil
}

// GetKeyFrame returns the live KF with the given id.
func (m *Map) GetKeyFrame(id uint64) (*KeyFrame, bool) {
	m.updateMu.Lock()
	defer m.updateMu.Unlock()
	kf, ok := m.keyframes[id]
	return kf, ok
}

// GetMapPoint returns the live MP with the given id.
func (m *Map) GetMapPoint(id uint64) (*MapPoint, bool) {
	m.updateMu.Lock()
	defer m.updateMu.Unlock()
	mp, ok := m.mapPoints[id]
	return mp, ok
}

// ResolveMapPoint follows the replacement forwarding chain until it reaches
// a live MP, bounded to avoid any pathological cycle. Every link must still
// be in the Map: ReplaceMapPoint removes the replaced id, so resolving that
// id reports not found.
func (m *Map) ResolveMapPoint(id uint64) (*MapPoint, bool) {
	for i := 0; i < 32; i++ {
		mp, ok := m.GetMapPoint(id)
		if !ok {
			return nil, false
		}
		if replacement, has := mp.Replacement(); has {
			id = replacement
			continue
		}
		return mp, true
	}
	return nil, false
}

// AllKeyFrames returns a snapshot copy of all live KFs.
func (m *Map) AllKeyFrames() []*KeyFrame {
	m.updateMu.Lock()
	defer m.updateMu.Unlock()
	out := make([]*KeyFrame, 0, len(m.keyframes))
	for _, kf := range m.keyframes {
		out = append(out, kf)
	}
	return out
}

// AllMapPoints returns a snapshot copy of all live MPs.
func (m *Map) AllMapPoints() []*MapPoint {
	m.updateMu.Lock()
	defer m.updateMu.Unlock()
	out := make([]*MapPoint, 0, len(m.mapPoints))
	for _, mp := range m.mapPoints {
		out = append(out, mp)
	}
	return out
}

// KeyFrameCount/MapPointCount report the live set sizes.
func (m *Map) KeyFrameCount() int {
	m.updateMu.Lock()
	defer m.updateMu.Unlock()
	return len(m.keyframes)
}

func (m *Map) MapPointCount() int {
	m.updateMu.Lock()
	defer m.updateMu.Unlock()
	return len(m.mapPoints)
}

// BumpBigChange increments the monotonically increasing big-change counter,
// called after loop close or GBA completion.
func (m *Map) BumpBigChange() {
	atomic.AddInt64(&m.bigChangeIndex, 1)
}

// LastBigChangeIndex returns the current big-change counter value.
func (m *Map) LastBigChangeIndex() int64 {
	return atomic.LoadInt64(&m.bigChangeIndex)
}

// LockGlobalPoseForGBA / UnlockGlobalPoseForGBA bracket the correction phase
// of a global BA run, during which LocalMapping and tracker pose reads must
// see a consistent snapshot (spec.md §9).
func (m *Map) LockGlobalPoseForGBA() {
	m.globalPoseMu.Lock()
}

func (m *Map) UnlockGlobalPoseForGBA() {
	m.globalPoseMu.Unlock()
}

// RLockGlobalPose / RUnlockGlobalPose are used by readers (LocalMapping,
// tracker pose publication) so they never observe a GBA correction mid-way.
func (m *Map) RLockGlobalPose() {
	m.globalPoseMu.RLock()
}

func (m *Map) RUnlockGlobalPose() {
	m.globalPoseMu.RUnlock()
}

// Clear empties the Map entirely, used by reset().
func (m *Map) Clear() {
	m.updateMu.Lock()
	defer m.updateMu.Unlock()
	m.keyframes = make(map[uint64]*KeyFrame)
	m.mapPoints = make(map[uint64]*MapPoint)
	atomic.StoreInt64(&m.bigChangeIndex, 0)
}

// ReplaceMapPoint fuses oldID into newID: every KF observing oldID is
// retargeted to newID (or has that feature slot cleared, if the KF already
// observed newID at a different feature), oldID's observations are merged
// into newID, and oldID is tombstoned with a forwarding pointer to newID.
// Implements spec.md scenario 4 (replacement transparency).
func (m *Map) ReplaceMapPoint(oldID, newID uint64) error {
	m.updateMu.Lock()
	defer m.updateMu.Unlock()

	oldMP, ok := m.mapPoints[oldID]
	if !ok {
		return errors.Wrapf(ErrNotFound, "map point %d", oldID)
	}
	newMP, ok := m.mapPoints[newID]
	if !ok {
		return errors.Wrapf(ErrNotFound, "map point %d", newID)
	}

	newObs := newMP.Observations()
	for kfID, featureIdx := range oldMP.Observations() {
		kf, ok := m.keyframes[kfID]
		if !ok {
			continue
		}
		if _, alreadyObserves := newObs[kfID]; alreadyObserves {
			kf.ClearObservation(featureIdx)
			continue
		}
		kf.SetObservation(featureIdx, newID)
		newMP.AddObservation(kfID, featureIdx)
	}

	oldMP.Replace(newID)
	delete(m.mapPoints, oldID)
	m.emit(ChangeEvent{Kind: MapPointErased, ID: oldID})
	m.emit(ChangeEvent{Kind: MapPointUpdated, ID: newID})
	return nil
}

// WithUpdateLock runs f while holding the map-update mutex, for callers
// (LocalMapping/LoopClosing) that must perform a multi-step mutation
// atomically (spec.md §4.1 "atomic under a single map-update lock").
func (m *Map) WithUpdateLock(f func()) {
	m.updateMu.Lock()
	defer m.updateMu.Unlock()
	f()
}
