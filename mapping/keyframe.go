package mapping

import (
	"sort"
	"sync"

	"go.mapkit.dev/slammapper/geometry"
)

// CameraIntrinsics is the immutable pinhole camera model carried by a KF,
// opaque to the mapper beyond its use in reprojection residuals built by
// localmapping/loopclosing.
type CameraIntrinsics struct {
	FX, FY, CX, CY float64
	Width, Height  int
	// Baseline is non-zero only for stereo KFs.
	Baseline float64
}

// GridGeometry is the feature-bucket grid the tracker used to bound
// epipolar search, carried for wire fidelity only (SPEC_FULL §3); the
// mapper never reads inside it.
type GridGeometry struct {
	Cols, Rows          int
	CellWidth, CellHeight float64
}

// Feature is one observed image feature: its pixel location, octave in the
// scale pyramid, and descriptor.
type Feature struct {
	X, Y       float32
	Octave     int
	Descriptor []byte
}

// BoWVector is a sparse bag-of-words histogram: word id -> weight.
type BoWVector map[uint32]float64

// KeyFrame is a selected camera frame with pose and feature observations,
// a vertex in the covisibility graph and spanning tree. Immutable fields are
// set once at construction; mutable fields are guarded by the three locks
// below, acquired in the order Connections -> Features -> Pose (spec.md §5).
type KeyFrame struct {
	ID        uint64
	Timestamp float64
	Intrinsics CameraIntrinsics
	Grid       GridGeometry
	Features   []Feature
	BoW        BoWVector

	poseMu sync.RWMutex
	pose   geometry.Pose
	// tcp is the pose relative to the spanning-tree parent, snapshotted at
	// the moment this KF was marked bad, so descendants can still recover
	// a world pose estimate after culling.
	tcp geometry.Pose

	// gbaPose/gbaCorrectedBy support global BA correction propagation
	// (SPEC_FULL §3, spec.md §4.4 step 5): a snapshot of the pose taken
	// when GBA started, and the id of the reference KF whose correction
	// this KF should compose with if it was created during GBA.
	gbaPose        geometry.Pose
	gbaCorrectedBy uint64
	hasGBASnapshot bool

	connMu       sync.RWMutex
	covisibility map[uint64]int
	sortedPeers  []uint64 // descending weight, weight >= minCovisibilityWeight
	parent       uint64
	hasParent    bool
	children     map[uint64]struct{}
	loopEdges    map[uint64]struct{}

	featMu        sync.RWMutex
	observedMPs   []uint64 // one slot per feature; meaningful only where observedValid is set (0 is a valid MP id)
	observedValid []bool

	bad         bool
	notEraseCnt int
	pendingCull bool
}

// minCovisibilityWeight is the threshold below which a covisibility edge is
// elided from a KF's sorted "best" view, per spec.md §3.
const minCovisibilityWeight = 15

// strongCovisibilityWeight is the threshold above which an edge is included
// in the essential graph during loop closing, per spec.md §4.4 step 4.
const strongCovisibilityWeight = 100

// NewKeyFrame constructs a fresh KF with the given immutable fields and no
// observations, pose, or graph links yet assigned.
func NewKeyFrame(id uint64, ts float64, intr CameraIntrinsics, grid GridGeometry, features []Feature, bow BoWVector) *KeyFrame {
	kf := &KeyFrame{
		ID:           id,
		Timestamp:    ts,
		Intrinsics:   intr,
		Grid:         grid,
		Features:     features,
		BoW:          bow,
		covisibility: make(map[uint64]int),
		children:     make(map[uint64]struct{}),
		loopEdges:    make(map[uint64]struct{}),
	}
	kf.observedMPs = make([]uint64, len(features))
	kf.observedValid = make([]bool, len(features))
	return kf
}

// Pose returns the current world-to-camera pose.
func (kf *KeyFrame) Pose() geometry.Pose {
	kf.poseMu.RLock()
	defer kf.poseMu.RUnlock()
	return kf.pose
}

// SetPose updates the world-to-camera pose.
func (kf *KeyFrame) SetPose(p geometry.Pose) {
	kf.poseMu.Lock()
	defer kf.poseMu.Unlock()
	kf.pose = p
}

// TcpAtCulling returns the pose relative to the spanning-tree parent
// snapshotted when this KF was marked bad.
func (kf *KeyFrame) TcpAtCulling() geometry.Pose {
	kf.poseMu.RLock()
	defer kf.poseMu.RUnlock()
	return kf.tcp
}

// SnapshotForGBA records the pose at the start of a global BA run, so that
// if this KF is created or re-parented during the run, the correction can
// later be composed relative to this snapshot.
func (kf *KeyFrame) SnapshotForGBA(referenceKF uint64) {
	kf.poseMu.Lock()
	defer kf.poseMu.Unlock()
	kf.gbaPose = kf.pose
	kf.gbaCorrectedBy = referenceKF
	kf.hasGBASnapshot = true
}

// GBASnapshot returns the pose recorded by SnapshotForGBA and whether one
// was ever taken.
func (kf *KeyFrame) GBASnapshot() (pose geometry.Pose, referenceKF uint64, ok bool) {
	kf.poseMu.RLock()
	defer kf.poseMu.RUnlock()
	return kf.gbaPose, kf.gbaCorrectedBy, kf.hasGBASnapshot
}

// ClearGBASnapshot drops the recorded GBA snapshot once its correction has
// been applied.
func (kf *KeyFrame) ClearGBASnapshot() {
	kf.poseMu.Lock()
	defer kf.poseMu.Unlock()
	kf.hasGBASnapshot = false
}

// SetObservation records that feature index i observes MP id mpID.
func (kf *KeyFrame) SetObservation(featureIdx int, mpID uint64) {
	kf.featMu.Lock()
	defer kf.featMu.Unlock()
	kf.observedMPs[featureIdx] = mpID
	kf.observedValid[featureIdx] = true
}

// ClearObservation removes the MP reference at a feature slot.
func (kf *KeyFrame) ClearObservation(featureIdx int) {
	kf.featMu.Lock()
	defer kf.featMu.Unlock()
	kf.observedValid[featureIdx] = false
}

// Observation returns the MP id observed at a feature slot, if any.
func (kf *KeyFrame) Observation(featureIdx int) (uint64, bool) {
	kf.featMu.RLock()
	defer kf.featMu.RUnlock()
	if !kf.observedValid[featureIdx] {
		return 0, false
	}
	return kf.observedMPs[featureIdx], true
}

// ObservedMapPoints returns the set of distinct, currently-set MP ids
// observed by this KF.
func (kf *KeyFrame) ObservedMapPoints() []uint64 {
	kf.featMu.RLock()
	defer kf.featMu.RUnlock()
	seen := make(map[uint64]struct{})
	out := make([]uint64, 0, len(kf.observedMPs))
	for i, valid := range kf.observedValid {
		if !valid {
			continue
		}
		id := kf.observedMPs[i]
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// SetCovisibilityWeight sets (or clears, if weight==0) the covisibility edge
// weight to peer, and re-sorts the best-view cache.
func (kf *KeyFrame) SetCovisibilityWeight(peer uint64, weight int) {
	kf.connMu.Lock()
	defer kf.connMu.Unlock()
	if weight <= 0 {
		delete(kf.covisibility, peer)
	} else {
		kf.covisibility[peer] = weight
	}
	kf.resortCovisibilityLocked()
}

// CovisibilityWeight returns the edge weight to peer, or 0 if none.
func (kf *KeyFrame) CovisibilityWeight(peer uint64) int {
	kf.connMu.RLock()
	defer kf.connMu.RUnlock()
	return kf.covisibility[peer]
}

// BestCovisible returns up to n peer KF ids with the highest covisibility
// weight (weight >= minCovisibilityWeight), descending by weight, id as
// tie-break for determinism.
func (kf *KeyFrame) BestCovisible(n int) []uint64 {
	kf.connMu.RLock()
	defer kf.connMu.RUnlock()
	if n < 0 || n > len(kf.sortedPeers) {
		n = len(kf.sortedPeers)
	}
	out := make([]uint64, n)
	copy(out, kf.sortedPeers[:n])
	return out
}

// AllCovisible returns every covisibility peer regardless of weight.
func (kf *KeyFrame) AllCovisible() map[uint64]int {
	kf.connMu.RLock()
	defer kf.connMu.RUnlock()
	out := make(map[uint64]int, len(kf.covisibility))
	for k, v := range kf.covisibility {
		out[k] = v
	}
	return out
}

// StrongCovisible returns peers whose edge weight is >= strongCovisibilityWeight,
// used to build the essential graph during loop closing.
func (kf *KeyFrame) StrongCovisible() []uint64 {
	kf.connMu.RLock()
	defer kf.connMu.RUnlock()
	var out []uint64
	for id, w := range kf.covisibility {
		if w >= strongCovisibilityWeight {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (kf *KeyFrame) resortCovisibilityLocked() {
	peers := make([]uint64, 0, len(kf.covisibility))
	for id, w := range kf.covisibility {
		if w >= minCovisibilityWeight {
			peers = append(peers, id)
		}
	}
	sort.Slice(peers, func(i, j int) bool {
		wi, wj := kf.covisibility[peers[i]], kf.covisibility[peers[j]]
		if wi != wj {
			return wi > wj
		}
		return peers[i] < peers[j]
	})
	kf.sortedPeers = peers
}

// SetParent sets the spanning-tree parent. A KF may have at most one parent.
func (kf *KeyFrame) SetParent(parent uint64) {
	kf.connMu.Lock()
	defer kf.connMu.Unlock()
	kf.parent = parent
	kf.hasParent = true
}

// ClearParent removes the spanning-tree parent link (root KF only).
func (kf *KeyFrame) ClearParent() {
	kf.connMu.Lock()
	defer kf.connMu.Unlock()
	kf.hasParent = false
}

// Parent returns the spanning-tree parent id, if any.
func (kf *KeyFrame) Parent() (uint64, bool) {
	kf.connMu.RLock()
	defer kf.connMu.RUnlock()
	return kf.parent, kf.hasParent
}

// AddChild/RemoveChild maintain the spanning-tree child set.
func (kf *KeyFrame) AddChild(child uint64) {
	kf.connMu.Lock()
	defer kf.connMu.Unlock()
	kf.children[child] = struct{}{}
}

func (kf *KeyFrame) RemoveChild(child uint64) {
	kf.connMu.Lock()
	defer kf.connMu.Unlock()
	delete(kf.children, child)
}

// Children returns the spanning-tree child set.
func (kf *KeyFrame) Children() []uint64 {
	kf.connMu.RLock()
	defer kf.connMu.RUnlock()
	out := make([]uint64, 0, len(kf.children))
	for id := range kf.children {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// AddLoopEdge/LoopEdges maintain the loop-edge set, which pins both
// endpoints against culling.
func (kf *KeyFrame) AddLoopEdge(peer uint64) {
	kf.connMu.Lock()
	defer kf.connMu.Unlock()
	kf.loopEdges[peer] = struct{}{}
}

func (kf *KeyFrame) LoopEdges() []uint64 {
	kf.connMu.RLock()
	defer kf.connMu.RUnlock()
	out := make([]uint64, 0, len(kf.loopEdges))
	for id := range kf.loopEdges {
		out = append(out, id)
	}
	return out
}

func (kf *KeyFrame) hasLoopEdges() bool {
	kf.connMu.RLock()
	defer kf.connMu.RUnlock()
	return len(kf.loopEdges) > 0
}

// SetNotErase increments the not-erase pin count: while pinned, RequestBad
// defers the actual cull (see DESIGN.md Open Question 3). Multiple pinners
// (loop candidate matching, loop fusion) may pin independently.
func (kf *KeyFrame) SetNotErase() {
	kf.connMu.Lock()
	defer kf.connMu.Unlock()
	kf.notEraseCnt++
}

// SetErase decrements the not-erase pin count. If it drops to zero and a
// cull was requested while pinned, it reports that the cull should now be
// committed by the caller (typically the Map).
func (kf *KeyFrame) SetErase() (commitCull bool) {
	kf.connMu.Lock()
	defer kf.connMu.Unlock()
	if kf.notEraseCnt > 0 {
		kf.notEraseCnt--
	}
	if kf.notEraseCnt == 0 && kf.pendingCull {
		kf.pendingCull = false
		kf.bad = true
		return true
	}
	return false
}

// IsPinned reports whether the not-erase pin count is non-zero.
func (kf *KeyFrame) IsPinned() bool {
	kf.connMu.RLock()
	defer kf.connMu.RUnlock()
	return kf.notEraseCnt > 0
}

// RequestBad marks the KF bad, or, if pinned, defers the cull until
// SetErase drops the pin count to zero. Returns whether the cull happened
// immediately.
func (kf *KeyFrame) RequestBad() (committed bool) {
	kf.connMu.Lock()
	defer kf.connMu.Unlock()
	if kf.notEraseCnt > 0 {
		kf.pendingCull = true
		return false
	}
	kf.bad = true
	return true
}

// IsBad reports whether this KF has been logically deleted.
func (kf *KeyFrame) IsBad() bool {
	kf.connMu.RLock()
	defer kf.connMu.RUnlock()
	return kf.bad
}

// snapshotTcp records the pose relative to parent at the moment of culling,
// used by descendants that still reference this KF transiently.
func (kf *KeyFrame) snapshotTcp(parentPoseInverse geometry.Pose) {
	kf.poseMu.Lock()
	defer kf.poseMu.Unlock()
	kf.tcp = parentPoseInverse.Compose(kf.pose)
}
