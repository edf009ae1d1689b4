package mapping

import (
	"math"
	"sync"

	"github.com/golang/geo/r3"
)

// observation records that a KF observes this MP at a given feature index.
type observation struct {
	kfID       uint64
	featureIdx int
}

// MapPoint is a 3D landmark with a descriptor, mean viewing normal, and the
// set of KFs observing it. Position/normal are guarded by posMu; the
// observation map, descriptor, and counters by featMu (spec.md §5 lock
// order: features before position).
type MapPoint struct {
	ID uint64

	posMu    sync.RWMutex
	position r3.Vector
	normal   r3.Vector
	minDist  float64
	maxDist  float64

	featMu       sync.RWMutex
	descriptor   []byte
	referenceKF  uint64
	observations map[uint64]int // kfID -> feature index
	visible      int
	found        int
	bad          bool
	replacedBy   uint64
	hasReplace   bool
}

// NewMapPoint constructs a fresh MP at the given world position, created
// from an observation in referenceKF.
func NewMapPoint(id uint64, position r3.Vector, referenceKF uint64) *MapPoint {
	return &MapPoint{
		ID:           id,
		position:     position,
		referenceKF:  referenceKF,
		observations: make(map[uint64]int),
		visible:      1,
		found:        1,
	}
}

// Position returns the current world position, resolved through any
// replacement chain by the caller (see Map.ResolveMapPoint).
func (mp *MapPoint) Position() r3.Vector {
	mp.posMu.RLock()
	defer mp.posMu.RUnlock()
	return mp.position
}

// SetPosition updates the world position, as happens after triangulation
// refinement or bundle adjustment.
func (mp *MapPoint) SetPosition(p r3.Vector) {
	mp.posMu.Lock()
	defer mp.posMu.Unlock()
	mp.position = p
}

// Normal returns the mean viewing-direction normal.
func (mp *MapPoint) Normal() r3.Vector {
	mp.posMu.RLock()
	defer mp.posMu.RUnlock()
	return mp.normal
}

// DistanceBounds returns the min/max scale-invariance distances.
func (mp *MapPoint) DistanceBounds() (min, max float64) {
	mp.posMu.RLock()
	defer mp.posMu.RUnlock()
	return mp.minDist, mp.maxDist
}

// SetNormal overwrites the mean viewing normal directly, used when
// reconstructing an MP decoded off the wire.
func (mp *MapPoint) SetNormal(n r3.Vector) {
	mp.posMu.Lock()
	defer mp.posMu.Unlock()
	mp.normal = n
}

// SetDistanceBounds overwrites the scale-invariance distance bounds
// directly, used when reconstructing an MP decoded off the wire.
func (mp *MapPoint) SetDistanceBounds(min, max float64) {
	mp.posMu.Lock()
	defer mp.posMu.Unlock()
	mp.minDist = min
	mp.maxDist = max
}

// SetDescriptor overwrites the representative descriptor directly, used
// when reconstructing an MP decoded off the wire.
func (mp *MapPoint) SetDescriptor(d []byte) {
	mp.featMu.Lock()
	defer mp.featMu.Unlock()
	mp.descriptor = d
}

// Descriptor returns the representative descriptor.
func (mp *MapPoint) Descriptor() []byte {
	mp.featMu.RLock()
	defer mp.featMu.RUnlock()
	return mp.descriptor
}

// ReferenceKF returns the id of the KF this MP was created from.
func (mp *MapPoint) ReferenceKF() uint64 {
	mp.featMu.RLock()
	defer mp.featMu.RUnlock()
	return mp.referenceKF
}

// AddObservation records that kf observes this MP at featureIdx. Returns
// false if the KF already had an observation recorded (no-op).
func (mp *MapPoint) AddObservation(kfID uint64, featureIdx int) bool {
	mp.featMu.Lock()
	defer mp.featMu.Unlock()
	if _, ok := mp.observations[kfID]; ok {
		return false
	}
	mp.observations[kfID] = featureIdx
	return true
}

// EraseObservation removes kf's observation. If the observation count drops
// to 2 or fewer, the caller (typically LocalMapping) should mark this MP bad
// per spec.md §3 lifecycle rule ("erased when observations <= 2").
func (mp *MapPoint) EraseObservation(kfID uint64) (remaining int) {
	mp.featMu.Lock()
	defer mp.featMu.Unlock()
	if _, ok := mp.observations[kfID]; ok {
		delete(mp.observations, kfID)
		if kfID == mp.referenceKF && len(mp.observations) > 0 {
			for id := range mp.observations {
				mp.referenceKF = id
				break
			}
		}
	}
	return len(mp.observations)
}

// Observations returns a copy of the kfID -> feature-index observation map.
func (mp *MapPoint) Observations() map[uint64]int {
	mp.featMu.RLock()
	defer mp.featMu.RUnlock()
	out := make(map[uint64]int, len(mp.observations))
	for k, v := range mp.observations {
		out[k] = v
	}
	return out
}

// ObservationCount returns the number of KFs currently observing this MP.
func (mp *MapPoint) ObservationCount() int {
	mp.featMu.RLock()
	defer mp.featMu.RUnlock()
	return len(mp.observations)
}

// IncreaseVisible/IncreaseFound track the visible/found counters used by
// FoundRatio for recent-MP culling (spec.md §4.3 step 2).
func (mp *MapPoint) IncreaseVisible(n int) {
	mp.featMu.Lock()
	defer mp.featMu.Unlock()
	mp.visible += n
}

func (mp *MapPoint) IncreaseFound(n int) {
	mp.featMu.Lock()
	defer mp.featMu.Unlock()
	mp.found += n
}

// FoundRatio returns found/visible, the metric recent-MP culling compares
// against a 0.25 threshold.
func (mp *MapPoint) FoundRatio() float64 {
	mp.featMu.RLock()
	defer mp.featMu.RUnlock()
	if mp.visible == 0 {
		return 0
	}
	return float64(mp.found) / float64(mp.visible)
}

// SetBad marks this MP logically deleted.
func (mp *MapPoint) SetBad() {
	mp.featMu.Lock()
	defer mp.featMu.Unlock()
	mp.bad = true
}

// IsBad reports whether this MP has been logically deleted.
func (mp *MapPoint) IsBad() bool {
	mp.featMu.RLock()
	defer mp.featMu.RUnlock()
	return mp.bad
}

// Replace marks this MP as replaced by other: it becomes bad and forwards
// future reads to other, per spec.md's "tombstone with forwarding pointer"
// design note. Observations are not moved here; the Map performs the
// transplant (moving each observing KF's slot to other) under the
// map-update lock, then calls Replace to finalize the tombstone.
func (mp *MapPoint) Replace(other uint64) {
	mp.featMu.Lock()
	defer mp.featMu.Unlock()
	mp.bad = true
	mp.replacedBy = other
	mp.hasReplace = true
}

// Replacement returns the id this MP was replaced by, if any.
func (mp *MapPoint) Replacement() (uint64, bool) {
	mp.featMu.RLock()
	defer mp.featMu.RUnlock()
	return mp.replacedBy, mp.hasReplace
}

// UpdateNormalAndDepth recomputes the mean viewing normal and the
// min/max scale-invariance distance bounds from the current set of
// observing KF poses, following ORB-SLAM2's ComputeDistinctiveDescriptors
// companion routine: mean of (mpPosition - kfPosition) unit vectors,
// weighted equally, and distance bounds derived from the reference KF's
// octave scale factor.
func (mp *MapPoint) UpdateNormalAndDepth(observingKFPositions []r3.Vector, referenceDistance float64, scaleFactor float64, octave, maxOctaves int) {
	mp.posMu.Lock()
	defer mp.posMu.Unlock()

	if len(observingKFPositions) == 0 {
		return
	}
	var sum r3.Vector
	for _, kfPos := range observingKFPositions {
		d := mp.position.Sub(kfPos)
		norm := d.Norm()
		if norm > 0 {
			sum = sum.Add(d.Mul(1 / norm))
		}
	}
	mp.normal = sum.Mul(1 / float64(len(observingKFPositions)))

	levelScaleFactor := math.Pow(scaleFactor, float64(octave))
	mp.maxDist = referenceDistance * levelScaleFactor
	if maxOctaves > 0 {
		mp.minDist = mp.maxDist / math.Pow(scaleFactor, float64(maxOctaves-1))
	} else {
		mp.minDist = mp.maxDist
	}
}

// PredictScale estimates the pyramid octave at which this MP should appear
// given an observation distance, by inverting the distance/scale relation
// UpdateNormalAndDepth established.
func (mp *MapPoint) PredictScale(distance float64, scaleFactor float64, maxOctaves int) int {
	mp.posMu.RLock()
	maxDist := mp.maxDist
	mp.posMu.RUnlock()

	if maxDist <= 0 || distance <= 0 {
		return 0
	}
	ratio := maxDist / distance
	level := 0
	for scale := 1.0; scale < ratio && level < maxOctaves-1; scale *= scaleFactor {
		level++
	}
	return level
}

