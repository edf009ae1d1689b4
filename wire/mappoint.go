package wire

import (
	"github.com/golang/geo/r3"

	"go.mapkit.dev/slammapper/mapping"
)

// EncodeMapPoint serialises mp's full payload per spec.md §4.7: position,
// normal, descriptor, reference-KF id, replacement id (or null sentinel),
// distance bounds, observation map.
func EncodeMapPoint(mp *mapping.MapPoint) []byte {
	w := &writer{}
	w.u64(mp.ID)

	pos := mp.Position()
	w.f64(pos.X)
	w.f64(pos.Y)
	w.f64(pos.Z)

	normal := mp.Normal()
	w.f64(normal.X)
	w.f64(normal.Y)
	w.f64(normal.Z)

	w.bytesField(mp.Descriptor())
	w.u64(mp.ReferenceKF())

	replacedBy, hasReplace := mp.Replacement()
	w.boolean(hasReplace)
	w.u64(idOrNull(replacedBy, hasReplace))

	minDist, maxDist := mp.DistanceBounds()
	w.f64(minDist)
	w.f64(maxDist)

	obs := mp.Observations()
	w.u32(uint32(len(obs)))
	for kfID, featureIdx := range obs {
		w.u64(kfID)
		w.i32(int32(featureIdx))
	}

	return w.buf.Bytes()
}

// DecodedMapPoint is a freshly decoded MP plus observation links resolved
// lazily via LinkMapPoint.
type DecodedMapPoint struct {
	MP             *mapping.MapPoint
	ReplacedByID   uint64
	HasReplacement bool
	Observations   map[uint64]int // kfID -> feature index
}

// DecodeMapPoint parses a payload produced by EncodeMapPoint.
func DecodeMapPoint(payload []byte) (*DecodedMapPoint, error) {
	r := &reader{b: payload}
	if err := r.checkAvail(8); err != nil {
		return nil, err
	}
	id := r.u64()
	position := r3.Vector{X: r.f64(), Y: r.f64(), Z: r.f64()}
	normal := r3.Vector{X: r.f64(), Y: r.f64(), Z: r.f64()}
	descriptor := r.bytesField()
	referenceKF := r.u64()

	hasReplace := r.boolean()
	replacedBy := r.u64()

	minDist := r.f64()
	maxDist := r.f64()

	numObs := r.count(8 + 4)
	observations := make(map[uint64]int, numObs)
	for i := 0; i < numObs; i++ {
		kfID := r.u64()
		observations[kfID] = int(r.i32())
	}

	if r.err != nil {
		return nil, r.err
	}

	mp := mapping.NewMapPoint(id, position, referenceKF)
	mp.SetNormal(normal)
	mp.SetDescriptor(descriptor)
	mp.SetDistanceBounds(minDist, maxDist)

	return &DecodedMapPoint{
		MP:             mp,
		ReplacedByID:   replacedBy,
		HasReplacement: hasReplace,
		Observations:   observations,
	}, nil
}

// LinkMapPoint resolves a DecodedMapPoint's observation references against
// l, adding observations for whatever KFs are currently locally present.
func LinkMapPoint(d *DecodedMapPoint, l Linker) {
	for kfID, featureIdx := range d.Observations {
		if _, ok := l.GetKeyFrame(kfID); ok {
			d.MP.AddObservation(kfID, featureIdx)
		}
	}
}
