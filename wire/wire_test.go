package wire_test

import (
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"go.mapkit.dev/slammapper/mapping"
	"go.mapkit.dev/slammapper/wire"
)

type fakeLinker struct {
	kfs map[uint64]*mapping.KeyFrame
	mps map[uint64]*mapping.MapPoint
}

func (f *fakeLinker) GetKeyFrame(id uint64) (*mapping.KeyFrame, bool) { kf, ok := f.kfs[id]; return kf, ok }
func (f *fakeLinker) GetMapPoint(id uint64) (*mapping.MapPoint, bool) { mp, ok := f.mps[id]; return mp, ok }

func TestKeyFrameRoundTrip(t *testing.T) {
	features := []mapping.Feature{{X: 1.5, Y: 2.5, Octave: 1, Descriptor: []byte{1, 2, 3}}}
	kf := mapping.NewKeyFrame(0, 123.5, mapping.CameraIntrinsics{FX: 500, FY: 500, CX: 320, CY: 240}, mapping.GridGeometry{Cols: 10, Rows: 8}, features, mapping.BoWVector{7: 0.5})

	payload := wire.EncodeKeyFrame(kf)
	decoded, err := wire.DecodeKeyFrame(payload)
	test.That(t, err, test.ShouldBeNil)

	test.That(t, decoded.KF.ID, test.ShouldEqual, kf.ID)
	test.That(t, decoded.KF.Timestamp, test.ShouldEqual, kf.Timestamp)
	test.That(t, decoded.KF.BoW, test.ShouldResemble, kf.BoW)
	test.That(t, len(decoded.KF.Features), test.ShouldEqual, len(kf.Features))
}

func TestMapPointRoundTrip(t *testing.T) {
	mp := mapping.NewMapPoint(2, r3.Vector{X: 1, Y: 2, Z: 3}, 0)
	mp.SetDescriptor([]byte{9, 8, 7})
	mp.AddObservation(0, 4)

	payload := wire.EncodeMapPoint(mp)
	decoded, err := wire.DecodeMapPoint(payload)
	test.That(t, err, test.ShouldBeNil)

	test.That(t, decoded.MP.ID, test.ShouldEqual, mp.ID)
	test.That(t, decoded.MP.Position(), test.ShouldResemble, mp.Position())
	test.That(t, decoded.Observations, test.ShouldResemble, map[uint64]int{0: 4})

	kf := mapping.NewKeyFrame(0, 0, mapping.CameraIntrinsics{}, mapping.GridGeometry{}, make([]mapping.Feature, 5), mapping.BoWVector{})
	linker := &fakeLinker{kfs: map[uint64]*mapping.KeyFrame{0: kf}, mps: map[uint64]*mapping.MapPoint{}}
	wire.LinkMapPoint(decoded, linker)
	test.That(t, decoded.MP.ObservationCount(), test.ShouldEqual, 1)
}

func TestMapChangeRoundTrip(t *testing.T) {
	c := wire.MapChange{Kind: wire.MapChangeKeyFrameAdded, ID: 42, Entity: []byte{1, 2, 3}}
	decoded, err := wire.DecodeMapChange(wire.EncodeMapChange(c))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, decoded, test.ShouldResemble, c)
}
