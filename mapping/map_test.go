package mapping_test

import (
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"go.mapkit.dev/slammapper/mapping"
)

func newTestKF(id uint64, numFeatures int) *mapping.KeyFrame {
	features := make([]mapping.Feature, numFeatures)
	return mapping.NewKeyFrame(id, float64(id), mapping.CameraIntrinsics{FX: 500, FY: 500}, mapping.GridGeometry{}, features, mapping.BoWVector{})
}

func TestMapInsertAndGet(t *testing.T) {
	m := mapping.NewMap()
	kf := newTestKF(0, 4)

	test.That(t, m.InsertKeyFrame(kf), test.ShouldBeNil)
	test.That(t, m.InsertKeyFrame(kf), test.ShouldNotBeNil)

	got, ok := m.GetKeyFrame(0)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, got.ID, test.ShouldEqual, uint64(0))
	test.That(t, m.KeyFrameCount(), test.ShouldEqual, 1)
}

func TestMapCovisibility(t *testing.T) {
	m := mapping.NewMap()
	kf1 := newTestKF(0, 0)
	kf2 := newTestKF(mapping.KeyFrameIDSpan, 0)
	test.That(t, m.InsertKeyFrame(kf1), test.ShouldBeNil)
	test.That(t, m.InsertKeyFrame(kf2), test.ShouldBeNil)

	kf1.SetCovisibilityWeight(kf2.ID, 30)
	kf2.SetCovisibilityWeight(kf1.ID, 30)

	test.That(t, kf1.CovisibilityWeight(kf2.ID), test.ShouldEqual, 30)
	best := kf1.BestCovisible(-1)
	test.That(t, best, test.ShouldResemble, []uint64{kf2.ID})
}

func TestMapPointReplacementTransparency(t *testing.T) {
	m := mapping.NewMap()
	kf := newTestKF(0, 2)
	test.That(t, m.InsertKeyFrame(kf), test.ShouldBeNil)

	a := mapping.NewMapPoint(100, r3.Vector{}, 0)
	b := mapping.NewMapPoint(101, r3.Vector{}, 0)
	test.That(t, m.InsertMapPoint(a), test.ShouldBeNil)
	test.That(t, m.InsertMapPoint(b), test.ShouldBeNil)

	kf.SetObservation(0, a.ID)
	a.AddObservation(kf.ID, 0)

	test.That(t, m.ReplaceMapPoint(a.ID, b.ID), test.ShouldBeNil)

	replacement, ok := a.Replacement()
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, replacement, test.ShouldEqual, b.ID)

	slot, ok := kf.Observation(0)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, slot, test.ShouldEqual, b.ID)

	_, stillLive := m.GetMapPoint(a.ID)
	test.That(t, stillLive, test.ShouldBeFalse)
}

// TestMapPointReplacementClearsDualObservation covers the fusion case where
// a single KF already observes both the dropped and kept MP at different
// feature slots: the dropped slot must be cleared, not overwritten, per
// original_source/src/MapPoint.cc's IsInKeyFrame(pKF) check.
func TestMapPointReplacementClearsDualObservation(t *testing.T) {
	m := mapping.NewMap()
	kf := newTestKF(0, 2)
	test.That(t, m.InsertKeyFrame(kf), test.ShouldBeNil)

	dropped := mapping.NewMapPoint(100, r3.Vector{}, 0)
	kept := mapping.NewMapPoint(101, r3.Vector{}, 0)
	test.That(t, m.InsertMapPoint(dropped), test.ShouldBeNil)
	test.That(t, m.InsertMapPoint(kept), test.ShouldBeNil)

	kf.SetObservation(0, dropped.ID)
	dropped.AddObservation(kf.ID, 0)
	kf.SetObservation(1, kept.ID)
	kept.AddObservation(kf.ID, 1)

	test.That(t, m.ReplaceMapPoint(dropped.ID, kept.ID), test.ShouldBeNil)

	slot0, ok := kf.Observation(0)
	test.That(t, ok, test.ShouldBeFalse)
	test.That(t, slot0, test.ShouldEqual, uint64(0))

	slot1, ok := kf.Observation(1)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, slot1, test.ShouldEqual, kept.ID)
}

func TestCullKeyFrameReparentsChildren(t *testing.T) {
	m := mapping.NewMap()
	p := newTestKF(0, 0)
	c1 := newTestKF(mapping.KeyFrameIDSpan, 0)
	c2 := newTestKF(2*mapping.KeyFrameIDSpan, 0)
	n := newTestKF(3*mapping.KeyFrameIDSpan, 0)

	for _, kf := range []*mapping.KeyFrame{p, c1, c2, n} {
		test.That(t, m.InsertKeyFrame(kf), test.ShouldBeNil)
	}

	p.AddChild(c1.ID)
	p.AddChild(c2.ID)
	c1.SetParent(p.ID)
	c2.SetParent(p.ID)

	p.SetCovisibilityWeight(n.ID, 20)
	n.SetCovisibilityWeight(p.ID, 20)
	c1.SetCovisibilityWeight(n.ID, 50)
	n.SetCovisibilityWeight(c1.ID, 50)
	c2.SetCovisibilityWeight(n.ID, 40)
	n.SetCovisibilityWeight(c2.ID, 40)

	culled, err := m.CullKeyFrame(p.ID)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, culled, test.ShouldBeTrue)

	parent1, ok := c1.Parent()
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, parent1, test.ShouldEqual, n.ID)

	test.That(t, m.IsSpanningTreeAcyclic(), test.ShouldBeTrue)
}

func TestKeyFrameNotEraseDefersCull(t *testing.T) {
	m := mapping.NewMap()
	kf := newTestKF(0, 0)
	test.That(t, m.InsertKeyFrame(kf), test.ShouldBeNil)

	kf.SetNotErase()
	culled, err := m.CullKeyFrame(kf.ID)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, culled, test.ShouldBeFalse)
	test.That(t, kf.IsBad(), test.ShouldBeFalse)

	commit := kf.SetErase()
	test.That(t, commit, test.ShouldBeTrue)
	test.That(t, kf.IsBad(), test.ShouldBeTrue)
}
