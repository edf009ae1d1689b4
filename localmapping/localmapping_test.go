package localmapping_test

import (
	"sync"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"go.mapkit.dev/slammapper/localmapping"
	"go.mapkit.dev/slammapper/logging"
	"go.mapkit.dev/slammapper/mapping"
)

func newTestKF(id uint64, numFeatures int) *mapping.KeyFrame {
	features := make([]mapping.Feature, numFeatures)
	return mapping.NewKeyFrame(id, float64(id), mapping.CameraIntrinsics{FX: 500, FY: 500, CX: 320, CY: 240}, mapping.GridGeometry{}, features, mapping.BoWVector{})
}

type collectingDownstream struct {
	mu  sync.Mutex
	ids []uint64
}

func (c *collectingDownstream) Submit(kf *mapping.KeyFrame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids = append(c.ids, kf.ID)
}

func (c *collectingDownstream) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ids)
}

func waitForCount(t *testing.T, c *collectingDownstream, n int) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if c.count() >= n {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %d submissions, got %d", n, c.count())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestEnqueueRespectsBackpressureLimit(t *testing.T) {
	m := mapping.NewMap()
	db := mapping.NewKeyFrameDatabase()
	lm := localmapping.New(logging.NewTestLogger(t), m, db, nil, nil)

	for i := 0; i < 20; i++ {
		test.That(t, lm.Enqueue(newTestKF(uint64(i*int(mapping.KeyFrameIDSpan)), 0)), test.ShouldBeTrue)
	}
	test.That(t, lm.AcceptKeyframes(), test.ShouldBeFalse)
	test.That(t, lm.Enqueue(newTestKF(20*mapping.KeyFrameIDSpan, 0)), test.ShouldBeFalse)
}

func TestDrainQueueClearsPending(t *testing.T) {
	m := mapping.NewMap()
	db := mapping.NewKeyFrameDatabase()
	lm := localmapping.New(logging.NewTestLogger(t), m, db, nil, nil)

	test.That(t, lm.Enqueue(newTestKF(0, 0)), test.ShouldBeTrue)
	lm.DrainQueue()
	test.That(t, lm.AcceptKeyframes(), test.ShouldBeTrue)
}

func TestAllocateMapPointIDUsesReservedStream(t *testing.T) {
	m := mapping.NewMap()
	db := mapping.NewKeyFrameDatabase()
	lm := localmapping.New(logging.NewTestLogger(t), m, db, nil, nil)

	first := lm.AllocateMapPointID()
	second := lm.AllocateMapPointID()
	test.That(t, first, test.ShouldEqual, mapping.LocalMappingTrackerID)
	test.That(t, second-first, test.ShouldEqual, mapping.MapPointIDSpan)
	test.That(t, mapping.MPOwningTracker(first), test.ShouldEqual, mapping.LocalMappingTrackerID)
}

func TestResetIDStreamReseeds(t *testing.T) {
	m := mapping.NewMap()
	db := mapping.NewKeyFrameDatabase()
	lm := localmapping.New(logging.NewTestLogger(t), m, db, nil, nil)

	lm.AllocateMapPointID()
	lm.AllocateMapPointID()
	lm.ResetIDStream()
	test.That(t, lm.AllocateMapPointID(), test.ShouldEqual, mapping.LocalMappingTrackerID)
}

func TestRunProcessesQueuedKeyFrameAndSetsCovisibility(t *testing.T) {
	m := mapping.NewMap()
	db := mapping.NewKeyFrameDatabase()
	lm := localmapping.New(logging.NewTestLogger(t), m, db, nil, nil)

	kf0 := newTestKF(0, 2)
	kf1 := newTestKF(mapping.KeyFrameIDSpan, 2)
	test.That(t, m.InsertKeyFrame(kf1), test.ShouldBeNil)

	mp := mapping.NewMapPoint(100, r3.Vector{X: 1, Y: 2, Z: 3}, kf1.ID)
	test.That(t, m.InsertMapPoint(mp), test.ShouldBeNil)
	kf1.SetObservation(0, mp.ID)
	mp.AddObservation(kf1.ID, 0)

	kf0.SetObservation(0, mp.ID)

	downstream := &collectingDownstream{}
	worker := lm.Run(downstream)
	defer worker.Stop()

	test.That(t, lm.Enqueue(kf0), test.ShouldBeTrue)
	waitForCount(t, downstream, 1)

	got, ok := m.GetKeyFrame(kf0.ID)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, got.CovisibilityWeight(kf1.ID), test.ShouldEqual, 1)

	mpAfter, ok := m.ResolveMapPoint(mp.ID)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, mpAfter.ObservationCount(), test.ShouldEqual, 2)
}
