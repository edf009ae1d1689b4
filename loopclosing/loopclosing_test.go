package loopclosing_test

import (
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"go.mapkit.dev/slammapper/loopclosing"
	"go.mapkit.dev/slammapper/logging"
	"go.mapkit.dev/slammapper/mapping"
)

func newTestKF(id uint64, bow mapping.BoWVector) *mapping.KeyFrame {
	return mapping.NewKeyFrame(id, float64(id), mapping.CameraIntrinsics{FX: 500, FY: 500, CX: 320, CY: 240}, mapping.GridGeometry{}, nil, bow)
}

// identityMatcher returns enough exactly-matching correspondences that
// RANSAC's Sim(3) estimate is the identity transform with every
// correspondence an inlier, regardless of which two KFs are passed in.
type identityMatcher struct{}

func (identityMatcher) MatchFeatures(a, b *mapping.KeyFrame) ([]r3.Vector, []r3.Vector, error) {
	points := make([]r3.Vector, 25)
	for i := range points {
		points[i] = r3.Vector{X: float64(i), Y: float64(i % 5), Z: 1 + float64(i%3)}
	}
	return points, points, nil
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for condition")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestLoopClosingDetectsCandidateAfterTemporalConsistencyAndAddsLoopEdge(t *testing.T) {
	m := mapping.NewMap()
	db := mapping.NewKeyFrameDatabase()

	sharedBoW := mapping.BoWVector{1: 1.0, 2: 0.5}
	c := newTestKF(0, sharedBoW)
	test.That(t, m.InsertKeyFrame(c), test.ShouldBeNil)
	db.Add(c)

	lc := loopclosing.New(logging.NewTestLogger(t), m, db, identityMatcher{}, nil, nil)
	worker := lc.Run()
	defer worker.Stop()

	var lastQ *mapping.KeyFrame
	for i := 0; i < 3; i++ {
		lastQ = newTestKF(uint64(100+i), sharedBoW)
		lc.Submit(lastQ)
		// Give the worker a chance to drain this submission before the next,
		// since temporal consistency counts consecutive Submit calls.
		time.Sleep(20 * time.Millisecond)
	}

	waitUntil(t, func() bool { return len(lastQ.LoopEdges()) > 0 })
	test.That(t, lastQ.LoopEdges(), test.ShouldResemble, []uint64{c.ID})
	test.That(t, c.LoopEdges(), test.ShouldResemble, []uint64{lastQ.ID})
}

func TestLoopClosingIgnoresCandidateBelowTemporalConsistency(t *testing.T) {
	m := mapping.NewMap()
	db := mapping.NewKeyFrameDatabase()

	sharedBoW := mapping.BoWVector{1: 1.0}
	c := newTestKF(0, sharedBoW)
	test.That(t, m.InsertKeyFrame(c), test.ShouldBeNil)
	db.Add(c)

	lc := loopclosing.New(logging.NewTestLogger(t), m, db, identityMatcher{}, nil, nil)
	worker := lc.Run()
	defer worker.Stop()

	q := newTestKF(100, sharedBoW)
	lc.Submit(q)
	time.Sleep(50 * time.Millisecond)

	test.That(t, len(q.LoopEdges()), test.ShouldEqual, 0)
}

func TestSubmitDropsWhenQueueFull(t *testing.T) {
	m := mapping.NewMap()
	db := mapping.NewKeyFrameDatabase()
	lc := loopclosing.New(logging.NewTestLogger(t), m, db, nil, nil, nil)

	// No Run() call: nothing drains the channel, so this must not block
	// once the queue fills, only log and drop.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			lc.Submit(newTestKF(uint64(i), nil))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Submit blocked instead of dropping once the queue filled")
	}
}
