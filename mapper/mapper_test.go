package mapper_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"go.mapkit.dev/slammapper/geometry"
	"go.mapkit.dev/slammapper/logging"
	"go.mapkit.dev/slammapper/mapper"
	"go.mapkit.dev/slammapper/mapping"
	"go.mapkit.dev/slammapper/transport"
	"go.mapkit.dev/slammapper/wire"
	"go.mapkit.dev/slammapper/workerpool"
)

type fakeLocalMapping struct {
	accepting bool
	enqueued  []*mapping.KeyFrame
	drained   bool
	reseeded  bool
}

func (f *fakeLocalMapping) Enqueue(kf *mapping.KeyFrame) bool {
	if !f.accepting {
		return false
	}
	f.enqueued = append(f.enqueued, kf)
	return true
}
func (f *fakeLocalMapping) AcceptKeyframes() bool      { return f.accepting }
func (f *fakeLocalMapping) DrainQueue()                { f.drained = true }
func (f *fakeLocalMapping) ResetIDStream()             { f.reseeded = true }
func (f *fakeLocalMapping) Worker() *workerpool.Worker { return nil }

func newTestServer(t *testing.T) (*mapper.Server, *fakeLocalMapping) {
	m := mapping.NewMap()
	db := mapping.NewKeyFrameDatabase()
	lm := &fakeLocalMapping{accepting: true}
	s := mapper.NewServer(logging.NewTestLogger(t), m, db, lm, nil)
	return s, lm
}

func TestLoginTrackerAllocatesSequentialIDs(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := context.Background()

	first, err := s.LoginTracker(ctx, geometry.Identity())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, first.TrackerID, test.ShouldEqual, uint64(0))
	test.That(t, first.KFIDSpan, test.ShouldEqual, mapping.KeyFrameIDSpan)

	second, err := s.LoginTracker(ctx, geometry.Identity())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, second.TrackerID, test.ShouldEqual, uint64(1))
}

func TestLoginTrackerRejectsBeyondMaxTrackers(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := context.Background()

	for i := 0; i < mapping.MaxTrackers; i++ {
		_, err := s.LoginTracker(ctx, geometry.Identity())
		test.That(t, err, test.ShouldBeNil)
	}
	_, err := s.LoginTracker(ctx, geometry.Identity())
	test.That(t, err, test.ShouldEqual, mapper.ErrMaxTrackersReached)
}

func TestLogoutFreesTrackerSlotForReuse(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := context.Background()

	login, err := s.LoginTracker(ctx, geometry.Identity())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, s.LogoutTracker(ctx, login.TrackerID), test.ShouldBeNil)

	relogin, err := s.LoginTracker(ctx, geometry.Identity())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, relogin.TrackerID, test.ShouldEqual, login.TrackerID)
}

func TestLogoutUnknownTrackerFails(t *testing.T) {
	s, _ := newTestServer(t)
	err := s.LogoutTracker(context.Background(), 3)
	test.That(t, errCause(err), test.ShouldEqual, mapper.ErrUnknownTracker)
}

func TestInsertKeyFrameRejectsWrongOwnerID(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := context.Background()
	login, err := s.LoginTracker(ctx, geometry.Identity())
	test.That(t, err, test.ShouldBeNil)

	otherTrackersKF := mapping.NewKeyFrame(login.TrackerID+1, 0, mapping.CameraIntrinsics{}, mapping.GridGeometry{}, nil, nil)
	_, err = s.InsertKeyFrame(ctx, login.TrackerID, otherTrackersKF, nil, nil)
	test.That(t, errCause(err), test.ShouldEqual, mapper.ErrIDOutOfStream)
}

func TestInsertKeyFrameRejectsAlreadyUsedID(t *testing.T) {
	s, lm := newTestServer(t)
	ctx := context.Background()
	login, err := s.LoginTracker(ctx, geometry.Identity())
	test.That(t, err, test.ShouldBeNil)

	kf := mapping.NewKeyFrame(login.FirstKFID, 0, mapping.CameraIntrinsics{}, mapping.GridGeometry{}, nil, nil)
	accepted, err := s.InsertKeyFrame(ctx, login.TrackerID, kf, nil, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, accepted, test.ShouldBeTrue)
	test.That(t, len(lm.enqueued), test.ShouldEqual, 1)

	_, err = s.InsertKeyFrame(ctx, login.TrackerID, kf, nil, nil)
	test.That(t, errCause(err), test.ShouldEqual, mapper.ErrIDAlreadyUsed)
}

func TestInsertKeyFrameRejectedWhenLocalMappingNotAccepting(t *testing.T) {
	s, lm := newTestServer(t)
	ctx := context.Background()
	login, err := s.LoginTracker(ctx, geometry.Identity())
	test.That(t, err, test.ShouldBeNil)

	lm.accepting = false
	kf := mapping.NewKeyFrame(login.FirstKFID, 0, mapping.CameraIntrinsics{}, mapping.GridGeometry{}, nil, nil)
	accepted, err := s.InsertKeyFrame(ctx, login.TrackerID, kf, nil, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, accepted, test.ShouldBeFalse)
}

func TestInitializeOnlyTrackerZeroOnce(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := context.Background()

	_, err := s.LoginTracker(ctx, geometry.Identity())
	test.That(t, err, test.ShouldBeNil)
	second, err := s.LoginTracker(ctx, geometry.Identity())
	test.That(t, err, test.ShouldBeNil)

	kf1 := mapping.NewKeyFrame(0, 0, mapping.CameraIntrinsics{}, mapping.GridGeometry{}, nil, nil)
	err = s.InitializeMono(ctx, second.TrackerID, nil, kf1)
	test.That(t, err, test.ShouldEqual, mapper.ErrInitializerOnly)

	kf0 := mapping.NewKeyFrame(0, 0, mapping.CameraIntrinsics{}, mapping.GridGeometry{}, nil, nil)
	mp := mapping.NewMapPoint(mapping.MaxTrackers, r3.Vector{}, 0)
	err = s.InitializeMono(ctx, 0, []*mapping.MapPoint{mp}, kf0)
	test.That(t, err, test.ShouldBeNil)

	err = s.InitializeMono(ctx, 0, nil, kf0)
	test.That(t, err, test.ShouldEqual, mapper.ErrAlreadyInitialized)
}

func TestUpdatePosePublishesEventToSubscribers(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := context.Background()
	login, err := s.LoginTracker(ctx, geometry.Identity())
	test.That(t, err, test.ShouldBeNil)

	ch := make(chan mapper.Event, 4)
	s.Subscribe(ch)

	pose := geometry.NewPose(geometry.Identity().R, r3.Vector{X: 1, Y: 2, Z: 3})
	test.That(t, s.UpdatePose(ctx, login.TrackerID, pose), test.ShouldBeNil)

	ev := <-ch
	test.That(t, ev.Kind, test.ShouldEqual, mapper.EventTrackerPose)
	test.That(t, ev.TrackerID, test.ShouldEqual, login.TrackerID)

	poses, err := s.GetTrackerPoses(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, poses[login.TrackerID], test.ShouldResemble, pose)
}

func TestResetReseedsAndEmitsEvent(t *testing.T) {
	s, lm := newTestServer(t)
	ctx := context.Background()
	login, err := s.LoginTracker(ctx, geometry.Identity())
	test.That(t, err, test.ShouldBeNil)

	ch := make(chan mapper.Event, 4)
	s.Subscribe(ch)

	test.That(t, s.Reset(ctx), test.ShouldBeNil)
	test.That(t, lm.drained, test.ShouldBeTrue)
	test.That(t, lm.reseeded, test.ShouldBeTrue)

	ev := <-ch
	test.That(t, ev.Kind, test.ShouldEqual, mapper.EventReset)

	poses, err := s.GetTrackerPoses(ctx)
	test.That(t, err, test.ShouldBeNil)
	_, stillConnected := poses[login.TrackerID]
	test.That(t, stillConnected, test.ShouldBeTrue)
}

// newFreePort binds a listener on an OS-assigned port, then releases it, so
// Serve can be handed a concrete address without a fixed port colliding
// across test runs (mirrors transport_test.go's helper).
func newFreePort(t *testing.T) string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	test.That(t, err, test.ShouldBeNil)
	addr := ln.Addr().String()
	test.That(t, ln.Close(), test.ShouldBeNil)
	return addr
}

func waitForKeyFrame(t *testing.T, m *mapping.Map, id uint64) *mapping.KeyFrame {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if kf, ok := m.GetKeyFrame(id); ok {
			return kf
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for keyframe %d to appear in mirror", id)
	return nil
}

// TestClientMirrorAppliesMapChange covers the previously-missing wiring
// between a server's published MapChange events and a client proxy's local
// mirror (spec.md §4.6): the published entity must be decoded and inserted,
// and an Erased publication must remove it again.
func TestClientMirrorAppliesMapChange(t *testing.T) {
	addr := newFreePort(t)
	log := logging.NewTestLogger(t)
	pub := transport.NewPublisher(log)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = pub.Serve(ctx, addr) }()
	time.Sleep(20 * time.Millisecond)

	sub, err := transport.DialSubscriber(context.Background(), addr)
	test.That(t, err, test.ShouldBeNil)
	t.Cleanup(func() { _ = sub.Close() })

	mirror := mapping.NewMap()
	mapper.NewClient(log, nil, sub, mirror)
	time.Sleep(20 * time.Millisecond)

	kf := mapping.NewKeyFrame(7, 1.0, mapping.CameraIntrinsics{FX: 500, FY: 500}, mapping.GridGeometry{}, nil, mapping.BoWVector{})
	addedPayload := wire.EncodeMapChange(wire.MapChange{
		Kind:   wire.MapChangeKeyFrameAdded,
		ID:     kf.ID,
		Entity: wire.EncodeKeyFrame(kf),
	})
	pub.Publish(transport.PublishedMessage{SubscribeID: transport.SubscribeMapChange, Entity: addedPayload})

	got := waitForKeyFrame(t, mirror, kf.ID)
	test.That(t, got.ID, test.ShouldEqual, kf.ID)

	erasedPayload := wire.EncodeMapChange(wire.MapChange{Kind: wire.MapChangeKeyFrameErased, ID: kf.ID})
	pub.Publish(transport.PublishedMessage{SubscribeID: transport.SubscribeMapChange, Entity: erasedPayload})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := mirror.GetKeyFrame(kf.ID); !ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for erased keyframe to be removed from mirror")
}

type causer interface {
	Cause() error
}

func errCause(err error) error {
	for {
		c, ok := err.(causer)
		if !ok {
			return err
		}
		err = c.Cause()
	}
}
