package transport_test

import (
	"context"
	"net"
	"testing"
	"time"

	"go.viam.com/test"

	"go.mapkit.dev/slammapper/geometry"
	"go.mapkit.dev/slammapper/logging"
	"go.mapkit.dev/slammapper/mapping"
	"go.mapkit.dev/slammapper/transport"
)

type fakeHandler struct {
	loggedIn bool
}

func (f *fakeHandler) LoginTracker(ctx context.Context, pivotCalib geometry.Pose) (uint64, uint64, uint64, uint64, uint64, error) {
	f.loggedIn = true
	return 0, 0, mapping.KeyFrameIDSpan, 0, mapping.MapPointIDSpan, nil
}
func (f *fakeHandler) LogoutTracker(ctx context.Context, trackerID uint64) error { return nil }
func (f *fakeHandler) InsertKeyFrame(ctx context.Context, trackerID uint64, kf *mapping.KeyFrame, createdMPs, updatedMPs []*mapping.MapPoint) (bool, error) {
	return true, nil
}
func (f *fakeHandler) InitializeMono(ctx context.Context, trackerID uint64, mapPoints []*mapping.MapPoint, kf1 *mapping.KeyFrame) error {
	return nil
}
func (f *fakeHandler) InitializeStereo(ctx context.Context, trackerID uint64, mapPoints []*mapping.MapPoint, kf1, kf2 *mapping.KeyFrame) error {
	return nil
}
func (f *fakeHandler) UpdatePose(ctx context.Context, trackerID uint64, pose geometry.Pose) error {
	return nil
}
func (f *fakeHandler) GetTrackerPoses(ctx context.Context) (map[uint64]geometry.Pose, error) {
	return map[uint64]geometry.Pose{0: geometry.Identity()}, nil
}
func (f *fakeHandler) GetTrackerPivots(ctx context.Context) (map[uint64]geometry.Pose, error) {
	return map[uint64]geometry.Pose{0: geometry.Identity()}, nil
}
func (f *fakeHandler) DetectRelocalizationCandidates(ctx context.Context, bow mapping.BoWVector) ([]mapping.Candidate, error) {
	return []mapping.Candidate{{KeyFrameID: 5, Score: 0.9}}, nil
}
func (f *fakeHandler) Reset(ctx context.Context) error { return nil }

// newFreePort binds a listener on an OS-assigned port, then releases it, so
// Serve can be handed a concrete address without a fixed port colliding
// across test runs.
func newFreePort() (string, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", err
	}
	addr := ln.Addr().String()
	if err := ln.Close(); err != nil {
		return "", err
	}
	return addr, nil
}

func TestRequestClientLoginRoundTrip(t *testing.T) {
	addr, err := newFreePort()
	test.That(t, err, test.ShouldBeNil)

	h := &fakeHandler{}
	log := logging.NewTestLogger(t)
	srv := transport.NewRequestServer(log, h, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = srv.Serve(ctx, addr) }()
	time.Sleep(20 * time.Millisecond)

	client, err := transport.DialRequest(context.Background(), addr)
	test.That(t, err, test.ShouldBeNil)
	t.Cleanup(func() { _ = client.Close() })

	reply, err := client.LoginTracker(context.Background(), geometry.Identity())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, reply.TrackerID, test.ShouldEqual, uint64(0))
	test.That(t, reply.KFIDSpan, test.ShouldEqual, uint64(mapping.KeyFrameIDSpan))
	test.That(t, h.loggedIn, test.ShouldBeTrue)
}

func TestRequestClientDetectRelocalizationCandidates(t *testing.T) {
	addr, err := newFreePort()
	test.That(t, err, test.ShouldBeNil)

	h := &fakeHandler{}
	log := logging.NewTestLogger(t)
	srv := transport.NewRequestServer(log, h, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = srv.Serve(ctx, addr) }()
	time.Sleep(20 * time.Millisecond)

	client, err := transport.DialRequest(context.Background(), addr)
	test.That(t, err, test.ShouldBeNil)
	t.Cleanup(func() { _ = client.Close() })

	candidates, err := client.DetectRelocalizationCandidates(context.Background(), mapping.BoWVector{1: 0.5})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(candidates), test.ShouldEqual, 1)
	test.That(t, candidates[0].KeyFrameID, test.ShouldEqual, uint64(5))
}

func TestPublisherFanOut(t *testing.T) {
	addr, err := newFreePort()
	test.That(t, err, test.ShouldBeNil)

	log := logging.NewTestLogger(t)
	pub := transport.NewPublisher(log)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = pub.Serve(ctx, addr) }()
	time.Sleep(20 * time.Millisecond)

	sub, err := transport.DialSubscriber(context.Background(), addr)
	test.That(t, err, test.ShouldBeNil)
	t.Cleanup(func() { _ = sub.Close() })
	time.Sleep(20 * time.Millisecond)

	pub.Publish(transport.PublishedMessage{SubscribeID: transport.SubscribeTrackerPose, TrackerID: 3})

	select {
	case msg := <-sub.Messages():
		test.That(t, msg.SubscribeID, test.ShouldEqual, transport.SubscribeTrackerPose)
		test.That(t, msg.TrackerID, test.ShouldEqual, uint64(3))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for published message")
	}
}
