package transport

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"

	"go.mapkit.dev/slammapper/geometry"
	"go.mapkit.dev/slammapper/mapping"
	"go.mapkit.dev/slammapper/wire"
)

// RequestClient is the tracker side of the synchronous request/reply
// socket. A single persistent connection serializes calls under callMu,
// matching the one-request-in-flight discipline of the original tracker
// client (spec.md §4.6).
type RequestClient struct {
	conn *framedConn

	callMu sync.Mutex
}

// DialRequest connects to a RequestServer at addr.
func DialRequest(ctx context.Context, addr string) (*RequestClient, error) {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "transport: dial request socket")
	}
	return &RequestClient{conn: newFramedConn(conn)}, nil
}

// Close closes the underlying connection.
func (c *RequestClient) Close() error {
	return c.conn.Close()
}

// call sends one request frame and waits for the matching reply frame,
// applying ctx's deadline to the connection if it has one.
func (c *RequestClient) call(ctx context.Context, svc ServiceId, payload []byte) ([]byte, error) {
	c.callMu.Lock()
	defer c.callMu.Unlock()

	if dl, ok := ctx.Deadline(); ok {
		_ = c.conn.SetDeadline(dl)
	} else {
		_ = c.conn.SetDeadline(time.Time{})
	}

	if err := c.conn.writeFrame(uint32(svc), payload); err != nil {
		return nil, err
	}
	_, reply, err := c.conn.readFrame()
	if err != nil {
		return nil, errors.Wrap(err, "transport: read reply")
	}
	return reply, nil
}

func readReplyCode(r *reader) (ReplyCode, error) {
	if err := r.checkAvail(4); err != nil {
		return 0, err
	}
	return ReplyCode(r.u32()), nil
}

// Greet performs the initial handshake.
func (c *RequestClient) Greet(ctx context.Context, message string) (string, error) {
	w := &writer{}
	w.bytesField([]byte(message))
	reply, err := c.call(ctx, ServiceGreet, w.buf.Bytes())
	if err != nil {
		return "", err
	}
	r := &reader{b: reply}
	code, err := readReplyCode(r)
	if err != nil {
		return "", err
	}
	msg := string(r.bytesField())
	if code != ReplySucceeded {
		return "", errors.Errorf("transport: greet failed: %s", msg)
	}
	return msg, nil
}

// LoginTracker sends a LoginTrackerRequest and returns the decoded reply.
func (c *RequestClient) LoginTracker(ctx context.Context, pivotCalib geometry.Pose) (LoginTrackerReply, error) {
	w := &writer{}
	w.pose(pivotCalib)
	reply, err := c.call(ctx, ServiceLoginTracker, w.buf.Bytes())
	if err != nil {
		return LoginTrackerReply{}, err
	}
	r := &reader{b: reply}
	if err := r.checkAvail(4); err != nil {
		return LoginTrackerReply{}, err
	}
	code := ReplyCode(r.u32())
	if code != ReplySucceeded {
		return LoginTrackerReply{}, errors.New("transport: login rejected")
	}
	if err := r.checkAvail(40); err != nil {
		return LoginTrackerReply{}, err
	}
	return LoginTrackerReply{
		ReplyCode: code,
		TrackerID: r.u64(),
		FirstKFID: r.u64(),
		KFIDSpan:  r.u64(),
		FirstMPID: r.u64(),
		MPIDSpan:  r.u64(),
	}, nil
}

// decodeInsertKeyFrameReply parses the reply to an InsertKeyFrame request.
func decodeInsertKeyFrameReply(payload []byte) (InsertKeyFrameReply, error) {
	r := &reader{b: payload}
	if err := r.checkAvail(5); err != nil {
		return InsertKeyFrameReply{}, err
	}
	return InsertKeyFrameReply{ReplyCode: ReplyCode(r.u32()), Inserted: r.boolean()}, nil
}

// Logout sends a logout request for trackerID.
func (c *RequestClient) Logout(ctx context.Context, trackerID uint64) error {
	w := &writer{}
	w.u64(trackerID)
	reply, err := c.call(ctx, ServiceLogoutTracker, w.buf.Bytes())
	if err != nil {
		return err
	}
	return decodeGeneralReply(reply)
}

// InsertKeyFrame sends the serialised KF and MP payloads for insertion.
func (c *RequestClient) InsertKeyFrame(ctx context.Context, trackerID uint64, kf *mapping.KeyFrame, createdMPs, updatedMPs []*mapping.MapPoint) (bool, error) {
	w := &writer{}
	w.u64(trackerID)
	w.bytesField(wire.EncodeKeyFrame(kf))
	w.u32(uint32(len(createdMPs)))
	for _, mp := range createdMPs {
		w.bytesField(wire.EncodeMapPoint(mp))
	}
	w.u32(uint32(len(updatedMPs)))
	for _, mp := range updatedMPs {
		w.bytesField(wire.EncodeMapPoint(mp))
	}

	reply, err := c.call(ctx, ServiceInsertKeyFrame, w.buf.Bytes())
	if err != nil {
		return false, err
	}
	decoded, err := decodeInsertKeyFrameReply(reply)
	if err != nil {
		return false, err
	}
	if decoded.ReplyCode != ReplySucceeded {
		return false, nil
	}
	return decoded.Inserted, nil
}

// Initialize sends an Initialize request seeding the map with its first
// KF(s) and MapPoints. kf2 is nil for a mono initialization.
func (c *RequestClient) Initialize(ctx context.Context, trackerID uint64, mapPoints []*mapping.MapPoint, kf1, kf2 *mapping.KeyFrame) error {
	w := &writer{}
	w.u64(trackerID)
	w.u32(uint32(len(mapPoints)))
	for _, mp := range mapPoints {
		w.bytesField(wire.EncodeMapPoint(mp))
	}
	w.bytesField(wire.EncodeKeyFrame(kf1))
	hasKF2 := kf2 != nil
	w.boolean(hasKF2)
	if hasKF2 {
		w.bytesField(wire.EncodeKeyFrame(kf2))
	}

	svc := ServiceInitializeMono
	if hasKF2 {
		svc = ServiceInitializeStereo
	}
	reply, err := c.call(ctx, svc, w.buf.Bytes())
	if err != nil {
		return err
	}
	return decodeGeneralReply(reply)
}

// UpdatePose sends a pose update for trackerID.
func (c *RequestClient) UpdatePose(ctx context.Context, trackerID uint64, pose geometry.Pose) error {
	w := &writer{}
	w.u64(trackerID)
	w.pose(pose)
	reply, err := c.call(ctx, ServiceUpdatePose, w.buf.Bytes())
	if err != nil {
		return err
	}
	return decodeGeneralReply(reply)
}

// GetTrackerPoses returns the server's last known pose per tracker.
func (c *RequestClient) GetTrackerPoses(ctx context.Context) (map[uint64]geometry.Pose, error) {
	return c.getPoseMap(ctx, ServiceGetTrackerPoses)
}

// GetTrackerPivots returns the pivot calibration pose per tracker.
func (c *RequestClient) GetTrackerPivots(ctx context.Context) (map[uint64]geometry.Pose, error) {
	return c.getPoseMap(ctx, ServiceGetTrackerPivots)
}

func (c *RequestClient) getPoseMap(ctx context.Context, svc ServiceId) (map[uint64]geometry.Pose, error) {
	reply, err := c.call(ctx, svc, nil)
	if err != nil {
		return nil, err
	}
	r := &reader{b: reply}
	if err := r.checkAvail(4); err != nil {
		return nil, err
	}
	if code := ReplyCode(r.u32()); code != ReplySucceeded {
		return nil, errors.New("transport: request failed")
	}
	if err := r.checkAvail(4); err != nil {
		return nil, err
	}
	n := int(r.u32())
	out := make(map[uint64]geometry.Pose, n)
	for i := 0; i < n; i++ {
		id := r.u64()
		out[id] = r.pose()
	}
	return out, nil
}

// DetectRelocalizationCandidates sends a BoW query and returns ranked
// candidates.
func (c *RequestClient) DetectRelocalizationCandidates(ctx context.Context, bow mapping.BoWVector) ([]mapping.Candidate, error) {
	w := &writer{}
	w.bowVector(bow)
	reply, err := c.call(ctx, ServiceDetectRelocalizationCandidates, w.buf.Bytes())
	if err != nil {
		return nil, err
	}
	r := &reader{b: reply}
	if err := r.checkAvail(4); err != nil {
		return nil, err
	}
	if code := ReplyCode(r.u32()); code != ReplySucceeded {
		return nil, errors.New("transport: request failed")
	}
	n := int(r.u32())
	out := make([]mapping.Candidate, n)
	for i := range out {
		out[i] = mapping.Candidate{KeyFrameID: r.u64(), Score: r.f64()}
	}
	return out, nil
}

// Reset sends a reset request.
func (c *RequestClient) Reset(ctx context.Context) error {
	reply, err := c.call(ctx, ServiceReset, nil)
	if err != nil {
		return err
	}
	return decodeGeneralReply(reply)
}

func decodeGeneralReply(payload []byte) error {
	r := &reader{b: payload}
	if err := r.checkAvail(4); err != nil {
		return err
	}
	reply := GeneralReply{ReplyCode: ReplyCode(r.u32()), Message: string(r.bytesField())}
	if reply.ReplyCode != ReplySucceeded {
		return errors.Errorf("transport: request failed: %s", reply.Message)
	}
	return nil
}
