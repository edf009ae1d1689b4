package mapper

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"go.mapkit.dev/slammapper/geometry"
	"go.mapkit.dev/slammapper/logging"
	"go.mapkit.dev/slammapper/mapping"
	"go.mapkit.dev/slammapper/transport"
	"go.mapkit.dev/slammapper/wire"
)

// Client is a pure proxy Mapper implementation: every method round-trips
// through a transport.RequestClient. Its local Map mirror is updated only
// from subscription events, never from direct mutation (spec.md §4.6 last
// paragraph, DESIGN.md Open Question 1).
type Client struct {
	log    logging.Logger
	req    *transport.RequestClient
	mirror *mapping.Map

	subMu sync.Mutex
	subs  []chan Event
}

// NewClient constructs a client-side Mapper proxy over req, mirroring map
// state into mirror as subscription events arrive.
func NewClient(log logging.Logger, req *transport.RequestClient, sub *transport.Subscriber, mirror *mapping.Map) *Client {
	c := &Client{log: log, req: req, mirror: mirror}
	if sub != nil {
		go c.consumeSubscription(sub)
	}
	return c
}

func (c *Client) consumeSubscription(sub *transport.Subscriber) {
	for msg := range sub.Messages() {
		c.applyRemoteEvent(msg)
	}
}

func (c *Client) applyRemoteEvent(msg transport.PublishedMessage) {
	switch msg.SubscribeID {
	case transport.SubscribeMapChange:
		c.applyMapChange(msg.Entity)
	case transport.SubscribeReset:
		c.mirror.Clear()
		c.publish(Event{Kind: EventReset})
	case transport.SubscribeTrackerPose:
		c.publish(Event{Kind: EventTrackerPose, TrackerID: msg.TrackerID})
	}
}

// applyMapChange decodes a wire.MapChange envelope and applies it to the
// local mirror: Added/Updated entities are decoded, linked against the
// mirror's already-present peers, and (re-)inserted; Erased entities are
// dropped from the mirror outright. This is the mirror-population path
// spec.md §4.6 requires of the client proxy.
func (c *Client) applyMapChange(payload []byte) {
	change, err := wire.DecodeMapChange(payload)
	if err != nil {
		c.log.Warnw("mirror: dropping malformed map change", "error", err)
		return
	}
	switch change.Kind {
	case wire.MapChangeKeyFrameAdded, wire.MapChangeKeyFrameUpdated:
		c.applyKeyFrameChange(change)
	case wire.MapChangeMapPointAdded, wire.MapChangeMapPointUpdated:
		c.applyMapPointChange(change)
	case wire.MapChangeKeyFrameErased:
		_ = c.mirror.EraseKeyFrame(change.ID)
	case wire.MapChangeMapPointErased:
		_ = c.mirror.EraseMapPoint(change.ID)
	}
	c.publish(Event{Kind: EventMapChange, Change: mapping.ChangeEvent{Kind: localChangeKind(change.Kind), ID: change.ID}})
}

func (c *Client) applyKeyFrameChange(change wire.MapChange) {
	decoded, err := wire.DecodeKeyFrame(change.Entity)
	if err != nil {
		c.log.Warnw("mirror: dropping malformed keyframe", "id", change.ID, "error", err)
		return
	}
	if _, ok := c.mirror.GetKeyFrame(decoded.KF.ID); ok {
		_ = c.mirror.EraseKeyFrame(decoded.KF.ID)
	}
	if err := c.mirror.InsertKeyFrame(decoded.KF); err != nil {
		c.log.Warnw("mirror: insert keyframe failed", "id", decoded.KF.ID, "error", err)
		return
	}
	wire.LinkKeyFrame(decoded, c.mirror)
}

func (c *Client) applyMapPointChange(change wire.MapChange) {
	decoded, err := wire.DecodeMapPoint(change.Entity)
	if err != nil {
		c.log.Warnw("mirror: dropping malformed map point", "id", change.ID, "error", err)
		return
	}
	if _, ok := c.mirror.GetMapPoint(decoded.MP.ID); ok {
		_ = c.mirror.EraseMapPoint(decoded.MP.ID)
	}
	if err := c.mirror.InsertMapPoint(decoded.MP); err != nil {
		c.log.Warnw("mirror: insert map point failed", "id", decoded.MP.ID, "error", err)
		return
	}
	wire.LinkMapPoint(decoded, c.mirror)
}

func localChangeKind(k wire.MapChangeKind) mapping.ChangeKind {
	switch k {
	case wire.MapChangeKeyFrameAdded:
		return mapping.KeyFrameAdded
	case wire.MapChangeKeyFrameUpdated:
		return mapping.KeyFrameUpdated
	case wire.MapChangeKeyFrameErased:
		return mapping.KeyFrameErased
	case wire.MapChangeMapPointAdded:
		return mapping.MapPointAdded
	case wire.MapChangeMapPointUpdated:
		return mapping.MapPointUpdated
	default:
		return mapping.MapPointErased
	}
}

// LoginTracker round-trips a LoginTrackerRequest.
func (c *Client) LoginTracker(ctx context.Context, pivotCalib geometry.Pose) (LoginResult, error) {
	reply, err := c.req.LoginTracker(ctx, pivotCalib)
	if err != nil {
		return LoginResult{}, errors.Wrap(err, "mapper client: login")
	}
	return LoginResult{
		TrackerID: reply.TrackerID,
		FirstKFID: reply.FirstKFID,
		KFIDSpan:  reply.KFIDSpan,
		FirstMPID: reply.FirstMPID,
		MPIDSpan:  reply.MPIDSpan,
	}, nil
}

// LogoutTracker round-trips a logout GeneralRequest.
func (c *Client) LogoutTracker(ctx context.Context, trackerID uint64) error {
	return c.req.Logout(ctx, trackerID)
}

// InsertKeyFrame round-trips an InsertKeyFrame GeneralRequest carrying the
// serialised KF and MP payloads.
func (c *Client) InsertKeyFrame(ctx context.Context, trackerID uint64, kf *mapping.KeyFrame, createdMPs, updatedMPs []*mapping.MapPoint) (bool, error) {
	return c.req.InsertKeyFrame(ctx, trackerID, kf, createdMPs, updatedMPs)
}

// InitializeMono round-trips an Initialize GeneralRequest.
func (c *Client) InitializeMono(ctx context.Context, trackerID uint64, mapPoints []*mapping.MapPoint, kf1 *mapping.KeyFrame) error {
	return c.req.Initialize(ctx, trackerID, mapPoints, kf1, nil)
}

// InitializeStereo round-trips an Initialize GeneralRequest with both KFs.
func (c *Client) InitializeStereo(ctx context.Context, trackerID uint64, mapPoints []*mapping.MapPoint, kf1, kf2 *mapping.KeyFrame) error {
	return c.req.Initialize(ctx, trackerID, mapPoints, kf1, kf2)
}

// UpdatePose round-trips an UpdatePose GeneralRequest.
func (c *Client) UpdatePose(ctx context.Context, trackerID uint64, pose geometry.Pose) error {
	return c.req.UpdatePose(ctx, trackerID, pose)
}

// GetTrackerPoses round-trips a GetTrackerPoses GeneralRequest.
func (c *Client) GetTrackerPoses(ctx context.Context) (map[uint64]geometry.Pose, error) {
	return c.req.GetTrackerPoses(ctx)
}

// GetTrackerPivots round-trips a GetTrackerPivots GeneralRequest.
func (c *Client) GetTrackerPivots(ctx context.Context) (map[uint64]geometry.Pose, error) {
	return c.req.GetTrackerPivots(ctx)
}

// DetectRelocalizationCandidates round-trips a GeneralRequest.
func (c *Client) DetectRelocalizationCandidates(ctx context.Context, bow mapping.BoWVector) ([]mapping.Candidate, error) {
	return c.req.DetectRelocalizationCandidates(ctx, bow)
}

// Reset round-trips a Reset GeneralRequest; the mirror is cleared only once
// the server's Reset publication arrives, not optimistically here.
func (c *Client) Reset(ctx context.Context) error {
	return c.req.Reset(ctx)
}

// Subscribe registers ch for locally-mirrored fan-out notifications.
func (c *Client) Subscribe(ch chan Event) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.subs = append(c.subs, ch)
}

func (c *Client) publish(ev Event) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, sub := range c.subs {
		select {
		case sub <- ev:
		default:
		}
	}
}
