// Package mapper implements the façade that multiplexes trackers over the
// shared Map: tracker registration, id-stream allocation, pose publication,
// and map-change fan-out (spec.md §4.5). Mapper has two implementations:
// Server (authoritative) and Client (a transport-backed proxy).
package mapper

import (
	"context"

	"go.mapkit.dev/slammapper/geometry"
	"go.mapkit.dev/slammapper/mapping"
)

// Mapper is the façade interface both the server and the client proxy
// implement, grounded on the original Mapper.h operation set.
type Mapper interface {
	LoginTracker(ctx context.Context, pivotCalib geometry.Pose) (LoginResult, error)
	LogoutTracker(ctx context.Context, trackerID uint64) error

	InsertKeyFrame(ctx context.Context, trackerID uint64, kf *mapping.KeyFrame, createdMPs, updatedMPs []*mapping.MapPoint) (accepted bool, err error)

	InitializeMono(ctx context.Context, trackerID uint64, mapPoints []*mapping.MapPoint, kf1 *mapping.KeyFrame) error
	InitializeStereo(ctx context.Context, trackerID uint64, mapPoints []*mapping.MapPoint, kf1, kf2 *mapping.KeyFrame) error

	UpdatePose(ctx context.Context, trackerID uint64, pose geometry.Pose) error
	GetTrackerPoses(ctx context.Context) (map[uint64]geometry.Pose, error)
	GetTrackerPivots(ctx context.Context) (map[uint64]geometry.Pose, error)

	DetectRelocalizationCandidates(ctx context.Context, bow mapping.BoWVector) ([]mapping.Candidate, error)

	Reset(ctx context.Context) error

	// Subscribe registers a channel for map-change and reset notifications.
	Subscribe(ch chan Event)
}

// LoginResult is returned by a successful LoginTracker call.
type LoginResult struct {
	TrackerID  uint64
	FirstKFID  uint64
	KFIDSpan   uint64
	FirstMPID  uint64
	MPIDSpan   uint64
}

// EventKind discriminates an Event.
type EventKind int

const (
	EventMapChange EventKind = iota
	EventReset
	EventTrackerPose
)

// Event is published to subscribers registered via Subscribe.
type Event struct {
	Kind      EventKind
	Change    mapping.ChangeEvent
	TrackerID uint64
	Pose      geometry.Pose
}
