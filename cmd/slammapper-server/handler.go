package main

import (
	"context"

	"go.mapkit.dev/slammapper/geometry"
	"go.mapkit.dev/slammapper/mapper"
	"go.mapkit.dev/slammapper/mapping"
)

// mapperHandler adapts a mapper.Mapper (mapper.Server, here) to
// transport.Handler: the transport package cannot import mapper (mapper's
// client proxy already imports transport), so the flat-tuple LoginTracker
// shape lives here instead of on mapper.Mapper itself.
type mapperHandler struct {
	m mapper.Mapper
}

func (h *mapperHandler) LoginTracker(ctx context.Context, pivotCalib geometry.Pose) (trackerID, firstKFID, kfIDSpan, firstMPID, mpIDSpan uint64, err error) {
	res, err := h.m.LoginTracker(ctx, pivotCalib)
	if err != nil {
		return 0, 0, 0, 0, 0, err
	}
	return res.TrackerID, res.FirstKFID, res.KFIDSpan, res.FirstMPID, res.MPIDSpan, nil
}

func (h *mapperHandler) LogoutTracker(ctx context.Context, trackerID uint64) error {
	return h.m.LogoutTracker(ctx, trackerID)
}

func (h *mapperHandler) InsertKeyFrame(ctx context.Context, trackerID uint64, kf *mapping.KeyFrame, createdMPs, updatedMPs []*mapping.MapPoint) (bool, error) {
	return h.m.InsertKeyFrame(ctx, trackerID, kf, createdMPs, updatedMPs)
}

func (h *mapperHandler) InitializeMono(ctx context.Context, trackerID uint64, mapPoints []*mapping.MapPoint, kf1 *mapping.KeyFrame) error {
	return h.m.InitializeMono(ctx, trackerID, mapPoints, kf1)
}

func (h *mapperHandler) InitializeStereo(ctx context.Context, trackerID uint64, mapPoints []*mapping.MapPoint, kf1, kf2 *mapping.KeyFrame) error {
	return h.m.InitializeStereo(ctx, trackerID, mapPoints, kf1, kf2)
}

func (h *mapperHandler) UpdatePose(ctx context.Context, trackerID uint64, pose geometry.Pose) error {
	return h.m.UpdatePose(ctx, trackerID, pose)
}

func (h *mapperHandler) GetTrackerPoses(ctx context.Context) (map[uint64]geometry.Pose, error) {
	return h.m.GetTrackerPoses(ctx)
}

func (h *mapperHandler) GetTrackerPivots(ctx context.Context) (map[uint64]geometry.Pose, error) {
	return h.m.GetTrackerPivots(ctx)
}

func (h *mapperHandler) DetectRelocalizationCandidates(ctx context.Context, bow mapping.BoWVector) ([]mapping.Candidate, error) {
	return h.m.DetectRelocalizationCandidates(ctx, bow)
}

func (h *mapperHandler) Reset(ctx context.Context) error {
	return h.m.Reset(ctx)
}
