// Command slammapper-tracker-sim is a minimal synthetic tracker: it logs
// in, seeds the map with a single initial keyframe (monocular
// initialization), then streams a short
// trajectory of overlapping keyframes through a mapper.Client, exercising
// the transport + LocalMapping + LoopClosing pipeline end-to-end without
// requiring a real camera or ORB pipeline.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"

	"go.mapkit.dev/slammapper/geometry"
	"go.mapkit.dev/slammapper/logging"
	"go.mapkit.dev/slammapper/mapper"
	"go.mapkit.dev/slammapper/mapping"
	"go.mapkit.dev/slammapper/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) != 3 {
		return fmt.Errorf("usage: %s <request_addr> <publisher_addr>", os.Args[0])
	}
	requestAddr, publisherAddr := os.Args[1], os.Args[2]

	log := logging.NewLogger("tracker-sim")
	ctx := context.Background()

	req, err := transport.DialRequest(ctx, requestAddr)
	if err != nil {
		return err
	}
	defer req.Close()

	sub, err := transport.DialSubscriber(ctx, publisherAddr)
	if err != nil {
		return err
	}
	defer sub.Close()

	mirror := mapping.NewMap()
	client := mapper.NewClient(log, req, sub, mirror)

	login, err := client.LoginTracker(ctx, geometry.Identity())
	if err != nil {
		return err
	}
	log.Infow("logged in", "tracker_id", login.TrackerID)

	kfID := login.FirstKFID
	mpID := login.FirstMPID

	intr := mapping.CameraIntrinsics{FX: 500, FY: 500, CX: 320, CY: 240, Width: 640, Height: 480}
	grid := mapping.GridGeometry{Cols: 64, Rows: 48, CellWidth: 10, CellHeight: 10}

	seedPoints := make([]*mapping.MapPoint, 0, 50)
	seedFeatures := make([]mapping.Feature, 0, 50)
	for i := 0; i < 50; i++ {
		pos := r3.Vector{X: float64(i%10) - 5, Y: float64(i/10) - 2.5, Z: 5}
		seedFeatures = append(seedFeatures, mapping.Feature{X: float32(i), Y: float32(i), Octave: 0, Descriptor: []byte{byte(i)}})
		mp := mapping.NewMapPoint(mpID, pos, kfID)
		mp.AddObservation(kfID, i)
		seedPoints = append(seedPoints, mp)
		mpID += mapping.MapPointIDSpan
	}

	kf1 := mapping.NewKeyFrame(kfID, 0, intr, grid, seedFeatures, mapping.BoWVector{})
	kf1.SetPose(geometry.Identity())
	kfID += mapping.KeyFrameIDSpan

	if err := client.InitializeMono(ctx, login.TrackerID, seedPoints, kf1); err != nil {
		return err
	}
	log.Infow("initialized map", "seed_points", len(seedPoints))

	for step := 0; step < 20; step++ {
		pose := geometry.NewPose(quat.Number{Real: 1}, r3.Vector{X: float64(step) * 0.1})
		if err := client.UpdatePose(ctx, login.TrackerID, pose); err != nil {
			return err
		}

		kf := mapping.NewKeyFrame(kfID, float64(step+1), intr, grid, seedFeatures, mapping.BoWVector{})
		kf.SetPose(pose)
		accepted, err := client.InsertKeyFrame(ctx, login.TrackerID, kf, nil, nil)
		if err != nil {
			return err
		}
		log.Infow("inserted keyframe", "kf_id", kfID, "accepted", accepted)
		kfID += mapping.KeyFrameIDSpan

		time.Sleep(50 * time.Millisecond)
	}

	return client.LogoutTracker(ctx, login.TrackerID)
}
