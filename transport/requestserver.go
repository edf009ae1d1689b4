package transport

import (
	"context"
	"net"
	"time"

	goutils "go.viam.com/utils"

	"go.mapkit.dev/slammapper/geometry"
	"go.mapkit.dev/slammapper/logging"
	"go.mapkit.dev/slammapper/mapping"
	"go.mapkit.dev/slammapper/wire"
)

// Handler is the subset of the mapper façade the request socket dispatches
// onto. It mirrors mapper.Mapper's method set but returns plain values
// instead of a mapper.LoginResult, so this package never needs to import
// mapper (which itself imports transport for its client proxy).
type Handler interface {
	LoginTracker(ctx context.Context, pivotCalib geometry.Pose) (trackerID, firstKFID, kfIDSpan, firstMPID, mpIDSpan uint64, err error)
	LogoutTracker(ctx context.Context, trackerID uint64) error
	InsertKeyFrame(ctx context.Context, trackerID uint64, kf *mapping.KeyFrame, createdMPs, updatedMPs []*mapping.MapPoint) (bool, error)
	InitializeMono(ctx context.Context, trackerID uint64, mapPoints []*mapping.MapPoint, kf1 *mapping.KeyFrame) error
	InitializeStereo(ctx context.Context, trackerID uint64, mapPoints []*mapping.MapPoint, kf1, kf2 *mapping.KeyFrame) error
	UpdatePose(ctx context.Context, trackerID uint64, pose geometry.Pose) error
	GetTrackerPoses(ctx context.Context) (map[uint64]geometry.Pose, error)
	GetTrackerPivots(ctx context.Context) (map[uint64]geometry.Pose, error)
	DetectRelocalizationCandidates(ctx context.Context, bow mapping.BoWVector) ([]mapping.Candidate, error)
	Reset(ctx context.Context) error
}

// linker resolves KF ids referenced by an InsertKeyFrame/Initialize request
// against the live map, so InsertKeyFrame payload decoding can complete a
// KeyFrame's covisibility/observation links before handing it to Handler.
type linker = wire.Linker

// receiveTimeout bounds a single blocked read, so Accept/dispatch loops
// stay responsive to Stop even with an idle tracker connection open.
const receiveTimeout = 2 * time.Second

// RequestServer accepts tracker connections on the request/reply socket and
// dispatches frames onto h.
type RequestServer struct {
	log logging.Logger
	h   Handler
	l   linker

	listener net.Listener
}

// NewRequestServer constructs a server that will bind to addr on Serve.
func NewRequestServer(log logging.Logger, h Handler, l linker) *RequestServer {
	return &RequestServer{log: log, h: h, l: l}
}

// Serve binds addr and accepts connections until ctx is cancelled or the
// listener is closed via Close.
func (s *RequestServer) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = ln
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		fc := newFramedConn(conn)
		goutils.PanicCapturingGo(func() { s.serveConn(ctx, fc) })
	}
}

// Close stops accepting new connections.
func (s *RequestServer) Close() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

func (s *RequestServer) serveConn(ctx context.Context, fc *framedConn) {
	defer fc.Close()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		_ = fc.SetReadDeadline(time.Now().Add(receiveTimeout))
		kind, payload, err := fc.readFrame()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}
		reply := s.dispatch(ctx, ServiceId(kind), payload)
		if err := fc.writeFrame(kind, reply); err != nil {
			return
		}
	}
}

func (s *RequestServer) dispatch(ctx context.Context, svc ServiceId, payload []byte) []byte {
	switch svc {
	case ServiceGreet:
		return s.handleGreet(payload)
	case ServiceLoginTracker:
		return s.handleLoginTracker(ctx, payload)
	case ServiceLogoutTracker:
		return s.handleLogout(ctx, payload)
	case ServiceInsertKeyFrame:
		return s.handleInsertKeyFrame(ctx, payload)
	case ServiceInitializeMono, ServiceInitializeStereo:
		return s.handleInitialize(ctx, payload, svc == ServiceInitializeStereo)
	case ServiceUpdatePose:
		return s.handleUpdatePose(ctx, payload)
	case ServiceGetTrackerPoses:
		return s.handlePoseMap(ctx, false)
	case ServiceGetTrackerPivots:
		return s.handlePoseMap(ctx, true)
	case ServiceDetectRelocalizationCandidates:
		return s.handleDetectRelocalizationCandidates(ctx, payload)
	case ServiceReset:
		return s.handleReset(ctx)
	default:
		return encodeGeneralReply(ReplyFailed, "unknown service id")
	}
}

func encodeGeneralReply(code ReplyCode, message string) []byte {
	reply := GeneralReply{ReplyCode: code, Message: message}
	w := &writer{}
	w.u32(uint32(reply.ReplyCode))
	w.bytesField([]byte(reply.Message))
	return w.buf.Bytes()
}

func (s *RequestServer) handleGreet(payload []byte) []byte {
	r := &reader{b: payload}
	msg := string(r.bytesField())
	if r.err != nil {
		return encodeGeneralReply(ReplyFailed, r.err.Error())
	}
	s.log.Debugw("greet", "message", msg)
	return encodeGeneralReply(ReplySucceeded, "hello")
}

func (s *RequestServer) handleLoginTracker(ctx context.Context, payload []byte) []byte {
	r := &reader{b: payload}
	pivot := r.pose()
	if r.err != nil {
		return encodeGeneralReply(ReplyFailed, r.err.Error())
	}
	trackerID, firstKF, kfSpan, firstMP, mpSpan, err := s.h.LoginTracker(ctx, pivot)
	if err != nil {
		w := &writer{}
		w.u32(uint32(ReplyFailed))
		return w.buf.Bytes()
	}
	reply := LoginTrackerReply{
		ReplyCode: ReplySucceeded,
		TrackerID: trackerID,
		FirstKFID: firstKF,
		KFIDSpan:  kfSpan,
		FirstMPID: firstMP,
		MPIDSpan:  mpSpan,
	}
	w := &writer{}
	w.u32(uint32(reply.ReplyCode))
	w.u64(reply.TrackerID)
	w.u64(reply.FirstKFID)
	w.u64(reply.KFIDSpan)
	w.u64(reply.FirstMPID)
	w.u64(reply.MPIDSpan)
	return w.buf.Bytes()
}

func (s *RequestServer) handleLogout(ctx context.Context, payload []byte) []byte {
	r := &reader{b: payload}
	trackerID := r.u64()
	if r.err != nil {
		return encodeGeneralReply(ReplyFailed, r.err.Error())
	}
	if err := s.h.LogoutTracker(ctx, trackerID); err != nil {
		return encodeGeneralReply(ReplyFailed, err.Error())
	}
	return encodeGeneralReply(ReplySucceeded, "")
}

func (s *RequestServer) handleInsertKeyFrame(ctx context.Context, payload []byte) []byte {
	r := &reader{b: payload}
	trackerID := r.u64()
	kfPayload := r.bytesField()
	numCreated := r.count(4)
	createdPayloads := make([][]byte, numCreated)
	for i := range createdPayloads {
		createdPayloads[i] = r.bytesField()
	}
	numUpdated := r.count(4)
	updatedPayloads := make([][]byte, numUpdated)
	for i := range updatedPayloads {
		updatedPayloads[i] = r.bytesField()
	}
	if r.err != nil {
		return encodeInsertReply(ReplyFailed, false)
	}

	decodedKF, err := wire.DecodeKeyFrame(kfPayload)
	if err != nil {
		return encodeInsertReply(ReplyFailed, false)
	}
	if s.l != nil {
		wire.LinkKeyFrame(decodedKF, s.l)
	}

	// decodeAndLinkMapPoint resolves a map point's observation links against
	// s.l (entities already live in the Map) plus the KF this request is
	// inserting, which is not yet in the Map when a tracker-created MP
	// observes it for the first time.
	decodeAndLinkMapPoint := func(p []byte) (*mapping.MapPoint, error) {
		dmp, err := wire.DecodeMapPoint(p)
		if err != nil {
			return nil, err
		}
		if featureIdx, ok := dmp.Observations[decodedKF.KF.ID]; ok {
			dmp.MP.AddObservation(decodedKF.KF.ID, featureIdx)
		}
		if s.l != nil {
			wire.LinkMapPoint(dmp, s.l)
		}
		return dmp.MP, nil
	}

	created := make([]*mapping.MapPoint, 0, len(createdPayloads))
	for _, p := range createdPayloads {
		mp, err := decodeAndLinkMapPoint(p)
		if err != nil {
			return encodeInsertReply(ReplyFailed, false)
		}
		created = append(created, mp)
	}
	updated := make([]*mapping.MapPoint, 0, len(updatedPayloads))
	for _, p := range updatedPayloads {
		mp, err := decodeAndLinkMapPoint(p)
		if err != nil {
			return encodeInsertReply(ReplyFailed, false)
		}
		updated = append(updated, mp)
	}

	accepted, err := s.h.InsertKeyFrame(ctx, trackerID, decodedKF.KF, created, updated)
	if err != nil {
		return encodeInsertReply(ReplyFailed, false)
	}
	return encodeInsertReply(ReplySucceeded, accepted)
}

func encodeInsertReply(code ReplyCode, inserted bool) []byte {
	reply := InsertKeyFrameReply{ReplyCode: code, Inserted: inserted}
	w := &writer{}
	w.u32(uint32(reply.ReplyCode))
	w.boolean(reply.Inserted)
	return w.buf.Bytes()
}

func (s *RequestServer) handleInitialize(ctx context.Context, payload []byte, stereo bool) []byte {
	r := &reader{b: payload}
	trackerID := r.u64()

	numMPs := r.count(4)
	mpPayloads := make([][]byte, numMPs)
	for i := range mpPayloads {
		mpPayloads[i] = r.bytesField()
	}
	kfPayload := r.bytesField()
	hasKF2 := r.boolean()
	var kf2Payload []byte
	if hasKF2 {
		kf2Payload = r.bytesField()
	}
	if r.err != nil {
		return encodeGeneralReply(ReplyFailed, r.err.Error())
	}

	dkf1, err := wire.DecodeKeyFrame(kfPayload)
	if err != nil {
		return encodeGeneralReply(ReplyFailed, err.Error())
	}
	var kf2 *mapping.KeyFrame
	if hasKF2 {
		dkf2, err := wire.DecodeKeyFrame(kf2Payload)
		if err != nil {
			return encodeGeneralReply(ReplyFailed, err.Error())
		}
		kf2 = dkf2.KF
	}

	mps := make([]*mapping.MapPoint, 0, len(mpPayloads))
	for _, p := range mpPayloads {
		dmp, err := wire.DecodeMapPoint(p)
		if err != nil {
			return encodeGeneralReply(ReplyFailed, err.Error())
		}
		if featureIdx, ok := dmp.Observations[dkf1.KF.ID]; ok {
			dmp.MP.AddObservation(dkf1.KF.ID, featureIdx)
		}
		if kf2 != nil {
			if featureIdx, ok := dmp.Observations[kf2.ID]; ok {
				dmp.MP.AddObservation(kf2.ID, featureIdx)
			}
		}
		mps = append(mps, dmp.MP)
	}

	if stereo {
		err = s.h.InitializeStereo(ctx, trackerID, mps, dkf1.KF, kf2)
	} else {
		err = s.h.InitializeMono(ctx, trackerID, mps, dkf1.KF)
	}
	if err != nil {
		return encodeGeneralReply(ReplyFailed, err.Error())
	}
	return encodeGeneralReply(ReplySucceeded, "")
}

func (s *RequestServer) handleUpdatePose(ctx context.Context, payload []byte) []byte {
	r := &reader{b: payload}
	trackerID := r.u64()
	pose := r.pose()
	if r.err != nil {
		return encodeGeneralReply(ReplyFailed, r.err.Error())
	}
	if err := s.h.UpdatePose(ctx, trackerID, pose); err != nil {
		return encodeGeneralReply(ReplyFailed, err.Error())
	}
	return encodeGeneralReply(ReplySucceeded, "")
}

func (s *RequestServer) handlePoseMap(ctx context.Context, pivots bool) []byte {
	var poses map[uint64]geometry.Pose
	var err error
	if pivots {
		poses, err = s.h.GetTrackerPivots(ctx)
	} else {
		poses, err = s.h.GetTrackerPoses(ctx)
	}
	if err != nil {
		w := &writer{}
		w.u32(uint32(ReplyFailed))
		return w.buf.Bytes()
	}
	w := &writer{}
	w.u32(uint32(ReplySucceeded))
	w.u32(uint32(len(poses)))
	for id, p := range poses {
		w.u64(id)
		w.pose(p)
	}
	return w.buf.Bytes()
}

func (s *RequestServer) handleDetectRelocalizationCandidates(ctx context.Context, payload []byte) []byte {
	r := &reader{b: payload}
	bow := r.bowVector()
	if r.err != nil {
		w := &writer{}
		w.u32(uint32(ReplyFailed))
		return w.buf.Bytes()
	}
	candidates, err := s.h.DetectRelocalizationCandidates(ctx, bow)
	if err != nil {
		w := &writer{}
		w.u32(uint32(ReplyFailed))
		return w.buf.Bytes()
	}
	w := &writer{}
	w.u32(uint32(ReplySucceeded))
	w.u32(uint32(len(candidates)))
	for _, c := range candidates {
		w.u64(c.KeyFrameID)
		w.f64(c.Score)
	}
	return w.buf.Bytes()
}

func (s *RequestServer) handleReset(ctx context.Context) []byte {
	if err := s.h.Reset(ctx); err != nil {
		return encodeGeneralReply(ReplyFailed, err.Error())
	}
	return encodeGeneralReply(ReplySucceeded, "")
}
