package wire

import (
	"go.mapkit.dev/slammapper/mapping"
)

// EncodeKeyFrame serialises kf's full payload per spec.md §4.7: fixed
// header (intrinsics, id, timestamp), pose, spanning-tree parent/children,
// loop edges, covisibility entries, and observation slots.
func EncodeKeyFrame(kf *mapping.KeyFrame) []byte {
	w := &writer{}
	w.u64(kf.ID)
	w.f64(kf.Timestamp)

	intr := kf.Intrinsics
	w.f64(intr.FX)
	w.f64(intr.FY)
	w.f64(intr.CX)
	w.f64(intr.CY)
	w.i32(int32(intr.Width))
	w.i32(int32(intr.Height))
	w.f64(intr.Baseline)

	grid := kf.Grid
	w.i32(int32(grid.Cols))
	w.i32(int32(grid.Rows))
	w.f64(grid.CellWidth)
	w.f64(grid.CellHeight)

	writePose(w, kf.Pose())

	w.u32(uint32(len(kf.Features)))
	for _, f := range kf.Features {
		w.f32(f.X)
		w.f32(f.Y)
		w.i32(int32(f.Octave))
		w.bytesField(f.Descriptor)
	}

	w.u32(uint32(len(kf.BoW)))
	for word, weight := range kf.BoW {
		w.u32(word)
		w.f64(weight)
	}

	parent, hasParent := kf.Parent()
	w.boolean(hasParent)
	w.u64(idOrNull(parent, hasParent))

	children := kf.Children()
	w.u32(uint32(len(children)))
	for _, c := range children {
		w.u64(c)
	}

	loopEdges := kf.LoopEdges()
	w.u32(uint32(len(loopEdges)))
	for _, e := range loopEdges {
		w.u64(e)
	}

	covis := kf.AllCovisible()
	w.u32(uint32(len(covis)))
	for peer, weight := range covis {
		w.u64(peer)
		w.i32(int32(weight))
	}

	w.u32(uint32(len(kf.Features)))
	for idx := range kf.Features {
		mpID, ok := kf.Observation(idx)
		w.boolean(ok)
		w.u64(idOrNull(mpID, ok))
	}

	return w.buf.Bytes()
}

// DecodedKeyFrame is a freshly decoded KF plus the link metadata a Linker
// resolves lazily: the graph references are carried separately from the
// reconstructed *mapping.KeyFrame because KeyFrame's own API mutates state
// transactionally (SetParent/AddChild/etc.) rather than accepting a raw
// adjacency list at construction.
type DecodedKeyFrame struct {
	KF             *mapping.KeyFrame
	ParentID       uint64
	HasParent      bool
	ChildIDs       []uint64
	LoopEdgeIDs    []uint64
	Covisibility   map[uint64]int
	Observations   map[int]uint64 // feature index -> mp id
}

// DecodeKeyFrame parses a payload produced by EncodeKeyFrame. The returned
// DecodedKeyFrame is partially-linked: LinkKeyFrame must be called once the
// referenced peers are locally present to wire up the graph.
func DecodeKeyFrame(payload []byte) (*DecodedKeyFrame, error) {
	r := &reader{b: payload}
	if err := r.checkAvail(8 + 8); err != nil {
		return nil, err
	}
	id := r.u64()
	ts := r.f64()

	intr := mapping.CameraIntrinsics{
		FX: r.f64(), FY: r.f64(), CX: r.f64(), CY: r.f64(),
		Width: int(r.i32()), Height: int(r.i32()),
		Baseline: r.f64(),
	}
	grid := mapping.GridGeometry{
		Cols: int(r.i32()), Rows: int(r.i32()),
		CellWidth: r.f64(), CellHeight: r.f64(),
	}

	pose := readPose(r)

	numFeatures := r.count(4 + 4 + 4 + 4) // x,y,octave,empty-descriptor length floor
	features := make([]mapping.Feature, numFeatures)
	for i := range features {
		features[i] = mapping.Feature{
			X: r.f32(), Y: r.f32(), Octave: int(r.i32()), Descriptor: r.bytesField(),
		}
	}

	numWords := r.count(4 + 8)
	bow := make(mapping.BoWVector, numWords)
	for i := 0; i < numWords; i++ {
		bow[r.u32()] = r.f64()
	}

	hasParent := r.boolean()
	parentID := r.u64()

	numChildren := r.count(8)
	children := make([]uint64, numChildren)
	for i := range children {
		children[i] = r.u64()
	}

	numLoopEdges := r.count(8)
	loopEdges := make([]uint64, numLoopEdges)
	for i := range loopEdges {
		loopEdges[i] = r.u64()
	}

	numCovis := r.count(8 + 4)
	covis := make(map[uint64]int, numCovis)
	for i := 0; i < numCovis; i++ {
		peer := r.u64()
		covis[peer] = int(r.i32())
	}

	numObs := r.count(1 + 8)
	observations := make(map[int]uint64)
	for i := 0; i < numObs; i++ {
		has := r.boolean()
		mpID := r.u64()
		if has {
			observations[i] = mpID
		}
	}

	if r.err != nil {
		return nil, r.err
	}

	kf := mapping.NewKeyFrame(id, ts, intr, grid, features, bow)
	kf.SetPose(pose)

	return &DecodedKeyFrame{
		KF:           kf,
		ParentID:     parentID,
		HasParent:    hasParent,
		ChildIDs:     children,
		LoopEdgeIDs:  loopEdges,
		Covisibility: covis,
		Observations: observations,
	}, nil
}

// LinkKeyFrame resolves a DecodedKeyFrame's graph references against l,
// wiring up whatever peers are currently present; unresolved references are
// simply skipped (a later call after more peers arrive completes them).
func LinkKeyFrame(d *DecodedKeyFrame, l Linker) {
	for feature, mpID := range d.Observations {
		if _, ok := l.GetMapPoint(mpID); ok {
			d.KF.SetObservation(feature, mpID)
		}
	}
	if d.HasParent {
		if _, ok := l.GetKeyFrame(d.ParentID); ok {
			d.KF.SetParent(d.ParentID)
		}
	}
	for _, childID := range d.ChildIDs {
		if _, ok := l.GetKeyFrame(childID); ok {
			d.KF.AddChild(childID)
		}
	}
	for _, peerID := range d.LoopEdgeIDs {
		if _, ok := l.GetKeyFrame(peerID); ok {
			d.KF.AddLoopEdge(peerID)
		}
	}
	for peerID, weight := range d.Covisibility {
		if _, ok := l.GetKeyFrame(peerID); ok {
			d.KF.SetCovisibilityWeight(peerID, weight)
		}
	}
}
