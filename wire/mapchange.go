package wire

import "github.com/pkg/errors"

// MapChangeKind mirrors mapping.ChangeKind on the wire, independent of the
// in-process enum so the wire format is stable across internal refactors.
type MapChangeKind uint32

const (
	MapChangeKeyFrameAdded MapChangeKind = iota
	MapChangeKeyFrameUpdated
	MapChangeKeyFrameErased
	MapChangeMapPointAdded
	MapChangeMapPointUpdated
	MapChangeMapPointErased
)

// MapChange is the typed envelope carrying a serialised KF or MP entity
// alongside the kind of change that produced it (spec.md §4.11/§6).
type MapChange struct {
	Kind   MapChangeKind
	ID     uint64
	Entity []byte // opaque EncodeKeyFrame/EncodeMapPoint payload; empty for Erased kinds
}

// EncodeMapChange serialises a MapChange envelope.
func EncodeMapChange(c MapChange) []byte {
	w := &writer{}
	w.u32(uint32(c.Kind))
	w.u64(c.ID)
	w.bytesField(c.Entity)
	return w.buf.Bytes()
}

var ErrUnknownMapChangeKind = errors.New("wire: unknown map change kind")

// DecodeMapChange parses a payload produced by EncodeMapChange.
func DecodeMapChange(payload []byte) (MapChange, error) {
	r := &reader{b: payload}
	if err := r.checkAvail(4 + 8 + 4); err != nil {
		return MapChange{}, err
	}
	kind := MapChangeKind(r.u32())
	id := r.u64()
	entity := r.bytesField()
	if r.err != nil {
		return MapChange{}, r.err
	}
	if kind > MapChangeMapPointErased {
		return MapChange{}, errors.Wrapf(ErrUnknownMapChangeKind, "%d", kind)
	}
	return MapChange{Kind: kind, ID: id, Entity: entity}, nil
}
