// Package wire implements the bit-exact little-endian codec for KeyFrames,
// MapPoints, and map-change events (spec.md §4.7). Decoding produces a
// partially-linked entity whose id-referenced peers are resolved lazily
// through a Linker (typically the Map) once they are locally present.
package wire

import (
	"bytes"
	"encoding/binary"
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/num/quat"

	"go.mapkit.dev/slammapper/geometry"
	"go.mapkit.dev/slammapper/mapping"
)

// nullID is the sentinel written in place of an absent id reference.
const nullID = ^uint64(0)

// Linker resolves ids to live entities, satisfied by *mapping.Map.
type Linker interface {
	GetKeyFrame(id uint64) (*mapping.KeyFrame, bool)
	GetMapPoint(id uint64) (*mapping.MapPoint, bool)
}

type writer struct {
	buf bytes.Buffer
}

func (w *writer) u64(v uint64)    { var b [8]byte; binary.LittleEndian.PutUint64(b[:], v); w.buf.Write(b[:]) }
func (w *writer) u32(v uint32)    { var b [4]byte; binary.LittleEndian.PutUint32(b[:], v); w.buf.Write(b[:]) }
func (w *writer) i32(v int32)     { w.u32(uint32(v)) }
func (w *writer) f64(v float64)   { w.u64(math.Float64bits(v)) }
func (w *writer) f32(v float32)   { w.u32(math.Float32bits(v)) }
func (w *writer) boolean(v bool) {
	if v {
		w.buf.WriteByte(1)
	} else {
		w.buf.WriteByte(0)
	}
}

func (w *writer) bytesField(b []byte) {
	w.u32(uint32(len(b)))
	w.buf.Write(b)
}

// reader is a little-endian cursor over a decode payload. Every primitive
// read checks bounds first; once a read runs past the end of b, err is set
// to ErrTruncated and every subsequent read is a no-op returning the zero
// value, so a decoder can run its fields through to completion and check
// err once at the end instead of threading an error return through each
// field read.
type reader struct {
	b   []byte
	pos int
	err error
}

func (r *reader) remaining() int { return len(r.b) - r.pos }

var ErrTruncated = errors.New("wire: truncated payload")

func (r *reader) checkAvail(n int) error {
	if r.remaining() < n {
		return ErrTruncated
	}
	return nil
}

// fail marks the reader truncated; idempotent so the first failure wins.
func (r *reader) fail() {
	if r.err == nil {
		r.err = ErrTruncated
	}
}

func (r *reader) u64() uint64 {
	if r.err != nil || r.checkAvail(8) != nil {
		r.fail()
		return 0
	}
	v := binary.LittleEndian.Uint64(r.b[r.pos:])
	r.pos += 8
	return v
}
func (r *reader) u32() uint32 {
	if r.err != nil || r.checkAvail(4) != nil {
		r.fail()
		return 0
	}
	v := binary.LittleEndian.Uint32(r.b[r.pos:])
	r.pos += 4
	return v
}
func (r *reader) i32() int32    { return int32(r.u32()) }
func (r *reader) f64() float64  { return math.Float64frombits(r.u64()) }
func (r *reader) f32() float32  { return math.Float32frombits(r.u32()) }
func (r *reader) boolean() bool {
	if r.err != nil || r.checkAvail(1) != nil {
		r.fail()
		return false
	}
	v := r.b[r.pos]
	r.pos++
	return v != 0
}
func (r *reader) bytesField() []byte {
	n := int(r.u32())
	if r.err != nil || n < 0 || r.checkAvail(n) != nil {
		r.fail()
		return nil
	}
	out := make([]byte, n)
	copy(out, r.b[r.pos:r.pos+n])
	r.pos += n
	return out
}

// count reads a u32 collection length and fails rather than permitting a
// bogus, oversized count to drive a huge allocation below: each collection
// element is at least elemSize bytes on the wire, so a truthful count can
// never claim more elements than remaining()/elemSize.
func (r *reader) count(elemSize int) int {
	n := int(r.u32())
	if r.err != nil {
		return 0
	}
	if n < 0 || n > r.remaining()/elemSize {
		r.fail()
		return 0
	}
	return n
}

func writePose(w *writer, p geometry.Pose) {
	w.f64(p.R.Real)
	w.f64(p.R.Imag)
	w.f64(p.R.Jmag)
	w.f64(p.R.Kmag)
	w.f64(p.T.X)
	w.f64(p.T.Y)
	w.f64(p.T.Z)
}

func readPose(r *reader) geometry.Pose {
	return geometry.NewPose(
		quat.Number{Real: r.f64(), Imag: r.f64(), Jmag: r.f64(), Kmag: r.f64()},
		r3.Vector{X: r.f64(), Y: r.f64(), Z: r.f64()},
	)
}

func idOrNull(id uint64, ok bool) uint64 {
	if !ok {
		return nullID
	}
	return id
}
