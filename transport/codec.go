package transport

import (
	"bytes"
	"encoding/binary"
	"math"

	"github.com/pkg/errors"

	"go.mapkit.dev/slammapper/geometry"
	"go.mapkit.dev/slammapper/mapping"
)

// writer/reader are the same little-endian cursor idiom the wire package
// uses for entity payloads, kept as a separate (unexported) pair here since
// request/reply bodies are a distinct catalogue from map entities.
type writer struct{ buf bytes.Buffer }

func (w *writer) u64(v uint64) { var b [8]byte; binary.LittleEndian.PutUint64(b[:], v); w.buf.Write(b[:]) }
func (w *writer) u32(v uint32) { var b [4]byte; binary.LittleEndian.PutUint32(b[:], v); w.buf.Write(b[:]) }
func (w *writer) f64(v float64) { w.u64(math.Float64bits(v)) }
func (w *writer) boolean(v bool) {
	if v {
		w.buf.WriteByte(1)
	} else {
		w.buf.WriteByte(0)
	}
}
func (w *writer) bytesField(b []byte) { w.u32(uint32(len(b))); w.buf.Write(b) }
func (w *writer) pose(p geometry.Pose) {
	w.f64(p.R.Real)
	w.f64(p.R.Imag)
	w.f64(p.R.Jmag)
	w.f64(p.R.Kmag)
	w.f64(p.T.X)
	w.f64(p.T.Y)
	w.f64(p.T.Z)
}

// reader is a little-endian cursor over a request/reply payload. It follows
// the same sticky-error idiom as wire.reader: once a read runs past the end
// of b, err is set and every later read is a no-op returning the zero
// value, so a handler can run all its field reads and check err once at the
// end rather than threading an error return through each one.
type reader struct {
	b   []byte
	pos int
	err error
}

var errTruncatedRequest = errors.New("transport: truncated message payload")

func (r *reader) checkAvail(n int) error {
	if r.pos+n > len(r.b) {
		return errTruncatedRequest
	}
	return nil
}

func (r *reader) fail() {
	if r.err == nil {
		r.err = errTruncatedRequest
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
func (r *reader) f64() float64 { return math.Float64frombits(r.u64()) }
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
func (r *reader) remaining() int { return len(r.b) - r.pos }

// count reads a u32 collection length and fails rather than letting a bogus
// oversized count drive an oversized slice/map allocation: each element is
// at least elemSize bytes on the wire, so a truthful count can never exceed
// remaining()/elemSize.
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

func (r *reader) pose() geometry.Pose {
	var p geometry.Pose
	p.R.Real = r.f64()
	p.R.Imag = r.f64()
	p.R.Jmag = r.f64()
	p.R.Kmag = r.f64()
	p.T.X = r.f64()
	p.T.Y = r.f64()
	p.T.Z = r.f64()
	return p
}

func (w *writer) bowVector(bow mapping.BoWVector) {
	w.u32(uint32(len(bow)))
	for word, weight := range bow {
		w.u32(word)
		w.f64(weight)
	}
}

func (r *reader) bowVector() mapping.BoWVector {
	n := r.count(4 + 8)
	out := make(mapping.BoWVector, n)
	for i := 0; i < n; i++ {
		word := r.u32()
		out[word] = r.f64()
	}
	return out
}
