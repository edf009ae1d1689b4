package transport

import (
	"bufio"
	"encoding/binary"
	"io"
	"net"

	"github.com/pkg/errors"
)

// maxFrameSize bounds a single frame payload, guarding against a corrupt or
// hostile length prefix driving an unbounded allocation.
const maxFrameSize = 64 << 20

var ErrFrameTooLarge = errors.New("transport: frame exceeds maximum size")

// frame is [4-byte big-endian kind][4-byte big-endian length][payload],
// mirroring the hand-rolled little-endian entity codec of the wire package
// but kept in a separate, big-endian header of its own: the two are
// deliberately distinct formats (message framing vs. entity payloads) and
// the byte order choice here is the conventional one for network headers.
func writeFrame(w io.Writer, kind uint32, payload []byte) error {
	var hdr [8]byte
	binary.BigEndian.PutUint32(hdr[0:4], kind)
	binary.BigEndian.PutUint32(hdr[4:8], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return errors.Wrap(err, "transport: write frame header")
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return errors.Wrap(err, "transport: write frame payload")
	}
	return nil
}

func readFrame(r io.Reader) (kind uint32, payload []byte, err error) {
	var hdr [8]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	kind = binary.BigEndian.Uint32(hdr[0:4])
	length := binary.BigEndian.Uint32(hdr[4:8])
	if length > maxFrameSize {
		return 0, nil, ErrFrameTooLarge
	}
	if length == 0 {
		return kind, nil, nil
	}
	payload = make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, errors.Wrap(err, "transport: read frame payload")
	}
	return kind, payload, nil
}

// framedConn pairs a net.Conn with a buffered reader, since reading one
// frame at a time through bufio avoids a syscall per header.
type framedConn struct {
	net.Conn
	br *bufio.Reader
}

func newFramedConn(c net.Conn) *framedConn {
	return &framedConn{Conn: c, br: bufio.NewReader(c)}
}

func (fc *framedConn) readFrame() (uint32, []byte, error) {
	return readFrame(fc.br)
}

func (fc *framedConn) writeFrame(kind uint32, payload []byte) error {
	return writeFrame(fc.Conn, kind, payload)
}
