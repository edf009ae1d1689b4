package transport

import (
	"context"
	"net"
	"sync"
	"time"

	"go.mapkit.dev/slammapper/logging"
)

// PublishedMessage is one fan-out notification delivered to a Subscriber.
type PublishedMessage struct {
	SubscribeID SubscribeId
	TrackerID   uint64
	Entity      []byte // EncodeMapChange payload, present only for SubscribeMapChange
}

// Publisher fans a stream of PublishedMessage out to every connected
// subscriber over its own TCP listener (spec.md §4.6's second socket),
// independent of the request/reply socket so a slow subscriber never blocks
// a tracker's synchronous calls.
type Publisher struct {
	log logging.Logger

	mu       sync.Mutex
	conns    map[*framedConn]struct{}
	listener net.Listener
}

// NewPublisher constructs a publisher that will bind to addr on Serve.
func NewPublisher(log logging.Logger) *Publisher {
	return &Publisher{log: log, conns: make(map[*framedConn]struct{})}
}

// Serve binds addr and accepts subscriber connections until ctx is
// cancelled or the listener is closed via Close.
func (p *Publisher) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	p.listener = ln
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
		p.mu.Lock()
		p.conns[fc] = struct{}{}
		p.mu.Unlock()
		go p.watchDisconnect(fc)
	}
}

// watchDisconnect removes fc from the fan-out set once the subscriber
// drops the connection (any read failure, since subscribers never send).
func (p *Publisher) watchDisconnect(fc *framedConn) {
	defer func() {
		p.mu.Lock()
		delete(p.conns, fc)
		p.mu.Unlock()
		fc.Close()
	}()
	var buf [1]byte
	for {
		if _, err := fc.Read(buf[:]); err != nil {
			return
		}
	}
}

// Close stops accepting new connections and drops all current subscribers.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for fc := range p.conns {
		fc.Close()
	}
	p.conns = make(map[*framedConn]struct{})
	if p.listener == nil {
		return nil
	}
	return p.listener.Close()
}

// Publish fans msg out to every currently connected subscriber, dropping
// (and disconnecting) any subscriber whose write would otherwise block the
// whole fan-out.
func (p *Publisher) Publish(msg PublishedMessage) {
	payload := encodePublishedMessage(msg)

	p.mu.Lock()
	targets := make([]*framedConn, 0, len(p.conns))
	for fc := range p.conns {
		targets = append(targets, fc)
	}
	p.mu.Unlock()

	for _, fc := range targets {
		_ = fc.SetWriteDeadline(time.Now().Add(receiveTimeout))
		if err := fc.writeFrame(uint32(msg.SubscribeID), payload); err != nil {
			p.mu.Lock()
			delete(p.conns, fc)
			p.mu.Unlock()
			fc.Close()
		}
	}
}

func encodePublishedMessage(msg PublishedMessage) []byte {
	w := &writer{}
	w.u64(msg.TrackerID)
	w.bytesField(msg.Entity)
	return w.buf.Bytes()
}

func decodePublishedMessage(subID SubscribeId, payload []byte) PublishedMessage {
	r := &reader{b: payload}
	trackerID := r.u64()
	entity := r.bytesField()
	return PublishedMessage{SubscribeID: subID, TrackerID: trackerID, Entity: entity}
}

// Subscriber is the client side of the publish/subscribe socket: it dials
// the publisher once and streams decoded messages out over Messages.
type Subscriber struct {
	conn *framedConn
	ch   chan PublishedMessage
}

// DialSubscriber connects to a Publisher at addr and starts the background
// read loop feeding Messages.
func DialSubscriber(ctx context.Context, addr string) (*Subscriber, error) {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	s := &Subscriber{conn: newFramedConn(conn), ch: make(chan PublishedMessage, 256)}
	go s.readLoop()
	return s, nil
}

func (s *Subscriber) readLoop() {
	defer close(s.ch)
	for {
		kind, payload, err := s.conn.readFrame()
		if err != nil {
			return
		}
		s.ch <- decodePublishedMessage(SubscribeId(kind), payload)
	}
}

// Messages returns the channel of decoded published messages, closed once
// the connection to the publisher is lost.
func (s *Subscriber) Messages() <-chan PublishedMessage {
	return s.ch
}

// Close closes the underlying connection.
func (s *Subscriber) Close() error {
	return s.conn.Close()
}
