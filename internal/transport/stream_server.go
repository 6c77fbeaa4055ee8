package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/rs/zerolog"
)

// acceptor yields connections whose key handshake has not run yet.
type acceptor interface {
	Accept(ctx context.Context) (pendingPeer, error)
	Addr() net.Addr
	Close() error
}

type pendingPeer struct {
	addr net.Addr
	// authenticate runs the handshake and returns the envelope stream. It
	// closes the connection itself on failure.
	authenticate func(ctx context.Context) (io.ReadWriteCloser, error)
}

type inbound struct {
	data []byte
	from net.Addr
}

type streamPeer struct {
	rwc  io.ReadWriteCloser
	addr net.Addr
	wmu  sync.Mutex // serializes frames on the shared stream
}

// streamServer fans the envelope streams of every authenticated peer into
// one PacketConn. Peers are addressed by their remote address.
type streamServer struct {
	listeners []acceptor
	log       zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	inbox  chan inbound
	wg     sync.WaitGroup

	mu     sync.Mutex
	peers  map[string]*streamPeer
	closed bool
}

// listenStreams binds TCP+TLS, and with withQUIC a QUIC listener first whose
// port number the TCP listener then reuses. UDP and TCP ports don't conflict.
func listenStreams(host string, port int, opts Options, withQUIC bool) (*streamServer, error) {
	if len(opts.Key) == 0 {
		return nil, fmt.Errorf("%s listen: %w", opts.Mode, ErrAuthFailed)
	}
	cert, err := generateCert()
	if err != nil {
		return nil, fmt.Errorf("generate TLS cert: %w", err)
	}

	var listeners []acceptor
	if withQUIC {
		ql, err := listenQUIC(host, port, opts.Key, cert)
		if err != nil {
			return nil, err
		}
		listeners = append(listeners, ql)
		port = Port(ql.Addr())
	}
	tl, err := listenTCP(host, port, opts.Key, cert)
	if err != nil {
		for _, l := range listeners {
			l.Close()
		}
		return nil, fmt.Errorf("TCP listen on port %d: %w", port, err)
	}
	listeners = append(listeners, tl)

	ctx, cancel := context.WithCancel(context.Background())
	s := &streamServer{
		listeners: listeners,
		log:       opts.Logger,
		ctx:       ctx,
		cancel:    cancel,
		inbox:     make(chan inbound, 64),
		peers:     make(map[string]*streamPeer),
	}
	for _, l := range listeners {
		s.wg.Add(1)
		go s.acceptLoop(l)
	}
	return s, nil
}

func peerKey(addr net.Addr) string {
	return addr.Network() + "/" + addr.String()
}

func (s *streamServer) acceptLoop(l acceptor) {
	defer s.wg.Done()
	for {
		pp, err := l.Accept(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn().Err(err).Str("listener", l.Addr().Network()).Msg("accept failed")
			continue
		}
		s.wg.Add(1)
		go s.serve(pp)
	}
}

// serve authenticates one peer and pumps its frames into the inbox.
func (s *streamServer) serve(pp pendingPeer) {
	defer s.wg.Done()

	rwc, err := pp.authenticate(s.ctx)
	if err != nil {
		s.log.Warn().Err(err).Stringer("peer", pp.addr).Msg("peer rejected")
		return
	}
	p := &streamPeer{rwc: rwc, addr: pp.addr}
	key := peerKey(pp.addr)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		rwc.Close()
		return
	}
	if old, ok := s.peers[key]; ok {
		old.rwc.Close()
	}
	s.peers[key] = p
	s.mu.Unlock()
	s.log.Debug().Stringer("peer", pp.addr).Msg("peer connected")

	defer s.drop(key, p)
	for {
		t, payload, err := readFrame(rwc)
		if err != nil {
			if s.ctx.Err() == nil {
				s.log.Debug().Err(err).Stringer("peer", pp.addr).Msg("peer disconnected")
			}
			return
		}
		if t != frameEnvelope {
			s.log.Warn().Uint8("type", uint8(t)).Stringer("peer", pp.addr).Msg("ignoring unexpected frame")
			continue
		}
		select {
		case s.inbox <- inbound{data: payload, from: pp.addr}:
		case <-s.ctx.Done():
			return
		}
	}
}

// drop removes p unless a newer connection from the same address replaced it.
func (s *streamServer) drop(key string, p *streamPeer) {
	s.mu.Lock()
	if s.peers[key] == p {
		delete(s.peers, key)
	}
	s.mu.Unlock()
	p.rwc.Close()
}

// ReadFrom returns the next envelope from any peer.
func (s *streamServer) ReadFrom(b []byte) (int, net.Addr, error) {
	select {
	case in := <-s.inbox:
		return copy(b, in.data), in.from, nil
	case <-s.ctx.Done():
		return 0, nil, net.ErrClosed
	}
}

// WriteTo frames b onto the stream of the peer at addr.
func (s *streamServer) WriteTo(b []byte, addr net.Addr) (int, error) {
	key := peerKey(addr)
	s.mu.Lock()
	p, ok := s.peers[key]
	s.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownPeer, addr)
	}

	p.wmu.Lock()
	err := writeFrame(p.rwc, frameEnvelope, b)
	p.wmu.Unlock()
	if err != nil {
		s.drop(key, p)
		return 0, err
	}
	return len(b), nil
}

// LocalAddr returns the address of the first listener.
func (s *streamServer) LocalAddr() net.Addr {
	return s.listeners[0].Addr()
}

func (s *streamServer) peerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// Close stops the listeners and disconnects every peer.
func (s *streamServer) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	peers := s.peers
	s.peers = make(map[string]*streamPeer)
	s.mu.Unlock()

	s.cancel()
	var errs []error
	for _, l := range s.listeners {
		if err := l.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, p := range peers {
		p.rwc.Close()
	}
	s.wg.Wait()
	return errors.Join(errs...)
}
