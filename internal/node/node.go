// Package node runs one protocol endpoint: it owns a transport connection,
// turns inbound datagrams into typed messages and dispatches them to the
// registered actions, all on a single loop goroutine.
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/chronologos/goremote/internal/action"
	"github.com/chronologos/goremote/internal/message"
	"github.com/chronologos/goremote/internal/metrics"
	"github.com/chronologos/goremote/internal/packet"
	"github.com/chronologos/goremote/internal/security"
	"github.com/chronologos/goremote/internal/transport"
)

// readBufSize fits the largest UDP payload.
const readBufSize = 64 * 1024

var ErrNotConnected = errors.New("node is not connected")

// Config holds node configuration. Messages, Actions and Auth are required.
type Config struct {
	// Role labels logs and metrics, e.g. "client" or "server".
	Role     string
	Messages *message.Registry
	Actions  *action.Registry
	Auth     *security.Authenticator
	Logger   zerolog.Logger
	// Observe, if set, sees every verified message before dispatch.
	Observe func(msg message.Message, from net.Addr)
}

type datagram struct {
	data []byte
	from net.Addr
}

// timer fires fn on the loop either every interval or whenever c delivers.
type timer struct {
	interval time.Duration
	c        <-chan time.Time
	fn       func()
}

// Node is the loop shared by client and server.
type Node struct {
	cfg Config
	log zerolog.Logger

	mu     sync.RWMutex
	conn   transport.PacketConn
	timers []timer

	calls chan func()
}

func New(conn transport.PacketConn, cfg Config) *Node {
	return &Node{
		cfg:   cfg,
		log:   cfg.Logger.With().Str("component", "node").Str("role", cfg.Role).Logger(),
		conn:  conn,
		calls: make(chan func(), 16),
	}
}

// AddTimer runs fn every interval on the loop goroutine. Timers must be
// added before Run.
func (n *Node) AddTimer(interval time.Duration, fn func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.timers = append(n.timers, timer{interval: interval, fn: fn})
}

// AddTrigger runs fn on the loop goroutine each time c delivers, for timers
// owned by someone else. Triggers must be added before Run.
func (n *Node) AddTrigger(c <-chan time.Time, fn func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.timers = append(n.timers, timer{c: c, fn: fn})
}

// Do runs fn on the loop goroutine. It blocks while the call queue is full
// and gives up when ctx is done.
func (n *Node) Do(ctx context.Context, fn func()) error {
	select {
	case n.calls <- fn:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send signs and encodes m and writes it to addr. Safe for concurrent use.
func (n *Node) Send(m message.Message, to net.Addr) error {
	n.mu.RLock()
	conn := n.conn
	n.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	raw, err := message.Encode(n.cfg.Auth, m)
	if err != nil {
		return err
	}
	if _, err := conn.WriteTo(raw, to); err != nil {
		return fmt.Errorf("send %s/%s to %s: %w", m.Type(), m.Subtype(), to, err)
	}
	metrics.DatagramsSent.WithLabelValues(n.cfg.Role).Inc()
	return nil
}

// LocalAddr returns the bound address, or nil once closed.
func (n *Node) LocalAddr() net.Addr {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.conn == nil {
		return nil
	}
	return n.conn.LocalAddr()
}

// Run handles datagrams, timers and queued calls until ctx is cancelled or
// the connection fails. It closes the connection on return.
func (n *Node) Run(ctx context.Context) error {
	n.mu.RLock()
	conn := n.conn
	timers := n.timers
	n.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		n.Close()
	}()

	recvCh := make(chan datagram, 16)
	readErrCh := make(chan error, 1)
	go n.readLoop(ctx, conn, recvCh, readErrCh)

	ticks := make(chan func())
	for _, t := range timers {
		go runTimer(ctx, t, ticks)
	}

	for {
		select {
		case dg := <-recvCh:
			n.handle(dg)

		case fn := <-ticks:
			fn()

		case fn := <-n.calls:
			fn()

		case err := <-readErrCh:
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return ctx.Err()
			}
			return fmt.Errorf("receive: %w", err)

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// runTimer hands fn to the loop on every tick. The loop runs it, so a slow
// callback delays the next tick rather than overlapping it.
func runTimer(ctx context.Context, t timer, ticks chan<- func()) {
	c := t.c
	if c == nil {
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()
		c = ticker.C
	}
	for {
		select {
		case <-c:
			select {
			case ticks <- t.fn:
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// readLoop copies each datagram out of the shared buffer and hands it to
// the loop. Exits on the first read error or once ctx is done.
func (n *Node) readLoop(ctx context.Context, conn transport.PacketConn, ch chan<- datagram, errCh chan<- error) {
	buf := make([]byte, readBufSize)
	for {
		size, from, err := conn.ReadFrom(buf)
		if err != nil {
			errCh <- err
			return
		}
		data := make([]byte, size)
		copy(data, buf[:size])
		select {
		case ch <- datagram{data: data, from: from}:
		case <-ctx.Done():
			return
		}
	}
}

// handle decodes and dispatches one datagram. Failures, including a
// panicking action, are logged and the datagram dropped.
func (n *Node) handle(dg datagram) {
	metrics.DatagramsReceived.WithLabelValues(n.cfg.Role).Inc()
	defer func() {
		if r := recover(); r != nil {
			metrics.DatagramsDropped.WithLabelValues(n.cfg.Role, "panic").Inc()
			n.log.Error().Interface("panic", r).Stringer("peer", dg.from).Msg("action panicked")
		}
	}()

	msg, err := message.Decode(n.cfg.Messages, n.cfg.Auth, dg.data)
	if err != nil {
		metrics.DatagramsDropped.WithLabelValues(n.cfg.Role, dropReason(err)).Inc()
		n.log.Warn().Err(err).Stringer("peer", dg.from).Int("bytes", len(dg.data)).Msg("dropping datagram")
		return
	}

	if n.cfg.Observe != nil {
		n.cfg.Observe(msg, dg.from)
	}

	handled, err := n.cfg.Actions.Dispatch(msg, dg.from)
	if !handled {
		n.log.Debug().Str("type", msg.Type()).Str("subtype", msg.Subtype()).
			Stringer("peer", dg.from).Msg("no action for message")
		return
	}
	metrics.MessagesHandled.WithLabelValues(n.cfg.Role, msg.Type(), msg.Subtype()).Inc()
	if err != nil {
		n.log.Error().Err(err).Str("type", msg.Type()).Str("subtype", msg.Subtype()).
			Stringer("peer", dg.from).Msg("action failed")
	}
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, packet.ErrCorrupt):
		return "corrupt"
	case errors.Is(err, message.ErrInvalidSignature):
		return "signature"
	case errors.Is(err, packet.ErrUnsupportedVersion):
		return "version"
	case errors.Is(err, message.ErrUnknownType):
		return "unknown_type"
	default:
		return "other"
	}
}

// Close releases the connection. Later Sends fail with ErrNotConnected.
func (n *Node) Close() error {
	n.mu.Lock()
	conn := n.conn
	n.conn = nil
	n.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}
