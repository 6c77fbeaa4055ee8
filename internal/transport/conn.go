// Package transport moves whole envelopes between peers.
//
// The default mode sends one envelope per UDP datagram. The stream modes
// carry one envelope per length-prefixed frame on an authenticated QUIC
// stream or TLS-over-TCP connection; a stream server fans every peer's
// frames into a single PacketConn so callers see the same datagram shape.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// Mode selects the transport.
type Mode int

const (
	ModeUDP Mode = iota
	ModeQUIC
	ModeTCP
)

func (m Mode) String() string {
	switch m {
	case ModeUDP:
		return "udp"
	case ModeQUIC:
		return "quic"
	case ModeTCP:
		return "tcp"
	default:
		return "unknown"
	}
}

// ParseMode accepts the names produced by Mode.String.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "", "udp":
		return ModeUDP, nil
	case "quic":
		return ModeQUIC, nil
	case "tcp":
		return ModeTCP, nil
	}
	return 0, fmt.Errorf("unknown transport %q", s)
}

var (
	ErrUnknownPeer = errors.New("no connection to peer")
	ErrAuthFailed  = errors.New("authentication failed")
)

// PacketConn sends and receives whole envelopes. Every ReadFrom returns
// exactly one envelope as sent by one WriteTo. *net.UDPConn satisfies it.
type PacketConn interface {
	ReadFrom(p []byte) (n int, addr net.Addr, err error)
	WriteTo(p []byte, addr net.Addr) (n int, err error)
	LocalAddr() net.Addr
	Close() error
}

// Options configures Listen and Dial.
type Options struct {
	Mode Mode
	// Key authenticates stream connections. UDP relies on envelope
	// signatures alone.
	Key    []byte
	Logger zerolog.Logger
}

// Listen binds the server side. In QUIC mode a TCP+TLS listener is bound to
// the same port number as well, so clients may use either.
func Listen(host string, port int, opts Options) (PacketConn, error) {
	switch opts.Mode {
	case ModeUDP:
		conn, err := ListenUDP(host, port)
		if err != nil {
			return nil, err
		}
		return conn, nil
	case ModeQUIC:
		return listenStreams(host, port, opts, true)
	case ModeTCP:
		return listenStreams(host, port, opts, false)
	}
	return nil, fmt.Errorf("listen: unsupported transport %s", opts.Mode)
}

// Dial connects the client side and returns the connection together with
// the address to send to.
func Dial(ctx context.Context, host string, port int, opts Options) (PacketConn, net.Addr, error) {
	switch opts.Mode {
	case ModeUDP:
		return DialUDP(host, port)
	case ModeQUIC:
		c, err := dialQUIC(ctx, host, port, opts.Key)
		if err != nil {
			return nil, nil, err
		}
		return c, c.remote, nil
	case ModeTCP:
		c, err := dialTCP(ctx, host, port, opts.Key)
		if err != nil {
			return nil, nil, err
		}
		return c, c.remote, nil
	}
	return nil, nil, fmt.Errorf("dial: unsupported transport %s", opts.Mode)
}

func hostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// Port returns the port of a local address, or 0.
func Port(addr net.Addr) int {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return a.Port
	case *net.TCPAddr:
		return a.Port
	}
	return 0
}
