package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/quic-go/quic-go"
)

// QUIC application close codes.
const (
	quicClosed     quic.ApplicationErrorCode = 0
	quicNoStream   quic.ApplicationErrorCode = 1
	quicAuthFailed quic.ApplicationErrorCode = 2
)

// authLinger is how long a rejected connection stays open so the client can
// read the failure frame before the close arrives.
const authLinger = 500 * time.Millisecond

// authError maps the server's auth-failure close onto ErrAuthFailed.
func authError(err error) error {
	var appErr *quic.ApplicationError
	if errors.As(err, &appErr) && appErr.Remote && appErr.ErrorCode == quicAuthFailed {
		return fmt.Errorf("%w: rejected by server", ErrAuthFailed)
	}
	return err
}

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:    30 * time.Second,
		KeepAlivePeriod:   10 * time.Second,
		InitialPacketSize: 1200, // Tailscale MTU is 1280; default 1350 gets dropped
	}
}

// quicStream is the single bidirectional stream a client opens per QUIC
// connection. Closing it tears down the connection, and on the client side
// the socket as well.
type quicStream struct {
	*quic.Stream
	conn *quic.Conn
	tr   *quic.Transport
}

func (s *quicStream) Close() error {
	s.CancelRead(0)
	s.Stream.Close()
	s.conn.CloseWithError(quicClosed, "closed")
	if s.tr != nil {
		return s.tr.Close()
	}
	return nil
}

type quicListener struct {
	tr  *quic.Transport
	ln  *quic.Listener
	key []byte
}

func listenQUIC(host string, port int, key []byte, cert tls.Certificate) (*quicListener, error) {
	udpConn, err := ListenUDP(host, port)
	if err != nil {
		return nil, err
	}

	tr := &quic.Transport{Conn: udpConn}
	ln, err := tr.Listen(serverTLSConfig(cert), quicConfig())
	if err != nil {
		udpConn.Close()
		return nil, fmt.Errorf("QUIC listen: %w", err)
	}
	return &quicListener{tr: tr, ln: ln, key: key}, nil
}

func (l *quicListener) Addr() net.Addr {
	return l.ln.Addr()
}

// Accept waits for a connection. The returned peer runs the key handshake
// on the first stream the client opens.
func (l *quicListener) Accept(ctx context.Context) (pendingPeer, error) {
	qconn, err := l.ln.Accept(ctx)
	if err != nil {
		return pendingPeer{}, fmt.Errorf("accept QUIC connection: %w", err)
	}

	auth := func(ctx context.Context) (io.ReadWriteCloser, error) {
		hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
		defer cancel()
		stream, err := qconn.AcceptStream(hctx)
		if err != nil {
			qconn.CloseWithError(quicNoStream, "no stream")
			return nil, fmt.Errorf("accept stream: %w", err)
		}
		if err := serverHandshake(stream, qconn.ConnectionState().TLS, l.key); err != nil {
			if errors.Is(err, ErrAuthFailed) {
				stream.Close()
				select {
				case <-qconn.Context().Done():
				case <-time.After(authLinger):
				case <-ctx.Done():
				}
			}
			qconn.CloseWithError(quicAuthFailed, "auth failed")
			return nil, err
		}
		return &quicStream{Stream: stream, conn: qconn}, nil
	}
	return pendingPeer{addr: qconn.RemoteAddr(), authenticate: auth}, nil
}

func (l *quicListener) Close() error {
	l.ln.Close()
	return l.tr.Close()
}
