package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
)

// tcpListener accepts TLS-over-TCP peers.
type tcpListener struct {
	ln  net.Listener
	key []byte
}

// listenTCP takes the certificate so a QUIC listener on the same port can
// share it.
func listenTCP(host string, port int, key []byte, cert tls.Certificate) (*tcpListener, error) {
	ln, err := tls.Listen("tcp", hostPort(host, port), serverTLSConfig(cert))
	if err != nil {
		return nil, fmt.Errorf("TCP+TLS listen: %w", err)
	}
	return &tcpListener{ln: ln, key: key}, nil
}

func (l *tcpListener) Addr() net.Addr {
	return l.ln.Addr()
}

// Accept waits for a connection. Cancelling ctx does not unblock a pending
// accept; Close does.
func (l *tcpListener) Accept(ctx context.Context) (pendingPeer, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return pendingPeer{}, fmt.Errorf("accept TCP connection: %w", err)
	}
	tlsConn := conn.(*tls.Conn)

	auth := func(ctx context.Context) (io.ReadWriteCloser, error) {
		if err := handshakeTLS(ctx, tlsConn); err != nil {
			tlsConn.Close()
			return nil, err
		}
		if err := serverHandshake(tlsConn, tlsConn.ConnectionState(), l.key); err != nil {
			tlsConn.Close()
			return nil, err
		}
		return tlsConn, nil
	}
	return pendingPeer{addr: tlsConn.RemoteAddr(), authenticate: auth}, nil
}

func (l *tcpListener) Close() error {
	return l.ln.Close()
}

// handshakeTLS completes the TLS handshake so exporter material is available.
func handshakeTLS(ctx context.Context, conn *tls.Conn) error {
	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()
	if err := conn.HandshakeContext(hctx); err != nil {
		return fmt.Errorf("TLS handshake: %w", err)
	}
	return nil
}

// dialTCP connects over TLS and authenticates with key.
func dialTCP(ctx context.Context, host string, port int, key []byte) (*streamClient, error) {
	var d net.Dialer
	raw, err := d.DialContext(ctx, "tcp", hostPort(host, port))
	if err != nil {
		return nil, fmt.Errorf("TCP dial: %w", err)
	}

	conn := tls.Client(raw, clientTLSConfig())
	if err := handshakeTLS(ctx, conn); err != nil {
		raw.Close()
		return nil, err
	}
	if err := clientHandshake(conn, conn.ConnectionState(), key); err != nil {
		conn.Close()
		return nil, err
	}
	return newStreamClient(conn, conn.LocalAddr(), conn.RemoteAddr()), nil
}
